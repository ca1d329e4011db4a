package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"readlater_sync/internal/domain"
	"readlater_sync/internal/scheduler"
	"readlater_sync/internal/service"
)

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:          "syncer",
		Short:        "Offline read-later store with bidirectional server sync",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "path to config file")

	// withApp wires the app for one command invocation and closes it afterwards.
	withApp := func(run runFunc) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, configPath)
			if err != nil {
				return err
			}
			defer a.Close()
			return run(ctx, cmd, a, args)
		}
	}

	root.AddCommand(
		newRunCmd(withApp),
		newSyncCmd(withApp),
		newDirectionCmd(withApp, "up", "Upload local changes only", (*service.Engine).SyncUp),
		newDirectionCmd(withApp, "down", "Download remote changes only", (*service.Engine).SyncDown),
		newAddCmd(withApp),
		newMarkCmd(withApp),
		newRmCmd(withApp),
		newLsCmd(withApp),
		newConflictsCmd(withApp),
		newResolveCmd(withApp),
	)
	return root
}

type runFunc func(ctx context.Context, cmd *cobra.Command, a *app, args []string) error

type appRunner func(run runFunc) func(*cobra.Command, []string) error

func newRunCmd(withApp appRunner) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Sync on the configured interval until interrupted",
		Args:  cobra.NoArgs,
		RunE: withApp(func(ctx context.Context, _ *cobra.Command, a *app, _ []string) error {
			ctx, cancel := context.WithCancel(ctx)
			defer cancel()

			go func() {
				sigCh := make(chan os.Signal, 1)
				signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
				defer signal.Stop(sigCh)
				select {
				case sig := <-sigCh:
					a.logger.Info("received shutdown signal", "signal", sig)
					a.engine.StopSync()
					// In-flight calls finish before the context goes away;
					// a second signal skips the wait.
					if !waitForIdle(a.engine, stopPollInterval, sigCh) {
						a.logger.Warn("second signal, cancelling in-flight calls")
					}
					cancel()
				case <-ctx.Done():
				}
			}()

			a.logger.Info("starting syncer",
				"store", a.cfg.Sync.StoreID,
				"interval", a.cfg.Sync.Interval,
				"strategy", a.cfg.Sync.Strategy,
			)

			if err := primeConflicts(ctx, a); err != nil {
				return err
			}

			sched := scheduler.NewScheduler(a.engine, a.cfg.Sync.Interval, a.logger)
			if err := sched.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				a.logger.Error("scheduler error", "error", err)
				return err
			}
			return nil
		}),
	}
}

const stopPollInterval = 100 * time.Millisecond

type syncRunner interface {
	IsSyncRunning() bool
}

// waitForIdle blocks until no pass is running. It returns false when
// interrupted by a value on abort.
func waitForIdle(r syncRunner, interval time.Duration, abort <-chan os.Signal) bool {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for r.IsSyncRunning() {
		select {
		case <-abort:
			return false
		case <-ticker.C:
		}
	}
	return true
}

// primeConflicts re-detects MANUAL conflicts left by an earlier process so
// the next upload does not push their local side.
func primeConflicts(ctx context.Context, a *app) error {
	cfg := a.engine.Configuration()
	manual := cfg.Strategy == domain.Manual
	for _, st := range cfg.Overrides {
		manual = manual || st == domain.Manual
	}
	if !manual {
		return nil
	}
	_, err := a.engine.SyncDown(ctx)
	return err
}

func newSyncCmd(withApp appRunner) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one full sync pass",
		Args:  cobra.NoArgs,
		RunE: withApp(func(ctx context.Context, cmd *cobra.Command, a *app, _ []string) error {
			if err := primeConflicts(ctx, a); err != nil {
				return err
			}
			result, err := a.engine.StartFullSync(ctx, force)
			return report(cmd, result, err)
		}),
	}
	cmd.Flags().BoolVar(&force, "force", false, "stop a running pass and start over")
	return cmd
}

func newDirectionCmd(withApp appRunner, use, short string, fn func(*service.Engine, context.Context) (*domain.SyncResult, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: withApp(func(ctx context.Context, cmd *cobra.Command, a *app, _ []string) error {
			result, err := fn(a.engine, ctx)
			return report(cmd, result, err)
		}),
	}
}

func report(cmd *cobra.Command, result *domain.SyncResult, err error) error {
	if err != nil {
		return err
	}
	if err := printJSON(cmd.OutOrStdout(), result); err != nil {
		return err
	}
	if result.Phase != domain.PhaseSucceeded {
		return fmt.Errorf("sync finished in %s with %d errors", result.Phase, result.ErrorCount)
	}
	return nil
}

func newAddCmd(withApp appRunner) *cobra.Command {
	var title string
	var tags []string
	cmd := &cobra.Command{
		Use:   "add <url>",
		Short: "Save an article for later",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, cmd *cobra.Command, a *app, args []string) error {
			article, err := a.library.Add(ctx, args[0], title, tags)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ADDED %s %s\n", article.ID, article.Title)
			return nil
		}),
	}
	cmd.Flags().StringVar(&title, "title", "", "article title (defaults to the url)")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "tag to attach (repeatable)")
	return cmd
}

func newMarkCmd(withApp appRunner) *cobra.Command {
	var read, favorite, archived bool
	var tags []string
	cmd := &cobra.Command{
		Use:   "mark <id>",
		Short: "Change an article's flags or tags",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, cmd *cobra.Command, a *app, args []string) error {
			var update service.FlagUpdate
			flags := cmd.Flags()
			if flags.Changed("read") {
				update.IsRead = &read
			}
			if flags.Changed("favorite") {
				update.IsFavorite = &favorite
			}
			if flags.Changed("archived") {
				update.IsArchived = &archived
			}

			changed := false
			if update != (service.FlagUpdate{}) {
				if err := a.library.SetFlags(ctx, args[0], update); err != nil {
					return err
				}
				changed = true
			}
			if flags.Changed("tag") {
				if err := a.library.SetTags(ctx, args[0], tags); err != nil {
					return err
				}
				changed = true
			}
			if !changed {
				return errors.New("nothing to change: pass --read, --favorite, --archived or --tag")
			}
			fmt.Fprintf(cmd.OutOrStdout(), "UPDATED %s\n", args[0])
			return nil
		}),
	}
	cmd.Flags().BoolVar(&read, "read", false, "mark as read (--read=false to unmark)")
	cmd.Flags().BoolVar(&favorite, "favorite", false, "mark as favorite")
	cmd.Flags().BoolVar(&archived, "archived", false, "archive the article")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "replace the tag set (repeatable)")
	return cmd
}

func newRmCmd(withApp appRunner) *cobra.Command {
	return &cobra.Command{
		Use:     "rm <id>",
		Aliases: []string{"remove"},
		Short:   "Remove an article",
		Args:    cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, cmd *cobra.Command, a *app, args []string) error {
			if err := a.library.Remove(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "REMOVED %s\n", args[0])
			return nil
		}),
	}
}

func newLsCmd(withApp appRunner) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "ls",
		Short: "List saved articles",
		Args:  cobra.NoArgs,
		RunE: withApp(func(ctx context.Context, cmd *cobra.Command, a *app, _ []string) error {
			articles, err := a.articles.List(ctx, all)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, article := range articles {
				marks := ""
				if article.IsModified {
					marks += "*"
				}
				if article.IsFavorite {
					marks += "F"
				}
				if article.IsRead {
					marks += "R"
				}
				fmt.Fprintf(out, "%-3s %s  %s  [%s]\n", marks, article.ID, article.Title, strings.Join(article.Tags, ","))
			}
			return nil
		}),
	}
	cmd.Flags().BoolVar(&all, "all", false, "include archived articles")
	return cmd
}

// Pending conflicts live in the engine, so both commands download first to
// detect them again; the checkpoint is held while any is unresolved.
func newConflictsCmd(withApp appRunner) *cobra.Command {
	return &cobra.Command{
		Use:   "conflicts",
		Short: "Download remote changes and list unresolved conflicts",
		Args:  cobra.NoArgs,
		RunE: withApp(func(ctx context.Context, cmd *cobra.Command, a *app, _ []string) error {
			if _, err := a.engine.SyncDown(ctx); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, c := range a.engine.PendingConflicts() {
				fmt.Fprintf(out, "%s  local %q (%s)  remote %q (%s)\n",
					c.ArticleID,
					c.Local.Title, c.Local.UpdatedAt.Format(time.RFC3339),
					c.Remote.Title, c.Remote.UpdatedAt.Format(time.RFC3339),
				)
			}
			return nil
		}),
	}
}

func newResolveCmd(withApp appRunner) *cobra.Command {
	var strategy string
	cmd := &cobra.Command{
		Use:   "resolve <id>",
		Short: "Settle an unresolved conflict",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, cmd *cobra.Command, a *app, args []string) error {
			st, err := parseResolution(strategy)
			if err != nil {
				return err
			}
			if _, err := a.engine.SyncDown(ctx); err != nil {
				return err
			}
			article, err := a.engine.ResolveConflict(ctx, args[0], st)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "RESOLVED %s %s\n", article.ID, st)
			return nil
		}),
	}
	cmd.Flags().StringVar(&strategy, "strategy", string(domain.RemoteWins), "LOCAL_WINS, REMOTE_WINS or LAST_WRITE_WINS")
	return cmd
}

func parseResolution(s string) (domain.ConflictStrategy, error) {
	st, err := domain.ParseConflictStrategy(strings.ToUpper(s))
	if err != nil {
		return "", err
	}
	if st == domain.Manual {
		return "", errors.New("MANUAL does not resolve a conflict")
	}
	return st, nil
}

package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"readlater_sync/internal/domain"
)

// errAborted unwinds a pass after a stop request was observed at a boundary.
var errAborted = errors.New("sync aborted")

// Engine runs sync passes for a single local store. At most one pass is
// active at a time; within a pass every call is issued sequentially.
type Engine struct {
	storeID   string
	local     LocalStore
	syncState SyncStateStore
	txManager TransactionManager
	remote    RemoteClient
	observer  Observer
	logger    *slog.Logger
	now       func() time.Time

	mu      sync.Mutex
	config  domain.SyncConfiguration
	active  *pass
	pending map[string]domain.ConflictCase
}

func NewEngine(
	storeID string,
	local LocalStore,
	syncState SyncStateStore,
	txManager TransactionManager,
	remote RemoteClient,
	observer Observer,
	logger *slog.Logger,
	cfg domain.SyncConfiguration,
) *Engine {
	if observer == nil {
		observer = NopObserver{}
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = domain.DefaultBatchSize
	}
	if cfg.Strategy == "" {
		cfg.Strategy = domain.LastWriteWins
	}
	return &Engine{
		storeID:   storeID,
		local:     local,
		syncState: syncState,
		txManager: txManager,
		remote:    remote,
		observer:  observer,
		logger:    logger.With("store", storeID),
		now:       time.Now,
		config:    cfg.Clone(),
		pending:   make(map[string]domain.ConflictCase),
	}
}

// pass is the state of one running session.
type pass struct {
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	result    *domain.SyncResult
	state     *domain.SyncState
	conflicts []domain.ConflictCase

	// checkpoint is the newest server timestamp seen while downloading.
	checkpoint     time.Time
	downloaded     bool
	holdCheckpoint bool
}

func newPass() *pass {
	return &pass{
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		result: &domain.SyncResult{Phase: domain.PhaseIdle},
	}
}

func (p *pass) requestStop() {
	p.stopOnce.Do(func() { close(p.stop) })
}

// stopped is checked only at batch and record boundaries.
func (p *pass) stopped(ctx context.Context) bool {
	select {
	case <-p.stop:
		return true
	default:
		return ctx.Err() != nil
	}
}

type phaseStep func(ctx context.Context, p *pass) error

// StartFullSync runs upload, download, conflict resolution and finalize.
// It returns domain.ErrSyncInProgress when a pass is running and force is
// false; with force the running pass is stopped first. Every other outcome
// is reported through the returned result.
func (e *Engine) StartFullSync(ctx context.Context, force bool) (*domain.SyncResult, error) {
	return e.run(ctx, "full", force, e.upload, e.download, e.resolveConflicts)
}

// SyncUp pushes local changes only.
func (e *Engine) SyncUp(ctx context.Context) (*domain.SyncResult, error) {
	return e.run(ctx, "up", false, e.upload)
}

// SyncDown pulls remote changes and resolves the conflicts they raise.
func (e *Engine) SyncDown(ctx context.Context) (*domain.SyncResult, error) {
	return e.run(ctx, "down", false, e.download, e.resolveConflicts)
}

// StopSync asks the active pass to stop at its next boundary. Calls already
// issued are allowed to complete.
func (e *Engine) StopSync() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active != nil {
		e.logger.Info("stop requested")
		e.active.requestStop()
	}
}

func (e *Engine) IsSyncRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active != nil
}

func (e *Engine) Configuration() domain.SyncConfiguration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.config.Clone()
}

// UpdateConfiguration applies u. Phases already running keep the snapshot
// they started with.
func (e *Engine) UpdateConfiguration(u domain.ConfigurationUpdate) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	cfg, err := e.config.Merge(u)
	if err != nil {
		return fmt.Errorf("update configuration: %w", err)
	}
	e.config = cfg
	return nil
}

// PendingConflicts lists conflicts left unresolved under MANUAL.
func (e *Engine) PendingConflicts() []domain.ConflictCase {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := slices.Sorted(maps.Keys(e.pending))
	out := make([]domain.ConflictCase, 0, len(ids))
	for _, id := range ids {
		out = append(out, e.pending[id])
	}
	return out
}

// holdsUpload reports whether article is the local side of a pending MANUAL
// conflict. A pending case whose local row has been edited since is dropped.
func (e *Engine) holdsUpload(article *domain.Article) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.pending[article.ID]
	if !ok {
		return false
	}
	if !c.Local.UpdatedAt.Equal(article.UpdatedAt) {
		delete(e.pending, article.ID)
		e.logger.Info("pending conflict superseded by a local edit", "article_id", article.ID)
		return false
	}
	return true
}

// clearPending forgets a pending conflict that was reconciled without
// ResolveConflict.
func (e *Engine) clearPending(articleID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.pending[articleID]; ok {
		delete(e.pending, articleID)
		e.logger.Info("pending conflict reconciled", "article_id", articleID)
	}
}

// ResolveConflict settles a pending MANUAL conflict with an explicit strategy.
func (e *Engine) ResolveConflict(ctx context.Context, articleID string, strategy domain.ConflictStrategy) (*domain.Article, error) {
	if strategy == domain.Manual {
		return nil, fmt.Errorf("resolve conflict %s: strategy %s does not resolve", articleID, strategy)
	}

	p, err := e.begin(false)
	if err != nil {
		return nil, err
	}
	defer e.end(p)

	e.mu.Lock()
	c, ok := e.pending[articleID]
	e.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("resolve conflict %s: %w", articleID, domain.ErrNoSuchConflict)
	}

	resolved, ok := Resolve(&c.Local, &c.Remote, strategy)
	if !ok {
		return nil, fmt.Errorf("resolve conflict %s: unknown strategy %q", articleID, strategy)
	}
	if resolved.Content == "" {
		resolved.Content = c.Local.Content
	}

	patch := domain.FullPatch(resolved)
	patch.ExpectedUpdatedAt = &c.Local.UpdatedAt
	if err := e.local.Update(ctx, articleID, patch); err != nil {
		return nil, fmt.Errorf("persist resolution %s: %w", articleID, err)
	}

	e.mu.Lock()
	delete(e.pending, articleID)
	e.mu.Unlock()

	c.Resolution = strategy
	e.observer.Conflict(ctx, c)
	e.logger.Info("conflict resolved", "article_id", articleID, "strategy", strategy)

	return resolved, nil
}

func (e *Engine) begin(force bool) (*pass, error) {
	e.mu.Lock()
	for e.active != nil {
		if !force {
			e.mu.Unlock()
			return nil, domain.ErrSyncInProgress
		}
		prev := e.active
		prev.requestStop()
		e.mu.Unlock()
		e.logger.Info("forced sync, waiting for running pass to stop")
		<-prev.done
		e.mu.Lock()
	}
	p := newPass()
	e.active = p
	e.mu.Unlock()
	return p, nil
}

func (e *Engine) end(p *pass) {
	e.mu.Lock()
	if e.active == p {
		e.active = nil
	}
	e.mu.Unlock()
	close(p.done)
}

func (e *Engine) run(ctx context.Context, kind string, force bool, steps ...phaseStep) (*domain.SyncResult, error) {
	p, err := e.begin(force)
	if err != nil {
		return nil, err
	}
	defer e.end(p)

	startTime := e.now()
	p.result.StartedAt = startTime
	logger := e.logger.With("pass", kind)
	logger.Info("starting sync", "force", force)

	e.enter(ctx, p, domain.PhaseInitializing, 0)
	if err := e.initialize(ctx); err != nil {
		if errors.Is(err, context.Canceled) && p.stopped(ctx) {
			return e.finish(ctx, logger, p, domain.PhaseAborted), nil
		}
		p.result.AddError(domain.NewSyncError(domain.OpConnectivity, "", err))
		return e.finish(ctx, logger, p, domain.PhaseFailed), nil
	}

	for _, step := range append(steps, e.finalize) {
		if p.stopped(ctx) {
			return e.finish(ctx, logger, p, domain.PhaseAborted), nil
		}
		err := step(ctx, p)
		if errors.Is(err, errAborted) {
			return e.finish(ctx, logger, p, domain.PhaseAborted), nil
		}
		// A call cut short by a requested stop is not a phase failure.
		if err != nil && errors.Is(err, context.Canceled) && p.stopped(ctx) {
			logger.Info("sync phase interrupted", "phase", p.result.Phase, "error", err)
			return e.finish(ctx, logger, p, domain.PhaseAborted), nil
		}
		if err != nil {
			logger.Error("sync phase failed", "phase", p.result.Phase, "error", err)
			var ise *domain.InternalStateError
			articleID := ""
			if errors.As(err, &ise) {
				articleID = ise.ArticleID
			}
			p.result.AddError(domain.NewSyncError(string(p.result.Phase), articleID, err))
			return e.finish(ctx, logger, p, domain.PhaseFailed), nil
		}
	}

	return e.finish(ctx, logger, p, domain.PhaseSucceeded), nil
}

func (e *Engine) initialize(ctx context.Context) error {
	if !e.Configuration().ProbeConnectivity {
		return nil
	}
	err := e.remote.Ping(ctx)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrUnreachable):
		return err
	default:
		return fmt.Errorf("%w: %w", domain.ErrUnreachable, err)
	}
}

func (e *Engine) finalize(ctx context.Context, p *pass) error {
	e.enter(ctx, p, domain.PhaseFinalizing, 0)

	state := p.state
	if state == nil {
		var err error
		state, err = e.syncState.Get(ctx, e.storeID)
		if err != nil {
			return fmt.Errorf("get sync state: %w", err)
		}
	}

	state.StoreID = e.storeID
	state.TotalSynced += int64(p.result.SyncedCount)
	// A failed write leaves the checkpoint behind so the record is listed again.
	if p.downloaded && !p.holdCheckpoint && p.checkpoint.After(state.LastSyncedAt) {
		state.LastSyncedAt = p.checkpoint
	}

	if err := e.syncState.Update(ctx, state); err != nil {
		return fmt.Errorf("update sync state: %w", err)
	}
	return nil
}

func (e *Engine) finish(ctx context.Context, logger *slog.Logger, p *pass, phase domain.Phase) *domain.SyncResult {
	p.result.Phase = phase
	p.result.FinishedAt = e.now()

	logger.Info("sync completed",
		"phase", phase,
		"synced", p.result.SyncedCount,
		"conflicts", p.result.ConflictCount,
		"errors", p.result.ErrorCount,
		"unresolved", len(p.result.Unresolved),
		"duration", p.result.FinishedAt.Sub(p.result.StartedAt),
	)

	e.observer.Completed(ctx, *p.result)
	return p.result
}

func (e *Engine) enter(ctx context.Context, p *pass, phase domain.Phase, total int) {
	p.result.Phase = phase
	e.observer.Progress(ctx, domain.Progress{Phase: phase, Total: total})
}

func (e *Engine) progress(ctx context.Context, phase domain.Phase, processed, total int, item string) {
	e.observer.Progress(ctx, domain.Progress{
		Phase:       phase,
		Processed:   processed,
		Total:       total,
		CurrentItem: item,
	})
}

// stamp returns the time a remote version counts as reconciled at.
func (e *Engine) stamp(remote *domain.Article) time.Time {
	if remote.UpdatedAt.IsZero() {
		return e.now()
	}
	return remote.UpdatedAt
}

func label(a *domain.Article) string {
	if a.Title != "" {
		return a.Title
	}
	if a.URL != "" {
		return a.URL
	}
	return a.ID
}

func ptr[T any](v T) *T {
	return &v
}

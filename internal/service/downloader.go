package service

import (
	"context"
	"errors"
	"fmt"

	"readlater_sync/internal/domain"
)

type outcome int

const (
	outcomeSkip outcome = iota
	outcomeTakeRemote
	outcomeDeleteLocal
	outcomeConflict
)

func (o outcome) String() string {
	switch o {
	case outcomeTakeRemote:
		return "take_remote"
	case outcomeDeleteLocal:
		return "delete_local"
	case outcomeConflict:
		return "conflict"
	default:
		return "skip"
	}
}

// detect classifies an incoming remote version against the local row with
// the same id.
func detect(local, remote *domain.Article) outcome {
	// A pending local delete is pushed by the next upload.
	if local.IsModified && local.IsDeleted {
		return outcomeSkip
	}
	if remote.IsDeleted {
		if local.IsModified {
			return outcomeSkip
		}
		return outcomeDeleteLocal
	}

	changedSinceSync := local.SyncedAt == nil || remote.UpdatedAt.After(*local.SyncedAt)

	if !local.IsModified {
		if !changedSinceSync {
			// Already reconciled at this version.
			return outcomeSkip
		}
		return outcomeTakeRemote
	}
	if !changedSinceSync {
		return outcomeSkip
	}
	if domain.SameSyncedContent(local, remote) {
		return outcomeTakeRemote
	}
	return outcomeConflict
}

// download fetches remote changes since the checkpoint and applies them one
// at a time in the order the server delivered them.
func (e *Engine) download(ctx context.Context, p *pass) error {
	cfg := e.Configuration()
	e.enter(ctx, p, domain.PhaseDownloadingUpdates, 0)

	state, err := e.syncState.Get(ctx, e.storeID)
	if err != nil {
		return fmt.Errorf("get sync state: %w", err)
	}
	p.state = state
	p.checkpoint = state.LastSyncedAt

	articles, err := e.remote.ListChangedSince(ctx, state.LastSyncedAt)
	if err != nil {
		return fmt.Errorf("list remote changes: %w", err)
	}

	total := len(articles)
	e.logger.Info("downloading remote changes", "since", state.LastSyncedAt, "count", total)
	e.progress(ctx, domain.PhaseDownloadingUpdates, 0, total, "")

	for i := range articles {
		if i > 0 && p.stopped(ctx) {
			e.logger.Info("download stopped", "processed", i, "total", total)
			return errAborted
		}

		remote := &articles[i]
		// Only server time may move the checkpoint.
		serverTime := !remote.UpdatedAt.IsZero()
		if !serverTime {
			remote.UpdatedAt = e.now()
		}
		e.apply(ctx, p, cfg, remote)

		if serverTime && remote.UpdatedAt.After(p.checkpoint) {
			p.checkpoint = remote.UpdatedAt
		}
		e.progress(ctx, domain.PhaseDownloadingUpdates, i+1, total, label(remote))
	}

	p.downloaded = true
	p.result.ConflictCount += len(p.conflicts)
	return nil
}

func (e *Engine) apply(ctx context.Context, p *pass, cfg domain.SyncConfiguration, remote *domain.Article) {
	local, err := e.local.GetByID(ctx, remote.ID)
	if errors.Is(err, domain.ErrNotFound) {
		if !remote.IsDeleted {
			e.persistRemote(ctx, p, cfg, nil, remote)
		}
		return
	}
	if err != nil {
		p.holdCheckpoint = true
		e.recordFailure(p, domain.OpPersist, remote.ID, fmt.Errorf("read local article: %w", err))
		return
	}

	result := detect(local, remote)
	e.logger.Debug("remote change classified", "article_id", remote.ID, "outcome", result)

	switch result {
	case outcomeSkip:
		if cfg.EagerContent && local.Content == "" && !local.IsModified && !local.IsDeleted && !remote.IsDeleted {
			e.refetchContent(ctx, p, local)
		}
	case outcomeTakeRemote:
		if e.persistRemote(ctx, p, cfg, local, remote) {
			e.clearPending(remote.ID)
		}
	case outcomeDeleteLocal:
		if err := e.local.Delete(ctx, remote.ID); err != nil && !errors.Is(err, domain.ErrNotFound) {
			p.holdCheckpoint = true
			e.recordFailure(p, domain.OpPersist, remote.ID, err)
			return
		}
		e.clearPending(remote.ID)
		p.result.SyncedCount++
	case outcomeConflict:
		p.conflicts = append(p.conflicts, domain.ConflictCase{
			ArticleID: remote.ID,
			Local:     *local.Clone(),
			Remote:    *remote.Clone(),
		})
	}
}

// persistRemote writes a remote version over the local row (or inserts it
// when local is nil) and clears the modified flag. It reports whether the
// row was written.
func (e *Engine) persistRemote(ctx context.Context, p *pass, cfg domain.SyncConfiguration, local, remote *domain.Article) bool {
	row := takeRemote(remote)

	if row.Content == "" && cfg.EagerContent {
		// Metadata is still stored when the fetch fails.
		if content, ok := e.fetchContent(ctx, p, remote.ID); ok {
			row.Content = content
		}
	}
	if local != nil && row.Content == "" {
		row.Content = local.Content
	}

	var err error
	if local == nil {
		err = e.local.Create(ctx, row)
	} else {
		patch := domain.FullPatch(row)
		patch.ExpectedUpdatedAt = &local.UpdatedAt
		err = e.local.Update(ctx, remote.ID, patch)
	}
	if errors.Is(err, domain.ErrStaleWrite) {
		e.logger.Debug("article edited during download, keeping local edit", "article_id", remote.ID)
		p.holdCheckpoint = true
		return false
	}
	if err != nil {
		p.holdCheckpoint = true
		e.recordFailure(p, domain.OpPersist, remote.ID, err)
		return false
	}

	p.result.SyncedCount++
	return true
}

// fetchContent loads the full body of an article. A retryable failure holds
// the checkpoint so the article is listed, and fetched, again next pass.
func (e *Engine) fetchContent(ctx context.Context, p *pass, id string) (string, bool) {
	content, err := e.remote.FetchFullContent(ctx, id)
	if err != nil {
		if domain.IsRetryable(err) {
			p.holdCheckpoint = true
		}
		e.recordFailure(p, domain.OpFetchContent, id, err)
		return "", false
	}
	return content, true
}

// refetchContent fills in the body of an already reconciled article whose
// earlier fetch failed.
func (e *Engine) refetchContent(ctx context.Context, p *pass, local *domain.Article) {
	content, ok := e.fetchContent(ctx, p, local.ID)
	if !ok || content == "" {
		return
	}
	err := e.local.Update(ctx, local.ID, domain.ArticlePatch{
		Content:           &content,
		ExpectedUpdatedAt: &local.UpdatedAt,
	})
	if errors.Is(err, domain.ErrStaleWrite) {
		p.holdCheckpoint = true
		return
	}
	if err != nil {
		p.holdCheckpoint = true
		e.recordFailure(p, domain.OpPersist, local.ID, err)
	}
}

// resolveConflicts applies the configured strategy to every conflict the
// download queued. It is skipped entirely when there are none.
func (e *Engine) resolveConflicts(ctx context.Context, p *pass) error {
	if len(p.conflicts) == 0 {
		return nil
	}

	cfg := e.Configuration()
	total := len(p.conflicts)
	e.enter(ctx, p, domain.PhaseResolvingConflicts, total)
	e.logger.Info("resolving conflicts", "count", total, "strategy", cfg.Strategy)

	for i := range p.conflicts {
		if i > 0 && p.stopped(ctx) {
			return errAborted
		}
		c := p.conflicts[i]
		e.resolveOne(ctx, p, c, cfg.StrategyFor(c.ArticleID))
		e.progress(ctx, domain.PhaseResolvingConflicts, i+1, total, label(&c.Local))
	}

	p.conflicts = nil
	return nil
}

func (e *Engine) resolveOne(ctx context.Context, p *pass, c domain.ConflictCase, strategy domain.ConflictStrategy) {
	c.Resolution = strategy

	resolved, ok := Resolve(&c.Local, &c.Remote, strategy)
	if !ok {
		e.mu.Lock()
		e.pending[c.ArticleID] = c
		e.mu.Unlock()
		p.result.Unresolved = append(p.result.Unresolved, c)
		// Listed again on the next pass until resolved.
		p.holdCheckpoint = true
		e.observer.Conflict(ctx, c)
		e.logger.Info("conflict left for manual resolution", "article_id", c.ArticleID)
		return
	}

	if resolved.Content == "" {
		resolved.Content = c.Local.Content
	}

	patch := domain.FullPatch(resolved)
	patch.ExpectedUpdatedAt = &c.Local.UpdatedAt
	if err := e.local.Update(ctx, c.ArticleID, patch); err != nil {
		p.holdCheckpoint = true
		e.recordFailure(p, domain.OpResolve, c.ArticleID, err)
		return
	}

	e.mu.Lock()
	delete(e.pending, c.ArticleID)
	e.mu.Unlock()

	e.observer.Conflict(ctx, c)
	p.result.SyncedCount++
}

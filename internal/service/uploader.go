package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"readlater_sync/internal/domain"
)

// upload drains locally modified articles in fixed-size batches, oldest edit
// first. A failing article is recorded and the batch carries on.
func (e *Engine) upload(ctx context.Context, p *pass) error {
	cfg := e.Configuration()

	// Re-read the modified set now rather than trusting anything older.
	articles, err := e.local.QueryModified(ctx)
	if err != nil {
		return fmt.Errorf("query modified articles: %w", err)
	}

	total := len(articles)
	e.enter(ctx, p, domain.PhaseUploadingChanges, total)
	e.logger.Info("uploading local changes", "count", total, "batch_size", cfg.BatchSize)

	processed := 0
	for i, batch := range batches(articles, cfg.BatchSize) {
		if i > 0 && p.stopped(ctx) {
			e.logger.Info("upload stopped", "completed_batches", i, "processed", processed)
			return errAborted
		}

		before := p.result.SyncedCount
		for j := range batch {
			article := &batch[j]
			if err := e.uploadOne(ctx, p, article); err != nil {
				return err
			}
			processed++
			e.progress(ctx, domain.PhaseUploadingChanges, processed, total, label(article))
		}

		e.logger.Debug("uploaded batch",
			"batch", i,
			"size", len(batch),
			"synced", p.result.SyncedCount-before,
		)
	}

	return nil
}

// batches partitions articles into consecutive chunks of at most size.
func batches(articles []domain.Article, size int) [][]domain.Article {
	if size <= 0 {
		size = domain.DefaultBatchSize
	}
	var out [][]domain.Article
	for start := 0; start < len(articles); start += size {
		end := min(start+size, len(articles))
		out = append(out, articles[start:end])
	}
	return out
}

// uploadOne returns an error only for failures that must end the pass.
func (e *Engine) uploadOne(ctx context.Context, p *pass, article *domain.Article) error {
	if e.holdsUpload(article) {
		e.logger.Debug("article has an unresolved conflict, not uploading", "article_id", article.ID)
		return nil
	}
	switch {
	case article.IsDeleted:
		e.uploadDelete(ctx, p, article)
		return nil
	case domain.IsLocalID(article.ID):
		return e.uploadCreate(ctx, p, article)
	default:
		return e.uploadUpdate(ctx, p, article)
	}
}

func (e *Engine) uploadUpdate(ctx context.Context, p *pass, article *domain.Article) error {
	updated, err := e.remote.UpdateRemote(ctx, article.ID, article.Mutable())
	if errors.Is(err, domain.ErrRemoteNotFound) {
		e.logger.Info("article missing on remote, recreating", "article_id", article.ID)
		return e.uploadCreate(ctx, p, article)
	}
	if err != nil {
		e.recordFailure(p, domain.OpUpdate, article.ID, err)
		return nil
	}

	syncedAt := e.stamp(updated)
	err = e.local.Update(ctx, article.ID, domain.ArticlePatch{
		SyncedAt:          &syncedAt,
		IsModified:        ptr(false),
		ExpectedUpdatedAt: &article.UpdatedAt,
	})
	if errors.Is(err, domain.ErrStaleWrite) {
		// Edited again while the request was in flight: keep the newer
		// edit pending but record how far the remote has caught up.
		e.logger.Debug("article edited during upload", "article_id", article.ID)
		err = e.local.Update(ctx, article.ID, domain.ArticlePatch{SyncedAt: &syncedAt})
	}
	if err != nil {
		e.recordFailure(p, domain.OpPersist, article.ID, err)
		return nil
	}

	p.result.SyncedCount++
	return nil
}

// uploadCreate sends a local-only article and swaps its row for one keyed by
// the server id inside a single transaction.
func (e *Engine) uploadCreate(ctx context.Context, p *pass, article *domain.Article) error {
	created, err := e.remote.CreateRemote(ctx, article)
	if err != nil {
		e.recordFailure(p, domain.OpCreate, article.ID, err)
		return nil
	}
	if created.ID == "" || domain.IsLocalID(created.ID) {
		e.recordFailure(p, domain.OpCreate, article.ID,
			fmt.Errorf("remote returned unusable id %q", created.ID))
		return nil
	}

	row := mergeCreated(article, created, e.stamp(created))

	err = e.txManager.WithTransaction(ctx, func(txCtx context.Context) error {
		current, err := e.local.GetByID(txCtx, article.ID)
		if err != nil {
			return fmt.Errorf("reread local article: %w", err)
		}
		if !current.UpdatedAt.Equal(article.UpdatedAt) {
			carryEdits(row, current)
		}
		if err := e.local.Delete(txCtx, article.ID); err != nil {
			return fmt.Errorf("delete local row: %w", err)
		}
		if err := e.local.Create(txCtx, row); err != nil {
			return fmt.Errorf("insert server row: %w", err)
		}
		return nil
	})
	if errors.Is(err, domain.ErrDuplicateID) {
		return &domain.InternalStateError{ArticleID: created.ID, Err: err}
	}
	if err != nil {
		e.recordFailure(p, domain.OpPersist, article.ID, err)
		return nil
	}

	if article.ID != created.ID {
		_, err = e.local.GetByID(ctx, article.ID)
		switch {
		case err == nil:
			return &domain.InternalStateError{
				ArticleID: article.ID,
				Err:       fmt.Errorf("row still present after swap to %s", created.ID),
			}
		case !errors.Is(err, domain.ErrNotFound):
			return fmt.Errorf("verify swap of %s: %w", article.ID, err)
		}
	}

	e.logger.Debug("article created on remote", "local_id", article.ID, "server_id", created.ID)
	p.result.SyncedCount++
	return nil
}

func (e *Engine) uploadDelete(ctx context.Context, p *pass, article *domain.Article) {
	if !domain.IsLocalID(article.ID) {
		err := e.remote.DeleteRemote(ctx, article.ID)
		if err != nil && !errors.Is(err, domain.ErrRemoteNotFound) {
			e.recordFailure(p, domain.OpDelete, article.ID, err)
			return
		}
	}

	if err := e.local.Delete(ctx, article.ID); err != nil && !errors.Is(err, domain.ErrNotFound) {
		e.recordFailure(p, domain.OpPersist, article.ID, err)
		return
	}

	p.result.SyncedCount++
}

// mergeCreated takes the server's canonical article and fills the fields
// the response left empty from the local copy.
func mergeCreated(local, created *domain.Article, syncedAt time.Time) *domain.Article {
	row := created.Clone()
	if row.Title == "" {
		row.Title = local.Title
	}
	if row.URL == "" {
		row.URL = local.URL
	}
	if row.Summary == "" {
		row.Summary = local.Summary
	}
	if row.Content == "" {
		row.Content = local.Content
	}
	if row.ImageURL == "" {
		row.ImageURL = local.ImageURL
	}
	if row.SourceURL == "" {
		row.SourceURL = local.SourceURL
	}
	if row.ReadTime == 0 {
		row.ReadTime = local.ReadTime
	}
	if row.Tags == nil {
		row.Tags = local.Tags
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = local.CreatedAt
	}
	if row.UpdatedAt.IsZero() {
		row.UpdatedAt = syncedAt
	}
	row.Tags = domain.NormalizeTags(row.Tags)
	row.SyncedAt = &syncedAt
	row.IsModified = false
	row.IsDeleted = false
	return row
}

// carryEdits moves edits made during the create round-trip onto the new row
// and leaves it pending for the next upload.
func carryEdits(row, current *domain.Article) {
	row.Title = current.Title
	row.IsRead = current.IsRead
	row.IsFavorite = current.IsFavorite
	row.IsArchived = current.IsArchived
	row.Tags = domain.NormalizeTags(current.Tags)
	row.UpdatedAt = current.UpdatedAt
	row.IsModified = true
	row.IsDeleted = current.IsDeleted
}

func (e *Engine) recordFailure(p *pass, op, articleID string, err error) {
	syncErr := domain.NewSyncError(op, articleID, err)
	e.logger.Warn("article sync failed",
		"operation", op,
		"article_id", articleID,
		"retryable", syncErr.Retryable,
		"error", err,
	)
	p.result.AddError(syncErr)
}

package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"readlater_sync/internal/domain"
)

// Library applies the user's offline edits. Every write marks the article
// modified so the next upload picks it up.
type Library struct {
	local  LocalStore
	logger *slog.Logger
	now    func() time.Time
}

func NewLibrary(local LocalStore, logger *slog.Logger) *Library {
	return &Library{
		local:  local,
		logger: logger.With("component", "library"),
		now:    time.Now,
	}
}

// FlagUpdate holds the flags to change; nil leaves a flag as it is.
type FlagUpdate struct {
	IsRead     *bool
	IsFavorite *bool
	IsArchived *bool
}

// Add saves a new article under a local id until its first upload.
func (l *Library) Add(ctx context.Context, rawURL, title string, tags []string) (*domain.Article, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("add article: invalid url %q", rawURL)
	}

	now := l.now().UTC()
	article := &domain.Article{
		ID:         domain.NewLocalID(),
		Title:      title,
		URL:        u.String(),
		SourceURL:  u.Scheme + "://" + u.Host,
		Tags:       domain.NormalizeTags(tags),
		CreatedAt:  now,
		UpdatedAt:  now,
		IsModified: true,
	}
	if article.Title == "" {
		article.Title = article.URL
	}

	if err := l.local.Create(ctx, article); err != nil {
		return nil, fmt.Errorf("add article: %w", err)
	}

	l.logger.Info("article added", "article_id", article.ID, "url", article.URL)
	return article, nil
}

func (l *Library) Get(ctx context.Context, id string) (*domain.Article, error) {
	article, err := l.local.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get article %s: %w", id, err)
	}
	if article.IsDeleted {
		return nil, fmt.Errorf("get article %s: %w", id, domain.ErrNotFound)
	}
	return article, nil
}

func (l *Library) SetFlags(ctx context.Context, id string, flags FlagUpdate) error {
	return l.edit(ctx, id, domain.ArticlePatch{
		IsRead:     flags.IsRead,
		IsFavorite: flags.IsFavorite,
		IsArchived: flags.IsArchived,
	})
}

func (l *Library) SetTags(ctx context.Context, id string, tags []string) error {
	normalized := domain.NormalizeTags(tags)
	return l.edit(ctx, id, domain.ArticlePatch{Tags: &normalized})
}

func (l *Library) Rename(ctx context.Context, id, title string) error {
	if title == "" {
		return errors.New("rename article: empty title")
	}
	return l.edit(ctx, id, domain.ArticlePatch{Title: &title})
}

// Remove drops an article that never reached the server and tombstones one
// that did, so the delete can be pushed.
func (l *Library) Remove(ctx context.Context, id string) error {
	if domain.IsLocalID(id) {
		if err := l.local.Delete(ctx, id); err != nil {
			return fmt.Errorf("remove article %s: %w", id, err)
		}
		l.logger.Info("local article removed", "article_id", id)
		return nil
	}
	return l.edit(ctx, id, domain.ArticlePatch{IsDeleted: ptr(true)})
}

func (l *Library) edit(ctx context.Context, id string, patch domain.ArticlePatch) error {
	if _, err := l.Get(ctx, id); err != nil {
		return err
	}
	now := l.now().UTC()
	patch.UpdatedAt = &now
	patch.IsModified = ptr(true)
	if err := l.local.Update(ctx, id, patch); err != nil {
		return fmt.Errorf("edit article %s: %w", id, err)
	}
	l.logger.Debug("article edited", "article_id", id)
	return nil
}

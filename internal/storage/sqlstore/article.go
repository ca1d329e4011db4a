package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"readlater_sync/internal/domain"
)

const articleColumns = `id, title, url, summary, content, image_url, source_url, read_time,
	is_read, is_favorite, is_archived, created_at, updated_at, synced_at, is_modified, is_deleted`

type ArticleStore struct {
	db   *sqlx.DB
	tags *TagStore
	tx   *TransactionManager
}

func NewArticleStore(db *sqlx.DB) *ArticleStore {
	return &ArticleStore{
		db:   db,
		tags: NewTagStore(db),
		tx:   NewTransactionManager(db),
	}
}

// QueryModified returns every article with unsynced local changes, oldest edit first.
func (s *ArticleStore) QueryModified(ctx context.Context) ([]domain.Article, error) {
	ex := GetExecutor(ctx, s.db)
	query := `SELECT ` + articleColumns + ` FROM articles
		WHERE is_modified = ?
		ORDER BY updated_at ASC, id ASC`

	var articles []domain.Article
	if err := sqlx.SelectContext(ctx, ex, &articles, ex.Rebind(query), true); err != nil {
		return nil, fmt.Errorf("query modified articles: %w", err)
	}
	if err := s.attachTags(ctx, articles); err != nil {
		return nil, err
	}
	return articles, nil
}

// List returns live articles, most recently updated first.
func (s *ArticleStore) List(ctx context.Context, includeArchived bool) ([]domain.Article, error) {
	ex := GetExecutor(ctx, s.db)
	query := `SELECT ` + articleColumns + ` FROM articles WHERE is_deleted = ?`
	args := []any{false}
	if !includeArchived {
		query += ` AND is_archived = ?`
		args = append(args, false)
	}
	query += ` ORDER BY updated_at DESC, id ASC`

	var articles []domain.Article
	if err := sqlx.SelectContext(ctx, ex, &articles, ex.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list articles: %w", err)
	}
	if err := s.attachTags(ctx, articles); err != nil {
		return nil, err
	}
	return articles, nil
}

func (s *ArticleStore) GetByID(ctx context.Context, id string) (*domain.Article, error) {
	ex := GetExecutor(ctx, s.db)
	query := `SELECT ` + articleColumns + ` FROM articles WHERE id = ?`

	var article domain.Article
	err := sqlx.GetContext(ctx, ex, &article, ex.Rebind(query), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get article %s: %w", id, err)
	}
	articles := []domain.Article{article}
	if err := s.attachTags(ctx, articles); err != nil {
		return nil, err
	}
	return &articles[0], nil
}

// Create inserts the article with its tags. An existing id yields ErrDuplicateID.
func (s *ArticleStore) Create(ctx context.Context, article *domain.Article) error {
	return s.tx.WithTransaction(ctx, func(ctx context.Context) error {
		ex := GetExecutor(ctx, s.db)
		query := `
			INSERT INTO articles (
				id, title, url, summary, content, image_url, source_url, read_time,
				is_read, is_favorite, is_archived, created_at, updated_at, synced_at,
				is_modified, is_deleted
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

		var syncedAt any
		if article.SyncedAt != nil {
			syncedAt = dbTime(*article.SyncedAt)
		}

		_, err := ex.ExecContext(ctx, ex.Rebind(query),
			article.ID,
			article.Title,
			article.URL,
			article.Summary,
			article.Content,
			article.ImageURL,
			article.SourceURL,
			article.ReadTime,
			article.IsRead,
			article.IsFavorite,
			article.IsArchived,
			dbTime(article.CreatedAt),
			dbTime(article.UpdatedAt),
			syncedAt,
			article.IsModified,
			article.IsDeleted,
		)
		if err != nil {
			return fmt.Errorf("create article %s: %w", article.ID, mapError(err))
		}

		if err := s.tags.Replace(ctx, article.ID, article.Tags); err != nil {
			return fmt.Errorf("create article %s tags: %w", article.ID, err)
		}
		return nil
	})
}

// Update applies the non-nil patch fields. With ExpectedUpdatedAt set the
// write only lands if the stored updated_at still matches; otherwise it
// returns ErrStaleWrite. A missing row yields ErrNotFound.
func (s *ArticleStore) Update(ctx context.Context, id string, patch domain.ArticlePatch) error {
	return s.tx.WithTransaction(ctx, func(ctx context.Context) error {
		ex := GetExecutor(ctx, s.db)
		sets, args := patchColumns(patch)

		if len(sets) == 0 {
			if err := s.checkVersion(ctx, ex, id, patch); err != nil {
				return err
			}
		} else {
			query := `UPDATE articles SET ` + strings.Join(sets, ", ") + ` WHERE id = ?`
			args = append(args, id)
			if patch.ExpectedUpdatedAt != nil {
				query += ` AND updated_at = ?`
				args = append(args, dbTime(*patch.ExpectedUpdatedAt))
			}

			res, err := ex.ExecContext(ctx, ex.Rebind(query), args...)
			if err != nil {
				return fmt.Errorf("update article %s: %w", id, mapError(err))
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			if n == 0 {
				return s.missOrStale(ctx, ex, id)
			}
		}

		if patch.Tags != nil {
			if err := s.tags.Replace(ctx, id, *patch.Tags); err != nil {
				return fmt.Errorf("update article %s tags: %w", id, err)
			}
		}
		return nil
	})
}

func (s *ArticleStore) Delete(ctx context.Context, id string) error {
	return s.tx.WithTransaction(ctx, func(ctx context.Context) error {
		if err := s.tags.DeleteForArticle(ctx, id); err != nil {
			return fmt.Errorf("delete article %s tags: %w", id, err)
		}

		ex := GetExecutor(ctx, s.db)
		res, err := ex.ExecContext(ctx, ex.Rebind(`DELETE FROM articles WHERE id = ?`), id)
		if err != nil {
			return fmt.Errorf("delete article %s: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return domain.ErrNotFound
		}
		return nil
	})
}

func (s *ArticleStore) attachTags(ctx context.Context, articles []domain.Article) error {
	if len(articles) == 0 {
		return nil
	}
	ids := make([]string, len(articles))
	for i, a := range articles {
		ids[i] = a.ID
	}

	tags, err := s.tags.GetByArticleIDs(ctx, ids)
	if err != nil {
		return fmt.Errorf("load tags: %w", err)
	}
	for i := range articles {
		articles[i].Tags = tags[articles[i].ID]
		if articles[i].Tags == nil {
			articles[i].Tags = []string{}
		}
	}
	return nil
}

func (s *ArticleStore) checkVersion(ctx context.Context, ex sqlx.ExtContext, id string, patch domain.ArticlePatch) error {
	var stored domain.Article
	err := sqlx.GetContext(ctx, ex, &stored, ex.Rebind(`SELECT `+articleColumns+` FROM articles WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrNotFound
	}
	if err != nil {
		return err
	}
	if patch.ExpectedUpdatedAt != nil && !stored.UpdatedAt.Equal(dbTime(*patch.ExpectedUpdatedAt)) {
		return domain.ErrStaleWrite
	}
	return nil
}

func (s *ArticleStore) missOrStale(ctx context.Context, ex sqlx.ExtContext, id string) error {
	var exists int
	err := sqlx.GetContext(ctx, ex, &exists, ex.Rebind(`SELECT 1 FROM articles WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrNotFound
	}
	if err != nil {
		return err
	}
	return domain.ErrStaleWrite
}

func patchColumns(p domain.ArticlePatch) ([]string, []any) {
	var sets []string
	var args []any
	set := func(column string, value any) {
		sets = append(sets, column+" = ?")
		args = append(args, value)
	}

	if p.Title != nil {
		set("title", *p.Title)
	}
	if p.Summary != nil {
		set("summary", *p.Summary)
	}
	if p.Content != nil {
		set("content", *p.Content)
	}
	if p.ImageURL != nil {
		set("image_url", *p.ImageURL)
	}
	if p.SourceURL != nil {
		set("source_url", *p.SourceURL)
	}
	if p.ReadTime != nil {
		set("read_time", *p.ReadTime)
	}
	if p.IsRead != nil {
		set("is_read", *p.IsRead)
	}
	if p.IsFavorite != nil {
		set("is_favorite", *p.IsFavorite)
	}
	if p.IsArchived != nil {
		set("is_archived", *p.IsArchived)
	}
	if p.UpdatedAt != nil {
		set("updated_at", dbTime(*p.UpdatedAt))
	}
	if p.SyncedAt != nil {
		set("synced_at", dbTime(*p.SyncedAt))
	}
	if p.IsModified != nil {
		set("is_modified", *p.IsModified)
	}
	if p.IsDeleted != nil {
		set("is_deleted", *p.IsDeleted)
	}
	return sets, args
}

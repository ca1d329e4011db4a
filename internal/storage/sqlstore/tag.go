package sqlstore

import (
	"context"
	"strings"

	"github.com/jmoiron/sqlx"

	"readlater_sync/internal/domain"
)

// TagStore keeps the tag set of each article in article_tags.
type TagStore struct {
	db *sqlx.DB
}

func NewTagStore(db *sqlx.DB) *TagStore {
	return &TagStore{db: db}
}

// Replace makes tags the complete tag set of articleID.
func (s *TagStore) Replace(ctx context.Context, articleID string, tags []string) error {
	ex := GetExecutor(ctx, s.db)

	_, err := ex.ExecContext(ctx, ex.Rebind("DELETE FROM article_tags WHERE article_id = ?"), articleID)
	if err != nil {
		return err
	}

	tags = domain.NormalizeTags(tags)
	if len(tags) == 0 {
		return nil
	}

	var sb strings.Builder
	sb.WriteString("INSERT INTO article_tags (article_id, tag) VALUES ")
	valueArgs := make([]any, 0, len(tags)*2)

	for i, tag := range tags {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(?, ?)")
		valueArgs = append(valueArgs, articleID, tag)
	}
	sb.WriteString(" ON CONFLICT DO NOTHING")

	_, err = ex.ExecContext(ctx, ex.Rebind(sb.String()), valueArgs...)
	return err
}

func (s *TagStore) DeleteForArticle(ctx context.Context, articleID string) error {
	ex := GetExecutor(ctx, s.db)
	_, err := ex.ExecContext(ctx, ex.Rebind("DELETE FROM article_tags WHERE article_id = ?"), articleID)
	return err
}

// GetByArticleIDs returns the sorted tag set of each requested article.
func (s *TagStore) GetByArticleIDs(ctx context.Context, ids []string) (map[string][]string, error) {
	result := make(map[string][]string, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	query, args, err := sqlx.In(
		"SELECT article_id, tag FROM article_tags WHERE article_id IN (?) ORDER BY article_id, tag",
		ids,
	)
	if err != nil {
		return nil, err
	}

	ex := GetExecutor(ctx, s.db)
	var rows []struct {
		ArticleID string `db:"article_id"`
		Tag       string `db:"tag"`
	}
	if err := sqlx.SelectContext(ctx, ex, &rows, ex.Rebind(query), args...); err != nil {
		return nil, err
	}

	for _, r := range rows {
		result[r.ArticleID] = append(result[r.ArticleID], r.Tag)
	}
	return result, nil
}

package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"

	"readlater_sync/internal/domain"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

const schemaTemplate = `
CREATE TABLE IF NOT EXISTS articles (
	id          TEXT PRIMARY KEY,
	title       TEXT NOT NULL DEFAULT '',
	url         TEXT NOT NULL DEFAULT '',
	summary     TEXT NOT NULL DEFAULT '',
	content     TEXT NOT NULL DEFAULT '',
	image_url   TEXT NOT NULL DEFAULT '',
	source_url  TEXT NOT NULL DEFAULT '',
	read_time   INTEGER NOT NULL DEFAULT 0,
	is_read     BOOLEAN NOT NULL DEFAULT FALSE,
	is_favorite BOOLEAN NOT NULL DEFAULT FALSE,
	is_archived BOOLEAN NOT NULL DEFAULT FALSE,
	created_at  {{timestamp}} NOT NULL,
	updated_at  {{timestamp}} NOT NULL,
	synced_at   {{timestamp}} NULL,
	is_modified BOOLEAN NOT NULL DEFAULT FALSE,
	is_deleted  BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE INDEX IF NOT EXISTS idx_articles_modified ON articles (is_modified, updated_at);

CREATE TABLE IF NOT EXISTS article_tags (
	article_id TEXT NOT NULL REFERENCES articles (id) ON DELETE CASCADE,
	tag        TEXT NOT NULL,
	PRIMARY KEY (article_id, tag)
);

CREATE TABLE IF NOT EXISTS sync_state (
	id             {{serial}},
	store_id       TEXT NOT NULL UNIQUE,
	last_synced_at {{timestamp}} NOT NULL,
	total_synced   BIGINT NOT NULL DEFAULT 0
);
`

// Open connects and migrates the local store.
func Open(ctx context.Context, driver, dsn string) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		// One writer; also keeps in-memory databases on a single connection.
		db.SetMaxOpenConns(1)
	}
	if err := Migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func Migrate(ctx context.Context, db *sqlx.DB) error {
	if _, err := db.ExecContext(ctx, Schema(db.DriverName())); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

// Schema returns the DDL for driver.
func Schema(driver string) string {
	r := strings.NewReplacer(
		"{{timestamp}}", "TIMESTAMP",
		"{{serial}}", "INTEGER PRIMARY KEY AUTOINCREMENT",
	)
	if driver == DriverPostgres {
		r = strings.NewReplacer(
			"{{timestamp}}", "TIMESTAMPTZ",
			"{{serial}}", "BIGSERIAL PRIMARY KEY",
		)
	}
	return r.Replace(schemaTemplate)
}

// dbTime normalizes timestamps to what both drivers round-trip exactly.
func dbTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

func mapError(err error) error {
	if err == nil {
		return nil
	}
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %v", domain.ErrDuplicateID, err)
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
			liteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}

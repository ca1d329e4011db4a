package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"readlater_sync/internal/domain"
)

type SyncStateStore struct {
	db *sqlx.DB
}

func NewSyncStateStore(db *sqlx.DB) *SyncStateStore {
	return &SyncStateStore{db: db}
}

func (s *SyncStateStore) Get(ctx context.Context, storeID string) (*domain.SyncState, error) {
	ex := GetExecutor(ctx, s.db)
	var state domain.SyncState
	query := `
		SELECT id, store_id, last_synced_at, total_synced
		FROM sync_state
		WHERE store_id = ?`

	err := sqlx.GetContext(ctx, ex, &state, ex.Rebind(query), storeID)
	if errors.Is(err, sql.ErrNoRows) {
		// Never synced: download everything.
		return &domain.SyncState{
			StoreID:      storeID,
			LastSyncedAt: time.Time{},
			TotalSynced:  0,
		}, nil
	}
	if err != nil {
		return nil, err
	}
	return &state, nil
}

func (s *SyncStateStore) Update(ctx context.Context, state *domain.SyncState) error {
	ex := GetExecutor(ctx, s.db)
	query := `
		INSERT INTO sync_state (store_id, last_synced_at, total_synced)
		VALUES (?, ?, ?)
		ON CONFLICT (store_id) DO UPDATE SET
			last_synced_at = EXCLUDED.last_synced_at,
			total_synced = EXCLUDED.total_synced`

	_, err := ex.ExecContext(ctx, ex.Rebind(query),
		state.StoreID,
		dbTime(state.LastSyncedAt),
		state.TotalSynced,
	)
	return err
}

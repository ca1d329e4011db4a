package service

//go:generate mockgen -source=interfaces.go -destination=mocks/mocks.go -package=mocks

import (
	"context"
	"time"

	"readlater_sync/internal/domain"
)

type LocalStore interface {
	// QueryModified returns rows with is_modified set, oldest updated_at first.
	QueryModified(ctx context.Context) ([]domain.Article, error)
	GetByID(ctx context.Context, id string) (*domain.Article, error)
	Create(ctx context.Context, article *domain.Article) error
	Update(ctx context.Context, id string, patch domain.ArticlePatch) error
	Delete(ctx context.Context, id string) error
}

type SyncStateStore interface {
	Get(ctx context.Context, storeID string) (*domain.SyncState, error)
	Update(ctx context.Context, state *domain.SyncState) error
}

type TransactionManager interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

type RemoteClient interface {
	ListChangedSince(ctx context.Context, since time.Time) ([]domain.Article, error)
	CreateRemote(ctx context.Context, article *domain.Article) (*domain.Article, error)
	UpdateRemote(ctx context.Context, id string, fields domain.MutableFields) (*domain.Article, error)
	DeleteRemote(ctx context.Context, id string) error
	FetchFullContent(ctx context.Context, id string) (string, error)
	Ping(ctx context.Context) error
}

// Observer receives engine events. Implementations must not block for long
// and their failures never affect a pass.
type Observer interface {
	Progress(ctx context.Context, p domain.Progress)
	Conflict(ctx context.Context, c domain.ConflictCase)
	Completed(ctx context.Context, r domain.SyncResult)
}

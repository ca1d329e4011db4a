package service

import (
	"context"
	"log/slog"

	"readlater_sync/internal/domain"
)

type NopObserver struct{}

func (NopObserver) Progress(context.Context, domain.Progress)     {}
func (NopObserver) Conflict(context.Context, domain.ConflictCase) {}
func (NopObserver) Completed(context.Context, domain.SyncResult)  {}

// LogObserver reports engine events as structured log lines.
type LogObserver struct {
	logger *slog.Logger
}

func NewLogObserver(logger *slog.Logger) *LogObserver {
	return &LogObserver{logger: logger.With("component", "sync_events")}
}

func (o *LogObserver) Progress(ctx context.Context, p domain.Progress) {
	o.logger.DebugContext(ctx, "sync progress",
		"phase", p.Phase,
		"processed", p.Processed,
		"total", p.Total,
		"item", p.CurrentItem,
	)
}

func (o *LogObserver) Conflict(ctx context.Context, c domain.ConflictCase) {
	o.logger.InfoContext(ctx, "sync conflict",
		"article_id", c.ArticleID,
		"resolution", c.Resolution,
		"local_updated_at", c.Local.UpdatedAt,
		"remote_updated_at", c.Remote.UpdatedAt,
	)
}

func (o *LogObserver) Completed(ctx context.Context, r domain.SyncResult) {
	level := slog.LevelInfo
	if r.Phase == domain.PhaseFailed {
		level = slog.LevelError
	}
	o.logger.Log(ctx, level, "sync result",
		"phase", r.Phase,
		"synced", r.SyncedCount,
		"conflicts", r.ConflictCount,
		"errors", r.ErrorCount,
	)
}

// MultiObserver fans every event out to each observer in order.
type MultiObserver []Observer

func (m MultiObserver) Progress(ctx context.Context, p domain.Progress) {
	for _, o := range m {
		o.Progress(ctx, p)
	}
}

func (m MultiObserver) Conflict(ctx context.Context, c domain.ConflictCase) {
	for _, o := range m {
		o.Conflict(ctx, c)
	}
}

func (m MultiObserver) Completed(ctx context.Context, r domain.SyncResult) {
	for _, o := range m {
		o.Completed(ctx, r)
	}
}

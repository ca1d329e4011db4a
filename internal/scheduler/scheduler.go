package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"readlater_sync/internal/domain"
)

// Syncer is the part of the sync engine the scheduler drives.
type Syncer interface {
	StartFullSync(ctx context.Context, force bool) (*domain.SyncResult, error)
	IsSyncRunning() bool
}

type Scheduler struct {
	syncer   Syncer
	interval time.Duration
	logger   *slog.Logger
}

func NewScheduler(syncer Syncer, interval time.Duration, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		syncer:   syncer,
		interval: interval,
		logger:   logger.With("component", "scheduler"),
	}
}

// Start runs a full sync immediately and then on every tick until ctx is done.
// Ticks that arrive while a pass is still running are skipped.
func (s *Scheduler) Start(ctx context.Context) error {
	s.logger.Info("scheduler started", "interval", s.interval)

	s.runSync(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			s.runSync(ctx)
		}
	}
}

func (s *Scheduler) runSync(ctx context.Context) {
	if s.syncer.IsSyncRunning() {
		s.logger.Debug("sync still running, skipping tick")
		return
	}

	result, err := s.syncer.StartFullSync(ctx, false)
	if errors.Is(err, domain.ErrSyncInProgress) {
		s.logger.Debug("sync started elsewhere, skipping tick")
		return
	}
	if err != nil {
		s.logger.Error("sync failed", "error", err)
		return
	}
	if result.Phase == domain.PhaseFailed {
		s.logger.Error("sync failed", "errors", result.ErrorCount)
	}
}

package workers

import (
	"context"
	"log/slog"
	"time"

	"github.com/sand/ripplebids-settlement/backend/internal/usecases"
)

type Sweeper interface {
	RunAutoRelease(ctx context.Context) (*usecases.AutoReleaseSummary, error)
}

// AutoReleaser periodically returns long-funded escrows to their buyers.
type AutoReleaser struct {
	logger  *slog.Logger
	sweeper Sweeper

	// How often to run the sweep
	interval time.Duration
}

func NewAutoReleaser(logger *slog.Logger, sweeper Sweeper, interval time.Duration) *AutoReleaser {
	return &AutoReleaser{
		logger:   logger,
		sweeper:  sweeper,
		interval: interval,
	}
}

// Start runs a sweep immediately and then on every tick until ctx is done.
func (ar *AutoReleaser) Start(ctx context.Context) {
	ar.logger.Info("Starting auto-release worker", "interval", ar.interval.String())

	ar.sweep(ctx)

	ticker := time.NewTicker(ar.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			ar.logger.Info("Auto-release worker stopped")
			return
		case <-ticker.C:
			ar.sweep(ctx)
		}
	}
}

func (ar *AutoReleaser) sweep(ctx context.Context) {
	summary, err := ar.sweeper.RunAutoRelease(ctx)
	if err != nil {
		ar.logger.Error("Auto-release sweep failed", "error", err)
		return
	}

	if len(summary.Results) > 0 {
		ar.logger.Info("Auto-release sweep finished", "released", summary.Released, "failed", summary.Failed)
	} else {
		ar.logger.Debug("No escrows due for auto-release")
	}
}

package workers

import (
	"context"
	"log/slog"
	"time"
)

type OutboxApplier interface {
	ApplyOutbox(ctx context.Context) (int, error)
}

// OutboxRelay retries funding records that could not be written when the
// payment was confirmed.
type OutboxRelay struct {
	logger   *slog.Logger
	applier  OutboxApplier
	interval time.Duration
}

func NewOutboxRelay(logger *slog.Logger, applier OutboxApplier, interval time.Duration) *OutboxRelay {
	return &OutboxRelay{logger: logger, applier: applier, interval: interval}
}

func (ob *OutboxRelay) Start(ctx context.Context) {
	ob.logger.Info("Starting funding outbox relay", "interval", ob.interval.String())

	ticker := time.NewTicker(ob.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			ob.logger.Info("Funding outbox relay stopped")
			return
		case <-ticker.C:
			applied, err := ob.applier.ApplyOutbox(ctx)
			if err != nil {
				ob.logger.Error("Funding outbox pass failed", "error", err)
				continue
			}
			if applied > 0 {
				ob.logger.Info("Applied deferred escrow fundings", "count", applied)
			}
		}
	}
}

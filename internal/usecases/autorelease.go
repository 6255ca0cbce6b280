package usecases

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"

	"github.com/sand/ripplebids-settlement/backend/internal/chains"
	"github.com/sand/ripplebids-settlement/backend/internal/entities"
	"github.com/sand/ripplebids-settlement/backend/internal/metrics"
)

// AutoReleaseResult is the outcome of one order in a sweep.
type AutoReleaseResult struct {
	OrderID     string          `json:"orderId"`
	EscrowID    string          `json:"escrowId"`
	Success     bool            `json:"success"`
	ReleaseHash string          `json:"releaseHash,omitempty"`
	Error       string          `json:"error,omitempty"`
	Amount      decimal.Decimal `json:"amount"`
	Blockchain  entities.Chain  `json:"blockchain,omitempty"`
}

type AutoReleaseSummary struct {
	Released int                 `json:"released"`
	Failed   int                 `json:"failed"`
	Results  []AutoReleaseResult `json:"results"`
}

// RunAutoRelease returns escrowed funds to buyers of orders that stayed
// funded past the auto-release age. Item failures are recorded in the
// summary; only a failed candidate query fails the sweep.
func (s *EscrowService) RunAutoRelease(ctx context.Context) (*AutoReleaseSummary, error) {
	ctx, span := s.tracer.Start(ctx, "escrow.AutoRelease")
	defer span.End()

	cutoff := s.now().Add(-s.cfg.AutoReleaseAfter())
	candidates, err := s.orders.FindAutoReleaseCandidates(ctx, cutoff, s.cfg.SweepBatchSize)
	if err != nil {
		return nil, spanError(span, fmt.Errorf("failed to find auto-release candidates: %w", err))
	}
	span.SetAttributes(attribute.Int("candidates", len(candidates)))

	summary := &AutoReleaseSummary{Results: make([]AutoReleaseResult, 0, len(candidates))}
	s.logger.InfoContext(ctx, "Auto-release sweep started", "candidates", len(candidates), "cutoff", cutoff)

	for _, c := range candidates {
		if ctx.Err() != nil {
			s.logger.WarnContext(ctx, "Auto-release sweep interrupted", "processed", len(summary.Results))
			break
		}

		res := s.autoReleaseOne(ctx, c)
		if res.Success {
			summary.Released++
			metrics.SweepResults.WithLabelValues("released").Inc()
		} else {
			summary.Failed++
			metrics.SweepResults.WithLabelValues("failed").Inc()
		}
		summary.Results = append(summary.Results, res)
	}

	s.logger.InfoContext(ctx, "Auto-release sweep finished", "released", summary.Released, "failed", summary.Failed)
	return summary, nil
}

func (s *EscrowService) autoReleaseOne(ctx context.Context, c entities.AutoReleaseCandidate) AutoReleaseResult {
	order, escrow := c.Order, c.Escrow
	res := AutoReleaseResult{
		OrderID:  order.ID,
		EscrowID: escrow.ID,
		Amount:   escrow.Amount,
	}

	chain := escrow.Chain
	if chain == "" {
		chain = detectFundingChain(order, escrow)
	}
	if chain == "" {
		res.Error = "could not determine blockchain for this order"
		s.logger.WarnContext(ctx, "Auto-release skipped", "order_id", order.ID, "escrow_id", escrow.ID, "error", res.Error)
		return res
	}
	res.Blockchain = chain

	released, err := s.release(ctx, &escrow, releasePlan{
		chain:       chain,
		recipient:   escrow.Buyer,
		from:        []entities.EscrowStatus{entities.EscrowFunded},
		to:          entities.EscrowAutoReleased,
		orderStatus: entities.OrderAutoCompleted,
		notify: func(order *entities.Order, hash string) []entities.Notification {
			return []entities.Notification{
				{UserID: order.BuyerID, Type: entities.NotificationAutoReleased,
					Message: fmt.Sprintf("Order %s was not completed in time. Your payment was returned. Transaction %s.", order.ID, hash)},
				{UserID: order.SellerID, Type: entities.NotificationAutoReleased,
					Message: fmt.Sprintf("Escrow for order %s was returned to the buyer after %d days.", order.ID, s.cfg.AutoReleaseAfterDays)},
			}
		},
	})
	if err != nil {
		res.Error = chains.FormatPaymentError(err)
		s.logger.WarnContext(ctx, "Auto-release failed",
			"order_id", order.ID, "escrow_id", escrow.ID, "chain", chain, "error", err)
		return res
	}

	res.Success = true
	res.ReleaseHash = *released.ReleaseHash
	return res
}

func detectFundingChain(order entities.Order, escrow entities.Escrow) entities.Chain {
	for _, h := range []*string{escrow.TransactionHash, order.TransactionHash} {
		if h == nil {
			continue
		}
		if chain, ok := chains.DetectChain(*h); ok {
			return chain
		}
	}
	return ""
}

package usecases

import (
	"context"
	"fmt"
)

// Actor is the caller an escrow action runs for.
type Actor struct {
	UserID string
	Admin  bool
}

type role int

const (
	roleBuyer role = iota + 1
	roleSeller
)

// authorize checks that actor is the buyer or seller of the order behind
// escrowID. Admins pass every check.
func (s *EscrowService) authorize(ctx context.Context, actor Actor, escrowID string, want role) error {
	if actor.Admin {
		return nil
	}
	if actor.UserID == "" {
		return fmt.Errorf("%w: caller is not identified", ErrForbidden)
	}

	order, err := s.orders.GetOrderByEscrow(ctx, escrowID)
	if err != nil {
		return fmt.Errorf("escrow %s: %w", escrowID, err)
	}
	switch {
	case want == roleBuyer && order.BuyerID == actor.UserID:
		return nil
	case want == roleSeller && order.SellerID == actor.UserID:
		return nil
	}

	s.logger.WarnContext(ctx, "Escrow action refused", "escrow_id", escrowID, "user_id", actor.UserID)
	return fmt.Errorf("%w: escrow %s", ErrForbidden, escrowID)
}

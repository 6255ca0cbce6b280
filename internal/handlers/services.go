package handlers

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/sand/ripplebids-settlement/backend/internal/entities"
	"github.com/sand/ripplebids-settlement/backend/internal/oracle"
	"github.com/sand/ripplebids-settlement/backend/internal/usecases"
)

var (
	_ EscrowService  = (*usecases.EscrowService)(nil)
	_ PricingService = (*usecases.PricingService)(nil)
)

type EscrowService interface {
	CreateEscrow(ctx context.Context, req usecases.CreateEscrowRequest) (*entities.Escrow, error)
	RequestPayment(ctx context.Context, actor usecases.Actor, escrowID string) (*usecases.PaymentRequest, error)
	EscrowWallet(chain entities.Chain) (string, error)
	ConfirmFunding(ctx context.Context, actor usecases.Actor, escrowID string, chain entities.Chain, txHash string) (*entities.Escrow, error)
	GetStatus(ctx context.Context, escrowID string) (*entities.Escrow, error)
	ReleaseEscrow(ctx context.Context, actor usecases.Actor, escrowID, withdrawalAddress string) (*entities.Escrow, error)
	ResolveDispute(ctx context.Context, actor usecases.Actor, escrowID string, toSeller bool) (*entities.Escrow, error)
	MarkConditionsMet(ctx context.Context, actor usecases.Actor, escrowID string) (*entities.Escrow, error)
	DisputeEscrow(ctx context.Context, actor usecases.Actor, escrowID, reason string) (*entities.Escrow, error)
	CancelEscrow(ctx context.Context, actor usecases.Actor, escrowID string) (*entities.Escrow, error)
	RunAutoRelease(ctx context.Context) (*usecases.AutoReleaseSummary, error)
}

type PricingService interface {
	QuoteListing(ctx context.Context, listingID string, chain entities.Chain) (*usecases.ListingQuote, error)
	Estimate(ctx context.Context, chain entities.Chain, usd decimal.Decimal) (oracle.Quote, *decimal.Decimal, error)
}

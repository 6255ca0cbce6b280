package usecases

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sand/ripplebids-settlement/backend/internal/entities"
)

type Transactor interface {
	WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

type EscrowsRepository interface {
	InsertEscrow(ctx context.Context, escrow *entities.Escrow) error
	GetEscrow(ctx context.Context, id string) (*entities.Escrow, error)
	FindEscrowByTxHash(ctx context.Context, txHash string) (*entities.Escrow, error)
	// MarkFunded moves a pending escrow to funded. ErrConflict when it is not pending.
	MarkFunded(ctx context.Context, id string, chain entities.Chain, txHash string) error
	// ClaimRelease sets the release lock on an escrow in one of the given statuses
	// with no lock held. ErrConflict when another caller got there first.
	ClaimRelease(ctx context.Context, id, token string, from []entities.EscrowStatus) (*entities.Escrow, error)
	DropReleaseClaim(ctx context.Context, id, token string) error
	FinalizeRelease(ctx context.Context, id, token string, status entities.EscrowStatus, releaseHash, withdrawalAddress string) error
	// RecordPendingPayout stores the hash of a payout whose outcome is unknown.
	// ErrConflict when token no longer holds the claim.
	RecordPendingPayout(ctx context.Context, id, token, txHash string) error
	// UpdateStatus is a compare-and-swap on status. ErrConflict when the
	// escrow is not in one of from or holds a release lock.
	UpdateStatus(ctx context.Context, id string, from []entities.EscrowStatus, to entities.EscrowStatus, reason *string) error
}

type OrdersRepository interface {
	InsertOrder(ctx context.Context, order *entities.Order) error
	GetOrderByEscrow(ctx context.Context, escrowID string) (*entities.Order, error)
	MarkOrderFunded(ctx context.Context, escrowID string, chain entities.Chain, txHash string) error
	UpdateOrderStatus(ctx context.Context, escrowID string, status entities.OrderStatus) error
	// FindAutoReleaseCandidates returns escrow_funded orders created before
	// cutoff whose escrow is funded and unlocked, oldest first.
	FindAutoReleaseCandidates(ctx context.Context, cutoff time.Time, limit uint64) ([]entities.AutoReleaseCandidate, error)
}

type NotificationsRepository interface {
	InsertNotification(ctx context.Context, n *entities.Notification) error
}

type OutboxRepository interface {
	EnqueueFunding(ctx context.Context, entry *entities.FundingOutboxEntry) error
	PendingFunding(ctx context.Context, limit uint64) ([]entities.FundingOutboxEntry, error)
	MarkFundingApplied(ctx context.Context, id int64) error
	MarkFundingFailed(ctx context.Context, id int64, lastError string, abandon bool) error
}

type ListingsRepository interface {
	GetListing(ctx context.Context, id string) (*entities.Listing, error)
}

// ListingQuoter prices a listing in platform tokens.
type ListingQuoter interface {
	QuoteListing(ctx context.Context, listingID string, chain entities.Chain) (*ListingQuote, error)
}

// EventPublisher fans escrow state changes out to live subscribers.
type EventPublisher interface {
	Publish(event entities.EscrowEvent)
}

// PaymentWatcher waits for out-of-band payments of pending escrows.
type PaymentWatcher interface {
	Watch(escrowID, sender, destination string, amount decimal.Decimal)
	Stop(escrowID string)
}

type noopPublisher struct{}

func (noopPublisher) Publish(entities.EscrowEvent) {}

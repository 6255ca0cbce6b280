package entities

import (
	"time"

	"github.com/shopspring/decimal"
)

type EscrowStatus string

const (
	EscrowPending       EscrowStatus = "pending"
	EscrowFunded        EscrowStatus = "funded"
	EscrowConditionsMet EscrowStatus = "conditions_met"
	EscrowReleased      EscrowStatus = "released"
	EscrowAutoReleased  EscrowStatus = "auto_released"
	EscrowDisputed      EscrowStatus = "disputed"
	EscrowCancelled     EscrowStatus = "cancelled"
)

// escrowTransitions is the forward-only lifecycle.
var escrowTransitions = map[EscrowStatus][]EscrowStatus{
	EscrowPending:       {EscrowFunded, EscrowCancelled},
	EscrowFunded:        {EscrowConditionsMet, EscrowReleased, EscrowAutoReleased, EscrowDisputed, EscrowCancelled},
	EscrowConditionsMet: {EscrowReleased, EscrowAutoReleased, EscrowDisputed},
	EscrowDisputed:      {EscrowReleased, EscrowCancelled},
}

// CanTransition reports whether the lifecycle allows moving from s to next.
func (s EscrowStatus) CanTransition(next EscrowStatus) bool {
	for _, allowed := range escrowTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal returns true if no further transition is possible.
func (s EscrowStatus) IsTerminal() bool {
	return len(escrowTransitions[s]) == 0
}

// IsReleased is true for both manual and automatic releases.
func (s EscrowStatus) IsReleased() bool {
	return s == EscrowReleased || s == EscrowAutoReleased
}

// Releasable reports whether a payout may be started from s.
func (s EscrowStatus) Releasable() bool {
	return s == EscrowFunded || s == EscrowConditionsMet
}

type EscrowConditions struct {
	DeliveryRequired      bool `json:"delivery_required"`
	SatisfactoryCondition bool `json:"satisfactory_condition"`
	AutoReleaseDays       int  `json:"auto_release_days"`
}

// Escrow is the application-level custody record of a buyer payment.
type Escrow struct {
	ID                string           `json:"id"`
	ListingID         string           `json:"listing_id"`
	Buyer             string           `json:"buyer"`
	Seller            string           `json:"seller"`
	Amount            decimal.Decimal  `json:"amount"`
	Chain             Chain            `json:"chain"`
	Status            EscrowStatus     `json:"status"`
	Conditions        EscrowConditions `json:"conditions"`
	TransactionHash   *string          `json:"transaction_hash"`
	ReleaseHash       *string          `json:"release_hash"`
	WithdrawalAddress *string          `json:"withdrawal_address"`
	DisputeReason     *string          `json:"dispute_reason,omitempty"`
	// PendingPayoutHash is a payout sent without a confirmed outcome. The
	// release claim stays held until it is reconciled.
	PendingPayoutHash *string `json:"pending_payout_hash,omitempty"`
	ReleaseLock       *string          `json:"-"`
	CreatedAt         time.Time        `json:"created_at"`
	UpdatedAt         time.Time        `json:"updated_at"`
}

// EscrowEvent is published whenever an escrow changes state.
type EscrowEvent struct {
	EscrowID    string       `json:"escrow_id"`
	Status      EscrowStatus `json:"status"`
	TxHash      string       `json:"tx_hash,omitempty"`
	ReleaseHash string       `json:"release_hash,omitempty"`
	Message     string       `json:"message,omitempty"`
	At          time.Time    `json:"at"`
}

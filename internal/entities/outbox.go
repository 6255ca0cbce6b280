package entities

import (
	"time"

	"github.com/shopspring/decimal"
)

type OutboxStatus string

const (
	OutboxPending   OutboxStatus = "pending"
	OutboxApplied   OutboxStatus = "applied"
	OutboxAbandoned OutboxStatus = "abandoned"
)

// FundingOutboxEntry records a confirmed payment whose escrow funding still has to be written.
type FundingOutboxEntry struct {
	ID              int64           `json:"id"`
	EscrowID        string          `json:"escrow_id"`
	Chain           Chain           `json:"chain"`
	TransactionHash string          `json:"transaction_hash"`
	Amount          decimal.Decimal `json:"amount"`
	Attempts        int             `json:"attempts"`
	LastError       string          `json:"last_error"`
	Status          OutboxStatus    `json:"status"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

package entities

import (
	"time"

	"github.com/shopspring/decimal"
)

// PaymentResult is the uniform outcome of a chain payment adapter.
type PaymentResult struct {
	Success bool   `json:"success"`
	Chain   Chain  `json:"chain"`
	TxRef   string `json:"tx_ref,omitempty"`
	// Pending is set when the transfer is signed out of band and still has to be verified.
	Pending    bool   `json:"pending,omitempty"`
	PaymentURI string `json:"payment_uri,omitempty"`
	Error      string `json:"error,omitempty"`
}

// VerifiedTransfer is a token transfer confirmed on chain.
type VerifiedTransfer struct {
	Chain       Chain           `json:"chain"`
	TxHash      string          `json:"tx_hash"`
	Destination string          `json:"destination"`
	Amount      decimal.Decimal `json:"amount"`
	ConfirmedAt time.Time       `json:"confirmed_at"`
}

package entities

import (
	"time"

	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	OrderPending       OrderStatus = "pending"
	OrderEscrowFunded  OrderStatus = "escrow_funded"
	OrderShipped       OrderStatus = "shipped"
	OrderDelivered     OrderStatus = "delivered"
	OrderCompleted     OrderStatus = "completed"
	OrderAutoCompleted OrderStatus = "auto_completed"
	OrderCancelled     OrderStatus = "cancelled"
)

type ShippingInfo struct {
	Name           string `json:"name"`
	Address        string `json:"address"`
	City           string `json:"city"`
	PostalCode     string `json:"postal_code"`
	Country        string `json:"country"`
	TrackingNumber string `json:"tracking_number,omitempty"`
}

type Order struct {
	ID              string          `json:"id"`
	ListingID       string          `json:"listing_id"`
	BuyerID         string          `json:"buyer_id"`
	SellerID        string          `json:"seller_id"`
	Amount          decimal.Decimal `json:"amount"`
	EscrowID        string          `json:"escrow_id"`
	TransactionHash *string         `json:"transaction_hash"`
	PaymentChain    Chain           `json:"payment_chain"`
	Status          OrderStatus     `json:"status"`
	Shipping        *ShippingInfo   `json:"shipping,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// AutoReleaseCandidate is a funded order joined with its escrow.
type AutoReleaseCandidate struct {
	Order  Order
	Escrow Escrow
}

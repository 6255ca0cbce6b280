package entities

import "github.com/shopspring/decimal"

// Listing is owned by the marketplace; this service only reads it.
type Listing struct {
	ID            string           `json:"id"`
	SellerID      string           `json:"seller_id"`
	Price         decimal.Decimal  `json:"price"`
	SellerWallets map[Chain]string `json:"seller_wallets"`
	IsPhysical    bool             `json:"is_physical"`
	Status        string           `json:"status"`
}

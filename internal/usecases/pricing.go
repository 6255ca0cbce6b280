package usecases

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/sand/ripplebids-settlement/backend/internal/entities"
	"github.com/sand/ripplebids-settlement/backend/internal/oracle"
)

// PriceQuoter is the part of the oracle checkout needs.
type PriceQuoter interface {
	TokenPriceUSD(ctx context.Context, chain entities.Chain) (oracle.Quote, error)
	EstimatePriceUSD(ctx context.Context, chain entities.Chain) (oracle.Quote, error)
}

// ListingQuote is the token charge for buying a listing on one chain.
type ListingQuote struct {
	ListingID    string          `json:"listingId"`
	Chain        entities.Chain  `json:"chain"`
	PriceUSD     decimal.Decimal `json:"priceUsd"`
	TokenPrice   decimal.Decimal `json:"tokenPriceUsd"`
	TokenAmount  decimal.Decimal `json:"tokenAmount"`
	Source       string          `json:"source"`
	SellerWallet string          `json:"sellerWallet,omitempty"`
	SellerID     string          `json:"sellerId,omitempty"`
}

type PricingService struct {
	logger   *slog.Logger
	oracle   PriceQuoter
	listings ListingsRepository
}

func NewPricingService(logger *slog.Logger, quoter PriceQuoter, listings ListingsRepository) *PricingService {
	return &PricingService{logger: logger, oracle: quoter, listings: listings}
}

// QuoteListing converts a listing's USD price into the token amount to charge.
// Only live prices are used; ErrPriceUnavailable is returned otherwise.
func (p *PricingService) QuoteListing(ctx context.Context, listingID string, chain entities.Chain) (*ListingQuote, error) {
	if !chain.IsValid() {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedChain, chain)
	}
	listing, err := p.listings.GetListing(ctx, listingID)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", listingID, err)
	}
	if listing.Status != "" && listing.Status != "active" {
		return nil, fmt.Errorf("%w: listing %s is %s", ErrValidation, listingID, listing.Status)
	}

	quote, err := p.oracle.TokenPriceUSD(ctx, chain)
	if err != nil {
		return nil, err
	}
	amount, err := oracle.ConvertUSDToTokenAmount(listing.Price, quote.PriceUSD)
	if err != nil {
		return nil, err
	}

	p.logger.DebugContext(ctx, "Listing quoted",
		"listing_id", listingID, "chain", chain, "usd", listing.Price.String(), "tokens", amount.String(), "source", quote.Source)

	return &ListingQuote{
		ListingID:    listingID,
		Chain:        chain,
		PriceUSD:     listing.Price,
		TokenPrice:   quote.PriceUSD,
		TokenAmount:  amount,
		Source:       quote.Source,
		SellerWallet: listing.SellerWallets[chain],
		SellerID:     listing.SellerID,
	}, nil
}

// Estimate returns a display price and, when usd is positive, the token amount it buys.
func (p *PricingService) Estimate(ctx context.Context, chain entities.Chain, usd decimal.Decimal) (oracle.Quote, *decimal.Decimal, error) {
	quote, err := p.oracle.EstimatePriceUSD(ctx, chain)
	if err != nil {
		return oracle.Quote{}, nil, err
	}
	if usd.Sign() <= 0 {
		return quote, nil, nil
	}
	amount, err := oracle.ConvertUSDToTokenAmount(usd, quote.PriceUSD)
	if err != nil {
		return oracle.Quote{}, nil, err
	}
	return quote, &amount, nil
}

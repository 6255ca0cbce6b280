package chains

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"

	"github.com/sand/ripplebids-settlement/backend/internal/entities"
)

// Token decimals of the platform token per chain. XRPL issued currencies are
// decimal strings and have no base unit.
const (
	DecimalsXRPLEVM int32 = 18
	DecimalsSolana  int32 = 6
)

// ToBaseUnits scales a token amount into integer base units.
// Amounts with more precision than the token supports are rejected.
func ToBaseUnits(amount decimal.Decimal, decimals int32) (*big.Int, error) {
	if amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrValidation)
	}
	scaled := amount.Shift(decimals)
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, fmt.Errorf("%w: amount %s has more than %d decimals", ErrValidation, amount, decimals)
	}
	return scaled.BigInt(), nil
}

// FromBaseUnits is the inverse of ToBaseUnits.
func FromBaseUnits(units *big.Int, decimals int32) decimal.Decimal {
	if units == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(units, -decimals)
}

// Decimals returns the default token decimals of a chain.
func Decimals(chain entities.Chain) (int32, bool) {
	switch chain {
	case entities.ChainXRPLEVM:
		return DecimalsXRPLEVM, true
	case entities.ChainSolana:
		return DecimalsSolana, true
	}
	return 0, false
}

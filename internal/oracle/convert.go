package oracle

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// ConvertUSDToTokenAmount returns ceil(usd / price). Rounding up guarantees the
// token amount is never worth less than usd.
func ConvertUSDToTokenAmount(usd, price decimal.Decimal) (decimal.Decimal, error) {
	if price.Sign() <= 0 {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrInvalidPrice, price)
	}
	if usd.Sign() < 0 {
		return decimal.Zero, fmt.Errorf("negative usd amount %s", usd)
	}

	q, r := usd.QuoRem(price, 0)
	if r.Sign() > 0 {
		q = q.Add(decimal.NewFromInt(1))
	}
	return q, nil
}

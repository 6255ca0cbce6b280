package xrpl

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

const dropsPerXRP = 6

// Amount is the normalized form of an XRPL amount field. Exactly one of
// Native or Issued is set.
type Amount struct {
	Native *NativeAmount
	Issued *IssuedAmount
}

// NativeAmount is XRP expressed in drops.
type NativeAmount struct {
	Drops decimal.Decimal
}

// XRP converts drops to XRP.
func (n NativeAmount) XRP() decimal.Decimal {
	return n.Drops.Shift(-dropsPerXRP)
}

// IssuedAmount is a token balance issued by an account.
type IssuedAmount struct {
	Currency string          `json:"currency"`
	Issuer   string          `json:"issuer"`
	Value    decimal.Decimal `json:"value"`
}

// Matches reports whether the amount is of the given currency and issuer.
func (i IssuedAmount) Matches(currency, issuer string) bool {
	return CanonicalCurrency(i.Currency) == CanonicalCurrency(currency) && i.Issuer == issuer
}

func (a *Amount) UnmarshalJSON(data []byte) error {
	data = []byte(strings.TrimSpace(string(data)))
	if len(data) == 0 || string(data) == "null" {
		return nil
	}

	if data[0] == '"' {
		var drops string
		if err := json.Unmarshal(data, &drops); err != nil {
			return err
		}
		d, err := decimal.NewFromString(drops)
		if err != nil {
			return fmt.Errorf("invalid drops amount %q: %w", drops, err)
		}
		a.Native = &NativeAmount{Drops: d}
		a.Issued = nil
		return nil
	}

	var raw struct {
		Currency string `json:"currency"`
		Issuer   string `json:"issuer"`
		Value    string `json:"value"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.Currency == "" {
		return errors.New("issued amount without currency")
	}
	v, err := decimal.NewFromString(raw.Value)
	if err != nil {
		return fmt.Errorf("invalid issued amount %q: %w", raw.Value, err)
	}
	a.Issued = &IssuedAmount{Currency: raw.Currency, Issuer: raw.Issuer, Value: v}
	a.Native = nil
	return nil
}

func (a Amount) MarshalJSON() ([]byte, error) {
	switch {
	case a.Native != nil:
		return json.Marshal(a.Native.Drops.String())
	case a.Issued != nil:
		return json.Marshal(map[string]string{
			"currency": a.Issued.Currency,
			"issuer":   a.Issued.Issuer,
			"value":    a.Issued.Value.String(),
		})
	}
	return []byte("null"), nil
}

func (a Amount) IsZero() bool {
	return a.Native == nil && a.Issued == nil
}

// CanonicalCurrency returns the form a currency code takes on ledger: a three
// character standard code as is (codes are case-sensitive), or a 40 character
// hex code. Longer codes are hex encoded and right padded.
func CanonicalCurrency(code string) string {
	code = strings.TrimSpace(code)
	if len(code) == 3 {
		return code
	}
	if len(code) == 40 {
		if _, err := hex.DecodeString(code); err == nil {
			return strings.ToUpper(code)
		}
	}
	if len(code) > 20 {
		code = code[:20]
	}
	buf := make([]byte, 20)
	copy(buf, code)
	return strings.ToUpper(hex.EncodeToString(buf))
}

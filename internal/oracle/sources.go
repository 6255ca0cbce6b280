package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

const (
	SourceKindJSON    = "json"
	SourceKindXRPLAMM = "xrpl_amm"
	SourceKindEVMPair = "evm_pair"
)

var (
	getReservesSelector = []byte{0x09, 0x02, 0xf1, 0xac} // getReserves()
	token0Selector      = []byte{0x0d, 0xfe, 0x16, 0x81} // token0()
)

// Source is one independent USD price feed for the platform token.
type Source interface {
	Name() string
	PriceUSD(ctx context.Context) (decimal.Decimal, error)
}

// JSONSource reads a price from an HTTP JSON API. Path is a dotted selector,
// numeric segments index into arrays, e.g. "pairs.0.priceUsd".
type JSONSource struct {
	name   string
	url    string
	path   string
	client *http.Client
}

func NewJSONSource(name, url, path string, client *http.Client) *JSONSource {
	return &JSONSource{name: name, url: url, path: path, client: client}
}

func (s *JSONSource) Name() string { return s.name }

func (s *JSONSource) PriceUSD(ctx context.Context) (decimal.Decimal, error) {
	return fetchJSONDecimal(ctx, s.client, s.url, s.path)
}

func fetchJSONDecimal(ctx context.Context, client *http.Client, url, path string) (decimal.Decimal, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("request %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return decimal.Zero, fmt.Errorf("price api returned status %d: %s", resp.StatusCode, string(body))
	}

	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	var doc any
	if err = dec.Decode(&doc); err != nil {
		return decimal.Zero, fmt.Errorf("failed to decode price response: %w", err)
	}

	return lookupDecimal(doc, path)
}

func lookupDecimal(doc any, path string) (decimal.Decimal, error) {
	cur := doc
	if path != "" {
		for _, seg := range strings.Split(path, ".") {
			switch node := cur.(type) {
			case map[string]any:
				v, ok := node[seg]
				if !ok {
					return decimal.Zero, fmt.Errorf("field %q not found", seg)
				}
				cur = v
			case []any:
				idx, err := strconv.Atoi(seg)
				if err != nil || idx < 0 || idx >= len(node) {
					return decimal.Zero, fmt.Errorf("index %q out of range", seg)
				}
				cur = node[idx]
			default:
				return decimal.Zero, fmt.Errorf("cannot descend into %q", seg)
			}
		}
	}

	switch v := cur.(type) {
	case json.Number:
		return decimal.NewFromString(v.String())
	case string:
		return decimal.NewFromString(v)
	case nil:
		return decimal.Zero, errors.New("price is null")
	}
	return decimal.Zero, fmt.Errorf("unexpected price type %T", cur)
}

// AMMReader returns the pool reserves of the XRP/token AMM on the XRP Ledger.
type AMMReader interface {
	AMMReserves(ctx context.Context, currency, issuer string) (xrp, token decimal.Decimal, err error)
}

// AMMSource prices the token from XRPL AMM reserves and an XRP/USD reference.
type AMMSource struct {
	name      string
	reader    AMMReader
	currency  string
	issuer    string
	reference Source
}

func NewAMMSource(name string, reader AMMReader, currency, issuer string, reference Source) *AMMSource {
	return &AMMSource{name: name, reader: reader, currency: currency, issuer: issuer, reference: reference}
}

func (s *AMMSource) Name() string { return s.name }

func (s *AMMSource) PriceUSD(ctx context.Context) (decimal.Decimal, error) {
	xrp, token, err := s.reader.AMMReserves(ctx, s.currency, s.issuer)
	if err != nil {
		return decimal.Zero, fmt.Errorf("amm reserves: %w", err)
	}
	if token.Sign() <= 0 || xrp.Sign() <= 0 {
		return decimal.Zero, errors.New("amm pool is empty")
	}
	xrpUSD, err := s.reference.PriceUSD(ctx)
	if err != nil {
		return decimal.Zero, fmt.Errorf("xrp reference price: %w", err)
	}
	return xrp.Div(token).Mul(xrpUSD), nil
}

// PairSource prices the token from a Uniswap-V2 style pair on an EVM chain.
// Without a reference source the quote asset is taken to be a USD stablecoin.
type PairSource struct {
	name          string
	caller        ethereum.ContractCaller
	pair          common.Address
	token         common.Address
	tokenDecimals int32
	quoteDecimals int32
	reference     Source
}

func NewPairSource(name string, caller ethereum.ContractCaller, pair, token common.Address, tokenDecimals, quoteDecimals int32, reference Source) *PairSource {
	return &PairSource{
		name:          name,
		caller:        caller,
		pair:          pair,
		token:         token,
		tokenDecimals: tokenDecimals,
		quoteDecimals: quoteDecimals,
		reference:     reference,
	}
}

func (s *PairSource) Name() string { return s.name }

func (s *PairSource) PriceUSD(ctx context.Context) (decimal.Decimal, error) {
	out, err := s.caller.CallContract(ctx, ethereum.CallMsg{To: &s.pair, Data: token0Selector}, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("token0 call: %w", err)
	}
	if len(out) < 32 {
		return decimal.Zero, errors.New("token0 returned short data")
	}
	token0 := common.BytesToAddress(out[12:32])

	out, err = s.caller.CallContract(ctx, ethereum.CallMsg{To: &s.pair, Data: getReservesSelector}, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("getReserves call: %w", err)
	}
	if len(out) < 64 {
		return decimal.Zero, errors.New("getReserves returned short data")
	}
	r0 := new(big.Int).SetBytes(out[0:32])
	r1 := new(big.Int).SetBytes(out[32:64])

	tokenRaw, quoteRaw := r0, r1
	if token0 != s.token {
		tokenRaw, quoteRaw = r1, r0
	}
	tokenReserve := decimal.NewFromBigInt(tokenRaw, -s.tokenDecimals)
	quoteReserve := decimal.NewFromBigInt(quoteRaw, -s.quoteDecimals)
	if tokenReserve.Sign() <= 0 || quoteReserve.Sign() <= 0 {
		return decimal.Zero, errors.New("pair has no liquidity")
	}

	price := quoteReserve.Div(tokenReserve)
	if s.reference != nil {
		quoteUSD, err := s.reference.PriceUSD(ctx)
		if err != nil {
			return decimal.Zero, fmt.Errorf("quote reference price: %w", err)
		}
		price = price.Mul(quoteUSD)
	}
	return price, nil
}

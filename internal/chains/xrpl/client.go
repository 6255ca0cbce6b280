// Package xrpl talks to the XRP Ledger over rippled JSON-RPC: buyer payment
// requests, platform payouts and incoming payment verification.
package xrpl

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
)

// rippleEpochOffset is the number of seconds between the Unix epoch and 2000-01-01.
const rippleEpochOffset = 946684800

// RippleTime converts ledger seconds to time.
func RippleTime(sec int64) time.Time {
	return time.Unix(sec+rippleEpochOffset, 0).UTC()
}

// Client is a minimal rippled JSON-RPC client.
type Client struct {
	url  string
	http *http.Client
}

func NewClient(url string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{url: url, http: httpClient}
}

type rpcRequest struct {
	Method string `json:"method"`
	Params []any  `json:"params"`
}

// RPCError is an error reported by rippled in the result body.
type RPCError struct {
	Code    string `json:"error"`
	Message string `json:"error_message"`
}

func (e *RPCError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("rippled %s: %s", e.Code, e.Message)
	}
	return "rippled " + e.Code
}

func (c *Client) call(ctx context.Context, method string, params any, out any) error {
	body, err := json.Marshal(rpcRequest{Method: method, Params: []any{params}})
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("rpc %s: %w", method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("rpc %s: network status %d: %s", method, resp.StatusCode, string(snippet))
	}

	var envelope struct {
		Result json.RawMessage `json:"result"`
	}
	if err = json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("decode %s response: %w", method, err)
	}

	var status struct {
		Status string `json:"status"`
		RPCError
	}
	if err = json.Unmarshal(envelope.Result, &status); err != nil {
		return fmt.Errorf("decode %s status: %w", method, err)
	}
	if status.Status == "error" || status.Code != "" {
		rpcErr := status.RPCError
		return &rpcErr
	}

	if out == nil {
		return nil
	}
	if err = json.Unmarshal(envelope.Result, out); err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}
	return nil
}

// Transaction holds the Payment fields the service inspects.
type Transaction struct {
	Hash            string `json:"hash"`
	TransactionType string `json:"TransactionType"`
	Account         string `json:"Account"`
	Destination     string `json:"Destination"`
	Amount          Amount `json:"Amount"`
	Date            int64  `json:"date"`
	Sequence        uint32 `json:"Sequence"`
}

type BalanceFields struct {
	Balance   *Amount       `json:"Balance,omitempty"`
	HighLimit *IssuedAmount `json:"HighLimit,omitempty"`
	LowLimit  *IssuedAmount `json:"LowLimit,omitempty"`
}

type NodeChange struct {
	LedgerEntryType string         `json:"LedgerEntryType"`
	FinalFields     *BalanceFields `json:"FinalFields,omitempty"`
	PreviousFields  *BalanceFields `json:"PreviousFields,omitempty"`
	NewFields       *BalanceFields `json:"NewFields,omitempty"`
}

type AffectedNode struct {
	CreatedNode  *NodeChange `json:"CreatedNode,omitempty"`
	ModifiedNode *NodeChange `json:"ModifiedNode,omitempty"`
	DeletedNode  *NodeChange `json:"DeletedNode,omitempty"`
}

type Meta struct {
	TransactionResult string         `json:"TransactionResult"`
	DeliveredAmount   *Amount        `json:"delivered_amount,omitempty"`
	AffectedNodes     []AffectedNode `json:"AffectedNodes"`
}

// UnmarshalJSON tolerates "unavailable" delivered_amount on old ledgers.
func (m *Meta) UnmarshalJSON(data []byte) error {
	type plain Meta
	var raw struct {
		plain
		DeliveredAmount json.RawMessage `json:"delivered_amount"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*m = Meta(raw.plain)
	m.DeliveredAmount = nil
	if len(raw.DeliveredAmount) > 0 && string(raw.DeliveredAmount) != `"unavailable"` {
		var a Amount
		if err := json.Unmarshal(raw.DeliveredAmount, &a); err != nil {
			return fmt.Errorf("delivered_amount: %w", err)
		}
		m.DeliveredAmount = &a
	}
	return nil
}

// AccountTransaction is one entry of account_tx.
type AccountTransaction struct {
	Tx        Transaction `json:"tx"`
	Meta      Meta        `json:"meta"`
	Validated bool        `json:"validated"`
}

type AccountTxResult struct {
	Account      string               `json:"account"`
	Transactions []AccountTransaction `json:"transactions"`
	Marker       json.RawMessage      `json:"marker,omitempty"`
}

// AccountTx returns the most recent transactions of an account, newest first.
func (c *Client) AccountTx(ctx context.Context, account string, limit int) (*AccountTxResult, error) {
	params := map[string]any{
		"account":          account,
		"ledger_index_min": -1,
		"ledger_index_max": -1,
		"limit":            limit,
		"forward":          false,
	}
	var res AccountTxResult
	if err := c.call(ctx, "account_tx", params, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

type TxResult struct {
	Transaction
	Meta      Meta `json:"meta"`
	Validated bool `json:"validated"`
}

// Tx looks a transaction up by hash.
func (c *Client) Tx(ctx context.Context, hash string) (*TxResult, error) {
	var res TxResult
	if err := c.call(ctx, "tx", map[string]any{"transaction": hash, "binary": false}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

type SubmitResult struct {
	EngineResult        string `json:"engine_result"`
	EngineResultMessage string `json:"engine_result_message"`
	Accepted            bool   `json:"accepted"`
	TxJSON              struct {
		Hash string `json:"hash"`
	} `json:"tx_json"`
}

// SignAndSubmit asks rippled to sign tx with secret and submit it. The node
// must be configured with signing support.
func (c *Client) SignAndSubmit(ctx context.Context, tx map[string]any, secret string) (*SubmitResult, error) {
	params := map[string]any{
		"tx_json":      tx,
		"secret":       secret,
		"fee_mult_max": 1000,
	}
	var res SubmitResult
	if err := c.call(ctx, "submit", params, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// AMMReserves returns the XRP and token reserves of the XRP/token AMM pool.
func (c *Client) AMMReserves(ctx context.Context, currency, issuer string) (decimal.Decimal, decimal.Decimal, error) {
	params := map[string]any{
		"asset":  map[string]string{"currency": "XRP"},
		"asset2": map[string]string{"currency": CanonicalCurrency(currency), "issuer": issuer},
	}
	var res struct {
		AMM struct {
			Amount  Amount `json:"amount"`
			Amount2 Amount `json:"amount2"`
		} `json:"amm"`
	}
	if err := c.call(ctx, "amm_info", params, &res); err != nil {
		return decimal.Zero, decimal.Zero, err
	}

	xrp, token := res.AMM.Amount, res.AMM.Amount2
	if xrp.Native == nil {
		xrp, token = token, xrp
	}
	if xrp.Native == nil || token.Issued == nil {
		return decimal.Zero, decimal.Zero, errors.New("amm pool is not XRP/token")
	}
	return xrp.Native.XRP(), token.Issued.Value, nil
}

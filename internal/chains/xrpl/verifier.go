package xrpl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sand/ripplebids-settlement/backend/config"
	"github.com/sand/ripplebids-settlement/backend/internal/chains"
	"github.com/sand/ripplebids-settlement/backend/internal/entities"
	"github.com/sand/ripplebids-settlement/backend/internal/metrics"
)

const (
	txTypePayment = "Payment"
	resultSuccess = "tesSUCCESS"

	rippleStateEntry = "RippleState"
)

var ErrVerificationTimeout = fmt.Errorf("%w: payment not found before deadline", chains.ErrTimeout)

type ledgerReader interface {
	AccountTx(ctx context.Context, account string, limit int) (*AccountTxResult, error)
	Tx(ctx context.Context, hash string) (*TxResult, error)
}

type VerifierConfig struct {
	PollInterval  time.Duration
	ClockSkew     time.Duration
	ToleranceRate decimal.Decimal
	MinTolerance  decimal.Decimal
	PageSize      int
	Currency      string
	Issuer        string
}

// NewVerifierConfig parses the XRPL section of the service configuration.
func NewVerifierConfig(cfg config.XRPL) (VerifierConfig, error) {
	rate, err := decimal.NewFromString(cfg.ToleranceRate)
	if err != nil {
		return VerifierConfig{}, fmt.Errorf("tolerance rate: %w", err)
	}
	minTol, err := decimal.NewFromString(cfg.MinTolerance)
	if err != nil {
		return VerifierConfig{}, fmt.Errorf("min tolerance: %w", err)
	}
	return VerifierConfig{
		PollInterval:  cfg.PollInterval,
		ClockSkew:     cfg.ClockSkew,
		ToleranceRate: rate,
		MinTolerance:  minTol,
		PageSize:      cfg.HistoryPageSize,
		Currency:      cfg.Currency,
		Issuer:        cfg.Issuer,
	}, nil
}

// Verifier confirms issued token payments that were signed outside the service.
type Verifier struct {
	logger *slog.Logger
	client ledgerReader
	cfg    VerifierConfig
	now    func() time.Time
}

func NewVerifier(logger *slog.Logger, client ledgerReader, cfg VerifierConfig) *Verifier {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 20
	}
	return &Verifier{logger: logger, client: client, cfg: cfg, now: time.Now}
}

// WaitOption adjusts a single WaitForTokenPayment call.
type WaitOption func(*waitOptions)

type waitOptions struct {
	skip func(txHash string) bool
}

// SkipHashes ignores transactions for which skip returns true, e.g. hashes
// already recorded against another escrow.
func SkipHashes(skip func(txHash string) bool) WaitOption {
	return func(o *waitOptions) { o.skip = skip }
}

// WaitForTokenPayment polls the destination's transaction history until a
// payment from sender of expected currency/issuer within tolerance shows up,
// the timeout elapses or ctx is done.
func (v *Verifier) WaitForTokenPayment(
	ctx context.Context,
	sender, destination string,
	expected decimal.Decimal,
	currency, issuer string,
	timeout time.Duration,
	opts ...WaitOption,
) (*entities.VerifiedTransfer, error) {
	var o waitOptions
	for _, opt := range opts {
		opt(&o)
	}
	if expected.Sign() <= 0 {
		return nil, fmt.Errorf("%w: expected amount must be positive", chains.ErrValidation)
	}
	if sender == "" {
		return nil, fmt.Errorf("%w: sender account is required", chains.ErrValidation)
	}

	notBefore := v.now().Add(-v.cfg.ClockSkew)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	v.logger.InfoContext(ctx, "waiting for xrpl payment",
		"sender", sender, "destination", destination, "expected", expected.String(), "currency", currency, "timeout", timeout.String())

	ticker := time.NewTicker(v.cfg.PollInterval)
	defer ticker.Stop()

	for {
		match, err := v.scan(ctx, sender, destination, expected, currency, issuer, notBefore, o.skip)
		switch {
		case err != nil && ctx.Err() == nil:
			v.logger.WarnContext(ctx, "xrpl history poll failed", "destination", destination, "error", err)
		case match != nil:
			metrics.VerifierOutcomes.WithLabelValues(string(entities.ChainXRPL), "matched").Inc()
			v.logger.InfoContext(ctx, "xrpl payment matched",
				"tx_hash", match.TxHash, "amount", match.Amount.String(), "expected", expected.String())
			return match, nil
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				metrics.VerifierOutcomes.WithLabelValues(string(entities.ChainXRPL), "timeout").Inc()
				return nil, ErrVerificationTimeout
			}
			metrics.VerifierOutcomes.WithLabelValues(string(entities.ChainXRPL), "cancelled").Inc()
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (v *Verifier) scan(
	ctx context.Context,
	sender, destination string,
	expected decimal.Decimal,
	currency, issuer string,
	notBefore time.Time,
	skip func(string) bool,
) (*entities.VerifiedTransfer, error) {
	res, err := v.client.AccountTx(ctx, destination, v.cfg.PageSize)
	if err != nil {
		return nil, err
	}

	for _, entry := range res.Transactions {
		if !entry.Validated {
			continue
		}
		if skip != nil && skip(entry.Tx.Hash) {
			continue
		}
		if RippleTime(entry.Tx.Date).Before(notBefore) {
			continue
		}
		actual, ok := v.paymentAmount(entry.Tx, entry.Meta, sender, destination, currency, issuer)
		if !ok || !v.withinTolerance(actual, expected) {
			continue
		}
		return &entities.VerifiedTransfer{
			Chain:       entities.ChainXRPL,
			TxHash:      entry.Tx.Hash,
			Destination: destination,
			Amount:      actual,
			ConfirmedAt: RippleTime(entry.Tx.Date),
		}, nil
	}
	return nil, nil
}

// VerifyTransfer checks a known transaction hash against the expected payment from sender.
func (v *Verifier) VerifyTransfer(ctx context.Context, txHash, sender, destination string, expected decimal.Decimal) (*entities.VerifiedTransfer, error) {
	if sender == "" {
		return nil, fmt.Errorf("%w: sender account is required", chains.ErrValidation)
	}
	res, err := v.client.Tx(ctx, txHash)
	if err != nil {
		return nil, chains.Wrap(entities.ChainXRPL, fmt.Errorf("lookup %s: %w", txHash, err))
	}
	if !res.Validated {
		return nil, fmt.Errorf("%w: %s not validated yet", chains.ErrNotConfirmed, txHash)
	}

	actual, ok := v.paymentAmount(res.Transaction, res.Meta, sender, destination, v.cfg.Currency, v.cfg.Issuer)
	if !ok {
		metrics.VerifierOutcomes.WithLabelValues(string(entities.ChainXRPL), "mismatch").Inc()
		return nil, fmt.Errorf("%w: %s is not a %s payment from %s to %s", chains.ErrTransferMismatch, txHash, v.cfg.Currency, sender, destination)
	}
	if !v.withinTolerance(actual, expected) {
		metrics.VerifierOutcomes.WithLabelValues(string(entities.ChainXRPL), "mismatch").Inc()
		return nil, fmt.Errorf("%w: paid %s, expected %s", chains.ErrTransferMismatch, actual, expected)
	}

	metrics.VerifierOutcomes.WithLabelValues(string(entities.ChainXRPL), "matched").Inc()
	return &entities.VerifiedTransfer{
		Chain:       entities.ChainXRPL,
		TxHash:      res.Hash,
		Destination: destination,
		Amount:      actual,
		ConfirmedAt: RippleTime(res.Date),
	}, nil
}

// paymentAmount extracts the issued token amount sender delivered to destination.
// Structured amounts are preferred. A string (drops) amount only counts when a
// trust line of the expected currency and issuer moved for the destination.
func (v *Verifier) paymentAmount(tx Transaction, meta Meta, sender, destination, currency, issuer string) (decimal.Decimal, bool) {
	if tx.TransactionType != txTypePayment || meta.TransactionResult != resultSuccess || tx.Destination != destination || tx.Account != sender {
		return decimal.Zero, false
	}

	if d := meta.DeliveredAmount; d != nil && d.Issued != nil {
		if d.Issued.Matches(currency, issuer) {
			return d.Issued.Value, true
		}
		return decimal.Zero, false
	}
	if tx.Amount.Issued != nil {
		if tx.Amount.Issued.Matches(currency, issuer) {
			return tx.Amount.Issued.Value, true
		}
		return decimal.Zero, false
	}
	if tx.Amount.Native != nil {
		return trustLineDelta(meta.AffectedNodes, destination, currency, issuer)
	}
	return decimal.Zero, false
}

func trustLineDelta(nodes []AffectedNode, destination, currency, issuer string) (decimal.Decimal, bool) {
	want := CanonicalCurrency(currency)
	for _, n := range nodes {
		var final, prev *BalanceFields
		switch {
		case n.ModifiedNode != nil && n.ModifiedNode.LedgerEntryType == rippleStateEntry:
			final, prev = n.ModifiedNode.FinalFields, n.ModifiedNode.PreviousFields
		case n.CreatedNode != nil && n.CreatedNode.LedgerEntryType == rippleStateEntry:
			final = n.CreatedNode.NewFields
		default:
			continue
		}
		if final == nil || final.Balance == nil || final.Balance.Issued == nil || final.HighLimit == nil || final.LowLimit == nil {
			continue
		}
		if CanonicalCurrency(final.Balance.Issued.Currency) != want {
			continue
		}
		high, low := final.HighLimit.Issuer, final.LowLimit.Issuer
		if !(high == issuer && low == destination) && !(low == issuer && high == destination) {
			continue
		}

		before := decimal.Zero
		if prev != nil {
			if prev.Balance == nil || prev.Balance.Issued == nil {
				continue
			}
			before = prev.Balance.Issued.Value
		}
		delta := final.Balance.Issued.Value.Sub(before).Abs()
		if delta.Sign() > 0 {
			return delta, true
		}
	}
	return decimal.Zero, false
}

func (v *Verifier) withinTolerance(actual, expected decimal.Decimal) bool {
	tol := expected.Mul(v.cfg.ToleranceRate)
	if tol.LessThan(v.cfg.MinTolerance) {
		tol = v.cfg.MinTolerance
	}
	return actual.Sub(expected).Abs().LessThanOrEqual(tol)
}

package xrpl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/sand/ripplebids-settlement/backend/config"
	"github.com/sand/ripplebids-settlement/backend/internal/chains"
	"github.com/sand/ripplebids-settlement/backend/internal/entities"
	"github.com/sand/ripplebids-settlement/backend/internal/metrics"
)

const (
	resultQueued = "terQUEUED"

	defaultConfirmPoll    = 2 * time.Second
	defaultConfirmTimeout = 60 * time.Second
)

var errPayoutFailed = errors.New("payout failed")

// PlatformWallet is the custody account whose secret rippled signs with.
type PlatformWallet struct {
	account string
	secret  string
}

func (w *PlatformWallet) Chain() entities.Chain { return entities.ChainXRPL }
func (w *PlatformWallet) Address() string       { return w.account }

type submitter interface {
	SignAndSubmit(ctx context.Context, tx map[string]any, secret string) (*SubmitResult, error)
	Tx(ctx context.Context, hash string) (*TxResult, error)
}

// Adapter sends platform token payments on the XRP Ledger.
type Adapter struct {
	logger   *slog.Logger
	client   submitter
	cfg      config.XRPL
	platform *PlatformWallet

	confirmPoll    time.Duration
	confirmTimeout time.Duration
}

func NewAdapter(logger *slog.Logger, client submitter, cfg config.XRPL) *Adapter {
	a := &Adapter{
		logger:         logger,
		client:         client,
		cfg:            cfg,
		confirmPoll:    defaultConfirmPoll,
		confirmTimeout: defaultConfirmTimeout,
	}
	if cfg.Seed != "" && cfg.Account != "" {
		a.platform = &PlatformWallet{account: cfg.Account, secret: cfg.Seed}
	}
	return a
}

func (a *Adapter) Chain() entities.Chain { return entities.ChainXRPL }

// PlatformWallet returns nil when no custody credentials are configured.
func (a *Adapter) PlatformWallet() chains.Wallet {
	if a.platform == nil {
		return nil
	}
	return a.platform
}

// PaymentURI builds the deep link an external wallet app opens to sign the payment.
func (a *Adapter) PaymentURI(recipient string, amount decimal.Decimal) string {
	q := url.Values{}
	q.Set("to", recipient)
	q.Set("amount", amount.String())
	q.Set("currency", a.cfg.Currency)
	q.Set("issuer", a.cfg.Issuer)
	return a.cfg.DeepLinkBase + "?" + q.Encode()
}

// SendTokenPayment returns a pending payment request for external wallets and
// submits a signed payment for the platform wallet.
func (a *Adapter) SendTokenPayment(ctx context.Context, wallet chains.Wallet, recipient string, amount decimal.Decimal) (*entities.PaymentResult, error) {
	if wallet == nil || wallet.Chain() != entities.ChainXRPL {
		return nil, chains.NewPaymentError(chains.KindWalletNotConnected, entities.ChainXRPL, chains.ErrWalletNotConnected)
	}
	if amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", chains.ErrValidation)
	}
	if !chains.ValidAddress(entities.ChainXRPL, recipient) {
		return nil, fmt.Errorf("%w: invalid xrpl address %q", chains.ErrValidation, recipient)
	}

	switch w := wallet.(type) {
	case chains.ExternalWallet, *chains.ExternalWallet:
		return &entities.PaymentResult{
			Success:    true,
			Chain:      entities.ChainXRPL,
			Pending:    true,
			PaymentURI: a.PaymentURI(recipient, amount),
		}, nil
	case *PlatformWallet:
		return a.payout(ctx, w, recipient, amount)
	}
	return nil, chains.NewPaymentError(chains.KindWalletNotConnected, entities.ChainXRPL,
		fmt.Errorf("unsupported wallet %T", wallet))
}

func (a *Adapter) payout(ctx context.Context, w *PlatformWallet, recipient string, amount decimal.Decimal) (*entities.PaymentResult, error) {
	start := time.Now()
	txID := uuid.NewString()

	tx := map[string]any{
		"TransactionType": txTypePayment,
		"Account":         w.account,
		"Destination":     recipient,
		"Amount": map[string]string{
			"currency": CanonicalCurrency(a.cfg.Currency),
			"issuer":   a.cfg.Issuer,
			"value":    amount.String(),
		},
	}

	a.logger.InfoContext(ctx, "submitting xrpl payout",
		"tx_id", txID, "from", w.account, "to", recipient, "amount", amount.String())

	res, err := a.client.SignAndSubmit(ctx, tx, w.secret)
	if err != nil {
		metrics.ChainPaymentsTotal.WithLabelValues(string(entities.ChainXRPL), "error").Inc()
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) {
			// rippled answered with an error result; nothing was submitted.
			return nil, chains.Wrap(entities.ChainXRPL, err)
		}
		a.logger.ErrorContext(ctx, "xrpl payout submission lost", "tx_id", txID, "error", err)
		return nil, chains.Broadcast(entities.ChainXRPL, "", err)
	}

	hash := res.TxJSON.Hash
	switch {
	case res.EngineResult == resultSuccess || res.EngineResult == resultQueued:
	case strings.HasPrefix(res.EngineResult, "ter"):
		// Retry class results may still apply in a later ledger.
		metrics.ChainPaymentsTotal.WithLabelValues(string(entities.ChainXRPL), "unconfirmed").Inc()
		return nil, chains.Broadcast(entities.ChainXRPL, hash,
			fmt.Errorf("engine result %s: %s", res.EngineResult, res.EngineResultMessage))
	default:
		metrics.ChainPaymentsTotal.WithLabelValues(string(entities.ChainXRPL), "rejected").Inc()
		return nil, chains.Wrap(entities.ChainXRPL,
			fmt.Errorf("engine result %s: %s", res.EngineResult, res.EngineResultMessage))
	}

	if err = a.waitValidated(ctx, hash); err != nil {
		if errors.Is(err, errPayoutFailed) {
			metrics.ChainPaymentsTotal.WithLabelValues(string(entities.ChainXRPL), "rejected").Inc()
			return nil, chains.Wrap(entities.ChainXRPL, err)
		}
		metrics.ChainPaymentsTotal.WithLabelValues(string(entities.ChainXRPL), "unconfirmed").Inc()
		return nil, chains.Broadcast(entities.ChainXRPL, hash, err)
	}

	metrics.ChainPaymentsTotal.WithLabelValues(string(entities.ChainXRPL), "ok").Inc()
	metrics.ChainPaymentDuration.WithLabelValues(string(entities.ChainXRPL)).Observe(time.Since(start).Seconds())
	a.logger.InfoContext(ctx, "xrpl payout validated",
		"tx_id", txID, "tx_hash", hash, "duration", time.Since(start).String())

	return &entities.PaymentResult{Success: true, Chain: entities.ChainXRPL, TxRef: hash}, nil
}

func (a *Adapter) waitValidated(ctx context.Context, hash string) error {
	ctx, cancel := context.WithTimeout(ctx, a.confirmTimeout)
	defer cancel()

	ticker := time.NewTicker(a.confirmPoll)
	defer ticker.Stop()

	for {
		res, err := a.client.Tx(ctx, hash)
		var rpcErr *RPCError
		switch {
		case err == nil && res.Validated:
			if res.Meta.TransactionResult != resultSuccess {
				return fmt.Errorf("%w: %s: %s", errPayoutFailed, hash, res.Meta.TransactionResult)
			}
			return nil
		case err != nil && !(errors.As(err, &rpcErr) && rpcErr.Code == "txnNotFound"):
			a.logger.WarnContext(ctx, "xrpl payout lookup failed", "tx_hash", hash, "error", err)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("payout %s not validated: %w", hash, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Package solana moves and verifies the platform SPL token.
package solana

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	sol "github.com/gagliardetto/solana-go"
	ata "github.com/gagliardetto/solana-go/programs/associated-token-account"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/sand/ripplebids-settlement/backend/config"
	"github.com/sand/ripplebids-settlement/backend/internal/chains"
	"github.com/sand/ripplebids-settlement/backend/internal/entities"
	"github.com/sand/ripplebids-settlement/backend/internal/metrics"
)

const defaultConfirmPoll = 2 * time.Second

var errTransactionFailed = errors.New("transaction failed")

// RPC is the subset of rpc.Client used here.
type RPC interface {
	GetAccountInfo(ctx context.Context, account sol.PublicKey) (*rpc.GetAccountInfoResult, error)
	GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error)
	SendTransactionWithOpts(ctx context.Context, tx *sol.Transaction, opts rpc.TransactionOpts) (sol.Signature, error)
	GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, transactionSignatures ...sol.Signature) (*rpc.GetSignatureStatusesResult, error)
	GetTransaction(ctx context.Context, txSig sol.Signature, opts *rpc.GetTransactionOpts) (*rpc.GetTransactionResult, error)
}

// KeypairWallet signs with a key held by the service.
type KeypairWallet struct {
	key sol.PrivateKey
}

func NewKeypairWallet(key sol.PrivateKey) *KeypairWallet {
	return &KeypairWallet{key: key}
}

func (w *KeypairWallet) Chain() entities.Chain { return entities.ChainSolana }
func (w *KeypairWallet) Address() string       { return w.key.PublicKey().String() }

type Adapter struct {
	logger   *slog.Logger
	rpc      RPC
	cfg      config.Solana
	mint     sol.PublicKey
	platform *KeypairWallet

	confirmPoll time.Duration
}

func NewAdapter(logger *slog.Logger, client RPC, cfg config.Solana) (*Adapter, error) {
	mint, err := sol.PublicKeyFromBase58(cfg.Mint)
	if err != nil {
		return nil, fmt.Errorf("invalid token mint %q: %w", cfg.Mint, err)
	}
	key, err := LoadPrivateKey(cfg.PrivateKey, cfg.WalletSeed)
	if err != nil {
		return nil, err
	}

	a := &Adapter{logger: logger, rpc: client, cfg: cfg, mint: mint, confirmPoll: defaultConfirmPoll}
	if key != nil {
		a.platform = NewKeypairWallet(key)
		logger.Info("solana platform wallet loaded", "address", a.platform.Address(), "mint", mint.String())
	}
	return a, nil
}

// NewRPCClient follows the configured endpoint; the network default applies when blank.
func NewRPCClient(cfg config.Solana) *rpc.Client {
	endpoint := cfg.RPCURL
	if endpoint == "" {
		endpoint = rpc.MainNetBeta_RPC
	}
	return rpc.New(endpoint)
}

func (a *Adapter) Chain() entities.Chain { return entities.ChainSolana }

func (a *Adapter) PlatformWallet() chains.Wallet {
	if a.platform == nil {
		return nil
	}
	return a.platform
}

// PaymentURI is a Solana Pay transfer request.
func (a *Adapter) PaymentURI(recipient sol.PublicKey, amount decimal.Decimal) string {
	q := url.Values{}
	q.Set("amount", amount.String())
	q.Set("spl-token", a.mint.String())
	return "solana:" + recipient.String() + "?" + q.Encode()
}

func (a *Adapter) SendTokenPayment(ctx context.Context, wallet chains.Wallet, recipient string, amount decimal.Decimal) (*entities.PaymentResult, error) {
	if wallet == nil || wallet.Chain() != entities.ChainSolana {
		return nil, chains.NewPaymentError(chains.KindWalletNotConnected, entities.ChainSolana, chains.ErrWalletNotConnected)
	}
	to, err := sol.PublicKeyFromBase58(recipient)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid solana address %q", chains.ErrValidation, recipient)
	}
	units, err := chains.ToBaseUnits(amount, a.cfg.Decimals)
	if err != nil {
		return nil, err
	}
	if !units.IsUint64() {
		return nil, fmt.Errorf("%w: amount %s overflows u64", chains.ErrValidation, amount)
	}

	switch w := wallet.(type) {
	case chains.ExternalWallet, *chains.ExternalWallet:
		return &entities.PaymentResult{
			Success:    true,
			Chain:      entities.ChainSolana,
			Pending:    true,
			PaymentURI: a.PaymentURI(to, amount),
		}, nil
	case *KeypairWallet:
		return a.transfer(ctx, w, to, units.Uint64())
	}
	return nil, chains.NewPaymentError(chains.KindWalletNotConnected, entities.ChainSolana,
		fmt.Errorf("unsupported wallet %T", wallet))
}

// BuildTransferInstructions returns the token transfer, preceded by the
// creation of the recipient's associated token account when it is missing.
func BuildTransferInstructions(owner, recipient, mint sol.PublicKey, units uint64, decimals uint8, createRecipientATA bool) ([]sol.Instruction, error) {
	srcATA, _, err := sol.FindAssociatedTokenAddress(owner, mint)
	if err != nil {
		return nil, fmt.Errorf("sender token account: %w", err)
	}
	dstATA, _, err := sol.FindAssociatedTokenAddress(recipient, mint)
	if err != nil {
		return nil, fmt.Errorf("recipient token account: %w", err)
	}

	instructions := make([]sol.Instruction, 0, 2)
	if createRecipientATA {
		instructions = append(instructions, ata.NewCreateInstruction(owner, recipient, mint).Build())
	}
	instructions = append(instructions, token.NewTransferCheckedInstruction(
		units, decimals, srcATA, mint, dstATA, owner, []sol.PublicKey{},
	).Build())
	return instructions, nil
}

func (a *Adapter) transfer(ctx context.Context, w *KeypairWallet, to sol.PublicKey, units uint64) (*entities.PaymentResult, error) {
	start := time.Now()
	txID := uuid.NewString()
	owner := w.key.PublicKey()

	fail := func(stage string, err error) (*entities.PaymentResult, error) {
		metrics.ChainPaymentsTotal.WithLabelValues(string(entities.ChainSolana), "error").Inc()
		a.logger.ErrorContext(ctx, "solana transfer failed", "tx_id", txID, "stage", stage, "error", err)
		return nil, chains.Wrap(entities.ChainSolana, fmt.Errorf("%s: %w", stage, err))
	}

	dstATA, _, err := sol.FindAssociatedTokenAddress(to, a.mint)
	if err != nil {
		return fail("recipient token account", err)
	}
	createATA := false
	if _, err = a.rpc.GetAccountInfo(ctx, dstATA); err != nil {
		if !errors.Is(err, rpc.ErrNotFound) {
			return fail("recipient token account", err)
		}
		createATA = true
	}

	instructions, err := BuildTransferInstructions(owner, to, a.mint, units, uint8(a.cfg.Decimals), createATA)
	if err != nil {
		return fail("build", err)
	}

	recent, err := a.rpc.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return fail("blockhash", err)
	}

	tx, err := sol.NewTransaction(instructions, recent.Value.Blockhash, sol.TransactionPayer(owner))
	if err != nil {
		return fail("build", err)
	}
	if _, err = tx.Sign(func(key sol.PublicKey) *sol.PrivateKey {
		if key.Equals(owner) {
			return &w.key
		}
		return nil
	}); err != nil {
		return fail("sign", err)
	}

	a.logger.InfoContext(ctx, "submitting solana transfer",
		"tx_id", txID, "from", owner.String(), "to", to.String(), "amount", units, "create_ata", createATA)

	sig := tx.Signatures[0]
	if _, err = a.rpc.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		SkipPreflight:       false,
		PreflightCommitment: rpc.CommitmentFinalized,
	}); err != nil {
		metrics.ChainPaymentsTotal.WithLabelValues(string(entities.ChainSolana), "error").Inc()
		a.logger.ErrorContext(ctx, "solana transfer submission failed", "tx_id", txID, "tx_hash", sig.String(), "error", err)
		return nil, chains.SubmitError(entities.ChainSolana, sig.String(), fmt.Errorf("send: %w", err))
	}

	if err = a.waitConfirmed(ctx, sig); err != nil {
		if errors.Is(err, errTransactionFailed) {
			return fail("confirm", err)
		}
		metrics.ChainPaymentsTotal.WithLabelValues(string(entities.ChainSolana), "unconfirmed").Inc()
		a.logger.ErrorContext(ctx, "solana transfer unconfirmed", "tx_id", txID, "tx_hash", sig.String(), "error", err)
		return nil, chains.Broadcast(entities.ChainSolana, sig.String(), fmt.Errorf("confirm: %w", err))
	}

	metrics.ChainPaymentsTotal.WithLabelValues(string(entities.ChainSolana), "ok").Inc()
	metrics.ChainPaymentDuration.WithLabelValues(string(entities.ChainSolana)).Observe(time.Since(start).Seconds())
	a.logger.InfoContext(ctx, "solana transfer confirmed",
		"tx_id", txID, "tx_hash", sig.String(), "duration", time.Since(start).String())

	return &entities.PaymentResult{Success: true, Chain: entities.ChainSolana, TxRef: sig.String()}, nil
}

func (a *Adapter) waitConfirmed(ctx context.Context, sig sol.Signature) error {
	timeout := a.cfg.ConfirmTimeout
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(a.confirmPoll)
	defer ticker.Stop()

	for {
		res, err := a.rpc.GetSignatureStatuses(ctx, false, sig)
		if err == nil && res != nil && len(res.Value) > 0 && res.Value[0] != nil {
			st := res.Value[0]
			if st.Err != nil {
				return fmt.Errorf("%w: %s: %v", errTransactionFailed, sig, st.Err)
			}
			if st.ConfirmationStatus == rpc.ConfirmationStatusConfirmed || st.ConfirmationStatus == rpc.ConfirmationStatusFinalized {
				return nil
			}
		} else if err != nil {
			a.logger.WarnContext(ctx, "solana signature status failed", "tx_hash", sig.String(), "error", err)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("transaction %s not confirmed: %w", sig, ctx.Err())
		case <-ticker.C:
		}
	}
}

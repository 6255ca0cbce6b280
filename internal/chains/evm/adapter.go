// Package evm moves and verifies the platform ERC-20 token on XRPL-EVM.
package evm

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/sand/ripplebids-settlement/backend/config"
	"github.com/sand/ripplebids-settlement/backend/internal/chains"
	"github.com/sand/ripplebids-settlement/backend/internal/entities"
	"github.com/sand/ripplebids-settlement/backend/internal/metrics"
)

var transferSig = []byte{0xa9, 0x05, 0x9c, 0xbb} // keccak256("transfer(address,uint256)")[0:4]

const defaultReceiptPoll = time.Second

// Backend is the subset of ethclient.Client used by the adapter and verifier.
type Backend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// SignerWallet holds a private key the service signs with.
type SignerWallet struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

func NewSignerWallet(key *ecdsa.PrivateKey) *SignerWallet {
	return &SignerWallet{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}
}

func (w *SignerWallet) Chain() entities.Chain { return entities.ChainXRPLEVM }
func (w *SignerWallet) Address() string       { return w.address.Hex() }

type Adapter struct {
	logger   *slog.Logger
	backend  Backend
	cfg      config.EVM
	token    common.Address
	chainID  *big.Int
	platform *SignerWallet

	receiptPoll time.Duration
}

// NewAdapter loads the platform key from the private key or, failing that,
// the wallet seed. Without either the adapter can only prepare requests.
func NewAdapter(logger *slog.Logger, backend Backend, cfg config.EVM) (*Adapter, error) {
	if !common.IsHexAddress(cfg.TokenAddress) {
		return nil, fmt.Errorf("invalid token address %q", cfg.TokenAddress)
	}
	a := &Adapter{
		logger:      logger,
		backend:     backend,
		cfg:         cfg,
		token:       common.HexToAddress(cfg.TokenAddress),
		chainID:     big.NewInt(cfg.ChainID),
		receiptPoll: defaultReceiptPoll,
	}

	switch {
	case cfg.PrivateKey != "":
		key, err := LoadPrivateKey(cfg.PrivateKey)
		if err != nil {
			return nil, err
		}
		a.platform = NewSignerWallet(key)
	case cfg.WalletSeed != "":
		key, err := DeriveKey(cfg.WalletSeed, cfg.DerivationPath)
		if err != nil {
			return nil, fmt.Errorf("derive platform key: %w", err)
		}
		a.platform = NewSignerWallet(key)
	}
	if a.platform != nil {
		logger.Info("xrpl evm platform wallet loaded", "address", a.platform.Address())
	}
	return a, nil
}

func (a *Adapter) Chain() entities.Chain { return entities.ChainXRPLEVM }

func (a *Adapter) PlatformWallet() chains.Wallet {
	if a.platform == nil {
		return nil
	}
	return a.platform
}

// TransferCallData encodes transfer(to, amount).
func TransferCallData(to common.Address, amount *big.Int) []byte {
	data := make([]byte, 0, 68)
	data = append(data, transferSig...)
	data = append(data, common.LeftPadBytes(to.Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(amount.Bytes(), 32)...)
	return data
}

// DecodeTransferCallData is the inverse of TransferCallData.
func DecodeTransferCallData(data []byte) (common.Address, *big.Int, bool) {
	if len(data) != 68 || string(data[:4]) != string(transferSig) {
		return common.Address{}, nil, false
	}
	return common.BytesToAddress(data[4:36][12:]), new(big.Int).SetBytes(data[36:68]), true
}

// PaymentURI is an EIP-681 request for the token transfer.
func (a *Adapter) PaymentURI(recipient common.Address, units *big.Int) string {
	return fmt.Sprintf("ethereum:%s@%d/transfer?address=%s&uint256=%s",
		a.token.Hex(), a.cfg.ChainID, recipient.Hex(), units.String())
}

func (a *Adapter) SendTokenPayment(ctx context.Context, wallet chains.Wallet, recipient string, amount decimal.Decimal) (*entities.PaymentResult, error) {
	if wallet == nil || wallet.Chain() != entities.ChainXRPLEVM {
		return nil, chains.NewPaymentError(chains.KindWalletNotConnected, entities.ChainXRPLEVM, chains.ErrWalletNotConnected)
	}
	if !common.IsHexAddress(recipient) {
		return nil, fmt.Errorf("%w: invalid evm address %q", chains.ErrValidation, recipient)
	}
	units, err := chains.ToBaseUnits(amount, a.cfg.Decimals)
	if err != nil {
		return nil, err
	}
	to := common.HexToAddress(recipient)

	switch w := wallet.(type) {
	case chains.ExternalWallet, *chains.ExternalWallet:
		return &entities.PaymentResult{
			Success:    true,
			Chain:      entities.ChainXRPLEVM,
			Pending:    true,
			PaymentURI: a.PaymentURI(to, units),
		}, nil
	case *SignerWallet:
		return a.transfer(ctx, w, to, units)
	}
	return nil, chains.NewPaymentError(chains.KindWalletNotConnected, entities.ChainXRPLEVM,
		fmt.Errorf("unsupported wallet %T", wallet))
}

func (a *Adapter) transfer(ctx context.Context, w *SignerWallet, to common.Address, units *big.Int) (*entities.PaymentResult, error) {
	start := time.Now()
	txID := uuid.NewString()
	data := TransferCallData(to, units)

	fail := func(stage string, err error) (*entities.PaymentResult, error) {
		metrics.ChainPaymentsTotal.WithLabelValues(string(entities.ChainXRPLEVM), "error").Inc()
		a.logger.ErrorContext(ctx, "xrpl evm transfer failed", "tx_id", txID, "stage", stage, "error", err)
		return nil, chains.Wrap(entities.ChainXRPLEVM, fmt.Errorf("%s: %w", stage, err))
	}

	nonce, err := a.backend.PendingNonceAt(ctx, w.address)
	if err != nil {
		return fail("nonce", err)
	}
	gasPrice, err := a.backend.SuggestGasPrice(ctx)
	if err != nil {
		return fail("gas price", err)
	}
	gasLimit, err := a.backend.EstimateGas(ctx, ethereum.CallMsg{From: w.address, To: &a.token, Data: data})
	if err != nil {
		return fail("estimate gas", err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gasLimit,
		To:       &a.token,
		Value:    big.NewInt(0),
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.NewEIP155Signer(a.chainID), w.key)
	if err != nil {
		return fail("sign", err)
	}

	a.logger.InfoContext(ctx, "submitting xrpl evm transfer",
		"tx_id", txID, "tx_hash", signed.Hash().Hex(), "from", w.address.Hex(), "to", to.Hex(),
		"amount_wei", units.String(), "gas_limit", gasLimit, "gas_price", gasPrice.String(), "nonce", nonce)

	hash := signed.Hash().Hex()
	if err = a.backend.SendTransaction(ctx, signed); err != nil {
		metrics.ChainPaymentsTotal.WithLabelValues(string(entities.ChainXRPLEVM), "error").Inc()
		a.logger.ErrorContext(ctx, "xrpl evm transfer submission failed", "tx_id", txID, "tx_hash", hash, "error", err)
		return nil, chains.SubmitError(entities.ChainXRPLEVM, hash, fmt.Errorf("send: %w", err))
	}

	receipt, err := a.waitReceipt(ctx, signed.Hash())
	if err != nil {
		metrics.ChainPaymentsTotal.WithLabelValues(string(entities.ChainXRPLEVM), "unconfirmed").Inc()
		a.logger.ErrorContext(ctx, "xrpl evm transfer unconfirmed", "tx_id", txID, "tx_hash", hash, "error", err)
		return nil, chains.Broadcast(entities.ChainXRPLEVM, hash, fmt.Errorf("confirm: %w", err))
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return fail("confirm", errors.New("execution reverted"))
	}

	metrics.ChainPaymentsTotal.WithLabelValues(string(entities.ChainXRPLEVM), "ok").Inc()
	metrics.ChainPaymentDuration.WithLabelValues(string(entities.ChainXRPLEVM)).Observe(time.Since(start).Seconds())
	a.logger.InfoContext(ctx, "xrpl evm transfer confirmed",
		"tx_id", txID, "tx_hash", hash, "block_number", receipt.BlockNumber,
		"gas_used", receipt.GasUsed, "duration", time.Since(start).String())

	return &entities.PaymentResult{Success: true, Chain: entities.ChainXRPLEVM, TxRef: hash}, nil
}

// waitReceipt polls until the transaction has the configured confirmations.
func (a *Adapter) waitReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	timeout := a.cfg.ReceiptTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	return a.waitConfirmed(ctx, hash)
}

// waitConfirmed polls through RPC failures until the deadline.
func (a *Adapter) waitConfirmed(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	confirmations := a.cfg.Confirmations
	if confirmations == 0 {
		confirmations = 1
	}
	ticker := time.NewTicker(a.receiptPoll)
	defer ticker.Stop()

	var lastErr error
	for {
		receipt, err := a.backend.TransactionReceipt(ctx, hash)
		switch {
		case err == nil && receipt != nil && receipt.BlockNumber != nil:
			head, herr := a.backend.BlockNumber(ctx)
			if herr == nil && head+1 >= receipt.BlockNumber.Uint64()+confirmations {
				return receipt, nil
			}
			lastErr = herr
		case err != nil && !errors.Is(err, ethereum.NotFound) && ctx.Err() == nil:
			lastErr = err
			a.logger.WarnContext(ctx, "xrpl evm receipt lookup failed", "tx_hash", hash.Hex(), "error", err)
		}

		select {
		case <-ctx.Done():
			if lastErr != nil {
				return nil, fmt.Errorf("transaction %s not confirmed: %w", hash.Hex(), errors.Join(ctx.Err(), lastErr))
			}
			return nil, fmt.Errorf("transaction %s not confirmed: %w", hash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}

package evm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	"github.com/sand/ripplebids-settlement/backend/internal/chains"
	"github.com/sand/ripplebids-settlement/backend/internal/entities"
	"github.com/sand/ripplebids-settlement/backend/internal/metrics"
)

var transferEventTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// Verifier confirms buyer funding transfers of the platform token.
type Verifier struct {
	logger        *slog.Logger
	backend       Backend
	token         common.Address
	decimals      int32
	confirmations uint64
}

func NewVerifier(logger *slog.Logger, backend Backend, token common.Address, decimals int32, confirmations uint64) *Verifier {
	if confirmations == 0 {
		confirmations = 1
	}
	return &Verifier{logger: logger, backend: backend, token: token, decimals: decimals, confirmations: confirmations}
}

// VerifyTransfer accepts a successful token transfer from sender to
// destination of at least expected. The amount is read from Transfer logs
// and, failing that, from transfer calldata signed by sender.
func (v *Verifier) VerifyTransfer(ctx context.Context, txHash, sender, destination string, expected decimal.Decimal) (*entities.VerifiedTransfer, error) {
	if !common.IsHexAddress(destination) {
		return nil, fmt.Errorf("%w: invalid destination %q", chains.ErrValidation, destination)
	}
	if !common.IsHexAddress(sender) {
		return nil, fmt.Errorf("%w: invalid sender %q", chains.ErrValidation, sender)
	}
	hash := common.HexToHash(txHash)
	dest := common.HexToAddress(destination)
	from := common.HexToAddress(sender)

	receipt, err := v.backend.TransactionReceipt(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return nil, fmt.Errorf("%w: %s has no receipt yet", chains.ErrNotConfirmed, txHash)
	}
	if err != nil {
		return nil, chains.Wrap(entities.ChainXRPLEVM, fmt.Errorf("receipt %s: %w", txHash, err))
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, fmt.Errorf("%w: %s reverted", chains.ErrTransferMismatch, txHash)
	}
	head, err := v.backend.BlockNumber(ctx)
	if err != nil {
		return nil, chains.Wrap(entities.ChainXRPLEVM, err)
	}
	if receipt.BlockNumber == nil || head+1 < receipt.BlockNumber.Uint64()+v.confirmations {
		return nil, fmt.Errorf("%w: %s awaiting confirmations", chains.ErrNotConfirmed, txHash)
	}

	paid := v.amountFromLogs(receipt.Logs, from, dest)
	if paid.Sign() == 0 {
		tx, _, err := v.backend.TransactionByHash(ctx, hash)
		if err != nil {
			return nil, chains.Wrap(entities.ChainXRPLEVM, fmt.Errorf("transaction %s: %w", txHash, err))
		}
		if tx.To() != nil && *tx.To() == v.token {
			signer, serr := types.Sender(types.LatestSignerForChainID(tx.ChainId()), tx)
			if to, amount, ok := DecodeTransferCallData(tx.Data()); ok && to == dest && serr == nil && signer == from {
				paid = amount
			}
		}
	}

	actual := chains.FromBaseUnits(paid, v.decimals)
	if paid.Sign() == 0 || actual.LessThan(expected) {
		metrics.VerifierOutcomes.WithLabelValues(string(entities.ChainXRPLEVM), "mismatch").Inc()
		return nil, fmt.Errorf("%w: %s paid %s from %s to %s, expected %s",
			chains.ErrTransferMismatch, txHash, actual, strings.ToLower(sender), strings.ToLower(destination), expected)
	}

	metrics.VerifierOutcomes.WithLabelValues(string(entities.ChainXRPLEVM), "matched").Inc()
	v.logger.InfoContext(ctx, "xrpl evm transfer verified",
		"tx_hash", txHash, "from", from.Hex(), "to", dest.Hex(), "amount", actual.String(), "block_number", receipt.BlockNumber)

	return &entities.VerifiedTransfer{
		Chain:       entities.ChainXRPLEVM,
		TxHash:      hash.Hex(),
		Destination: dest.Hex(),
		Amount:      actual,
	}, nil
}

func (v *Verifier) amountFromLogs(logs []*types.Log, from, dest common.Address) *big.Int {
	total := new(big.Int)
	for _, l := range logs {
		if l == nil || l.Address != v.token || len(l.Topics) != 3 || l.Topics[0] != transferEventTopic {
			continue
		}
		if !bytes.Equal(l.Topics[1].Bytes()[12:], from.Bytes()) || !bytes.Equal(l.Topics[2].Bytes()[12:], dest.Bytes()) {
			continue
		}
		total.Add(total, new(big.Int).SetBytes(l.Data))
	}
	return total
}

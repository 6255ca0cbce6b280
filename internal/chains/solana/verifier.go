package solana

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	bin "github.com/gagliardetto/binary"
	sol "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/shopspring/decimal"
	"go.openly.dev/pointy"

	"github.com/sand/ripplebids-settlement/backend/internal/chains"
	"github.com/sand/ripplebids-settlement/backend/internal/entities"
	"github.com/sand/ripplebids-settlement/backend/internal/metrics"
)

// Verifier confirms SPL token transfers by the token balance change of the
// destination owner in the transaction metadata.
type Verifier struct {
	logger   *slog.Logger
	rpc      RPC
	mint     sol.PublicKey
	decimals int32
}

func NewVerifier(logger *slog.Logger, client RPC, mint sol.PublicKey, decimals int32) *Verifier {
	return &Verifier{logger: logger, rpc: client, mint: mint, decimals: decimals}
}

// VerifyTransfer accepts a confirmed transaction that credited destination
// with at least expected tokens taken from token accounts owned by sender.
func (v *Verifier) VerifyTransfer(ctx context.Context, txHash, sender, destination string, expected decimal.Decimal) (*entities.VerifiedTransfer, error) {
	sig, err := sol.SignatureFromBase58(txHash)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid signature %q", chains.ErrValidation, txHash)
	}
	owner, err := sol.PublicKeyFromBase58(destination)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid destination %q", chains.ErrValidation, destination)
	}
	payer, err := sol.PublicKeyFromBase58(sender)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid sender %q", chains.ErrValidation, sender)
	}

	res, err := v.rpc.GetTransaction(ctx, sig, &rpc.GetTransactionOpts{
		Encoding:                       sol.EncodingBase64,
		Commitment:                     rpc.CommitmentConfirmed,
		MaxSupportedTransactionVersion: pointy.Uint64(0),
	})
	if errors.Is(err, rpc.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s not found", chains.ErrNotConfirmed, txHash)
	}
	if err != nil {
		return nil, chains.Wrap(entities.ChainSolana, fmt.Errorf("get transaction %s: %w", txHash, err))
	}
	if res == nil || res.Meta == nil || res.Transaction == nil {
		return nil, fmt.Errorf("%w: %s has no metadata yet", chains.ErrNotConfirmed, txHash)
	}
	if res.Meta.Err != nil {
		return nil, fmt.Errorf("%w: %s failed on chain: %v", chains.ErrTransferMismatch, txHash, res.Meta.Err)
	}

	decoded, err := sol.TransactionFromDecoder(bin.NewBinDecoder(res.Transaction.GetBinary()))
	if err != nil {
		return nil, fmt.Errorf("decode transaction %s: %w", txHash, err)
	}
	if len(decoded.Signatures) == 0 || !decoded.Signatures[0].Equals(sig) {
		return nil, fmt.Errorf("%w: signature mismatch for %s", chains.ErrTransferMismatch, txHash)
	}

	received := TokenBalanceDelta(res.Meta.PreTokenBalances, res.Meta.PostTokenBalances, v.mint, owner)
	actual := chains.FromBaseUnits(received, v.decimals)
	if received.Sign() <= 0 || actual.LessThan(expected) {
		metrics.VerifierOutcomes.WithLabelValues(string(entities.ChainSolana), "mismatch").Inc()
		return nil, fmt.Errorf("%w: %s credited %s to %s, expected %s",
			chains.ErrTransferMismatch, txHash, actual, destination, expected)
	}
	spent := new(big.Int).Neg(TokenBalanceDelta(res.Meta.PreTokenBalances, res.Meta.PostTokenBalances, v.mint, payer))
	if spent.Cmp(received) < 0 {
		metrics.VerifierOutcomes.WithLabelValues(string(entities.ChainSolana), "mismatch").Inc()
		return nil, fmt.Errorf("%w: %s was not paid by %s", chains.ErrTransferMismatch, txHash, sender)
	}

	metrics.VerifierOutcomes.WithLabelValues(string(entities.ChainSolana), "matched").Inc()
	v.logger.InfoContext(ctx, "solana transfer verified",
		"tx_hash", txHash, "from", sender, "to", destination, "amount", actual.String(), "slot", res.Slot)

	out := &entities.VerifiedTransfer{
		Chain:       entities.ChainSolana,
		TxHash:      txHash,
		Destination: destination,
		Amount:      actual,
	}
	if res.BlockTime != nil {
		out.ConfirmedAt = res.BlockTime.Time()
	}
	return out, nil
}

// TokenBalanceDelta sums post minus pre balances of mint held by owner.
func TokenBalanceDelta(pre, post []rpc.TokenBalance, mint, owner sol.PublicKey) *big.Int {
	sum := func(balances []rpc.TokenBalance) *big.Int {
		total := new(big.Int)
		for _, b := range balances {
			if b.Owner == nil || !b.Owner.Equals(owner) || !b.Mint.Equals(mint) || b.UiTokenAmount == nil {
				continue
			}
			if n, ok := new(big.Int).SetString(b.UiTokenAmount.Amount, 10); ok {
				total.Add(total, n)
			}
		}
		return total
	}
	return new(big.Int).Sub(sum(post), sum(pre))
}

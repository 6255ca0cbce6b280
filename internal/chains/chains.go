// Package chains holds what the per-chain payment adapters share: transaction
// hash detection, base unit scaling, the payment error taxonomy and the
// registry the escrow orchestrator dispatches through.
package chains

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/sand/ripplebids-settlement/backend/internal/entities"
)

var (
	evmHashPattern    = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)
	xrplHashPattern   = regexp.MustCompile(`^[0-9a-fA-F]{64}$`)
	solanaSigPattern  = regexp.MustCompile(`^[1-9A-HJ-NP-Za-km-z]{87,88}$`)
	evmAddressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)
	xrplAddrPattern   = regexp.MustCompile(`^r[1-9A-HJ-NP-Za-km-z]{24,34}$`)
	solanaAddrPattern = regexp.MustCompile(`^[1-9A-HJ-NP-Za-km-z]{32,44}$`)
)

// DetectChain infers the chain from the shape of a transaction hash.
func DetectChain(txHash string) (entities.Chain, bool) {
	h := strings.TrimSpace(txHash)
	switch {
	case evmHashPattern.MatchString(h):
		return entities.ChainXRPLEVM, true
	case xrplHashPattern.MatchString(h):
		return entities.ChainXRPL, true
	case solanaSigPattern.MatchString(h):
		return entities.ChainSolana, true
	}
	return "", false
}

// ValidAddress performs a format check of a recipient address for the chain.
func ValidAddress(chain entities.Chain, address string) bool {
	switch chain {
	case entities.ChainXRPL:
		return xrplAddrPattern.MatchString(address)
	case entities.ChainXRPLEVM:
		return evmAddressPattern.MatchString(address)
	case entities.ChainSolana:
		return solanaAddrPattern.MatchString(address)
	}
	return false
}

// SameAddress compares two addresses of chain. EVM addresses ignore checksum casing.
func SameAddress(chain entities.Chain, a, b string) bool {
	if chain == entities.ChainXRPLEVM {
		return strings.EqualFold(a, b)
	}
	return a == b
}

// Wallet is the caller-side signing capability handed to an adapter.
// Adapters reject wallets of another chain with ErrWalletNotConnected.
type Wallet interface {
	Chain() entities.Chain
	Address() string
}

// ExternalWallet is a buyer wallet that signs outside the service. Adapters
// answer it with a payment request instead of a submitted transaction.
type ExternalWallet struct {
	Network entities.Chain
	Account string
}

func (w ExternalWallet) Chain() entities.Chain { return w.Network }
func (w ExternalWallet) Address() string       { return w.Account }

// PaymentAdapter moves platform tokens on one chain.
type PaymentAdapter interface {
	Chain() entities.Chain
	SendTokenPayment(ctx context.Context, wallet Wallet, recipient string, amount decimal.Decimal) (*entities.PaymentResult, error)
}

// Payer is an adapter that can pay out from the platform custody wallet.
type Payer interface {
	PaymentAdapter
	PlatformWallet() Wallet
}

// TransferVerifier confirms that a transaction moved at least the expected
// amount of platform token from sender to the destination.
type TransferVerifier interface {
	VerifyTransfer(ctx context.Context, txHash, sender, destination string, expected decimal.Decimal) (*entities.VerifiedTransfer, error)
}

// Registry dispatches payouts and funding checks to the adapter of a chain.
type Registry struct {
	payers    map[entities.Chain]Payer
	verifiers map[entities.Chain]TransferVerifier
	escrows   map[entities.Chain]string
}

func NewRegistry() *Registry {
	return &Registry{
		payers:    make(map[entities.Chain]Payer),
		verifiers: make(map[entities.Chain]TransferVerifier),
		escrows:   make(map[entities.Chain]string),
	}
}

// Register binds the payer, verifier and escrow custody address of a chain.
// Either of payer or verifier may be nil when the chain is not configured for it.
func (r *Registry) Register(chain entities.Chain, payer Payer, verifier TransferVerifier, escrowAddress string) {
	if payer != nil {
		r.payers[chain] = payer
	}
	if verifier != nil {
		r.verifiers[chain] = verifier
	}
	if escrowAddress != "" {
		r.escrows[chain] = escrowAddress
	}
}

func (r *Registry) Payer(chain entities.Chain) (Payer, error) {
	p, ok := r.payers[chain]
	if !ok {
		return nil, fmt.Errorf("%w: no payer for %s", ErrUnsupportedChain, chain)
	}
	return p, nil
}

func (r *Registry) Verifier(chain entities.Chain) (TransferVerifier, error) {
	v, ok := r.verifiers[chain]
	if !ok {
		return nil, fmt.Errorf("%w: no verifier for %s", ErrUnsupportedChain, chain)
	}
	return v, nil
}

// EscrowAddress is where buyers send funds on the chain.
func (r *Registry) EscrowAddress(chain entities.Chain) (string, error) {
	addr, ok := r.escrows[chain]
	if !ok {
		return "", fmt.Errorf("%w: no escrow wallet for %s", ErrUnsupportedChain, chain)
	}
	return addr, nil
}

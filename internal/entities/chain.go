package entities

import "fmt"

// Chain identifies one of the blockchains the platform token lives on.
type Chain string

const (
	ChainXRPL    Chain = "xrpl"
	ChainXRPLEVM Chain = "xrpl_evm"
	ChainSolana  Chain = "solana"
)

// SupportedChains lists every chain in a stable order.
var SupportedChains = []Chain{ChainXRPL, ChainXRPLEVM, ChainSolana}

// IsValid reports whether c is one of the supported chains.
func (c Chain) IsValid() bool {
	switch c {
	case ChainXRPL, ChainXRPLEVM, ChainSolana:
		return true
	}
	return false
}

// ParseChain converts user input into a Chain.
func ParseChain(s string) (Chain, error) {
	c := Chain(s)
	if !c.IsValid() {
		return "", fmt.Errorf("unsupported chain %q", s)
	}
	return c, nil
}

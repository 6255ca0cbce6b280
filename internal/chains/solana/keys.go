package solana

import (
	"crypto/ed25519"
	"errors"
	"fmt"

	sol "github.com/gagliardetto/solana-go"
	"github.com/tyler-smith/go-bip39"
)

// LoadPrivateKey accepts a base58 encoded keypair or a BIP-39 mnemonic whose
// seed's first 32 bytes become the ed25519 seed.
func LoadPrivateKey(privateKey, mnemonic string) (sol.PrivateKey, error) {
	switch {
	case privateKey != "":
		key, err := sol.PrivateKeyFromBase58(privateKey)
		if err != nil {
			return nil, fmt.Errorf("invalid solana private key: %w", err)
		}
		return key, nil
	case mnemonic != "":
		if !bip39.IsMnemonicValid(mnemonic) {
			return nil, errors.New("invalid mnemonic")
		}
		seed := bip39.NewSeed(mnemonic, "")
		return sol.PrivateKey(ed25519.NewKeyFromSeed(seed[:ed25519.SeedSize])), nil
	}
	return nil, nil
}

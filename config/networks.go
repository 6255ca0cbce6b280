package config

import (
	"strings"

	"github.com/gagliardetto/solana-go/rpc"

	"github.com/sand/ripplebids-settlement/backend/internal/shared"
)

const (
	NetworkMainnet = "mainnet"
	NetworkTestnet = "testnet"
)

// endpoints holds the public RPC defaults of one network.
type endpoints struct {
	xrplRPC    string
	evmRPC     string
	evmChainID int64
	solanaRPC  string
}

var networkEndpoints = map[string]endpoints{
	NetworkMainnet: {
		xrplRPC:    "https://s1.ripple.com:51234/",
		evmRPC:     "https://rpc.xrplevm.org",
		evmChainID: 1440000,
		solanaRPC:  rpc.MainNetBeta_RPC,
	},
	NetworkTestnet: {
		xrplRPC:    "https://s.altnet.rippletest.net:51234/",
		evmRPC:     "https://rpc.testnet.xrplevm.org",
		evmChainID: 1449000,
		solanaRPC:  rpc.DevNet_RPC,
	},
}

// NetworkName resolves the configured network. An empty value falls back to
// BLOCKCHAIN_DEBUG_MODE, which selects testnet.
func (c *Config) NetworkName() string {
	name := strings.ToLower(strings.TrimSpace(c.Network.Name))
	if _, ok := networkEndpoints[name]; ok {
		return name
	}
	if shared.IsTestnetMode() {
		return NetworkTestnet
	}
	return NetworkMainnet
}

// ApplyNetworkDefaults fills RPC endpoints left blank with the defaults of the selected network.
func (c *Config) ApplyNetworkDefaults() {
	ep := networkEndpoints[c.NetworkName()]

	if c.XRPL.RPCURL == "" {
		c.XRPL.RPCURL = ep.xrplRPC
	}
	if c.EVM.RPCURL == "" {
		c.EVM.RPCURL = ep.evmRPC
	}
	if c.EVM.ChainID == 0 {
		c.EVM.ChainID = ep.evmChainID
	}
	if c.Solana.RPCURL == "" {
		c.Solana.RPCURL = ep.solanaRPC
	}
}

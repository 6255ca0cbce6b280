package shared

import (
	"os"
	"strings"
)

// EnvTestnetMode forces testnet RPC defaults when no network is configured.
const EnvTestnetMode = "BLOCKCHAIN_DEBUG_MODE"

// EnvFlag reports whether the environment variable holds a truthy value.
func EnvFlag(name string) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(name))) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

func IsTestnetMode() bool {
	return EnvFlag(EnvTestnetMode)
}

package config

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"runtime"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

type (
	Config struct {
		App     `json:"app"     toml:"app"`
		HTTP    `json:"http"    toml:"http"`
		DB      `json:"db"      toml:"db"`
		Log     `json:"logger"  toml:"logger"`
		Tracing `json:"tracing" toml:"tracing"`
		Auth    `json:"auth"    toml:"auth"`
		Network `json:"network" toml:"network"`

		XRPL   XRPL   `json:"xrpl"   toml:"xrpl"`
		EVM    EVM    `json:"evm"    toml:"evm"`
		Solana Solana `json:"solana" toml:"solana"`
		Oracle Oracle `json:"oracle" toml:"oracle"`
		Escrow Escrow `json:"escrow" toml:"escrow"`
	}

	App struct {
		Name        string `json:"name"        toml:"name"        env:"APP_NAME" env-default:"ripplebids-settlement"`
		Environment string `json:"environment" toml:"environment" env:"ENV_NAME" env-default:"dev"`
		Debug       bool   `json:"debug"       toml:"debug"       env:"DEBUG"    env-default:"false"`
	}

	HTTP struct {
		Port           string   `json:"port"            toml:"port"            env:"HTTP_PORT" env-default:"8080"`
		AllowedOrigins []string `json:"allowed_origins" toml:"allowed_origins" env:"HTTP_ALLOWED_ORIGINS" env-default:"*"`
	}

	DB struct {
		DatabaseURL       string `json:"database_url"        toml:"database_url"        env:"DATABASE_URL"`
		PoolMax           int32  `json:"pool_max"            toml:"pool_max"            env:"PG_POOL_MAX" env-default:"10"`
		ConnectTimeout    int    `json:"connect_timeout"     toml:"connect_timeout"     env:"PG_POOL_CONN_TIMEOUT" env-default:"5"`
		HealthCheckPeriod int    `json:"health_check_period" toml:"health_check_period" env:"PG_POOL_HEALTHCHECK" env-default:"1"`
		MigrationsPath    string `json:"migrations_path"     toml:"migrations_path"     env:"MIGRATIONS_PATH" env-default:"./migrations"`
	}

	Log struct {
		Level  slog.Level `json:"level"  toml:"level"  env:"LOG_LEVEL"`
		Format string     `json:"format" toml:"format" env:"LOG_FORMAT" env-default:"text"`
	}

	Tracing struct {
		URL string `json:"url" toml:"url" env:"TRACING_URL"`
	}

	Auth struct {
		JWTSecret  string `json:"jwt_secret"  toml:"jwt_secret"  env:"JWT_SECRET"`
		CronSecret string `json:"cron_secret" toml:"cron_secret" env:"CRON_SECRET"`
		// DemoMode lets the escrow API run without JWT_SECRET; every caller is then an admin.
		DemoMode bool `json:"demo_mode" toml:"demo_mode" env:"AUTH_DEMO_MODE" env-default:"false"`
	}

	// Network selects mainnet or testnet defaults for every chain.
	Network struct {
		Name string `json:"name" toml:"name" env:"NETWORK"`
	}

	XRPL struct {
		RPCURL        string `json:"rpc_url"        toml:"rpc_url"        env:"XRPL_RPC_URL"`
		Seed          string `json:"seed"           toml:"seed"           env:"XRPL_PLATFORM_SEED"`
		Account       string `json:"account"        toml:"account"        env:"XRPL_PLATFORM_ACCOUNT"`
		EscrowAddress string `json:"escrow_address" toml:"escrow_address" env:"XRPL_ESCROW_ADDRESS"`
		Currency      string `json:"currency"       toml:"currency"       env:"XRPL_TOKEN_CURRENCY" env-default:"XRPB"`
		Issuer        string `json:"issuer"         toml:"issuer"         env:"XRPL_TOKEN_ISSUER"`
		DeepLinkBase  string `json:"deep_link_base" toml:"deep_link_base" env:"XRPL_DEEP_LINK_BASE" env-default:"https://xaman.app/detect/request"`

		PollInterval    time.Duration `json:"poll_interval"     toml:"poll_interval"     env:"XRPL_POLL_INTERVAL" env-default:"10s"`
		VerifyTimeout   time.Duration `json:"verify_timeout"    toml:"verify_timeout"    env:"XRPL_VERIFY_TIMEOUT" env-default:"300s"`
		ClockSkew       time.Duration `json:"clock_skew"        toml:"clock_skew"        env:"XRPL_CLOCK_SKEW" env-default:"60s"`
		ToleranceRate   string        `json:"tolerance_rate"    toml:"tolerance_rate"    env:"XRPL_TOLERANCE_RATE" env-default:"0.02"`
		MinTolerance    string        `json:"min_tolerance"     toml:"min_tolerance"     env:"XRPL_MIN_TOLERANCE" env-default:"0.000001"`
		HistoryPageSize int           `json:"history_page_size" toml:"history_page_size" env:"XRPL_HISTORY_PAGE_SIZE" env-default:"20"`
	}

	EVM struct {
		RPCURL         string        `json:"rpc_url"         toml:"rpc_url"         env:"XRPL_EVM_RPC_URL"`
		ChainID        int64         `json:"chain_id"        toml:"chain_id"        env:"XRPL_EVM_CHAIN_ID"`
		TokenAddress   string        `json:"token_address"   toml:"token_address"   env:"XRPL_EVM_TOKEN_ADDRESS"`
		Decimals       int32         `json:"decimals"        toml:"decimals"        env:"XRPL_EVM_TOKEN_DECIMALS" env-default:"18"`
		WalletSeed     string        `json:"wallet_seed"     toml:"wallet_seed"     env:"XRPL_EVM_WALLET_SEED"`
		PrivateKey     string        `json:"private_key"     toml:"private_key"     env:"XRPL_EVM_PRIVATE_KEY"`
		DerivationPath string        `json:"derivation_path" toml:"derivation_path" env:"XRPL_EVM_DERIVATION_PATH" env-default:"m/44'/60'/0'/0/0"`
		EscrowAddress  string        `json:"escrow_address"  toml:"escrow_address"  env:"XRPL_EVM_ESCROW_ADDRESS"`
		Confirmations  uint64        `json:"confirmations"   toml:"confirmations"   env:"XRPL_EVM_CONFIRMATIONS" env-default:"1"`
		ReceiptTimeout time.Duration `json:"receipt_timeout" toml:"receipt_timeout" env:"XRPL_EVM_RECEIPT_TIMEOUT" env-default:"120s"`
	}

	Solana struct {
		RPCURL         string        `json:"rpc_url"         toml:"rpc_url"         env:"SOLANA_RPC_URL"`
		Mint           string        `json:"mint"            toml:"mint"            env:"SOLANA_TOKEN_MINT"`
		Decimals       int32         `json:"decimals"        toml:"decimals"        env:"SOLANA_TOKEN_DECIMALS" env-default:"6"`
		WalletSeed     string        `json:"wallet_seed"     toml:"wallet_seed"     env:"SOLANA_WALLET_SEED"`
		PrivateKey     string        `json:"private_key"     toml:"private_key"     env:"SOLANA_PRIVATE_KEY"`
		EscrowAddress  string        `json:"escrow_address"  toml:"escrow_address"  env:"SOLANA_ESCROW_ADDRESS"`
		ConfirmTimeout time.Duration `json:"confirm_timeout" toml:"confirm_timeout" env:"SOLANA_CONFIRM_TIMEOUT" env-default:"90s"`
	}

	// OracleSource describes one price data source. Kind is one of json, xrpl_amm, evm_pair.
	OracleSource struct {
		Chain         string `json:"chain"          toml:"chain"`
		Name          string `json:"name"           toml:"name"`
		Kind          string `json:"kind"           toml:"kind"`
		URL           string `json:"url"            toml:"url"`
		Path          string `json:"path"           toml:"path"`
		ReferenceURL  string `json:"reference_url"  toml:"reference_url"`
		ReferencePath string `json:"reference_path" toml:"reference_path"`
		PairAddress   string `json:"pair_address"   toml:"pair_address"`
		QuoteDecimals int32  `json:"quote_decimals" toml:"quote_decimals"`
	}

	Oracle struct {
		SourceTimeout     time.Duration  `json:"source_timeout"      toml:"source_timeout"      env:"ORACLE_SOURCE_TIMEOUT" env-default:"5s"`
		CacheTTL          time.Duration  `json:"cache_ttl"           toml:"cache_ttl"           env:"ORACLE_CACHE_TTL" env-default:"15s"`
		FallbackPrice     string         `json:"fallback_price"      toml:"fallback_price"      env:"ORACLE_FALLBACK_PRICE" env-default:"0.0001"`
		PlaceholderPrices []string       `json:"placeholder_prices"  toml:"placeholder_prices"  env:"ORACLE_PLACEHOLDER_PRICES"`
		RequestsPerMinute float64        `json:"requests_per_minute" toml:"requests_per_minute" env:"ORACLE_REQUESTS_PER_MINUTE" env-default:"30"`
		BreakerThreshold  int            `json:"breaker_threshold"   toml:"breaker_threshold"   env:"ORACLE_BREAKER_THRESHOLD" env-default:"3"`
		BreakerOpenFor    time.Duration  `json:"breaker_open_for"    toml:"breaker_open_for"    env:"ORACLE_BREAKER_OPEN_FOR" env-default:"60s"`
		Sources           []OracleSource `json:"sources"             toml:"sources"`
	}

	Escrow struct {
		AutoReleaseAfterDays int           `json:"auto_release_after_days" toml:"auto_release_after_days" env:"ESCROW_AUTO_RELEASE_DAYS" env-default:"20"`
		SweepEnabled         bool          `json:"sweep_enabled"           toml:"sweep_enabled"           env:"ESCROW_SWEEP_ENABLED" env-default:"false"`
		SweepInterval        time.Duration `json:"sweep_interval"          toml:"sweep_interval"          env:"ESCROW_SWEEP_INTERVAL" env-default:"1h"`
		SweepBatchSize       uint64        `json:"sweep_batch_size"        toml:"sweep_batch_size"        env:"ESCROW_SWEEP_BATCH_SIZE" env-default:"100"`
		OutboxInterval       time.Duration `json:"outbox_interval"         toml:"outbox_interval"         env:"ESCROW_OUTBOX_INTERVAL" env-default:"30s"`
		OutboxMaxAttempts    int           `json:"outbox_max_attempts"     toml:"outbox_max_attempts"     env:"ESCROW_OUTBOX_MAX_ATTEMPTS" env-default:"20"`
		FundRetryAttempts    int           `json:"fund_retry_attempts"     toml:"fund_retry_attempts"     env:"ESCROW_FUND_RETRY_ATTEMPTS" env-default:"3"`
		FundRetryDelay       time.Duration `json:"fund_retry_delay"        toml:"fund_retry_delay"        env:"ESCROW_FUND_RETRY_DELAY" env-default:"200ms"`
		// QuoteTolerance is the relative drift allowed between a checkout amount and the live listing quote.
		QuoteTolerance string `json:"quote_tolerance" toml:"quote_tolerance" env:"ESCROW_QUOTE_TOLERANCE" env-default:"0.02"`
	}
)

// AutoReleaseAfter is the funding age after which escrows are returned to the buyer.
func (e Escrow) AutoReleaseAfter() time.Duration {
	return time.Duration(e.AutoReleaseAfterDays) * 24 * time.Hour
}

func LoadConfig() (*Config, error) {
	cfg := &Config{}

	_, b, _, _ := runtime.Caller(0)
	basePath := filepath.Dir(b)

	configTomlPath := filepath.Join(basePath, "config.toml")
	err := cleanenv.ReadConfig(configTomlPath, cfg)
	if err != nil {
		configJsonPath := filepath.Join(basePath, "config.json")
		err = cleanenv.ReadConfig(configJsonPath, cfg)
		if err != nil {
			return nil, fmt.Errorf("config error: %w", err)
		}
	}

	err = cleanenv.ReadEnv(cfg)
	if err != nil {
		return nil, fmt.Errorf("env read error: %w", err)
	}

	cfg.ApplyNetworkDefaults()

	return cfg, nil
}

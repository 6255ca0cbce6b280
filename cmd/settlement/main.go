package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	sol "github.com/gagliardetto/solana-go"
	"github.com/gorilla/mux"
	"github.com/jackc/pgx/v5"
	"github.com/rs/cors"

	cfg "github.com/sand/ripplebids-settlement/backend/config"
	"github.com/sand/ripplebids-settlement/backend/internal/chains"
	"github.com/sand/ripplebids-settlement/backend/internal/chains/evm"
	"github.com/sand/ripplebids-settlement/backend/internal/chains/solana"
	"github.com/sand/ripplebids-settlement/backend/internal/chains/xrpl"
	"github.com/sand/ripplebids-settlement/backend/internal/entities"
	"github.com/sand/ripplebids-settlement/backend/internal/handlers"
	"github.com/sand/ripplebids-settlement/backend/internal/metrics"
	"github.com/sand/ripplebids-settlement/backend/internal/oracle"
	"github.com/sand/ripplebids-settlement/backend/internal/usecases"
	"github.com/sand/ripplebids-settlement/backend/internal/usecases/mocked"
	"github.com/sand/ripplebids-settlement/backend/internal/usecases/repository"
	"github.com/sand/ripplebids-settlement/backend/internal/workers"
	"github.com/sand/ripplebids-settlement/backend/pkg/database"
	"github.com/sand/ripplebids-settlement/backend/pkg/tracing"
)

// Server timeout constants.
const (
	readTimeoutSeconds     = 15
	writeTimeoutSeconds    = 60
	idleTimeoutSeconds     = 60
	shutdownTimeoutSeconds = 10
)

func main() {
	time.Local = time.UTC

	config, err := cfg.LoadConfig()
	if err != nil {
		log.Fatal(err)
	}

	logger := newLogger(config)
	logger.Warn("Starting application with configuration",
		"debug", config.App.Debug,
		"network", config.NetworkName(),
		"server_port", config.HTTP.Port,
		"xrpl_rpc", config.XRPL.RPCURL,
		"evm_rpc", config.EVM.RPCURL,
		"solana_rpc", config.Solana.RPCURL)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, logger, config)
	if err != nil {
		logger.Error("Failed to initialise tracing", "error", err)
		log.Fatal(err)
	}

	// Chains
	xrplClient := xrpl.NewClient(config.XRPL.RPCURL, &http.Client{Timeout: 15 * time.Second})
	registry, xrplVerifier, evmClient := initChains(ctx, logger, config, xrplClient)
	if evmClient != nil {
		defer evmClient.Close()
	}

	// Price oracle
	priceOracle := oracle.New(logger, config.Oracle)
	deps := oracle.Deps{
		AMM:          xrplClient,
		XRPLCurrency: config.XRPL.Currency,
		XRPLIssuer:   config.XRPL.Issuer,
		EVMToken:     config.EVM.TokenAddress,
		EVMDecimals:  config.EVM.Decimals,
	}
	if evmClient != nil {
		deps.EVM = evmClient
	}
	if err = priceOracle.LoadSources(config.Oracle.Sources, deps); err != nil {
		logger.Error("Failed to load price sources", "error", err)
		log.Fatal(err)
	}

	// Storage
	var (
		transactor usecases.Transactor
		repos      usecases.Repositories
		listings   usecases.ListingsRepository
		pinger     handlers.Pinger
	)
	if config.DB.DatabaseURL == "" {
		logger.Warn("DATABASE_URL not set, using in-memory store; data is lost on restart")
		store := mocked.NewStore()
		store.SeedDemoListings()
		transactor = store
		repos = usecases.Repositories{Escrows: store, Orders: store, Notifications: store, Outbox: store}
		listings = store
	} else {
		pg, err := database.New(config,
			database.MaxPoolSize(config.DB.PoolMax),
			database.ConnTimeout(config.DB.ConnectTimeout),
			database.HealthCheckPeriod(config.DB.HealthCheckPeriod),
			database.Isolation(pgx.ReadCommitted),
		)
		if err != nil {
			logger.Error("postgres connection failed", "error", err)
			return
		}
		defer pg.Close()

		schema, err := database.Migrate(logger, config.DB.DatabaseURL, config.DB.MigrationsPath)
		if err != nil {
			logger.Error("Failed to run database migrations", "error", err, "version", schema.Version, "dirty", schema.Dirty)
			log.Fatal(err)
		}

		transactor = pg.Transactor
		repos = usecases.Repositories{
			Escrows:       repository.NewEscrowsRepository(logger, pg),
			Orders:        repository.NewOrdersRepository(logger, pg),
			Notifications: repository.NewNotificationsRepository(logger, pg),
			Outbox:        repository.NewOutboxRepository(logger, pg),
		}
		listings = repository.NewListingsRepository(logger, pg)
		pinger = pg.Pool
	}

	// Services
	escrowService := usecases.NewEscrowService(logger, transactor, repos, registry, config.Escrow)
	pricingService := usecases.NewPricingService(logger, priceOracle, listings)
	escrowService.SetListingQuoter(pricingService)

	hub := handlers.NewHub(logger, config.HTTP.AllowedOrigins)
	go hub.Run(ctx)
	escrowService.SetEventPublisher(hub)

	var monitor *workers.PaymentMonitor
	if xrplVerifier != nil {
		monitor = workers.NewPaymentMonitor(logger, xrplVerifier, escrowService,
			config.XRPL.Currency, config.XRPL.Issuer, config.XRPL.VerifyTimeout)
		escrowService.SetPaymentWatcher(monitor)
	}

	initAndRunWorkers(ctx, logger, config, escrowService, monitor)

	// Handlers
	auth := handlers.NewAuthenticator(logger, config.Auth.JWTSecret)
	if !auth.Enabled() {
		if !config.Auth.DemoMode {
			logger.Error("JWT_SECRET not set; set AUTH_DEMO_MODE=true to run the escrow API without authentication")
			log.Fatal("missing JWT_SECRET")
		}
		logger.Warn("Demo mode: JWT_SECRET not set, every escrow API caller acts as admin")
	}
	if config.Auth.CronSecret == "" {
		logger.Warn("CRON_SECRET not set, auto-release endpoint is disabled")
	}

	router := mux.NewRouter()
	router.Use(metrics.Middleware)

	handlers.NewWebSocketHandler(logger, escrowService, hub).RegisterRoutes(router)
	handlers.NewHealthHandler(pinger).RegisterRoutes(router)
	handlers.NewHTTPHandler(logger, escrowService, pricingService, auth, config.Auth.CronSecret).RegisterRoutes(router)

	c := cors.New(cors.Options{
		AllowedOrigins:   config.HTTP.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})

	server := &http.Server{
		Addr:         ":" + config.HTTP.Port,
		Handler:      c.Handler(router),
		ReadTimeout:  readTimeoutSeconds * time.Second,
		WriteTimeout: writeTimeoutSeconds * time.Second,
		IdleTimeout:  idleTimeoutSeconds * time.Second,
	}

	go func() {
		logger.Info("Starting server", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server error", "error", err)
			log.Fatal(err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeoutSeconds*time.Second)
	defer cancel()

	if err = server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", "error", err)
	}
	stop()
	if monitor != nil {
		monitor.Close()
	}
	if err = shutdownTracing(shutdownCtx); err != nil {
		logger.Error("Failed to flush traces", "error", err)
	}

	logger.Info("Server exited properly")
}

func newLogger(config *cfg.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: config.Log.Level}
	if config.App.Debug {
		opts.Level = slog.LevelDebug
	}
	if config.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

// initChains registers every chain whose token is configured. Misconfigured
// chains are skipped with an error log so the others keep working.
func initChains(ctx context.Context, logger *slog.Logger, config *cfg.Config, xrplClient *xrpl.Client) (*chains.Registry, *xrpl.Verifier, *ethclient.Client) {
	registry := chains.NewRegistry()

	var xrplVerifier *xrpl.Verifier
	if config.XRPL.Issuer != "" {
		vcfg, err := xrpl.NewVerifierConfig(config.XRPL)
		if err != nil {
			logger.Error("Invalid XRPL verifier configuration", "error", err)
		} else {
			xrplVerifier = xrpl.NewVerifier(logger, xrplClient, vcfg)
			registry.Register(entities.ChainXRPL, xrpl.NewAdapter(logger, xrplClient, config.XRPL), xrplVerifier, config.XRPL.EscrowAddress)
			logger.Info("XRPL payments enabled", "currency", config.XRPL.Currency, "issuer", config.XRPL.Issuer)
		}
	} else {
		logger.Warn("XRPL token issuer not configured, XRPL payments disabled")
	}

	var evmClient *ethclient.Client
	if config.EVM.TokenAddress != "" {
		client, err := ethclient.DialContext(ctx, config.EVM.RPCURL)
		if err != nil {
			logger.Error("Failed to connect to XRPL EVM", "rpc", config.EVM.RPCURL, "error", err)
		} else if adapter, err := evm.NewAdapter(logger, client, config.EVM); err != nil {
			logger.Error("Invalid XRPL EVM configuration", "error", err)
			client.Close()
		} else {
			evmClient = client
			verifier := evm.NewVerifier(logger, client, common.HexToAddress(config.EVM.TokenAddress), config.EVM.Decimals, config.EVM.Confirmations)
			registry.Register(entities.ChainXRPLEVM, adapter, verifier, config.EVM.EscrowAddress)
			logger.Info("XRPL EVM payments enabled", "token", config.EVM.TokenAddress, "chain_id", config.EVM.ChainID)
		}
	} else {
		logger.Warn("XRPL EVM token not configured, XRPL EVM payments disabled")
	}

	if config.Solana.Mint != "" {
		client := solana.NewRPCClient(config.Solana)
		adapter, err := solana.NewAdapter(logger, client, config.Solana)
		mint, mintErr := sol.PublicKeyFromBase58(config.Solana.Mint)
		switch {
		case err != nil:
			logger.Error("Invalid Solana configuration", "error", err)
		case mintErr != nil:
			logger.Error("Invalid Solana token mint", "error", mintErr)
		default:
			registry.Register(entities.ChainSolana, adapter, solana.NewVerifier(logger, client, mint, config.Solana.Decimals), config.Solana.EscrowAddress)
			logger.Info("Solana payments enabled", "mint", config.Solana.Mint)
		}
	} else {
		logger.Warn("Solana token mint not configured, Solana payments disabled")
	}

	return registry, xrplVerifier, evmClient
}

func initAndRunWorkers(
	ctx context.Context,
	logger *slog.Logger,
	config *cfg.Config,
	escrowService *usecases.EscrowService,
	monitor *workers.PaymentMonitor,
) {
	if config.Escrow.SweepEnabled {
		autoReleaser := workers.NewAutoReleaser(logger, escrowService, config.Escrow.SweepInterval)
		go func() {
			logger.Info("Starting auto-release worker")
			autoReleaser.Start(ctx)
		}()
	} else {
		logger.Info("In-process auto-release disabled, relying on the cron endpoint")
	}

	relay := workers.NewOutboxRelay(logger, escrowService, config.Escrow.OutboxInterval)
	go relay.Start(ctx)

	if monitor != nil {
		go monitor.Start(ctx)
	}

	logger.Info("All workers initialized and started")
}

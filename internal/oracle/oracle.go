// Package oracle quotes the USD price of the platform token on each chain.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"golang.org/x/exp/slices"
	"golang.org/x/time/rate"

	"github.com/sand/ripplebids-settlement/backend/config"
	"github.com/sand/ripplebids-settlement/backend/internal/entities"
	"github.com/sand/ripplebids-settlement/backend/internal/metrics"
)

var (
	ErrPriceUnavailable = errors.New("token price unavailable")
	ErrInvalidPrice     = errors.New("invalid price")
	errSourceOpen       = errors.New("source circuit open")
	errRateLimited      = errors.New("source rate limited")
)

// Quote is a USD price for one token on one chain.
type Quote struct {
	Chain     entities.Chain  `json:"chain"`
	PriceUSD  decimal.Decimal `json:"priceUsd"`
	Source    string          `json:"source"`
	Estimated bool            `json:"estimated"`
	FetchedAt time.Time       `json:"fetchedAt"`
}

type Oracle struct {
	logger *slog.Logger

	sources       map[entities.Chain][]Source
	sourceTimeout time.Duration
	cacheTTL      time.Duration
	fallback      decimal.Decimal
	placeholders  []string
	perMinute     float64

	breaker *breaker
	now     func() time.Time

	mu       sync.Mutex
	cache    map[entities.Chain]Quote
	limiters map[string]*rate.Limiter
}

func New(logger *slog.Logger, cfg config.Oracle) *Oracle {
	fallback, err := decimal.NewFromString(cfg.FallbackPrice)
	if err != nil {
		fallback = decimal.Zero
	}
	placeholders := make([]string, 0, len(cfg.PlaceholderPrices))
	for _, p := range cfg.PlaceholderPrices {
		if d, err := decimal.NewFromString(p); err == nil {
			placeholders = append(placeholders, d.String())
		}
	}

	return &Oracle{
		logger:        logger,
		sources:       make(map[entities.Chain][]Source),
		sourceTimeout: cfg.SourceTimeout,
		cacheTTL:      cfg.CacheTTL,
		fallback:      fallback,
		placeholders:  placeholders,
		perMinute:     cfg.RequestsPerMinute,
		breaker:       newBreaker(cfg.BreakerThreshold, cfg.BreakerOpenFor),
		now:           time.Now,
		cache:         make(map[entities.Chain]Quote),
		limiters:      make(map[string]*rate.Limiter),
	}
}

// AddSource appends a source to the ordered list of a chain.
func (o *Oracle) AddSource(chain entities.Chain, src Source) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sources[chain] = append(o.sources[chain], src)
}

// Deps are the chain readers needed by non-HTTP price sources.
type Deps struct {
	HTTP         *http.Client
	AMM          AMMReader
	EVM          ethereum.ContractCaller
	XRPLCurrency string
	XRPLIssuer   string
	EVMToken     string
	EVMDecimals  int32
}

// LoadSources builds the configured sources in order.
func (o *Oracle) LoadSources(cfg []config.OracleSource, deps Deps) error {
	if deps.HTTP == nil {
		deps.HTTP = &http.Client{Timeout: o.sourceTimeout}
	}
	for _, sc := range cfg {
		chain, err := entities.ParseChain(sc.Chain)
		if err != nil {
			return fmt.Errorf("oracle source %s: %w", sc.Name, err)
		}

		var reference Source
		if sc.ReferenceURL != "" {
			reference = NewJSONSource(sc.Name+"_reference", sc.ReferenceURL, sc.ReferencePath, deps.HTTP)
		}

		var src Source
		switch sc.Kind {
		case SourceKindJSON, "":
			src = NewJSONSource(sc.Name, sc.URL, sc.Path, deps.HTTP)
		case SourceKindXRPLAMM:
			if deps.AMM == nil || reference == nil {
				return fmt.Errorf("oracle source %s: amm source needs an xrpl client and a reference price", sc.Name)
			}
			src = NewAMMSource(sc.Name, deps.AMM, deps.XRPLCurrency, deps.XRPLIssuer, reference)
		case SourceKindEVMPair:
			if deps.EVM == nil || !common.IsHexAddress(sc.PairAddress) || !common.IsHexAddress(deps.EVMToken) {
				return fmt.Errorf("oracle source %s: pair source needs an evm client, pair and token address", sc.Name)
			}
			src = NewPairSource(sc.Name, deps.EVM, common.HexToAddress(sc.PairAddress),
				common.HexToAddress(deps.EVMToken), deps.EVMDecimals, sc.QuoteDecimals, reference)
		default:
			return fmt.Errorf("oracle source %s: unknown kind %q", sc.Name, sc.Kind)
		}
		o.AddSource(chain, src)
	}
	return nil
}

// TokenPriceUSD returns a live price suitable for charging a buyer. Sources are
// tried in order and the first strictly positive, non-placeholder price wins.
// A cached quote is reused only while younger than the cache TTL.
func (o *Oracle) TokenPriceUSD(ctx context.Context, chain entities.Chain) (Quote, error) {
	if !chain.IsValid() {
		return Quote{}, fmt.Errorf("%w: unsupported chain %q", ErrPriceUnavailable, chain)
	}

	if q, ok := o.cached(chain); ok {
		return q, nil
	}

	o.mu.Lock()
	sources := slices.Clone(o.sources[chain])
	o.mu.Unlock()

	for _, src := range sources {
		price, err := o.query(ctx, src)
		if err != nil {
			o.logger.WarnContext(ctx, "price source failed", "chain", chain, "source", src.Name(), "error", err)
			continue
		}
		if !o.usable(price) {
			metrics.OracleSourceResults.WithLabelValues(src.Name(), "degenerate").Inc()
			o.logger.WarnContext(ctx, "price source returned unusable value",
				"chain", chain, "source", src.Name(), "price", price.String())
			continue
		}

		q := Quote{Chain: chain, PriceUSD: price, Source: src.Name(), FetchedAt: o.now()}
		o.mu.Lock()
		o.cache[chain] = q
		o.mu.Unlock()
		return q, nil
	}

	return Quote{}, fmt.Errorf("%w: all %d sources failed for %s", ErrPriceUnavailable, len(sources), chain)
}

// EstimatePriceUSD is for display only. When no live price is available the
// conservative fallback is returned with Estimated set.
func (o *Oracle) EstimatePriceUSD(ctx context.Context, chain entities.Chain) (Quote, error) {
	q, err := o.TokenPriceUSD(ctx, chain)
	if err == nil {
		return q, nil
	}
	if !chain.IsValid() || o.fallback.Sign() <= 0 {
		return Quote{}, err
	}
	return Quote{Chain: chain, PriceUSD: o.fallback, Source: "fallback", Estimated: true, FetchedAt: o.now()}, nil
}

func (o *Oracle) cached(chain entities.Chain) (Quote, bool) {
	if o.cacheTTL <= 0 {
		return Quote{}, false
	}
	o.mu.Lock()
	defer o.mu.Unlock()

	q, ok := o.cache[chain]
	if !ok || o.now().Sub(q.FetchedAt) >= o.cacheTTL {
		return Quote{}, false
	}
	return q, true
}

func (o *Oracle) query(ctx context.Context, src Source) (decimal.Decimal, error) {
	key := src.Name()
	if !o.breaker.allow(key) {
		metrics.OracleSourceResults.WithLabelValues(key, "open").Inc()
		return decimal.Zero, errSourceOpen
	}
	if !o.limiter(key).Allow() {
		metrics.OracleSourceResults.WithLabelValues(key, "rate_limited").Inc()
		return decimal.Zero, errRateLimited
	}

	timeout := o.sourceTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	price, err := src.PriceUSD(ctx)
	if err != nil {
		o.breaker.failure(key)
		metrics.OracleSourceResults.WithLabelValues(key, "error").Inc()
		return decimal.Zero, err
	}
	o.breaker.success(key)
	metrics.OracleSourceResults.WithLabelValues(key, "ok").Inc()
	return price, nil
}

func (o *Oracle) limiter(key string) *rate.Limiter {
	o.mu.Lock()
	defer o.mu.Unlock()

	l, ok := o.limiters[key]
	if !ok {
		limit := rate.Inf
		burst := 1
		if o.perMinute > 0 {
			limit = rate.Limit(o.perMinute / 60)
			burst = int(math.Max(1, math.Ceil(o.perMinute/6)))
		}
		l = rate.NewLimiter(limit, burst)
		o.limiters[key] = l
	}
	return l
}

func (o *Oracle) usable(price decimal.Decimal) bool {
	if price.Sign() <= 0 {
		return false
	}
	return !slices.Contains(o.placeholders, price.String())
}

package workers

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sand/ripplebids-settlement/backend/internal/chains/xrpl"
	"github.com/sand/ripplebids-settlement/backend/internal/entities"
	"github.com/sand/ripplebids-settlement/backend/internal/usecases"
)

var _ usecases.PaymentWatcher = (*PaymentMonitor)(nil)

type PaymentWaiter interface {
	WaitForTokenPayment(
		ctx context.Context,
		sender, destination string,
		expected decimal.Decimal,
		currency, issuer string,
		timeout time.Duration,
		opts ...xrpl.WaitOption,
	) (*entities.VerifiedTransfer, error)
}

type EscrowFunder interface {
	FundEscrow(ctx context.Context, escrowID string, result *entities.PaymentResult) (*entities.Escrow, error)
	TxHashUsed(ctx context.Context, txHash string) bool
}

// PaymentMonitor watches the XRPL escrow account for buyer payments signed
// in an external wallet and funds the escrow once one shows up.
type PaymentMonitor struct {
	logger   *slog.Logger
	waiter   PaymentWaiter
	funder   EscrowFunder
	currency string
	issuer   string
	timeout  time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	watching map[string]context.CancelFunc
}

func NewPaymentMonitor(logger *slog.Logger, waiter PaymentWaiter, funder EscrowFunder, currency, issuer string, timeout time.Duration) *PaymentMonitor {
	ctx, cancel := context.WithCancel(context.Background())
	return &PaymentMonitor{
		logger:   logger,
		waiter:   waiter,
		funder:   funder,
		currency: currency,
		issuer:   issuer,
		timeout:  timeout,
		ctx:      ctx,
		cancel:   cancel,
		watching: make(map[string]context.CancelFunc),
	}
}

// Watch starts polling for the payment of escrowID from the buyer account
// sender. A second call for the same escrow is a no-op while the first is running.
func (m *PaymentMonitor) Watch(escrowID, sender, destination string, amount decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ctx.Err() != nil {
		return
	}
	if _, ok := m.watching[escrowID]; ok {
		return
	}

	ctx, cancel := context.WithCancel(m.ctx)
	m.watching[escrowID] = cancel
	m.wg.Add(1)

	go func() {
		defer m.wg.Done()
		defer m.forget(escrowID)
		m.watch(ctx, escrowID, sender, destination, amount)
	}()
}

// Stop abandons the watch for escrowID, if any.
func (m *PaymentMonitor) Stop(escrowID string) {
	m.mu.Lock()
	cancel, ok := m.watching[escrowID]
	m.mu.Unlock()
	if ok {
		cancel()
	}
}

// Watching reports the number of running watches.
func (m *PaymentMonitor) Watching() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.watching)
}

func (m *PaymentMonitor) forget(escrowID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cancel, ok := m.watching[escrowID]; ok {
		cancel()
		delete(m.watching, escrowID)
	}
}

func (m *PaymentMonitor) watch(ctx context.Context, escrowID, sender, destination string, amount decimal.Decimal) {
	m.logger.Info("Watching for escrow payment",
		"escrow_id", escrowID, "sender", sender, "destination", destination, "amount", amount.String())

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	deadline, _ := ctx.Deadline()

	rejected := make(map[string]struct{})
	skip := func(txHash string) bool {
		if _, ok := rejected[txHash]; ok {
			return true
		}
		return m.funder.TxHashUsed(ctx, txHash)
	}

	for {
		match, err := m.waiter.WaitForTokenPayment(ctx, sender, destination, amount, m.currency, m.issuer, time.Until(deadline), xrpl.SkipHashes(skip))
		switch {
		case errors.Is(err, context.Canceled):
			m.logger.Debug("Escrow payment watch cancelled", "escrow_id", escrowID)
			return
		case err != nil:
			m.logger.Warn("Escrow payment not detected", "escrow_id", escrowID, "error", err)
			return
		}

		_, err = m.funder.FundEscrow(context.WithoutCancel(ctx), escrowID, &entities.PaymentResult{
			Success: true,
			Chain:   entities.ChainXRPL,
			TxRef:   match.TxHash,
		})
		switch {
		case errors.Is(err, usecases.ErrTxHashInUse):
			// Funds another escrow; keep looking for this buyer's payment.
			rejected[match.TxHash] = struct{}{}
			m.logger.Warn("Detected payment already funds another escrow", "escrow_id", escrowID, "tx_hash", match.TxHash)
			continue
		case errors.Is(err, usecases.ErrFundingDeferred):
			m.logger.Warn("Escrow funding deferred to outbox", "escrow_id", escrowID, "tx_hash", match.TxHash)
		case err != nil:
			m.logger.Error("Failed to fund escrow from detected payment", "escrow_id", escrowID, "tx_hash", match.TxHash, "error", err)
		default:
			m.logger.Info("Escrow funded from detected payment", "escrow_id", escrowID, "tx_hash", match.TxHash)
		}
		return
	}
}

// Start blocks until ctx is done, then cancels every watch and waits for them.
func (m *PaymentMonitor) Start(ctx context.Context) {
	<-ctx.Done()
	m.Close()
}

func (m *PaymentMonitor) Close() {
	m.mu.Lock()
	m.cancel()
	m.mu.Unlock()
	m.wg.Wait()
	m.logger.Info("Payment monitor stopped")
}

package usecases

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sand/ripplebids-settlement/backend/config"
	"github.com/sand/ripplebids-settlement/backend/internal/chains"
	"github.com/sand/ripplebids-settlement/backend/internal/entities"
	"github.com/sand/ripplebids-settlement/backend/internal/metrics"
	"github.com/sand/ripplebids-settlement/backend/internal/usecases/mocked"
)

const (
	xrplBuyer    = "rHb9CJAWyB4rj91VRWn96DkukG4bwdtyTh"
	xrplSeller   = "rLHzPsX6oXkzU2qL12kHCH8G8cnZv1rBJh"
	xrplEscrow   = "rPEPPER7kfTD9w2To4CQk6UCfuHM9c6GDY"
	xrplFundHash = "E3FE6EA3D48F0C2B639448020EA4F03D4F4F8FFDB243A852A0F59177921B4879"

	evmBuyer  = "0x9858EfFD232B4033E47d90003D41EC34EcaEda94"
	evmSeller = "0x52908400098527886E0F7030069857D2E4169EE7"
	evmEscrow = "0x1111111111111111111111111111111111111111"
)

var (
	buyerActor  = Actor{UserID: "buyer-1"}
	sellerActor = Actor{UserID: "seller-1"}
	adminActor  = Actor{UserID: "ops", Admin: true}
)

type fakeWallet struct {
	chain entities.Chain
	addr  string
}

func (w fakeWallet) Chain() entities.Chain { return w.chain }
func (w fakeWallet) Address() string       { return w.addr }

type payCall struct {
	recipient string
	amount    decimal.Decimal
}

type fakePayer struct {
	chain entities.Chain
	delay time.Duration

	mu    sync.Mutex
	err   error
	calls []payCall
}

func (p *fakePayer) Chain() entities.Chain { return p.chain }

func (p *fakePayer) PlatformWallet() chains.Wallet {
	return fakeWallet{chain: p.chain, addr: "platform"}
}

func (p *fakePayer) SendTokenPayment(ctx context.Context, w chains.Wallet, recipient string, amount decimal.Decimal) (*entities.PaymentResult, error) {
	if _, ok := w.(chains.ExternalWallet); ok {
		return &entities.PaymentResult{
			Success:    true,
			Chain:      p.chain,
			Pending:    true,
			PaymentURI: "https://wallet.example/pay?to=" + recipient + "&amount=" + amount.String(),
		}, nil
	}
	if p.delay > 0 {
		time.Sleep(p.delay)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	p.calls = append(p.calls, payCall{recipient: recipient, amount: amount})
	return &entities.PaymentResult{
		Success: true,
		Chain:   p.chain,
		TxRef:   fmt.Sprintf("%s-payout-%d", p.chain, len(p.calls)),
	}, nil
}

func (p *fakePayer) setErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

func (p *fakePayer) payouts() []payCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]payCall(nil), p.calls...)
}

// fakeVerifier accepts any transfer; when paidBy is set only transfers from
// that account match, like a chain lookup of the real sender.
type fakeVerifier struct {
	err    error
	paidBy string
}

func (v *fakeVerifier) VerifyTransfer(_ context.Context, txHash, sender, destination string, expected decimal.Decimal) (*entities.VerifiedTransfer, error) {
	if v.err != nil {
		return nil, v.err
	}
	if v.paidBy != "" && v.paidBy != sender {
		return nil, fmt.Errorf("%w: transaction %s not sent by %s", chains.ErrTransferMismatch, txHash, sender)
	}
	return &entities.VerifiedTransfer{TxHash: txHash, Destination: destination, Amount: expected, ConfirmedAt: time.Now()}, nil
}

type fakeWatcher struct {
	watched atomic.Int32
	stopped atomic.Int32
	sender  atomic.Value
}

func (w *fakeWatcher) Watch(_, sender, _ string, _ decimal.Decimal) {
	w.watched.Add(1)
	w.sender.Store(sender)
}

func (w *fakeWatcher) Stop(string) { w.stopped.Add(1) }

type testEnv struct {
	svc      *EscrowService
	store    *mocked.Store
	xrpl     *fakePayer
	evm      *fakePayer
	verifier *fakeVerifier
	watcher  *fakeWatcher
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store := mocked.NewStore()
	env := &testEnv{
		store:    store,
		xrpl:     &fakePayer{chain: entities.ChainXRPL},
		evm:      &fakePayer{chain: entities.ChainXRPLEVM},
		verifier: &fakeVerifier{},
		watcher:  &fakeWatcher{},
	}

	registry := chains.NewRegistry()
	registry.Register(entities.ChainXRPL, env.xrpl, env.verifier, xrplEscrow)
	registry.Register(entities.ChainXRPLEVM, env.evm, env.verifier, evmEscrow)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	env.svc = NewEscrowService(logger, store, Repositories{
		Escrows:       store,
		Orders:        store,
		Notifications: store,
		Outbox:        store,
	}, registry, config.Escrow{
		AutoReleaseAfterDays: 20,
		FundRetryAttempts:    2,
		FundRetryDelay:       time.Millisecond,
		OutboxMaxAttempts:    3,
		SweepBatchSize:       50,
	})
	env.svc.SetPaymentWatcher(env.watcher)
	// One USD buys one token, so listing prices are token amounts.
	env.svc.SetListingQuoter(NewPricingService(logger, fakeQuoter{price: decimal.NewFromInt(1)}, store))
	return env
}

// list puts an active listing of seller-1 priced at price tokens.
func (e *testEnv) list(id, price string) {
	e.store.PutListing(entities.Listing{
		ID:       id,
		SellerID: "seller-1",
		Price:    decimal.RequireFromString(price),
		SellerWallets: map[entities.Chain]string{
			entities.ChainXRPL:    xrplSeller,
			entities.ChainXRPLEVM: evmSeller,
		},
		Status: "active",
	})
}

func (e *testEnv) createXRPL(t *testing.T, amount string) *entities.Escrow {
	t.Helper()
	e.list("listing-"+amount, amount)
	escrow, err := e.svc.CreateEscrow(context.Background(), CreateEscrowRequest{
		ListingID: "listing-" + amount,
		Buyer:     xrplBuyer,
		BuyerID:   "buyer-1",
		Amount:    decimal.RequireFromString(amount),
		Chain:     entities.ChainXRPL,
	})
	require.NoError(t, err)
	return escrow
}

func (e *testEnv) fundedXRPL(t *testing.T, amount string) *entities.Escrow {
	t.Helper()
	escrow := e.createXRPL(t, amount)
	funded, err := e.svc.ConfirmFunding(context.Background(), buyerActor, escrow.ID, entities.ChainXRPL, xrplFundHash)
	require.NoError(t, err)
	return funded
}

func TestEscrowLifecycle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	escrow := env.createXRPL(t, "20")
	assert.Equal(t, entities.EscrowPending, escrow.Status)
	assert.Regexp(t, `^esc_[0-9a-f]{24}$`, escrow.ID)
	assert.Equal(t, 20, escrow.Conditions.AutoReleaseDays)

	order, err := env.store.GetOrderByEscrow(ctx, escrow.ID)
	require.NoError(t, err)
	assert.Equal(t, entities.OrderPending, order.Status)
	assert.True(t, order.Amount.Equal(escrow.Amount))

	assert.Equal(t, xrplSeller, escrow.Seller)
	assert.Equal(t, "seller-1", order.SellerID)
	assert.Equal(t, "buyer-1", order.BuyerID)

	funded, err := env.svc.ConfirmFunding(ctx, buyerActor, escrow.ID, entities.ChainXRPL, xrplFundHash)
	require.NoError(t, err)
	assert.Equal(t, entities.EscrowFunded, funded.Status)
	require.NotNil(t, funded.TransactionHash)
	assert.Equal(t, xrplFundHash, *funded.TransactionHash)

	order, err = env.store.GetOrderByEscrow(ctx, escrow.ID)
	require.NoError(t, err)
	assert.Equal(t, entities.OrderEscrowFunded, order.Status)
	assert.Equal(t, entities.ChainXRPL, order.PaymentChain)
	require.NotNil(t, order.TransactionHash)
	assert.Equal(t, xrplFundHash, *order.TransactionHash)
	assert.Len(t, env.store.Notifications("seller-1"), 1)

	released, err := env.svc.ReleaseEscrow(ctx, sellerActor, escrow.ID, "")
	require.NoError(t, err)
	assert.Equal(t, entities.EscrowReleased, released.Status)
	require.NotNil(t, released.ReleaseHash)
	require.NotNil(t, released.WithdrawalAddress)
	assert.Equal(t, xrplSeller, *released.WithdrawalAddress)

	stored, err := env.svc.GetStatus(ctx, escrow.ID)
	require.NoError(t, err)
	assert.Equal(t, entities.EscrowReleased, stored.Status)
	assert.Nil(t, stored.ReleaseLock)

	order, err = env.store.GetOrderByEscrow(ctx, escrow.ID)
	require.NoError(t, err)
	assert.Equal(t, entities.OrderCompleted, order.Status)

	payouts := env.xrpl.payouts()
	require.Len(t, payouts, 1)
	assert.Equal(t, xrplSeller, payouts[0].recipient)
	assert.True(t, payouts[0].amount.Equal(decimal.NewFromInt(20)))
}

func TestCreateEscrowValidation(t *testing.T) {
	env := newTestEnv(t)

	env.list("listing-1", "10")
	base := CreateEscrowRequest{
		ListingID: "listing-1",
		Buyer:     xrplBuyer,
		Seller:    xrplSeller,
		BuyerID:   "buyer-1",
		Amount:    decimal.NewFromInt(10),
		Chain:     entities.ChainXRPL,
	}

	tests := []struct {
		name    string
		mutate  func(r *CreateEscrowRequest)
		wantErr error
	}{
		{"zero amount", func(r *CreateEscrowRequest) { r.Amount = decimal.Zero }, ErrValidation},
		{"negative amount", func(r *CreateEscrowRequest) { r.Amount = decimal.NewFromInt(-5) }, ErrValidation},
		{"unsupported chain", func(r *CreateEscrowRequest) { r.Chain = "bitcoin" }, ErrUnsupportedChain},
		{"missing buyer", func(r *CreateEscrowRequest) { r.Buyer = "" }, ErrValidation},
		{"buyer wallet of another chain", func(r *CreateEscrowRequest) { r.Buyer = evmBuyer }, ErrValidation},
		{"missing buyer id", func(r *CreateEscrowRequest) { r.BuyerID = "" }, ErrValidation},
		{"buyer is seller", func(r *CreateEscrowRequest) { r.Buyer = xrplSeller; r.Seller = "" }, ErrValidation},
		{"seller other than listing", func(r *CreateEscrowRequest) { r.Seller = xrplEscrow }, ErrValidation},
		{"seller id other than listing", func(r *CreateEscrowRequest) { r.SellerID = "mallory" }, ErrValidation},
		{"missing listing", func(r *CreateEscrowRequest) { r.ListingID = " " }, ErrValidation},
		{"unknown listing", func(r *CreateEscrowRequest) { r.ListingID = "listing-404" }, ErrNotFound},
		{"amount below listing price", func(r *CreateEscrowRequest) { r.Amount = decimal.NewFromInt(1) }, ErrValidation},
		{"amount above listing price", func(r *CreateEscrowRequest) { r.Amount = decimal.NewFromInt(11) }, ErrValidation},
		{"no seller wallet on chain", func(r *CreateEscrowRequest) { r.Chain = entities.ChainSolana }, ErrValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := base
			tt.mutate(&req)
			_, err := env.svc.CreateEscrow(context.Background(), req)
			require.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestCreateEscrowWithinQuoteTolerance(t *testing.T) {
	env := newTestEnv(t)
	env.list("listing-1", "100")

	escrow, err := env.svc.CreateEscrow(context.Background(), CreateEscrowRequest{
		ListingID: "listing-1",
		Buyer:     xrplBuyer,
		BuyerID:   "buyer-1",
		Amount:    decimal.RequireFromString("101.5"),
		Chain:     entities.ChainXRPL,
	})
	require.NoError(t, err)
	assert.Equal(t, xrplSeller, escrow.Seller)

	_, err = env.svc.CreateEscrow(context.Background(), CreateEscrowRequest{
		ListingID: "listing-1",
		Buyer:     xrplBuyer,
		BuyerID:   "buyer-1",
		Amount:    decimal.RequireFromString("102.5"),
		Chain:     entities.ChainXRPL,
	})
	require.ErrorIs(t, err, ErrValidation)
}

func TestCreateEscrowWithPaymentFirst(t *testing.T) {
	env := newTestEnv(t)
	env.list("listing-1", "20")
	env.list("listing-2", "20")

	escrow, err := env.svc.CreateEscrow(context.Background(), CreateEscrowRequest{
		ListingID:       "listing-1",
		Buyer:           xrplBuyer,
		BuyerID:         "buyer-1",
		Amount:          decimal.NewFromInt(20),
		Chain:           entities.ChainXRPL,
		TransactionHash: xrplFundHash,
	})
	require.NoError(t, err)
	assert.Equal(t, entities.EscrowFunded, escrow.Status)

	env.verifier.err = fmt.Errorf("%w: wrong destination", chains.ErrTransferMismatch)
	escrow, err = env.svc.CreateEscrow(context.Background(), CreateEscrowRequest{
		ListingID:       "listing-2",
		Buyer:           xrplBuyer,
		BuyerID:         "buyer-1",
		Amount:          decimal.NewFromInt(20),
		Chain:           entities.ChainXRPL,
		TransactionHash: "A" + xrplFundHash[1:],
	})
	require.ErrorIs(t, err, chains.ErrTransferMismatch)
	require.NotNil(t, escrow)
	assert.Equal(t, entities.EscrowPending, escrow.Status)
}

func TestReleaseRequiresFunding(t *testing.T) {
	env := newTestEnv(t)
	escrow := env.createXRPL(t, "5")

	_, err := env.svc.ReleaseEscrow(context.Background(), sellerActor, escrow.ID, "")
	require.ErrorIs(t, err, ErrInvalidStatus)
	assert.Empty(t, env.xrpl.payouts())
}

func TestReleaseUnknownEscrow(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.svc.ReleaseEscrow(context.Background(), adminActor, "esc_missing", "")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestReleaseRejectsOtherWithdrawalAddress(t *testing.T) {
	env := newTestEnv(t)
	escrow := env.fundedXRPL(t, "5")

	for _, addr := range []string{evmBuyer, xrplBuyer} {
		_, err := env.svc.ReleaseEscrow(context.Background(), sellerActor, escrow.ID, addr)
		require.ErrorIs(t, err, ErrValidation)
	}
	_, err := env.svc.ReleaseEscrow(context.Background(), adminActor, escrow.ID, xrplEscrow)
	require.ErrorIs(t, err, ErrValidation)
	assert.Empty(t, env.xrpl.payouts())

	_, err = env.svc.ReleaseEscrow(context.Background(), sellerActor, escrow.ID, xrplSeller)
	require.NoError(t, err)
	require.Len(t, env.xrpl.payouts(), 1)
	assert.Equal(t, xrplSeller, env.xrpl.payouts()[0].recipient)
}

func TestReleaseOnlyBySellerOrAdmin(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	escrow := env.fundedXRPL(t, "5")

	for _, actor := range []Actor{{UserID: "mallory"}, buyerActor, {}} {
		_, err := env.svc.ReleaseEscrow(ctx, actor, escrow.ID, "")
		require.ErrorIs(t, err, ErrForbidden, actor.UserID)
	}
	assert.Empty(t, env.xrpl.payouts())

	stored, err := env.svc.GetStatus(ctx, escrow.ID)
	require.NoError(t, err)
	assert.Equal(t, entities.EscrowFunded, stored.Status)
	assert.Nil(t, stored.ReleaseLock)

	released, err := env.svc.ReleaseEscrow(ctx, adminActor, escrow.ID, "")
	require.NoError(t, err)
	assert.Equal(t, entities.EscrowReleased, released.Status)
	require.Len(t, env.xrpl.payouts(), 1)
	assert.Equal(t, xrplSeller, env.xrpl.payouts()[0].recipient)
}

func TestBuyerActionsRequireBuyer(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	mallory := Actor{UserID: "mallory"}

	pending := env.createXRPL(t, "4")
	_, err := env.svc.RequestPayment(ctx, mallory, pending.ID)
	require.ErrorIs(t, err, ErrForbidden)
	_, err = env.svc.ConfirmFunding(ctx, mallory, pending.ID, entities.ChainXRPL, xrplFundHash)
	require.ErrorIs(t, err, ErrForbidden)
	_, err = env.svc.CancelEscrow(ctx, sellerActor, pending.ID)
	require.ErrorIs(t, err, ErrForbidden)

	funded, err := env.svc.ConfirmFunding(ctx, buyerActor, pending.ID, entities.ChainXRPL, xrplFundHash)
	require.NoError(t, err)
	_, err = env.svc.DisputeEscrow(ctx, sellerActor, funded.ID, "buyer is slow")
	require.ErrorIs(t, err, ErrForbidden)
	_, err = env.svc.MarkConditionsMet(ctx, sellerActor, funded.ID)
	require.ErrorIs(t, err, ErrForbidden)

	disputed, err := env.svc.DisputeEscrow(ctx, buyerActor, funded.ID, "never arrived")
	require.NoError(t, err)
	_, err = env.svc.ResolveDispute(ctx, buyerActor, disputed.ID, false)
	require.ErrorIs(t, err, ErrForbidden)
	_, err = env.svc.ResolveDispute(ctx, sellerActor, disputed.ID, true)
	require.ErrorIs(t, err, ErrForbidden)
	assert.Empty(t, env.xrpl.payouts())
}

func TestConfirmFundingRequiresBuyerAsSender(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	escrow := env.createXRPL(t, "6")

	env.verifier.paidBy = xrplSeller
	_, err := env.svc.ConfirmFunding(ctx, buyerActor, escrow.ID, entities.ChainXRPL, xrplFundHash)
	require.ErrorIs(t, err, chains.ErrTransferMismatch)

	stored, err := env.svc.GetStatus(ctx, escrow.ID)
	require.NoError(t, err)
	assert.Equal(t, entities.EscrowPending, stored.Status)

	env.verifier.paidBy = xrplBuyer
	funded, err := env.svc.ConfirmFunding(ctx, buyerActor, escrow.ID, entities.ChainXRPL, xrplFundHash)
	require.NoError(t, err)
	assert.Equal(t, entities.EscrowFunded, funded.Status)
}

func TestReleaseTwice(t *testing.T) {
	env := newTestEnv(t)
	escrow := env.fundedXRPL(t, "5")

	_, err := env.svc.ReleaseEscrow(context.Background(), sellerActor, escrow.ID, "")
	require.NoError(t, err)

	_, err = env.svc.ReleaseEscrow(context.Background(), sellerActor, escrow.ID, "")
	require.ErrorIs(t, err, ErrAlreadyReleased)
	assert.Len(t, env.xrpl.payouts(), 1)
}

func TestConcurrentReleasePaysOnce(t *testing.T) {
	env := newTestEnv(t)
	env.xrpl.delay = 50 * time.Millisecond
	escrow := env.fundedXRPL(t, "5")

	const callers = 4
	var (
		wg        sync.WaitGroup
		successes atomic.Int32
		errs      = make(chan error, callers)
	)
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			released, err := env.svc.ReleaseEscrow(context.Background(), sellerActor, escrow.ID, "")
			if err != nil {
				errs <- err
				return
			}
			if released.ReleaseHash != nil {
				successes.Add(1)
			}
		}()
	}
	wg.Wait()
	close(errs)

	assert.Equal(t, int32(1), successes.Load())
	for err := range errs {
		assert.ErrorIs(t, err, ErrAlreadyReleased)
	}
	assert.Len(t, env.xrpl.payouts(), 1)
}

func TestReleasePayoutFailureLeavesStateUnchanged(t *testing.T) {
	env := newTestEnv(t)
	escrow := env.fundedXRPL(t, "5")

	env.xrpl.setErr(errors.New("tecUNFUNDED_PAYMENT: insufficient XRP balance"))
	_, err := env.svc.ReleaseEscrow(context.Background(), sellerActor, escrow.ID, "")
	require.ErrorIs(t, err, chains.ErrInsufficientBalance)

	stored, err := env.svc.GetStatus(context.Background(), escrow.ID)
	require.NoError(t, err)
	assert.Equal(t, entities.EscrowFunded, stored.Status)
	assert.Nil(t, stored.ReleaseLock)
	assert.Nil(t, stored.ReleaseHash)

	env.xrpl.setErr(nil)
	released, err := env.svc.ReleaseEscrow(context.Background(), sellerActor, escrow.ID, "")
	require.NoError(t, err)
	assert.Equal(t, entities.EscrowReleased, released.Status)
}

func TestReleaseTimeoutKeepsClaim(t *testing.T) {
	env := newTestEnv(t)
	escrow := env.fundedXRPL(t, "5")

	before := testutil.ToFloat64(metrics.ReconciliationAlerts.WithLabelValues("release_unconfirmed"))
	env.xrpl.setErr(context.DeadlineExceeded)
	_, err := env.svc.ReleaseEscrow(context.Background(), sellerActor, escrow.ID, "")
	require.ErrorIs(t, err, chains.ErrTimeout)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.ReconciliationAlerts.WithLabelValues("release_unconfirmed")))

	env.xrpl.setErr(nil)
	_, err = env.svc.ReleaseEscrow(context.Background(), sellerActor, escrow.ID, "")
	require.ErrorIs(t, err, ErrReleaseBusy)
	assert.Empty(t, env.xrpl.payouts())
}

func TestReleaseAfterBroadcastFailureKeepsClaim(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	escrow := env.fundedXRPL(t, "5")

	const sent = "0xabc0000000000000000000000000000000000000000000000000000000000def"
	env.xrpl.setErr(chains.Broadcast(entities.ChainXRPL, sent, errors.New("receipt lookup: unexpected status code 500")))
	_, err := env.svc.ReleaseEscrow(ctx, sellerActor, escrow.ID, "")
	require.ErrorIs(t, err, chains.ErrOutcomeUnknown)

	stored, err := env.svc.GetStatus(ctx, escrow.ID)
	require.NoError(t, err)
	assert.Equal(t, entities.EscrowFunded, stored.Status)
	require.NotNil(t, stored.ReleaseLock)
	require.NotNil(t, stored.PendingPayoutHash)
	assert.Equal(t, sent, *stored.PendingPayoutHash)

	env.xrpl.setErr(nil)
	_, err = env.svc.ReleaseEscrow(ctx, sellerActor, escrow.ID, "")
	require.ErrorIs(t, err, ErrReleaseBusy)
	summary, err := env.svc.RunAutoRelease(ctx)
	require.NoError(t, err)
	assert.Zero(t, summary.Released)
	assert.Empty(t, env.xrpl.payouts())
}

func TestReleaseLostSubmissionKeepsClaim(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	escrow := env.fundedXRPL(t, "5")

	env.xrpl.setErr(chains.Broadcast(entities.ChainXRPL, "", errors.New("EOF")))
	_, err := env.svc.ReleaseEscrow(ctx, sellerActor, escrow.ID, "")
	require.ErrorIs(t, err, chains.ErrOutcomeUnknown)

	stored, err := env.svc.GetStatus(ctx, escrow.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.ReleaseLock)
	assert.Nil(t, stored.PendingPayoutHash)

	env.xrpl.setErr(nil)
	_, err = env.svc.ReleaseEscrow(ctx, adminActor, escrow.ID, "")
	require.ErrorIs(t, err, ErrReleaseBusy)
	assert.Empty(t, env.xrpl.payouts())
}

func TestFundEscrowIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	escrow := env.createXRPL(t, "7")

	result := &entities.PaymentResult{Success: true, Chain: entities.ChainXRPL, TxRef: xrplFundHash}
	first, err := env.svc.FundEscrow(ctx, escrow.ID, result)
	require.NoError(t, err)
	second, err := env.svc.FundEscrow(ctx, escrow.ID, result)
	require.NoError(t, err)
	assert.Equal(t, first.TransactionHash, second.TransactionHash)

	other := &entities.PaymentResult{Success: true, Chain: entities.ChainXRPL, TxRef: "B" + xrplFundHash[1:]}
	_, err = env.svc.FundEscrow(ctx, escrow.ID, other)
	require.ErrorIs(t, err, ErrInvalidStatus)

	another := env.createXRPL(t, "7")
	_, err = env.svc.FundEscrow(ctx, another.ID, result)
	require.ErrorIs(t, err, ErrTxHashInUse)
	require.ErrorIs(t, err, ErrValidation)
}

func TestFundEscrowRequiresConfirmedPayment(t *testing.T) {
	env := newTestEnv(t)
	escrow := env.createXRPL(t, "7")

	for _, res := range []*entities.PaymentResult{
		nil,
		{Success: false, Chain: entities.ChainXRPL, Error: "rejected"},
		{Success: true, Chain: entities.ChainXRPL, Pending: true, PaymentURI: "https://wallet.example"},
		{Success: true, Chain: entities.ChainXRPL},
	} {
		_, err := env.svc.FundEscrow(context.Background(), escrow.ID, res)
		require.ErrorIs(t, err, ErrValidation)
	}

	_, err := env.svc.FundEscrow(context.Background(), escrow.ID,
		&entities.PaymentResult{Success: true, Chain: entities.ChainSolana, TxRef: xrplFundHash})
	require.ErrorIs(t, err, ErrValidation)
}

func TestFundEscrowDeferredToOutbox(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	escrow := env.createXRPL(t, "9")

	env.store.Fail("MarkFunded", errors.New("connection reset by peer"))
	_, err := env.svc.FundEscrow(ctx, escrow.ID, &entities.PaymentResult{Success: true, Chain: entities.ChainXRPL, TxRef: xrplFundHash})
	require.ErrorIs(t, err, ErrFundingDeferred)

	stored, err := env.svc.GetStatus(ctx, escrow.ID)
	require.NoError(t, err)
	assert.Equal(t, entities.EscrowPending, stored.Status)

	outbox := env.store.Outbox()
	require.Len(t, outbox, 1)
	assert.Equal(t, xrplFundHash, outbox[0].TransactionHash)
	assert.Equal(t, entities.OutboxPending, outbox[0].Status)

	applied, err := env.svc.ApplyOutbox(ctx)
	require.NoError(t, err)
	assert.Zero(t, applied)
	assert.Equal(t, 1, env.store.Outbox()[0].Attempts)

	env.store.Fail("MarkFunded", nil)
	applied, err = env.svc.ApplyOutbox(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, applied)
	assert.Equal(t, entities.OutboxApplied, env.store.Outbox()[0].Status)

	stored, err = env.svc.GetStatus(ctx, escrow.ID)
	require.NoError(t, err)
	assert.Equal(t, entities.EscrowFunded, stored.Status)
}

func TestOutboxAbandonsAfterMaxAttempts(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	escrow := env.createXRPL(t, "9")

	env.store.Fail("MarkFunded", errors.New("disk full"))
	_, err := env.svc.FundEscrow(ctx, escrow.ID, &entities.PaymentResult{Success: true, Chain: entities.ChainXRPL, TxRef: xrplFundHash})
	require.ErrorIs(t, err, ErrFundingDeferred)

	before := testutil.ToFloat64(metrics.ReconciliationAlerts.WithLabelValues("outbox"))
	for range 3 {
		_, err := env.svc.ApplyOutbox(ctx)
		require.NoError(t, err)
	}
	assert.Equal(t, entities.OutboxAbandoned, env.store.Outbox()[0].Status)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.ReconciliationAlerts.WithLabelValues("outbox")))
}

func TestFundEscrowAlertsWhenOutboxFails(t *testing.T) {
	env := newTestEnv(t)
	escrow := env.createXRPL(t, "9")

	env.store.Fail("MarkFunded", errors.New("connection reset by peer"))
	env.store.Fail("EnqueueFunding", errors.New("connection reset by peer"))

	before := testutil.ToFloat64(metrics.ReconciliationAlerts.WithLabelValues("fund"))
	_, err := env.svc.FundEscrow(context.Background(), escrow.ID, &entities.PaymentResult{Success: true, Chain: entities.ChainXRPL, TxRef: xrplFundHash})
	require.ErrorIs(t, err, ErrFundingDeferred)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.ReconciliationAlerts.WithLabelValues("fund")))
	assert.Empty(t, env.store.Outbox())
}

func TestDisputeAndRefund(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	escrow := env.fundedXRPL(t, "12")

	_, err := env.svc.DisputeEscrow(ctx, buyerActor, escrow.ID, "")
	require.ErrorIs(t, err, ErrValidation)

	disputed, err := env.svc.DisputeEscrow(ctx, buyerActor, escrow.ID, "item never arrived")
	require.NoError(t, err)
	assert.Equal(t, entities.EscrowDisputed, disputed.Status)
	assert.Len(t, env.store.Notifications("seller-1"), 2)

	_, err = env.svc.ReleaseEscrow(ctx, sellerActor, escrow.ID, "")
	require.ErrorIs(t, err, ErrInvalidStatus)

	refunded, err := env.svc.ResolveDispute(ctx, adminActor, escrow.ID, false)
	require.NoError(t, err)
	assert.Equal(t, entities.EscrowCancelled, refunded.Status)

	payouts := env.xrpl.payouts()
	require.Len(t, payouts, 1)
	assert.Equal(t, xrplBuyer, payouts[0].recipient)

	order, err := env.store.GetOrderByEscrow(ctx, escrow.ID)
	require.NoError(t, err)
	assert.Equal(t, entities.OrderCancelled, order.Status)
}

func TestResolveDisputeForSellerPaysRecordedWallet(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	escrow := env.fundedXRPL(t, "12")

	_, err := env.svc.DisputeEscrow(ctx, buyerActor, escrow.ID, "wrong colour")
	require.NoError(t, err)

	released, err := env.svc.ResolveDispute(ctx, adminActor, escrow.ID, true)
	require.NoError(t, err)
	assert.Equal(t, entities.EscrowReleased, released.Status)
	require.Len(t, env.xrpl.payouts(), 1)
	assert.Equal(t, xrplSeller, env.xrpl.payouts()[0].recipient)
}

func TestConditionsMetThenRelease(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	escrow := env.fundedXRPL(t, "3")

	met, err := env.svc.MarkConditionsMet(ctx, buyerActor, escrow.ID)
	require.NoError(t, err)
	assert.Equal(t, entities.EscrowConditionsMet, met.Status)

	_, err = env.svc.MarkConditionsMet(ctx, buyerActor, escrow.ID)
	require.ErrorIs(t, err, ErrInvalidStatus)

	released, err := env.svc.ReleaseEscrow(ctx, sellerActor, escrow.ID, "")
	require.NoError(t, err)
	assert.Equal(t, entities.EscrowReleased, released.Status)

	_, err = env.svc.DisputeEscrow(ctx, buyerActor, escrow.ID, "too late")
	require.ErrorIs(t, err, ErrAlreadyReleased)
}

func TestCancelEscrow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	escrow := env.createXRPL(t, "3")

	cancelled, err := env.svc.CancelEscrow(ctx, buyerActor, escrow.ID)
	require.NoError(t, err)
	assert.Equal(t, entities.EscrowCancelled, cancelled.Status)
	assert.Equal(t, int32(1), env.watcher.stopped.Load())

	order, err := env.store.GetOrderByEscrow(ctx, escrow.ID)
	require.NoError(t, err)
	assert.Equal(t, entities.OrderCancelled, order.Status)

	_, err = env.svc.ConfirmFunding(ctx, buyerActor, escrow.ID, entities.ChainXRPL, xrplFundHash)
	require.ErrorIs(t, err, ErrInvalidStatus)

	funded := env.fundedXRPL(t, "3")
	_, err = env.svc.CancelEscrow(ctx, buyerActor, funded.ID)
	require.ErrorIs(t, err, ErrInvalidStatus)
}

func TestRequestPayment(t *testing.T) {
	env := newTestEnv(t)
	escrow := env.createXRPL(t, "20")

	req, err := env.svc.RequestPayment(context.Background(), buyerActor, escrow.ID)
	require.NoError(t, err)
	assert.Equal(t, xrplEscrow, req.EscrowWallet)
	assert.Contains(t, req.PaymentURI, "to="+xrplEscrow)
	assert.Equal(t, int32(1), env.watcher.watched.Load())
	assert.Equal(t, xrplBuyer, env.watcher.sender.Load())
	assert.Empty(t, env.xrpl.payouts())

	env.list("listing-9", "20")
	evmEscrowRecord, err := env.svc.CreateEscrow(context.Background(), CreateEscrowRequest{
		ListingID: "listing-9",
		Buyer:     evmBuyer,
		BuyerID:   "buyer-1",
		Amount:    decimal.NewFromInt(20),
		Chain:     entities.ChainXRPLEVM,
	})
	require.NoError(t, err)
	assert.Equal(t, evmSeller, evmEscrowRecord.Seller)
	req, err = env.svc.RequestPayment(context.Background(), buyerActor, evmEscrowRecord.ID)
	require.NoError(t, err)
	assert.Equal(t, evmEscrow, req.EscrowWallet)
	assert.Equal(t, int32(1), env.watcher.watched.Load())
}

package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sand/ripplebids-settlement/backend/config"
	"github.com/sand/ripplebids-settlement/backend/internal/chains"
	"github.com/sand/ripplebids-settlement/backend/internal/entities"
	"github.com/sand/ripplebids-settlement/backend/internal/oracle"
	"github.com/sand/ripplebids-settlement/backend/internal/usecases"
	"github.com/sand/ripplebids-settlement/backend/internal/usecases/mocked"
)

const (
	testJWTSecret  = "jwt-test-secret"
	testCronSecret = "cron-test-secret"
)

type fakeEscrows struct {
	escrow     *entities.Escrow
	err        error
	sweeps     int
	lastCreate usecases.CreateEscrowRequest
	lastActor  usecases.Actor
}

func (f *fakeEscrows) result() (*entities.Escrow, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.escrow, nil
}

func (f *fakeEscrows) CreateEscrow(_ context.Context, req usecases.CreateEscrowRequest) (*entities.Escrow, error) {
	f.lastCreate = req
	return f.result()
}

func (f *fakeEscrows) RequestPayment(_ context.Context, _ usecases.Actor, id string) (*usecases.PaymentRequest, error) {
	return &usecases.PaymentRequest{EscrowID: id, Chain: entities.ChainXRPL, EscrowWallet: "rEscrow", PaymentURI: "xrpl:rEscrow"}, nil
}

func (f *fakeEscrows) EscrowWallet(entities.Chain) (string, error) { return "rEscrow", nil }

func (f *fakeEscrows) ConfirmFunding(_ context.Context, actor usecases.Actor, _ string, _ entities.Chain, _ string) (*entities.Escrow, error) {
	f.lastActor = actor
	return f.result()
}

func (f *fakeEscrows) GetStatus(context.Context, string) (*entities.Escrow, error) { return f.result() }

func (f *fakeEscrows) ReleaseEscrow(_ context.Context, actor usecases.Actor, _, _ string) (*entities.Escrow, error) {
	f.lastActor = actor
	return f.result()
}

func (f *fakeEscrows) ResolveDispute(_ context.Context, actor usecases.Actor, _ string, _ bool) (*entities.Escrow, error) {
	f.lastActor = actor
	return f.result()
}

func (f *fakeEscrows) MarkConditionsMet(_ context.Context, actor usecases.Actor, _ string) (*entities.Escrow, error) {
	f.lastActor = actor
	return f.result()
}

func (f *fakeEscrows) DisputeEscrow(_ context.Context, actor usecases.Actor, _, _ string) (*entities.Escrow, error) {
	f.lastActor = actor
	return f.result()
}

func (f *fakeEscrows) CancelEscrow(_ context.Context, actor usecases.Actor, _ string) (*entities.Escrow, error) {
	f.lastActor = actor
	return f.result()
}

func (f *fakeEscrows) RunAutoRelease(context.Context) (*usecases.AutoReleaseSummary, error) {
	f.sweeps++
	return &usecases.AutoReleaseSummary{}, nil
}

type fakePricing struct{}

func (fakePricing) QuoteListing(context.Context, string, entities.Chain) (*usecases.ListingQuote, error) {
	return nil, oracle.ErrPriceUnavailable
}

func (fakePricing) Estimate(_ context.Context, chain entities.Chain, usd decimal.Decimal) (oracle.Quote, *decimal.Decimal, error) {
	q := oracle.Quote{Chain: chain, PriceUSD: decimal.RequireFromString("0.5"), Source: "test"}
	amount := usd.Div(q.PriceUSD)
	return q, &amount, nil
}

func newTestRouter(t *testing.T, escrows *fakeEscrows, jwtSecret string) *mux.Router {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	router := mux.NewRouter()
	NewHTTPHandler(logger, escrows, fakePricing{}, NewAuthenticator(logger, jwtSecret), testCronSecret).RegisterRoutes(router)
	return router
}

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func do(router http.Handler, method, target, token, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{fmt.Errorf("%w: amount", usecases.ErrValidation), http.StatusBadRequest},
		{fmt.Errorf("%w: doge", usecases.ErrUnsupportedChain), http.StatusBadRequest},
		{fmt.Errorf("escrow x: %w", usecases.ErrNotFound), http.StatusNotFound},
		{usecases.ErrReleaseBusy, http.StatusConflict},
		{fmt.Errorf("%w: escrow is pending", usecases.ErrInvalidStatus), http.StatusConflict},
		{fmt.Errorf("quote: %w", oracle.ErrPriceUnavailable), http.StatusServiceUnavailable},
		{usecases.ErrFundingDeferred, http.StatusAccepted},
		{errUnauthorized, http.StatusUnauthorized},
		{errForbidden, http.StatusForbidden},
		{fmt.Errorf("%w: escrow esc_1", usecases.ErrForbidden), http.StatusForbidden},
		{chains.NewPaymentError(chains.KindInsufficientBalance, entities.ChainXRPL, errors.New("tecUNFUNDED_PAYMENT")), http.StatusBadGateway},
		{errors.New("connection reset"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		status, msg := statusFor(tt.err)
		assert.Equal(t, tt.status, status, tt.err.Error())
		assert.NotEmpty(t, msg)
	}

	_, msg := statusFor(errors.New("pq: password authentication failed"))
	assert.NotContains(t, msg, "password")
}

func TestAutoReleaseRequiresSecret(t *testing.T) {
	escrows := &fakeEscrows{}
	router := newTestRouter(t, escrows, testJWTSecret)

	rec := do(router, http.MethodPost, "/api/cron/auto-release", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(router, http.MethodPost, "/api/cron/auto-release?secret=wrong", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Zero(t, escrows.sweeps)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, false, body["success"])

	rec = do(router, http.MethodPost, "/api/cron/auto-release?secret="+testCronSecret, "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, escrows.sweeps)

	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, true, body["success"])
	assert.NotNil(t, body["results"])

	rec = do(router, http.MethodGet, "/api/cron/auto-release", testCronSecret, "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAutoReleaseClosedWithoutConfiguredSecret(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	router := mux.NewRouter()
	NewHTTPHandler(logger, &fakeEscrows{}, fakePricing{}, NewAuthenticator(logger, ""), "").RegisterRoutes(router)

	rec := do(router, http.MethodPost, "/api/cron/auto-release?secret=", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestEscrowRoutesRequireJWT(t *testing.T) {
	escrows := &fakeEscrows{escrow: &entities.Escrow{ID: "esc_1", Status: entities.EscrowFunded}}
	router := newTestRouter(t, escrows, testJWTSecret)

	rec := do(router, http.MethodGet, "/api/escrow/esc_1", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	forged := signToken(t, "other-secret", jwt.MapClaims{"sub": "buyer-1"})
	rec = do(router, http.MethodGet, "/api/escrow/esc_1", forged, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	expired := signToken(t, testJWTSecret, jwt.MapClaims{"sub": "buyer-1", "exp": time.Now().Add(-time.Hour).Unix()})
	rec = do(router, http.MethodGet, "/api/escrow/esc_1", expired, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	noSubject := signToken(t, testJWTSecret, jwt.MapClaims{"exp": time.Now().Add(time.Hour).Unix()})
	rec = do(router, http.MethodGet, "/api/escrow/esc_1", noSubject, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	valid := signToken(t, testJWTSecret, jwt.MapClaims{"sub": "buyer-1", "exp": time.Now().Add(time.Hour).Unix()})
	rec = do(router, http.MethodGet, "/api/escrow/esc_1", valid, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var got entities.Escrow
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, entities.EscrowFunded, got.Status)
}

func TestCreateEscrow(t *testing.T) {
	escrows := &fakeEscrows{escrow: &entities.Escrow{ID: "esc_new", Chain: entities.ChainXRPL, Status: entities.EscrowPending}}
	router := newTestRouter(t, escrows, testJWTSecret)
	token := signToken(t, testJWTSecret, jwt.MapClaims{"sub": "buyer-7"})

	rec := do(router, http.MethodPost, "/api/escrow", token, `{"amount": "ten"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(router, http.MethodPost, "/api/escrow", token,
		`{"listingId":"l-1","buyer":"rBuyer","seller":"rSeller","amount":"20","chain":"xrpl"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "buyer-7", escrows.lastCreate.BuyerID)

	rec = do(router, http.MethodPost, "/api/escrow", token,
		`{"listingId":"l-1","buyer":"rBuyer","buyerId":"buyer-9","amount":"20","chain":"xrpl"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "buyer-7", escrows.lastCreate.BuyerID)

	admin := signToken(t, testJWTSecret, jwt.MapClaims{"sub": "ops", "role": "admin"})
	rec = do(router, http.MethodPost, "/api/escrow", admin,
		`{"listingId":"l-1","buyer":"rBuyer","buyerId":"buyer-9","amount":"20","chain":"xrpl"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "buyer-9", escrows.lastCreate.BuyerID)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "esc_new", body["escrowId"])
	assert.Equal(t, "rEscrow", body["escrowWallet"])
	assert.Equal(t, "xrpl:rEscrow", body["paymentUri"])
}

func TestEscrowActionErrors(t *testing.T) {
	escrows := &fakeEscrows{err: fmt.Errorf("escrow esc_x: %w", usecases.ErrNotFound)}
	router := newTestRouter(t, escrows, "")

	rec := do(router, http.MethodPost, "/api/escrow/release", "", `{"withdrawalAddress":"rX"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(router, http.MethodPost, "/api/escrow/release", "", `{"escrowId":"esc_x","withdrawalAddress":"rX"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	escrows.err = fmt.Errorf("%w: esc_x", usecases.ErrAlreadyReleased)
	rec = do(router, http.MethodPost, "/api/escrow/release", "", `{"escrowId":"esc_x","withdrawalAddress":"rX"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	escrows.err = usecases.ErrFundingDeferred
	rec = do(router, http.MethodPost, "/api/escrow/fund", "", `{"escrowId":"esc_x","transactionHash":"ABC","chain":"xrpl"}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, usecases.Actor{UserID: "demo", Admin: true}, escrows.lastActor)
}

func TestEscrowActionsCarryCaller(t *testing.T) {
	escrows := &fakeEscrows{escrow: &entities.Escrow{ID: "esc_1", Status: entities.EscrowDisputed}}
	router := newTestRouter(t, escrows, testJWTSecret)
	token := signToken(t, testJWTSecret, jwt.MapClaims{"sub": "buyer-1"})

	rec := do(router, http.MethodPost, "/api/escrow/dispute", token, `{"escrowId":"esc_1","reason":"broken"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, usecases.Actor{UserID: "buyer-1"}, escrows.lastActor)

	escrows.err = fmt.Errorf("%w: escrow esc_1", usecases.ErrForbidden)
	rec = do(router, http.MethodPost, "/api/escrow/cancel", token, `{"escrowId":"esc_1"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

type recordingPayer struct {
	recipients []string
}

type platformWallet struct{}

func (platformWallet) Chain() entities.Chain { return entities.ChainXRPL }
func (platformWallet) Address() string       { return "platform" }

func (p *recordingPayer) Chain() entities.Chain         { return entities.ChainXRPL }
func (p *recordingPayer) PlatformWallet() chains.Wallet { return platformWallet{} }

func (p *recordingPayer) SendTokenPayment(_ context.Context, _ chains.Wallet, recipient string, _ decimal.Decimal) (*entities.PaymentResult, error) {
	p.recipients = append(p.recipients, recipient)
	return &entities.PaymentResult{Success: true, Chain: entities.ChainXRPL, TxRef: "PAYOUT"}, nil
}

func TestReleaseOnlyPaysSellerOfOrder(t *testing.T) {
	const sellerWallet = "rLHzPsX6oXkzU2qL12kHCH8G8cnZv1rBJh"
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()

	store := mocked.NewStore()
	hash := "E3FE6EA3D48F0C2B639448020EA4F03D4F4F8FFDB243A852A0F59177921B4879"
	require.NoError(t, store.InsertEscrow(ctx, &entities.Escrow{
		ID:              "esc_1",
		ListingID:       "listing-1",
		Buyer:           "rHb9CJAWyB4rj91VRWn96DkukG4bwdtyTh",
		Seller:          sellerWallet,
		Amount:          decimal.NewFromInt(25),
		Chain:           entities.ChainXRPL,
		Status:          entities.EscrowFunded,
		TransactionHash: &hash,
	}))
	require.NoError(t, store.InsertOrder(ctx, &entities.Order{
		ID:           "order-1",
		ListingID:    "listing-1",
		BuyerID:      "buyer-1",
		SellerID:     "seller-1",
		Amount:       decimal.NewFromInt(25),
		EscrowID:     "esc_1",
		PaymentChain: entities.ChainXRPL,
		Status:       entities.OrderEscrowFunded,
	}))

	payer := &recordingPayer{}
	registry := chains.NewRegistry()
	registry.Register(entities.ChainXRPL, payer, nil, "rPEPPER7kfTD9w2To4CQk6UCfuHM9c6GDY")
	svc := usecases.NewEscrowService(logger, store, usecases.Repositories{
		Escrows:       store,
		Orders:        store,
		Notifications: store,
		Outbox:        store,
	}, registry, config.Escrow{AutoReleaseAfterDays: 20, SweepBatchSize: 50})

	router := mux.NewRouter()
	NewHTTPHandler(logger, svc, fakePricing{}, NewAuthenticator(logger, testJWTSecret), testCronSecret).RegisterRoutes(router)

	mallory := signToken(t, testJWTSecret, jwt.MapClaims{"sub": "mallory"})
	rec := do(router, http.MethodPost, "/api/escrow/release", mallory,
		`{"escrowId":"esc_1","withdrawalAddress":"rHb9CJAWyB4rj91VRWn96DkukG4bwdtyTh"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, payer.recipients)

	seller := signToken(t, testJWTSecret, jwt.MapClaims{"sub": "seller-1"})
	rec = do(router, http.MethodPost, "/api/escrow/release", seller,
		`{"escrowId":"esc_1","withdrawalAddress":"rHb9CJAWyB4rj91VRWn96DkukG4bwdtyTh"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, payer.recipients)

	rec = do(router, http.MethodPost, "/api/escrow/release", seller, `{"escrowId":"esc_1"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{sellerWallet}, payer.recipients)
}

func TestResolveDisputeRequiresAdmin(t *testing.T) {
	escrows := &fakeEscrows{escrow: &entities.Escrow{ID: "esc_1", Status: entities.EscrowCancelled}}
	router := newTestRouter(t, escrows, testJWTSecret)
	body := `{"escrowId":"esc_1","releaseToSeller":false}`

	user := signToken(t, testJWTSecret, jwt.MapClaims{"sub": "buyer-1"})
	rec := do(router, http.MethodPost, "/api/escrow/resolve", user, body)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	admin := signToken(t, testJWTSecret, jwt.MapClaims{"sub": "ops", "role": "admin"})
	rec = do(router, http.MethodPost, "/api/escrow/resolve", admin, body)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestPriceEndpoints(t *testing.T) {
	router := newTestRouter(t, &fakeEscrows{}, "")

	rec := do(router, http.MethodGet, "/api/price/xrpl?usd=10", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "20", body["tokenAmount"])

	rec = do(router, http.MethodGet, "/api/price/xrpl?usd=abc", "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(router, http.MethodGet, "/api/listings/l-1/quote?chain=xrpl", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHubDeliversEventsForEscrow(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	escrows := &fakeEscrows{escrow: &entities.Escrow{ID: "esc_ws", Status: entities.EscrowPending}}
	hub := NewHub(logger, []string{"*"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	router := mux.NewRouter()
	NewWebSocketHandler(logger, escrows, hub).RegisterRoutes(router)
	srv := httptest.NewServer(router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/escrow/esc_ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var ev entities.EscrowEvent
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, entities.EscrowPending, ev.Status)

	require.Eventually(t, func() bool { return hub.Subscribers("esc_ws") == 1 }, 2*time.Second, 10*time.Millisecond)

	hub.Publish(entities.EscrowEvent{EscrowID: "esc_other", Status: entities.EscrowFunded})
	hub.Publish(entities.EscrowEvent{EscrowID: "esc_ws", Status: entities.EscrowFunded, TxHash: "ABC"})

	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, "esc_ws", ev.EscrowID)
	assert.Equal(t, entities.EscrowFunded, ev.Status)
	assert.Equal(t, "ABC", ev.TxHash)
}

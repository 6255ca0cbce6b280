package handlers

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"github.com/sand/ripplebids-settlement/backend/internal/entities"
	"github.com/sand/ripplebids-settlement/backend/internal/usecases"
)

type HTTPHandler struct {
	logger     *slog.Logger
	escrows    EscrowService
	pricing    PricingService
	auth       *Authenticator
	cronSecret string
}

func NewHTTPHandler(logger *slog.Logger, escrows EscrowService, pricing PricingService, auth *Authenticator, cronSecret string) *HTTPHandler {
	return &HTTPHandler{
		logger:     logger,
		escrows:    escrows,
		pricing:    pricing,
		auth:       auth,
		cronSecret: cronSecret,
	}
}

func (h *HTTPHandler) RegisterRoutes(router *mux.Router) {
	api := router.PathPrefix("/api").Subrouter()

	// Pricing
	api.HandleFunc("/price/{chain}", h.GetPrice).Methods("GET")
	api.HandleFunc("/listings/{id}/quote", h.QuoteListing).Methods("GET")

	// Cron
	api.HandleFunc("/cron/auto-release", h.AutoRelease).Methods("GET", "POST")

	// Escrow
	escrow := api.PathPrefix("/escrow").Subrouter()
	escrow.Use(h.auth.Middleware)
	escrow.HandleFunc("", h.CreateEscrow).Methods("POST")
	escrow.HandleFunc("/fund", h.FundEscrow).Methods("POST")
	escrow.HandleFunc("/payment-request", h.RequestPayment).Methods("POST")
	escrow.HandleFunc("/release", h.ReleaseEscrow).Methods("POST")
	escrow.HandleFunc("/conditions-met", h.ConditionsMet).Methods("POST")
	escrow.HandleFunc("/dispute", h.DisputeEscrow).Methods("POST")
	escrow.HandleFunc("/cancel", h.CancelEscrow).Methods("POST")
	escrow.HandleFunc("/resolve", h.ResolveDispute).Methods("POST")
	escrow.HandleFunc("/{id}", h.GetEscrow).Methods("GET")
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: malformed request body: %v", usecases.ErrValidation, err)
	}
	return nil
}

// GetPrice returns the token price for a chain. With ?usd= it also converts
// the amount; the estimated fallback is allowed here since nothing is charged.
func (h *HTTPHandler) GetPrice(w http.ResponseWriter, r *http.Request) {
	chain := entities.Chain(mux.Vars(r)["chain"])
	usd := decimal.NewFromInt(1)
	if raw := r.URL.Query().Get("usd"); raw != "" {
		parsed, err := decimal.NewFromString(raw)
		if err != nil {
			writeError(w, h.logger, r, fmt.Errorf("%w: invalid usd amount", usecases.ErrValidation))
			return
		}
		usd = parsed
	}

	quote, amount, err := h.pricing.Estimate(r.Context(), chain, usd)
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}

	resp := map[string]any{
		"success":   true,
		"chain":     quote.Chain,
		"priceUsd":  quote.PriceUSD,
		"source":    quote.Source,
		"estimated": quote.Estimated,
	}
	if amount != nil {
		resp["tokenAmount"] = amount
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *HTTPHandler) QuoteListing(w http.ResponseWriter, r *http.Request) {
	chain := entities.Chain(r.URL.Query().Get("chain"))
	if chain == "" {
		writeError(w, h.logger, r, fmt.Errorf("%w: chain is required", usecases.ErrValidation))
		return
	}

	quote, err := h.pricing.QuoteListing(r.Context(), mux.Vars(r)["id"], chain)
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "quote": quote})
}

type createEscrowBody struct {
	ListingID       string                    `json:"listingId"`
	Buyer           string                    `json:"buyer"`
	Seller          string                    `json:"seller"`
	BuyerID         string                    `json:"buyerId"`
	SellerID        string                    `json:"sellerId"`
	Amount          decimal.Decimal           `json:"amount"`
	Chain           entities.Chain            `json:"chain"`
	Conditions      entities.EscrowConditions `json:"conditions"`
	Shipping        *entities.ShippingInfo    `json:"shipping"`
	TransactionHash string                    `json:"transactionHash"`
	// PaymentVerified is accepted from older clients but never trusted; the
	// transaction is always verified on chain.
	PaymentVerified bool `json:"paymentVerified"`
}

// CreateEscrow opens an escrow for a purchase. Without a transaction hash the
// response carries the payment request for the buyer's wallet.
func (h *HTTPHandler) CreateEscrow(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	var body createEscrowBody
	if err = decodeBody(w, r, &body); err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	// Only admins may open an escrow on behalf of another buyer.
	if !actor.Admin || body.BuyerID == "" {
		body.BuyerID = actor.UserID
	}

	escrow, err := h.escrows.CreateEscrow(r.Context(), usecases.CreateEscrowRequest{
		ListingID:       body.ListingID,
		Buyer:           strings.TrimSpace(body.Buyer),
		Seller:          strings.TrimSpace(body.Seller),
		BuyerID:         body.BuyerID,
		SellerID:        body.SellerID,
		Amount:          body.Amount,
		Chain:           body.Chain,
		Conditions:      body.Conditions,
		Shipping:        body.Shipping,
		TransactionHash: strings.TrimSpace(body.TransactionHash),
	})
	if err != nil {
		if escrow != nil {
			h.logger.WarnContext(r.Context(), "[Create Escrow] funding not applied", "escrow_id", escrow.ID, "error", err)
		}
		writeError(w, h.logger, r, err)
		return
	}

	resp := map[string]any{
		"success":  true,
		"escrowId": escrow.ID,
		"status":   escrow.Status,
	}
	if escrow.Status == entities.EscrowPending {
		payment, err := h.escrows.RequestPayment(r.Context(), actor, escrow.ID)
		if err != nil {
			writeError(w, h.logger, r, err)
			return
		}
		resp["escrowWallet"] = payment.EscrowWallet
		resp["paymentUri"] = payment.PaymentURI
	} else if wallet, err := h.escrows.EscrowWallet(escrow.Chain); err == nil {
		resp["escrowWallet"] = wallet
	}

	h.logger.InfoContext(r.Context(), "[Create Escrow] escrow created", "escrow_id", escrow.ID, "chain", escrow.Chain, "amount", escrow.Amount.String())
	writeJSON(w, http.StatusCreated, resp)
}

type escrowActionBody struct {
	EscrowID          string         `json:"escrowId"`
	TransactionHash   string         `json:"transactionHash,omitempty"`
	Chain             entities.Chain `json:"chain,omitempty"`
	WithdrawalAddress string         `json:"withdrawalAddress,omitempty"`
	Reason            string         `json:"reason,omitempty"`
	ReleaseToSeller   bool           `json:"releaseToSeller,omitempty"`
}

// actionBody decodes the body of an escrow action along with its caller.
func (h *HTTPHandler) actionBody(w http.ResponseWriter, r *http.Request) (escrowActionBody, usecases.Actor, bool) {
	var body escrowActionBody
	actor, err := actorFrom(r)
	if err != nil {
		writeError(w, h.logger, r, err)
		return body, actor, false
	}
	if err = decodeBody(w, r, &body); err != nil {
		writeError(w, h.logger, r, err)
		return body, actor, false
	}
	body.EscrowID = strings.TrimSpace(body.EscrowID)
	if body.EscrowID == "" {
		writeError(w, h.logger, r, fmt.Errorf("%w: escrowId is required", usecases.ErrValidation))
		return body, actor, false
	}
	return body, actor, true
}

func (h *HTTPHandler) FundEscrow(w http.ResponseWriter, r *http.Request) {
	body, actor, ok := h.actionBody(w, r)
	if !ok {
		return
	}
	if strings.TrimSpace(body.TransactionHash) == "" {
		writeError(w, h.logger, r, fmt.Errorf("%w: transactionHash is required", usecases.ErrValidation))
		return
	}

	escrow, err := h.escrows.ConfirmFunding(r.Context(), actor, body.EscrowID, body.Chain, strings.TrimSpace(body.TransactionHash))
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "status": escrow.Status})
}

func (h *HTTPHandler) RequestPayment(w http.ResponseWriter, r *http.Request) {
	body, actor, ok := h.actionBody(w, r)
	if !ok {
		return
	}
	payment, err := h.escrows.RequestPayment(r.Context(), actor, body.EscrowID)
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "payment": payment})
}

func (h *HTTPHandler) GetEscrow(w http.ResponseWriter, r *http.Request) {
	escrow, err := h.escrows.GetStatus(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, escrow)
}

func (h *HTTPHandler) ReleaseEscrow(w http.ResponseWriter, r *http.Request) {
	body, actor, ok := h.actionBody(w, r)
	if !ok {
		return
	}

	escrow, err := h.escrows.ReleaseEscrow(r.Context(), actor, body.EscrowID, strings.TrimSpace(body.WithdrawalAddress))
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "releaseHash": escrow.ReleaseHash})
}

func (h *HTTPHandler) ConditionsMet(w http.ResponseWriter, r *http.Request) {
	body, actor, ok := h.actionBody(w, r)
	if !ok {
		return
	}
	h.respondTransition(w, r, func() (*entities.Escrow, error) {
		return h.escrows.MarkConditionsMet(r.Context(), actor, body.EscrowID)
	})
}

func (h *HTTPHandler) DisputeEscrow(w http.ResponseWriter, r *http.Request) {
	body, actor, ok := h.actionBody(w, r)
	if !ok {
		return
	}
	h.respondTransition(w, r, func() (*entities.Escrow, error) {
		return h.escrows.DisputeEscrow(r.Context(), actor, body.EscrowID, body.Reason)
	})
}

func (h *HTTPHandler) CancelEscrow(w http.ResponseWriter, r *http.Request) {
	body, actor, ok := h.actionBody(w, r)
	if !ok {
		return
	}
	h.respondTransition(w, r, func() (*entities.Escrow, error) {
		return h.escrows.CancelEscrow(r.Context(), actor, body.EscrowID)
	})
}

// ResolveDispute settles a disputed escrow. Admin only.
func (h *HTTPHandler) ResolveDispute(w http.ResponseWriter, r *http.Request) {
	if p, ok := PrincipalFromContext(r.Context()); !ok || !p.IsAdmin() {
		writeError(w, h.logger, r, errForbidden)
		return
	}
	body, actor, ok := h.actionBody(w, r)
	if !ok {
		return
	}

	escrow, err := h.escrows.ResolveDispute(r.Context(), actor, body.EscrowID, body.ReleaseToSeller)
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "status": escrow.Status, "releaseHash": escrow.ReleaseHash})
}

func (h *HTTPHandler) respondTransition(w http.ResponseWriter, r *http.Request, do func() (*entities.Escrow, error)) {
	escrow, err := do()
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "status": escrow.Status})
}

// AutoRelease runs the auto-release sweep. The caller must present the cron
// secret as ?secret= or as a bearer token.
func (h *HTTPHandler) AutoRelease(w http.ResponseWriter, r *http.Request) {
	secret := r.URL.Query().Get("secret")
	if secret == "" {
		secret = extractBearer(r.Header.Get("Authorization"))
	}
	if !secretMatches(h.cronSecret, secret) {
		h.logger.WarnContext(r.Context(), "[Auto Release] unauthorized cron call", "remote", r.RemoteAddr)
		writeError(w, h.logger, r, errUnauthorized)
		return
	}

	summary, err := h.escrows.RunAutoRelease(r.Context())
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}

	results := summary.Results
	if results == nil {
		results = []usecases.AutoReleaseResult{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": fmt.Sprintf("Processed %d orders: %d released, %d failed", len(results), summary.Released, summary.Failed),
		"results": results,
	})
}

package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/sand/ripplebids-settlement/backend/internal/chains"
	"github.com/sand/ripplebids-settlement/backend/internal/oracle"
	"github.com/sand/ripplebids-settlement/backend/internal/usecases"
)

var (
	errUnauthorized = errors.New("unauthorized")
	errForbidden    = errors.New("forbidden")
)

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// statusFor maps a service error onto the HTTP status and the message shown to the client.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, errUnauthorized):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, errForbidden):
		return http.StatusForbidden, "admin role required"
	case errors.Is(err, usecases.ErrForbidden):
		return http.StatusForbidden, err.Error()
	case errors.Is(err, usecases.ErrFundingDeferred):
		return http.StatusAccepted, err.Error()
	case errors.Is(err, usecases.ErrNotFound):
		return http.StatusNotFound, "escrow not found"
	case errors.Is(err, usecases.ErrAlreadyReleased),
		errors.Is(err, usecases.ErrInvalidStatus),
		errors.Is(err, chains.ErrNotConfirmed):
		return http.StatusConflict, err.Error()
	case errors.Is(err, usecases.ErrValidation),
		errors.Is(err, usecases.ErrUnsupportedChain),
		errors.Is(err, chains.ErrTransferMismatch):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, oracle.ErrPriceUnavailable):
		return http.StatusServiceUnavailable, "token price unavailable, please try again shortly"
	}
	var perr *chains.PaymentError
	if errors.As(err, &perr) {
		return http.StatusBadGateway, chains.FormatPaymentError(err)
	}
	return http.StatusInternalServerError, "internal server error"
}

func writeError(w http.ResponseWriter, logger *slog.Logger, r *http.Request, err error) {
	status, msg := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger.ErrorContext(r.Context(), "[HTTP] request failed", "path", r.URL.Path, "status", status, "error", err)
	}
	writeJSON(w, status, errorResponse{Success: false, Error: msg})
}

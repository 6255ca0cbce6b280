package handlers

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/sand/ripplebids-settlement/backend/internal/entities"
)

type WebSocketHandler struct {
	logger  *slog.Logger
	escrows EscrowService
	hub     *Hub
}

func NewWebSocketHandler(logger *slog.Logger, escrows EscrowService, hub *Hub) *WebSocketHandler {
	return &WebSocketHandler{
		logger:  logger,
		escrows: escrows,
		hub:     hub,
	}
}

func (h *WebSocketHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/ws/escrow/{id}", h.HandleConnection)
}

func (h *WebSocketHandler) HandleConnection(w http.ResponseWriter, r *http.Request) {
	escrowID := mux.Vars(r)["id"]

	escrow, err := h.escrows.GetStatus(r.Context(), escrowID)
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}

	h.logger.Info("New WebSocket connection", "escrow_id", escrowID)

	initial := entities.EscrowEvent{EscrowID: escrow.ID, Status: escrow.Status, At: escrow.UpdatedAt}
	if escrow.TransactionHash != nil {
		initial.TxHash = *escrow.TransactionHash
	}
	if escrow.ReleaseHash != nil {
		initial.ReleaseHash = *escrow.ReleaseHash
	}
	if err := h.hub.Serve(w, r, escrowID, initial); err != nil {
		h.logger.Error("Error upgrading connection", "escrow_id", escrowID, "error", err)
		return
	}
	h.logger.Debug("WebSocket connection closed", "escrow_id", escrowID)
}

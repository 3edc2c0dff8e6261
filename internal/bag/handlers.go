package bag

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/icarus-drones/storefront-api/internal/common"
	"github.com/icarus-drones/storefront-api/internal/pricing"
)

type balanceReader interface {
	Balance(ctx context.Context, userID string) (int64, error)
}

// Handler wires the bag service to HTTP.
type Handler struct {
	Svc     *Service
	Valuer  Valuer
	Engine  pricing.Engine
	Loyalty balanceReader
}

// Get returns the bag contents with a full valuation and adjusted quote.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := common.SessionID(r.Context())
	if !ok {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "missing session", nil)
		return
	}
	b, err := h.Svc.Get(r.Context(), sessionID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.respondWithValuation(w, r, b)
}

// AddItem adds a catalog product, optionally with attachment codes.
func (h *Handler) AddItem(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := common.SessionID(r.Context())
	if !ok {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "missing session", nil)
		return
	}
	var payload struct {
		ProductID       string   `json:"productId"`
		SKU             string   `json:"sku"`
		Quantity        int64    `json:"quantity"`
		AttachmentCodes []string `json:"attachmentCodes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid request body", nil)
		return
	}
	if strings.TrimSpace(payload.ProductID) == "" && strings.TrimSpace(payload.SKU) == "" {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "productId or sku is required", nil)
		return
	}
	b, err := h.Svc.AddCustomItem(r.Context(), sessionID, payload.ProductID, payload.SKU, payload.Quantity, payload.AttachmentCodes)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.respondWithValuation(w, r, b)
}

// AdjustItem sets a line quantity; zero removes the line.
func (h *Handler) AdjustItem(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := common.SessionID(r.Context())
	if !ok {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "missing session", nil)
		return
	}
	lineKey := chi.URLParam(r, "key")
	var payload struct {
		Quantity int64 `json:"quantity"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid request body", nil)
		return
	}
	b, err := h.Svc.AdjustItem(r.Context(), sessionID, lineKey, payload.Quantity)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.respondWithValuation(w, r, b)
}

// RemoveItem deletes a line.
func (h *Handler) RemoveItem(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := common.SessionID(r.Context())
	if !ok {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "missing session", nil)
		return
	}
	b, err := h.Svc.RemoveItem(r.Context(), sessionID, chi.URLParam(r, "key"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.respondWithValuation(w, r, b)
}

// ApplyPoints records the loyalty redemption for this bag. Requires a signed-in
// customer since anonymous sessions have no balance to redeem against.
func (h *Handler) ApplyPoints(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := common.SessionID(r.Context())
	if !ok {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "missing session", nil)
		return
	}
	userID, ok := common.UserID(r.Context())
	if !ok || userID == "" {
		common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "sign in to redeem loyalty points", nil)
		return
	}
	var payload struct {
		Points int64 `json:"points"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid request body", nil)
		return
	}
	available, err := h.Loyalty.Balance(r.Context(), userID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	b, err := h.Svc.ApplyPoints(r.Context(), sessionID, payload.Points, available)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.respondWithValuation(w, r, b)
}

func (h *Handler) respondWithValuation(w http.ResponseWriter, r *http.Request, b Bag) {
	valuation, err := h.Valuer.Contents(r.Context(), b)
	if err != nil {
		h.writeError(w, err)
		return
	}
	available := b.AppliedPoints
	if userID, ok := common.UserID(r.Context()); ok && h.Loyalty != nil {
		if balance, err := h.Loyalty.Balance(r.Context(), userID); err == nil {
			available = balance
		}
	}
	quote, err := h.Engine.Adjust(valuation.Subtotal, b.AppliedPoints, available)
	if err != nil {
		h.writeError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{
		"data": map[string]any{
			"lines":         valuation.Lines,
			"lineCount":     valuation.LineCount,
			"droppedLines":  valuation.DroppedLines,
			"appliedPoints": b.AppliedPoints,
			"quote":         quote,
		},
	})
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, common.ErrInvalidInput):
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
	case errors.Is(err, common.ErrNotFound):
		common.JSONError(w, http.StatusNotFound, "NOT_FOUND", err.Error(), nil)
	default:
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "unable to process bag request", nil)
	}
}

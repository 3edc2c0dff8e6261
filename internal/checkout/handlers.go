package checkout

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/icarus-drones/storefront-api/internal/common"
	"github.com/icarus-drones/storefront-api/internal/order"
)

// Handler wires the checkout service to HTTP.
type Handler struct {
	Svc *Service
}

// Quote returns the checkout view and synchronises the payment intent. Pass
// the current intent id to modify it instead of opening a fresh one.
func (h *Handler) Quote(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := common.SessionID(r.Context())
	if !ok {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "missing session", nil)
		return
	}
	var payload struct {
		IntentID string `json:"intentId"`
	}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid request body", nil)
			return
		}
	}
	userID, _ := common.UserID(r.Context())
	username, _ := common.Username(r.Context())
	view, err := h.Svc.Quote(r.Context(), sessionID, userID, username, payload.IntentID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": view})
}

// Submit accepts the checkout form and creates the order.
func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := common.SessionID(r.Context())
	if !ok {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "missing session", nil)
		return
	}
	var in SubmitInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid request body", nil)
		return
	}
	in.SessionID = sessionID
	in.UserID, _ = common.UserID(r.Context())
	in.Username, _ = common.Username(r.Context())

	o, err := h.Svc.Submit(r.Context(), in)
	if err != nil {
		h.writeError(w, err)
		return
	}
	common.JSON(w, http.StatusCreated, map[string]any{"data": orderView(o)})
}

func orderView(o order.Order) map[string]any {
	return map[string]any{
		"number":          o.Number,
		"status":          string(o.Status),
		"orderTotal":      o.OrderTotal,
		"deliveryCost":    o.DeliveryCost,
		"discountApplied": o.DiscountApplied,
		"grandTotal":      o.GrandTotal,
		"pointsUsed":      o.PointsUsed,
		"pointsEarned":    o.PointsEarned,
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var appErr *common.AppError
	switch {
	case errors.As(err, &appErr):
		common.JSONError(w, appErr.HTTPStatus, appErr.Code, appErr.Message, appErr.Details)
	case errors.Is(err, common.ErrInvalidInput):
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
	case errors.Is(err, common.ErrNotFound):
		common.JSONError(w, http.StatusNotFound, "NOT_FOUND", err.Error(), nil)
	case errors.Is(err, common.ErrConflict):
		common.JSONError(w, http.StatusConflict, "CONFLICT", err.Error(), nil)
	default:
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "unable to process checkout", nil)
	}
}

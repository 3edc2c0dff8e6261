package order

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/icarus-drones/storefront-api/internal/common"
)

// Handler exposes order history endpoints.
type Handler struct {
	Repo *Repo
}

// Get returns one order by number. Customers can only see their own orders.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	userID, ok := common.UserID(r.Context())
	if !ok {
		common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "sign in to view orders", nil)
		return
	}
	o, err := h.Repo.GetByNumber(r.Context(), chi.URLParam(r, "number"))
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			common.JSONError(w, http.StatusNotFound, "NOT_FOUND", "order not found", nil)
			return
		}
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "unable to load order", nil)
		return
	}
	if o.UserID != userID {
		common.JSONError(w, http.StatusNotFound, "NOT_FOUND", "order not found", nil)
		return
	}
	lines, err := h.Repo.ListLines(r.Context(), o.ID)
	if err != nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "unable to load order lines", nil)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{
		"data": map[string]any{
			"order": orderView(o),
			"lines": lineViews(lines),
		},
	})
}

// List returns the authenticated customer's order history.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	userID, ok := common.UserID(r.Context())
	if !ok {
		common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "sign in to view orders", nil)
		return
	}
	orders, err := h.Repo.ListByUser(r.Context(), userID)
	if err != nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "unable to load orders", nil)
		return
	}
	views := make([]map[string]any, 0, len(orders))
	for _, o := range orders {
		views = append(views, orderView(o))
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": map[string]any{"orders": views}})
}

func orderView(o Order) map[string]any {
	return map[string]any{
		"number":          o.Number,
		"status":          string(o.Status),
		"fullName":        o.FullName,
		"email":           o.Email,
		"orderTotal":      o.OrderTotal,
		"deliveryCost":    o.DeliveryCost,
		"discountApplied": o.DiscountApplied,
		"grandTotal":      o.GrandTotal,
		"pointsUsed":      o.PointsUsed,
		"pointsEarned":    o.PointsEarned,
		"createdAt":       o.CreatedAt,
		"settledAt":       o.SettledAt,
	}
}

func lineViews(lines []Line) []map[string]any {
	out := make([]map[string]any, 0, len(lines))
	for _, line := range lines {
		out = append(out, map[string]any{
			"sku":             line.SKU,
			"quantity":        line.Quantity,
			"attachmentCodes": line.AttachmentCodes,
			"lineTotal":       line.LineTotal,
		})
	}
	return out
}

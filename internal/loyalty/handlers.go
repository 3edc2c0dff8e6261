package loyalty

import (
	"net/http"

	"github.com/icarus-drones/storefront-api/internal/common"
)

// Handler exposes the read-only loyalty endpoints.
type Handler struct {
	Ledger *Ledger
}

// Balance returns the customer's current point balance.
func (h *Handler) Balance(w http.ResponseWriter, r *http.Request) {
	userID, ok := common.UserID(r.Context())
	if !ok {
		common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "sign in to view loyalty points", nil)
		return
	}
	points, err := h.Ledger.Balance(r.Context(), userID)
	if err != nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "unable to read balance", nil)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": map[string]any{"points": points}})
}

// History returns the customer's ledger entries in posting order.
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	userID, ok := common.UserID(r.Context())
	if !ok {
		common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "sign in to view loyalty history", nil)
		return
	}
	entries, err := h.Ledger.History(r.Context(), userID)
	if err != nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "unable to read ledger", nil)
		return
	}
	limit := common.AtoiDefault(r.URL.Query().Get("limit"), len(entries))
	if limit < len(entries) && limit >= 0 {
		// newest entries win when the caller caps the page
		entries = entries[len(entries)-limit:]
	}
	views := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		views = append(views, map[string]any{
			"type":          string(e.Type),
			"points":        e.Points,
			"balanceBefore": e.BalanceBefore,
			"balanceAfter":  e.BalanceAfter,
			"orderId":       e.OrderID,
			"createdAt":     e.CreatedAt,
		})
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": map[string]any{"entries": views}})
}

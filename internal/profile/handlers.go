package profile

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/icarus-drones/storefront-api/internal/common"
)

// Handler exposes the customer profile endpoints.
type Handler struct {
	Repo *Repo
}

// Get returns the signed-in customer's profile.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	userID, ok := common.UserID(r.Context())
	if !ok || userID == "" {
		common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "sign in to view your profile", nil)
		return
	}
	p, err := h.Repo.Get(r.Context(), userID)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			common.JSON(w, http.StatusOK, map[string]any{"data": Profile{UserID: userID}})
			return
		}
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "unable to load profile", nil)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": p})
}

// Save updates the customer's contact and address details. The loyalty
// balance in the payload is ignored; only the ledger writes it.
func (h *Handler) Save(w http.ResponseWriter, r *http.Request) {
	userID, ok := common.UserID(r.Context())
	if !ok || userID == "" {
		common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "sign in to update your profile", nil)
		return
	}
	var p Profile
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid request body", nil)
		return
	}
	p.UserID = userID
	if err := h.Repo.SaveInfo(r.Context(), p); err != nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "unable to save profile", nil)
		return
	}
	stored, err := h.Repo.Get(r.Context(), userID)
	if err != nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "unable to reload profile", nil)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": stored})
}

package catalog

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/icarus-drones/storefront-api/internal/common"
)

// Handler exposes catalog lookups over HTTP.
type Handler struct {
	Svc *Service
}

// Get resolves one product by id or SKU.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "ref")
	product, err := h.Svc.Resolve(r.Context(), "", ref)
	if errors.Is(err, common.ErrNotFound) {
		// the reference may be an id rather than a SKU
		product, err = h.Svc.Resolve(r.Context(), ref, "")
	}
	if err != nil {
		switch {
		case errors.Is(err, common.ErrNotFound):
			common.JSONError(w, http.StatusNotFound, "NOT_FOUND", "product not found", nil)
		case errors.Is(err, common.ErrInvalidInput):
			common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
		default:
			common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "unable to load product", nil)
		}
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": product})
}

// Attachments lists the fixed attachment catalogue for custom drone builds.
func (h *Handler) Attachments(w http.ResponseWriter, _ *http.Request) {
	common.JSON(w, http.StatusOK, map[string]any{"data": Attachments()})
}

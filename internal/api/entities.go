package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/opensource-finance/axm/internal/domain"
)

func entityRef(r *http.Request) domain.EntityRef {
	return domain.EntityRef{
		Kind: domain.EntityKind(chi.URLParam(r, "kind")),
		ID:   chi.URLParam(r, "id"),
	}
}

// GetEntity handles GET /entities/{kind}/{id}.
func (h *Handler) GetEntity(w http.ResponseWriter, r *http.Request) {
	ent, err := h.engine.GetEntity(entityRef(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ent)
}

// DeactivateEntityRequest is the request body for
// POST /entities/{kind}/{id}/deactivate.
type DeactivateEntityRequest struct {
	Actor string `json:"actor"`
}

// DeactivateEntity handles POST /entities/{kind}/{id}/deactivate.
func (h *Handler) DeactivateEntity(w http.ResponseWriter, r *http.Request) {
	var req DeactivateEntityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid JSON request body"})
		return
	}

	ent, err := h.engine.DeactivateEntity(r.Context(), entityRef(r), req.Actor)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ent)
}

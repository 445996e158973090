package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/opensource-finance/axm/internal/domain"
)

// ListRules returns every registered rule version and the active set.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	all := h.engine.ListRules()
	active := h.engine.ActiveRules()

	writeJSON(w, http.StatusOK, map[string]any{
		"rules":       all,
		"count":       len(all),
		"activeCount": len(active),
	})
}

// GetRule returns every version of one rule, lowest first.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	versions, err := h.engine.RuleVersions(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ruleId":   chi.URLParam(r, "id"),
		"versions": versions,
	})
}

// CreateRule registers a new rule version. The body is a rule definition;
// setting "active" makes it the active version at once.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	var rule domain.Rule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid JSON request body"})
		return
	}

	created, err := h.engine.RegisterRule(r.Context(), rule)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// ActivateRuleRequest is the optional body of POST /rules/{id}/activate.
type ActivateRuleRequest struct {
	Version string `json:"version,omitempty"`
}

// ActivateRule makes a version active. Without a version the highest
// registered one is chosen.
func (h *Handler) ActivateRule(w http.ResponseWriter, r *http.Request) {
	var req ActivateRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid JSON request body"})
		return
	}

	rule, err := h.engine.ActivateRule(r.Context(), chi.URLParam(r, "id"), req.Version)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// DeactivateRule removes a rule from the active set.
func (h *Handler) DeactivateRule(w http.ResponseWriter, r *http.Request) {
	rule, err := h.engine.DeactivateRule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// ReloadRules pulls rule versions from the repository and the rule pack.
func (h *Handler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	added, err := h.engine.ReloadRules(r.Context())
	if err != nil {
		slog.Error("failed to reload rules", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error": "failed to reload rules: " + err.Error(),
			"added": added,
		})
		return
	}

	slog.Info("rules reloaded", "added", added)
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "rules reloaded successfully",
		"added":   added,
		"active":  len(h.engine.ActiveRules()),
	})
}

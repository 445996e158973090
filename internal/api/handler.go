package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/opensource-finance/axm/internal/domain"
	"github.com/opensource-finance/axm/internal/engine"
)

const maxBodyBytes = 8 << 20

// Handler holds dependencies for API handlers.
type Handler struct {
	engine       *engine.Engine
	bus          domain.EventBus
	version      string
	maxBatchSize int
}

// NewHandler creates a new API handler.
func NewHandler(eng *engine.Engine, bus domain.EventBus, version string, maxBatchSize int) *Handler {
	if maxBatchSize <= 0 {
		maxBatchSize = 1000
	}
	return &Handler{
		engine:       eng,
		bus:          bus,
		version:      version,
		maxBatchSize: maxBatchSize,
	}
}

type errorBody struct {
	Error string `json:"error"`
}

// BatchItem is one entry of a batch response.
type BatchItem struct {
	ClaimID   string            `json:"claimId,omitempty"`
	Status    domain.CaseStatus `json:"status,omitempty"`
	CaseScore *domain.CaseScore `json:"caseScore,omitempty"`
	Decision  *domain.Decision  `json:"decision,omitempty"`
	Error     string            `json:"error,omitempty"`
}

// AcceptedResponse is returned for asynchronous submission.
type AcceptedResponse struct {
	ClaimID string `json:"claimId"`
	Topic   string `json:"topic"`
	TraceID string `json:"traceId"`
}

// SubmitClaim handles POST /claims. With ?async=true the claim is published
// for the worker and 202 is returned.
func (h *Handler) SubmitClaim(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "failed to read request body"})
		return
	}

	if async, _ := strconv.ParseBool(r.URL.Query().Get("async")); async {
		h.publishClaim(w, r, body)
		return
	}

	out, err := h.engine.SubmitClaim(ctx, body)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) publishClaim(w http.ResponseWriter, r *http.Request, body []byte) {
	if h.bus == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "event bus not available"})
		return
	}

	claimID := peekClaimID(body)
	if claimID == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "claimId is required"})
		return
	}

	if err := h.bus.Publish(r.Context(), domain.TopicClaimIngested, claimID, body); err != nil {
		slog.Error("failed to publish claim", "claim_id", claimID, "error", err)
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "failed to queue claim"})
		return
	}

	writeJSON(w, http.StatusAccepted, AcceptedResponse{
		ClaimID: claimID,
		Topic:   domain.TopicClaimIngested,
		TraceID: GetTraceID(r.Context()),
	})
}

// SubmitBatch handles POST /claims/batch. The body is a JSON array of claims;
// results come back in the same order.
func (h *Handler) SubmitBatch(w http.ResponseWriter, r *http.Request) {
	var raws []json.RawMessage
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&raws); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "request body must be a JSON array of claims"})
		return
	}
	if len(raws) > h.maxBatchSize {
		writeJSON(w, http.StatusRequestEntityTooLarge, errorBody{
			Error: fmt.Sprintf("batch of %d claims exceeds the limit of %d", len(raws), h.maxBatchSize),
		})
		return
	}

	payloads := make([][]byte, len(raws))
	for i, raw := range raws {
		payloads[i] = raw
	}

	results := h.engine.SubmitBatch(r.Context(), payloads)
	items := make([]BatchItem, len(results))
	for i, res := range results {
		if res.Err != nil {
			items[i] = BatchItem{ClaimID: peekClaimID(raws[i]), Error: res.Err.Error()}
			continue
		}
		out := res.Outcome
		items[i] = BatchItem{
			ClaimID:   out.ClaimID,
			Status:    out.Status,
			CaseScore: &out.Score,
			Decision:  &out.Decision,
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"results": items,
		"count":   len(items),
	})
}

// GetCase handles GET /cases/{claimId}.
func (h *Handler) GetCase(w http.ResponseWriter, r *http.Request) {
	c, err := h.engine.GetCase(chi.URLParam(r, "claimId"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// ListCases handles GET /cases?status=...&limit=N. Cases are streamed as a
// JSON array in claim_id order.
func (h *Handler) ListCases(w http.ResponseWriter, r *http.Request) {
	status := domain.CaseStatus(r.URL.Query().Get("status"))
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}

	seq, err := h.engine.ListCasesByStatus(status)
	if err != nil {
		writeError(w, err)
		return
	}
	streamCases(w, seq, limit)
}

// ListAlerts handles GET /alerts?limit=N, the open investigating and
// escalated cases.
func (h *Handler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	streamCases(w, h.engine.Alerts(), limit)
}

// Stats handles GET /stats.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Stats())
}

func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return 0, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "limit must be a non-negative integer"})
		return 0, false
	}
	return n, true
}

// streamCases writes seq as a JSON array, flushing every 100 cases. A zero
// limit writes every case.
func streamCases(w http.ResponseWriter, seq iter.Seq[domain.Case], limit int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)

	io.WriteString(w, "[")
	n := 0
	for c := range seq {
		if limit > 0 && n == limit {
			break
		}
		if n > 0 {
			io.WriteString(w, ",")
		}
		if err := enc.Encode(c); err != nil {
			slog.Error("failed to stream case", "claim_id", c.ClaimID, "error", err)
			return
		}
		n++
		if flusher != nil && n%100 == 0 {
			flusher.Flush()
		}
	}
	io.WriteString(w, "]\n")
}

// CloseCaseRequest is the request body for POST /cases/{claimId}/close.
type CloseCaseRequest struct {
	Resolution domain.Resolution `json:"resolution"`
	Actor      string            `json:"actor"`
	Note       string            `json:"note,omitempty"`
}

// CloseCase handles POST /cases/{claimId}/close.
func (h *Handler) CloseCase(w http.ResponseWriter, r *http.Request) {
	var req CloseCaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid JSON request body"})
		return
	}

	c, err := h.engine.CloseCase(r.Context(), chi.URLParam(r, "claimId"), req.Resolution, req.Actor, req.Note)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// ReopenCaseRequest is the request body for POST /cases/{claimId}/reopen.
type ReopenCaseRequest struct {
	Actor  string `json:"actor"`
	Reason string `json:"reason,omitempty"`
}

// ReopenCase handles POST /cases/{claimId}/reopen. The reopened case is
// re-scored before the response is written.
func (h *Handler) ReopenCase(w http.ResponseWriter, r *http.Request) {
	var req ReopenCaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid JSON request body"})
		return
	}

	out, err := h.engine.ReopenCase(r.Context(), chi.URLParam(r, "claimId"), req.Actor, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// Sweep handles POST /cases/sweep, running the retention sweep immediately.
func (h *Handler) Sweep(w http.ResponseWriter, r *http.Request) {
	closed := h.engine.Sweep(r.Context(), time.Now())
	writeJSON(w, http.StatusOK, map[string]any{
		"closed": closed,
		"count":  len(closed),
	})
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": h.version,
	})
}

// Ready reports whether the repository and event bus are reachable.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Ready(r.Context()); err != nil {
		slog.Warn("readiness check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"ready": "false",
			"error": err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

func peekClaimID(raw []byte) string {
	var head struct {
		ClaimID string `json:"claimId"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return ""
	}
	return head.ClaimID
}

// statusFor maps engine errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrMalformedInput),
		errors.Is(err, domain.ErrInvalidRule),
		errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrDuplicateRule),
		errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrDuplicateClaim):
		return http.StatusConflict
	case errors.Is(err, domain.ErrCollaboratorTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "error", err)
		msg = "internal server error"
	}
	writeJSON(w, status, errorBody{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// Package api implements the HTTP surface of the generation engine: batch
// submission, run progress polling, cancellation, and job/usage audit reads.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/plansmith/plansmith/engine/internal/api/middleware"
	"github.com/plansmith/plansmith/engine/internal/pipeline"
	"github.com/plansmith/plansmith/engine/internal/ratelimit"
	"github.com/plansmith/plansmith/engine/internal/store"
	"github.com/plansmith/plansmith/engine/pkg/models"
)

// Handlers holds all handler dependencies.
type Handlers struct {
	Store        store.Store
	Orchestrator *pipeline.Orchestrator
}

// New creates a new Handlers instance.
func New(s store.Store, orch *pipeline.Orchestrator) *Handlers {
	return &Handlers{Store: s, Orchestrator: orch}
}

// ── Runs ────────────────────────────────────────────────────

type submitRequest struct {
	SessionID string                    `json:"session_id"`
	Prompts   []models.PromptDescriptor `json:"prompts"`
}

type runResponse struct {
	RunID          string                 `json:"run_id"`
	Status         models.RunStatus       `json:"status"`
	ExecutedCount  int                    `json:"executed_count"`
	TotalCount     int                    `json:"total_count"`
	HasCredits     bool                   `json:"has_credits"`
	Sections       []models.Section       `json:"sections"`
	CombinedMarked string                 `json:"combined_with_markers,omitempty"`
	CombinedLegacy string                 `json:"combined_legacy,omitempty"`
	Outcomes       []models.PromptOutcome `json:"outcomes,omitempty"`
	Error          string                 `json:"error,omitempty"`
}

// SubmitRun starts a pipeline run for the posted prompt batch.
func (h *Handlers) SubmitRun(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if len(req.Prompts) == 0 {
		respondError(w, http.StatusBadRequest, "prompts must not be empty")
		return
	}

	actor := actorFromRequest(r, req.SessionID)
	run, err := h.Orchestrator.Submit(r.Context(), req.Prompts, actor)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	log.Info().Str("run_id", run.ID).Int("prompts", run.TotalCount()).Msg("Run accepted")
	respondJSON(w, http.StatusAccepted, runView(run, false))
}

// GetRun reports run progress and output.
func (h *Handlers) GetRun(w http.ResponseWriter, r *http.Request) {
	run, ok := h.Orchestrator.GetRun(chi.URLParam(r, "runID"))
	if !ok {
		respondError(w, http.StatusNotFound, "run not found")
		return
	}
	respondJSON(w, http.StatusOK, runView(run, true))
}

// CancelRun stops a run from issuing new prompts.
func (h *Handlers) CancelRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if !h.Orchestrator.CancelRun(runID) {
		respondError(w, http.StatusNotFound, "run not found")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "canceling"})
}

func runView(run *pipeline.Run, includeOutput bool) runResponse {
	resp := runResponse{
		RunID:         run.ID,
		Status:        run.Status(),
		ExecutedCount: run.ExecutedCount(),
		TotalCount:    run.TotalCount(),
		HasCredits:    run.HasCredits(),
		Sections:      run.StructuredOutput(),
		Outcomes:      run.Outcomes(),
	}
	if includeOutput {
		resp.CombinedMarked = run.CombinedOutputWithMarkers()
		resp.CombinedLegacy = run.CombinedOutputLegacy()
	}
	if err := run.Err(); err != nil {
		resp.Error = err.Error()
	}
	if resp.Sections == nil {
		resp.Sections = []models.Section{}
	}
	return resp
}

// ── Jobs & Usage ────────────────────────────────────────────

// GetJob returns one job audit record.
func (h *Handlers) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.Store.GetJob(r.Context(), chi.URLParam(r, "requestID"))
	if err != nil {
		if _, ok := err.(*store.ErrNotFound); ok {
			respondError(w, http.StatusNotFound, err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, job)
}

// ListUsage returns usage records for a session, for billing reconciliation.
func (h *Handlers) ListUsage(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "sessionId is required")
		return
	}
	recs, err := h.Store.ListUsageBySession(r.Context(), sessionID, 100)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if recs == nil {
		recs = []models.UsageRecord{}
	}
	respondJSON(w, http.StatusOK, recs)
}

// ── Helpers ─────────────────────────────────────────────────

// actorFromRequest derives the rate-limit actor: the authenticated user id
// when present, otherwise the anonymous triple (ip, user agent, fingerprint).
// The identity middleware has already extracted the caller attribution; the
// headers are the fallback when a handler runs outside the router.
func actorFromRequest(r *http.Request, sessionID string) ratelimit.Actor {
	if id := middleware.GetIdentity(r.Context()); id != nil {
		return ratelimit.Actor{
			UserID:      id.UserID,
			SessionID:   sessionID,
			IP:          id.IP,
			UserAgent:   id.UserAgent,
			Fingerprint: id.Fingerprint,
		}
	}
	return ratelimit.Actor{
		UserID:      r.Header.Get("X-User-Id"),
		SessionID:   sessionID,
		IP:          r.RemoteAddr,
		UserAgent:   r.UserAgent(),
		Fingerprint: r.Header.Get("X-Client-Fingerprint"),
	}
}

func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}

package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/history"
	"github.com/opensource-finance/kestrel/internal/logging"
	"github.com/opensource-finance/kestrel/internal/pipeline"
	"github.com/opensource-finance/kestrel/internal/thresholds"
)

// Deps are the collaborators the API serves. Bus and Cache may be nil.
type Deps struct {
	Repo     domain.Repository
	Cache    domain.Cache
	Bus      domain.EventBus
	Registry *thresholds.Registry
	History  *history.Service
	Pipeline *pipeline.Pipeline
	Version  string
}

// Handler holds dependencies for API handlers.
type Handler struct {
	repo     domain.Repository
	cache    domain.Cache
	bus      domain.EventBus
	registry *thresholds.Registry
	history  *history.Service
	pipeline *pipeline.Pipeline
	version  string
}

// NewHandler creates a new API handler.
func NewHandler(deps Deps) *Handler {
	return &Handler{
		repo:     deps.Repo,
		cache:    deps.Cache,
		bus:      deps.Bus,
		registry: deps.Registry,
		history:  deps.History,
		pipeline: deps.Pipeline,
		version:  deps.Version,
	}
}

// EvaluateResponse is the response for POST /evaluate.
type EvaluateResponse struct {
	*domain.AssessmentResponse
	TraceID string `json:"traceId"`
	Version string `json:"version"`
}

// Evaluate stores a submission and scores it synchronously.
func (h *Handler) Evaluate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.FromContext(ctx)

	sub, ok := decodeSubmission(w, r)
	if !ok {
		return
	}

	if err := h.history.Record(ctx, sub); err != nil {
		logger.Error("failed to record submission", "submission_id", sub.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to store submission")
		return
	}

	a, err := h.pipeline.Evaluate(ctx, sub)
	if a == nil {
		logger.Error("evaluation failed", "submission_id", sub.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "evaluation failed")
		return
	}
	if err != nil {
		// The verdict stands even if it could not be stored.
		logger.Warn("assessment not persisted", "assessment_id", a.ID, "error", err)
	}

	writeJSON(w, http.StatusOK, EvaluateResponse{
		AssessmentResponse: a.ToResponse(),
		TraceID:            GetTraceID(ctx),
		Version:            h.version,
	})
}

// IngestSubmission stores a submission and queues it for asynchronous scoring.
func (h *Handler) IngestSubmission(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.bus == nil {
		writeError(w, http.StatusServiceUnavailable, "event bus not available")
		return
	}

	sub, ok := decodeSubmission(w, r)
	if !ok {
		return
	}

	if err := h.history.Record(ctx, sub); err != nil {
		logging.FromContext(ctx).Error("failed to record submission", "submission_id", sub.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to store submission")
		return
	}

	payload, _ := json.Marshal(sub)
	if err := h.bus.Publish(ctx, domain.TopicSubmissionIngested, payload); err != nil {
		logging.FromContext(ctx).Error("failed to queue submission", "submission_id", sub.ID, "error", err)
		writeError(w, http.StatusServiceUnavailable, "failed to queue submission")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"submissionId": sub.ID,
		"status":       "queued",
	})
}

// RescoreRequest is the optional body of POST /submissions/{id}/rescore.
type RescoreRequest struct {
	// AssessmentID pins the thresholds that assessment used.
	AssessmentID string `json:"assessmentId,omitempty"`
	// Async queues the rescore on the event bus instead of running it inline.
	Async bool `json:"async,omitempty"`
}

// Rescore evaluates a stored submission again as a new assessment.
func (h *Handler) Rescore(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	submissionID := chi.URLParam(r, "id")

	var req RescoreRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON request body")
			return
		}
	}

	if req.Async {
		if h.bus == nil {
			writeError(w, http.StatusServiceUnavailable, "event bus not available")
			return
		}
		payload, _ := json.Marshal(domain.RescoreRequest{
			SubmissionID: submissionID,
			AssessmentID: req.AssessmentID,
			RequestedBy:  actor(r),
		})
		if err := h.bus.Publish(ctx, domain.TopicRescoreRequested, payload); err != nil {
			writeError(w, http.StatusServiceUnavailable, "failed to queue rescore")
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{
			"submissionId": submissionID,
			"status":       "queued",
		})
		return
	}

	a, err := h.pipeline.Rescore(ctx, submissionID, req.AssessmentID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
		return
	case errors.Is(err, domain.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case a == nil:
		logging.FromContext(ctx).Error("rescore failed", "submission_id", submissionID, "error", err)
		writeError(w, http.StatusInternalServerError, "rescore failed")
		return
	case err != nil:
		logging.FromContext(ctx).Warn("assessment not persisted", "assessment_id", a.ID, "error", err)
	}

	writeJSON(w, http.StatusOK, a.ToResponse())
}

// ListAssessments returns every assessment of a submission, oldest first.
func (h *Handler) ListAssessments(w http.ResponseWriter, r *http.Request) {
	submissionID := chi.URLParam(r, "id")

	list, err := h.repo.ListAssessmentsBySubmission(r.Context(), submissionID)
	if err != nil {
		slog.Error("failed to list assessments", "submission_id", submissionID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list assessments")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"submissionId": submissionID,
		"assessments":  list,
		"count":        len(list),
	})
}

// GetAssessment retrieves an assessment by ID with its full detector evidence.
func (h *Handler) GetAssessment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	a, err := h.repo.GetAssessment(r.Context(), id)
	if errors.Is(err, domain.ErrNotFound) {
		writeError(w, http.StatusNotFound, "assessment not found")
		return
	}
	if err != nil {
		slog.Error("failed to get assessment", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get assessment")
		return
	}

	writeJSON(w, http.StatusOK, a)
}

// AssessmentSummary counts assessments by severity since ?since= (RFC 3339,
// default 24 hours ago).
func (h *Handler) AssessmentSummary(w http.ResponseWriter, r *http.Request) {
	since := time.Now().UTC().Add(-24 * time.Hour)
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be an RFC 3339 timestamp")
			return
		}
		since = t
	}

	counts, err := h.repo.CountAssessmentsBySeverity(r.Context(), since)
	if err != nil {
		slog.Error("failed to count assessments", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to count assessments")
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

// ListThresholds returns the active rules, optionally filtered by ?category=.
func (h *Handler) ListThresholds(w http.ResponseWriter, r *http.Request) {
	category := domain.Category(r.URL.Query().Get("category"))
	if category != "" && !category.Valid() {
		writeError(w, http.StatusBadRequest, "unknown category: "+string(category))
		return
	}

	active, err := h.registry.ActiveThresholds(r.Context(), category)
	if err != nil {
		slog.Error("failed to load thresholds", "error", err)
		writeError(w, http.StatusServiceUnavailable, "thresholds unavailable")
		return
	}

	rows := thresholds.Sorted(active)
	writeJSON(w, http.StatusOK, map[string]any{
		"thresholds": rows,
		"count":      len(rows),
	})
}

// GroupedThresholds returns the current rules grouped by category.
func (h *Handler) GroupedThresholds(w http.ResponseWriter, r *http.Request) {
	groups, err := h.registry.Grouped(r.Context())
	if err != nil {
		slog.Error("failed to group thresholds", "error", err)
		writeError(w, http.StatusServiceUnavailable, "thresholds unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"categories": groups})
}

// ThresholdHistory returns every version of a rule, oldest first.
func (h *Handler) ThresholdHistory(w http.ResponseWriter, r *http.Request) {
	ruleKey := chi.URLParam(r, "ruleKey")

	rows, err := h.registry.History(r.Context(), ruleKey)
	if errors.Is(err, domain.ErrUnknownRuleKey) {
		writeError(w, http.StatusNotFound, "unknown rule key: "+ruleKey)
		return
	}
	if err != nil {
		slog.Error("failed to load threshold history", "rule_key", ruleKey, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load history")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ruleKey":  ruleKey,
		"versions": rows,
	})
}

// UpdateThreshold appends a new version of a rule.
func (h *Handler) UpdateThreshold(w http.ResponseWriter, r *http.Request) {
	ruleKey := chi.URLParam(r, "ruleKey")

	var upd domain.ThresholdUpdate
	if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}

	row, err := h.registry.UpdateThreshold(r.Context(), ruleKey, upd, actor(r))
	var invalid *domain.InvalidThresholdError
	switch {
	case errors.As(err, &invalid):
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error":  "invalid threshold value",
			"field":  invalid.Field,
			"reason": invalid.Reason,
		})
		return
	case errors.Is(err, domain.ErrUnknownRuleKey):
		writeError(w, http.StatusNotFound, "unknown rule key: "+ruleKey)
		return
	case errors.Is(err, domain.ErrVersionConflict):
		writeError(w, http.StatusConflict, "threshold was updated concurrently; retry")
		return
	case err != nil:
		slog.Error("failed to update threshold", "rule_key", ruleKey, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to update threshold")
		return
	}

	writeJSON(w, http.StatusOK, row)
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}
	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}
	if h.bus != nil {
		if err := h.bus.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready reports whether thresholds can be loaded, with the active config version.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	version, err := h.registry.ConfigVersion(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"ready": false,
			"error": err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ready":         true,
		"configVersion": version,
	})
}

func decodeSubmission(w http.ResponseWriter, r *http.Request) (*domain.Submission, bool) {
	var sub domain.Submission
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return nil, false
	}
	if err := sub.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}
	return &sub, true
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

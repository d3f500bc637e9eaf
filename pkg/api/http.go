package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/mux"

	"github.com/sunrise-health/emr-analytics/pkg/common/logger"
	"github.com/sunrise-health/emr-analytics/pkg/common/models"
)

// Runner executes one pipeline pass.
type Runner interface {
	Run(ctx context.Context, filter *models.CohortFilter) (*models.RunResult, *models.SummaryReport, error)
}

// Handler exposes the pipeline over HTTP for serve mode. At most one run is
// in flight at a time; the pipeline itself stays strictly sequential.
type Handler struct {
	runner Runner

	mu          sync.Mutex
	running     bool
	lastRun     *models.RunResult
	lastSummary *models.SummaryReport
}

func NewHandler(runner Runner) *Handler {
	return &Handler{runner: runner}
}

func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/runs", h.handleTriggerRun).Methods(http.MethodPost)
	r.HandleFunc("/summary", h.handleGetSummary).Methods(http.MethodGet)
	r.HandleFunc("/runs/latest", h.handleGetLatestRun).Methods(http.MethodGet)
}

type triggerRunRequest struct {
	MinAge *int `json:"min_age"`
	MaxAge *int `json:"max_age"`
}

func (h *Handler) handleTriggerRun(w http.ResponseWriter, r *http.Request) {
	var req triggerRunRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request", http.StatusBadRequest)
			return
		}
	}
	if (req.MinAge == nil) != (req.MaxAge == nil) {
		http.Error(w, "min_age and max_age must be provided together", http.StatusBadRequest)
		return
	}

	var filter *models.CohortFilter
	if req.MinAge != nil {
		filter = &models.CohortFilter{MinAge: *req.MinAge, MaxAge: *req.MaxAge}
	}

	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		http.Error(w, "a run is already in progress", http.StatusConflict)
		return
	}
	h.running = true
	h.mu.Unlock()

	result, summary, err := h.runner.Run(r.Context(), filter)

	h.mu.Lock()
	h.running = false
	if err == nil {
		h.lastRun = result
		h.lastSummary = summary
	}
	h.mu.Unlock()

	if err != nil {
		logger.Log.WithError(err).Error("pipeline run failed")
		writeJSON(w, http.StatusBadGateway, map[string]interface{}{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"run": result})
}

func (h *Handler) handleGetSummary(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	summary := h.lastSummary
	h.mu.Unlock()

	if summary == nil {
		http.Error(w, "no summary yet; trigger a run first", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"summary": summary})
}

func (h *Handler) handleGetLatestRun(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	run := h.lastRun
	h.mu.Unlock()

	if run == nil {
		http.Error(w, "no completed run", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"run": run})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Log.WithError(err).Error("failed to encode response")
	}
}

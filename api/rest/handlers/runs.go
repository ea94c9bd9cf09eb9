package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"run-reporter/core/models"
	"run-reporter/core/report"
	"run-reporter/core/repository"
	"run-reporter/core/runs"
	"run-reporter/storage"

	"github.com/gorilla/mux"
)

// RunHandler handles run-related HTTP requests
type RunHandler struct {
	svc     *runs.Service
	logTail int
}

// NewRunHandler creates a new run handler. logTail is the default number of
// log lines returned with a run.
func NewRunHandler(svc *runs.Service, logTail int) *RunHandler {
	return &RunHandler{svc: svc, logTail: logTail}
}

// writeError maps service errors to HTTP status codes.
// Validation kinds are checked before storage sentinels they may wrap.
func writeError(w http.ResponseWriter, action string, err error) {
	switch {
	case errors.Is(err, repository.ErrRunNotFound):
		http.Error(w, "Run not found", http.StatusNotFound)
	case errors.Is(err, report.ErrMissingField), errors.Is(err, report.ErrMissingEvidence):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, repository.ErrEvidenceNotFound), errors.Is(err, storage.ErrEvidenceMissing):
		http.Error(w, "Evidence not found", http.StatusNotFound)
	case errors.Is(err, report.ErrInvalidStatusTransition), errors.Is(err, report.ErrRunAlreadyFinalized), errors.Is(err, runs.ErrRunExists):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, runs.ErrInvalidConfig), errors.Is(err, runs.ErrInvalidRunID):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		log.Printf("Failed to %s: %v", action, err)
		http.Error(w, "Failed to "+action+": "+err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func parseStatus(w http.ResponseWriter, s string) (models.RunStatus, bool) {
	status, ok := models.ParseRunStatus(s)
	if !ok {
		http.Error(w, fmt.Sprintf("Invalid status %q", s), http.StatusBadRequest)
	}
	return status, ok
}

func timeOrZero(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

// CreateRunRequest represents the request to start a run
type CreateRunRequest struct {
	RunID      string     `json:"run_id"`
	ConfigYAML string     `json:"config_yaml"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
}

// CreateRun handles POST /v1/runs
func (h *RunHandler) CreateRun(w http.ResponseWriter, r *http.Request) {
	var req CreateRunRequest
	if !decodeBody(w, r, &req) {
		return
	}

	run, err := h.svc.Start(r.Context(), runs.StartRequest{
		RunID:      req.RunID,
		ConfigYAML: req.ConfigYAML,
		StartedAt:  timeOrZero(req.StartedAt),
	})
	if err != nil {
		writeError(w, "create run", err)
		return
	}

	writeJSON(w, http.StatusCreated, run)
}

// ListRuns handles GET /v1/runs
func (h *RunHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if limitParam := r.URL.Query().Get("limit"); limitParam != "" {
		n, err := strconv.Atoi(limitParam)
		if err != nil || n < 0 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	var status *models.RunStatus
	if statusParam := r.URL.Query().Get("status"); statusParam != "" {
		s, ok := parseStatus(w, statusParam)
		if !ok {
			return
		}
		status = &s
	}

	summaries, err := h.svc.List(r.Context(), status, limit)
	if err != nil {
		writeError(w, "list runs", err)
		return
	}
	if summaries == nil {
		summaries = []models.RunSummary{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"items": summaries,
	})
}

// GetRun handles GET /v1/runs/{id}
func (h *RunHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["id"]

	tail := h.logTail
	if logsParam := r.URL.Query().Get("logs"); logsParam != "" {
		n, err := strconv.Atoi(logsParam)
		if err != nil || n < 0 {
			http.Error(w, "Invalid logs count", http.StatusBadRequest)
			return
		}
		tail = n
	}

	run, err := h.svc.Snapshot(r.Context(), runID, tail)
	if err != nil {
		writeError(w, "load run", err)
		return
	}

	response := map[string]interface{}{
		"run_id":             run.ID,
		"config_fingerprint": run.ConfigFingerprint,
		"started_at":         run.StartedAt,
		"finished_at":        run.FinishedAt,
		"status":             run.Status,
		"notes":              run.Notes,
		"config":             nonNil(run.Config),
		"metrics":            nonNil(run.Metrics),
		"logs":               nonNil(run.Logs),
		"failure_count":      len(run.Failures),
	}

	writeJSON(w, http.StatusOK, response)
}

// GetFailures handles GET /v1/runs/{id}/failures
func (h *RunHandler) GetFailures(w http.ResponseWriter, r *http.Request) {
	failures, err := h.svc.Failures(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, "fetch failures", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"items": nonNil(failures),
	})
}

// GetEvents handles GET /v1/runs/{id}/events
func (h *RunHandler) GetEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.svc.StatusEvents(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, "fetch events", err)
		return
	}

	items := make([]map[string]interface{}, len(events))
	for i, event := range events {
		item := map[string]interface{}{
			"at":        event.At,
			"to_status": event.ToStatus,
			"reason":    event.Reason,
		}
		if event.FromStatus != nil {
			item["from_status"] = *event.FromStatus
		}
		items[i] = item
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"items": items,
	})
}

// GetEvidence handles GET /v1/runs/{id}/evidence/{evidenceId} and streams the raw sample
func (h *RunHandler) GetEvidence(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	artifact, body, err := h.svc.Evidence(r.Context(), vars["id"], vars["evidenceId"])
	if err != nil {
		writeError(w, "open evidence", err)
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if artifact.SHA256 != "" {
		w.Header().Set("ETag", strconv.Quote(artifact.SHA256))
	}
	if _, err := io.Copy(w, body); err != nil {
		log.Printf("Failed to stream evidence %s: %v", artifact.ID, err)
	}
}

// ExportRun handles POST /v1/runs/{id}/export
func (h *RunHandler) ExportRun(w http.ResponseWriter, r *http.Request) {
	export, err := h.svc.Export(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, "export run", err)
		return
	}

	writeJSON(w, http.StatusCreated, export)
}

// AdvanceRequest represents a stage change reported by the collector
type AdvanceRequest struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

// AdvanceRun handles POST /v1/runs/{id}/status
func (h *RunHandler) AdvanceRun(w http.ResponseWriter, r *http.Request) {
	var req AdvanceRequest
	if !decodeBody(w, r, &req) {
		return
	}
	status, ok := parseStatus(w, req.Status)
	if !ok {
		return
	}

	summary, err := h.svc.Advance(r.Context(), mux.Vars(r)["id"], status, req.Reason)
	if err != nil {
		writeError(w, "advance run", err)
		return
	}

	writeJSON(w, http.StatusOK, summary)
}

// AppendLogRequest represents a console line
type AppendLogRequest struct {
	Message string     `json:"message"`
	At      *time.Time `json:"at,omitempty"`
}

// AppendLog handles POST /v1/runs/{id}/logs
func (h *RunHandler) AppendLog(w http.ResponseWriter, r *http.Request) {
	var req AppendLogRequest
	if !decodeBody(w, r, &req) {
		return
	}

	line, err := h.svc.AppendLog(r.Context(), mux.Vars(r)["id"], req.Message, timeOrZero(req.At))
	if err != nil {
		writeError(w, "append log", err)
		return
	}

	writeJSON(w, http.StatusCreated, line)
}

// RecordMetric handles POST /v1/runs/{id}/metrics
func (h *RunHandler) RecordMetric(w http.ResponseWriter, r *http.Request) {
	var metric models.Metric
	if !decodeBody(w, r, &metric) {
		return
	}

	if err := h.svc.RecordMetric(r.Context(), mux.Vars(r)["id"], metric); err != nil {
		writeError(w, "record metric", err)
		return
	}

	writeJSON(w, http.StatusOK, metric)
}

// RecordFailure handles POST /v1/runs/{id}/failures
func (h *RunHandler) RecordFailure(w http.ResponseWriter, r *http.Request) {
	var failure models.FailureRecord
	if !decodeBody(w, r, &failure) {
		return
	}

	stored, err := h.svc.RecordFailure(r.Context(), mux.Vars(r)["id"], failure)
	if err != nil {
		writeError(w, "record failure", err)
		return
	}

	writeJSON(w, http.StatusCreated, stored)
}

// StoreEvidenceRequest represents a failed request reported by the collector
type StoreEvidenceRequest struct {
	Method     string                 `json:"method"`
	URL        string                 `json:"url"`
	StatusCode int                    `json:"status_code"`
	ErrorType  string                 `json:"error_type"`
	Headers    map[string]string      `json:"headers"`
	Context    map[string]interface{} `json:"context"`
	Body       string                 `json:"body"`
}

// StoreEvidence handles POST /v1/runs/{id}/evidence
func (h *RunHandler) StoreEvidence(w http.ResponseWriter, r *http.Request) {
	var req StoreEvidenceRequest
	if !decodeBody(w, r, &req) {
		return
	}

	artifact, err := h.svc.StoreEvidence(r.Context(), storage.FailedRequest{
		RunID:      mux.Vars(r)["id"],
		Method:     req.Method,
		URL:        req.URL,
		StatusCode: req.StatusCode,
		ErrorType:  req.ErrorType,
		Headers:    req.Headers,
		Context:    req.Context,
		Body:       []byte(req.Body),
	})
	if err != nil {
		writeError(w, "store evidence", err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"evidence_id": artifact.ID,
		"pointer":     artifact.Pointer,
		"sha256":      artifact.SHA256,
		"size_bytes":  artifact.SizeBytes,
	})
}

// FinalizeRequest represents the terminal status of a run
type FinalizeRequest struct {
	Status string `json:"status"`
	Notes  string `json:"notes"`
}

// FinalizeRun handles POST /v1/runs/{id}/finalize
func (h *RunHandler) FinalizeRun(w http.ResponseWriter, r *http.Request) {
	var req FinalizeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	status, ok := parseStatus(w, req.Status)
	if !ok {
		return
	}

	summary, err := h.svc.Finalize(r.Context(), mux.Vars(r)["id"], status, req.Notes)
	if err != nil {
		writeError(w, "finalize run", err)
		return
	}

	writeJSON(w, http.StatusOK, summary)
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}

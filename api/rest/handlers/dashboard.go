package handlers

import (
	"net/http"
	"time"

	"run-reporter/core/models"
	"run-reporter/core/monitoring"
	"run-reporter/core/report"
	"run-reporter/core/runs"
)

// DashboardHandler handles dashboard API requests
type DashboardHandler struct {
	svc             *runs.Service
	metricsExporter *monitoring.MetricsExporter
}

// NewDashboardHandler creates a new dashboard handler
func NewDashboardHandler(svc *runs.Service, metricsExporter *monitoring.MetricsExporter) *DashboardHandler {
	return &DashboardHandler{
		svc:             svc,
		metricsExporter: metricsExporter,
	}
}

// GetOverview handles GET /v1/dashboard: run counts per status and the
// average duration of finished runs started within the period
func (h *DashboardHandler) GetOverview(w http.ResponseWriter, r *http.Request) {
	startDate := r.URL.Query().Get("start_date")
	endDate := r.URL.Query().Get("end_date")

	// Parse dates (default to last 30 days)
	var start, end time.Time
	if startDate != "" {
		var err error
		start, err = time.Parse(time.RFC3339, startDate)
		if err != nil {
			http.Error(w, "Invalid start_date format", http.StatusBadRequest)
			return
		}
	} else {
		start = time.Now().AddDate(0, 0, -30)
	}

	if endDate != "" {
		var err error
		end, err = time.Parse(time.RFC3339, endDate)
		if err != nil {
			http.Error(w, "Invalid end_date format", http.StatusBadRequest)
			return
		}
	} else {
		end = time.Now()
	}

	summaries, err := h.svc.List(r.Context(), nil, 0)
	if err != nil {
		writeError(w, "fetch runs", err)
		return
	}

	byStatus := make(map[models.RunStatus]int)
	live := []string{}
	var finished int
	var totalDuration time.Duration

	for _, run := range summaries {
		if run.StartedAt.Before(start) || run.StartedAt.After(end) {
			continue
		}

		byStatus[run.Status]++
		if !run.Status.IsTerminal() {
			live = append(live, run.ID)
		}
		if run.FinishedAt != nil {
			finished++
			totalDuration += run.FinishedAt.Sub(run.StartedAt)
		}
	}

	avgDuration := ""
	if finished > 0 {
		avgDuration = report.FormatDuration(totalDuration / time.Duration(finished))
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"period": map[string]interface{}{
			"start": start.Format(time.RFC3339),
			"end":   end.Format(time.RFC3339),
		},
		"runs": map[string]interface{}{
			"by_status":    byStatus,
			"live":         live,
			"avg_duration": avgDuration,
		},
	})
}

// GetPrometheusMetrics handles GET /metrics
func (h *DashboardHandler) GetPrometheusMetrics(w http.ResponseWriter, r *http.Request) {
	text, err := h.metricsExporter.GetPrometheusMetrics()
	if err != nil {
		writeError(w, "export metrics", err)
		return
	}

	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	w.Write([]byte(text))
}

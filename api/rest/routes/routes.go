package routes

import (
	"net/http"

	"run-reporter/api/rest/handlers"
	"run-reporter/core/monitoring"
	"run-reporter/core/repository"
	"run-reporter/core/runs"

	"github.com/gorilla/mux"
)

// SetupRoutes configures all API routes
func SetupRoutes(r *mux.Router, db *repository.DB, svc *runs.Service, logTail int) {
	runHandler := handlers.NewRunHandler(svc, logTail)
	dashboardHandler := handlers.NewDashboardHandler(svc, monitoring.NewMetricsExporter(db))

	api := r.PathPrefix("/v1").Subrouter()

	// Reporting endpoints
	api.HandleFunc("/runs", runHandler.ListRuns).Methods("GET")
	api.HandleFunc("/runs/{id}", runHandler.GetRun).Methods("GET")
	api.HandleFunc("/runs/{id}/failures", runHandler.GetFailures).Methods("GET")
	api.HandleFunc("/runs/{id}/events", runHandler.GetEvents).Methods("GET")
	api.HandleFunc("/runs/{id}/evidence/{evidenceId}", runHandler.GetEvidence).Methods("GET")
	api.HandleFunc("/runs/{id}/export", runHandler.ExportRun).Methods("POST")
	api.HandleFunc("/dashboard", dashboardHandler.GetOverview).Methods("GET")

	// Producer endpoints
	api.HandleFunc("/runs", runHandler.CreateRun).Methods("POST")
	api.HandleFunc("/runs/{id}/status", runHandler.AdvanceRun).Methods("POST")
	api.HandleFunc("/runs/{id}/logs", runHandler.AppendLog).Methods("POST")
	api.HandleFunc("/runs/{id}/metrics", runHandler.RecordMetric).Methods("POST")
	api.HandleFunc("/runs/{id}/failures", runHandler.RecordFailure).Methods("POST")
	api.HandleFunc("/runs/{id}/evidence", runHandler.StoreEvidence).Methods("POST")
	api.HandleFunc("/runs/{id}/finalize", runHandler.FinalizeRun).Methods("POST")

	r.HandleFunc("/metrics", dashboardHandler.GetPrometheusMetrics).Methods("GET")

	// Health check endpoint
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := db.Ping(); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods("GET")
}

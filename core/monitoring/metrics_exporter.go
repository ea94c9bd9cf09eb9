package monitoring

import (
	"fmt"
	"sort"
	"strings"

	"run-reporter/core/models"
	"run-reporter/core/repository"
)

// MetricsExporter exports run metrics for Prometheus/Grafana
type MetricsExporter struct {
	runRepo     *repository.RunRepository
	logRepo     *repository.LogRepository
	failureRepo *repository.FailureRepository
}

// NewMetricsExporter creates a new metrics exporter
func NewMetricsExporter(db *repository.DB) *MetricsExporter {
	return &MetricsExporter{
		runRepo:     repository.NewRunRepository(db),
		logRepo:     repository.NewLogRepository(db),
		failureRepo: repository.NewFailureRepository(db),
	}
}

// labelEscaper applies the only escapes the text exposition format defines
var labelEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`)

func labelValue(v string) string {
	return labelEscaper.Replace(v)
}

var allStatuses = []models.RunStatus{
	models.RunStatusCollecting,
	models.RunStatusParsing,
	models.RunStatusValidating,
	models.RunStatusReporting,
	models.RunStatusCompleted,
	models.RunStatusFailed,
}

// GetPrometheusMetrics returns metrics in Prometheus text format
func (me *MetricsExporter) GetPrometheusMetrics() (string, error) {
	runs, err := me.runRepo.ListRuns(nil, 0)
	if err != nil {
		return "", fmt.Errorf("failed to list runs: %w", err)
	}

	failures, err := me.failureRepo.CountFailures()
	if err != nil {
		return "", fmt.Errorf("failed to count failures: %w", err)
	}

	var b strings.Builder

	byStatus := make(map[models.RunStatus]int)
	var live []models.RunSummary
	for _, run := range runs {
		byStatus[run.Status]++
		if !run.Status.IsTerminal() {
			live = append(live, run)
		}
	}

	b.WriteString("# HELP run_reporter_runs Number of runs per status\n")
	b.WriteString("# TYPE run_reporter_runs gauge\n")
	for _, status := range allStatuses {
		fmt.Fprintf(&b, "run_reporter_runs{status=\"%s\"} %d\n", labelValue(string(status)), byStatus[status])
	}

	b.WriteString("# HELP run_reporter_failures_total Failures recorded per run\n")
	b.WriteString("# TYPE run_reporter_failures_total counter\n")
	runIDs := make([]string, 0, len(failures))
	for runID := range failures {
		runIDs = append(runIDs, runID)
	}
	sort.Strings(runIDs)
	for _, runID := range runIDs {
		fmt.Fprintf(&b, "run_reporter_failures_total{run_id=\"%s\"} %d\n", labelValue(runID), failures[runID])
	}

	b.WriteString("# HELP run_reporter_log_lines Log lines of live runs\n")
	b.WriteString("# TYPE run_reporter_log_lines gauge\n")
	for _, run := range live {
		n, err := me.logRepo.CountLogs(run.ID)
		if err != nil {
			return "", fmt.Errorf("failed to count log lines of %s: %w", run.ID, err)
		}
		fmt.Fprintf(&b, "run_reporter_log_lines{run_id=\"%s\",status=\"%s\"} %d\n", labelValue(run.ID), labelValue(string(run.Status)), n)
	}

	return b.String(), nil
}

package storage

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"run-reporter/core/models"

	"github.com/google/uuid"
)

// utf8BOM prefixes every export file
const utf8BOM = "\ufeff"

// Export is the result of exporting one run
type Export struct {
	ID    string   `json:"export_id"`
	RunID string   `json:"run_id"`
	Files []string `json:"files"`
}

// Exporter writes run snapshots as CSV files under a base directory
type Exporter struct {
	dir string
}

// NewExporter creates an exporter writing under dir
func NewExporter(dir string) *Exporter {
	return &Exporter{dir: dir}
}

// ExportRun writes run_<id>.csv, logs_<id>.csv and failures_<id>.csv into a
// fresh directory named after the export id
func (e *Exporter) ExportRun(run models.Run) (*Export, error) {
	if !models.ValidRunID(run.ID) {
		return nil, fmt.Errorf("cannot export run %q: invalid run id", run.ID)
	}

	exportID := uuid.New().String()
	dir := filepath.Join(e.dir, exportID)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create export directory: %w", err)
	}

	export := &Export{ID: exportID, RunID: run.ID}

	tables := []struct {
		name string
		rows [][]string
	}{
		{"run_" + run.ID + ".csv", runRows(run)},
		{"logs_" + run.ID + ".csv", logRows(run.Logs)},
		{"failures_" + run.ID + ".csv", failureRows(run.Failures)},
	}

	for _, table := range tables {
		file := filepath.Join(dir, table.name)
		if rel, err := filepath.Rel(e.dir, file); err != nil || !filepath.IsLocal(rel) {
			return nil, fmt.Errorf("export file %s escapes %s", table.name, e.dir)
		}
		if err := writeCSV(file, table.rows); err != nil {
			return nil, err
		}
		export.Files = append(export.Files, file)
	}

	return export, nil
}

func runRows(run models.Run) [][]string {
	finished := ""
	if run.FinishedAt != nil {
		finished = run.FinishedAt.Format(time.RFC3339)
	}

	rows := [][]string{
		{"section", "label", "value", "trend"},
		{"summary", "run_id", run.ID, ""},
		{"summary", "config_fingerprint", run.ConfigFingerprint, ""},
		{"summary", "started_at", run.StartedAt.Format(time.RFC3339), ""},
		{"summary", "finished_at", finished, ""},
		{"summary", "status", string(run.Status), ""},
	}
	if run.Notes != "" {
		rows = append(rows, []string{"summary", "notes", run.Notes, ""})
	}
	for _, entry := range run.Config {
		rows = append(rows, []string{"config", entry.Label, entry.Value, ""})
	}
	for _, metric := range run.Metrics {
		rows = append(rows, []string{"metric", metric.Label, metric.Value, metric.Trend})
	}
	return rows
}

func logRows(lines []models.LogLine) [][]string {
	rows := [][]string{{"seq", "at", "message"}}
	for _, line := range lines {
		rows = append(rows, []string{
			strconv.FormatInt(line.Seq, 10),
			line.At.Format(time.RFC3339Nano),
			line.Message,
		})
	}
	return rows
}

func failureRows(failures []models.FailureRecord) [][]string {
	rows := [][]string{{"url", "status", "error", "evidence", "evidence_id", "recorded_at"}}
	for _, f := range failures {
		rows = append(rows, []string{
			f.URL,
			f.Status,
			f.Error,
			f.Evidence,
			f.EvidenceID,
			f.RecordedAt.Format(time.RFC3339),
		})
	}
	return rows
}

func writeCSV(file string, rows [][]string) error {
	f, err := os.Create(file)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Base(file), err)
	}
	defer f.Close()

	if _, err := f.WriteString(utf8BOM); err != nil {
		return fmt.Errorf("failed to write %s: %w", filepath.Base(file), err)
	}

	w := csv.NewWriter(f)
	if err := w.WriteAll(rows); err != nil {
		return fmt.Errorf("failed to write %s: %w", filepath.Base(file), err)
	}

	return f.Close()
}

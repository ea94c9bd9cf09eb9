package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"run-reporter/core/models"
)

// RunRepository handles database operations for runs
type RunRepository struct {
	db *DB
}

// NewRunRepository creates a new run repository
func NewRunRepository(db *DB) *RunRepository {
	return &RunRepository{db: db}
}

// CreateRun stores a new run with its config snapshot and initial status event
func (r *RunRepository) CreateRun(run models.Run, configYAML, timezone string) error {
	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := `
		INSERT INTO runs (
			id, config_fingerprint, config_yaml, timezone, status, notes,
			started_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8
		)
	`

	_, err = tx.exec(query,
		run.ID,
		run.ConfigFingerprint,
		configYAML,
		timezone,
		string(run.Status),
		run.Notes,
		timestamp(run.StartedAt),
		timestamp(run.StartedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert run %s: %w", run.ID, err)
	}

	for i, entry := range run.Config {
		_, err := tx.exec(`
			INSERT INTO run_config_entries (run_id, position, label, value)
			VALUES ($1, $2, $3, $4)
		`, run.ID, i+1, entry.Label, entry.Value)
		if err != nil {
			return fmt.Errorf("failed to insert config entry %q: %w", entry.Label, err)
		}
	}

	if err := createStatusEventTx(tx, run.ID, nil, run.Status, "run_started", run.StartedAt); err != nil {
		return err
	}

	return tx.Commit()
}

// GetRun retrieves a run summary by ID
func (r *RunRepository) GetRun(id string) (*models.RunSummary, error) {
	return getRunSummary(r.db, id)
}

// GetConfigYAML returns the configuration document the run was started with
func (r *RunRepository) GetConfigYAML(id string) (string, error) {
	var doc string
	err := r.db.queryRow(`SELECT config_yaml FROM runs WHERE id = $1`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrRunNotFound
	}
	return doc, err
}

// LoadRun reads a consistent snapshot of a run: summary, config entries,
// metrics, the last logTail log lines and every failure.
// A logTail <= 0 loads all log lines.
func (r *RunRepository) LoadRun(id string, logTail int) (*models.Run, error) {
	tx, err := r.db.BeginSnapshot(context.Background())
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	summary, err := getRunSummary(tx, id)
	if err != nil {
		return nil, err
	}

	run := &models.Run{RunSummary: *summary}

	if run.Config, err = listConfigEntries(tx, id); err != nil {
		return nil, err
	}
	if run.Metrics, err = listMetrics(tx, id); err != nil {
		return nil, err
	}
	if run.Logs, err = tailLogs(tx, id, logTail); err != nil {
		return nil, err
	}
	if run.Failures, err = listFailures(tx, id); err != nil {
		return nil, err
	}

	return run, tx.Commit()
}

// ListRuns lists runs, newest first, optionally filtered by status
func (r *RunRepository) ListRuns(status *models.RunStatus, limit int) ([]models.RunSummary, error) {
	query := `
		SELECT id, config_fingerprint, timezone, status, notes, started_at, finished_at
		FROM runs
	`
	var args []interface{}

	if status != nil {
		query += " WHERE status = $1"
		args = append(args, string(*status))
	}

	query += " ORDER BY started_at DESC, id DESC"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := r.db.query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []models.RunSummary
	for rows.Next() {
		summary, err := scanRunSummary(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *summary)
	}

	return runs, rows.Err()
}

// LastActivity returns the last time anything was written for each live run
func (r *RunRepository) LastActivity() (map[string]time.Time, error) {
	rows, err := r.db.query(`
		SELECT id, updated_at FROM runs
		WHERE status NOT IN ($1, $2)
	`, string(models.RunStatusCompleted), string(models.RunStatusFailed))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	activity := make(map[string]time.Time)
	for rows.Next() {
		var id string
		var updatedAt dbTime
		if err := rows.Scan(&id, &updatedAt); err != nil {
			return nil, err
		}
		activity[id] = updatedAt.Time
	}

	return activity, rows.Err()
}

// UpdateRunStatus moves a run to a new status and records the transition atomically
func (r *RunRepository) UpdateRunStatus(runID string, fromStatus, toStatus models.RunStatus, reason string, at time.Time) error {
	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.exec(`
		UPDATE runs SET status = $1, updated_at = $2
		WHERE id = $3 AND status = $4
	`, string(toStatus), timestamp(at), runID, string(fromStatus))
	if err != nil {
		return err
	}
	if err := expectOneRow(res, runID); err != nil {
		return err
	}

	if err := createStatusEventTx(tx, runID, &fromStatus, toStatus, reason, at); err != nil {
		return err
	}

	return tx.Commit()
}

// FinalizeRun sets the terminal status, finish time and notes of a run
func (r *RunRepository) FinalizeRun(run models.RunSummary, fromStatus models.RunStatus, reason string) error {
	return r.finalize(run, fromStatus, reason, nil)
}

// FinalizeRunWithLog appends a last log line and finalizes the run in one transaction
func (r *RunRepository) FinalizeRunWithLog(run models.RunSummary, fromStatus models.RunStatus, reason string, line models.LogLine) error {
	return r.finalize(run, fromStatus, reason, &line)
}

func (r *RunRepository) finalize(run models.RunSummary, fromStatus models.RunStatus, reason string, line *models.LogLine) error {
	if run.FinishedAt == nil {
		return fmt.Errorf("run %s has no finish time", run.ID)
	}

	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if line != nil {
		if _, err := appendLogTx(tx, run.ID, *line); err != nil {
			return err
		}
	}

	res, err := tx.exec(`
		UPDATE runs SET status = $1, finished_at = $2, notes = $3, updated_at = $4
		WHERE id = $5 AND status = $6
	`, string(run.Status), timestamp(*run.FinishedAt), run.Notes, timestamp(*run.FinishedAt), run.ID, string(fromStatus))
	if err != nil {
		return err
	}
	if err := expectOneRow(res, run.ID); err != nil {
		return err
	}

	if err := createStatusEventTx(tx, run.ID, &fromStatus, run.Status, reason, *run.FinishedAt); err != nil {
		return err
	}

	return tx.Commit()
}

// GetLastActivity returns when anything was last written for a run
func (r *RunRepository) GetLastActivity(id string) (time.Time, error) {
	var updatedAt dbTime
	err := r.db.queryRow(`SELECT updated_at FROM runs WHERE id = $1`, id).Scan(&updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, ErrRunNotFound
	}
	return updatedAt.Time, err
}

// GetStatusEvents retrieves the status history of a run in order
func (r *RunRepository) GetStatusEvents(runID string) ([]models.StatusEvent, error) {
	rows, err := r.db.query(`
		SELECT id, run_id, at, from_status, to_status, reason
		FROM run_status_events
		WHERE run_id = $1
		ORDER BY id
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []models.StatusEvent
	for rows.Next() {
		var event models.StatusEvent
		var at dbTime
		var fromStatus sql.NullString

		if err := rows.Scan(&event.ID, &event.RunID, &at, &fromStatus, &event.ToStatus, &event.Reason); err != nil {
			return nil, err
		}

		event.At = at.Time
		if fromStatus.Valid {
			status := models.RunStatus(fromStatus.String)
			event.FromStatus = &status
		}
		events = append(events, event)
	}

	return events, rows.Err()
}

func createStatusEventTx(tx *Tx, runID string, fromStatus *models.RunStatus, toStatus models.RunStatus, reason string, at time.Time) error {
	var fromStatusStr sql.NullString
	if fromStatus != nil {
		fromStatusStr = sql.NullString{String: string(*fromStatus), Valid: true}
	}

	_, err := tx.exec(`
		INSERT INTO run_status_events (run_id, at, from_status, to_status, reason)
		VALUES ($1, $2, $3, $4, $5)
	`, runID, timestamp(at), fromStatusStr, string(toStatus), reason)
	if err != nil {
		return fmt.Errorf("failed to record status event: %w", err)
	}
	return nil
}

// touchRunTx bumps updated_at so the monitor sees the run as active
func touchRunTx(tx *Tx, runID string, at time.Time) error {
	res, err := tx.exec(`UPDATE runs SET updated_at = $1 WHERE id = $2`, timestamp(at), runID)
	if err != nil {
		return err
	}
	return expectOneRow(res, runID)
}

func expectOneRow(res sql.Result, runID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s (or status changed concurrently)", ErrRunNotFound, runID)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func getRunSummary(q runner, id string) (*models.RunSummary, error) {
	row := q.queryRow(`
		SELECT id, config_fingerprint, timezone, status, notes, started_at, finished_at
		FROM runs
		WHERE id = $1
	`, id)

	summary, err := scanRunSummary(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	return summary, err
}

func scanRunSummary(row rowScanner) (*models.RunSummary, error) {
	var summary models.RunSummary
	var timezone string
	var startedAt, finishedAt dbTime

	err := row.Scan(
		&summary.ID,
		&summary.ConfigFingerprint,
		&timezone,
		&summary.Status,
		&summary.Notes,
		&startedAt,
		&finishedAt,
	)
	if err != nil {
		return nil, err
	}

	loc, err := time.LoadLocation(timezone)
	if err != nil {
		loc = time.UTC
	}
	summary.StartedAt = startedAt.Time.In(loc)
	if finishedAt.Valid {
		t := finishedAt.Time.In(loc)
		summary.FinishedAt = &t
	}

	return &summary, nil
}

func listConfigEntries(q runner, runID string) ([]models.ConfigEntry, error) {
	rows, err := q.query(`
		SELECT label, value FROM run_config_entries
		WHERE run_id = $1
		ORDER BY position
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []models.ConfigEntry
	for rows.Next() {
		var entry models.ConfigEntry
		if err := rows.Scan(&entry.Label, &entry.Value); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}

	return entries, rows.Err()
}

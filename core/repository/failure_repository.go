package repository

import (
	"database/sql"
	"errors"
	"fmt"

	"run-reporter/core/models"
)

// FailureRepository handles database operations for failure records.
// Failures are append-only; there is no update or delete.
type FailureRepository struct {
	db *DB
}

// NewFailureRepository creates a new failure repository
func NewFailureRepository(db *DB) *FailureRepository {
	return &FailureRepository{db: db}
}

// RecordFailure stores a failure together with its evidence artifact.
// The artifact is registered unless the run already references the same pointer.
func (r *FailureRepository) RecordFailure(runID string, failure models.FailureRecord, artifact models.EvidenceArtifact) (models.FailureRecord, error) {
	tx, err := r.db.Begin()
	if err != nil {
		return failure, err
	}
	defer tx.Rollback()

	existing, err := findEvidenceByPointer(tx, runID, failure.Evidence)
	switch {
	case err == nil:
		failure.EvidenceID = existing.ID
	case errors.Is(err, ErrEvidenceNotFound):
		artifact.RunID = runID
		artifact.Pointer = failure.Evidence
		id, err := createEvidenceTx(tx, artifact)
		if err != nil {
			return failure, err
		}
		failure.EvidenceID = id
	default:
		return failure, err
	}

	var seq int64
	if err := tx.queryRow(`SELECT COALESCE(MAX(seq), 0) + 1 FROM run_failures WHERE run_id = $1`, runID).Scan(&seq); err != nil {
		return failure, err
	}

	_, err = tx.exec(`
		INSERT INTO run_failures (run_id, seq, url, status, error, evidence, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, runID, seq, failure.URL, failure.Status, failure.Error, failure.Evidence, timestamp(failure.RecordedAt))
	if err != nil {
		return failure, fmt.Errorf("failed to insert failure: %w", err)
	}

	if err := touchRunTx(tx, runID, failure.RecordedAt); err != nil {
		return failure, err
	}

	return failure, tx.Commit()
}

// GetFailures retrieves the failures of a run in insertion order
func (r *FailureRepository) GetFailures(runID string) ([]models.FailureRecord, error) {
	return listFailures(r.db, runID)
}

// CountFailures returns the number of failures recorded per run
func (r *FailureRepository) CountFailures() (map[string]int, error) {
	rows, err := r.db.query(`SELECT run_id, COUNT(*) FROM run_failures GROUP BY run_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var runID string
		var n int
		if err := rows.Scan(&runID, &n); err != nil {
			return nil, err
		}
		counts[runID] = n
	}

	return counts, rows.Err()
}

func listFailures(q runner, runID string) ([]models.FailureRecord, error) {
	rows, err := q.query(`
		SELECT f.url, f.status, f.error, f.evidence, e.id, f.recorded_at
		FROM run_failures f
		LEFT JOIN evidence_artifacts e ON e.run_id = f.run_id AND e.pointer = f.evidence
		WHERE f.run_id = $1
		ORDER BY f.seq
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var failures []models.FailureRecord
	for rows.Next() {
		var failure models.FailureRecord
		var evidenceID sql.NullString
		var recordedAt dbTime

		err := rows.Scan(
			&failure.URL,
			&failure.Status,
			&failure.Error,
			&failure.Evidence,
			&evidenceID,
			&recordedAt,
		)
		if err != nil {
			return nil, err
		}

		failure.EvidenceID = evidenceID.String
		failure.RecordedAt = recordedAt.Time
		failures = append(failures, failure)
	}

	return failures, rows.Err()
}

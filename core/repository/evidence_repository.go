package repository

import (
	"database/sql"
	"errors"
	"fmt"

	"run-reporter/core/models"

	"github.com/google/uuid"
)

// EvidenceRepository handles database operations for evidence artifacts
type EvidenceRepository struct {
	db *DB
}

// NewEvidenceRepository creates a new evidence repository
func NewEvidenceRepository(db *DB) *EvidenceRepository {
	return &EvidenceRepository{db: db}
}

// RegisterEvidence records an artifact for a run and returns it with its ID.
// Registering the same pointer twice returns the existing record.
func (r *EvidenceRepository) RegisterEvidence(artifact models.EvidenceArtifact) (*models.EvidenceArtifact, error) {
	tx, err := r.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	existing, err := findEvidenceByPointer(tx, artifact.RunID, artifact.Pointer)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrEvidenceNotFound) {
		return nil, err
	}

	if _, err := createEvidenceTx(tx, artifact); err != nil {
		return nil, err
	}
	stored, err := findEvidenceByPointer(tx, artifact.RunID, artifact.Pointer)
	if err != nil {
		return nil, err
	}

	return stored, tx.Commit()
}

// GetEvidence retrieves an artifact by ID, scoped to its run
func (r *EvidenceRepository) GetEvidence(runID, id string) (*models.EvidenceArtifact, error) {
	row := r.db.queryRow(`
		SELECT id, run_id, pointer, sha256, size_bytes, created_at
		FROM evidence_artifacts
		WHERE id = $1 AND run_id = $2
	`, id, runID)
	return scanEvidence(row)
}

// FindByPointer retrieves the artifact a run registered under pointer
func (r *EvidenceRepository) FindByPointer(runID, pointer string) (*models.EvidenceArtifact, error) {
	return findEvidenceByPointer(r.db, runID, pointer)
}

func findEvidenceByPointer(q runner, runID, pointer string) (*models.EvidenceArtifact, error) {
	row := q.queryRow(`
		SELECT id, run_id, pointer, sha256, size_bytes, created_at
		FROM evidence_artifacts
		WHERE run_id = $1 AND pointer = $2
	`, runID, pointer)
	return scanEvidence(row)
}

// createEvidenceTx inserts the artifact and returns its ID, generating one if unset
func createEvidenceTx(tx *Tx, artifact models.EvidenceArtifact) (string, error) {
	if artifact.ID == "" {
		artifact.ID = uuid.New().String()
	} else if _, err := uuid.Parse(artifact.ID); err != nil {
		return "", fmt.Errorf("invalid evidence id %q: %w", artifact.ID, err)
	}

	_, err := tx.exec(`
		INSERT INTO evidence_artifacts (id, run_id, pointer, sha256, size_bytes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, artifact.ID, artifact.RunID, artifact.Pointer, artifact.SHA256, artifact.SizeBytes, timestamp(artifact.CreatedAt))
	if err != nil {
		return "", fmt.Errorf("failed to insert evidence artifact: %w", err)
	}
	return artifact.ID, nil
}

func scanEvidence(row rowScanner) (*models.EvidenceArtifact, error) {
	var artifact models.EvidenceArtifact
	var createdAt dbTime

	err := row.Scan(
		&artifact.ID,
		&artifact.RunID,
		&artifact.Pointer,
		&artifact.SHA256,
		&artifact.SizeBytes,
		&createdAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEvidenceNotFound
	}
	if err != nil {
		return nil, err
	}

	artifact.CreatedAt = createdAt.Time
	return &artifact, nil
}

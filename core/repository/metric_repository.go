package repository

import (
	"database/sql"
	"errors"
	"time"

	"run-reporter/core/models"
)

// MetricRepository handles database operations for run metrics
type MetricRepository struct {
	db *DB
}

// NewMetricRepository creates a new metric repository
func NewMetricRepository(db *DB) *MetricRepository {
	return &MetricRepository{db: db}
}

// UpsertMetric stores a metric; an existing label keeps its position and gets the new value
func (r *MetricRepository) UpsertMetric(runID string, metric models.Metric, at time.Time) error {
	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var numeric sql.NullFloat64
	if metric.Numeric != nil {
		numeric = sql.NullFloat64{Float64: *metric.Numeric, Valid: true}
	}

	var position int
	err = tx.queryRow(`
		SELECT position FROM run_metrics WHERE run_id = $1 AND label = $2
	`, runID, metric.Label).Scan(&position)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		if err := tx.queryRow(`SELECT COALESCE(MAX(position), 0) + 1 FROM run_metrics WHERE run_id = $1`, runID).Scan(&position); err != nil {
			return err
		}
		_, err = tx.exec(`
			INSERT INTO run_metrics (run_id, position, label, value, numeric_value, trend)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, runID, position, metric.Label, metric.Value, numeric, metric.Trend)
	case err == nil:
		_, err = tx.exec(`
			UPDATE run_metrics SET value = $1, numeric_value = $2, trend = $3
			WHERE run_id = $4 AND position = $5
		`, metric.Value, numeric, metric.Trend, runID, position)
	}
	if err != nil {
		return err
	}

	if err := touchRunTx(tx, runID, at); err != nil {
		return err
	}

	return tx.Commit()
}

// GetMetrics retrieves the metrics of a run in recording order
func (r *MetricRepository) GetMetrics(runID string) ([]models.Metric, error) {
	return listMetrics(r.db, runID)
}

func listMetrics(q runner, runID string) ([]models.Metric, error) {
	rows, err := q.query(`
		SELECT label, value, numeric_value, trend FROM run_metrics
		WHERE run_id = $1
		ORDER BY position
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var metrics []models.Metric
	for rows.Next() {
		var metric models.Metric
		var numeric sql.NullFloat64
		if err := rows.Scan(&metric.Label, &metric.Value, &numeric, &metric.Trend); err != nil {
			return nil, err
		}
		if numeric.Valid {
			v := numeric.Float64
			metric.Numeric = &v
		}
		metrics = append(metrics, metric)
	}

	return metrics, rows.Err()
}

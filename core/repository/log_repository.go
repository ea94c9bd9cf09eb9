package repository

import (
	"fmt"
	"slices"

	"run-reporter/core/models"
)

// LogRepository handles database operations for run log lines
type LogRepository struct {
	db *DB
}

// NewLogRepository creates a new log repository
func NewLogRepository(db *DB) *LogRepository {
	return &LogRepository{db: db}
}

// AppendLog stores a line after every existing line of the run and returns it
// with its assigned sequence number
func (r *LogRepository) AppendLog(runID string, line models.LogLine) (models.LogLine, error) {
	tx, err := r.db.Begin()
	if err != nil {
		return line, err
	}
	defer tx.Rollback()

	if line, err = appendLogTx(tx, runID, line); err != nil {
		return line, err
	}

	return line, tx.Commit()
}

func appendLogTx(tx *Tx, runID string, line models.LogLine) (models.LogLine, error) {
	var seq int64
	if err := tx.queryRow(`SELECT COALESCE(MAX(seq), 0) + 1 FROM run_logs WHERE run_id = $1`, runID).Scan(&seq); err != nil {
		return line, err
	}
	line.Seq = seq

	_, err := tx.exec(`
		INSERT INTO run_logs (run_id, seq, at, message)
		VALUES ($1, $2, $3, $4)
	`, runID, line.Seq, timestamp(line.At), line.Message)
	if err != nil {
		return line, fmt.Errorf("failed to insert log line: %w", err)
	}

	return line, touchRunTx(tx, runID, line.At)
}

// TailLogs retrieves the last n log lines of a run in chronological order.
// n <= 0 returns every line.
func (r *LogRepository) TailLogs(runID string, n int) ([]models.LogLine, error) {
	return tailLogs(r.db, runID, n)
}

// CountLogs returns the number of log lines of a run
func (r *LogRepository) CountLogs(runID string) (int, error) {
	var n int
	err := r.db.queryRow(`SELECT COUNT(*) FROM run_logs WHERE run_id = $1`, runID).Scan(&n)
	return n, err
}

func tailLogs(q runner, runID string, n int) ([]models.LogLine, error) {
	query := `
		SELECT seq, at, message FROM run_logs
		WHERE run_id = $1
	`
	if n > 0 {
		// newest n first, flipped back below
		query += fmt.Sprintf(" ORDER BY seq DESC LIMIT %d", n)
	} else {
		query += " ORDER BY seq"
	}

	rows, err := q.query(query, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var lines []models.LogLine
	for rows.Next() {
		var line models.LogLine
		var at dbTime
		if err := rows.Scan(&line.Seq, &at, &line.Message); err != nil {
			return nil, err
		}
		line.At = at.Time
		lines = append(lines, line)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if n > 0 {
		slices.Reverse(lines)
	}

	return lines, nil
}

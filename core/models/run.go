package models

import (
	"regexp"
	"time"
)

var runIDPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,128}$`)

// ValidRunID reports whether id can be used as a single path segment,
// e.g. in export file names and evidence object keys
func ValidRunID(id string) bool {
	return id != "." && id != ".." && runIDPattern.MatchString(id)
}

// RunStatus represents the pipeline stage a collection run is in
type RunStatus string

const (
	RunStatusCollecting RunStatus = "collecting"
	RunStatusParsing    RunStatus = "parsing"
	RunStatusValidating RunStatus = "validating"
	RunStatusReporting  RunStatus = "reporting"
	RunStatusCompleted  RunStatus = "completed"
	RunStatusFailed     RunStatus = "failed"
)

// runStatusRank orders statuses; Completed and Failed share the terminal rank
var runStatusRank = map[RunStatus]int{
	RunStatusCollecting: 0,
	RunStatusParsing:    1,
	RunStatusValidating: 2,
	RunStatusReporting:  3,
	RunStatusCompleted:  4,
	RunStatusFailed:     4,
}

// ParseRunStatus validates and parses a status string.
func ParseRunStatus(s string) (RunStatus, bool) {
	status := RunStatus(s)
	if _, ok := runStatusRank[status]; !ok {
		return "", false
	}
	return status, true
}

// Rank returns the position of the status in the run lifecycle, or -1 if unknown
func (s RunStatus) Rank() int {
	rank, ok := runStatusRank[s]
	if !ok {
		return -1
	}
	return rank
}

// IsTerminal reports whether the status freezes the run
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// RunSummary identifies a run and carries its current lifecycle state
type RunSummary struct {
	ID                string     `json:"run_id"`
	ConfigFingerprint string     `json:"config_fingerprint"`
	StartedAt         time.Time  `json:"started_at"`
	FinishedAt        *time.Time `json:"finished_at,omitempty"`
	Status            RunStatus  `json:"status"`
	Notes             string     `json:"notes,omitempty"`
}

// ConfigEntry is one row of the configuration snapshot shown for a run
type ConfigEntry struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

// Metric is an aggregated figure derived from run events.
// Numeric is set when the value is a number; Value always holds the rendered form.
type Metric struct {
	Label   string   `json:"label"`
	Value   string   `json:"value"`
	Numeric *float64 `json:"numeric,omitempty"`
	Trend   string   `json:"trend,omitempty"`
}

// LogLine is a single timestamped entry of the run console
type LogLine struct {
	Seq     int64     `json:"seq"`
	At      time.Time `json:"at"`
	Message string    `json:"message"`
}

// FailureRecord describes a resource the run failed to collect, with a pointer
// to the raw response kept for audit
type FailureRecord struct {
	URL        string    `json:"url"`
	Status     string    `json:"status"` // HTTP status code or a category such as "schema"
	Error      string    `json:"error"`
	Evidence   string    `json:"evidence"`
	EvidenceID string    `json:"evidence_id,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Run is the full reportable state of one collection run
type Run struct {
	RunSummary
	Config   []ConfigEntry   `json:"config"`
	Metrics  []Metric        `json:"metrics"`
	Logs     []LogLine       `json:"logs"`
	Failures []FailureRecord `json:"failures"`
}

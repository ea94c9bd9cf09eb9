package models

import "time"

// EvidenceArtifact is a persisted raw response referenced by failure records
type EvidenceArtifact struct {
	ID        string
	RunID     string
	Pointer   string // filesystem path or s3:// URI
	SHA256    string
	SizeBytes int64
	CreatedAt time.Time
}

// StatusEvent records a status transition of a run
type StatusEvent struct {
	ID         int64
	RunID      string
	At         time.Time
	FromStatus *RunStatus
	ToStatus   RunStatus
	Reason     string
}

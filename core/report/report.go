// Package report holds the validation rules for a run's reportable state.
//
// Every operation takes a run by value and returns a new run; slices are
// clipped before appending so a snapshot handed to a reader never changes
// underneath it.
package report

import (
	"errors"
	"fmt"
	"io/fs"
	"slices"
	"strings"
	"time"

	"run-reporter/core/models"
)

// EvidenceResolver checks that an evidence pointer refers to a stored artifact.
// Resolve reports an absent artifact with an error wrapping ErrPointerNotFound
// (or fs.ErrNotExist); any other error means the store could not be asked.
type EvidenceResolver interface {
	Resolve(pointer string) error
}

// ResolverFunc adapts a function to EvidenceResolver
type ResolverFunc func(pointer string) error

func (f ResolverFunc) Resolve(pointer string) error { return f(pointer) }

// Validate checks the summary fields every run must carry
func Validate(run models.Run) (models.RunSummary, error) {
	if strings.TrimSpace(run.ID) == "" {
		return models.RunSummary{}, newError(ErrMissingField, "", "run_id")
	}
	if strings.TrimSpace(run.ConfigFingerprint) == "" {
		return models.RunSummary{}, newError(ErrMissingField, run.ID, "config_fingerprint")
	}
	if run.Status == "" {
		return models.RunSummary{}, newError(ErrMissingField, run.ID, "status")
	}
	if run.Status.Rank() < 0 {
		return models.RunSummary{}, newError(ErrMissingField, run.ID, fmt.Sprintf("status %q is not a known status", run.Status))
	}
	return run.RunSummary, nil
}

// ValidateTransition rejects moves out of a terminal status and moves that
// go backwards in Collecting < Parsing < Validating < Reporting < Completed/Failed.
func ValidateTransition(from, to models.RunStatus) error {
	if to.Rank() < 0 {
		return newError(ErrInvalidStatusTransition, "", fmt.Sprintf("unknown status %q", to))
	}
	if from.IsTerminal() {
		return newError(ErrInvalidStatusTransition, "", fmt.Sprintf("%s is terminal", from))
	}
	if to.Rank() < from.Rank() {
		return newError(ErrInvalidStatusTransition, "", fmt.Sprintf("%s precedes %s", to, from))
	}
	return nil
}

// Advance moves a live run to a later pipeline stage.
// Terminal statuses are reached through Finalize only.
func Advance(run models.Run, status models.RunStatus) (models.Run, error) {
	if _, err := Validate(run); err != nil {
		return run, err
	}
	if status.IsTerminal() {
		return run, newError(ErrInvalidStatusTransition, run.ID, fmt.Sprintf("use finalize to reach %s", status))
	}
	if err := ValidateTransition(run.Status, status); err != nil {
		return run, withRunID(err, run.ID)
	}
	run.Status = status
	return run, nil
}

// AppendLog adds a line to the end of the run console
func AppendLog(run models.Run, line models.LogLine) (models.Run, error) {
	if run.Status.IsTerminal() {
		return run, newError(ErrRunAlreadyFinalized, run.ID, "cannot append log")
	}
	if line.Seq == 0 {
		line.Seq = int64(len(run.Logs)) + 1
	}
	run.Logs = append(slices.Clip(run.Logs), line)
	return run, nil
}

// RecordMetric appends a metric, or replaces the value of the metric with
// the same label while keeping its position.
func RecordMetric(run models.Run, metric models.Metric) (models.Run, error) {
	if run.Status.IsTerminal() {
		return run, newError(ErrRunAlreadyFinalized, run.ID, "cannot record metric")
	}
	if strings.TrimSpace(metric.Label) == "" {
		return run, newError(ErrMissingField, run.ID, "metric label")
	}
	idx := slices.IndexFunc(run.Metrics, func(m models.Metric) bool { return m.Label == metric.Label })
	if idx >= 0 {
		metrics := slices.Clone(run.Metrics)
		metrics[idx] = metric
		run.Metrics = metrics
		return run, nil
	}
	run.Metrics = append(slices.Clip(run.Metrics), metric)
	return run, nil
}

// RecordFailure appends a failure once its evidence pointer resolves
func RecordFailure(run models.Run, failure models.FailureRecord, resolver EvidenceResolver) (models.Run, error) {
	if run.Status.IsTerminal() {
		return run, newError(ErrRunAlreadyFinalized, run.ID, "cannot record failure")
	}
	if strings.TrimSpace(failure.URL) == "" {
		return run, newError(ErrMissingField, run.ID, "failure url")
	}
	if strings.TrimSpace(failure.Evidence) == "" {
		return run, newError(ErrMissingEvidence, run.ID, "no evidence pointer")
	}
	if resolver == nil {
		return run, newError(ErrMissingEvidence, run.ID, failure.Evidence)
	}
	if err := resolver.Resolve(failure.Evidence); err != nil {
		if errors.Is(err, ErrPointerNotFound) || errors.Is(err, fs.ErrNotExist) {
			return run, &ValidationError{Kind: ErrMissingEvidence, RunID: run.ID, Detail: failure.Evidence, Cause: err}
		}
		return run, fmt.Errorf("run %s: resolve evidence %s: %w", run.ID, failure.Evidence, err)
	}
	run.Failures = append(slices.Clip(run.Failures), failure)
	return run, nil
}

// Finalize moves the run to Completed or Failed and freezes it
func Finalize(run models.Run, status models.RunStatus, at time.Time) (models.Run, error) {
	if _, err := Validate(run); err != nil {
		return run, err
	}
	if !status.IsTerminal() {
		return run, newError(ErrInvalidStatusTransition, run.ID, fmt.Sprintf("%s is not a terminal status", status))
	}
	if err := ValidateTransition(run.Status, status); err != nil {
		return run, withRunID(err, run.ID)
	}
	run.Status = status
	run.FinishedAt = &at
	return run, nil
}

func withRunID(err error, runID string) error {
	if ve, ok := err.(*ValidationError); ok {
		ve.RunID = runID
	}
	return err
}

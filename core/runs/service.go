// Package runs coordinates the report rules with persistence and evidence storage.
package runs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"run-reporter/core/models"
	"run-reporter/core/report"
	"run-reporter/core/repository"
	"run-reporter/core/spec"
	"run-reporter/storage"
)

var (
	// ErrRunExists is returned when starting a run whose ID is taken
	ErrRunExists = errors.New("run already exists")
	// ErrInvalidConfig is returned when the run configuration cannot be parsed
	ErrInvalidConfig = errors.New("invalid run config")
	// ErrInvalidRunID is returned for IDs outside [A-Za-z0-9_.-]
	ErrInvalidRunID = errors.New("invalid run id")
)

// Service applies report operations to stored runs. Writes to the same run
// are serialized; reads return independent snapshots.
type Service struct {
	runs     *repository.RunRepository
	logs     *repository.LogRepository
	metrics  *repository.MetricRepository
	failures *repository.FailureRepository
	evidence *repository.EvidenceRepository

	store     storage.EvidenceStore
	collector *storage.Collector
	exporter  *storage.Exporter

	now func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewService creates a run service
func NewService(
	db *repository.DB,
	store storage.EvidenceStore,
	collector *storage.Collector,
	exporter *storage.Exporter,
) *Service {
	return &Service{
		runs:      repository.NewRunRepository(db),
		logs:      repository.NewLogRepository(db),
		metrics:   repository.NewMetricRepository(db),
		failures:  repository.NewFailureRepository(db),
		evidence:  repository.NewEvidenceRepository(db),
		store:     store,
		collector: collector,
		exporter:  exporter,
		now:       time.Now,
		locks:     make(map[string]*sync.Mutex),
	}
}

// lock takes the writer lock of a run and returns its release
func (s *Service) lock(runID string) func() {
	s.mu.Lock()
	l, ok := s.locks[runID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[runID] = l
	}
	s.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// StartRequest describes a new run
type StartRequest struct {
	RunID      string
	ConfigYAML string
	StartedAt  time.Time
}

// Start parses the run configuration and stores a new run in Collecting
func (s *Service) Start(ctx context.Context, req StartRequest) (*models.Run, error) {
	cfg, err := spec.ParseRunConfig(req.ConfigYAML)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	fingerprint, err := cfg.Fingerprint()
	if err != nil {
		return nil, err
	}

	startedAt := req.StartedAt
	if startedAt.IsZero() {
		startedAt = s.now()
	}

	run := models.Run{
		RunSummary: models.RunSummary{
			ID:                strings.TrimSpace(req.RunID),
			ConfigFingerprint: fingerprint,
			StartedAt:         startedAt.In(cfg.Location()),
			Status:            models.RunStatusCollecting,
		},
		Config: cfg.Entries(startedAt),
	}
	if _, err := report.Validate(run); err != nil {
		return nil, err
	}
	if !models.ValidRunID(run.ID) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRunID, run.ID)
	}

	defer s.lock(run.ID)()

	if _, err := s.runs.GetRun(run.ID); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrRunExists, run.ID)
	} else if !errors.Is(err, repository.ErrRunNotFound) {
		return nil, err
	}

	if err := s.runs.CreateRun(run, req.ConfigYAML, cfg.Location().String()); err != nil {
		return nil, err
	}

	return &run, nil
}

// Advance moves a run to a later stage. Re-reporting the current stage is a no-op.
func (s *Service) Advance(ctx context.Context, runID string, status models.RunStatus, reason string) (*models.RunSummary, error) {
	defer s.lock(runID)()

	current, err := s.runs.GetRun(runID)
	if err != nil {
		return nil, err
	}

	next, err := report.Advance(models.Run{RunSummary: *current}, status)
	if err != nil {
		return nil, err
	}
	if next.Status == current.Status {
		return current, nil
	}

	if reason == "" {
		reason = "stage_advanced"
	}
	if err := s.runs.UpdateRunStatus(runID, current.Status, next.Status, reason, s.now()); err != nil {
		return nil, err
	}

	return &next.RunSummary, nil
}

// AppendLog adds a console line to a live run
func (s *Service) AppendLog(ctx context.Context, runID, message string, at time.Time) (*models.LogLine, error) {
	defer s.lock(runID)()

	current, err := s.runs.GetRun(runID)
	if err != nil {
		return nil, err
	}

	if at.IsZero() {
		at = s.now()
	}
	line := models.LogLine{At: at, Message: message}
	if _, err := report.AppendLog(models.Run{RunSummary: *current}, line); err != nil {
		return nil, err
	}

	stored, err := s.logs.AppendLog(runID, line)
	if err != nil {
		return nil, err
	}
	return &stored, nil
}

// RecordMetric stores or replaces a summary metric of a live run
func (s *Service) RecordMetric(ctx context.Context, runID string, metric models.Metric) error {
	defer s.lock(runID)()

	current, err := s.runs.GetRun(runID)
	if err != nil {
		return err
	}

	if _, err := report.RecordMetric(models.Run{RunSummary: *current}, metric); err != nil {
		return err
	}

	return s.metrics.UpsertMetric(runID, metric, s.now())
}

// RecordCounters replaces the derived summary metrics of a live run
func (s *Service) RecordCounters(ctx context.Context, runID string, counters report.Counters) error {
	for _, metric := range report.SummaryMetrics(counters) {
		if err := s.RecordMetric(ctx, runID, metric); err != nil {
			return err
		}
	}
	return nil
}

// RecordFailure stores a failure whose evidence pointer resolves in the evidence store
func (s *Service) RecordFailure(ctx context.Context, runID string, failure models.FailureRecord) (*models.FailureRecord, error) {
	defer s.lock(runID)()

	current, err := s.runs.GetRun(runID)
	if err != nil {
		return nil, err
	}

	var size int64
	resolver := report.ResolverFunc(func(pointer string) error {
		n, err := s.store.Stat(ctx, pointer)
		if errors.Is(err, storage.ErrEvidenceMissing) {
			return fmt.Errorf("%w: %w", report.ErrPointerNotFound, err)
		}
		size = n
		return err
	})

	if failure.RecordedAt.IsZero() {
		failure.RecordedAt = s.now()
	}
	if _, err := report.RecordFailure(models.Run{RunSummary: *current}, failure, resolver); err != nil {
		return nil, err
	}

	artifact := models.EvidenceArtifact{SizeBytes: size, CreatedAt: failure.RecordedAt}
	stored, err := s.failures.RecordFailure(runID, failure, artifact)
	if err != nil {
		return nil, err
	}
	return &stored, nil
}

// StoreEvidence records a failed request and registers its body sample as
// evidence of the run. The returned pointer can then be used in RecordFailure.
func (s *Service) StoreEvidence(ctx context.Context, req storage.FailedRequest) (*models.EvidenceArtifact, error) {
	defer s.lock(req.RunID)()

	current, err := s.runs.GetRun(req.RunID)
	if err != nil {
		return nil, err
	}
	if current.Status.IsTerminal() {
		return nil, &report.ValidationError{Kind: report.ErrRunAlreadyFinalized, RunID: req.RunID, Detail: "cannot store evidence"}
	}
	if len(req.Body) == 0 {
		return nil, &report.ValidationError{Kind: report.ErrMissingField, RunID: req.RunID, Detail: "evidence body"}
	}

	sample, err := s.collector.Record(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to store evidence: %w", err)
	}

	return s.evidence.RegisterEvidence(models.EvidenceArtifact{
		RunID:     req.RunID,
		Pointer:   sample.Pointer,
		SHA256:    sample.SHA256,
		SizeBytes: sample.SizeBytes,
		CreatedAt: s.now(),
	})
}

// Finalize moves a run to Completed or Failed. Nothing can be appended afterwards.
func (s *Service) Finalize(ctx context.Context, runID string, status models.RunStatus, notes string) (*models.RunSummary, error) {
	defer s.lock(runID)()

	current, err := s.runs.GetRun(runID)
	if err != nil {
		return nil, err
	}

	final, err := report.Finalize(models.Run{RunSummary: *current}, status, s.now())
	if err != nil {
		return nil, err
	}
	if notes != "" {
		final.Notes = notes
	}

	if err := s.runs.FinalizeRun(final.RunSummary, current.Status, "run_"+string(status)); err != nil {
		return nil, err
	}

	return &final.RunSummary, nil
}

// StallNotice builds the closing log message and notes for a run idle for idle
type StallNotice func(idle time.Duration) (message, notes string)

// FailIfIdle finalizes a live run as Failed when nothing was written to it for
// at least timeout before at. The idleness check, the closing log line and the
// status change happen under the run's writer lock; it reports whether the run
// was failed.
func (s *Service) FailIfIdle(ctx context.Context, runID string, timeout time.Duration, at time.Time, notice StallNotice) (bool, error) {
	defer s.lock(runID)()

	current, err := s.runs.GetRun(runID)
	if err != nil {
		return false, err
	}
	if current.Status.IsTerminal() {
		return false, nil
	}

	last, err := s.runs.GetLastActivity(runID)
	if err != nil {
		return false, err
	}
	idle := at.Sub(last)
	if idle < timeout {
		return false, nil
	}

	message, notes := notice(idle)
	line := models.LogLine{At: at, Message: message}
	if _, err := report.AppendLog(models.Run{RunSummary: *current}, line); err != nil {
		return false, err
	}

	final, err := report.Finalize(models.Run{RunSummary: *current}, models.RunStatusFailed, at)
	if err != nil {
		return false, err
	}
	final.Notes = notes

	if err := s.runs.FinalizeRunWithLog(final.RunSummary, current.Status, "run_stalled", line); err != nil {
		return false, err
	}
	return true, nil
}

// Snapshot returns the run with its last logTail log lines (all when logTail <= 0)
func (s *Service) Snapshot(ctx context.Context, runID string, logTail int) (*models.Run, error) {
	return s.runs.LoadRun(runID, logTail)
}

// List returns run summaries, newest first
func (s *Service) List(ctx context.Context, status *models.RunStatus, limit int) ([]models.RunSummary, error) {
	return s.runs.ListRuns(status, limit)
}

// Failures returns the failures of a run in the order they were recorded
func (s *Service) Failures(ctx context.Context, runID string) ([]models.FailureRecord, error) {
	if _, err := s.runs.GetRun(runID); err != nil {
		return nil, err
	}
	return s.failures.GetFailures(runID)
}

// Evidence opens the artifact registered for a run under evidenceID
func (s *Service) Evidence(ctx context.Context, runID, evidenceID string) (*models.EvidenceArtifact, io.ReadCloser, error) {
	if _, err := s.runs.GetRun(runID); err != nil {
		return nil, nil, err
	}

	artifact, err := s.evidence.GetEvidence(runID, evidenceID)
	if err != nil {
		return nil, nil, err
	}

	body, err := s.store.Open(ctx, artifact.Pointer)
	if err != nil {
		return artifact, nil, err
	}
	return artifact, body, nil
}

// Export writes the full run as CSV files
func (s *Service) Export(ctx context.Context, runID string) (*storage.Export, error) {
	run, err := s.runs.LoadRun(runID, 0)
	if err != nil {
		return nil, err
	}
	return s.exporter.ExportRun(*run)
}

// LastActivity returns when each live run was last written to
func (s *Service) LastActivity(ctx context.Context) (map[string]time.Time, error) {
	return s.runs.LastActivity()
}

// StatusEvents returns the status history of a run
func (s *Service) StatusEvents(ctx context.Context, runID string) ([]models.StatusEvent, error) {
	if _, err := s.runs.GetRun(runID); err != nil {
		return nil, err
	}
	return s.runs.GetStatusEvents(runID)
}

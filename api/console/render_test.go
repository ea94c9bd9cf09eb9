package console

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"run-reporter/core/models"
	"run-reporter/core/repository"
)

type fakeLoader struct {
	run         *models.Run
	runErr      error
	failures    []models.FailureRecord
	failuresErr error
}

func (f fakeLoader) Snapshot(ctx context.Context, runID string, logTail int) (*models.Run, error) {
	return f.run, f.runErr
}

func (f fakeLoader) Failures(ctx context.Context, runID string) ([]models.FailureRecord, error) {
	return f.failures, f.failuresErr
}

func demoRun() *models.Run {
	started := time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)
	return &models.Run{
		RunSummary: models.RunSummary{
			ID:                "run_20250101_0900",
			ConfigFingerprint: "cf7d29",
			StartedAt:         started,
			Status:            models.RunStatusCollecting,
		},
		Config:  []models.ConfigEntry{{Label: "Keywords", Value: "기후변화, AI, 경제"}},
		Metrics: []models.Metric{{Label: "Success Rate", Value: "92%", Trend: "+3%"}},
		Logs:    []models.LogLine{{Seq: 1, At: started, Message: "[09:00:01] ▶ Starting Run run_20250101_0900"}},
	}
}

var demoFailures = []models.FailureRecord{{
	URL:      "https://news.naver.com/article/001/000789",
	Status:   "403",
	Error:    "Forbidden",
	Evidence: "/logs/failed_responses/a1b2.txt",
}}

func TestRenderRun(t *testing.T) {
	view, err := LoadView(context.Background(), fakeLoader{run: demoRun(), failures: demoFailures}, "run_20250101_0900", 50)
	if err != nil {
		t.Fatalf("LoadView() error = %v", err)
	}

	output := RenderRun(view)
	for _, want := range []string{
		"run_20250101_0900",
		"cf7d29",
		"COLLECTING",
		"기후변화, AI, 경제",
		"92%",
		"Success Rate",
		"[09:00:01] ▶ Starting Run run_20250101_0900",
		"https://news.naver.com/article/001/000789",
		"/logs/failed_responses/a1b2.txt",
	} {
		if !strings.Contains(output, want) {
			t.Errorf("output missing %q:\n%s", want, output)
		}
	}
	if strings.Contains(output, unavailable) {
		t.Errorf("unexpected degraded section:\n%s", output)
	}
}

func TestRenderRun_DegradedSections(t *testing.T) {
	loader := fakeLoader{run: demoRun(), failuresErr: errors.New("connection refused")}
	view, err := LoadView(context.Background(), loader, "run_20250101_0900", 50)
	if err != nil {
		t.Fatalf("LoadView() error = %v", err)
	}

	output := RenderRun(view)
	if strings.Count(output, unavailable) != 1 {
		t.Errorf("want exactly the failures section unavailable:\n%s", output)
	}
	if !strings.Contains(output, "[09:00:01] ▶ Starting Run run_20250101_0900") {
		t.Error("log section missing")
	}

	loader = fakeLoader{runErr: errors.New("timeout"), failures: demoFailures}
	view, err = LoadView(context.Background(), loader, "run_20250101_0900", 50)
	if err != nil {
		t.Fatalf("LoadView() error = %v", err)
	}
	output = RenderRun(view)
	if strings.Count(output, unavailable) != 4 {
		t.Errorf("want summary, config, metrics and logs unavailable:\n%s", output)
	}
	if !strings.Contains(output, "Forbidden") {
		t.Error("failures should still render")
	}
}

func TestLoadView_UnknownRun(t *testing.T) {
	_, err := LoadView(context.Background(), fakeLoader{runErr: repository.ErrRunNotFound}, "missing", 50)
	if !errors.Is(err, repository.ErrRunNotFound) {
		t.Errorf("LoadView() error = %v, want ErrRunNotFound", err)
	}
}

func TestRenderRun_Empty(t *testing.T) {
	run := demoRun()
	run.Config, run.Metrics, run.Logs = nil, nil, nil
	finished := run.StartedAt.Add(34*time.Minute + 11*time.Second)
	run.FinishedAt = &finished
	run.Status = models.RunStatusCompleted

	output := RenderRun(RunView{RunID: run.ID, Run: run})
	if strings.Count(output, "(none)") != 4 {
		t.Errorf("want four empty sections:\n%s", output)
	}
	if !strings.Contains(output, "34m11s") {
		t.Errorf("duration missing:\n%s", output)
	}
}

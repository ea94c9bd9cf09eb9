package repository

import (
	"database/sql"
	"errors"
	"testing"
	"time"

	"run-reporter/core/models"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()

	// Use in-memory database for tests
	db, err := NewDB("sqlite://:memory:")
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	return db
}

var testStart = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func seedRun(t *testing.T, db *DB, id string) models.Run {
	t.Helper()

	run := models.Run{
		RunSummary: models.RunSummary{
			ID:                id,
			ConfigFingerprint: "cf7d29",
			StartedAt:         testStart,
			Status:            models.RunStatusCollecting,
		},
		Config: []models.ConfigEntry{
			{Label: "Keywords", Value: "기후변화, AI, 경제"},
			{Label: "Rate Limit", Value: "min 1s / max 3s"},
		},
	}

	if err := NewRunRepository(db).CreateRun(run, "search:\n  keywords: [AI]\n", "Asia/Seoul"); err != nil {
		t.Fatalf("CreateRun() error = %v", err)
	}
	return run
}

func TestParseDatabaseURL(t *testing.T) {
	tests := []struct {
		url, driver, dsn string
		wantErr          bool
	}{
		{"postgres://localhost/runs?sslmode=disable", driverPostgres, "postgres://localhost/runs?sslmode=disable", false},
		{"postgresql://u@h/db", driverPostgres, "postgresql://u@h/db", false},
		{"sqlite://./data/runs.db", driverSQLite, "./data/runs.db", false},
		{"sqlite://", "", "", true},
		{"mysql://x", "", "", true},
	}

	for _, tt := range tests {
		driver, dsn, err := parseDatabaseURL(tt.url)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseDatabaseURL(%q) error = %v, wantErr %v", tt.url, err, tt.wantErr)
			continue
		}
		if driver != tt.driver || dsn != tt.dsn {
			t.Errorf("parseDatabaseURL(%q) = (%q, %q), want (%q, %q)", tt.url, driver, dsn, tt.driver, tt.dsn)
		}
	}
}

func TestRebind(t *testing.T) {
	sqlite := &DB{driver: driverSQLite}
	pg := &DB{driver: driverPostgres}
	q := "SELECT 1 FROM runs WHERE id = $1 AND status = $2"

	if got := sqlite.rebind(q); got != "SELECT 1 FROM runs WHERE id = ? AND status = ?" {
		t.Errorf("sqlite rebind = %q", got)
	}
	if got := pg.rebind(q); got != q {
		t.Errorf("postgres rebind = %q", got)
	}
}

func TestSnapshotOptions(t *testing.T) {
	if opts := (&DB{driver: driverSQLite}).snapshotOptions(); opts != nil {
		t.Errorf("sqlite snapshot options = %+v, want nil", opts)
	}

	opts := (&DB{driver: driverPostgres}).snapshotOptions()
	if opts == nil || opts.Isolation != sql.LevelRepeatableRead || !opts.ReadOnly {
		t.Errorf("postgres snapshot options = %+v, want read-only repeatable read", opts)
	}
}

func TestCreateAndGetRun(t *testing.T) {
	db := setupTestDB(t)
	seedRun(t, db, "run_20250101_0900")

	repo := NewRunRepository(db)
	summary, err := repo.GetRun("run_20250101_0900")
	if err != nil {
		t.Fatalf("GetRun() error = %v", err)
	}

	if summary.ConfigFingerprint != "cf7d29" {
		t.Errorf("ConfigFingerprint = %q", summary.ConfigFingerprint)
	}
	if summary.Status != models.RunStatusCollecting {
		t.Errorf("Status = %q", summary.Status)
	}
	if !summary.StartedAt.Equal(testStart) {
		t.Errorf("StartedAt = %v, want %v", summary.StartedAt, testStart)
	}
	if summary.StartedAt.Location().String() != "Asia/Seoul" {
		t.Errorf("StartedAt location = %s, want Asia/Seoul", summary.StartedAt.Location())
	}
	if summary.FinishedAt != nil {
		t.Errorf("FinishedAt = %v, want nil", summary.FinishedAt)
	}

	doc, err := repo.GetConfigYAML("run_20250101_0900")
	if err != nil || doc == "" {
		t.Errorf("GetConfigYAML() = %q, %v", doc, err)
	}
}

func TestGetRun_NotFound(t *testing.T) {
	db := setupTestDB(t)

	if _, err := NewRunRepository(db).GetRun("missing"); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("GetRun() error = %v, want ErrRunNotFound", err)
	}
	if _, err := NewRunRepository(db).LoadRun("missing", 10); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("LoadRun() error = %v, want ErrRunNotFound", err)
	}
}

func TestCreateRun_Duplicate(t *testing.T) {
	db := setupTestDB(t)
	run := seedRun(t, db, "dup")

	if err := NewRunRepository(db).CreateRun(run, "", "UTC"); err == nil {
		t.Error("CreateRun() twice succeeded, want error")
	}
}

func TestUpdateRunStatus_RecordsEvents(t *testing.T) {
	db := setupTestDB(t)
	seedRun(t, db, "r1")
	repo := NewRunRepository(db)

	at := testStart.Add(time.Minute)
	if err := repo.UpdateRunStatus("r1", models.RunStatusCollecting, models.RunStatusParsing, "stage_advanced", at); err != nil {
		t.Fatalf("UpdateRunStatus() error = %v", err)
	}

	// stale from-status loses the race
	err := repo.UpdateRunStatus("r1", models.RunStatusCollecting, models.RunStatusValidating, "stage_advanced", at)
	if !errors.Is(err, ErrRunNotFound) {
		t.Errorf("UpdateRunStatus(stale) error = %v, want ErrRunNotFound", err)
	}

	events, err := repo.GetStatusEvents("r1")
	if err != nil {
		t.Fatalf("GetStatusEvents() error = %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("len(events) = %d, want 2", len(events))
	}
	if events[0].FromStatus != nil || events[0].ToStatus != models.RunStatusCollecting || events[0].Reason != "run_started" {
		t.Errorf("events[0] = %+v", events[0])
	}
	if events[1].FromStatus == nil || *events[1].FromStatus != models.RunStatusCollecting || events[1].ToStatus != models.RunStatusParsing {
		t.Errorf("events[1] = %+v", events[1])
	}
}

func TestFinalizeRun(t *testing.T) {
	db := setupTestDB(t)
	seedRun(t, db, "r1")
	repo := NewRunRepository(db)

	finished := testStart.Add(34*time.Minute + 11*time.Second)
	summary := models.RunSummary{ID: "r1", Status: models.RunStatusCompleted, FinishedAt: &finished, Notes: "tier A"}
	if err := repo.FinalizeRun(summary, models.RunStatusCollecting, "run_completed"); err != nil {
		t.Fatalf("FinalizeRun() error = %v", err)
	}

	got, err := repo.GetRun("r1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.RunStatusCompleted || got.Notes != "tier A" {
		t.Errorf("GetRun() = %+v", got)
	}
	if got.FinishedAt == nil || !got.FinishedAt.Equal(finished) {
		t.Errorf("FinishedAt = %v, want %v", got.FinishedAt, finished)
	}

	activity, err := repo.LastActivity()
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := activity["r1"]; ok {
		t.Error("finalized run reported as live")
	}
}

func TestListRuns(t *testing.T) {
	db := setupTestDB(t)
	repo := NewRunRepository(db)

	for i, id := range []string{"a", "b", "c"} {
		run := models.Run{RunSummary: models.RunSummary{
			ID:                id,
			ConfigFingerprint: "ff0000",
			StartedAt:         testStart.Add(time.Duration(i) * time.Hour),
			Status:            models.RunStatusCollecting,
		}}
		if err := repo.CreateRun(run, "", "UTC"); err != nil {
			t.Fatal(err)
		}
	}
	if err := repo.UpdateRunStatus("b", models.RunStatusCollecting, models.RunStatusParsing, "", testStart); err != nil {
		t.Fatal(err)
	}

	all, err := repo.ListRuns(nil, 0)
	if err != nil {
		t.Fatalf("ListRuns() error = %v", err)
	}
	if len(all) != 3 || all[0].ID != "c" || all[2].ID != "a" {
		t.Errorf("ListRuns() order = %v", all)
	}

	status := models.RunStatusParsing
	parsing, err := repo.ListRuns(&status, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(parsing) != 1 || parsing[0].ID != "b" {
		t.Errorf("ListRuns(parsing) = %v", parsing)
	}

	limited, _ := repo.ListRuns(nil, 2)
	if len(limited) != 2 {
		t.Errorf("ListRuns(limit 2) len = %d", len(limited))
	}
}

func TestAppendAndTailLogs(t *testing.T) {
	db := setupTestDB(t)
	seedRun(t, db, "r1")
	logs := NewLogRepository(db)

	messages := []string{
		"[09:00:01] ▶ Starting Run run_20250101_0900",
		"[09:00:02] ▶ Keyword '기후변화' page 1",
		"[09:00:04] ✔ Article 001/000123 metadata ok",
		"[09:00:04] ✔ Article 001/000123 metadata ok",
		"[09:00:06] ✔ Comments persisted (52 rows)",
	}
	for i, msg := range messages {
		line, err := logs.AppendLog("r1", models.LogLine{At: testStart.Add(time.Duration(i) * time.Second), Message: msg})
		if err != nil {
			t.Fatalf("AppendLog() error = %v", err)
		}
		if line.Seq != int64(i+1) {
			t.Errorf("Seq = %d, want %d", line.Seq, i+1)
		}
	}

	all, err := logs.TailLogs("r1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != len(messages) {
		t.Fatalf("len(all) = %d, want %d", len(all), len(messages))
	}
	for i := range messages {
		if all[i].Message != messages[i] {
			t.Errorf("all[%d] = %q, want %q", i, all[i].Message, messages[i])
		}
	}

	tail, err := logs.TailLogs("r1", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(tail) != 2 || tail[0].Seq != 4 || tail[1].Seq != 5 {
		t.Errorf("TailLogs(2) = %+v", tail)
	}

	n, _ := logs.CountLogs("r1")
	if n != 5 {
		t.Errorf("CountLogs() = %d, want 5", n)
	}
}

func TestAppendLog_UnknownRun(t *testing.T) {
	db := setupTestDB(t)
	if _, err := NewLogRepository(db).AppendLog("nope", models.LogLine{At: testStart, Message: "x"}); err == nil {
		t.Error("AppendLog() for unknown run succeeded")
	}
}

func TestUpsertMetric(t *testing.T) {
	db := setupTestDB(t)
	seedRun(t, db, "r1")
	repo := NewMetricRepository(db)

	rate := 92.0
	for _, m := range []models.Metric{
		{Label: "Expected Duration", Value: "38m", Trend: "±4m"},
		{Label: "Success Rate", Value: "92%", Numeric: &rate},
		{Label: "Expected Duration", Value: "40m", Trend: "±2m"},
	} {
		if err := repo.UpsertMetric("r1", m, testStart); err != nil {
			t.Fatalf("UpsertMetric(%s) error = %v", m.Label, err)
		}
	}

	metrics, err := repo.GetMetrics("r1")
	if err != nil {
		t.Fatal(err)
	}
	if len(metrics) != 2 {
		t.Fatalf("len(metrics) = %d, want 2", len(metrics))
	}
	if metrics[0].Label != "Expected Duration" || metrics[0].Value != "40m" || metrics[0].Trend != "±2m" {
		t.Errorf("metrics[0] = %+v", metrics[0])
	}
	if metrics[0].Numeric != nil {
		t.Errorf("metrics[0].Numeric = %v, want nil", *metrics[0].Numeric)
	}
	if metrics[1].Numeric == nil || *metrics[1].Numeric != 92 {
		t.Errorf("metrics[1].Numeric = %v", metrics[1].Numeric)
	}
}

func TestRecordFailure_InsertionOrderAndEvidence(t *testing.T) {
	db := setupTestDB(t)
	seedRun(t, db, "r1")
	repo := NewFailureRepository(db)

	first := models.FailureRecord{
		URL:        "https://news.naver.com/article/001/000789",
		Status:     "403",
		Error:      "Forbidden",
		Evidence:   "/logs/failed_responses/a1b2.txt",
		RecordedAt: testStart,
	}
	second := models.FailureRecord{
		URL:        "https://n.news.naver.com/article/009/000222",
		Status:     "schema",
		Error:      "Missing commentList",
		Evidence:   "/logs/failed_responses/f9e8.txt",
		RecordedAt: testStart.Add(time.Second),
	}
	// same artifact referenced twice
	third := first
	third.URL = "https://news.naver.com/article/001/000790"

	var ids []string
	for _, f := range []models.FailureRecord{first, second, third} {
		stored, err := repo.RecordFailure("r1", f, models.EvidenceArtifact{SizeBytes: 10, CreatedAt: f.RecordedAt})
		if err != nil {
			t.Fatalf("RecordFailure() error = %v", err)
		}
		if stored.EvidenceID == "" {
			t.Fatal("RecordFailure() returned no evidence id")
		}
		ids = append(ids, stored.EvidenceID)
	}
	if ids[0] != ids[2] {
		t.Errorf("same pointer registered twice: %s vs %s", ids[0], ids[2])
	}

	failures, err := repo.GetFailures("r1")
	if err != nil {
		t.Fatal(err)
	}
	if len(failures) != 3 {
		t.Fatalf("len(failures) = %d, want 3", len(failures))
	}
	wantURLs := []string{first.URL, second.URL, third.URL}
	for i, f := range failures {
		if f.URL != wantURLs[i] {
			t.Errorf("failures[%d].URL = %s, want %s", i, f.URL, wantURLs[i])
		}
		if f.EvidenceID != ids[i] {
			t.Errorf("failures[%d].EvidenceID = %s, want %s", i, f.EvidenceID, ids[i])
		}
	}

	counts, err := repo.CountFailures()
	if err != nil {
		t.Fatal(err)
	}
	if counts["r1"] != 3 {
		t.Errorf("CountFailures()[r1] = %d, want 3", counts["r1"])
	}

	evidence := NewEvidenceRepository(db)
	artifact, err := evidence.GetEvidence("r1", ids[0])
	if err != nil {
		t.Fatalf("GetEvidence() error = %v", err)
	}
	if artifact.Pointer != first.Evidence || artifact.SizeBytes != 10 {
		t.Errorf("GetEvidence() = %+v", artifact)
	}
	if _, err := evidence.GetEvidence("other-run", ids[0]); !errors.Is(err, ErrEvidenceNotFound) {
		t.Errorf("GetEvidence(other run) error = %v, want ErrEvidenceNotFound", err)
	}
}

func TestRegisterEvidence_Idempotent(t *testing.T) {
	db := setupTestDB(t)
	seedRun(t, db, "r1")
	repo := NewEvidenceRepository(db)

	artifact := models.EvidenceArtifact{RunID: "r1", Pointer: "s3://bucket/r1/abcd.txt", SHA256: "abcd", SizeBytes: 4, CreatedAt: testStart}
	a, err := repo.RegisterEvidence(artifact)
	if err != nil {
		t.Fatalf("RegisterEvidence() error = %v", err)
	}
	b, err := repo.RegisterEvidence(artifact)
	if err != nil {
		t.Fatalf("RegisterEvidence() second error = %v", err)
	}
	if a.ID == "" || a.ID != b.ID {
		t.Errorf("ids = %q, %q", a.ID, b.ID)
	}

	found, err := repo.FindByPointer("r1", artifact.Pointer)
	if err != nil || found.ID != a.ID {
		t.Errorf("FindByPointer() = %+v, %v", found, err)
	}

	if _, err := repo.RegisterEvidence(models.EvidenceArtifact{ID: "not-a-uuid", RunID: "r1", Pointer: "/x"}); err == nil {
		t.Error("RegisterEvidence() accepted a non-uuid id")
	}
}

func TestLoadRun_Snapshot(t *testing.T) {
	db := setupTestDB(t)
	seedRun(t, db, "r1")

	logs := NewLogRepository(db)
	for i := 0; i < 5; i++ {
		if _, err := logs.AppendLog("r1", models.LogLine{At: testStart, Message: string(rune('a' + i))}); err != nil {
			t.Fatal(err)
		}
	}
	if err := NewMetricRepository(db).UpsertMetric("r1", models.Metric{Label: "Risk", Value: "Moderate", Trend: "High 429 probability"}, testStart); err != nil {
		t.Fatal(err)
	}
	if _, err := NewFailureRepository(db).RecordFailure("r1", models.FailureRecord{URL: "u", Status: "403", Error: "Forbidden", Evidence: "/e", RecordedAt: testStart}, models.EvidenceArtifact{}); err != nil {
		t.Fatal(err)
	}

	run, err := NewRunRepository(db).LoadRun("r1", 3)
	if err != nil {
		t.Fatalf("LoadRun() error = %v", err)
	}
	if len(run.Config) != 2 || run.Config[0].Label != "Keywords" {
		t.Errorf("Config = %+v", run.Config)
	}
	if len(run.Metrics) != 1 || run.Metrics[0].Value != "Moderate" {
		t.Errorf("Metrics = %+v", run.Metrics)
	}
	if len(run.Logs) != 3 || run.Logs[0].Message != "c" || run.Logs[2].Message != "e" {
		t.Errorf("Logs = %+v", run.Logs)
	}
	if len(run.Failures) != 1 || run.Failures[0].EvidenceID == "" {
		t.Errorf("Failures = %+v", run.Failures)
	}
}

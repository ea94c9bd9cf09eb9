package routes

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"run-reporter/core/repository"
	"run-reporter/core/runs"
	"run-reporter/storage"

	"github.com/gorilla/mux"
)

const demoConfig = `
snapshot:
  timezone: Asia/Seoul
search:
  keywords: ["기후변화", "AI", "경제"]
`

type testServer struct {
	router http.Handler
	root   string
}

func setupServer(t *testing.T) testServer {
	t.Helper()
	return setupServerWithStore(t, nil)
}

// setupServerWithStore lets wrap replace the evidence store the service resolves pointers with
func setupServerWithStore(t *testing.T, wrap func(storage.EvidenceStore) storage.EvidenceStore) testServer {
	t.Helper()

	db, err := repository.NewDB("sqlite://:memory:")
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	root := t.TempDir()
	store, err := storage.NewFSStore(root)
	if err != nil {
		t.Fatal(err)
	}
	collector, err := storage.NewCollector(store, root)
	if err != nil {
		t.Fatal(err)
	}
	var resolver storage.EvidenceStore = store
	if wrap != nil {
		resolver = wrap(store)
	}
	svc := runs.NewService(db, resolver, collector, storage.NewExporter(filepath.Join(root, "exports")))

	r := mux.NewRouter()
	SetupRoutes(r, db, svc, 50)
	return testServer{router: r, root: root}
}

func (s testServer) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s testServer) expect(t *testing.T, method, path string, body interface{}, want int) *httptest.ResponseRecorder {
	t.Helper()
	rec := s.do(t, method, path, body)
	if rec.Code != want {
		t.Fatalf("%s %s = %d, want %d: %s", method, path, rec.Code, want, rec.Body.String())
	}
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("invalid JSON response %q: %v", rec.Body.String(), err)
	}
}

func TestRunLifecycle(t *testing.T) {
	s := setupServer(t)
	const base = "/v1/runs/run_20250101_0900"

	s.expect(t, "POST", "/v1/runs", map[string]string{"run_id": "run_20250101_0900", "config_yaml": demoConfig}, http.StatusCreated)
	s.expect(t, "POST", "/v1/runs", map[string]string{"run_id": "run_20250101_0900", "config_yaml": demoConfig}, http.StatusConflict)

	s.expect(t, "POST", base+"/logs", map[string]string{"message": "[09:00:01] ▶ Starting Run run_20250101_0900"}, http.StatusCreated)
	s.expect(t, "POST", base+"/status", map[string]string{"status": "parsing"}, http.StatusOK)
	s.expect(t, "POST", base+"/status", map[string]string{"status": "collecting"}, http.StatusConflict)
	s.expect(t, "POST", base+"/status", map[string]string{"status": "done"}, http.StatusBadRequest)
	s.expect(t, "POST", base+"/metrics", map[string]string{"label": "Success Rate", "value": "92%", "trend": "+3%"}, http.StatusOK)

	rec := s.expect(t, "GET", base, nil, http.StatusOK)
	var got struct {
		RunID       string `json:"run_id"`
		Status      string `json:"status"`
		Fingerprint string `json:"config_fingerprint"`
		Config      []struct{ Label, Value string }
		Metrics     []struct{ Label, Value string }
		Logs        []struct {
			Seq     int64
			Message string
		}
	}
	decode(t, rec, &got)
	if got.RunID != "run_20250101_0900" || got.Status != "parsing" || len(got.Fingerprint) != 6 {
		t.Errorf("GET run = %+v", got)
	}
	if len(got.Logs) != 1 || got.Logs[0].Message != "[09:00:01] ▶ Starting Run run_20250101_0900" {
		t.Errorf("logs = %+v", got.Logs)
	}
	if len(got.Metrics) != 1 || got.Metrics[0].Value != "92%" {
		t.Errorf("metrics = %+v", got.Metrics)
	}

	s.expect(t, "POST", base+"/finalize", map[string]string{"status": "completed"}, http.StatusOK)
	s.expect(t, "POST", base+"/logs", map[string]string{"message": "late"}, http.StatusConflict)

	rec = s.expect(t, "GET", base+"/events", nil, http.StatusOK)
	var events struct{ Items []map[string]interface{} }
	decode(t, rec, &events)
	if len(events.Items) != 3 {
		t.Errorf("events = %+v", events.Items)
	}
}

func TestFailuresAndEvidence(t *testing.T) {
	s := setupServer(t)
	const base = "/v1/runs/run_20250101_0900"
	s.expect(t, "POST", "/v1/runs", map[string]string{"run_id": "run_20250101_0900", "config_yaml": demoConfig}, http.StatusCreated)

	if err := os.WriteFile(filepath.Join(s.root, "logs", "failed_responses", "a1b2.txt"), []byte("<html>Forbidden</html>"), 0600); err != nil {
		t.Fatal(err)
	}

	s.expect(t, "POST", base+"/failures", map[string]string{
		"url":      "https://news.naver.com/article/001/000789",
		"status":   "403",
		"error":    "Forbidden",
		"evidence": "/logs/failed_responses/a1b2.txt",
	}, http.StatusCreated)

	s.expect(t, "POST", base+"/failures", map[string]string{
		"url":      "https://news.naver.com/article/001/000790",
		"status":   "500",
		"error":    "boom",
		"evidence": "/logs/failed_responses/none.txt",
	}, http.StatusUnprocessableEntity)

	rec := s.expect(t, "POST", base+"/evidence", map[string]interface{}{
		"method":      "GET",
		"url":         "https://n.news.naver.com/article/009/000222",
		"status_code": 200,
		"error_type":  "SCHEMA",
		"headers":     map[string]string{"Authorization": "secret"},
		"body":        `{"result":{}}`,
	}, http.StatusCreated)
	var stored struct {
		EvidenceID string `json:"evidence_id"`
		Pointer    string `json:"pointer"`
	}
	decode(t, rec, &stored)

	s.expect(t, "POST", base+"/failures", map[string]string{
		"url":      "https://n.news.naver.com/article/009/000222",
		"status":   "schema",
		"error":    "Missing commentList",
		"evidence": stored.Pointer,
	}, http.StatusCreated)

	rec = s.expect(t, "GET", base+"/failures", nil, http.StatusOK)
	var failures struct {
		Items []struct {
			URL        string `json:"url"`
			EvidenceID string `json:"evidence_id"`
		}
	}
	decode(t, rec, &failures)
	if len(failures.Items) != 2 {
		t.Fatalf("failures = %+v", failures.Items)
	}
	if failures.Items[0].URL != "https://news.naver.com/article/001/000789" || failures.Items[1].EvidenceID != stored.EvidenceID {
		t.Errorf("failures = %+v", failures.Items)
	}

	rec = s.expect(t, "GET", base+"/evidence/"+failures.Items[0].EvidenceID, nil, http.StatusOK)
	if rec.Body.String() != "<html>Forbidden</html>" {
		t.Errorf("evidence body = %q", rec.Body.String())
	}

	s.expect(t, "GET", base+"/evidence/00000000-0000-0000-0000-000000000000", nil, http.StatusNotFound)

	rec = s.expect(t, "POST", base+"/export", nil, http.StatusCreated)
	var export struct {
		ExportID string   `json:"export_id"`
		Files    []string `json:"files"`
	}
	decode(t, rec, &export)
	if export.ExportID == "" || len(export.Files) != 3 {
		t.Errorf("export = %+v", export)
	}
}

func TestNotFoundAndBadRequests(t *testing.T) {
	s := setupServer(t)

	s.expect(t, "GET", "/v1/runs/missing", nil, http.StatusNotFound)
	s.expect(t, "GET", "/v1/runs/missing/failures", nil, http.StatusNotFound)
	s.expect(t, "POST", "/v1/runs/missing/logs", map[string]string{"message": "x"}, http.StatusNotFound)
	s.expect(t, "POST", "/v1/runs/missing/export", nil, http.StatusNotFound)
	s.expect(t, "POST", "/v1/runs", map[string]string{"run_id": "x", "config_yaml": "search: {}"}, http.StatusBadRequest)
	s.expect(t, "POST", "/v1/runs", map[string]string{"run_id": "", "config_yaml": demoConfig}, http.StatusUnprocessableEntity)
	s.expect(t, "GET", "/v1/runs?status=bogus", nil, http.StatusBadRequest)

	req := httptest.NewRequest("POST", "/v1/runs", strings.NewReader("{"))
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("malformed body = %d", rec.Code)
	}
}

func TestListRunsAndDashboard(t *testing.T) {
	s := setupServer(t)

	for _, id := range []string{"a", "b"} {
		s.expect(t, "POST", "/v1/runs", map[string]string{"run_id": id, "config_yaml": demoConfig}, http.StatusCreated)
	}
	s.expect(t, "POST", "/v1/runs/b/finalize", map[string]string{"status": "failed", "notes": "blocked"}, http.StatusOK)

	rec := s.expect(t, "GET", "/v1/runs?status=collecting", nil, http.StatusOK)
	var list struct {
		Items []struct {
			RunID string `json:"run_id"`
		}
	}
	decode(t, rec, &list)
	if len(list.Items) != 1 || list.Items[0].RunID != "a" {
		t.Errorf("list = %+v", list.Items)
	}

	rec = s.expect(t, "GET", "/v1/dashboard", nil, http.StatusOK)
	var overview struct {
		Runs struct {
			ByStatus map[string]int `json:"by_status"`
			Live     []string       `json:"live"`
		}
	}
	decode(t, rec, &overview)
	if overview.Runs.ByStatus["collecting"] != 1 || overview.Runs.ByStatus["failed"] != 1 {
		t.Errorf("by_status = %v", overview.Runs.ByStatus)
	}
	if len(overview.Runs.Live) != 1 || overview.Runs.Live[0] != "a" {
		t.Errorf("live = %v", overview.Runs.Live)
	}

	s.expect(t, "GET", "/v1/dashboard?start_date=yesterday", nil, http.StatusBadRequest)

	rec = s.expect(t, "GET", "/metrics", nil, http.StatusOK)
	if !strings.Contains(rec.Body.String(), `run_reporter_runs{status="failed"} 1`) {
		t.Errorf("metrics = %s", rec.Body.String())
	}

	rec = s.expect(t, "GET", "/health", nil, http.StatusOK)
	if rec.Body.String() != "OK" {
		t.Errorf("health = %q", rec.Body.String())
	}
}

func TestCreateRun_RejectsUnsafeRunID(t *testing.T) {
	s := setupServer(t)

	for _, id := range []string{"x/../../../escaped", "..", "a/b"} {
		s.expect(t, "POST", "/v1/runs", map[string]string{"run_id": id, "config_yaml": demoConfig}, http.StatusBadRequest)
	}

	rec := s.expect(t, "GET", "/v1/runs", nil, http.StatusOK)
	var list struct {
		Items []struct {
			RunID string `json:"run_id"`
		} `json:"items"`
	}
	decode(t, rec, &list)
	if len(list.Items) != 0 {
		t.Errorf("runs = %+v, want none", list.Items)
	}
}

type offlineStore struct {
	storage.EvidenceStore
}

func (offlineStore) Stat(ctx context.Context, pointer string) (int64, error) {
	return 0, errors.New("failed to reach evidence object: connection reset")
}

func TestRecordFailure_StoreOutageIsServerError(t *testing.T) {
	s := setupServerWithStore(t, func(store storage.EvidenceStore) storage.EvidenceStore {
		return offlineStore{EvidenceStore: store}
	})
	const base = "/v1/runs/run_20250101_0900"

	s.expect(t, "POST", "/v1/runs", map[string]string{"run_id": "run_20250101_0900", "config_yaml": demoConfig}, http.StatusCreated)
	s.expect(t, "POST", base+"/failures", map[string]string{
		"url":      "https://news.naver.com/article/001/000789",
		"status":   "403",
		"error":    "Forbidden",
		"evidence": "s3://evidence/logs/failed_responses/run_20250101_0900/a1b2.txt",
	}, http.StatusInternalServerError)

	rec := s.expect(t, "GET", base+"/failures", nil, http.StatusOK)
	var failures struct {
		Items []map[string]interface{} `json:"items"`
	}
	decode(t, rec, &failures)
	if len(failures.Items) != 0 {
		t.Errorf("failures = %+v, want none", failures.Items)
	}
}

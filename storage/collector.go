package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// FailedRequest is a request the collector gave up on
type FailedRequest struct {
	RunID      string
	Method     string
	URL        string
	StatusCode int
	ErrorType  string
	Headers    map[string]string
	Context    map[string]interface{}
	Body       []byte
}

// requestEntry is one line of failed_requests.jsonl
type requestEntry struct {
	Timestamp      time.Time              `json:"timestamp"`
	RunID          string                 `json:"run_id"`
	Method         string                 `json:"method"`
	FullURL        string                 `json:"full_url"`
	StatusCode     int                    `json:"status_code"`
	ErrorType      string                 `json:"error_type"`
	Headers        map[string]string      `json:"headers"`
	Context        map[string]interface{} `json:"context,omitempty"`
	BodySamplePath string                 `json:"body_sample_path,omitempty"`
	BodySaveError  string                 `json:"body_save_error,omitempty"`
}

// Collector records failed requests: the body sample goes to the evidence
// store and the request metadata is appended to logs/failed_requests.jsonl
type Collector struct {
	store   EvidenceStore
	logPath string
	now     func() time.Time

	mu sync.Mutex
}

// NewCollector creates a collector writing its request log under root
func NewCollector(store EvidenceStore, root string) (*Collector, error) {
	logsDir := filepath.Join(root, "logs")
	if err := os.MkdirAll(logsDir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create logs directory: %w", err)
	}

	return &Collector{
		store:   store,
		logPath: filepath.Join(logsDir, "failed_requests.jsonl"),
		now:     time.Now,
	}, nil
}

// Record stores the request. The returned sample is empty when the request had no body.
// A failed body upload is noted in the log entry and returned as an error after the entry is written.
func (c *Collector) Record(ctx context.Context, req FailedRequest) (Sample, error) {
	entry := requestEntry{
		Timestamp:  c.now(),
		RunID:      req.RunID,
		Method:     req.Method,
		FullURL:    req.URL,
		StatusCode: req.StatusCode,
		ErrorType:  req.ErrorType,
		Headers:    RedactHeaders(req.Headers),
		Context:    req.Context,
	}

	var sample Sample
	var putErr error
	if len(req.Body) > 0 {
		sample, putErr = c.store.Put(ctx, req.RunID, req.Body)
		if putErr != nil {
			entry.BodySaveError = putErr.Error()
		} else {
			entry.BodySamplePath = sample.Pointer
		}
	}

	if err := c.append(entry); err != nil {
		return sample, err
	}

	return sample, putErr
}

func (c *Collector) append(entry requestEntry) error {
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode request entry: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	f, err := os.OpenFile(c.logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0640)
	if err != nil {
		return fmt.Errorf("failed to open request log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to write request log: %w", err)
	}
	return nil
}

// RedactHeaders drops every header whose name mentions auth or key
func RedactHeaders(headers map[string]string) map[string]string {
	safe := make(map[string]string, len(headers))
	for name, value := range headers {
		lower := strings.ToLower(name)
		if strings.Contains(lower, "auth") || strings.Contains(lower, "key") {
			continue
		}
		safe[name] = value
	}
	return safe
}

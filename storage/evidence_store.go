package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrEvidenceMissing is returned when a pointer does not resolve to a stored sample
var ErrEvidenceMissing = errors.New("evidence missing")

const (
	// SampleLimit is the number of body bytes kept per failed response
	SampleLimit = 2048

	truncatedMarker = "\n...[TRUNCATED]"
	responsesDir    = "logs/failed_responses"
)

// Sample describes a stored failed-response body
type Sample struct {
	Pointer   string `json:"pointer"`
	SHA256    string `json:"sha256"`
	SizeBytes int64  `json:"size_bytes"`
}

// EvidenceStore stores failed-response samples and resolves evidence pointers
type EvidenceStore interface {
	// Put stores a sample of body and returns its pointer
	Put(ctx context.Context, runID string, body []byte) (Sample, error)
	// Stat reports the stored size of the sample behind pointer
	Stat(ctx context.Context, pointer string) (int64, error)
	// Open returns the sample content behind pointer
	Open(ctx context.Context, pointer string) (io.ReadCloser, error)
}

// sampleOf truncates body to SampleLimit bytes and names it by the hash of the full body
func sampleOf(body []byte) (name string, content []byte, digest string) {
	sum := sha256.Sum256(body)
	digest = hex.EncodeToString(sum[:])

	content = body
	if len(body) > SampleLimit {
		content = make([]byte, 0, SampleLimit+len(truncatedMarker))
		content = append(content, body[:SampleLimit]...)
		content = append(content, truncatedMarker...)
	}

	return digest[:16] + ".txt", content, digest
}

// Router dispatches pointers to the store registered for their scheme.
// Pointers without a scheme go to the store registered under "".
type Router struct {
	stores  map[string]EvidenceStore
	primary EvidenceStore
}

// NewRouter creates a router that writes new samples to primary
func NewRouter(primary EvidenceStore) *Router {
	return &Router{
		stores:  make(map[string]EvidenceStore),
		primary: primary,
	}
}

// Register adds a store for a pointer scheme such as "s3"
func (r *Router) Register(scheme string, store EvidenceStore) {
	r.stores[scheme] = store
}

func (r *Router) Put(ctx context.Context, runID string, body []byte) (Sample, error) {
	if r.primary == nil {
		return Sample{}, fmt.Errorf("no evidence store configured")
	}
	return r.primary.Put(ctx, runID, body)
}

func (r *Router) Stat(ctx context.Context, pointer string) (int64, error) {
	store, err := r.route(pointer)
	if err != nil {
		return 0, err
	}
	return store.Stat(ctx, pointer)
}

func (r *Router) Open(ctx context.Context, pointer string) (io.ReadCloser, error) {
	store, err := r.route(pointer)
	if err != nil {
		return nil, err
	}
	return store.Open(ctx, pointer)
}

func (r *Router) route(pointer string) (EvidenceStore, error) {
	scheme := ""
	if i := strings.Index(pointer, "://"); i > 0 {
		scheme = pointer[:i]
	}

	store, ok := r.stores[scheme]
	if !ok {
		return nil, fmt.Errorf("%w: no store for pointer %q", ErrEvidenceMissing, pointer)
	}
	return store, nil
}

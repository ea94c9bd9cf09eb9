package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// FSStore keeps samples under a root directory. Pointers are root-relative
// paths such as /logs/failed_responses/a1b2.txt.
type FSStore struct {
	root string
}

// NewFSStore creates a filesystem store rooted at root
func NewFSStore(root string) (*FSStore, error) {
	if err := os.MkdirAll(filepath.Join(root, filepath.FromSlash(responsesDir)), 0750); err != nil {
		return nil, fmt.Errorf("failed to create evidence directory: %w", err)
	}
	return &FSStore{root: root}, nil
}

// Put writes the sample; identical bodies share one file
func (s *FSStore) Put(ctx context.Context, runID string, body []byte) (Sample, error) {
	name, content, digest := sampleOf(body)
	pointer := "/" + path.Join(responsesDir, name)

	file, err := s.resolve(pointer)
	if err != nil {
		return Sample{}, err
	}
	if err := os.WriteFile(file, content, 0640); err != nil {
		return Sample{}, fmt.Errorf("failed to write evidence sample: %w", err)
	}

	return Sample{Pointer: pointer, SHA256: digest, SizeBytes: int64(len(content))}, nil
}

func (s *FSStore) Stat(ctx context.Context, pointer string) (int64, error) {
	file, err := s.resolve(pointer)
	if err != nil {
		return 0, err
	}

	info, err := os.Stat(file)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, fmt.Errorf("%w: %s", ErrEvidenceMissing, pointer)
	}
	if err != nil {
		return 0, err
	}
	if info.IsDir() {
		return 0, fmt.Errorf("%w: %s is a directory", ErrEvidenceMissing, pointer)
	}

	return info.Size(), nil
}

func (s *FSStore) Open(ctx context.Context, pointer string) (io.ReadCloser, error) {
	file, err := s.resolve(pointer)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(file)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrEvidenceMissing, pointer)
	}
	return f, err
}

// resolve maps a pointer to a file under root, rejecting anything that escapes it
func (s *FSStore) resolve(pointer string) (string, error) {
	if !strings.HasPrefix(pointer, "/") || strings.Contains(pointer, "://") {
		return "", fmt.Errorf("%w: %q is not a filesystem pointer", ErrEvidenceMissing, pointer)
	}

	rel := strings.TrimPrefix(pointer, "/")
	if rel == "" || !filepath.IsLocal(filepath.FromSlash(rel)) || path.Clean(rel) != rel {
		return "", fmt.Errorf("%w: %q escapes the evidence root", ErrEvidenceMissing, pointer)
	}

	return filepath.Join(s.root, filepath.FromSlash(rel)), nil
}

// Package progress persists the last applied catalog state per segment
// key. It is the idempotency barrier of the mutation protocol: a retried
// mutation consults it to recognize work that is already durable instead
// of reprocessing the delta log write.
package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/filemesh/filemesh/internal/catalog"
)

// Entry is the recorded state of one segment key.
type Entry struct {
	Meta      catalog.SegmentMeta `json:"meta"`
	Deleted   bool                `json:"deleted"`
	UpdatedAt time.Time           `json:"updated_at"`
}

// FileStore is a JSON-file-backed progress store. The whole map is
// rewritten atomically on every Record; the file list mutation rate is
// low enough (one record per segment lifecycle event) that this stays
// cheap, and it keeps recovery trivial.
type FileStore struct {
	mu      sync.Mutex
	path    string
	entries map[string]Entry
}

// Open loads (or creates) a file store at the given path.
func Open(path string) (*FileStore, error) {
	s := &FileStore{
		path:    path,
		entries: make(map[string]Entry),
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read progress file: %w", err)
	}
	if err := json.Unmarshal(data, &s.entries); err != nil {
		return nil, fmt.Errorf("parse progress file: %w", err)
	}
	return s, nil
}

// Record durably stores the applied state for a segment key. Recording
// the same state twice is a no-op from the caller's perspective.
func (s *FileStore) Record(ctx context.Context, key string, meta catalog.SegmentMeta, deleted bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[key] = Entry{Meta: meta, Deleted: deleted, UpdatedAt: time.Now().UTC()}
	return s.persist()
}

// Get returns the recorded state for a key, if any.
func (s *FileStore) Get(key string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	return e, ok
}

// Len reports the number of recorded keys.
func (s *FileStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// persist writes the entry map atomically. Callers hold s.mu.
func (s *FileStore) persist() error {
	data, err := json.MarshalIndent(s.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal progress: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create progress dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".progress-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp progress file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write progress file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close progress file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("finalize progress file: %w", err)
	}
	return nil
}

// Memory is an in-memory progress store for tests and single-process
// setups where durability is provided elsewhere.
type Memory struct {
	mu      sync.Mutex
	entries map[string]Entry
}

// NewMemory creates an empty in-memory progress store.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]Entry)}
}

// Record stores the applied state for a segment key.
func (m *Memory) Record(ctx context.Context, key string, meta catalog.SegmentMeta, deleted bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = Entry{Meta: meta, Deleted: deleted, UpdatedAt: time.Now().UTC()}
	return nil
}

// Get returns the recorded state for a key, if any.
func (m *Memory) Get(key string) (Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	return e, ok
}

package artifact

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kingrea/forge/internal/canonical"
)

// MemoryStore keeps targets in memory. Writes replace content and metadata
// together under one lock.
type MemoryStore struct {
	mu      sync.RWMutex
	content map[string][]byte
	meta    map[string]Metadata
	writes  []string
	now     func() time.Time
	failOn  map[string]error
}

// NewMemoryStore returns an empty registry.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		content: map[string][]byte{},
		meta:    map[string]Metadata{},
		now:     time.Now,
		failOn:  map[string]error{},
	}
}

// FailWrites makes subsequent writes to id return err.
func (s *MemoryStore) FailWrites(id string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failOn[id] = err
}

// Writes returns every target id written, in order.
func (s *MemoryStore) Writes() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.writes...)
}

// IDs returns every stored target id.
func (s *MemoryStore) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.content))
	for id := range s.content {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *MemoryStore) Check(ctx context.Context, id string) (CheckResult, error) {
	if err := ctx.Err(); err != nil {
		return CheckResult{ID: id, State: StateError, Err: err}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.content[id]; !ok {
		return CheckResult{ID: id, State: StateMissing}, nil
	}
	meta, ok := s.meta[id]
	if !ok {
		return CheckResult{ID: id, State: StateInvalid, Err: fmt.Errorf("artifact: %s has no provenance metadata", id)}, nil
	}
	meta.Notes = cloneNotes(meta.Notes)
	return CheckResult{ID: id, State: StateReady, Metadata: &meta}, nil
}

func (s *MemoryStore) Read(ctx context.Context, id string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.content[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return append([]byte(nil), data...), nil
}

func (s *MemoryStore) Write(ctx context.Context, id string, content []byte, meta Metadata) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := CleanID(id); err != nil {
		return err
	}
	prepared := meta.WithDefaults(id, s.now())
	if err := prepared.ValidateFor(id); err != nil {
		return err
	}
	prepared.Checksum = canonical.HashBytes(content)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failOn[id]; err != nil {
		return err
	}
	s.content[id] = append([]byte(nil), content...)
	s.meta[id] = prepared
	s.writes = append(s.writes, id)
	return nil
}

// Seed stores content without provenance, as if written by another tool.
func (s *MemoryStore) Seed(id string, content []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.content[id] = append([]byte(nil), content...)
	delete(s.meta, id)
}

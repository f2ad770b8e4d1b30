package specstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps contracts in a map. It backs tests and the CLI's
// single-file validation path.
type MemoryStore struct {
	mu    sync.RWMutex
	specs map[string]RawSpec
	clock func() time.Time
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore(opts ...Option) *MemoryStore {
	o := buildOptions(opts)
	return &MemoryStore{specs: map[string]RawSpec{}, clock: o.clock}
}

// Put stores or replaces the document for id.
func (s *MemoryStore) Put(id string, body []byte) error {
	if !ValidID(id) {
		return fmt.Errorf("specstore: invalid contract id %q", id)
	}
	copyBody := append([]byte(nil), body...)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.specs[id] = RawSpec{ID: id, Body: copyBody, Source: "memory:" + id, ModifiedAt: s.clock()}
	return nil
}

// Delete removes id from the store.
func (s *MemoryStore) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.specs, id)
}

func (s *MemoryStore) Get(ctx context.Context, id string) (RawSpec, error) {
	if err := ctx.Err(); err != nil {
		return RawSpec{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	spec, ok := s.specs[id]
	if !ok {
		return RawSpec{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	spec.Body = append([]byte(nil), spec.Body...)
	return spec, nil
}

func (s *MemoryStore) ListChangedSince(ctx context.Context, since time.Time) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for id, spec := range s.specs {
		if spec.ModifiedAt.After(since) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

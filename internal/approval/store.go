package approval

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Store persists requests. CompareAndSwap is the only way a decision
// changes: it replaces the stored request with next only while the stored
// decision still equals expected, and always returns the stored value.
type Store interface {
	Create(ctx context.Context, req Request) error
	Get(ctx context.Context, id string) (Request, error)
	CompareAndSwap(ctx context.Context, expected Decision, next Request) (Request, bool, error)
	Pending(ctx context.Context) ([]Request, error)
}

// MemoryStore keeps requests in process.
type MemoryStore struct {
	mu       sync.Mutex
	requests map[string]Request
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{requests: map[string]Request{}}
}

func (s *MemoryStore) Create(ctx context.Context, req Request) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.requests[req.ID]; exists {
		return fmt.Errorf("approval: request %s already exists", req.ID)
	}
	s.requests[req.ID] = req
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (Request, error) {
	if err := ctx.Err(); err != nil {
		return Request{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[id]
	if !ok {
		return Request{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return req, nil
}

func (s *MemoryStore) CompareAndSwap(ctx context.Context, expected Decision, next Request) (Request, bool, error) {
	if err := ctx.Err(); err != nil {
		return Request{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.requests[next.ID]
	if !ok {
		return Request{}, false, fmt.Errorf("%w: %s", ErrNotFound, next.ID)
	}
	if current.Decision != expected {
		return current, false, nil
	}
	s.requests[next.ID] = next
	return next, true, nil
}

func (s *MemoryStore) Pending(ctx context.Context) ([]Request, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Request
	for _, req := range s.requests {
		if req.Decision == DecisionPending {
			out = append(out, req)
		}
	}
	sortRequests(out)
	return out, nil
}

func sortRequests(reqs []Request) {
	sort.Slice(reqs, func(i, j int) bool {
		if !reqs[i].CreatedAt.Equal(reqs[j].CreatedAt) {
			return reqs[i].CreatedAt.Before(reqs[j].CreatedAt)
		}
		return reqs[i].ID < reqs[j].ID
	})
}

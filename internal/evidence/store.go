package evidence

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// RunInfo summarises one run's log.
type RunInfo struct {
	RunID     string    `json:"run_id"`
	StartedAt time.Time `json:"started_at"`
	Records   int       `json:"records"`
	Sealed    bool      `json:"sealed"`
}

// Store persists evidence. Append assigns the sequence number and chain
// hashes; callers supply everything else.
type Store interface {
	Append(ctx context.Context, rec Record) (Record, error)
	Records(ctx context.Context, key Key) ([]Record, error)
	Runs(ctx context.Context, contractID string) ([]RunInfo, error)
}

// MemoryStore keeps logs in process memory.
type MemoryStore struct {
	mu   sync.RWMutex
	logs map[Key][]Record
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{logs: map[Key][]Record{}}
}

func (s *MemoryStore) Append(ctx context.Context, rec Record) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	key := rec.Key()
	if key.ContractID == "" || key.RunID == "" {
		return Record{}, fmt.Errorf("evidence: record requires contract and run ids")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	log := s.logs[key]
	var head *Record
	if len(log) > 0 {
		head = &log[len(log)-1]
	}
	linked, err := link(head, rec)
	if err != nil {
		return Record{}, err
	}
	s.logs[key] = append(log, linked)
	return linked.Clone(), nil
}

func (s *MemoryStore) Records(ctx context.Context, key Key) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	log := s.logs[key]
	out := make([]Record, len(log))
	for i, rec := range log {
		out[i] = rec.Clone()
	}
	return out, nil
}

func (s *MemoryStore) Runs(ctx context.Context, contractID string) ([]RunInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var runs []RunInfo
	for key, log := range s.logs {
		if key.ContractID != contractID || len(log) == 0 {
			continue
		}
		runs = append(runs, RunInfo{
			RunID:     key.RunID,
			StartedAt: log[0].Timestamp,
			Records:   len(log),
			Sealed:    log[len(log)-1].Kind == KindSealed,
		})
	}
	sortRuns(runs)
	return runs, nil
}

func sortRuns(runs []RunInfo) {
	sort.Slice(runs, func(i, j int) bool {
		if !runs[i].StartedAt.Equal(runs[j].StartedAt) {
			return runs[i].StartedAt.Before(runs[j].StartedAt)
		}
		return runs[i].RunID < runs[j].RunID
	})
}

// Latest returns the records of the most recent run for contractID.
func Latest(ctx context.Context, store Store, contractID string) ([]Record, error) {
	runs, err := store.Runs(ctx, contractID)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, contractID)
	}
	return store.Records(ctx, Key{ContractID: contractID, RunID: runs[len(runs)-1].RunID})
}

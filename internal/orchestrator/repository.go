package orchestrator

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// ErrStateNotFound is returned when no snapshot exists for a batch.
var ErrStateNotFound = errors.New("orchestrator: batch state not found")

// StateStore persists batch snapshots.
type StateStore interface {
	Load(batchID string) (BatchStatus, error)
	Save(BatchStatus) error
	List() ([]string, error)
}

// Repository stores one JSON snapshot per batch in a directory.
type Repository struct {
	dir string
}

// NewRepository returns a repository rooted at dir.
func NewRepository(dir string) *Repository {
	return &Repository{dir: dir}
}

func (r *Repository) path(batchID string) (string, error) {
	if batchID == "" || strings.ContainsAny(batchID, `/\`) || batchID == "." || batchID == ".." {
		return "", fmt.Errorf("orchestrator: invalid batch id %q", batchID)
	}
	return filepath.Join(r.dir, batchID+".json"), nil
}

// Load reads the snapshot for batchID.
func (r *Repository) Load(batchID string) (BatchStatus, error) {
	path, err := r.path(batchID)
	if err != nil {
		return BatchStatus{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return BatchStatus{}, fmt.Errorf("%w: %s", ErrStateNotFound, batchID)
		}
		return BatchStatus{}, err
	}
	var status BatchStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return BatchStatus{}, fmt.Errorf("orchestrator: decode %s: %w", path, err)
	}
	return status, nil
}

// Save writes the snapshot through a temp file and rename.
func (r *Repository) Save(status BatchStatus) error {
	path, err := r.path(status.ID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return err
	}
	encoded, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(r.dir, ".batch-*.json")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(append(encoded, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// List returns every stored batch id, sorted.
func (r *Repository) List() ([]string, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var ids []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || filepath.Ext(name) != ".json" {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	sort.Strings(ids)
	return ids, nil
}

// MemoryRepository keeps snapshots in process memory.
type MemoryRepository struct {
	mu       sync.RWMutex
	statuses map[string]BatchStatus
}

// NewMemoryRepository returns an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{statuses: map[string]BatchStatus{}}
}

func (m *MemoryRepository) Load(batchID string) (BatchStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	status, ok := m.statuses[batchID]
	if !ok {
		return BatchStatus{}, fmt.Errorf("%w: %s", ErrStateNotFound, batchID)
	}
	return status.clone(), nil
}

func (m *MemoryRepository) Save(status BatchStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[status.ID] = status.clone()
	return nil
}

func (m *MemoryRepository) List() ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.statuses))
	for id := range m.statuses {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

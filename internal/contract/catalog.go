package contract

import (
	"sort"
	"sync"

	"github.com/Masterminds/semver/v3"
)

// Catalog tracks the current validated contract per id. Admitting a contract
// whose fingerprint differs from the current one retires the old value.
type Catalog struct {
	mu       sync.RWMutex
	current  map[string]Contract
	retired  map[string][]Contract
	maxKeep  int
}

// NewCatalog returns an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{current: map[string]Contract{}, retired: map[string][]Contract{}, maxKeep: 16}
}

// Admit records c as current for its id and returns the contract it
// supersedes, if any.
func (cat *Catalog) Admit(c Contract) (retired Contract, superseded bool) {
	cat.mu.Lock()
	defer cat.mu.Unlock()
	prev, ok := cat.current[c.ID()]
	cat.current[c.ID()] = c.Clone()
	if !ok || prev.Fingerprint == c.Fingerprint {
		return Contract{}, false
	}
	history := append(cat.retired[c.ID()], prev)
	if len(history) > cat.maxKeep {
		history = history[len(history)-cat.maxKeep:]
	}
	cat.retired[c.ID()] = history
	return prev.Clone(), true
}

// Get returns the current contract for id.
func (cat *Catalog) Get(id string) (Contract, bool) {
	cat.mu.RLock()
	defer cat.mu.RUnlock()
	c, ok := cat.current[id]
	if !ok {
		return Contract{}, false
	}
	return c.Clone(), true
}

// Retired returns superseded revisions of id, oldest first.
func (cat *Catalog) Retired(id string) []Contract {
	cat.mu.RLock()
	defer cat.mu.RUnlock()
	out := make([]Contract, 0, len(cat.retired[id]))
	for _, c := range cat.retired[id] {
		out = append(out, c.Clone())
	}
	return out
}

// IDs lists every id with a current contract.
func (cat *Catalog) IDs() []string {
	cat.mu.RLock()
	defer cat.mu.RUnlock()
	ids := make([]string, 0, len(cat.current))
	for id := range cat.current {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// VersionRegressed reports whether next declares a lower semantic version
// than prev. Unparseable versions never count as a regression.
func VersionRegressed(prev, next Contract) bool {
	pv, err := semver.NewVersion(prev.Identity.Version)
	if err != nil {
		return false
	}
	nv, err := semver.NewVersion(next.Identity.Version)
	if err != nil {
		return false
	}
	return nv.LessThan(pv)
}

// Package artifact is the target registry: the external store generated
// artifacts are written to. Every write is atomic per target and carries the
// provenance needed to decide whether a later emission is a no-op, a create,
// or a destructive overwrite.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"
)

// ErrNotFound is returned by Read for targets that do not exist.
var ErrNotFound = errors.New("artifact: target not found")

// State captures the readiness of a stored target.
type State string

const (
	StateMissing State = "missing"
	StateReady   State = "ready"
	StateInvalid State = "invalid"
	StateError   State = "error"
)

// Metadata is the provenance stored alongside each target.
type Metadata struct {
	TargetID    string            `json:"target"`
	ContractID  string            `json:"contract"`
	Kind        string            `json:"kind"`
	Fingerprint string            `json:"fingerprint"`
	Checksum    string            `json:"checksum,omitempty"`
	RunID       string            `json:"run,omitempty"`
	WrittenAt   time.Time         `json:"written_at"`
	Notes       map[string]string `json:"notes,omitempty"`
}

// WithDefaults fills the target id and timestamp.
func (m Metadata) WithDefaults(id string, now time.Time) Metadata {
	clone := m
	if clone.TargetID == "" {
		clone.TargetID = id
	}
	if clone.WrittenAt.IsZero() {
		clone.WrittenAt = now.UTC()
	} else {
		clone.WrittenAt = clone.WrittenAt.UTC()
	}
	clone.Notes = cloneNotes(m.Notes)
	return clone
}

// ValidateFor ensures metadata matches the target being written.
func (m Metadata) ValidateFor(id string) error {
	if m.TargetID != id {
		return fmt.Errorf("artifact: metadata target %s does not match %s", m.TargetID, id)
	}
	if m.ContractID == "" {
		return fmt.Errorf("artifact: contract id is required for %s", id)
	}
	if m.Fingerprint == "" {
		return fmt.Errorf("artifact: fingerprint is required for %s", id)
	}
	return nil
}

// CheckResult describes a stored target.
type CheckResult struct {
	ID       string
	State    State
	Metadata *Metadata
	Err      error
}

// Exists reports whether anything is stored under the id, valid or not.
func (r CheckResult) Exists() bool {
	return r.State == StateReady || r.State == StateInvalid
}

// Fingerprint returns the stored fingerprint, or "" when none can be trusted.
func (r CheckResult) Fingerprint() string {
	if r.State != StateReady || r.Metadata == nil {
		return ""
	}
	return r.Metadata.Fingerprint
}

// Registry is the external target filesystem or object store.
type Registry interface {
	Check(ctx context.Context, id string) (CheckResult, error)
	Read(ctx context.Context, id string) ([]byte, error)
	Write(ctx context.Context, id string, content []byte, meta Metadata) error
}

// CleanID validates a target identifier: a relative slash-separated path that
// stays inside the registry root.
func CleanID(id string) (string, error) {
	trimmed := strings.TrimSpace(strings.ReplaceAll(id, "\\", "/"))
	if trimmed == "" {
		return "", fmt.Errorf("artifact: empty target id")
	}
	if strings.HasPrefix(trimmed, "/") {
		return "", fmt.Errorf("artifact: target %q must be relative", id)
	}
	cleaned := path.Clean(trimmed)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("artifact: target %q escapes the registry root", id)
	}
	return cleaned, nil
}

func cloneNotes(notes map[string]string) map[string]string {
	if len(notes) == 0 {
		return nil
	}
	cloned := make(map[string]string, len(notes))
	for k, v := range notes {
		cloned[k] = v
	}
	return cloned
}

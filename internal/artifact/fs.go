package artifact

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/kingrea/forge/internal/canonical"
)

const metaDirName = ".forge-meta"

// FSStore writes targets under a root directory. Content and a JSON sidecar
// (holding metadata plus a content checksum) are each replaced by rename, so
// a torn write is detected as a checksum mismatch rather than trusted.
type FSStore struct {
	root string
	now  func() time.Time
}

// FSOption customizes an FSStore during construction.
type FSOption func(*FSStore)

// WithClock overrides the clock used for metadata timestamps.
func WithClock(clock func() time.Time) FSOption {
	return func(s *FSStore) {
		if clock != nil {
			s.now = clock
		}
	}
}

// NewFSStore builds a store rooted at root.
func NewFSStore(root string, opts ...FSOption) (*FSStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("artifact: ensure root %s: %w", root, err)
	}
	store := &FSStore{root: root, now: time.Now}
	for _, opt := range opts {
		opt(store)
	}
	return store, nil
}

// Root returns the directory targets are written under.
func (s *FSStore) Root() string {
	return s.root
}

func (s *FSStore) paths(id string) (string, string, error) {
	cleaned, err := CleanID(id)
	if err != nil {
		return "", "", err
	}
	native := filepath.FromSlash(cleaned)
	return filepath.Join(s.root, native), filepath.Join(s.root, metaDirName, native+".json"), nil
}

func (s *FSStore) Check(ctx context.Context, id string) (CheckResult, error) {
	if err := ctx.Err(); err != nil {
		return CheckResult{ID: id, State: StateError, Err: err}, err
	}
	contentPath, metaPath, err := s.paths(id)
	if err != nil {
		return CheckResult{ID: id, State: StateError, Err: err}, err
	}
	content, err := os.ReadFile(contentPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return CheckResult{ID: id, State: StateMissing}, nil
		}
		return CheckResult{ID: id, State: StateError, Err: err}, err
	}
	rawMeta, err := os.ReadFile(metaPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return invalidResult(id, fmt.Errorf("artifact: %s has no provenance metadata", id))
		}
		return CheckResult{ID: id, State: StateError, Err: err}, err
	}
	var meta Metadata
	if err := json.Unmarshal(rawMeta, &meta); err != nil {
		return invalidResult(id, fmt.Errorf("artifact: parse metadata for %s: %w", id, err))
	}
	if meta.TargetID != id {
		return invalidResult(id, fmt.Errorf("artifact: metadata target %s does not match %s", meta.TargetID, id))
	}
	if meta.Checksum != canonical.HashBytes(content) {
		return CheckResult{ID: id, State: StateInvalid, Metadata: &meta,
			Err: fmt.Errorf("artifact: %s content does not match recorded checksum", id)}, nil
	}
	return CheckResult{ID: id, State: StateReady, Metadata: &meta}, nil
}

func (s *FSStore) Read(ctx context.Context, id string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	contentPath, _, err := s.paths(id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(contentPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("artifact: read %s: %w", id, err)
	}
	return data, nil
}

func (s *FSStore) Write(ctx context.Context, id string, content []byte, meta Metadata) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	contentPath, metaPath, err := s.paths(id)
	if err != nil {
		return err
	}
	prepared := meta.WithDefaults(id, s.now())
	if err := prepared.ValidateFor(id); err != nil {
		return err
	}
	prepared.Checksum = canonical.HashBytes(content)
	encoded, err := json.MarshalIndent(prepared, "", "  ")
	if err != nil {
		return fmt.Errorf("artifact: encode metadata for %s: %w", id, err)
	}
	if err := writeAtomic(contentPath, content); err != nil {
		return fmt.Errorf("artifact: write %s: %w", id, err)
	}
	if err := writeAtomic(metaPath, encoded); err != nil {
		return fmt.Errorf("artifact: write metadata for %s: %w", id, err)
	}
	return nil
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return err
	}
	return nil
}

func invalidResult(id string, err error) (CheckResult, error) {
	return CheckResult{ID: id, State: StateInvalid, Err: err}, nil
}

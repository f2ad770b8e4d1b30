package specstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

var extensions = []string{".yaml", ".yml"}

type cacheEntry struct {
	modTime time.Time
	size    int64
	spec    RawSpec
}

// DirStore reads one contract per <id>.yaml file in a directory. Bodies are
// cached until the file's modification time or size changes, or until the
// watcher reports an event for it.
type DirStore struct {
	dir    string
	clock  func() time.Time
	logger *zap.Logger

	mu      sync.RWMutex
	cache   map[string]cacheEntry
	changes map[string]time.Time

	watchMu sync.Mutex
	watcher *fsnotify.Watcher
	notify  chan string
	stop    chan struct{}
}

// NewDirStore opens dir, which must exist.
func NewDirStore(dir string, opts ...Option) (*DirStore, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("specstore: open %s: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("specstore: %s is not a directory", dir)
	}
	o := buildOptions(opts)
	return &DirStore{
		dir:     dir,
		clock:   o.clock,
		logger:  o.logger.Named("specstore"),
		cache:   map[string]cacheEntry{},
		changes: map[string]time.Time{},
	}, nil
}

// Dir returns the directory backing the store.
func (s *DirStore) Dir() string {
	return s.dir
}

func (s *DirStore) Get(ctx context.Context, id string) (RawSpec, error) {
	if err := ctx.Err(); err != nil {
		return RawSpec{}, err
	}
	if !ValidID(id) {
		return RawSpec{}, fmt.Errorf("%w: %q is not a valid id", ErrNotFound, id)
	}
	path, info, err := s.locate(id)
	if err != nil {
		return RawSpec{}, err
	}

	s.mu.RLock()
	entry, ok := s.cache[id]
	s.mu.RUnlock()
	if ok && entry.modTime.Equal(info.ModTime()) && entry.size == info.Size() && entry.spec.Source == path {
		return cloneSpec(entry.spec), nil
	}

	body, err := os.ReadFile(path)
	if err != nil {
		return RawSpec{}, fmt.Errorf("specstore: read %s: %w", path, err)
	}
	spec := RawSpec{ID: id, Body: body, Source: path, ModifiedAt: info.ModTime()}
	s.mu.Lock()
	s.cache[id] = cacheEntry{modTime: info.ModTime(), size: info.Size(), spec: spec}
	s.mu.Unlock()
	return cloneSpec(spec), nil
}

// ListChangedSince reports ids whose file was modified, or for which the
// watcher observed an event, after since.
func (s *DirStore) ListChangedSince(ctx context.Context, since time.Time) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("specstore: list %s: %w", s.dir, err)
	}
	seen := map[string]struct{}{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		id, ok := idFromFile(entry.Name())
		if !ok {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(since) {
			seen[id] = struct{}{}
		}
	}
	s.mu.RLock()
	for id, at := range s.changes {
		if at.After(since) {
			seen[id] = struct{}{}
		}
	}
	s.mu.RUnlock()

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// IDs lists every contract id present in the directory.
func (s *DirStore) IDs() ([]string, error) {
	return s.ListChangedSince(context.Background(), time.Time{})
}

// Watch starts an fsnotify watcher over the directory. Events invalidate the
// cache and are forwarded on Changes. Watch returns once the watcher is
// registered; the loop ends when ctx is cancelled or Close is called.
func (s *DirStore) Watch(ctx context.Context) error {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	if s.watcher != nil {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("specstore: create watcher: %w", err)
	}
	if err := watcher.Add(s.dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("specstore: watch %s: %w", s.dir, err)
	}
	s.watcher = watcher
	s.notify = make(chan string, 64)
	s.stop = make(chan struct{})
	go s.loop(ctx, watcher, s.notify, s.stop)
	return nil
}

// Changes delivers ids touched while watching. It is nil before Watch.
func (s *DirStore) Changes() <-chan string {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	return s.notify
}

// Close stops the watcher if one is running.
func (s *DirStore) Close() error {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	if s.watcher == nil {
		return nil
	}
	close(s.stop)
	err := s.watcher.Close()
	s.watcher = nil
	return err
}

func (s *DirStore) loop(ctx context.Context, watcher *fsnotify.Watcher, notify chan string, stop chan struct{}) {
	defer close(notify)
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
				!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			id, ok := idFromFile(filepath.Base(event.Name))
			if !ok {
				continue
			}
			s.mu.Lock()
			delete(s.cache, id)
			s.changes[id] = s.clock()
			s.mu.Unlock()
			s.logger.Debug("contract changed", zap.String("contract", id), zap.String("op", event.Op.String()))
			select {
			case notify <- id:
			default:
				s.logger.Warn("change notification dropped", zap.String("contract", id))
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("watcher error", zap.Error(err))
		}
	}
}

func (s *DirStore) locate(id string) (string, fs.FileInfo, error) {
	for _, ext := range extensions {
		path := filepath.Join(s.dir, id+ext)
		info, err := os.Stat(path)
		if err == nil {
			if info.IsDir() {
				continue
			}
			return path, info, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", nil, fmt.Errorf("specstore: stat %s: %w", path, err)
		}
	}
	return "", nil, fmt.Errorf("%w: %s", ErrNotFound, id)
}

func idFromFile(name string) (string, bool) {
	for _, ext := range extensions {
		if strings.HasSuffix(name, ext) {
			id := strings.TrimSuffix(name, ext)
			return id, ValidID(id)
		}
	}
	return "", false
}

func cloneSpec(spec RawSpec) RawSpec {
	spec.Body = append([]byte(nil), spec.Body...)
	return spec
}

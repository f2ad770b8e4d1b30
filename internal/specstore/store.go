// Package specstore loads raw contract documents and reports which ones
// changed. Stores are read-only from the orchestrator's point of view and
// safe for concurrent reads.
package specstore

import (
	"context"
	"errors"
	"regexp"
	"time"

	"go.uber.org/zap"
)

// ErrNotFound is returned when no contract exists for an id.
var ErrNotFound = errors.New("specstore: contract not found")

var idPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]{0,127}$`)

// ValidID reports whether id is a well-formed contract identifier.
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}

// RawSpec is an unvalidated contract document.
type RawSpec struct {
	ID         string
	Body       []byte
	Source     string
	ModifiedAt time.Time
}

// Store is the read side used by validation and submission.
type Store interface {
	Get(ctx context.Context, id string) (RawSpec, error)
	ListChangedSince(ctx context.Context, since time.Time) ([]string, error)
}

// Option customises store construction.
type Option func(*options)

type options struct {
	clock  func() time.Time
	logger *zap.Logger
}

// WithClock overrides the time source used to stamp changes.
func WithClock(clock func() time.Time) Option {
	return func(o *options) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithLogger attaches a logger for watcher diagnostics.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{clock: time.Now, logger: zap.NewNop()}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

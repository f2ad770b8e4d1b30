package evidence

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/kingrea/forge/internal/phase"
)

// Writer is the single writer for one run's log. It stamps timestamps and
// remembers the head so callers can reference the latest hash.
type Writer struct {
	store Store
	key   Key
	clock func() time.Time

	mu     sync.Mutex
	head   Record
	count  int
	sealed bool
}

// NewWriter opens a writer for key.
func NewWriter(store Store, key Key, clock func() time.Time) *Writer {
	if clock == nil {
		clock = time.Now
	}
	return &Writer{store: store, key: key, clock: clock}
}

// Key returns the log being written.
func (w *Writer) Key() Key {
	return w.key
}

// Append writes rec with the writer's key and the current time.
func (w *Writer) Append(ctx context.Context, rec Record) (Record, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.sealed {
		return Record{}, fmt.Errorf("%w: %s", ErrSealed, w.key)
	}
	rec.ContractID = w.key.ContractID
	rec.RunID = w.key.RunID
	if rec.Timestamp.IsZero() {
		rec.Timestamp = w.clock()
	}
	stored, err := w.store.Append(ctx, rec)
	if err != nil {
		return Record{}, err
	}
	w.head = stored
	w.count++
	if stored.Kind == KindSealed {
		w.sealed = true
	}
	return stored, nil
}

// Seal appends the terminal record. Further appends fail with ErrSealed.
func (w *Writer) Seal(ctx context.Context, detail map[string]string) (Record, error) {
	return w.Append(ctx, Record{Phase: phase.FinalReport, Kind: KindSealed, Detail: detail})
}

// Head returns the most recent record written through w.
func (w *Writer) Head() (Record, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.head.Clone(), w.count > 0
}

// Now returns the writer's clock reading.
func (w *Writer) Now() time.Time {
	return w.clock()
}

// WriteJSONL encodes records one per line in append order.
func WriteJSONL(out io.Writer, records []Record) error {
	enc := json.NewEncoder(out)
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("evidence: encode record %d: %w", rec.Sequence, err)
		}
	}
	return nil
}

package logbook

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/kingrea/forge/internal/events"
)

// Journal keeps one logbook per batch under a directory and implements
// events.Publisher, so it can sit next to the live event router.
type Journal struct {
	dir    string
	mu     sync.Mutex
	books  map[string]*Logbook
	logger events.Logger
}

// NewJournal returns a journal rooted at dir.
func NewJournal(dir string, logger events.Logger) *Journal {
	return &Journal{dir: dir, books: map[string]*Logbook{}, logger: logger}
}

// Book returns the logbook for batchID.
func (j *Journal) Book(batchID string) (*Logbook, error) {
	name := strings.TrimSpace(batchID)
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return nil, fmt.Errorf("logbook: invalid batch id %q", batchID)
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if book, ok := j.books[name]; ok {
		return book, nil
	}
	book, err := New(filepath.Join(j.dir, name+".jsonl"))
	if err != nil {
		return nil, err
	}
	j.books[name] = book
	return book, nil
}

// Publish journals an event. Failures are logged, never returned, so a
// full disk cannot stall a batch.
func (j *Journal) Publish(event events.Event) {
	book, err := j.Book(event.BatchID)
	if err == nil {
		err = book.Append(entryFor(event))
	}
	if err != nil && j.logger != nil {
		j.logger.Printf("logbook: journal %s for %s: %v", event.Type, event.BatchID, err)
	}
}

func entryFor(event events.Event) Entry {
	entry := Entry{
		Time:       event.Time,
		Level:      LevelInfo,
		Type:       event.Type,
		ContractID: event.ContractID,
		Message:    string(event.Type),
	}
	if event.ContractID != "" {
		entry.Message = fmt.Sprintf("%s %s", event.ContractID, event.Type)
	}
	if event.Type == events.ContractBlocked {
		entry.Level = LevelWarn
	}
	if len(event.Payload) > 0 {
		var payload any
		if json.Unmarshal(event.Payload, &payload) == nil {
			entry.Payload = payload
		}
	}
	return entry
}

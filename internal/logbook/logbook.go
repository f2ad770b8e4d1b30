// Package logbook keeps a JSON-lines journal per batch so a batch's progress
// can be read back after the process exits.
package logbook

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/kingrea/forge/internal/events"
)

// Level represents the severity of an entry.
type Level string

const (
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// Entry is one journal line.
type Entry struct {
	Time       time.Time   `json:"time"`
	Level      Level       `json:"level"`
	Type       events.Type `json:"type,omitempty"`
	ContractID string      `json:"contract_id,omitempty"`
	Message    string      `json:"message"`
	Payload    any         `json:"payload,omitempty"`
}

// Logbook appends entries to one file.
type Logbook struct {
	path  string
	mu    sync.Mutex
	clock func() time.Time
}

// New creates a logbook that writes to path.
func New(path string) (*Logbook, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("logbook: ensure dir: %w", err)
	}
	return &Logbook{path: path, clock: time.Now}, nil
}

// Path returns the file backing this logbook.
func (l *Logbook) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

// Append writes one entry.
func (l *Logbook) Append(entry Entry) error {
	if l == nil {
		return nil
	}
	if entry.Time.IsZero() {
		entry.Time = l.clock()
	}
	entry.Time = entry.Time.UTC()
	entry.Message = strings.TrimSpace(entry.Message)
	if entry.Level == "" {
		entry.Level = LevelInfo
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("logbook: encode entry: %w", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("logbook: open: %w", err)
	}
	defer file.Close()
	if _, err := file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("logbook: append: %w", err)
	}
	return nil
}

// Tail returns up to maxLines of the most recent entries plus the total
// number of entries in the journal. Lines that do not decode are skipped.
func (l *Logbook) Tail(maxLines int) ([]Entry, int) {
	if l == nil || maxLines <= 0 {
		return nil, 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	file, err := os.Open(l.path)
	if err != nil {
		return nil, 0
	}
	defer file.Close()

	var entries []Entry
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var entry Entry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	total := len(entries)
	if total > maxLines {
		entries = entries[total-maxLines:]
	}
	return entries, total
}

// Info appends an informational entry.
func (l *Logbook) Info(format string, args ...any) {
	_ = l.Append(Entry{Level: LevelInfo, Message: fmt.Sprintf(format, args...)})
}

// Warn appends a warning entry.
func (l *Logbook) Warn(format string, args ...any) {
	_ = l.Append(Entry{Level: LevelWarn, Message: fmt.Sprintf(format, args...)})
}

// Error appends an error entry.
func (l *Logbook) Error(format string, args ...any) {
	_ = l.Append(Entry{Level: LevelError, Message: fmt.Sprintf(format, args...)})
}

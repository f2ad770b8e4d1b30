package logbook

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/kingrea/forge/internal/events"
)

func TestTailReturnsRecentEntriesAndTotal(t *testing.T) {
	dir := t.TempDir()
	book, err := New(filepath.Join(dir, "batch.jsonl"))
	if err != nil {
		t.Fatalf("new logbook: %v", err)
	}
	for i := 0; i < 5; i++ {
		book.Info("entry-%d", i)
	}
	entries, total := book.Tail(3)
	if total != 5 {
		t.Fatalf("total entries = %d, want 5", total)
	}
	if len(entries) != 3 {
		t.Fatalf("len(entries) = %d, want 3", len(entries))
	}
	for idx, want := range []string{"entry-2", "entry-3", "entry-4"} {
		if entries[idx].Message != want {
			t.Fatalf("entry %d = %q, want %s", idx, entries[idx].Message, want)
		}
	}
}

func TestJournalWritesOneFilePerBatch(t *testing.T) {
	dir := t.TempDir()
	journal := NewJournal(dir, nil)
	journal.Publish(events.New(events.ContractStarted, "batch-a", "core", nil))
	journal.Publish(events.New(events.ContractBlocked, "batch-a", "core", map[string]string{"class": "governance"}))
	journal.Publish(events.New(events.BatchFinished, "batch-b", "", nil))

	book, err := journal.Book("batch-a")
	if err != nil {
		t.Fatalf("book: %v", err)
	}
	entries, total := book.Tail(10)
	if total != 2 {
		t.Fatalf("expected 2 entries for batch-a, got %d", total)
	}
	blocked := entries[1]
	if blocked.Level != LevelWarn || blocked.Type != events.ContractBlocked {
		t.Fatalf("unexpected blocked entry %+v", blocked)
	}
	if !strings.Contains(blocked.Message, "core") {
		t.Fatalf("expected contract in message, got %q", blocked.Message)
	}
	payload, ok := blocked.Payload.(map[string]any)
	if !ok || payload["class"] != "governance" {
		t.Fatalf("unexpected payload %#v", blocked.Payload)
	}
	if filepath.Base(book.Path()) != "batch-a.jsonl" {
		t.Fatalf("unexpected path %s", book.Path())
	}
}

func TestJournalRejectsPathLikeBatchIDs(t *testing.T) {
	journal := NewJournal(t.TempDir(), nil)
	if _, err := journal.Book("../escape"); err == nil {
		t.Fatalf("expected invalid batch id error")
	}
}

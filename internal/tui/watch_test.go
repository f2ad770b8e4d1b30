package tui

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/kingrea/forge/internal/failure"
	"github.com/kingrea/forge/internal/logbook"
	"github.com/kingrea/forge/internal/orchestrator"
	"github.com/kingrea/forge/internal/phase"
	"github.com/kingrea/forge/internal/scheduler"
)

func sampleStatus(state orchestrator.BatchState) orchestrator.BatchStatus {
	impl := phase.Implementation
	return orchestrator.BatchStatus{
		ID:     "b1",
		State:  state,
		Levels: [][]string{{"core"}, {"adapter"}},
		Contracts: []orchestrator.ContractStatus{
			{ID: "core", Level: 0, State: scheduler.StateBlocked, Phase: &impl, Blocked: &orchestrator.BlockReason{
				Phase: &impl, ItemID: "core#core/config.json", Class: failure.ClassGovernance, Message: "approval timed out",
			}},
			{ID: "adapter", Level: 1, State: scheduler.StateBlocked, Blocked: &orchestrator.BlockReason{
				Dependency: "core", Message: "hard dependency core is blocked",
			}},
		},
		Counts: orchestrator.Counts{Blocked: 2},
	}
}

func apply(t *testing.T, m Model, msg tea.Msg) (Model, tea.Cmd) {
	t.Helper()
	next, cmd := m.Update(msg)
	model, ok := next.(Model)
	if !ok {
		t.Fatalf("unexpected model type %T", next)
	}
	return model, cmd
}

func TestViewShowsLevelsAndBlockReasons(t *testing.T) {
	m := New(nil, "b1")
	m, _ = apply(t, m, statusMsg{status: sampleStatus(orchestrator.BatchCompleted)})

	view := m.View()
	for _, want := range []string{"batch b1", "Level 0", "Level 1", "core", "adapter", "blocked by core", "IMPLEMENTATION (3/7)", "core#core/config.json", "[governance]"} {
		if !strings.Contains(view, want) {
			t.Fatalf("view missing %q:\n%s", want, view)
		}
	}
}

func TestSelectionMovesDetail(t *testing.T) {
	m := New(nil, "b1")
	m, _ = apply(t, m, statusMsg{status: sampleStatus(orchestrator.BatchCompleted)})
	m, _ = apply(t, m, tea.KeyMsg{Type: tea.KeyDown})
	if got := m.selectedID(); got != "adapter" {
		t.Fatalf("expected adapter selected, got %q", got)
	}
	if !strings.Contains(m.renderDetail(), "hard dependency core is blocked") {
		t.Fatalf("detail should show inherited reason: %s", m.renderDetail())
	}
	m, _ = apply(t, m, tea.KeyMsg{Type: tea.KeyDown})
	if m.selection != 1 {
		t.Fatalf("selection should stop at last contract, got %d", m.selection)
	}
}

func TestFinishedBatchStopsPolling(t *testing.T) {
	m := New(nil, "b1")
	_, cmd := apply(t, m, statusMsg{status: sampleStatus(orchestrator.BatchCompleted)})
	if cmd != nil {
		t.Fatalf("finished batch should not schedule a refresh")
	}

	m = New(nil, "b1", WithExitOnFinish())
	_, cmd = apply(t, m, statusMsg{status: sampleStatus(orchestrator.BatchCancelled)})
	if cmd == nil {
		t.Fatalf("expected quit command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Fatalf("expected tea.QuitMsg")
	}

	m = New(nil, "b1")
	_, cmd = apply(t, m, statusMsg{status: sampleStatus(orchestrator.BatchRunning)})
	if cmd == nil {
		t.Fatalf("running batch should schedule a refresh")
	}
}

func TestFetchUsesSource(t *testing.T) {
	calls := 0
	source := SourceFunc(func(ctx context.Context, id string) (orchestrator.BatchStatus, error) {
		calls++
		if id != "b1" {
			return orchestrator.BatchStatus{}, errors.New("wrong id")
		}
		return sampleStatus(orchestrator.BatchRunning), nil
	})
	m := New(source, "b1", WithInterval(10*time.Millisecond))
	msg := m.fetch()()
	got, ok := msg.(statusMsg)
	if !ok || got.err != nil {
		t.Fatalf("unexpected fetch result %#v", msg)
	}
	if calls != 1 || got.status.ID != "b1" {
		t.Fatalf("expected one call for b1, got %d calls", calls)
	}
}

func TestFetchErrorIsShown(t *testing.T) {
	m := New(nil, "b1")
	m, cmd := apply(t, m, statusMsg{err: errors.New("connection refused")})
	if cmd == nil {
		t.Fatalf("expected retry after error")
	}
	if !strings.Contains(m.View(), "connection refused") {
		t.Fatalf("view should show the error")
	}
}

type fakeTail []logbook.Entry

func (f fakeTail) Tail(n int) ([]logbook.Entry, int) {
	if len(f) > n {
		return f[len(f)-n:], len(f)
	}
	return f, len(f)
}

func TestJournalPanel(t *testing.T) {
	tail := fakeTail{{Time: time.Now(), Level: logbook.LevelWarn, ContractID: "core", Message: "contract blocked"}}
	m := New(nil, "b1", WithJournal(tail))
	m, _ = apply(t, m, statusMsg{status: sampleStatus(orchestrator.BatchCompleted)})
	view := m.View()
	if !strings.Contains(view, "JOURNAL · 1 entries") || !strings.Contains(view, "contract blocked") {
		t.Fatalf("journal panel missing:\n%s", view)
	}
}

func TestHTTPSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/batches/b1" {
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "not found"})
			return
		}
		_ = json.NewEncoder(w).Encode(sampleStatus(orchestrator.BatchCompleted))
	}))
	defer srv.Close()

	source := NewHTTPSource(srv.URL+"/", nil)
	status, err := source.Status(context.Background(), "b1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.ID != "b1" || len(status.Contracts) != 2 {
		t.Fatalf("unexpected status %+v", status)
	}
	if _, err := source.Status(context.Background(), "missing"); !errors.Is(err, orchestrator.ErrStateNotFound) {
		t.Fatalf("expected ErrStateNotFound, got %v", err)
	}
}

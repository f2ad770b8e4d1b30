// internal/tui/watch.go

// Package tui renders a live view of one batch: every contract grouped by
// level, the phase it is in, and why it blocked.
package tui

import (
	"context"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/kingrea/forge/internal/logbook"
	"github.com/kingrea/forge/internal/orchestrator"
)

const defaultRefreshInterval = time.Second

// Tail reads the last lines of a batch journal.
type Tail interface {
	Tail(n int) ([]logbook.Entry, int)
}

type keyMap struct {
	Up      key.Binding
	Down    key.Binding
	Refresh key.Binding
	Quit    key.Binding
}

func (k keyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Up, k.Down, k.Refresh, k.Quit}
}

func (k keyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{k.ShortHelp()}
}

var keys = keyMap{
	Up:      key.NewBinding(key.WithKeys("up", "k"), key.WithHelp("↑/k", "up")),
	Down:    key.NewBinding(key.WithKeys("down", "j"), key.WithHelp("↓/j", "down")),
	Refresh: key.NewBinding(key.WithKeys("r"), key.WithHelp("r", "refresh")),
	Quit:    key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
}

// Option configures a Model.
type Option func(*Model)

// WithInterval sets the polling interval.
func WithInterval(d time.Duration) Option {
	return func(m *Model) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithJournal shows the batch journal under the board.
func WithJournal(t Tail) Option {
	return func(m *Model) {
		m.journal = t
	}
}

// WithExitOnFinish quits once the batch is completed or cancelled.
func WithExitOnFinish() Option {
	return func(m *Model) {
		m.exitOnFinish = true
	}
}

// Model is the bubbletea model for `forge watch`.
type Model struct {
	batchID      string
	source       Source
	journal      Tail
	interval     time.Duration
	exitOnFinish bool

	status    orchestrator.BatchStatus
	loaded    bool
	err       error
	selection int
	width     int
	spinner   spinner.Model
	help      help.Model
}

type statusMsg struct {
	status orchestrator.BatchStatus
	err    error
}

type refreshMsg struct{}

// New builds a watch model for batchID.
func New(source Source, batchID string, opts ...Option) Model {
	m := Model{
		batchID:  batchID,
		source:   source,
		interval: defaultRefreshInterval,
		spinner:  spinner.New(spinner.WithSpinner(spinner.MiniDot), spinner.WithStyle(labelStyleRunning)),
		help:     help.New(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&m)
		}
	}
	return m
}

// Status returns the last snapshot received.
func (m Model) Status() orchestrator.BatchStatus {
	return m.status
}

// Err returns the last fetch error.
func (m Model) Err() error {
	return m.err
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.fetch(), m.spinner.Tick)
}

func (m Model) fetch() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), m.interval*5)
		defer cancel()
		status, err := m.source.Status(ctx, m.batchID)
		return statusMsg{status: status, err: err}
	}
}

func (m Model) scheduleRefresh() tea.Cmd {
	return tea.Tick(m.interval, func(time.Time) tea.Msg {
		return refreshMsg{}
	})
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case statusMsg:
		if msg.err != nil {
			m.err = msg.err
			return m, m.scheduleRefresh()
		}
		m.err = nil
		m.status = msg.status
		m.loaded = true
		if m.selection >= len(m.status.Contracts) {
			m.selection = max(0, len(m.status.Contracts)-1)
		}
		if m.status.Done() {
			if m.exitOnFinish {
				return m, tea.Quit
			}
			return m, nil
		}
		return m, m.scheduleRefresh()
	case refreshMsg:
		return m, m.fetch()
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.help.Width = msg.Width
		return m, nil
	case tea.KeyMsg:
		switch {
		case key.Matches(msg, keys.Quit):
			return m, tea.Quit
		case key.Matches(msg, keys.Refresh):
			return m, m.fetch()
		case key.Matches(msg, keys.Up):
			if m.selection > 0 {
				m.selection--
			}
		case key.Matches(msg, keys.Down):
			if m.selection < len(m.status.Contracts)-1 {
				m.selection++
			}
		}
	}
	return m, nil
}

// Run starts the program and blocks until the user quits or ctx ends.
func Run(ctx context.Context, m Model) (Model, error) {
	final, err := tea.NewProgram(m, tea.WithContext(ctx)).Run()
	if model, ok := final.(Model); ok {
		return model, err
	}
	return m, err
}

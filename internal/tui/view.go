package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/kingrea/forge/internal/logbook"
	"github.com/kingrea/forge/internal/orchestrator"
	"github.com/kingrea/forge/internal/phase"
	"github.com/kingrea/forge/internal/scheduler"
)

var (
	labelStyleSucceeded = lipgloss.NewStyle().Foreground(lipgloss.Color("#4CAF50")).Bold(true)
	labelStyleBlocked   = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B")).Bold(true)
	labelStyleRunning   = lipgloss.NewStyle().Foreground(lipgloss.Color("#5B8DEF")).Bold(true)
	labelStylePending   = lipgloss.NewStyle().Foreground(lipgloss.Color("#999999"))
	detailTextStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#A0AEC0"))
	headerStyle         = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FF6B6B")).MarginBottom(1)
	boxStyle            = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("#444444")).Padding(0, 1)
	footerStyle         = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")).MarginTop(1)
)

func (m Model) View() string {
	header := headerStyle.Render(fmt.Sprintf("⬡ FORGE · batch %s", m.batchID))
	sections := []string{header}
	switch {
	case !m.loaded && m.err != nil:
		sections = append(sections, labelStyleBlocked.Render(m.err.Error()))
	case !m.loaded:
		sections = append(sections, m.spinner.View()+" loading batch status")
	default:
		sections = append(sections, boxStyle.Render(m.renderBoard()))
		if detail := m.renderDetail(); detail != "" {
			sections = append(sections, boxStyle.Render(detail))
		}
	}
	if panel := m.renderJournal(); panel != "" {
		sections = append(sections, panel)
	}
	footer := m.help.View(keys)
	if m.loaded && m.err != nil {
		footer = "refresh failed: " + m.err.Error() + "  " + footer
	}
	sections = append(sections, footerStyle.Render(footer))
	return strings.Join(sections, "\n")
}

func (m Model) renderBoard() string {
	s := m.status
	var lines []string
	mode := ""
	if s.DryRun {
		mode = " (dry run)"
	}
	lines = append(lines, fmt.Sprintf("%s%s · %d succeeded · %d blocked · %d running · %d pending",
		strings.ToUpper(string(s.State)), mode, s.Counts.Succeeded, s.Counts.Blocked, s.Counts.Running, s.Counts.Pending))
	index := 0
	for level, ids := range s.Levels {
		lines = append(lines, "", detailTextStyle.Render(fmt.Sprintf("Level %d", level)))
		for _, id := range ids {
			cs, ok := s.Contract(id)
			if !ok {
				continue
			}
			cursor := "  "
			if index == m.selection {
				cursor = "› "
			}
			lines = append(lines, cursor+m.contractLine(cs))
			index++
		}
	}
	return strings.Join(lines, "\n")
}

func (m Model) contractLine(cs orchestrator.ContractStatus) string {
	label := stateLabel(cs.State)
	if cs.State == scheduler.StateRunning {
		label = m.spinner.View() + " " + label
	}
	line := fmt.Sprintf("%s %s", label, cs.ID)
	if cs.Phase != nil {
		line += detailTextStyle.Render(fmt.Sprintf("  %s (%d/%d)", cs.Phase.String(), int(*cs.Phase)+1, phase.Count))
	}
	if cs.State == scheduler.StateBlocked && cs.Blocked != nil && cs.Blocked.Dependency != "" {
		line += detailTextStyle.Render("  blocked by " + cs.Blocked.Dependency)
	}
	return line
}

func stateLabel(state scheduler.State) string {
	switch state {
	case scheduler.StateSucceeded:
		return labelStyleSucceeded.Render("✓ done")
	case scheduler.StateBlocked:
		return labelStyleBlocked.Render("✗ blocked")
	case scheduler.StateRunning:
		return labelStyleRunning.Render("running")
	default:
		return labelStylePending.Render("· pending")
	}
}

func (m Model) renderDetail() string {
	if m.selection < 0 || m.selection >= len(m.status.Contracts) {
		return ""
	}
	cs, ok := m.status.Contract(m.selectedID())
	if !ok {
		return ""
	}
	lines := []string{labelStyleRunning.Render(cs.ID)}
	if cs.Blocked != nil {
		b := cs.Blocked
		where := ""
		if b.Phase != nil {
			where = " at " + b.Phase.String()
		}
		if b.ItemID != "" {
			where += " on " + b.ItemID
		}
		class := ""
		if b.Class != "" {
			class = fmt.Sprintf(" [%s]", b.Class)
		}
		lines = append(lines, labelStyleBlocked.Render("blocked"+where+class), detailTextStyle.Render(b.Message))
	}
	if sum := cs.Summary; sum != nil && sum.Outcome != "" {
		lines = append(lines, detailTextStyle.Render(fmt.Sprintf("written %d · unchanged %d · destructive %d · records %d",
			sum.Written, sum.Unchanged, sum.Destructive, sum.Records)))
	}
	for _, note := range cs.Advisory {
		lines = append(lines, detailTextStyle.Render("advisory: "+note))
	}
	return strings.Join(lines, "\n")
}

// selectedID maps the cursor, which walks contracts in level order, to an id.
func (m Model) selectedID() string {
	index := 0
	for _, ids := range m.status.Levels {
		for _, id := range ids {
			if index == m.selection {
				return id
			}
			index++
		}
	}
	return ""
}

func (m Model) renderJournal() string {
	if m.journal == nil {
		return ""
	}
	entries, total := m.journal.Tail(6)
	if len(entries) == 0 {
		return ""
	}
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		lines = append(lines, formatEntry(e))
	}
	head := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#5B8DEF")).
		Render(fmt.Sprintf("JOURNAL · %d entries", total))
	body := lipgloss.NewStyle().Foreground(lipgloss.Color("#AAAAAA")).Render(strings.Join(lines, "\n"))
	return boxStyle.Render(head + "\n" + body)
}

func formatEntry(e logbook.Entry) string {
	parts := []string{e.Time.Local().Format("15:04:05"), string(e.Level)}
	if e.ContractID != "" {
		parts = append(parts, e.ContractID)
	}
	parts = append(parts, e.Message)
	return strings.Join(parts, " ")
}

// internal/phase/phase.go

// Package phase defines the seven evidence-producing phases a contract moves
// through and the only legal transitions between them.
package phase

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Phase is one step of the per-contract state machine.
type Phase uint8

const (
	ResearchLock Phase = iota
	Baseline
	Implementation
	Enforcement
	Validation
	RecursiveVerify
	FinalReport
)

// Count is the number of phases a complete run records.
const Count = int(FinalReport) + 1

var names = [...]string{
	ResearchLock:    "RESEARCH_LOCK",
	Baseline:        "BASELINE",
	Implementation:  "IMPLEMENTATION",
	Enforcement:     "ENFORCEMENT",
	Validation:      "VALIDATION",
	RecursiveVerify: "RECURSIVE_VERIFY",
	FinalReport:     "FINAL_REPORT",
}

// All returns every phase in execution order.
func All() []Phase {
	return []Phase{ResearchLock, Baseline, Implementation, Enforcement, Validation, RecursiveVerify, FinalReport}
}

func (p Phase) String() string {
	if !p.Valid() {
		return fmt.Sprintf("PHASE(%d)", uint8(p))
	}
	return names[p]
}

// Valid reports whether p is one of the seven defined phases.
func (p Phase) Valid() bool {
	return p <= FinalReport
}

// Next returns the successor of p. The final phase has none.
func (p Phase) Next() (Phase, bool) {
	if !p.Valid() || p == FinalReport {
		return p, false
	}
	return p + 1, true
}

// CanTransition reports whether moving from one phase to another is legal.
// Only the immediate successor is reachable; phases are never skipped or merged.
func CanTransition(from, to Phase) bool {
	next, ok := from.Next()
	return ok && next == to
}

// Parse resolves a phase by name (case-insensitive) or by number.
func Parse(value string) (Phase, error) {
	trimmed := strings.ToUpper(strings.TrimSpace(value))
	for i, name := range names {
		if name == trimmed {
			return Phase(i), nil
		}
	}
	if len(trimmed) == 1 && trimmed[0] >= '0' && trimmed[0] <= '6' {
		return Phase(trimmed[0] - '0'), nil
	}
	return 0, fmt.Errorf("phase: unknown phase %q", value)
}

func (p Phase) MarshalJSON() ([]byte, error) {
	return json.Marshal(uint8(p))
}

func (p *Phase) UnmarshalJSON(data []byte) error {
	var n uint8
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("phase: %w", err)
	}
	candidate := Phase(n)
	if !candidate.Valid() {
		return fmt.Errorf("phase: %d out of range", n)
	}
	*p = candidate
	return nil
}

// Machine tracks the current phase of a single run and rejects any move that
// is not to the immediate successor.
type Machine struct {
	current Phase
	started bool
	done    bool
}

// Current returns the phase the machine is in and whether it has started.
func (m *Machine) Current() (Phase, bool) {
	return m.current, m.started
}

// Enter moves the machine into p. The first call must enter ResearchLock.
func (m *Machine) Enter(p Phase) error {
	if m.done {
		return fmt.Errorf("phase: machine already finished at %s", m.current)
	}
	if !m.started {
		if p != ResearchLock {
			return fmt.Errorf("phase: run must start at %s, not %s", ResearchLock, p)
		}
		m.current = p
		m.started = true
		return nil
	}
	if !CanTransition(m.current, p) {
		return fmt.Errorf("phase: illegal transition %s -> %s", m.current, p)
	}
	m.current = p
	return nil
}

// Finish marks the machine terminal once FinalReport has been entered.
func (m *Machine) Finish() error {
	if !m.started || m.current != FinalReport {
		return fmt.Errorf("phase: cannot finish from %s", m.current)
	}
	m.done = true
	return nil
}

package runner

import (
	"fmt"
	"strings"

	"github.com/kingrea/forge/internal/failure"
	"github.com/kingrea/forge/internal/phase"
)

// ScopeDriftError reports work that was performed without being planned, or
// planned without being performed.
type ScopeDriftError struct {
	ContractID  string
	Unplanned   []string
	Unperformed []string
}

func (e *ScopeDriftError) Error() string {
	var parts []string
	if len(e.Unplanned) > 0 {
		parts = append(parts, "unplanned work: "+strings.Join(e.Unplanned, ", "))
	}
	if len(e.Unperformed) > 0 {
		parts = append(parts, "planned but not performed: "+strings.Join(e.Unperformed, ", "))
	}
	return fmt.Sprintf("contract %q scope drift: %s", e.ContractID, strings.Join(parts, "; "))
}

func (e *ScopeDriftError) FailureClass() failure.Class { return failure.ClassIntegrity }

// GuardError reports an exit criterion a phase did not meet.
type GuardError struct {
	Phase   phase.Phase
	Missing []string
	Reason  string
}

func (e *GuardError) Error() string {
	return fmt.Sprintf("%s exit guard: %s: %s", e.Phase, e.Reason, strings.Join(e.Missing, ", "))
}

func (e *GuardError) FailureClass() failure.Class { return failure.ClassIntegrity }

// CheckFailedError reports enforcement checks that validated as failed.
type CheckFailedError struct {
	Checks []string
}

func (e *CheckFailedError) Error() string {
	return "enforcement checks failed: " + strings.Join(e.Checks, ", ")
}

func (e *CheckFailedError) FailureClass() failure.Class { return failure.ClassIntegrity }

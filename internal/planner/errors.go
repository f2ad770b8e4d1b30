package planner

import (
	"fmt"
	"strings"

	"github.com/kingrea/forge/internal/approval"
	"github.com/kingrea/forge/internal/failure"
)

// TargetOrderError reports depends_on hints that form a cycle.
type TargetOrderError struct {
	ContractID string
	Cycle      []string
}

func (e *TargetOrderError) Error() string {
	return fmt.Sprintf("contract %q: target ordering cycle: %s", e.ContractID, strings.Join(e.Cycle, " -> "))
}

func (e *TargetOrderError) FailureClass() failure.Class { return failure.ClassCompilation }

// RiskRuleError reports a governance rule that does not compile or evaluate
// to a boolean.
type RiskRuleError struct {
	ContractID string
	When       string
	Err        error
}

func (e *RiskRuleError) Error() string {
	return fmt.Sprintf("contract %q: risk rule %q: %v", e.ContractID, e.When, e.Err)
}

func (e *RiskRuleError) Unwrap() error { return e.Err }

func (e *RiskRuleError) FailureClass() failure.Class { return failure.ClassCompilation }

// ApprovalDeniedError stops Apply when a destructive step is rejected,
// times out, or loses its approval wait to cancellation.
type ApprovalDeniedError struct {
	StepID    string
	RequestID string
	Decision  approval.Decision
	Reason    string
}

func (e *ApprovalDeniedError) Error() string {
	msg := fmt.Sprintf("step %s not approved: request %s %s", e.StepID, e.RequestID, e.Decision)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *ApprovalDeniedError) FailureClass() failure.Class { return failure.ClassGovernance }

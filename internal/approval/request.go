// Package approval gates destructive plan steps behind a decision from the
// single authority configured for the step's risk class.
package approval

import (
	"strings"
	"time"
)

// Decision is the state of an approval request.
type Decision string

const (
	DecisionPending  Decision = "pending"
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
	DecisionTimedOut Decision = "timed_out"
)

// Terminal reports whether the decision can no longer change.
func (d Decision) Terminal() bool {
	switch d {
	case DecisionApproved, DecisionRejected, DecisionTimedOut:
		return true
	}
	return false
}

// Allows reports whether the guarded step may proceed. Only an explicit
// approval does; timeouts count as rejections.
func (d Decision) Allows() bool {
	return d == DecisionApproved
}

// ParseDecision accepts the decisions an authority may submit.
func ParseDecision(value string) (Decision, error) {
	switch Decision(strings.ToLower(strings.TrimSpace(value))) {
	case DecisionApproved, "approve":
		return DecisionApproved, nil
	case DecisionRejected, "reject":
		return DecisionRejected, nil
	}
	return "", ErrInvalidDecision
}

// StepRef identifies the plan step that needs a decision.
type StepRef struct {
	StepID      string `json:"step_id"`
	ContractID  string `json:"contract_id"`
	RunID       string `json:"run_id,omitempty"`
	TargetID    string `json:"target_id,omitempty"`
	RiskClass   string `json:"risk_class"`
	RequesterID string `json:"requester_id"`
	Summary     string `json:"summary,omitempty"`
}

// Request is one pending or resolved decision.
type Request struct {
	ID          string    `json:"id"`
	StepID      string    `json:"step_id"`
	ContractID  string    `json:"contract_id"`
	RunID       string    `json:"run_id,omitempty"`
	TargetID    string    `json:"target_id,omitempty"`
	RiskClass   string    `json:"risk_class"`
	RequesterID string    `json:"requester_id"`
	Summary     string    `json:"summary,omitempty"`
	Decision    Decision  `json:"decision"`
	AuthorityID string    `json:"authority_id,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	DecidedAt   time.Time `json:"decided_at,omitempty"`
}

// Expired reports whether a pending request has outlived its deadline.
func (r Request) Expired(now time.Time) bool {
	return r.Decision == DecisionPending && !now.Before(r.ExpiresAt)
}

func (r Request) resolved(decision Decision, authorityID, reason string, at time.Time) Request {
	next := r
	next.Decision = decision
	next.AuthorityID = authorityID
	next.Reason = reason
	next.DecidedAt = at.UTC()
	return next
}

package runner

import (
	"time"

	"github.com/kingrea/forge/internal/failure"
	"github.com/kingrea/forge/internal/phase"
)

// Outcome is the terminal state of a run.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeBlocked   Outcome = "blocked"
)

// Failure pinpoints why a run blocked.
type Failure struct {
	Phase   phase.Phase   `json:"phase"`
	ItemID  string        `json:"item_id,omitempty"`
	Class   failure.Class `json:"class"`
	Message string        `json:"message"`
}

// ItemReport is the final state of one plan item.
type ItemReport struct {
	ID          string `json:"id"`
	Action      string `json:"action"`
	Fingerprint string `json:"fingerprint"`
	Written     bool   `json:"written"`
	DryRun      bool   `json:"dry_run,omitempty"`
	Approval    string `json:"approval,omitempty"`
}

// Summary is emitted by FINAL_REPORT, or describes the block when a run
// stops early.
type Summary struct {
	ContractID          string       `json:"contract_id"`
	RunID               string       `json:"run_id"`
	ContractFingerprint string       `json:"contract_fingerprint"`
	PlanHash            string       `json:"plan_hash,omitempty"`
	DryRun              bool         `json:"dry_run"`
	Outcome             Outcome      `json:"outcome"`
	Phase               phase.Phase  `json:"phase"`
	Items               []ItemReport `json:"items,omitempty"`
	Written             int          `json:"written"`
	Unchanged           int          `json:"unchanged"`
	Destructive         int          `json:"destructive"`
	Failure             *Failure     `json:"failure,omitempty"`
	StartedAt           time.Time    `json:"started_at"`
	FinishedAt          time.Time    `json:"finished_at"`
	Records             int          `json:"records"`
	HeadHash            string       `json:"head_hash,omitempty"`
}

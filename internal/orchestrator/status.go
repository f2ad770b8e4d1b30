package orchestrator

import (
	"time"

	"github.com/kingrea/forge/internal/failure"
	"github.com/kingrea/forge/internal/phase"
	"github.com/kingrea/forge/internal/runner"
	"github.com/kingrea/forge/internal/scheduler"
)

// BatchHandle identifies a submitted batch.
type BatchHandle struct {
	ID string `json:"id"`
}

// BatchState is the coarse state of a batch.
type BatchState string

const (
	BatchRunning   BatchState = "running"
	BatchCompleted BatchState = "completed"
	BatchCancelled BatchState = "cancelled"
)

// BlockReason says exactly why a contract is blocked: the phase and plan
// item its own run stopped at, or the hard dependency that blocked it.
type BlockReason struct {
	Phase      *phase.Phase  `json:"phase,omitempty"`
	ItemID     string        `json:"item_id,omitempty"`
	Class      failure.Class `json:"class,omitempty"`
	Message    string        `json:"message"`
	Dependency string        `json:"dependency,omitempty"`
}

// ContractStatus is one contract's view within a batch.
type ContractStatus struct {
	ID         string          `json:"id"`
	Level      int             `json:"level"`
	State      scheduler.State `json:"state"`
	Phase      *phase.Phase    `json:"phase,omitempty"`
	RunID      string          `json:"run_id,omitempty"`
	Blocked    *BlockReason    `json:"blocked,omitempty"`
	Summary    *runner.Summary `json:"summary,omitempty"`
	Advisory   []string        `json:"advisory,omitempty"`
	StartedAt  time.Time       `json:"started_at,omitempty"`
	FinishedAt time.Time       `json:"finished_at,omitempty"`
}

// Counts tallies contract states in a batch.
type Counts struct {
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Succeeded int `json:"succeeded"`
	Blocked   int `json:"blocked"`
}

// BatchStatus is the persisted snapshot of a batch.
type BatchStatus struct {
	ID         string           `json:"id"`
	DryRun     bool             `json:"dry_run"`
	State      BatchState       `json:"state"`
	Requested  []string         `json:"requested"`
	Levels     [][]string       `json:"levels"`
	Contracts  []ContractStatus `json:"contracts"`
	Counts     Counts           `json:"counts"`
	CreatedAt  time.Time        `json:"created_at"`
	UpdatedAt  time.Time        `json:"updated_at"`
	FinishedAt time.Time        `json:"finished_at,omitempty"`
}

// Contract returns the status of id within the batch.
func (s BatchStatus) Contract(id string) (ContractStatus, bool) {
	for _, c := range s.Contracts {
		if c.ID == id {
			return c, true
		}
	}
	return ContractStatus{}, false
}

// Done reports whether the batch has stopped.
func (s BatchStatus) Done() bool {
	return s.State == BatchCompleted || s.State == BatchCancelled
}

func (s *BatchStatus) recount() {
	s.Counts = Counts{}
	for _, c := range s.Contracts {
		switch c.State {
		case scheduler.StateRunning:
			s.Counts.Running++
		case scheduler.StateSucceeded:
			s.Counts.Succeeded++
		case scheduler.StateBlocked:
			s.Counts.Blocked++
		default:
			s.Counts.Pending++
		}
	}
}

func (s BatchStatus) clone() BatchStatus {
	out := s
	out.Requested = append([]string(nil), s.Requested...)
	out.Levels = make([][]string, len(s.Levels))
	for i, level := range s.Levels {
		out.Levels[i] = append([]string(nil), level...)
	}
	out.Contracts = make([]ContractStatus, len(s.Contracts))
	for i, c := range s.Contracts {
		cp := c
		if c.Phase != nil {
			p := *c.Phase
			cp.Phase = &p
		}
		if c.Blocked != nil {
			b := *c.Blocked
			cp.Blocked = &b
		}
		if c.Summary != nil {
			summary := *c.Summary
			cp.Summary = &summary
		}
		cp.Advisory = append([]string(nil), c.Advisory...)
		out.Contracts[i] = cp
	}
	return out
}

// Package evidence keeps the append-only, hash-chained log each contract run
// produces. Every record links to its predecessor; a sealed log accepts no
// further writes.
package evidence

import (
	"errors"
	"fmt"
	"time"

	"github.com/kingrea/forge/internal/canonical"
	"github.com/kingrea/forge/internal/phase"
)

// ErrSealed is returned when appending to a log after FINAL_REPORT sealed it.
var ErrSealed = errors.New("evidence: log is sealed")

// ErrNotFound is returned when a contract has no recorded runs.
var ErrNotFound = errors.New("evidence: no records")

// Kind classifies a record.
type Kind string

const (
	KindPhase        Kind = "phase"
	KindPlanItem     Kind = "plan_item"
	KindBaseline     Kind = "baseline"
	KindClosure      Kind = "closure"
	KindApproval     Kind = "approval"
	KindArtifact     Kind = "artifact"
	KindEnforcement  Kind = "enforcement"
	KindValidation   Kind = "validation"
	KindVerification Kind = "verification"
	KindFailure      Kind = "failure"
	KindSummary      Kind = "summary"
	KindSealed       Kind = "sealed"
)

// Key identifies one run's log.
type Key struct {
	ContractID string `json:"contract_id"`
	RunID      string `json:"run_id"`
}

func (k Key) String() string {
	return k.ContractID + "@" + k.RunID
}

// Record is a single evidence entry. Phase records carry EnteredAt/ExitedAt
// and the ids of the items closed in that phase.
type Record struct {
	ContractID       string            `json:"contract_id"`
	RunID            string            `json:"run_id"`
	Sequence         uint64            `json:"sequence"`
	Phase            phase.Phase       `json:"phase"`
	Kind             Kind              `json:"kind"`
	ItemIDs          []string          `json:"item_ids,omitempty"`
	EnteredAt        time.Time         `json:"entered_at"`
	ExitedAt         time.Time         `json:"exited_at"`
	Timestamp        time.Time         `json:"timestamp"`
	Detail           map[string]string `json:"detail,omitempty"`
	VerificationHash string            `json:"verification_hash,omitempty"`
	PrevHash         string            `json:"prev_hash"`
	Hash             string            `json:"hash"`
}

// Key returns the log the record belongs to.
func (r Record) Key() Key {
	return Key{ContractID: r.ContractID, RunID: r.RunID}
}

// ComputeHash returns the digest of r's canonical form with Hash cleared.
func (r Record) ComputeHash() (string, error) {
	r.Hash = ""
	return canonical.Hash(r)
}

// Clone returns a deep copy.
func (r Record) Clone() Record {
	clone := r
	clone.ItemIDs = append([]string(nil), r.ItemIDs...)
	if r.Detail != nil {
		clone.Detail = make(map[string]string, len(r.Detail))
		for k, v := range r.Detail {
			clone.Detail[k] = v
		}
	}
	return clone
}

// link fills the chain fields of next given the current head. head is nil
// for the first record of a log.
func link(head *Record, next Record) (Record, error) {
	if !next.Phase.Valid() {
		return Record{}, fmt.Errorf("evidence: invalid phase %d", next.Phase)
	}
	next = next.Clone()
	next.Timestamp = normalizeTime(next.Timestamp)
	next.EnteredAt = normalizeTime(next.EnteredAt)
	next.ExitedAt = normalizeTime(next.ExitedAt)
	if head == nil {
		next.Sequence = 1
		next.PrevHash = ""
	} else {
		if head.Kind == KindSealed {
			return Record{}, fmt.Errorf("%w: %s", ErrSealed, head.Key())
		}
		next.Sequence = head.Sequence + 1
		next.PrevHash = head.Hash
	}
	hash, err := next.ComputeHash()
	if err != nil {
		return Record{}, fmt.Errorf("evidence: hash record: %w", err)
	}
	next.Hash = hash
	return next, nil
}

func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Time{}
	}
	return t.UTC().Round(0)
}

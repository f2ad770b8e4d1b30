package contract

import (
	"fmt"
	"strings"

	"github.com/kingrea/forge/internal/failure"
)

// MalformedContractError reports a contract that fails structural checks.
// Missing lists absent required sections in canonical order.
type MalformedContractError struct {
	ContractID string
	Missing    []string
	Problems   []string
}

func (e *MalformedContractError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing sections: "+strings.Join(e.Missing, ", "))
	}
	parts = append(parts, e.Problems...)
	return fmt.Sprintf("malformed contract %q: %s", e.ContractID, strings.Join(parts, "; "))
}

func (e *MalformedContractError) FailureClass() failure.Class { return failure.ClassStructural }

// DuplicateTargetError reports two generation targets with the same path.
type DuplicateTargetError struct {
	ContractID string
	Path       string
	Indexes    []int
}

func (e *DuplicateTargetError) Error() string {
	return fmt.Sprintf("contract %q declares target %q more than once (entries %v)", e.ContractID, e.Path, e.Indexes)
}

func (e *DuplicateTargetError) FailureClass() failure.Class { return failure.ClassStructural }

// UnresolvableReferenceError reports a hard dependency that names no known
// contract.
type UnresolvableReferenceError struct {
	ContractID string
	Reference  string
}

func (e *UnresolvableReferenceError) Error() string {
	return fmt.Sprintf("contract %q has unresolvable hard dependency %q", e.ContractID, e.Reference)
}

func (e *UnresolvableReferenceError) FailureClass() failure.Class { return failure.ClassGraph }

package approval

import (
	"errors"
	"fmt"

	"github.com/kingrea/forge/internal/failure"
)

var (
	// ErrNotFound is returned for unknown request ids.
	ErrNotFound = errors.New("approval: request not found")
	// ErrAlreadyResolved is returned when a decision races a prior one or
	// arrives after the request timed out.
	ErrAlreadyResolved = errors.New("approval: request already resolved")
	// ErrInvalidDecision is returned for anything but approve or reject.
	ErrInvalidDecision = errors.New("approval: decision must be approved or rejected")
	// ErrNoAuthority is returned when no approver is configured for a risk class.
	ErrNoAuthority = errors.New("approval: no authority configured")
)

// UnauthorizedDeciderError is returned when someone other than the risk
// class's authority tries to decide a request.
type UnauthorizedDeciderError struct {
	RequestID   string
	RiskClass   string
	AuthorityID string
}

func (e *UnauthorizedDeciderError) Error() string {
	return fmt.Sprintf("approval: %q is not the authority for risk class %q (request %s)", e.AuthorityID, e.RiskClass, e.RequestID)
}

func (e *UnauthorizedDeciderError) FailureClass() failure.Class { return failure.ClassGovernance }

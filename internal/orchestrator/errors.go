package orchestrator

import (
	"errors"
	"fmt"

	"github.com/kingrea/forge/internal/failure"
)

var (
	// ErrEmptyBatch is returned when Submit receives no contract ids.
	ErrEmptyBatch = errors.New("orchestrator: no contracts submitted")
	// ErrBatchFinished is returned when cancelling a batch that already stopped.
	ErrBatchFinished = errors.New("orchestrator: batch already finished")
)

// UnknownContractError is returned when a submitted id has no document in
// the contract store.
type UnknownContractError struct {
	ID string
}

func (e *UnknownContractError) Error() string {
	return fmt.Sprintf("orchestrator: contract %q not found in spec store", e.ID)
}

// FailureClass reports the graph class.
func (e *UnknownContractError) FailureClass() failure.Class { return failure.ClassGraph }

// Package failure classifies orchestration errors so callers can decide
// whether a failure rejects a submission outright or is recorded as evidence.
package failure

import "errors"

// Class names a family of failures.
type Class string

const (
	ClassUnknown     Class = "unknown"
	ClassStructural  Class = "structural"
	ClassGraph       Class = "graph"
	ClassCompilation Class = "compilation"
	ClassGovernance  Class = "governance"
	ClassIntegrity   Class = "integrity"
)

// Classified is implemented by every typed failure in forge.
type Classified interface {
	error
	FailureClass() Class
}

// ClassOf returns the class of the first classified error in err's chain.
func ClassOf(err error) Class {
	if err == nil {
		return ""
	}
	var classified Classified
	if errors.As(err, &classified) {
		return classified.FailureClass()
	}
	return ClassUnknown
}

// RejectsSubmission reports whether err belongs to a class that must be
// returned to the submitter before any evidence exists.
func RejectsSubmission(err error) bool {
	switch ClassOf(err) {
	case ClassStructural, ClassGraph:
		return true
	default:
		return false
	}
}

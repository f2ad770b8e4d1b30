package compiler

import (
	"fmt"
	"strings"

	"github.com/kingrea/forge/internal/failure"
)

// UnresolvableTemplateError reports targets whose kind has no compilation
// rule. It is always reported and never silently skipped.
type UnresolvableTemplateError struct {
	ContractID string
	Targets    []string
	Kinds      []string
}

func (e *UnresolvableTemplateError) Error() string {
	pairs := make([]string, len(e.Targets))
	for i := range e.Targets {
		pairs[i] = fmt.Sprintf("%s (kind %q)", e.Targets[i], e.Kinds[i])
	}
	return fmt.Sprintf("contract %q has targets with no compilation rule: %s", e.ContractID, strings.Join(pairs, ", "))
}

func (e *UnresolvableTemplateError) FailureClass() failure.Class { return failure.ClassCompilation }

// RenderError wraps a rule failure for one target.
type RenderError struct {
	ContractID string
	Target     string
	Err        error
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("contract %q target %q: %v", e.ContractID, e.Target, e.Err)
}

func (e *RenderError) Unwrap() error { return e.Err }

func (e *RenderError) FailureClass() failure.Class { return failure.ClassCompilation }

package compiler

import (
	"fmt"

	"github.com/kingrea/forge/internal/contract"
)

// RuleInfo describes a compilation rule.
type RuleInfo struct {
	Kind        string
	Name        string
	Version     string
	Description string
	// Manifest rules enumerate the contract's other targets. They are
	// fingerprinted over those targets and always emitted last.
	Manifest bool
}

// Validate ensures the info block is well-formed.
func (i RuleInfo) Validate() error {
	if i.Kind == "" {
		return fmt.Errorf("compiler: rule kind is required")
	}
	if i.Version == "" {
		return fmt.Errorf("compiler: rule version is required for %s", i.Kind)
	}
	return nil
}

// Sibling is a non-manifest target as seen by a manifest rule.
type Sibling struct {
	Path        string `json:"path"`
	Kind        string `json:"kind"`
	Fingerprint string `json:"fingerprint"`
}

// Input is everything a rule may read. Rules must be deterministic over it.
type Input struct {
	Identity    contract.Identity
	Target      contract.TargetSpec
	Fields      map[string]any
	Fingerprint string
	Siblings    []Sibling
}

// Rule renders a generation target.
type Rule interface {
	Info() RuleInfo
	Render(in Input) ([]byte, error)
}

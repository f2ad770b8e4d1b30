// Package contract parses and validates declarative module contracts.
package contract

import (
	"sort"
	"strings"
)

// Required sections, in the order they are reported when missing.
const (
	SectionIdentity          = "identity"
	SectionDependencies      = "dependencies"
	SectionGenerationTargets = "generation_targets"
	SectionGovernance        = "governance"
	SectionIntegration       = "integration"
)

// RequiredSections lists every section a contract must declare.
func RequiredSections() []string {
	return []string{
		SectionIdentity,
		SectionDependencies,
		SectionGenerationTargets,
		SectionGovernance,
		SectionIntegration,
	}
}

// DefaultRiskClass applies when governance names none.
const DefaultRiskClass = "standard"

// Identity names a contract.
type Identity struct {
	ID      string `json:"id"`
	Name    string `json:"name,omitempty"`
	Version string `json:"version"`
	Owner   string `json:"owner,omitempty"`
}

// TargetSpec is one declared generation target.
type TargetSpec struct {
	Path      string         `json:"path"`
	Kind      string         `json:"kind"`
	Fields    []string       `json:"fields,omitempty"`
	DependsOn []string       `json:"depends_on,omitempty"`
	Options   map[string]any `json:"options,omitempty"`
}

// RiskRule escalates the risk class of a target when its CEL condition holds.
type RiskRule struct {
	When  string `json:"when"`
	Class string `json:"class"`
}

// Governance carries the approval policy for a contract's writes.
type Governance struct {
	RiskClass string     `json:"risk_class"`
	RiskRules []RiskRule `json:"risk_rules,omitempty"`
}

// Contract is a validated contract document. Values are never mutated after
// validation; an edit produces a new Contract with a new fingerprint.
type Contract struct {
	Identity         Identity     `json:"identity"`
	Sections         []string     `json:"sections"`
	HardDependencies []string     `json:"hard_dependencies"`
	SoftDependencies []string     `json:"soft_dependencies"`
	UnresolvedSoft   []string     `json:"unresolved_soft,omitempty"`
	Targets          []TargetSpec `json:"targets"`
	Governance       Governance   `json:"governance"`
	Fingerprint      string       `json:"fingerprint"`
	Source           string       `json:"source,omitempty"`

	document map[string]any
}

// ID returns the contract identifier.
func (c Contract) ID() string {
	return c.Identity.ID
}

// Field resolves a dotted path (for example "integration.endpoints") in the
// normalized contract body.
func (c Contract) Field(path string) (any, bool) {
	var current any = c.document
	for _, part := range strings.Split(strings.TrimSpace(path), ".") {
		if part == "" {
			return nil, false
		}
		node, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = node[part]
		if !ok {
			return nil, false
		}
	}
	return deepCopy(current), true
}

// Document returns a deep copy of the normalized contract body.
func (c Contract) Document() map[string]any {
	doc, _ := deepCopy(c.document).(map[string]any)
	return doc
}

// Clone returns a deep copy.
func (c Contract) Clone() Contract {
	clone := c
	clone.Sections = append([]string(nil), c.Sections...)
	clone.HardDependencies = append([]string(nil), c.HardDependencies...)
	clone.SoftDependencies = append([]string(nil), c.SoftDependencies...)
	clone.UnresolvedSoft = append([]string(nil), c.UnresolvedSoft...)
	clone.Governance.RiskRules = append([]RiskRule(nil), c.Governance.RiskRules...)
	clone.Targets = make([]TargetSpec, len(c.Targets))
	for i, target := range c.Targets {
		clone.Targets[i] = target.Clone()
	}
	clone.document, _ = deepCopy(c.document).(map[string]any)
	return clone
}

// Clone returns a deep copy of the target declaration.
func (t TargetSpec) Clone() TargetSpec {
	clone := t
	clone.Fields = append([]string(nil), t.Fields...)
	clone.DependsOn = append([]string(nil), t.DependsOn...)
	clone.Options, _ = deepCopy(t.Options).(map[string]any)
	return clone
}

// Target returns the declaration for path.
func (c Contract) Target(path string) (TargetSpec, bool) {
	for _, target := range c.Targets {
		if target.Path == path {
			return target.Clone(), true
		}
	}
	return TargetSpec{}, false
}

func deepCopy(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		if typed == nil {
			return map[string]any(nil)
		}
		out := make(map[string]any, len(typed))
		for key, item := range typed {
			out[key] = deepCopy(item)
		}
		return out
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = deepCopy(item)
		}
		return out
	default:
		return typed
	}
}

func sortedUnique(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := map[string]struct{}{}
	var out []string
	for _, value := range values {
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		out = append(out, value)
	}
	sort.Strings(out)
	return out
}

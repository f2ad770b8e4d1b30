// Package contracttest builds contract documents for tests.
package contracttest

import (
	"fmt"
	"sort"
	"strings"
)

// Target describes one generation target in a fixture.
type Target struct {
	Path      string
	Kind      string
	Fields    []string
	DependsOn []string
}

// Fixture describes a contract document.
type Fixture struct {
	ID        string
	Version   string
	Hard      []string
	Soft      []string
	Targets   []Target
	RiskClass string
	RiskRules map[string]string
	Hints     map[string]string
}

// New returns a fixture with one JSON target and a manifest.
func New(id string) *Fixture {
	return &Fixture{
		ID:      id,
		Version: "1.0.0",
		Targets: []Target{
			{Path: id + "/config.json", Kind: "json", Fields: []string{"identity", "integration"}},
			{Path: id + "/MANIFEST.md", Kind: "manifest"},
		},
		RiskClass: "standard",
		Hints:     map[string]string{"endpoint": "/" + id},
	}
}

// DependsOn adds hard dependencies.
func (f *Fixture) DependsOn(ids ...string) *Fixture {
	f.Hard = append(f.Hard, ids...)
	return f
}

// Advises adds soft dependencies.
func (f *Fixture) Advises(ids ...string) *Fixture {
	f.Soft = append(f.Soft, ids...)
	return f
}

// WithTargets replaces the target list.
func (f *Fixture) WithTargets(targets ...Target) *Fixture {
	f.Targets = targets
	return f
}

// WithHint sets an integration hint, which changes the fingerprint of any
// target reading the integration section.
func (f *Fixture) WithHint(key, value string) *Fixture {
	if f.Hints == nil {
		f.Hints = map[string]string{}
	}
	f.Hints[key] = value
	return f
}

// WithRiskRule adds a governance rule.
func (f *Fixture) WithRiskRule(when, class string) *Fixture {
	if f.RiskRules == nil {
		f.RiskRules = map[string]string{}
	}
	f.RiskRules[when] = class
	return f
}

// YAML renders the fixture.
func (f *Fixture) YAML() []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "identity:\n  id: %s\n  name: %s module\n  version: %q\n  owner: platform\n", f.ID, f.ID, f.Version)
	b.WriteString("dependencies:\n")
	fmt.Fprintf(&b, "  hard: [%s]\n", strings.Join(f.Hard, ", "))
	fmt.Fprintf(&b, "  soft: [%s]\n", strings.Join(f.Soft, ", "))
	b.WriteString("generation_targets:\n")
	for _, t := range f.Targets {
		fmt.Fprintf(&b, "  - path: %s\n    kind: %s\n", t.Path, t.Kind)
		if len(t.Fields) > 0 {
			fmt.Fprintf(&b, "    fields: [%s]\n", strings.Join(t.Fields, ", "))
		}
		if len(t.DependsOn) > 0 {
			fmt.Fprintf(&b, "    depends_on: [%s]\n", strings.Join(t.DependsOn, ", "))
		}
	}
	fmt.Fprintf(&b, "governance:\n  risk_class: %s\n", f.RiskClass)
	if len(f.RiskRules) > 0 {
		b.WriteString("  risk_rules:\n")
		for _, when := range sortedKeys(f.RiskRules) {
			fmt.Fprintf(&b, "    - when: %q\n      class: %s\n", when, f.RiskRules[when])
		}
	}
	b.WriteString("integration:\n  hints:\n")
	if len(f.Hints) == 0 {
		b.WriteString("    none: true\n")
	}
	for _, key := range sortedKeys(f.Hints) {
		fmt.Fprintf(&b, "    %s: %q\n", key, f.Hints[key])
	}
	return []byte(b.String())
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

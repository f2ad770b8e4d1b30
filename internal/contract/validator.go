package contract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"github.com/kingrea/forge/internal/canonical"
	"github.com/kingrea/forge/internal/specstore"
)

// Validator turns raw documents into Contracts. It is pure apart from
// read-only lookups against the SpecStore.
type Validator struct {
	store specstore.Store
}

// NewValidator returns a validator that resolves hard dependencies in store.
// A nil store skips dependency resolution.
func NewValidator(store specstore.Store) *Validator {
	return &Validator{store: store}
}

// Validate checks raw and resolves its hard dependencies.
func (v *Validator) Validate(ctx context.Context, raw specstore.RawSpec) (Contract, error) {
	c, err := Parse(raw)
	if err != nil {
		return Contract{}, err
	}
	if v == nil || v.store == nil {
		return c, nil
	}
	for _, dep := range c.HardDependencies {
		if _, err := v.store.Get(ctx, dep); err != nil {
			if errors.Is(err, specstore.ErrNotFound) {
				return Contract{}, &UnresolvableReferenceError{ContractID: c.ID(), Reference: dep}
			}
			return Contract{}, fmt.Errorf("contract: resolve %s for %s: %w", dep, c.ID(), err)
		}
	}
	for _, dep := range c.SoftDependencies {
		if _, err := v.store.Get(ctx, dep); err != nil {
			if errors.Is(err, specstore.ErrNotFound) {
				c.UnresolvedSoft = append(c.UnresolvedSoft, dep)
				continue
			}
			return Contract{}, fmt.Errorf("contract: resolve %s for %s: %w", dep, c.ID(), err)
		}
	}
	return c, nil
}

type rawContract struct {
	Identity struct {
		ID      string `yaml:"id"`
		Name    string `yaml:"name"`
		Version any    `yaml:"version"`
		Owner   string `yaml:"owner"`
	} `yaml:"identity"`
	Dependencies struct {
		Hard []string `yaml:"hard"`
		Soft []string `yaml:"soft"`
	} `yaml:"dependencies"`
	GenerationTargets []struct {
		Path      string         `yaml:"path"`
		Kind      string         `yaml:"kind"`
		Fields    []string       `yaml:"fields"`
		DependsOn []string       `yaml:"depends_on"`
		Options   map[string]any `yaml:"options"`
	} `yaml:"generation_targets"`
	Governance struct {
		RiskClass string `yaml:"risk_class"`
		RiskRules []struct {
			When  string `yaml:"when"`
			Class string `yaml:"class"`
		} `yaml:"risk_rules"`
	} `yaml:"governance"`
}

// Parse performs every structural check without consulting a store.
func Parse(raw specstore.RawSpec) (Contract, error) {
	id := raw.ID
	malformed := func(problems ...string) error {
		return &MalformedContractError{ContractID: id, Problems: problems}
	}

	var tree any
	if err := yaml.Unmarshal(raw.Body, &tree); err != nil {
		return Contract{}, malformed(fmt.Sprintf("yaml: %v", err))
	}
	top, ok := tree.(map[string]any)
	if !ok {
		return Contract{}, malformed("document must be a mapping of sections")
	}

	var missing []string
	var sections []string
	for _, section := range RequiredSections() {
		if _, ok := top[section]; ok {
			sections = append(sections, section)
		} else {
			missing = append(missing, section)
		}
	}
	if len(missing) > 0 {
		return Contract{}, &MalformedContractError{ContractID: id, Missing: missing}
	}

	doc, err := normalize(top)
	if err != nil {
		return Contract{}, malformed(err.Error())
	}
	schema, err := loadSchema()
	if err != nil {
		return Contract{}, err
	}
	if err := schema.Validate(doc); err != nil {
		return Contract{}, malformed(schemaProblems(err)...)
	}

	var parsed rawContract
	if err := yaml.Unmarshal(raw.Body, &parsed); err != nil {
		return Contract{}, malformed(fmt.Sprintf("yaml: %v", err))
	}

	var problems []string
	declared := strings.TrimSpace(parsed.Identity.ID)
	if id == "" {
		id = declared
	}
	if !specstore.ValidID(declared) {
		problems = append(problems, fmt.Sprintf("identity.id %q is not a valid contract id", declared))
	} else if declared != id {
		problems = append(problems, fmt.Sprintf("identity.id %q does not match store id %q", declared, id))
	}

	version := strings.TrimSpace(fmt.Sprint(parsed.Identity.Version))
	if _, err := semver.NewVersion(version); err != nil {
		problems = append(problems, fmt.Sprintf("identity.version %q: %v", version, err))
	}

	for i, dep := range parsed.Dependencies.Hard {
		if !specstore.ValidID(strings.TrimSpace(dep)) {
			problems = append(problems, fmt.Sprintf("dependencies.hard[%d] %q is not a valid contract id", i, dep))
		} else if strings.TrimSpace(dep) == declared {
			problems = append(problems, fmt.Sprintf("dependencies.hard[%d] refers to the contract itself", i))
		}
	}
	for i, dep := range parsed.Dependencies.Soft {
		if !specstore.ValidID(strings.TrimSpace(dep)) {
			problems = append(problems, fmt.Sprintf("dependencies.soft[%d] %q is not a valid contract id", i, dep))
		}
	}
	if len(problems) > 0 {
		return Contract{}, malformed(problems...)
	}

	seen := map[string][]int{}
	targets := make([]TargetSpec, 0, len(parsed.GenerationTargets))
	for i, entry := range parsed.GenerationTargets {
		path := strings.TrimSpace(entry.Path)
		seen[path] = append(seen[path], i)
		targets = append(targets, TargetSpec{
			Path:      path,
			Kind:      strings.ToLower(strings.TrimSpace(entry.Kind)),
			Fields:    trimAll(entry.Fields),
			DependsOn: trimAll(entry.DependsOn),
			Options:   entry.Options,
		})
	}
	for _, target := range targets {
		if indexes := seen[target.Path]; len(indexes) > 1 {
			return Contract{}, &DuplicateTargetError{ContractID: id, Path: target.Path, Indexes: indexes}
		}
	}
	for _, target := range targets {
		for _, dep := range target.DependsOn {
			if _, ok := seen[dep]; !ok {
				problems = append(problems, fmt.Sprintf("target %q depends on undeclared target %q", target.Path, dep))
			}
		}
	}
	if len(problems) > 0 {
		return Contract{}, malformed(problems...)
	}

	governance := Governance{RiskClass: strings.TrimSpace(parsed.Governance.RiskClass)}
	if governance.RiskClass == "" {
		governance.RiskClass = DefaultRiskClass
	}
	for _, rule := range parsed.Governance.RiskRules {
		governance.RiskRules = append(governance.RiskRules, RiskRule{
			When:  strings.TrimSpace(rule.When),
			Class: strings.TrimSpace(rule.Class),
		})
	}

	fingerprint, err := canonical.Hash(doc)
	if err != nil {
		return Contract{}, malformed(err.Error())
	}

	return Contract{
		Identity: Identity{
			ID:      declared,
			Name:    strings.TrimSpace(parsed.Identity.Name),
			Version: version,
			Owner:   strings.TrimSpace(parsed.Identity.Owner),
		},
		Sections:         sections,
		HardDependencies: sortedUnique(parsed.Dependencies.Hard),
		SoftDependencies: sortedUnique(parsed.Dependencies.Soft),
		Targets:          targets,
		Governance:       governance,
		Fingerprint:      fingerprint,
		Source:           raw.Source,
		document:         doc,
	}, nil
}

// normalize converts a YAML tree into the JSON value model so schema
// validation and canonical hashing see the same document.
func normalize(tree map[string]any) (map[string]any, error) {
	data, err := json.Marshal(tree)
	if err != nil {
		return nil, fmt.Errorf("document is not representable as JSON: %v", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("document is not representable as JSON: %v", err)
	}
	return doc, nil
}

func trimAll(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	out := make([]string, 0, len(values))
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// Package compiler turns a validated contract into generation targets: the
// rendered content of every declared artifact together with an idempotency
// fingerprint over exactly the contract fields that feed it.
package compiler

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/kingrea/forge/internal/artifact"
	"github.com/kingrea/forge/internal/canonical"
	"github.com/kingrea/forge/internal/contract"
)

// DefaultFields feed a target that declares none.
var DefaultFields = []string{contract.SectionIdentity}

// Target is one unit of IR output. Values are never mutated after Compile
// returns them.
type Target struct {
	ID            string         `json:"id"`
	ContractID    string         `json:"contract"`
	Kind          string         `json:"kind"`
	Manifest      bool           `json:"manifest,omitempty"`
	Fields        []string       `json:"fields"`
	MissingFields []string       `json:"missing_fields,omitempty"`
	DependsOn     []string       `json:"depends_on,omitempty"`
	Options       map[string]any `json:"options,omitempty"`
	RuleVersion   string         `json:"rule_version"`
	Fingerprint   string         `json:"fingerprint"`
	Content       []byte         `json:"-"`

	Exists           bool   `json:"exists"`
	PriorFingerprint string `json:"prior_fingerprint,omitempty"`
	Destructive      bool   `json:"destructive"`
}

// PlanItemID identifies the target's work item in evidence records.
func (t Target) PlanItemID() string {
	return PlanItemID(t.ContractID, t.ID)
}

// Unchanged reports whether the registry already holds this exact artifact.
func (t Target) Unchanged() bool {
	return t.Exists && t.PriorFingerprint == t.Fingerprint
}

// PlanItemID joins a contract id and a target path.
func PlanItemID(contractID, targetID string) string {
	return contractID + "#" + targetID
}

// Option configures a Compiler.
type Option func(*Compiler)

// WithLogger sets the compiler logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Compiler) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Compiler renders contracts using a rule registry and classifies each
// target against the target registry.
type Compiler struct {
	rules   *Registry
	targets artifact.Registry
	logger  *zap.Logger
}

// New constructs a compiler. A nil rule registry uses the built-in rules.
func New(rules *Registry, targets artifact.Registry, opts ...Option) *Compiler {
	if rules == nil {
		rules = DefaultRegistry()
	}
	c := &Compiler{rules: rules, targets: targets, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Rules exposes the rule registry.
func (c *Compiler) Rules() *Registry {
	return c.rules
}

type pending struct {
	spec   contract.TargetSpec
	rule   Rule
	target Target
	fields map[string]any
}

// Compile returns one Target per declared generation target, in declaration
// order. Every target whose kind has no rule is reported together in a
// single UnresolvableTemplateError.
func (c *Compiler) Compile(ctx context.Context, ct contract.Contract) ([]Target, error) {
	var unresolved UnresolvableTemplateError
	items := make([]*pending, 0, len(ct.Targets))
	for _, spec := range ct.Targets {
		kind := strings.ToLower(strings.TrimSpace(spec.Kind))
		if !c.rules.Has(kind) {
			unresolved.Targets = append(unresolved.Targets, spec.Path)
			unresolved.Kinds = append(unresolved.Kinds, spec.Kind)
			continue
		}
		rule, err := c.rules.Resolve(kind, Config(spec.Options))
		if err != nil {
			return nil, &RenderError{ContractID: ct.ID(), Target: spec.Path, Err: err}
		}
		item := &pending{spec: spec.Clone(), rule: rule}
		item.spec.Kind = kind
		items = append(items, item)
	}
	if len(unresolved.Targets) > 0 {
		unresolved.ContractID = ct.ID()
		return nil, &unresolved
	}

	for _, item := range items {
		if item.rule.Info().Manifest {
			continue
		}
		if err := c.fingerprint(ct, item, nil); err != nil {
			return nil, err
		}
	}
	siblings := make([]Sibling, 0, len(items))
	for _, item := range items {
		if !item.rule.Info().Manifest {
			siblings = append(siblings, Sibling{Path: item.target.ID, Kind: item.target.Kind, Fingerprint: item.target.Fingerprint})
		}
	}
	for _, item := range items {
		if item.rule.Info().Manifest {
			if err := c.fingerprint(ct, item, siblings); err != nil {
				return nil, err
			}
		}
	}

	out := make([]Target, 0, len(items))
	for _, item := range items {
		input := Input{
			Identity:    ct.Identity,
			Target:      item.spec,
			Fields:      item.fields,
			Fingerprint: item.target.Fingerprint,
		}
		if item.target.Manifest {
			input.Siblings = append([]Sibling(nil), siblings...)
		}
		content, err := item.rule.Render(input)
		if err != nil {
			return nil, &RenderError{ContractID: ct.ID(), Target: item.spec.Path, Err: err}
		}
		item.target.Content = content
		if err := c.classify(ctx, &item.target); err != nil {
			return nil, err
		}
		c.logger.Debug("compiled target",
			zap.String("contract", ct.ID()),
			zap.String("target", item.target.ID),
			zap.String("fingerprint", item.target.Fingerprint),
			zap.Bool("destructive", item.target.Destructive))
		out = append(out, item.target)
	}
	return out, nil
}

func (c *Compiler) fingerprint(ct contract.Contract, item *pending, siblings []Sibling) error {
	info := item.rule.Info()
	fields := item.spec.Fields
	if len(fields) == 0 {
		fields = DefaultFields
	}
	values := make(map[string]any, len(fields))
	var missing []string
	for _, field := range fields {
		value, ok := ct.Field(field)
		if !ok {
			missing = append(missing, field)
			value = nil
		}
		values[field] = value
	}
	if len(missing) > 0 {
		c.logger.Warn("declared fields do not resolve",
			zap.String("contract", ct.ID()),
			zap.String("target", item.spec.Path),
			zap.Strings("fields", missing))
	}
	// Rules may render the identity name and version whatever fields the
	// target declares, so both always feed the hash.
	basis := map[string]any{
		"contract": ct.ID(),
		"identity": map[string]any{
			"name":    ct.Identity.Name,
			"version": ct.Identity.Version,
		},
		"path":         item.spec.Path,
		"kind":         info.Kind,
		"target_kind":  item.spec.Kind,
		"rule_version": info.Version,
		"options":      item.spec.Options,
		"fields":       values,
	}
	if info.Manifest {
		basis["siblings"] = siblings
	}
	hash, err := canonical.Hash(basis)
	if err != nil {
		return &RenderError{ContractID: ct.ID(), Target: item.spec.Path, Err: err}
	}
	item.fields = values
	item.target = Target{
		ID:            item.spec.Path,
		ContractID:    ct.ID(),
		Kind:          info.Kind,
		Manifest:      info.Manifest,
		Fields:        append([]string(nil), fields...),
		MissingFields: missing,
		DependsOn:     append([]string(nil), item.spec.DependsOn...),
		Options:       item.spec.Options,
		RuleVersion:   info.Version,
		Fingerprint:   hash,
	}
	return nil
}

// classify marks a target destructive when the registry holds an artifact
// under its id whose fingerprint differs. Artifacts with unreadable or
// corrupt provenance count as different.
func (c *Compiler) classify(ctx context.Context, target *Target) error {
	if c.targets == nil {
		return nil
	}
	result, err := c.targets.Check(ctx, target.ID)
	if err != nil {
		return fmt.Errorf("compiler: check %s: %w", target.ID, err)
	}
	target.Exists = result.Exists()
	target.PriorFingerprint = result.Fingerprint()
	target.Destructive = target.Exists && target.PriorFingerprint != target.Fingerprint
	return nil
}

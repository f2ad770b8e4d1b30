// Package planner turns compiled targets into an ordered, previewable
// emission plan and applies it, suspending on approval for destructive
// steps.
package planner

import (
	"context"
	"errors"
	"fmt"

	"github.com/pmezard/go-difflib/difflib"
	"go.uber.org/zap"

	"github.com/kingrea/forge/internal/artifact"
	"github.com/kingrea/forge/internal/canonical"
	"github.com/kingrea/forge/internal/compiler"
	"github.com/kingrea/forge/internal/contract"
)

// Action is what applying a step does to the registry.
type Action string

const (
	ActionNoop   Action = "noop"
	ActionCreate Action = "create"
	ActionPatch  Action = "patch"
)

// Step is one ordered plan entry.
type Step struct {
	ID               string          `json:"id"`
	Index            int             `json:"index"`
	Target           compiler.Target `json:"target"`
	Action           Action          `json:"action"`
	Diff             string          `json:"diff,omitempty"`
	RiskClass        string          `json:"risk_class"`
	Destructive      bool            `json:"destructive"`
	RequiresApproval bool            `json:"requires_approval"`
}

// Plan is the emission plan for one contract.
type Plan struct {
	ContractID  string `json:"contract_id"`
	Fingerprint string `json:"contract_fingerprint"`
	Steps       []Step `json:"steps"`
	Hash        string `json:"hash"`
}

// StepIDs returns the plan item ids in order.
func (p *Plan) StepIDs() []string {
	ids := make([]string, len(p.Steps))
	for i, step := range p.Steps {
		ids[i] = step.ID
	}
	return ids
}

// Step returns the step with id.
func (p *Plan) Step(id string) (Step, bool) {
	for _, step := range p.Steps {
		if step.ID == id {
			return step, true
		}
	}
	return Step{}, false
}

// Destructive counts steps that need approval.
func (p *Plan) Destructive() int {
	n := 0
	for _, step := range p.Steps {
		if step.RequiresApproval {
			n++
		}
	}
	return n
}

// Option configures a Planner.
type Option func(*Planner)

// WithLogger sets the planner logger.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Planner) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithContextLines sets the number of unchanged lines shown around a diff hunk.
func WithContextLines(n int) Option {
	return func(p *Planner) {
		if n >= 0 {
			p.contextLines = n
		}
	}
}

// Planner builds and applies plans against a target registry.
type Planner struct {
	registry     artifact.Registry
	risk         *RiskEvaluator
	logger       *zap.Logger
	contextLines int
}

// New constructs a planner.
func New(registry artifact.Registry, opts ...Option) (*Planner, error) {
	risk, err := NewRiskEvaluator()
	if err != nil {
		return nil, err
	}
	p := &Planner{registry: registry, risk: risk, logger: zap.NewNop(), contextLines: 3}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Plan orders targets and computes a diff preview and risk class for each.
// It reads the registry but never writes to it.
func (p *Planner) Plan(ctx context.Context, ct contract.Contract, targets []compiler.Target) (*Plan, error) {
	ordered, err := order(ct.ID(), targets)
	if err != nil {
		return nil, err
	}
	plan := &Plan{ContractID: ct.ID(), Fingerprint: ct.Fingerprint, Steps: make([]Step, 0, len(ordered))}
	for i, target := range ordered {
		action := ActionPatch
		switch {
		case target.Unchanged():
			action = ActionNoop
		case !target.Exists:
			action = ActionCreate
		}
		diff, err := p.preview(ctx, target, action)
		if err != nil {
			return nil, err
		}
		class, err := p.risk.Classify(ct, target, action)
		if err != nil {
			return nil, err
		}
		plan.Steps = append(plan.Steps, Step{
			ID:               target.PlanItemID(),
			Index:            i,
			Target:           target,
			Action:           action,
			Diff:             diff,
			RiskClass:        class,
			Destructive:      target.Destructive,
			RequiresApproval: target.Destructive,
		})
	}
	hash, err := planHash(plan)
	if err != nil {
		return nil, err
	}
	plan.Hash = hash
	p.logger.Debug("planned contract",
		zap.String("contract", plan.ContractID),
		zap.Int("steps", len(plan.Steps)),
		zap.Int("destructive", plan.Destructive()),
		zap.String("hash", plan.Hash))
	return plan, nil
}

func (p *Planner) preview(ctx context.Context, target compiler.Target, action Action) (string, error) {
	if action == ActionNoop {
		return "", nil
	}
	var before []byte
	if action == ActionPatch {
		content, err := p.registry.Read(ctx, target.ID)
		if err != nil && !errors.Is(err, artifact.ErrNotFound) {
			return "", fmt.Errorf("planner: read %s: %w", target.ID, err)
		}
		before = content
	}
	diff := difflib.UnifiedDiff{
		A:        difflib.SplitLines(string(before)),
		B:        difflib.SplitLines(string(target.Content)),
		FromFile: "a/" + target.ID,
		ToFile:   "b/" + target.ID,
		Context:  p.contextLines,
	}
	if action == ActionCreate {
		diff.FromFile = "/dev/null"
	}
	text, err := difflib.GetUnifiedDiffString(diff)
	if err != nil {
		return "", fmt.Errorf("planner: diff %s: %w", target.ID, err)
	}
	return text, nil
}

func planHash(plan *Plan) (string, error) {
	type entry struct {
		ID          string `json:"id"`
		Fingerprint string `json:"fingerprint"`
		Action      Action `json:"action"`
		RiskClass   string `json:"risk_class"`
	}
	entries := make([]entry, len(plan.Steps))
	for i, step := range plan.Steps {
		entries[i] = entry{ID: step.ID, Fingerprint: step.Target.Fingerprint, Action: step.Action, RiskClass: step.RiskClass}
	}
	return canonical.Hash(map[string]any{"contract": plan.ContractID, "steps": entries})
}

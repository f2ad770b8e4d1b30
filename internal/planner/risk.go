package planner

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/kingrea/forge/internal/compiler"
	"github.com/kingrea/forge/internal/contract"
)

// RiskEvaluator classifies plan steps using a contract's governance rules.
// Rules are CEL expressions over `target` and `contract`; the first rule
// that holds sets the class, otherwise the contract's risk class applies.
type RiskEvaluator struct {
	env *cel.Env

	mu       sync.RWMutex
	programs map[string]cel.Program
}

// NewRiskEvaluator builds the CEL environment.
func NewRiskEvaluator() (*RiskEvaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("target", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("contract", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("planner: cel environment: %w", err)
	}
	return &RiskEvaluator{env: env, programs: map[string]cel.Program{}}, nil
}

// Classify returns the risk class for target with the given action.
func (e *RiskEvaluator) Classify(ct contract.Contract, target compiler.Target, action Action) (string, error) {
	class := strings.TrimSpace(ct.Governance.RiskClass)
	if class == "" {
		class = contract.DefaultRiskClass
	}
	if len(ct.Governance.RiskRules) == 0 {
		return class, nil
	}
	input := map[string]any{
		"target": map[string]any{
			"id":          target.ID,
			"kind":        target.Kind,
			"manifest":    target.Manifest,
			"destructive": target.Destructive,
			"exists":      target.Exists,
			"action":      string(action),
			"fields":      target.Fields,
		},
		"contract": map[string]any{
			"id":      ct.Identity.ID,
			"version": ct.Identity.Version,
			"owner":   ct.Identity.Owner,
			"hard":    ct.HardDependencies,
		},
	}
	for _, rule := range ct.Governance.RiskRules {
		matched, err := e.eval(rule.When, input)
		if err != nil {
			return "", &RiskRuleError{ContractID: ct.ID(), When: rule.When, Err: err}
		}
		if matched {
			return strings.TrimSpace(rule.Class), nil
		}
	}
	return class, nil
}

func (e *RiskEvaluator) eval(expr string, input map[string]any) (bool, error) {
	prg, err := e.program(expr)
	if err != nil {
		return false, err
	}
	out, _, err := prg.Eval(input)
	if err != nil {
		return false, fmt.Errorf("evaluate: %w", err)
	}
	matched, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expression yields %T, not bool", out.Value())
	}
	return matched, nil
}

func (e *RiskEvaluator) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, ok := e.programs[expr]
	e.mu.RUnlock()
	if ok {
		return prg, nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if prg, ok := e.programs[expr]; ok {
		return prg, nil
	}
	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile: %w", issues.Err())
	}
	prg, err := e.env.Program(ast, cel.CostLimit(10000))
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}
	e.programs[expr] = prg
	return prg, nil
}

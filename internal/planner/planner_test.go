package planner

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kingrea/forge/internal/approval"
	"github.com/kingrea/forge/internal/artifact"
	"github.com/kingrea/forge/internal/compiler"
	"github.com/kingrea/forge/internal/contract"
	"github.com/kingrea/forge/internal/contract/contracttest"
	"github.com/kingrea/forge/internal/failure"
	"github.com/kingrea/forge/internal/specstore"
)

type harness struct {
	store    *artifact.MemoryStore
	compiler *compiler.Compiler
	planner  *Planner
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := artifact.NewMemoryStore()
	p, err := New(store)
	require.NoError(t, err)
	return &harness{store: store, compiler: compiler.New(nil, store), planner: p}
}

func (h *harness) plan(t *testing.T, fixture *contracttest.Fixture) (*Plan, contract.Contract) {
	t.Helper()
	ct, err := contract.Parse(specstore.RawSpec{ID: fixture.ID, Body: fixture.YAML()})
	require.NoError(t, err)
	targets, err := h.compiler.Compile(context.Background(), ct)
	require.NoError(t, err)
	plan, err := h.planner.Plan(context.Background(), ct, targets)
	require.NoError(t, err)
	return plan, ct
}

type recorder struct {
	events []string
}

func (r *recorder) ApprovalRequested(_ context.Context, step Step, _ approval.Request) error {
	r.events = append(r.events, "requested:"+step.ID)
	return nil
}

func (r *recorder) ApprovalResolved(_ context.Context, step Step, req approval.Request) error {
	r.events = append(r.events, "resolved:"+step.ID+":"+string(req.Decision))
	return nil
}

func (r *recorder) StepApplied(_ context.Context, step Step, outcome Outcome) error {
	state := "skipped"
	if outcome.Written {
		state = "written"
	}
	r.events = append(r.events, state+":"+step.ID)
	return nil
}

type stubApprover struct {
	decision approval.Decision
	requests []approval.StepRef
}

func (s *stubApprover) Request(_ context.Context, step approval.StepRef) (approval.Request, error) {
	s.requests = append(s.requests, step)
	return approval.Request{ID: "req-1", StepID: step.StepID, RiskClass: step.RiskClass, Decision: approval.DecisionPending}, nil
}

func (s *stubApprover) Await(_ context.Context, id string) (approval.Request, error) {
	return approval.Request{ID: id, Decision: s.decision, Reason: "stub"}, nil
}

func (s *stubApprover) Withdraw(_ context.Context, id, reason string) (approval.Request, error) {
	return approval.Request{ID: id, Decision: approval.DecisionRejected, Reason: reason}, nil
}

func TestPlanOrdersManifestLast(t *testing.T) {
	h := newHarness(t)
	fixture := contracttest.New("core").WithTargets(
		contracttest.Target{Path: "core/MANIFEST.md", Kind: "manifest"},
		contracttest.Target{Path: "core/b.json", Kind: "json", DependsOn: []string{"core/c.yaml"}},
		contracttest.Target{Path: "core/c.yaml", Kind: "yaml"},
		contracttest.Target{Path: "core/a.md", Kind: "document"},
	)
	plan, _ := h.plan(t, fixture)
	assert.Equal(t, []string{"core#core/c.yaml", "core#core/b.json", "core#core/a.md", "core#core/MANIFEST.md"}, plan.StepIDs())
	for _, step := range plan.Steps {
		assert.Equal(t, ActionCreate, step.Action)
		assert.Contains(t, step.Diff, "--- /dev/null")
		assert.Equal(t, "standard", step.RiskClass)
	}
	assert.Len(t, plan.Hash, 64)
}

func TestPlanRejectsTargetCycle(t *testing.T) {
	h := newHarness(t)
	fixture := contracttest.New("core").WithTargets(
		contracttest.Target{Path: "core/a.json", Kind: "json", DependsOn: []string{"core/b.json"}},
		contracttest.Target{Path: "core/b.json", Kind: "json", DependsOn: []string{"core/a.json"}},
	)
	ct, err := contract.Parse(specstore.RawSpec{ID: "core", Body: fixture.YAML()})
	require.NoError(t, err)
	targets, err := h.compiler.Compile(context.Background(), ct)
	require.NoError(t, err)
	_, err = h.planner.Plan(context.Background(), ct, targets)
	var orderErr *TargetOrderError
	require.True(t, errors.As(err, &orderErr))
	assert.Equal(t, []string{"core/a.json", "core/b.json", "core/a.json"}, orderErr.Cycle)
	assert.Equal(t, failure.ClassCompilation, failure.ClassOf(err))
}

func TestApplyWritesAndRecords(t *testing.T) {
	h := newHarness(t)
	plan, _ := h.plan(t, contracttest.New("core"))
	rec := &recorder{}
	result, err := h.planner.Apply(context.Background(), plan, ApplyOptions{RunID: "run-1", Recorder: rec})
	require.NoError(t, err)
	require.Len(t, result.Outcomes, 2)
	assert.Equal(t, []string{"core/config.json", "core/MANIFEST.md"}, h.store.Writes())
	assert.Equal(t, []string{"written:core#core/config.json", "written:core#core/MANIFEST.md"}, rec.events)

	check, err := h.store.Check(context.Background(), "core/config.json")
	require.NoError(t, err)
	assert.Equal(t, plan.Steps[0].Target.Fingerprint, check.Fingerprint())
	assert.Equal(t, "run-1", check.Metadata.RunID)
}

func TestSecondPlanIsAllNoop(t *testing.T) {
	h := newHarness(t)
	plan, _ := h.plan(t, contracttest.New("core"))
	_, err := h.planner.Apply(context.Background(), plan, ApplyOptions{})
	require.NoError(t, err)

	again, _ := h.plan(t, contracttest.New("core"))
	for _, step := range again.Steps {
		assert.Equal(t, ActionNoop, step.Action)
		assert.Empty(t, step.Diff)
		assert.False(t, step.RequiresApproval)
	}
	result, err := h.planner.Apply(context.Background(), again, ApplyOptions{})
	require.NoError(t, err)
	assert.Len(t, h.store.Writes(), 2)
	for _, outcome := range result.Outcomes {
		assert.False(t, outcome.Written)
	}
}

func TestDryRunNeverWrites(t *testing.T) {
	h := newHarness(t)
	first, _ := h.plan(t, contracttest.New("core"))
	_, err := h.planner.Apply(context.Background(), first, ApplyOptions{})
	require.NoError(t, err)

	changed, _ := h.plan(t, contracttest.New("core").WithHint("endpoint", "/v2"))
	approver := &stubApprover{decision: approval.DecisionApproved}
	result, err := h.planner.Apply(context.Background(), changed, ApplyOptions{DryRun: true, Approver: approver})
	require.NoError(t, err)
	assert.Empty(t, approver.requests)
	assert.Len(t, h.store.Writes(), 2)
	require.Len(t, result.Outcomes, 2)
	assert.True(t, result.Outcomes[0].DryRun)
	assert.Equal(t, "requires approval", result.Outcomes[0].Note)
	assert.Equal(t, ActionPatch, changed.Steps[0].Action)
	assert.Contains(t, changed.Steps[0].Diff, "/v2")
}

func TestDestructiveStepNeedsApproval(t *testing.T) {
	h := newHarness(t)
	first, _ := h.plan(t, contracttest.New("core"))
	_, err := h.planner.Apply(context.Background(), first, ApplyOptions{})
	require.NoError(t, err)

	changed, _ := h.plan(t, contracttest.New("core").WithHint("endpoint", "/v2"))
	approver := &stubApprover{decision: approval.DecisionApproved}
	rec := &recorder{}
	result, err := h.planner.Apply(context.Background(), changed, ApplyOptions{Approver: approver, Recorder: rec, RequesterID: "forge"})
	require.NoError(t, err)
	require.Len(t, approver.requests, 2)
	assert.Equal(t, "forge", approver.requests[0].RequesterID)
	assert.Len(t, result.Approvals, 2)
	assert.Equal(t, []string{
		"requested:core#core/config.json", "resolved:core#core/config.json:approved", "written:core#core/config.json",
		"requested:core#core/MANIFEST.md", "resolved:core#core/MANIFEST.md:approved", "written:core#core/MANIFEST.md",
	}, rec.events)
}

func TestTimedOutApprovalStopsBeforeWrite(t *testing.T) {
	h := newHarness(t)
	first, _ := h.plan(t, contracttest.New("core"))
	_, err := h.planner.Apply(context.Background(), first, ApplyOptions{})
	require.NoError(t, err)
	before, err := h.store.Read(context.Background(), "core/config.json")
	require.NoError(t, err)

	changed, _ := h.plan(t, contracttest.New("core").WithHint("endpoint", "/v2"))
	gate := approval.NewGate(approval.NewMemoryStore(), approval.NewConfigAuthority(nil, "lead"),
		approval.WithTimeout(20*time.Millisecond), approval.WithPollInterval(5*time.Millisecond))
	rec := &recorder{}
	_, err = h.planner.Apply(context.Background(), changed, ApplyOptions{Approver: gate, Recorder: rec})

	var denied *ApprovalDeniedError
	require.True(t, errors.As(err, &denied))
	assert.Equal(t, approval.DecisionTimedOut, denied.Decision)
	assert.Equal(t, failure.ClassGovernance, failure.ClassOf(err))
	after, err := h.store.Read(context.Background(), "core/config.json")
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, []string{"requested:core#core/config.json", "resolved:core#core/config.json:timed_out"}, rec.events)
}

func TestCancelledApprovalIsWithdrawn(t *testing.T) {
	h := newHarness(t)
	first, _ := h.plan(t, contracttest.New("core"))
	_, err := h.planner.Apply(context.Background(), first, ApplyOptions{})
	require.NoError(t, err)

	changed, _ := h.plan(t, contracttest.New("core").WithHint("endpoint", "/v2"))
	gate := approval.NewGate(approval.NewMemoryStore(), approval.NewConfigAuthority(nil, "lead"),
		approval.WithTimeout(time.Hour), approval.WithPollInterval(5*time.Millisecond))
	rec := &recorder{}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	result, err := h.planner.Apply(ctx, changed, ApplyOptions{Approver: gate, Recorder: rec})

	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, []string{"requested:core#core/config.json", "resolved:core#core/config.json:rejected"}, rec.events)
	require.Len(t, result.Approvals, 1)
	assert.Equal(t, "run cancelled", result.Approvals[0].Reason)

	pending, err := gate.Pending(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pending)
	late, err := gate.Decide(context.Background(), result.Approvals[0].ID, "lead", approval.DecisionApproved, "too late")
	assert.ErrorIs(t, err, approval.ErrAlreadyResolved)
	assert.Equal(t, approval.DecisionRejected, late.Decision)
	assert.Equal(t, []string{"core/config.json", "core/MANIFEST.md"}, h.store.Writes())
}

func TestRiskRulesEscalate(t *testing.T) {
	h := newHarness(t)
	fixture := contracttest.New("core").WithRiskRule("target.kind == 'manifest'", "high")
	plan, _ := h.plan(t, fixture)
	assert.Equal(t, "standard", plan.Steps[0].RiskClass)
	assert.Equal(t, "high", plan.Steps[1].RiskClass)
}

func TestBadRiskRuleIsCompilationFailure(t *testing.T) {
	h := newHarness(t)
	fixture := contracttest.New("core").WithRiskRule("target.kind +", "high")
	ct, err := contract.Parse(specstore.RawSpec{ID: "core", Body: fixture.YAML()})
	require.NoError(t, err)
	targets, err := h.compiler.Compile(context.Background(), ct)
	require.NoError(t, err)
	_, err = h.planner.Plan(context.Background(), ct, targets)
	var ruleErr *RiskRuleError
	require.True(t, errors.As(err, &ruleErr))
	assert.Equal(t, failure.ClassCompilation, failure.ClassOf(err))
}

func TestApplyStopsOnCancellation(t *testing.T) {
	h := newHarness(t)
	plan, _ := h.plan(t, contracttest.New("core"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	result, err := h.planner.Apply(ctx, plan, ApplyOptions{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, result.Outcomes)
	assert.Empty(t, h.store.Writes())
}

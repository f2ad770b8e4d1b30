package runner

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kingrea/forge/internal/approval"
	"github.com/kingrea/forge/internal/artifact"
	"github.com/kingrea/forge/internal/compiler"
	"github.com/kingrea/forge/internal/contract"
	"github.com/kingrea/forge/internal/contract/contracttest"
	"github.com/kingrea/forge/internal/evidence"
	"github.com/kingrea/forge/internal/failure"
	"github.com/kingrea/forge/internal/phase"
	"github.com/kingrea/forge/internal/planner"
	"github.com/kingrea/forge/internal/specstore"
)

type env struct {
	registry artifact.Registry
	memory   *artifact.MemoryStore
	evidence *evidence.MemoryStore
	gate     *approval.Gate
	runner   *Runner
}

func newEnv(t *testing.T, registry artifact.Registry, opts ...Option) *env {
	t.Helper()
	memory := artifact.NewMemoryStore()
	if registry == nil {
		registry = memory
	}
	p, err := planner.New(registry)
	require.NoError(t, err)
	store := evidence.NewMemoryStore()
	gate := approval.NewGate(approval.NewMemoryStore(), approval.NewConfigAuthority(nil, "lead"),
		approval.WithTimeout(30*time.Millisecond), approval.WithPollInterval(5*time.Millisecond))
	r := New(compiler.New(nil, registry), p, registry, store, gate, opts...)
	return &env{registry: registry, memory: memory, evidence: store, gate: gate, runner: r}
}

func parse(t *testing.T, fixture *contracttest.Fixture) contract.Contract {
	t.Helper()
	ct, err := contract.Parse(specstore.RawSpec{ID: fixture.ID, Body: fixture.YAML()})
	require.NoError(t, err)
	return ct
}

func (e *env) records(t *testing.T, contractID, runID string) []evidence.Record {
	t.Helper()
	records, err := e.evidence.Records(context.Background(), evidence.Key{ContractID: contractID, RunID: runID})
	require.NoError(t, err)
	return records
}

func kinds(records []evidence.Record, kind evidence.Kind) []evidence.Record {
	var out []evidence.Record
	for _, rec := range records {
		if rec.Kind == kind {
			out = append(out, rec)
		}
	}
	return out
}

func TestRunSealsSuccessfulLog(t *testing.T) {
	e := newEnv(t, nil)
	summary, err := e.runner.Run(context.Background(), parse(t, contracttest.New("core")), RunOptions{RunID: "run-1"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSucceeded, summary.Outcome)
	assert.Equal(t, phase.FinalReport, summary.Phase)
	assert.Equal(t, 2, summary.Written)
	assert.Nil(t, summary.Failure)

	records := e.records(t, "core", "run-1")
	require.NoError(t, evidence.Verify(records))
	assert.True(t, evidence.Sealed(records))
	assert.Equal(t, summary.Records, len(records))
	assert.Equal(t, records[len(records)-1].Hash, summary.HeadHash)

	phases := evidence.PhaseRecords(records)
	require.Len(t, phases, phase.Count)
	for i, rec := range phases {
		assert.Equal(t, phase.Phase(i), rec.Phase)
		assert.False(t, rec.ExitedAt.Before(rec.EnteredAt))
	}
	assert.Equal(t, []string{"core#core/config.json", "core#core/MANIFEST.md"}, phases[0].ItemIDs)
	assert.Len(t, kinds(records, evidence.KindPlanItem), 2)
	assert.Len(t, kinds(records, evidence.KindClosure), 2)
	assert.Len(t, kinds(records, evidence.KindArtifact), 2)
	assert.Len(t, kinds(records, evidence.KindEnforcement), 2)
	assert.Len(t, kinds(records, evidence.KindValidation), 2)
	assert.Len(t, kinds(records, evidence.KindSummary), 1)

	_, err = e.evidence.Append(context.Background(), evidence.Record{ContractID: "core", RunID: "run-1", Phase: phase.FinalReport, Kind: evidence.KindSummary})
	assert.ErrorIs(t, err, evidence.ErrSealed)
}

func TestRerunIsIdempotent(t *testing.T) {
	e := newEnv(t, nil)
	ct := parse(t, contracttest.New("core"))
	_, err := e.runner.Run(context.Background(), ct, RunOptions{RunID: "run-1"})
	require.NoError(t, err)

	summary, err := e.runner.Run(context.Background(), ct, RunOptions{RunID: "run-2"})
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Written)
	assert.Equal(t, 2, summary.Unchanged)
	assert.Equal(t, 0, summary.Destructive)
	assert.Len(t, e.memory.Writes(), 2)

	records := e.records(t, "core", "run-2")
	assert.Empty(t, kinds(records, evidence.KindArtifact))
	assert.True(t, evidence.Sealed(records))
}

func TestDryRunLeavesRegistryUntouched(t *testing.T) {
	e := newEnv(t, nil)
	summary, err := e.runner.Run(context.Background(), parse(t, contracttest.New("core")), RunOptions{RunID: "dry", DryRun: true})
	require.NoError(t, err)
	assert.True(t, summary.DryRun)
	assert.Equal(t, 0, summary.Written)
	assert.Empty(t, e.memory.Writes())
	for _, item := range summary.Items {
		assert.True(t, item.DryRun)
	}
	records := e.records(t, "core", "dry")
	require.NoError(t, evidence.Verify(records))
	for _, rec := range kinds(records, evidence.KindEnforcement) {
		assert.Equal(t, checkPreview, rec.Detail["kind"])
	}
}

func TestTimedOutApprovalBlocksRun(t *testing.T) {
	e := newEnv(t, nil)
	_, err := e.runner.Run(context.Background(), parse(t, contracttest.New("core")), RunOptions{RunID: "run-1"})
	require.NoError(t, err)
	before, err := e.memory.Read(context.Background(), "core/config.json")
	require.NoError(t, err)

	changed := parse(t, contracttest.New("core").WithHint("endpoint", "/v2"))
	summary, err := e.runner.Run(context.Background(), changed, RunOptions{RunID: "run-2"})
	var denied *planner.ApprovalDeniedError
	require.True(t, errors.As(err, &denied))
	assert.Equal(t, OutcomeBlocked, summary.Outcome)
	require.NotNil(t, summary.Failure)
	assert.Equal(t, phase.Implementation, summary.Failure.Phase)
	assert.Equal(t, "core#core/config.json", summary.Failure.ItemID)
	assert.Equal(t, failure.ClassGovernance, summary.Failure.Class)

	after, err := e.memory.Read(context.Background(), "core/config.json")
	require.NoError(t, err)
	assert.Equal(t, before, after)

	records := e.records(t, "core", "run-2")
	require.NoError(t, evidence.Verify(records))
	assert.False(t, evidence.Sealed(records))
	approvals := kinds(records, evidence.KindApproval)
	require.Len(t, approvals, 2)
	assert.Equal(t, "pending", approvals[0].Detail["decision"])
	assert.Equal(t, "timed_out", approvals[1].Detail["decision"])
	assert.Contains(t, approvals[1].Detail["reason"], "no decision within")
	failures := kinds(records, evidence.KindFailure)
	require.Len(t, failures, 1)
	assert.Equal(t, phase.Implementation, failures[0].Phase)
	assert.Equal(t, "governance", failures[0].Detail["class"])
}

func TestApprovedDestructiveWriteSucceeds(t *testing.T) {
	e := newEnv(t, nil)
	_, err := e.runner.Run(context.Background(), parse(t, contracttest.New("core")), RunOptions{RunID: "run-1"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		for ctx.Err() == nil {
			pending, _ := e.gate.Pending(ctx)
			for _, req := range pending {
				_, _ = e.gate.Decide(ctx, req.ID, "lead", approval.DecisionApproved, "ship it")
			}
			time.Sleep(time.Millisecond)
		}
	}()
	summary, err := e.runner.Run(context.Background(), parse(t, contracttest.New("core").WithHint("endpoint", "/v2")), RunOptions{RunID: "run-2"})
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Written)
	assert.Equal(t, 2, summary.Destructive)
	for _, item := range summary.Items {
		assert.Equal(t, "approved", item.Approval)
	}
}

func TestCancelledRunWithdrawsApproval(t *testing.T) {
	e := newEnv(t, nil)
	_, err := e.runner.Run(context.Background(), parse(t, contracttest.New("core")), RunOptions{RunID: "run-1"})
	require.NoError(t, err)

	p, err := planner.New(e.registry)
	require.NoError(t, err)
	gate := approval.NewGate(approval.NewMemoryStore(), approval.NewConfigAuthority(nil, "lead"),
		approval.WithTimeout(time.Hour), approval.WithPollInterval(5*time.Millisecond))
	r := New(compiler.New(nil, e.registry), p, e.registry, e.evidence, gate)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = r.Run(ctx, parse(t, contracttest.New("core").WithHint("endpoint", "/v2")), RunOptions{RunID: "run-2"})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	var withdrawn []evidence.Record
	for _, rec := range kinds(e.records(t, "core", "run-2"), evidence.KindApproval) {
		if rec.Detail["decision"] == string(approval.DecisionRejected) {
			withdrawn = append(withdrawn, rec)
		}
	}
	require.Len(t, withdrawn, 1)
	assert.Equal(t, "run cancelled", withdrawn[0].Detail["reason"])

	pending, err := gate.Pending(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pending)
	_, err = gate.Decide(context.Background(), withdrawn[0].Detail["request"], "lead", approval.DecisionApproved, "")
	assert.ErrorIs(t, err, approval.ErrAlreadyResolved)
}

func TestUnknownKindBlocksAtResearchLock(t *testing.T) {
	e := newEnv(t, nil)
	fixture := contracttest.New("core").WithTargets(contracttest.Target{Path: "core/x.bin", Kind: "binary"})
	summary, err := e.runner.Run(context.Background(), parse(t, fixture), RunOptions{RunID: "run-1"})
	var unresolvable *compiler.UnresolvableTemplateError
	require.True(t, errors.As(err, &unresolvable))
	assert.Equal(t, phase.ResearchLock, summary.Failure.Phase)
	assert.Equal(t, failure.ClassCompilation, summary.Failure.Class)

	records := e.records(t, "core", "run-1")
	require.NoError(t, evidence.Verify(records))
	require.Len(t, records, 2)
	assert.Equal(t, evidence.KindFailure, records[0].Kind)
	assert.Equal(t, evidence.KindPhase, records[1].Kind)
	assert.Equal(t, "blocked", records[1].Detail["outcome"])
}

// skewedRegistry records a different fingerprint than the one requested.
type skewedRegistry struct {
	*artifact.MemoryStore
}

func (s skewedRegistry) Write(ctx context.Context, id string, content []byte, meta artifact.Metadata) error {
	meta.Fingerprint = "skewed-" + meta.Fingerprint
	return s.MemoryStore.Write(ctx, id, content, meta)
}

func TestEnforcementMismatchFailsValidation(t *testing.T) {
	e := newEnv(t, skewedRegistry{artifact.NewMemoryStore()})
	summary, err := e.runner.Run(context.Background(), parse(t, contracttest.New("core")), RunOptions{RunID: "run-1"})
	var failed *CheckFailedError
	require.True(t, errors.As(err, &failed))
	assert.Len(t, failed.Checks, 2)
	assert.Equal(t, phase.Validation, summary.Failure.Phase)
	assert.Equal(t, failure.ClassIntegrity, summary.Failure.Class)
	assert.Equal(t, "core#core/config.json", summary.Failure.ItemID)

	records := e.records(t, "core", "run-1")
	require.NoError(t, evidence.Verify(records))
	results := kinds(records, evidence.KindValidation)
	require.Len(t, results, 2)
	assert.Equal(t, "fail", results[0].Detail["result"])
}

func TestCheckScopeFindsDriftBothWays(t *testing.T) {
	rec := func(kind evidence.Kind, item string, detail map[string]string) evidence.Record {
		return evidence.Record{Kind: kind, ItemIDs: []string{item}, Detail: detail}
	}
	write := map[string]string{"action": "create", "requires_approval": "false"}
	records := []evidence.Record{
		rec(evidence.KindPlanItem, "c#a", write),
		rec(evidence.KindPlanItem, "c#b", write),
		rec(evidence.KindClosure, "c#a", nil),
		rec(evidence.KindArtifact, "c#a", nil),
		rec(evidence.KindClosure, "c#ghost", nil),
	}
	drift := checkScope("c", records, false)
	require.NotNil(t, drift)
	assert.Equal(t, []string{"c#ghost"}, drift.Unplanned)
	assert.Equal(t, []string{"c#b"}, drift.Unperformed)
	assert.Equal(t, failure.ClassIntegrity, failure.ClassOf(drift))

	destructive := map[string]string{"action": "patch", "requires_approval": "true"}
	unapproved := []evidence.Record{
		rec(evidence.KindPlanItem, "c#a", destructive),
		rec(evidence.KindClosure, "c#a", nil),
		rec(evidence.KindArtifact, "c#a", nil),
	}
	drift = checkScope("c", unapproved, false)
	require.NotNil(t, drift)
	assert.Equal(t, []string{"c#a"}, drift.Unperformed)

	approved := append(unapproved, rec(evidence.KindApproval, "c#a", map[string]string{"decision": "approved"}))
	assert.Nil(t, checkScope("c", approved, false))
}

type phaseLog struct {
	mu     sync.Mutex
	events []string
}

func (l *phaseLog) PhaseEntered(_ evidence.Key, p phase.Phase, _ time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, "enter "+p.String())
}

func (l *phaseLog) PhaseExited(_ evidence.Key, p phase.Phase, _ time.Time, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	state := "exit "
	if err != nil {
		state = "fail "
	}
	l.events = append(l.events, state+p.String())
}

func TestObserverSeesEveryPhaseInOrder(t *testing.T) {
	log := &phaseLog{}
	e := newEnv(t, nil, WithObserver(log))
	_, err := e.runner.Run(context.Background(), parse(t, contracttest.New("core")), RunOptions{RunID: "run-1"})
	require.NoError(t, err)
	var want []string
	for _, p := range phase.All() {
		want = append(want, "enter "+p.String(), "exit "+p.String())
	}
	assert.Equal(t, want, log.events)
}

func TestCancelledRunRecordsFailure(t *testing.T) {
	e := newEnv(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	summary, err := e.runner.Run(ctx, parse(t, contracttest.New("core")), RunOptions{RunID: "run-1"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, OutcomeBlocked, summary.Outcome)
	records := e.records(t, "core", "run-1")
	require.Len(t, records, 1)
	assert.Equal(t, "true", records[0].Detail["cancelled"])
	assert.Empty(t, e.memory.Writes())
}

// Package runner drives one contract through the seven extraction phases and
// writes the evidence log for the run.
package runner

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/kingrea/forge/internal/artifact"
	"github.com/kingrea/forge/internal/compiler"
	"github.com/kingrea/forge/internal/contract"
	"github.com/kingrea/forge/internal/evidence"
	"github.com/kingrea/forge/internal/failure"
	"github.com/kingrea/forge/internal/phase"
	"github.com/kingrea/forge/internal/planner"
)

// Observer is told when a run enters and leaves each phase. err is nil when
// the phase exited cleanly.
type Observer interface {
	PhaseEntered(key evidence.Key, p phase.Phase, at time.Time)
	PhaseExited(key evidence.Key, p phase.Phase, at time.Time, err error)
}

// Option configures a Runner.
type Option func(*Runner)

// WithClock overrides the time source for evidence timestamps.
func WithClock(clock func() time.Time) Option {
	return func(r *Runner) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// WithLogger sets the runner logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithObserver adds a phase observer.
func WithObserver(observer Observer) Option {
	return func(r *Runner) {
		if observer != nil {
			r.observers = append(r.observers, observer)
		}
	}
}

// WithTracer records a span per phase.
func WithTracer(tracer trace.Tracer) Option {
	return func(r *Runner) {
		if tracer != nil {
			r.tracer = tracer
		}
	}
}

// WithRequester sets the requester id on approval requests.
func WithRequester(id string) Option {
	return func(r *Runner) {
		if id != "" {
			r.requester = id
		}
	}
}

// Runner holds the collaborators shared by every run.
type Runner struct {
	compiler  *compiler.Compiler
	planner   *planner.Planner
	registry  artifact.Registry
	evidence  evidence.Store
	approver  planner.Approver
	clock     func() time.Time
	logger    *zap.Logger
	tracer    trace.Tracer
	observers []Observer
	requester string
}

// New constructs a runner.
func New(c *compiler.Compiler, p *planner.Planner, registry artifact.Registry, store evidence.Store, approver planner.Approver, opts ...Option) *Runner {
	r := &Runner{
		compiler:  c,
		planner:   p,
		registry:  registry,
		evidence:  store,
		approver:  approver,
		clock:     time.Now,
		logger:    zap.NewNop(),
		tracer:    noop.NewTracerProvider().Tracer("forge/runner"),
		requester: "forge",
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RunOptions selects the run id and mode. Observer, when set, is notified
// for this run only, after the runner-wide observers.
type RunOptions struct {
	RunID    string
	DryRun   bool
	Observer Observer
}

// Run takes ct through RESEARCH_LOCK to FINAL_REPORT. It always returns a
// summary; the error is non-nil exactly when the run blocked, and carries
// the failure class of the cause. Blocked runs are not retried and their
// logs are left unsealed.
func (r *Runner) Run(ctx context.Context, ct contract.Contract, opts RunOptions) (Summary, error) {
	if opts.RunID == "" {
		return Summary{}, fmt.Errorf("runner: run id is required")
	}
	key := evidence.Key{ContractID: ct.ID(), RunID: opts.RunID}
	observers := append([]Observer(nil), r.observers...)
	if opts.Observer != nil {
		observers = append(observers, opts.Observer)
	}
	x := &run{
		Runner:    r,
		ct:        ct,
		opts:      opts,
		key:       key,
		writer:    evidence.NewWriter(r.evidence, key, r.clock),
		logger:    r.logger.With(zap.String("contract", ct.ID()), zap.String("run", opts.RunID)),
		startedAt: r.clock().UTC(),
		observers: observers,
	}
	summary, err := x.execute(ctx)
	if err != nil {
		return x.blocked(ctx, err), err
	}
	return summary, nil
}

// run is the state of one execution. Only the goroutine calling Run touches it.
type run struct {
	*Runner
	ct        contract.Contract
	opts      RunOptions
	key       evidence.Key
	writer    *evidence.Writer
	machine   phase.Machine
	logger    *zap.Logger
	startedAt time.Time
	observers []Observer

	enteredAt time.Time
	phaseOpen bool
	span      trace.Span
	plan      *planner.Plan
	failItem  string
}

func (x *run) execute(ctx context.Context) (Summary, error) {
	researched, err := within(ctx, x, phase.ResearchLock, x.researchLock)
	if err != nil {
		return Summary{}, err
	}
	baselined, err := advance(ctx, x, phase.Baseline, researched, x.baseline)
	if err != nil {
		return Summary{}, err
	}
	implemented, err := advance(ctx, x, phase.Implementation, baselined, x.implementation)
	if err != nil {
		return Summary{}, err
	}
	enforced, err := advance(ctx, x, phase.Enforcement, implemented, x.enforcement)
	if err != nil {
		return Summary{}, err
	}
	validated, err := advance(ctx, x, phase.Validation, enforced, x.validation)
	if err != nil {
		return Summary{}, err
	}
	verified, err := advance(ctx, x, phase.RecursiveVerify, validated, x.recursiveVerify)
	if err != nil {
		return Summary{}, err
	}
	return x.finalReport(ctx, verified)
}

// exit is what a phase hands back for its phase record.
type exit struct {
	items        []string
	detail       map[string]string
	verification string
}

func within[Out any](ctx context.Context, x *run, p phase.Phase, fn func(context.Context) (Out, exit, error)) (Out, error) {
	return advance(ctx, x, p, struct{}{}, func(ctx context.Context, _ struct{}) (Out, exit, error) { return fn(ctx) })
}

// advance enters p, runs fn, and writes the phase record. Each phase
// function takes the previous phase's result type, so phases cannot be
// reordered or skipped.
func advance[In, Out any](ctx context.Context, x *run, p phase.Phase, in In, fn func(context.Context, In) (Out, exit, error)) (Out, error) {
	var zero Out
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	if err := x.machine.Enter(p); err != nil {
		return zero, err
	}
	x.enteredAt = x.writer.Now()
	x.phaseOpen = true
	var span trace.Span
	ctx, span = x.tracer.Start(ctx, "phase "+p.String(), trace.WithAttributes(
		attribute.String("forge.contract", x.key.ContractID),
		attribute.String("forge.run", x.key.RunID),
		attribute.Int("forge.phase", int(p)),
	))
	x.span = span
	for _, o := range x.observers {
		o.PhaseEntered(x.key, p, x.enteredAt)
	}
	x.logger.Debug("phase entered", zap.Stringer("phase", p))

	out, ex, err := fn(ctx, in)
	if err != nil {
		return zero, err
	}
	if _, err := x.writer.Append(ctx, evidence.Record{
		Phase:            p,
		Kind:             evidence.KindPhase,
		ItemIDs:          ex.items,
		EnteredAt:        x.enteredAt,
		ExitedAt:         x.writer.Now(),
		Detail:           ex.detail,
		VerificationHash: ex.verification,
	}); err != nil {
		return zero, err
	}
	x.phaseOpen = false
	span.End()
	x.span = nil
	for _, o := range x.observers {
		o.PhaseExited(x.key, p, x.writer.Now(), nil)
	}
	return out, nil
}

// blocked records the failure in the phase the run stopped in.
func (x *run) blocked(ctx context.Context, cause error) Summary {
	ctx = context.WithoutCancel(ctx)
	current, started := x.machine.Current()
	if !started {
		current = phase.ResearchLock
	}
	class := failure.ClassOf(cause)
	fail := &Failure{Phase: current, ItemID: x.failItem, Class: class, Message: cause.Error()}
	x.logger.Warn("run blocked",
		zap.Stringer("phase", current),
		zap.String("item", fail.ItemID),
		zap.String("class", string(class)),
		zap.Error(cause))

	detail := map[string]string{"class": string(class), "error": cause.Error()}
	if errors.Is(cause, context.Canceled) || errors.Is(cause, context.DeadlineExceeded) {
		detail["cancelled"] = "true"
	}
	var items []string
	if fail.ItemID != "" {
		items = []string{fail.ItemID}
	}
	if _, err := x.writer.Append(ctx, evidence.Record{Phase: current, Kind: evidence.KindFailure, ItemIDs: items, Detail: detail}); err != nil {
		x.logger.Error("record failure", zap.Error(err))
	}
	if x.phaseOpen {
		if _, err := x.writer.Append(ctx, evidence.Record{
			Phase:     current,
			Kind:      evidence.KindPhase,
			EnteredAt: x.enteredAt,
			ExitedAt:  x.writer.Now(),
			Detail:    map[string]string{"outcome": string(OutcomeBlocked)},
		}); err != nil {
			x.logger.Error("record blocked phase", zap.Error(err))
		}
	}
	if x.span != nil {
		x.span.RecordError(cause)
		x.span.SetStatus(codes.Error, cause.Error())
		x.span.End()
		x.span = nil
	}
	for _, o := range x.observers {
		o.PhaseExited(x.key, current, x.writer.Now(), cause)
	}
	summary := x.summary(OutcomeBlocked, current, nil)
	summary.Failure = fail
	return summary
}

func (x *run) summary(outcome Outcome, p phase.Phase, items []ItemReport) Summary {
	s := Summary{
		ContractID:          x.ct.ID(),
		RunID:               x.opts.RunID,
		ContractFingerprint: x.ct.Fingerprint,
		DryRun:              x.opts.DryRun,
		Outcome:             outcome,
		Phase:               p,
		Items:               items,
		StartedAt:           x.startedAt,
		FinishedAt:          x.writer.Now().UTC(),
	}
	if x.plan != nil {
		s.PlanHash = x.plan.Hash
		s.Destructive = x.plan.Destructive()
	}
	for _, item := range items {
		if item.Written {
			s.Written++
		}
		if item.Action == string(planner.ActionNoop) {
			s.Unchanged++
		}
	}
	if head, ok := x.writer.Head(); ok {
		s.Records = int(head.Sequence)
		s.HeadHash = head.Hash
	}
	return s
}

func itoa(n int) string { return strconv.Itoa(n) }

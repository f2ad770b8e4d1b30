// Package orchestrator accepts batches of contract ids, validates them and
// their hard-dependency closure up front, and drives every contract through
// its phase run level by level.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kingrea/forge/internal/contract"
	"github.com/kingrea/forge/internal/events"
	"github.com/kingrea/forge/internal/evidence"
	"github.com/kingrea/forge/internal/failure"
	"github.com/kingrea/forge/internal/graph"
	"github.com/kingrea/forge/internal/phase"
	"github.com/kingrea/forge/internal/runner"
	"github.com/kingrea/forge/internal/scheduler"
	"github.com/kingrea/forge/internal/specstore"
)

// ContractRunner executes one contract's phase run.
type ContractRunner interface {
	Run(ctx context.Context, c contract.Contract, opts runner.RunOptions) (runner.Summary, error)
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the orchestrator logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(o *Orchestrator) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithPublisher sets where progress events go.
func WithPublisher(publisher events.Publisher) Option {
	return func(o *Orchestrator) {
		if publisher != nil {
			o.publisher = publisher
		}
	}
}

// WithStateStore persists batch snapshots.
func WithStateStore(store StateStore) Option {
	return func(o *Orchestrator) {
		if store != nil {
			o.states = store
		}
	}
}

// WithMaxParallel bounds how many contracts of a level run at once. Zero
// leaves the level unbounded.
func WithMaxParallel(n int) Option {
	return func(o *Orchestrator) {
		if n >= 0 {
			o.maxParallel = n
		}
	}
}

// WithCatalog shares a contract catalog with other components.
func WithCatalog(catalog *contract.Catalog) Option {
	return func(o *Orchestrator) {
		if catalog != nil {
			o.catalog = catalog
		}
	}
}

// WithIDGenerator overrides batch id generation.
func WithIDGenerator(next func() string) Option {
	return func(o *Orchestrator) {
		if next != nil {
			o.newID = next
		}
	}
}

// Orchestrator owns batch lifecycles.
type Orchestrator struct {
	specs       specstore.Store
	validator   *contract.Validator
	catalog     *contract.Catalog
	runner      ContractRunner
	evidence    evidence.Store
	states      StateStore
	publisher   events.Publisher
	logger      *zap.Logger
	clock       func() time.Time
	maxParallel int
	newID       func() string

	mu      sync.RWMutex
	batches map[string]*batch
}

// New wires an orchestrator.
func New(specs specstore.Store, run ContractRunner, store evidence.Store, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		specs:     specs,
		validator: contract.NewValidator(specs),
		catalog:   contract.NewCatalog(),
		runner:    run,
		evidence:  store,
		states:    NewMemoryRepository(),
		publisher: events.Discard,
		logger:    zap.NewNop(),
		clock:     time.Now,
		newID:     uuid.NewString,
		batches:   map[string]*batch{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}

// Catalog returns the catalog of admitted contracts.
func (o *Orchestrator) Catalog() *contract.Catalog {
	return o.catalog
}

// batch is the live state of one submission. status is guarded by mu; the
// graph, scheduler and contracts never change after Submit.
type batch struct {
	id        string
	dryRun    bool
	clock     func() time.Time
	graph     *graph.Graph
	sched     *scheduler.Scheduler
	contracts map[string]contract.Contract
	cancel    context.CancelFunc
	done      chan struct{}

	mu        sync.Mutex
	status    BatchStatus
	index     map[string]int
	cancelled bool
}

// Submit validates ids and their hard-dependency closure, builds the graph
// and starts execution in the background. Structural and graph failures
// are returned here, before any evidence exists.
func (o *Orchestrator) Submit(ctx context.Context, ids []string, dryRun bool) (BatchHandle, error) {
	requested := normalizeIDs(ids)
	if len(requested) == 0 {
		return BatchHandle{}, ErrEmptyBatch
	}
	contracts, err := o.resolve(ctx, requested)
	if err != nil {
		return BatchHandle{}, err
	}
	list := make([]contract.Contract, 0, len(contracts))
	for _, c := range contracts {
		list = append(list, c)
	}
	g, err := graph.Build(list)
	if err != nil {
		return BatchHandle{}, err
	}
	sched, err := scheduler.New(g)
	if err != nil {
		return BatchHandle{}, err
	}
	for _, c := range list {
		if prev, superseded := o.catalog.Admit(c); superseded {
			fields := []zap.Field{zap.String("contract", c.ID()), zap.String("from", prev.Identity.Version), zap.String("to", c.Identity.Version)}
			if contract.VersionRegressed(prev, c) {
				o.logger.Warn("contract version went backwards", fields...)
			} else {
				o.logger.Info("contract superseded", fields...)
			}
		}
	}

	now := o.clock().UTC()
	b := &batch{
		id:        o.newID(),
		dryRun:    dryRun,
		clock:     o.clock,
		graph:     g,
		sched:     sched,
		contracts: contracts,
		done:      make(chan struct{}),
		index:     map[string]int{},
		status: BatchStatus{
			DryRun:    dryRun,
			State:     BatchRunning,
			Requested: requested,
			Levels:    g.Levels(),
			CreatedAt: now,
			UpdatedAt: now,
		},
	}
	b.status.ID = b.id
	for level, members := range b.status.Levels {
		for _, id := range members {
			cs := ContractStatus{ID: id, Level: level, State: scheduler.StatePending}
			cs.Advisory = o.advisory(contracts[id], contracts)
			b.index[id] = len(b.status.Contracts)
			b.status.Contracts = append(b.status.Contracts, cs)
		}
	}
	b.status.recount()

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	b.cancel = cancel
	o.mu.Lock()
	o.batches[b.id] = b
	o.mu.Unlock()
	o.save(b)
	o.emit(events.New(events.BatchSubmitted, b.id, "", map[string]any{
		"requested": requested,
		"levels":    b.status.Levels,
		"dry_run":   dryRun,
	}))
	o.logger.Info("batch submitted",
		zap.String("batch", b.id),
		zap.Strings("requested", requested),
		zap.Int("contracts", len(contracts)),
		zap.Int("levels", len(b.status.Levels)),
		zap.Bool("dry_run", dryRun))

	go o.execute(runCtx, b)
	return BatchHandle{ID: b.id}, nil
}

// resolve validates the requested contracts and everything they
// hard-depend on.
func (o *Orchestrator) resolve(ctx context.Context, requested []string) (map[string]contract.Contract, error) {
	contracts := map[string]contract.Contract{}
	queue := append([]string(nil), requested...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if _, ok := contracts[id]; ok {
			continue
		}
		raw, err := o.specs.Get(ctx, id)
		if err != nil {
			if errors.Is(err, specstore.ErrNotFound) {
				return nil, &UnknownContractError{ID: id}
			}
			return nil, fmt.Errorf("orchestrator: load %s: %w", id, err)
		}
		c, err := o.validator.Validate(ctx, raw)
		if err != nil {
			return nil, err
		}
		contracts[id] = c
		queue = append(queue, c.HardDependencies...)
	}
	return contracts, nil
}

// advisory lists the soft-dependency notes for c. Soft dependencies never
// order or block anything.
func (o *Orchestrator) advisory(c contract.Contract, batch map[string]contract.Contract) []string {
	var notes []string
	unresolved := map[string]bool{}
	for _, dep := range c.UnresolvedSoft {
		unresolved[dep] = true
	}
	for _, dep := range c.SoftDependencies {
		switch {
		case unresolved[dep]:
			notes = append(notes, fmt.Sprintf("soft dependency %s not found", dep))
		case !inBatch(batch, dep):
			notes = append(notes, fmt.Sprintf("soft dependency %s not in batch", dep))
		}
	}
	for _, note := range notes {
		o.logger.Warn("advisory dependency", zap.String("contract", c.ID()), zap.String("note", note))
	}
	return notes
}

func (o *Orchestrator) execute(ctx context.Context, b *batch) {
	defer close(b.done)
	defer b.cancel()
	for level := 0; level < b.sched.Levels(); level++ {
		if err := o.runLevel(ctx, b, level); err != nil {
			o.logger.Error("level aborted", zap.String("batch", b.id), zap.Int("level", level), zap.Error(err))
			break
		}
		if ctx.Err() != nil {
			break
		}
	}
	o.abandon(b, "batch cancelled before the contract started")

	b.mu.Lock()
	b.status.State = BatchCompleted
	if b.cancelled {
		b.status.State = BatchCancelled
	}
	b.status.FinishedAt = o.clock().UTC()
	b.status.UpdatedAt = b.status.FinishedAt
	b.status.recount()
	counts := b.status.Counts
	state := b.status.State
	b.mu.Unlock()

	o.save(b)
	o.emit(events.New(events.BatchFinished, b.id, "", map[string]any{"state": state, "counts": counts}))
	o.logger.Info("batch finished",
		zap.String("batch", b.id),
		zap.String("state", string(state)),
		zap.Int("succeeded", counts.Succeeded),
		zap.Int("blocked", counts.Blocked))
}

// runLevel runs one level to its barrier: it returns once every contract of
// the level is terminal or the batch is cancelled.
func (o *Orchestrator) runLevel(ctx context.Context, b *batch, level int) error {
	var g errgroup.Group
	if o.maxParallel > 0 {
		g.SetLimit(o.maxParallel)
	}
	finished := make(chan string, len(b.status.Levels[level]))
	defer g.Wait()
	for {
		if ctx.Err() != nil {
			return nil
		}
		states := b.states()
		if b.sched.LevelDone(level, states) {
			return nil
		}
		next, err := b.sched.Runnable(scheduler.RunnableRequest{Level: level, States: states, MaxParallel: o.maxParallel})
		if err != nil {
			return err
		}
		progressed := false
		for _, id := range sortedKeys(next.Skipped) {
			skip := next.Skipped[id]
			if skip.Reason != scheduler.SkipReasonDependencyBlocked {
				continue
			}
			o.block(b, id, BlockReason{Message: skip.Detail, Dependency: skip.Dependency}, nil)
			progressed = true
		}
		for _, id := range next.IDs {
			id := id
			b.update(id, func(cs *ContractStatus) {
				cs.State = scheduler.StateRunning
				cs.RunID = b.id
				cs.StartedAt = o.clock().UTC()
			})
			progressed = true
			g.Go(func() error {
				o.runContract(ctx, b, id)
				finished <- id
				return nil
			})
		}
		if progressed && len(next.IDs) == 0 {
			continue
		}
		if countRunning(b.states()) == 0 && !progressed {
			return fmt.Errorf("orchestrator: level %d stalled with no runnable contracts", level)
		}
		select {
		case <-finished:
		case <-ctx.Done():
		}
	}
}

func (o *Orchestrator) runContract(ctx context.Context, b *batch, id string) {
	c := b.contracts[id]
	o.save(b)
	o.emit(events.New(events.ContractStarted, b.id, id, map[string]any{"run_id": b.id, "dry_run": b.dryRun}))
	summary, err := o.runner.Run(ctx, c, runner.RunOptions{
		RunID:    b.id,
		DryRun:   b.dryRun,
		Observer: progress{o: o, b: b},
	})
	if err != nil {
		reason := BlockReason{Class: failure.ClassOf(err), Message: err.Error()}
		if f := summary.Failure; f != nil {
			p := f.Phase
			reason.Phase = &p
			reason.ItemID = f.ItemID
			reason.Class = f.Class
			reason.Message = f.Message
		}
		o.block(b, id, reason, &summary)
		return
	}
	b.update(id, func(cs *ContractStatus) {
		cs.State = scheduler.StateSucceeded
		cs.Summary = &summary
		cs.FinishedAt = o.clock().UTC()
	})
	o.save(b)
	o.emit(events.New(events.ContractSucceeded, b.id, id, summary))
	o.logger.Info("contract succeeded",
		zap.String("batch", b.id),
		zap.String("contract", id),
		zap.Int("written", summary.Written),
		zap.Int("unchanged", summary.Unchanged))
}

// block marks id blocked and, at once, every pending contract that
// transitively hard-depends on it. Each dependent's reason names its first
// blocked direct dependency.
func (o *Orchestrator) block(b *batch, id string, reason BlockReason, summary *runner.Summary) {
	now := o.clock().UTC()
	b.update(id, func(cs *ContractStatus) {
		cs.State = scheduler.StateBlocked
		r := reason
		cs.Blocked = &r
		cs.Summary = summary
		cs.FinishedAt = now
	})
	o.emit(events.New(events.ContractBlocked, b.id, id, reason))
	o.logger.Warn("contract blocked",
		zap.String("batch", b.id),
		zap.String("contract", id),
		zap.String("class", string(reason.Class)),
		zap.String("dependency", reason.Dependency),
		zap.String("reason", reason.Message))

	dependents := map[string]bool{}
	for _, dep := range b.graph.TransitiveDependents(id) {
		dependents[dep] = true
	}
	for _, dependent := range b.graph.IDs() {
		if !dependents[dependent] {
			continue
		}
		states := b.states()
		if states[dependent] != scheduler.StatePending {
			continue
		}
		blocker, ok := b.sched.BlockedBy(dependent, states)
		if !ok {
			continue
		}
		inherited := BlockReason{Message: fmt.Sprintf("hard dependency %s is blocked", blocker), Dependency: blocker}
		b.update(dependent, func(cs *ContractStatus) {
			cs.State = scheduler.StateBlocked
			cs.Blocked = &inherited
			cs.FinishedAt = now
		})
		o.emit(events.New(events.ContractBlocked, b.id, dependent, inherited))
	}
	o.save(b)
}

// abandon blocks whatever never started, which only happens on cancel.
func (o *Orchestrator) abandon(b *batch, message string) {
	now := o.clock().UTC()
	for _, id := range b.graph.IDs() {
		if b.states()[id] != scheduler.StatePending {
			continue
		}
		reason := BlockReason{Message: message}
		b.update(id, func(cs *ContractStatus) {
			cs.State = scheduler.StateBlocked
			cs.Blocked = &reason
			cs.FinishedAt = now
		})
		o.emit(events.New(events.ContractBlocked, b.id, id, reason))
	}
}

// Status returns the latest snapshot of a batch, falling back to the state
// store for batches from earlier processes.
func (o *Orchestrator) Status(handle BatchHandle) (BatchStatus, error) {
	if b, ok := o.lookup(handle.ID); ok {
		return b.snapshot(), nil
	}
	return o.states.Load(handle.ID)
}

// Wait blocks until the batch finishes or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context, handle BatchHandle) (BatchStatus, error) {
	b, ok := o.lookup(handle.ID)
	if !ok {
		return o.states.Load(handle.ID)
	}
	select {
	case <-b.done:
		return b.snapshot(), nil
	case <-ctx.Done():
		return b.snapshot(), ctx.Err()
	}
}

// Cancel stops scheduling new contracts and cancels running ones. Work
// already recorded as evidence stays.
func (o *Orchestrator) Cancel(handle BatchHandle) error {
	b, ok := o.lookup(handle.ID)
	if !ok {
		if _, err := o.states.Load(handle.ID); err != nil {
			return err
		}
		return ErrBatchFinished
	}
	select {
	case <-b.done:
		return ErrBatchFinished
	default:
	}
	b.mu.Lock()
	b.cancelled = true
	b.mu.Unlock()
	b.cancel()
	o.logger.Info("batch cancel requested", zap.String("batch", b.id))
	return nil
}

// Batches lists every known batch id.
func (o *Orchestrator) Batches() ([]string, error) {
	ids, err := o.states.List()
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	for _, id := range ids {
		seen[id] = true
	}
	o.mu.RLock()
	for id := range o.batches {
		if !seen[id] {
			ids = append(ids, id)
		}
	}
	o.mu.RUnlock()
	sort.Strings(ids)
	return ids, nil
}

// ExportEvidence returns the latest run's records for contractID in append
// order.
func (o *Orchestrator) ExportEvidence(ctx context.Context, contractID string) ([]evidence.Record, error) {
	return evidence.Latest(ctx, o.evidence, contractID)
}

// ExportRun returns the records of one specific run.
func (o *Orchestrator) ExportRun(ctx context.Context, contractID, runID string) ([]evidence.Record, error) {
	return o.evidence.Records(ctx, evidence.Key{ContractID: contractID, RunID: runID})
}

func (o *Orchestrator) lookup(id string) (*batch, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	b, ok := o.batches[id]
	return b, ok
}

func (o *Orchestrator) save(b *batch) {
	snapshot := b.snapshot()
	if err := o.states.Save(snapshot); err != nil {
		o.logger.Error("persist batch state", zap.String("batch", b.id), zap.Error(err))
	}
}

func (o *Orchestrator) emit(e events.Event) {
	o.publisher.Publish(stamp(e, o.clock))
}

func stamp(e events.Event, clock func() time.Time) events.Event {
	if e.EventID == "" {
		e.EventID = uuid.NewString()
	}
	if e.Time.IsZero() {
		e.Time = clock().UTC()
	}
	return e
}

func (b *batch) states() map[string]scheduler.State {
	b.mu.Lock()
	defer b.mu.Unlock()
	states := make(map[string]scheduler.State, len(b.status.Contracts))
	for _, c := range b.status.Contracts {
		states[c.ID] = c.State
	}
	return states
}

func (b *batch) update(id string, fn func(*ContractStatus)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	i, ok := b.index[id]
	if !ok {
		return
	}
	fn(&b.status.Contracts[i])
	b.status.UpdatedAt = b.clock().UTC()
	b.status.recount()
}

func (b *batch) snapshot() BatchStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status.clone()
}

// progress mirrors phase transitions into the batch status and the event
// stream.
type progress struct {
	o *Orchestrator
	b *batch
}

type phasePayload struct {
	Phase phase.Phase `json:"phase"`
	At    time.Time   `json:"at"`
	Error string      `json:"error,omitempty"`
}

func (p progress) PhaseEntered(key evidence.Key, ph phase.Phase, at time.Time) {
	p.b.update(key.ContractID, func(cs *ContractStatus) {
		current := ph
		cs.Phase = &current
	})
	p.o.emit(events.New(events.PhaseEntered, p.b.id, key.ContractID, phasePayload{Phase: ph, At: at}))
}

func (p progress) PhaseExited(key evidence.Key, ph phase.Phase, at time.Time, err error) {
	payload := phasePayload{Phase: ph, At: at}
	if err != nil {
		payload.Error = err.Error()
	}
	p.o.emit(events.New(events.PhaseExited, p.b.id, key.ContractID, payload))
}

func normalizeIDs(ids []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func inBatch(batch map[string]contract.Contract, id string) bool {
	_, ok := batch[id]
	return ok
}

func countRunning(states map[string]scheduler.State) int {
	n := 0
	for _, state := range states {
		if state == scheduler.StateRunning {
			n++
		}
	}
	return n
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

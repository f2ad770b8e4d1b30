package approval

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DefaultTimeout      = 15 * time.Minute
	DefaultPollInterval = 500 * time.Millisecond
)

// Listener observes requests as they are created and resolved.
type Listener func(Request)

// Option configures a Gate.
type Option func(*Gate)

// WithTimeout sets how long a request may stay pending.
func WithTimeout(timeout time.Duration) Option {
	return func(g *Gate) {
		if timeout > 0 {
			g.timeout = timeout
		}
	}
}

// WithPollInterval sets how often Await re-reads the store.
func WithPollInterval(interval time.Duration) Option {
	return func(g *Gate) {
		if interval > 0 {
			g.poll = interval
		}
	}
}

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(g *Gate) {
		if clock != nil {
			g.now = clock
		}
	}
}

// WithLogger sets the gate logger.
func WithLogger(logger *zap.Logger) Option {
	return func(g *Gate) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithListener registers a callback for created and resolved requests.
func WithListener(listener Listener) Option {
	return func(g *Gate) {
		if listener != nil {
			g.listeners = append(g.listeners, listener)
		}
	}
}

// Gate is the approval decision point. Every decision goes through the
// store's compare-and-set, so at most one transition out of pending wins.
type Gate struct {
	store     Store
	authority Authority
	timeout   time.Duration
	poll      time.Duration
	now       func() time.Time
	logger    *zap.Logger
	listeners []Listener

	mu      sync.Mutex
	waiters map[string]chan struct{}
}

// NewGate constructs a gate.
func NewGate(store Store, authority Authority, opts ...Option) *Gate {
	g := &Gate{
		store:     store,
		authority: authority,
		timeout:   DefaultTimeout,
		poll:      DefaultPollInterval,
		now:       time.Now,
		logger:    zap.NewNop(),
		waiters:   map[string]chan struct{}{},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Timeout returns the configured pending deadline.
func (g *Gate) Timeout() time.Duration {
	return g.timeout
}

// Request opens a pending decision for step. It fails when no authority
// covers the step's risk class, since such a request could never be approved.
func (g *Gate) Request(ctx context.Context, step StepRef) (Request, error) {
	if strings.TrimSpace(step.StepID) == "" {
		return Request{}, fmt.Errorf("approval: step id is required")
	}
	if _, err := g.authority.ApproverFor(ctx, step.RiskClass); err != nil {
		return Request{}, err
	}
	now := g.now().UTC()
	req := Request{
		ID:          uuid.NewString(),
		StepID:      step.StepID,
		ContractID:  step.ContractID,
		RunID:       step.RunID,
		TargetID:    step.TargetID,
		RiskClass:   step.RiskClass,
		RequesterID: step.RequesterID,
		Summary:     step.Summary,
		Decision:    DecisionPending,
		CreatedAt:   now,
		ExpiresAt:   now.Add(g.timeout),
	}
	if err := g.store.Create(ctx, req); err != nil {
		return Request{}, err
	}
	g.logger.Info("approval requested",
		zap.String("request", req.ID),
		zap.String("step", req.StepID),
		zap.String("risk_class", req.RiskClass),
		zap.Time("expires_at", req.ExpiresAt))
	g.notify(req)
	return req, nil
}

// Get returns the stored request.
func (g *Gate) Get(ctx context.Context, id string) (Request, error) {
	return g.store.Get(ctx, id)
}

// Pending lists unresolved requests, oldest first.
func (g *Gate) Pending(ctx context.Context) ([]Request, error) {
	return g.store.Pending(ctx)
}

// Decide records an authority's decision. Only the approver configured for
// the request's risk class may decide. A decision arriving after the
// deadline times the request out instead and returns ErrAlreadyResolved.
func (g *Gate) Decide(ctx context.Context, id, authorityID string, decision Decision, reason string) (Request, error) {
	if decision != DecisionApproved && decision != DecisionRejected {
		return Request{}, ErrInvalidDecision
	}
	req, err := g.store.Get(ctx, id)
	if err != nil {
		return Request{}, err
	}
	approver, err := g.authority.ApproverFor(ctx, req.RiskClass)
	if err != nil {
		return Request{}, err
	}
	if strings.TrimSpace(authorityID) == "" || authorityID != approver {
		g.logger.Warn("unauthorized approval decision",
			zap.String("request", id),
			zap.String("authority", authorityID),
			zap.String("risk_class", req.RiskClass))
		return Request{}, &UnauthorizedDeciderError{RequestID: id, RiskClass: req.RiskClass, AuthorityID: authorityID}
	}
	if req.Decision.Terminal() {
		return req, ErrAlreadyResolved
	}
	now := g.now()
	if req.Expired(now) {
		timedOut, err := g.expire(ctx, req)
		if err != nil {
			return Request{}, err
		}
		return timedOut, ErrAlreadyResolved
	}
	next := req.resolved(decision, authorityID, strings.TrimSpace(reason), now)
	stored, swapped, err := g.store.CompareAndSwap(ctx, DecisionPending, next)
	if err != nil {
		return Request{}, err
	}
	if !swapped {
		return stored, ErrAlreadyResolved
	}
	g.logger.Info("approval decided",
		zap.String("request", id),
		zap.String("decision", string(decision)),
		zap.String("authority", authorityID))
	g.resolved(stored)
	return stored, nil
}

// Await blocks until the request is resolved or its deadline passes, in
// which case it is timed out. Context cancellation returns the request as
// last read together with the context error; callers must treat that as a
// denial and Withdraw the request.
func (g *Gate) Await(ctx context.Context, id string) (Request, error) {
	wake := g.waiter(id)
	defer g.forget(id, wake)
	for {
		req, err := g.store.Get(ctx, id)
		if err != nil {
			return Request{}, err
		}
		if req.Decision.Terminal() {
			return req, nil
		}
		if req.Expired(g.now()) {
			return g.expire(ctx, req)
		}
		wait := g.poll
		if remaining := req.ExpiresAt.Sub(g.now()); remaining < wait {
			wait = remaining
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return req, ctx.Err()
		case <-wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// Withdraw rejects a pending request whose run no longer waits on it. A
// request that already reached a decision is returned unchanged.
func (g *Gate) Withdraw(ctx context.Context, id, reason string) (Request, error) {
	req, err := g.store.Get(ctx, id)
	if err != nil {
		return Request{}, err
	}
	if req.Decision.Terminal() {
		return req, nil
	}
	next := req.resolved(DecisionRejected, "", reason, g.now())
	stored, swapped, err := g.store.CompareAndSwap(ctx, DecisionPending, next)
	if err != nil {
		return Request{}, err
	}
	if swapped {
		g.logger.Info("approval withdrawn", zap.String("request", id), zap.String("reason", reason))
		g.resolved(stored)
	}
	return stored, nil
}

// Sweep times out every pending request past its deadline.
func (g *Gate) Sweep(ctx context.Context) ([]Request, error) {
	pending, err := g.store.Pending(ctx)
	if err != nil {
		return nil, err
	}
	now := g.now()
	var expired []Request
	for _, req := range pending {
		if !req.Expired(now) {
			continue
		}
		timedOut, err := g.expire(ctx, req)
		if err != nil {
			return expired, err
		}
		if timedOut.Decision == DecisionTimedOut {
			expired = append(expired, timedOut)
		}
	}
	return expired, nil
}

// RunSweeper calls Sweep every interval until ctx ends.
func (g *Gate) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := g.Sweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
				g.logger.Warn("approval sweep failed", zap.Error(err))
			}
		}
	}
}

func (g *Gate) expire(ctx context.Context, req Request) (Request, error) {
	reason := fmt.Sprintf("no decision within %s", g.timeout)
	next := req.resolved(DecisionTimedOut, "", reason, g.now())
	stored, swapped, err := g.store.CompareAndSwap(ctx, DecisionPending, next)
	if err != nil {
		return Request{}, err
	}
	if swapped {
		g.logger.Warn("approval timed out", zap.String("request", req.ID), zap.String("step", req.StepID))
		g.resolved(stored)
	}
	return stored, nil
}

func (g *Gate) waiter(id string) <-chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	ch, ok := g.waiters[id]
	if !ok {
		ch = make(chan struct{})
		g.waiters[id] = ch
	}
	return ch
}

func (g *Gate) forget(id string, ch <-chan struct{}) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if current, ok := g.waiters[id]; ok && (<-chan struct{})(current) == ch {
		delete(g.waiters, id)
	}
}

func (g *Gate) resolved(req Request) {
	g.mu.Lock()
	if ch, ok := g.waiters[req.ID]; ok {
		close(ch)
		delete(g.waiters, req.ID)
	}
	g.mu.Unlock()
	g.notify(req)
}

func (g *Gate) notify(req Request) {
	for _, listener := range g.listeners {
		listener(req)
	}
}

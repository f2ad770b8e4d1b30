package approval

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kingrea/forge/internal/failure"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func authority() *ConfigAuthority {
	return NewConfigAuthority(map[string]string{"standard": "lead", "high": "cto"}, "")
}

func step(class string) StepRef {
	return StepRef{StepID: "core#core/config.json", ContractID: "core", RunID: "run-1", TargetID: "core/config.json", RiskClass: class, RequesterID: "forge"}
}

func newGate(t *testing.T, store Store, clock *fakeClock, opts ...Option) *Gate {
	t.Helper()
	base := []Option{WithTimeout(time.Minute), WithPollInterval(5 * time.Millisecond), WithClock(clock.Now)}
	return NewGate(store, authority(), append(base, opts...)...)
}

func TestRequestAndApprove(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	var seen []Decision
	gate := newGate(t, NewMemoryStore(), clock, WithListener(func(r Request) { seen = append(seen, r.Decision) }))

	req, err := gate.Request(ctx, step("standard"))
	require.NoError(t, err)
	assert.Equal(t, DecisionPending, req.Decision)
	assert.Equal(t, clock.Now().Add(time.Minute), req.ExpiresAt)

	pending, err := gate.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	decided, err := gate.Decide(ctx, req.ID, "lead", DecisionApproved, "looks right")
	require.NoError(t, err)
	assert.Equal(t, DecisionApproved, decided.Decision)
	assert.Equal(t, "lead", decided.AuthorityID)
	assert.Equal(t, "looks right", decided.Reason)
	assert.True(t, decided.Decision.Allows())
	assert.Equal(t, []Decision{DecisionPending, DecisionApproved}, seen)

	pending, err = gate.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestDecideRequiresConfiguredAuthority(t *testing.T) {
	ctx := context.Background()
	gate := newGate(t, NewMemoryStore(), newFakeClock())
	req, err := gate.Request(ctx, step("high"))
	require.NoError(t, err)

	_, err = gate.Decide(ctx, req.ID, "lead", DecisionApproved, "")
	var unauthorized *UnauthorizedDeciderError
	require.True(t, errors.As(err, &unauthorized))
	assert.Equal(t, "high", unauthorized.RiskClass)
	assert.Equal(t, failure.ClassGovernance, failure.ClassOf(err))

	stored, err := gate.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, DecisionPending, stored.Decision)
}

func TestRequestWithoutAuthorityFails(t *testing.T) {
	gate := newGate(t, NewMemoryStore(), newFakeClock())
	_, err := gate.Request(context.Background(), step("critical"))
	assert.ErrorIs(t, err, ErrNoAuthority)
}

func TestSecondDecisionLoses(t *testing.T) {
	ctx := context.Background()
	gate := newGate(t, NewMemoryStore(), newFakeClock())
	req, err := gate.Request(ctx, step("standard"))
	require.NoError(t, err)

	_, err = gate.Decide(ctx, req.ID, "lead", DecisionRejected, "no")
	require.NoError(t, err)
	current, err := gate.Decide(ctx, req.ID, "lead", DecisionApproved, "changed my mind")
	assert.ErrorIs(t, err, ErrAlreadyResolved)
	assert.Equal(t, DecisionRejected, current.Decision)
}

func TestConcurrentDecisionsResolveOnce(t *testing.T) {
	ctx := context.Background()
	gate := newGate(t, NewMemoryStore(), newFakeClock())
	req, err := gate.Request(ctx, step("standard"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			decision := DecisionApproved
			if i%2 == 0 {
				decision = DecisionRejected
			}
			_, err := gate.Decide(ctx, req.ID, "lead", decision, "race")
			results <- err
		}(i)
	}
	wg.Wait()
	close(results)
	wins := 0
	for err := range results {
		if err == nil {
			wins++
		} else {
			assert.ErrorIs(t, err, ErrAlreadyResolved)
		}
	}
	assert.Equal(t, 1, wins)
}

func TestAwaitTimesOutFailClosed(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	gate := newGate(t, NewMemoryStore(), clock)
	req, err := gate.Request(ctx, step("standard"))
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	resolved, err := gate.Await(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, DecisionTimedOut, resolved.Decision)
	assert.False(t, resolved.Decision.Allows())
	assert.Contains(t, resolved.Reason, "no decision within")

	_, err = gate.Decide(ctx, req.ID, "lead", DecisionApproved, "late")
	assert.ErrorIs(t, err, ErrAlreadyResolved)
}

func TestLateDecisionTimesOut(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	gate := newGate(t, NewMemoryStore(), clock)
	req, err := gate.Request(ctx, step("standard"))
	require.NoError(t, err)

	clock.Advance(time.Minute)
	current, err := gate.Decide(ctx, req.ID, "lead", DecisionApproved, "late")
	assert.ErrorIs(t, err, ErrAlreadyResolved)
	assert.Equal(t, DecisionTimedOut, current.Decision)
}

func TestAwaitWakesOnDecision(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	gate := newGate(t, NewMemoryStore(), newFakeClock(), WithPollInterval(time.Hour))
	req, err := gate.Request(ctx, step("standard"))
	require.NoError(t, err)

	done := make(chan Request, 1)
	go func() {
		resolved, err := gate.Await(ctx, req.ID)
		assert.NoError(t, err)
		done <- resolved
	}()
	time.Sleep(10 * time.Millisecond)
	_, err = gate.Decide(ctx, req.ID, "lead", DecisionApproved, "ok")
	require.NoError(t, err)

	select {
	case resolved := <-done:
		assert.Equal(t, DecisionApproved, resolved.Decision)
	case <-ctx.Done():
		t.Fatal("await did not wake")
	}
}

func TestAwaitHonoursCancellation(t *testing.T) {
	gate := newGate(t, NewMemoryStore(), newFakeClock())
	req, err := gate.Request(context.Background(), step("standard"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	current, err := gate.Await(ctx, req.ID)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, current.Decision.Allows())
}

func TestWithdrawClosesPendingRequest(t *testing.T) {
	ctx := context.Background()
	var seen []Decision
	gate := newGate(t, NewMemoryStore(), newFakeClock(), WithListener(func(r Request) { seen = append(seen, r.Decision) }))
	req, err := gate.Request(ctx, step("standard"))
	require.NoError(t, err)

	closed, err := gate.Withdraw(ctx, req.ID, "run cancelled")
	require.NoError(t, err)
	assert.Equal(t, DecisionRejected, closed.Decision)
	assert.Equal(t, "run cancelled", closed.Reason)
	assert.Empty(t, closed.AuthorityID)

	_, err = gate.Decide(ctx, req.ID, "lead", DecisionApproved, "")
	assert.ErrorIs(t, err, ErrAlreadyResolved)

	again, err := gate.Withdraw(ctx, req.ID, "run cancelled")
	require.NoError(t, err)
	assert.Equal(t, closed.DecidedAt, again.DecidedAt)
	assert.Equal(t, []Decision{DecisionPending, DecisionRejected}, seen)
}

func TestSweepExpiresOnlyOverdue(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	gate := newGate(t, NewMemoryStore(), clock)
	old, err := gate.Request(ctx, step("standard"))
	require.NoError(t, err)
	clock.Advance(40 * time.Second)
	fresh, err := gate.Request(ctx, step("high"))
	require.NoError(t, err)
	clock.Advance(30 * time.Second)

	expired, err := gate.Sweep(ctx)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, old.ID, expired[0].ID)

	pending, err := gate.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, fresh.ID, pending[0].ID)
}

func TestParseDecision(t *testing.T) {
	d, err := ParseDecision(" Approve ")
	require.NoError(t, err)
	assert.Equal(t, DecisionApproved, d)
	d, err = ParseDecision("rejected")
	require.NoError(t, err)
	assert.Equal(t, DecisionRejected, d)
	_, err = ParseDecision("timed_out")
	assert.ErrorIs(t, err, ErrInvalidDecision)
}

func TestConfigAuthorityFallback(t *testing.T) {
	a := NewConfigAuthority(map[string]string{"High ": " cto"}, "lead")
	approver, err := a.ApproverFor(context.Background(), "high")
	require.NoError(t, err)
	assert.Equal(t, "cto", approver)
	approver, err = a.ApproverFor(context.Background(), "anything")
	require.NoError(t, err)
	assert.Equal(t, "lead", approver)
}

func TestTokenRoundTrip(t *testing.T) {
	secret := []byte("test-secret")
	now := time.Now()
	token, err := IssueToken(secret, "lead", time.Hour, now)
	require.NoError(t, err)

	subject, err := NewTokenVerifier(secret).Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "lead", subject)

	_, err = NewTokenVerifier([]byte("other")).Verify(token)
	assert.Error(t, err)

	expired, err := IssueToken(secret, "lead", time.Minute, now.Add(-time.Hour))
	require.NoError(t, err)
	_, err = NewTokenVerifier(secret).Verify(expired)
	assert.Error(t, err)
}

func TestRedisStoreContract(t *testing.T) {
	addr := os.Getenv("FORGE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("FORGE_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	client, err := DialRedis(ctx, addr, "", 0)
	require.NoError(t, err)
	defer client.Close()

	store := NewRedisStore(client, "forge-test-"+time.Now().Format("150405.000000000"))
	gate := newGate(t, store, newFakeClock())
	req, err := gate.Request(ctx, step("standard"))
	require.NoError(t, err)

	pending, err := store.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	_, err = gate.Decide(ctx, req.ID, "lead", DecisionApproved, "ok")
	require.NoError(t, err)
	current, err := gate.Decide(ctx, req.ID, "lead", DecisionRejected, "again")
	assert.ErrorIs(t, err, ErrAlreadyResolved)
	assert.Equal(t, DecisionApproved, current.Decision)

	pending, err = store.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

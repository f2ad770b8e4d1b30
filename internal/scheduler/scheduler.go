package scheduler

import (
	"fmt"

	"github.com/kingrea/forge/internal/graph"
)

// State is a contract's scheduling state within a batch.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateBlocked   State = "blocked"
)

// Terminal reports whether the contract has finished, either way.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateBlocked
}

// Selector is what the orchestrator needs to pick the next contracts.
type Selector interface {
	Runnable(RunnableRequest) (RunnableBatch, error)
}

// Scheduler implements Selector over an immutable graph.
type Scheduler struct {
	graph  *graph.Graph
	levels [][]string
}

// New wires a Scheduler to a graph.
func New(g *graph.Graph) (*Scheduler, error) {
	if g == nil {
		return nil, fmt.Errorf("scheduler: graph is required")
	}
	return &Scheduler{graph: g, levels: g.Levels()}, nil
}

// Levels returns the number of levels in the graph.
func (s *Scheduler) Levels() int {
	return len(s.levels)
}

// RunnableRequest carries the batch state and constraints for one decision.
type RunnableRequest struct {
	// Level selects the graph level to draw from. Contracts outside it are
	// never returned.
	Level int
	// States holds every contract's current state. Missing entries count as
	// pending.
	States map[string]State
	// MaxParallel caps how many contracts may run at once, including those
	// already running. Values <= 0 disable the limit.
	MaxParallel int
}

// RunnableBatch is the scheduler's decision.
type RunnableBatch struct {
	IDs     []string
	Skipped map[string]SkipReason
}

// SkipReason explains why a contract was not returned.
type SkipReason struct {
	Reason     SkipReasonCode
	Detail     string
	Dependency string
}

// SkipReasonCode enumerates skip reasons.
type SkipReasonCode string

const (
	SkipReasonNotReady          SkipReasonCode = "not-ready"
	SkipReasonDependencyBlocked SkipReasonCode = "dependency-blocked"
	SkipReasonConcurrency       SkipReasonCode = "concurrency"
	SkipReasonActive            SkipReasonCode = "already-running"
	SkipReasonDone              SkipReasonCode = "done"
)

// Runnable returns the pending contracts of req.Level whose hard
// dependencies all succeeded, in level order, up to the concurrency limit.
// Contracts with a blocked hard dependency are reported with
// SkipReasonDependencyBlocked naming that dependency; the caller is expected
// to mark them blocked.
func (s *Scheduler) Runnable(req RunnableRequest) (RunnableBatch, error) {
	if req.Level < 0 || req.Level >= len(s.levels) {
		return RunnableBatch{}, fmt.Errorf("scheduler: level %d out of range [0,%d)", req.Level, len(s.levels))
	}
	if !s.levelsDone(req.Level, req.States) {
		return RunnableBatch{}, fmt.Errorf("scheduler: level %d requested before earlier levels finished", req.Level)
	}
	result := RunnableBatch{}
	running := 0
	for _, state := range req.States {
		if state == StateRunning {
			running++
		}
	}
	limit := -1
	if req.MaxParallel > 0 {
		limit = req.MaxParallel - running
	}
	for _, id := range s.levels[req.Level] {
		state := stateOf(req.States, id)
		switch {
		case state == StateRunning:
			result.addSkip(id, SkipReason{Reason: SkipReasonActive, Detail: "contract already running"})
			continue
		case state.Terminal():
			result.addSkip(id, SkipReason{Reason: SkipReasonDone, Detail: string(state)})
			continue
		}
		if dep, blocked := s.BlockedBy(id, req.States); blocked {
			result.addSkip(id, SkipReason{
				Reason:     SkipReasonDependencyBlocked,
				Detail:     fmt.Sprintf("hard dependency %s is blocked", dep),
				Dependency: dep,
			})
			continue
		}
		if dep, waiting := s.waitingOn(id, req.States); waiting {
			result.addSkip(id, SkipReason{
				Reason:     SkipReasonNotReady,
				Detail:     fmt.Sprintf("hard dependency %s has not succeeded", dep),
				Dependency: dep,
			})
			continue
		}
		if limit == 0 {
			result.addSkip(id, SkipReason{Reason: SkipReasonConcurrency, Detail: fmt.Sprintf("max parallel %d reached", req.MaxParallel)})
			continue
		}
		result.IDs = append(result.IDs, id)
		if limit > 0 {
			limit--
		}
	}
	return result, nil
}

// LevelDone reports whether every contract in level is terminal.
func (s *Scheduler) LevelDone(level int, states map[string]State) bool {
	if level < 0 || level >= len(s.levels) {
		return true
	}
	for _, id := range s.levels[level] {
		if !stateOf(states, id).Terminal() {
			return false
		}
	}
	return true
}

// BlockedBy returns the first direct hard dependency of id that is blocked.
func (s *Scheduler) BlockedBy(id string, states map[string]State) (string, bool) {
	for _, dep := range s.graph.HardDependencies(id) {
		if stateOf(states, dep) == StateBlocked {
			return dep, true
		}
	}
	return "", false
}

func (s *Scheduler) waitingOn(id string, states map[string]State) (string, bool) {
	for _, dep := range s.graph.HardDependencies(id) {
		if stateOf(states, dep) != StateSucceeded {
			return dep, true
		}
	}
	return "", false
}

func (s *Scheduler) levelsDone(level int, states map[string]State) bool {
	for i := 0; i < level; i++ {
		if !s.LevelDone(i, states) {
			return false
		}
	}
	return true
}

func stateOf(states map[string]State, id string) State {
	if state, ok := states[id]; ok && state != "" {
		return state
	}
	return StatePending
}

func (b *RunnableBatch) addSkip(id string, reason SkipReason) {
	if id == "" {
		return
	}
	if b.Skipped == nil {
		b.Skipped = make(map[string]SkipReason)
	}
	b.Skipped[id] = reason
}

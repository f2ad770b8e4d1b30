package graph

import (
	"fmt"
	"sort"
	"strings"

	"github.com/kingrea/forge/internal/contract"
	"github.com/kingrea/forge/internal/failure"
)

// EdgeKind distinguishes ordering edges from advisory ones.
type EdgeKind string

const (
	EdgeHard EdgeKind = "hard"
	EdgeSoft EdgeKind = "soft"
)

// Edge points from a contract to one of its dependencies.
type Edge struct {
	From string   `json:"from"`
	To   string   `json:"to"`
	Kind EdgeKind `json:"kind"`
}

// Node captures one contract's position in the graph.
type Node struct {
	ID           string   `json:"id"`
	Level        int      `json:"level"`
	Dependencies []string `json:"dependencies"`
	Advisory     []string `json:"advisory,omitempty"`
	Dependents   []string `json:"dependents,omitempty"`
}

// Graph is immutable; a changed contract set requires a new Build.
type Graph struct {
	nodes  map[string]*Node
	levels [][]string
	edges  []Edge
}

// CyclicDependencyError names the full hard-dependency cycle, starting and
// ending at the same id.
type CyclicDependencyError struct {
	Cycle []string
}

func (e *CyclicDependencyError) Error() string {
	return fmt.Sprintf("cyclic hard dependency: %s", strings.Join(e.Cycle, " -> "))
}

func (e *CyclicDependencyError) FailureClass() failure.Class { return failure.ClassGraph }

// Involves reports whether id participates in the cycle.
func (e *CyclicDependencyError) Involves(id string) bool {
	for _, member := range e.Cycle {
		if member == id {
			return true
		}
	}
	return false
}

// Build constructs the graph for contracts. Every hard dependency must be a
// member of the set.
func Build(contracts []contract.Contract) (*Graph, error) {
	nodes := make(map[string]*Node, len(contracts))
	for _, c := range contracts {
		id := c.ID()
		if _, dup := nodes[id]; dup {
			return nil, fmt.Errorf("graph: contract %s submitted more than once", id)
		}
		nodes[id] = &Node{
			ID:           id,
			Level:        -1,
			Dependencies: append([]string(nil), c.HardDependencies...),
		}
	}

	var edges []Edge
	for _, c := range contracts {
		node := nodes[c.ID()]
		for _, dep := range node.Dependencies {
			target, ok := nodes[dep]
			if !ok {
				return nil, &contract.UnresolvableReferenceError{ContractID: node.ID, Reference: dep}
			}
			target.Dependents = append(target.Dependents, node.ID)
			edges = append(edges, Edge{From: node.ID, To: dep, Kind: EdgeHard})
		}
		for _, dep := range c.SoftDependencies {
			if _, ok := nodes[dep]; !ok {
				continue
			}
			node.Advisory = append(node.Advisory, dep)
			edges = append(edges, Edge{From: node.ID, To: dep, Kind: EdgeSoft})
		}
	}
	for _, node := range nodes {
		sort.Strings(node.Dependencies)
		sort.Strings(node.Advisory)
		sort.Strings(node.Dependents)
	}
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].From != edges[j].From {
			return edges[i].From < edges[j].From
		}
		if edges[i].Kind != edges[j].Kind {
			return edges[i].Kind < edges[j].Kind
		}
		return edges[i].To < edges[j].To
	})

	levels, err := layer(nodes)
	if err != nil {
		return nil, err
	}
	return &Graph{nodes: nodes, levels: levels, edges: edges}, nil
}

// layer runs Kahn's algorithm, emitting one level per round with ids sorted
// so the result is deterministic.
func layer(nodes map[string]*Node) ([][]string, error) {
	remaining := make(map[string]int, len(nodes))
	for id, node := range nodes {
		remaining[id] = len(node.Dependencies)
	}
	var frontier []string
	for id, count := range remaining {
		if count == 0 {
			frontier = append(frontier, id)
		}
	}
	var levels [][]string
	placed := 0
	for len(frontier) > 0 {
		sort.Strings(frontier)
		level := frontier
		levels = append(levels, level)
		frontier = nil
		for _, id := range level {
			nodes[id].Level = len(levels) - 1
			delete(remaining, id)
			placed++
		}
		for _, id := range level {
			for _, dependent := range nodes[id].Dependents {
				remaining[dependent]--
				if remaining[dependent] == 0 {
					frontier = append(frontier, dependent)
				}
			}
		}
	}
	if placed != len(nodes) {
		return nil, &CyclicDependencyError{Cycle: findCycle(nodes, remaining)}
	}
	return levels, nil
}

// findCycle walks hard edges among the unplaced nodes, starting from the
// smallest id, until a node repeats.
func findCycle(nodes map[string]*Node, remaining map[string]int) []string {
	ids := make([]string, 0, len(remaining))
	for id := range remaining {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	const (
		unvisited = iota
		onStack
		done
	)
	state := make(map[string]int, len(ids))
	var stack []string
	var cycle []string
	var visit func(string) bool
	visit = func(id string) bool {
		state[id] = onStack
		stack = append(stack, id)
		for _, dep := range nodes[id].Dependencies {
			if _, pending := remaining[dep]; !pending {
				continue
			}
			switch state[dep] {
			case onStack:
				start := 0
				for i, member := range stack {
					if member == dep {
						start = i
						break
					}
				}
				cycle = append(append([]string(nil), stack[start:]...), dep)
				return true
			case unvisited:
				if visit(dep) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[id] = done
		return false
	}
	for _, id := range ids {
		if state[id] == unvisited && visit(id) {
			return cycle
		}
	}
	return ids
}

// Levels returns a copy of the level grouping.
func (g *Graph) Levels() [][]string {
	out := make([][]string, len(g.levels))
	for i, level := range g.levels {
		out[i] = append([]string(nil), level...)
	}
	return out
}

// Node returns a copy of the node for id.
func (g *Graph) Node(id string) (Node, bool) {
	node, ok := g.nodes[id]
	if !ok {
		return Node{}, false
	}
	return Node{
		ID:           node.ID,
		Level:        node.Level,
		Dependencies: append([]string(nil), node.Dependencies...),
		Advisory:     append([]string(nil), node.Advisory...),
		Dependents:   append([]string(nil), node.Dependents...),
	}, true
}

// Edges returns every edge sorted by source, kind, then target.
func (g *Graph) Edges() []Edge {
	return append([]Edge(nil), g.edges...)
}

// IDs returns every contract id in level order.
func (g *Graph) IDs() []string {
	var ids []string
	for _, level := range g.levels {
		ids = append(ids, level...)
	}
	return ids
}

// HardDependencies returns id's direct hard dependencies.
func (g *Graph) HardDependencies(id string) []string {
	if node, ok := g.nodes[id]; ok {
		return append([]string(nil), node.Dependencies...)
	}
	return nil
}

// SoftDependencies returns id's advisory dependencies within the graph.
func (g *Graph) SoftDependencies(id string) []string {
	if node, ok := g.nodes[id]; ok {
		return append([]string(nil), node.Advisory...)
	}
	return nil
}

// TransitiveDependents returns every contract that directly or indirectly
// hard-depends on id, sorted.
func (g *Graph) TransitiveDependents(id string) []string {
	seen := map[string]struct{}{}
	var walk func(string)
	walk = func(current string) {
		node, ok := g.nodes[current]
		if !ok {
			return
		}
		for _, dependent := range node.Dependents {
			if _, ok := seen[dependent]; ok {
				continue
			}
			seen[dependent] = struct{}{}
			walk(dependent)
		}
	}
	walk(id)
	out := make([]string, 0, len(seen))
	for dependent := range seen {
		out = append(out, dependent)
	}
	sort.Strings(out)
	return out
}

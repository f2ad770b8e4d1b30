package planner

import (
	"sort"

	"github.com/kingrea/forge/internal/compiler"
)

// order sorts targets so every target follows the targets it depends on and
// manifests follow every non-manifest target. Among ready targets the
// declaration order wins.
func order(contractID string, targets []compiler.Target) ([]compiler.Target, error) {
	index := make(map[string]int, len(targets))
	for i, target := range targets {
		index[target.ID] = i
	}
	deps := make([][]int, len(targets))
	for i, target := range targets {
		for _, dep := range target.DependsOn {
			if j, ok := index[dep]; ok && j != i {
				deps[i] = append(deps[i], j)
			}
		}
		if target.Manifest {
			for j, other := range targets {
				if !other.Manifest {
					deps[i] = append(deps[i], j)
				}
			}
		}
	}

	remaining := make([]int, len(targets))
	dependents := make([][]int, len(targets))
	for i := range targets {
		seen := map[int]struct{}{}
		for _, j := range deps[i] {
			if _, dup := seen[j]; dup {
				continue
			}
			seen[j] = struct{}{}
			remaining[i]++
			dependents[j] = append(dependents[j], i)
		}
	}
	var ready []int
	for i := range targets {
		if remaining[i] == 0 {
			ready = append(ready, i)
		}
	}
	out := make([]compiler.Target, 0, len(targets))
	for len(ready) > 0 {
		sort.Ints(ready)
		next := ready[0]
		ready = ready[1:]
		out = append(out, targets[next])
		for _, dependent := range dependents[next] {
			remaining[dependent]--
			if remaining[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
	}
	if len(out) == len(targets) {
		return out, nil
	}
	return nil, &TargetOrderError{ContractID: contractID, Cycle: findCycle(targets, deps, remaining)}
}

// findCycle walks unsatisfied dependencies from the first stuck target until
// a target repeats.
func findCycle(targets []compiler.Target, deps [][]int, remaining []int) []string {
	start := -1
	for i := range targets {
		if remaining[i] > 0 {
			start = i
			break
		}
	}
	if start < 0 {
		return nil
	}
	position := map[int]int{}
	var path []int
	current := start
	for {
		if at, seen := position[current]; seen {
			cycle := make([]string, 0, len(path)-at+1)
			for _, i := range path[at:] {
				cycle = append(cycle, targets[i].ID)
			}
			return append(cycle, targets[current].ID)
		}
		position[current] = len(path)
		path = append(path, current)
		next := -1
		for _, j := range deps[current] {
			if remaining[j] > 0 {
				next = j
				break
			}
		}
		if next < 0 {
			return nil
		}
		current = next
	}
}

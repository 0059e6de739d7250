// Package graph analyzes a pipeline's job dependency graph: cycle detection,
// missing-dependency reporting, and deterministic topological ordering.
// Grounded on original_source/jobs/dependency_manager.py, reworked from
// Python's recursive DFS into Go's explicit-state idiom.
package graph

import (
	"fmt"
	"strings"

	"pipelex/pkg/errs"
)

// Analyzer holds the adjacency map job_id -> deps, plus the declaration
// order used to break topological-sort ties deterministically.
type Analyzer struct {
	deps  map[string][]string
	order []string
}

// New builds an Analyzer from job ids in declaration order and their
// dependency lists.
func New(order []string, deps map[string][]string) *Analyzer {
	a := &Analyzer{deps: make(map[string][]string, len(deps)), order: append([]string(nil), order...)}
	for k, v := range deps {
		a.deps[k] = append([]string(nil), v...)
	}
	return a
}

// HasCycles runs DFS with a recursion stack over every node; on detection it
// returns true and the cycle path for diagnostics.
func (a *Analyzer) HasCycles() (bool, []string) {
	visited := map[string]bool{}
	onStack := map[string]bool{}
	var cyclePath []string

	var dfs func(node string, path []string) bool
	dfs = func(node string, path []string) bool {
		visited[node] = true
		onStack[node] = true
		path = append(path, node)
		for _, dep := range a.deps[node] {
			if _, exists := a.deps[dep]; !exists {
				continue // missing deps are reported separately
			}
			if !visited[dep] {
				if dfs(dep, path) {
					return true
				}
			} else if onStack[dep] {
				cyclePath = append(append([]string(nil), path...), dep)
				return true
			}
		}
		onStack[node] = false
		return false
	}

	for _, id := range a.order {
		if !visited[id] {
			if dfs(id, nil) {
				return true, cyclePath
			}
		}
	}
	return false, nil
}

// MissingDependencies returns, for every job that names a dependency id not
// present in the graph, the list of missing ids.
func (a *Analyzer) MissingDependencies() map[string][]string {
	result := map[string][]string{}
	for _, id := range a.order {
		var missing []string
		for _, dep := range a.deps[id] {
			if _, exists := a.deps[dep]; !exists {
				missing = append(missing, dep)
			}
		}
		if len(missing) > 0 {
			result[id] = missing
		}
	}
	return result
}

// TopologicalOrder returns a dependency-respecting order, ties broken by
// declaration order, using Kahn's algorithm seeded with a priority queue
// equivalent to "declaration order". Self-loops and cycles make this
// undefined; callers must check HasCycles first.
func (a *Analyzer) TopologicalOrder() []string {
	indegree := map[string]int{}
	children := map[string][]string{}
	for _, id := range a.order {
		indegree[id] = 0
	}
	for _, id := range a.order {
		for _, dep := range a.deps[id] {
			if _, exists := a.deps[dep]; !exists {
				continue
			}
			indegree[id]++
			children[dep] = append(children[dep], id)
		}
	}

	var ready []string
	for _, id := range a.order {
		if indegree[id] == 0 {
			ready = append(ready, id)
		}
	}

	pos := make(map[string]int, len(a.order))
	for i, id := range a.order {
		pos[id] = i
	}

	var result []string
	for len(ready) > 0 {
		// Pop the earliest-declared ready node for deterministic tie-break.
		best := 0
		for i := range ready {
			if pos[ready[i]] < pos[ready[best]] {
				best = i
			}
		}
		next := ready[best]
		ready = append(ready[:best], ready[best+1:]...)
		result = append(result, next)

		for _, id := range a.order {
			child := id
			for _, c := range children[next] {
				if c != child {
					continue
				}
				indegree[child]--
				if indegree[child] == 0 {
					ready = append(ready, child)
				}
			}
		}
	}
	return result
}

// TransitiveDependents returns every job that depends on id, directly or
// indirectly, in declaration order. Used to propagate a fail-fast failure to
// jobs that will never be dispatched this attempt.
func (a *Analyzer) TransitiveDependents(id string) []string {
	children := map[string][]string{}
	for _, jid := range a.order {
		for _, dep := range a.deps[jid] {
			children[dep] = append(children[dep], jid)
		}
	}

	reachable := map[string]bool{}
	queue := []string{id}
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		for _, child := range children[node] {
			if reachable[child] {
				continue
			}
			reachable[child] = true
			queue = append(queue, child)
		}
	}

	var result []string
	for _, jid := range a.order {
		if reachable[jid] {
			result = append(result, jid)
		}
	}
	return result
}

// Validate returns a GraphError if the graph has a cycle, or if there are
// missing dependencies and continueOnError is false.
func (a *Analyzer) Validate(continueOnError bool) error {
	if cyc, path := a.HasCycles(); cyc {
		return errs.Graph("dependency validation", fmt.Errorf("circular dependency detected: %s", strings.Join(path, " -> ")))
	}
	missing := a.MissingDependencies()
	if len(missing) > 0 && !continueOnError {
		var parts []string
		for _, id := range a.order {
			if m, ok := missing[id]; ok {
				parts = append(parts, fmt.Sprintf("%s -> %v", id, m))
			}
		}
		return errs.Graph("dependency validation", fmt.Errorf("missing dependencies: %s", strings.Join(parts, "; ")))
	}
	return nil
}

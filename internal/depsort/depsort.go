// Package depsort computes deterministic processing orders for dependency
// graphs. Output depends only on graph shape, never on input order: nodes are
// considered in ascending ID order and emitted pass by pass as their
// dependencies become satisfied. Cycles are not fatal; every node trapped in
// one is dropped and reported so callers can warn and continue.
package depsort

import (
	"slices"
)

// Node is one entry in the graph. Deps referencing IDs that are not part of
// the input set are ignored.
type Node struct {
	ID   string
	Deps []string
}

// Sort returns the processing order for nodes and the IDs (ascending) of any
// nodes dropped because they participate in or depend on a cycle.
func Sort(nodes []Node) (order []string, dropped []string) {
	pending := make([]Node, len(nodes))
	copy(pending, nodes)
	slices.SortFunc(pending, func(a, b Node) int {
		return compareID(a.ID, b.ID)
	})

	present := make(map[string]bool, len(pending))
	for _, n := range pending {
		present[n.ID] = true
	}

	emitted := make(map[string]bool, len(pending))
	order = make([]string, 0, len(pending))

	for len(pending) > 0 {
		var next []Node
		progressed := false
		for _, n := range pending {
			if ready(n, present, emitted) {
				order = append(order, n.ID)
				emitted[n.ID] = true
				progressed = true
				continue
			}
			next = append(next, n)
		}
		if !progressed {
			break
		}
		pending = next
	}

	for _, n := range pending {
		dropped = append(dropped, n.ID)
	}
	return order, dropped
}

func ready(n Node, present, emitted map[string]bool) bool {
	for _, dep := range n.Deps {
		if present[dep] && !emitted[dep] {
			return false
		}
	}
	return true
}

func compareID(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

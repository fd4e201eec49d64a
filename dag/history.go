// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package dag linearizes a commit causal order reachable from a head,
// grounded on the explicit-stack DAG walk in core/dag/horizon.go.
package dag

import (
	"github.com/luxfi/ids"

	"github.com/luxfi/stage/model"
)

// History performs a depth-first linearization of the commits reachable
// from head: each commit appears exactly once, and only after every one
// of its ancestors (its causal-order parents) already appears. The
// result is therefore oldest-first, with head as the last element —
// this is what makes ConflictSummarizer's offset arithmetic (history
// prefix == common ancestors) well-defined; see DESIGN.md.
func History(causal model.CausalOrder, head ids.ID) []ids.ID {
	visited := make(map[ids.ID]struct{})
	var out []ids.ID

	stack := []ids.ID{head}
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		if _, ok := visited[f]; ok {
			stack = stack[:len(stack)-1]
			continue
		}

		var pending []ids.ID
		for _, p := range causal.SortedParents(f) {
			if _, ok := visited[p]; !ok {
				pending = append(pending, p)
			}
		}

		if len(pending) > 0 {
			// f is not popped: it goes back on the stack underneath its
			// still-unvisited parents, which are pushed on top so they
			// are processed (and appended to out) before f is.
			base := append(stack[:len(stack)-1], f)
			stack = append(base, pending...)
			continue
		}

		visited[f] = struct{}{}
		out = append(out, f)
		stack = stack[:len(stack)-1]
	}
	return out
}

// Ancestors returns the set of commits reachable from roots, inclusive.
func Ancestors(causal model.CausalOrder, roots ...ids.ID) map[ids.ID]struct{} {
	seen := make(map[ids.ID]struct{})
	var stack []ids.ID
	stack = append(stack, roots...)
	for len(stack) > 0 {
		c := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		stack = append(stack, causal[c]...)
	}
	return seen
}

// IsAncestor reports whether x is an ancestor of y (inclusive of y itself).
func IsAncestor(causal model.CausalOrder, x, y ids.ID) bool {
	_, ok := Ancestors(causal, y)[x]
	return ok
}

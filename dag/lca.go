// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package dag

import (
	"github.com/luxfi/ids"

	"github.com/luxfi/stage/model"
)

// LCACut computes the lowest-common-ancestor frontier between the
// ancestor sets of a and b (spec §6 lowest_common_ancestors, restricted
// to the two-head case ConflictSummarizer needs): the common ancestors
// that are not themselves ancestors of another common ancestor.
func LCACut(causal model.CausalOrder, a, b ids.ID) []ids.ID {
	ancA := Ancestors(causal, a)
	ancB := Ancestors(causal, b)

	var common []ids.ID
	for id := range ancA {
		if _, ok := ancB[id]; ok {
			common = append(common, id)
		}
	}
	return Frontier(causal, common)
}

// Frontier returns the subset of candidates that are not ancestors of
// any other candidate — the maximal elements under the DAG's ancestor
// order. Used both by LCACut and by the metadata algebra's branch-head
// recomputation after a union (spec §6 update).
func Frontier(causal model.CausalOrder, candidates []ids.ID) []ids.ID {
	var out []ids.ID
	for _, c := range candidates {
		dominated := false
		for _, e := range candidates {
			if e == c {
				continue
			}
			if IsAncestor(causal, c, e) {
				dominated = true
				break
			}
		}
		if !dominated {
			out = append(out, c)
		}
	}
	return out
}

// IsolateBranch returns the ancestors of cut, inclusive — the common
// past shared by both sides (spec §6 isolate_branch).
func IsolateBranch(causal model.CausalOrder, cut []ids.ID) map[ids.ID]struct{} {
	return Ancestors(causal, cut...)
}

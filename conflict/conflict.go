// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package conflict computes the LCA cut between two diverging branch
// heads and packages the divergent commit histories on each side,
// grounded on the ancestor/frontier computation in core/dag/horizon.go
// (adapted from a single-frontier safe-prefix computation to a
// two-sided LCA cut).
package conflict

import (
	"context"

	"github.com/luxfi/ids"

	"github.com/luxfi/stage/blobstore"
	"github.com/luxfi/stage/cache"
	"github.com/luxfi/stage/dag"
	"github.com/luxfi/stage/evalfn"
	"github.com/luxfi/stage/materialize"
	"github.com/luxfi/stage/model"
	"github.com/luxfi/stage/stageerr"
)

// LoadedCommit is a materialized record of a commit object and its
// transactions, per spec §4.4's history_values.
type LoadedCommit struct {
	ID           ids.ID
	Transactions []model.TransactionRef
}

// Conflict is produced when a branch has more than one head: the value
// at the lowest common ancestor, and the two sides' divergent commits
// in oldest-first order (spec GLOSSARY).
type Conflict struct {
	LCAValue any
	CommitsA []LoadedCommit
	CommitsB []LoadedCommit
}

func historyValues(ctx context.Context, store blobstore.Store, causal model.CausalOrder, head ids.ID) ([]LoadedCommit, error) {
	order := dag.History(causal, head)
	out := make([]LoadedCommit, 0, len(order))
	for _, id := range order {
		c, err := materialize.GetCommit(ctx, store, id)
		if err != nil {
			return nil, err
		}
		out = append(out, LoadedCommit{ID: c.ID, Transactions: c.Transactions})
	}
	return out, nil
}

// Summarize implements ConflictSummarizer (spec §4.4) for a branch with
// two heads; a branch with more than two heads is summarized over its
// first two heads in byte order. An LCA cut with other than exactly one
// member is rejected with NonSingularLCAError unless allowMultiCut
// (OQ2, resolved as reject-by-default); with allowMultiCut the common
// past is the ancestors of every cut member.
func Summarize(ctx context.Context, store blobstore.Store, eval evalfn.Evaluator, c *cache.Cache, meta model.RepoMeta, branch string, allowMultiCut bool) (*Conflict, error) {
	heads := meta.Branches[branch].Sorted()
	if len(heads) < 2 {
		return nil, &stageerr.MissingConflictForSummaryError{Meta: meta, Branch: branch}
	}
	a, b := heads[0], heads[1]

	cut := dag.LCACut(meta.CausalOrder, a, b)
	if len(cut) != 1 && !allowMultiCut {
		return nil, &stageerr.NonSingularLCAError{Cut: cut}
	}

	common := dag.IsolateBranch(meta.CausalOrder, cut)
	offset := len(common)

	histA, err := historyValues(ctx, store, meta.CausalOrder, a)
	if err != nil {
		return nil, err
	}
	histB, err := historyValues(ctx, store, meta.CausalOrder, b)
	if err != nil {
		return nil, err
	}
	if offset == 0 || offset > len(histA) || offset > len(histB) {
		return nil, &stageerr.NonSingularLCAError{Cut: cut}
	}

	lcaValue, err := materialize.CommitValue(ctx, store, eval, c, meta.CausalOrder, histA[offset-1].ID)
	if err != nil {
		return nil, err
	}

	return &Conflict{
		LCAValue: lcaValue,
		CommitsA: histA[offset:],
		CommitsB: histB[offset:],
	}, nil
}

// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package materialize loads commit/transaction pairs from the blob
// store and folds them through the evaluator to produce branch values,
// grounded on the recursive certificate/skip classification shape of
// core/dag/flare.go, generalized from "classify a vertex" to "fold a
// commit's transactions over its predecessor's value".
package materialize

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"

	"github.com/luxfi/ids"

	"github.com/luxfi/stage/blobstore"
	"github.com/luxfi/stage/cache"
	"github.com/luxfi/stage/evalfn"
	"github.com/luxfi/stage/model"
	"github.com/luxfi/stage/stageerr"
)

// PutCommit serializes and stores a commit object at its own ID.
func PutCommit(ctx context.Context, store blobstore.Store, commit model.Commit) error {
	b, err := json.Marshal(commit)
	if err != nil {
		return fmt.Errorf("materialize: encode commit: %w", err)
	}
	return store.Assoc(ctx, commit.ID, b)
}

// GetCommit loads and deserializes a commit object.
func GetCommit(ctx context.Context, store blobstore.Store, id ids.ID) (model.Commit, error) {
	b, ok, err := store.Get(ctx, id)
	if err != nil {
		return model.Commit{}, err
	}
	if !ok {
		return model.Commit{}, fmt.Errorf("materialize: commit %s not found", id)
	}
	var c model.Commit
	if err := json.Unmarshal(b, &c); err != nil {
		return model.Commit{}, fmt.Errorf("materialize: decode commit: %w", err)
	}
	return c, nil
}

// PutValue content-addresses an arbitrary application value (used for
// transaction params and trans-fn source blobs).
func PutValue(ctx context.Context, store blobstore.Store, id ids.ID, value any) error {
	b, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("materialize: encode value: %w", err)
	}
	return store.Assoc(ctx, id, b)
}

// GetValue loads and decodes a content-addressed application value.
func GetValue(ctx context.Context, store blobstore.Store, id ids.ID) (any, error) {
	b, ok, err := store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("materialize: value %s not found", id)
	}
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, fmt.Errorf("materialize: decode value: %w", err)
	}
	return v, nil
}

// StoreBlobTrans implements the special blob-store-trans path (spec
// §4.3): the branch's value becomes the transacted blob itself. This is
// the transact_binary path (spec §4.8).
func StoreBlobTrans(_, params any) (any, error) {
	return params, nil
}

// applyTransaction resolves trans-fn (via the evaluator, or the
// blob-store marker) and folds it onto val.
func applyTransaction(ctx context.Context, store blobstore.Store, eval evalfn.Evaluator, val any, paramID, transFnID ids.ID) (any, error) {
	transFn, err := GetValue(ctx, store, transFnID)
	if err != nil {
		return nil, err
	}
	transFnName, _ := transFn.(string)

	params, err := GetValue(ctx, store, paramID)
	if err != nil {
		return nil, err
	}

	if transFnName == model.BlobStoreTransMarker {
		return StoreBlobTrans(val, params)
	}

	fn, err := eval.Resolve(transFnName)
	if err != nil {
		return nil, err
	}
	return fn(val, params)
}

// CommitValue returns the repository value at commit, defined by
// commit_value(c0) = ⊥ for a root, commit_value(c) =
// fold(trans_apply, commit_value(parent(c)), transactions(c)) for
// everyone else (spec §4.3). parent(c) for a merge is its first
// deterministically-sorted causal parent (OQ1's resolution, applied
// uniformly so the single- and multi-parent cases share one code path;
// see DESIGN.md).
//
// The implementation is iterative (an explicit chain, not recursion in
// the Go call stack) per spec §9's stack-safety requirement, and yields
// at each commit boundary via a context check standing in for the
// source's sleep-based yield.
func CommitValue(ctx context.Context, store blobstore.Store, eval evalfn.Evaluator, c *cache.Cache, causal model.CausalOrder, commit ids.ID) (any, error) {
	causalID := causal.ID()

	var chain []ids.ID
	var base any
	cur := commit
	for {
		key := cache.Key{EvalID: eval.ID(), CausalID: causalID, Commit: cur}
		if v, ok := c.Get(key); ok {
			base = v
			break
		}
		chain = append(chain, cur)
		parents := causal.SortedParents(cur)
		if len(parents) == 0 {
			base = nil // ⊥
			break
		}
		cur = parents[0]
	}

	// chain was accumulated head-to-root; fold root-to-head.
	for i := len(chain) - 1; i >= 0; i-- {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		id := chain[i]
		commitObj, err := GetCommit(ctx, store, id)
		if err != nil {
			return nil, err
		}
		val := base
		for _, tx := range commitObj.Transactions {
			val, err = applyTransaction(ctx, store, eval, val, tx.ParamID, tx.TransFnID)
			if err != nil {
				return nil, fmt.Errorf("materialize: commit %s: %w", id, err)
			}
		}
		base = val
		c.Put(cache.Key{EvalID: eval.ID(), CausalID: causalID, Commit: id}, base)
		runtime.Gosched()
	}
	return base, nil
}

// BranchValue materializes the unique head of branch and folds any
// staged transactions on top (spec §4.3). Fails with
// MultipleBranchHeadsError if the branch has more than one head.
func BranchValue(ctx context.Context, store blobstore.Store, eval evalfn.Evaluator, c *cache.Cache, meta model.RepoMeta, branch string, staged []model.StagedTransaction) (any, error) {
	heads := meta.Branches[branch].Sorted()
	if len(heads) > 1 {
		return nil, &stageerr.MultipleBranchHeadsError{Meta: meta, Branch: branch}
	}

	var val any
	if len(heads) == 1 {
		v, err := CommitValue(ctx, store, eval, c, meta.CausalOrder, heads[0])
		if err != nil {
			return nil, err
		}
		val = v
	}

	for _, tx := range staged {
		var err error
		if tx.TransFn == model.BlobStoreTransMarker {
			val, err = StoreBlobTrans(val, tx.Params)
		} else {
			var fn evalfn.Func
			fn, err = eval.Resolve(tx.TransFn)
			if err == nil {
				val, err = fn(val, tx.Params)
			}
		}
		if err != nil {
			return nil, fmt.Errorf("materialize: staged transaction: %w", err)
		}
	}
	return val, nil
}

// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package metadata is a concrete implementation of the external
// metadata algebra collaborator specified in spec §6
// (new_repository/fork/commit/merge/multiple_branch_heads?/update/
// lowest_common_ancestors/isolate_branch). Spec §1 treats this as an
// external collaborator; we supply a runnable implementation so the
// staging engine is exercisable end to end, grounded on
// core/dag/horizon.go's reachability algebra (dag.Frontier/dag.LCACut)
// generalized to branch and merge bookkeeping.
package metadata

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/luxfi/ids"

	"github.com/luxfi/stage/blobstore"
	"github.com/luxfi/stage/dag"
	"github.com/luxfi/stage/materialize"
	"github.com/luxfi/stage/model"
)

// NewRepoID returns a fresh content-independent repository identifier.
func NewRepoID() ids.ID {
	return sha256.Sum256([]byte(uuid.NewString()))
}

// CommitID content-addresses a commit by its parents and transactions,
// so the ID is reproducible from its content alone (spec §3).
func CommitID(parents []ids.ID, txs []model.TransactionRef) ids.ID {
	var buf bytes.Buffer
	for _, p := range sortByBytes(parents) {
		buf.Write(p[:])
	}
	buf.WriteByte(0)
	for _, tx := range txs {
		buf.Write(tx.ParamID[:])
		buf.Write(tx.TransFnID[:])
	}
	return sha256.Sum256(buf.Bytes())
}

func sortByBytes(in []ids.ID) []ids.ID {
	out := append([]ids.ID(nil), in...)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && bytes.Compare(out[j][:], out[j-1][:]) < 0; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// NewRepository constructs a new repository with a single root commit
// whose transaction sets the branch value to initVal via the
// blob-store-trans path (spec §4.8 create_repo).
func NewRepository(ctx context.Context, store blobstore.Store, initVal any, branch string) (model.RepoMeta, error) {
	paramID := sha256.Sum256([]byte(fmt.Sprintf("init-param-%s", uuid.NewString())))
	transFnID := sha256.Sum256([]byte(model.BlobStoreTransMarker))

	if err := materialize.PutValue(ctx, store, paramID, initVal); err != nil {
		return model.RepoMeta{}, err
	}
	if err := materialize.PutValue(ctx, store, transFnID, model.BlobStoreTransMarker); err != nil {
		return model.RepoMeta{}, err
	}

	txs := []model.TransactionRef{{ParamID: paramID, TransFnID: transFnID}}
	root := model.Commit{ID: CommitID(nil, txs), Transactions: txs}
	if err := materialize.PutCommit(ctx, store, root); err != nil {
		return model.RepoMeta{}, err
	}

	return model.RepoMeta{
		ID:          NewRepoID(),
		CausalOrder: model.CausalOrder{root.ID: nil},
		Branches:    map[string]model.BranchHeads{branch: {root.ID: {}}},
	}, nil
}

// Fork returns a copy of meta for installation under a new user's
// namespace; the repo-id is preserved (spec §4.8 fork: "a fork shares
// identity").
func Fork(meta model.RepoMeta) model.RepoMeta {
	return meta.Clone()
}

// Commit folds staged into a new commit whose parents are the current
// heads of branch, and advances branch to point only at the new
// commit (spec §4.8 commit).
func Commit(ctx context.Context, store blobstore.Store, meta model.RepoMeta, branch string, staged []model.StagedTransaction) (model.RepoMeta, model.Commit, error) {
	heads := meta.Branches[branch].Sorted()

	txs := make([]model.TransactionRef, 0, len(staged))
	for _, s := range staged {
		enc, err := json.Marshal(s.Params)
		if err != nil {
			return model.RepoMeta{}, model.Commit{}, fmt.Errorf("metadata: encode params: %w", err)
		}
		paramID := sha256.Sum256(enc)
		var transFnID ids.ID
		if s.TransFn == model.BlobStoreTransMarker {
			transFnID = sha256.Sum256([]byte(model.BlobStoreTransMarker))
		} else {
			transFnID = sha256.Sum256([]byte(s.TransFn))
		}
		if err := materialize.PutValue(ctx, store, paramID, s.Params); err != nil {
			return model.RepoMeta{}, model.Commit{}, err
		}
		if err := materialize.PutValue(ctx, store, transFnID, s.TransFn); err != nil {
			return model.RepoMeta{}, model.Commit{}, err
		}
		txs = append(txs, model.TransactionRef{ParamID: paramID, TransFnID: transFnID})
	}

	commit := model.Commit{ID: CommitID(heads, txs), Parents: heads, Transactions: txs}
	if err := materialize.PutCommit(ctx, store, commit); err != nil {
		return model.RepoMeta{}, model.Commit{}, err
	}

	next := meta.Clone()
	next.CausalOrder[commit.ID] = heads
	next.Branches[branch] = model.BranchHeads{commit.ID: {}}
	return next, commit, nil
}

// Merge creates a merge commit whose parents are headsOrder (controls
// contribution order within the divergent portion per spec §4.8
// merge), and unions the causal order with other's. The merge commit
// carries no transactions of its own, but it is still persisted to
// store like any other commit object so a later CommitValue/History
// walk (local or on a peer that fetches it) can resolve it.
func Merge(ctx context.Context, store blobstore.Store, meta, other model.RepoMeta, branch string, headsOrder []ids.ID) (model.RepoMeta, model.Commit, error) {
	merged := meta.Clone()
	merged.CausalOrder = merged.CausalOrder.Merge(other.CausalOrder)
	for name, heads := range other.Branches {
		if _, ok := merged.Branches[name]; !ok {
			merged.Branches[name] = model.BranchHeads{}
			for h := range heads {
				merged.Branches[name][h] = struct{}{}
			}
		}
	}

	commit := model.Commit{ID: CommitID(headsOrder, nil), Parents: headsOrder}
	if err := materialize.PutCommit(ctx, store, commit); err != nil {
		return model.RepoMeta{}, model.Commit{}, err
	}
	merged.CausalOrder[commit.ID] = headsOrder
	merged.Branches[branch] = model.BranchHeads{commit.ID: {}}
	return merged, commit, nil
}

// MultipleBranchHeads reports whether branch is in conflict.
func MultipleBranchHeads(meta model.RepoMeta, branch string) bool {
	return meta.MultipleBranchHeads(branch)
}

// Update merges incoming into current using CRDT-style union: causal
// orders only grow, and each branch's heads are recomputed as the
// frontier of the union of both sides' heads (spec §6 update).
func Update(current, incoming model.RepoMeta) model.RepoMeta {
	if current.CausalOrder == nil && current.Branches == nil {
		return incoming.Clone()
	}

	merged := current.Clone()
	merged.CausalOrder = merged.CausalOrder.Merge(incoming.CausalOrder)

	for name, heads := range incoming.Branches {
		existing := merged.Branches[name]
		union := make(map[ids.ID]struct{}, len(existing)+len(heads))
		for h := range existing {
			union[h] = struct{}{}
		}
		for h := range heads {
			union[h] = struct{}{}
		}
		candidates := make([]ids.ID, 0, len(union))
		for h := range union {
			candidates = append(candidates, h)
		}
		frontier := dag.Frontier(merged.CausalOrder, candidates)
		newHeads := make(model.BranchHeads, len(frontier))
		for _, h := range frontier {
			newHeads[h] = struct{}{}
		}
		merged.Branches[name] = newHeads
	}
	return merged
}

// LowestCommonAncestors delegates to the dag package's LCA frontier
// computation, restricted to single-commit heads on each side per spec
// §4.4's use of this collaborator.
func LowestCommonAncestors(causal model.CausalOrder, a, b ids.ID) []ids.ID {
	return dag.LCACut(causal, a, b)
}

// IsolateBranch delegates to dag.IsolateBranch.
func IsolateBranch(causal model.CausalOrder, cut []ids.ID) map[ids.ID]struct{} {
	return dag.IsolateBranch(causal, cut)
}

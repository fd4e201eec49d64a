// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package model defines the data model shared by the staging engine:
// commits, causal orders, repository metadata and staged transactions.
package model

import (
	"bytes"
	"crypto/sha256"
	"sort"

	"github.com/luxfi/ids"
)

// BlobStoreTransMarker is the special trans-fn identifier that routes a
// transaction through the blob-store path instead of the evaluator.
const BlobStoreTransMarker = "lux.stage/store-blob-trans"

// TransactionRef is a committed (content-addressed) transaction: the
// params and trans-fn are both blobs already resident in the store.
type TransactionRef struct {
	ParamID   ids.ID
	TransFnID ids.ID
}

// StagedTransaction is an uncommitted transaction: params are the raw
// application value and TransFn is the evaluator-resolvable identifier
// (or BlobStoreTransMarker).
type StagedTransaction struct {
	Params  any
	TransFn string
}

// Commit is the immutable object addressed by a commit-id.
type Commit struct {
	ID           ids.ID
	Parents      []ids.ID
	Transactions []TransactionRef
}

// CausalOrder maps a commit-id to its parents. The DAG is acyclic.
type CausalOrder map[ids.ID][]ids.ID

// SortedParents returns the parents of c in deterministic (byte-order)
// order, resolving OQ1: map/slice iteration order is never relied upon.
func (co CausalOrder) SortedParents(c ids.ID) []ids.ID {
	parents := append([]ids.ID(nil), co[c]...)
	sort.Slice(parents, func(i, j int) bool {
		return bytes.Compare(parents[i][:], parents[j][:]) < 0
	})
	return parents
}

// ID is a content-address of the causal order, used to key the
// commit-value cache (I6: the cache is globally valid for a given
// evaluator because it is keyed by content, not by map identity).
func (co CausalOrder) ID() ids.ID {
	ids2 := make([]ids.ID, 0, len(co))
	for id := range co {
		ids2 = append(ids2, id)
	}
	sort.Slice(ids2, func(i, j int) bool {
		return bytes.Compare(ids2[i][:], ids2[j][:]) < 0
	})
	var buf bytes.Buffer
	for _, id := range ids2 {
		buf.Write(id[:])
		for _, p := range co.SortedParents(id) {
			buf.Write(p[:])
		}
		buf.WriteByte(0)
	}
	return sha256.Sum256(buf.Bytes())
}

// Merge returns the union of two causal orders (CRDT-style: parent sets
// only ever grow). Used by the reference metadata algebra's update.
func (co CausalOrder) Merge(other CausalOrder) CausalOrder {
	out := make(CausalOrder, len(co)+len(other))
	for id, parents := range co {
		out[id] = parents
	}
	for id, parents := range other {
		if existing, ok := out[id]; ok {
			out[id] = unionIDs(existing, parents)
			continue
		}
		out[id] = parents
	}
	return out
}

func unionIDs(a, b []ids.ID) []ids.ID {
	seen := make(map[ids.ID]struct{}, len(a)+len(b))
	out := make([]ids.ID, 0, len(a)+len(b))
	for _, id := range a {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	for _, id := range b {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}

// BranchHeads is the set of commit-ids at the tip of a branch. Len > 1
// means the branch is in conflict.
type BranchHeads map[ids.ID]struct{}

// Sorted returns the heads in deterministic byte order.
func (h BranchHeads) Sorted() []ids.ID {
	out := make([]ids.ID, 0, len(h))
	for id := range h {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i][:], out[j][:]) < 0
	})
	return out
}

// RepoMeta is repository metadata: the causal order and the branch
// heads, gossiped between peers and merged by the metadata algebra.
type RepoMeta struct {
	ID          ids.ID
	CausalOrder CausalOrder
	Branches    map[string]BranchHeads
}

// Clone returns a deep-enough copy for CAS-style atomic updates.
func (m RepoMeta) Clone() RepoMeta {
	causal := make(CausalOrder, len(m.CausalOrder))
	for id, parents := range m.CausalOrder {
		causal[id] = append([]ids.ID(nil), parents...)
	}
	branches := make(map[string]BranchHeads, len(m.Branches))
	for name, heads := range m.Branches {
		h := make(BranchHeads, len(heads))
		for id := range heads {
			h[id] = struct{}{}
		}
		branches[name] = h
	}
	return RepoMeta{ID: m.ID, CausalOrder: causal, Branches: branches}
}

// MultipleBranchHeads reports whether branch has more than one head.
func (m RepoMeta) MultipleBranchHeads(branch string) bool {
	return len(m.Branches[branch]) > 1
}

// Op tags the last sync operation performed against a repo in the
// current cycle. OQ4: resolved as per-repo, not per-branch.
type Op int

const (
	OpNone Op = iota
	OpMetaPub
	OpMetaSub
)

// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package state is the stage's observable in-memory state (spec §3,
// §4.6): a user -> repo-id -> RepoEntry map with atomic mutators,
// grounded on context/context.go's sync.RWMutex-guarded Context,
// generalized from a single struct's field-lock to a CAS loop over an
// immutable Snapshot (spec §9 "atomic root state").
package state

import (
	"sync"
	"sync/atomic"

	"github.com/luxfi/ids"

	"github.com/luxfi/stage/model"
	"github.com/luxfi/stage/stageerr"
)

// RepoEntry is the per-(user,repo) record (spec §3).
type RepoEntry struct {
	Meta         model.RepoMeta
	Transactions map[string][]model.StagedTransaction
	NewValues    map[string]map[ids.ID][]byte
	Op           model.Op
}

func (e RepoEntry) clone() RepoEntry {
	txs := make(map[string][]model.StagedTransaction, len(e.Transactions))
	for b, t := range e.Transactions {
		txs[b] = append([]model.StagedTransaction(nil), t...)
	}
	nv := make(map[string]map[ids.ID][]byte, len(e.NewValues))
	for b, m := range e.NewValues {
		cp := make(map[ids.ID][]byte, len(m))
		for id, v := range m {
			cp[id] = v
		}
		nv[b] = cp
	}
	return RepoEntry{Meta: e.Meta.Clone(), Transactions: txs, NewValues: nv, Op: e.Op}
}

// Subs is `user -> repo-id -> set<branch>` (spec §3 config.subs).
type Subs map[string]map[ids.ID]map[string]struct{}

func (s Subs) clone() Subs {
	out := make(Subs, len(s))
	for user, repos := range s {
		r := make(map[ids.ID]map[string]struct{}, len(repos))
		for id, branches := range repos {
			b := make(map[string]struct{}, len(branches))
			for name := range branches {
				b[name] = struct{}{}
			}
			r[id] = b
		}
		out[user] = r
	}
	return out
}

// Snapshot is the stage's immutable root value (spec §9 "a compare-and
// -swap cell containing an immutable snapshot").
type Snapshot struct {
	Repos map[string]map[ids.ID]RepoEntry
	Subs  Subs
}

func emptySnapshot() *Snapshot {
	return &Snapshot{Repos: map[string]map[ids.ID]RepoEntry{}, Subs: Subs{}}
}

func (s *Snapshot) clone() *Snapshot {
	repos := make(map[string]map[ids.ID]RepoEntry, len(s.Repos))
	for user, rs := range s.Repos {
		m := make(map[ids.ID]RepoEntry, len(rs))
		for id, e := range rs {
			m[id] = e.clone()
		}
		repos[user] = m
	}
	return &Snapshot{Repos: repos, Subs: s.Subs.clone()}
}

// State holds the CAS-swapped root snapshot. append_transactions
// additionally serializes against concurrent abort decisions (spec
// §4.6, §5 "a mutex around the append-transactions / check-abort
// critical section"), so State carries one process-local mutex for
// that critical section on top of the lock-free swap used elsewhere.
type State struct {
	root     atomic.Pointer[Snapshot]
	appendMu sync.Mutex
}

// New returns an empty stage state.
func New() *State {
	s := &State{}
	s.root.Store(emptySnapshot())
	return s
}

// Snapshot returns the current immutable root value.
func (s *State) Snapshot() *Snapshot {
	return s.root.Load()
}

// swap performs a read-modify-write CAS loop: mutate reads the current
// snapshot and returns the next one (or an error to abort the swap
// without mutating state).
func (s *State) swap(mutate func(*Snapshot) (*Snapshot, error)) error {
	for {
		cur := s.root.Load()
		next, err := mutate(cur)
		if err != nil {
			return err
		}
		if s.root.CompareAndSwap(cur, next) {
			return nil
		}
	}
}

// InstallRepo installs entry at stage[user][id], failing with
// RepoAlreadyExistsError if already present (spec §4.6, used by
// fork!/create_repo!).
func (s *State) InstallRepo(user string, id ids.ID, entry RepoEntry, subs map[string]struct{}) error {
	return s.swap(func(cur *Snapshot) (*Snapshot, error) {
		if repos, ok := cur.Repos[user]; ok {
			if _, exists := repos[id]; exists {
				return nil, &stageerr.RepoAlreadyExistsError{User: user, RepoID: id}
			}
		}
		next := cur.clone()
		if next.Repos[user] == nil {
			next.Repos[user] = map[ids.ID]RepoEntry{}
		}
		next.Repos[user][id] = entry.clone()

		if next.Subs[user] == nil {
			next.Subs[user] = map[ids.ID]map[string]struct{}{}
		}
		branches := make(map[string]struct{}, len(subs))
		for b := range subs {
			branches[b] = struct{}{}
		}
		next.Subs[user][id] = branches
		return next, nil
	})
}

// AppendTransactions concatenates txs onto stage[user][id].transactions[branch]
// (spec §4.6 append_transactions). Serialized by appendMu so it appears
// atomic with respect to StageLoop's abort check (§4.7 step 2).
func (s *State) AppendTransactions(user string, id ids.ID, branch string, txs []model.StagedTransaction) error {
	s.appendMu.Lock()
	defer s.appendMu.Unlock()

	return s.swap(func(cur *Snapshot) (*Snapshot, error) {
		next := cur.clone()
		repos := next.Repos[user]
		if repos == nil {
			repos = map[ids.ID]RepoEntry{}
			next.Repos[user] = repos
		}
		entry := repos[id]
		if entry.Transactions == nil {
			entry.Transactions = map[string][]model.StagedTransaction{}
		}
		entry.Transactions[branch] = append(append([]model.StagedTransaction(nil), entry.Transactions[branch]...), txs...)
		repos[id] = entry
		return next, nil
	})
}

// TakeAndClearTransactions atomically reads and clears the staged
// transactions for (user, id, branch), used by StageLoop's abort check
// under the same append-transactions critical section (spec §4.7 step 2).
func (s *State) TakeAndClearTransactions(user string, id ids.ID, branch string) []model.StagedTransaction {
	s.appendMu.Lock()
	defer s.appendMu.Unlock()

	var taken []model.StagedTransaction
	_ = s.swap(func(cur *Snapshot) (*Snapshot, error) {
		next := cur.clone()
		repos := next.Repos[user]
		if repos == nil {
			return next, nil
		}
		entry := repos[id]
		taken = entry.Transactions[branch]
		if entry.Transactions != nil {
			entry.Transactions[branch] = nil
		}
		repos[id] = entry
		return next, nil
	})
	return taken
}

// CleanupOpsAndNewValues zeroes op and new-values for every (user,
// repo, branch) named in metas (spec §4.6 cleanup_ops_and_new_values).
func (s *State) CleanupOpsAndNewValues(metas map[string]map[ids.ID][]string) error {
	return s.swap(func(cur *Snapshot) (*Snapshot, error) {
		next := cur.clone()
		for user, repos := range metas {
			for id, branches := range repos {
				entry, ok := next.Repos[user][id]
				if !ok {
					continue
				}
				entry.Op = model.OpNone
				if entry.NewValues == nil {
					entry.NewValues = map[string]map[ids.ID][]byte{}
				}
				for _, b := range branches {
					entry.NewValues[b] = nil
				}
				next.Repos[user][id] = entry
			}
		}
		return next, nil
	})
}

// ApplyMetaPub merges each incoming RepoMeta into stage[user][id].meta
// using the metadata algebra's CRDT union (spec §4.6 apply_meta_pub).
// merge is the external metadata algebra's Update function, passed in
// to avoid an import cycle with the metadata package. Returns, per
// (user, id), whether the merged meta differs from the prior one
// (P7: a causally-equal incoming meta must not trigger a rewrite
// downstream).
func (s *State) ApplyMetaPub(metas map[string]map[ids.ID]model.RepoMeta, merge func(old, incoming model.RepoMeta) model.RepoMeta) (map[string]map[ids.ID]bool, error) {
	changed := make(map[string]map[ids.ID]bool)
	err := s.swap(func(cur *Snapshot) (*Snapshot, error) {
		next := cur.clone()
		for user, repos := range metas {
			if changed[user] == nil {
				changed[user] = map[ids.ID]bool{}
			}
			for id, incoming := range repos {
				if next.Repos[user] == nil {
					next.Repos[user] = map[ids.ID]RepoEntry{}
				}
				entry, ok := next.Repos[user][id]
				if !ok {
					entry = RepoEntry{Meta: incoming}
					next.Repos[user][id] = entry
					changed[user][id] = true
					continue
				}
				merged := merge(entry.Meta, incoming)
				changed[user][id] = merged.CausalOrder.ID() != entry.Meta.CausalOrder.ID()
				entry.Meta = merged
				next.Repos[user][id] = entry
			}
		}
		return next, nil
	})
	return changed, err
}

// ApplyLocalChange writes the result of a local commit/merge back into
// stage[user][id]: the new meta, the op tag that marks it for the next
// sync! (spec §4.6 refers to op as what cleanup_ops_and_new_values
// clears; the entry passed to InstallRepo and this mutator are what set
// it), and the blobs the operation produced, unioned into
// new-values[branch] for later :fetch/:binary-fetch serving (spec §3
// "new-values... blobs produced locally by commit/fork/merge").
func (s *State) ApplyLocalChange(user string, id ids.ID, meta model.RepoMeta, op model.Op, branch string, blobs map[ids.ID][]byte) error {
	return s.swap(func(cur *Snapshot) (*Snapshot, error) {
		next := cur.clone()
		if next.Repos[user] == nil {
			next.Repos[user] = map[ids.ID]RepoEntry{}
		}
		entry := next.Repos[user][id]
		entry.Meta = meta
		entry.Op = op
		if entry.NewValues == nil {
			entry.NewValues = map[string]map[ids.ID][]byte{}
		}
		merged := make(map[ids.ID][]byte, len(entry.NewValues[branch])+len(blobs))
		for k, v := range entry.NewValues[branch] {
			merged[k] = v
		}
		for k, v := range blobs {
			merged[k] = v
		}
		entry.NewValues[branch] = merged
		next.Repos[user][id] = entry
		return next, nil
	})
}

// Remove deletes the listed (user, repo-id) pairs from the stage and
// from config.subs (spec §4.6 remove).
func (s *State) Remove(repos map[string][]ids.ID) error {
	return s.swap(func(cur *Snapshot) (*Snapshot, error) {
		next := cur.clone()
		for user, ids2 := range repos {
			for _, id := range ids2 {
				delete(next.Repos[user], id)
				delete(next.Subs[user], id)
			}
		}
		return next, nil
	})
}

// SetSubs replaces config.subs[user] wholesale (spec §4.8
// subscribe_repos: "replaces the subscription set, not additive").
func (s *State) SetSubs(user string, subs map[ids.ID]map[string]struct{}) error {
	return s.swap(func(cur *Snapshot) (*Snapshot, error) {
		next := cur.clone()
		cp := make(map[ids.ID]map[string]struct{}, len(subs))
		for id, branches := range subs {
			b := make(map[string]struct{}, len(branches))
			for name := range branches {
				b[name] = struct{}{}
			}
			cp[id] = b
		}
		next.Subs[user] = cp
		return next, nil
	})
}

// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package stageloop implements StageLoop (spec §4.7): on every inbound
// :meta-pub it merges metadata, recomputes affected branch values or
// conflicts, handles staged-transaction abort, and pushes the new
// observable stage value on a sliding-buffer-1 channel. Grounded on
// networking/router/chain_router.go as the closest teacher analogue of
// a central message-dispatch loop ("HandleInbound", "AppGossip"),
// re-specialized to :meta-pub handling.
package stageloop

import (
	"context"
	"sync"

	"github.com/luxfi/ids"
	"github.com/luxfi/log"

	"github.com/luxfi/stage/blobstore"
	"github.com/luxfi/stage/cache"
	"github.com/luxfi/stage/conflict"
	"github.com/luxfi/stage/evalfn"
	"github.com/luxfi/stage/materialize"
	"github.com/luxfi/stage/metadata"
	"github.com/luxfi/stage/model"
	"github.com/luxfi/stage/state"
	"github.com/luxfi/stage/wire"
)

// Abort is produced when incoming remote history invalidates locally
// staged transactions (spec GLOSSARY, §4.7 step 2).
type Abort struct {
	NewValue any
	Aborted  []model.StagedTransaction
}

// StageValue is the observable stage value: user -> repo-id -> branch
// -> (plain value | *conflict.Conflict | Abort) (spec §4.7 step 3).
type StageValue map[string]map[ids.ID]map[string]any

func cloneStageValue(v StageValue) StageValue {
	out := make(StageValue, len(v))
	for user, repos := range v {
		r := make(map[ids.ID]map[string]any, len(repos))
		for id, branches := range repos {
			b := make(map[string]any, len(branches))
			for name, val := range branches {
				b[name] = val
			}
			r[id] = b
		}
		out[user] = r
	}
	return out
}

func setStageValue(v StageValue, user string, id ids.ID, branch string, val any) {
	if v[user] == nil {
		v[user] = map[ids.ID]map[string]any{}
	}
	if v[user][id] == nil {
		v[user][id] = map[string]any{}
	}
	v[user][id][branch] = val
}

func abortOf(v StageValue, user string, id ids.ID, branch string) (Abort, bool) {
	branches, ok := v[user][id]
	if !ok {
		return Abort{}, false
	}
	a, ok := branches[branch].(Abort)
	return a, ok
}

// Loop is StageLoop: it owns the stage's observable value stream.
type Loop struct {
	state *state.State
	store blobstore.Store
	eval  evalfn.Evaluator
	cache *cache.Cache
	log   log.Logger

	mu    sync.Mutex
	last  StageValue
	valCh chan StageValue
}

// New returns a Loop reading/writing st and materializing values
// through store/eval/cache.
func New(st *state.State, store blobstore.Store, eval evalfn.Evaluator, c *cache.Cache, logger log.Logger) *Loop {
	return &Loop{
		state: st,
		store: store,
		eval:  eval,
		cache: c,
		log:   logger,
		last:  StageValue{},
		valCh: make(chan StageValue, 1),
	}
}

// Values returns the sliding-buffer-1 observable value stream (spec
// §4.7 step 4, §5 "the value stream emits at most the latest snapshot").
func (l *Loop) Values() <-chan StageValue {
	return l.valCh
}

// HandleMetaPub reacts to one inbound :meta-pub envelope (spec §4.7).
// It always replies :meta-pubed, even when nothing changed (P7: a
// causally-equal incoming meta must not rewrite val_atom, but the ack
// is unconditional per step 5).
func (l *Loop) HandleMetaPub(ctx context.Context, peer wire.Peer, stageID ids.NodeID, env wire.Envelope) error {
	changed, err := l.state.ApplyMetaPub(env.Metas, metadata.Update)
	if err != nil {
		return err
	}

	// OQ3 (resolved as documented eventual consistency): oldVal is
	// snapshotted here, outside any lock shared with the state.ApplyMetaPub
	// CAS above. A concurrent HandleMetaPub or reader may therefore see a
	// stale combination of (merged meta, prior observable value); this
	// favors liveness over strict linearizability, per spec §9 OQ3.
	l.mu.Lock()
	oldVal := l.last
	l.mu.Unlock()

	newVal := cloneStageValue(oldVal)
	snap := l.state.Snapshot()
	anyChanged := false

	for user, repos := range changed {
		for id, didChange := range repos {
			if !didChange {
				continue
			}
			anyChanged = true
			entry := snap.Repos[user][id]
			for branch := range entry.Meta.Branches {
				val, err := l.materializeBranch(ctx, entry.Meta, branch)
				if err != nil {
					l.log.Warn("stageloop: failed to materialize branch after meta-pub",
						"user", user, "repo", id, "branch", branch, "error", err)
					continue
				}

				taken := l.state.TakeAndClearTransactions(user, id, branch)
				var aborted []model.StagedTransaction
				switch {
				case len(taken) > 0:
					if prev, ok := abortOf(oldVal, user, id, branch); ok {
						aborted = append(append([]model.StagedTransaction(nil), prev.Aborted...), taken...)
					} else {
						aborted = taken
					}
				default:
					if prev, ok := abortOf(oldVal, user, id, branch); ok {
						aborted = prev.Aborted
					}
				}

				if len(aborted) > 0 {
					setStageValue(newVal, user, id, branch, Abort{NewValue: val, Aborted: aborted})
				} else {
					setStageValue(newVal, user, id, branch, val)
				}
			}
		}
	}

	if anyChanged {
		l.mu.Lock()
		l.last = newVal
		l.mu.Unlock()
		l.push(newVal)
	}

	return peer.Send(wire.Envelope{Topic: wire.TopicMetaPubed, Peer: stageID})
}

// SetBranchValue overwrites the observable value for (user, id, branch)
// and pushes it, bypassing the meta-pub merge path — used by
// PublicAPI's transact (spec §4.8: "materializes the new branch value,
// and publishes on val_ch" without going through StageLoop, since
// transact never changes metadata).
func (l *Loop) SetBranchValue(user string, id ids.ID, branch string, val any) {
	l.mu.Lock()
	newVal := cloneStageValue(l.last)
	setStageValue(newVal, user, id, branch, val)
	l.last = newVal
	l.mu.Unlock()
	l.push(newVal)
}

// materializeBranch produces the branch_value or Conflict for branch,
// without folding in staged transactions — those are either cleared as
// aborted or, if absent, left for a subsequent transact/commit call
// (spec §4.7 step 2 computes the value from the new history alone).
func (l *Loop) materializeBranch(ctx context.Context, meta model.RepoMeta, branch string) (any, error) {
	if metadata.MultipleBranchHeads(meta, branch) {
		return conflict.Summarize(ctx, l.store, l.eval, l.cache, meta, branch, false)
	}
	heads := meta.Branches[branch].Sorted()
	if len(heads) == 0 {
		return nil, nil
	}
	return materialize.CommitValue(ctx, l.store, l.eval, l.cache, meta.CausalOrder, heads[0])
}

// push replaces any unconsumed value with v (sliding buffer 1).
func (l *Loop) push(v StageValue) {
	select {
	case <-l.valCh:
	default:
	}
	l.valCh <- v
}

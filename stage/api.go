// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package stage is PublicAPI (spec §4.8): the facade applications
// import to create a stage, create/fork/subscribe to repositories,
// stage and commit transactions, merge, and connect to a peer.
// Grounded on engine/dag/engine.go's Engine interface as the top-level
// facade shape (a handle exposing lifecycle plus domain operations).
package stage

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/luxfi/ids"
	"github.com/luxfi/log"

	"github.com/luxfi/stage/blobstore"
	"github.com/luxfi/stage/cache"
	"github.com/luxfi/stage/config"
	"github.com/luxfi/stage/evalfn"
	"github.com/luxfi/stage/materialize"
	"github.com/luxfi/stage/metadata"
	"github.com/luxfi/stage/model"
	"github.com/luxfi/stage/stageerr"
	"github.com/luxfi/stage/stageloop"
	"github.com/luxfi/stage/state"
	dsync "github.com/luxfi/stage/sync"
	"github.com/luxfi/stage/wire"
)

// Stage is the PublicAPI handle for a single user's session against one
// peer (spec §4.8 create_stage).
type Stage struct {
	user    string
	peer    wire.Peer
	eval    evalfn.Evaluator
	store   blobstore.Store
	params  config.Parameters
	log     log.Logger
	stageID ids.NodeID

	state  *state.State
	cache  *cache.Cache
	loop   *stageloop.Loop
	driver *dsync.Driver

	hub    *hub
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// CreateStage allocates a stage for user speaking to peer with eval as
// its transaction-function resolver, registers the blob-store-trans
// marker implicitly (materialize recognizes it without registration),
// and starts StageLoop's background dispatch (spec §4.8 create_stage).
func CreateStage(ctx context.Context, user string, peer wire.Peer, eval evalfn.Evaluator, store blobstore.Store, params config.Parameters, logger log.Logger) (*Stage, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}

	st := state.New()
	c := cache.New(params.CommitValueCacheSize)
	loop := stageloop.New(st, store, eval, c, logger)
	driver := dsync.NewDriver(logger, params)
	stageID := newStageID()

	runCtx, cancel := context.WithCancel(ctx)
	s := &Stage{
		user:    user,
		peer:    peer,
		eval:    eval,
		store:   store,
		params:  params,
		log:     logger,
		stageID: stageID,
		state:   st,
		cache:   c,
		loop:    loop,
		driver:  driver,
		cancel:  cancel,
	}
	s.hub = newHub(peer, loop, stageID, logger)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.hub.run(runCtx)
	}()

	return s, nil
}

// newStageID derives a content-independent node identifier the same
// way metadata.NewRepoID derives a repo-id: the pack has no production
// NodeID constructor (only test helpers like ids.GenerateTestNodeID),
// so a fresh UUID hashed to the ID's byte shape is the grounded
// equivalent for a stage's own host tag (spec §6 "host tag identifying
// the stage").
func newStageID() ids.NodeID {
	sum := sha256.Sum256([]byte(uuid.NewString()))
	var id ids.NodeID
	copy(id[:], sum[:])
	return id
}

// Close stops the stage's background dispatch loop (spec §5 "Inbound
// channels are closed when the stage is dropped").
func (s *Stage) Close() {
	s.cancel()
	s.wg.Wait()
}

// Values returns the observable stage value stream (val_ch, §4.7).
func (s *Stage) Values() <-chan stageloop.StageValue {
	return s.loop.Values()
}

// RepoMeta returns the current repository metadata for repoID under
// this stage's own user, for callers assembling a Merge argument or
// otherwise inspecting causal-order/branch state directly.
func (s *Stage) RepoMeta(repoID ids.ID) (model.RepoMeta, bool) {
	entry, ok := s.state.Snapshot().Repos[s.user][repoID]
	return entry.Meta, ok
}

// CreateRepo constructs a new repository, installs it locally, and
// publishes it to the peer (spec §4.8 create_repo).
func (s *Stage) CreateRepo(ctx context.Context, initVal any, branch string) (ids.ID, error) {
	meta, err := metadata.NewRepository(ctx, s.store, initVal, branch)
	if err != nil {
		return ids.Empty, err
	}

	root := meta.Branches[branch].Sorted()[0]
	commit, err := materialize.GetCommit(ctx, s.store, root)
	if err != nil {
		return ids.Empty, err
	}
	blobs, err := collectNewValues(ctx, s.store, commit)
	if err != nil {
		return ids.Empty, err
	}

	entry := state.RepoEntry{
		Meta:      meta,
		Op:        model.OpMetaPub,
		NewValues: map[string]map[ids.ID][]byte{branch: blobs},
	}
	if err := s.state.InstallRepo(s.user, meta.ID, entry, map[string]struct{}{branch: {}}); err != nil {
		return ids.Empty, err
	}
	if err := s.recomputeAndPush(ctx, meta.ID, branch); err != nil {
		return ids.Empty, err
	}

	if err := s.publish(ctx, map[ids.ID][]string{meta.ID: {branch}}); err != nil {
		return ids.Empty, err
	}
	return meta.ID, nil
}

// Fork takes a fork of fromUser's repoID into this stage's own user
// namespace, preserving repoID (spec §4.8 fork).
func (s *Stage) Fork(ctx context.Context, fromUser string, repoID ids.ID, branch string) error {
	snap := s.state.Snapshot()
	source, ok := snap.Repos[fromUser][repoID]
	if !ok {
		return fmt.Errorf("stage: fork: repo %s not visible under user %q", repoID, fromUser)
	}

	forked := metadata.Fork(source.Meta)
	entry := state.RepoEntry{Meta: forked, Op: model.OpMetaPub}
	if err := s.state.InstallRepo(s.user, repoID, entry, map[string]struct{}{branch: {}}); err != nil {
		var exists *stageerr.RepoAlreadyExistsError
		if errors.As(err, &exists) {
			return &stageerr.ForkingImpossibleError{User: s.user, RepoID: repoID}
		}
		return err
	}
	if err := s.recomputeAndPush(ctx, repoID, branch); err != nil {
		return err
	}

	return s.publish(ctx, map[ids.ID][]string{repoID: {branch}})
}

// SubscribeRepos replaces the subscription set wholesale (spec §4.8
// subscribe_repos). subs is repo-id -> branch names.
func (s *Stage) SubscribeRepos(ctx context.Context, subs map[ids.ID][]string) error {
	subSet := make(map[ids.ID]map[string]struct{}, len(subs))
	keys := wire.RepoMetas{s.user: {}}
	for id, branches := range subs {
		b := make(map[string]struct{}, len(branches))
		for _, name := range branches {
			b[name] = struct{}{}
		}
		subSet[id] = b
		keys[s.user][id] = model.RepoMeta{}
	}

	if err := s.state.SetSubs(s.user, subSet); err != nil {
		return err
	}

	subedCh, cancelSubed := s.hub.subscribe(wire.TopicMetaSubed)
	defer cancelSubed()
	if err := s.peer.Send(wire.Envelope{Topic: wire.TopicMetaSub, Peer: s.stageID, Metas: keys}); err != nil {
		return err
	}
	if err := waitFor(ctx, subedCh, func(wire.Envelope) bool { return true }); err != nil {
		return err
	}

	if err := s.peer.Send(wire.Envelope{Topic: wire.TopicMetaPubReq, Peer: s.stageID, Metas: keys}); err != nil {
		return err
	}

	return s.pollUntilPresent(ctx, subs)
}

// pollUntilPresent blocks until every subscribed repo-id is present in
// the stage, polling at params.PollInterval (spec §4.8 subscribe_repos:
// "Blocks... polling at 100 ms").
func (s *Stage) pollUntilPresent(ctx context.Context, subs map[ids.ID][]string) error {
	ticker := time.NewTicker(s.params.PollInterval)
	defer ticker.Stop()

	for {
		entries := s.state.Snapshot().Repos[s.user]
		allPresent := true
		for id := range subs {
			if _, ok := entries[id]; !ok {
				allPresent = false
				break
			}
		}
		if allPresent {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RemoveRepos removes repoIDs from the stage and narrows the peer's
// publication filter by re-subscribing to what remains (spec §4.8
// remove_repos).
func (s *Stage) RemoveRepos(ctx context.Context, repoIDs []ids.ID) error {
	if err := s.state.Remove(map[string][]ids.ID{s.user: repoIDs}); err != nil {
		return err
	}

	remaining := s.state.Snapshot().Subs[s.user]
	subs := make(map[ids.ID][]string, len(remaining))
	for id, branches := range remaining {
		names := make([]string, 0, len(branches))
		for name := range branches {
			names = append(names, name)
		}
		subs[id] = names
	}
	return s.SubscribeRepos(ctx, subs)
}

// Transact appends txs to the staged transactions for (repoID, branch)
// and republishes the recomputed branch value on the value stream,
// without committing (spec §4.8 transact).
func (s *Stage) Transact(ctx context.Context, repoID ids.ID, branch string, txs []model.StagedTransaction) error {
	if err := s.state.AppendTransactions(s.user, repoID, branch, txs); err != nil {
		return err
	}
	return s.recomputeAndPush(ctx, repoID, branch)
}

// TransactBinary is transact with the blob-store-trans marker, routing
// blob through the blob-store path (spec §4.8 transact_binary). While
// staged, the branch value is blob itself; once committed, blob is
// stored JSON-encoded, so a value materialized from committed history
// is blob's base64 string, not a []byte.
func (s *Stage) TransactBinary(ctx context.Context, repoID ids.ID, branch string, blob []byte) error {
	return s.Transact(ctx, repoID, branch, []model.StagedTransaction{
		{Params: blob, TransFn: model.BlobStoreTransMarker},
	})
}

func (s *Stage) recomputeAndPush(ctx context.Context, repoID ids.ID, branch string) error {
	entry, ok := s.state.Snapshot().Repos[s.user][repoID]
	if !ok {
		return fmt.Errorf("stage: repo %s not found for user %q", repoID, s.user)
	}
	val, err := materialize.BranchValue(ctx, s.store, s.eval, s.cache, entry.Meta, branch, entry.Transactions[branch])
	if err != nil {
		return err
	}
	s.loop.SetBranchValue(s.user, repoID, branch, val)
	return nil
}

// Commit applies repo/commit to every (repoID, branch) in repos from
// their staged transactions and publishes the result (spec §4.8
// commit). repos with no staged transactions on a named branch are
// skipped.
func (s *Stage) Commit(ctx context.Context, repos map[ids.ID][]string) error {
	touched := map[ids.ID][]string{}
	for repoID, branches := range repos {
		for _, branch := range branches {
			staged := s.state.TakeAndClearTransactions(s.user, repoID, branch)
			if len(staged) == 0 {
				continue
			}

			entry, ok := s.state.Snapshot().Repos[s.user][repoID]
			if !ok {
				continue
			}

			newMeta, commit, err := metadata.Commit(ctx, s.store, entry.Meta, branch, staged)
			if err != nil {
				return err
			}
			blobs, err := collectNewValues(ctx, s.store, commit)
			if err != nil {
				return err
			}
			if err := s.state.ApplyLocalChange(s.user, repoID, newMeta, model.OpMetaPub, branch, blobs); err != nil {
				return err
			}
			touched[repoID] = append(touched[repoID], branch)
		}
	}

	if len(touched) == 0 {
		return nil
	}
	return s.publish(ctx, touched)
}

// Merge implements PublicAPI merge (spec §4.8): an optional randomized
// backoff proportional to merge_cost, a recheck that causal hasn't
// moved, then an atomic repo/merge and publish. Returns false (no
// error) when the recheck finds the repo already changed, signaling
// the caller should retrigger.
func (s *Stage) Merge(ctx context.Context, repoID ids.ID, branch string, other model.RepoMeta, headsOrder []ids.ID, wait bool) (bool, error) {
	entry, ok := s.state.Snapshot().Repos[s.user][repoID]
	if !ok {
		return false, fmt.Errorf("stage: repo %s not found for user %q", repoID, s.user)
	}
	before := entry.Meta.CausalOrder.ID()

	if wait {
		if cost := mergeCost(entry.Meta.CausalOrder); cost > 0 {
			select {
			case <-time.After(time.Duration(rand.Int63n(cost)) * time.Millisecond):
			case <-ctx.Done():
				return false, ctx.Err()
			}
		}
	}

	entry, ok = s.state.Snapshot().Repos[s.user][repoID]
	if !ok || entry.Meta.CausalOrder.ID() != before {
		return false, nil
	}

	merged, commit, err := metadata.Merge(ctx, s.store, entry.Meta, other, branch, headsOrder)
	if err != nil {
		return false, err
	}
	blobs, err := collectNewValues(ctx, s.store, commit)
	if err != nil {
		return false, err
	}
	if err := s.state.ApplyLocalChange(s.user, repoID, merged, model.OpMetaPub, branch, blobs); err != nil {
		return false, err
	}
	if err := s.publish(ctx, map[ids.ID][]string{repoID: {branch}}); err != nil {
		return false, err
	}
	return true, nil
}

// mergeCost implements merge_cost(causal) = floor(100000 * -ln(1 -
// merge_ratio)), merge_ratio = |merge commits| / |causal| (spec §4.8,
// P9: 0 at merge_ratio 0, strictly increasing thereafter).
func mergeCost(causal model.CausalOrder) int64 {
	if len(causal) == 0 {
		return 0
	}
	var merges int
	for _, parents := range causal {
		if len(parents) > 1 {
			merges++
		}
	}
	ratio := float64(merges) / float64(len(causal))
	if ratio <= 0 {
		return 0
	}
	if ratio >= 1 {
		ratio = 0.999999
	}
	return int64(math.Floor(100000 * -math.Log(1-ratio)))
}

// Connect sends :connect and waits for a matching :connected (spec
// §4.8 connect).
func (s *Stage) Connect(ctx context.Context, url string) error {
	connectedCh, cancel := s.hub.subscribe(wire.TopicConnected)
	defer cancel()

	if err := s.peer.Send(wire.Envelope{Topic: wire.TopicConnect, Peer: s.stageID, URL: url}); err != nil {
		return err
	}
	return waitFor(ctx, connectedCh, func(env wire.Envelope) bool { return env.URL == url })
}

// publish runs sync! for the given repoID -> branches projection, then
// clears op/new-values for what was just published (spec §4.5, §4.8
// "publishes via sync!, cleans up").
func (s *Stage) publish(ctx context.Context, repoBranches map[ids.ID][]string) error {
	entries := s.state.Snapshot().Repos[s.user]

	newValues := map[ids.ID][]byte{}
	metaPubs := wire.RepoMetas{}
	for id, branches := range repoBranches {
		entry, ok := entries[id]
		if !ok {
			continue
		}
		for _, b := range branches {
			for blobID, v := range entry.NewValues[b] {
				newValues[blobID] = v
			}
		}
		if entry.Op == model.OpMetaPub || entry.Op == model.OpMetaSub {
			if metaPubs[s.user] == nil {
				metaPubs[s.user] = map[ids.ID]model.RepoMeta{}
			}
			metaPubs[s.user][id] = entry.Meta
		}
	}

	in, cancel := s.hub.subscribe(wire.TopicMetaPubed, wire.TopicFetch, wire.TopicBinaryFetch)
	defer cancel()
	hp := &hubPeer{real: s.peer, in: in}

	if err := s.driver.Sync(ctx, hp, s.stageID, metaPubs, newValues); err != nil {
		return err
	}

	return s.state.CleanupOpsAndNewValues(map[string]map[ids.ID][]string{s.user: repoBranches})
}

// collectNewValues reads back the blobs a just-persisted commit
// introduced (the commit object itself plus each transaction's params
// and trans-fn blobs), so they can be offered to a peer's :fetch/
// :binary-fetch (spec §3 new-values).
func collectNewValues(ctx context.Context, store blobstore.Store, commit model.Commit) (map[ids.ID][]byte, error) {
	out := map[ids.ID][]byte{}
	if b, ok, err := store.Get(ctx, commit.ID); err != nil {
		return nil, err
	} else if ok {
		out[commit.ID] = b
	}
	for _, tx := range commit.Transactions {
		for _, id := range [2]ids.ID{tx.ParamID, tx.TransFnID} {
			b, ok, err := store.Get(ctx, id)
			if err != nil {
				return nil, err
			}
			if ok {
				out[id] = b
			}
		}
	}
	return out, nil
}

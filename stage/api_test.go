// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package stage_test

import (
	"context"
	"testing"
	"time"

	"github.com/luxfi/ids"
	"github.com/luxfi/log"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/stage/blobstore"
	"github.com/luxfi/stage/config"
	"github.com/luxfi/stage/evalfn"
	"github.com/luxfi/stage/metadata"
	"github.com/luxfi/stage/model"
	"github.com/luxfi/stage/stage"
	"github.com/luxfi/stage/stageloop"
	"github.com/luxfi/stage/wire"
)

// autoAck drains remote's inbound channel and acks every :meta-pub it
// observes, standing in for the actual peer on the far end of the wire
// (spec §4.5 step 6).
func autoAck(remote *wire.ChanPeer) {
	for env := range remote.Inbound() {
		if env.Topic == wire.TopicMetaPub {
			_ = remote.Send(wire.Envelope{Topic: wire.TopicMetaPubed, Peer: env.Peer})
		}
	}
}

func newTestStage(t *testing.T) (*stage.Stage, *wire.ChanPeer, blobstore.Store) {
	t.Helper()
	local, remote := wire.WireLoopback(16)
	t.Cleanup(local.Close)

	store := blobstore.NewMapStore()
	eval := evalfn.NewRegistry("test", map[string]evalfn.Func{"merge": evalfn.MergeMaps})

	s, err := stage.CreateStage(context.Background(), "john", local, eval, store, config.LocalParams(), log.NewNoOpLogger())
	require.NoError(t, err)
	t.Cleanup(s.Close)

	go autoAck(remote)
	return s, remote, store
}

// S1: create_repo installs a fresh repository and the observable stage
// value immediately reflects init_val (spec §8).
func TestCreateRepoPublishesInitialValue(t *testing.T) {
	require := require.New(t)
	s, _, _ := newTestStage(t)

	id, err := s.CreateRepo(context.Background(), map[string]any{"init": float64(43)}, "master")
	require.NoError(err)

	v := <-s.Values()
	require.Equal(map[string]any{"init": float64(43)}, v["john"][id]["master"])
}

// S2: transact without commit materializes the patched value on
// val_ch without touching the causal order (spec §8).
func TestTransactWithoutCommitMaterializesPatchedValue(t *testing.T) {
	require := require.New(t)
	s, _, _ := newTestStage(t)
	ctx := context.Background()

	id, err := s.CreateRepo(ctx, map[string]any{"init": float64(43)}, "master")
	require.NoError(err)
	<-s.Values()

	require.NoError(s.Transact(ctx, id, "master", []model.StagedTransaction{
		{Params: map[string]any{"b": float64(2)}, TransFn: "merge"},
	}))

	v := <-s.Values()
	require.Equal(map[string]any{"init": float64(43), "b": float64(2)}, v["john"][id]["master"])

	meta, ok := s.RepoMeta(id)
	require.True(ok)
	require.Len(meta.CausalOrder, 1, "transact alone must not extend the causal order")
}

// S3: committing a pending transact produces exactly one new commit
// node and a subsequent no-op commit leaves the causal order unchanged
// (staged transactions are cleared, not reapplied) (spec §8).
func TestCommitAfterTransactProducesOneNewCommitAndClearsStaging(t *testing.T) {
	require := require.New(t)
	s, _, _ := newTestStage(t)
	ctx := context.Background()

	id, err := s.CreateRepo(ctx, map[string]any{"init": float64(43)}, "master")
	require.NoError(err)
	<-s.Values()

	require.NoError(s.Transact(ctx, id, "master", []model.StagedTransaction{
		{Params: map[string]any{"b": float64(2)}, TransFn: "merge"},
	}))
	<-s.Values()

	before, ok := s.RepoMeta(id)
	require.True(ok)
	require.Len(before.CausalOrder, 1)

	require.NoError(s.Commit(ctx, map[ids.ID][]string{id: {"master"}}))

	after, ok := s.RepoMeta(id)
	require.True(ok)
	require.Len(after.CausalOrder, 2)
	require.Len(after.Branches["master"].Sorted(), 1)

	// A second commit call with nothing staged must be a no-op: if the
	// prior commit had left the staged transaction in place, this would
	// silently fold it again and grow the causal order further.
	require.NoError(s.Commit(ctx, map[ids.ID][]string{id: {"master"}}))
	again, ok := s.RepoMeta(id)
	require.True(ok)
	require.Len(again.CausalOrder, 2)
}

// S4: an incoming meta-pub that extends a branch while a transact is
// pending surfaces an Abort carrying the invalidated transaction and
// the freshly materialized value from the new history (spec §8).
func TestIncomingMetaPubAbortsPendingTransact(t *testing.T) {
	require := require.New(t)
	s, remote, store := newTestStage(t)
	ctx := context.Background()

	id, err := s.CreateRepo(ctx, map[string]any{"init": float64(43)}, "master")
	require.NoError(err)
	<-s.Values()

	require.NoError(s.Transact(ctx, id, "master", []model.StagedTransaction{
		{Params: map[string]any{"b": float64(2)}, TransFn: "merge"},
	}))
	<-s.Values()

	meta, ok := s.RepoMeta(id)
	require.True(ok)

	extended, _, err := metadata.Commit(ctx, store, meta, "master", []model.StagedTransaction{
		{Params: map[string]any{"c": float64(3)}, TransFn: "merge"},
	})
	require.NoError(err)

	require.NoError(remote.Send(wire.Envelope{
		Topic: wire.TopicMetaPub,
		Metas: wire.RepoMetas{"john": {id: extended}},
	}))

	select {
	case v := <-s.Values():
		abort, ok := v["john"][id]["master"].(stageloop.Abort)
		require.True(ok, "expected an Abort value, got %#v", v["john"][id]["master"])
		require.Len(abort.Aborted, 1)
		require.Equal("merge", abort.Aborted[0].TransFn)
		require.Equal(map[string]any{"init": float64(43), "c": float64(3)}, abort.NewValue)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the abort to surface on val_ch")
	}
}

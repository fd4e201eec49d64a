package metadata_test

import (
	"context"
	"testing"

	"github.com/luxfi/ids"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/stage/blobstore"
	"github.com/luxfi/stage/cache"
	"github.com/luxfi/stage/evalfn"
	"github.com/luxfi/stage/materialize"
	"github.com/luxfi/stage/metadata"
	"github.com/luxfi/stage/model"
)

func mkID(b byte) ids.ID {
	var id ids.ID
	id[0] = b
	return id
}

func TestNewRepositoryFoldsToInitVal(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	store := blobstore.NewMapStore()

	meta, err := metadata.NewRepository(ctx, store, map[string]any{"n": float64(1)}, "master")
	require.NoError(err)
	require.Len(meta.Branches["master"], 1)

	eval := evalfn.NewRegistry("eval1", nil)
	c := cache.New(0)
	head := meta.Branches["master"].Sorted()[0]
	val, err := materialize.CommitValue(ctx, store, eval, c, meta.CausalOrder, head)
	require.NoError(err)
	require.Equal(map[string]any{"n": float64(1)}, val)
}

func TestForkPreservesRepoID(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	store := blobstore.NewMapStore()

	meta, err := metadata.NewRepository(ctx, store, 1, "master")
	require.NoError(err)

	fork := metadata.Fork(meta)
	require.Equal(meta.ID, fork.ID)
	require.Equal(meta.Branches["master"], fork.Branches["master"])
}

func TestCommitAdvancesSingleHead(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	store := blobstore.NewMapStore()

	meta, err := metadata.NewRepository(ctx, store, map[string]any{"n": float64(0)}, "master")
	require.NoError(err)
	root := meta.Branches["master"].Sorted()[0]

	next, commit, err := metadata.Commit(ctx, store, meta, "master", []model.StagedTransaction{
		{Params: map[string]any{"n": float64(1)}, TransFn: model.BlobStoreTransMarker},
	})
	require.NoError(err)
	require.Equal([]ids.ID{root}, commit.Parents)
	require.Len(next.Branches["master"], 1)
	require.NotEqual(root, next.Branches["master"].Sorted()[0])

	eval := evalfn.NewRegistry("eval1", nil)
	c := cache.New(0)
	val, err := materialize.CommitValue(ctx, store, eval, c, next.CausalOrder, commit.ID)
	require.NoError(err)
	require.Equal(map[string]any{"n": float64(1)}, val)
}

func TestMultipleBranchHeadsReflectsConflict(t *testing.T) {
	require := require.New(t)
	a, b := mkID(1), mkID(2)
	meta := model.RepoMeta{Branches: map[string]model.BranchHeads{"master": {a: {}, b: {}}}}
	require.True(metadata.MultipleBranchHeads(meta, "master"))

	meta2 := model.RepoMeta{Branches: map[string]model.BranchHeads{"master": {a: {}}}}
	require.False(metadata.MultipleBranchHeads(meta2, "master"))
}

func TestUpdateUnionsCausalOrderAndRetiresAncestorHeads(t *testing.T) {
	require := require.New(t)

	root, mid, tip := mkID(1), mkID(2), mkID(3)
	current := model.RepoMeta{
		ID:          mkID(9),
		CausalOrder: model.CausalOrder{mid: {root}},
		Branches:    map[string]model.BranchHeads{"master": {mid: {}}},
	}
	incoming := model.RepoMeta{
		ID:          mkID(9),
		CausalOrder: model.CausalOrder{mid: {root}, tip: {mid}},
		Branches:    map[string]model.BranchHeads{"master": {tip: {}}},
	}

	merged := metadata.Update(current, incoming)
	require.Contains(merged.CausalOrder, tip)
	require.Equal([]ids.ID{tip}, merged.Branches["master"].Sorted())
}

func TestUpdateFromZeroValueAdoptsIncoming(t *testing.T) {
	require := require.New(t)
	root := mkID(1)
	incoming := model.RepoMeta{
		ID:          mkID(9),
		CausalOrder: model.CausalOrder{root: nil},
		Branches:    map[string]model.BranchHeads{"master": {root: {}}},
	}

	merged := metadata.Update(model.RepoMeta{}, incoming)
	require.Equal(incoming.Branches["master"], merged.Branches["master"])
}

func TestMergeUnionsBranchesAndAdvancesHead(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	store := blobstore.NewMapStore()

	a, err := metadata.NewRepository(ctx, store, 1, "master")
	require.NoError(err)
	headA := a.Branches["master"].Sorted()[0]

	b, err := metadata.NewRepository(ctx, store, 2, "feature")
	require.NoError(err)
	headB := b.Branches["feature"].Sorted()[0]

	merged, commit, err := metadata.Merge(ctx, store, a, b, "master", []ids.ID{headA, headB})
	require.NoError(err)
	require.Equal([]ids.ID{headA, headB}, commit.Parents)
	require.Equal([]ids.ID{commit.ID}, merged.Branches["master"].Sorted())
	require.Contains(merged.CausalOrder, headB)
}

func TestLowestCommonAncestorsDelegatesToDag(t *testing.T) {
	require := require.New(t)
	root, a, b := mkID(1), mkID(2), mkID(3)
	causal := model.CausalOrder{a: {root}, b: {root}}

	require.Equal([]ids.ID{root}, metadata.LowestCommonAncestors(causal, a, b))
	anc := metadata.IsolateBranch(causal, []ids.ID{root})
	require.Contains(anc, root)
}

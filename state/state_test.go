package state_test

import (
	"testing"

	"github.com/luxfi/ids"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/stage/metadata"
	"github.com/luxfi/stage/model"
	"github.com/luxfi/stage/stageerr"
	"github.com/luxfi/stage/state"
)

func mkID(b byte) ids.ID {
	var id ids.ID
	id[0] = b
	return id
}

func TestInstallRepoFailsWhenAlreadyPresent(t *testing.T) {
	require := require.New(t)
	s := state.New()
	id := mkID(1)

	require.NoError(s.InstallRepo("john", id, state.RepoEntry{}, map[string]struct{}{"master": {}}))
	err := s.InstallRepo("john", id, state.RepoEntry{}, map[string]struct{}{"master": {}})
	require.Error(err)
	var target *stageerr.RepoAlreadyExistsError
	require.ErrorAs(err, &target)
}

func TestAppendTransactionsAccumulatesInOrder(t *testing.T) {
	require := require.New(t)
	s := state.New()
	id := mkID(1)
	require.NoError(s.InstallRepo("john", id, state.RepoEntry{}, map[string]struct{}{"master": {}}))

	require.NoError(s.AppendTransactions("john", id, "master", []model.StagedTransaction{{Params: 1, TransFn: "merge"}}))
	require.NoError(s.AppendTransactions("john", id, "master", []model.StagedTransaction{{Params: 2, TransFn: "merge"}}))

	txs := s.Snapshot().Repos["john"][id].Transactions["master"]
	require.Len(txs, 2)
	require.Equal(1, txs[0].Params)
	require.Equal(2, txs[1].Params)
}

func TestTakeAndClearTransactionsEmptiesBranch(t *testing.T) {
	require := require.New(t)
	s := state.New()
	id := mkID(1)
	require.NoError(s.InstallRepo("john", id, state.RepoEntry{}, map[string]struct{}{"master": {}}))
	require.NoError(s.AppendTransactions("john", id, "master", []model.StagedTransaction{{Params: 1, TransFn: "merge"}}))

	taken := s.TakeAndClearTransactions("john", id, "master")
	require.Len(taken, 1)
	require.Empty(s.Snapshot().Repos["john"][id].Transactions["master"])
}

func TestCleanupOpsAndNewValuesZeroesEntries(t *testing.T) {
	require := require.New(t)
	s := state.New()
	id := mkID(1)
	require.NoError(s.InstallRepo("john", id, state.RepoEntry{
		Op:        model.OpMetaPub,
		NewValues: map[string]map[ids.ID][]byte{"master": {mkID(9): []byte("x")}},
	}, map[string]struct{}{"master": {}}))

	require.NoError(s.CleanupOpsAndNewValues(map[string]map[ids.ID][]string{"john": {id: {"master"}}}))

	entry := s.Snapshot().Repos["john"][id]
	require.Equal(model.OpNone, entry.Op)
	require.Empty(entry.NewValues["master"])
}

func TestApplyMetaPubInstallsAbsentRepoAsChanged(t *testing.T) {
	require := require.New(t)
	s := state.New()
	id := mkID(1)
	incoming := model.RepoMeta{ID: id, CausalOrder: model.CausalOrder{mkID(2): nil}}

	changed, err := s.ApplyMetaPub(map[string]map[ids.ID]model.RepoMeta{"john": {id: incoming}}, metadata.Update)
	require.NoError(err)
	require.True(changed["john"][id])
	require.Equal(incoming.CausalOrder, s.Snapshot().Repos["john"][id].Meta.CausalOrder)
}

func TestApplyMetaPubIsNoopForCausallyEqualMeta(t *testing.T) {
	require := require.New(t)
	s := state.New()
	id := mkID(1)
	root := mkID(2)
	meta := model.RepoMeta{ID: id, CausalOrder: model.CausalOrder{root: nil}, Branches: map[string]model.BranchHeads{"master": {root: {}}}}
	require.NoError(s.InstallRepo("john", id, state.RepoEntry{Meta: meta}, map[string]struct{}{"master": {}}))

	changed, err := s.ApplyMetaPub(map[string]map[ids.ID]model.RepoMeta{"john": {id: meta}}, metadata.Update)
	require.NoError(err)
	require.False(changed["john"][id])
}

func TestApplyLocalChangeSetsMetaOpAndUnionsNewValues(t *testing.T) {
	require := require.New(t)
	s := state.New()
	id := mkID(1)
	require.NoError(s.InstallRepo("john", id, state.RepoEntry{}, map[string]struct{}{"master": {}}))

	meta := model.RepoMeta{ID: id, CausalOrder: model.CausalOrder{mkID(2): nil}}
	require.NoError(s.ApplyLocalChange("john", id, meta, model.OpMetaPub, "master", map[ids.ID][]byte{mkID(3): []byte("a")}))
	require.NoError(s.ApplyLocalChange("john", id, meta, model.OpMetaPub, "master", map[ids.ID][]byte{mkID(4): []byte("b")}))

	entry := s.Snapshot().Repos["john"][id]
	require.Equal(meta.CausalOrder, entry.Meta.CausalOrder)
	require.Equal(model.OpMetaPub, entry.Op)
	require.Equal(map[ids.ID][]byte{mkID(3): []byte("a"), mkID(4): []byte("b")}, entry.NewValues["master"])
}

func TestRemoveDropsRepoAndSubs(t *testing.T) {
	require := require.New(t)
	s := state.New()
	id := mkID(1)
	require.NoError(s.InstallRepo("john", id, state.RepoEntry{}, map[string]struct{}{"master": {}}))

	require.NoError(s.Remove(map[string][]ids.ID{"john": {id}}))
	_, ok := s.Snapshot().Repos["john"][id]
	require.False(ok)
	_, ok = s.Snapshot().Subs["john"][id]
	require.False(ok)
}

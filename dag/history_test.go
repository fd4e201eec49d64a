package dag_test

import (
	"testing"

	"github.com/luxfi/ids"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/stage/dag"
	"github.com/luxfi/stage/model"
)

func mkID(b byte) ids.ID {
	var id ids.ID
	id[0] = b
	return id
}

func TestHistoryLinearChain(t *testing.T) {
	require := require.New(t)

	root, c1, head := mkID(1), mkID(2), mkID(3)
	causal := model.CausalOrder{
		c1:   {root},
		head: {c1},
	}

	got := dag.History(causal, head)
	require.Equal([]ids.ID{root, c1, head}, got)
}

func TestHistoryEachCommitAppearsOnce(t *testing.T) {
	require := require.New(t)

	root, c1, c2, merge := mkID(1), mkID(2), mkID(3), mkID(4)
	causal := model.CausalOrder{
		c1:    {root},
		c2:    {root},
		merge: {c1, c2},
	}

	got := dag.History(causal, merge)
	require.Len(got, 4)
	require.Equal(merge, got[len(got)-1])
	require.Equal(root, got[0])

	seen := make(map[ids.ID]bool)
	for _, id := range got {
		require.False(seen[id], "commit emitted twice: %v", id)
		seen[id] = true
	}
	// every parent must appear before its child
	pos := make(map[ids.ID]int)
	for i, id := range got {
		pos[id] = i
	}
	for c, parents := range causal {
		for _, p := range parents {
			require.Less(pos[p], pos[c])
		}
	}
}

func TestHistoryRootOnly(t *testing.T) {
	require := require.New(t)

	root := mkID(1)
	got := dag.History(model.CausalOrder{}, root)
	require.Equal([]ids.ID{root}, got)
}

func TestHistoryDeterministicAcrossRuns(t *testing.T) {
	require := require.New(t)

	root, c1, c2, merge := mkID(1), mkID(2), mkID(3), mkID(4)
	causal := model.CausalOrder{
		c1:    {root},
		c2:    {root},
		merge: {c2, c1}, // reversed insertion order must not matter
	}

	first := dag.History(causal, merge)
	for i := 0; i < 5; i++ {
		require.Equal(first, dag.History(causal, merge))
	}
}

func TestAncestorsInclusive(t *testing.T) {
	require := require.New(t)

	root, c1 := mkID(1), mkID(2)
	causal := model.CausalOrder{c1: {root}}

	anc := dag.Ancestors(causal, c1)
	require.Contains(anc, root)
	require.Contains(anc, c1)
}

func TestIsAncestor(t *testing.T) {
	require := require.New(t)

	root, c1, c2 := mkID(1), mkID(2), mkID(3)
	causal := model.CausalOrder{c1: {root}, c2: {c1}}

	require.True(dag.IsAncestor(causal, root, c2))
	require.True(dag.IsAncestor(causal, c2, c2))
	require.False(dag.IsAncestor(causal, c2, root))
}

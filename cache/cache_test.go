package cache_test

import (
	"testing"

	"github.com/luxfi/ids"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/stage/cache"
)

func mkID(b byte) ids.ID {
	var id ids.ID
	id[0] = b
	return id
}

func TestCachePutGet(t *testing.T) {
	require := require.New(t)

	c := cache.New(0)
	key := cache.Key{EvalID: "eval-1", CausalID: mkID(1), Commit: mkID(2)}

	_, ok := c.Get(key)
	require.False(ok)

	c.Put(key, "value-a")
	got, ok := c.Get(key)
	require.True(ok)
	require.Equal("value-a", got)
}

func TestCacheKeysDisambiguateEvaluator(t *testing.T) {
	require := require.New(t)

	c := cache.New(0)
	commit := mkID(1)
	causal := mkID(2)

	c.Put(cache.Key{EvalID: "eval-a", CausalID: causal, Commit: commit}, "value-a")
	c.Put(cache.Key{EvalID: "eval-b", CausalID: causal, Commit: commit}, "value-b")

	got, ok := c.Get(cache.Key{EvalID: "eval-a", CausalID: causal, Commit: commit})
	require.True(ok)
	require.Equal("value-a", got)

	got, ok = c.Get(cache.Key{EvalID: "eval-b", CausalID: causal, Commit: commit})
	require.True(ok)
	require.Equal("value-b", got)
}

func TestCacheLRUBound(t *testing.T) {
	require := require.New(t)

	c := cache.New(2)
	c.Put(cache.Key{EvalID: "e", Commit: mkID(1)}, 1)
	c.Put(cache.Key{EvalID: "e", Commit: mkID(2)}, 2)
	c.Put(cache.Key{EvalID: "e", Commit: mkID(3)}, 3)

	require.LessOrEqual(c.Len(), 2)
}

package evalfn_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/luxfi/stage/evalfn"
)

func TestRegistryResolve(t *testing.T) {
	require := require.New(t)

	reg := evalfn.NewRegistry("test-eval", map[string]evalfn.Func{
		"merge": evalfn.MergeMaps,
	})
	require.Equal("test-eval", reg.ID())

	f, err := reg.Resolve("merge")
	require.NoError(err)

	out, err := f(map[string]any{"init": 43}, map[string]any{"b": 2})
	require.NoError(err)
	require.Equal(map[string]any{"init": 43, "b": 2}, out)
}

func TestRegistryResolveUnknown(t *testing.T) {
	require := require.New(t)

	reg := evalfn.NewRegistry("test-eval", nil)
	_, err := reg.Resolve("nope")
	require.Error(err)
}

func TestMergeMapsRejectsNonMapParams(t *testing.T) {
	require := require.New(t)

	_, err := evalfn.MergeMaps(map[string]any{}, 5)
	require.Error(err)
}

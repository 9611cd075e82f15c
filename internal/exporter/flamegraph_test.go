package exporter

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuildFoldedStacks(t *testing.T) {
	samples := testSamples()
	agg := BuildFoldedStacks(samples)

	// Stacks fold root->leaf, prefixed with the thread comm.
	require.Equal(t, uint64(3), agg["worker;root;leaf"])
	require.Equal(t, uint64(5), agg["worker;leaf"])
	require.Len(t, agg, 2)

	var buf bytes.Buffer
	require.NoError(t, WriteFoldedStacks(agg, &buf))
	require.Equal(t, "worker;leaf 5\nworker;root;leaf 3\n", buf.String())
}

func TestEscapeFoldedName(t *testing.T) {
	require.Equal(t, "a_b", escapeFoldedName("a;b"))
	require.Equal(t, "<unknown>", escapeFoldedName("  "))
}

package exporter

import (
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
)

func TestBuildOTLPProfile(t *testing.T) {
	data := BuildOTLPProfile(testSamples(), "events", "count")

	dict := data.Dictionary
	require.Equal(t, []string{"", "events", "count", "leaf", "/lib/a.so", "root"}, dict.StringTable)

	require.Len(t, data.ResourceProfiles, 1)
	profiles := data.ResourceProfiles[0].ScopeProfiles[0].Profiles
	require.Len(t, profiles, 1)
	prof := profiles[0]

	// The empty-stack sample is dropped.
	require.Len(t, prof.Samples, 2)
	require.Equal(t, []int64{3}, prof.Samples[0].Values)
	require.Equal(t, []uint64{uint64(100)}, prof.Samples[0].TimestampsUnixNano)
	require.Equal(t, uint64(100), prof.TimeUnixNano)

	// Index 0 of each table is the reserved empty entry.
	stack := dict.StackTable[prof.Samples[0].StackIndex]
	require.Len(t, stack.LocationIndices, 2)
	loc := dict.LocationTable[stack.LocationIndices[0]]
	require.Equal(t, uint64(0x100), loc.Address)
	fn := dict.FunctionTable[loc.Lines[0].FunctionIndex]
	require.Equal(t, int32(3), fn.NameStrindex) // "leaf"

	raw, err := proto.Marshal(data)
	require.NoError(t, err)
	require.NotZero(t, len(raw))
}

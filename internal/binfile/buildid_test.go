package binfile

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuildID(t *testing.T) {
	id := NewBuildID([]byte{0xab, 0xcd, 0xef})
	require.False(t, id.IsEmpty())
	require.Equal(t, "abcdef", id.String())

	parsed, err := ParseBuildID("abcdef")
	require.NoError(t, err)
	require.True(t, id.Equal(parsed))

	// Shorter ids compare zero padded, as recorders store them.
	padded := NewBuildID([]byte{0xab, 0xcd, 0xef, 0, 0})
	require.True(t, id.Equal(padded))

	var empty BuildID
	require.True(t, empty.IsEmpty())
	require.False(t, empty.Equal(id))
	require.False(t, id.Equal(empty))

	_, err = ParseBuildID("not-hex")
	require.Error(t, err)
}

package binfile

import (
	"encoding/hex"
	"fmt"
)

// buildIDSize is the storage width of a build id. GNU build ids are at
// most 20 bytes (SHA-1); shorter ids are zero padded for comparison.
const buildIDSize = 20

// BuildID identifies one exact build of a binary. The zero value is the
// empty build id, which matches nothing.
type BuildID struct {
	data [buildIDSize]byte
	n    int
}

func NewBuildID(b []byte) BuildID {
	var id BuildID
	id.n = copy(id.data[:], b)
	return id
}

// ParseBuildID converts a lowercase/uppercase hex string, e.g. one read
// from a build_id_list index file.
func ParseBuildID(s string) (BuildID, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return BuildID{}, fmt.Errorf("malformed build id %q: %w", s, err)
	}
	if len(b) > buildIDSize {
		return BuildID{}, fmt.Errorf("build id %q longer than %d bytes", s, buildIDSize)
	}
	return NewBuildID(b), nil
}

func (id BuildID) IsEmpty() bool { return id.n == 0 }

// Equal compares the zero-padded storage, so ids of different recorded
// lengths but identical bytes still match.
func (id BuildID) Equal(other BuildID) bool {
	if id.IsEmpty() != other.IsEmpty() {
		return false
	}
	return id.data == other.data
}

func (id BuildID) Bytes() []byte { return id.data[:id.n] }

func (id BuildID) String() string { return hex.EncodeToString(id.data[:id.n]) }

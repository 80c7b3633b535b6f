package btree

import (
	"encoding/binary"
	"math"
)

// NodeId identifies a node within the backing node store.
type NodeId uint64

// EmptyNodeId is the sentinel for "no link".
const EmptyNodeId NodeId = math.MaxUint64

// LinkInfo is a parent to child structural link: the child's node id plus the
// version of the relationship. The version increments whenever the parent to
// child structure changes, which lets a descent detect staleness without
// holding locks across levels.
type LinkInfo struct {
	ID      NodeId
	Version uint64
}

const linkInfoSize = 16

// Serialize encodes the link as 16 little-endian bytes.
func (l LinkInfo) Serialize() []byte {
	b := make([]byte, linkInfoSize)
	binary.LittleEndian.PutUint64(b[0:], uint64(l.ID))
	binary.LittleEndian.PutUint64(b[8:], l.Version)
	return b
}

func deserializeLinkInfo(b []byte) LinkInfo {
	return LinkInfo{
		ID:      NodeId(binary.LittleEndian.Uint64(b[0:])),
		Version: binary.LittleEndian.Uint64(b[8:]),
	}
}

// Key is the contract index keys must satisfy. Implementations are value
// types; Deserialize returns a new key decoded from the given bytes.
type Key[K any] interface {
	// Compare returns <0, 0 or >0 when the receiver sorts before, equal to
	// or after other.
	Compare(other K) int
	// Serialize encodes the key to bytes.
	Serialize() []byte
	// Deserialize decodes a key from bytes. The receiver's own fields are
	// not consulted; it exists so the zero value can act as a decoder.
	Deserialize(b []byte) K
}

// Value is the contract leaf values must satisfy.
type Value[V any] interface {
	Serialize() []byte
	Deserialize(b []byte) V
}

// ExtentKey is implemented by keys that denote a contiguous run of logical
// offsets. Range put/remove in extent mode needs to trim and fragment keys,
// which requires reconstructing a key over a sub-range.
type ExtentKey[K any] interface {
	Start() uint64
	End() uint64
	WithRange(start, end uint64) K
}

// ExtentValue is implemented by values that cover an extent and can be sliced
// when their key is trimmed, and merged with an adjacent extent's value when
// the two are contiguous in the backing store.
type ExtentValue[V any] interface {
	// SliceFrom returns the value covering the tail of the extent starting
	// offsetDelta logical offsets into it.
	SliceFrom(offsetDelta uint64) V
	// CanAutoMerge reports whether next continues this value contiguously,
	// given that this value covers width logical offsets (the key knows the
	// width, the value does not).
	CanAutoMerge(next V, width uint64) bool
}

// KeyRange is a key range with inclusive/exclusive ends.
type KeyRange[K Key[K]] struct {
	Start          K
	End            K
	StartInclusive bool
	EndInclusive   bool
}

// Inclusive returns a fully inclusive range [start, end].
func Inclusive[K Key[K]](start, end K) KeyRange[K] {
	return KeyRange[K]{Start: start, End: end, StartInclusive: true, EndInclusive: true}
}

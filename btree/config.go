package btree

// NodeType selects the entry area layout of a node.
type NodeType uint8

const (
	// NodeTypeFixed stores fixed-size key/value entries back to back.
	NodeTypeFixed NodeType = iota
	// NodeTypeVarLen stores an entry directory at the front of the data area
	// and packs key/value bytes from the back.
	NodeTypeVarLen
)

// Config carries the B-tree sizing and policy knobs.
type Config struct {
	// NodeSize is the page size of a node in bytes, header included.
	NodeSize int
	// NodeType selects the entry layout variant.
	NodeType NodeType
	// KeySize and ValueSize are the serialized sizes of leaf keys and values.
	// Required for NodeTypeFixed; ignored for NodeTypeVarLen.
	KeySize   int
	ValueSize int
	// SuggestedMinPct is the occupancy percentage below which a node becomes
	// a merge candidate.
	SuggestedMinPct int
	// MaxMergeNodes bounds the width of a merge window, parent excluded.
	MaxMergeNodes int
	// MaxStructuralRetries bounds descent restarts on structural races before
	// the operation aborts.
	MaxStructuralRetries uint64
	// DisableExtentAutoMerge turns off coalescing of adjacent extents whose
	// values continue each other.
	DisableExtentAutoMerge bool
}

// DefaultConfig returns a config with a 4 KB page and fixed-size entries of
// the given key/value sizes.
func DefaultConfig(keySize, valueSize int) Config {
	return Config{
		NodeSize:             4096,
		NodeType:             NodeTypeFixed,
		KeySize:              keySize,
		ValueSize:            valueSize,
		SuggestedMinPct:      40,
		MaxMergeNodes:        3,
		MaxStructuralRetries: 8,
	}
}

func (c Config) nodeDataSize() int {
	return c.NodeSize - persistentHdrSize
}

// suggestedMinSize is the occupancy below which a node is a merge candidate.
func (c Config) suggestedMinSize() int {
	return c.nodeDataSize() * c.SuggestedMinPct / 100
}

func (c Config) withDefaults() Config {
	if c.NodeSize == 0 {
		c.NodeSize = 4096
	}
	if c.SuggestedMinPct == 0 {
		c.SuggestedMinPct = 40
	}
	if c.MaxMergeNodes == 0 {
		c.MaxMergeNodes = 3
	}
	if c.MaxStructuralRetries == 0 {
		c.MaxStructuralRetries = 8
	}
	return c
}

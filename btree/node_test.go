package btree

import (
	"bytes"
	"testing"
)

func newTestNode(t *testing.T, cfg *Config, id NodeId, leaf bool) *Node[intKey] {
	t.Helper()
	buf := make([]byte, cfg.NodeSize)
	n, st := newNode[intKey](buf, id, true, leaf, cfg)
	if st != StatusSuccess {
		t.Fatalf("newNode: %v", st)
	}
	return n
}

func TestNodeHeaderCodec(t *testing.T) {
	cfg := DefaultConfig(8, 8)
	n := newTestNode(t, &cfg, 7, true)

	if n.magic() != nodeMagic || n.version() != nodeVersionNum {
		t.Fatalf("bad magic/version: %x %d", n.magic(), n.version())
	}
	if n.nodeId() != 7 {
		t.Fatalf("node id = %d", n.nodeId())
	}
	if !n.isLeaf() || !n.isValid() {
		t.Fatal("expected valid leaf")
	}
	if n.nextNode() != EmptyNodeId || n.edgeId() != EmptyNodeId {
		t.Fatal("fresh node must have empty links")
	}
	if n.nodeSize() != 4096 {
		t.Fatalf("node size = %d", n.nodeSize())
	}
	if n.hasValidEdge() {
		t.Fatal("leaves never expose a valid edge")
	}

	n.setLevel(3)
	n.setLinkVersion(9)
	n.setNextNode(42)
	n.setEdgeInfo(LinkInfo{ID: 11, Version: 2})
	n.incGen()
	n.incGen()
	if n.level() != 3 || n.linkVersion() != 9 || n.nextNode() != 42 || n.gen() != 2 {
		t.Fatalf("header fields did not round trip: %s", n.String())
	}
	if e := n.edgeInfo(); e.ID != 11 || e.Version != 2 {
		t.Fatalf("edge info = %+v", e)
	}
}

func TestNodeEntriesBitfield(t *testing.T) {
	cfg := DefaultConfig(8, 8)
	n := newTestNode(t, &cfg, 1, false)
	n.setTotalEntries(12345)
	n.setValid(false)
	n.setLeaf(true)
	if n.totalEntries() != 12345 {
		t.Fatalf("entries = %d", n.totalEntries())
	}
	if n.isValid() {
		t.Fatal("valid bit leaked into entries")
	}
	if !n.isLeafPersistent() {
		t.Fatal("leaf bit lost")
	}
	n.setValid(true)
	if n.totalEntries() != 12345 {
		t.Fatalf("entries after flag flips = %d", n.totalEntries())
	}
}

func TestNodeChecksumRoundTrip(t *testing.T) {
	cfg := DefaultConfig(8, 8)
	n := newTestNode(t, &cfg, 1, true)
	for i := int64(0); i < 10; i++ {
		if st := n.insertAt(int(i), intKey{i}.Serialize(), intValue{i * 10}.Serialize()); st != StatusSuccess {
			t.Fatalf("insert %d: %v", i, st)
		}
	}
	n.setChecksum()
	if !n.verifyNode() {
		t.Fatal("fresh checksum does not verify")
	}

	// Persist-then-reload: bytes and parsed entries identical.
	img := make([]byte, len(n.buf))
	copy(img, n.buf)
	re, st := newNode[intKey](img, 1, false, identifyLeafNode(img), &cfg)
	if st != StatusSuccess {
		t.Fatalf("reload: %v", st)
	}
	if !re.verifyNode() {
		t.Fatal("reloaded node does not verify")
	}
	if re.totalEntries() != 10 {
		t.Fatalf("reloaded entries = %d", re.totalEntries())
	}
	for i := 0; i < 10; i++ {
		if !bytes.Equal(re.keyBytesAt(i), n.keyBytesAt(i)) || !bytes.Equal(re.valueBytesAt(i), n.valueBytesAt(i)) {
			t.Fatalf("entry %d differs after reload", i)
		}
	}

	// Corruption flips the verify result.
	img[persistentHdrSize+3] ^= 0xff
	if re.verifyNode() {
		t.Fatal("corrupted node verified")
	}
}

func TestNodeFindAndMatchRange(t *testing.T) {
	cfg := DefaultConfig(8, 8)
	n := newTestNode(t, &cfg, 1, true)
	for i, k := range []int64{10, 20, 30, 40} {
		n.insertAt(i, intKey{k}.Serialize(), intValue{k}.Serialize())
	}

	if found, idx := n.find(intKey{20}); !found || idx != 1 {
		t.Fatalf("find(20) = %v,%d", found, idx)
	}
	if found, idx := n.find(intKey{25}); found || idx != 2 {
		t.Fatalf("find(25) = %v,%d", found, idx)
	}
	if found, idx := n.find(intKey{5}); found || idx != 0 {
		t.Fatalf("find(5) = %v,%d", found, idx)
	}
	if found, idx := n.find(intKey{99}); found || idx != 4 {
		t.Fatalf("find(99) = %v,%d", found, idx)
	}

	// Inclusive range fully inside.
	s, e, ok := n.matchRange(Inclusive(intKey{15}, intKey{35}))
	if !ok || s != 1 || e != 2 {
		t.Fatalf("matchRange[15,35] = %d,%d,%v", s, e, ok)
	}
	// Start-exclusive skips the exact match.
	s, e, ok = n.matchRange(KeyRange[intKey]{Start: intKey{20}, End: intKey{40}, EndInclusive: true})
	if !ok || s != 2 || e != 3 {
		t.Fatalf("matchRange(20,40] = %d,%d,%v", s, e, ok)
	}
	// End-exclusive retreats off the exact match.
	s, e, ok = n.matchRange(KeyRange[intKey]{Start: intKey{10}, StartInclusive: true, End: intKey{30}})
	if !ok || s != 0 || e != 1 {
		t.Fatalf("matchRange[10,30) = %d,%d,%v", s, e, ok)
	}
	// Range between entries matches nothing.
	if _, _, ok = n.matchRange(Inclusive(intKey{21}, intKey{29})); ok {
		t.Fatal("matchRange[21,29] should be empty")
	}
	// Range past the last entry of a leaf matches nothing.
	if _, _, ok = n.matchRange(Inclusive(intKey{50}, intKey{60})); ok {
		t.Fatal("matchRange[50,60] should be empty")
	}
}

func TestNodeMoveAndCopy(t *testing.T) {
	cfg := DefaultConfig(8, 8)
	cfg.NodeSize = 512
	left := newTestNode(t, &cfg, 1, true)
	right := newTestNode(t, &cfg, 2, true)
	for i := int64(0); i < 20; i++ {
		left.insertAt(int(i), intKey{i}.Serialize(), intValue{i}.Serialize())
	}

	moved := left.moveOutRightByEntries(right, 8)
	if moved != 8 {
		t.Fatalf("moved = %d", moved)
	}
	if left.totalEntries() != 12 || right.totalEntries() != 8 {
		t.Fatalf("entries after move: %d/%d", left.totalEntries(), right.totalEntries())
	}
	if got := right.keyAt(0, true); got.v != 12 {
		t.Fatalf("right first key = %d", got.v)
	}

	// Entry conservation across a size-based split move.
	l2 := newTestNode(t, &cfg, 3, true)
	r2 := newTestNode(t, &cfg, 4, true)
	for i := int64(0); i < 20; i++ {
		l2.insertAt(int(i), intKey{i}.Serialize(), intValue{i}.Serialize())
	}
	before := l2.totalEntries()
	l2.moveOutRightBySize(r2, l2.occupiedSize()/2)
	if l2.totalEntries()+r2.totalEntries() != before {
		t.Fatalf("entries not conserved: %d+%d != %d", l2.totalEntries(), r2.totalEntries(), before)
	}

	// copyByEntries appends preserving order and bounded by room.
	dst := newTestNode(t, &cfg, 5, true)
	copied := dst.copyByEntries(l2, 0, l2.totalEntries())
	if copied != l2.totalEntries() {
		t.Fatalf("copied = %d", copied)
	}
	for i := 0; i < copied; i++ {
		if !bytes.Equal(dst.keyBytesAt(i), l2.keyBytesAt(i)) {
			t.Fatalf("copy mismatch at %d", i)
		}
	}

	// Size-bounded accounting agrees with the fixed entry size.
	es := left.fixedEntrySize()
	if got := left.numEntriesBySize(0, 5*es); got != 5 {
		t.Fatalf("numEntriesBySize = %d", got)
	}
	sized := newTestNode(t, &cfg, 6, true)
	if got := sized.copyBySize(left, 0, 3*es); got != 3 {
		t.Fatalf("copyBySize copied %d", got)
	}
}

func TestVarlenNodeOps(t *testing.T) {
	cfg := Config{NodeSize: 512, NodeType: NodeTypeVarLen}
	cfg = cfg.withDefaults()
	buf := make([]byte, cfg.NodeSize)
	n, st := newNode[strKey](buf, 1, true, true, &cfg)
	if st != StatusSuccess {
		t.Fatalf("newNode: %v", st)
	}

	keys := []string{"alpha", "bravo", "charlie", "delta"}
	for i, k := range keys {
		if st := n.insertAt(i, []byte(k), []byte("v-"+k)); st != StatusSuccess {
			t.Fatalf("insert %s: %v", k, st)
		}
	}
	if n.totalEntries() != 4 {
		t.Fatalf("entries = %d", n.totalEntries())
	}
	if got := string(n.valueBytesAt(2)); got != "v-charlie" {
		t.Fatalf("value at 2 = %q", got)
	}

	// In-place same-size update, then a growing update.
	if st := n.updateValueAt(1, []byte("v-BRAVO")); st != StatusSuccess {
		t.Fatalf("same-size update: %v", st)
	}
	if st := n.updateValueAt(1, []byte("a much longer value for bravo")); st != StatusSuccess {
		t.Fatalf("growing update: %v", st)
	}
	if got := string(n.valueBytesAt(1)); got != "a much longer value for bravo" {
		t.Fatalf("value after grow = %q", got)
	}
	if got := string(n.keyBytesAt(1)); got != "bravo" {
		t.Fatalf("key after grow = %q", got)
	}

	avail := n.availableSize()
	n.removeRange(1, 2)
	if n.totalEntries() != 2 {
		t.Fatalf("entries after remove = %d", n.totalEntries())
	}
	if n.availableSize() <= avail {
		t.Fatal("remove did not reclaim heap space")
	}
	if got := string(n.keyBytesAt(1)); got != "delta" {
		t.Fatalf("survivor key = %q", got)
	}
}

func TestGetAdjacentIndices(t *testing.T) {
	cfg := DefaultConfig(8, 8)
	n := newTestNode(t, &cfg, 1, false)
	for i := int64(0); i < 5; i++ {
		n.insertAt(int(i), intKey{i}.Serialize(), LinkInfo{ID: NodeId(i + 100), Version: 1}.Serialize())
	}
	n.setEdgeInfo(LinkInfo{ID: 200, Version: 1})

	got := n.getAdjacentIndices(0, 3)
	if len(got) != 3 || got[0] != 0 {
		t.Fatalf("window at 0 = %v", got)
	}
	got = n.getAdjacentIndices(4, 3)
	if len(got) != 3 || got[len(got)-1] > 5 {
		t.Fatalf("window at 4 = %v", got)
	}
	// The edge slot participates when valid.
	got = n.getAdjacentIndices(5, 3)
	for _, idx := range got {
		if idx > 5 {
			t.Fatalf("window includes slot past edge: %v", got)
		}
	}
}

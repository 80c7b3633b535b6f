package btree

import "encoding/binary"

// Var-length entry layout (slotted page): the first two bytes of the data area
// hold the heap top, followed by a 6-byte-per-entry directory growing forward;
// key/value bytes are packed from the back of the data area downward.
//
//	dir entry: keyLen u16 | valLen u16 | off u16
//
// off is the offset of the key bytes within the data area; the value bytes
// follow the key immediately.

const (
	varlenHeapTopSize  = 2
	varlenDirEntrySize = 6
)

func (n *Node[K]) varlenInit() {
	binary.LittleEndian.PutUint16(n.nodeDataArea()[0:], uint16(n.nodeDataSize()))
}

func (n *Node[K]) varlenHeapTop() int {
	return int(binary.LittleEndian.Uint16(n.nodeDataArea()[0:]))
}

func (n *Node[K]) varlenSetHeapTop(v int) {
	binary.LittleEndian.PutUint16(n.nodeDataArea()[0:], uint16(v))
}

func (n *Node[K]) varlenDirOffset(idx int) int {
	return varlenHeapTopSize + idx*varlenDirEntrySize
}

func (n *Node[K]) varlenDirEntry(idx int) (keyLen, valLen, off int) {
	data := n.nodeDataArea()
	d := n.varlenDirOffset(idx)
	keyLen = int(binary.LittleEndian.Uint16(data[d:]))
	valLen = int(binary.LittleEndian.Uint16(data[d+2:]))
	off = int(binary.LittleEndian.Uint16(data[d+4:]))
	return
}

func (n *Node[K]) varlenSetDirEntry(idx, keyLen, valLen, off int) {
	data := n.nodeDataArea()
	d := n.varlenDirOffset(idx)
	binary.LittleEndian.PutUint16(data[d:], uint16(keyLen))
	binary.LittleEndian.PutUint16(data[d+2:], uint16(valLen))
	binary.LittleEndian.PutUint16(data[d+4:], uint16(off))
}

func (n *Node[K]) varlenKeyBytes(idx int) []byte {
	keyLen, _, off := n.varlenDirEntry(idx)
	return n.nodeDataArea()[off : off+keyLen]
}

func (n *Node[K]) varlenValueBytes(idx int) []byte {
	keyLen, valLen, off := n.varlenDirEntry(idx)
	return n.nodeDataArea()[off+keyLen : off+keyLen+valLen]
}

func (n *Node[K]) varlenAvailableSize() int {
	return n.varlenHeapTop() - varlenHeapTopSize - n.totalEntries()*varlenDirEntrySize
}

func (n *Node[K]) varlenInsertAt(idx int, keyBytes, valBytes []byte) Status {
	need := len(keyBytes) + len(valBytes)
	if n.varlenAvailableSize() < need+varlenDirEntrySize {
		return StatusSpaceNotAvail
	}
	data := n.nodeDataArea()
	newTop := n.varlenHeapTop() - need
	copy(data[newTop:], keyBytes)
	copy(data[newTop+len(keyBytes):], valBytes)
	n.varlenSetHeapTop(newTop)

	// Shift directory entries at and after idx one slot to the right.
	dirStart := n.varlenDirOffset(idx)
	dirEnd := n.varlenDirOffset(n.totalEntries())
	copy(data[dirStart+varlenDirEntrySize:dirEnd+varlenDirEntrySize], data[dirStart:dirEnd])
	n.incEntries()
	n.varlenSetDirEntry(idx, len(keyBytes), len(valBytes), newTop)
	return StatusSuccess
}

// varlenRemoveRange removes entries [from, to] and compacts the heap by
// rebuilding the data area from the surviving entries.
func (n *Node[K]) varlenRemoveRange(from, to int) {
	type kept struct{ k, v []byte }
	entries := make([]kept, 0, n.totalEntries()-(to-from+1))
	for i := 0; i < n.totalEntries(); i++ {
		if i >= from && i <= to {
			continue
		}
		k := append([]byte(nil), n.varlenKeyBytes(i)...)
		v := append([]byte(nil), n.varlenValueBytes(i)...)
		entries = append(entries, kept{k, v})
	}
	n.setTotalEntries(0)
	n.varlenInit()
	for i, e := range entries {
		n.varlenInsertAt(i, e.k, e.v)
	}
}

func (n *Node[K]) varlenUpdateAt(idx int, valBytes []byte) Status {
	keyLen, valLen, off := n.varlenDirEntry(idx)
	if len(valBytes) == valLen {
		copy(n.nodeDataArea()[off+keyLen:], valBytes)
		return StatusSuccess
	}
	if len(valBytes) > valLen && n.varlenAvailableSize() < len(valBytes)-valLen {
		return StatusSpaceNotAvail
	}
	key := append([]byte(nil), n.varlenKeyBytes(idx)...)
	n.varlenRemoveRange(idx, idx)
	return n.varlenInsertAt(idx, key, valBytes)
}

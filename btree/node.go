package btree

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
)

const (
	nodeMagic         = 0xab
	nodeVersionNum    = 1
	persistentHdrSize = 64
)

// Persistent header field offsets. The on-disk layout is little-endian and
// tightly packed; the codec below must not be reordered.
const (
	offMagic       = 0
	offVersion     = 1
	offChecksum    = 2
	offNodeId      = 4
	offNextNode    = 12
	offPacked      = 20 // nentries:30 | leaf:1 | valid:1
	offNodeGen     = 24
	offLinkVersion = 32
	offEdgeId      = 40
	offEdgeVersion = 48
	offLevel       = 56
	offNodeType    = 58
	offNodeSize    = 60
)

type locktype uint8

const (
	lockNone locktype = iota
	lockRead
	lockWrite
)

// Node is a page-sized B-tree node: a packed persistent header followed by the
// entry area, plus the transient latch state that never hits the device.
type Node[K Key[K]] struct {
	buf []byte
	cfg *Config

	// transient header
	mu         sync.RWMutex
	upgraders  atomic.Int32
	refCount   atomic.Int32
	leafCached bool
}

// newNode wraps buf as a node. When initBuf is true the persistent header is
// (re)initialized for a fresh node; otherwise the header is validated against
// the expected id.
func newNode[K Key[K]](buf []byte, id NodeId, initBuf, isLeaf bool, cfg *Config) (*Node[K], Status) {
	n := &Node[K]{buf: buf, cfg: cfg}
	if initBuf {
		for i := range buf[:persistentHdrSize] {
			buf[i] = 0
		}
		buf[offMagic] = nodeMagic
		buf[offVersion] = nodeVersionNum
		n.setNodeId(id)
		n.setNextNode(EmptyNodeId)
		n.setEdgeInfo(LinkInfo{ID: EmptyNodeId})
		n.setLeaf(isLeaf)
		n.setValid(true)
		n.setNodeSize(cfg.NodeSize)
		n.setNodeType(cfg.NodeType)
		if cfg.NodeType == NodeTypeVarLen {
			n.varlenInit()
		}
	} else {
		if n.magic() != nodeMagic || n.version() != nodeVersionNum {
			return nil, StatusCRCMismatch
		}
		if n.nodeId() != id {
			return nil, StatusCRCMismatch
		}
	}
	n.leafCached = n.isLeafPersistent()
	return n, StatusSuccess
}

// identifyLeafNode reports leaf-ness from a raw buffer by reading only the
// persistent header.
func identifyLeafNode(buf []byte) bool {
	return binary.LittleEndian.Uint32(buf[offPacked:])&(1<<30) != 0
}

///////////////////////////// persistent header accessors /////////////////////////////

func (n *Node[K]) magic() uint8   { return n.buf[offMagic] }
func (n *Node[K]) version() uint8 { return n.buf[offVersion] }
func (n *Node[K]) checksum() uint16 {
	return binary.LittleEndian.Uint16(n.buf[offChecksum:])
}

func (n *Node[K]) nodeId() NodeId {
	return NodeId(binary.LittleEndian.Uint64(n.buf[offNodeId:]))
}
func (n *Node[K]) setNodeId(id NodeId) {
	binary.LittleEndian.PutUint64(n.buf[offNodeId:], uint64(id))
}

func (n *Node[K]) nextNode() NodeId {
	return NodeId(binary.LittleEndian.Uint64(n.buf[offNextNode:]))
}
func (n *Node[K]) setNextNode(id NodeId) {
	binary.LittleEndian.PutUint64(n.buf[offNextNode:], uint64(id))
}

func (n *Node[K]) packed() uint32 { return binary.LittleEndian.Uint32(n.buf[offPacked:]) }
func (n *Node[K]) setPacked(v uint32) {
	binary.LittleEndian.PutUint32(n.buf[offPacked:], v)
}

func (n *Node[K]) totalEntries() int { return int(n.packed() & 0x3fffffff) }
func (n *Node[K]) setTotalEntries(c int) {
	n.setPacked(n.packed()&^uint32(0x3fffffff) | uint32(c)&0x3fffffff)
}
func (n *Node[K]) incEntries()      { n.setTotalEntries(n.totalEntries() + 1) }
func (n *Node[K]) decEntries()      { n.setTotalEntries(n.totalEntries() - 1) }
func (n *Node[K]) addEntries(c int) { n.setTotalEntries(n.totalEntries() + c) }
func (n *Node[K]) subEntries(c int) { n.setTotalEntries(n.totalEntries() - c) }

func (n *Node[K]) isLeafPersistent() bool { return n.packed()&(1<<30) != 0 }
func (n *Node[K]) setLeaf(leaf bool) {
	p := n.packed() &^ (1 << 30)
	if leaf {
		p |= 1 << 30
	}
	n.setPacked(p)
	n.leafCached = leaf
}

func (n *Node[K]) isValid() bool { return n.packed()&(1<<31) != 0 }
func (n *Node[K]) setValid(v bool) {
	p := n.packed() &^ (1 << 31)
	if v {
		p |= 1 << 31
	}
	n.setPacked(p)
}

func (n *Node[K]) gen() uint64 { return binary.LittleEndian.Uint64(n.buf[offNodeGen:]) }
func (n *Node[K]) setGen(g uint64) {
	binary.LittleEndian.PutUint64(n.buf[offNodeGen:], g)
}
func (n *Node[K]) incGen() { n.setGen(n.gen() + 1) }

func (n *Node[K]) linkVersion() uint64 {
	return binary.LittleEndian.Uint64(n.buf[offLinkVersion:])
}
func (n *Node[K]) setLinkVersion(v uint64) {
	binary.LittleEndian.PutUint64(n.buf[offLinkVersion:], v)
}
func (n *Node[K]) incLinkVersion() { n.setLinkVersion(n.linkVersion() + 1) }

func (n *Node[K]) edgeInfo() LinkInfo {
	return LinkInfo{
		ID:      NodeId(binary.LittleEndian.Uint64(n.buf[offEdgeId:])),
		Version: binary.LittleEndian.Uint64(n.buf[offEdgeVersion:]),
	}
}
func (n *Node[K]) setEdgeInfo(l LinkInfo) {
	binary.LittleEndian.PutUint64(n.buf[offEdgeId:], uint64(l.ID))
	binary.LittleEndian.PutUint64(n.buf[offEdgeVersion:], l.Version)
}
func (n *Node[K]) edgeId() NodeId { return n.edgeInfo().ID }

func (n *Node[K]) invalidateEdge() {
	binary.LittleEndian.PutUint64(n.buf[offEdgeId:], uint64(EmptyNodeId))
}

func (n *Node[K]) hasValidEdge() bool {
	if n.isLeaf() {
		return false
	}
	return n.edgeId() != EmptyNodeId
}

func (n *Node[K]) level() uint16 { return binary.LittleEndian.Uint16(n.buf[offLevel:]) }
func (n *Node[K]) setLevel(l uint16) {
	binary.LittleEndian.PutUint16(n.buf[offLevel:], l)
}

func (n *Node[K]) nodeType() NodeType     { return NodeType(n.buf[offNodeType]) }
func (n *Node[K]) setNodeType(t NodeType) { n.buf[offNodeType] = uint8(t) }

// node_size is stored as size-1 so that a 65536 byte page fits in 16 bits.
func (n *Node[K]) nodeSize() int {
	return int(binary.LittleEndian.Uint16(n.buf[offNodeSize:])) + 1
}
func (n *Node[K]) setNodeSize(size int) {
	binary.LittleEndian.PutUint16(n.buf[offNodeSize:], uint16(size-1))
}

func (n *Node[K]) nodeDataSize() int { return n.nodeSize() - persistentHdrSize }
func (n *Node[K]) nodeDataArea() []byte {
	return n.buf[persistentHdrSize:n.nodeSize()]
}

func (n *Node[K]) isLeaf() bool { return n.leafCached }

func (n *Node[K]) linkInfo() LinkInfo {
	return LinkInfo{ID: n.nodeId(), Version: n.linkVersion()}
}

///////////////////////////// checksum /////////////////////////////

// setChecksum recomputes the CRC over the data area. The header is outside the
// protected region; the checksum field itself is zeroed before computation.
func (n *Node[K]) setChecksum() {
	binary.LittleEndian.PutUint16(n.buf[offChecksum:], 0)
	crc := crc16T10Dif(0, n.nodeDataArea())
	binary.LittleEndian.PutUint16(n.buf[offChecksum:], crc)
}

// verifyNode checks magic, version and checksum of the persistent buffer.
func (n *Node[K]) verifyNode() bool {
	if n.magic() != nodeMagic || n.version() != nodeVersionNum {
		return false
	}
	stored := n.checksum()
	binary.LittleEndian.PutUint16(n.buf[offChecksum:], 0)
	crc := crc16T10Dif(0, n.nodeDataArea())
	binary.LittleEndian.PutUint16(n.buf[offChecksum:], stored)
	return crc == stored
}

///////////////////////////// latch discipline /////////////////////////////

func (n *Node[K]) lock(l locktype) {
	switch l {
	case lockRead:
		n.mu.RLock()
	case lockWrite:
		n.mu.Lock()
	}
}

func (n *Node[K]) unlock(l locktype) {
	switch l {
	case lockRead:
		n.mu.RUnlock()
	case lockWrite:
		n.mu.Unlock()
	}
}

// lockUpgrade releases the shared latch and acquires the exclusive latch,
// advertising itself through the upgraders counter so long readers can yield.
func (n *Node[K]) lockUpgrade() {
	n.upgraders.Add(1)
	n.unlock(lockRead)
	n.lock(lockWrite)
	n.upgraders.Add(-1)
}

func (n *Node[K]) anyUpgradeWaiters() bool {
	return n.upgraders.Load() != 0
}

///////////////////////////// search /////////////////////////////

// find performs a binary search for key. It returns whether the key was found
// and the index of the first entry whose key is >= key. For interior nodes an
// index equal to totalEntries refers to the edge pointer when present.
func (n *Node[K]) find(key K) (bool, int) {
	return n.bsearch(-1, n.totalEntries(), key)
}

func (n *Node[K]) bsearch(start, end int, key K) (bool, int) {
	found := false
	for end-start > 1 {
		mid := start + (end-start)/2
		x := n.compareNthKey(key, mid)
		if x == 0 {
			found = true
			end = mid
			break
		} else if x > 0 {
			end = mid
		} else {
			start = mid
		}
	}
	return found, end
}

// compareNthKey compares key against the entry at idx: >0 when the entry key
// sorts after key, 0 on equal, <0 when before.
func (n *Node[K]) compareNthKey(key K, idx int) int {
	nth := n.keyAt(idx, false)
	return nth.Compare(key)
}

// matchRange computes the inclusive [startIdx, endIdx] window of entries within
// the node that fall in range. The boolean result is false when the node
// contributes nothing. For interior nodes endIdx may equal totalEntries,
// meaning the edge pointer participates.
func (n *Node[K]) matchRange(r KeyRange[K]) (startIdx, endIdx int, ok bool) {
	sfound, startIdx := n.bsearch(-1, n.totalEntries(), r.Start)
	if sfound && !r.StartInclusive {
		startIdx++
	}
	if startIdx == n.totalEntries() {
		// Past the last entry; only an edge node still contributes.
		endIdx = startIdx
		return startIdx, endIdx, !n.isLeaf() && n.hasValidEdge()
	}

	efound, endIdx := n.bsearch(-1, n.totalEntries(), r.End)
	if n.isLeaf() || (endIdx == n.totalEntries() && !n.hasValidEdge()) {
		// The search returned the first key >= end; retreat to the last key
		// within the range unless end was matched inclusively.
		if !efound || !r.EndInclusive {
			if endIdx == 0 {
				return 0, 0, false
			}
			endIdx--
		}
		if startIdx > endIdx {
			return startIdx, endIdx, false
		}
	}
	return startIdx, endIdx, true
}

///////////////////////////// entry access, variant dispatched /////////////////////////////

func (n *Node[K]) keyBytesAt(idx int) []byte {
	if n.nodeType() == NodeTypeVarLen {
		return n.varlenKeyBytes(idx)
	}
	return n.fixedKeyBytes(idx)
}

func (n *Node[K]) valueBytesAt(idx int) []byte {
	if n.nodeType() == NodeTypeVarLen {
		return n.varlenValueBytes(idx)
	}
	return n.fixedValueBytes(idx)
}

// keyAt decodes the key at idx. When copy is false the decoded key may alias
// node-internal bytes and must be consumed before the node mutates.
func (n *Node[K]) keyAt(idx int, copy bool) K {
	var zero K
	b := n.keyBytesAt(idx)
	if copy {
		dup := make([]byte, len(b))
		copyBytes(dup, b)
		b = dup
	}
	return zero.Deserialize(b)
}

// valueAt returns the serialized value bytes at idx, copying when requested.
func (n *Node[K]) valueAt(idx int, copy bool) []byte {
	b := n.valueBytesAt(idx)
	if copy {
		dup := make([]byte, len(b))
		copyBytes(dup, b)
		return dup
	}
	return b
}

// linkAt returns the child link at idx; idx == totalEntries resolves to the
// edge pointer.
func (n *Node[K]) linkAt(idx int) LinkInfo {
	if idx == n.totalEntries() {
		return n.edgeInfo()
	}
	return deserializeLinkInfo(n.valueBytesAt(idx))
}

func (n *Node[K]) setLinkAt(idx int, l LinkInfo) {
	if idx == n.totalEntries() {
		n.setEdgeInfo(l)
		return
	}
	n.updateValueAt(idx, l.Serialize())
}

func (n *Node[K]) firstKey() K { return n.keyAt(0, true) }
func (n *Node[K]) lastKey() K  { return n.keyAt(n.totalEntries()-1, true) }

func (n *Node[K]) keySizeAt(idx int) int   { return len(n.keyBytesAt(idx)) }
func (n *Node[K]) valueSizeAt(idx int) int { return len(n.valueBytesAt(idx)) }
func (n *Node[K]) objSizeAt(idx int) int   { return n.keySizeAt(idx) + n.valueSizeAt(idx) }

///////////////////////////// mutation, variant dispatched /////////////////////////////

// insertAt places (key, value bytes) at idx, shifting later entries right.
func (n *Node[K]) insertAt(idx int, keyBytes, valBytes []byte) Status {
	if n.nodeType() == NodeTypeVarLen {
		return n.varlenInsertAt(idx, keyBytes, valBytes)
	}
	return n.fixedInsertAt(idx, keyBytes, valBytes)
}

// insert places the entry at its sorted position. Duplicate keys are forbidden
// at the index level.
func (n *Node[K]) insert(key K, valBytes []byte) Status {
	found, idx := n.find(key)
	if found && n.isLeaf() {
		return StatusAlreadyExists
	}
	return n.insertAt(idx, key.Serialize(), valBytes)
}

// removeRange removes entries [from, to] inclusive.
func (n *Node[K]) removeRange(from, to int) {
	if n.nodeType() == NodeTypeVarLen {
		n.varlenRemoveRange(from, to)
		return
	}
	n.fixedRemoveRange(from, to)
}

func (n *Node[K]) removeAt(idx int) { n.removeRange(idx, idx) }

// updateValueAt replaces the value at idx in place. For the var-len layout the
// new value may differ in size; the caller checks room first.
func (n *Node[K]) updateValueAt(idx int, valBytes []byte) Status {
	if n.nodeType() == NodeTypeVarLen {
		return n.varlenUpdateAt(idx, valBytes)
	}
	return n.fixedUpdateAt(idx, valBytes)
}

// moveOutRightBySize moves trailing entries of at least size bytes from n to
// the front of other, preserving order. Returns the number of entries moved.
func (n *Node[K]) moveOutRightBySize(other *Node[K], size int) int {
	nentries := 0
	acc := 0
	for i := n.totalEntries() - 1; i >= 0; i-- {
		acc += n.objSizeAt(i)
		nentries++
		if acc >= size {
			break
		}
	}
	// Never drain the node fully; the left half keeps at least one entry.
	if nentries >= n.totalEntries() {
		nentries = n.totalEntries() - 1
	}
	return n.moveOutRightByEntries(other, nentries)
}

// moveOutRightByEntries moves the trailing nentries from n to the front of other.
func (n *Node[K]) moveOutRightByEntries(other *Node[K], nentries int) int {
	if nentries <= 0 {
		return 0
	}
	start := n.totalEntries() - nentries
	for i := start; i < n.totalEntries(); i++ {
		if st := other.insertAt(other.totalEntries(), n.keyBytesAt(i), n.valueBytesAt(i)); st != StatusSuccess {
			// Ran out of room mid move; keep what fit.
			nentries = i - start
			break
		}
	}
	if nentries <= 0 {
		return 0
	}
	n.removeRange(start, start+nentries-1)
	n.incGen()
	other.incGen()
	return nentries
}

// copyByEntries appends up to nentries entries from other starting at startIdx,
// bounded by available room. Returns the number copied.
func (n *Node[K]) copyByEntries(other *Node[K], startIdx, nentries int) int {
	copied := 0
	for i := startIdx; i < other.totalEntries() && copied < nentries; i++ {
		if !n.hasRoomForObj(other.keySizeAt(i), other.valueSizeAt(i)) {
			break
		}
		if st := n.insertAt(n.totalEntries(), other.keyBytesAt(i), other.valueBytesAt(i)); st != StatusSuccess {
			break
		}
		copied++
	}
	if copied > 0 {
		n.incGen()
	}
	return copied
}

// copyBySize appends entries from other starting at startIdx until size bytes
// were copied or the room ran out. Returns the number of entries copied.
func (n *Node[K]) copyBySize(other *Node[K], startIdx, size int) int {
	copied := 0
	acc := 0
	for i := startIdx; i < other.totalEntries(); i++ {
		sz := other.objSizeAt(i)
		if acc+sz > size || !n.hasRoomForObj(other.keySizeAt(i), other.valueSizeAt(i)) {
			break
		}
		if st := n.insertAt(n.totalEntries(), other.keyBytesAt(i), other.valueBytesAt(i)); st != StatusSuccess {
			break
		}
		acc += sz
		copied++
	}
	if copied > 0 {
		n.incGen()
	}
	return copied
}

// numEntriesBySize returns how many entries from startIdx fit within size bytes.
func (n *Node[K]) numEntriesBySize(startIdx, size int) int {
	acc := 0
	cnt := 0
	for i := startIdx; i < n.totalEntries(); i++ {
		acc += n.objSizeAt(i)
		if acc > size {
			break
		}
		cnt++
	}
	return cnt
}

///////////////////////////// occupancy /////////////////////////////

func (n *Node[K]) availableSize() int {
	if n.nodeType() == NodeTypeVarLen {
		return n.varlenAvailableSize()
	}
	return n.fixedAvailableSize()
}

func (n *Node[K]) occupiedSize() int {
	return n.nodeDataSize() - n.availableSize()
}

func (n *Node[K]) hasRoomForObj(keySize, valSize int) bool {
	if n.nodeType() == NodeTypeVarLen {
		return n.availableSize() >= keySize+valSize+varlenDirEntrySize
	}
	return n.availableSize() >= n.fixedEntrySize()
}

// hasRoomForPut reports whether a put of the given type and sizes fits.
// Updates that replace in place need no extra room in the fixed layout.
func (n *Node[K]) hasRoomForPut(putType PutType, keySize, valSize int) bool {
	switch putType {
	case PutUpdateOnly:
		if n.nodeType() == NodeTypeFixed {
			return true
		}
		return n.availableSize() >= valSize
	default:
		return n.hasRoomForObj(keySize, valSize)
	}
}

func (n *Node[K]) isMergeNeeded(cfg *Config) bool {
	return n.occupiedSize() < cfg.suggestedMinSize()
}

// getAdjacentIndices collects up to maxIndices parent slot indices centered
// around curIdx, the window a merge considers. The edge slot participates when
// valid.
func (n *Node[K]) getAdjacentIndices(curIdx int, maxIndices int) []int {
	out := make([]int, 0, maxIndices)
	nentries := n.totalEntries()

	maxLeft := (maxIndices / 2) - 1 + (maxIndices % 2)
	endIdx := curIdx + (maxIndices / 2)
	var startIdx int
	if curIdx < maxLeft {
		endIdx += maxLeft - curIdx
		startIdx = 0
	} else {
		startIdx = curIdx - maxLeft
	}

	for i := startIdx; i <= endIdx && len(out) < maxIndices; i++ {
		if i == nentries {
			if n.hasValidEdge() {
				out = append(out, i)
			}
			break
		}
		out = append(out, i)
	}
	return out
}

func (n *Node[K]) String() string {
	return fmt.Sprintf("node_id=%d next=%d nentries=%d leaf=%v valid=%v gen=%d link_version=%d edge=%d level=%d",
		n.nodeId(), n.nextNode(), n.totalEntries(), n.isLeaf(), n.isValid(), n.gen(), n.linkVersion(), n.edgeId(), n.level())
}

func copyBytes(dst, src []byte) { copy(dst, src) }

package btree

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/sharedcode/homestore/cache"
)

// MemNodeStore is the default NodeStore: node buffers live in memory, with the
// persisted image of every written node kept separately so reads after
// eviction rehydrate and re-verify the page. Transactional writes apply
// all-or-nothing under the store mutex.
type MemNodeStore[K Key[K]] struct {
	cfg    *Config
	mu     sync.Mutex
	nextID atomic.Uint64

	nodes     cache.Cache[uint64, *Node[K]]
	persisted map[NodeId][]byte
	freed     map[NodeId]bool

	rootID      NodeId
	rootVersion uint64
	nodeCount   atomic.Int64

	// faultDropParentUpdate, when set, makes the next TransactWriteNodes
	// commit the child and new nodes but lose the parent's update, leaving
	// the tree in the state a crash between the two writes would produce.
	// Used to exercise structural repair.
	faultDropParentUpdate atomic.Bool
}

// NewMemNodeStore returns an in-memory node store whose node cache is bounded
// to cacheCapacity entries. Referenced nodes are never evicted; every latch
// holds a reference, so an evicted node is both unlatched and persisted.
func NewMemNodeStore[K Key[K]](cfg *Config, cacheCapacity int) *MemNodeStore[K] {
	s := &MemNodeStore[K]{
		cfg:       cfg,
		persisted: map[NodeId][]byte{},
		freed:     map[NodeId]bool{},
		rootID:    EmptyNodeId,
	}
	s.nodes = cache.NewMRU[uint64, *Node[K]](cacheCapacity, nil, func(_ uint64, n *Node[K]) bool {
		return n.refCount.Load() == 0
	})
	return s
}

// FaultDropNextParentUpdate arms the lost-parent-update fault for the next
// transactional write.
func (s *MemNodeStore[K]) FaultDropNextParentUpdate() {
	s.faultDropParentUpdate.Store(true)
}

func (s *MemNodeStore[K]) StoreType() string { return "MEM_BTREE" }

// AllocNode returns a fresh node pinned with one reference; the pin drops when
// the node is first committed through TransactWriteNodes or WriteNode.
func (s *MemNodeStore[K]) AllocNode(_ context.Context, isLeaf bool) (*Node[K], Status) {
	id := NodeId(s.nextID.Add(1))
	buf := make([]byte, s.cfg.NodeSize)
	n, st := newNode[K](buf, id, true, isLeaf, s.cfg)
	if st != StatusSuccess {
		return nil, st
	}
	n.refCount.Add(1)
	s.nodes.Set(uint64(id), n)
	s.nodeCount.Add(1)
	return n, StatusSuccess
}

func (s *MemNodeStore[K]) ReadNode(_ context.Context, id NodeId) (*Node[K], Status) {
	if n, ok := s.nodes.Get(uint64(id)); ok {
		return n, StatusSuccess
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	// Re-check under the mutex so two concurrent misses cannot materialize
	// two distinct nodes for the same id.
	if n, ok := s.nodes.Get(uint64(id)); ok {
		return n, StatusSuccess
	}
	img, ok := s.persisted[id]
	if !ok {
		if s.freed[id] {
			return nil, StatusNodeFreed
		}
		return nil, StatusNotFound
	}
	buf := make([]byte, s.cfg.NodeSize)
	copy(buf, img)
	n, st := newNode[K](buf, id, false, identifyLeafNode(buf), s.cfg)
	if st != StatusSuccess {
		return nil, st
	}
	if !n.verifyNode() {
		return nil, StatusCRCMismatch
	}
	s.nodes.Set(uint64(id), n)
	return n, StatusSuccess
}

func (s *MemNodeStore[K]) WriteNode(_ context.Context, n *Node[K], _ any) Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.persist(n)
	return StatusSuccess
}

// persist snapshots the node buffer as its durable image and drops the alloc
// pin if this is the node's first write. Caller holds s.mu.
func (s *MemNodeStore[K]) persist(n *Node[K]) {
	n.setChecksum()
	id := n.nodeId()
	_, existed := s.persisted[id]
	img := make([]byte, len(n.buf))
	copy(img, n.buf)
	s.persisted[id] = img
	if !existed {
		n.refCount.Add(-1)
	}
}

func (s *MemNodeStore[K]) RefreshNode(_ context.Context, n *Node[K], _ bool, _ any) Status {
	id := n.nodeId()
	s.mu.Lock()
	gone := s.freed[id]
	s.mu.Unlock()
	if gone || !n.isValid() {
		return StatusNodeFreed
	}
	if cur, ok := s.nodes.Get(uint64(id)); ok && cur != n {
		// The caller's copy was evicted and re-materialized behind its back.
		return StatusStaleBuf
	}
	return StatusSuccess
}

func (s *MemNodeStore[K]) FreeNode(_ context.Context, n *Node[K], _ any) Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := n.nodeId()
	n.setValid(false)
	if _, existed := s.persisted[id]; !existed {
		// Never written: drop the alloc pin on its way out.
		n.refCount.Add(-1)
	}
	s.nodes.Delete(uint64(id))
	delete(s.persisted, id)
	s.freed[id] = true
	s.nodeCount.Add(-1)
	return StatusSuccess
}

func (s *MemNodeStore[K]) PrepareNodeTxn(_ context.Context, _, _ *Node[K], _ any) Status {
	return StatusSuccess
}

func (s *MemNodeStore[K]) TransactWriteNodes(_ context.Context, newNodes []*Node[K], child, parent *Node[K], _ any) Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range newNodes {
		s.persist(n)
	}
	if child != nil {
		s.persist(child)
	}
	if parent != nil {
		if s.faultDropParentUpdate.CompareAndSwap(true, false) {
			// Lose the parent update: roll its live buffer back to the last
			// persisted image, as a crash between child and parent writes
			// would. The caller holds the parent write latch.
			if img, ok := s.persisted[parent.nodeId()]; ok {
				copy(parent.buf, img)
				parent.leafCached = parent.isLeafPersistent()
			}
			return StatusSuccess
		}
		s.persist(parent)
	}
	return StatusSuccess
}

func (s *MemNodeStore[K]) UpdateNewRootInfo(rootID NodeId, linkVersion uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rootID = rootID
	s.rootVersion = linkVersion
}

func (s *MemNodeStore[K]) RootInfo() (NodeId, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rootID, s.rootVersion
}

func (s *MemNodeStore[K]) NodeCount() int {
	return int(s.nodeCount.Load())
}

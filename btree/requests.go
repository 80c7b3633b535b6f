package btree

import (
	"sync/atomic"
	"time"

	"github.com/sharedcode/homestore"
)

// PutType selects the leaf semantics of a put.
type PutType int

const (
	// PutInsertOnly fails with already_exists when the key is present.
	PutInsertOnly PutType = iota
	// PutUpsert updates on match, inserts on miss.
	PutUpsert
	// PutUpdateOnly fails with not_found on miss.
	PutUpdateOnly
	// PutAppendIfExistsElseInsert appends to the existing value on match,
	// inserts on miss.
	PutAppendIfExistsElseInsert
)

type lockedNodeInfo[K Key[K]] struct {
	node       *Node[K]
	ltype      locktype
	acquiredAt time.Time
}

// OpContext carries per-request state across suspension points: the ordered
// lists of held latches, the force-split hint and an opaque store context the
// node store uses for transactional grouping. The original kept these in
// fiber-local storage; attaching them to the request keeps the same lifetime
// without relying on goroutine identity.
type OpContext[K Key[K]] struct {
	ID homestore.UUID
	// StoreContext is handed to every node store call of this request.
	StoreContext any

	rdLocked   []lockedNodeInfo[K]
	wrLocked   []lockedNodeInfo[K]
	forceSplit NodeId
	cancelled  atomic.Bool
}

// NewOpContext returns a fresh op-context with a unique request id.
func NewOpContext[K Key[K]]() *OpContext[K] {
	return &OpContext[K]{ID: homestore.NewUUID(), forceSplit: EmptyNodeId}
}

// Cancel requests the operation abort at its next suspension point. Latches
// held at that point are released before the abort surfaces.
func (oc *OpContext[K]) Cancel() {
	oc.cancelled.Store(true)
}

func (oc *OpContext[K]) isCancelled() bool {
	return oc.cancelled.Load()
}

// LatchesHeld returns the number of latches currently tracked; zero at request
// completion ("no leaked latches").
func (oc *OpContext[K]) LatchesHeld() int {
	return len(oc.rdLocked) + len(oc.wrLocked)
}

func (oc *OpContext[K]) trackLock(n *Node[K], l locktype) {
	info := lockedNodeInfo[K]{node: n, ltype: l, acquiredAt: time.Now()}
	if l == lockWrite {
		oc.wrLocked = append(oc.wrLocked, info)
	} else {
		oc.rdLocked = append(oc.rdLocked, info)
	}
}

// untrackLock pops the bookkeeping entry for node n with latch kind l.
// Releases happen in reverse acquisition order, so the scan is from the back.
func (oc *OpContext[K]) untrackLock(n *Node[K], l locktype) bool {
	list := &oc.rdLocked
	if l == lockWrite {
		list = &oc.wrLocked
	}
	for i := len(*list) - 1; i >= 0; i-- {
		if (*list)[i].node == n {
			*list = append((*list)[:i], (*list)[i+1:]...)
			return true
		}
	}
	return false
}

// retrackLock switches the bookkeeping of node n from latch kind from to to,
// used on upgrade.
func (oc *OpContext[K]) retrackLock(n *Node[K], from, to locktype) {
	oc.untrackLock(n, from)
	oc.trackLock(n, to)
}

// QueryStrategy selects between the leaf-chain sweep and a recursive
// traversal.
type QueryStrategy int

const (
	// QuerySweep walks the leaf chain horizontally under read latches.
	QuerySweep QueryStrategy = iota
	// QueryTraversal recursively descends from the root; meant for small
	// predicate-driven queries.
	QueryTraversal
)

// QueryRequest is a re-entrant range query. The cursor advances on every
// invocation; the caller re-enters with the same request until the result
// batch comes back short.
type QueryRequest[K Key[K]] struct {
	Range     KeyRange[K]
	BatchSize int
	Strategy  QueryStrategy
	Op        *OpContext[K]

	cursor    K
	cursorSet bool
}

// Pair is a query result element.
type Pair[K Key[K], V Value[V]] struct {
	Key   K
	Value V
}

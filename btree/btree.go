package btree

import (
	"context"
	"sync"
	"sync/atomic"

	log "log/slog"

	"github.com/sharedcode/homestore"
)

// Btree is an in-place ordered index over a pluggable node store. Descents use
// hand-over-hand latching (crabbing): the parent's latch is released once the
// child is safely held, escalating to exclusive latches only around structural
// changes. The key/value types are opaque to the engine beyond the Key/Value
// contracts.
type Btree[K Key[K], V Value[V]] struct {
	cfg   Config
	store NodeStore[K]

	// mu protects root pointer publication only; node contents are guarded by
	// per-node latches.
	mu       sync.RWMutex
	rootInfo LinkInfo

	destroyed atomic.Bool
}

// New creates a B-tree over the given node store. Call Init before first use
// on a fresh store.
func New[K Key[K], V Value[V]](cfg Config, store NodeStore[K]) (*Btree[K, V], error) {
	cfg = cfg.withDefaults()
	if store == nil {
		return nil, homestore.Error{Code: homestore.Unknown, Err: errNilStore}
	}
	t := &Btree[K, V]{cfg: cfg, store: store}
	if id, ver := store.RootInfo(); id != EmptyNodeId {
		t.rootInfo = LinkInfo{ID: id, Version: ver}
	} else {
		t.rootInfo = LinkInfo{ID: EmptyNodeId}
	}
	return t, nil
}

// Init creates the root leaf on a fresh store. It is a no-op when a root was
// already published.
func (t *Btree[K, V]) Init(ctx context.Context) Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.rootInfo.ID != EmptyNodeId {
		return StatusSuccess
	}
	root, st := t.store.AllocNode(ctx, true)
	if st != StatusSuccess {
		return st
	}
	if st = t.store.WriteNode(ctx, root, nil); st != StatusSuccess {
		return st
	}
	t.rootInfo = root.linkInfo()
	t.store.UpdateNewRootInfo(t.rootInfo.ID, t.rootInfo.Version)
	return StatusSuccess
}

// RootNodeId returns the current root node id.
func (t *Btree[K, V]) RootNodeId() NodeId {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.rootInfo.ID
}

// RootLinkVersion returns the current root link version.
func (t *Btree[K, V]) RootLinkVersion() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.rootInfo.Version
}

// NodeCount returns the number of live nodes in the backing store.
func (t *Btree[K, V]) NodeCount() int {
	return t.store.NodeCount()
}

func (t *Btree[K, V]) currentRoot() LinkInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.rootInfo
}

func (t *Btree[K, V]) setRoot(l LinkInfo) {
	t.mu.Lock()
	t.rootInfo = l
	t.mu.Unlock()
	t.store.UpdateNewRootInfo(l.ID, l.Version)
}

///////////////////////////// latch helpers /////////////////////////////

// lockNode latches the node, pins it against eviction and records the
// acquisition on the op-context.
func (t *Btree[K, V]) lockNode(n *Node[K], l locktype, op *OpContext[K]) {
	n.refCount.Add(1)
	n.lock(l)
	op.trackLock(n, l)
}

// unlockNode releases in reverse acquisition order and unpins.
func (t *Btree[K, V]) unlockNode(n *Node[K], l locktype, op *OpContext[K]) {
	op.untrackLock(n, l)
	n.unlock(l)
	n.refCount.Add(-1)
}

// readAndLockNode reads a node and latches it with intLock for interior nodes
// or leafLock for leaves. The buffer is refreshed after the latch wait, since
// the node may have changed or been superseded while blocked.
func (t *Btree[K, V]) readAndLockNode(ctx context.Context, id NodeId, intLock, leafLock locktype, op *OpContext[K]) (*Node[K], locktype, Status) {
	n, st := t.store.ReadNode(ctx, id)
	if st != StatusSuccess {
		return nil, lockNone, st
	}
	l := intLock
	if n.isLeaf() {
		l = leafLock
	}
	t.lockNode(n, l, op)
	if op.isCancelled() || ctx.Err() != nil {
		t.unlockNode(n, l, op)
		return nil, lockNone, StatusOperationAborted
	}
	if st = t.store.RefreshNode(ctx, n, l == lockWrite, op.StoreContext); st != StatusSuccess {
		t.unlockNode(n, l, op)
		return nil, lockNone, st
	}
	return n, l, StatusSuccess
}

// upgradeNodeLocks escalates parent and child to exclusive latches. On return
// with StatusSuccess both are write-latched; any other status means both were
// released. Generations are re-validated across the upgrade gap.
func (t *Btree[K, V]) upgradeNodeLocks(ctx context.Context, parent, child *Node[K], parentLock, childLock locktype, op *OpContext[K]) Status {
	parentGen := parent.gen()
	childGen := child.gen()

	t.unlockNode(child, childLock, op)
	if parentLock == lockRead {
		parent.lockUpgrade()
		op.retrackLock(parent, lockRead, lockWrite)
	}
	if !parent.isValid() || parent.gen() != parentGen {
		t.unlockNode(parent, lockWrite, op)
		return StatusRetry
	}
	t.lockNode(child, lockWrite, op)
	if st := t.store.RefreshNode(ctx, child, true, op.StoreContext); st != StatusSuccess {
		t.unlockNode(child, lockWrite, op)
		t.unlockNode(parent, lockWrite, op)
		if st == StatusStaleBuf || st == StatusNodeFreed {
			return StatusRetry
		}
		return st
	}
	if !child.isValid() || child.gen() != childGen {
		t.unlockNode(child, lockWrite, op)
		t.unlockNode(parent, lockWrite, op)
		return StatusRetry
	}
	return StatusSuccess
}

// runWithRetries restarts task on structural races up to the configured bound,
// surfacing operation_aborted when the bound is hit.
func (t *Btree[K, V]) runWithRetries(ctx context.Context, op *OpContext[K], task func() Status) Status {
	var final Status
	err := homestore.RetryFast(ctx, t.cfg.MaxStructuralRetries, func(context.Context) error {
		if op.isCancelled() {
			final = StatusOperationAborted
			return nil
		}
		final = task()
		if n := op.LatchesHeld(); n != 0 {
			// Every attempt must unwind fully; a non-empty list here is a
			// leaked latch.
			log.Error("latches leaked at end of attempt", "req", op.ID.String(), "held", n)
		}
		if final.IsRetryable() {
			return homestore.RetryableError(errStructuralRace)
		}
		return nil
	})
	if err != nil {
		log.Debug("descent retries exhausted", "req", op.ID.String())
		return StatusOperationAborted
	}
	return final
}

///////////////////////////// get /////////////////////////////

// Get returns the value stored under key. op may be nil.
func (t *Btree[K, V]) Get(ctx context.Context, key K, op *OpContext[K]) (V, Status) {
	var out V
	if op == nil {
		op = NewOpContext[K]()
	}
	st := t.runWithRetries(ctx, op, func() Status {
		v, st := t.doGetOnce(ctx, key, op)
		if st == StatusSuccess {
			out = v
		}
		return st
	})
	return out, st
}

func (t *Btree[K, V]) doGetOnce(ctx context.Context, key K, op *OpContext[K]) (V, Status) {
	var zero V
	root := t.currentRoot()
	if root.ID == EmptyNodeId {
		return zero, StatusNotFound
	}
	cur, curLock, st := t.readAndLockNode(ctx, root.ID, lockRead, lockRead, op)
	if st != StatusSuccess {
		return zero, st
	}
	for !cur.isLeaf() {
		_, idx := cur.find(key)
		if idx == cur.totalEntries() && !cur.hasValidEdge() {
			t.unlockNode(cur, curLock, op)
			return zero, StatusNotFound
		}
		info := cur.linkAt(idx)
		child, childLock, st := t.readAndLockNode(ctx, info.ID, lockRead, lockRead, op)
		if st != StatusSuccess {
			t.unlockNode(cur, curLock, op)
			if st == StatusNodeFreed || st == StatusNotFound {
				return zero, StatusRetry
			}
			return zero, st
		}
		if !child.isValid() || child.linkVersion() > info.Version {
			t.unlockNode(child, childLock, op)
			t.unlockNode(cur, curLock, op)
			return zero, StatusRetry
		}
		t.unlockNode(cur, curLock, op)
		cur, curLock = child, childLock
	}
	found, idx := cur.find(key)
	if !found {
		t.unlockNode(cur, curLock, op)
		return zero, StatusNotFound
	}
	vb := cur.valueAt(idx, true)
	t.unlockNode(cur, curLock, op)
	return zero.Deserialize(vb), StatusSuccess
}

///////////////////////////// destroy /////////////////////////////

// Destroy frees every node of the tree through the node store via a post-order
// traversal and returns the count freed. It is idempotent: a second call
// observes the destroyed flag and frees nothing.
func (t *Btree[K, V]) Destroy(ctx context.Context, op *OpContext[K]) (int, Status) {
	if op == nil {
		op = NewOpContext[K]()
	}
	if t.destroyed.Swap(true) {
		return 0, StatusSuccess
	}
	t.mu.Lock()
	rootID := t.rootInfo.ID
	t.rootInfo = LinkInfo{ID: EmptyNodeId}
	t.mu.Unlock()
	if rootID == EmptyNodeId {
		return 0, StatusSuccess
	}
	freed := 0
	st := t.postOrderFree(ctx, rootID, &freed, op)
	log.Debug("btree destroyed", "freed", freed)
	return freed, st
}

func (t *Btree[K, V]) postOrderFree(ctx context.Context, id NodeId, freed *int, op *OpContext[K]) Status {
	n, st := t.store.ReadNode(ctx, id)
	if st == StatusNodeFreed || st == StatusNotFound {
		return StatusSuccess
	}
	if st != StatusSuccess {
		return st
	}
	t.lockNode(n, lockWrite, op)
	if !n.isLeaf() {
		for i := 0; i <= n.totalEntries(); i++ {
			if i == n.totalEntries() && !n.hasValidEdge() {
				break
			}
			if st := t.postOrderFree(ctx, n.linkAt(i).ID, freed, op); st != StatusSuccess {
				t.unlockNode(n, lockWrite, op)
				return st
			}
		}
	}
	st = t.store.FreeNode(ctx, n, op.StoreContext)
	t.unlockNode(n, lockWrite, op)
	if st == StatusSuccess {
		*freed++
	}
	return st
}

package btree

import (
	"context"

	log "log/slog"
)

type putRequest[K Key[K]] struct {
	key      K
	keyBytes []byte
	valBytes []byte
	putType  PutType
	op       *OpContext[K]
}

// Put stores value under key with the requested put-type semantics. op may be
// nil, in which case a fresh op-context is created for the request.
func (t *Btree[K, V]) Put(ctx context.Context, key K, value V, putType PutType, op *OpContext[K]) Status {
	if op == nil {
		op = NewOpContext[K]()
	}
	req := &putRequest[K]{
		key:      key,
		keyBytes: key.Serialize(),
		valBytes: value.Serialize(),
		putType:  putType,
		op:       op,
	}
	return t.runWithRetries(ctx, op, func() Status {
		return t.doPutOnce(ctx, req)
	})
}

func (t *Btree[K, V]) doPutOnce(ctx context.Context, req *putRequest[K]) Status {
	op := req.op
	root := t.currentRoot()
	if root.ID == EmptyNodeId {
		return StatusNotFound
	}
	node, curLock, st := t.readAndLockNode(ctx, root.ID, lockRead, lockWrite, op)
	if st != StatusSuccess {
		if st == StatusNodeFreed || st == StatusNotFound {
			return StatusRetry
		}
		return st
	}
	// The root may have moved while blocked on the latch.
	if t.currentRoot().ID != root.ID {
		t.unlockNode(node, curLock, op)
		return StatusRetry
	}
	if t.isSplitNeeded(node, req) {
		t.unlockNode(node, curLock, op)
		if st = t.checkSplitRoot(ctx, req); st != StatusSuccess {
			return st
		}
		return StatusRetry
	}
	return t.doPut(ctx, node, curLock, req)
}

// doPut descends one level per call, crabbing latches: the child is latched
// (escalating around restructures), the parent's latch is dropped once the
// child is safe, and the recursion continues until the leaf mutation.
func (t *Btree[K, V]) doPut(ctx context.Context, myNode *Node[K], curLock locktype, req *putRequest[K]) Status {
	op := req.op
	if myNode.isLeaf() {
		st := t.mutateWriteLeaf(ctx, myNode, req)
		t.unlockNode(myNode, curLock, op)
		return st
	}

	_, idx := myNode.find(req.key)
	if idx == myNode.totalEntries() && !myNode.hasValidEdge() {
		// Interior node with no edge cannot cover keys past its last entry.
		t.unlockNode(myNode, curLock, op)
		return StatusRetry
	}
	childInfo := myNode.linkAt(idx)
	child, childLock, st := t.readAndLockNode(ctx, childInfo.ID, lockRead, lockWrite, op)
	if st != StatusSuccess {
		if st == StatusNodeFreed || st == StatusNotFound {
			// A merge committed without its parent update; patch the parent.
			st = t.upgradeParentLock(ctx, myNode, &curLock, op)
			if st == StatusSuccess {
				st = t.repairMerge(ctx, myNode, idx, op)
			}
			t.unlockNode(myNode, curLock, op)
			if st == StatusSuccess || st.IsRetryable() {
				return StatusRetry
			}
			return st
		}
		t.unlockNode(myNode, curLock, op)
		if st == StatusStaleBuf {
			return StatusRetry
		}
		if st == StatusCRCMismatch {
			log.Error("crc mismatch reading child", "node_id", uint64(childInfo.ID))
		}
		return st
	}

	if !child.isValid() {
		t.unlockNode(child, childLock, op)
		t.unlockNode(myNode, curLock, op)
		return StatusRetry
	}
	if child.linkVersion() > childInfo.Version {
		// The child restructured under a commit whose parent update was
		// lost; repair the parent in place before going further.
		if st = t.upgradeNodeLocks(ctx, myNode, child, curLock, childLock, op); st != StatusSuccess {
			return st
		}
		st = t.repairSplit(ctx, myNode, child, idx, op)
		t.unlockNode(child, lockWrite, op)
		t.unlockNode(myNode, lockWrite, op)
		if st == StatusSuccess {
			return StatusRetry
		}
		return st
	}

	if t.isSplitNeeded(child, req) {
		if st = t.upgradeNodeLocks(ctx, myNode, child, curLock, childLock, op); st != StatusSuccess {
			return st
		}
		curLock, childLock = lockWrite, lockWrite
		// Both write-latched now; the child may have drained while unlatched.
		if t.isSplitNeeded(child, req) {
			sep, st := t.splitNode(ctx, myNode, child, idx, op)
			if st != StatusSuccess {
				t.unlockNode(child, childLock, op)
				t.unlockNode(myNode, curLock, op)
				return st
			}
			if req.key.Compare(sep) > 0 {
				// The target key moved to the new right sibling.
				sibID := child.nextNode()
				t.unlockNode(child, childLock, op)
				sib, sibLock, st := t.readAndLockNode(ctx, sibID, lockRead, lockWrite, op)
				if st != StatusSuccess {
					t.unlockNode(myNode, curLock, op)
					return StatusRetry
				}
				child, childLock = sib, sibLock
			}
		}
	}

	t.unlockNode(myNode, curLock, op)
	return t.doPut(ctx, child, childLock, req)
}

// mutateWriteLeaf applies the put on the write-latched leaf.
func (t *Btree[K, V]) mutateWriteLeaf(ctx context.Context, leaf *Node[K], req *putRequest[K]) Status {
	op := req.op
	found, idx := leaf.find(req.key)

	var st Status
	switch req.putType {
	case PutInsertOnly:
		if found {
			return StatusAlreadyExists
		}
		st = leaf.insertAt(idx, req.keyBytes, req.valBytes)
	case PutUpdateOnly:
		if !found {
			return StatusNotFound
		}
		st = leaf.updateValueAt(idx, req.valBytes)
	case PutUpsert:
		if found {
			st = leaf.updateValueAt(idx, req.valBytes)
		} else {
			st = leaf.insertAt(idx, req.keyBytes, req.valBytes)
		}
	case PutAppendIfExistsElseInsert:
		if found {
			appended := append(append([]byte(nil), leaf.valueAt(idx, false)...), req.valBytes...)
			st = leaf.updateValueAt(idx, appended)
		} else {
			st = leaf.insertAt(idx, req.keyBytes, req.valBytes)
		}
	}
	if st == StatusSpaceNotAvail {
		// No room even though the descent did not predict a split; force one
		// on the next attempt.
		op.forceSplit = leaf.nodeId()
		return StatusRetry
	}
	if st != StatusSuccess {
		return st
	}
	leaf.incGen()
	return t.store.WriteNode(ctx, leaf, op.StoreContext)
}

// isSplitNeeded reports whether the descent must split node before entering
// it with this request.
func (t *Btree[K, V]) isSplitNeeded(node *Node[K], req *putRequest[K]) bool {
	if req.op.forceSplit == node.nodeId() {
		return true
	}
	if node.isLeaf() {
		return !node.hasRoomForPut(req.putType, len(req.keyBytes), len(req.valBytes))
	}
	// An interior node must be able to take one more separator entry.
	return !node.hasRoomForObj(len(req.keyBytes), linkInfoSize)
}

// checkSplitRoot grows the tree by one level and splits the old root under
// the new one. Root publication happens under the tree-wide latch.
func (t *Btree[K, V]) checkSplitRoot(ctx context.Context, req *putRequest[K]) Status {
	op := req.op
	t.mu.Lock()
	rootInfo := t.rootInfo
	t.mu.Unlock()

	oldRoot, st := t.store.ReadNode(ctx, rootInfo.ID)
	if st != StatusSuccess {
		return StatusRetry
	}
	t.lockNode(oldRoot, lockWrite, op)
	defer t.unlockNode(oldRoot, lockWrite, op)
	if t.currentRoot().ID != rootInfo.ID {
		return StatusSuccess
	}
	if !t.isSplitNeeded(oldRoot, req) {
		return StatusSuccess
	}

	newRoot, st := t.store.AllocNode(ctx, false)
	if st != StatusSuccess {
		return st
	}
	newRoot.setLevel(oldRoot.level() + 1)
	newRoot.setEdgeInfo(oldRoot.linkInfo())
	// The new root is private until published, so no latch is needed on it.
	if _, st = t.splitNode(ctx, newRoot, oldRoot, 0, op); st != StatusSuccess {
		t.store.FreeNode(ctx, newRoot, op.StoreContext)
		return st
	}
	t.setRoot(newRoot.linkInfo())
	op.forceSplit = EmptyNodeId
	log.Debug("root split", "new_root", uint64(newRoot.nodeId()), "level", newRoot.level())
	return StatusSuccess
}

// splitNode splits the write-latched child under the write-latched parent at
// parent slot idx. The upper half of the child's entries move to a fresh right
// sibling; the separator entering the parent is the child's new last key (for
// interior children the promoted median, whose link becomes the child's edge).
// All three dirty nodes commit as one transactional group.
func (t *Btree[K, V]) splitNode(ctx context.Context, parent, child *Node[K], idx int, op *OpContext[K]) (K, Status) {
	var sep K
	if st := t.store.PrepareNodeTxn(ctx, parent, child, op.StoreContext); st != StatusSuccess {
		return sep, st
	}
	sibling, st := t.store.AllocNode(ctx, child.isLeaf())
	if st != StatusSuccess {
		return sep, st
	}
	sibling.setLevel(child.level())

	moved := child.moveOutRightBySize(sibling, child.occupiedSize()/2)
	if moved == 0 {
		t.store.FreeNode(ctx, sibling, op.StoreContext)
		return sep, StatusSpaceNotAvail
	}
	if child.isLeaf() {
		sep = child.lastKey()
	} else {
		// The sibling inherits the child's edge; the child's last entry is
		// promoted: its key becomes the separator and its link the child's
		// new edge, still covering everything up to the separator.
		sibling.setEdgeInfo(child.edgeInfo())
		last := child.totalEntries() - 1
		sep = child.keyAt(last, true)
		child.setEdgeInfo(child.linkAt(last))
		child.removeAt(last)
	}
	sibling.setNextNode(child.nextNode())
	child.setNextNode(sibling.nodeId())
	child.incLinkVersion()
	sibling.setLinkVersion(1)
	child.incGen()
	sibling.incGen()

	if idx == parent.totalEntries() {
		parent.setEdgeInfo(sibling.linkInfo())
	} else {
		parent.updateValueAt(idx, sibling.linkInfo().Serialize())
	}
	if st = parent.insertAt(idx, sep.Serialize(), child.linkInfo().Serialize()); st != StatusSuccess {
		return sep, st
	}
	parent.incGen()

	if op.forceSplit == child.nodeId() {
		op.forceSplit = EmptyNodeId
	}
	return sep, t.store.TransactWriteNodes(ctx, []*Node[K]{sibling}, child, parent, op.StoreContext)
}

// repairSplit re-derives the parent's separator and links for a child whose
// split committed without the matching parent update. No data moves; the
// parent is patched in place from the live child and its right sibling.
func (t *Btree[K, V]) repairSplit(ctx context.Context, parent, child *Node[K], idx int, op *OpContext[K]) Status {
	if !child.isValid() {
		return StatusRetry
	}
	sibID := child.nextNode()
	if sibID == EmptyNodeId {
		return StatusRetry
	}
	sib, st := t.store.ReadNode(ctx, sibID)
	if st != StatusSuccess {
		return StatusRetry
	}
	// A leaf child's own last key is the separator; for an interior child the
	// split promoted a key we no longer have, so re-derive it as the largest
	// key reachable under the child.
	sep := child.lastKey()
	if !child.isLeaf() {
		var st Status
		if sep, st = t.subtreeMaxKey(ctx, child); st != StatusSuccess {
			return st
		}
	}
	if idx == parent.totalEntries() {
		parent.setEdgeInfo(sib.linkInfo())
	} else {
		parent.updateValueAt(idx, sib.linkInfo().Serialize())
	}
	if st = parent.insertAt(idx, sep.Serialize(), child.linkInfo().Serialize()); st != StatusSuccess {
		return st
	}
	parent.incGen()
	log.Debug("repaired split", "parent", uint64(parent.nodeId()), "child", uint64(child.nodeId()))
	return t.store.WriteNode(ctx, parent, op.StoreContext)
}

// subtreeMaxKey walks last links down from n to the rightmost leaf and
// returns its last key.
func (t *Btree[K, V]) subtreeMaxKey(ctx context.Context, n *Node[K]) (K, Status) {
	var zero K
	cur := n
	for !cur.isLeaf() {
		var link LinkInfo
		switch {
		case cur.hasValidEdge():
			link = cur.edgeInfo()
		case cur.totalEntries() > 0:
			link = cur.linkAt(cur.totalEntries() - 1)
		default:
			return zero, StatusRetry
		}
		next, st := t.store.ReadNode(ctx, link.ID)
		if st != StatusSuccess {
			return zero, StatusRetry
		}
		cur = next
	}
	if cur.totalEntries() == 0 {
		return zero, StatusRetry
	}
	return cur.lastKey(), StatusSuccess
}

package btree

import (
	"context"

	log "log/slog"
)

type removeRequest[K Key[K]] struct {
	key        K
	op         *OpContext[K]
	removedVal []byte
}

// Remove deletes key and returns the value it held. op may be nil.
func (t *Btree[K, V]) Remove(ctx context.Context, key K, op *OpContext[K]) (V, Status) {
	var zero V
	if op == nil {
		op = NewOpContext[K]()
	}
	req := &removeRequest[K]{key: key, op: op}
	st := t.runWithRetries(ctx, op, func() Status {
		return t.doRemoveOnce(ctx, req)
	})
	if st != StatusSuccess {
		return zero, st
	}
	return zero.Deserialize(req.removedVal), StatusSuccess
}

// RemoveAny deletes the first entry within range in binary-search order and
// returns it. The "first match" is a contract, not an ordering guarantee.
func (t *Btree[K, V]) RemoveAny(ctx context.Context, rng KeyRange[K], op *OpContext[K]) (K, V, Status) {
	var zeroK K
	var zeroV V
	if op == nil {
		op = NewOpContext[K]()
	}
	var outK K
	var outV []byte
	st := t.runWithRetries(ctx, op, func() Status {
		leaf, leafLock, st := t.descendToLeaf(ctx, rng.Start, lockWrite, op)
		if st != StatusSuccess {
			return st
		}
		s, e, ok := leaf.matchRange(rng)
		if !ok || s > e {
			t.unlockNode(leaf, leafLock, op)
			return StatusNotFound
		}
		outK = leaf.keyAt(s, true)
		outV = leaf.valueAt(s, true)
		leaf.removeAt(s)
		leaf.incGen()
		wst := t.store.WriteNode(ctx, leaf, op.StoreContext)
		t.unlockNode(leaf, leafLock, op)
		return wst
	})
	if st != StatusSuccess {
		return zeroK, zeroV, st
	}
	return outK, zeroV.Deserialize(outV), StatusSuccess
}

// RangeRemove deletes every entry within range, batching per leaf along the
// sibling chain. Under-occupied leaves left behind merge on later descents.
func (t *Btree[K, V]) RangeRemove(ctx context.Context, rng KeyRange[K], op *OpContext[K]) Status {
	if op == nil {
		op = NewOpContext[K]()
	}
	return t.runWithRetries(ctx, op, func() Status {
		leaf, leafLock, st := t.descendToLeaf(ctx, rng.Start, lockWrite, op)
		if st != StatusSuccess {
			return st
		}
		for {
			done := leaf.nextNode() == EmptyNodeId
			if n := leaf.totalEntries(); n > 0 && leaf.keyAt(n-1, false).Compare(rng.End) > 0 {
				// This leaf extends past the range end.
				done = true
			}
			if s, e, ok := leaf.matchRange(rng); ok && s <= e && s < leaf.totalEntries() {
				if e >= leaf.totalEntries() {
					e = leaf.totalEntries() - 1
				}
				leaf.removeRange(s, e)
				leaf.incGen()
				if st := t.store.WriteNode(ctx, leaf, op.StoreContext); st != StatusSuccess {
					t.unlockNode(leaf, leafLock, op)
					return st
				}
			}
			if done {
				t.unlockNode(leaf, leafLock, op)
				return StatusSuccess
			}
			nextID := leaf.nextNode()
			next, nextLock, st := t.readAndLockNode(ctx, nextID, lockWrite, lockWrite, op)
			t.unlockNode(leaf, leafLock, op)
			if st != StatusSuccess {
				if st == StatusNodeFreed || st == StatusNotFound {
					return StatusRetry
				}
				return st
			}
			leaf, leafLock = next, nextLock
		}
	})
}

func (t *Btree[K, V]) doRemoveOnce(ctx context.Context, req *removeRequest[K]) Status {
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
	if t.currentRoot().ID != root.ID {
		t.unlockNode(node, curLock, op)
		return StatusRetry
	}
	if !node.isLeaf() && node.totalEntries() == 0 && node.hasValidEdge() {
		t.unlockNode(node, curLock, op)
		if st = t.checkCollapseRoot(ctx, op); st != StatusSuccess {
			return st
		}
		return StatusRetry
	}
	return t.doRemove(ctx, node, curLock, req)
}

func (t *Btree[K, V]) doRemove(ctx context.Context, myNode *Node[K], curLock locktype, req *removeRequest[K]) Status {
	op := req.op
	if myNode.isLeaf() {
		st := t.removeInLeaf(ctx, myNode, req)
		t.unlockNode(myNode, curLock, op)
		return st
	}

	_, idx := myNode.find(req.key)
	if idx == myNode.totalEntries() && !myNode.hasValidEdge() {
		t.unlockNode(myNode, curLock, op)
		return StatusNotFound
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

	if child.isMergeNeeded(&t.cfg) {
		if st = t.upgradeNodeLocks(ctx, myNode, child, curLock, childLock, op); st != StatusSuccess {
			return st
		}
		curLock, childLock = lockWrite, lockWrite
		if child.isMergeNeeded(&t.cfg) {
			indices := myNode.getAdjacentIndices(idx, t.cfg.MaxMergeNodes)
			if len(indices) >= 2 {
				t.unlockNode(child, childLock, op)
				progressed, st := t.mergeNodes(ctx, myNode, indices[0], indices[len(indices)-1], op)
				if st != StatusSuccess {
					t.unlockNode(myNode, curLock, op)
					return st
				}
				if progressed {
					t.unlockNode(myNode, curLock, op)
					return StatusRetry
				}
				// The window had nothing to give (e.g. full neighbors);
				// re-latch the child and carry on down.
				child, childLock, st = t.readAndLockNode(ctx, childInfo.ID, lockRead, lockWrite, op)
				if st != StatusSuccess {
					t.unlockNode(myNode, curLock, op)
					return StatusRetry
				}
			}
		}
	}

	t.unlockNode(myNode, curLock, op)
	return t.doRemove(ctx, child, childLock, req)
}

func (t *Btree[K, V]) removeInLeaf(ctx context.Context, leaf *Node[K], req *removeRequest[K]) Status {
	found, idx := leaf.find(req.key)
	if !found {
		return StatusNotFound
	}
	req.removedVal = leaf.valueAt(idx, true)
	leaf.removeAt(idx)
	leaf.incGen()
	return t.store.WriteNode(ctx, leaf, req.op.StoreContext)
}

// upgradeParentLock escalates a single node to a write latch, re-validating
// its generation across the upgrade gap. On failure the latch is released.
func (t *Btree[K, V]) upgradeParentLock(ctx context.Context, n *Node[K], curLock *locktype, op *OpContext[K]) Status {
	if *curLock == lockWrite {
		return StatusSuccess
	}
	gen := n.gen()
	n.lockUpgrade()
	op.retrackLock(n, lockRead, lockWrite)
	*curLock = lockWrite
	if !n.isValid() || n.gen() != gen {
		return StatusRetry
	}
	return StatusSuccess
}

// checkCollapseRoot replaces an empty, edge-only root with its edge child,
// shrinking the tree by one level.
func (t *Btree[K, V]) checkCollapseRoot(ctx context.Context, op *OpContext[K]) Status {
	rootInfo := t.currentRoot()
	oldRoot, st := t.store.ReadNode(ctx, rootInfo.ID)
	if st != StatusSuccess {
		return StatusRetry
	}
	t.lockNode(oldRoot, lockWrite, op)
	defer t.unlockNode(oldRoot, lockWrite, op)
	if t.currentRoot().ID != rootInfo.ID {
		return StatusSuccess
	}
	if oldRoot.isLeaf() || oldRoot.totalEntries() > 0 || !oldRoot.hasValidEdge() {
		return StatusSuccess
	}
	edge := oldRoot.edgeInfo()
	child, st := t.store.ReadNode(ctx, edge.ID)
	if st != StatusSuccess {
		return StatusRetry
	}
	t.setRoot(child.linkInfo())
	t.store.FreeNode(ctx, oldRoot, op.StoreContext)
	log.Debug("root collapsed", "new_root", uint64(child.nodeId()))
	return StatusSuccess
}

// mergeNodes compacts the window of parent slots [startIdx, endIdx] leftwards,
// frees drained children, rewires the sibling chain and rebuilds the parent's
// separators and link versions. The caller holds the parent write latch; the
// window children are latched here in left-to-right order. The boolean result
// reports whether anything moved (and hence whether the parent was rewritten).
func (t *Btree[K, V]) mergeNodes(ctx context.Context, parent *Node[K], startIdx, endIdx int, op *OpContext[K]) (bool, Status) {
	if st := t.store.PrepareNodeTxn(ctx, parent, nil, op.StoreContext); st != StatusSuccess {
		return false, st
	}
	var nodes []*Node[K]
	release := func() {
		for i := len(nodes) - 1; i >= 0; i-- {
			t.unlockNode(nodes[i], lockWrite, op)
		}
	}
	for i := startIdx; i <= endIdx; i++ {
		info := parent.linkAt(i)
		c, st := t.store.ReadNode(ctx, info.ID)
		if st != StatusSuccess {
			release()
			return false, StatusRetry
		}
		t.lockNode(c, lockWrite, op)
		if st = t.store.RefreshNode(ctx, c, true, op.StoreContext); st != StatusSuccess ||
			!c.isValid() || c.linkVersion() > info.Version {
			t.unlockNode(c, lockWrite, op)
			release()
			return false, StatusRetry
		}
		nodes = append(nodes, c)
	}

	isLeafLevel := nodes[0].isLeaf()
	tailNext := nodes[len(nodes)-1].nextNode()
	lastEdge := LinkInfo{ID: EmptyNodeId}
	movedAny := false
	if !isLeafLevel {
		lastEdge = nodes[len(nodes)-1].edgeInfo()
		// Materialize interior edges (except the window tail's) as entries so
		// compaction can move them: the parent's key for that child is the
		// separator the edge was covering. A node with no room for its own
		// edge entry makes the window unusable.
		for j := 0; j < len(nodes)-1; j++ {
			if nodes[j].hasValidEdge() {
				if !nodes[j].hasRoomForObj(parent.keySizeAt(startIdx+j), linkInfoSize) {
					release()
					return false, StatusSuccess
				}
				sep := parent.keyAt(startIdx+j, true)
				if st := nodes[j].insertAt(nodes[j].totalEntries(), sep.Serialize(), nodes[j].edgeInfo().Serialize()); st != StatusSuccess {
					release()
					return false, StatusSuccess
				}
				nodes[j].invalidateEdge()
				movedAny = true
			}
		}
	}

	// Compact entries left-to-right into the earliest node with room.
	tgt := 0
	for src := 1; src < len(nodes); src++ {
		for nodes[src].totalEntries() > 0 {
			if tgt == src {
				break
			}
			moved := nodes[tgt].copyByEntries(nodes[src], 0, nodes[src].totalEntries())
			if moved == 0 {
				tgt++
				continue
			}
			nodes[src].removeRange(0, moved-1)
			nodes[src].incGen()
			movedAny = true
		}
	}
	if !movedAny {
		// Nothing to gain from this window (e.g. every neighbor is full);
		// leave it untouched.
		release()
		return false, StatusSuccess
	}

	var survivors, drained []*Node[K]
	for _, nd := range nodes {
		if nd.totalEntries() > 0 {
			survivors = append(survivors, nd)
		} else {
			drained = append(drained, nd)
		}
	}

	last := survivors[len(survivors)-1]
	if !isLeafLevel && lastEdge.ID != EmptyNodeId {
		last.setEdgeInfo(lastEdge)
	}
	for i := 0; i < len(survivors)-1; i++ {
		survivors[i].setNextNode(survivors[i+1].nodeId())
	}
	last.setNextNode(tailNext)
	for _, s := range survivors {
		s.incLinkVersion()
		s.incGen()
	}

	// Rebuild the parent's window: the last slot's boundary key (or the edge)
	// is preserved so the subtree's outer coverage does not move.
	windowAtEdge := endIdx == parent.totalEntries()
	var boundaryKey K
	if !windowAtEdge {
		boundaryKey = parent.keyAt(endIdx, true)
	}
	removeEnd := endIdx
	if windowAtEdge {
		removeEnd = endIdx - 1
	}
	if removeEnd >= startIdx {
		parent.removeRange(startIdx, removeEnd)
	}
	for i, s := range survivors {
		if i == len(survivors)-1 {
			if windowAtEdge {
				parent.setEdgeInfo(s.linkInfo())
				break
			}
			parent.insertAt(startIdx+i, boundaryKey.Serialize(), s.linkInfo().Serialize())
			break
		}
		parent.insertAt(startIdx+i, s.lastKey().Serialize(), s.linkInfo().Serialize())
	}
	parent.incGen()

	st := t.store.TransactWriteNodes(ctx, survivors[1:], survivors[0], parent, op.StoreContext)
	if st == StatusSuccess {
		for _, d := range drained {
			t.store.FreeNode(ctx, d, op.StoreContext)
		}
	}
	release()
	return true, st
}

// repairMerge walks the parent's slots from idx, dropping slots whose child
// was freed by a merge whose parent update was lost and refreshing the links
// of survivors. No data moves.
func (t *Btree[K, V]) repairMerge(ctx context.Context, parent *Node[K], idx int, op *OpContext[K]) Status {
	changed := false
	for i := idx; i <= parent.totalEntries(); i++ {
		if i == parent.totalEntries() {
			if !parent.hasValidEdge() {
				break
			}
			info := parent.edgeInfo()
			child, st := t.store.ReadNode(ctx, info.ID)
			if st == StatusNodeFreed || st == StatusNotFound {
				parent.invalidateEdge()
				changed = true
			} else if st == StatusSuccess && child.linkVersion() > info.Version {
				parent.setEdgeInfo(child.linkInfo())
				changed = true
			}
			break
		}
		info := parent.linkAt(i)
		child, st := t.store.ReadNode(ctx, info.ID)
		if st == StatusNodeFreed || st == StatusNotFound {
			parent.removeAt(i)
			i--
			changed = true
			continue
		}
		if st != StatusSuccess {
			return st
		}
		if child.linkVersion() > info.Version {
			// The boundary key stays; the surviving child absorbed its right
			// neighbors up to it.
			parent.updateValueAt(i, child.linkInfo().Serialize())
			changed = true
			continue
		}
		if i > idx {
			// Versions line up again; the damage ends here.
			break
		}
	}
	if !changed {
		return StatusSuccess
	}
	parent.incGen()
	log.Debug("repaired merge", "parent", uint64(parent.nodeId()))
	return t.store.WriteNode(ctx, parent, op.StoreContext)
}

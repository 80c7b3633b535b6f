package btree

import (
	"context"
	"runtime"
)

// descendToLeaf crabs from the root down to the leaf covering key, latching
// interior nodes shared and the leaf with leafLock. The leaf is returned
// latched; everything above is released.
func (t *Btree[K, V]) descendToLeaf(ctx context.Context, key K, leafLock locktype, op *OpContext[K]) (*Node[K], locktype, Status) {
	root := t.currentRoot()
	if root.ID == EmptyNodeId {
		return nil, lockNone, StatusNotFound
	}
	cur, curLock, st := t.readAndLockNode(ctx, root.ID, lockRead, leafLock, op)
	if st != StatusSuccess {
		if st == StatusNodeFreed || st == StatusNotFound {
			return nil, lockNone, StatusRetry
		}
		return nil, lockNone, st
	}
	if t.currentRoot().ID != root.ID {
		t.unlockNode(cur, curLock, op)
		return nil, lockNone, StatusRetry
	}
	for !cur.isLeaf() {
		_, idx := cur.find(key)
		if idx == cur.totalEntries() && !cur.hasValidEdge() {
			// Clamp to the rightmost child; the caller decides whether the
			// key is actually present.
			if cur.totalEntries() == 0 {
				t.unlockNode(cur, curLock, op)
				return nil, lockNone, StatusRetry
			}
			idx = cur.totalEntries() - 1
		}
		info := cur.linkAt(idx)
		child, childLock, st := t.readAndLockNode(ctx, info.ID, lockRead, leafLock, op)
		if st != StatusSuccess {
			t.unlockNode(cur, curLock, op)
			if st == StatusNodeFreed || st == StatusNotFound || st == StatusStaleBuf {
				return nil, lockNone, StatusRetry
			}
			return nil, lockNone, st
		}
		if !child.isValid() || child.linkVersion() > info.Version {
			t.unlockNode(child, childLock, op)
			t.unlockNode(cur, curLock, op)
			return nil, lockNone, StatusRetry
		}
		t.unlockNode(cur, curLock, op)
		cur, curLock = child, childLock
	}
	return cur, curLock, StatusSuccess
}

// Query runs a range query and appends up to BatchSize results to out. The
// request is re-entrant: the cursor advances past the last returned key, and
// the caller re-enters until a batch comes back short.
func (t *Btree[K, V]) Query(ctx context.Context, req *QueryRequest[K], out *[]Pair[K, V]) Status {
	if req.Op == nil {
		req.Op = NewOpContext[K]()
	}
	if req.BatchSize <= 0 {
		req.BatchSize = 1000
	}
	if req.Strategy == QueryTraversal {
		return t.doTraversalQuery(ctx, req, out)
	}
	return t.doSweepQuery(ctx, req, out)
}

// effectiveRange narrows the request range past the cursor.
func (req *QueryRequest[K]) effectiveRange() KeyRange[K] {
	r := req.Range
	if req.cursorSet {
		r.Start = req.cursor
		r.StartInclusive = false
	}
	return r
}

// doSweepQuery walks the leaf chain horizontally under read latches, batching
// matched entries until BatchSize.
func (t *Btree[K, V]) doSweepQuery(ctx context.Context, req *QueryRequest[K], out *[]Pair[K, V]) Status {
	op := req.Op
	return t.runWithRetries(ctx, op, func() Status {
		rng := req.effectiveRange()
		got := 0
		leaf, leafLock, st := t.descendToLeaf(ctx, rng.Start, lockRead, op)
		if st == StatusNotFound {
			return StatusSuccess
		}
		if st != StatusSuccess {
			return st
		}
		for {
			if s, e, ok := leaf.matchRange(rng); ok && s < leaf.totalEntries() {
				if e >= leaf.totalEntries() {
					e = leaf.totalEntries() - 1
				}
				for i := s; i <= e; i++ {
					k := leaf.keyAt(i, true)
					var zeroV V
					*out = append(*out, Pair[K, V]{Key: k, Value: zeroV.Deserialize(leaf.valueAt(i, true))})
					req.cursor = k
					req.cursorSet = true
					got++
					if got >= req.BatchSize {
						t.unlockNode(leaf, leafLock, op)
						return StatusSuccess
					}
				}
			}
			if n := leaf.totalEntries(); n > 0 && leaf.keyAt(n-1, false).Compare(rng.End) > 0 {
				break
			}
			nextID := leaf.nextNode()
			if nextID == EmptyNodeId {
				break
			}
			if leaf.anyUpgradeWaiters() {
				// Give pending lock upgrades a chance before continuing the scan.
				runtime.Gosched()
			}
			next, nextLock, st := t.readAndLockNode(ctx, nextID, lockRead, lockRead, op)
			t.unlockNode(leaf, leafLock, op)
			if st != StatusSuccess {
				if st == StatusNodeFreed || st == StatusNotFound {
					return StatusRetry
				}
				return st
			}
			leaf, leafLock = next, nextLock
		}
		t.unlockNode(leaf, leafLock, op)
		return StatusSuccess
	})
}

// doTraversalQuery recursively descends from the root, visiting every subtree
// overlapping the range. Meant for small predicate-driven queries; the sweep
// is the default.
func (t *Btree[K, V]) doTraversalQuery(ctx context.Context, req *QueryRequest[K], out *[]Pair[K, V]) Status {
	op := req.Op
	return t.runWithRetries(ctx, op, func() Status {
		root := t.currentRoot()
		if root.ID == EmptyNodeId {
			return StatusSuccess
		}
		node, lck, st := t.readAndLockNode(ctx, root.ID, lockRead, lockRead, op)
		if st != StatusSuccess {
			return st
		}
		got := 0
		st = t.traverse(ctx, node, req, out, &got)
		t.unlockNode(node, lck, op)
		return st
	})
}

func (t *Btree[K, V]) traverse(ctx context.Context, node *Node[K], req *QueryRequest[K], out *[]Pair[K, V], got *int) Status {
	op := req.Op
	rng := req.effectiveRange()
	if node.isLeaf() {
		s, e, ok := node.matchRange(rng)
		if !ok || s >= node.totalEntries() {
			return StatusSuccess
		}
		if e >= node.totalEntries() {
			e = node.totalEntries() - 1
		}
		for i := s; i <= e; i++ {
			k := node.keyAt(i, true)
			var zeroV V
			*out = append(*out, Pair[K, V]{Key: k, Value: zeroV.Deserialize(node.valueAt(i, true))})
			req.cursor = k
			req.cursorSet = true
			*got++
			if *got >= req.BatchSize {
				return StatusSuccess
			}
		}
		return StatusSuccess
	}
	s, e, ok := node.matchRange(rng)
	if !ok {
		return StatusSuccess
	}
	for i := s; i <= e; i++ {
		if i == node.totalEntries() && !node.hasValidEdge() {
			break
		}
		info := node.linkAt(i)
		child, childLock, st := t.readAndLockNode(ctx, info.ID, lockRead, lockRead, op)
		if st != StatusSuccess {
			if st == StatusNodeFreed || st == StatusNotFound {
				return StatusRetry
			}
			return st
		}
		if !child.isValid() || child.linkVersion() > info.Version {
			t.unlockNode(child, childLock, op)
			return StatusRetry
		}
		st = t.traverse(ctx, child, req, out, got)
		t.unlockNode(child, childLock, op)
		if st != StatusSuccess {
			return st
		}
		if *got >= req.BatchSize {
			break
		}
	}
	return StatusSuccess
}

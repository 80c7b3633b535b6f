package btree

import (
	"context"
)

// Extent mode: keys denote contiguous runs of logical offsets and must
// implement ExtentKey; values must implement ExtentValue. Keys order by their
// start offset, and the tree never holds two overlapping extents.

type extentRemainder[K Key[K]] struct {
	key K
	val []byte
}

// canExtentsAutoMerge reports whether adjacent extents with contiguous values
// coalesce after a put.
func (t *Btree[K, V]) canExtentsAutoMerge() bool {
	return !t.cfg.DisableExtentAutoMerge
}

// PutExtent stores value under the extent key, splitting any overlapping
// extents and trimming their remainders, then auto-merging with adjacent
// extents when the values continue each other. Returns
// fast_path_not_possible when the key/value types lack the extent contracts.
func (t *Btree[K, V]) PutExtent(ctx context.Context, key K, value V, op *OpContext[K]) Status {
	ek, ok := any(key).(ExtentKey[K])
	if !ok {
		return StatusFastPathNotPossible
	}
	if _, ok := any(value).(ExtentValue[V]); !ok {
		return StatusFastPathNotPossible
	}
	if op == nil {
		op = NewOpContext[K]()
	}
	if st := t.clearExtents(ctx, key, ek.Start(), ek.End(), op); st != StatusSuccess {
		return st
	}
	if st := t.Put(ctx, key, value, PutInsertOnly, op); st != StatusSuccess {
		return st
	}
	if t.canExtentsAutoMerge() {
		return t.autoMergeExtentAt(ctx, key, op)
	}
	return StatusSuccess
}

// RemoveExtents removes the logical range the extent key covers, trimming or
// fragmenting partially overlapping extents.
func (t *Btree[K, V]) RemoveExtents(ctx context.Context, key K, op *OpContext[K]) Status {
	ek, ok := any(key).(ExtentKey[K])
	if !ok {
		return StatusFastPathNotPossible
	}
	if op == nil {
		op = NewOpContext[K]()
	}
	return t.clearExtents(ctx, key, ek.Start(), ek.End(), op)
}

// clearExtents walks the leaves covering [start, end], removes every
// overlapping extent and re-inserts the remainders sticking out on either
// side. Remainder inserts go through the regular put path so leaf splits are
// handled.
func (t *Btree[K, V]) clearExtents(ctx context.Context, probe K, start, end uint64, op *OpContext[K]) Status {
	var remainders []extentRemainder[K]
	// Removals persist per leaf as the walk goes, so remainders survive a
	// descent restart instead of being re-collected.
	st := t.runWithRetries(ctx, op, func() Status {
		leaf, leafLock, st := t.descendToLeaf(ctx, probe, lockWrite, op)
		if st == StatusNotFound {
			return StatusSuccess
		}
		if st != StatusSuccess {
			return st
		}
		for {
			done := leaf.nextNode() == EmptyNodeId
			dirty := false
			// Scan the leaf for overlaps; entries are ordered by extent start.
			for i := 0; i < leaf.totalEntries(); i++ {
				k := leaf.keyAt(i, true)
				e := any(k).(ExtentKey[K])
				if e.Start() > end {
					done = true
					break
				}
				if e.End() < start {
					continue
				}
				vb := leaf.valueAt(i, true)
				var zeroV V
				v := zeroV.Deserialize(vb)
				ev := any(v).(ExtentValue[V])
				if e.Start() < start {
					left := e.WithRange(e.Start(), start-1)
					remainders = append(remainders, extentRemainder[K]{key: left, val: vb})
				}
				if e.End() > end {
					rightVal := ev.SliceFrom(end + 1 - e.Start())
					right := e.WithRange(end+1, e.End())
					remainders = append(remainders, extentRemainder[K]{key: right, val: rightVal.Serialize()})
				}
				leaf.removeAt(i)
				i--
				dirty = true
			}
			if dirty {
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
	if st != StatusSuccess {
		return st
	}
	for _, r := range remainders {
		var zeroV V
		if st := t.Put(ctx, r.key, zeroV.Deserialize(r.val), PutInsertOnly, op); st != StatusSuccess {
			return st
		}
	}
	return StatusSuccess
}

// autoMergeExtentAt coalesces the freshly inserted extent with its leaf-local
// neighbors when they are adjacent and their values continue each other.
func (t *Btree[K, V]) autoMergeExtentAt(ctx context.Context, key K, op *OpContext[K]) Status {
	return t.runWithRetries(ctx, op, func() Status {
		leaf, leafLock, st := t.descendToLeaf(ctx, key, lockWrite, op)
		if st != StatusSuccess {
			return st
		}
		defer t.unlockNode(leaf, leafLock, op)

		found, idx := leaf.find(key)
		if !found {
			// Raced with a later overwrite; nothing to merge.
			return StatusSuccess
		}
		mergeStart, mergeEnd := idx, idx
		k := leaf.keyAt(idx, true)
		e := any(k).(ExtentKey[K])
		var zeroV V
		v := zeroV.Deserialize(leaf.valueAt(idx, true))

		if idx > 0 {
			pk := leaf.keyAt(idx-1, true)
			pe := any(pk).(ExtentKey[K])
			pv := zeroV.Deserialize(leaf.valueAt(idx-1, true))
			if pe.End()+1 == e.Start() && any(pv).(ExtentValue[V]).CanAutoMerge(v, pe.End()-pe.Start()+1) {
				mergeStart = idx - 1
				k = pe.WithRange(pe.Start(), e.End())
				e = any(k).(ExtentKey[K])
				v = pv
			}
		}
		if idx+1 < leaf.totalEntries() {
			nk := leaf.keyAt(idx+1, true)
			ne := any(nk).(ExtentKey[K])
			nv := zeroV.Deserialize(leaf.valueAt(idx+1, true))
			if e.End()+1 == ne.Start() && any(v).(ExtentValue[V]).CanAutoMerge(nv, e.End()-e.Start()+1) {
				mergeEnd = idx + 1
				k = e.WithRange(e.Start(), ne.End())
			}
		}
		if mergeStart == mergeEnd {
			return StatusSuccess
		}
		leaf.removeRange(mergeStart, mergeEnd)
		if st := leaf.insertAt(mergeStart, k.Serialize(), v.Serialize()); st != StatusSuccess {
			return st
		}
		leaf.incGen()
		return t.store.WriteNode(ctx, leaf, op.StoreContext)
	})
}

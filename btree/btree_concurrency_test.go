package btree

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
)

// Alternate insert and delete of one key across many operations under 8
// concurrent fibers; at the end the key either reads not_found or holds a
// value one of the fibers inserted, no latches leak, and structural race codes never
// surface externally.
func TestConcurrentInsertDeleteSingleKey(t *testing.T) {
	b, _ := newTestTree(t, 512)
	ctx := context.Background()

	const fibers = 8
	const opsPerFiber = 1250
	var lastInserted atomic.Int64
	var wg sync.WaitGroup

	for f := 0; f < fibers; f++ {
		wg.Add(1)
		go func(f int) {
			defer wg.Done()
			for i := 0; i < opsPerFiber; i++ {
				op := NewOpContext[intKey]()
				if i%2 == 0 {
					val := int64(f*opsPerFiber + i)
					st := b.Put(ctx, intKey{42}, intValue{val}, PutUpsert, op)
					if st != StatusSuccess {
						t.Errorf("fiber %d put: %v", f, st)
						return
					}
					lastInserted.Store(val)
				} else {
					_, st := b.Remove(ctx, intKey{42}, op)
					if st != StatusSuccess && st != StatusNotFound {
						t.Errorf("fiber %d remove: %v", f, st)
						return
					}
				}
				if n := op.LatchesHeld(); n != 0 {
					t.Errorf("fiber %d leaked %d latches", f, n)
					return
				}
			}
		}(f)
	}
	wg.Wait()

	v, st := b.Get(ctx, intKey{42}, nil)
	switch st {
	case StatusNotFound:
	case StatusSuccess:
		// Any fiber's last insert is a valid final value; just sanity-bound it.
		if v.v < 0 || v.v >= fibers*opsPerFiber {
			t.Fatalf("final value out of range: %d", v.v)
		}
	default:
		t.Fatalf("final get = %v", st)
	}
}

// Concurrent disjoint writers with readers mixed in over a splitting tree.
func TestConcurrentDisjointWritersAndReaders(t *testing.T) {
	b, _ := newTestTree(t, 512)
	ctx := context.Background()

	const writers = 4
	const perWriter = 500
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			base := int64(w * perWriter)
			for i := int64(0); i < perWriter; i++ {
				if st := b.Put(ctx, intKey{base + i}, intValue{base + i}, PutUpsert, nil); st != StatusSuccess {
					t.Errorf("writer %d put %d: %v", w, base+i, st)
					return
				}
				if i%16 == 0 {
					// Interleave reads of already-written keys.
					if _, st := b.Get(ctx, intKey{base + i/2}, nil); st != StatusSuccess {
						t.Errorf("writer %d readback %d: %v", w, base+i/2, st)
						return
					}
				}
			}
		}(w)
	}
	wg.Wait()

	for k := int64(0); k < writers*perWriter; k++ {
		if got := mustGet(t, b, k); got != k {
			t.Fatalf("get %d = %d", k, got)
		}
	}
}

func TestCancelledOpAborts(t *testing.T) {
	b, _ := newTestTree(t, 512)
	op := NewOpContext[intKey]()
	op.Cancel()
	if st := b.Put(context.Background(), intKey{1}, intValue{1}, PutUpsert, op); st != StatusOperationAborted {
		t.Fatalf("cancelled put = %v, want operation_aborted", st)
	}
	if op.LatchesHeld() != 0 {
		t.Fatal("cancelled op holds latches")
	}
}

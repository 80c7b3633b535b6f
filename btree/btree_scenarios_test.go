package btree

import (
	"context"
	"testing"
)

// Insert keys 1..1000 under UPSERT with a 512 byte node size, forcing many
// splits; every get returns the inserted value and a full range query returns
// all 1000 entries in order.
func TestSplitStormAndOrderedQuery(t *testing.T) {
	b, store := newTestTree(t, 512)

	for k := int64(1); k <= 1000; k++ {
		mustPut(t, b, k, k*7, PutUpsert)
	}
	for k := int64(1); k <= 1000; k++ {
		if got := mustGet(t, b, k); got != k*7 {
			t.Fatalf("get %d = %d, want %d", k, got, k*7)
		}
	}
	if store.NodeCount() < 3 {
		t.Fatalf("expected a multi-node tree, have %d nodes", store.NodeCount())
	}

	var out []Pair[intKey, intValue]
	req := &QueryRequest[intKey]{Range: Inclusive(intKey{1}, intKey{1000}), BatchSize: 100}
	for {
		n := len(out)
		if st := b.Query(context.Background(), req, &out); st != StatusSuccess {
			t.Fatalf("query: %v", st)
		}
		if len(out)-n < 100 {
			break
		}
	}
	if len(out) != 1000 {
		t.Fatalf("query returned %d entries", len(out))
	}
	for i, p := range out {
		if p.Key.v != int64(i+1) {
			t.Fatalf("out of order at %d: key %d", i, p.Key.v)
		}
		if p.Value.v != p.Key.v*7 {
			t.Fatalf("wrong value for %d: %d", p.Key.v, p.Value.v)
		}
	}
}

func TestPutTypeSemantics(t *testing.T) {
	b, _ := newTestTree(t, 512)
	ctx := context.Background()

	if st := b.Put(ctx, intKey{1}, intValue{10}, PutInsertOnly, nil); st != StatusSuccess {
		t.Fatalf("insert: %v", st)
	}
	if st := b.Put(ctx, intKey{1}, intValue{11}, PutInsertOnly, nil); st != StatusAlreadyExists {
		t.Fatalf("duplicate insert = %v, want already_exists", st)
	}
	if st := b.Put(ctx, intKey{2}, intValue{20}, PutUpdateOnly, nil); st != StatusNotFound {
		t.Fatalf("update-only miss = %v, want not_found", st)
	}
	if st := b.Put(ctx, intKey{1}, intValue{12}, PutUpdateOnly, nil); st != StatusSuccess {
		t.Fatalf("update-only hit: %v", st)
	}
	if got := mustGet(t, b, 1); got != 12 {
		t.Fatalf("after update-only, get = %d", got)
	}
	if st := b.Put(ctx, intKey{2}, intValue{20}, PutUpsert, nil); st != StatusSuccess {
		t.Fatalf("upsert insert: %v", st)
	}
	if st := b.Put(ctx, intKey{2}, intValue{21}, PutUpsert, nil); st != StatusSuccess {
		t.Fatalf("upsert update: %v", st)
	}
	if got := mustGet(t, b, 2); got != 21 {
		t.Fatalf("after upsert, get = %d", got)
	}
}

func TestRemoveAndGetNotFound(t *testing.T) {
	b, _ := newTestTree(t, 512)
	ctx := context.Background()

	for k := int64(1); k <= 100; k++ {
		mustPut(t, b, k, k, PutUpsert)
	}
	v, st := b.Remove(ctx, intKey{50}, nil)
	if st != StatusSuccess || v.v != 50 {
		t.Fatalf("remove 50 = %v (%d)", st, v.v)
	}
	if _, st = b.Get(ctx, intKey{50}, nil); st != StatusNotFound {
		t.Fatalf("get removed key = %v, want not_found", st)
	}
	if _, st = b.Remove(ctx, intKey{50}, nil); st != StatusNotFound {
		t.Fatalf("double remove = %v, want not_found", st)
	}
	if got := mustGet(t, b, 49); got != 49 {
		t.Fatalf("neighbor 49 disturbed: %d", got)
	}
}

// Insert 1..10000, then delete every even key; half the entries remain and
// merges shrink the node count at least 30% from the post-insert peak.
func TestEvenKeyDeletionMergesNodes(t *testing.T) {
	if testing.Short() {
		t.Skip("long scenario")
	}
	b, store := newTestTree(t, 512)
	ctx := context.Background()

	const total = 10000
	for k := int64(1); k <= total; k++ {
		mustPut(t, b, k, k, PutUpsert)
	}
	peak := store.NodeCount()

	for k := int64(2); k <= total; k += 2 {
		if _, st := b.Remove(ctx, intKey{k}, nil); st != StatusSuccess {
			t.Fatalf("remove %d: %v", k, st)
		}
	}

	var out []Pair[intKey, intValue]
	req := &QueryRequest[intKey]{Range: Inclusive(intKey{1}, intKey{total}), BatchSize: total + 1}
	if st := b.Query(ctx, req, &out); st != StatusSuccess {
		t.Fatalf("query: %v", st)
	}
	if len(out) != total/2 {
		t.Fatalf("remaining entries = %d, want %d", len(out), total/2)
	}
	for i, p := range out {
		if p.Key.v != int64(2*i+1) {
			t.Fatalf("unexpected survivor at %d: %d", i, p.Key.v)
		}
	}

	after := store.NodeCount()
	if after > peak*7/10 {
		t.Fatalf("merge did not shrink the tree enough: peak %d, after %d", peak, after)
	}
}

// Range-remove [100,200] after inserting 0..300; the removed window reads
// not_found while both flanks are unchanged.
func TestRangeRemoveWindow(t *testing.T) {
	b, _ := newTestTree(t, 512)
	ctx := context.Background()

	for k := int64(0); k <= 300; k++ {
		mustPut(t, b, k, k+1000, PutUpsert)
	}
	if st := b.RangeRemove(ctx, Inclusive(intKey{100}, intKey{200}), nil); st != StatusSuccess {
		t.Fatalf("range remove: %v", st)
	}
	for k := int64(100); k <= 200; k++ {
		if _, st := b.Get(ctx, intKey{k}, nil); st != StatusNotFound {
			t.Fatalf("get %d after range remove = %v", k, st)
		}
	}
	for k := int64(0); k < 100; k++ {
		if got := mustGet(t, b, k); got != k+1000 {
			t.Fatalf("left flank %d = %d", k, got)
		}
	}
	for k := int64(201); k <= 300; k++ {
		if got := mustGet(t, b, k); got != k+1000 {
			t.Fatalf("right flank %d = %d", k, got)
		}
	}
}

func TestRemoveAnyTakesFirstMatch(t *testing.T) {
	b, _ := newTestTree(t, 512)
	ctx := context.Background()

	for _, k := range []int64{10, 20, 30} {
		mustPut(t, b, k, k, PutUpsert)
	}
	k, v, st := b.RemoveAny(ctx, Inclusive(intKey{15}, intKey{35}), nil)
	if st != StatusSuccess {
		t.Fatalf("remove any: %v", st)
	}
	if k.v != 20 || v.v != 20 {
		t.Fatalf("remove any took %d/%d, want first match 20", k.v, v.v)
	}
	if _, _, st = b.RemoveAny(ctx, Inclusive(intKey{40}, intKey{50}), nil); st != StatusNotFound {
		t.Fatalf("remove any on empty window = %v", st)
	}
}

func TestDestroyIsIdempotent(t *testing.T) {
	b, store := newTestTree(t, 512)
	for k := int64(1); k <= 500; k++ {
		mustPut(t, b, k, k, PutUpsert)
	}
	alive := store.NodeCount()
	freed, st := b.Destroy(context.Background(), nil)
	if st != StatusSuccess {
		t.Fatalf("destroy: %v", st)
	}
	if freed != alive {
		t.Fatalf("destroy freed %d of %d nodes", freed, alive)
	}
	if store.NodeCount() != 0 {
		t.Fatalf("nodes left after destroy: %d", store.NodeCount())
	}
	freed, st = b.Destroy(context.Background(), nil)
	if st != StatusSuccess || freed != 0 {
		t.Fatalf("second destroy = %v, freed %d", st, freed)
	}
}

func TestVarlenTreeCRUDAndAppend(t *testing.T) {
	b, _ := newVarlenTestTree(t, 512)
	ctx := context.Background()

	words := []string{"kilo", "lima", "mike", "november", "oscar", "papa", "quebec"}
	for _, w := range words {
		if st := b.Put(ctx, strKey{w}, strValue{"v:" + w}, PutUpsert, nil); st != StatusSuccess {
			t.Fatalf("put %s: %v", w, st)
		}
	}
	for _, w := range words {
		v, st := b.Get(ctx, strKey{w}, nil)
		if st != StatusSuccess || v.s != "v:"+w {
			t.Fatalf("get %s = %q (%v)", w, v.s, st)
		}
	}

	// Growing in-place update.
	if st := b.Put(ctx, strKey{"lima"}, strValue{"a considerably longer payload"}, PutUpdateOnly, nil); st != StatusSuccess {
		t.Fatalf("grow update: %v", st)
	}
	v, _ := b.Get(ctx, strKey{"lima"}, nil)
	if v.s != "a considerably longer payload" {
		t.Fatalf("after grow: %q", v.s)
	}

	// Append mode concatenates on match, inserts on miss.
	if st := b.Put(ctx, strKey{"mike"}, strValue{"+more"}, PutAppendIfExistsElseInsert, nil); st != StatusSuccess {
		t.Fatalf("append: %v", st)
	}
	v, _ = b.Get(ctx, strKey{"mike"}, nil)
	if v.s != "v:mike+more" {
		t.Fatalf("after append: %q", v.s)
	}
	if st := b.Put(ctx, strKey{"romeo"}, strValue{"fresh"}, PutAppendIfExistsElseInsert, nil); st != StatusSuccess {
		t.Fatalf("append-insert: %v", st)
	}
	v, _ = b.Get(ctx, strKey{"romeo"}, nil)
	if v.s != "fresh" {
		t.Fatalf("append-insert value: %q", v.s)
	}
}

// Many var-length inserts force splits through the slotted layout too.
func TestVarlenTreeSplits(t *testing.T) {
	b, store := newVarlenTestTree(t, 512)
	ctx := context.Background()

	for i := 0; i < 500; i++ {
		k := strKey{s: keyf(i)}
		if st := b.Put(ctx, k, strValue{"value-" + k.s}, PutUpsert, nil); st != StatusSuccess {
			t.Fatalf("put %s: %v", k.s, st)
		}
	}
	if store.NodeCount() < 3 {
		t.Fatalf("expected splits, have %d nodes", store.NodeCount())
	}
	for i := 0; i < 500; i++ {
		k := strKey{s: keyf(i)}
		v, st := b.Get(ctx, k, nil)
		if st != StatusSuccess || v.s != "value-"+k.s {
			t.Fatalf("get %s = %q (%v)", k.s, v.s, st)
		}
	}
}

func keyf(i int) string {
	const digits = "0123456789"
	return "key-" + string([]byte{
		digits[i/1000%10], digits[i/100%10], digits[i/10%10], digits[i%10],
	})
}

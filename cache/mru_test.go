package cache

import "testing"

func TestMRUSetGetDelete(t *testing.T) {
	c := NewMRU[int, string](4, nil, nil)
	c.Set(1, "one")
	c.Set(2, "two")
	if v, ok := c.Get(1); !ok || v != "one" {
		t.Fatalf("get 1 = %q, %v", v, ok)
	}
	c.Set(1, "uno")
	if v, _ := c.Get(1); v != "uno" {
		t.Fatalf("replace failed: %q", v)
	}
	c.Delete(1)
	if _, ok := c.Get(1); ok {
		t.Fatal("deleted key still present")
	}
	if c.Count() != 1 {
		t.Fatalf("count = %d", c.Count())
	}
}

func TestMRUEvictsLeastRecentlyUsed(t *testing.T) {
	var evicted []int
	c := NewMRU[int, int](3, func(k, _ int) { evicted = append(evicted, k) }, nil)
	for i := 1; i <= 3; i++ {
		c.Set(i, i)
	}
	// Touch 1 so 2 becomes the coldest.
	c.Get(1)
	c.Set(4, 4)
	if len(evicted) != 1 || evicted[0] != 2 {
		t.Fatalf("evicted %v, want [2]", evicted)
	}
	if _, ok := c.Get(2); ok {
		t.Fatal("evicted entry still present")
	}
	for _, k := range []int{1, 3, 4} {
		if _, ok := c.Get(k); !ok {
			t.Fatalf("entry %d missing", k)
		}
	}
}

func TestMRUEvictVeto(t *testing.T) {
	pinned := map[int]bool{1: true, 2: true, 3: true}
	var evicted []int
	c := NewMRU[int, int](2,
		func(k, _ int) { evicted = append(evicted, k) },
		func(k, _ int) bool { return !pinned[k] })
	for i := 1; i <= 3; i++ {
		c.Set(i, i)
	}
	// Everything pinned: over capacity but nothing evictable.
	if c.Count() != 3 {
		t.Fatalf("count with vetoed eviction = %d", c.Count())
	}
	// Unpin 1; the next Set pushes it out.
	pinned[1] = false
	c.Set(4, 4)
	found := false
	for _, k := range evicted {
		if k == 1 {
			found = true
		}
		if pinned[k] {
			t.Fatalf("pinned entry %d evicted", k)
		}
	}
	if !found {
		t.Fatal("unpinned entry survived eviction pressure")
	}
}

func TestMRUClear(t *testing.T) {
	evictions := 0
	c := NewMRU[int, int](8, func(int, int) { evictions++ }, nil)
	for i := 0; i < 5; i++ {
		c.Set(i, i)
	}
	c.Clear()
	if c.Count() != 0 {
		t.Fatalf("count after clear = %d", c.Count())
	}
	if evictions != 0 {
		t.Fatalf("clear ran the evict hook %d times", evictions)
	}
}

package cache

import (
	"testing"
	"time"
)

func TestRistrettoSetGet(t *testing.T) {
	c, err := NewRistretto[string](1<<20, 4096, nil)
	if err != nil {
		t.Fatalf("new ristretto: %v", err)
	}
	c.Set(1, "page-one")
	c.Set(2, "page-two")
	// Admission is asynchronous; give the buffers a moment to drain.
	waitFor(t, func() bool {
		_, ok1 := c.Get(1)
		_, ok2 := c.Get(2)
		return ok1 && ok2
	})
	if v, ok := c.Get(1); !ok || v != "page-one" {
		t.Fatalf("get 1 = %q, %v", v, ok)
	}
	c.Delete(1)
	waitFor(t, func() bool {
		_, ok := c.Get(1)
		return !ok
	})
}

func TestRistrettoClear(t *testing.T) {
	c, err := NewRistretto[int](1<<20, 64, nil)
	if err != nil {
		t.Fatalf("new ristretto: %v", err)
	}
	for i := uint64(0); i < 100; i++ {
		c.Set(i, int(i))
	}
	c.Clear()
	if _, ok := c.Get(5); ok {
		t.Fatal("entry survived clear")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

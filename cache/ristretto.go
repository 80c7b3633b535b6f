package cache

import (
	"github.com/dgraph-io/ristretto/v2"
)

// ristrettoCache adapts a Ristretto cache to the Cache contract. Admission is
// cost-aware and asynchronous, which suits large trees where the working set
// does not fit the configured budget; entries Ristretto rejects on admission
// are simply re-read from the backing store.
type ristrettoCache[TV any] struct {
	rc       *ristretto.Cache[uint64, TV]
	onEvict  EvictHook[uint64, TV]
	itemCost int64
}

// NewRistretto returns a Ristretto-backed cache keyed by uint64 ids, budgeted
// to maxCost (bytes when entries are pages). onEvict may be nil.
func NewRistretto[TV any](maxCost int64, cost int64, onEvict EvictHook[uint64, TV]) (Cache[uint64, TV], error) {
	c := &ristrettoCache[TV]{onEvict: onEvict}
	rc, err := ristretto.NewCache(&ristretto.Config[uint64, TV]{
		NumCounters: 10 * maxCost / max64(cost, 1),
		MaxCost:     maxCost,
		BufferItems: 64,
		Metrics:     true,
		OnEvict: func(item *ristretto.Item[TV]) {
			if c.onEvict != nil {
				c.onEvict(item.Key, item.Value)
			}
		},
	})
	if err != nil {
		return nil, err
	}
	c.rc = rc
	c.itemCost = cost
	return c, nil
}

func (c *ristrettoCache[TV]) Set(key uint64, value TV) {
	c.rc.Set(key, value, c.itemCost)
}

func (c *ristrettoCache[TV]) Get(key uint64) (TV, bool) {
	return c.rc.Get(key)
}

func (c *ristrettoCache[TV]) Delete(key uint64) {
	c.rc.Del(key)
}

func (c *ristrettoCache[TV]) Count() int {
	// Ristretto does not expose a live count; report keys added minus keys
	// evicted from its metrics as the best effort.
	m := c.rc.Metrics
	if m == nil {
		return 0
	}
	return int(m.KeysAdded() - m.KeysEvicted())
}

func (c *ristrettoCache[TV]) Clear() {
	c.rc.Clear()
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

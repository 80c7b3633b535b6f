package btree

import (
	"context"
	"encoding/binary"
	"testing"
)

// intKey is the fixed-size test key: an int64 in little-endian.
type intKey struct{ v int64 }

func (k intKey) Compare(o intKey) int {
	switch {
	case k.v < o.v:
		return -1
	case k.v > o.v:
		return 1
	}
	return 0
}

func (k intKey) Serialize() []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, uint64(k.v))
	return b
}

func (k intKey) Deserialize(b []byte) intKey {
	return intKey{v: int64(binary.LittleEndian.Uint64(b))}
}

// intValue is the fixed-size test value.
type intValue struct{ v int64 }

func (v intValue) Serialize() []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, uint64(v.v))
	return b
}

func (v intValue) Deserialize(b []byte) intValue {
	return intValue{v: int64(binary.LittleEndian.Uint64(b))}
}

// strKey/strValue exercise the var-length layout.
type strKey struct{ s string }

func (k strKey) Compare(o strKey) int {
	switch {
	case k.s < o.s:
		return -1
	case k.s > o.s:
		return 1
	}
	return 0
}
func (k strKey) Serialize() []byte           { return []byte(k.s) }
func (k strKey) Deserialize(b []byte) strKey { return strKey{s: string(b)} }

type strValue struct{ s string }

func (v strValue) Serialize() []byte             { return []byte(v.s) }
func (v strValue) Deserialize(b []byte) strValue { return strValue{s: string(b)} }

// helper to construct a test btree over a fresh in-memory store.
func newTestTree(t *testing.T, nodeSize int) (*Btree[intKey, intValue], *MemNodeStore[intKey]) {
	t.Helper()
	cfg := DefaultConfig(8, 8)
	cfg.NodeSize = nodeSize
	store := NewMemNodeStore[intKey](&cfg, 1<<20)
	b, err := New[intKey, intValue](cfg, store)
	if err != nil {
		t.Fatalf("new btree: %v", err)
	}
	if st := b.Init(context.Background()); st != StatusSuccess {
		t.Fatalf("init: %v", st)
	}
	return b, store
}

func newVarlenTestTree(t *testing.T, nodeSize int) (*Btree[strKey, strValue], *MemNodeStore[strKey]) {
	t.Helper()
	cfg := Config{NodeSize: nodeSize, NodeType: NodeTypeVarLen}
	cfg = cfg.withDefaults()
	store := NewMemNodeStore[strKey](&cfg, 1<<20)
	b, err := New[strKey, strValue](cfg, store)
	if err != nil {
		t.Fatalf("new btree: %v", err)
	}
	if st := b.Init(context.Background()); st != StatusSuccess {
		t.Fatalf("init: %v", st)
	}
	return b, store
}

func mustPut(t *testing.T, b *Btree[intKey, intValue], k, v int64, pt PutType) {
	t.Helper()
	op := NewOpContext[intKey]()
	if st := b.Put(context.Background(), intKey{k}, intValue{v}, pt, op); st != StatusSuccess {
		t.Fatalf("put %d=%d: %v", k, v, st)
	}
	if n := op.LatchesHeld(); n != 0 {
		t.Fatalf("put %d leaked %d latches", k, n)
	}
}

func mustGet(t *testing.T, b *Btree[intKey, intValue], k int64) int64 {
	t.Helper()
	v, st := b.Get(context.Background(), intKey{k}, nil)
	if st != StatusSuccess {
		t.Fatalf("get %d: %v", k, st)
	}
	return v.v
}

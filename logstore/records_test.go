package logstore

import "testing"

func TestRecordsCreateCompleteScan(t *testing.T) {
	r := newRecords()

	for s := int64(0); s < 10; s++ {
		r.create(s)
	}
	if got := r.activeUpto(0); got != 9 {
		t.Fatalf("activeUpto = %d", got)
	}
	if got := r.completedUpto(0); got != -1 {
		t.Fatalf("completedUpto before completion = %d", got)
	}

	for s := int64(0); s < 5; s++ {
		r.update(s, func(rec *logStoreRecord) {
			rec.ldKey = LogDevKey{Idx: s}
			rec.state = recordCompleted
		})
	}
	if got := r.completedUpto(0); got != 4 {
		t.Fatalf("completedUpto = %d", got)
	}

	// A gap stops the contiguous scan even with completions past it.
	r.createAndComplete(7, LogDevKey{Idx: 7})
	if got := r.completedUpto(0); got != 4 {
		t.Fatalf("completedUpto across gap = %d", got)
	}

	rec, ok := r.at(3)
	if !ok || rec.state != recordCompleted || rec.ldKey.Idx != 3 {
		t.Fatalf("at(3) = %+v, %v", rec, ok)
	}
}

func TestRecordsTruncatePrefix(t *testing.T) {
	r := newRecords()
	for s := int64(0); s < 2000; s++ {
		r.createAndComplete(s, LogDevKey{Idx: s})
	}
	r.truncate(1234)
	for _, s := range []int64{0, 500, 1234} {
		if _, ok := r.at(s); ok {
			t.Fatalf("record %d survived truncation", s)
		}
	}
	for _, s := range []int64{1235, 1999} {
		if _, ok := r.at(s); !ok {
			t.Fatalf("record %d lost to truncation", s)
		}
	}
	if got := r.completedUpto(1235); got != 1999 {
		t.Fatalf("completedUpto after truncate = %d", got)
	}

	// Re-truncating at or below the floor is a no-op.
	r.truncate(1000)
	if _, ok := r.at(1500); !ok {
		t.Fatal("lower truncate removed newer records")
	}
}

func TestRecordsForeachCompleted(t *testing.T) {
	r := newRecords()
	for s := int64(0); s < 6; s++ {
		r.createAndComplete(s, LogDevKey{Idx: s * 2})
	}
	var seen []int64
	r.foreachCompleted(0, func(seq int64, rec logStoreRecord) bool {
		seen = append(seen, seq)
		return seq < 3
	})
	if len(seen) != 4 || seen[3] != 3 {
		t.Fatalf("foreach visited %v", seen)
	}
}

package logstore

import "sync"

type recordState uint8

const (
	recordReserved recordState = iota
	recordCompleted
)

// logStoreRecord maps a local sequence number to the log device position of
// its payload plus its completion state.
type logStoreRecord struct {
	ldKey LogDevKey
	state recordState
}

const recordsChunkSize = 512

// records is a sparse, chunked array indexed by sequence number. Chunks
// materialize on first touch and whole chunks are reaped once truncation
// passes them.
type records struct {
	mu            sync.Mutex
	chunks        map[int64]*recordsChunk
	truncatedUpto int64
}

type recordsChunk struct {
	present [recordsChunkSize]bool
	recs    [recordsChunkSize]logStoreRecord
}

func newRecords() *records {
	return &records{chunks: map[int64]*recordsChunk{}, truncatedUpto: -1}
}

func (r *records) slot(seq int64) (*recordsChunk, int) {
	ci := seq / recordsChunkSize
	c, ok := r.chunks[ci]
	if !ok {
		c = &recordsChunk{}
		r.chunks[ci] = c
	}
	return c, int(seq % recordsChunkSize)
}

// create reserves the slot for an in-flight append.
func (r *records) create(seq int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, i := r.slot(seq)
	c.present[i] = true
	c.recs[i] = logStoreRecord{ldKey: InvalidLogDevKey, state: recordReserved}
}

// update applies fn to the record at seq; a no-op when absent.
func (r *records) update(seq int64, fn func(rec *logStoreRecord)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ci := seq / recordsChunkSize
	c, ok := r.chunks[ci]
	if !ok || !c.present[seq%recordsChunkSize] {
		return
	}
	fn(&c.recs[seq%recordsChunkSize])
}

// createAndComplete installs a completed record, the recovery path.
func (r *records) createAndComplete(seq int64, ldKey LogDevKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, i := r.slot(seq)
	c.present[i] = true
	c.recs[i] = logStoreRecord{ldKey: ldKey, state: recordCompleted}
}

// at returns the record at seq and whether it is present (not truncated away).
func (r *records) at(seq int64) (logStoreRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if seq <= r.truncatedUpto {
		return logStoreRecord{}, false
	}
	c, ok := r.chunks[seq/recordsChunkSize]
	if !ok || !c.present[seq%recordsChunkSize] {
		return logStoreRecord{}, false
	}
	return c.recs[seq%recordsChunkSize], true
}

// truncate drops the prefix of records up to and including uptoSeq.
func (r *records) truncate(uptoSeq int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if uptoSeq <= r.truncatedUpto {
		return
	}
	r.truncatedUpto = uptoSeq
	for ci, c := range r.chunks {
		chunkLast := (ci+1)*recordsChunkSize - 1
		if chunkLast <= uptoSeq {
			delete(r.chunks, ci)
			continue
		}
		chunkFirst := ci * recordsChunkSize
		for s := chunkFirst; s <= uptoSeq && s <= chunkLast; s++ {
			if s >= chunkFirst {
				c.present[s%recordsChunkSize] = false
			}
		}
	}
}

// completedUpto returns the largest s such that records[from..=s] are all
// completed, or from-1 when records[from] is absent or incomplete.
func (r *records) completedUpto(from int64) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := from
	for {
		c, ok := r.chunks[s/recordsChunkSize]
		if !ok || !c.present[s%recordsChunkSize] || c.recs[s%recordsChunkSize].state != recordCompleted {
			return s - 1
		}
		s++
	}
}

// activeUpto returns the largest s such that records[from..=s] are all
// present (issued), completed or not.
func (r *records) activeUpto(from int64) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := from
	for {
		c, ok := r.chunks[s/recordsChunkSize]
		if !ok || !c.present[s%recordsChunkSize] {
			return s - 1
		}
		s++
	}
}

// foreachCompleted invokes cb for every completed record from seq "from"
// upward until the first gap or until cb returns false.
func (r *records) foreachCompleted(from int64, cb func(seq int64, rec logStoreRecord) bool) {
	for s := from; ; s++ {
		rec, ok := r.at(s)
		if !ok || rec.state != recordCompleted {
			return
		}
		if !cb(s, rec) {
			return
		}
	}
}

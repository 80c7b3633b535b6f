package logstore

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"

	log "log/slog"

	"github.com/sharedcode/homestore"
)

// WriteCompletion is invoked when an appended record's flush completes.
type WriteCompletion func(seqNum int64, err error, cookie any)

// FoundCallback is invoked per recovered record of this store.
type FoundCallback func(seqNum int64, buf LogBuffer)

var (
	// ErrNotFound is returned when reading a sequence number with no record,
	// including ones truncated away.
	ErrNotFound = errors.New("logstore: record not found")
	// ErrStopped is returned for appends after the store stopped.
	ErrStopped = errors.New("logstore: store stopped")
)

// truncationBarrier marks the close of a flush batch: the largest sequence
// number the batch carried and the flush position at batch close. Truncation
// is only safe at barriers.
type truncationBarrier struct {
	seqNum int64
	ldKey  LogDevKey
}

// logstoreReq is the per-append context riding through the log device.
type logstoreReq struct {
	store  *HomeLogStore
	seqNum int64
	cookie any
	cb     WriteCompletion
}

// HomeLogStore is one logical log stream over the shared device.
type HomeLogStore struct {
	storeId LogStoreId
	mgr     *LogStoreManager

	seqNum              atomic.Int64
	lastTruncatedSeqNum atomic.Int64
	records             *records
	stopped             atomic.Bool

	// barriersMu serializes completion handling: the barriers list and the
	// open flush batch scratch.
	barriersMu         sync.Mutex
	truncationBarriers []truncationBarrier
	flushBatchMax      truncationBarrier

	safeTruncateMu    sync.RWMutex
	safeTruncateLdKey LogDevKey

	compCb  WriteCompletion
	foundCb FoundCallback
}

func newHomeLogStore(id LogStoreId, mgr *LogStoreManager) *HomeLogStore {
	s := &HomeLogStore{
		storeId:           id,
		mgr:               mgr,
		records:           newRecords(),
		flushBatchMax:     truncationBarrier{seqNum: -1, ldKey: InvalidLogDevKey},
		safeTruncateLdKey: InvalidLogDevKey,
	}
	s.lastTruncatedSeqNum.Store(-1)
	return s
}

// StoreId returns the persistent id of this stream.
func (s *HomeLogStore) StoreId() LogStoreId { return s.storeId }

// RegisterCompletionCallback installs the default append completion callback,
// used when an append supplies none.
func (s *HomeLogStore) RegisterCompletionCallback(cb WriteCompletion) { s.compCb = cb }

// RegisterFoundCallback installs the per-record recovery callback.
func (s *HomeLogStore) RegisterFoundCallback(cb FoundCallback) { s.foundCb = cb }

// AppendAsync appends data at the next sequence number of this store and
// returns that number. cb (or the registered default) fires on flush.
func (s *HomeLogStore) AppendAsync(data []byte, cookie any, cb WriteCompletion) (int64, error) {
	seq := s.seqNum.Add(1) - 1
	return seq, s.WriteAsync(seq, data, cookie, cb)
}

// WriteAsync is the low-level append with a caller-supplied sequence number,
// for streams whose numbering is externally defined. Either cb or a default
// completion callback must be present.
func (s *HomeLogStore) WriteAsync(seqNum int64, data []byte, cookie any, cb WriteCompletion) error {
	if cb == nil && s.compCb == nil {
		panic("logstore: write without a callback and no default registered")
	}
	if s.stopped.Load() {
		return ErrStopped
	}
	req := &logstoreReq{store: s, seqNum: seqNum, cookie: cookie, cb: cb}
	s.records.create(seqNum)
	return s.mgr.logdev.AppendAsync(s.storeId, seqNum, data, req)
}

// ReadSync reads back the record at seqNum. Truncated or never-written
// sequence numbers return ErrNotFound.
func (s *HomeLogStore) ReadSync(seqNum int64) (LogBuffer, error) {
	rec, ok := s.records.at(seqNum)
	if !ok || !rec.ldKey.IsValid() {
		return nil, homestore.Error{Code: homestore.FileIOError, Err: ErrNotFound, UserData: seqNum}
	}
	log.Debug("read record", "store", uint32(s.storeId), "lsn", seqNum, "idx", rec.ldKey.Idx, "dev_offset", rec.ldKey.DevOffset)
	return s.mgr.logdev.Read(rec.ldKey)
}

// onWriteCompletion maps the sequence number to its device key, tracks the
// open flush batch's maximum and closes the batch into a truncation barrier
// when the device reports the batch's last record.
func (s *HomeLogStore) onWriteCompletion(req *logstoreReq, ldKey, flushLdKey LogDevKey, nRemainingInBatch uint32) {
	s.records.update(req.seqNum, func(rec *logStoreRecord) {
		rec.ldKey = ldKey
		rec.state = recordCompleted
	})

	s.barriersMu.Lock()
	if req.seqNum > s.flushBatchMax.seqNum {
		s.flushBatchMax = truncationBarrier{seqNum: req.seqNum, ldKey: flushLdKey}
	}
	if nRemainingInBatch == 0 {
		// Last record of the batch; the batch-close signal is this count
		// alone, never flush key equality.
		s.createTruncationBarrier()
		s.flushBatchMax = truncationBarrier{seqNum: -1, ldKey: InvalidLogDevKey}
	}
	s.barriersMu.Unlock()

	if req.cb != nil {
		req.cb(req.seqNum, nil, req.cookie)
	} else if s.compCb != nil {
		s.compCb(req.seqNum, nil, req.cookie)
	}
}

// createTruncationBarrier closes the open flush batch. When the last barrier
// already covers the batch's max sequence number (a still-open batch edge
// case) its key is extended instead of pushing a duplicate; barriers stay
// strictly increasing in seqNum. Caller holds barriersMu.
func (s *HomeLogStore) createTruncationBarrier() {
	if n := len(s.truncationBarriers); n > 0 && s.truncationBarriers[n-1].seqNum >= s.flushBatchMax.seqNum {
		s.truncationBarriers[n-1].ldKey = s.flushBatchMax.ldKey
	} else {
		s.truncationBarriers = append(s.truncationBarriers, s.flushBatchMax)
	}
}

// onLogFound installs a recovered record and widens the sequence window:
// the next append goes after the largest recovered number and the truncation
// floor drops below the smallest.
func (s *HomeLogStore) onLogFound(seqNum int64, ldKey LogDevKey, buf LogBuffer) {
	s.records.createAndComplete(seqNum, ldKey)
	atomicUpdateMax(&s.seqNum, seqNum+1)
	atomicUpdateMin(&s.lastTruncatedSeqNum, seqNum-1)
	if s.foundCb != nil {
		s.foundCb(seqNum, buf)
	}
}

// Truncate moves this store's safe truncation position to the largest barrier
// at or below uptoSeq, under the device flush lock, and unless inMemoryOnly
// pushes a device truncation at the minimum safe position across all stores.
// Repeating with the same argument is a no-op.
func (s *HomeLogStore) Truncate(uptoSeq int64, inMemoryOnly bool) {
	lockedNow := s.mgr.logdev.TryLockFlush(func() {
		s.doTruncate(uptoSeq)
		if !inMemoryOnly {
			s.mgr.DeviceTruncate(false)
		}
	})
	if lockedNow {
		s.mgr.logdev.UnlockFlush()
	}
}

func (s *HomeLogStore) doTruncate(uptoSeq int64) {
	s.barriersMu.Lock()
	defer s.barriersMu.Unlock()
	ind := s.searchMaxLE(uptoSeq)
	if ind < 0 {
		log.Info("truncate request at or below floor, ignoring", "store", uint32(s.storeId), "lsn", uptoSeq)
		return
	}
	b := s.truncationBarriers[ind]

	s.safeTruncateMu.Lock()
	s.safeTruncateLdKey = b.ldKey
	s.safeTruncateMu.Unlock()
	log.Info("truncating upto nearest safe barrier",
		"store", uint32(s.storeId), "req_lsn", uptoSeq, "barrier_lsn", b.seqNum, "log_idx", b.ldKey.Idx)

	s.lastTruncatedSeqNum.Store(b.seqNum)
	s.records.truncate(b.seqNum)
	s.truncationBarriers = append(s.truncationBarriers[:0], s.truncationBarriers[ind+1:]...)
}

// searchMaxLE returns the index of the largest barrier with seqNum <= input,
// -1 when none. Caller holds barriersMu.
func (s *HomeLogStore) searchMaxLE(inputSeq int64) int {
	return sort.Search(len(s.truncationBarriers), func(i int) bool {
		return s.truncationBarriers[i].seqNum > inputSeq
	}) - 1
}

// SafeTruncationLogDevKey returns this store's safe truncation position; it
// is monotonically non-decreasing.
func (s *HomeLogStore) SafeTruncationLogDevKey() LogDevKey {
	s.safeTruncateMu.RLock()
	defer s.safeTruncateMu.RUnlock()
	return s.safeTruncateLdKey
}

// Foreach reads every completed record from startSeq onward synchronously,
// stopping at the first gap or when cb returns false.
func (s *HomeLogStore) Foreach(startSeq int64, cb func(seqNum int64, buf LogBuffer) bool) {
	s.records.foreachCompleted(startSeq, func(seq int64, rec logStoreRecord) bool {
		buf, err := s.mgr.logdev.Read(rec.ldKey)
		if err != nil {
			return false
		}
		return cb(seq, buf)
	})
}

// GetContiguousIssuedSeqNum returns the largest sequence number such that
// every record after from up to it has been issued.
func (s *HomeLogStore) GetContiguousIssuedSeqNum(from int64) int64 {
	return s.records.activeUpto(from + 1)
}

// GetContiguousCompletedSeqNum returns the largest sequence number such that
// every record after from up to it has completed.
func (s *HomeLogStore) GetContiguousCompletedSeqNum(from int64) int64 {
	return s.records.completedUpto(from + 1)
}

// LastTruncatedSeqNum returns the sequence number truncation last stopped at.
func (s *HomeLogStore) LastTruncatedSeqNum() int64 {
	return s.lastTruncatedSeqNum.Load()
}

// NextSeqNum returns the sequence number the next append will take.
func (s *HomeLogStore) NextSeqNum() int64 { return s.seqNum.Load() }

// TruncationBarriers returns a snapshot of the pending barriers, for
// inspection and tests.
func (s *HomeLogStore) TruncationBarriers() []struct {
	SeqNum int64
	LdKey  LogDevKey
} {
	s.barriersMu.Lock()
	defer s.barriersMu.Unlock()
	out := make([]struct {
		SeqNum int64
		LdKey  LogDevKey
	}, len(s.truncationBarriers))
	for i, b := range s.truncationBarriers {
		out[i] = struct {
			SeqNum int64
			LdKey  LogDevKey
		}{b.seqNum, b.ldKey}
	}
	return out
}

func (s *HomeLogStore) markStopped() { s.stopped.Store(true) }

func atomicUpdateMax(a *atomic.Int64, v int64) {
	for {
		cur := a.Load()
		if v <= cur || a.CompareAndSwap(cur, v) {
			return
		}
	}
}

func atomicUpdateMin(a *atomic.Int64, v int64) {
	for {
		cur := a.Load()
		if v >= cur || a.CompareAndSwap(cur, v) {
			return
		}
	}
}

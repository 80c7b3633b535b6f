package logstore

import (
	"errors"
	"sync"
)

// MemLogDev is an in-memory LogDev. Appends queue up and flush as a batch
// once batchSize of them accumulate (or on Flush), delivering completions in
// submission order with the batch countdown the log store layer expects.
// Flushed records survive Stop/Start, so a Stop + Start(false) cycle behaves
// like a crash restart: unflushed appends are lost, flushed ones are
// re-delivered through the recovery callbacks in no particular order.
type MemLogDev struct {
	batchSize int

	mu                sync.Mutex
	flushMu           sync.Mutex
	pendingFns        []func()
	queue             []memPending
	entries           map[int64]memEntry
	nextIdx           int64
	nextOffset        uint64
	truncatedUpto     int64
	nextStoreId       LogStoreId
	persistedStoreIds map[LogStoreId]bool
	started           bool

	storeFoundCb StoreFoundCallback
	appendCb     AppendCompletionCallback
	logFoundCb   LogFoundCallback
}

type memPending struct {
	storeId LogStoreId
	seqNum  int64
	data    []byte
	ctx     any
}

type memEntry struct {
	storeId LogStoreId
	seqNum  int64
	data    []byte
	key     LogDevKey
}

var errDevStopped = errors.New("logstore: log device not started")

// NewMemLogDev returns an in-memory device flushing every batchSize appends.
func NewMemLogDev(batchSize int) *MemLogDev {
	if batchSize <= 0 {
		batchSize = 64
	}
	return &MemLogDev{
		batchSize:         batchSize,
		entries:           map[int64]memEntry{},
		truncatedUpto:     -1,
		persistedStoreIds: map[LogStoreId]bool{},
	}
}

func (d *MemLogDev) RegisterStoreFoundCallback(cb StoreFoundCallback)   { d.storeFoundCb = cb }
func (d *MemLogDev) RegisterAppendCallback(cb AppendCompletionCallback) { d.appendCb = cb }
func (d *MemLogDev) RegisterLogFoundCallback(cb LogFoundCallback)       { d.logFoundCb = cb }

func (d *MemLogDev) ReserveStoreId(persist bool) (LogStoreId, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.nextStoreId
	d.nextStoreId++
	if persist {
		d.persistedStoreIds[id] = true
	}
	return id, nil
}

// Start begins serving. format wipes the device; otherwise recovery replays
// every persisted store and record through the registered callbacks. Map
// iteration drives the replay, so delivery order is naturally shuffled.
func (d *MemLogDev) Start(format bool) error {
	d.mu.Lock()
	if format {
		d.entries = map[int64]memEntry{}
		d.persistedStoreIds = map[LogStoreId]bool{}
		d.nextIdx = 0
		d.nextOffset = 0
		d.truncatedUpto = -1
		d.nextStoreId = 0
	}
	d.started = true
	storeIds := make([]LogStoreId, 0, len(d.persistedStoreIds))
	for id := range d.persistedStoreIds {
		storeIds = append(storeIds, id)
	}
	entries := make([]memEntry, 0, len(d.entries))
	for _, e := range d.entries {
		entries = append(entries, e)
	}
	d.mu.Unlock()

	if format {
		return nil
	}
	if d.storeFoundCb != nil {
		for _, id := range storeIds {
			d.storeFoundCb(id)
		}
	}
	if d.logFoundCb != nil {
		for _, e := range entries {
			d.logFoundCb(e.storeId, e.seqNum, e.key, append(LogBuffer(nil), e.data...))
		}
	}
	return nil
}

// Stop drops unflushed appends and stops serving; flushed records remain for
// the next Start.
func (d *MemLogDev) Stop() error {
	d.mu.Lock()
	d.queue = nil
	d.started = false
	d.mu.Unlock()
	return nil
}

func (d *MemLogDev) AppendAsync(storeId LogStoreId, seqNum int64, data []byte, ctx any) error {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return errDevStopped
	}
	d.queue = append(d.queue, memPending{storeId: storeId, seqNum: seqNum, data: append([]byte(nil), data...), ctx: ctx})
	full := len(d.queue) >= d.batchSize
	d.mu.Unlock()
	if full {
		d.Flush()
	}
	return nil
}

// Flush persists the queued appends as one flush batch and delivers their
// completions in submission order.
func (d *MemLogDev) Flush() {
	d.flushMu.Lock()
	d.mu.Lock()
	batch := d.queue
	d.queue = nil
	completions := make([]memEntry, len(batch))
	for i, p := range batch {
		key := LogDevKey{Idx: d.nextIdx, DevOffset: d.nextOffset}
		d.nextIdx++
		d.nextOffset += uint64(len(p.data))
		e := memEntry{storeId: p.storeId, seqNum: p.seqNum, data: p.data, key: key}
		d.entries[key.Idx] = e
		completions[i] = e
	}
	d.mu.Unlock()

	if len(batch) > 0 && d.appendCb != nil {
		flushKey := completions[len(completions)-1].key
		for i, e := range completions {
			d.appendCb(e.storeId, e.key, flushKey, uint32(len(completions)-1-i), batch[i].ctx)
		}
	}
	d.flushMu.Unlock()
	d.drainPending()
}

func (d *MemLogDev) drainPending() {
	if !d.flushMu.TryLock() {
		return
	}
	d.mu.Lock()
	fns := d.pendingFns
	d.pendingFns = nil
	d.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
	d.flushMu.Unlock()
}

func (d *MemLogDev) Read(key LogDevKey) (LogBuffer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.entries[key.Idx]
	if !ok {
		return nil, ErrNotFound
	}
	return append(LogBuffer(nil), e.data...), nil
}

func (d *MemLogDev) TryLockFlush(fn func()) bool {
	if d.flushMu.TryLock() {
		fn()
		return true
	}
	d.mu.Lock()
	d.pendingFns = append(d.pendingFns, fn)
	d.mu.Unlock()
	d.drainPending()
	return false
}

func (d *MemLogDev) UnlockFlush() {
	d.flushMu.Unlock()
	d.drainPending()
}

func (d *MemLogDev) Truncate(key LogDevKey) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for idx := range d.entries {
		if idx <= key.Idx {
			delete(d.entries, idx)
		}
	}
	if key.Idx > d.truncatedUpto {
		d.truncatedUpto = key.Idx
	}
	return nil
}

// EntryCount returns the number of flushed, untruncated records.
func (d *MemLogDev) EntryCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}

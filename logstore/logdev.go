// Package logstore multiplexes many independent logical log streams over a
// single physical log device. Each stream (HomeLogStore) owns its sequence
// space, tracks completion of appended records and maintains truncation
// barriers so the shared device can be truncated at the minimum safe position
// across all streams.
package logstore

import "math"

// LogDevKey is a position within the physical log: a monotonically increasing
// log index plus the device offset the record landed at.
type LogDevKey struct {
	Idx       int64
	DevOffset uint64
}

// OutOfBoundLogDevKey compares greater than every valid key; the device
// truncation scan starts from it.
var OutOfBoundLogDevKey = LogDevKey{Idx: math.MaxInt64}

// InvalidLogDevKey is the zero position before anything was flushed.
var InvalidLogDevKey = LogDevKey{Idx: -1}

// IsValid reports whether the key points at a flushed record.
func (k LogDevKey) IsValid() bool { return k.Idx >= 0 }

// LogStoreId identifies a logical log stream; persistent across restarts.
type LogStoreId uint32

// LogBuffer is a read-back log record payload. A nil buffer means not found.
type LogBuffer []byte

// StoreFoundCallback announces a store id discovered during recovery, before
// any of its records are delivered.
type StoreFoundCallback func(storeId LogStoreId)

// AppendCompletionCallback reports one flushed append: the record's own key,
// the key of the flush that carried it and how many records of that flush
// batch are still pending. nRemainingInBatch == 0 closes the batch.
type AppendCompletionCallback func(storeId LogStoreId, ldKey, flushLdKey LogDevKey, nRemainingInBatch uint32, ctx any)

// LogFoundCallback delivers one recovered record during Start in recovery
// mode. Delivery order across sequence numbers is not guaranteed.
type LogFoundCallback func(storeId LogStoreId, seqNum int64, ldKey LogDevKey, buf LogBuffer)

// LogDev is the physical log device contract the log store layer consumes:
// asynchronous batched append, synchronous read, flush locking and store id
// reservation. Implementations deliver append completions in submission order
// per store.
type LogDev interface {
	RegisterStoreFoundCallback(cb StoreFoundCallback)
	RegisterAppendCallback(cb AppendCompletionCallback)
	RegisterLogFoundCallback(cb LogFoundCallback)

	// ReserveStoreId hands out the next store id, persisting the reservation
	// when asked so recovery can announce the store.
	ReserveStoreId(persist bool) (LogStoreId, error)

	// Start begins serving. format true initializes an empty device; false
	// runs recovery, invoking the registered store-found and log-found
	// callbacks before returning.
	Start(format bool) error
	Stop() error

	// AppendAsync queues one record; the append callback fires when the
	// carrying flush completes. ctx is returned verbatim to the callback.
	AppendAsync(storeId LogStoreId, seqNum int64, data []byte, ctx any) error

	// Read returns the payload stored at key.
	Read(key LogDevKey) (LogBuffer, error)

	// TryLockFlush runs fn under the flush lock. When the lock was free it is
	// taken, fn runs and true is returned with the lock still held (release
	// with UnlockFlush). When a flush is in progress fn is queued to run when
	// it finishes and false is returned.
	TryLockFlush(fn func()) bool
	UnlockFlush()

	// Truncate discards every record at or before key.
	Truncate(key LogDevKey) error
}

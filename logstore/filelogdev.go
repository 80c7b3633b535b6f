package logstore

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"sync"
	"time"

	log "log/slog"

	"github.com/cespare/xxhash/v2"
	"github.com/ncw/directio"

	"github.com/sharedcode/homestore"
)

// FileLogDev is a file-backed LogDev. Appends queue in memory and a flusher
// goroutine writes them out as batches of little-endian framed records into
// direct-IO aligned blocks; each record carries an xxhash digest of its
// payload, verified on read and during the recovery scan. Store id
// reservations and the last truncated log index persist in a JSON superblock next to
// the data file.
type FileLogDev struct {
	path          string
	flushInterval time.Duration
	batchSize     int

	mu         sync.Mutex
	flushMu    sync.Mutex
	pendingFns []func()
	queue      []memPending

	file        *os.File
	writeOffset int64
	nextIdx     int64
	sb          fileSuperblock
	started     bool
	stopCh      chan struct{}
	doneCh      chan struct{}

	storeFoundCb StoreFoundCallback
	appendCb     AppendCompletionCallback
	logFoundCb   LogFoundCallback

	marshaler homestore.Marshaler
}

type fileSuperblock struct {
	NextStoreId LogStoreId   `json:"next_store_id"`
	StoreIds    []LogStoreId `json:"store_ids"`
	// TruncatedIdx is the last truncated log index. The physical prefix is
	// reclaimed lazily; reads and the recovery scan skip records at or below
	// this index.
	TruncatedIdx int64 `json:"truncated_idx"`
}

const (
	frameMagic   = 0x474f4c48 // "HLOG"
	frameHdrSize = 36
)

// NewFileLogDev returns a device persisting to path (superblock at path.sb).
// Queued appends flush when batchSize accumulate or flushInterval elapses.
func NewFileLogDev(path string, batchSize int, flushInterval time.Duration) *FileLogDev {
	if batchSize <= 0 {
		batchSize = 64
	}
	if flushInterval <= 0 {
		flushInterval = 2 * time.Millisecond
	}
	return &FileLogDev{
		path:          path,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		sb:            fileSuperblock{TruncatedIdx: -1},
		marshaler:     homestore.NewMarshaler(),
	}
}

func (d *FileLogDev) RegisterStoreFoundCallback(cb StoreFoundCallback)   { d.storeFoundCb = cb }
func (d *FileLogDev) RegisterAppendCallback(cb AppendCompletionCallback) { d.appendCb = cb }
func (d *FileLogDev) RegisterLogFoundCallback(cb LogFoundCallback)       { d.logFoundCb = cb }

func (d *FileLogDev) sbPath() string { return d.path + ".sb" }

func (d *FileLogDev) ReserveStoreId(persist bool) (LogStoreId, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.sb.NextStoreId
	d.sb.NextStoreId++
	if persist {
		d.sb.StoreIds = append(d.sb.StoreIds, id)
		if err := d.writeSuperblock(); err != nil {
			return 0, err
		}
	}
	return id, nil
}

// writeSuperblock persists the superblock JSON. Caller holds d.mu.
func (d *FileLogDev) writeSuperblock() error {
	b, err := d.marshaler.Marshal(d.sb)
	if err != nil {
		return err
	}
	return os.WriteFile(d.sbPath(), b, 0o644)
}

func (d *FileLogDev) readSuperblock() error {
	b, err := os.ReadFile(d.sbPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return d.marshaler.Unmarshal(b, &d.sb)
}

func (d *FileLogDev) Start(format bool) error {
	d.mu.Lock()
	if format {
		os.Remove(d.path)
		os.Remove(d.sbPath())
		d.sb = fileSuperblock{TruncatedIdx: -1}
	} else if err := d.readSuperblock(); err != nil {
		d.mu.Unlock()
		return homestore.Error{Code: homestore.FileIOError, Err: err, UserData: d.sbPath()}
	}
	f, err := directio.OpenFile(d.path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		d.mu.Unlock()
		return homestore.Error{Code: homestore.FileIOError, Err: err, UserData: d.path}
	}
	d.file = f
	d.started = true
	d.stopCh = make(chan struct{})
	d.doneCh = make(chan struct{})
	d.mu.Unlock()

	if !format {
		if err := d.recover(); err != nil {
			return err
		}
	}
	go d.flusher()
	return nil
}

// recover scans the data file from the beginning, announces the persisted
// stores and re-delivers every verified, untruncated record. Per-record
// callbacks fan out over a bounded task runner; ordering across sequence
// numbers is not guaranteed.
func (d *FileLogDev) recover() error {
	if d.storeFoundCb != nil {
		for _, id := range d.sb.StoreIds {
			d.storeFoundCb(id)
		}
	}
	st, err := d.file.Stat()
	if err != nil {
		return homestore.Error{Code: homestore.FileIOError, Err: err}
	}
	fileSize := st.Size()
	bs := int64(directio.BlockSize)
	tr := homestore.NewTaskRunner(context.Background(), 4)

	// The scan always starts at offset zero so frame parsing stays aligned;
	// truncated records are filtered by index below.
	start := int64(0)
	img, err := d.readAligned(start, fileSize-start, fileSize)
	if err != nil {
		return homestore.Error{Code: homestore.FileIOError, Err: err}
	}

	pos := int64(0)
	end := int64(len(img))
	maxIdx := int64(-1)
	for pos+frameHdrSize <= end {
		if binary.LittleEndian.Uint32(img[pos:]) != frameMagic {
			// Batch padding; resume at the next block boundary or stop when a
			// block opens with no frame.
			if pos%bs == 0 {
				break
			}
			pos += bs - pos%bs
			continue
		}
		idx := int64(binary.LittleEndian.Uint64(img[pos+4:]))
		storeId := LogStoreId(binary.LittleEndian.Uint32(img[pos+12:]))
		seqNum := int64(binary.LittleEndian.Uint64(img[pos+16:]))
		dataLen := int64(binary.LittleEndian.Uint32(img[pos+24:]))
		sum := binary.LittleEndian.Uint64(img[pos+28:])
		if pos+frameHdrSize+dataLen > end {
			log.Warn("recovery scan stopped on torn record", "offset", start+pos)
			break
		}
		payload := img[pos+frameHdrSize : pos+frameHdrSize+dataLen]
		if xxhash.Sum64(payload) != sum {
			log.Warn("recovery scan stopped on bad record digest", "offset", start+pos)
			break
		}
		if idx > d.sb.TruncatedIdx && d.logFoundCb != nil {
			key := LogDevKey{Idx: idx, DevOffset: uint64(start + pos)}
			buf := append(LogBuffer(nil), payload...)
			tr.Go(func() error {
				d.logFoundCb(storeId, seqNum, key, buf)
				return nil
			})
		}
		if idx > maxIdx {
			maxIdx = idx
		}
		pos += frameHdrSize + dataLen
	}
	if err := tr.Wait(); err != nil {
		return err
	}
	writeOffset := start + pos
	if writeOffset%bs != 0 {
		writeOffset += bs - writeOffset%bs
	}
	d.mu.Lock()
	d.nextIdx = maxIdx + 1
	d.writeOffset = writeOffset
	d.mu.Unlock()
	log.Info("log device recovered", "next_idx", maxIdx+1, "write_offset", writeOffset)
	return nil
}

// readAligned reads length bytes from the block-aligned offset start through
// an aligned buffer, clamped to the file size.
func (d *FileLogDev) readAligned(start, length, fileSize int64) ([]byte, error) {
	bs := int64(directio.BlockSize)
	if start >= fileSize || length <= 0 {
		return nil, nil
	}
	if start+length > fileSize {
		length = fileSize - start
	}
	span := length
	if span%bs != 0 {
		span += bs - span%bs
	}
	buf := directio.AlignedBlock(int(span))
	n, err := d.file.ReadAt(buf, start)
	if err != nil && int64(n) < length {
		return nil, err
	}
	return buf[:length], nil
}

func (d *FileLogDev) flusher() {
	defer close(d.doneCh)
	tick := time.NewTicker(d.flushInterval)
	defer tick.Stop()
	for {
		select {
		case <-d.stopCh:
			return
		case <-tick.C:
			d.Flush()
		}
	}
}

func (d *FileLogDev) Stop() error {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return nil
	}
	d.started = false
	d.queue = nil
	close(d.stopCh)
	d.mu.Unlock()
	<-d.doneCh
	err := d.file.Close()
	if err != nil {
		return homestore.Error{Code: homestore.FileIOError, Err: err}
	}
	return nil
}

func (d *FileLogDev) AppendAsync(storeId LogStoreId, seqNum int64, data []byte, ctx any) error {
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

// Flush writes the queued appends as one batch of frames padded to the block
// size and delivers their completions in submission order.
func (d *FileLogDev) Flush() {
	d.flushMu.Lock()
	d.mu.Lock()
	batch := d.queue
	d.queue = nil
	if len(batch) == 0 {
		d.mu.Unlock()
		d.flushMu.Unlock()
		d.drainPending()
		return
	}
	bs := int64(directio.BlockSize)
	base := d.writeOffset

	total := int64(0)
	for _, p := range batch {
		total += frameHdrSize + int64(len(p.data))
	}
	span := total
	if span%bs != 0 {
		span += bs - span%bs
	}
	buf := directio.AlignedBlock(int(span))

	keys := make([]LogDevKey, len(batch))
	pos := int64(0)
	for i, p := range batch {
		idx := d.nextIdx
		d.nextIdx++
		keys[i] = LogDevKey{Idx: idx, DevOffset: uint64(base + pos)}
		binary.LittleEndian.PutUint32(buf[pos:], frameMagic)
		binary.LittleEndian.PutUint64(buf[pos+4:], uint64(idx))
		binary.LittleEndian.PutUint32(buf[pos+12:], uint32(p.storeId))
		binary.LittleEndian.PutUint64(buf[pos+16:], uint64(p.seqNum))
		binary.LittleEndian.PutUint32(buf[pos+24:], uint32(len(p.data)))
		binary.LittleEndian.PutUint64(buf[pos+28:], xxhash.Sum64(p.data))
		copy(buf[pos+frameHdrSize:], p.data)
		pos += frameHdrSize + int64(len(p.data))
	}
	d.writeOffset = base + span
	file := d.file
	d.mu.Unlock()

	var writeErr error
	if _, err := file.WriteAt(buf, base); err != nil {
		writeErr = homestore.Error{Code: homestore.FileIOError, Err: err}
		log.Error("flush write failed", "err", err)
	}

	if d.appendCb != nil && writeErr == nil {
		flushKey := keys[len(keys)-1]
		for i, p := range batch {
			d.appendCb(p.storeId, keys[i], flushKey, uint32(len(batch)-1-i), p.ctx)
		}
	}
	d.flushMu.Unlock()
	d.drainPending()
}

func (d *FileLogDev) drainPending() {
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

func (d *FileLogDev) Read(key LogDevKey) (LogBuffer, error) {
	d.mu.Lock()
	file := d.file
	truncated := key.Idx <= d.sb.TruncatedIdx
	d.mu.Unlock()
	if truncated || file == nil {
		return nil, ErrNotFound
	}
	st, err := file.Stat()
	if err != nil {
		return nil, homestore.Error{Code: homestore.FileIOError, Err: err}
	}
	fileSize := st.Size()
	off := int64(key.DevOffset)
	bs := int64(directio.BlockSize)
	start := off - off%bs

	hdr, err := d.readAligned(start, off-start+frameHdrSize, fileSize)
	if err != nil || int64(len(hdr)) < off-start+frameHdrSize {
		return nil, ErrNotFound
	}
	pos := off - start
	if binary.LittleEndian.Uint32(hdr[pos:]) != frameMagic {
		return nil, ErrNotFound
	}
	dataLen := int64(binary.LittleEndian.Uint32(hdr[pos+24:]))
	sum := binary.LittleEndian.Uint64(hdr[pos+28:])

	payloadStart := off + frameHdrSize
	pstart := payloadStart - payloadStart%bs
	img, err := d.readAligned(pstart, payloadStart-pstart+dataLen, fileSize)
	if err != nil || int64(len(img)) < payloadStart-pstart+dataLen {
		return nil, homestore.Error{Code: homestore.FileIOError, Err: fmt.Errorf("logstore: short payload read"), UserData: key}
	}
	payload := img[payloadStart-pstart : payloadStart-pstart+dataLen]
	if xxhash.Sum64(payload) != sum {
		return nil, homestore.Error{Code: homestore.ChecksumMismatch, Err: fmt.Errorf("logstore: payload digest mismatch"), UserData: key}
	}
	return append(LogBuffer(nil), payload...), nil
}

func (d *FileLogDev) TryLockFlush(fn func()) bool {
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

func (d *FileLogDev) UnlockFlush() {
	d.flushMu.Unlock()
	d.drainPending()
}

// Truncate advances the superblock's truncation mark; the physical prefix is
// reclaimed lazily (reads and recovery skip it).
func (d *FileLogDev) Truncate(key LogDevKey) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if key.Idx <= d.sb.TruncatedIdx {
		return nil
	}
	d.sb.TruncatedIdx = key.Idx
	return d.writeSuperblock()
}

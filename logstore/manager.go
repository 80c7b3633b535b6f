package logstore

import (
	"sync"

	log "log/slog"
)

// LogStoreOpenedCallback delivers a store materialized during recovery to the
// code that pre-registered it.
type LogStoreOpenedCallback func(store *HomeLogStore)

type logstoreInfo struct {
	store  *HomeLogStore
	onOpen LogStoreOpenedCallback
}

// LogStoreManager multiplexes logical log stores over one LogDev: it owns the
// id to store map, routes the device's completion and recovery callbacks to
// the right store and computes the device-wide safe truncation position.
type LogStoreManager struct {
	logdev LogDev

	mu         sync.RWMutex
	idStoreMap map[LogStoreId]*logstoreInfo
}

// NewLogStoreManager returns a manager over the given device. Call Start
// before creating or opening stores is complete.
func NewLogStoreManager(dev LogDev) *LogStoreManager {
	return &LogStoreManager{
		logdev:     dev,
		idStoreMap: map[LogStoreId]*logstoreInfo{},
	}
}

// Start registers the three device callbacks and starts the device, in format
// or recovery mode. In recovery mode every pre-registered store is announced
// and its records re-delivered before Start returns.
func (m *LogStoreManager) Start(format bool) error {
	m.logdev.RegisterStoreFoundCallback(m.onLogStoreFound)
	m.logdev.RegisterAppendCallback(m.onIOCompletion)
	m.logdev.RegisterLogFoundCallback(m.onLogFound)
	return m.logdev.Start(format)
}

// Stop clears the store map and stops the device. Appends to the dropped
// stores fail from here on.
func (m *LogStoreManager) Stop() error {
	m.mu.Lock()
	for _, info := range m.idStoreMap {
		if info.store != nil {
			info.store.markStopped()
		}
	}
	m.idStoreMap = map[LogStoreId]*logstoreInfo{}
	m.mu.Unlock()
	return m.logdev.Stop()
}

// CreateNewLogStore reserves a persistent store id from the device and
// installs a fresh HomeLogStore under it.
func (m *LogStoreManager) CreateNewLogStore() (*HomeLogStore, error) {
	id, err := m.logdev.ReserveStoreId(true)
	if err != nil {
		return nil, err
	}
	s := newHomeLogStore(id, m)
	m.mu.Lock()
	m.idStoreMap[id] = &logstoreInfo{store: s}
	m.mu.Unlock()
	return s, nil
}

// OpenLogStore pre-registers a placeholder for a store expected to surface
// during recovery; onOpen is invoked with the materialized store when the
// device announces it.
func (m *LogStoreManager) OpenLogStore(id LogStoreId, onOpen LogStoreOpenedCallback) {
	m.mu.Lock()
	m.idStoreMap[id] = &logstoreInfo{onOpen: onOpen}
	m.mu.Unlock()
}

func (m *LogStoreManager) onLogStoreFound(id LogStoreId) {
	m.mu.RLock()
	info, ok := m.idStoreMap[id]
	m.mu.RUnlock()
	if !ok {
		log.Error("store id found but not opened yet, ignoring the store", "store", uint32(id))
		return
	}
	log.Info("found a logstore, creating a new HomeLogStore instance", "store", uint32(id))
	info.store = newHomeLogStore(id, m)
	if info.onOpen != nil {
		info.onOpen(info.store)
	}
}

func (m *LogStoreManager) onIOCompletion(id LogStoreId, ldKey, flushLdKey LogDevKey, nRemainingInBatch uint32, ctx any) {
	req, ok := ctx.(*logstoreReq)
	if !ok || req.store == nil {
		log.Error("append completion without a request context", "store", uint32(id))
		return
	}
	if req.store.storeId != id {
		log.Error("store id mismatch between log store and io completion",
			"store", uint32(req.store.storeId), "completion", uint32(id))
		return
	}
	req.store.onWriteCompletion(req, ldKey, flushLdKey, nRemainingInBatch)
}

func (m *LogStoreManager) onLogFound(id LogStoreId, seqNum int64, ldKey LogDevKey, buf LogBuffer) {
	m.mu.RLock()
	info, ok := m.idStoreMap[id]
	m.mu.RUnlock()
	if !ok || info.store == nil {
		return
	}
	info.store.onLogFound(seqNum, ldKey, buf)
}

// DeviceTruncate computes the minimum safe truncation key across all stores
// (by log index) and, unless dryRun, pushes it to the device. Stores that
// never truncated hold the whole device back.
func (m *LogStoreManager) DeviceTruncate(dryRun bool) LogDevKey {
	minSafeLdKey := OutOfBoundLogDevKey
	m.mu.RLock()
	for _, info := range m.idStoreMap {
		if info.store == nil {
			continue
		}
		storeKey := info.store.SafeTruncationLogDevKey()
		if storeKey.Idx < minSafeLdKey.Idx {
			minSafeLdKey = storeKey
		}
	}
	m.mu.RUnlock()
	log.Info("request to truncate the log device", "safe_log_idx", minSafeLdKey.Idx)

	if !dryRun && minSafeLdKey.IsValid() && minSafeLdKey.Idx != OutOfBoundLogDevKey.Idx {
		m.logdev.Truncate(minSafeLdKey)
	}
	return minSafeLdKey
}

// Package vault implements the three-tier cache (Device/Host/Disk) with LRU
// eviction between tiers, asynchronous writeback to disk, and a prefetch
// hint channel. Disk is the durability anchor: it is never deleted on
// promotion to a hotter tier, unlike Host, which is deleted once its entry
// is promoted to Device.
package vault

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/databloom/kvquant-core/internal/errs"
	"github.com/databloom/kvquant-core/internal/metrics"
	"github.com/databloom/kvquant-core/internal/vault/diskstore"
	"github.com/rs/zerolog"
)

// Entry is a single vault record. Timestamp is the monotonic wall-clock
// value recorded on write and is the sole basis for LRU eviction; Seq
// breaks ties in insertion order.
type Entry struct {
	Key       []byte
	Value     []byte
	Timestamp uint64
	NodeID    uint
	Seq       uint64
}

// Config configures a Vault.
type Config struct {
	DeviceCap int
	HostCap   int
	DiskPath  string
	Compress  bool
	NodeID    uint
	Logger    zerolog.Logger
}

// Vault is the tiered cache.
type Vault struct {
	cfg Config

	deviceMu sync.Mutex
	device   map[string]*Entry

	hostMu sync.Mutex
	host   map[string]*Entry

	disk *diskstore.Store

	seq    atomic.Uint64
	logger zerolog.Logger

	prefetch chan string
	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New constructs a Vault backed by the given config.
func New(cfg Config) (*Vault, error) {
	disk, err := diskstore.New(diskstore.Config{Path: cfg.DiskPath, Compress: cfg.Compress})
	if err != nil {
		return nil, err
	}
	v := &Vault{
		cfg:      cfg,
		device:   make(map[string]*Entry),
		host:     make(map[string]*Entry),
		disk:     disk,
		logger:   cfg.Logger,
		prefetch: make(chan string, 256),
		stopCh:   make(chan struct{}),
	}
	v.wg.Add(1)
	go v.prefetchLoop()
	return v, nil
}

func keyStr(key []byte) string { return string(key) }

func (v *Vault) now() uint64 { return uint64(time.Now().UnixNano()) }

// Store writes key/value into Device, cascading evictions to Host and then
// Disk as each tier's capacity is exceeded. Disk writes are asynchronous
// and never fail the originating Store call.
func (v *Vault) Store(key, value []byte) error {
	ts := v.now()
	seq := v.seq.Add(1)
	entry := &Entry{Key: key, Value: value, Timestamp: ts, NodeID: v.cfg.NodeID, Seq: seq}

	v.deviceMu.Lock()
	v.device[keyStr(key)] = entry
	overCap := v.cfg.DeviceCap > 0 && len(v.device) > v.cfg.DeviceCap
	var evicted *Entry
	if overCap {
		evicted = v.popOldestLocked(v.device)
	}
	v.deviceMu.Unlock()

	if evicted != nil {
		v.demoteToHost(evicted)
	}
	v.observeTiers()
	return nil
}

// observeTiers refreshes the per-tier occupancy gauges.
func (v *Vault) observeTiers() {
	v.deviceMu.Lock()
	deviceN := len(v.device)
	v.deviceMu.Unlock()
	v.hostMu.Lock()
	hostN := len(v.host)
	v.hostMu.Unlock()
	metrics.VaultTierEntries.WithLabelValues("device").Set(float64(deviceN))
	metrics.VaultTierEntries.WithLabelValues("host").Set(float64(hostN))
	metrics.VaultTierEntries.WithLabelValues("disk").Set(float64(v.disk.Stats().Entries))
}

// popOldestLocked removes and returns the entry with the smallest Timestamp
// (ties broken by Seq) from tier. Caller must hold tier's mutex.
func (v *Vault) popOldestLocked(tier map[string]*Entry) *Entry {
	var oldestKey string
	var oldest *Entry
	for k, e := range tier {
		if oldest == nil || e.Timestamp < oldest.Timestamp ||
			(e.Timestamp == oldest.Timestamp && e.Seq < oldest.Seq) {
			oldest = e
			oldestKey = k
		}
	}
	if oldest != nil {
		delete(tier, oldestKey)
	}
	return oldest
}

// demoteToHost moves an evicted Device entry into Host, cascading to Disk
// if Host is then over capacity.
func (v *Vault) demoteToHost(e *Entry) {
	demoted := &Entry{Key: e.Key, Value: e.Value, Timestamp: e.Timestamp, NodeID: e.NodeID, Seq: e.Seq}

	v.hostMu.Lock()
	v.host[keyStr(e.Key)] = demoted
	overCap := v.cfg.HostCap > 0 && len(v.host) > v.cfg.HostCap
	var evicted *Entry
	if overCap {
		evicted = v.popOldestLocked(v.host)
	}
	v.hostMu.Unlock()

	if evicted != nil {
		v.demoteToDisk(evicted)
	}
}

// demoteToDisk fires off an asynchronous writeback; failures are logged,
// never surfaced, since Device/Host remain authoritative until flush.
func (v *Vault) demoteToDisk(e *Entry) {
	go func() {
		if err := v.disk.Put(e.Key, e.Value); err != nil {
			v.logger.Error().Err(err).Str("tier", "disk").Msg("vault: async writeback failed")
		}
	}()
}

// Fetch looks up key, checking Device, then Host, then Disk, promoting on a
// Host or Disk hit. Disk's copy is preserved on promotion (it is the
// durability anchor); Host's copy is deleted once promoted to Device.
func (v *Vault) Fetch(key []byte) ([]byte, error) {
	ks := keyStr(key)

	v.deviceMu.Lock()
	if e, ok := v.device[ks]; ok {
		val := e.Value
		v.deviceMu.Unlock()
		return val, nil
	}
	v.deviceMu.Unlock()

	v.hostMu.Lock()
	if e, ok := v.host[ks]; ok {
		val := e.Value
		delete(v.host, ks)
		v.hostMu.Unlock()
		v.promoteToDevice(key, val)
		return val, nil
	}
	v.hostMu.Unlock()

	data, err := v.disk.Get(key)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, errs.ErrNotFound
	}
	v.promoteToHost(key, data)
	return data, nil
}

func (v *Vault) promoteToDevice(key, value []byte) {
	metrics.VaultPromotionsTotal.WithLabelValues("device").Inc()
	entry := &Entry{Key: key, Value: value, Timestamp: v.now(), NodeID: v.cfg.NodeID, Seq: v.seq.Add(1)}

	v.deviceMu.Lock()
	v.device[keyStr(key)] = entry
	overCap := v.cfg.DeviceCap > 0 && len(v.device) > v.cfg.DeviceCap
	var evicted *Entry
	if overCap {
		evicted = v.popOldestLocked(v.device)
	}
	v.deviceMu.Unlock()

	if evicted != nil {
		v.demoteToHost(evicted)
	}
}

func (v *Vault) promoteToHost(key, value []byte) {
	metrics.VaultPromotionsTotal.WithLabelValues("host").Inc()
	entry := &Entry{Key: key, Value: value, Timestamp: v.now(), NodeID: v.cfg.NodeID, Seq: v.seq.Add(1)}

	v.hostMu.Lock()
	v.host[keyStr(key)] = entry
	overCap := v.cfg.HostCap > 0 && len(v.host) > v.cfg.HostCap
	var evicted *Entry
	if overCap {
		evicted = v.popOldestLocked(v.host)
	}
	v.hostMu.Unlock()

	if evicted != nil {
		v.demoteToDisk(evicted)
	}
}

// ScheduleFetch hints the background prefetcher to warm key. Non-blocking;
// ordering between the hint and any eventual promotion is best-effort.
func (v *Vault) ScheduleFetch(key []byte) {
	select {
	case v.prefetch <- keyStr(key):
	default:
		v.logger.Warn().Msg("vault: prefetch hint dropped, queue full")
	}
}

func (v *Vault) prefetchLoop() {
	defer v.wg.Done()
	for {
		select {
		case key := <-v.prefetch:
			if _, err := v.Fetch([]byte(key)); err != nil {
				v.logger.Debug().Str("key", key).Err(err).Msg("vault: prefetch miss")
			}
		case <-v.stopCh:
			return
		}
	}
}

// Stats reports per-tier occupancy.
type Stats struct {
	DeviceEntries int
	HostEntries   int
	DiskEntries   int
}

func (v *Vault) Stats() Stats {
	v.deviceMu.Lock()
	deviceN := len(v.device)
	v.deviceMu.Unlock()

	v.hostMu.Lock()
	hostN := len(v.host)
	v.hostMu.Unlock()

	return Stats{DeviceEntries: deviceN, HostEntries: hostN, DiskEntries: v.disk.Stats().Entries}
}

// Close stops the prefetcher and flushes the disk tier's index.
func (v *Vault) Close() error {
	v.stopOnce.Do(func() { close(v.stopCh) })
	v.wg.Wait()
	return v.disk.Close()
}

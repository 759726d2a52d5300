// Package replication propagates writes to peer nodes: a bounded broadcast
// channel of (key, value, timestamp) writes, flushed to peers in batches on
// a timer, with last-writer-wins conflict resolution and drop-oldest
// backpressure when peers fall behind.
package replication

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/databloom/kvquant-core/internal/errs"
	"github.com/databloom/kvquant-core/internal/metrics"
	"github.com/rs/zerolog"
)

// Write is one replicated mutation.
type Write struct {
	Key       []byte
	Value     []byte
	Timestamp uint64
}

// Transport delivers a batch of writes to one peer. Implementations are
// expected to be best-effort; a Transport error only logs, it never blocks
// other peers or the flush loop.
type Transport interface {
	Send(ctx context.Context, peer string, batch []Write) error
}

// Config configures a Manager.
type Config struct {
	Peers []string
	// ReplicationFactor counts replicas including this node; at most
	// ReplicationFactor-1 peers receive each flush. Zero means every
	// configured peer.
	ReplicationFactor int
	FlushInterval     time.Duration
	QueueCapacity     int
	Logger            zerolog.Logger
}

// Manager batches and replicates writes to peers, and applies incoming
// writes from peers with last-writer-wins semantics.
type Manager struct {
	cfg       Config
	transport Transport

	queue chan Write

	dropped atomic.Uint64

	applyMu   sync.Mutex
	lastWrite map[string]uint64 // key -> last applied timestamp
	apply     func(key, value []byte)

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a Manager. apply is called for every incoming write that
// wins last-writer-wins arbitration against the locally known timestamp for
// its key.
func New(cfg Config, transport Transport, apply func(key, value []byte)) *Manager {
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 1024
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	return &Manager{
		cfg:       cfg,
		transport: transport,
		queue:     make(chan Write, cfg.QueueCapacity),
		lastWrite: make(map[string]uint64),
		apply:     apply,
		stopCh:    make(chan struct{}),
	}
}

// Start launches the periodic flush loop.
func (m *Manager) Start() {
	m.wg.Add(1)
	go m.flushLoop()
}

// Stop halts the flush loop and waits for it to exit.
func (m *Manager) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

// Broadcast enqueues a write for replication to peers. If the queue is
// full, the oldest queued write is dropped to make room and the drop
// counter is incremented; Broadcast itself never blocks or errors.
func (m *Manager) Broadcast(w Write) {
	select {
	case m.queue <- w:
		return
	default:
	}

	select {
	case <-m.queue:
		m.noteDrop()
	default:
	}
	select {
	case m.queue <- w:
	default:
		m.noteDrop()
	}
}

// noteDrop counts a backpressure drop. Lag is a counter, never a surfaced
// error; disk remains the durability anchor for dropped writes.
func (m *Manager) noteDrop() {
	m.dropped.Add(1)
	metrics.ReplicationQueueDropsTotal.Inc()
	m.cfg.Logger.Debug().Err(errs.ErrSyncLagged).Msg("replication: dropped oldest pending write")
}

// Dropped returns the number of writes dropped so far due to backpressure.
func (m *Manager) Dropped() uint64 { return m.dropped.Load() }

func (m *Manager) flushLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.FlushInterval)
	defer ticker.Stop()

	var batch []Write
	for {
		select {
		case w := <-m.queue:
			batch = append(batch, w)
		case <-ticker.C:
			if len(batch) > 0 {
				m.flush(batch)
				batch = nil
			}
		case <-m.stopCh:
			// Drain anything still queued so Stop flushes every accepted write.
			for {
				select {
				case w := <-m.queue:
					batch = append(batch, w)
					continue
				default:
				}
				break
			}
			if len(batch) > 0 {
				m.flush(batch)
			}
			return
		}
	}
}

// targetPeers returns the peers a flush fans out to, capped at
// ReplicationFactor-1.
func (m *Manager) targetPeers() []string {
	peers := m.cfg.Peers
	if rf := m.cfg.ReplicationFactor; rf > 0 && len(peers) > rf-1 {
		peers = peers[:rf-1]
	}
	return peers
}

func (m *Manager) flush(batch []Write) {
	if m.transport == nil {
		return
	}
	start := time.Now()
	defer func() {
		metrics.ReplicationFlushDuration.Observe(time.Since(start).Seconds())
	}()
	var wg sync.WaitGroup
	for _, peer := range m.targetPeers() {
		wg.Add(1)
		go func(peer string) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := m.transport.Send(ctx, peer, batch); err != nil {
				m.cfg.Logger.Warn().Str("peer", peer).Err(err).Msg("replication: send failed")
			}
		}(peer)
	}
	wg.Wait()
}

// Apply applies an incoming write from a peer under last-writer-wins: a
// write only takes effect if its Timestamp is strictly newer than the last
// applied timestamp for that key.
func (m *Manager) Apply(w Write) (applied bool) {
	key := string(w.Key)

	m.applyMu.Lock()
	defer m.applyMu.Unlock()

	if prev, ok := m.lastWrite[key]; ok && w.Timestamp <= prev {
		return false
	}
	m.lastWrite[key] = w.Timestamp
	if m.apply != nil {
		m.apply(w.Key, w.Value)
	}
	return true
}

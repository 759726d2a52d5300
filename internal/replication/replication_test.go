package replication

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	mu      sync.Mutex
	batches map[string][][]Write
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{batches: make(map[string][][]Write)}
}

func (f *fakeTransport) Send(ctx context.Context, peer string, batch []Write) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches[peer] = append(f.batches[peer], batch)
	return nil
}

// Scenario F: replication convergence via last-writer-wins.
func TestApplyLastWriterWins(t *testing.T) {
	var applied []byte
	m := New(Config{}, nil, func(key, value []byte) { applied = value })

	ok := m.Apply(Write{Key: []byte("k"), Value: []byte("v1"), Timestamp: 5})
	require.True(t, ok)
	require.Equal(t, []byte("v1"), applied)

	// Stale write (older timestamp) is rejected.
	ok = m.Apply(Write{Key: []byte("k"), Value: []byte("v0"), Timestamp: 3})
	require.False(t, ok)
	require.Equal(t, []byte("v1"), applied)

	// Newer write wins.
	ok = m.Apply(Write{Key: []byte("k"), Value: []byte("v2"), Timestamp: 9})
	require.True(t, ok)
	require.Equal(t, []byte("v2"), applied)
}

func TestBroadcastFlushesToPeers(t *testing.T) {
	transport := newFakeTransport()
	m := New(Config{Peers: []string{"peer-a", "peer-b"}, FlushInterval: 20 * time.Millisecond}, transport, nil)
	m.Start()
	defer m.Stop()

	m.Broadcast(Write{Key: []byte("k1"), Value: []byte("v1"), Timestamp: 1})
	m.Broadcast(Write{Key: []byte("k2"), Value: []byte("v2"), Timestamp: 2})

	require.Eventually(t, func() bool {
		transport.mu.Lock()
		defer transport.mu.Unlock()
		return len(transport.batches["peer-a"]) > 0 && len(transport.batches["peer-b"]) > 0
	}, time.Second, 10*time.Millisecond)
}

// Backpressure: a full queue drops the oldest write rather than blocking or
// erroring.
func TestBroadcastDropsOldestUnderBackpressure(t *testing.T) {
	m := New(Config{QueueCapacity: 2}, nil, nil)

	m.Broadcast(Write{Key: []byte("a"), Timestamp: 1})
	m.Broadcast(Write{Key: []byte("b"), Timestamp: 2})
	m.Broadcast(Write{Key: []byte("c"), Timestamp: 3})

	require.Equal(t, uint64(1), m.Dropped())

	first := <-m.queue
	require.Equal(t, []byte("b"), first.Key)
}

func TestStopFlushesRemainingBatch(t *testing.T) {
	transport := newFakeTransport()
	m := New(Config{Peers: []string{"peer-a"}, FlushInterval: time.Hour}, transport, nil)
	m.Start()

	m.Broadcast(Write{Key: []byte("k"), Timestamp: 1})
	m.Stop()

	transport.mu.Lock()
	defer transport.mu.Unlock()
	require.Len(t, transport.batches["peer-a"], 1)
}

func TestFlushHonorsReplicationFactor(t *testing.T) {
	transport := newFakeTransport()
	m := New(Config{
		Peers:             []string{"peer-a", "peer-b", "peer-c"},
		ReplicationFactor: 3, // self plus two peers
		FlushInterval:     10 * time.Millisecond,
	}, transport, nil)
	m.Start()

	m.Broadcast(Write{Key: []byte("k"), Timestamp: 1})
	m.Stop()

	transport.mu.Lock()
	defer transport.mu.Unlock()
	require.NotEmpty(t, transport.batches["peer-a"])
	require.NotEmpty(t, transport.batches["peer-b"])
	require.Empty(t, transport.batches["peer-c"])
}

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	require.Equal(t, 1024, cfg.BlockSize)
	require.Equal(t, 8, cfg.SpotCapacity)
	require.Equal(t, float32(0.7), cfg.SalienceThreshold)
	require.Equal(t, 1000, cfg.DeviceCap)
	require.Equal(t, 10000, cfg.HostCap)
	require.Equal(t, "./vault", cfg.DiskPath)
	require.Equal(t, 5*time.Second, cfg.SyncInterval)
	require.Equal(t, 3, cfg.ReplicationFactor)
	require.Equal(t, 100, cfg.OuterIters)
	require.Equal(t, 10, cfg.InnerIters)
	require.Positive(t, cfg.WorkerThreads)
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("KVQUANT_SPOT_CAPACITY", "16")
	t.Setenv("KVQUANT_SALIENCE_THRESHOLD", "0.5")
	t.Setenv("KVQUANT_SYNC_INTERVAL_MS", "250")
	t.Setenv("KVQUANT_REPLICATION_PEERS", "node-b:7000,node-c:7000")

	cfg, err := FromEnv()
	require.NoError(t, err)
	require.Equal(t, 16, cfg.SpotCapacity)
	require.Equal(t, float32(0.5), cfg.SalienceThreshold)
	require.Equal(t, 250*time.Millisecond, cfg.SyncInterval)
	require.Equal(t, []string{"node-b:7000", "node-c:7000"}, cfg.ReplicationPeers)
}

func TestFromEnvRejectsMalformedInt(t *testing.T) {
	t.Setenv("KVQUANT_BLOCK_SIZE", "not-a-number")
	_, err := FromEnv()
	require.Error(t, err)
}

func TestFromEnvRejectsZeroSpotCapacity(t *testing.T) {
	t.Setenv("KVQUANT_SPOT_CAPACITY", "0")
	_, err := FromEnv()
	require.Error(t, err)
}

// Package config loads runtime configuration from the process environment,
// with sane defaults for local and single-node development.
package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"time"
)

// Config holds every tunable for a kvquantd node.
type Config struct {
	NodeID uint

	BlockSize         int
	SpotCapacity      int
	SalienceThreshold float32

	DeviceCap    int
	HostCap      int
	DiskPath     string
	DiskCompress bool

	WorkerThreads int

	OuterIters int
	InnerIters int

	ReplicationPeers    []string
	ReplicationFactor   int
	SyncInterval        time.Duration
	ReplicationQueueCap int

	MetricsAddr string
	LogLevel    string
}

// Default returns the configuration a single-node instance starts with
// absent any environment overrides.
func Default() Config {
	return Config{
		NodeID:              1,
		BlockSize:           1024,
		SpotCapacity:        8,
		SalienceThreshold:   0.7,
		DeviceCap:           1000,
		HostCap:             10000,
		DiskPath:            "./vault",
		DiskCompress:        true,
		WorkerThreads:       runtime.GOMAXPROCS(0),
		OuterIters:          100,
		InnerIters:          10,
		ReplicationFactor:   3,
		SyncInterval:        5000 * time.Millisecond,
		ReplicationQueueCap: 1024,
		MetricsAddr:         ":9090",
		LogLevel:            "info",
	}
}

// FromEnv loads a Config starting from Default and applying any KVQUANT_*
// environment overrides present.
func FromEnv() (Config, error) {
	cfg := Default()

	intVars := []struct {
		name string
		dst  *int
	}{
		{"KVQUANT_BLOCK_SIZE", &cfg.BlockSize},
		{"KVQUANT_SPOT_CAPACITY", &cfg.SpotCapacity},
		{"KVQUANT_DEVICE_CAP", &cfg.DeviceCap},
		{"KVQUANT_HOST_CAP", &cfg.HostCap},
		{"KVQUANT_WORKER_THREADS", &cfg.WorkerThreads},
		{"KVQUANT_OUTER_ITERS", &cfg.OuterIters},
		{"KVQUANT_INNER_ITERS", &cfg.InnerIters},
		{"KVQUANT_REPLICATION_FACTOR", &cfg.ReplicationFactor},
		{"KVQUANT_REPLICATION_QUEUE_CAP", &cfg.ReplicationQueueCap},
	}
	for _, v := range intVars {
		raw, ok := os.LookupEnv(v.name)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			return cfg, fmt.Errorf("config: %s: %w", v.name, err)
		}
		*v.dst = n
	}

	if v, ok := os.LookupEnv("KVQUANT_NODE_ID"); ok {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return cfg, fmt.Errorf("config: KVQUANT_NODE_ID: %w", err)
		}
		cfg.NodeID = uint(n)
	}
	if v, ok := os.LookupEnv("KVQUANT_SALIENCE_THRESHOLD"); ok {
		f, err := strconv.ParseFloat(v, 32)
		if err != nil {
			return cfg, fmt.Errorf("config: KVQUANT_SALIENCE_THRESHOLD: %w", err)
		}
		cfg.SalienceThreshold = float32(f)
	}
	if v, ok := os.LookupEnv("KVQUANT_DISK_PATH"); ok {
		cfg.DiskPath = v
	}
	if v, ok := os.LookupEnv("KVQUANT_DISK_COMPRESS"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return cfg, fmt.Errorf("config: KVQUANT_DISK_COMPRESS: %w", err)
		}
		cfg.DiskCompress = b
	}
	if v, ok := os.LookupEnv("KVQUANT_REPLICATION_PEERS"); ok && v != "" {
		cfg.ReplicationPeers = splitCSV(v)
	}
	if v, ok := os.LookupEnv("KVQUANT_SYNC_INTERVAL_MS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("config: KVQUANT_SYNC_INTERVAL_MS: %w", err)
		}
		cfg.SyncInterval = time.Duration(n) * time.Millisecond
	}
	if v, ok := os.LookupEnv("KVQUANT_METRICS_ADDR"); ok {
		cfg.MetricsAddr = v
	}
	if v, ok := os.LookupEnv("KVQUANT_LOG_LEVEL"); ok {
		cfg.LogLevel = v
	}

	return cfg, cfg.validate()
}

func (c Config) validate() error {
	if c.BlockSize <= 0 {
		return fmt.Errorf("config: block size must be positive, got %d", c.BlockSize)
	}
	if c.SpotCapacity <= 0 {
		return fmt.Errorf("config: spot capacity must be positive, got %d", c.SpotCapacity)
	}
	if c.WorkerThreads <= 0 {
		return fmt.Errorf("config: worker threads must be positive, got %d", c.WorkerThreads)
	}
	if c.ReplicationFactor < 1 {
		return fmt.Errorf("config: replication factor must be at least 1, got %d", c.ReplicationFactor)
	}
	if c.OuterIters <= 0 || c.InnerIters <= 0 {
		return fmt.Errorf("config: search iterations must be positive, got %d/%d", c.OuterIters, c.InnerIters)
	}
	return nil
}

func splitCSV(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/databloom/kvquant-core/internal/config"
	"github.com/databloom/kvquant-core/internal/kvcache"
	"github.com/databloom/kvquant-core/internal/metrics"
	"github.com/databloom/kvquant-core/internal/replication"
	"github.com/databloom/kvquant-core/internal/rpcapi"
	"github.com/databloom/kvquant-core/internal/scheduler"
	"github.com/databloom/kvquant-core/internal/vault"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		if err == errInterrupted {
			// Graceful flush already happened; report the conventional
			// interrupted status.
			os.Exit(130)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(exitCodeFor(err))
	}
}

// errInterrupted signals a clean SIGINT/SIGTERM shutdown.
var errInterrupted = fmt.Errorf("interrupted")

var rootCmd = &cobra.Command{
	Use:           "kvquantd",
	Short:         "kvquantd runs the tiered KV cache and quantization service",
	Version:       Version,
	SilenceErrors: true,
	SilenceUsage:  true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("kvquantd %s (commit %s, built %s)\n", Version, Commit, BuildTime))
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(guideCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the kvquantd node",
	RunE:  runServe,
}

type startupError struct {
	code int
	err  error
}

func (e *startupError) Error() string { return e.err.Error() }
func (e *startupError) Unwrap() error { return e.err }

func exitCodeFor(err error) int {
	var se *startupError
	if errors.As(err, &se) {
		return se.code
	}
	return 1
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.FromEnv()
	if err != nil {
		return &startupError{code: 1, err: err}
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info().Str("node_id", fmt.Sprint(cfg.NodeID)).Msg("starting kvquantd")

	cache, err := kvcache.New(kvcache.Config{SpotCapacity: cfg.SpotCapacity, BlockSize: cfg.BlockSize, SalienceThreshold: cfg.SalienceThreshold})
	if err != nil {
		return &startupError{code: 1, err: fmt.Errorf("kvcache: %w", err)}
	}

	v, err := vault.New(vault.Config{
		DeviceCap: cfg.DeviceCap,
		HostCap:   cfg.HostCap,
		DiskPath:  cfg.DiskPath,
		Compress:  cfg.DiskCompress,
		NodeID:    cfg.NodeID,
		Logger:    logger.With().Str("component", "vault").Logger(),
	})
	if err != nil {
		return &startupError{code: 2, err: fmt.Errorf("vault: %w", err)}
	}
	defer v.Close()

	var repl *replication.Manager
	if len(cfg.ReplicationPeers) > 0 {
		if len(cfg.ReplicationPeers) < cfg.ReplicationFactor-1 {
			return &startupError{code: 3, err: fmt.Errorf(
				"replication: factor %d needs %d peers, have %d",
				cfg.ReplicationFactor, cfg.ReplicationFactor-1, len(cfg.ReplicationPeers))}
		}
		repl = replication.New(replication.Config{
			Peers:             cfg.ReplicationPeers,
			ReplicationFactor: cfg.ReplicationFactor,
			FlushInterval:     cfg.SyncInterval,
			QueueCapacity:     cfg.ReplicationQueueCap,
			Logger:            logger.With().Str("component", "replication").Logger(),
		}, nil, nil)
		repl.Start()
		defer repl.Stop()
	}

	// svc is the Core implementation a wire transport binds to.
	svc := rpcapi.NewService(cache, v, repl, cfg.NodeID)
	logger.Info().Uint64("node_id", uint64(svc.NodeID)).Msg("core service ready")

	sched := scheduler.New(cfg.WorkerThreads, func(v scheduler.SLOViolation) {
		logger.Warn().Str("task_id", v.TaskID).Str("kind", v.Kind.String()).Msg("scheduler: SLO violation")
	})

	ctx, cancel := context.WithCancel(context.Background())
	sched.Start(ctx)

	// Periodic compaction reclaims full spots through the scheduler so it
	// serializes with the rest of the cache's mutation traffic.
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				sched.Submit(scheduler.NewFuncTask(scheduler.KindCompaction, func(context.Context) error {
					cache.EraseFullSpots()
					return nil
				}), scheduler.Meta{Priority: 0})
			case <-ctx.Done():
				return
			}
		}
	}()

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info().Msg("shutting down")

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = metricsServer.Shutdown(shutdownCtx)
	sched.Wait()

	return errInterrupted
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
}

var guideCmd = &cobra.Command{
	Use:   "guide",
	Short: "Print an overview of the tiering, quantization, and scheduling knobs",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Print(integrationGuide)
	},
}

const integrationGuide = `kvquantd tiering overview
=========================

Storage path: block -> spot -> log-structured cache -> tiered vault
  * block.Block holds a small token_id -> record map with a tri-state
    allocator (Free/Valid/Invalidated).
  * spot.Manager fills fixed-capacity spots in order and rotates to a new
    one once the working spot fills.
  * kvcache.Cache gates admission on a salience threshold and keeps a
    validity bitmap as the single source of truth for live slots.
  * vault.Vault holds the Device/Host/Disk tiers; eviction is strict LRU by
    timestamp, and Disk is the durability anchor writeback never deletes.

Admission path: pipeline.Pipeline drives a produced batch through salience
scoring, two-loop role inference, precision selection, quantization, and
cache/vault admission in one call, broadcasting admitted writes to the
replication manager.

Quantization: quant.SelectPrecision bands each token by salience (top of
the ladder above 0.8, the middle rung above 0.5, the bottom otherwise)
and raises negation-role tokens to the top when the active rule set
demands it. Supported widths are {32, 16, 8, 4, 2, 1}; anything else is
always a reported error, never a silent fallback.

Scheduling: scheduler.Scheduler runs a fixed worker pool over a
(priority DESC, enqueued_at ASC) queue, binding Inference tasks
exclusively to their target device and reporting SLO violations on
deadline miss without killing the task.

Replication: replication.Manager batches writes on a timer and applies
incoming writes with last-writer-wins by timestamp; a full outbound queue
drops the oldest entry rather than blocking callers.

Configuration is loaded from KVQUANT_* environment variables; see
internal/config for the full list and defaults.
`

// Command ingestd is the ingestion and session subsystem daemon: it wires
// the queue, worker pool, error handler, batch processor, session store,
// session manager, bridge, checkpoint runner, and rollback manager into one
// process, exposes a Prometheus /metrics endpoint plus health/ready/live
// probes, and owns graceful shutdown.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/repograph/pkg/batch"
	"github.com/cuemby/repograph/pkg/bridge"
	"github.com/cuemby/repograph/pkg/checkpoint"
	"github.com/cuemby/repograph/pkg/config"
	"github.com/cuemby/repograph/pkg/events"
	"github.com/cuemby/repograph/pkg/graph"
	"github.com/cuemby/repograph/pkg/log"
	"github.com/cuemby/repograph/pkg/metrics"
	"github.com/cuemby/repograph/pkg/pipeline"
	"github.com/cuemby/repograph/pkg/queue"
	"github.com/cuemby/repograph/pkg/resilience"
	"github.com/cuemby/repograph/pkg/rollback"
	"github.com/cuemby/repograph/pkg/session"
	"github.com/cuemby/repograph/pkg/sessionstore"
	"github.com/cuemby/repograph/pkg/tracing"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "ingestd",
	Short:   "High-throughput ingestion and multi-agent session daemon",
	Version: Version,
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("config", "", "Path to a YAML config file (defaults applied when omitted)")
	rootCmd.PersistentFlags().String("redis-addr", "localhost:6379", "Redis address backing the session store")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      logLevel,
		JSONOutput: logJSON,
	})
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Printf("ingestd version %s (%s)\n", Version, Commit)
		return nil
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the ingestion and session daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd)
	},
}

func serve(cmd *cobra.Command) error {
	configPath, _ := cmd.Flags().GetString("config")
	redisAddr, _ := cmd.Flags().GetString("redis-addr")

	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}

	tracing.Init(tracing.DefaultConfig())
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracing.Shutdown(shutdownCtx); err != nil {
			log.Errorf("tracing shutdown: %v", err)
		}
	}()

	broker := events.NewBroker()

	// The pipeline owns the queue's lifecycle: its Start/Stop drive the
	// queue's metrics loop. Shutdown waits for the drain separately.
	qm := queue.NewManager(cfg.QueueManagerConfig())

	eh := resilience.NewErrorHandler(cfg.HandlerConfig(), broker)

	graphAdapter := graph.NewAdapter(graph.DefaultConfig(), graph.NewFakeExecutor())
	bp := batch.NewProcessor(cfg.BatchProcessorConfig(), graphAdapter)

	pipe := pipeline.New(pipeline.DefaultConfig(), cfg.WorkerPoolConfig(), qm, eh, bp, passthroughExtractor{}, noopEnricher{}, broker)
	if err := pipe.Start(); err != nil {
		return fmt.Errorf("start pipeline: %w", err)
	}

	redisClient := redis.NewClient(&redis.Options{Addr: redisAddr})
	store := sessionstore.NewRedisStore(redisClient, sessionstore.DefaultConfig())

	checkpointPersist, err := checkpoint.NewSQLitePersistence(cfg.CheckpointJob.DBPath)
	if err != nil {
		return fmt.Errorf("open checkpoint persistence: %w", err)
	}
	checkpointRunner := checkpoint.NewRunner(cfg.CheckpointRunnerConfig(), checkpoint.NewFakeGraph(), checkpointPersist, broker)
	if err := checkpointRunner.Hydrate(context.Background()); err != nil {
		log.Errorf("hydrate checkpoint jobs: %v", err)
	}
	checkpointRunner.Start()

	sessionMgr := session.NewManager(cfg.SessionManagerConfig(), store, broker, checkpointRunner)

	rollbackPersist, err := rollback.NewBoltPersistence(cfg.Rollback.DBPath)
	if err != nil {
		return fmt.Errorf("open rollback persistence: %w", err)
	}
	rollbackMgr := rollback.NewManager(cfg.RollbackManagerConfig(), rollback.NewFakeStateReader(), rollback.NewFakeMutator(), rollbackPersist, broker)
	if err := rollbackMgr.Hydrate(context.Background()); err != nil {
		log.Errorf("hydrate rollback points: %v", err)
	}

	// The bridge is a read-side collaborator for whatever transport fronts
	// this daemon; it is constructed here so that transport has a
	// ready-made Bridge to call.
	sessionBridge := bridge.NewBridge(bridge.DefaultConfig(), store, graph.NewFakeQueryExecutor(), nil)
	_ = sessionBridge

	maintenanceCtx, stopMaintenance := context.WithCancel(context.Background())
	defer stopMaintenance()
	go runMaintenance(maintenanceCtx, sessionMgr, rollbackMgr)

	metrics.SetVersion(Version)
	metrics.RegisterProbe("sessionstore", true, func(ctx context.Context) error {
		return redisClient.Ping(ctx).Err()
	})
	metrics.RegisterProbe("checkpoint-persistence", true, checkpointPersist.Ping)
	metrics.RegisterProbe("rollback-persistence", false, rollbackPersist.Ping)
	metrics.RegisterProbe("pipeline", true, func(ctx context.Context) error {
		if st := pipe.State(); st != pipeline.StateRunning && st != pipeline.StatePaused {
			return fmt.Errorf("pipeline is %s", st)
		}
		return nil
	})
	// The graph backend is the in-process fake; nothing to probe.
	metrics.SetStatus("graph", nil)

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", metrics.HealthHandler())
	mux.HandleFunc("/ready", metrics.ReadyHandler())
	mux.HandleFunc("/live", metrics.LivenessHandler())

	httpServer := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	log.Info(fmt.Sprintf("ingestd started, metrics on %s", cfg.MetricsAddr))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Info("shutdown signal received")
	case err := <-errCh:
		log.Errorf("metrics server: %v", err)
	}

	stopMaintenance()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	_ = httpServer.Shutdown(shutdownCtx)
	_ = qm.WaitForDrain(shutdownCtx, 100*time.Millisecond)
	_ = pipe.Stop()
	checkpointRunner.Stop()
	_ = sessionMgr.Close()
	_ = checkpointPersist.Close()
	_ = rollbackPersist.Close()
	broker.Stop()

	log.Info("ingestd stopped")
	return nil
}

// runMaintenance periodically calls the session manager's maintenance hook
// (a no-op; idle sessions expire through store TTLs) and prunes rollback
// points past their TTL.
func runMaintenance(ctx context.Context, sessionMgr *session.Manager, rollbackMgr *rollback.Manager) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := sessionMgr.PerformMaintenance(ctx); err != nil {
				log.Errorf("session maintenance: %v", err)
			}
			if _, err := rollbackMgr.CleanupExpired(ctx); err != nil {
				log.Errorf("rollback cleanup: %v", err)
			}
		}
	}
}

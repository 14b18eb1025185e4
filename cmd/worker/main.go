// The agendo worker claims jobs from the shared queue and runs agent CLI
// processes: interactive session turn-cycles, one-shot template executions,
// and installed-agent analysis probes.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/agendo/agendo/internal/common/config"
	"github.com/agendo/agendo/internal/common/logger"
	"github.com/agendo/agendo/internal/db"
	"github.com/agendo/agendo/internal/heartbeat"
	"github.com/agendo/agendo/internal/notify"
	"github.com/agendo/agendo/internal/queue"
	"github.com/agendo/agendo/internal/runner"
	"github.com/agendo/agendo/internal/safety"
	"github.com/agendo/agendo/internal/session"
	"github.com/agendo/agendo/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting agendo worker",
		zap.String("worker_id", cfg.Worker.ID),
		zap.Int("max_concurrent_jobs", cfg.Worker.MaxConcurrentJobs))

	if err := preflight(cfg, log); err != nil {
		log.Error("Pre-flight check failed", zap.Error(err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.Open(cfg.Database)
	if err != nil {
		log.Fatal("Failed to open database", zap.Error(err))
	}
	defer pool.Close()

	st, err := store.New(pool, log)
	if err != nil {
		log.Fatal("Failed to initialize store", zap.Error(err))
	}

	bus, err := notify.Open(ctx, cfg, log)
	if err != nil {
		log.Fatal("Failed to open notify bus", zap.Error(err))
	}
	defer bus.Close()
	log.Info("Connected to notify bus", zap.String("driver", cfg.NotifyDriver()))

	q, err := queue.New(pool, bus, log, cfg.Worker.ID, cfg.Worker.MaxConcurrentJobs)
	if err != nil {
		log.Fatal("Failed to initialize job queue", zap.Error(err))
	}

	gate := safety.NewGate(cfg.Safety.AllowedRoots, st)
	registry := session.NewRegistry()

	sessionRunner := runner.NewSessionRunner(st, bus, gate, registry, cfg.Worker.ID, log)
	executionRunner := runner.NewExecutionRunner(st, gate, cfg.Worker.ID, cfg.Worker.LogDir, log)
	analyzeRunner := runner.NewAnalyzeRunner(bus, log)

	q.Register(queue.QueueSessionRun, sessionRunner.HandleSessionRun)
	q.Register(queue.QueueCapabilityExecute, executionRunner.HandleExecute)
	q.Register(queue.QueueAgentAnalyze, analyzeRunner.HandleAnalyze)

	hb := heartbeat.New(st, log, cfg.Worker.ID, cfg.Worker.HeartbeatInterval())
	reaper := heartbeat.NewReaper(st, log, cfg.Worker.StaleThreshold())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return hb.Run(gctx) })
	g.Go(func() error { return reaper.Run(gctx) })
	g.Go(func() error { return q.Run(gctx, cfg.Worker.ShutdownGrace()) })

	err = g.Wait()

	// The queue has drained what it could; anything still attached to a live
	// agent gets a SIGTERM so sessions suspend cleanly.
	registry.TerminateAll()

	if err != nil && ctx.Err() == nil {
		log.Error("Worker exited with error", zap.Error(err))
		os.Exit(1)
	}
	log.Info("Worker stopped")
}

// preflight refuses to start a worker that cannot durably log executions.
func preflight(cfg *config.Config, log *logger.Logger) error {
	if err := os.MkdirAll(cfg.Worker.LogDir, 0o755); err != nil {
		return fmt.Errorf("log directory %s: %w", cfg.Worker.LogDir, err)
	}

	var fs unix.Statfs_t
	if err := unix.Statfs(cfg.Worker.LogDir, &fs); err != nil {
		return fmt.Errorf("statfs %s: %w", cfg.Worker.LogDir, err)
	}
	freeMB := int(fs.Bavail * uint64(fs.Bsize) / (1 << 20))
	if freeMB < cfg.Worker.MinFreeDiskMB {
		return fmt.Errorf("only %d MB free under %s, need %d MB", freeMB, cfg.Worker.LogDir, cfg.Worker.MinFreeDiskMB)
	}
	log.Info("Pre-flight checks passed", zap.Int("free_disk_mb", freeMB))
	return nil
}

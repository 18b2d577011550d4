package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/forgeline-lab/forgeline/internal/core/config"
	"github.com/forgeline-lab/forgeline/internal/dispatch"
	"github.com/forgeline-lab/forgeline/internal/guard"
	"github.com/forgeline-lab/forgeline/internal/ingestion"
	"github.com/forgeline-lab/forgeline/internal/kv"
	"github.com/forgeline-lab/forgeline/internal/observability"
	"github.com/forgeline-lab/forgeline/internal/orchestrator"
	"github.com/forgeline-lab/forgeline/internal/ratelimit"
	"github.com/forgeline-lab/forgeline/internal/router"
	"github.com/forgeline-lab/forgeline/internal/schema"
	"github.com/forgeline-lab/forgeline/internal/server"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	setupLogging(cfg.Log)

	if err := run(cfg); err != nil {
		slog.Error("Service exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := newStore(ctx, cfg.KV)
	if err != nil {
		return err
	}

	registry := schema.NewRegistry()
	if cfg.Schema.Dir != "" {
		count, err := registry.LoadDir(cfg.Schema.Dir)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				slog.Warn("Schema directory missing, events validate pass-through",
					"dir", cfg.Schema.Dir)
			} else {
				return fmt.Errorf("failed to load schemas: %w", err)
			}
		} else {
			slog.Info("Schemas loaded", "dir", cfg.Schema.Dir, "count", count)
		}
	}

	metrics := observability.NewMetricsRecorder()

	g := guard.New(store, guard.Config{
		IdempotencyTTL: cfg.Sequence.IdempotencyTTL,
		SequenceTTL:    cfg.Sequence.StreamTTL,
		Strict:         cfg.Sequence.Strict,
		FailOpen:       cfg.Sequence.FailOpen,
	}, metrics)

	limiter := ratelimit.New(ratelimit.Config{
		Global: ratelimit.BucketConfig(cfg.RateLimit.Global),
		Route:  ratelimit.BucketConfig(cfg.RateLimit.Route),
		Tenant: ratelimit.BucketConfig(cfg.RateLimit.Tenant),
	})

	// TODO: swap in the Kubernetes Jobs engine once the cluster client
	// configuration lands; the in-process engine only serves single-node
	// deployments.
	engine := orchestrator.NewMemoryEngine()
	orch := orchestrator.New(engine, orchestrator.Config{
		MaxConcurrent:    cfg.Orchestrator.MaxConcurrent,
		BackoffWindow:    cfg.Orchestrator.BackoffWindow,
		SuccessRetention: cfg.Orchestrator.SuccessRetention,
	}, g, metrics)

	pool := dispatch.NewPool(dispatch.Config{
		Workers:   cfg.Dispatcher.Workers,
		QueueSize: cfg.Dispatcher.QueueSize,
	}, metrics)
	pool.Start()

	rt := router.New()
	svc := ingestion.NewService(registry, g, limiter, pool, orch, rt, metrics)
	handler := ingestion.NewHandler(svc, limiter, ingestion.HandlerConfig{
		MaxBodyBytes:    cfg.Server.MaxBodyBytes,
		QueueRetryAfter: cfg.Dispatcher.QueueRetryAfter,
		BackoffWindow:   cfg.Orchestrator.BackoffWindow,
	})

	go maintenanceLoop(ctx, orch, cfg.Orchestrator)

	srv := server.New(cfg.Server, handler)
	err = srv.Run(ctx)

	drainCtx, cancel := context.WithTimeout(context.Background(), cfg.Dispatcher.ShutdownGrace)
	defer cancel()
	if drainErr := pool.Shutdown(drainCtx); drainErr != nil {
		slog.Warn("Dispatcher drain incomplete", "error", drainErr)
	}

	return err
}

// maintenanceLoop runs the orchestrator's periodic status sync and cleanup
// sweeps until shutdown.
func maintenanceLoop(ctx context.Context, orch *orchestrator.Orchestrator, cfg config.OrchestratorConfig) {
	syncTicker := time.NewTicker(cfg.SyncInterval)
	sweepTicker := time.NewTicker(cfg.SweepInterval)
	defer syncTicker.Stop()
	defer sweepTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-syncTicker.C:
			orch.SyncStatuses(ctx)
		case <-sweepTicker.C:
			orch.Sweep(ctx)
		}
	}
}

// newStore selects the key-value backend. Redis is verified reachable at
// startup so misconfiguration fails fast instead of on the first event.
func newStore(ctx context.Context, cfg config.KVConfig) (kv.Store, error) {
	switch cfg.Backend {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		})
		store := kv.NewRedisStore(client)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := store.Ping(pingCtx); err != nil {
			return nil, fmt.Errorf("redis unreachable at %s: %w", cfg.Addr, err)
		}
		slog.Info("Using redis key-value store", "addr", cfg.Addr)
		return store, nil
	case "memory":
		slog.Info("Using in-memory key-value store")
		return kv.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown kv backend %q", cfg.Backend)
	}
}

func setupLogging(cfg config.LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

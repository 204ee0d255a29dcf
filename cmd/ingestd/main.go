package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	configloader "github.com/foxseedlab/ingestbridge/external/config"
	"github.com/foxseedlab/ingestbridge/external/httpapi"
	"github.com/foxseedlab/ingestbridge/external/kafkabus"
	"github.com/foxseedlab/ingestbridge/external/tracing"
	"github.com/foxseedlab/ingestbridge/internal/config"
	"github.com/foxseedlab/ingestbridge/internal/metadata"
	"github.com/foxseedlab/ingestbridge/internal/orchestrator"
	"github.com/foxseedlab/ingestbridge/internal/queue"
	"github.com/foxseedlab/ingestbridge/internal/scheduler"
	"github.com/jackc/pgx/v5/pgxpool"
	redis "github.com/redis/go-redis/v9"
	"github.com/samber/do/v2"
)

const shutdownTimeout = 30 * time.Second

func main() {
	slog.Info("startup: loading configuration")
	cfg := mustLoadConfig()
	initLogger(cfg)
	slog.Info("startup: configuration loaded", "env", cfg.Env)

	traceShutdown, err := tracing.Init(context.Background(), cfg.Tracing, cfg.Env)
	if err != nil {
		slog.Error("failed to init tracing", "error", err)
		os.Exit(1)
	}

	slog.Info("startup: building dependency graph")
	injector := setupDI(cfg)

	run(cfg, injector)

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := traceShutdown(ctx); err != nil {
		slog.Warn("tracing shutdown failed", "error", err)
	}
}

func mustLoadConfig() *config.Config {
	cfg, err := configloader.Load()
	if err != nil {
		slog.Error("config validation failed", "error", err)
		os.Exit(1)
	}
	return cfg
}

func initLogger(cfg *config.Config) {
	logLevel := slog.LevelInfo
	if cfg.IsDevelopment() {
		logLevel = slog.LevelDebug
	} else if err := logLevel.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		logLevel = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: logLevel}
	var handler slog.Handler = slog.NewJSONHandler(os.Stdout, opts)
	if strings.EqualFold(cfg.LogFormat, "text") {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func mustInvoke[T any](injector do.Injector, name string) T {
	v, err := do.Invoke[T](injector)
	if err != nil {
		slog.Error("failed to resolve "+name, "error", err)
		os.Exit(1)
	}
	return v
}

func run(cfg *config.Config, injector do.Injector) {
	mustInvoke[*metadata.Resolver](injector, "metadata resolver")
	pool := mustInvoke[*queue.Pool](injector, "worker pool")
	orch := mustInvoke[*orchestrator.Orchestrator](injector, "orchestrator")
	sched := mustInvoke[*scheduler.Scheduler](injector, "scheduler")
	server := mustInvoke[*httpapi.Server](injector, "http server")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var kb *kafkabus.Bus
	if cfg.Bus.Transport == config.BusTransportKafka {
		kb = mustInvoke[*kafkabus.Bus](injector, "kafka bus")
		kb.Start(ctx)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := pool.Run(ctx); err != nil {
			slog.Error("worker pool stopped", "error", err)
		}
	}()
	go func() {
		defer wg.Done()
		if err := server.Run(ctx); err != nil {
			slog.Error("http server failed", "error", err)
			cancel()
		}
	}()

	slog.Info("startup: running initial sync")
	orch.Warmup(ctx)
	sched.Start(ctx)
	slog.Info("ingest orchestrator started",
		"platform_enabled", cfg.PlugNMeet.Enabled,
		"device_enabled", cfg.Epiphan.Enabled,
		"bus_transport", cfg.Bus.Transport,
		"concurrency", cfg.Queue.Concurrency,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
		slog.Info("shutting down")
	case <-ctx.Done():
	}

	cancel()
	sched.Stop()
	wg.Wait()
	closeResources(injector, kb)
}

func closeResources(injector do.Injector, kb *kafkabus.Bus) {
	if kb != nil {
		if err := kb.Close(); err != nil {
			slog.Warn("kafka bus close failed", "error", err)
		}
	}
	if client, err := do.Invoke[redis.UniversalClient](injector); err == nil {
		if err := client.Close(); err != nil {
			slog.Warn("redis close failed", "error", err)
		}
	}
	if p, err := do.Invoke[*pgxpool.Pool](injector); err == nil {
		p.Close()
	}
}

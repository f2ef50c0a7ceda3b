// Package main is the entry point for the coordinator service.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/oltfleet/coordinator/internal/api"
	"github.com/oltfleet/coordinator/internal/config"
	"github.com/oltfleet/coordinator/internal/coordinator"
	"github.com/oltfleet/coordinator/internal/devices"
	"github.com/oltfleet/coordinator/internal/dispatch"
	"github.com/oltfleet/coordinator/internal/eventlog"
	"github.com/oltfleet/coordinator/internal/graph"
	"github.com/oltfleet/coordinator/internal/ledger"
	"github.com/oltfleet/coordinator/internal/lock"
	"github.com/oltfleet/coordinator/internal/mode"
	"github.com/oltfleet/coordinator/internal/poller"
	"github.com/oltfleet/coordinator/internal/quota"
	"github.com/oltfleet/coordinator/internal/scheduler"
	"github.com/oltfleet/coordinator/internal/storage"
	"github.com/oltfleet/coordinator/internal/tracing"
	"github.com/oltfleet/coordinator/pkg/types"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Setup structured logging
	logLevel := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	logger.Info("starting coordinator",
		slog.String("port", cfg.Port),
		slog.String("store", cfg.StoreType),
		slog.String("lock", cfg.LockType),
		slog.String("mode", cfg.InitialMode),
	)

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	// Tracing
	tracer, err := tracing.Init(rootCtx, &tracing.Config{
		ServiceName:    "oltfleet-coordinator",
		ServiceVersion: "1.0.0",
		Namespace:      "oltfleet",
		OTLPEndpoint:   cfg.OTLPEndpoint,
		Enabled:        cfg.TracingEnabled,
		SampleRate:     cfg.TracingSampleRate,
	}, logger)
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}

	// Store
	var store storage.Store
	switch cfg.StoreType {
	case "sqlite":
		sqliteStore, err := storage.NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			logger.Error("failed to open sqlite store", "error", err, "path", cfg.SQLitePath)
			os.Exit(1)
		}
		store = sqliteStore
		logger.Info("using sqlite store", slog.String("path", cfg.SQLitePath))
	default:
		store = storage.NewMemoryStore()
		logger.Info("using in-memory store")
	}
	defer store.Close()

	// Device locks
	var locks lock.Lock
	var redisClient *redis.Client
	switch cfg.LockType {
	case "redis":
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Error("invalid redis url", "error", err)
			os.Exit(1)
		}
		if cfg.RedisPassword != "" {
			opts.Password = cfg.RedisPassword
		}
		opts.DB = cfg.RedisDB
		client := redis.NewClient(opts)
		if err := client.Ping(rootCtx).Err(); err != nil {
			logger.Error("failed to connect to redis, falling back to memory locks", "error", err)
			locks = lock.NewMemoryLock()
		} else {
			locks = lock.NewRedisLock(client, "coordinator")
			redisClient = client
			logger.Info("using redis device locks", slog.String("url", cfg.RedisURL))
		}
	default:
		locks = lock.NewMemoryLock()
		logger.Info("using in-memory device locks")
	}

	// Coordination core
	g := graph.NewManager()
	led := ledger.New(store, logger)
	q := quota.New(store, logger)
	ev := eventlog.New(store, logger)
	modes := mode.NewManager(types.Mode(cfg.InitialMode))
	registry := devices.NewMemoryRegistry()

	// Operational settings: redis-backed when available, with peer
	// invalidation over pub/sub. Without redis, config values stand.
	var settings *config.SettingsCache
	if redisClient != nil {
		settings = config.NewSettingsCache(func(ctx context.Context) (map[string]string, error) {
			return redisClient.HGetAll(ctx, "coordinator:settings").Result()
		}, time.Minute, logger)
		go settings.ListenInvalidations(rootCtx, redisClient)
	}

	// Polling client: simulation always registered; production handlers
	// plug in through the same registry when a protocol client ships.
	simClient := poller.NewSimClient(cfg.SimSeed, nil)
	simClient.FailureRate = cfg.SimFailureRate
	simClient.Latency = cfg.SimLatency

	handlers := dispatch.NewRegistry()
	pollHandler := func(ctx context.Context, device types.DeviceRef, node types.Node) (types.ResultSummary, error) {
		if settings != nil {
			if v, ok, err := settings.Get(ctx, "sim_failure_rate"); err == nil && ok {
				if rate, perr := strconv.ParseFloat(v, 64); perr == nil {
					simClient.SetFailureRate(rate)
				}
			}
		}
		return simClient.Poll(ctx, device, node)
	}
	for _, class := range []types.TaskClass{
		types.TaskClassDiscovery, types.TaskClassRead,
		types.TaskClassManual, types.TaskClassCleanup,
	} {
		handlers.Register(class, pollHandler)
	}

	// Dispatcher and coordinator reference each other through the
	// callbacks interface; the coordinator is wired in afterwards.
	var coord *coordinator.Coordinator
	callbacks := callbackProxy{coord: &coord}

	dispatchCfg := &dispatch.Config{
		QueueDepth: cfg.QueueDepth,
		Workers: map[string]int{
			types.TaskClassDiscovery.QueueName(): cfg.DiscoveryWorkers,
			types.TaskClassRead.QueueName():      cfg.ReadWorkers,
			types.TaskClassManual.QueueName():    cfg.ManualWorkers,
			types.TaskClassCleanup.QueueName():   cfg.CleanupWorkers,
		},
		LockTTL: cfg.LockTTL,
	}
	d := dispatch.New(handlers, callbacks, g, led, locks, registry, logger, dispatchCfg)

	sched := scheduler.New(g, led, locks, d, q, ev, logger)
	sched.SetLockTTL(cfg.LockTTL)

	coord = coordinator.New(g, sched, led, q, ev, modes, store, registry, d, logger, coordinator.Options{
		TickInterval:     cfg.TickInterval,
		ReconcileGrace:   cfg.ReconcileGrace,
		ReconcileEvery:   cfg.ReconcileEvery,
		RetentionMaxAge:  cfg.RetentionMaxAge,
		RetentionEvery:   cfg.RetentionEvery,
		ChainMinInterval: cfg.ChainMinInterval,
	})

	d.Start(rootCtx)
	go coord.Run(rootCtx)

	// API
	apiHandlers := api.NewHandlers(store, g, q, ev, modes, coord, registry, cfg, logger)
	server := api.NewServer(apiHandlers)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      server.Router(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down...")
	rootCancel()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	if err := tracer.Shutdown(ctx); err != nil {
		logger.Error("tracer shutdown error", "error", err)
	}

	logger.Info("coordinator stopped")
}

// callbackProxy defers callback resolution until the coordinator is
// constructed, breaking the dispatcher/coordinator constructor cycle.
type callbackProxy struct {
	coord **coordinator.Coordinator
}

func (p callbackProxy) OnNodeCompleted(ctx context.Context, deviceID, nodeKey, executionID string, durationMS int64, summary types.ResultSummary) {
	(*p.coord).OnNodeCompleted(ctx, deviceID, nodeKey, executionID, durationMS, summary)
}

func (p callbackProxy) OnNodeFailed(ctx context.Context, deviceID, nodeKey, executionID, errorMessage string) {
	(*p.coord).OnNodeFailed(ctx, deviceID, nodeKey, executionID, errorMessage)
}

func (p callbackProxy) OnNodeInterrupted(ctx context.Context, deviceID, nodeKey, executionID, reason string) {
	(*p.coord).OnNodeInterrupted(ctx, deviceID, nodeKey, executionID, reason)
}

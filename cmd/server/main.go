/*
main.go - API server entry point

PURPOSE:
  Starts the fee ledger HTTP API together with the outbox relay.
  Handles configuration, dependency wiring and graceful shutdown.

STARTUP SEQUENCE:
  1. Load config (.env, environment) and build the logger
  2. Open the store (SQLite file or PostgreSQL pool) and migrate
  3. Build the ledger engine, stats cache and audit logger
  4. Pick the outbox dispatcher (direct send or asynq queue)
  5. Start the relay and the HTTP server

COMMAND-LINE FLAGS:
  -port    HTTP server port, overrides APP_ADDR
  -db      SQLite database path, overrides SQLITE_PATH
           Use ":memory:" for an in-memory database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests (SHUTDOWN_TIMEOUT)
  3. Stop the relay and flush queued audit entries
  4. Close the store

EXAMPLES:
  JWT_SECRET=dev ./server -db=":memory:"
  JWT_SECRET=dev DB_DRIVER=postgres PG_DSN=postgres://... ./server
  JWT_SECRET=dev OUTBOX_DISPATCH=asynq REDIS_ADDR=localhost:6379 ./server

SEE ALSO:
  - config/config.go: environment variables
  - api/server.go: router configuration
  - cmd/worker: consumes asynq notification tasks
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/warp/fee-ledger/api"
	"github.com/warp/fee-ledger/audit"
	"github.com/warp/fee-ledger/cache"
	"github.com/warp/fee-ledger/config"
	"github.com/warp/fee-ledger/ledger"
	"github.com/warp/fee-ledger/notify"
	"github.com/warp/fee-ledger/outbox"
	"github.com/warp/fee-ledger/store/postgres"
	"github.com/warp/fee-ledger/store/sqlite"
)

// backend is what both store drivers provide.
type backend interface {
	ledger.TxStore
	ledger.OutboxStore
	ledger.AuditStore
	api.Seeder
	api.Pinger
}

func main() {
	port := flag.Int("port", 0, "HTTP server port (overrides APP_ADDR)")
	dbPath := flag.String("db", "", "SQLite database path (overrides SQLITE_PATH)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	if *port > 0 {
		cfg.AppAddr = fmt.Sprintf(":%d", *port)
	}
	if *dbPath != "" {
		cfg.DBDriver = "sqlite"
		cfg.SQLitePath = *dbPath
	}

	logger := config.NewLogger(cfg)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server stopped with error", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		}()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Warn("redis ping", slog.Any("error", err))
		}
	}

	dispatcher, closeDispatcher, err := newDispatcher(cfg, logger)
	if err != nil {
		return err
	}
	defer closeDispatcher()

	relay := outbox.NewRelay(store, dispatcher, logger)
	relay.Interval = cfg.OutboxInterval
	relay.BatchSize = cfg.OutboxBatch
	relay.MaxAttempts = cfg.OutboxMaxAttempts
	relay.Start()
	defer relay.Stop()

	auditLog := audit.NewLogger(store, logger)
	defer auditLog.Wait()

	handler := api.NewHandler(ledger.NewEngine(store), logger)
	handler.Stats = cache.NewStatsCache(redisClient, cfg.StatsCacheTTL, logger)
	handler.Audit = auditLog
	handler.DB = store
	handler.Seeder = store

	server := &http.Server{
		Addr: cfg.AppAddr,
		Handler: api.NewRouter(handler, api.RouterConfig{
			JWTSecret:          cfg.JWTSecret,
			CORSOrigins:        cfg.CORSOrigins,
			RateLimitPerMinute: cfg.RateLimitPerMinute,
			Production:         cfg.IsProduction(),
		}),
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server starting", "addr", cfg.AppAddr, "env", cfg.AppEnv, "driver", cfg.DBDriver, "dispatch", cfg.OutboxDispatch)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("server stopped")
	return nil
}

func openStore(ctx context.Context, cfg *config.Config) (backend, func(), error) {
	switch cfg.DBDriver {
	case "postgres":
		pool, err := postgres.NewPool(ctx, cfg.PGDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("connect database: %w", err)
		}
		store := postgres.New(pool)
		if err := store.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("migrate database: %w", err)
		}
		return store, pool.Close, nil
	default:
		if cfg.SQLitePath != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755); err != nil {
				return nil, nil, fmt.Errorf("create data dir: %w", err)
			}
		}
		store, err := sqlite.New(cfg.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open database: %w", err)
		}
		return store, func() { _ = store.Close() }, nil
	}
}

func newDispatcher(cfg *config.Config, logger *slog.Logger) (outbox.Dispatcher, func(), error) {
	if cfg.OutboxDispatch == "asynq" {
		client := asynq.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
		closeClient := func() {
			if err := client.Close(); err != nil {
				logger.Warn("asynq client close", slog.Any("error", err))
			}
		}
		return outbox.NewAsynqDispatcher(client, cfg.OutboxMaxAttempts), closeClient, nil
	}
	return outbox.NewDirectDispatcher(newSender(cfg, logger)), func() {}, nil
}

func newSender(cfg *config.Config, logger *slog.Logger) notify.Sender {
	renderer := notify.NewRenderer(cfg.AppName, cfg.Currency)
	senders := notify.Multi{notify.NewLogSender(logger, renderer)}
	if cfg.SendgridAPIKey != "" {
		senders = append(senders, notify.NewSendgridSender(cfg.SendgridAPIKey, cfg.MailFrom, renderer, logger))
	}
	return senders
}

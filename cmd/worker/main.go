// Command worker consumes notification tasks enqueued by the API server's
// outbox relay when OUTBOX_DISPATCH=asynq.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/warp/fee-ledger/config"
	"github.com/warp/fee-ledger/notify"
	"github.com/warp/fee-ledger/outbox"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := config.NewLogger(cfg)

	if cfg.RedisAddr == "" {
		logger.Error("REDIS_ADDR is required for the worker")
		os.Exit(1)
	}

	renderer := notify.NewRenderer(cfg.AppName, cfg.Currency)
	sender := notify.Multi{notify.NewLogSender(logger, renderer)}
	if cfg.SendgridAPIKey != "" {
		sender = append(sender, notify.NewSendgridSender(cfg.SendgridAPIKey, cfg.MailFrom, renderer, logger))
	}

	worker, err := outbox.NewWorker(outbox.WorkerConfig{
		RedisOpts:   asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Concurrency: cfg.WorkerConcurrency,
		Logger:      logger,
		Handlers:    outbox.TaskHandlers(sender, logger),
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}

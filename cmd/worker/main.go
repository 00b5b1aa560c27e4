package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"studio/internal/adapter/repo"
	"studio/internal/backend"
	"studio/internal/infra"
	"studio/internal/infra/credentials"
	"studio/internal/ledger"
	"studio/internal/render"
	"studio/internal/retry"
	"studio/internal/storage"
)

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: db connection failed")
	}
	defer pool.Close()
	runner := infra.NewSQLRunner(pool, logger)

	blobs, err := storage.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: failed to configure storage")
	}
	backends, err := backend.Build(ctx, cfg, credentials.NewStore(runner), runner, ledger.New(runner, logger), logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: failed to configure backends")
	}

	completer := render.NewCompleter(
		repo.NewImageRepository(runner),
		blobs,
		retry.Generation(cfg.GenerationTimeout, cfg.GenerationRetries),
		logger,
	)
	worker := render.NewWorker(runner, completer, backends.Renderers, cfg.PollInterval, logger)

	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("worker: stopped with error")
	}
	logger.Info().Msg("worker: stopped")
}

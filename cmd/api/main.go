package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"studio/internal/adapter/repo"
	"studio/internal/backend"
	"studio/internal/cache"
	"studio/internal/compare"
	"studio/internal/dispatch"
	"studio/internal/http/handlers"
	httpapi "studio/internal/http/httpapi"
	"studio/internal/infra"
	"studio/internal/infra/credentials"
	"studio/internal/infra/geoip"
	"studio/internal/ledger"
	"studio/internal/retry"
	"studio/internal/storage"
	"studio/internal/suggest"
	"studio/internal/versions"
)

// Batches stay addressable this long after they start.
const batchTTL = 30 * time.Minute

func main() {
	// .env is optional
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("api: stopped with error")
	}
	logger.Info().Msg("api: stopped")
}

func run(ctx context.Context, cfg *infra.Config, logger infra.Logger) error {
	pool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		return err
	}
	defer pool.Close()
	runner := infra.NewSQLRunner(pool, logger)

	images := repo.NewImageRepository(runner)
	credits := ledger.New(runner, logger)
	watcher := ledger.NewWatcher(cfg.DatabaseURL, logger)
	tokens := credentials.NewStore(runner)

	blobs, err := storage.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	backends, err := backend.Build(ctx, cfg, tokens, runner, credits, logger)
	if err != nil {
		return err
	}
	registry, err := compare.NewRegistry(cfg.CacheSize, batchTTL)
	if err != nil {
		return err
	}

	generation := retry.Generation(cfg.GenerationTimeout, cfg.GenerationRetries)
	dispatcher := dispatch.New(dispatch.Options{
		Repo:       images,
		Ledger:     credits,
		Blobs:      blobs,
		Submitter:  backends.Submitter,
		Generators: backends.Generators,
		Registry:   registry,
		Generation: generation,
		Session:    retry.Session(cfg.SessionTimeout),
		MaxEdits:   cfg.DefaultMaxEdits,
		Logger:     logger,
	})
	versionStore := versions.NewStore(images, backends.Editor, blobs, generation, logger)

	checks := map[string]handlers.HealthCheck{"database": pool.Ping}
	cacheOpts := cache.Options{Prefix: "studio:recent-prompts", Size: cfg.CacheSize, TTL: cfg.CacheTTL, Logger: logger}
	redisClient, err := infra.NewRedisClient(ctx, cfg)
	if err != nil {
		logger.Warn().Err(err).Msg("api: redis unavailable, using in-process cache only")
	} else if redisClient != nil {
		defer redisClient.Close()
		remote := cache.NewRedis(redisClient)
		cacheOpts.Remote = remote
		checks["redis"] = remote.Ping
	}
	if h, ok := blobs.(interface{ Health(context.Context) error }); ok {
		checks["storage"] = h.Health
	}
	recent, err := cache.NewTwoTier[[]string](cacheOpts)
	if err != nil {
		return err
	}

	countries, err := geoip.NewResolver(cfg.GeoIPDBPath)
	if err != nil {
		logger.Warn().Err(err).Str("path", cfg.GeoIPDBPath).Msg("api: geoip database unavailable")
	}
	defer countries.Close()

	app := &handlers.App{
		Logger:      logger,
		Dispatcher:  dispatcher,
		Versions:    versionStore,
		Images:      images,
		Ledger:      credits,
		Credits:     watcher,
		Suggestions: suggest.NewService(images, recent, logger),
		Checks:      checks,
	}
	opts := httpapi.Options{
		JWTSecret:      cfg.JWTSecret,
		AllowedOrigins: cfg.AllowedOrigins,
		RateLimit:      cfg.RateLimitPerMin,
		DefaultLocale:  cfg.DefaultLocale,
		CountryLookup:  countries.Lookup(),
		Logger:         logger,
	}
	if cfg.StorageBackend == "fs" {
		opts.StaticDir = cfg.StoragePath
	}
	server := infra.NewHTTPServer(cfg, httpapi.NewRouter(app, opts), logger)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return watcher.Run(ctx) })
	g.Go(func() error { return server.Run(ctx) })
	return g.Wait()
}

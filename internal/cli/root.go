// Package cli implements studioctl, the operator command line for the
// studio: generate and compare images, manage versions, credits and
// backend tokens.
package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"studio/internal/adapter/repo"
	"studio/internal/backend"
	"studio/internal/cache"
	"studio/internal/compare"
	"studio/internal/dispatch"
	"studio/internal/domain"
	"studio/internal/infra"
	"studio/internal/infra/credentials"
	"studio/internal/ledger"
	"studio/internal/memstore"
	"studio/internal/render"
	"studio/internal/retry"
	"studio/internal/storage"
	"studio/internal/studio"
	"studio/internal/suggest"
	"studio/internal/versions"
)

// creditLedger is what the commands need from either ledger.
type creditLedger interface {
	domain.Ledger
	Grant(ctx context.Context, userID string, amount int) (int, error)
}

type imageStore interface {
	domain.ImageRepository
	render.Rows
	suggest.PromptSource
}

// cmdContext holds the resources shared by commands.
type cmdContext struct {
	Logger     zerolog.Logger
	Config     *infra.Config
	Pool       *pgxpool.Pool
	Runner     *infra.SQLRunner
	Images     imageStore
	Ledger     creditLedger
	Dispatcher *dispatch.Dispatcher
	Versions   *versions.Store
	Offline    bool
	// inline renders single generations in-process when offline.
	inline *render.Inline
}

func (c *cmdContext) Close() {
	if c.inline != nil {
		c.inline.Wait()
	}
	if c.Pool != nil {
		c.Pool.Close()
	}
}

func (c *cmdContext) Owner() domain.Owner {
	return domain.Owner{UserID: ownerUser, BrandID: ownerBrand}
}

var (
	offline       bool
	offlineDir    string
	offlineCredit int
	ownerUser     string
	ownerBrand    string
	verbose       bool
)

var rootCmd = &cobra.Command{
	Use:   "studioctl",
	Short: "Brand image studio",
	Long: `studioctl drives the brand image studio from a terminal. It talks to the
same database as the API, or runs fully in-process with --offline.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		_ = godotenv.Load()
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&offline, "offline", false, "Run in-process with synthetic backends and memory storage")
	rootCmd.PersistentFlags().StringVar(&offlineDir, "out", "./studio-out", "Directory for rendered files in offline mode")
	rootCmd.PersistentFlags().IntVar(&offlineCredit, "credits", 10, "Starting balance in offline mode")
	rootCmd.PersistentFlags().StringVar(&ownerUser, "user", os.Getenv("STUDIO_USER"), "User id (STUDIO_USER)")
	rootCmd.PersistentFlags().StringVar(&ownerBrand, "brand", os.Getenv("STUDIO_BRAND"), "Brand id (STUDIO_BRAND)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log to stderr")

	rootCmd.AddCommand(generateCmd)
	rootCmd.AddCommand(variationsCmd)
	rootCmd.AddCommand(compareCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(versionsCmd)
	rootCmd.AddCommand(editCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(creditsCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(migrateCmd)
}

func newLogger() zerolog.Logger {
	if !verbose {
		return zerolog.Nop()
	}
	return infra.NewLogger("development")
}

// initContext opens the database only.
func initContext() *cmdContext {
	logger := newLogger()
	cfg, err := infra.LoadConfig()
	if err != nil {
		exitError("%v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	pool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		exitError("failed to connect database: %v", err)
	}
	runner := infra.NewSQLRunner(pool, logger)
	return &cmdContext{
		Logger: logger,
		Config: cfg,
		Pool:   pool,
		Runner: runner,
		Images: repo.NewImageRepository(runner),
		Ledger: ledger.New(runner, logger),
	}
}

// initStudioContext wires the generation stack, against the database or
// fully in memory when --offline is set.
func initStudioContext() *cmdContext {
	requireOwner()
	if offline {
		return initOfflineContext()
	}
	c := initContext()
	ctx := context.Background()
	blobs, err := storage.New(ctx, c.Config, c.Logger)
	if err != nil {
		c.Close()
		exitError("failed to configure storage: %v", err)
	}
	set, err := backend.Build(ctx, c.Config, credentials.NewStore(c.Runner), c.Runner, c.Ledger, c.Logger)
	if err != nil {
		c.Close()
		exitError("failed to configure backends: %v", err)
	}
	generation := retry.Generation(c.Config.GenerationTimeout, c.Config.GenerationRetries)
	c.wire(set.Submitter, set.Generators, set.Editor, blobs, generation, retry.Session(c.Config.SessionTimeout), c.Config.DefaultMaxEdits)
	return c
}

func initOfflineContext() *cmdContext {
	logger := newLogger()
	dir, err := filepath.Abs(offlineDir)
	if err != nil {
		exitError("invalid --out: %v", err)
	}
	blobs, err := storage.NewFileStore(dir, "file://"+filepath.ToSlash(dir))
	if err != nil {
		exitError("failed to prepare %s: %v", dir, err)
	}
	credits := memstore.NewLedger()
	if _, err := credits.Grant(context.Background(), ownerUser, offlineCredit); err != nil {
		exitError("%v", err)
	}
	c := &cmdContext{Logger: logger, Images: memstore.NewImages(), Ledger: credits, Offline: true}

	gens := map[domain.Variant]backend.Generator{}
	for _, v := range domain.Variants {
		gens[v] = backend.NewSessionGate(backend.NewSynthetic(v), credits)
	}
	generation := retry.Generation(0, 1)
	completer := render.NewCompleter(c.Images, blobs, generation, logger)
	c.inline = render.NewInline(completer, backend.NewSynthetic(domain.VariantV1), credits, 1)
	c.wire(c.inline, gens, backend.NewSynthetic(""), blobs, generation, retry.Session(0), domain.DefaultMaxEdits)
	return c
}

func (c *cmdContext) wire(sub backend.Submitter, gens map[domain.Variant]backend.Generator, editor backend.Editor,
	blobs domain.BlobStore, generation, session retry.Policy, maxEdits int) {
	registry, err := compare.NewRegistry(16, time.Hour)
	if err != nil {
		exitError("%v", err)
	}
	c.Dispatcher = dispatch.New(dispatch.Options{
		Repo:       c.Images,
		Ledger:     c.Ledger,
		Blobs:      blobs,
		Submitter:  sub,
		Generators: gens,
		Registry:   registry,
		Generation: generation,
		Session:    session,
		MaxEdits:   maxEdits,
		Logger:     c.Logger,
	})
	c.Versions = versions.NewStore(c.Images, editor, blobs, generation, c.Logger)
}

// workspace builds the client-side view used by commands that follow an
// image until it settles.
func (c *cmdContext) workspace() (*studio.Workspace, error) {
	recent, err := cache.NewTwoTier[[]string](cache.Options{Prefix: "cli", Logger: c.Logger})
	if err != nil {
		return nil, err
	}
	poll := 500 * time.Millisecond
	if c.Config != nil && c.Config.PollInterval > 0 {
		poll = c.Config.PollInterval
	}
	return studio.New(studio.Options{
		Owner:        c.Owner(),
		Dispatcher:   c.Dispatcher,
		Versions:     c.Versions,
		Repo:         c.Images,
		Ledger:       c.Ledger,
		Suggestions:  suggest.NewService(c.Images, recent, c.Logger),
		PollInterval: poll,
		Logger:       c.Logger,
	}), nil
}

func requireOwner() {
	if ownerUser == "" || ownerBrand == "" {
		exitError("--user and --brand are required (or STUDIO_USER / STUDIO_BRAND)")
	}
}

// exitError prints an error and exits.
func exitError(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

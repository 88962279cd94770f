package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	cairn "github.com/go-cairn/cairn"
	"github.com/go-cairn/cairn/internal/config"
	"github.com/go-cairn/cairn/observer"
	"github.com/go-cairn/cairn/store/postgres"
	"github.com/go-cairn/cairn/store/sqlite"
)

const usage = `cairn - retrieval-augmented chat platform

Usage:
  cairn serve     start the chat API server
  cairn worker    start the embedding pipeline worker
  cairn import    import local files into the content store

Config is read from cairn.toml (override the path with CAIRN_CONFIG), then
CAIRN_* environment variables. A .env file in the working directory is
loaded first.
`

func main() {
	// A .env file is optional; absence is not an error.
	_ = godotenv.Load()

	cfg := config.Load(os.Getenv("CAIRN_CONFIG"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := "serve"
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}

	var err error
	switch cmd {
	case "serve":
		err = runServe(ctx, cfg)
	case "worker":
		err = runWorker(ctx, cfg)
	case "import":
		err = runImport(ctx, cfg, os.Args[2:])
	case "help", "-h", "--help":
		fmt.Print(usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}
	if err != nil {
		log.Fatal(err)
	}
}

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, nil))
}

// storeBackend is the full persistence surface both store implementations
// provide: vectors, content, checkpoints.
type storeBackend interface {
	cairn.VectorClient
	cairn.ContentStore
	cairn.CheckpointStore
	StoreContent(ctx context.Context, item cairn.ContentItem) error
	Init(ctx context.Context) error
}

func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (storeBackend, func(), error) {
	switch cfg.Store.Backend {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Store.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres: %w", err)
		}
		st := postgres.New(pool, postgres.WithEmbeddingDimension(cfg.Embedding.Dimensions))
		if err := st.Init(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("postgres init: %w", err)
		}
		logger.Info("store ready", "backend", "postgres")
		return st, pool.Close, nil
	case "sqlite", "":
		st := sqlite.New(cfg.Store.Path, sqlite.WithLogger(logger))
		if err := st.Init(ctx); err != nil {
			return nil, nil, fmt.Errorf("sqlite init: %w", err)
		}
		logger.Info("store ready", "backend", "sqlite", "path", cfg.Store.Path)
		return st, func() { _ = st.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

// initObserver starts the OTEL instruments when the observer is enabled.
// Disabled returns nil instruments and a no-op shutdown; callers check
// inst != nil before wrapping providers.
func initObserver(ctx context.Context, cfg config.ObserverConfig) (*observer.Instruments, func(context.Context) error, error) {
	if !cfg.Enabled {
		return nil, func(context.Context) error { return nil }, nil
	}
	pricing := make(map[string]observer.ModelPricing, len(cfg.Pricing))
	for model, p := range cfg.Pricing {
		pricing[model] = observer.ModelPricing{InputPerMillion: p.Input, OutputPerMillion: p.Output}
	}
	return observer.Init(ctx, pricing)
}

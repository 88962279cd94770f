package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	cairn "github.com/go-cairn/cairn"
	"github.com/go-cairn/cairn/httpapi"
	"github.com/go-cairn/cairn/internal/config"
	"github.com/go-cairn/cairn/observer"
	"github.com/go-cairn/cairn/provider/openaicompat"
	"github.com/go-cairn/cairn/tools/calc"
	"github.com/go-cairn/cairn/tools/calendar"
	"github.com/go-cairn/cairn/tools/weather"
	"github.com/go-cairn/cairn/tools/websearch"
)

func runServe(ctx context.Context, cfg config.Config) error {
	logger := newLogger()

	// 1. Store
	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	// 2. Observability
	inst, shutdownObs, err := initObserver(ctx, cfg.Observer)
	if err != nil {
		return err
	}
	defer func() {
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownObs(shutCtx); err != nil {
			logger.Warn("observer shutdown", "error", err)
		}
	}()

	// 3. Providers
	var provider cairn.Provider = openaicompat.NewProvider(cfg.LLM.APIKey, cfg.LLM.Model, cfg.LLM.BaseURL)
	var embedding cairn.EmbeddingProvider = openaicompat.NewEmbedding(
		cfg.Embedding.APIKey, cfg.Embedding.Model, cfg.Embedding.BaseURL, cfg.Embedding.Dimensions)
	if inst != nil {
		provider = observer.WrapProvider(provider, cfg.LLM.Model, inst)
		embedding = observer.WrapEmbedding(embedding, cfg.Embedding.Model, inst)
	}
	// Middleware order: each retry attempt passes through the limiter and
	// is observed as its own call.
	provider = cairn.WithRetry(cairn.WithRateLimit(provider))

	// 4. Tools
	reg := cairn.NewRegistry()
	reg.MustRegister(calc.New())
	reg.MustRegister(calendar.New())
	reg.MustRegister(weather.New())
	reg.MustRegister(websearch.New(cfg.Search.BraveAPIKey))

	// 5. Graph
	embedder := cairn.NewBatchEmbedder(embedding, cairn.EmbedLogger(logger))
	index := cairn.NewIndex(store, cairn.IndexLogger(logger))
	caller := cairn.NewCaller(provider)

	ragOpts := []cairn.RAGOption{
		cairn.RAGTools(reg),
		cairn.RAGContentStore(store),
		cairn.RAGCheckpoints(store),
		cairn.RAGFilter(cairn.NewInjectionFilter()),
		cairn.RAGWidenThreshold(cfg.Graph.WidenThreshold),
		cairn.RAGMaxWidening(cfg.Graph.MaxWidening),
		cairn.RAGToolTimeout(time.Duration(cfg.Graph.ToolTimeout) * time.Second),
		cairn.RAGToolRetries(cfg.Graph.ToolRetries),
		cairn.RAGLogger(logger),
	}
	if inst != nil {
		ragOpts = append(ragOpts, cairn.RAGTracer(observer.NewTracer()))
	}
	rag, err := cairn.NewRAG(embedder, index, caller, ragOpts...)
	if err != nil {
		return err
	}

	// 6. HTTP server
	defaults := cairn.DefaultRunOptions()
	if cfg.Graph.TopK > 0 {
		defaults.MaxContextItems = cfg.Graph.TopK
	}
	api := httpapi.NewServer(rag,
		httpapi.WithLogger(logger),
		httpapi.WithRequestTimeout(time.Duration(cfg.Server.RequestTimeout)*time.Second),
		httpapi.WithDefaultOptions(defaults),
	)

	// No WriteTimeout: chat responses stream for as long as the stream
	// adapter's own limits allow.
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("chat API listening", "addr", cfg.Server.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}

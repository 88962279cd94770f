package main

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	cairn "github.com/go-cairn/cairn"
	"github.com/go-cairn/cairn/ingest"
	"github.com/go-cairn/cairn/internal/config"
	"github.com/go-cairn/cairn/observer"
	"github.com/go-cairn/cairn/provider/openaicompat"
	qredis "github.com/go-cairn/cairn/queue/redis"
)

func runWorker(ctx context.Context, cfg config.Config) error {
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

	// 3. Embedding provider
	var embedding cairn.EmbeddingProvider = openaicompat.NewEmbedding(
		cfg.Embedding.APIKey, cfg.Embedding.Model, cfg.Embedding.BaseURL, cfg.Embedding.Dimensions)
	if inst != nil {
		embedding = observer.WrapEmbedding(embedding, cfg.Embedding.Model, inst)
	}

	// 4. Queue and DLQ
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Queue.Addr,
		Password: cfg.Queue.Password,
		DB:       cfg.Queue.DB,
	})
	defer rdb.Close()

	queueOpts := []qredis.QueueOption{qredis.QueueLogger(logger)}
	if cfg.Queue.Stream != "" {
		queueOpts = append(queueOpts, qredis.QueueStream(cfg.Queue.Stream))
	}
	if cfg.Queue.Group != "" {
		queueOpts = append(queueOpts, qredis.QueueGroup(cfg.Queue.Group))
	}
	if cfg.Queue.Consumer != "" {
		queueOpts = append(queueOpts, qredis.QueueConsumer(cfg.Queue.Consumer))
	}
	queue, err := qredis.NewQueue(ctx, rdb, queueOpts...)
	if err != nil {
		return err
	}
	dlq, err := qredis.NewDeadLetter(ctx, rdb, qredis.DeadLetterLogger(logger))
	if err != nil {
		return err
	}

	// 5. Pipeline
	embedder := cairn.NewBatchEmbedder(embedding, cairn.EmbedLogger(logger))

	indexOpts := []cairn.IndexOption{cairn.IndexLogger(logger)}
	pipeOpts := []ingest.PipelineOption{
		ingest.PipelineLogger(logger),
		ingest.PipelineReceiveWindow(cfg.Pipeline.ReceiveMax, time.Duration(cfg.Pipeline.ReceiveWaitMS)*time.Millisecond),
	}
	if inst != nil {
		tracer := observer.NewTracer()
		indexOpts = append(indexOpts, cairn.IndexTracer(tracer))
		pipeOpts = append(pipeOpts, ingest.PipelineTracer(tracer))
	}
	index := cairn.NewIndex(store, indexOpts...)
	pipeline := ingest.NewPipeline(queue, store, embedder, index, dlq, pipeOpts...)

	// 6. DLQ reprocessor
	reproOpts := []ingest.ReprocessorOption{
		ingest.ReprocessorLogger(logger),
		ingest.ReprocessorMaxAttempts(uint32(cfg.Pipeline.MaxDLQAttempts)),
	}
	if inst != nil {
		reproOpts = append(reproOpts, ingest.ReprocessorCounter(observer.NewCounter()))
	}
	repro := ingest.NewReprocessor(dlq, queue, reproOpts...)

	// 7. Run both until the context ends
	var wg sync.WaitGroup
	errCh := make(chan error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		errCh <- pipeline.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		errCh <- repro.Run(ctx)
	}()
	wg.Wait()
	close(errCh)
	for err := range errCh {
		if err != nil {
			return err
		}
	}
	logger.Info("worker stopped")
	return nil
}

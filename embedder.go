package cairn

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Embedder turns texts into vectors, preserving input order and length.
// BatchEmbedder is the standard implementation; the pipeline and the
// retrieve node both consume this interface.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// BatchEmbedder wraps an EmbeddingProvider with batch partitioning, linear
// retry, and a deliberate pause between batches to bound concurrent memory
// on the model side.
type BatchEmbedder struct {
	provider      EmbeddingProvider
	maxBatchSize  int
	retryAttempts int
	retryDelay    time.Duration
	batchPause    time.Duration
	logger        *slog.Logger
}

// EmbedderOption configures a BatchEmbedder.
type EmbedderOption func(*BatchEmbedder)

// EmbedBatchSize sets the maximum texts per provider call (default 10).
func EmbedBatchSize(n int) EmbedderOption {
	return func(b *BatchEmbedder) { b.maxBatchSize = n }
}

// EmbedRetryAttempts sets the attempts per batch (default 3).
func EmbedRetryAttempts(n int) EmbedderOption {
	return func(b *BatchEmbedder) { b.retryAttempts = n }
}

// EmbedRetryDelay sets the base retry delay (default 1s). Backoff is
// linear: delay × attempt.
func EmbedRetryDelay(d time.Duration) EmbedderOption {
	return func(b *BatchEmbedder) { b.retryDelay = d }
}

// EmbedBatchPause sets the pause between consecutive batches (default 50ms).
func EmbedBatchPause(d time.Duration) EmbedderOption {
	return func(b *BatchEmbedder) { b.batchPause = d }
}

// EmbedLogger sets the structured logger (default: no output).
func EmbedLogger(l *slog.Logger) EmbedderOption {
	return func(b *BatchEmbedder) { b.logger = l }
}

// NewBatchEmbedder creates a BatchEmbedder over p.
func NewBatchEmbedder(p EmbeddingProvider, opts ...EmbedderOption) *BatchEmbedder {
	b := &BatchEmbedder{
		provider:      p,
		maxBatchSize:  10,
		retryAttempts: 3,
		retryDelay:    time.Second,
		batchPause:    50 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.maxBatchSize < 1 {
		b.maxBatchSize = 1
	}
	if b.retryAttempts < 1 {
		b.retryAttempts = 1
	}
	if b.logger == nil {
		b.logger = nopLogger
	}
	return b
}

// Embed returns one vector per input text, in input order. Inputs longer
// than the batch size are partitioned into contiguous batches processed
// sequentially with a pause in between. Each batch is retried with linear
// backoff; exhaustion surfaces an *ErrEmbedding carrying the model, batch
// size, and attempt count.
func (b *BatchEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += b.maxBatchSize {
		if start > 0 {
			if err := sleepCtx(ctx, b.batchPause); err != nil {
				return nil, err
			}
		}
		end := min(start+b.maxBatchSize, len(texts))
		vecs, err := b.embedBatch(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, vecs...)
	}
	return out, nil
}

// embedBatch calls the provider for one batch with linear-backoff retry.
// A response with the wrong shape fails immediately: retrying cannot fix a
// model that answers with the wrong number of vectors.
func (b *BatchEmbedder) embedBatch(ctx context.Context, batch []string) ([][]float32, error) {
	var lastErr error
	for attempt := 1; attempt <= b.retryAttempts; attempt++ {
		vecs, err := b.provider.Embed(ctx, batch)
		if err == nil {
			if shapeErr := b.checkShape(vecs, len(batch)); shapeErr != nil {
				return nil, &ErrEmbedding{
					Model:     b.provider.Name(),
					BatchSize: len(batch),
					Attempts:  attempt,
					Err:       shapeErr,
				}
			}
			return vecs, nil
		}
		lastErr = err
		b.logger.Warn("embedding batch failed",
			"model", b.provider.Name(),
			"batch_size", len(batch),
			"attempt", attempt,
			"max_attempts", b.retryAttempts,
			"error", err)
		if attempt < b.retryAttempts {
			if serr := sleepCtx(ctx, b.retryDelay*time.Duration(attempt)); serr != nil {
				return nil, serr
			}
		}
	}
	return nil, &ErrEmbedding{
		Model:     b.provider.Name(),
		BatchSize: len(batch),
		Attempts:  b.retryAttempts,
		Err:       lastErr,
	}
}

// checkShape validates that the provider answered with one non-empty vector
// per input, each matching the advertised dimension.
func (b *BatchEmbedder) checkShape(vecs [][]float32, want int) error {
	if len(vecs) != want {
		return fmt.Errorf("unknown response shape: %d vectors for %d texts", len(vecs), want)
	}
	dims := b.provider.Dimensions()
	for i, v := range vecs {
		if len(v) == 0 {
			return fmt.Errorf("unknown response shape: empty vector at index %d", i)
		}
		if dims > 0 && len(v) != dims {
			return fmt.Errorf("unknown response shape: vector %d has %d dimensions, want %d", i, len(v), dims)
		}
	}
	return nil
}

var _ Embedder = (*BatchEmbedder)(nil)

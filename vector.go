package cairn

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"time"
)

// MaxTopK is the upper bound the index accepts for query result counts.
// Query clamps requested values into [1, MaxTopK].
const MaxTopK = 1000

// Filter narrows a vector query by metadata. Zero-valued fields do not
// filter. Callers set UserID only; Index widens it to the pair
// {UserID, PublicUserID} before the filter reaches a VectorClient, so
// public content is always co-retrieved. Clients read UserIDs (never
// UserID) and treat it as a membership set.
type Filter struct {
	UserID        string   `json:"userId,omitempty"`
	UserIDs       []string `json:"userIds,omitempty"`
	Category      string   `json:"category,omitempty"`
	MimeType      string   `json:"mimeType,omitempty"`
	CreatedAfter  int64    `json:"createdAfter,omitempty"`
	CreatedBefore int64    `json:"createdBefore,omitempty"`
}

// widen returns the effective filter sent to the client: UserID is folded
// into UserIDs together with PublicUserID. Already-widened filters pass
// through unchanged.
func (f Filter) widen() Filter {
	if f.UserID == "" {
		return f
	}
	out := f
	out.UserIDs = []string{f.UserID}
	if f.UserID != PublicUserID {
		out.UserIDs = append(out.UserIDs, PublicUserID)
	}
	out.UserID = ""
	return out
}

// Match reports whether meta satisfies the filter. Used by brute-force
// client implementations and test fakes; SQL-backed clients translate the
// same semantics into WHERE clauses.
func (f Filter) Match(meta VectorMeta) bool {
	if len(f.UserIDs) > 0 && !slices.Contains(f.UserIDs, meta.UserID) {
		return false
	}
	if f.UserID != "" && meta.UserID != f.UserID && meta.UserID != PublicUserID {
		return false
	}
	if f.Category != "" && meta.Category != f.Category {
		return false
	}
	if f.MimeType != "" && meta.MimeType != f.MimeType {
		return false
	}
	if f.CreatedAfter != 0 && meta.CreatedAt < f.CreatedAfter {
		return false
	}
	if f.CreatedBefore != 0 && meta.CreatedAt > f.CreatedBefore {
		return false
	}
	return true
}

// Index is the batching, retrying front door to a vector store. It splits
// upserts into bounded batches, retries each batch with linear backoff,
// widens query filters with the public sentinel, and clamps topK. The
// underlying VectorClient stays a dumb single-shot translator.
type Index struct {
	client        VectorClient
	batchSize     int
	retryAttempts int
	retryDelay    time.Duration
	logger        *slog.Logger
	tracer        Tracer
}

// IndexOption configures an Index.
type IndexOption func(*Index)

// IndexBatchSize sets the upsert batch size (default: 100).
func IndexBatchSize(n int) IndexOption {
	return func(ix *Index) { ix.batchSize = n }
}

// IndexRetryAttempts sets attempts per upsert batch (default: 3).
func IndexRetryAttempts(n int) IndexOption {
	return func(ix *Index) { ix.retryAttempts = n }
}

// IndexRetryDelay sets the base delay between upsert attempts
// (default: 500ms). Backoff is linear: delay × attempt.
func IndexRetryDelay(d time.Duration) IndexOption {
	return func(ix *Index) { ix.retryDelay = d }
}

// IndexLogger sets the structured logger (default: no-op).
func IndexLogger(l *slog.Logger) IndexOption {
	return func(ix *Index) { ix.logger = l }
}

// IndexTracer sets the tracer for upsert and query spans (default: none).
func IndexTracer(t Tracer) IndexOption {
	return func(ix *Index) { ix.tracer = t }
}

// NewIndex wraps client with batching and retry policy.
func NewIndex(client VectorClient, opts ...IndexOption) *Index {
	ix := &Index{
		client:        client,
		batchSize:     100,
		retryAttempts: 3,
		retryDelay:    500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(ix)
	}
	if ix.logger == nil {
		ix.logger = nopLogger
	}
	return ix
}

// Upsert writes records in batches of the configured size, in order. Each
// batch is retried up to retryAttempts times; a batch that exhausts its
// retries fails the whole call with KindVectorize so the caller can route
// the job to the DLQ. Records already written in earlier batches stay
// written; upserts are idempotent, so the retried job converges.
func (ix *Index) Upsert(ctx context.Context, records []VectorRecord) error {
	if len(records) == 0 {
		return nil
	}
	var span Span
	if ix.tracer != nil {
		ctx, span = ix.tracer.Start(ctx, "index.upsert", IntAttr("records", len(records)))
		defer span.End()
	}
	for start := 0; start < len(records); start += ix.batchSize {
		end := min(start+ix.batchSize, len(records))
		if err := ix.upsertBatch(ctx, records[start:end]); err != nil {
			if span != nil {
				span.Error(err)
			}
			return &Error{
				Kind:    KindVectorize,
				Message: fmt.Sprintf("upsert records %d-%d of %d", start, end-1, len(records)),
				Err:     err,
			}
		}
	}
	ix.logger.Debug("vectors upserted", "count", len(records))
	return nil
}

func (ix *Index) upsertBatch(ctx context.Context, batch []VectorRecord) error {
	var lastErr error
	for attempt := 1; attempt <= ix.retryAttempts; attempt++ {
		lastErr = ix.client.Upsert(ctx, batch)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		ix.logger.Warn("upsert batch failed",
			"batch_size", len(batch),
			"attempt", attempt,
			"max_attempts", ix.retryAttempts,
			"error", lastErr)
		if attempt < ix.retryAttempts {
			if err := sleepCtx(ctx, ix.retryDelay*time.Duration(attempt)); err != nil {
				return err
			}
		}
	}
	return lastErr
}

// Query returns the topK nearest matches for vector under filter, score
// descending. topK is clamped into [1, MaxTopK]. The filter's UserID is
// widened with PublicUserID before reaching the client. Queries are not
// retried; the caller decides how to degrade.
func (ix *Index) Query(ctx context.Context, vector []float32, filter Filter, topK int) ([]VectorMatch, error) {
	if topK < 1 {
		topK = 1
	}
	if topK > MaxTopK {
		topK = MaxTopK
	}
	var span Span
	if ix.tracer != nil {
		ctx, span = ix.tracer.Start(ctx, "index.query", IntAttr("top_k", topK))
		defer span.End()
	}
	matches, err := ix.client.Query(ctx, vector, filter.widen(), topK)
	if err != nil {
		if span != nil {
			span.Error(err)
		}
		return nil, &Error{Kind: KindVectorize, Message: "query", Err: err}
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if len(matches) > topK {
		matches = matches[:topK]
	}
	if span != nil {
		span.SetAttr(IntAttr("matches", len(matches)))
	}
	return matches, nil
}

// Stats reports the current index size and dimension.
func (ix *Index) Stats(ctx context.Context) (IndexStats, error) {
	stats, err := ix.client.Stats(ctx)
	if err != nil {
		return IndexStats{}, &Error{Kind: KindVectorize, Message: "stats", Err: err}
	}
	return stats, nil
}

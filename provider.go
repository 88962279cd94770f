package cairn

import "context"

// Provider abstracts the LLM backend.
type Provider interface {
	// Chat sends a request and returns a complete response.
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
	// ChatStream streams tokens into ch as they arrive, then returns the
	// final response with usage stats. Implementations must close ch before
	// returning, on success and on error alike.
	ChatStream(ctx context.Context, req ChatRequest, ch chan<- string) (ChatResponse, error)
	// Name returns the provider name (e.g. "openai", "ollama").
	Name() string
}

// EmbeddingProvider abstracts text embedding.
type EmbeddingProvider interface {
	// Embed returns one embedding vector per input text, in input order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	// Dimensions returns the embedding vector size.
	Dimensions() int
	// Name returns the provider name.
	Name() string
}

// VectorClient is the raw, single-shot interface to a vector index backend.
// Index layers batching, retries, and filter widening on top of it; client
// implementations only translate calls to their store.
type VectorClient interface {
	// Upsert inserts or overwrites records by id.
	Upsert(ctx context.Context, records []VectorRecord) error
	// Query returns the topK nearest matches for vector under filter,
	// score descending.
	Query(ctx context.Context, vector []float32, filter Filter, topK int) ([]VectorMatch, error)
	// Stats reports the current index size and dimension.
	Stats(ctx context.Context) (IndexStats, error)
}

// ContentStore fetches content bodies for the embedding pipeline. A missing
// id returns Error{Kind: KindNotFound}.
type ContentStore interface {
	Fetch(ctx context.Context, id string) (ContentItem, error)
}

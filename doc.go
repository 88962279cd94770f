// Package cairn is a retrieval-augmented chat orchestration platform for Go.
//
// It provides two cooperating subsystems built from interface-driven
// components: an asynchronous embedding pipeline that turns content events
// into vectors in a search index, and a synchronous RAG graph that answers
// chat requests with streamed, citation-grounded responses.
//
// # Quick Start
//
// Wire the serving side from a provider, a vector backend, and tools:
//
//	provider := openaicompat.NewProvider(apiKey, model, baseURL)
//	embedding := openaicompat.NewEmbedding(apiKey, embedModel, baseURL, dims)
//	backend := postgres.New(pool)
//
//	reg := cairn.NewRegistry()
//	reg.MustRegister(calc.New())
//
//	rag, err := cairn.NewRAG(
//		cairn.NewBatchEmbedder(embedding),
//		cairn.NewIndex(backend),
//		cairn.NewCaller(provider),
//		cairn.RAGTools(reg),
//		cairn.RAGContentStore(backend),
//		cairn.RAGCheckpoints(backend),
//	)
//
//	final, err := rag.Run(ctx, state, func(ev cairn.Event) { send(ev) })
//
// The indexing side consumes a durable queue:
//
//	pipe := ingest.NewPipeline(queue, backend, embedder, index, dlq)
//	err = pipe.Run(ctx)
//
// # Core Interfaces
//
// The root package defines the contracts that all components implement:
//
//   - [Provider]: LLM backend (chat, streaming)
//   - [EmbeddingProvider]: text-to-vector embedding
//   - [VectorClient]: raw vector index access (upsert, query, stats)
//   - [ContentStore]: content body lookup for the pipeline
//   - [CheckpointStore]: run state persistence for resumable graphs
//   - [Queue], [DeadLetterQueue]: durable message transport
//   - [Tool]: named capability with schema-validated input
//
// # Included Implementations
//
// Providers: provider/openaicompat (OpenAI-compatible chat and embeddings).
// Storage: store/postgres (pgvector), store/sqlite (embedded, for dev and tests).
// Queues: queue/redis (Redis Streams with a delayed-retry dead-letter queue).
// Tools: tools/calc, tools/calendar, tools/weather, tools/websearch.
//
// See cmd/cairn for the server, worker, and import entry points.
package cairn

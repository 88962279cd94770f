// Package postgres backs the vector index, run checkpoints, and the
// content store with PostgreSQL. Vector search uses pgvector's cosine
// distance operator over an HNSW index.
//
// Store accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/go-cairn/cairn"
)

// Store implements cairn.VectorClient, cairn.CheckpointStore, and
// cairn.ContentStore on a single PostgreSQL database, so vectors, run
// checkpoints, and content bodies share one transactional backend.
type Store struct {
	pool *pgxpool.Pool
	cfg  pgConfig
}

// pgConfig holds store configuration set via Option functions.
type pgConfig struct {
	embeddingDimension int // 0 = untyped vector column
	hnswM              int // 0 = pgvector default (16)
	hnswEFConstruction int // 0 = pgvector default (64)
	hnswEFSearch       int // 0 = pgvector default (40)
}

// Option configures a PostgreSQL Store.
type Option func(*pgConfig)

// WithEmbeddingDimension sets the vector column dimension (e.g. 1536, 768).
// When set, CREATE TABLE uses vector(N) instead of untyped vector, enabling
// better index optimization and catching dimension mismatches at insert
// time. Only affects new table creation (no ALTER on existing tables).
func WithEmbeddingDimension(dim int) Option {
	return func(c *pgConfig) { c.embeddingDimension = dim }
}

// WithHNSWM sets the HNSW m parameter (max connections per node).
// Higher values improve recall at the cost of memory. Default: pgvector's
// 16. Only affects index creation (CREATE INDEX IF NOT EXISTS).
func WithHNSWM(m int) Option {
	return func(c *pgConfig) { c.hnswM = m }
}

// WithEFConstruction sets the HNSW ef_construction parameter (build-time
// candidate list size). Higher values improve index quality at the cost of
// slower builds. Default: pgvector's 64.
func WithEFConstruction(ef int) Option {
	return func(c *pgConfig) { c.hnswEFConstruction = ef }
}

// WithEFSearch sets the HNSW ef_search parameter (query-time candidate
// list size). Higher values improve recall at the cost of latency.
// Default: pgvector's 40. Applied via SET during Init().
func WithEFSearch(ef int) Option {
	return func(c *pgConfig) { c.hnswEFSearch = ef }
}

var _ cairn.VectorClient = (*Store)(nil)
var _ cairn.CheckpointStore = (*Store)(nil)
var _ cairn.ContentStore = (*Store)(nil)

// New creates a Store using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	var cfg pgConfig
	for _, o := range opts {
		o(&cfg)
	}
	return &Store{pool: pool, cfg: cfg}
}

// vectorType returns "vector" or "vector(N)" depending on config.
func (s *Store) vectorType() string {
	if s.cfg.embeddingDimension > 0 {
		return fmt.Sprintf("vector(%d)", s.cfg.embeddingDimension)
	}
	return "vector"
}

// hnswWithClause returns the WITH (...) clause for HNSW index creation,
// or an empty string if no tuning params are set.
func (s *Store) hnswWithClause() string {
	var parts []string
	if s.cfg.hnswM > 0 {
		parts = append(parts, fmt.Sprintf("m = %d", s.cfg.hnswM))
	}
	if s.cfg.hnswEFConstruction > 0 {
		parts = append(parts, fmt.Sprintf("ef_construction = %d", s.cfg.hnswEFConstruction))
	}
	if len(parts) == 0 {
		return ""
	}
	return " WITH (" + strings.Join(parts, ", ") + ")"
}

// Init creates the pgvector extension, all required tables, and indexes.
// Safe to call multiple times (all statements are idempotent).
func (s *Store) Init(ctx context.Context) error {
	vtype := s.vectorType()
	hnswWith := s.hnswWithClause()

	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS vectors (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			content_id TEXT NOT NULL,
			category TEXT NOT NULL DEFAULT '',
			mime_type TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL DEFAULT 0,
			version INTEGER NOT NULL DEFAULT 0,
			embedding %s
		)`, vtype),
		`CREATE INDEX IF NOT EXISTS vectors_user_idx ON vectors(user_id)`,
		`CREATE INDEX IF NOT EXISTS vectors_content_idx ON vectors(content_id)`,
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS vectors_embedding_idx ON vectors USING hnsw (embedding vector_cosine_ops)%s`, hnswWith),

		`CREATE TABLE IF NOT EXISTS checkpoints (
			run_id TEXT PRIMARY KEY,
			state JSONB,
			last_node TEXT NOT NULL DEFAULT '',
			updated_at TIMESTAMPTZ NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS contents (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL DEFAULT '',
			category TEXT NOT NULL DEFAULT '',
			mime_type TEXT NOT NULL DEFAULT '',
			title TEXT NOT NULL DEFAULT '',
			body TEXT NOT NULL,
			created_at BIGINT NOT NULL DEFAULT 0,
			version INTEGER NOT NULL DEFAULT 1,
			deleted BOOLEAN NOT NULL DEFAULT FALSE
		)`,
		`CREATE INDEX IF NOT EXISTS contents_user_idx ON contents(user_id)`,
	}

	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: init: %w", err)
		}
	}

	if s.cfg.hnswEFSearch > 0 {
		if _, err := s.pool.Exec(ctx, fmt.Sprintf("SET hnsw.ef_search = %d", s.cfg.hnswEFSearch)); err != nil {
			return fmt.Errorf("postgres: set ef_search: %w", err)
		}
	}

	return nil
}

// --- Vectors ---

// Upsert inserts or replaces vector records by id in a single transaction.
// Ids are deterministic per chunk, so pipeline re-runs overwrite rather
// than duplicate.
func (s *Store) Upsert(ctx context.Context, records []cairn.VectorRecord) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	for _, r := range records {
		embStr := serializeEmbedding(r.Values)
		_, err := tx.Exec(ctx,
			`INSERT INTO vectors (id, user_id, content_id, category, mime_type, created_at, version, embedding)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8::vector)
			 ON CONFLICT (id) DO UPDATE SET
			   user_id = EXCLUDED.user_id,
			   content_id = EXCLUDED.content_id,
			   category = EXCLUDED.category,
			   mime_type = EXCLUDED.mime_type,
			   created_at = EXCLUDED.created_at,
			   version = EXCLUDED.version,
			   embedding = EXCLUDED.embedding`,
			r.ID, r.Meta.UserID, r.Meta.ContentID, r.Meta.Category, r.Meta.MimeType, r.Meta.CreatedAt, r.Meta.Version, embStr)
		if err != nil {
			return fmt.Errorf("postgres: upsert vector %s: %w", r.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit tx: %w", err)
	}
	return nil
}

// Query returns the topK nearest vectors under filter using pgvector's
// cosine distance operator with the HNSW index.
func (s *Store) Query(ctx context.Context, vector []float32, filter cairn.Filter, topK int) ([]cairn.VectorMatch, error) {
	embStr := serializeEmbedding(vector)
	whereExtra, filterArgs := buildFilterSQL(filter, 3) // $1=embedding, $2=topK

	q := `SELECT id, user_id, content_id, category, mime_type, created_at, version,
	        1 - (embedding <=> $1::vector) AS score
	 FROM vectors
	 WHERE embedding IS NOT NULL` + whereExtra + `
	 ORDER BY embedding <=> $1::vector
	 LIMIT $2`

	allArgs := []any{embStr, topK}
	allArgs = append(allArgs, filterArgs...)

	rows, err := s.pool.Query(ctx, q, allArgs...)
	if err != nil {
		return nil, fmt.Errorf("postgres: query vectors: %w", err)
	}
	defer rows.Close()

	var matches []cairn.VectorMatch
	for rows.Next() {
		var m cairn.VectorMatch
		if err := rows.Scan(&m.ID, &m.Meta.UserID, &m.Meta.ContentID, &m.Meta.Category, &m.Meta.MimeType, &m.Meta.CreatedAt, &m.Meta.Version, &m.Score); err != nil {
			return nil, fmt.Errorf("postgres: scan vector: %w", err)
		}
		matches = append(matches, m)
	}
	return matches, rows.Err()
}

// buildFilterSQL translates a Filter into Postgres WHERE clauses.
// startParam is the next $N placeholder number. Filters arrive widened:
// the index folds UserID into UserIDs before the client sees them.
func buildFilterSQL(f cairn.Filter, startParam int) (string, []any) {
	var clauses []string
	var args []any
	p := startParam

	if len(f.UserIDs) > 0 {
		clauses = append(clauses, fmt.Sprintf("user_id = ANY($%d)", p))
		args = append(args, f.UserIDs)
		p++
	}
	if f.Category != "" {
		clauses = append(clauses, fmt.Sprintf("category = $%d", p))
		args = append(args, f.Category)
		p++
	}
	if f.MimeType != "" {
		clauses = append(clauses, fmt.Sprintf("mime_type = $%d", p))
		args = append(args, f.MimeType)
		p++
	}
	if f.CreatedAfter != 0 {
		clauses = append(clauses, fmt.Sprintf("created_at >= $%d", p))
		args = append(args, f.CreatedAfter)
		p++
	}
	if f.CreatedBefore != 0 {
		clauses = append(clauses, fmt.Sprintf("created_at <= $%d", p))
		args = append(args, f.CreatedBefore)
		p++
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " AND " + strings.Join(clauses, " AND "), args
}

// Stats reports the number of stored vectors and the embedding dimension.
// The dimension comes from config when set, otherwise from probing a row
// (0 while the index is empty).
func (s *Store) Stats(ctx context.Context) (cairn.IndexStats, error) {
	var count int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM vectors`).Scan(&count); err != nil {
		return cairn.IndexStats{}, fmt.Errorf("postgres: count vectors: %w", err)
	}
	dim := s.cfg.embeddingDimension
	if dim == 0 && count > 0 {
		err := s.pool.QueryRow(ctx, `SELECT vector_dims(embedding) FROM vectors WHERE embedding IS NOT NULL LIMIT 1`).Scan(&dim)
		if err != nil && err != pgx.ErrNoRows {
			return cairn.IndexStats{}, fmt.Errorf("postgres: probe dimension: %w", err)
		}
	}
	return cairn.IndexStats{VectorCount: count, Dimension: dim}, nil
}

// --- Checkpoints ---

// Save inserts or replaces the checkpoint for a run. State is stored as
// JSONB.
func (s *Store) Save(ctx context.Context, cp cairn.Checkpoint) error {
	if cp.RunID == "" {
		return &cairn.Error{Kind: cairn.KindValidation, Message: "checkpoint missing run id"}
	}
	stateJSON, err := json.Marshal(cp.State)
	if err != nil {
		return fmt.Errorf("postgres: marshal checkpoint state: %w", err)
	}
	updatedAt := cp.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO checkpoints (run_id, state, last_node, updated_at)
		 VALUES ($1, $2::jsonb, $3, $4)
		 ON CONFLICT (run_id) DO UPDATE SET
		   state = EXCLUDED.state,
		   last_node = EXCLUDED.last_node,
		   updated_at = EXCLUDED.updated_at`,
		cp.RunID, string(stateJSON), cp.LastNode, updatedAt)
	if err != nil {
		return fmt.Errorf("postgres: save checkpoint: %w", err)
	}
	return nil
}

// Load returns the checkpoint for a run, or a not-found error when none
// exists.
func (s *Store) Load(ctx context.Context, runID string) (cairn.Checkpoint, error) {
	cp := cairn.Checkpoint{RunID: runID}
	var stateJSON []byte
	err := s.pool.QueryRow(ctx,
		`SELECT state, last_node, updated_at FROM checkpoints WHERE run_id = $1`,
		runID).Scan(&stateJSON, &cp.LastNode, &cp.UpdatedAt)
	if err == pgx.ErrNoRows {
		return cairn.Checkpoint{}, &cairn.Error{Kind: cairn.KindNotFound, Message: fmt.Sprintf("no checkpoint for run %s", runID)}
	}
	if err != nil {
		return cairn.Checkpoint{}, fmt.Errorf("postgres: load checkpoint: %w", err)
	}
	if len(stateJSON) > 0 && string(stateJSON) != "null" {
		var state cairn.AgentState
		if err := json.Unmarshal(stateJSON, &state); err != nil {
			return cairn.Checkpoint{}, fmt.Errorf("postgres: unmarshal checkpoint state: %w", err)
		}
		cp.State = &state
	}
	return cp, nil
}

// Delete removes the checkpoint for a run. Deleting a missing run is not
// an error.
func (s *Store) Delete(ctx context.Context, runID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM checkpoints WHERE run_id = $1`, runID); err != nil {
		return fmt.Errorf("postgres: delete checkpoint: %w", err)
	}
	return nil
}

// --- Contents ---

// StoreContent inserts or replaces a content item. The import command and
// tests use it to seed bodies for the embedding pipeline.
func (s *Store) StoreContent(ctx context.Context, item cairn.ContentItem) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO contents (id, user_id, category, mime_type, title, body, created_at, version, deleted)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (id) DO UPDATE SET
		   user_id = EXCLUDED.user_id,
		   category = EXCLUDED.category,
		   mime_type = EXCLUDED.mime_type,
		   title = EXCLUDED.title,
		   body = EXCLUDED.body,
		   created_at = EXCLUDED.created_at,
		   version = EXCLUDED.version,
		   deleted = EXCLUDED.deleted`,
		item.ID, item.UserID, item.Category, item.MimeType, item.Title, item.Body, item.CreatedAt, item.Version, item.Deleted)
	if err != nil {
		return fmt.Errorf("postgres: store content: %w", err)
	}
	return nil
}

// Fetch returns the content item for id, or a not-found error.
func (s *Store) Fetch(ctx context.Context, id string) (cairn.ContentItem, error) {
	var item cairn.ContentItem
	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, category, mime_type, title, body, created_at, version, deleted
		 FROM contents WHERE id = $1`,
		id).Scan(&item.ID, &item.UserID, &item.Category, &item.MimeType, &item.Title, &item.Body, &item.CreatedAt, &item.Version, &item.Deleted)
	if err == pgx.ErrNoRows {
		return cairn.ContentItem{}, &cairn.Error{Kind: cairn.KindNotFound, Message: fmt.Sprintf("content %s not found", id)}
	}
	if err != nil {
		return cairn.ContentItem{}, fmt.Errorf("postgres: fetch content: %w", err)
	}
	return item, nil
}

// --- Helpers ---

// serializeEmbedding converts []float32 to a string like "[0.1,0.2,0.3]"
// suitable for pgvector's text input format.
func serializeEmbedding(embedding []float32) string {
	parts := make([]string, len(embedding))
	for i, v := range embedding {
		parts[i] = strconv.FormatFloat(float64(v), 'f', -1, 32)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

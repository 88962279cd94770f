// Package sqlite backs the vector index, run checkpoints, and the content
// store with pure-Go SQLite. Embeddings are stored as JSON text and vector
// search runs in-process using brute-force cosine similarity. Zero CGO
// required; Postgres is the production backend, this one serves dev runs
// and tests.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/go-cairn/cairn"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store. When set, the store
// emits debug logs for every operation including timing and row counts.
// If not set, no logs are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements cairn.VectorClient, cairn.CheckpointStore, and
// cairn.ContentStore backed by a local SQLite file.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ cairn.VectorClient = (*Store)(nil)
var _ cairn.CheckpointStore = (*Store)(nil)
var _ cairn.ContentStore = (*Store)(nil)

var nopLogger = slog.New(slog.DiscardHandler)

// New creates a Store using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so that
// all goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors caused by concurrent writers opening independent connections.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Init creates all required tables and indexes.
// Safe to call multiple times (all statements are idempotent).
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS vectors (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			content_id TEXT NOT NULL,
			category TEXT NOT NULL DEFAULT '',
			mime_type TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL DEFAULT 0,
			version INTEGER NOT NULL DEFAULT 0,
			embedding TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_vectors_user ON vectors(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_vectors_content ON vectors(content_id)`,

		`CREATE TABLE IF NOT EXISTS checkpoints (
			run_id TEXT PRIMARY KEY,
			state TEXT,
			last_node TEXT NOT NULL DEFAULT '',
			updated_at INTEGER NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS contents (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL DEFAULT '',
			category TEXT NOT NULL DEFAULT '',
			mime_type TEXT NOT NULL DEFAULT '',
			title TEXT NOT NULL DEFAULT '',
			body TEXT NOT NULL,
			created_at INTEGER NOT NULL DEFAULT 0,
			version INTEGER NOT NULL DEFAULT 1,
			deleted INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_contents_user ON contents(user_id)`,
	}

	for _, ddl := range stmts {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	s.logger.Info("sqlite: init completed", "duration", time.Since(start))
	return nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	s.logger.Debug("sqlite: closing store")
	err := s.db.Close()
	if err != nil {
		s.logger.Error("sqlite: close failed", "error", err)
	}
	return err
}

// --- Vectors ---

// Upsert inserts or replaces vector records by id in a single transaction.
func (s *Store) Upsert(ctx context.Context, records []cairn.VectorRecord) error {
	if len(records) == 0 {
		return nil
	}
	start := time.Now()
	s.logger.Debug("sqlite: upsert vectors", "count", len(records))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, r := range records {
		_, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO vectors (id, user_id, content_id, category, mime_type, created_at, version, embedding)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			r.ID, r.Meta.UserID, r.Meta.ContentID, r.Meta.Category, r.Meta.MimeType, r.Meta.CreatedAt, r.Meta.Version, serializeEmbedding(r.Values),
		)
		if err != nil {
			return fmt.Errorf("upsert vector %s: %w", r.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	s.logger.Debug("sqlite: upsert vectors ok", "count", len(records), "duration", time.Since(start))
	return nil
}

// Query narrows candidates with SQL WHERE clauses, then scores them
// in-process with brute-force cosine similarity.
func (s *Store) Query(ctx context.Context, vector []float32, filter cairn.Filter, topK int) ([]cairn.VectorMatch, error) {
	start := time.Now()
	s.logger.Debug("sqlite: query vectors", "top_k", topK, "embedding_dim", len(vector))

	whereExtra, filterArgs := buildFilterSQL(filter)
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, content_id, category, mime_type, created_at, version, embedding
		 FROM vectors WHERE embedding IS NOT NULL`+whereExtra,
		filterArgs...,
	)
	if err != nil {
		return nil, fmt.Errorf("query vectors: %w", err)
	}
	defer rows.Close()

	var results []cairn.VectorMatch
	scanned := 0
	for rows.Next() {
		var m cairn.VectorMatch
		var embJSON string
		if err := rows.Scan(&m.ID, &m.Meta.UserID, &m.Meta.ContentID, &m.Meta.Category, &m.Meta.MimeType, &m.Meta.CreatedAt, &m.Meta.Version, &embJSON); err != nil {
			return nil, fmt.Errorf("scan vector: %w", err)
		}
		scanned++
		stored, err := deserializeEmbedding(embJSON)
		if err != nil {
			continue
		}
		m.Score = cosineSimilarity(vector, stored)
		results = append(results, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate vectors: %w", err)
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if len(results) > topK {
		results = results[:topK]
	}
	s.logger.Debug("sqlite: query vectors ok", "scanned", scanned, "returned", len(results), "duration", time.Since(start))
	return results, nil
}

// buildFilterSQL translates a Filter into SQL WHERE clauses with ?
// placeholders. Filters arrive widened: the index folds UserID into
// UserIDs before the client sees them.
func buildFilterSQL(f cairn.Filter) (string, []any) {
	var clauses []string
	var args []any

	if len(f.UserIDs) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(f.UserIDs)), ",")
		clauses = append(clauses, "user_id IN ("+placeholders+")")
		for _, id := range f.UserIDs {
			args = append(args, id)
		}
	}
	if f.Category != "" {
		clauses = append(clauses, "category = ?")
		args = append(args, f.Category)
	}
	if f.MimeType != "" {
		clauses = append(clauses, "mime_type = ?")
		args = append(args, f.MimeType)
	}
	if f.CreatedAfter != 0 {
		clauses = append(clauses, "created_at >= ?")
		args = append(args, f.CreatedAfter)
	}
	if f.CreatedBefore != 0 {
		clauses = append(clauses, "created_at <= ?")
		args = append(args, f.CreatedBefore)
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " AND " + strings.Join(clauses, " AND "), args
}

// Stats reports the number of stored vectors and the embedding dimension,
// probed from a stored row (0 while the index is empty).
func (s *Store) Stats(ctx context.Context) (cairn.IndexStats, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM vectors`).Scan(&count); err != nil {
		return cairn.IndexStats{}, fmt.Errorf("count vectors: %w", err)
	}
	dim := 0
	if count > 0 {
		var embJSON string
		err := s.db.QueryRowContext(ctx, `SELECT embedding FROM vectors LIMIT 1`).Scan(&embJSON)
		if err != nil && err != sql.ErrNoRows {
			return cairn.IndexStats{}, fmt.Errorf("probe dimension: %w", err)
		}
		if err == nil {
			if v, derr := deserializeEmbedding(embJSON); derr == nil {
				dim = len(v)
			}
		}
	}
	return cairn.IndexStats{VectorCount: count, Dimension: dim}, nil
}

// --- Checkpoints ---

// Save inserts or replaces the checkpoint for a run. State is stored as
// JSON text, UpdatedAt as unix milliseconds.
func (s *Store) Save(ctx context.Context, cp cairn.Checkpoint) error {
	if cp.RunID == "" {
		return &cairn.Error{Kind: cairn.KindValidation, Message: "checkpoint missing run id"}
	}
	stateJSON, err := json.Marshal(cp.State)
	if err != nil {
		return fmt.Errorf("marshal checkpoint state: %w", err)
	}
	updatedAt := cp.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO checkpoints (run_id, state, last_node, updated_at)
		 VALUES (?, ?, ?, ?)`,
		cp.RunID, string(stateJSON), cp.LastNode, updatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// Load returns the checkpoint for a run, or a not-found error when none
// exists.
func (s *Store) Load(ctx context.Context, runID string) (cairn.Checkpoint, error) {
	cp := cairn.Checkpoint{RunID: runID}
	var stateJSON sql.NullString
	var updatedAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT state, last_node, updated_at FROM checkpoints WHERE run_id = ?`,
		runID).Scan(&stateJSON, &cp.LastNode, &updatedAt)
	if err == sql.ErrNoRows {
		return cairn.Checkpoint{}, &cairn.Error{Kind: cairn.KindNotFound, Message: fmt.Sprintf("no checkpoint for run %s", runID)}
	}
	if err != nil {
		return cairn.Checkpoint{}, fmt.Errorf("load checkpoint: %w", err)
	}
	cp.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	if stateJSON.Valid && stateJSON.String != "null" {
		var state cairn.AgentState
		if err := json.Unmarshal([]byte(stateJSON.String), &state); err != nil {
			return cairn.Checkpoint{}, fmt.Errorf("unmarshal checkpoint state: %w", err)
		}
		cp.State = &state
	}
	return cp, nil
}

// Delete removes the checkpoint for a run. Deleting a missing run is not
// an error.
func (s *Store) Delete(ctx context.Context, runID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE run_id = ?`, runID); err != nil {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	return nil
}

// --- Contents ---

// StoreContent inserts or replaces a content item. The import command and
// tests use it to seed bodies for the embedding pipeline.
func (s *Store) StoreContent(ctx context.Context, item cairn.ContentItem) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO contents (id, user_id, category, mime_type, title, body, created_at, version, deleted)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.UserID, item.Category, item.MimeType, item.Title, item.Body, item.CreatedAt, item.Version, item.Deleted,
	)
	if err != nil {
		return fmt.Errorf("store content: %w", err)
	}
	return nil
}

// Fetch returns the content item for id, or a not-found error.
func (s *Store) Fetch(ctx context.Context, id string) (cairn.ContentItem, error) {
	var item cairn.ContentItem
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, category, mime_type, title, body, created_at, version, deleted
		 FROM contents WHERE id = ?`,
		id).Scan(&item.ID, &item.UserID, &item.Category, &item.MimeType, &item.Title, &item.Body, &item.CreatedAt, &item.Version, &item.Deleted)
	if err == sql.ErrNoRows {
		return cairn.ContentItem{}, &cairn.Error{Kind: cairn.KindNotFound, Message: fmt.Sprintf("content %s not found", id)}
	}
	if err != nil {
		return cairn.ContentItem{}, fmt.Errorf("fetch content: %w", err)
	}
	return item, nil
}

// --- Vector math ---

// cosineSimilarity computes the cosine similarity between two vectors.
func cosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	denom := math.Sqrt(normA) * math.Sqrt(normB)
	if denom == 0 {
		return 0
	}
	return float32(dot / denom)
}

// serializeEmbedding converts []float32 to a JSON array string.
func serializeEmbedding(embedding []float32) string {
	data, _ := json.Marshal(embedding)
	return string(data)
}

// deserializeEmbedding parses a JSON array string back to []float32.
func deserializeEmbedding(s string) ([]float32, error) {
	var v []float32
	err := json.Unmarshal([]byte(s), &v)
	return v, err
}

package cairn

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Checkpoint is a durable snapshot of a run taken after a node completes.
// LastNode names the node whose output State holds, so a resumed run
// re-enters the graph at that node's successor.
type Checkpoint struct {
	RunID     string      `json:"runId"`
	State     *AgentState `json:"state"`
	LastNode  string      `json:"lastNode"`
	UpdatedAt time.Time   `json:"updatedAt"`
}

// CheckpointStore persists run checkpoints. Load returns a not-found error
// when no checkpoint exists for the run.
type CheckpointStore interface {
	Save(ctx context.Context, cp Checkpoint) error
	Load(ctx context.Context, runID string) (Checkpoint, error)
	Delete(ctx context.Context, runID string) error
}

// MemoryCheckpointStore keeps checkpoints in process memory. It is meant
// for tests and single-process deployments; production runs use the
// Postgres-backed store.
type MemoryCheckpointStore struct {
	mu   sync.RWMutex
	runs map[string]Checkpoint
}

// NewMemoryCheckpointStore returns an empty in-memory store.
func NewMemoryCheckpointStore() *MemoryCheckpointStore {
	return &MemoryCheckpointStore{runs: make(map[string]Checkpoint)}
}

var _ CheckpointStore = (*MemoryCheckpointStore)(nil)

func (s *MemoryCheckpointStore) Save(_ context.Context, cp Checkpoint) error {
	if cp.RunID == "" {
		return &Error{Kind: KindValidation, Message: "checkpoint missing run id"}
	}
	stored := cp
	stored.State = cp.State.Clone()
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	s.runs[cp.RunID] = stored
	s.mu.Unlock()
	return nil
}

func (s *MemoryCheckpointStore) Load(_ context.Context, runID string) (Checkpoint, error) {
	s.mu.RLock()
	cp, ok := s.runs[runID]
	s.mu.RUnlock()
	if !ok {
		return Checkpoint{}, &Error{Kind: KindNotFound, Message: fmt.Sprintf("no checkpoint for run %s", runID)}
	}
	cp.State = cp.State.Clone()
	return cp, nil
}

func (s *MemoryCheckpointStore) Delete(_ context.Context, runID string) error {
	s.mu.Lock()
	delete(s.runs, runID)
	s.mu.Unlock()
	return nil
}

package orchestrate

import (
	"context"
	"fmt"

	"github.com/puzpuzpuz/xsync/v3"
)

// ExecutionStore persists execution snapshots. The orchestrator writes a
// snapshot before and after every state transition so that a crash leaves a
// resumable record.
type ExecutionStore interface {
	// Save stores the snapshot under its execution id, replacing any previous
	// version.
	Save(ctx context.Context, snap ExecutionSnapshot) error

	// Load returns the snapshot for the given execution id, or
	// ErrExecutionNotFound.
	Load(ctx context.Context, id string) (ExecutionSnapshot, error)

	// Delete removes the snapshot. Deleting an unknown id is not an error.
	Delete(ctx context.Context, id string) error

	// IDs lists the ids of all stored snapshots.
	IDs(ctx context.Context) ([]string, error)
}

// MemoryExecutionStore is an in-memory ExecutionStore suitable for tests and
// short-lived sagas that do not need durability.
type MemoryExecutionStore struct {
	snaps *xsync.MapOf[string, ExecutionSnapshot]
}

// NewMemoryExecutionStore constructs an empty store.
func NewMemoryExecutionStore() *MemoryExecutionStore {
	return &MemoryExecutionStore{snaps: xsync.NewMapOf[string, ExecutionSnapshot]()}
}

// Save implements ExecutionStore.
func (s *MemoryExecutionStore) Save(_ context.Context, snap ExecutionSnapshot) error {
	if snap.ID == "" {
		return Validation(fmt.Errorf("snapshot without execution id"))
	}
	s.snaps.Store(snap.ID, snap)
	return nil
}

// Load implements ExecutionStore.
func (s *MemoryExecutionStore) Load(_ context.Context, id string) (ExecutionSnapshot, error) {
	snap, ok := s.snaps.Load(id)
	if !ok {
		return ExecutionSnapshot{}, fmt.Errorf("%w: %q", ErrExecutionNotFound, id)
	}
	return snap, nil
}

// Delete implements ExecutionStore.
func (s *MemoryExecutionStore) Delete(_ context.Context, id string) error {
	s.snaps.Delete(id)
	return nil
}

// IDs implements ExecutionStore.
func (s *MemoryExecutionStore) IDs(_ context.Context) ([]string, error) {
	ids := make([]string, 0, s.snaps.Size())
	s.snaps.Range(func(id string, _ ExecutionSnapshot) bool {
		ids = append(ids, id)
		return true
	})
	return ids, nil
}

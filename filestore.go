package orchestrate

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// FileExecutionStore persists execution snapshots as JSON files on disk, one
// file per execution.
type FileExecutionStore struct {
	basePath string
	mu       sync.Mutex // Protects file operations
}

// NewFileExecutionStore creates a store rooted at the given directory,
// creating it if needed.
func NewFileExecutionStore(basePath string) (*FileExecutionStore, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	return &FileExecutionStore{basePath: basePath}, nil
}

// Save implements ExecutionStore.
func (f *FileExecutionStore) Save(_ context.Context, snap ExecutionSnapshot) error {
	if snap.ID == "" {
		return Validation(fmt.Errorf("snapshot without execution id"))
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	// Write through a temp file so a crash mid-write cannot leave a truncated
	// snapshot behind.
	filename := f.filename(snap.ID)
	tmp := filename + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write snapshot file: %w", err)
	}
	if err := os.Rename(tmp, filename); err != nil {
		return fmt.Errorf("failed to replace snapshot file: %w", err)
	}
	return nil
}

// Load implements ExecutionStore.
func (f *FileExecutionStore) Load(_ context.Context, id string) (ExecutionSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.filename(id))
	if err != nil {
		if os.IsNotExist(err) {
			return ExecutionSnapshot{}, fmt.Errorf("%w: %q", ErrExecutionNotFound, id)
		}
		return ExecutionSnapshot{}, fmt.Errorf("failed to read snapshot file: %w", err)
	}

	var snap ExecutionSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return ExecutionSnapshot{}, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return snap, nil
}

// Delete implements ExecutionStore.
func (f *FileExecutionStore) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.Remove(f.filename(id)); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to delete snapshot file: %w", err)
	}
	return nil
}

// IDs implements ExecutionStore.
func (f *FileExecutionStore) IDs(_ context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	entries, err := os.ReadDir(f.basePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read store directory: %w", err)
	}
	var ids []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	return ids, nil
}

// filename returns the full path for an execution's snapshot file.
func (f *FileExecutionStore) filename(id string) string {
	return filepath.Join(f.basePath, id+".json")
}

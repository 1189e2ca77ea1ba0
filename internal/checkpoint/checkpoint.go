// Package checkpoint persists job states so the engine can resume in-flight
// jobs after a restart.
package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/specialistvlad/seqflow/internal/job"
)

// Store saves and reloads job states keyed by operation id.
type Store interface {
	Load(ctx context.Context) ([]*job.State, error)
	Save(ctx context.Context, states ...*job.State) error
}

// FileStore keeps every state in one JSON file, rewritten through a
// temporary file and a rename on each save. States are encoded when saved,
// so callers may keep mutating them afterwards.
type FileStore struct {
	path string

	mu     sync.Mutex
	states map[string]json.RawMessage
}

var _ Store = (*FileStore)(nil)

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Load returns all states in the file. A missing file is an empty store.
func (f *FileStore) Load(ctx context.Context) ([]*job.State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.read(); err != nil {
		return nil, err
	}
	states := make(map[string]*job.State, len(f.states))
	for opID, raw := range f.states {
		var s job.State
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("checkpoint: decode %s: %w", opID, err)
		}
		states[opID] = &s
	}
	return sorted(states), nil
}

// Save upserts states and rewrites the file.
func (f *FileStore) Save(ctx context.Context, states ...*job.State) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.states == nil {
		if err := f.read(); err != nil {
			return err
		}
	}
	for _, s := range states {
		if s.OpID == "" {
			return fmt.Errorf("checkpoint: state without operation id")
		}
		b, err := json.Marshal(s)
		if err != nil {
			return fmt.Errorf("checkpoint: encode %s: %w", s.OpID, err)
		}
		f.states[s.OpID] = b
	}
	return f.write()
}

func (f *FileStore) read() error {
	f.states = make(map[string]json.RawMessage)
	b, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("checkpoint: read %s: %w", f.path, err)
	}
	if len(b) == 0 {
		return nil
	}
	if err := json.Unmarshal(b, &f.states); err != nil {
		return fmt.Errorf("checkpoint: decode %s: %w", f.path, err)
	}
	return nil
}

func (f *FileStore) write() error {
	b, err := json.MarshalIndent(f.states, "", "  ")
	if err != nil {
		return fmt.Errorf("checkpoint: encode: %w", err)
	}
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(f.path)+".*")
	if err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return fmt.Errorf("checkpoint: write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("checkpoint: sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("checkpoint: rename: %w", err)
	}
	return nil
}

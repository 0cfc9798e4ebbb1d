// Package checkpoint persists per-task checkpoint blobs so a worker's
// progress survives a foreman restart (spec.md §4.7's task_checkpoint
// handler). Grounded on the teacher's snapshot manager: the same atomic
// temp-file-then-rename write discipline, generalized from one whole-system
// snapshot file into one small file per task.
package checkpoint

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/crowdcompute/foreman/pkg/types"
)

// ErrNotFound is returned by Load when a task has no saved checkpoint.
var ErrNotFound = errors.New("checkpoint: not found")

// Store manages one checkpoint file per task under a directory root.
type Store struct {
	dir string
	mu  sync.Mutex // serializes writes across all tasks; good enough at checkpoint_interval cadence
}

// NewStore creates a checkpoint store rooted at dir, creating it if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("checkpoint: create dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) path(taskID types.TaskID) string {
	return filepath.Join(s.dir, string(taskID)+".ckpt")
}

// Save atomically writes a task's checkpoint blob, replacing any prior one.
//
// Atomic write: write to a temp file, then os.Rename into place. Rename is
// atomic on POSIX filesystems, so a crash mid-write leaves either the old
// checkpoint or nothing, never a truncated one.
func (s *Store) Save(taskID types.TaskID, blob []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.path(taskID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o644); err != nil {
		return fmt.Errorf("checkpoint: write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("checkpoint: rename: %w", err)
	}
	return nil
}

// Load reads a task's most recent checkpoint blob.
func (s *Store) Load(taskID types.TaskID) ([]byte, error) {
	blob, err := os.ReadFile(s.path(taskID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("checkpoint: read: %w", err)
	}
	return blob, nil
}

// Exists reports whether a task has a saved checkpoint.
func (s *Store) Exists(taskID types.TaskID) bool {
	_, err := os.Stat(s.path(taskID))
	return err == nil
}

// Evict removes a task's checkpoint file, called once that task's result
// arrives and the checkpoint is no longer useful for recovery.
func (s *Store) Evict(taskID types.TaskID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path(taskID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("checkpoint: evict: %w", err)
	}
	return nil
}

package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/coderelay/coderelay/pkg/log"
)

// tempSuffix marks the sibling file used for atomic replacement.
const tempSuffix = ".tmp"

// Store persists the State aggregate as a single JSON document, replaced
// atomically via a sibling temp file and rename.
type Store struct {
	path string
}

// NewStore creates a store for the given state file path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the state file location.
func (s *Store) Path() string {
	return s.path
}

// Load reads the state document. A missing file yields an empty aggregate.
// A stale temp file left by a crashed Save is removed.
func (s *Store) Load() (*State, error) {
	// A temp file here means a previous Save died mid-write. The main file
	// is still the last consistent snapshot.
	tmp := s.path + tempSuffix
	if _, err := os.Stat(tmp); err == nil {
		log.Warn("removing stale state temp file", "path", tmp)
		if err := os.Remove(tmp); err != nil {
			return nil, fmt.Errorf("failed to remove stale temp file %q: %w", tmp, err)
		}
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewState(), nil
		}
		return nil, fmt.Errorf("failed to read state file %q: %w", s.path, err)
	}

	st := NewState()
	if err := json.Unmarshal(data, st); err != nil {
		return nil, fmt.Errorf("failed to parse state file %q: %w", s.path, err)
	}
	if st.Tasks == nil {
		st.Tasks = make(map[string]*Task)
	}
	if st.PendingWebhooks == nil {
		st.PendingWebhooks = []PendingWebhook{}
	}
	return st, nil
}

// Save writes the full aggregate to a sibling temp file and renames it over
// the target. Readers never observe a truncated document.
func (s *Store) Save(st *State) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create state dir %q: %w", dir, err)
	}

	tmp := s.path + tempSuffix
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write state temp file %q: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace state file %q: %w", s.path, err)
	}
	return nil
}

// DetectOrphanWorktrees walks baseDir and returns subdirectories whose name
// is not a known taskId. These are candidates for deletion during recovery.
func DetectOrphanWorktrees(baseDir string, st *State) ([]string, error) {
	entries, err := os.ReadDir(baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read worktree base %q: %w", baseDir, err)
	}

	var orphans []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if _, ok := st.Tasks[entry.Name()]; ok {
			continue
		}
		orphans = append(orphans, filepath.Join(baseDir, entry.Name()))
	}
	return orphans, nil
}

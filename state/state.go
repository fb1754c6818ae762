package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// TimeFormat is the timestamp layout stored for each processed message.
const TimeFormat = "2006-01-02 15:04:05"

const registryFile = "processed_messages.json"

// Registry persists the set of already-processed Message-IDs so future
// runs can skip them. The file is a single JSON object mapping Message-ID
// to the local timestamp of the run that processed it.
type Registry struct {
	path      string
	mu        sync.RWMutex
	processed map[string]string
}

// Open loads the registry from stateDir, creating the directory if
// needed. A missing or corrupt registry file is treated as empty and
// recreated.
func Open(stateDir string) (*Registry, error) {
	if strings.TrimSpace(stateDir) == "" {
		return nil, fmt.Errorf("state directory is empty")
	}

	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	r := &Registry{
		path:      filepath.Join(stateDir, registryFile),
		processed: make(map[string]string),
	}

	data, err := os.ReadFile(r.path)
	if err != nil {
		if err := r.Save(); err != nil {
			return nil, err
		}
		return r, nil
	}

	if err := json.Unmarshal(data, &r.processed); err != nil {
		// Corrupt registry: start over rather than blocking every run.
		r.processed = make(map[string]string)
		if err := r.Save(); err != nil {
			return nil, err
		}
	}

	return r, nil
}

// Contains reports whether the Message-ID has already been processed.
func (r *Registry) Contains(id string) bool {
	if id == "" {
		return false
	}

	r.mu.RLock()
	_, ok := r.processed[id]
	r.mu.RUnlock()
	return ok
}

// Mark records the Message-ID with the processing timestamp. Marking the
// same ID again replaces the timestamp with the later one.
func (r *Registry) Mark(id string, at time.Time) {
	if id == "" {
		return
	}

	r.mu.Lock()
	r.processed[id] = at.Format(TimeFormat)
	r.mu.Unlock()
}

// Snapshot returns a copy of the registry contents. Filtering consults
// the snapshot so mid-run marks cannot change filter decisions.
func (r *Registry) Snapshot() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snapshot := make(map[string]string, len(r.processed))
	for id, at := range r.processed {
		snapshot[id] = at
	}
	return snapshot
}

// Len returns the number of recorded Message-IDs.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.processed)
}

// Save writes the registry atomically: the content goes to a temp file in
// the same directory, then replaces the registry file via rename.
func (r *Registry) Save() error {
	r.mu.RLock()
	data, err := json.MarshalIndent(r.processed, "", "  ")
	r.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("encode registry: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(r.path), registryFile+".*")
	if err != nil {
		return fmt.Errorf("create registry temp file: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write registry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("close registry temp file: %w", err)
	}

	if err := os.Rename(tmp.Name(), r.path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("replace registry file: %w", err)
	}

	return nil
}

package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// ErrUnknownWorker is returned when an id is not in the registry.
var ErrUnknownWorker = errors.New("unknown worker id")

// BackupUploader ships a registry snapshot somewhere durable after each
// successful persist. Optional.
type BackupUploader interface {
	Upload(ctx context.Context, data []byte) error
}

// Store is the orchestrator-owned registry of known workers. All mutation
// funnels through the orchestrator's event loop; the mutex only guards
// against concurrent readers (metrics, status).
//
// Persistence is last-writer-wins against external edits to the file: a pass
// reads the in-memory table, computes next state, and rewrites the whole
// file atomically.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	path    string
	backup  BackupUploader
}

// NewStore creates an empty registry store persisting to path.
func NewStore(path string) *Store {
	return &Store{
		entries: make(map[string]*Entry),
		path:    path,
	}
}

// SetBackup installs an optional post-persist backup uploader.
func (s *Store) SetBackup(b BackupUploader) {
	s.backup = b
}

// Load reads the persisted registry file. A missing file is not an error;
// the store starts empty.
func (s *Store) Load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read registry file: %w", err)
	}

	var persisted map[string]*Entry
	if err := json.Unmarshal(data, &persisted); err != nil {
		return fmt.Errorf("failed to parse registry file: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]*Entry, len(persisted))
	for id, e := range persisted {
		e.ID = id
		s.entries[id] = e
	}
	return nil
}

// Persist rewrites the registry file atomically (write temp, then rename) so
// a crash mid-write never leaves truncated state. If a backup uploader is
// installed, the snapshot is shipped after the rename; upload failure does
// not fail the persist.
func (s *Store) Persist(ctx context.Context) error {
	s.mu.RLock()
	data, err := json.MarshalIndent(s.entries, "", "  ")
	s.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("failed to marshal registry: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("failed to create registry dir: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write registry: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to commit registry: %w", err)
	}

	if s.backup != nil {
		if err := s.backup.Upload(ctx, data); err != nil {
			return fmt.Errorf("registry persisted but backup upload failed: %w", err)
		}
	}
	return nil
}

// Get returns the entry for id.
func (s *Store) Get(id string) (*Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	return e, ok
}

// Put inserts or replaces an entry.
func (s *Store) Put(e *Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[e.ID] = e
}

// All returns every entry, ordered by id for deterministic iteration.
func (s *Store) All() []*Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of known entries, retired included.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// TouchSeen updates lastSeen for a successful handshake. It is the only
// mutation authentication is allowed to make.
func (s *Store) TouchSeen(id string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return ErrUnknownWorker
	}
	e.LastSeen = now
	return nil
}

// ApplySnapshot records a heartbeat against the matching entry.
func (s *Store) ApplySnapshot(snap *Snapshot, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[snap.WorkerID]
	if !ok {
		return ErrUnknownWorker
	}
	e.ApplySnapshot(snap, now)
	return nil
}

// Package checkpoint persists orchestrator snapshots as append-only
// versioned JSON files. Writes go to a temp file first and are renamed
// into place, so a crash mid-write never corrupts the latest good
// checkpoint. A directory lock keeps two orchestrators off one session.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gofrs/flock"

	"github.com/eren23/attoswarm/internal/models"
)

const filePrefix = "checkpoint-"

// Store reads and writes checkpoints under baseDir/<session-id>/.
type Store struct {
	baseDir string
	locks   map[string]*flock.Flock
}

// NewStore creates a store rooted at baseDir. The directory is created on
// first save.
func NewStore(baseDir string) *Store {
	return &Store{baseDir: baseDir, locks: make(map[string]*flock.Flock)}
}

func (s *Store) sessionDir(sessionID string) string {
	return filepath.Join(s.baseDir, sessionID)
}

// Lock acquires the session's directory lock. Returns an error when
// another process already holds it.
func (s *Store) Lock(sessionID string) error {
	dir := s.sessionDir(sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	fl := flock.New(filepath.Join(dir, ".lock"))
	locked, err := fl.TryLock()
	if err != nil {
		return fmt.Errorf("lock session %s: %w", sessionID, err)
	}
	if !locked {
		return fmt.Errorf("session %s is locked by another process", sessionID)
	}
	s.locks[sessionID] = fl
	return nil
}

// Unlock releases the session lock if held.
func (s *Store) Unlock(sessionID string) {
	if fl, ok := s.locks[sessionID]; ok {
		_ = fl.Unlock()
		delete(s.locks, sessionID)
	}
}

// Save writes the checkpoint as the next version for its session. The
// checkpoint is marshaled as given; callers stamp SavedAt.
func (s *Store) Save(cp *models.Checkpoint) error {
	if cp == nil || cp.SessionID == "" {
		return fmt.Errorf("checkpoint requires a session id")
	}
	dir := s.sessionDir(cp.SessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	next := s.nextVersion(dir)
	final := filepath.Join(dir, fmt.Sprintf("%s%06d.json", filePrefix, next))

	tmp, err := os.CreateTemp(dir, filePrefix+"*.tmp")
	if err != nil {
		return fmt.Errorf("create temp checkpoint: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close checkpoint: %w", err)
	}
	if err := os.Rename(tmpName, final); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("finalize checkpoint: %w", err)
	}
	return nil
}

// LoadLatest returns the newest readable checkpoint for a session, or nil
// when none exists. Corrupt files are skipped, falling back to the newest
// earlier version, and never raise.
func (s *Store) LoadLatest(sessionID string) *models.Checkpoint {
	dir := s.sessionDir(sessionID)
	versions := s.versions(dir)

	for i := len(versions) - 1; i >= 0; i-- {
		data, err := os.ReadFile(filepath.Join(dir, versions[i]))
		if err != nil {
			continue
		}
		var cp models.Checkpoint
		if err := json.Unmarshal(data, &cp); err != nil {
			continue
		}
		if cp.SessionID != sessionID {
			continue
		}
		return &cp
	}
	return nil
}

// versions lists checkpoint files in ascending version order.
func (s *Store) versions(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var names []string
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, filePrefix) && strings.HasSuffix(name, ".json") {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func (s *Store) nextVersion(dir string) int {
	versions := s.versions(dir)
	if len(versions) == 0 {
		return 1
	}
	last := versions[len(versions)-1]
	numPart := strings.TrimSuffix(strings.TrimPrefix(last, filePrefix), ".json")
	n := 0
	fmt.Sscanf(numPart, "%d", &n)
	return n + 1
}

package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/MikeSquared-Agency/vex/internal/triage"
)

const snapshotExt = ".mp"

// FileStore keeps one msgpack file per session under a directory.
type FileStore struct {
	mu  sync.RWMutex
	dir string
}

func NewFileStore(dir string) (*FileStore, error) {
	dir = ExpandHome(dir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) Dir() string { return s.dir }

func (s *FileStore) pathFor(id uuid.UUID) string {
	return filepath.Join(s.dir, id.String()+snapshotExt)
}

// Save writes the snapshot to a temp file and renames it into place.
func (s *FileStore) Save(_ context.Context, snap triage.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.CreateTemp(s.dir, "tmp-*")
	if err != nil {
		return fmt.Errorf("save session %s: %w", snap.ID, err)
	}
	defer os.Remove(f.Name())

	if err := msgpack.NewEncoder(f).Encode(&snap); err != nil {
		f.Close()
		return fmt.Errorf("encode session %s: %w", snap.ID, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("save session %s: %w", snap.ID, err)
	}
	if err := os.Rename(f.Name(), s.pathFor(snap.ID)); err != nil {
		return fmt.Errorf("save session %s: %w", snap.ID, err)
	}
	return nil
}

func (s *FileStore) Load(_ context.Context, id uuid.UUID) (triage.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read(s.pathFor(id))
}

func (s *FileStore) read(path string) (triage.Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return triage.Snapshot{}, ErrNotFound
		}
		return triage.Snapshot{}, fmt.Errorf("open session: %w", err)
	}
	defer f.Close()

	var snap triage.Snapshot
	if err := msgpack.NewDecoder(f).Decode(&snap); err != nil {
		return triage.Snapshot{}, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return snap, nil
}

// List returns stored sessions, most recently updated first. Unreadable
// files are skipped.
func (s *FileStore) List(_ context.Context) ([]Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	var sums []Summary
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, snapshotExt) {
			continue
		}
		if _, err := uuid.Parse(strings.TrimSuffix(name, snapshotExt)); err != nil {
			continue
		}
		snap, err := s.read(filepath.Join(s.dir, name))
		if err != nil {
			continue
		}
		sums = append(sums, summarize(snap))
	}
	sortSummaries(sums)
	return sums, nil
}

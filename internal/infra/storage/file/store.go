// Package file implements the snapshot store on flat JSON files with an
// atomic backup/tmp/validate/rename write path.
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/chainpulse/indexer/internal/core/domain"
	"github.com/chainpulse/indexer/internal/infra/storage"
)

// Store persists one JSON file per key under a base directory.
type Store struct {
	dir string

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	// encode is swappable so tests can exercise the validation path.
	encode func(*domain.SessionSnapshot) ([]byte, error)
}

// NewStore creates the base directory if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}
	return &Store{
		dir:   dir,
		locks: make(map[string]*sync.Mutex),
		encode: func(snap *domain.SessionSnapshot) ([]byte, error) {
			return json.MarshalIndent(snap, "", "  ")
		},
	}, nil
}

// Get reads and parses the snapshot file for a key.
func (s *Store) Get(ctx context.Context, key string) (*domain.SessionSnapshot, error) {
	data, err := os.ReadFile(s.path(key))
	if os.IsNotExist(err) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot %s: %w", key, err)
	}

	var snap domain.SessionSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("parse snapshot %s: %w", key, err)
	}
	return &snap, nil
}

// Set writes the snapshot atomically: back up the current file, write to a
// temp file, re-read and parse the temp file to validate well-formedness,
// then rename it over the real path. Any failure restores the backup and
// surfaces the error. Writers to the same key are serialized.
func (s *Store) Set(ctx context.Context, key string, snap *domain.SessionSnapshot) error {
	lock := s.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	path := s.path(key)
	backupPath := path + ".backup"
	tmpPath := path + ".tmp"

	hasBackup := false
	if _, err := os.Stat(path); err == nil {
		if err := copyFile(path, backupPath); err != nil {
			return fmt.Errorf("back up snapshot %s: %w", key, err)
		}
		hasBackup = true
	}

	if err := s.writeAndValidate(tmpPath, snap); err != nil {
		s.restore(backupPath, path, hasBackup)
		return fmt.Errorf("write snapshot %s: %w", key, err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		s.restore(backupPath, path, hasBackup)
		return fmt.Errorf("commit snapshot %s: %w", key, err)
	}

	return nil
}

// Close is a no-op for the file store.
func (s *Store) Close() error {
	return nil
}

func (s *Store) writeAndValidate(tmpPath string, snap *domain.SessionSnapshot) error {
	data, err := s.encode(snap)
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("write tmp: %w", err)
	}

	// Re-read and parse what actually landed on disk.
	onDisk, err := os.ReadFile(tmpPath)
	if err != nil {
		return fmt.Errorf("re-read tmp: %w", err)
	}
	var check domain.SessionSnapshot
	if err := json.Unmarshal(onDisk, &check); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("validate tmp: %w", err)
	}
	return nil
}

func (s *Store) restore(backupPath, path string, hasBackup bool) {
	if hasBackup {
		_ = copyFile(backupPath, path)
	}
}

func (s *Store) keyLock(key string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, ok := s.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[key] = lock
	}
	return lock
}

func (s *Store) path(key string) string {
	// Keys are user IDs; keep the filename safe regardless.
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '.':
			return r
		default:
			return '_'
		}
	}, key)
	return filepath.Join(s.dir, safe+".json")
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}

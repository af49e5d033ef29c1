// Package file persists session snapshots as files in a directory, one file
// per storage key. Writes go through a temp file and rename so a crash never
// leaves a half-written snapshot.
package file

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/alem-hub/study-companion/internal/domain/shared"
)

const (
	dirPerm  = 0o700
	filePerm = 0o600
)

// Storage stores snapshots under Dir.
type Storage struct {
	dir    string
	logger *slog.Logger

	mu sync.Mutex
}

// NewStorage creates the directory if needed.
func NewStorage(dir string, logger *slog.Logger) (*Storage, error) {
	if dir == "" {
		return nil, shared.NewDomainError("file", "Open", shared.ErrInvalidInput, "storage directory is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, fmt.Errorf("create storage dir %s: %w", dir, err)
	}
	return &Storage{dir: dir, logger: logger.With("component", "file-storage")}, nil
}

// path maps a namespaced key like "study-companion/auth" to a flat file name.
func (s *Storage) path(key string) string {
	name := strings.NewReplacer("/", "__", "\\", "__", ":", "_").Replace(key)
	return filepath.Join(s.dir, name+".json")
}

// Load reads the snapshot for key.
func (s *Storage) Load(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, shared.NewNotFoundError("file", "Load", "no snapshot under "+key)
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	return data, nil
}

// Save atomically replaces the snapshot for key.
func (s *Storage) Save(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	target := s.path(key)
	tmp, err := os.CreateTemp(s.dir, ".snapshot-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if tmpName != "" {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Chmod(filePerm); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close snapshot: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		return fmt.Errorf("replace snapshot: %w", err)
	}
	tmpName = ""

	s.logger.Debug("snapshot written", "key", key, "bytes", len(data))
	return nil
}

// Delete removes the snapshot. Missing files are not an error.
func (s *Storage) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove snapshot: %w", err)
	}
	return nil
}

// Ping checks that the directory is still there.
func (s *Storage) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := os.Stat(s.dir); err != nil {
		return shared.NewNetworkError("file", "Ping", "storage directory unavailable", err, false)
	}
	return nil
}

func (s *Storage) Close() error { return nil }

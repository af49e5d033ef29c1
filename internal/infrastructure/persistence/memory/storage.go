// Package memory implements an in-process session storage. Nothing survives
// a restart; it backs tests and the "memory" storage driver.
package memory

import (
	"context"
	"sync"

	"github.com/alem-hub/study-companion/internal/domain/shared"
)

// Storage keeps snapshots in a map.
type Storage struct {
	mu    sync.RWMutex
	items map[string][]byte

	saves int
}

// NewStorage creates an empty Storage.
func NewStorage() *Storage {
	return &Storage{items: make(map[string][]byte)}
}

// Load returns a copy of the stored bytes or a not-found error.
func (s *Storage) Load(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, ok := s.items[key]
	if !ok {
		return nil, shared.NewNotFoundError("memory", "Load", "no snapshot under "+key)
	}
	return append([]byte(nil), data...), nil
}

// Save stores a copy of data.
func (s *Storage) Save(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[key] = append([]byte(nil), data...)
	s.saves++
	return nil
}

// Delete removes key. Missing keys are not an error.
func (s *Storage) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, key)
	return nil
}

// Saves reports how many writes happened.
func (s *Storage) Saves() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.saves
}

func (s *Storage) Ping(ctx context.Context) error { return ctx.Err() }
func (s *Storage) Close() error                   { return nil }

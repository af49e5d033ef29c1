// Package sealed encrypts session snapshots before they reach another
// storage backend. Tokens at rest are sealed with NaCl secretbox using a key
// derived from a configured secret with HKDF-SHA256.
package sealed

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/secretbox"

	"github.com/alem-hub/study-companion/internal/domain/shared"
)

const (
	formatVersion byte = 1
	nonceSize          = 24
	minSecretLen       = 16
	hkdfInfo           = "study-companion/session-seal/v1"
)

// Backend is the storage being wrapped.
type Backend interface {
	Load(ctx context.Context, key string) ([]byte, error)
	Save(ctx context.Context, key string, data []byte) error
	Delete(ctx context.Context, key string) error
}

// Storage seals on Save and opens on Load.
type Storage struct {
	inner Backend
	key   [32]byte
}

// New derives the sealing key from secret.
func New(inner Backend, secret string) (*Storage, error) {
	if len(secret) < minSecretLen {
		return nil, shared.NewDomainError("sealed", "New", shared.ErrInvalidInput,
			fmt.Sprintf("encryption secret must be at least %d bytes", minSecretLen))
	}
	s := &Storage{inner: inner}
	r := hkdf.New(sha256.New, []byte(secret), nil, []byte(hkdfInfo))
	if _, err := io.ReadFull(r, s.key[:]); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return s, nil
}

// Load opens the sealed snapshot. A snapshot that fails authentication is
// reported as invalid state so the session store discards it.
func (s *Storage) Load(ctx context.Context, key string) ([]byte, error) {
	sealed, err := s.inner.Load(ctx, key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < 1+nonceSize+secretbox.Overhead || sealed[0] != formatVersion {
		return nil, shared.NewDomainError("sealed", "Load", shared.ErrInvalidState, "snapshot is not sealed with a supported format")
	}

	var nonce [nonceSize]byte
	copy(nonce[:], sealed[1:1+nonceSize])

	plain, ok := secretbox.Open(nil, sealed[1+nonceSize:], &nonce, &s.key)
	if !ok {
		return nil, shared.NewDomainError("sealed", "Load", shared.ErrInvalidState, "snapshot cannot be opened with the configured key")
	}
	return plain, nil
}

// Save seals data with a fresh random nonce.
func (s *Storage) Save(ctx context.Context, key string, data []byte) error {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}

	out := make([]byte, 0, 1+nonceSize+len(data)+secretbox.Overhead)
	out = append(out, formatVersion)
	out = append(out, nonce[:]...)
	out = secretbox.Seal(out, data, &nonce, &s.key)

	return s.inner.Save(ctx, key, out)
}

func (s *Storage) Delete(ctx context.Context, key string) error {
	return s.inner.Delete(ctx, key)
}

// Ping checks the wrapped backend when it supports pinging.
func (s *Storage) Ping(ctx context.Context) error {
	if p, ok := s.inner.(interface{ Ping(context.Context) error }); ok {
		return p.Ping(ctx)
	}
	return nil
}

// Close closes the wrapped backend when it supports closing.
func (s *Storage) Close() error {
	if c, ok := s.inner.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

package postgres

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alem-hub/study-companion/internal/domain/shared"
	"github.com/alem-hub/study-companion/pkg/circuitbreaker"
	"github.com/alem-hub/study-companion/pkg/retry"
)

const driver = "postgres"

// Observer receives per-operation outcomes (optional).
type Observer interface {
	StorageOp(driver, op string, err error)
}

// SessionStorage keeps one row per snapshot key in session_snapshots.
type SessionStorage struct {
	conn     *Connection
	logger   *slog.Logger
	retrier  *retry.Retrier
	breaker  *circuitbreaker.CircuitBreaker
	observer Observer
}

// NewSessionStorage wraps a connection whose schema has been migrated.
func NewSessionStorage(conn *Connection, logger *slog.Logger, observer Observer) *SessionStorage {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "postgres-storage")
	return &SessionStorage{
		conn:     conn,
		logger:   logger,
		observer: observer,
		retrier:  retry.StorageRetrier(isConnectionError),
		breaker: circuitbreaker.StorageBreaker("postgres-storage", func(name string, from, to circuitbreaker.State) {
			logger.Warn("storage circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
		}),
	}
}

// Open connects, migrates and returns a ready storage.
func Open(ctx context.Context, cfg Config, logger *slog.Logger, observer Observer) (*SessionStorage, error) {
	conn, err := NewConnection(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := NewMigrator(conn).Migrate(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return NewSessionStorage(conn, logger, observer), nil
}

// Load reads the snapshot for key.
func (s *SessionStorage) Load(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	var missing bool
	err := s.run(ctx, "load", func(ctx context.Context) error {
		err := s.conn.QueryRow(ctx, `SELECT data FROM session_snapshots WHERE key = $1`, key).Scan(&data)
		if IsNoRows(err) {
			missing = true
			return nil
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres load %s: %w", key, err)
	}
	if missing {
		return nil, shared.NewNotFoundError(driver, "Load", "no snapshot under "+key)
	}
	return data, nil
}

// Save upserts the snapshot.
func (s *SessionStorage) Save(ctx context.Context, key string, data []byte) error {
	err := s.run(ctx, "save", func(ctx context.Context) error {
		_, err := s.conn.Exec(ctx, `
			INSERT INTO session_snapshots (key, data)
			VALUES ($1, $2)
			ON CONFLICT (key) DO UPDATE SET data = EXCLUDED.data, updated_at = NOW()
		`, key, data)
		return err
	})
	if err != nil {
		return fmt.Errorf("postgres save %s: %w", key, err)
	}
	return nil
}

// Delete removes the snapshot. Deleting a missing key is not an error.
func (s *SessionStorage) Delete(ctx context.Context, key string) error {
	err := s.run(ctx, "delete", func(ctx context.Context) error {
		_, err := s.conn.Exec(ctx, `DELETE FROM session_snapshots WHERE key = $1`, key)
		return err
	})
	if err != nil {
		return fmt.Errorf("postgres delete %s: %w", key, err)
	}
	return nil
}

func (s *SessionStorage) run(ctx context.Context, op string, fn func(context.Context) error) error {
	err := s.breaker.Execute(ctx, func(ctx context.Context) error {
		return s.retrier.Do(ctx, fn)
	})
	if circuitbreaker.IsRejection(err) {
		err = shared.NewNetworkError(driver, op, "session storage unavailable", err, true)
	}
	if s.observer != nil {
		s.observer.StorageOp(driver, op, err)
	}
	if err != nil {
		s.logger.Warn("storage operation failed", "op", op, "error", err)
	}
	return err
}

// Ping checks if the database is reachable.
func (s *SessionStorage) Ping(ctx context.Context) error {
	return s.conn.Ping(ctx)
}

// Health exposes pool statistics.
func (s *SessionStorage) Health(ctx context.Context) (*HealthStatus, error) {
	return s.conn.Health(ctx)
}

// Close closes the pool.
func (s *SessionStorage) Close() error {
	s.conn.Close()
	return nil
}

// Package redis persists session snapshots in Redis so several companion
// processes (or a restarted one) share the signed-in session.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alem-hub/study-companion/internal/domain/shared"
	"github.com/alem-hub/study-companion/pkg/circuitbreaker"
	"github.com/alem-hub/study-companion/pkg/retry"
)

const driver = "redis"

// ══════════════════════════════════════════════════════════════════════════════
// CONFIGURATION
// ══════════════════════════════════════════════════════════════════════════════

// Config holds Redis connection configuration.
type Config struct {
	Host     string
	Port     int
	Password string
	DB       int

	// PoolSize is the maximum number of socket connections.
	PoolSize int

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// KeyPrefix is prepended to every storage key.
	KeyPrefix string

	// TTL bounds how long an idle snapshot survives. Zero keeps it forever.
	TTL time.Duration
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() Config {
	return Config{
		Host:         "localhost",
		Port:         6379,
		PoolSize:     4,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		TTL:          30 * 24 * time.Hour,
	}
}

// Addr returns the Redis address in "host:port" format.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Observer receives per-operation outcomes (optional).
type Observer interface {
	StorageOp(driver, op string, err error)
}

// ══════════════════════════════════════════════════════════════════════════════
// SESSION STORAGE
// ══════════════════════════════════════════════════════════════════════════════

// SessionStorage stores snapshots as plain string values.
type SessionStorage struct {
	client   *redis.Client
	config   Config
	logger   *slog.Logger
	retrier  *retry.Retrier
	breaker  *circuitbreaker.CircuitBreaker
	observer Observer
}

// NewSessionStorage connects and pings Redis.
func NewSessionStorage(cfg Config, logger *slog.Logger, observer Observer) (*SessionStorage, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr(),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", cfg.Addr(), err)
	}

	return NewSessionStorageFromClient(client, cfg, logger, observer), nil
}

// NewSessionStorageFromClient wraps an existing client.
func NewSessionStorageFromClient(client *redis.Client, cfg Config, logger *slog.Logger, observer Observer) *SessionStorage {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "redis-storage")

	s := &SessionStorage{
		client:   client,
		config:   cfg,
		logger:   logger,
		observer: observer,
	}
	s.retrier = retry.StorageRetrier(isTransient)
	s.breaker = circuitbreaker.StorageBreaker("redis-storage", func(name string, from, to circuitbreaker.State) {
		logger.Warn("storage circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
	})
	return s
}

func (s *SessionStorage) key(key string) string {
	return s.config.KeyPrefix + key
}

// Load reads the snapshot for key.
func (s *SessionStorage) Load(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := s.run(ctx, "load", func(ctx context.Context) error {
		val, err := s.client.Get(ctx, s.key(key)).Bytes()
		if err != nil {
			return err
		}
		data = val
		return nil
	})
	if errors.Is(err, redis.Nil) {
		return nil, shared.NewNotFoundError(driver, "Load", "no snapshot under "+key)
	}
	if err != nil {
		return nil, fmt.Errorf("redis load %s: %w", key, err)
	}
	return data, nil
}

// Save writes the snapshot, refreshing its TTL.
func (s *SessionStorage) Save(ctx context.Context, key string, data []byte) error {
	err := s.run(ctx, "save", func(ctx context.Context) error {
		return s.client.Set(ctx, s.key(key), data, s.config.TTL).Err()
	})
	if err != nil {
		return fmt.Errorf("redis save %s: %w", key, err)
	}
	return nil
}

// Delete removes the snapshot.
func (s *SessionStorage) Delete(ctx context.Context, key string) error {
	err := s.run(ctx, "delete", func(ctx context.Context) error {
		return s.client.Del(ctx, s.key(key)).Err()
	})
	if err != nil {
		return fmt.Errorf("redis delete %s: %w", key, err)
	}
	return nil
}

// run applies the breaker and retry policy to one command. A miss
// (redis.Nil) is an answer, not an outage, so the breaker sees it as success.
func (s *SessionStorage) run(ctx context.Context, op string, fn func(context.Context) error) error {
	var miss bool
	err := s.breaker.Execute(ctx, func(ctx context.Context) error {
		err := s.retrier.Do(ctx, fn)
		if errors.Is(err, redis.Nil) {
			miss = true
			return nil
		}
		return err
	})
	if circuitbreaker.IsRejection(err) {
		err = shared.NewNetworkError(driver, op, "session storage unavailable", err, true)
	}
	if s.observer != nil {
		s.observer.StorageOp(driver, op, err)
	}
	if err != nil {
		s.logger.Warn("storage operation failed", "op", op, "error", err)
		return err
	}
	if miss {
		return redis.Nil
	}
	return nil
}

// isTransient reports errors worth retrying: timeouts and broken connections,
// never misses or context cancellation.
func isTransient(err error) bool {
	if err == nil || errors.Is(err, redis.Nil) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}

// Ping checks if Redis is reachable.
func (s *SessionStorage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (s *SessionStorage) Close() error {
	return s.client.Close()
}

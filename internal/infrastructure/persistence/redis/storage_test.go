package redis

import (
	"context"
	"os"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/study-companion/internal/domain/shared"
)

// newTestStorage connects to REDIS_TEST_ADDR; the test is skipped without it.
func newTestStorage(t *testing.T) *SessionStorage {
	t.Helper()
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("REDIS_TEST_ADDR not set")
	}
	client := goredis.NewClient(&goredis.Options{Addr: addr, DB: 15})
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.Ping(context.Background()).Err())

	cfg := DefaultConfig()
	cfg.KeyPrefix = "test:" + t.Name() + ":"
	cfg.TTL = time.Minute
	return NewSessionStorageFromClient(client, cfg, nil, nil)
}

func TestSessionStorage_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	_, err := s.Load(ctx, "study-companion/auth")
	assert.True(t, shared.IsNotFound(err))

	require.NoError(t, s.Save(ctx, "study-companion/auth", []byte(`{"isAuthenticated":true}`)))
	got, err := s.Load(ctx, "study-companion/auth")
	require.NoError(t, err)
	assert.JSONEq(t, `{"isAuthenticated":true}`, string(got))

	ttl, err := s.client.TTL(ctx, s.key("study-companion/auth")).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	require.NoError(t, s.Delete(ctx, "study-companion/auth"))
	_, err = s.Load(ctx, "study-companion/auth")
	assert.True(t, shared.IsNotFound(err))
}

func TestIsTransient(t *testing.T) {
	assert.False(t, isTransient(nil))
	assert.False(t, isTransient(goredis.Nil))
	assert.False(t, isTransient(context.Canceled))
	assert.True(t, isTransient(assert.AnError))
}

func TestConfig_Addr(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "localhost:6379", cfg.Addr())
}

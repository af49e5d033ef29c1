package sealed

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/study-companion/internal/domain/shared"
	"github.com/alem-hub/study-companion/internal/infrastructure/persistence/memory"
)

const secret = "correct horse battery staple"

func TestSealed_RoundTripHidesPlaintext(t *testing.T) {
	ctx := context.Background()
	inner := memory.NewStorage()
	s, err := New(inner, secret)
	require.NoError(t, err)

	plain := []byte(`{"accessToken":"eyJhbGciOi"}`)
	require.NoError(t, s.Save(ctx, "study-companion/auth", plain))

	raw, err := inner.Load(ctx, "study-companion/auth")
	require.NoError(t, err)
	assert.False(t, bytes.Contains(raw, []byte("accessToken")))
	assert.Equal(t, formatVersion, raw[0])

	got, err := s.Load(ctx, "study-companion/auth")
	require.NoError(t, err)
	assert.Equal(t, plain, got)
}

func TestSealed_WrongKeyIsInvalidState(t *testing.T) {
	ctx := context.Background()
	inner := memory.NewStorage()

	writer, err := New(inner, secret)
	require.NoError(t, err)
	require.NoError(t, writer.Save(ctx, "k", []byte("data")))

	reader, err := New(inner, "a different secret value")
	require.NoError(t, err)
	_, err = reader.Load(ctx, "k")
	assert.ErrorIs(t, err, shared.ErrInvalidState)
}

func TestSealed_PlaintextSnapshotRejected(t *testing.T) {
	ctx := context.Background()
	inner := memory.NewStorage()
	require.NoError(t, inner.Save(ctx, "k", []byte(`{"isAuthenticated":true}`)))

	s, err := New(inner, secret)
	require.NoError(t, err)
	_, err = s.Load(ctx, "k")
	assert.ErrorIs(t, err, shared.ErrInvalidState)
}

func TestSealed_MissingPassesThrough(t *testing.T) {
	s, err := New(memory.NewStorage(), secret)
	require.NoError(t, err)
	_, err = s.Load(context.Background(), "k")
	assert.True(t, shared.IsNotFound(err))
}

func TestNew_ShortSecret(t *testing.T) {
	_, err := New(memory.NewStorage(), "short")
	assert.True(t, shared.IsValidation(err))
}

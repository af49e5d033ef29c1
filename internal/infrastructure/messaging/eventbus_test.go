package messaging

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/study-companion/internal/domain/shared"
)

func quietConfig(async bool) InMemoryEventBusConfig {
	cfg := DefaultInMemoryEventBusConfig()
	cfg.AsyncMode = async
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	return cfg
}

func TestInMemoryEventBus_SyncDeliveryOrder(t *testing.T) {
	bus := NewInMemoryEventBus(quietConfig(false))
	defer bus.Close()

	var got []string
	require.NoError(t, bus.Subscribe(shared.EventSessionChanged, func(e shared.Event) error {
		got = append(got, "typed")
		return nil
	}))
	require.NoError(t, bus.SubscribeAll(func(e shared.Event) error {
		got = append(got, "all:"+string(e.EventType()))
		return nil
	}))

	require.NoError(t, bus.Publish(shared.NewSessionChangedEvent(7, true, false, "login")))
	require.NoError(t, bus.Publish(shared.NewScreenChangedEvent("auth", "dashboard")))

	assert.Equal(t, []string{"typed", "all:session.changed", "all:view.screen_changed"}, got)
}

type countingObserver struct {
	published int
	handled   int
	failures  []error
}

func (o *countingObserver) EventPublished(string) { o.published++ }

func (o *countingObserver) EventHandled(_ string, _ time.Duration, err error) {
	o.handled++
	if err != nil {
		o.failures = append(o.failures, err)
	}
}

func TestInMemoryEventBus_HandlerFailureDoesNotFailPublish(t *testing.T) {
	obs := &countingObserver{}
	cfg := quietConfig(false)
	cfg.Observer = obs
	bus := NewInMemoryEventBus(cfg)
	defer bus.Close()

	var after bool
	require.NoError(t, bus.SubscribeAll(func(shared.Event) error { return errors.New("boom") }))
	require.NoError(t, bus.SubscribeAll(func(shared.Event) error { panic("worse") }))
	require.NoError(t, bus.SubscribeAll(func(shared.Event) error { after = true; return nil }))

	require.NoError(t, bus.Publish(shared.NewSessionExpiredEvent(1)))
	assert.True(t, after)

	assert.Equal(t, 1, obs.published)
	assert.Equal(t, 3, obs.handled)
	require.Len(t, obs.failures, 2)
	assert.ErrorIs(t, obs.failures[1], ErrHandlerPanic)
}

func TestInMemoryEventBus_AsyncCloseWaitsForHandlers(t *testing.T) {
	bus := NewInMemoryEventBus(quietConfig(true))

	var n atomic.Int32
	var wg sync.WaitGroup
	wg.Add(10)
	require.NoError(t, bus.SubscribeAll(func(shared.Event) error {
		defer wg.Done()
		n.Add(1)
		return nil
	}))
	for i := 0; i < 10; i++ {
		require.NoError(t, bus.Publish(shared.NewScopeEvictedEvent("user", i)))
	}
	wg.Wait()
	require.NoError(t, bus.Close())
	assert.Equal(t, int32(10), n.Load())
}

func TestInMemoryEventBus_Closed(t *testing.T) {
	bus := NewInMemoryEventBus(quietConfig(false))
	require.NoError(t, bus.Close())

	assert.ErrorIs(t, bus.Publish(shared.NewSessionExpiredEvent(1)), ErrEventBusClosed)
	assert.ErrorIs(t, bus.SubscribeAll(func(shared.Event) error { return nil }), ErrEventBusClosed)
	assert.NoError(t, bus.Close())
}

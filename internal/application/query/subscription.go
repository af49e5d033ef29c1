package query

import (
	"context"
	"errors"
	"sync"
)

// ErrDisabled is returned by Fetch when the options disable fetching.
var ErrDisabled = errors.New("query: fetching disabled for key")

// Subscription is a live interest in one key. Callers must Unsubscribe.
type Subscription[T any] struct {
	cache *Cache
	key   Key
	sub   *subscriber

	// entry is guarded by cache.mu; it changes when Refetch re-attaches an
	// evicted subscription.
	entry *entry
	once  sync.Once
}

// Subscribe attaches to key and returns immediately. A fetch is scheduled
// when the entry has no data, was invalidated or is past its staleness
// window; a request already in flight is shared instead.
func Subscribe[T any](c *Cache, key Key, fetch Fetcher[T], opts ...Option) *Subscription[T] {
	o := options{enabled: true}
	for _, opt := range opts {
		opt(&o)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.entryLocked(key)
	if fetch != nil {
		e.fetch = erase(fetch)
	}
	if o.staleTime != nil {
		e.staleTime = *o.staleTime
	}
	if o.gcTime != nil {
		e.gcTime = *o.gcTime
	}

	c.nextSub++
	sub := &subscriber{id: c.nextSub, enabled: o.enabled, ch: make(chan struct{}, 1)}
	e.subscribers[sub.id] = sub

	switch now := c.config.Now(); {
	case !o.enabled:
	case e.inflight != nil:
		c.record("dedup")
	case e.isStale(now):
		if e.hasData {
			c.record("stale")
		} else {
			c.record("miss")
		}
		c.startFetchLocked(e)
	default:
		c.record("hit")
	}

	return &Subscription[T]{cache: c, key: key, sub: sub, entry: e}
}

func erase[T any](fetch Fetcher[T]) func(context.Context) (any, error) {
	return func(ctx context.Context) (any, error) {
		v, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		return v, nil
	}
}

// Key returns the subscribed key.
func (s *Subscription[T]) Key() Key { return s.key }

// Entry returns the current state of the subscribed entry.
func (s *Subscription[T]) Entry() Entry[T] {
	s.cache.mu.Lock()
	defer s.cache.mu.Unlock()
	return snapshot[T](s.entry, s.cache.config.Now())
}

// Changes signals after every change to the entry. Signals coalesce.
func (s *Subscription[T]) Changes() <-chan struct{} {
	return s.sub.ch
}

// Wait blocks until no request is in flight for the entry and returns it.
func (s *Subscription[T]) Wait(ctx context.Context) (Entry[T], error) {
	for {
		s.cache.mu.Lock()
		e := s.entry
		if e.inflight == nil {
			out := snapshot[T](e, s.cache.config.Now())
			s.cache.mu.Unlock()
			return out, nil
		}
		changed := e.changed
		s.cache.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return s.Entry(), ctx.Err()
		}
	}
}

// Refetch issues a new request for the key, superseding any in flight. An
// evicted subscription re-attaches to a fresh entry first.
func (s *Subscription[T]) Refetch() {
	c := s.cache
	c.mu.Lock()
	defer c.mu.Unlock()

	if !s.sub.enabled {
		return
	}
	if !c.live(s.entry) {
		old := s.entry
		delete(old.subscribers, s.sub.id)
		e := c.entryLocked(s.key)
		if e.fetch == nil {
			e.fetch = old.fetch
		}
		e.subscribers[s.sub.id] = s.sub
		s.entry = e
	}
	c.startFetchLocked(s.entry)
}

// Unsubscribe detaches from the entry. It is safe to call more than once.
func (s *Subscription[T]) Unsubscribe() {
	s.once.Do(func() {
		c := s.cache
		c.mu.Lock()
		defer c.mu.Unlock()

		delete(s.entry.subscribers, s.sub.id)
		if len(s.entry.subscribers) == 0 {
			s.entry.idleSince = c.config.Now()
		}
	})
}

// Fetch subscribes, waits for the entry to settle and unsubscribes. Cached
// fresh data is returned without a request.
func Fetch[T any](ctx context.Context, c *Cache, key Key, fetch Fetcher[T], opts ...Option) (T, error) {
	var zero T

	sub := Subscribe(c, key, fetch, opts...)
	defer sub.Unsubscribe()

	if !sub.sub.enabled {
		return zero, ErrDisabled
	}

	e, err := sub.Wait(ctx)
	if err != nil {
		return zero, err
	}
	if e.Status == StatusError {
		return zero, e.Err
	}
	return e.Data, nil
}

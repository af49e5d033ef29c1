package query

import (
	"context"
	"time"
)

// Status is the lifecycle state of a cache entry.
type Status int

const (
	StatusIdle Status = iota
	StatusLoading
	StatusSuccess
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusLoading:
		return "loading"
	case StatusSuccess:
		return "success"
	case StatusError:
		return "error"
	default:
		return "idle"
	}
}

// Entry is a point-in-time view of one cached resource. Data keeps the last
// successful value even when Status is StatusError.
type Entry[T any] struct {
	Key           Key
	Data          T
	HasData       bool
	Status        Status
	Err           error
	LastFetchedAt time.Time
	IsStale       bool
	IsFetching    bool
}

// Fetcher loads the value for one key.
type Fetcher[T any] func(ctx context.Context) (T, error)

type flight struct {
	seq        uint64
	background bool
}

// entry is the untyped record behind every Entry[T].
type entry struct {
	key Key

	data      any
	hasData   bool
	status    Status
	err       error
	fetchedAt time.Time

	invalidated bool
	evicted     bool

	staleTime time.Duration
	gcTime    time.Duration

	fetch    func(context.Context) (any, error)
	inflight *flight
	// seq is the last issued fetch, applied the last one whose result landed.
	seq     uint64
	applied uint64

	subscribers map[uint64]*subscriber
	idleSince   time.Time

	changed chan struct{}
}

type subscriber struct {
	id      uint64
	enabled bool
	ch      chan struct{}
}

func newEntry(key Key, staleTime, gcTime time.Duration, now time.Time) *entry {
	return &entry{
		key:         key,
		staleTime:   staleTime,
		gcTime:      gcTime,
		subscribers: make(map[uint64]*subscriber),
		idleSince:   now,
		changed:     make(chan struct{}),
	}
}

func (e *entry) isStale(now time.Time) bool {
	return !e.hasData || e.invalidated || now.Sub(e.fetchedAt) >= e.staleTime
}

func (e *entry) observed() bool {
	for _, s := range e.subscribers {
		if s.enabled {
			return true
		}
	}
	return false
}

// notifyLocked wakes waiters and pokes every subscriber's change channel.
func (e *entry) notifyLocked() {
	close(e.changed)
	e.changed = make(chan struct{})
	for _, s := range e.subscribers {
		select {
		case s.ch <- struct{}{}:
		default:
		}
	}
}

func snapshot[T any](e *entry, now time.Time) Entry[T] {
	out := Entry[T]{
		Key:           e.key,
		HasData:       e.hasData,
		Status:        e.status,
		Err:           e.err,
		LastFetchedAt: e.fetchedAt,
		IsStale:       e.isStale(now),
		IsFetching:    e.inflight != nil,
	}
	if v, ok := e.data.(T); ok {
		out.Data = v
	}
	return out
}

// Package query is the client-side resource cache: request de-duplication,
// staleness windows with background revalidation, pattern invalidation and
// logout eviction of identity-scoped entries.
package query

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/alem-hub/study-companion/internal/domain/shared"
	"github.com/alem-hub/study-companion/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// CONFIGURATION
// ══════════════════════════════════════════════════════════════════════════════

const (
	DefaultStaleTime = 30 * time.Second
	DefaultGCTime    = 5 * time.Minute
)

// Recorder receives cache metrics (optional).
type Recorder interface {
	CacheEvent(event string)
	SetCacheEntries(n int)
}

// Config wires the cache's collaborators. Zero values get defaults.
type Config struct {
	StaleTime time.Duration
	GCTime    time.Duration

	Logger    *logger.Logger
	Publisher shared.EventPublisher
	Metrics   Recorder

	// OnBackgroundError is called when a revalidation of an entry that
	// already had data fails. The entry keeps its data.
	OnBackgroundError func(key Key, err error)

	// Now is the clock; tests inject a fake one.
	Now func() time.Time
}

// Option adjusts a single subscription.
type Option func(*options)

type options struct {
	staleTime *time.Duration
	gcTime    *time.Duration
	enabled   bool
}

// WithStaleTime sets how long fetched data counts as fresh.
func WithStaleTime(d time.Duration) Option {
	return func(o *options) { o.staleTime = &d }
}

// WithGCTime sets how long an unobserved entry is kept.
func WithGCTime(d time.Duration) Option {
	return func(o *options) { o.gcTime = &d }
}

// WithEnabled gates fetching; a disabled subscription never triggers a request.
func WithEnabled(enabled bool) Option {
	return func(o *options) { o.enabled = enabled }
}

// ══════════════════════════════════════════════════════════════════════════════
// CACHE
// Владеет всеми записями; мутации только через методы кэша.
// ══════════════════════════════════════════════════════════════════════════════

// Cache owns every entry. All reads and writes go through its methods.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*entry
	nextSub uint64
	closed  bool

	config Config
	log    *logger.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a cache.
func New(config Config) *Cache {
	if config.StaleTime <= 0 {
		config.StaleTime = DefaultStaleTime
	}
	if config.GCTime <= 0 {
		config.GCTime = DefaultGCTime
	}
	if config.Logger == nil {
		config.Logger = logger.Nop()
	}
	if config.Publisher == nil {
		config.Publisher = shared.NopPublisher{}
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Cache{
		entries: make(map[string]*entry),
		config:  config,
		log:     config.Logger.Named("query_cache"),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (c *Cache) record(event string) {
	if c.config.Metrics != nil {
		c.config.Metrics.CacheEvent(event)
	}
}

func (c *Cache) gauge() {
	if c.config.Metrics != nil {
		c.config.Metrics.SetCacheEntries(len(c.entries))
	}
}

// entryLocked returns the live entry for key, creating it when absent.
func (c *Cache) entryLocked(key Key) *entry {
	id := key.id()
	if e, ok := c.entries[id]; ok {
		return e
	}
	e := newEntry(key, c.config.StaleTime, c.config.GCTime, c.config.Now())
	c.entries[id] = e
	c.gauge()
	return e
}

func (c *Cache) live(e *entry) bool {
	return !e.evicted && c.entries[e.key.id()] == e
}

// startFetchLocked issues a new request for e. A request already in flight
// is superseded: its result will be discarded if it lands after this one.
func (c *Cache) startFetchLocked(e *entry) {
	if c.closed || e.fetch == nil {
		return
	}
	e.seq++
	f := &flight{seq: e.seq, background: e.hasData}
	e.inflight = f
	if !f.background {
		e.status = StatusLoading
	}
	e.notifyLocked()
	c.record("fetch")

	fetch := e.fetch
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		v, err := fetch(c.ctx)
		c.complete(e, f, v, err)
	}()
}

func (c *Cache) complete(e *entry, f *flight, v any, err error) {
	c.mu.Lock()

	if e.inflight == f {
		e.inflight = nil
	}
	if c.closed || !c.live(e) || f.seq <= e.applied {
		e.notifyLocked()
		c.mu.Unlock()
		c.record("discarded")
		c.log.Debug("discarded superseded response", logger.ResourceKey(e.key.String()), logger.F("seq", f.seq))
		return
	}
	if len(e.subscribers) == 0 {
		// Every subscriber left while the request was in flight.
		if e.inflight == nil && e.status == StatusLoading {
			e.status = StatusIdle
		}
		e.notifyLocked()
		c.mu.Unlock()
		c.record("discarded")
		c.log.Debug("discarded unobserved response", logger.ResourceKey(e.key.String()), logger.F("seq", f.seq))
		return
	}
	e.applied = f.seq

	if err != nil {
		// Previous data stays; only status and error flip.
		e.status = StatusError
		e.err = err
		e.notifyLocked()
		c.mu.Unlock()

		c.record("error")
		if f.background {
			c.log.Warn("background revalidation failed", logger.ResourceKey(e.key.String()), logger.Err(err))
			if c.config.OnBackgroundError != nil {
				c.config.OnBackgroundError(e.key, err)
			}
			_ = c.config.Publisher.Publish(shared.NewRevalidationFailedEvent(e.key.String(), err))
		} else {
			c.log.Debug("fetch failed", logger.ResourceKey(e.key.String()), logger.Err(err))
		}
		return
	}

	e.data = v
	e.hasData = true
	e.status = StatusSuccess
	e.err = nil
	e.fetchedAt = c.config.Now()
	e.invalidated = false
	e.notifyLocked()
	c.mu.Unlock()
}

// ══════════════════════════════════════════════════════════════════════════════
// INVALIDATION & EVICTION
// ══════════════════════════════════════════════════════════════════════════════

// Invalidate marks every entry matching p stale. Entries with an enabled
// subscriber refetch now; the rest refetch on their next subscribe.
func (c *Cache) Invalidate(p Pattern) []Key {
	c.mu.Lock()
	var keys []Key
	for _, e := range c.entries {
		if !p.Matches(e.key) {
			continue
		}
		e.invalidated = true
		keys = append(keys, e.key)
		if e.observed() {
			c.startFetchLocked(e)
		} else {
			e.notifyLocked()
		}
	}
	c.mu.Unlock()

	if len(keys) == 0 {
		return nil
	}
	sortKeys(keys)
	names := make([]string, len(keys))
	for i, k := range keys {
		names[i] = k.String()
	}
	c.record("invalidated")
	_ = c.config.Publisher.Publish(shared.NewCacheInvalidatedEvent(p.String(), names))
	return keys
}

// SetData writes v as the fresh value for key, superseding any request in
// flight for it.
func (c *Cache) SetData(key Key, v any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.entryLocked(key)
	e.seq++
	e.applied = e.seq
	e.data = v
	e.hasData = true
	e.status = StatusSuccess
	e.err = nil
	e.fetchedAt = c.config.Now()
	e.invalidated = false
	e.notifyLocked()
}

// EvictScope drops every entry in scope. Subscribers see an empty idle entry
// and results still in flight for them are discarded.
func (c *Cache) EvictScope(scope Scope) int {
	c.mu.Lock()
	n := 0
	for id, e := range c.entries {
		if e.key.Scope != scope {
			continue
		}
		delete(c.entries, id)
		e.evicted = true
		e.data = nil
		e.hasData = false
		e.status = StatusIdle
		e.err = nil
		e.fetchedAt = time.Time{}
		e.notifyLocked()
		n++
	}
	c.gauge()
	c.mu.Unlock()

	if n > 0 {
		c.log.Info("evicted cache scope", logger.String("scope", scope.String()), logger.Int("entries", n))
		_ = c.config.Publisher.Publish(shared.NewScopeEvictedEvent(scope.String(), n))
	}
	return n
}

// EvictUserScope drops identity-scoped entries. The session store calls it
// on logout.
func (c *Cache) EvictUserScope() int {
	return c.EvictScope(ScopeUser)
}

// Sweep removes entries nobody observed for longer than their GC time.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.config.Now()
	n := 0
	for id, e := range c.entries {
		if len(e.subscribers) > 0 || e.inflight != nil {
			continue
		}
		if now.Sub(e.idleSince) < e.gcTime {
			continue
		}
		delete(c.entries, id)
		e.evicted = true
		n++
	}
	if n > 0 {
		c.record("gc")
		c.gauge()
	}
	return n
}

// Close cancels fetches in flight and waits for them to return.
func (c *Cache) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
}

// ══════════════════════════════════════════════════════════════════════════════
// INTROSPECTION
// ══════════════════════════════════════════════════════════════════════════════

// EntryInfo is an untyped description of an entry for operators.
type EntryInfo struct {
	Key           string    `json:"key"`
	Scope         string    `json:"scope"`
	Status        string    `json:"status"`
	HasData       bool      `json:"has_data"`
	Stale         bool      `json:"stale"`
	Fetching      bool      `json:"fetching"`
	Subscribers   int       `json:"subscribers"`
	LastFetchedAt time.Time `json:"last_fetched_at,omitempty"`
	Error         string    `json:"error,omitempty"`
}

// Entries lists every entry sorted by key.
func (c *Cache) Entries() []EntryInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.config.Now()
	out := make([]EntryInfo, 0, len(c.entries))
	for _, e := range c.entries {
		info := EntryInfo{
			Key:           e.key.String(),
			Scope:         e.key.Scope.String(),
			Status:        e.status.String(),
			HasData:       e.hasData,
			Stale:         e.isStale(now),
			Fetching:      e.inflight != nil,
			Subscribers:   len(e.subscribers),
			LastFetchedAt: e.fetchedAt,
		}
		if e.err != nil {
			info.Error = e.err.Error()
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Peek returns the current entry for key without subscribing.
func Peek[T any](c *Cache, key Key) (Entry[T], bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key.id()]
	if !ok {
		return Entry[T]{Key: key}, false
	}
	return snapshot[T](e, c.config.Now()), true
}

func sortKeys(keys []Key) {
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
}

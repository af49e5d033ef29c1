package shared

import (
	"strconv"
	"time"
)

// EventType represents the type of an application event.
type EventType string

const (
	// Session events
	EventSessionChanged EventType = "session.changed"
	EventSessionExpired EventType = "session.expired"

	// Cache events
	EventCacheInvalidated        EventType = "cache.invalidated"
	EventCacheRevalidationFailed EventType = "cache.revalidation_failed"
	EventCacheScopeEvicted       EventType = "cache.scope_evicted"

	// Mutation events
	EventMutationCompleted EventType = "mutation.completed"

	// View events
	EventScreenChanged EventType = "view.screen_changed"

	// Assistant events
	EventAssistantReplied EventType = "assistant.replied"
)

// Event is the base interface for all events.
type Event interface {
	EventType() EventType
	OccurredAt() time.Time
	// AggregateID identifies what the event is about (a user id, a cache key).
	AggregateID() string
	Payload() map[string]any
}

// BaseEvent provides common event functionality.
type BaseEvent struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Subject   string    `json:"subject"`
}

func (e BaseEvent) EventType() EventType  { return e.Type }
func (e BaseEvent) OccurredAt() time.Time { return e.Timestamp }
func (e BaseEvent) AggregateID() string   { return e.Subject }

// NewBaseEvent creates a new base event stamped with the current time.
func NewBaseEvent(eventType EventType, subject string) BaseEvent {
	return BaseEvent{Type: eventType, Timestamp: time.Now(), Subject: subject}
}

// ═══════════════════════════════════════════════════════════════════════════
// Session Events
// ═══════════════════════════════════════════════════════════════════════════

// SessionChangedEvent is published after every session state change.
type SessionChangedEvent struct {
	BaseEvent
	Authenticated bool   `json:"authenticated"`
	HasProfile    bool   `json:"has_profile"`
	UserID        int64  `json:"user_id,omitempty"`
	Reason        string `json:"reason"`
}

func NewSessionChangedEvent(userID int64, authenticated, hasProfile bool, reason string) SessionChangedEvent {
	return SessionChangedEvent{
		BaseEvent:     NewBaseEvent(EventSessionChanged, itoa(userID)),
		Authenticated: authenticated,
		HasProfile:    hasProfile,
		UserID:        userID,
		Reason:        reason,
	}
}

func (e SessionChangedEvent) Payload() map[string]any {
	return map[string]any{
		"authenticated": e.Authenticated,
		"has_profile":   e.HasProfile,
		"user_id":       e.UserID,
		"reason":        e.Reason,
	}
}

// SessionExpiredEvent is published when a refresh fails and the session is dropped.
type SessionExpiredEvent struct {
	BaseEvent
	UserID int64 `json:"user_id"`
}

func NewSessionExpiredEvent(userID int64) SessionExpiredEvent {
	return SessionExpiredEvent{BaseEvent: NewBaseEvent(EventSessionExpired, itoa(userID)), UserID: userID}
}

func (e SessionExpiredEvent) Payload() map[string]any {
	return map[string]any{"user_id": e.UserID}
}

// ═══════════════════════════════════════════════════════════════════════════
// Cache Events
// ═══════════════════════════════════════════════════════════════════════════

// RevalidationFailedEvent reports a background refetch that failed while the
// entry kept its previous data.
type RevalidationFailedEvent struct {
	BaseEvent
	Key   string `json:"key"`
	Error string `json:"error"`
}

func NewRevalidationFailedEvent(key string, err error) RevalidationFailedEvent {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return RevalidationFailedEvent{BaseEvent: NewBaseEvent(EventCacheRevalidationFailed, key), Key: key, Error: msg}
}

func (e RevalidationFailedEvent) Payload() map[string]any {
	return map[string]any{"key": e.Key, "error": e.Error}
}

// CacheInvalidatedEvent lists the keys marked stale by one invalidation.
type CacheInvalidatedEvent struct {
	BaseEvent
	Pattern string   `json:"pattern"`
	Keys    []string `json:"keys"`
}

func NewCacheInvalidatedEvent(pattern string, keys []string) CacheInvalidatedEvent {
	return CacheInvalidatedEvent{BaseEvent: NewBaseEvent(EventCacheInvalidated, pattern), Pattern: pattern, Keys: keys}
}

func (e CacheInvalidatedEvent) Payload() map[string]any {
	return map[string]any{"pattern": e.Pattern, "keys": e.Keys}
}

// ScopeEvictedEvent is published when identity-scoped entries are dropped.
type ScopeEvictedEvent struct {
	BaseEvent
	Scope   string `json:"scope"`
	Evicted int    `json:"evicted"`
}

func NewScopeEvictedEvent(scope string, evicted int) ScopeEvictedEvent {
	return ScopeEvictedEvent{BaseEvent: NewBaseEvent(EventCacheScopeEvicted, scope), Scope: scope, Evicted: evicted}
}

func (e ScopeEvictedEvent) Payload() map[string]any {
	return map[string]any{"scope": e.Scope, "evicted": e.Evicted}
}

// ═══════════════════════════════════════════════════════════════════════════
// Mutation / View / Assistant Events
// ═══════════════════════════════════════════════════════════════════════════

// MutationCompletedEvent is published after a mutation and its cache effects.
type MutationCompletedEvent struct {
	BaseEvent
	Mutation    string   `json:"mutation"`
	Invalidated []string `json:"invalidated"`
}

func NewMutationCompletedEvent(mutation string, invalidated []string) MutationCompletedEvent {
	return MutationCompletedEvent{BaseEvent: NewBaseEvent(EventMutationCompleted, mutation), Mutation: mutation, Invalidated: invalidated}
}

func (e MutationCompletedEvent) Payload() map[string]any {
	return map[string]any{"mutation": e.Mutation, "invalidated": e.Invalidated}
}

// ScreenChangedEvent is published when the derived screen changes.
type ScreenChangedEvent struct {
	BaseEvent
	From string `json:"from"`
	To   string `json:"to"`
}

func NewScreenChangedEvent(from, to string) ScreenChangedEvent {
	return ScreenChangedEvent{BaseEvent: NewBaseEvent(EventScreenChanged, to), From: from, To: to}
}

func (e ScreenChangedEvent) Payload() map[string]any {
	return map[string]any{"from": e.From, "to": e.To}
}

// AssistantRepliedEvent is published when the assistant answers a question.
type AssistantRepliedEvent struct {
	BaseEvent
	MessageID string `json:"message_id"`
	Context   string `json:"context"`
}

func NewAssistantRepliedEvent(messageID, context string) AssistantRepliedEvent {
	return AssistantRepliedEvent{BaseEvent: NewBaseEvent(EventAssistantReplied, messageID), MessageID: messageID, Context: context}
}

func (e AssistantRepliedEvent) Payload() map[string]any {
	return map[string]any{"message_id": e.MessageID, "context": e.Context}
}

// ═══════════════════════════════════════════════════════════════════════════
// Bus Interfaces
// ═══════════════════════════════════════════════════════════════════════════

// EventHandler is a function that handles an event.
type EventHandler func(event Event) error

// EventPublisher publishes events.
type EventPublisher interface {
	Publish(event Event) error
}

// EventSubscriber registers handlers.
type EventSubscriber interface {
	Subscribe(eventType EventType, handler EventHandler) error
	SubscribeAll(handler EventHandler) error
}

// EventBus combines publishing and subscribing.
type EventBus interface {
	EventPublisher
	EventSubscriber
	Close() error
}

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) Publish(Event) error { return nil }

func itoa(id int64) string {
	if id == 0 {
		return ""
	}
	return strconv.FormatInt(id, 10)
}

package router

import (
	"context"
	"time"

	"github.com/campusanon/chatsync/internal/broker"
	"github.com/campusanon/chatsync/internal/model"
)

// RouterConfig holds configuration for the Message Router.
type RouterConfig struct {
	QueueSize    int           // Initial event queue capacity. Default: 256
	MaxQueueSize int           // Event queue limit (0 = unbounded)
	SinkTimeout  time.Duration // Per-sink call timeout. Default: 5s
}

// DefaultRouterConfig returns default configuration.
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		QueueSize:   256,
		SinkTimeout: 5 * time.Second,
	}
}

// EventKind distinguishes queued events.
type EventKind int

const (
	KindState EventKind = iota
	KindMessage
)

// Event is one item on the router queue.
type Event struct {
	Kind       EventKind
	State      broker.StateChange
	Message    model.MessageEvent
	ReceivedAt time.Time
}

// Invalidation names cache keys made stale by an inbound message.
// Sinks receive it before any message callback runs.
type Invalidation struct {
	RoomID int64
	Keys   []string
}

// InvalidationSink reacts to stale cache keys (query cache, room list, Redis).
type InvalidationSink interface {
	Invalidate(ctx context.Context, inv Invalidation) error
}

// InvalidationFunc adapts a function to InvalidationSink.
type InvalidationFunc func(ctx context.Context, inv Invalidation) error

// Invalidate calls f.
func (f InvalidationFunc) Invalidate(ctx context.Context, inv Invalidation) error {
	return f(ctx, inv)
}

// EventSink receives every persistent message after invalidation.
type EventSink interface {
	HandleMessage(ctx context.Context, msg model.ChatMessage) error
}

// MessageHandler is a user callback for inbound events.
type MessageHandler func(model.MessageEvent)

// StateHandler is a user callback for connection state changes.
type StateHandler func(broker.StateChange)

// RouterStats contains runtime statistics.
type RouterStats struct {
	EventsReceived int64
	MessagesRouted int64
	StateChanges   int64
	Invalidations  int64
	SinkErrors     int64
	Queue          QueueStats
}

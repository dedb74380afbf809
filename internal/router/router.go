package router

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/campusanon/chatsync/internal/broker"
	"github.com/campusanon/chatsync/internal/model"
)

// Router is the single logical event queue between the broker and its
// consumers. One dispatch goroutine drains the queue, so every sink and
// callback runs serialized in arrival order.
//
// Router implements broker.Listener; register it with Broker.SetListener.
type Router struct {
	cfg    RouterConfig
	logger *slog.Logger

	queue *Queue[Event]

	mu            sync.RWMutex
	invalidations []InvalidationSink
	eventSinks    []EventSink
	onMessage     []MessageHandler
	onState       []StateHandler

	// Lifecycle
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started atomic.Bool

	// Stats
	received     atomic.Int64
	routed       atomic.Int64
	stateChanges atomic.Int64
	invalidated  atomic.Int64
	sinkErrors   atomic.Int64
}

var _ broker.Listener = (*Router)(nil)

// NewRouter creates a new Message Router.
func NewRouter(cfg RouterConfig, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = DefaultRouterConfig().SinkTimeout
	}

	return &Router{
		cfg:    cfg,
		logger: logger,
		queue:  NewQueue[Event](cfg.QueueSize, cfg.MaxQueueSize),
	}
}

// AddInvalidationSink registers a sink notified before message callbacks.
func (r *Router) AddInvalidationSink(s InvalidationSink) {
	r.mu.Lock()
	r.invalidations = append(r.invalidations, s)
	r.mu.Unlock()
}

// AddEventSink registers a sink for persistent messages.
func (r *Router) AddEventSink(s EventSink) {
	r.mu.Lock()
	r.eventSinks = append(r.eventSinks, s)
	r.mu.Unlock()
}

// HandleMessages registers a message callback.
func (r *Router) HandleMessages(fn MessageHandler) {
	r.mu.Lock()
	r.onMessage = append(r.onMessage, fn)
	r.mu.Unlock()
}

// HandleState registers a state change callback.
func (r *Router) HandleState(fn StateHandler) {
	r.mu.Lock()
	r.onState = append(r.onState, fn)
	r.mu.Unlock()
}

// Start begins dispatching queued events.
func (r *Router) Start(ctx context.Context) error {
	if !r.started.CompareAndSwap(false, true) {
		return nil
	}
	r.ctx, r.cancel = context.WithCancel(ctx)

	r.wg.Add(1)
	go r.dispatchLoop()

	r.logger.Info("message router started", "queue_size", r.cfg.QueueSize)
	return nil
}

// Stop closes the queue and waits for pending events to drain.
func (r *Router) Stop(ctx context.Context) error {
	r.logger.Info("stopping message router")

	r.queue.Close()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("message router stopped")
	case <-ctx.Done():
		r.logger.Warn("message router stop timed out", "pending", r.queue.Len())
	}

	if r.cancel != nil {
		r.cancel()
	}
	return nil
}

// OnStateChange queues a connection state change.
func (r *Router) OnStateChange(change broker.StateChange) {
	r.push(Event{Kind: KindState, State: change, ReceivedAt: time.Now()})
}

// OnEvent queues an inbound message event.
func (r *Router) OnEvent(ev model.MessageEvent) {
	r.push(Event{Kind: KindMessage, Message: ev, ReceivedAt: time.Now()})
}

func (r *Router) push(ev Event) {
	r.received.Add(1)
	if !r.queue.Push(ev) {
		r.logger.Warn("router queue rejected event", "kind", ev.Kind)
	}
}

// Stats returns current statistics.
func (r *Router) Stats() RouterStats {
	return RouterStats{
		EventsReceived: r.received.Load(),
		MessagesRouted: r.routed.Load(),
		StateChanges:   r.stateChanges.Load(),
		Invalidations:  r.invalidated.Load(),
		SinkErrors:     r.sinkErrors.Load(),
		Queue:          r.queue.Stats(),
	}
}

// dispatchLoop is the single consumer of the queue.
func (r *Router) dispatchLoop() {
	defer r.wg.Done()

	for {
		ev, ok := r.queue.Pop()
		if !ok {
			return
		}
		r.dispatch(ev)
	}
}

func (r *Router) dispatch(ev Event) {
	switch ev.Kind {
	case KindState:
		r.stateChanges.Add(1)
		r.mu.RLock()
		handlers := r.onState
		r.mu.RUnlock()
		for _, fn := range handlers {
			fn(ev.State)
		}

	case KindMessage:
		r.routeMessage(ev.Message)
	}
}

// routeMessage invalidates, archives, then calls back, in that order.
func (r *Router) routeMessage(msg model.MessageEvent) {
	r.mu.RLock()
	invalidations := r.invalidations
	eventSinks := r.eventSinks
	handlers := r.onMessage
	r.mu.RUnlock()

	if msg.Type.Persistent() {
		inv := Invalidation{
			RoomID: msg.RoomID,
			Keys:   []string{model.MessagesKey(msg.RoomID), model.RoomsKey},
		}
		for _, s := range invalidations {
			if err := r.callSink(func(ctx context.Context) error { return s.Invalidate(ctx, inv) }); err != nil {
				r.logger.Warn("invalidation sink failed", "room_id", msg.RoomID, "error", err)
			}
		}
		r.invalidated.Add(1)

		for _, s := range eventSinks {
			if err := r.callSink(func(ctx context.Context) error { return s.HandleMessage(ctx, msg.ChatMessage) }); err != nil {
				r.logger.Warn("event sink failed", "message_id", msg.ID, "error", err)
			}
		}
	}

	for _, fn := range handlers {
		fn(msg)
	}
	r.routed.Add(1)
}

func (r *Router) callSink(fn func(ctx context.Context) error) error {
	parent := r.ctx
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithTimeout(parent, r.cfg.SinkTimeout)
	defer cancel()

	err := fn(ctx)
	if err != nil {
		r.sinkErrors.Add(1)
	}
	return err
}

package connection

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/campusanon/chatsync/internal/broker"
	"github.com/campusanon/chatsync/internal/model"
)

// FrameSender writes frames to the live session.
type FrameSender interface {
	Send(f Frame) error
}

// EventHandler receives decoded events for one room.
type EventHandler func(model.MessageEvent)

// RegistryStats provides statistics about room subscriptions.
type RegistryStats struct {
	Rooms       int   // Rooms in the set
	Live        int   // Rooms with an active broker subscription
	Delivered   int64 // Events handed to handlers
	Dropped     int64 // Frames with no matching subscription
	ParseErrors int64 // Frames whose body failed to decode
}

type roomSubscription struct {
	roomID  int64
	subID   string
	handler EventHandler
	live    bool
}

// Registry tracks the room subscription set. The set survives Detach so it
// can be replayed with Resubscribe after a reconnect.
type Registry struct {
	logger *slog.Logger

	mu      sync.Mutex
	sender  FrameSender
	rooms   map[int64]*roomSubscription
	bySubID map[string]int64

	delivered   atomic.Int64
	dropped     atomic.Int64
	parseErrors atomic.Int64
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:  logger,
		rooms:   make(map[int64]*roomSubscription),
		bySubID: make(map[string]int64),
	}
}

// Attach binds the registry to a live session.
func (r *Registry) Attach(sender FrameSender) {
	r.mu.Lock()
	r.sender = sender
	r.mu.Unlock()
}

// Detach marks every subscription dead without forgetting the room set.
func (r *Registry) Detach() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sender = nil
	for _, sub := range r.rooms {
		sub.live = false
	}
	clear(r.bySubID)
}

// Subscribe subscribes to the room topic, replacing any existing
// subscription for the room.
func (r *Registry) Subscribe(roomID int64, handler EventHandler) error {
	if roomID <= 0 {
		return fmt.Errorf("%w: room %d", broker.ErrNotFound, roomID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sender == nil {
		return ErrNotConnected
	}

	if existing, ok := r.rooms[roomID]; ok {
		r.unsubscribeLocked(existing)
		delete(r.rooms, roomID)
	}

	sub := &roomSubscription{roomID: roomID, handler: handler}
	if err := r.subscribeLocked(sub); err != nil {
		return fmt.Errorf("%w: subscribe room %d: %v", broker.ErrTransport, roomID, err)
	}
	r.rooms[roomID] = sub

	r.logger.Debug("subscribed to room", "room_id", roomID, "sub_id", sub.subID)
	return nil
}

// Unsubscribe removes the room from the set. Unknown rooms are a no-op.
func (r *Registry) Unsubscribe(roomID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.rooms[roomID]
	if !ok {
		return
	}
	r.unsubscribeLocked(sub)
	delete(r.rooms, roomID)

	r.logger.Debug("unsubscribed from room", "room_id", roomID)
}

// UnsubscribeAll removes every room from the set.
func (r *Registry) UnsubscribeAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for roomID, sub := range r.rooms {
		r.unsubscribeLocked(sub)
		delete(r.rooms, roomID)
	}
}

// Resubscribe issues a fresh subscription for every room in the set.
// Returns the number of rooms successfully resubscribed.
func (r *Registry) Resubscribe() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sender == nil {
		return 0
	}

	count := 0
	for _, sub := range r.rooms {
		if sub.live {
			count++
			continue
		}
		if err := r.subscribeLocked(sub); err != nil {
			r.logger.Warn("resubscribe failed", "room_id", sub.roomID, "error", err)
			continue
		}
		count++
	}
	return count
}

// Dispatch routes a MESSAGE frame to its room handler. Frames for unknown or
// stale subscriptions and undecodable bodies are dropped.
func (r *Registry) Dispatch(f Frame) bool {
	r.mu.Lock()
	var sub *roomSubscription
	if subID := f.Get(HeaderSubscription); subID != "" {
		if roomID, ok := r.bySubID[subID]; ok {
			sub = r.rooms[roomID]
		}
	} else if roomID, ok := model.RoomIDFromTopic(f.Get(HeaderDestination)); ok {
		if s, ok := r.rooms[roomID]; ok && s.live {
			sub = s
		}
	}
	var (
		roomID  int64
		handler EventHandler
	)
	if sub != nil {
		roomID, handler = sub.roomID, sub.handler
	}
	r.mu.Unlock()

	if sub == nil {
		r.dropped.Add(1)
		r.logger.Debug("dropping frame for unknown subscription",
			"subscription", f.Get(HeaderSubscription),
			"destination", f.Get(HeaderDestination),
		)
		return false
	}

	ev, err := model.ParseEvent(f.Body)
	if err != nil {
		r.parseErrors.Add(1)
		r.logger.Warn("failed to decode room event",
			"room_id", roomID,
			"error", err,
		)
		return false
	}

	if handler != nil {
		handler(ev)
	}
	r.delivered.Add(1)
	return true
}

// Rooms returns the room set in ascending order.
func (r *Registry) Rooms() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	rooms := make([]int64, 0, len(r.rooms))
	for roomID := range r.rooms {
		rooms = append(rooms, roomID)
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i] < rooms[j] })
	return rooms
}

// Has reports whether the room is in the set.
func (r *Registry) Has(roomID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.rooms[roomID]
	return ok
}

// Stats returns current registry statistics.
func (r *Registry) Stats() RegistryStats {
	r.mu.Lock()
	stats := RegistryStats{Rooms: len(r.rooms)}
	for _, sub := range r.rooms {
		if sub.live {
			stats.Live++
		}
	}
	r.mu.Unlock()

	stats.Delivered = r.delivered.Load()
	stats.Dropped = r.dropped.Load()
	stats.ParseErrors = r.parseErrors.Load()
	return stats
}

func (r *Registry) subscribeLocked(sub *roomSubscription) error {
	subID := uuid.NewString()
	f := NewFrame(CmdSubscribe,
		HeaderID, subID,
		HeaderDestination, model.RoomTopic(sub.roomID),
		HeaderAck, "auto",
	)
	if err := r.sender.Send(f); err != nil {
		return err
	}
	sub.subID = subID
	sub.live = true
	r.bySubID[subID] = sub.roomID
	return nil
}

func (r *Registry) unsubscribeLocked(sub *roomSubscription) {
	if !sub.live {
		return
	}
	delete(r.bySubID, sub.subID)
	sub.live = false

	if r.sender == nil {
		return
	}
	if err := r.sender.Send(NewFrame(CmdUnsubscribe, HeaderID, sub.subID)); err != nil {
		r.logger.Debug("unsubscribe frame failed", "room_id", sub.roomID, "error", err)
	}
}

// subscriptionID returns the live subscription id for a room.
func (r *Registry) subscriptionID(roomID int64) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sub, ok := r.rooms[roomID]; ok && sub.live {
		return sub.subID
	}
	return ""
}

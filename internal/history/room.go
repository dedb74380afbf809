package history

import (
	"context"
	"sync"

	"github.com/campusanon/chatsync/internal/model"
)

// RoomHistory binds a paginator and a timeline for one room.
type RoomHistory struct {
	roomID    int64
	paginator *Paginator
	timeline  *Timeline

	mu      sync.Mutex // Serializes page loads
	cursor  *int64
	loaded  bool
	hasMore bool
}

// NewRoomHistory creates the history view of roomID.
func NewRoomHistory(roomID int64, paginator *Paginator) *RoomHistory {
	return &RoomHistory{
		roomID:    roomID,
		paginator: paginator,
		timeline:  NewTimeline(),
		hasMore:   true,
	}
}

// RoomID returns the room this history belongs to.
func (h *RoomHistory) RoomID() int64 {
	return h.roomID
}

// LoadOlder fetches the next older page and merges it. The first call loads
// the newest page. It returns the number of new messages.
func (h *RoomHistory) LoadOlder(ctx context.Context) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.loaded && !h.hasMore {
		return 0, nil
	}

	page, err := h.paginator.FetchPage(ctx, h.roomID, h.cursor, 0)
	if err != nil {
		return 0, err
	}

	h.loaded = true
	h.hasMore = page.HasMore
	if page.NextCursor != nil {
		h.cursor = page.NextCursor
	}
	return h.timeline.Merge(page.Messages), nil
}

// Append merges a live event. Transient events and other rooms are ignored.
func (h *RoomHistory) Append(ev model.MessageEvent) bool {
	if !ev.Type.Persistent() || ev.RoomID != h.roomID {
		return false
	}
	return h.timeline.Insert(ev.ChatMessage)
}

// HasMore reports whether older pages may remain.
func (h *RoomHistory) HasMore() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.hasMore
}

// Messages returns the merged timeline in ascending id order.
func (h *RoomHistory) Messages() []model.ChatMessage {
	return h.timeline.Messages()
}

// Timeline exposes the underlying timeline.
func (h *RoomHistory) Timeline() *Timeline {
	return h.timeline
}

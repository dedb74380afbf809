package model

import "strings"

// EventType tags a message subscription event.
type EventType string

const (
	EventMessage EventType = "MESSAGE"
	EventTyping  EventType = "TYPING"
	EventRead    EventType = "READ"
)

// Persistent reports whether events of this type belong in the ordered message sequence.
// TYPING and READ are transient signals.
func (t EventType) Persistent() bool {
	return t == EventMessage
}

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	switch t {
	case EventMessage, EventTyping, EventRead:
		return true
	}
	return false
}

// -----------------------------------------------------------------------------
// Messages
// -----------------------------------------------------------------------------

// ChatMessage is a single message in a room. Immutable once created.
type ChatMessage struct {
	ID        int64     `json:"id"`         // Server-assigned, monotonic
	RoomID    int64     `json:"room_id"`    // Owning room
	SenderID  int64     `json:"sender_id"`  // Author user ID
	Content   string    `json:"content"`    // Message text
	CreatedAt Timestamp `json:"created_at"` // Server clock, may be coarse
}

// MessageEvent is a ChatMessage delivered over a room subscription.
type MessageEvent struct {
	ChatMessage
	Type EventType `json:"type"`
}

// SendPayload is the outbound body published to the send destination.
type SendPayload struct {
	RoomID  int64  `json:"roomId"`
	Content string `json:"content"`
}

// Validate checks the payload before it is published.
func (p SendPayload) Validate() error {
	if p.RoomID <= 0 {
		return ErrInvalidRoom
	}
	if strings.TrimSpace(p.Content) == "" {
		return ErrEmptyContent
	}
	return nil
}

// -----------------------------------------------------------------------------
// Rooms
// -----------------------------------------------------------------------------

// PostInfo identifies the post a chat room was opened from.
type PostInfo struct {
	ID    int64  `json:"id"`
	Title string `json:"title"`
}

// RoomSummary is one entry of the room list.
type RoomSummary struct {
	RoomID           int64      `json:"room_id"`
	LastMessage      *string    `json:"last_message"`
	LastMessageAt    *Timestamp `json:"last_message_at"`
	UnreadCount      int        `json:"unread_count"`
	PostInfo         PostInfo   `json:"post_info"`
	OpponentNickname string     `json:"opponent_nickname,omitempty"`
}

// CreateRoomRequest opens a room between a post author and a commenter.
type CreateRoomRequest struct {
	PostID     int64 `json:"post_id"`
	CommentID  int64 `json:"comment_id"`
	ReceiverID int64 `json:"receiver_id"`
}

// CreateRoomResponse is returned by room creation.
type CreateRoomResponse struct {
	RoomID int64 `json:"room_id"`
}

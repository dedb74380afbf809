package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Errors
var (
	ErrMalformedEvent = errors.New("malformed message event")
	ErrInvalidRoom    = errors.New("invalid room id")
	ErrEmptyContent   = errors.New("empty message content")
)

// Destination prefixes used by the broker.
const (
	TopicPrefix     = "/topic/"
	RoomTopicPrefix = TopicPrefix + "chat.room."
	SendDestination = "/app/chat.send"
)

// Cache keys invalidated when a room receives a message.
const (
	RoomsKey          = "rooms"
	messagesKeyPrefix = "messages:"
)

// RoomTopic returns the inbound destination for a room.
func RoomTopic(roomID int64) string {
	return RoomTopicPrefix + strconv.FormatInt(roomID, 10)
}

// RoomIDFromTopic extracts the room ID from a room destination.
func RoomIDFromTopic(dest string) (int64, bool) {
	if !strings.HasPrefix(dest, RoomTopicPrefix) {
		return 0, false
	}
	id, err := strconv.ParseInt(strings.TrimPrefix(dest, RoomTopicPrefix), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// MessagesKey returns the cache key holding a room's messages.
func MessagesKey(roomID int64) string {
	return messagesKeyPrefix + strconv.FormatInt(roomID, 10)
}

// ParseEvent decodes a frame body into a MessageEvent.
// A missing type is treated as MESSAGE.
func ParseEvent(data []byte) (MessageEvent, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return MessageEvent{}, fmt.Errorf("%w: empty body", ErrMalformedEvent)
	}

	var ev MessageEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return MessageEvent{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	if ev.Type == "" {
		ev.Type = EventMessage
	}
	if !ev.Type.Valid() {
		return MessageEvent{}, fmt.Errorf("%w: unknown type %q", ErrMalformedEvent, ev.Type)
	}
	if ev.RoomID <= 0 {
		return MessageEvent{}, fmt.Errorf("%w: missing room_id", ErrMalformedEvent)
	}
	if ev.Type.Persistent() && ev.ID <= 0 {
		return MessageEvent{}, fmt.Errorf("%w: missing id", ErrMalformedEvent)
	}

	return ev, nil
}

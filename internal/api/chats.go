package api

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"

	"github.com/campusanon/chatsync/internal/model"
)

// DefaultPageSize is the history page size when none is given.
const DefaultPageSize = 50

// ErrInvalidRequest is returned before any network call for bad arguments.
var ErrInvalidRequest = errors.New("invalid request")

// GetMessages fetches one history page for a room. lastMessageID is the
// pagination cursor; nil requests the newest page.
func (c *Client) GetMessages(ctx context.Context, roomID int64, lastMessageID *int64, size int) ([]model.ChatMessage, error) {
	if roomID <= 0 {
		return nil, fmt.Errorf("%w: room id %d", ErrInvalidRequest, roomID)
	}
	if size <= 0 {
		size = DefaultPageSize
	}

	query := url.Values{}
	query.Set("size", strconv.Itoa(size))
	if lastMessageID != nil {
		query.Set("lastMessageId", strconv.FormatInt(*lastMessageID, 10))
	}

	var msgs []model.ChatMessage
	path := "/chats/rooms/" + strconv.FormatInt(roomID, 10) + "/messages"
	if err := c.get(ctx, path, query, &msgs); err != nil {
		return nil, fmt.Errorf("get messages for room %d: %w", roomID, err)
	}

	return msgs, nil
}

// GetRooms fetches the caller's room list.
func (c *Client) GetRooms(ctx context.Context) ([]model.RoomSummary, error) {
	var rooms []model.RoomSummary
	if err := c.get(ctx, "/chats/rooms", nil, &rooms); err != nil {
		return nil, fmt.Errorf("get rooms: %w", err)
	}
	return rooms, nil
}

// CreateRoom opens a room between the post author and a commenter.
// Restricting this to the post author is the caller's job.
func (c *Client) CreateRoom(ctx context.Context, req model.CreateRoomRequest) (model.CreateRoomResponse, error) {
	var resp model.CreateRoomResponse

	if req.PostID <= 0 || req.CommentID <= 0 || req.ReceiverID <= 0 {
		return resp, fmt.Errorf("%w: ids must be positive", ErrInvalidRequest)
	}

	if err := c.post(ctx, "/chats/rooms", req, &resp); err != nil {
		return resp, fmt.Errorf("create room: %w", err)
	}
	return resp, nil
}

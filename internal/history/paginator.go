package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/campusanon/chatsync/internal/model"
)

// DefaultPageSize is used when a caller passes a size <= 0.
const DefaultPageSize = 50

// ErrInvalidRoom is returned for room ids <= 0.
var ErrInvalidRoom = errors.New("invalid room id")

// Source fetches raw history pages. The REST client and the demo store both
// implement it.
type Source interface {
	GetMessages(ctx context.Context, roomID int64, lastMessageID *int64, size int) ([]model.ChatMessage, error)
}

// Page is one fetched history page.
type Page struct {
	Messages   []model.ChatMessage // Ascending by id
	HasMore    bool
	NextCursor *int64 // Cursor for the next older page; nil when the page was empty
}

// Paginator fetches history pages from a Source.
type Paginator struct {
	source Source
	size   int
	logger *slog.Logger
}

// NewPaginator creates a paginator. size <= 0 selects DefaultPageSize.
func NewPaginator(source Source, size int, logger *slog.Logger) *Paginator {
	if size <= 0 {
		size = DefaultPageSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Paginator{
		source: source,
		size:   size,
		logger: logger.With("component", "history"),
	}
}

// PageSize returns the default page size.
func (p *Paginator) PageSize() int {
	return p.size
}

// FetchPage fetches up to size messages older than cursor, or the newest page
// when cursor is nil. HasMore is true iff the page came back full and moved
// the cursor.
func (p *Paginator) FetchPage(ctx context.Context, roomID int64, cursor *int64, size int) (Page, error) {
	if roomID <= 0 {
		return Page{}, fmt.Errorf("%w: %d", ErrInvalidRoom, roomID)
	}
	if size <= 0 {
		size = p.size
	}

	msgs, err := p.source.GetMessages(ctx, roomID, cursor, size)
	if err != nil {
		return Page{}, fmt.Errorf("fetch history page: %w", err)
	}

	// A full page means the server may hold older rows even when
	// normalize drops duplicates or foreign rows from it.
	fetched := len(msgs)
	msgs = normalize(roomID, msgs)
	page := Page{
		Messages: msgs,
		HasMore:  fetched >= size,
	}

	if len(msgs) == 0 {
		page.HasMore = false
		page.NextCursor = cursor
		return page, nil
	}

	next := msgs[0].ID
	page.NextCursor = &next

	if cursor != nil && next >= *cursor {
		p.logger.Warn("history page did not move cursor, stopping",
			"room_id", roomID,
			"cursor", *cursor,
			"oldest", next,
		)
		page.HasMore = false
	}

	return page, nil
}

// normalize sorts ascending by id and drops duplicate ids and messages
// that belong to another room.
func normalize(roomID int64, msgs []model.ChatMessage) []model.ChatMessage {
	out := make([]model.ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		if m.RoomID != 0 && m.RoomID != roomID {
			continue
		}
		if m.RoomID == 0 {
			m.RoomID = roomID
		}
		out = append(out, m)
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	deduped := out[:0]
	for _, m := range out {
		if n := len(deduped); n > 0 && m.ID == deduped[n-1].ID {
			continue
		}
		deduped = append(deduped, m)
	}
	return deduped
}

package mock

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/campusanon/chatsync/internal/broker"
	"github.com/campusanon/chatsync/internal/model"
)

// ErrInvalidRequest is returned for malformed store requests.
var ErrInvalidRequest = errors.New("invalid request")

// FirstGeneratedID is the first id handed out for new rooms and messages,
// clear of the seeded ids.
const FirstGeneratedID = 10000

// DefaultOtherParticipant is the reply author when a room has no other member.
const DefaultOtherParticipant = 2

type room struct {
	summary      model.RoomSummary
	participants []int64
}

// Store is the in-memory demo data set.
type Store struct {
	mu          sync.RWMutex
	rooms       map[int64]*room
	order       []int64
	messages    map[int64][]model.ChatMessage
	currentUser int64
	nextID      int64
	now         func() time.Time
}

// NewStore creates a store seeded with the demo rooms.
func NewStore() *Store {
	s := &Store{now: time.Now}
	s.Reset()
	return s
}

// Reset restores the seed data.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.rooms = make(map[int64]*room)
	s.order = nil
	s.messages = make(map[int64][]model.ChatMessage)
	s.currentUser = 0
	s.nextID = FirstGeneratedID

	now := s.now()
	for _, seed := range seedRooms {
		at := model.NewTimestamp(now.AddDate(0, 0, -seed.daysAgo))
		var msgs []model.ChatMessage
		for i, line := range seed.lines {
			msgs = append(msgs, model.ChatMessage{
				ID:        seed.firstID + int64(i),
				RoomID:    seed.id,
				SenderID:  line.sender,
				Content:   line.text,
				CreatedAt: at,
			})
		}

		last := msgs[len(msgs)-1].Content
		s.rooms[seed.id] = &room{
			summary: model.RoomSummary{
				RoomID:        seed.id,
				LastMessage:   &last,
				LastMessageAt: &at,
				PostInfo:      model.PostInfo{ID: seed.id, Title: seed.title},
			},
			participants: append([]int64(nil), seed.participants...),
		}
		s.order = append(s.order, seed.id)
		s.messages[seed.id] = msgs
	}
}

// SetCurrentUser records the signed-in user. Zero clears it.
func (s *Store) SetCurrentUser(userID int64) {
	s.mu.Lock()
	s.currentUser = userID
	s.mu.Unlock()
}

// CurrentUser returns the signed-in user, or 1 when none is set.
func (s *Store) CurrentUser() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentUserLocked()
}

func (s *Store) currentUserLocked() int64 {
	if s.currentUser == 0 {
		return 1
	}
	return s.currentUser
}

// HasRoom reports whether the room exists.
func (s *Store) HasRoom(roomID int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.rooms[roomID]
	return ok
}

// Participants returns the room's member ids.
func (s *Store) Participants(roomID int64) []int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return nil
	}
	return append([]int64(nil), r.participants...)
}

// OtherParticipant returns the first member of the room that is not userID.
func (s *Store) OtherParticipant(roomID, userID int64) int64 {
	for _, id := range s.Participants(roomID) {
		if id != userID {
			return id
		}
	}
	return DefaultOtherParticipant
}

// AddMessage appends a message to a room and updates its summary.
func (s *Store) AddMessage(roomID, senderID int64, content string) (model.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[roomID]
	if !ok {
		return model.ChatMessage{}, fmt.Errorf("%w: room %d", broker.ErrNotFound, roomID)
	}

	msg := model.ChatMessage{
		ID:        s.nextIDLocked(),
		RoomID:    roomID,
		SenderID:  senderID,
		Content:   content,
		CreatedAt: model.NewTimestamp(s.now().UTC()),
	}
	s.messages[roomID] = append(s.messages[roomID], msg)

	last := content
	at := msg.CreatedAt
	r.summary.LastMessage = &last
	r.summary.LastMessageAt = &at
	if senderID != s.currentUserLocked() {
		r.summary.UnreadCount++
	}
	return msg, nil
}

// MarkRead clears a room's unread counter.
func (s *Store) MarkRead(roomID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rooms[roomID]; ok {
		r.summary.UnreadCount = 0
	}
}

// GetMessages serves a history page: the newest size messages with ids below
// lastMessageID, ascending. A nil cursor returns the newest page.
func (s *Store) GetMessages(_ context.Context, roomID int64, lastMessageID *int64, size int) ([]model.ChatMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.rooms[roomID]; !ok {
		return nil, fmt.Errorf("%w: room %d", broker.ErrNotFound, roomID)
	}
	if size <= 0 {
		size = 50
	}

	all := s.messages[roomID]
	end := len(all)
	if lastMessageID != nil {
		end = sort.Search(len(all), func(i int) bool { return all[i].ID >= *lastMessageID })
	}
	start := max(end-size, 0)

	out := make([]model.ChatMessage, end-start)
	copy(out, all[start:end])
	return out, nil
}

// GetRooms returns the room list in creation order.
func (s *Store) GetRooms(_ context.Context) ([]model.RoomSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.RoomSummary, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.rooms[id].summary)
	}
	return out, nil
}

// CreateRoom opens a room between the current user and the receiver.
func (s *Store) CreateRoom(_ context.Context, req model.CreateRoomRequest) (model.CreateRoomResponse, error) {
	if req.PostID <= 0 || req.ReceiverID <= 0 {
		return model.CreateRoomResponse{}, fmt.Errorf("%w: ids must be positive", ErrInvalidRequest)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextIDLocked()
	at := model.NewTimestamp(s.now().UTC())
	s.rooms[id] = &room{
		summary: model.RoomSummary{
			RoomID:        id,
			LastMessageAt: &at,
			PostInfo:      model.PostInfo{ID: req.PostID, Title: "Demo post"},
		},
		participants: []int64{s.currentUserLocked(), req.ReceiverID},
	}
	s.order = append(s.order, id)
	s.messages[id] = nil

	return model.CreateRoomResponse{RoomID: id}, nil
}

func (s *Store) nextIDLocked() int64 {
	id := s.nextID
	s.nextID++
	return id
}

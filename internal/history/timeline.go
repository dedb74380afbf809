package history

import (
	"sort"
	"sync"

	"github.com/campusanon/chatsync/internal/model"
)

// Timeline is a room's merged message sequence, kept strictly increasing by
// id. The first write for an id wins; messages are immutable.
type Timeline struct {
	mu   sync.RWMutex
	msgs []model.ChatMessage
	ids  map[int64]struct{}
}

// NewTimeline creates an empty timeline.
func NewTimeline() *Timeline {
	return &Timeline{ids: make(map[int64]struct{})}
}

// Insert adds msg by id. It returns false if the id is already present.
func (t *Timeline) Insert(msg model.ChatMessage) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.insertLocked(msg)
}

// Merge inserts every message and returns how many were new.
func (t *Timeline) Merge(msgs []model.ChatMessage) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	added := 0
	for _, m := range msgs {
		if t.insertLocked(m) {
			added++
		}
	}
	return added
}

func (t *Timeline) insertLocked(msg model.ChatMessage) bool {
	if _, ok := t.ids[msg.ID]; ok {
		return false
	}
	t.ids[msg.ID] = struct{}{}

	// Live appends land at the tail; older pages at the head.
	n := len(t.msgs)
	if n == 0 || t.msgs[n-1].ID < msg.ID {
		t.msgs = append(t.msgs, msg)
		return true
	}

	i := sort.Search(n, func(i int) bool { return t.msgs[i].ID > msg.ID })
	t.msgs = append(t.msgs, model.ChatMessage{})
	copy(t.msgs[i+1:], t.msgs[i:])
	t.msgs[i] = msg
	return true
}

// Messages returns a copy of the timeline in ascending id order.
func (t *Timeline) Messages() []model.ChatMessage {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]model.ChatMessage, len(t.msgs))
	copy(out, t.msgs)
	return out
}

// Len returns the number of messages.
func (t *Timeline) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.msgs)
}

// Contains reports whether id is present.
func (t *Timeline) Contains(id int64) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.ids[id]
	return ok
}

// Oldest returns the message with the smallest id.
func (t *Timeline) Oldest() (model.ChatMessage, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.msgs) == 0 {
		return model.ChatMessage{}, false
	}
	return t.msgs[0], true
}

// Newest returns the message with the largest id.
func (t *Timeline) Newest() (model.ChatMessage, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.msgs) == 0 {
		return model.ChatMessage{}, false
	}
	return t.msgs[len(t.msgs)-1], true
}

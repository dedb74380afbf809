package connection

import (
	"errors"
	"sync"
	"testing"

	"github.com/campusanon/chatsync/internal/broker"
	"github.com/campusanon/chatsync/internal/model"
)

type recordingSender struct {
	mu     sync.Mutex
	frames []Frame
	err    error
}

func (s *recordingSender) Send(f Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.frames = append(s.frames, f)
	return nil
}

func (s *recordingSender) commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.frames))
	for i, f := range s.frames {
		out[i] = f.Command
	}
	return out
}

func messageFrame(subID, body string) Frame {
	f := NewFrame(CmdMessage, HeaderSubscription, subID)
	f.Body = []byte(body)
	return f
}

func TestRegistry_SubscribeRequiresSession(t *testing.T) {
	r := NewRegistry(nil)
	if err := r.Subscribe(1, nil); !errors.Is(err, broker.ErrNotConnected) {
		t.Errorf("Subscribe() error = %v, want ErrNotConnected", err)
	}
	if err := r.Subscribe(0, nil); !errors.Is(err, broker.ErrNotFound) {
		t.Errorf("Subscribe(0) error = %v, want ErrNotFound", err)
	}
}

func TestRegistry_SubscribeReplacesExisting(t *testing.T) {
	sender := &recordingSender{}
	r := NewRegistry(nil)
	r.Attach(sender)

	var got []model.MessageEvent
	handler := func(ev model.MessageEvent) { got = append(got, ev) }

	if err := r.Subscribe(1, handler); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	first := r.subscriptionID(1)

	if err := r.Subscribe(1, handler); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	second := r.subscriptionID(1)

	if first == second {
		t.Fatal("expected a new subscription id on replace")
	}

	want := []string{CmdSubscribe, CmdUnsubscribe, CmdSubscribe}
	cmds := sender.commands()
	if len(cmds) != len(want) {
		t.Fatalf("commands = %v, want %v", cmds, want)
	}
	for i := range want {
		if cmds[i] != want[i] {
			t.Errorf("commands[%d] = %s, want %s", i, cmds[i], want[i])
		}
	}

	// Frames for the replaced subscription are dropped.
	r.Dispatch(messageFrame(first, `{"id":1,"room_id":1,"content":"old"}`))
	r.Dispatch(messageFrame(second, `{"id":2,"room_id":1,"content":"new"}`))

	if len(got) != 1 || got[0].ID != 2 {
		t.Errorf("delivered = %+v, want only id 2", got)
	}
	if len(r.Rooms()) != 1 {
		t.Errorf("Rooms() = %v, want one room", r.Rooms())
	}
}

func TestRegistry_MalformedFrameKeepsSubscription(t *testing.T) {
	r := NewRegistry(nil)
	r.Attach(&recordingSender{})

	var got []model.MessageEvent
	if err := r.Subscribe(7, func(ev model.MessageEvent) { got = append(got, ev) }); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	subID := r.subscriptionID(7)

	if r.Dispatch(messageFrame(subID, "not json")) {
		t.Error("Dispatch of malformed body returned true")
	}
	if !r.Dispatch(messageFrame(subID, `{"id":5,"room_id":7,"content":"ok"}`)) {
		t.Error("Dispatch of valid body returned false")
	}

	if len(got) != 1 || got[0].Content != "ok" {
		t.Errorf("delivered = %+v, want one event", got)
	}

	stats := r.Stats()
	if stats.ParseErrors != 1 {
		t.Errorf("ParseErrors = %d, want 1", stats.ParseErrors)
	}
	if stats.Delivered != 1 {
		t.Errorf("Delivered = %d, want 1", stats.Delivered)
	}
	if !r.Has(7) {
		t.Error("room 7 dropped after malformed frame")
	}
}

func TestRegistry_DispatchByDestinationFallback(t *testing.T) {
	r := NewRegistry(nil)
	r.Attach(&recordingSender{})

	var got int
	r.Subscribe(3, func(model.MessageEvent) { got++ })

	f := NewFrame(CmdMessage, HeaderDestination, model.RoomTopic(3))
	f.Body = []byte(`{"id":9,"room_id":3}`)
	r.Dispatch(f)

	f = NewFrame(CmdMessage, HeaderDestination, model.RoomTopic(4))
	f.Body = []byte(`{"id":10,"room_id":4}`)
	r.Dispatch(f)

	if got != 1 {
		t.Errorf("delivered = %d, want 1", got)
	}
	if r.Stats().Dropped != 1 {
		t.Errorf("Dropped = %d, want 1", r.Stats().Dropped)
	}
}

func TestRegistry_DetachResubscribe(t *testing.T) {
	r := NewRegistry(nil)
	r.Attach(&recordingSender{})

	var got int
	handler := func(model.MessageEvent) { got++ }
	r.Subscribe(1, handler)
	r.Subscribe(2, handler)
	oldID := r.subscriptionID(1)

	r.Detach()

	if stats := r.Stats(); stats.Rooms != 2 || stats.Live != 0 {
		t.Errorf("after Detach stats = %+v, want 2 rooms, 0 live", stats)
	}
	if r.Resubscribe() != 0 {
		t.Error("Resubscribe without a session should do nothing")
	}

	sender := &recordingSender{}
	r.Attach(sender)
	if n := r.Resubscribe(); n != 2 {
		t.Errorf("Resubscribe() = %d, want 2", n)
	}
	if cmds := sender.commands(); len(cmds) != 2 {
		t.Errorf("commands = %v, want two SUBSCRIBE frames", cmds)
	}

	// Stale id from the previous session is dropped; the new one delivers once.
	r.Dispatch(messageFrame(oldID, `{"id":1,"room_id":1}`))
	r.Dispatch(messageFrame(r.subscriptionID(1), `{"id":2,"room_id":1}`))
	if got != 1 {
		t.Errorf("delivered = %d, want 1", got)
	}
}

func TestRegistry_Unsubscribe(t *testing.T) {
	sender := &recordingSender{}
	r := NewRegistry(nil)
	r.Attach(sender)

	r.Subscribe(1, nil)
	r.Subscribe(2, nil)

	r.Unsubscribe(99) // unknown room
	r.Unsubscribe(1)
	r.Unsubscribe(1) // idempotent

	if rooms := r.Rooms(); len(rooms) != 1 || rooms[0] != 2 {
		t.Errorf("Rooms() = %v, want [2]", rooms)
	}

	r.UnsubscribeAll()
	if len(r.Rooms()) != 0 {
		t.Errorf("Rooms() = %v, want empty", r.Rooms())
	}

	unsubs := 0
	for _, c := range sender.commands() {
		if c == CmdUnsubscribe {
			unsubs++
		}
	}
	if unsubs != 2 {
		t.Errorf("UNSUBSCRIBE frames = %d, want 2", unsubs)
	}
}

func TestRegistry_SubscribeSendFailure(t *testing.T) {
	r := NewRegistry(nil)
	r.Attach(&recordingSender{err: errors.New("boom")})

	err := r.Subscribe(1, nil)
	if !errors.Is(err, broker.ErrTransport) {
		t.Errorf("Subscribe() error = %v, want ErrTransport", err)
	}
	if r.Has(1) {
		t.Error("failed subscription should not be in the set")
	}
}

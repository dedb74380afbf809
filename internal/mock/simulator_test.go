package mock

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/campusanon/chatsync/internal/auth"
	"github.com/campusanon/chatsync/internal/broker"
	"github.com/campusanon/chatsync/internal/model"
)

type recorder struct {
	mu     sync.Mutex
	states []broker.State
	events []model.MessageEvent
}

func (r *recorder) OnStateChange(c broker.StateChange) {
	r.mu.Lock()
	r.states = append(r.states, c.To)
	r.mu.Unlock()
}

func (r *recorder) OnEvent(ev model.MessageEvent) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) snapshot() ([]broker.State, []model.MessageEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]broker.State(nil), r.states...), append([]model.MessageEvent(nil), r.events...)
}

func fastConfig() Config {
	return Config{
		ConnectLatency: 10 * time.Millisecond,
		ReplyDelayMin:  20 * time.Millisecond,
		ReplyDelayMax:  40 * time.Millisecond,
		SettleDelay:    20 * time.Millisecond,
		DefaultUserID:  1,
	}
}

func newSim(t *testing.T, cfg Config) (*Simulator, *recorder) {
	t.Helper()
	sim := NewSimulator(cfg, nil, nil)
	rec := &recorder{}
	sim.SetListener(rec)
	t.Cleanup(func() { sim.Close() })
	return sim, rec
}

func waitFor(t *testing.T, timeout time.Duration, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
}

func TestSimulator_RoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("uses demo timings")
	}

	sim, rec := newSim(t, DefaultConfig())

	start := time.Now()
	sim.Connect("tok")
	waitFor(t, 2*time.Second, "connected", sim.IsConnected)
	if elapsed := time.Since(start); elapsed < 500*time.Millisecond {
		t.Errorf("connected after %v, want >= 500ms", elapsed)
	}

	if err := sim.SubscribeToRoom(1); err != nil {
		t.Fatalf("SubscribeToRoom() error = %v", err)
	}

	sentAt := time.Now()
	if err := sim.SendMessage(model.SendPayload{RoomID: 1, Content: "hi"}); err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}

	sent := sim.Sent()
	if len(sent) != 1 || sent[0].Content != "hi" || sent[0].RoomID != 1 {
		t.Fatalf("Sent() = %+v, want one message in room 1", sent)
	}

	waitFor(t, 6*time.Second, "reply", func() bool {
		_, events := rec.snapshot()
		return len(events) == 2
	})
	replyAfter := time.Since(sentAt)

	_, events := rec.snapshot()
	echo, reply := events[0], events[1]
	if echo.ID != sent[0].ID {
		t.Errorf("first event id = %d, want echo %d", echo.ID, sent[0].ID)
	}
	if reply.RoomID != 1 {
		t.Errorf("reply room = %d, want 1", reply.RoomID)
	}
	if reply.SenderID == sent[0].SenderID {
		t.Errorf("reply sender = %d, want someone other than the sender", reply.SenderID)
	}
	if reply.SenderID != 2 {
		t.Errorf("reply sender = %d, want 2", reply.SenderID)
	}
	if replyAfter < 2*time.Second || replyAfter > 5500*time.Millisecond {
		t.Errorf("reply after %v, want within 2-5s", replyAfter)
	}
}

func TestSimulator_StateSequence(t *testing.T) {
	sim, rec := newSim(t, fastConfig())

	sim.Connect("tok")
	waitFor(t, time.Second, "connected", sim.IsConnected)
	sim.Disconnect()

	want := []broker.State{broker.StateConnecting, broker.StateConnected, broker.StateDisconnected}
	states, _ := rec.snapshot()
	if len(states) != len(want) {
		t.Fatalf("states = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Errorf("states[%d] = %v, want %v", i, states[i], want[i])
		}
	}
}

func TestSimulator_EmptyCredentialRejected(t *testing.T) {
	sim, rec := newSim(t, fastConfig())

	sim.Connect("")
	waitFor(t, time.Second, "errored", func() bool {
		states, _ := rec.snapshot()
		return len(states) == 3
	})

	if sim.IsConnected() {
		t.Error("IsConnected() = true, want false")
	}
	if err := sim.LastError(); !errors.Is(err, broker.ErrAuthFailure) {
		t.Errorf("LastError() = %v, want ErrAuthFailure", err)
	}
	states, _ := rec.snapshot()
	if states[1] != broker.StateErrored {
		t.Errorf("states = %v, want Errored after Connecting", states)
	}
}

func TestSimulator_ConnectWhileConnectedIsNoop(t *testing.T) {
	sim, rec := newSim(t, fastConfig())

	sim.Connect("tok")
	sim.Connect("tok")
	waitFor(t, time.Second, "connected", sim.IsConnected)
	sim.Connect("tok")

	time.Sleep(30 * time.Millisecond)
	states, _ := rec.snapshot()
	if len(states) != 2 {
		t.Errorf("states = %v, want connecting and connected only", states)
	}
}

func TestSimulator_SendRequiresConnection(t *testing.T) {
	sim, _ := newSim(t, fastConfig())

	err := sim.SendMessage(model.SendPayload{RoomID: 1, Content: "hi"})
	if !errors.Is(err, broker.ErrNotConnected) {
		t.Errorf("SendMessage() error = %v, want ErrNotConnected", err)
	}
	if len(sim.Sent()) != 0 {
		t.Errorf("Sent() = %d messages, want 0", len(sim.Sent()))
	}
}

func TestSimulator_SubscribeErrors(t *testing.T) {
	sim, _ := newSim(t, fastConfig())

	if err := sim.SubscribeToRoom(1); !errors.Is(err, broker.ErrNotConnected) {
		t.Errorf("SubscribeToRoom() before connect error = %v, want ErrNotConnected", err)
	}

	sim.Connect("tok")
	waitFor(t, time.Second, "connected", sim.IsConnected)

	if err := sim.SubscribeToRoom(99); !errors.Is(err, broker.ErrNotFound) {
		t.Errorf("SubscribeToRoom(99) error = %v, want ErrNotFound", err)
	}
	if err := sim.SendMessage(model.SendPayload{RoomID: 99, Content: "x"}); !errors.Is(err, broker.ErrNotFound) {
		t.Errorf("SendMessage(room 99) error = %v, want ErrNotFound", err)
	}
	if err := sim.SendMessage(model.SendPayload{RoomID: 1, Content: "  "}); !errors.Is(err, model.ErrEmptyContent) {
		t.Errorf("SendMessage(blank) error = %v, want ErrEmptyContent", err)
	}
}

func TestSimulator_IdempotentSubscribe(t *testing.T) {
	sim, rec := newSim(t, fastConfig())
	sim.Connect("tok")
	waitFor(t, time.Second, "connected", sim.IsConnected)

	for i := 0; i < 2; i++ {
		if err := sim.SubscribeToRoom(1); err != nil {
			t.Fatalf("SubscribeToRoom() error = %v", err)
		}
	}
	if err := sim.SendMessage(model.SendPayload{RoomID: 1, Content: "hi"}); err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}

	waitFor(t, time.Second, "reply", func() bool {
		_, events := rec.snapshot()
		return len(events) >= 2
	})
	time.Sleep(50 * time.Millisecond)

	_, events := rec.snapshot()
	if len(events) != 2 {
		t.Errorf("events = %d, want exactly echo and reply", len(events))
	}
}

func TestSimulator_ReplyFromOtherParticipant(t *testing.T) {
	sim, rec := newSim(t, fastConfig())

	token, err := auth.IssueToken(3, "three", time.Hour, []byte("secret"))
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}

	sim.Connect(token)
	waitFor(t, time.Second, "connected", sim.IsConnected)
	if err := sim.SubscribeToRoom(2); err != nil {
		t.Fatalf("SubscribeToRoom() error = %v", err)
	}
	if err := sim.SendMessage(model.SendPayload{RoomID: 2, Content: "hello"}); err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}

	waitFor(t, time.Second, "reply", func() bool {
		_, events := rec.snapshot()
		return len(events) == 2
	})

	_, events := rec.snapshot()
	if events[0].SenderID != 3 {
		t.Errorf("echo sender = %d, want 3", events[0].SenderID)
	}
	if events[1].SenderID != 1 {
		t.Errorf("reply sender = %d, want 1", events[1].SenderID)
	}
}

func TestSimulator_UnsubscribedRoomNotDelivered(t *testing.T) {
	sim, rec := newSim(t, fastConfig())
	sim.Connect("tok")
	waitFor(t, time.Second, "connected", sim.IsConnected)

	if err := sim.SendMessage(model.SendPayload{RoomID: 3, Content: "quiet"}); err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	waitFor(t, time.Second, "reply stored", func() bool { return sim.Stats().Replies == 1 })

	_, events := rec.snapshot()
	if len(events) != 0 {
		t.Errorf("events = %d, want 0 for an unsubscribed room", len(events))
	}

	msgs, _ := sim.Store().GetMessages(t.Context(), 3, nil, 50)
	if len(msgs) != 7 {
		t.Errorf("room 3 history = %d messages, want 7", len(msgs))
	}
}

func TestSimulator_DisconnectClearsRooms(t *testing.T) {
	sim, _ := newSim(t, fastConfig())
	sim.Connect("tok")
	waitFor(t, time.Second, "connected", sim.IsConnected)

	sim.SubscribeToRoom(1)
	sim.SubscribeToRoom(2)
	sim.Disconnect()

	if rooms := sim.Rooms(); len(rooms) != 0 {
		t.Errorf("Rooms() = %v, want empty", rooms)
	}
	if sim.IsConnected() {
		t.Error("IsConnected() = true after Disconnect")
	}
	sim.Disconnect()
}

func TestSimulator_ForceReconnectCoalescedAndKeepsRooms(t *testing.T) {
	sim, rec := newSim(t, fastConfig())
	sim.Connect("tok")
	waitFor(t, time.Second, "connected", sim.IsConnected)
	sim.SubscribeToRoom(1)

	sim.ForceReconnect("")
	sim.ForceReconnect("")
	sim.ForceReconnect("")

	waitFor(t, time.Second, "reconnected", func() bool {
		states, _ := rec.snapshot()
		return len(states) == 5 && sim.IsConnected()
	})
	time.Sleep(60 * time.Millisecond)

	states, _ := rec.snapshot()
	want := []broker.State{
		broker.StateConnecting, broker.StateConnected,
		broker.StateDisconnected, broker.StateConnecting, broker.StateConnected,
	}
	if len(states) != len(want) {
		t.Fatalf("states = %v, want %v", states, want)
	}
	if rooms := sim.Rooms(); len(rooms) != 1 || rooms[0] != 1 {
		t.Errorf("Rooms() = %v, want [1]", rooms)
	}
}

func TestSimulator_CoalescedForceReconnectUsesNewestCredential(t *testing.T) {
	secret := []byte("secret")
	user1, _ := auth.IssueToken(1, "", time.Hour, secret)
	user3, _ := auth.IssueToken(3, "", time.Hour, secret)

	cfg := fastConfig()
	cfg.SettleDelay = 50 * time.Millisecond
	sim, _ := newSim(t, cfg)
	sim.Connect(user1)
	waitFor(t, time.Second, "connected", sim.IsConnected)

	sim.ForceReconnect(user1)
	sim.ForceReconnect(user3)

	time.Sleep(20 * time.Millisecond)
	waitFor(t, time.Second, "reconnected", sim.IsConnected)

	msg := model.SendPayload{RoomID: 2, Content: "hi"}
	if err := sim.SendMessage(msg); err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	if sent := sim.Sent(); sent[0].SenderID != 3 {
		t.Errorf("SenderID = %d, want 3", sent[0].SenderID)
	}
}

func TestSimulator_DisconnectCancelsPendingForce(t *testing.T) {
	cfg := fastConfig()
	cfg.SettleDelay = 50 * time.Millisecond
	sim, _ := newSim(t, cfg)
	sim.Connect("tok")
	waitFor(t, time.Second, "connected", sim.IsConnected)

	sim.ForceReconnect("")
	time.Sleep(10 * time.Millisecond)
	sim.Disconnect()

	time.Sleep(120 * time.Millisecond)
	if sim.IsConnected() || sim.State() != broker.StateDisconnected {
		t.Errorf("State() = %v, want disconnected", sim.State())
	}
}

func TestSimulator_CloseIdempotent(t *testing.T) {
	sim := NewSimulator(fastConfig(), nil, nil)
	sim.Connect("tok")
	if err := sim.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := sim.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	sim.Connect("tok")
	time.Sleep(30 * time.Millisecond)
	if sim.IsConnected() {
		t.Error("closed simulator connected")
	}
}

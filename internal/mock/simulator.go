package mock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/campusanon/chatsync/internal/auth"
	"github.com/campusanon/chatsync/internal/broker"
	"github.com/campusanon/chatsync/internal/model"
)

// Config holds simulator timings.
type Config struct {
	ConnectLatency time.Duration
	ReplyDelayMin  time.Duration
	ReplyDelayMax  time.Duration
	SettleDelay    time.Duration
	DefaultUserID  int64 // Used when the credential carries no numeric sub
}

// DefaultConfig returns the demo timings.
func DefaultConfig() Config {
	return Config{
		ConnectLatency: 500 * time.Millisecond,
		ReplyDelayMin:  2 * time.Second,
		ReplyDelayMax:  5 * time.Second,
		SettleDelay:    time.Second,
		DefaultUserID:  1,
	}
}

// Stats holds simulator counters.
type Stats struct {
	State     broker.State
	Rooms     int
	Sent      int64
	Replies   int64
	Delivered int64
}

// Simulator is an in-memory broker.Broker for demo mode.
type Simulator struct {
	cfg    Config
	store  *Store
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	rngMu sync.Mutex
	rng   *rand.Rand

	mu         sync.Mutex
	state      broker.State
	lastErr    error
	credential string
	userID     int64
	gen        uint64
	rooms      map[int64]struct{}
	sent       []model.ChatMessage
	closed     bool

	notifyMu sync.Mutex
	listener atomic.Pointer[broker.Listener]

	reconnecting atomic.Bool

	replies   atomic.Int64
	delivered atomic.Int64
}

var _ broker.Broker = (*Simulator)(nil)

// NewSimulator creates a simulator over store. A nil store gets fresh seed data.
func NewSimulator(cfg Config, store *Store, logger *slog.Logger) *Simulator {
	if store == nil {
		store = NewStore()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ReplyDelayMax < cfg.ReplyDelayMin {
		cfg.ReplyDelayMax = cfg.ReplyDelayMin
	}
	if cfg.DefaultUserID <= 0 {
		cfg.DefaultUserID = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Simulator{
		cfg:    cfg,
		store:  store,
		logger: logger.With("component", "simulator"),
		ctx:    ctx,
		cancel: cancel,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		state:  broker.StateDisconnected,
		rooms:  make(map[int64]struct{}),
	}
	s.SetListener(nil)
	return s
}

// Store returns the backing data set.
func (s *Simulator) Store() *Store {
	return s.store
}

// SetListener registers the observer for state changes and events.
func (s *Simulator) SetListener(l broker.Listener) {
	if l == nil {
		l = broker.Discard
	}
	s.listener.Store(&l)
}

// Connect resolves to Connected after the configured latency. An empty
// credential is rejected as an auth failure.
func (s *Simulator) Connect(credential string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.logger.Warn("connect on closed simulator ignored")
		return
	}
	switch s.state {
	case broker.StateConnected, broker.StateConnecting:
		state := s.state
		s.mu.Unlock()
		s.logger.Warn("connect ignored", "error", broker.ErrAlreadyConnected, "state", state)
		return
	}

	s.credential = credential
	s.gen++
	gen := s.gen
	s.unlockAndNotify(s.transitionLocked(broker.StateConnecting, nil))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.completeConnect(gen, credential)
	}()
}

func (s *Simulator) completeConnect(gen uint64, credential string) {
	if !s.sleep(s.cfg.ConnectLatency) {
		return
	}

	s.mu.Lock()
	if gen != s.gen || s.closed || s.state != broker.StateConnecting {
		s.mu.Unlock()
		return
	}

	if credential == "" {
		err := fmt.Errorf("%w: empty credential", broker.ErrAuthFailure)
		s.lastErr = err
		errored := s.transitionLocked(broker.StateErrored, err)
		disconnected := s.transitionLocked(broker.StateDisconnected, err)
		s.unlockAndNotify(errored, disconnected)
		s.logger.Warn("connect failed", "error", err)
		return
	}

	s.userID = auth.UserID(credential, s.cfg.DefaultUserID)
	s.store.SetCurrentUser(s.userID)
	s.lastErr = nil
	s.unlockAndNotify(s.transitionLocked(broker.StateConnected, nil))

	s.logger.Info("demo session connected", "user_id", s.userID)
}

// Disconnect drops the session and every room.
func (s *Simulator) Disconnect() {
	s.teardown(false)
}

// ForceReconnect disconnects, waits the settle delay, and connects again with
// the room set intact. Calls while one is pending are coalesced into it and
// only update the credential.
func (s *Simulator) ForceReconnect(credential string) {
	// The newest credential always wins, even when this call is coalesced
	// into a pending reconnect.
	s.mu.Lock()
	if credential != "" {
		s.credential = credential
	}
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}

	if !s.reconnecting.CompareAndSwap(false, true) {
		s.logger.Debug("force reconnect already pending, credential updated")
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.reconnecting.Store(false)

		for {
			torn := s.teardown(true)
			if !s.sleep(s.cfg.SettleDelay) {
				return
			}

			s.mu.Lock()
			if s.closed || s.gen != torn || s.state != broker.StateDisconnected {
				s.mu.Unlock()
				return
			}
			credential := s.credential
			s.gen++
			gen := s.gen
			s.unlockAndNotify(s.transitionLocked(broker.StateConnecting, nil))

			s.completeConnect(gen, credential)

			// A credential set while connecting needs one more cycle.
			s.mu.Lock()
			stale := s.gen == gen && s.state == broker.StateConnected && s.credential != credential
			s.mu.Unlock()
			if !stale {
				return
			}
		}
	}()
}

// IsConnected reports whether a session is open.
func (s *Simulator) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == broker.StateConnected
}

// State returns the current connection state.
func (s *Simulator) State() broker.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastError returns the error behind the most recent failure, if any.
func (s *Simulator) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// SubscribeToRoom marks a room for delivery. Subscribing twice is a no-op.
func (s *Simulator) SubscribeToRoom(roomID int64) error {
	if !s.store.HasRoom(roomID) {
		return fmt.Errorf("%w: room %d", broker.ErrNotFound, roomID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != broker.StateConnected {
		return broker.ErrNotConnected
	}
	s.rooms[roomID] = struct{}{}
	return nil
}

// UnsubscribeFromRoom stops delivery for a room. Idempotent.
func (s *Simulator) UnsubscribeFromRoom(roomID int64) {
	s.mu.Lock()
	delete(s.rooms, roomID)
	s.mu.Unlock()
}

// Rooms returns the subscribed rooms, sorted.
func (s *Simulator) Rooms() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]int64, 0, len(s.rooms))
	for id := range s.rooms {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// SendMessage records the message, echoes it through the room subscription
// and schedules a reply from the other participant.
func (s *Simulator) SendMessage(payload model.SendPayload) error {
	s.mu.Lock()
	connected := s.state == broker.StateConnected
	userID := s.userID
	s.mu.Unlock()

	if !connected {
		return broker.ErrNotConnected
	}
	if err := payload.Validate(); err != nil {
		if errors.Is(err, model.ErrInvalidRoom) {
			return fmt.Errorf("%w: %v", broker.ErrNotFound, err)
		}
		return err
	}

	msg, err := s.store.AddMessage(payload.RoomID, userID, payload.Content)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.sent = append(s.sent, msg)
	s.mu.Unlock()

	s.logger.Debug("message sent", "room_id", msg.RoomID, "message_id", msg.ID)
	s.deliver(msg)

	delay := s.replyDelay()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.reply(payload.RoomID, userID, delay)
	}()
	return nil
}

// Sent returns every message recorded by SendMessage.
func (s *Simulator) Sent() []model.ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.ChatMessage(nil), s.sent...)
}

// Stats returns current counters.
func (s *Simulator) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		State:     s.state,
		Rooms:     len(s.rooms),
		Sent:      int64(len(s.sent)),
		Replies:   s.replies.Load(),
		Delivered: s.delivered.Load(),
	}
}

// Close stops pending timers. The simulator cannot be reused.
func (s *Simulator) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.teardown(false)
	s.cancel()
	s.wg.Wait()
	return nil
}

func (s *Simulator) reply(roomID, senderID int64, delay time.Duration) {
	if !s.sleep(delay) {
		return
	}

	from := s.store.OtherParticipant(roomID, senderID)
	msg, err := s.store.AddMessage(roomID, from, s.phrase())
	if err != nil {
		s.logger.Warn("auto reply failed", "room_id", roomID, "error", err)
		return
	}
	s.replies.Add(1)
	s.deliver(msg)
}

// deliver emits msg if a session is open and the room is subscribed, the
// way a server broadcast reaches whoever is listening at that moment.
func (s *Simulator) deliver(msg model.ChatMessage) {
	s.mu.Lock()
	_, subscribed := s.rooms[msg.RoomID]
	live := s.state == broker.StateConnected && subscribed
	s.mu.Unlock()

	if !live {
		return
	}

	s.delivered.Add(1)
	(*s.listener.Load()).OnEvent(model.MessageEvent{ChatMessage: msg, Type: model.EventMessage})
}

func (s *Simulator) teardown(keepRooms bool) uint64 {
	s.mu.Lock()
	s.gen++
	gen := s.gen
	if !keepRooms {
		s.rooms = make(map[int64]struct{})
		s.lastErr = nil
	}
	if s.state == broker.StateDisconnected {
		s.mu.Unlock()
		return gen
	}
	s.unlockAndNotify(s.transitionLocked(broker.StateDisconnected, nil))

	s.logger.Info("demo session disconnected", "keep_rooms", keepRooms)
	return gen
}

func (s *Simulator) replyDelay() time.Duration {
	span := s.cfg.ReplyDelayMax - s.cfg.ReplyDelayMin
	if span <= 0 {
		return s.cfg.ReplyDelayMin
	}
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return s.cfg.ReplyDelayMin + time.Duration(s.rng.Int63n(int64(span)+1))
}

func (s *Simulator) phrase() string {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return replyPhrases[s.rng.Intn(len(replyPhrases))]
}

// sleep waits d or until Close. Returns false on Close.
func (s *Simulator) sleep(d time.Duration) bool {
	if d <= 0 {
		return s.ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-s.ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (s *Simulator) transitionLocked(to broker.State, err error) broker.StateChange {
	change := broker.StateChange{From: s.state, To: to, Err: err, At: time.Now()}
	s.state = to
	return change
}

// unlockAndNotify releases mu and delivers changes in order.
func (s *Simulator) unlockAndNotify(changes ...broker.StateChange) {
	s.notifyMu.Lock()
	s.mu.Unlock()
	defer s.notifyMu.Unlock()

	l := *s.listener.Load()
	for _, c := range changes {
		if c.From == c.To {
			continue
		}
		l.OnStateChange(c)
	}
}

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/campusanon/chatsync/internal/auth"
	"github.com/campusanon/chatsync/internal/broker"
	"github.com/campusanon/chatsync/internal/history"
	"github.com/campusanon/chatsync/internal/model"
	"github.com/campusanon/chatsync/internal/router"
)

// Errors
var (
	ErrNoCredential = errors.New("no credential set")
	ErrClosed       = errors.New("session closed")
)

// ConnectionState is a point-in-time view of the session.
type ConnectionState struct {
	State      broker.State
	Connected  bool
	Connecting bool
	LastError  error
	Since      time.Time
}

// StateObserver is called on every connection state change, in order.
type StateObserver func(ConnectionState)

// roomLister is implemented by brokers that expose their live room set.
type roomLister interface {
	Rooms() []int64
}

// Option configures a Facade.
type Option func(*Facade)

// WithParser sets the credential parser. The default does not check signatures.
func WithParser(p auth.Parser) Option {
	return func(f *Facade) {
		f.parser = p
	}
}

// WithHistory enables per-room history timelines backed by p.
func WithHistory(p *history.Paginator) Option {
	return func(f *Facade) {
		f.paginator = p
	}
}

// Facade is the session entry point.
type Facade struct {
	broker    broker.Broker
	router    *router.Router
	parser    auth.Parser
	paginator *history.Paginator
	logger    *slog.Logger

	mu         sync.Mutex
	state      ConnectionState
	credential *auth.Credential
	token      string
	desired    map[int64]*history.RoomHistory
	observers  []StateObserver
	closed     bool
}

// New creates a facade over b. The facade takes ownership of b and installs
// its router as b's listener.
func New(b broker.Broker, cfg router.RouterConfig, logger *slog.Logger, opts ...Option) *Facade {
	if logger == nil {
		logger = slog.Default()
	}

	f := &Facade{
		broker:  b,
		router:  router.NewRouter(cfg, logger.With("component", "router")),
		logger:  logger.With("component", "session"),
		desired: make(map[int64]*history.RoomHistory),
		state:   ConnectionState{State: broker.StateDisconnected, Since: time.Now()},
	}
	for _, opt := range opts {
		opt(f)
	}

	f.router.HandleState(f.handleState)
	f.router.HandleMessages(f.appendHistory)
	b.SetListener(f.router)
	return f
}

// Start begins routing broker output.
func (f *Facade) Start(ctx context.Context) error {
	return f.router.Start(ctx)
}

// Router exposes the event router for stats and extra sinks.
func (f *Facade) Router() *router.Router {
	return f.router
}

// ConnectionState returns the current snapshot.
func (f *Facade) ConnectionState() ConnectionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// IsConnected asks the broker directly.
func (f *Facade) IsConnected() bool {
	return f.broker.IsConnected()
}

// OnStateChange registers an observer for connection state changes.
func (f *Facade) OnStateChange(fn StateObserver) {
	f.mu.Lock()
	f.observers = append(f.observers, fn)
	f.mu.Unlock()
}

// OnMessage registers a callback for inbound events. Invalidation sinks have
// already run when it is called.
func (f *Facade) OnMessage(fn router.MessageHandler) {
	f.router.HandleMessages(fn)
}

// AddInvalidationSink registers a cache invalidation sink.
func (f *Facade) AddInvalidationSink(s router.InvalidationSink) {
	f.router.AddInvalidationSink(s)
}

// AddEventSink registers a sink for persistent messages.
func (f *Facade) AddEventSink(s router.EventSink) {
	f.router.AddEventSink(s)
}

// SetCredential stores token and connects. An empty token logs out: the
// credential is cleared, every room is closed and the session disconnects.
// A token that is expired or fails signature checks is rejected and not
// stored. A token that is not a JWT is passed through; the broker decides.
func (f *Facade) SetCredential(token string) error {
	token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
	if token == "" {
		f.Logout()
		return nil
	}

	cred, err := f.parser.Parse(token)
	switch {
	case err == nil:
	case errors.Is(err, auth.ErrMalformedToken):
		f.logger.Debug("credential is not a JWT, passing through")
		cred = &auth.Credential{Token: token}
	default:
		return fmt.Errorf("set credential: %w", err)
	}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return ErrClosed
	}
	previous := f.token
	f.token = token
	f.credential = cred
	active := f.state.Connecting || f.state.Connected
	f.mu.Unlock()

	active = active || f.broker.IsConnected()
	switch {
	case previous == token && active:
		return nil
	case previous != "" && previous != token:
		// New credential supersedes the previous one. ForceReconnect also
		// covers a connect or reconnect already in flight with the old one.
		f.broker.ForceReconnect(token)
	default:
		f.broker.Connect(token)
	}

	f.logger.Info("credential set", "user_id", cred.UserID)
	return nil
}

// Logout clears the credential, closes every room and disconnects.
func (f *Facade) Logout() {
	f.mu.Lock()
	hadToken := f.token != ""
	f.token = ""
	f.credential = nil
	f.desired = make(map[int64]*history.RoomHistory)
	f.mu.Unlock()

	f.broker.Disconnect()
	if hadToken {
		f.logger.Info("logged out")
	}
}

// Token returns the current bearer token, or "" when logged out.
func (f *Facade) Token() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.token
}

// UserID returns the sub claim of the current credential, or 0.
func (f *Facade) UserID() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.credential == nil {
		return 0
	}
	return f.credential.UserID
}

// Reconnect forces a reconnect with the current credential.
func (f *Facade) Reconnect() error {
	token := f.Token()
	if token == "" {
		return ErrNoCredential
	}
	f.broker.ForceReconnect(token)
	return nil
}

// SendMessage publishes content to a room. It fails with
// broker.ErrNotConnected when no session is open. The message shows up
// through the room subscription; nothing is appended locally.
func (f *Facade) SendMessage(roomID int64, content string) error {
	if !f.broker.IsConnected() {
		return broker.ErrNotConnected
	}
	return f.broker.SendMessage(model.SendPayload{RoomID: roomID, Content: content})
}

// OpenRoom adds roomID to the open room set and subscribes when connected.
// Open rooms are subscribed again on every transition to Connected.
func (f *Facade) OpenRoom(roomID int64) error {
	if roomID <= 0 {
		return fmt.Errorf("%w: room %d", broker.ErrNotFound, roomID)
	}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return ErrClosed
	}
	if _, ok := f.desired[roomID]; !ok {
		var h *history.RoomHistory
		if f.paginator != nil {
			h = history.NewRoomHistory(roomID, f.paginator)
		}
		f.desired[roomID] = h
	}
	f.mu.Unlock()

	if !f.broker.IsConnected() {
		return nil
	}
	return f.broker.SubscribeToRoom(roomID)
}

// CloseRoom removes roomID from the open room set and unsubscribes.
func (f *Facade) CloseRoom(roomID int64) {
	f.mu.Lock()
	delete(f.desired, roomID)
	f.mu.Unlock()

	f.broker.UnsubscribeFromRoom(roomID)
}

// OpenRooms returns the open room set, sorted.
func (f *Facade) OpenRooms() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]int64, 0, len(f.desired))
	for id := range f.desired {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// History returns the merged timeline of an open room. It is nil when the
// facade was built without a paginator.
func (f *Facade) History(roomID int64) (*history.RoomHistory, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.desired[roomID]
	return h, ok && h != nil
}

// Close disconnects the broker and drains the router.
func (f *Facade) Close(ctx context.Context) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	f.mu.Unlock()

	err := f.broker.Close()
	if stopErr := f.router.Stop(ctx); err == nil {
		err = stopErr
	}
	return err
}

// handleState runs on the router goroutine.
func (f *Facade) handleState(change broker.StateChange) {
	f.mu.Lock()
	next := ConnectionState{
		State:      change.To,
		Connected:  change.To == broker.StateConnected,
		Connecting: change.To == broker.StateConnecting,
		LastError:  f.state.LastError,
		Since:      change.At,
	}
	switch change.To {
	case broker.StateConnected:
		next.LastError = nil
	case broker.StateErrored, broker.StateDisconnected:
		next.LastError = change.Err
	}
	f.state = next
	observers := f.observers
	f.mu.Unlock()

	if change.Err != nil {
		f.logger.Warn("connection state changed", "from", change.From, "to", change.To, "error", change.Err)
	} else {
		f.logger.Debug("connection state changed", "from", change.From, "to", change.To)
	}

	if change.To == broker.StateConnected {
		f.applyRooms()
	}

	for _, fn := range observers {
		fn(next)
	}
}

// applyRooms subscribes open rooms the broker is missing and drops rooms it
// still carries that are no longer open.
func (f *Facade) applyRooms() {
	want := f.OpenRooms()

	have := map[int64]bool{}
	if rl, ok := f.broker.(roomLister); ok {
		for _, id := range rl.Rooms() {
			have[id] = true
		}
	}

	for _, id := range want {
		if have[id] {
			delete(have, id)
			continue
		}
		if err := f.broker.SubscribeToRoom(id); err != nil {
			f.logger.Warn("subscribe on connect failed", "room_id", id, "error", err)
		}
	}
	for id := range have {
		f.broker.UnsubscribeFromRoom(id)
	}
}

// appendHistory merges live messages into open room timelines.
func (f *Facade) appendHistory(ev model.MessageEvent) {
	if h, ok := f.History(ev.RoomID); ok {
		h.Append(ev)
	}
}

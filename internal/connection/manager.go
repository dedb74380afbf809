package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/campusanon/chatsync/internal/broker"
	"github.com/campusanon/chatsync/internal/model"
)

// ClientFactory creates a client for one session.
type ClientFactory func(cfg ClientConfig, logger *slog.Logger) Client

// Manager owns the single broker session and implements broker.Broker.
type Manager struct {
	cfg       ManagerConfig
	logger    *slog.Logger
	newClient ClientFactory
	registry  *Registry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Session state, guarded by mu.
	mu         sync.Mutex
	state      broker.State
	lastErr    error
	client     Client
	credential string
	gen        uint64 // Bumped on every connect attempt and teardown
	closed     bool

	// Listener delivery is serialized so observers see transitions in order.
	notifyMu sync.Mutex
	listener atomic.Pointer[broker.Listener]

	reconnecting atomic.Bool

	sessions atomic.Int64
	drops    atomic.Int64
}

var _ broker.Broker = (*Manager)(nil)

// NewManager creates a new Connection Manager.
func NewManager(cfg ManagerConfig, logger *slog.Logger) *Manager {
	return NewManagerWithFactory(cfg, NewClient, logger)
}

// NewManagerWithFactory creates a Connection Manager with a custom client factory.
func NewManagerWithFactory(cfg ManagerConfig, factory ClientFactory, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if factory == nil {
		factory = NewClient
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:       cfg,
		logger:    logger,
		newClient: factory,
		registry:  NewRegistry(logger.With("component", "registry")),
		ctx:       ctx,
		cancel:    cancel,
		state:     broker.StateDisconnected,
	}
	m.SetListener(nil)
	return m
}

// SetListener registers the observer for state changes and events.
func (m *Manager) SetListener(l broker.Listener) {
	if l == nil {
		l = broker.Discard
	}
	m.listener.Store(&l)
}

// Connect starts an asynchronous connect. It is a no-op with a warning when a
// session is already open or an attempt is in flight.
func (m *Manager) Connect(credential string) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.logger.Warn("connect on closed manager ignored")
		return
	}
	switch m.state {
	case broker.StateConnected, broker.StateConnecting:
		state := m.state
		m.mu.Unlock()
		m.logger.Warn("connect ignored", "error", broker.ErrAlreadyConnected, "state", state)
		return
	}

	m.credential = credential
	gen := m.beginAttemptLocked()
	m.unlockAndNotify(m.transitionLocked(broker.StateConnecting, nil))

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := m.attempt(gen, credential); err != nil && m.shouldRetry(err) {
			m.reconnectLoop(gen)
		}
	}()
}

// Disconnect tears down the session and clears the room set.
func (m *Manager) Disconnect() {
	m.teardown(false)
}

// ForceReconnect disconnects, waits the settle delay, and connects again.
// The room set is kept and re-subscribed. A call while a forced reconnect is
// pending is coalesced into it; its credential is the one used.
func (m *Manager) ForceReconnect(credential string) {
	// The newest credential always wins, even when this call is coalesced
	// into a pending reconnect.
	m.mu.Lock()
	if credential != "" {
		m.credential = credential
	}
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return
	}

	if !m.reconnecting.CompareAndSwap(false, true) {
		m.logger.Debug("force reconnect already pending, credential updated")
		return
	}

	m.logger.Info("forcing reconnect", "settle_delay", m.cfg.SettleDelay)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer m.reconnecting.Store(false)

		for {
			torn := m.teardown(true)

			select {
			case <-m.ctx.Done():
				return
			case <-time.After(m.cfg.SettleDelay):
			}

			m.mu.Lock()
			if m.closed || m.gen != torn || m.state != broker.StateDisconnected {
				// An explicit disconnect or connect won the race.
				m.mu.Unlock()
				return
			}
			credential := m.credential
			gen := m.beginAttemptLocked()
			m.unlockAndNotify(m.transitionLocked(broker.StateConnecting, nil))

			if err := m.attempt(gen, credential); err != nil {
				if m.shouldRetry(err) {
					m.reconnectLoop(gen)
				}
				return
			}

			// A credential set while dialing needs one more cycle.
			m.mu.Lock()
			stale := m.gen == gen && m.credential != credential
			m.mu.Unlock()
			if !stale {
				return
			}
			m.logger.Info("credential changed during reconnect, reconnecting again")
		}
	}()
}

// IsConnected reports whether a session is open.
func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == broker.StateConnected
}

// State returns the current connection state.
func (m *Manager) State() broker.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// LastError returns the error behind the most recent failure, if any.
func (m *Manager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// SubscribeToRoom subscribes to a room topic, replacing any existing
// subscription for the room.
func (m *Manager) SubscribeToRoom(roomID int64) error {
	if roomID <= 0 {
		return fmt.Errorf("%w: room %d", broker.ErrNotFound, roomID)
	}
	if !m.IsConnected() {
		return broker.ErrNotConnected
	}
	return m.registry.Subscribe(roomID, m.emitEvent)
}

// UnsubscribeFromRoom removes a room subscription. Unknown rooms are a no-op.
func (m *Manager) UnsubscribeFromRoom(roomID int64) {
	m.registry.Unsubscribe(roomID)
}

// SendMessage publishes a chat message. Fails with broker.ErrNotConnected
// when no session is open.
func (m *Manager) SendMessage(payload model.SendPayload) error {
	m.mu.Lock()
	client := m.client
	connected := m.state == broker.StateConnected && client != nil
	m.mu.Unlock()

	if !connected {
		return broker.ErrNotConnected
	}

	if err := payload.Validate(); err != nil {
		if errors.Is(err, model.ErrInvalidRoom) {
			return fmt.Errorf("%w: %v", broker.ErrNotFound, err)
		}
		return err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	f := NewFrame(CmdSend,
		HeaderDestination, model.SendDestination,
		HeaderContentType, "application/json",
	)
	f.Body = body

	if err := client.Send(f); err != nil {
		if errors.Is(err, ErrNotConnected) {
			return err
		}
		return fmt.Errorf("%w: %v", broker.ErrTransport, err)
	}
	return nil
}

// Rooms returns the current room subscription set.
func (m *Manager) Rooms() []int64 {
	return m.registry.Rooms()
}

// Stats returns current statistics.
func (m *Manager) Stats() ManagerStats {
	return ManagerStats{
		State:         m.State(),
		Sessions:      m.sessions.Load(),
		Drops:         m.drops.Load(),
		Subscriptions: m.registry.Stats(),
	}
}

// Close disconnects and stops all background goroutines.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.logger.Info("closing connection manager")

	m.teardown(false)
	m.cancel()
	m.wg.Wait()

	m.logger.Info("connection manager closed")
	return nil
}

// attempt dials and installs a new session for generation gen.
func (m *Manager) attempt(gen uint64, credential string) error {
	client := m.newClient(m.cfg.Client, m.logger.With("session", gen))

	err := client.Connect(m.ctx, credential)
	if err != nil && !errors.Is(err, broker.ErrAuthFailure) && !errors.Is(err, broker.ErrProtocol) {
		err = fmt.Errorf("%w: %v", broker.ErrTransport, err)
	}

	m.mu.Lock()
	if gen != m.gen || m.closed {
		// Superseded by a disconnect while dialing.
		m.mu.Unlock()
		client.Close()
		return nil
	}

	if err != nil {
		m.lastErr = err
		errored := m.transitionLocked(broker.StateErrored, err)
		disconnected := m.transitionLocked(broker.StateDisconnected, err)
		m.unlockAndNotify(errored, disconnected)

		m.logger.Warn("connect failed", "error", err)
		client.Close()
		return err
	}

	m.client = client
	m.lastErr = nil
	m.registry.Attach(client)
	resubscribed := m.registry.Resubscribe()
	m.sessions.Add(1)

	m.wg.Add(1)
	go m.readLoop(gen, client)

	m.unlockAndNotify(m.transitionLocked(broker.StateConnected, nil))

	m.logger.Info("connected to broker",
		"url", m.cfg.Client.URL,
		"rooms_resubscribed", resubscribed,
	)
	return nil
}

func (m *Manager) shouldRetry(err error) bool {
	return m.cfg.AutoReconnect && !errors.Is(err, broker.ErrAuthFailure)
}

// reconnectLoop retries on a fixed interval until a session is established,
// the generation is superseded, or the manager closes.
func (m *Manager) reconnectLoop(gen uint64) {
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-time.After(m.cfg.ReconnectInterval):
		}

		m.mu.Lock()
		if gen != m.gen || m.closed || m.state != broker.StateDisconnected {
			m.mu.Unlock()
			return
		}
		credential := m.credential
		gen = m.beginAttemptLocked()
		m.unlockAndNotify(m.transitionLocked(broker.StateConnecting, nil))

		m.logger.Info("attempting reconnection", "interval", m.cfg.ReconnectInterval)

		err := m.attempt(gen, credential)
		if err == nil {
			return
		}
		if !m.shouldRetry(err) {
			return
		}
	}
}

// readLoop drains one session's frames until it ends.
func (m *Manager) readLoop(gen uint64, client Client) {
	defer m.wg.Done()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-client.Done():
			return
		case err := <-client.Errors():
			m.handleDrop(gen, err)
			return
		case f, ok := <-client.Frames():
			if !ok {
				m.handleDrop(gen, errors.New("frame channel closed"))
				return
			}
			if !m.handleFrame(gen, f) {
				return
			}
		}
	}
}

// handleFrame processes one inbound frame. Returns false when the session ended.
func (m *Manager) handleFrame(gen uint64, f Frame) bool {
	switch f.Command {
	case CmdMessage:
		m.registry.Dispatch(f)
	case CmdReceipt:
		m.logger.Debug("receipt", "receipt_id", f.Get(HeaderReceiptID))
	case CmdError:
		m.handleDrop(gen, fmt.Errorf("broker error: %s", errorMessage(f)))
		return false
	default:
		m.logger.Debug("ignoring frame", "command", f.Command)
	}
	return true
}

// handleDrop degrades an open session to Disconnected and schedules a reconnect.
func (m *Manager) handleDrop(gen uint64, cause error) {
	m.mu.Lock()
	if gen != m.gen || m.state != broker.StateConnected {
		m.mu.Unlock()
		return
	}

	client := m.client
	m.client = nil
	m.lastErr = fmt.Errorf("%w: %v", broker.ErrTransport, cause)
	m.registry.Detach()
	m.drops.Add(1)
	m.unlockAndNotify(m.transitionLocked(broker.StateDisconnected, m.lastErr))

	m.logger.Warn("broker connection lost", "error", cause)

	if client != nil {
		client.Close()
	}

	if m.cfg.AutoReconnect {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.reconnectLoop(gen)
		}()
	}
}

// teardown closes the session and returns the new generation. keepRooms
// retains the room set for replay.
func (m *Manager) teardown(keepRooms bool) uint64 {
	m.mu.Lock()
	m.gen++
	gen := m.gen
	client := m.client
	m.client = nil
	wasDisconnected := m.state == broker.StateDisconnected
	m.mu.Unlock()

	if keepRooms {
		m.registry.Detach()
	} else {
		m.registry.UnsubscribeAll()
		m.registry.Detach()
	}

	if client != nil {
		client.Close()
	}

	m.mu.Lock()
	if !keepRooms {
		m.lastErr = nil
	}
	if wasDisconnected {
		m.mu.Unlock()
		return gen
	}
	m.unlockAndNotify(m.transitionLocked(broker.StateDisconnected, nil))

	m.logger.Info("disconnected from broker", "keep_rooms", keepRooms)
	return gen
}

func (m *Manager) beginAttemptLocked() uint64 {
	m.gen++
	return m.gen
}

// transitionLocked records a state change. Caller holds mu.
func (m *Manager) transitionLocked(to broker.State, err error) broker.StateChange {
	change := broker.StateChange{From: m.state, To: to, Err: err, At: time.Now()}
	m.state = to
	return change
}

// unlockAndNotify releases mu and delivers changes in order.
func (m *Manager) unlockAndNotify(changes ...broker.StateChange) {
	m.notifyMu.Lock()
	m.mu.Unlock()
	defer m.notifyMu.Unlock()

	l := *m.listener.Load()
	for _, c := range changes {
		if c.From == c.To {
			continue
		}
		l.OnStateChange(c)
	}
}

func (m *Manager) emitEvent(ev model.MessageEvent) {
	(*m.listener.Load()).OnEvent(ev)
}

// Package broker defines the capability set shared by the real STOMP connection
// manager and the demo-mode simulator. The session facade only depends on this
// contract, so the implementation is chosen once at startup.
package broker

import (
	"errors"
	"time"

	"github.com/campusanon/chatsync/internal/model"
)

// Errors
var (
	ErrAuthFailure      = errors.New("broker handshake rejected")
	ErrTransport        = errors.New("broker transport error")
	ErrProtocol         = errors.New("broker protocol error")
	ErrNotConnected     = errors.New("not connected")
	ErrNotFound         = errors.New("room not found")
	ErrAlreadyConnected = errors.New("already connected")
	ErrClosed           = errors.New("broker closed")
)

// State is the connection state of a broker session.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateErrored:
		return "errored"
	}
	return "unknown"
}

// StateChange describes one transition of the session state machine.
type StateChange struct {
	From State
	To   State
	Err  error // Set on Errored and on unexpected drops
	At   time.Time
}

// Listener receives broker output. Implementations must not block or call
// back into the Broker synchronously.
type Listener interface {
	OnStateChange(change StateChange)
	OnEvent(event model.MessageEvent)
}

// Broker is the combined connection + subscription contract.
type Broker interface {
	// Connect opens a session with credential. It returns immediately; the
	// outcome is reported through Listener.OnStateChange. Calling it while
	// connected or connecting is a logged no-op.
	Connect(credential string)

	// Disconnect unsubscribes every room and tears the session down.
	// Safe to call when already disconnected.
	Disconnect()

	// ForceReconnect tears the session down and connects again after a settle
	// delay. Calls made while one is pending are coalesced.
	ForceReconnect(credential string)

	// IsConnected is a point-in-time query.
	IsConnected() bool

	// SubscribeToRoom binds the room's inbound destination, replacing any
	// existing binding for that room.
	SubscribeToRoom(roomID int64) error

	// UnsubscribeFromRoom removes the room binding. Idempotent.
	UnsubscribeFromRoom(roomID int64)

	// SendMessage publishes to the send destination. The message comes back
	// through the room subscription; nothing is appended locally.
	SendMessage(payload model.SendPayload) error

	// SetListener replaces the output listener.
	SetListener(l Listener)

	// Close disposes the broker. It cannot be reused afterwards.
	Close() error
}

// ListenerFuncs adapts plain functions to Listener. Nil fields are skipped.
type ListenerFuncs struct {
	StateChange func(StateChange)
	Event       func(model.MessageEvent)
}

func (l ListenerFuncs) OnStateChange(c StateChange) {
	if l.StateChange != nil {
		l.StateChange(c)
	}
}

func (l ListenerFuncs) OnEvent(e model.MessageEvent) {
	if l.Event != nil {
		l.Event(e)
	}
}

// Discard is a Listener that drops everything.
var Discard Listener = ListenerFuncs{}

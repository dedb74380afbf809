package connection

import (
	"errors"
	"time"

	"github.com/campusanon/chatsync/internal/broker"
)

// Errors
var (
	ErrNotConnected    = broker.ErrNotConnected
	ErrStaleConnection = errors.New("connection stale (no heartbeat)")
	ErrTimeout         = errors.New("operation timeout")
	ErrAlreadyClosed   = errors.New("already closed")
	ErrMalformedFrame  = errors.New("malformed stomp frame")
)

// STOMP commands.
const (
	CmdConnect     = "CONNECT"
	CmdConnected   = "CONNECTED"
	CmdSend        = "SEND"
	CmdSubscribe   = "SUBSCRIBE"
	CmdUnsubscribe = "UNSUBSCRIBE"
	CmdDisconnect  = "DISCONNECT"
	CmdMessage     = "MESSAGE"
	CmdReceipt     = "RECEIPT"
	CmdError       = "ERROR"
)

// STOMP headers.
const (
	HeaderAcceptVersion = "accept-version"
	HeaderHost          = "host"
	HeaderHeartBeat     = "heart-beat"
	HeaderAuthorization = "Authorization"
	HeaderDestination   = "destination"
	HeaderID            = "id"
	HeaderAck           = "ack"
	HeaderSubscription  = "subscription"
	HeaderMessageID     = "message-id"
	HeaderContentType   = "content-type"
	HeaderContentLength = "content-length"
	HeaderReceipt       = "receipt"
	HeaderReceiptID     = "receipt-id"
	HeaderMessage       = "message"
	HeaderVersion       = "version"
)

// Subprotocols offered during the WebSocket handshake.
var stompSubprotocols = []string{"v12.stomp", "v11.stomp"}

// ClientConfig configures a single broker client.
type ClientConfig struct {
	URL               string        // WebSocket URL (e.g., ws://localhost:8080/ws)
	Host              string        // STOMP virtual host (empty = URL host)
	HeartbeatOutgoing time.Duration // Requested client->broker heartbeat (0 = none)
	HeartbeatIncoming time.Duration // Requested broker->client heartbeat (0 = none)
	HandshakeTimeout  time.Duration // Dial + CONNECT/CONNECTED exchange
	WriteTimeout      time.Duration // Write deadline for sends
	BufferSize        int           // Inbound frame channel buffer size
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		HeartbeatOutgoing: 20 * time.Second,
		HeartbeatIncoming: 20 * time.Second,
		HandshakeTimeout:  10 * time.Second,
		WriteTimeout:      5 * time.Second,
		BufferSize:        1000,
	}
}

// ManagerConfig configures the Connection Manager.
type ManagerConfig struct {
	Client            ClientConfig
	SettleDelay       time.Duration // Wait between teardown and connect on forced reconnect
	ReconnectInterval time.Duration // Fixed backoff after an unexpected drop
	AutoReconnect     bool          // Reconnect after unexpected drops
}

// DefaultManagerConfig returns sensible defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		Client:            DefaultClientConfig(),
		SettleDelay:       1 * time.Second,
		ReconnectInterval: 5 * time.Second,
		AutoReconnect:     true,
	}
}

// ManagerStats provides statistics about the connection manager.
type ManagerStats struct {
	State         broker.State
	Sessions      int64 // Successful connects
	Drops         int64 // Unexpected disconnects
	Subscriptions RegistryStats
}

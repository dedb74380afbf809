package config

import (
	"log/slog"
	"strings"
	"time"
)

// Modes select the broker implementation once at startup.
const (
	ModeLive = "live"
	ModeDemo = "demo"
)

// Config is the root configuration for a chatsync process.
type Config struct {
	Mode    string        `yaml:"mode"`
	Broker  BrokerConfig  `yaml:"broker"`
	API     APIConfig     `yaml:"api"`
	Auth    AuthConfig    `yaml:"auth"`
	History HistoryConfig `yaml:"history"`
	Rooms   RoomsConfig   `yaml:"rooms"`
	Router  RouterConfig  `yaml:"router"`
	Demo    DemoConfig    `yaml:"demo"`
	Cache   CacheConfig   `yaml:"cache"`
	Archive ArchiveConfig `yaml:"archive"`
	Server  ServerConfig  `yaml:"server"`
	Log     LogConfig     `yaml:"log"`
}

// IsDemo reports whether the simulated broker should be used.
func (c *Config) IsDemo() bool {
	return c.Mode == ModeDemo
}

// BrokerConfig holds STOMP broker connection settings.
type BrokerConfig struct {
	URL               string        `yaml:"url"`  // ws:// or wss:// endpoint
	Host              string        `yaml:"host"` // STOMP virtual host (default: URL host)
	HeartbeatIncoming time.Duration `yaml:"heartbeat_incoming"`
	HeartbeatOutgoing time.Duration `yaml:"heartbeat_outgoing"`
	HandshakeTimeout  time.Duration `yaml:"handshake_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	SettleDelay       time.Duration `yaml:"settle_delay"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
	AutoReconnect     *bool         `yaml:"auto_reconnect"` // nil = true
	BufferSize        int           `yaml:"buffer_size"`
}

// AutoReconnectEnabled returns the effective auto-reconnect setting.
func (b BrokerConfig) AutoReconnectEnabled() bool {
	return b.AutoReconnect == nil || *b.AutoReconnect
}

// APIConfig holds chat REST API settings.
type APIConfig struct {
	RestURL      string        `yaml:"rest_url"`
	Timeout      time.Duration `yaml:"timeout"`
	MaxRetries   int           `yaml:"max_retries"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
}

// AuthConfig holds the bearer credential.
type AuthConfig struct {
	Token  string `yaml:"token"`  // Initial bearer token (usually ${CHAT_TOKEN})
	Secret string `yaml:"secret"` // Optional HS256 secret; enables signature checks and demo token issuing
}

// HistoryConfig holds pagination settings.
type HistoryConfig struct {
	PageSize int `yaml:"page_size"`
}

// RoomsConfig holds room directory settings.
type RoomsConfig struct {
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
}

// RouterConfig holds event queue settings.
type RouterConfig struct {
	QueueSize    int           `yaml:"queue_size"`
	MaxQueueSize int           `yaml:"max_queue_size"`
	SinkTimeout  time.Duration `yaml:"sink_timeout"`
}

// DemoConfig holds simulator timings.
type DemoConfig struct {
	UserID         int64         `yaml:"user_id"` // Fallback when the token has no numeric sub
	ConnectLatency time.Duration `yaml:"connect_latency"`
	ReplyDelayMin  time.Duration `yaml:"reply_delay_min"`
	ReplyDelayMax  time.Duration `yaml:"reply_delay_max"`
}

// CacheConfig holds the optional Redis invalidation sink.
type CacheConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// ArchiveConfig holds the optional Postgres transcript writer.
type ArchiveConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Database      DBConfig      `yaml:"database"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BufferSize    int           `yaml:"buffer_size"`
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// ServerConfig holds the status HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// SlogLevel maps the configured level onto slog.
func (l LogConfig) SlogLevel() slog.Level {
	switch strings.ToLower(l.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultMode              = ModeLive
	DefaultBrokerURL         = "ws://localhost:8080/ws"
	DefaultRestURL           = "http://localhost:8080/api"
	DefaultHeartbeat         = 20 * time.Second
	DefaultHandshakeTimeout  = 10 * time.Second
	DefaultWriteTimeout      = 5 * time.Second
	DefaultSettleDelay       = 1 * time.Second
	DefaultReconnectInterval = 5 * time.Second
	DefaultBrokerBufferSize  = 1000
	DefaultAPITimeout        = 10 * time.Second
	DefaultMaxRetries        = 3
	DefaultRetryBackoff      = 1 * time.Second
	DefaultPageSize          = 50
	DefaultReconcileInterval = 5 * time.Minute
	DefaultQueueSize         = 256
	DefaultSinkTimeout       = 5 * time.Second
	DefaultDemoUserID        = 1
	DefaultConnectLatency    = 500 * time.Millisecond
	DefaultReplyDelayMin     = 2 * time.Second
	DefaultReplyDelayMax     = 5 * time.Second
	DefaultCachePrefix       = "chatsync:"
	DefaultDBPort            = 5432
	DefaultDBSSLMode         = "prefer"
	DefaultMaxConns          = 10
	DefaultMinConns          = 2
	DefaultBatchSize         = 500
	DefaultFlushInterval     = 1 * time.Second
	DefaultArchiveBuffer     = 10000
	DefaultServerPort        = 8090
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "text"
)

func (c *Config) applyDefaults() {
	if c.Mode == "" {
		c.Mode = DefaultMode
	}

	// Broker defaults
	if c.Broker.URL == "" {
		c.Broker.URL = DefaultBrokerURL
	}
	if c.Broker.HeartbeatIncoming == 0 {
		c.Broker.HeartbeatIncoming = DefaultHeartbeat
	}
	if c.Broker.HeartbeatOutgoing == 0 {
		c.Broker.HeartbeatOutgoing = DefaultHeartbeat
	}
	if c.Broker.HandshakeTimeout == 0 {
		c.Broker.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.Broker.WriteTimeout == 0 {
		c.Broker.WriteTimeout = DefaultWriteTimeout
	}
	if c.Broker.SettleDelay == 0 {
		c.Broker.SettleDelay = DefaultSettleDelay
	}
	if c.Broker.ReconnectInterval == 0 {
		c.Broker.ReconnectInterval = DefaultReconnectInterval
	}
	if c.Broker.BufferSize == 0 {
		c.Broker.BufferSize = DefaultBrokerBufferSize
	}

	// API defaults
	if c.API.RestURL == "" {
		c.API.RestURL = DefaultRestURL
	}
	if c.API.Timeout == 0 {
		c.API.Timeout = DefaultAPITimeout
	}
	if c.API.MaxRetries == 0 {
		c.API.MaxRetries = DefaultMaxRetries
	}
	if c.API.RetryBackoff == 0 {
		c.API.RetryBackoff = DefaultRetryBackoff
	}

	if c.History.PageSize == 0 {
		c.History.PageSize = DefaultPageSize
	}
	if c.Rooms.ReconcileInterval == 0 {
		c.Rooms.ReconcileInterval = DefaultReconcileInterval
	}

	// Router defaults
	if c.Router.QueueSize == 0 {
		c.Router.QueueSize = DefaultQueueSize
	}
	if c.Router.SinkTimeout == 0 {
		c.Router.SinkTimeout = DefaultSinkTimeout
	}

	// Demo defaults
	if c.Demo.UserID == 0 {
		c.Demo.UserID = DefaultDemoUserID
	}
	if c.Demo.ConnectLatency == 0 {
		c.Demo.ConnectLatency = DefaultConnectLatency
	}
	if c.Demo.ReplyDelayMin == 0 {
		c.Demo.ReplyDelayMin = DefaultReplyDelayMin
	}
	if c.Demo.ReplyDelayMax == 0 {
		c.Demo.ReplyDelayMax = DefaultReplyDelayMax
	}

	if c.Cache.Prefix == "" {
		c.Cache.Prefix = DefaultCachePrefix
	}

	// Archive defaults
	applyDBDefaults(&c.Archive.Database)
	if c.Archive.BatchSize == 0 {
		c.Archive.BatchSize = DefaultBatchSize
	}
	if c.Archive.FlushInterval == 0 {
		c.Archive.FlushInterval = DefaultFlushInterval
	}
	if c.Archive.BufferSize == 0 {
		c.Archive.BufferSize = DefaultArchiveBuffer
	}

	if c.Server.Port == 0 {
		c.Server.Port = DefaultServerPort
	}
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
	if c.Log.Format == "" {
		c.Log.Format = DefaultLogFormat
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
}

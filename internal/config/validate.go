package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if c.Mode != ModeLive && c.Mode != ModeDemo {
		return fmt.Errorf("mode must be %q or %q, got %q", ModeLive, ModeDemo, c.Mode)
	}

	if !c.IsDemo() {
		if err := validateURL("broker.url", c.Broker.URL, "ws", "wss"); err != nil {
			return err
		}
		if err := validateURL("api.rest_url", c.API.RestURL, "http", "https"); err != nil {
			return err
		}
	}

	if c.Broker.HeartbeatIncoming < 0 || c.Broker.HeartbeatOutgoing < 0 {
		return errors.New("broker heartbeats must be >= 0")
	}
	if c.Broker.ReconnectInterval <= 0 {
		return errors.New("broker.reconnect_interval must be > 0")
	}
	if c.Broker.SettleDelay < 0 {
		return errors.New("broker.settle_delay must be >= 0")
	}

	if c.API.MaxRetries < 0 {
		return errors.New("api.max_retries must be >= 0")
	}

	if c.History.PageSize < 1 {
		return errors.New("history.page_size must be >= 1")
	}

	if c.Router.MaxQueueSize < 0 {
		return errors.New("router.max_queue_size must be >= 0")
	}

	if c.Demo.ReplyDelayMin > c.Demo.ReplyDelayMax {
		return fmt.Errorf("demo.reply_delay_min (%s) cannot exceed reply_delay_max (%s)",
			c.Demo.ReplyDelayMin, c.Demo.ReplyDelayMax)
	}

	if c.Cache.Enabled && c.Cache.Addr == "" {
		return errors.New("cache.addr is required when cache is enabled")
	}

	if c.Archive.Enabled {
		if err := c.Archive.Database.validate("archive.database"); err != nil {
			return err
		}
		if c.Archive.BatchSize < 1 {
			return errors.New("archive.batch_size must be >= 1")
		}
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug, info, warn, error; got %q", c.Log.Level)
	}

	return nil
}

func validateURL(field, raw string, schemes ...string) error {
	if raw == "" {
		return fmt.Errorf("%s is required", field)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("%s must use scheme %s, got %q", field, strings.Join(schemes, " or "), u.Scheme)
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.Password == "" {
		return fmt.Errorf("%s.password is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/campusanon/chatsync/internal/api"
	"github.com/campusanon/chatsync/internal/archive"
	"github.com/campusanon/chatsync/internal/auth"
	"github.com/campusanon/chatsync/internal/broker"
	"github.com/campusanon/chatsync/internal/cache"
	"github.com/campusanon/chatsync/internal/config"
	"github.com/campusanon/chatsync/internal/connection"
	"github.com/campusanon/chatsync/internal/database"
	"github.com/campusanon/chatsync/internal/history"
	"github.com/campusanon/chatsync/internal/mock"
	"github.com/campusanon/chatsync/internal/rooms"
	"github.com/campusanon/chatsync/internal/router"
	"github.com/campusanon/chatsync/internal/session"
)

// demoTokenTTL bounds tokens issued for demo mode.
const demoTokenTTL = 24 * time.Hour

// sources is the data layer behind history and the room directory.
type sources interface {
	history.Source
	rooms.Source
}

// components holds everything main starts and stops.
type components struct {
	session   *session.Facade
	directory *rooms.Directory
	paginator *history.Paginator
	cache     *cache.Cache
	archive   *archive.Writer
	pool      *pgxpool.Pool
	logger    *slog.Logger
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func managerConfig(cfg config.BrokerConfig) connection.ManagerConfig {
	mc := connection.DefaultManagerConfig()
	mc.Client.URL = cfg.URL
	mc.Client.Host = cfg.Host
	mc.Client.HeartbeatIncoming = cfg.HeartbeatIncoming
	mc.Client.HeartbeatOutgoing = cfg.HeartbeatOutgoing
	if cfg.HandshakeTimeout > 0 {
		mc.Client.HandshakeTimeout = cfg.HandshakeTimeout
	}
	if cfg.WriteTimeout > 0 {
		mc.Client.WriteTimeout = cfg.WriteTimeout
	}
	if cfg.BufferSize > 0 {
		mc.Client.BufferSize = cfg.BufferSize
	}
	mc.SettleDelay = cfg.SettleDelay
	mc.ReconnectInterval = cfg.ReconnectInterval
	mc.AutoReconnect = cfg.AutoReconnectEnabled()
	return mc
}

func simulatorConfig(cfg *config.Config) mock.Config {
	return mock.Config{
		ConnectLatency: cfg.Demo.ConnectLatency,
		ReplyDelayMin:  cfg.Demo.ReplyDelayMin,
		ReplyDelayMax:  cfg.Demo.ReplyDelayMax,
		SettleDelay:    cfg.Broker.SettleDelay,
		DefaultUserID:  cfg.Demo.UserID,
	}
}

// build wires every component. The broker implementation is chosen here,
// once, from the configured mode.
func build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*components, error) {
	c := &components{logger: logger}

	// The REST client reads the session's token on every request, and the
	// session needs the paginator built on that client.
	tokens := api.TokenFunc(func() string {
		if c.session == nil {
			return ""
		}
		return c.session.Token()
	})

	var (
		b   broker.Broker
		src sources
	)
	if cfg.IsDemo() {
		sim := mock.NewSimulator(simulatorConfig(cfg), nil, logger)
		b, src = sim, sim.Store()
		logger.Info("demo mode: using simulated broker")
	} else {
		b = connection.NewManager(managerConfig(cfg.Broker), logger)
		src = api.NewClient(cfg.API.RestURL, tokens,
			api.WithLogger(logger),
			api.WithTimeout(cfg.API.Timeout),
			api.WithRetries(cfg.API.MaxRetries, cfg.API.RetryBackoff),
			api.WithUnauthorizedHandler(func() {
				logger.Warn("credential rejected by chat api, logging out")
				c.session.Logout()
			}),
		)
	}

	var (
		histSource history.Source = src
		roomSource rooms.Source   = src
	)
	if cfg.Cache.Enabled {
		cc := cache.DefaultConfig()
		cc.Addr = cfg.Cache.Addr
		cc.Password = cfg.Cache.Password
		cc.DB = cfg.Cache.DB
		cc.Prefix = cfg.Cache.Prefix

		var err error
		if c.cache, err = cache.Open(ctx, cc); err != nil {
			return nil, fmt.Errorf("open cache: %w", err)
		}
		histSource = c.cache.Messages(histSource)
		roomSource = c.cache.Rooms(roomSource)
		logger.Info("redis cache enabled", "addr", cc.Addr)
	}

	c.paginator = history.NewPaginator(histSource, cfg.History.PageSize, logger)

	opts := []session.Option{session.WithHistory(c.paginator)}
	if cfg.Auth.Secret != "" {
		opts = append(opts, session.WithParser(auth.Parser{Secret: []byte(cfg.Auth.Secret)}))
	}
	c.session = session.New(b, router.RouterConfig{
		QueueSize:    cfg.Router.QueueSize,
		MaxQueueSize: cfg.Router.MaxQueueSize,
		SinkTimeout:  cfg.Router.SinkTimeout,
	}, logger, opts...)

	roomsCfg := rooms.DefaultConfig()
	roomsCfg.ReconcileInterval = cfg.Rooms.ReconcileInterval
	c.directory = rooms.NewDirectory(roomsCfg, roomSource, logger)

	// The cache must drop its entries before the directory refetches
	// through it.
	if c.cache != nil {
		c.session.AddInvalidationSink(c.cache)
	}
	c.session.AddInvalidationSink(c.directory)

	if cfg.Archive.Enabled {
		pool, err := database.Open(ctx, cfg.Archive.Database)
		if err != nil {
			c.closeStores()
			return nil, fmt.Errorf("open archive database: %w", err)
		}
		c.pool = pool
		c.archive = archive.NewWriter(archive.Config{
			BatchSize:     cfg.Archive.BatchSize,
			FlushInterval: cfg.Archive.FlushInterval,
			BufferSize:    cfg.Archive.BufferSize,
		}, pool, logger)
		c.session.AddEventSink(c.archive)
		logger.Info("archive enabled", "host", cfg.Archive.Database.Host, "database", cfg.Archive.Database.Name)
	}

	return c, nil
}

// connect applies the configured credential. Demo mode issues one when
// none is configured.
func (c *components) connect(cfg *config.Config) error {
	token := cfg.Auth.Token
	if token == "" && cfg.IsDemo() {
		if cfg.Auth.Secret != "" {
			issued, err := auth.IssueToken(cfg.Demo.UserID, "demo", demoTokenTTL, []byte(cfg.Auth.Secret))
			if err != nil {
				return fmt.Errorf("issue demo token: %w", err)
			}
			token = issued
		} else {
			token = "demo"
		}
	}
	if token == "" {
		c.logger.Warn("no credential configured, staying disconnected")
		return nil
	}
	return c.session.SetCredential(token)
}

// close stops components in dependency order: the session drains the
// router into the sinks before the sinks stop.
func (c *components) close(ctx context.Context) error {
	var errs []error
	if err := c.session.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("session: %w", err))
	}
	if err := c.directory.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("rooms: %w", err))
	}
	if c.archive != nil {
		if err := c.archive.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("archive: %w", err))
		}
	}
	c.closeStores()
	return errors.Join(errs...)
}

func (c *components) closeStores() {
	if c.pool != nil {
		c.pool.Close()
	}
	if c.cache != nil {
		if err := c.cache.Close(); err != nil {
			c.logger.Warn("cache close failed", "error", err)
		}
	}
}

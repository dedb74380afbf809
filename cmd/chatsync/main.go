// chatsync runs the chat synchronization core against a live STOMP broker or
// the built-in simulator, and serves status endpoints.
//
// Usage: chatsync --config configs/chatsync.yaml
package main

import (
	"context"
	"flag"
	"os"
	"time"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"golang.org/x/sync/errgroup"

	"github.com/campusanon/chatsync/internal/config"
	"github.com/campusanon/chatsync/internal/server"
	"github.com/campusanon/chatsync/internal/version"
)

const shutdownTimeout = 30 * time.Second

func main() {
	configPath := flag.String("config", "", "path to config file (empty = defaults)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		newLogger(config.Default().Log).Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Log)
	logger.Info("starting chatsync",
		"version", version.Version,
		"commit", version.Commit,
		"mode", cfg.Mode,
	)

	ctx := context.Background()

	app, err := build(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to build components", "error", err)
		os.Exit(1)
	}

	// Start background components concurrently; the session starts last so
	// every sink is in place before the first event is routed.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return app.directory.Start(gctx) })
	if app.archive != nil {
		g.Go(func() error { return app.archive.Start(ctx) })
	}
	if err := g.Wait(); err != nil {
		logger.Error("failed to start components", "error", err)
		app.close(ctx)
		os.Exit(1)
	}

	if err := app.session.Start(ctx); err != nil {
		logger.Error("failed to start session", "error", err)
		app.close(ctx)
		os.Exit(1)
	}

	if err := app.connect(cfg); err != nil {
		logger.Error("initial credential rejected", "error", err)
	}

	status := server.New(cfg.Server.Port, server.Deps{
		Session: app.session,
		Rooms:   app.directory,
		History: app.paginator,
		Cache:   app.cache,
		Archive: app.archive,
	}, logger)
	status.Start()

	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		shutdownTimeout,
		map[string]gfshutdown.Operation{
			"status-server": func(ctx context.Context) error {
				return status.Stop(ctx)
			},
			"chatsync": func(ctx context.Context) error {
				logger.Info("shutting down...")
				return app.close(ctx)
			},
		},
	)

	exitCode := <-wait
	logger.Info("chatsync stopped", "exit_code", exitCode)
	os.Exit(exitCode)
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		cfg := config.Default()
		return cfg, cfg.Validate()
	}
	return config.LoadAndValidate(path)
}

// chatprobe connects to a chat broker, joins one room, prints every event it
// receives and publishes each line read from stdin.
// Usage: go run ./cmd/chatprobe --config configs/chatsync.yaml --room 7
//
// The token comes from --token, then auth.token in the config (usually
// ${CHAT_TOKEN}). With --demo the built-in simulator is used instead.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/campusanon/chatsync/internal/broker"
	"github.com/campusanon/chatsync/internal/config"
	"github.com/campusanon/chatsync/internal/connection"
	"github.com/campusanon/chatsync/internal/mock"
	"github.com/campusanon/chatsync/internal/model"
	"github.com/campusanon/chatsync/internal/router"
	"github.com/campusanon/chatsync/internal/session"
)

func main() {
	configPath := flag.String("config", "", "path to config file (empty = defaults)")
	token := flag.String("token", "", "bearer token (overrides auth.token)")
	roomID := flag.Int64("room", 1, "room to join")
	demo := flag.Bool("demo", false, "use the simulated broker")
	verbose := flag.Bool("verbose", false, "print full event JSON")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			logger.Error("failed to load config", "error", err)
			os.Exit(1)
		}
	}
	if *token == "" {
		*token = cfg.Auth.Token
	}
	if *demo || cfg.IsDemo() {
		*demo = true
		if *token == "" {
			*token = "demo"
		}
	}
	if *token == "" {
		logger.Error("a token is required; pass --token or set auth.token")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()

	var (
		b     broker.Broker
		stats func() []any
	)
	if *demo {
		sim := mock.NewSimulator(mock.DefaultConfig(), nil, logger)
		b = sim
		stats = func() []any {
			s := sim.Stats()
			return []any{"state", sim.State(), "sent", s.Sent, "delivered", s.Delivered}
		}
	} else {
		mc := connection.DefaultManagerConfig()
		mc.Client.URL = cfg.Broker.URL
		mc.Client.Host = cfg.Broker.Host
		mc.SettleDelay = cfg.Broker.SettleDelay
		mc.ReconnectInterval = cfg.Broker.ReconnectInterval
		mgr := connection.NewManager(mc, logger)
		b = mgr
		stats = func() []any {
			s := mgr.Stats()
			return []any{"state", s.State, "sessions", s.Sessions, "drops", s.Drops, "rooms", s.Subscriptions.Rooms}
		}
	}

	facade := session.New(b, router.DefaultRouterConfig(), logger)
	facade.OnStateChange(func(cs session.ConnectionState) {
		if cs.LastError != nil {
			fmt.Fprintf(os.Stderr, "[STATE] %s error=%v\n", cs.State, cs.LastError)
			return
		}
		fmt.Fprintf(os.Stderr, "[STATE] %s\n", cs.State)
	})
	facade.OnMessage(func(ev model.MessageEvent) {
		printEvent(ev, *verbose)
	})

	if err := facade.Start(ctx); err != nil {
		logger.Error("failed to start session", "error", err)
		os.Exit(1)
	}
	if err := facade.OpenRoom(*roomID); err != nil {
		logger.Error("failed to open room", "room_id", *roomID, "error", err)
		os.Exit(1)
	}
	if err := facade.SetCredential(*token); err != nil {
		logger.Error("credential rejected", "error", err)
		os.Exit(1)
	}

	// Stats printer
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rs := facade.Router().Stats()
				attrs := append(stats(), "routed", rs.MessagesRouted, "queued", rs.Queue.Len)
				logger.Info("stats", attrs...)
			}
		}
	}()

	go readInput(ctx, facade, *roomID, logger)

	logger.Info("probe running - type a line to send, Ctrl+C to stop", "room_id", *roomID)
	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	logger.Info("shutting down...")
	facade.Close(shutdownCtx)
	logger.Info("shutdown complete")
}

func readInput(ctx context.Context, facade *session.Facade, roomID int64, logger *slog.Logger) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := scanner.Text()
		if line == "" {
			continue
		}
		if err := facade.SendMessage(roomID, line); err != nil {
			logger.Warn("send failed", "error", err)
		}
	}
}

func printEvent(ev model.MessageEvent, verbose bool) {
	if verbose {
		data, _ := json.MarshalIndent(ev, "", "  ")
		fmt.Printf("[%s] %s\n", ev.Type, data)
		return
	}
	switch ev.Type {
	case model.EventMessage:
		fmt.Printf("[MESSAGE] room=%d id=%d sender=%d %s\n", ev.RoomID, ev.ID, ev.SenderID, ev.Content)
	default:
		fmt.Printf("[%s] room=%d sender=%d\n", ev.Type, ev.RoomID, ev.SenderID)
	}
}

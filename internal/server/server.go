package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/campusanon/chatsync/internal/api"
	"github.com/campusanon/chatsync/internal/archive"
	"github.com/campusanon/chatsync/internal/broker"
	"github.com/campusanon/chatsync/internal/cache"
	"github.com/campusanon/chatsync/internal/history"
	"github.com/campusanon/chatsync/internal/model"
	"github.com/campusanon/chatsync/internal/rooms"
	"github.com/campusanon/chatsync/internal/session"
	"github.com/campusanon/chatsync/internal/version"
)

// Deps are the components the server reports on. Cache and Archive are
// optional.
type Deps struct {
	Session *session.Facade
	Rooms   *rooms.Directory
	History *history.Paginator
	Cache   *cache.Cache
	Archive *archive.Writer
}

// Server is the status HTTP server.
type Server struct {
	app    *fiber.App
	deps   Deps
	port   int
	logger *slog.Logger
}

// New creates a server listening on port once started.
func New(port int, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		deps:   deps,
		port:   port,
		logger: logger.With("component", "server"),
	}
	s.app = fiber.New(fiber.Config{
		AppName:               "chatsync",
		DisableStartupMessage: true,
		ErrorHandler:          s.errorHandler,
	})
	s.app.Use(recover.New())
	s.routes()
	return s
}

// App returns the underlying fiber app.
func (s *Server) App() *fiber.App {
	return s.app
}

func (s *Server) routes() {
	s.app.Get("/health", s.health)
	s.app.Get("/status", s.status)

	r := s.app.Group("/rooms")
	r.Get("/", s.listRooms)
	r.Post("/", s.createRoom)
	r.Get("/:id/messages", s.messages)
	r.Post("/:id/messages", s.send)
}

// Start listens in the background.
func (s *Server) Start() {
	addr := fmt.Sprintf(":%d", s.port)
	go func() {
		s.logger.Info("starting status server", "addr", addr)
		if err := s.app.Listen(addr); err != nil {
			s.logger.Error("status server error", "error", err)
		}
	}()
}

// Stop shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

func (s *Server) errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
	}
	if code >= fiber.StatusInternalServerError {
		s.logger.Warn("request failed", "method", c.Method(), "path", c.Path(), "error", err)
	}
	return c.Status(code).JSON(fiber.Map{"error": err.Error()})
}

// connectionView is the JSON form of a session.ConnectionState.
type connectionView struct {
	State     string    `json:"state"`
	Connected bool      `json:"connected"`
	LastError string    `json:"last_error,omitempty"`
	Since     time.Time `json:"since"`
}

func viewConnection(cs session.ConnectionState) connectionView {
	v := connectionView{
		State:     cs.State.String(),
		Connected: cs.Connected,
		Since:     cs.Since,
	}
	if cs.LastError != nil {
		v.LastError = cs.LastError.Error()
	}
	return v
}

func (s *Server) health(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), 5*time.Second)
	defer cancel()

	status := "healthy"
	components := fiber.Map{}

	cs := s.deps.Session.ConnectionState()
	components["broker"] = cs.State.String()
	if !cs.Connected {
		status = "degraded"
	}

	if s.deps.Rooms != nil {
		components["rooms"] = fiber.Map{"count": s.deps.Rooms.Len(), "stale": s.deps.Rooms.Stale()}
	}

	if s.deps.Cache != nil {
		if err := s.deps.Cache.Ping(ctx); err != nil {
			status = "unhealthy"
			components["redis"] = fiber.Map{"status": "disconnected", "error": err.Error()}
		} else {
			components["redis"] = "connected"
		}
	}

	code := fiber.StatusOK
	if status == "unhealthy" {
		code = fiber.StatusServiceUnavailable
	}
	return c.Status(code).JSON(fiber.Map{"status": status, "components": components})
}

func (s *Server) status(c *fiber.Ctx) error {
	body := fiber.Map{
		"version":    version.String(),
		"connection": viewConnection(s.deps.Session.ConnectionState()),
		"user_id":    s.deps.Session.UserID(),
		"open_rooms": s.deps.Session.OpenRooms(),
		"router":     s.deps.Session.Router().Stats(),
	}
	if s.deps.Rooms != nil {
		body["directory"] = s.deps.Rooms.Stats()
	}
	if s.deps.Cache != nil {
		body["cache"] = s.deps.Cache.Stats()
	}
	if s.deps.Archive != nil {
		body["archive"] = s.deps.Archive.Stats()
	}
	return c.JSON(body)
}

func (s *Server) listRooms(c *fiber.Ctx) error {
	if s.deps.Rooms == nil {
		return fiber.NewError(fiber.StatusNotFound, "room directory disabled")
	}
	list := s.deps.Rooms.Rooms()
	if list == nil {
		list = []model.RoomSummary{}
	}
	return c.JSON(fiber.Map{
		"rooms":        list,
		"total_unread": s.deps.Rooms.TotalUnread(),
		"stale":        s.deps.Rooms.Stale(),
	})
}

func (s *Server) createRoom(c *fiber.Ctx) error {
	if s.deps.Rooms == nil {
		return fiber.NewError(fiber.StatusNotFound, "room directory disabled")
	}

	var req model.CreateRoomRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid body")
	}

	resp, err := s.deps.Rooms.CreateRoom(c.UserContext(), req)
	if err != nil {
		return upstreamError(err)
	}
	return c.Status(fiber.StatusCreated).JSON(resp)
}

// pageView is the JSON form of a history.Page.
type pageView struct {
	Messages   []model.ChatMessage `json:"messages"`
	HasMore    bool                `json:"has_more"`
	NextCursor *int64              `json:"next_cursor"`
}

func (s *Server) messages(c *fiber.Ctx) error {
	if s.deps.History == nil {
		return fiber.NewError(fiber.StatusNotFound, "history disabled")
	}

	roomID, err := roomParam(c)
	if err != nil {
		return err
	}

	var cursor *int64
	if raw := c.Query("cursor"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v <= 0 {
			return fiber.NewError(fiber.StatusBadRequest, "cursor must be a positive integer")
		}
		cursor = &v
	}

	page, err := s.deps.History.FetchPage(c.UserContext(), roomID, cursor, c.QueryInt("size", 0))
	if err != nil {
		return upstreamError(err)
	}

	msgs := page.Messages
	if msgs == nil {
		msgs = []model.ChatMessage{}
	}
	return c.JSON(pageView{Messages: msgs, HasMore: page.HasMore, NextCursor: page.NextCursor})
}

func (s *Server) send(c *fiber.Ctx) error {
	roomID, err := roomParam(c)
	if err != nil {
		return err
	}

	var body struct {
		Content string `json:"content"`
	}
	if err := c.BodyParser(&body); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid body")
	}

	if err := s.deps.Session.SendMessage(roomID, body.Content); err != nil {
		return upstreamError(err)
	}
	return c.SendStatus(fiber.StatusAccepted)
}

func roomParam(c *fiber.Ctx) (int64, error) {
	id, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fiber.NewError(fiber.StatusBadRequest, "room id must be a positive integer")
	}
	return id, nil
}

// upstreamError maps core errors onto HTTP status codes.
func upstreamError(err error) error {
	var apiErr *api.APIError
	switch {
	case errors.Is(err, broker.ErrNotConnected):
		return fiber.NewError(fiber.StatusServiceUnavailable, err.Error())
	case errors.Is(err, broker.ErrNotFound):
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	case errors.Is(err, model.ErrEmptyContent), errors.Is(err, model.ErrInvalidRoom),
		errors.Is(err, history.ErrInvalidRoom):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	case errors.Is(err, rooms.ErrCreateUnsupported):
		return fiber.NewError(fiber.StatusNotImplemented, err.Error())
	case errors.As(err, &apiErr):
		return fiber.NewError(fiber.StatusBadGateway, err.Error())
	}
	return err
}

package rooms

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/campusanon/chatsync/internal/model"
	"github.com/campusanon/chatsync/internal/router"
)

// ErrCreateUnsupported is returned by CreateRoom when the source cannot create rooms.
var ErrCreateUnsupported = errors.New("room creation not supported by source")

// Source lists the caller's rooms.
type Source interface {
	GetRooms(ctx context.Context) ([]model.RoomSummary, error)
}

// Creator opens new rooms. The REST client and the demo store implement it.
type Creator interface {
	CreateRoom(ctx context.Context, req model.CreateRoomRequest) (model.CreateRoomResponse, error)
}

// Config holds Directory configuration.
type Config struct {
	ReconcileInterval time.Duration
	RefreshTimeout    time.Duration
	ChangeBuffer      int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		ReconcileInterval: 5 * time.Minute,
		RefreshTimeout:    10 * time.Second,
		ChangeBuffer:      100,
	}
}

// Change event types.
const (
	ChangeCreated = "created"
	ChangeUpdated = "updated"
	ChangeRemoved = "removed"
)

// Change describes one room list difference found by a refresh.
type Change struct {
	RoomID    int64
	EventType string
	Room      *model.RoomSummary // Nil for removals
}

// Stats contains runtime statistics.
type Stats struct {
	Rooms       int
	Stale       bool
	Refreshes   int64
	Failures    int64
	Coalesced   int64
	LastSyncAt  time.Time
	TotalUnread int
}

// Directory is the in-memory room list.
type Directory struct {
	cfg    Config
	source Source
	logger *slog.Logger

	mu         sync.RWMutex
	rooms      map[int64]model.RoomSummary
	stale      bool
	stopped    bool
	lastSyncAt time.Time

	changes chan Change
	group   singleflight.Group

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	refreshes atomic.Int64
	failures  atomic.Int64
	coalesced atomic.Int64
}

var _ router.InvalidationSink = (*Directory)(nil)

// NewDirectory creates a room directory over source.
func NewDirectory(cfg Config, source Source, logger *slog.Logger) *Directory {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RefreshTimeout <= 0 {
		cfg.RefreshTimeout = DefaultConfig().RefreshTimeout
	}
	if cfg.ChangeBuffer <= 0 {
		cfg.ChangeBuffer = DefaultConfig().ChangeBuffer
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Directory{
		cfg:     cfg,
		source:  source,
		logger:  logger.With("component", "rooms"),
		rooms:   make(map[int64]model.RoomSummary),
		stale:   true,
		changes: make(chan Change, cfg.ChangeBuffer),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start loads the room list and begins background reconciliation.
func (d *Directory) Start(ctx context.Context) error {
	if err := d.Refresh(ctx); err != nil {
		return err
	}

	if d.cfg.ReconcileInterval > 0 && d.track() {
		go func() {
			defer d.wg.Done()
			d.reconciliationLoop()
		}()
	}

	d.logger.Info("room directory started", "rooms", d.Len())
	return nil
}

// Stop gracefully shuts down.
func (d *Directory) Stop(ctx context.Context) error {
	d.mu.Lock()
	d.stopped = true
	d.mu.Unlock()
	d.cancel()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.logger.Info("room directory stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// track registers a background goroutine with the wait group. It reports
// false once Stop has begun, so no Add can race Stop's Wait.
func (d *Directory) track() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return false
	}
	d.wg.Add(1)
	return true
}

// Invalidate marks the list stale when the rooms key is named and schedules
// a refresh. It does not wait for the fetch.
func (d *Directory) Invalidate(_ context.Context, inv router.Invalidation) error {
	if !slices.Contains(inv.Keys, model.RoomsKey) {
		return nil
	}

	d.mu.Lock()
	d.stale = true
	d.mu.Unlock()

	if !d.track() {
		return nil
	}
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(d.ctx, d.cfg.RefreshTimeout)
		defer cancel()
		if err := d.Refresh(ctx); err != nil && d.ctx.Err() == nil {
			d.logger.Warn("room list refresh failed", "room_id", inv.RoomID, "error", err)
		}
	}()
	return nil
}

// Refresh fetches the room list and applies it. Concurrent calls share one
// fetch.
func (d *Directory) Refresh(ctx context.Context) error {
	ch := d.group.DoChan("rooms", func() (any, error) {
		return nil, d.fetch(ctx)
	})

	select {
	case res := <-ch:
		if res.Shared {
			d.coalesced.Add(1)
		}
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Directory) fetch(ctx context.Context) error {
	start := time.Now()

	list, err := d.source.GetRooms(ctx)
	if err != nil {
		d.failures.Add(1)
		return err
	}
	d.refreshes.Add(1)

	var created, updated, removed int

	d.mu.Lock()
	seen := make(map[int64]struct{}, len(list))
	for _, room := range list {
		seen[room.RoomID] = struct{}{}
		existing, ok := d.rooms[room.RoomID]
		d.rooms[room.RoomID] = room

		switch {
		case !ok:
			d.notifyChange(Change{RoomID: room.RoomID, EventType: ChangeCreated, Room: &room})
			created++
		case changed(existing, room):
			d.notifyChange(Change{RoomID: room.RoomID, EventType: ChangeUpdated, Room: &room})
			updated++
		}
	}
	for id := range d.rooms {
		if _, ok := seen[id]; !ok {
			delete(d.rooms, id)
			d.notifyChange(Change{RoomID: id, EventType: ChangeRemoved})
			removed++
		}
	}
	d.stale = false
	d.lastSyncAt = time.Now()
	d.mu.Unlock()

	if created > 0 || updated > 0 || removed > 0 {
		d.logger.Debug("room list changed",
			"created", created,
			"updated", updated,
			"removed", removed,
			"duration", time.Since(start),
		)
	}
	return nil
}

func (d *Directory) reconciliationLoop() {
	ticker := time.NewTicker(d.cfg.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(d.ctx, d.cfg.RefreshTimeout)
			if err := d.Refresh(ctx); err != nil && d.ctx.Err() == nil {
				d.logger.Error("room reconciliation failed", "error", err)
			}
			cancel()
		}
	}
}

// notifyChange sends without blocking. Caller holds mu.
func (d *Directory) notifyChange(c Change) {
	select {
	case d.changes <- c:
	default:
		d.logger.Warn("room change dropped, channel full", "room_id", c.RoomID)
	}
}

// CreateRoom opens a room through the source and refreshes the list.
func (d *Directory) CreateRoom(ctx context.Context, req model.CreateRoomRequest) (model.CreateRoomResponse, error) {
	creator, ok := d.source.(Creator)
	if !ok {
		return model.CreateRoomResponse{}, ErrCreateUnsupported
	}

	resp, err := creator.CreateRoom(ctx, req)
	if err != nil {
		return resp, err
	}

	if err := d.Refresh(ctx); err != nil {
		d.logger.Warn("refresh after create failed", "room_id", resp.RoomID, "error", err)
	}
	return resp, nil
}

// Rooms returns the room list, most recent activity first.
func (d *Directory) Rooms() []model.RoomSummary {
	d.mu.RLock()
	out := make([]model.RoomSummary, 0, len(d.rooms))
	for _, r := range d.rooms {
		out = append(out, r)
	}
	d.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].LastMessageAt, out[j].LastMessageAt
		switch {
		case a == nil && b == nil:
			return out[i].RoomID < out[j].RoomID
		case a == nil:
			return false
		case b == nil:
			return true
		case a.Equal(b.Time):
			return out[i].RoomID < out[j].RoomID
		}
		return a.After(b.Time)
	})
	return out
}

// Room returns one room by id.
func (d *Directory) Room(roomID int64) (model.RoomSummary, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	r, ok := d.rooms[roomID]
	return r, ok
}

// Len returns the number of rooms.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.rooms)
}

// TotalUnread sums unread counts across rooms.
func (d *Directory) TotalUnread() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	total := 0
	for _, r := range d.rooms {
		total += r.UnreadCount
	}
	return total
}

// Stale reports whether an invalidation arrived since the last refresh.
func (d *Directory) Stale() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.stale
}

// SubscribeChanges returns the channel of room list changes.
func (d *Directory) SubscribeChanges() <-chan Change {
	return d.changes
}

// Stats returns current statistics.
func (d *Directory) Stats() Stats {
	d.mu.RLock()
	stats := Stats{
		Rooms:      len(d.rooms),
		Stale:      d.stale,
		LastSyncAt: d.lastSyncAt,
	}
	for _, r := range d.rooms {
		stats.TotalUnread += r.UnreadCount
	}
	d.mu.RUnlock()

	stats.Refreshes = d.refreshes.Load()
	stats.Failures = d.failures.Load()
	stats.Coalesced = d.coalesced.Load()
	return stats
}

func changed(a, b model.RoomSummary) bool {
	if a.UnreadCount != b.UnreadCount || a.PostInfo != b.PostInfo || a.OpponentNickname != b.OpponentNickname {
		return true
	}
	if (a.LastMessage == nil) != (b.LastMessage == nil) || (a.LastMessage != nil && *a.LastMessage != *b.LastMessage) {
		return true
	}
	if (a.LastMessageAt == nil) != (b.LastMessageAt == nil) || (a.LastMessageAt != nil && !a.LastMessageAt.Equal(b.LastMessageAt.Time)) {
		return true
	}
	return false
}

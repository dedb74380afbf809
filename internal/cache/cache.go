// Package cache provides a Redis read-through cache for room lists and
// newest history pages, invalidated by the router on every inbound message.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/campusanon/chatsync/internal/model"
	"github.com/campusanon/chatsync/internal/router"
)

// Config holds cache configuration.
type Config struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	TTL      time.Duration
}

// DefaultConfig returns the default cache configuration.
func DefaultConfig() Config {
	return Config{
		Addr:   "localhost:6379",
		Prefix: "chatsync:",
		TTL:    5 * time.Minute,
	}
}

// Stats tracks cache statistics.
type Stats struct {
	Hits          uint64 `json:"hits"`
	Misses        uint64 `json:"misses"`
	Sets          uint64 `json:"sets"`
	Invalidations uint64 `json:"invalidations"`
	Errors        uint64 `json:"errors"`
}

// Cache stores JSON values in Redis under a key prefix.
type Cache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration

	hits          atomic.Uint64
	misses        atomic.Uint64
	sets          atomic.Uint64
	invalidations atomic.Uint64
	errors        atomic.Uint64
}

var _ router.InvalidationSink = (*Cache)(nil)

// New creates a cache over an existing client.
func New(client *redis.Client, prefix string, ttl time.Duration) *Cache {
	return &Cache{
		client: client,
		prefix: prefix,
		ttl:    ttl,
	}
}

// Open connects to Redis from cfg and verifies the connection.
func Open(ctx context.Context, cfg Config) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.Addr, err)
	}
	return New(client, cfg.Prefix, cfg.TTL), nil
}

// Key returns the full Redis key for a logical key.
func (c *Cache) Key(key string) string {
	return c.prefix + key
}

// Invalidate deletes every key named by inv.
func (c *Cache) Invalidate(ctx context.Context, inv router.Invalidation) error {
	if len(inv.Keys) == 0 {
		return nil
	}

	keys := make([]string, len(inv.Keys))
	for i, k := range inv.Keys {
		keys[i] = c.Key(k)
	}

	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		c.errors.Add(1)
		return fmt.Errorf("cache invalidate room %d: %w", inv.RoomID, err)
	}
	c.invalidations.Add(1)
	return nil
}

// getJSON reads field of the hash at key into dest. A miss returns false.
func (c *Cache) getJSON(ctx context.Context, key, field string, dest any) (bool, error) {
	data, err := c.client.HGet(ctx, c.Key(key), field).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			c.misses.Add(1)
			return false, nil
		}
		c.errors.Add(1)
		return false, fmt.Errorf("cache get error: %w", err)
	}

	if err := json.Unmarshal(data, dest); err != nil {
		c.errors.Add(1)
		return false, fmt.Errorf("cache unmarshal error: %w", err)
	}

	c.hits.Add(1)
	return true, nil
}

// setJSON stores value as field of the hash at key and refreshes its TTL.
func (c *Cache) setJSON(ctx context.Context, key, field string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		c.errors.Add(1)
		return fmt.Errorf("cache marshal error: %w", err)
	}

	full := c.Key(key)
	pipe := c.client.TxPipeline()
	pipe.HSet(ctx, full, field, data)
	if c.ttl > 0 {
		pipe.Expire(ctx, full, c.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		c.errors.Add(1)
		return fmt.Errorf("cache set error: %w", err)
	}

	c.sets.Add(1)
	return nil
}

// Stats returns a snapshot of the counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:          c.hits.Load(),
		Misses:        c.misses.Load(),
		Sets:          c.sets.Load(),
		Invalidations: c.invalidations.Load(),
		Errors:        c.errors.Load(),
	}
}

// Ping checks if the Redis connection is healthy.
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the Redis client connection.
func (c *Cache) Close() error {
	return c.client.Close()
}

// HistorySource fetches history pages.
type HistorySource interface {
	GetMessages(ctx context.Context, roomID int64, lastMessageID *int64, size int) ([]model.ChatMessage, error)
}

// RoomSource lists rooms.
type RoomSource interface {
	GetRooms(ctx context.Context) ([]model.RoomSummary, error)
}

// Messages wraps a history source, caching only the newest page of each
// room. Older pages are immutable on the server but are not worth the space.
func (c *Cache) Messages(next HistorySource) HistorySource {
	return &cachedHistory{cache: c, next: next}
}

// Rooms wraps a room source, caching the full list.
func (c *Cache) Rooms(next RoomSource) RoomSource {
	return &cachedRooms{cache: c, next: next}
}

type cachedHistory struct {
	cache *Cache
	next  HistorySource
}

func (h *cachedHistory) GetMessages(ctx context.Context, roomID int64, lastMessageID *int64, size int) ([]model.ChatMessage, error) {
	if lastMessageID != nil {
		return h.next.GetMessages(ctx, roomID, lastMessageID, size)
	}

	key := model.MessagesKey(roomID)
	field := strconv.Itoa(size)

	var msgs []model.ChatMessage
	if ok, err := h.cache.getJSON(ctx, key, field, &msgs); err == nil && ok {
		return msgs, nil
	}

	msgs, err := h.next.GetMessages(ctx, roomID, nil, size)
	if err != nil {
		return nil, err
	}
	// Cache failures are counted but never fail the read.
	_ = h.cache.setJSON(ctx, key, field, msgs)
	return msgs, nil
}

type cachedRooms struct {
	cache *Cache
	next  RoomSource
}

func (r *cachedRooms) GetRooms(ctx context.Context) ([]model.RoomSummary, error) {
	var rooms []model.RoomSummary
	if ok, err := r.cache.getJSON(ctx, model.RoomsKey, "all", &rooms); err == nil && ok {
		return rooms, nil
	}

	rooms, err := r.next.GetRooms(ctx)
	if err != nil {
		return nil, err
	}
	_ = r.cache.setJSON(ctx, model.RoomsKey, "all", rooms)
	return rooms, nil
}

// CreateRoom forwards to the wrapped source when it can create rooms, and
// drops the cached list.
func (r *cachedRooms) CreateRoom(ctx context.Context, req model.CreateRoomRequest) (model.CreateRoomResponse, error) {
	creator, ok := r.next.(interface {
		CreateRoom(context.Context, model.CreateRoomRequest) (model.CreateRoomResponse, error)
	})
	if !ok {
		return model.CreateRoomResponse{}, errors.New("room creation not supported by source")
	}

	resp, err := creator.CreateRoom(ctx, req)
	if err != nil {
		return resp, err
	}
	_ = r.cache.Invalidate(ctx, router.Invalidation{RoomID: resp.RoomID, Keys: []string{model.RoomsKey}})
	return resp, nil
}

package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/campusanon/chatsync/internal/model"
)

// TestNewClient tests client construction with various options.
func TestNewClient(t *testing.T) {
	t.Run("default values", func(t *testing.T) {
		c := NewClient("https://api.example.com/", StaticToken("tok"))

		if c.baseURL != "https://api.example.com" {
			t.Errorf("baseURL = %q, want trailing slash trimmed", c.baseURL)
		}
		if c.tokens.Token() != "tok" {
			t.Errorf("Token() = %q, want %q", c.tokens.Token(), "tok")
		}
		if c.httpClient.Timeout != 10*time.Second {
			t.Errorf("Timeout = %v, want %v", c.httpClient.Timeout, 10*time.Second)
		}
		if c.maxRetries != 3 {
			t.Errorf("maxRetries = %d, want %d", c.maxRetries, 3)
		}
		if c.retryBackoff != time.Second {
			t.Errorf("retryBackoff = %v, want %v", c.retryBackoff, time.Second)
		}
		if c.logger == nil {
			t.Error("logger should not be nil")
		}
	})

	t.Run("nil token source", func(t *testing.T) {
		c := NewClient("https://api.example.com", nil)
		if c.tokens.Token() != "" {
			t.Errorf("Token() = %q, want empty", c.tokens.Token())
		}
	})

	t.Run("with options", func(t *testing.T) {
		logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
		hc := &http.Client{Timeout: 3 * time.Second}
		c := NewClient("https://api.example.com", nil,
			WithHTTPClient(hc),
			WithTimeout(15*time.Second),
			WithRetries(10, 500*time.Millisecond),
			WithLogger(logger),
		)
		if c.httpClient != hc || hc.Timeout != 15*time.Second {
			t.Errorf("Timeout = %v, want %v on custom client", c.httpClient.Timeout, 15*time.Second)
		}
		if c.maxRetries != 10 {
			t.Errorf("maxRetries = %d, want %d", c.maxRetries, 10)
		}
		if c.retryBackoff != 500*time.Millisecond {
			t.Errorf("retryBackoff = %v, want %v", c.retryBackoff, 500*time.Millisecond)
		}
		if c.logger != logger {
			t.Error("logger not set correctly")
		}
	})
}

// TestAPIError tests the APIError type.
func TestAPIError(t *testing.T) {
	err := &APIError{StatusCode: 404, Message: "Not Found"}
	if err.Error() != "chat api error 404: Not Found" {
		t.Errorf("Error() = %q", err.Error())
	}

	tests := []struct {
		code      int
		retryable bool
	}{
		{500, true},
		{502, true},
		{503, true},
		{429, true},
		{400, false},
		{401, false},
		{404, false},
		{499, false},
	}
	for _, tt := range tests {
		err := &APIError{StatusCode: tt.code}
		if got := err.IsRetryable(); got != tt.retryable {
			t.Errorf("IsRetryable() for status %d = %v, want %v", tt.code, got, tt.retryable)
		}
	}

	if !(&APIError{StatusCode: 401}).IsUnauthorized() {
		t.Error("401 should be unauthorized")
	}
}

// mutableToken is a TokenSource whose value can change between requests.
type mutableToken struct{ v atomic.Value }

func (m *mutableToken) Token() string {
	s, _ := m.v.Load().(string)
	return s
}

func TestDoRequest_TokenPerRequest(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen = append(seen, r.Header.Get("Authorization"))
		mu.Unlock()
		w.Write([]byte(`[]`))
	}))
	defer server.Close()

	tokens := &mutableToken{}
	c := NewClient(server.URL, tokens)

	c.doRequest(context.Background(), http.MethodGet, "/x", nil, nil)
	tokens.v.Store("first")
	c.doRequest(context.Background(), http.MethodGet, "/x", nil, nil)
	tokens.v.Store("second")
	c.doRequest(context.Background(), http.MethodGet, "/x", nil, nil)

	mu.Lock()
	defer mu.Unlock()
	want := []string{"", "Bearer first", "Bearer second"}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("request %d Authorization = %q, want %q", i, seen[i], want[i])
		}
	}
}

func TestDoRequest_Errors(t *testing.T) {
	t.Run("4xx returns APIError with body", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"error": "room not found"}`))
		}))
		defer server.Close()

		c := NewClient(server.URL, nil)
		_, err := c.doRequest(context.Background(), http.MethodGet, "/x", nil, nil)

		var apiErr *APIError
		if !errors.As(err, &apiErr) {
			t.Fatalf("expected *APIError, got %T", err)
		}
		if apiErr.StatusCode != 404 {
			t.Errorf("StatusCode = %d, want 404", apiErr.StatusCode)
		}
		if !strings.Contains(string(apiErr.Body), "room not found") {
			t.Errorf("Body = %q", apiErr.Body)
		}
	})

	t.Run("401 runs unauthorized handler", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		}))
		defer server.Close()

		var called atomic.Bool
		c := NewClient(server.URL, StaticToken("stale"), WithUnauthorizedHandler(func() { called.Store(true) }))
		_, err := c.doRequest(context.Background(), http.MethodGet, "/x", nil, nil)
		if err == nil {
			t.Fatal("expected error")
		}
		if !called.Load() {
			t.Error("unauthorized handler not called")
		}
	})

	t.Run("context cancellation", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(100 * time.Millisecond)
		}))
		defer server.Close()

		c := NewClient(server.URL, nil)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := c.doRequest(ctx, http.MethodGet, "/x", nil, nil)
		if !errors.Is(err, context.Canceled) {
			t.Errorf("error = %v, want context.Canceled", err)
		}
	})
}

func TestDoWithRetry(t *testing.T) {
	tests := []struct {
		name         string
		method       string
		statuses     []int
		wantAttempts int32
		wantErr      bool
	}{
		{"GET succeeds first try", http.MethodGet, []int{200}, 1, false},
		{"GET retries 5xx", http.MethodGet, []int{503, 502, 200}, 3, false},
		{"GET gives up after max retries", http.MethodGet, []int{500, 500, 500, 500}, 4, true},
		{"GET does not retry 4xx", http.MethodGet, []int{400}, 1, true},
		{"POST does not retry 5xx", http.MethodPost, []int{500, 200}, 1, true},
		{"POST retries 429", http.MethodPost, []int{429, 200}, 2, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var attempts atomic.Int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				n := attempts.Add(1)
				status := tt.statuses[min(int(n)-1, len(tt.statuses)-1)]
				w.WriteHeader(status)
				w.Write([]byte(`{}`))
			}))
			defer server.Close()

			c := NewClient(server.URL, nil, WithRetries(3, time.Millisecond))
			_, err := c.doWithRetry(context.Background(), tt.method, "/x", nil, nil)

			if (err != nil) != tt.wantErr {
				t.Errorf("error = %v, wantErr %v", err, tt.wantErr)
			}
			if got := attempts.Load(); got != tt.wantAttempts {
				t.Errorf("attempts = %d, want %d", got, tt.wantAttempts)
			}
		})
	}
}

func TestGetMessages(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chats/rooms/3/messages" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if r.URL.Query().Get("size") != "20" {
			t.Errorf("size = %q, want 20", r.URL.Query().Get("size"))
		}
		if r.URL.Query().Get("lastMessageId") != "100" {
			t.Errorf("lastMessageId = %q, want 100", r.URL.Query().Get("lastMessageId"))
		}
		w.Write([]byte(`[
			{"id": 99, "room_id": 3, "sender_id": 2, "content": "older", "created_at": "2024-01-15T10:00:00Z"},
			{"id": 98, "room_id": 3, "sender_id": 1, "content": "oldest", "created_at": "2024-01-15T09:59:00Z"}
		]`))
	}))
	defer server.Close()

	c := NewClient(server.URL, nil)
	cursor := int64(100)
	msgs, err := c.GetMessages(context.Background(), 3, &cursor, 20)
	if err != nil {
		t.Fatalf("GetMessages failed: %v", err)
	}

	if len(msgs) != 2 {
		t.Fatalf("len = %d, want 2", len(msgs))
	}
	if msgs[0].ID != 99 || msgs[0].Content != "older" || msgs[0].SenderID != 2 {
		t.Errorf("msgs[0] = %+v", msgs[0])
	}
	want := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	if !msgs[0].CreatedAt.Equal(want) {
		t.Errorf("CreatedAt = %v, want %v", msgs[0].CreatedAt, want)
	}
}

func TestGetMessages_DefaultsAndValidation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("size") != "50" {
			t.Errorf("size = %q, want 50", r.URL.Query().Get("size"))
		}
		if r.URL.Query().Has("lastMessageId") {
			t.Error("lastMessageId should be omitted for the first page")
		}
		w.Write([]byte(`[]`))
	}))
	defer server.Close()

	c := NewClient(server.URL, nil)
	msgs, err := c.GetMessages(context.Background(), 1, nil, 0)
	if err != nil {
		t.Fatalf("GetMessages failed: %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("len = %d, want 0", len(msgs))
	}

	if _, err := c.GetMessages(context.Background(), 0, nil, 10); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("GetMessages(room 0) error = %v, want ErrInvalidRequest", err)
	}
}

func TestGetRooms(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/chats/rooms" {
			t.Errorf("%s %s", r.Method, r.URL.Path)
		}
		w.Write([]byte(`[
			{"room_id": 1, "last_message": "see you", "last_message_at": "2024-01-15T10:00:00Z",
			 "unread_count": 2, "post_info": {"id": 10, "title": "Lost umbrella"}, "opponent_nickname": "owl"},
			{"room_id": 2, "last_message": null, "last_message_at": null,
			 "unread_count": 0, "post_info": {"id": 11, "title": "Study group"}}
		]`))
	}))
	defer server.Close()

	rooms, err := NewClient(server.URL, nil).GetRooms(context.Background())
	if err != nil {
		t.Fatalf("GetRooms failed: %v", err)
	}
	if len(rooms) != 2 {
		t.Fatalf("len = %d, want 2", len(rooms))
	}
	if rooms[0].LastMessage == nil || *rooms[0].LastMessage != "see you" {
		t.Errorf("rooms[0].LastMessage = %v", rooms[0].LastMessage)
	}
	if rooms[0].UnreadCount != 2 || rooms[0].PostInfo.Title != "Lost umbrella" || rooms[0].OpponentNickname != "owl" {
		t.Errorf("rooms[0] = %+v", rooms[0])
	}
	if rooms[1].LastMessage != nil || rooms[1].LastMessageAt != nil {
		t.Errorf("rooms[1] nullable fields = %v, %v; want nil", rooms[1].LastMessage, rooms[1].LastMessageAt)
	}
}

func TestCreateRoom(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/chats/rooms" {
			t.Errorf("%s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("Content-Type = %q", r.Header.Get("Content-Type"))
		}
		var req map[string]int64
		json.NewDecoder(r.Body).Decode(&req)
		if req["post_id"] != 10 || req["comment_id"] != 20 || req["receiver_id"] != 30 {
			t.Errorf("body = %v", req)
		}
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"room_id": 77}`))
	}))
	defer server.Close()

	c := NewClient(server.URL, StaticToken("tok"))
	resp, err := c.CreateRoom(context.Background(), model.CreateRoomRequest{PostID: 10, CommentID: 20, ReceiverID: 30})
	if err != nil {
		t.Fatalf("CreateRoom failed: %v", err)
	}
	if resp.RoomID != 77 {
		t.Errorf("RoomID = %d, want 77", resp.RoomID)
	}

	if _, err := c.CreateRoom(context.Background(), model.CreateRoomRequest{PostID: 10}); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("CreateRoom(incomplete) error = %v, want ErrInvalidRequest", err)
	}
}

func TestTokenFunc(t *testing.T) {
	current := "a"
	var src TokenSource = TokenFunc(func() string { return current })
	if got := src.Token(); got != "a" {
		t.Errorf("Token() = %q, want a", got)
	}
	current = "b"
	if got := src.Token(); got != "b" {
		t.Errorf("Token() = %q, want b", got)
	}
}

package connection

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/campusanon/chatsync/internal/model"
)

// testBroker is a minimal in-process STOMP broker.
type testBroker struct {
	t      *testing.T
	server *httptest.Server

	token     string // Accepted bearer token ("" accepts any)
	heartbeat string // CONNECTED heart-beat header
	echo      bool   // Echo SEND frames to room topic subscribers

	mu       sync.Mutex
	conns    []*brokerConn
	connects int
	auths    []string // Authorization header of every CONNECT
	sent     []Frame
	nextID   int64
}

type brokerConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	subs    map[string]string // subscription id -> destination
}

func (bc *brokerConn) write(f Frame) error {
	bc.writeMu.Lock()
	defer bc.writeMu.Unlock()
	return bc.conn.WriteMessage(websocket.TextMessage, f.Marshal())
}

func newTestBroker(t *testing.T, token string) *testBroker {
	b := &testBroker{t: t, token: token, heartbeat: "0,0", nextID: 100}

	upgrader := websocket.Upgrader{
		CheckOrigin:  func(r *http.Request) bool { return true },
		Subprotocols: []string{"v12.stomp"},
	}

	b.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		defer conn.Close()
		b.serve(conn)
	}))
	t.Cleanup(b.server.Close)

	return b
}

func (b *testBroker) setEcho(echo bool) {
	b.mu.Lock()
	b.echo = echo
	b.mu.Unlock()
}

func (b *testBroker) setHeartbeat(hb string) {
	b.mu.Lock()
	b.heartbeat = hb
	b.mu.Unlock()
}

func (b *testBroker) url() string {
	return "ws" + strings.TrimPrefix(b.server.URL, "http")
}

func (b *testBroker) serve(conn *websocket.Conn) {
	bc := &brokerConn{conn: conn, subs: make(map[string]string)}

	_, data, err := conn.ReadMessage()
	if err != nil {
		return
	}
	connect, err := ParseFrame(data)
	if err != nil || connect.Command != CmdConnect {
		return
	}

	b.mu.Lock()
	b.connects++
	b.auths = append(b.auths, connect.Get(HeaderAuthorization))
	token, heartbeat := b.token, b.heartbeat
	b.mu.Unlock()

	if token != "" && connect.Get(HeaderAuthorization) != "Bearer "+token {
		bc.write(NewFrame(CmdError, HeaderMessage, "invalid token"))
		return
	}
	if err := bc.write(NewFrame(CmdConnected, HeaderVersion, "1.2", HeaderHeartBeat, heartbeat)); err != nil {
		return
	}

	b.mu.Lock()
	b.conns = append(b.conns, bc)
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		for i, c := range b.conns {
			if c == bc {
				b.conns = append(b.conns[:i], b.conns[i+1:]...)
				break
			}
		}
		b.mu.Unlock()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if isHeartbeat(data) {
			continue
		}
		f, err := ParseFrame(data)
		if err != nil {
			b.t.Logf("broker: bad frame: %v", err)
			continue
		}

		switch f.Command {
		case CmdSubscribe:
			b.mu.Lock()
			bc.subs[f.Get(HeaderID)] = f.Get(HeaderDestination)
			b.mu.Unlock()
		case CmdUnsubscribe:
			b.mu.Lock()
			delete(bc.subs, f.Get(HeaderID))
			b.mu.Unlock()
		case CmdSend:
			b.mu.Lock()
			b.sent = append(b.sent, f)
			echo := b.echo
			b.nextID++
			id := b.nextID
			b.mu.Unlock()

			if echo {
				var p model.SendPayload
				if json.Unmarshal(f.Body, &p) == nil {
					body, _ := json.Marshal(model.ChatMessage{
						ID: id, RoomID: p.RoomID, SenderID: 1, Content: p.Content, CreatedAt: model.NewTimestamp(time.Now()),
					})
					b.publish(model.RoomTopic(p.RoomID), string(body))
				}
			}
		case CmdDisconnect:
			return
		}
	}
}

// publish delivers body to every subscriber of dest and returns the delivery count.
func (b *testBroker) publish(dest, body string) int {
	type target struct {
		bc    *brokerConn
		subID string
	}

	b.mu.Lock()
	var targets []target
	for _, bc := range b.conns {
		for id, d := range bc.subs {
			if d == dest {
				targets = append(targets, target{bc, id})
			}
		}
	}
	b.nextID++
	msgID := strconv.FormatInt(b.nextID, 10)
	b.mu.Unlock()

	n := 0
	for _, tg := range targets {
		f := NewFrame(CmdMessage,
			HeaderSubscription, tg.subID,
			HeaderDestination, dest,
			HeaderMessageID, msgID,
			HeaderContentType, "application/json",
		)
		f.Body = []byte(body)
		if tg.bc.write(f) == nil {
			n++
		}
	}
	return n
}

func (b *testBroker) subscriptions(dest string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, bc := range b.conns {
		for _, d := range bc.subs {
			if d == dest {
				n++
			}
		}
	}
	return n
}

func (b *testBroker) connectCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connects
}

func (b *testBroker) lastAuthorization() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.auths) == 0 {
		return ""
	}
	return b.auths[len(b.auths)-1]
}

func (b *testBroker) sentFrames() []Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Frame(nil), b.sent...)
}

// dropAll closes every connection without a STOMP goodbye.
func (b *testBroker) dropAll() {
	b.mu.Lock()
	conns := append([]*brokerConn(nil), b.conns...)
	b.mu.Unlock()
	for _, bc := range conns {
		bc.conn.Close()
	}
}

func waitFor(t *testing.T, timeout time.Duration, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
}

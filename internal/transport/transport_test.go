package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabtext/engine/internal/ot"
	"collabtext/engine/internal/protocol"
	"collabtext/engine/internal/session"
	"collabtext/engine/internal/store"
)

type testServer struct {
	srv   *httptest.Server
	hub   *Hub
	reg   *session.Registry
	store *store.MemoryStore
}

func quietLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func newTestServer(t *testing.T) *testServer {
	st := store.NewMemoryStore()
	hub := NewHub(Options{Heartbeat: 5 * time.Second, RequestTimeout: 5 * time.Second}, quietLog())
	reg := session.NewRegistry(session.Config{SaveWindow: time.Hour}, st, hub, quietLog())
	hub.Bind(reg)
	go hub.Run()
	srv := httptest.NewServer(NewRouter(hub, reg, st))
	t.Cleanup(func() {
		srv.Close()
		reg.Close(context.Background())
		hub.Close()
	})
	return &testServer{srv: srv, hub: hub, reg: reg, store: st}
}

func (ts *testServer) dial(t *testing.T) *websocket.Conn {
	url := "ws" + strings.TrimPrefix(ts.srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func write(t *testing.T, conn *websocket.Conn, msg string) {
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(msg)))
}

// expect reads until a message of type typ arrives and returns it.
func expect(t *testing.T, conn *websocket.Conn, typ string) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var msg map[string]any
		require.NoError(t, conn.ReadJSON(&msg))
		if msg["type"] == typ {
			return msg
		}
	}
}

func join(t *testing.T, conn *websocket.Conn, doc, user string) map[string]any {
	write(t, conn, fmt.Sprintf(`{"type":"join","documentId":%q,"userId":%q}`, doc, user))
	return expect(t, conn, protocol.TypeState)
}

func TestEditOverWebsocket(t *testing.T) {
	ts := newTestServer(t)
	require.NoError(t, ts.store.Set(context.Background(), "d1", store.Snapshot{Content: "hello"}, 0))

	a, b := ts.dial(t), ts.dial(t)
	state := join(t, a, "d1", "alice")
	assert.Equal(t, "hello", state["content"])
	assert.EqualValues(t, 0, state["version"])
	join(t, b, "d1", "bob")
	joined := expect(t, a, protocol.TypeParticipantJoined)
	assert.Equal(t, "bob", joined["userId"])

	write(t, a, `{"type":"operation","documentId":"d1","baseVersion":0,"operation":{"type":"insert","position":0,"text":"X"}}`)
	ack := expect(t, a, protocol.TypeAck)
	assert.EqualValues(t, 1, ack["version"])
	change := expect(t, b, protocol.TypeOperation)
	assert.EqualValues(t, 1, change["version"])

	write(t, b, `{"type":"operation","documentId":"d1","baseVersion":0,"operation":{"type":"insert","position":5,"text":"Y"}}`)
	change = expect(t, a, protocol.TypeOperation)
	assert.EqualValues(t, 2, change["version"])
	assert.Equal(t, map[string]any{"type": "insert", "position": float64(6), "text": "Y"}, change["operation"])

	write(t, a, `{"type":"cursor","documentId":"d1","position":2}`)
	cur := expect(t, b, protocol.TypeCursor)
	assert.EqualValues(t, 2, cur["position"])

	resp, err := http.Get(ts.srv.URL + "/documents/d1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var view DocumentView
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&view))
	assert.True(t, view.Open)
	assert.Equal(t, "XhelloY", view.Content)
	assert.Equal(t, 2, view.Version)
	assert.Len(t, view.Participants, 2)

	logged, err := ot.DecodeOps(view.Log)
	require.NoError(t, err)
	assert.Equal(t, []ot.Op{
		&ot.Insert{Position: 0, Text: "X"},
		&ot.Insert{Position: 6, Text: "Y"},
	}, logged)
}

func TestDisconnectLeavesDocuments(t *testing.T) {
	ts := newTestServer(t)
	a, b := ts.dial(t), ts.dial(t)
	join(t, a, "d1", "alice")
	join(t, b, "d1", "bob")
	write(t, b, `{"type":"operation","documentId":"d1","baseVersion":0,"operation":{"type":"insert","position":0,"text":"hi"}}`)
	expect(t, b, protocol.TypeAck)

	require.NoError(t, b.Close())
	left := expect(t, a, protocol.TypeParticipantLeft)
	assert.Equal(t, "bob", left["userId"])

	write(t, a, `{"type":"leave","documentId":"d1"}`)
	require.Eventually(t, func() bool { return len(ts.reg.Sessions()) == 0 }, 5*time.Second, 10*time.Millisecond)

	snap, err := ts.store.Get(context.Background(), "d1")
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, "hi", snap.Content)
	assert.Equal(t, 1, snap.Version)

	resp, err := http.Get(ts.srv.URL + "/documents/d1")
	require.NoError(t, err)
	defer resp.Body.Close()
	var view DocumentView
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&view))
	assert.False(t, view.Open)
	assert.Equal(t, "hi", view.Content)
	assert.NotNil(t, view.SavedAt)
}

func TestErrorsAreReported(t *testing.T) {
	ts := newTestServer(t)
	a := ts.dial(t)

	write(t, a, `not json`)
	e := expect(t, a, protocol.TypeError)
	assert.Equal(t, protocol.CodeProtocol, e["code"])

	write(t, a, `{"type":"operation","documentId":"nowhere","baseVersion":0,"operation":{"type":"insert","position":0,"text":"x"}}`)
	e = expect(t, a, protocol.TypeError)
	assert.Equal(t, protocol.CodeUnknownDocument, e["code"])
	assert.Equal(t, "nowhere", e["documentId"])

	join(t, a, "d1", "alice")
	write(t, a, `{"type":"operation","documentId":"d1","baseVersion":0,"operation":{"type":"delete","position":0,"count":3}}`)
	e = expect(t, a, protocol.TypeError)
	assert.Equal(t, protocol.CodeProtocol, e["code"])

	write(t, a, `{"type":"ping"}`)
	expect(t, a, protocol.TypePong)

	// The connection survives every rejected message.
	write(t, a, `{"type":"operation","documentId":"d1","baseVersion":0,"operation":{"type":"insert","position":0,"text":"ok"}}`)
	ack := expect(t, a, protocol.TypeAck)
	assert.EqualValues(t, 1, ack["version"])
}

func TestHealthAndMissingDocument(t *testing.T) {
	ts := newTestServer(t)
	a := ts.dial(t)
	join(t, a, "d1", "alice")

	resp, err := http.Get(ts.srv.URL + "/healthz")
	require.NoError(t, err)
	var health map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	resp.Body.Close()
	assert.Equal(t, "ok", health["status"])
	assert.EqualValues(t, 1, health["connections"])
	assert.EqualValues(t, 1, health["documents"])

	resp, err = http.Get(ts.srv.URL + "/documents/missing")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSendToUnknownConnection(t *testing.T) {
	hub := NewHub(Options{}, quietLog())
	go hub.Run()
	assert.NoError(t, hub.Send("ghost", &protocol.Pong{Type: protocol.TypePong}))
	hub.Close()
	assert.ErrorIs(t, hub.Send("ghost", &protocol.Pong{Type: protocol.TypePong}), ErrHubClosed)
	assert.Equal(t, 0, hub.Connections())
}

func TestErrorCode(t *testing.T) {
	for err, code := range map[error]string{
		fmt.Errorf("x: %w", session.ErrVersionTooOld): protocol.CodeVersionTooOld,
		session.ErrUnknownDocument:                    protocol.CodeUnknownDocument,
		session.ErrNotOwner:                           protocol.CodeNotOwner,
		session.ErrNotJoined:                          protocol.CodeProtocol,
		session.ErrFutureVersion:                      protocol.CodeProtocol,
		fmt.Errorf("t: %w", ot.ErrOutOfBounds):        protocol.CodeProtocol,
		&protocol.ProtocolError{Msg: "bad"}:           protocol.CodeProtocol,
		errors.New("disk on fire"):                    protocol.CodeInternal,
		context.DeadlineExceeded:                      protocol.CodeInternal,
	} {
		assert.Equal(t, code, ErrorCode(err), err.Error())
	}
}

func TestSlowClientIsDropped(t *testing.T) {
	hub := NewHub(Options{SendBuffer: 1}, quietLog())
	go hub.Run()
	defer hub.Close()

	c := &Client{hub: hub, id: "slow", send: make(chan []byte, 1), log: quietLog()}
	require.True(t, hub.add(c))
	require.NoError(t, hub.Send("slow", &protocol.Pong{Type: protocol.TypePong}))
	require.NoError(t, hub.Send("slow", &protocol.Pong{Type: protocol.TypePong}))
	require.Eventually(t, func() bool { return hub.Connections() == 0 }, time.Second, time.Millisecond)

	msg, ok := <-c.send
	require.True(t, ok)
	assert.JSONEq(t, `{"type":"pong"}`, string(msg))
	_, ok = <-c.send
	assert.False(t, ok, "send channel is closed once the client is dropped")
}

// stallingCoordinator never answers joins for "slow" documents before the
// request deadline and rejects everything else.
type stallingCoordinator struct {
	Coordinator
	mu     sync.Mutex
	leaves []string
}

func (s *stallingCoordinator) Join(ctx context.Context, docID, connID, userID string) error {
	if docID != "slow" {
		return session.ErrNotOwner
	}
	<-ctx.Done()
	return ctx.Err()
}

func (s *stallingCoordinator) Leave(ctx context.Context, docID, connID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leaves = append(s.leaves, docID)
	return nil
}

func (s *stallingCoordinator) left() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.leaves...)
}

func TestTimedOutJoinIsLeftOnDisconnect(t *testing.T) {
	coord := &stallingCoordinator{}
	hub := NewHub(Options{RequestTimeout: 50 * time.Millisecond}, quietLog())
	hub.Bind(coord)
	go hub.Run()
	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	t.Cleanup(func() {
		srv.Close()
		hub.Close()
	})

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)

	write(t, conn, `{"type":"join","documentId":"owned-elsewhere","userId":"alice"}`)
	e := expect(t, conn, protocol.TypeError)
	assert.Equal(t, protocol.CodeNotOwner, e["code"])

	write(t, conn, `{"type":"join","documentId":"slow","userId":"alice"}`)
	e = expect(t, conn, protocol.TypeError)
	assert.Equal(t, protocol.CodeInternal, e["code"])

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return len(coord.left()) > 0 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"slow"}, coord.left())
}

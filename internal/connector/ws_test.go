// ABOUTME: Tests for the WebSocket connector
// ABOUTME: Dials real sockets against an httptest server

package connector

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hearthd/hearth-gateway/internal/auth"
	"github.com/hearthd/hearth-gateway/internal/bus"
	"github.com/hearthd/hearth-gateway/internal/dedupe"
)

type wsFixture struct {
	ws     *WS
	server *httptest.Server
	bus    *bus.MessageBus
}

func newWSFixture(t *testing.T) *wsFixture {
	t.Helper()

	b := bus.NewBus(16, nil)
	seen := dedupe.New(time.Minute, 128)
	w := NewWS(b, seen, "hearth", "/ws", nil)

	mux := http.NewServeMux()
	w.Routes(mux, auth.NewMiddleware(nil, nil))
	srv := httptest.NewServer(mux)

	t.Cleanup(func() {
		srv.Close()
		_ = w.Stop()
		b.Close()
	})
	return &wsFixture{ws: w, server: srv, bus: b}
}

func (f *wsFixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func (f *wsFixture) consumeOne(t *testing.T) *bus.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	env, err := f.bus.Consume(ctx)
	require.NoError(t, err)
	f.bus.Done(env)
	return env
}

func TestInboundFramePublishes(t *testing.T) {
	f := newWSFixture(t)
	conn := f.dial(t)

	require.NoError(t, conn.WriteJSON(Frame{Type: "message", ChatID: "casey", Sender: "casey", Text: "hello"}))

	env := f.consumeOne(t)
	assert.Equal(t, bus.KindInbound, env.Kind)
	assert.Equal(t, "ws:dm:casey", env.Origin.ConversationKey)
	assert.Equal(t, "casey", env.Origin.ParticipantID)
	assert.Equal(t, "hello", env.Payload.Text)
	assert.True(t, env.ReplyExpected)
}

func TestReplyDeliveredOverSocket(t *testing.T) {
	f := newWSFixture(t)
	conn := f.dial(t)

	require.NoError(t, conn.WriteJSON(Frame{Type: "message", ChatID: "casey", Sender: "casey", Text: "hello"}))
	f.consumeOne(t)

	require.NoError(t, f.ws.Deliver(context.Background(), "ws:dm:casey", "casey", "hi casey"))

	var got Frame
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, "reply", got.Type)
	assert.Equal(t, "hi casey", got.Text)
	assert.Equal(t, "ws:dm:casey", got.ConversationKey)
}

func TestDeliverWithoutClient(t *testing.T) {
	f := newWSFixture(t)
	assert.ErrorIs(t, f.ws.Deliver(context.Background(), "ws:dm:ghost", "ghost", "hi"), ErrNoDeliveryPath)
}

func TestGroupMentionGating(t *testing.T) {
	f := newWSFixture(t)
	conn := f.dial(t)

	require.NoError(t, conn.WriteJSON(Frame{Type: "message", ChatID: "eng", Sender: "alex", Text: "lunch anyone?", Group: true}))
	env := f.consumeOne(t)
	assert.Equal(t, "ws:group:eng", env.Origin.ConversationKey)
	assert.False(t, env.ReplyExpected)

	require.NoError(t, conn.WriteJSON(Frame{Type: "message", ChatID: "eng", Sender: "alex", Text: "@hearth summarize", Group: true}))
	env = f.consumeOne(t)
	assert.True(t, env.ReplyExpected)
}

func TestDuplicateEventDropped(t *testing.T) {
	f := newWSFixture(t)
	conn := f.dial(t)

	require.NoError(t, conn.WriteJSON(Frame{Type: "message", ChatID: "casey", Sender: "casey", Text: "one", EventID: "e1"}))
	require.NoError(t, conn.WriteJSON(Frame{Type: "message", ChatID: "casey", Sender: "casey", Text: "one again", EventID: "e1"}))
	require.NoError(t, conn.WriteJSON(Frame{Type: "message", ChatID: "casey", Sender: "casey", Text: "two", EventID: "e2"}))

	first := f.consumeOne(t)
	second := f.consumeOne(t)
	assert.Equal(t, "one", first.Payload.Text)
	assert.Equal(t, "two", second.Payload.Text, "redelivered event must not reach the bus")
}

func TestMalformedFrameGetsError(t *testing.T) {
	f := newWSFixture(t)
	conn := f.dial(t)

	require.NoError(t, conn.WriteJSON(Frame{Type: "message", Text: "no chat id"}))

	var got Frame
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, "error", got.Type)
}

func TestDisconnectUnregistersClient(t *testing.T) {
	f := newWSFixture(t)
	conn := f.dial(t)

	require.NoError(t, conn.WriteJSON(Frame{Type: "message", ChatID: "casey", Sender: "casey", Text: "hello"}))
	f.consumeOne(t)
	require.NoError(t, conn.Close())

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if err := f.ws.Deliver(context.Background(), "ws:dm:casey", "casey", "hi"); err != nil {
			assert.ErrorIs(t, err, ErrNoDeliveryPath)
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("client never unregistered after disconnect")
}

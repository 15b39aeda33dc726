// ABOUTME: WebSocket connector for live bidirectional chat
// ABOUTME: Inbound frames publish to the bus, replies and pushes ride the socket back

package connector

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hearthd/hearth-gateway/internal/auth"
	"github.com/hearthd/hearth-gateway/internal/bus"
	"github.com/hearthd/hearth-gateway/internal/dedupe"
)

// WSName is the connector ID used in conversation keys.
const WSName = "ws"

const writeTimeout = 10 * time.Second

// Frame is the JSON message exchanged over the socket, both directions.
type Frame struct {
	Type            string `json:"type"` // "message" in, "reply"|"error" out
	ChatID          string `json:"chat_id,omitempty"`
	Sender          string `json:"sender,omitempty"`
	Text            string `json:"text,omitempty"`
	Group           bool   `json:"group,omitempty"`
	ThreadID        string `json:"thread_id,omitempty"`
	EventID         string `json:"event_id,omitempty"`
	ConversationKey string `json:"conversation_key,omitempty"`
}

// WS is the WebSocket connector. Each socket registers itself for the
// conversations it speaks on, so proactive pushes find their way back.
type WS struct {
	bus       *bus.MessageBus
	seen      *dedupe.Cache
	agentName string
	path      string
	logger    *slog.Logger
	upgrader  websocket.Upgrader

	mu      sync.Mutex
	clients map[string]*wsClient // conversation key -> most recent socket
}

// wsClient wraps a socket with a write lock; gorilla allows only one
// concurrent writer.
type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsClient) send(f Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(f)
}

// NewWS creates the WebSocket connector serving the given path.
func NewWS(b *bus.MessageBus, seen *dedupe.Cache, agentName, path string, logger *slog.Logger) *WS {
	if logger == nil {
		logger = slog.Default()
	}
	return &WS{
		bus:       b,
		seen:      seen,
		agentName: agentName,
		path:      path,
		logger:    logger.With("component", "connector.ws"),
		upgrader:  websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
		clients:   make(map[string]*wsClient),
	}
}

// Name implements Connector.
func (w *WS) Name() string { return WSName }

// Routes mounts the upgrade endpoint on the shared mux.
func (w *WS) Routes(mux *http.ServeMux, mw *auth.Middleware) {
	mux.Handle(w.path, mw.Wrap(http.HandlerFunc(w.handleUpgrade)))
}

// Start blocks until shutdown, then closes every live socket.
func (w *WS) Start(ctx context.Context) error {
	<-ctx.Done()
	w.closeAll()
	return ctx.Err()
}

// Stop implements Connector.
func (w *WS) Stop() error {
	w.closeAll()
	return nil
}

// Deliver implements Connector. The reply goes to whichever socket most
// recently spoke on the conversation.
func (w *WS) Deliver(ctx context.Context, conversationKey, participantID, text string) error {
	w.mu.Lock()
	client, ok := w.clients[conversationKey]
	w.mu.Unlock()
	if !ok {
		return ErrNoDeliveryPath
	}
	return client.send(Frame{Type: "reply", ConversationKey: conversationKey, Text: text})
}

func (w *WS) handleUpgrade(rw http.ResponseWriter, r *http.Request) {
	conn, err := w.upgrader.Upgrade(rw, r, nil)
	if err != nil {
		w.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	sender := ""
	if id := auth.FromContext(r.Context()); id != nil {
		sender = id.Subject
	}

	client := &wsClient{conn: conn}
	w.logger.Info("websocket connected", "remote", conn.RemoteAddr().String())
	w.readLoop(client, sender)
}

// readLoop pumps inbound frames onto the bus until the socket dies.
func (w *WS) readLoop(client *wsClient, authSender string) {
	defer func() {
		w.unregister(client)
		_ = client.conn.Close()
		w.logger.Info("websocket disconnected", "remote", client.conn.RemoteAddr().String())
	}()

	for {
		var f Frame
		if err := client.conn.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				w.logger.Warn("websocket read failed", "error", err)
			}
			return
		}
		if f.Type != "message" || f.ChatID == "" || f.Text == "" {
			_ = client.send(Frame{Type: "error", Text: "expected a message frame with chat_id and text"})
			continue
		}
		if f.Sender == "" {
			f.Sender = authSender
		}

		key := bus.ConversationKey(WSName, f.Group, f.ChatID, f.ThreadID)
		w.register(key, client)

		if f.EventID != "" && w.seen.Seen(dedupe.EventKey(WSName, f.EventID)) {
			w.logger.Debug("duplicate event dropped", "event_id", f.EventID)
			continue
		}

		env := bus.New(bus.KindInbound, bus.Origin{
			ConnectorID:     WSName,
			ConversationKey: key,
			ParticipantID:   f.Sender,
		}, bus.Payload{Text: f.Text})
		if f.Group && !Mentioned(f.Text, w.agentName) {
			env.ReplyExpected = false
		}

		if err := w.bus.Publish(env); err != nil {
			w.logger.Warn("publish failed", "conversation", key, "error", err)
			_ = client.send(Frame{Type: "error", ConversationKey: key, Text: "gateway is overloaded, try again shortly"})
		}
	}
}

func (w *WS) register(key string, client *wsClient) {
	w.mu.Lock()
	w.clients[key] = client
	w.mu.Unlock()
}

// unregister drops every conversation this socket was the delivery path for.
func (w *WS) unregister(client *wsClient) {
	w.mu.Lock()
	for key, c := range w.clients {
		if c == client {
			delete(w.clients, key)
		}
	}
	w.mu.Unlock()
}

func (w *WS) closeAll() {
	w.mu.Lock()
	for _, c := range w.clients {
		_ = c.conn.Close()
	}
	w.clients = make(map[string]*wsClient)
	w.mu.Unlock()
}

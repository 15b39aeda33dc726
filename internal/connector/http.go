// ABOUTME: HTTP connector exposing the synchronous chat surface
// ABOUTME: POST /chat publishes to the bus and blocks for the agent's reply

package connector

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hearthd/hearth-gateway/internal/auth"
	"github.com/hearthd/hearth-gateway/internal/bus"
	"github.com/hearthd/hearth-gateway/internal/dedupe"
	"github.com/hearthd/hearth-gateway/internal/store"
)

// HTTPName is the connector ID used in conversation keys.
const HTTPName = "http"

const defaultHistoryLimit = 50

// ChatRequest is the JSON body for POST /chat.
type ChatRequest struct {
	ChatID   string `json:"chat_id"`
	Sender   string `json:"sender"`
	Text     string `json:"text"`
	Group    bool   `json:"group,omitempty"`
	ThreadID string `json:"thread_id,omitempty"`
	EventID  string `json:"event_id,omitempty"`
	// TimeoutSeconds caps how long the caller waits; bounded by the
	// configured reply timeout.
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`
}

// ChatResponse is the JSON reply for POST /chat.
type ChatResponse struct {
	Status          string `json:"status"` // "ok", "recorded", "duplicate"
	Reply           string `json:"reply,omitempty"`
	ConversationKey string `json:"conversation_key"`
}

// HistoryMessage is one entry in GET /history responses.
type HistoryMessage struct {
	ID        string `json:"id"`
	Role      string `json:"role"`
	Sender    string `json:"sender"`
	Content   string `json:"content"`
	CreatedAt string `json:"created_at"`
}

// HTTP is the request/response connector. It has no live client channel, so
// it cannot carry proactive pushes; those need the WebSocket connector.
type HTTP struct {
	bus          *bus.MessageBus
	store        store.Store
	seen         *dedupe.Cache
	agentName    string
	replyTimeout time.Duration
	logger       *slog.Logger
}

// NewHTTP creates the HTTP connector.
func NewHTTP(b *bus.MessageBus, st store.Store, seen *dedupe.Cache, agentName string, replyTimeout time.Duration, logger *slog.Logger) *HTTP {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTP{
		bus:          b,
		store:        st,
		seen:         seen,
		agentName:    agentName,
		replyTimeout: replyTimeout,
		logger:       logger.With("component", "connector.http"),
	}
}

// Name implements Connector.
func (h *HTTP) Name() string { return HTTPName }

// Routes mounts the connector's endpoints on the shared mux.
func (h *HTTP) Routes(mux *http.ServeMux, mw *auth.Middleware) {
	mux.Handle("/chat", mw.Wrap(http.HandlerFunc(h.handleChat)))
	mux.Handle("/history/", mw.Wrap(http.HandlerFunc(h.handleHistory)))
}

// Start blocks until shutdown. The transport itself is hosted by the
// gateway's HTTP server, so there is nothing to supervise here.
func (h *HTTP) Start(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

// Stop implements Connector.
func (h *HTTP) Stop() error { return nil }

// Deliver implements Connector. A plain HTTP caller is gone once its request
// completes, so pushes have nowhere to go.
func (h *HTTP) Deliver(ctx context.Context, conversationKey, participantID, text string) error {
	return ErrNoDeliveryPath
}

func (h *HTTP) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}

	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ChatID == "" || req.Text == "" {
		writeError(w, http.StatusBadRequest, "chat_id and text are required")
		return
	}
	if req.Sender == "" {
		if id := auth.FromContext(r.Context()); id != nil {
			req.Sender = id.Subject
		}
	}

	key := bus.ConversationKey(HTTPName, req.Group, req.ChatID, req.ThreadID)

	if req.EventID != "" && h.seen.Seen(dedupe.EventKey(HTTPName, req.EventID)) {
		h.logger.Debug("duplicate event dropped", "event_id", req.EventID)
		writeJSON(w, http.StatusOK, ChatResponse{Status: "duplicate", ConversationKey: key})
		return
	}

	origin := bus.Origin{ConnectorID: HTTPName, ConversationKey: key, ParticipantID: req.Sender}
	payload := bus.Payload{Text: req.Text}

	// Unmentioned group traffic goes into history without an answer.
	if req.Group && !Mentioned(req.Text, h.agentName) {
		env := bus.New(bus.KindInbound, origin, payload)
		env.ReplyExpected = false
		if err := h.bus.Publish(env); err != nil {
			h.busError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, ChatResponse{Status: "recorded", ConversationKey: key})
		return
	}

	env := bus.NewRequest(origin, payload)
	if err := h.bus.Publish(env); err != nil {
		h.busError(w, err)
		return
	}

	timeout := h.replyTimeout
	if req.TimeoutSeconds > 0 {
		if d := time.Duration(req.TimeoutSeconds) * time.Second; d < timeout {
			timeout = d
		}
	}

	reply, err := h.bus.WaitReply(r.Context(), env.ID, timeout)
	if err != nil {
		switch {
		case errors.Is(err, bus.ErrReplyTimeout):
			writeError(w, http.StatusGatewayTimeout, "agent did not reply in time")
		case r.Context().Err() != nil:
			// Caller went away; nothing useful to write.
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	if reply.Err != nil {
		writeError(w, http.StatusBadGateway, reply.Err.Error())
		return
	}

	writeJSON(w, http.StatusOK, ChatResponse{Status: "ok", Reply: reply.Text, ConversationKey: key})
}

func (h *HTTP) handleHistory(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, "/history/")
	if key == "" {
		writeError(w, http.StatusBadRequest, "conversation key required")
		return
	}

	if r.Method == http.MethodDelete {
		if err := h.store.ClearMessages(r.Context(), key); err != nil {
			h.logger.Error("history clear failed", "conversation", key, "error", err)
			writeError(w, http.StatusInternalServerError, "history unavailable")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "cleared", "conversation_key": key})
		return
	}
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "GET or DELETE required")
		return
	}

	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	msgs, err := h.store.RecentMessages(r.Context(), key, limit)
	if err != nil {
		h.logger.Error("history load failed", "conversation", key, "error", err)
		writeError(w, http.StatusInternalServerError, "history unavailable")
		return
	}

	out := make([]HistoryMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, HistoryMessage{
			ID:        m.ID,
			Role:      m.Role,
			Sender:    m.Sender,
			Content:   m.Content,
			CreatedAt: m.CreatedAt.Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversation_key": key, "messages": out})
}

func (h *HTTP) busError(w http.ResponseWriter, err error) {
	if errors.Is(err, bus.ErrBusFull) {
		writeError(w, http.StatusServiceUnavailable, "gateway is overloaded, try again shortly")
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

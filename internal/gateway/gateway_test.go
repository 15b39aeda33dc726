// ABOUTME: Tests for the gateway composition root
// ABOUTME: Includes an end-to-end chat scenario over HTTP with a scripted model

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hearthd/hearth-gateway/internal/agent"
	"github.com/hearthd/hearth-gateway/internal/auth"
	"github.com/hearthd/hearth-gateway/internal/bus"
	"github.com/hearthd/hearth-gateway/internal/config"
	"github.com/hearthd/hearth-gateway/internal/connector"
	"github.com/hearthd/hearth-gateway/internal/dedupe"
	"github.com/hearthd/hearth-gateway/internal/dispatch"
	"github.com/hearthd/hearth-gateway/internal/model"
	"github.com/hearthd/hearth-gateway/internal/schedule"
	"github.com/hearthd/hearth-gateway/internal/store"
	"github.com/hearthd/hearth-gateway/internal/tool"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Server:   config.ServerConfig{HTTPAddr: "127.0.0.1:0"},
		Database: config.DatabaseConfig{Path: filepath.Join(t.TempDir(), "hearth.db")},
		LLM: config.LLMConfig{
			Provider:    "openai",
			Model:       "gpt-4o",
			APIKey:      "test-key",
			MaxRetries:  1,
			CallTimeout: time.Second,
		},
		Agent: config.AgentConfig{
			Name: "hearth", Owner: "casey", Consumers: 2,
			MaxIterations: 5, HistoryWindow: 20, MaxContextTokens: 8000,
		},
		Bus: config.BusConfig{Capacity: 64, ReplyTimeout: 2 * time.Second},
		Connectors: config.ConnectorsConfig{
			HTTP:      config.HTTPConnectorConfig{Enabled: true},
			WebSocket: config.WebSocketConnectorConfig{Enabled: true, Path: "/ws"},
		},
		Dedupe:  config.DedupeConfig{MaxSize: 128, TTL: time.Minute},
		Logging: config.LoggingConfig{Level: "info", Format: "text"},
	}
}

func TestNewWiresComponents(t *testing.T) {
	g, err := New(testConfig(t), nil)
	require.NoError(t, err)

	assert.NotNil(t, g.bus)
	assert.NotNil(t, g.scheduler)
	assert.Contains(t, g.registry.Names(), "send_message")
	assert.Contains(t, g.registry.Names(), "remember")
	assert.Nil(t, g.pool, "workers are off by default")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, g.Shutdown(ctx))
}

func TestNewRejectsUnknownProvider(t *testing.T) {
	cfg := testConfig(t)
	cfg.LLM.Provider = "mystery"
	_, err := New(cfg, nil)
	assert.Error(t, err)
}

func TestHealthEndpoint(t *testing.T) {
	g, err := New(testConfig(t), nil)
	require.NoError(t, err)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = g.Shutdown(ctx)
	}()

	rec := httptest.NewRecorder()
	g.httpServer.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	g.httpServer.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

// scenario wires the full pipeline by hand with a scripted model: HTTP
// connector -> bus -> agent loop -> tools -> dispatcher -> reply.
type scenario struct {
	server  *httptest.Server
	store   *store.MockStore
	backend *model.Fake
	sched   *schedule.Scheduler
}

func newScenario(t *testing.T) *scenario {
	t.Helper()

	st := store.NewMockStore()
	b := bus.NewBus(64, nil)
	backend := model.NewFake()
	manager := connector.NewManager(nil)
	d := dispatch.New(manager, nil)
	sched := schedule.New(st, b, nil)

	reg := tool.NewRegistry(nil)
	require.NoError(t, reg.RegisterAll(tool.Builtins(st, d, sched)))

	agentCfg := config.AgentConfig{
		Name: "hearth", Owner: "casey", Consumers: 2,
		MaxIterations: 5, HistoryWindow: 20, MaxContextTokens: 8000,
	}
	llmCfg := config.LLMConfig{MaxRetries: 1, CallTimeout: time.Second}
	loop := agent.New(b, st, backend, reg, d, agentCfg, llmCfg, nil)

	hc := connector.NewHTTP(b, st, dedupe.New(time.Minute, 128), "hearth", 2*time.Second, nil)
	require.NoError(t, manager.Register(hc))

	mux := http.NewServeMux()
	hc.Routes(mux, auth.NewMiddleware(nil, nil))
	srv := httptest.NewServer(mux)

	ctx, cancel := context.WithCancel(context.Background())
	loopDone := make(chan struct{})
	go func() {
		_ = loop.Run(ctx)
		close(loopDone)
	}()

	t.Cleanup(func() {
		cancel()
		<-loopDone
		srv.Close()
		b.Close()
	})
	return &scenario{server: srv, store: st, backend: backend, sched: sched}
}

func (s *scenario) chat(t *testing.T, text string) connector.ChatResponse {
	t.Helper()
	body, err := json.Marshal(connector.ChatRequest{ChatID: "casey", Sender: "casey", Text: text})
	require.NoError(t, err)
	resp, err := http.Post(s.server.URL+"/chat", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out connector.ChatResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestEndToEndChat(t *testing.T) {
	s := newScenario(t)
	s.backend.ReplyText("hello casey, all quiet here")

	out := s.chat(t, "hearth, status?")
	assert.Equal(t, "ok", out.Status)
	assert.Equal(t, "hello casey, all quiet here", out.Reply)
	assert.Equal(t, "http:dm:casey", out.ConversationKey)

	msgs, err := s.store.RecentMessages(context.Background(), "http:dm:casey", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
}

func TestEndToEndReminderTool(t *testing.T) {
	s := newScenario(t)

	s.backend.Reply(&model.Response{
		ToolCalls: []model.ToolCall{{
			ID: "c1", Name: "schedule_reminder",
			Arguments: `{"text":"water plants","in":"30m"}`,
		}},
		StopReason: "tool_use",
	}).ReplyText("done, I will remind you in 30 minutes")

	out := s.chat(t, "remind me to water the plants in half an hour")
	assert.Equal(t, "done, I will remind you in 30 minutes", out.Reply)

	jobs, err := s.sched.Jobs(context.Background())
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, store.JobKindReminder, jobs[0].Kind)
	assert.Equal(t, "water plants", jobs[0].Payload)
	assert.Equal(t, "http:dm:casey", jobs[0].ConversationKey)
}

func TestEndToEndMemoryTools(t *testing.T) {
	s := newScenario(t)

	s.backend.Reply(&model.Response{
		ToolCalls: []model.ToolCall{{
			ID: "c1", Name: "remember",
			Arguments: `{"content":"casey takes espresso, no sugar","global":true}`,
		}},
		StopReason: "tool_use",
	}).ReplyText("noted")

	out := s.chat(t, "remember that I take espresso with no sugar")
	assert.Equal(t, "noted", out.Reply)

	mems, err := s.store.SearchMemories(context.Background(), "http:dm:casey", "espresso", 5)
	require.NoError(t, err)
	require.Len(t, mems, 1)

	// The memory shows up in the next request's system prompt.
	s.backend.ReplyText("espresso, no sugar")
	s.chat(t, "how do I take my espresso?")
	last := s.backend.Requests[len(s.backend.Requests)-1]
	assert.Contains(t, last.System, "espresso, no sugar")
}

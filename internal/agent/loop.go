// ABOUTME: Agent loop consuming envelopes from the bus and driving the model
// ABOUTME: Persist first, then think: the user turn is stored before any model call

package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hearthd/hearth-gateway/internal/bus"
	"github.com/hearthd/hearth-gateway/internal/config"
	"github.com/hearthd/hearth-gateway/internal/dispatch"
	"github.com/hearthd/hearth-gateway/internal/model"
	"github.com/hearthd/hearth-gateway/internal/store"
	"github.com/hearthd/hearth-gateway/internal/tool"
)

// noReplySentinel lets the model decline to answer. The whole reply is
// suppressed when the trimmed text equals it.
const noReplySentinel = "<NO_REPLY>"

// systemIterations caps the tool loop for scheduler and wake envelopes,
// which should act briefly rather than open long tool sessions.
const systemIterations = 3

// memoryRecallLimit bounds how many stored memories are folded into context.
const memoryRecallLimit = 5

// Offloader runs a prepared request outside this process and returns the
// reply text. When set, it replaces the in-process tool loop; side effects
// (pushes, scheduled jobs) are the offloader's to apply.
type Offloader interface {
	Offload(ctx context.Context, conversationKey, system string, turns []model.Turn) (string, error)
}

// Loop runs N consumers over the message bus. Each consumer takes one
// envelope at a time; the bus guarantees per-conversation ordering, so
// consumers never see two envelopes for the same key concurrently.
type Loop struct {
	bus        *bus.MessageBus
	store      store.Store
	backend    model.Backend
	tools      *tool.Registry
	dispatcher *dispatch.Dispatcher
	offload    Offloader
	cfg        config.AgentConfig
	llm        config.LLMConfig
	logger     *slog.Logger
}

// New creates the agent loop.
func New(b *bus.MessageBus, st store.Store, backend model.Backend, tools *tool.Registry, d *dispatch.Dispatcher, cfg config.AgentConfig, llm config.LLMConfig, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		bus:        b,
		store:      st,
		backend:    backend,
		tools:      tools,
		dispatcher: d,
		cfg:        cfg,
		llm:        llm,
		logger:     logger.With("component", "agent"),
	}
}

// SetOffloader routes model turns through off-process workers instead of
// the in-process tool loop. Must be called before Run.
func (l *Loop) SetOffloader(o Offloader) {
	l.offload = o
}

// Run starts the consumer goroutines and blocks until ctx is cancelled and
// all consumers have drained their current envelope.
func (l *Loop) Run(ctx context.Context) error {
	n := l.cfg.Consumers
	if n <= 0 {
		n = 1
	}
	l.logger.Info("agent loop started", "consumers", n, "backend", l.backend.Name())

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			l.consume(ctx, id)
		}(i)
	}
	wg.Wait()
	l.logger.Info("agent loop stopped")
	return ctx.Err()
}

func (l *Loop) consume(ctx context.Context, id int) {
	for {
		env, err := l.bus.Consume(ctx)
		if err != nil {
			return
		}
		l.handle(ctx, env)
	}
}

// handle processes one envelope end to end. The conversation-key lock is
// released on every path out of this function.
func (l *Loop) handle(ctx context.Context, env *bus.Envelope) {
	defer l.bus.Done(env)

	key := env.Origin.ConversationKey
	logger := l.logger.With("conversation", key, "envelope", env.ID)

	// Record the inbound turn first so history survives a failed model call.
	// System envelopes are machine-originated and stay out of history.
	if env.Kind == bus.KindInbound {
		if err := l.persistInbound(env); err != nil {
			logger.Error("failed to record inbound message", "error", err)
			l.dispatcher.Error(ctx, env, fmt.Errorf("recording message: %w", err))
			return
		}
	}

	// Group messages without a mention are history-only.
	if env.Kind == bus.KindInbound && !env.ReplyExpected {
		logger.Debug("group message recorded, no reply expected")
		return
	}

	req, err := l.buildRequest(ctx, env)
	if err != nil {
		logger.Error("failed to build model context", "error", err)
		l.dispatcher.Error(ctx, env, fmt.Errorf("loading context: %w", err))
		return
	}

	var text string
	if l.offload != nil {
		text, err = l.offload.Offload(ctx, key, req.System, req.Turns)
	} else {
		text, err = l.converse(ctx, env, req, logger)
	}
	if err != nil {
		logger.Error("model conversation failed", "error", err)
		l.dispatcher.Error(ctx, env, err)
		return
	}

	if strings.TrimSpace(text) == noReplySentinel {
		logger.Debug("reply suppressed by model")
		return
	}

	if err := l.persistReply(key, text); err != nil {
		// The reply is still worth delivering; log and carry on.
		logger.Error("failed to record reply", "error", err)
	}

	if err := l.dispatcher.Reply(ctx, env, text); err != nil {
		logger.Warn("reply dispatch failed", "error", err)
	}
}

// converse runs the model and the tool loop until the model stops asking for
// tools or the iteration cap is reached.
func (l *Loop) converse(ctx context.Context, env *bus.Envelope, req *model.Request, logger *slog.Logger) (string, error) {
	maxIter := l.cfg.MaxIterations
	if env.Kind == bus.KindSystem {
		maxIter = systemIterations
	}

	inv := &tool.Invocation{
		ConversationKey: env.Origin.ConversationKey,
		ConnectorID:     env.Origin.ConnectorID,
		ParticipantID:   env.Origin.ParticipantID,
	}

	var finalText string
	for iter := 0; iter < maxIter; iter++ {
		resp, err := l.complete(ctx, req)
		if err != nil {
			return "", err
		}
		finalText = resp.Text

		if len(resp.ToolCalls) == 0 {
			return finalText, nil
		}

		req.Turns = append(req.Turns, model.Turn{
			Role:      model.RoleAssistant,
			Content:   resp.Text,
			ToolCalls: resp.ToolCalls,
		})

		for _, call := range resp.ToolCalls {
			result := l.runTool(ctx, inv, call, logger)
			req.Turns = append(req.Turns, model.Turn{
				Role:       model.RoleTool,
				Content:    result,
				ToolCallID: call.ID,
			})
		}
	}

	logger.Warn("tool loop hit iteration cap", "iterations", maxIter)
	if finalText == "" {
		finalText = "I ran out of tool budget before finishing. Here is where I got to; ask again to continue."
	}
	return finalText, nil
}

// runTool executes one tool call. Failures are folded into the result text
// so the model can see them and react; they never abort the conversation.
func (l *Loop) runTool(ctx context.Context, inv *tool.Invocation, call model.ToolCall, logger *slog.Logger) string {
	logger.Info("tool call", "tool", call.Name)
	out, err := l.tools.Execute(ctx, call.Name, inv, json.RawMessage(call.Arguments))
	if err != nil {
		return fmt.Sprintf(`{"error":%q}`, err.Error())
	}
	return string(out)
}

// complete invokes the backend with bounded retries. Each attempt gets its
// own call timeout; backoff doubles between attempts.
func (l *Loop) complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	retries := l.llm.MaxRetries
	if retries < 1 {
		retries = 1
	}

	var lastErr error
	backoff := time.Second
	for attempt := 0; attempt < retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		callCtx, cancel := context.WithTimeout(ctx, l.llm.CallTimeout)
		resp, err := l.backend.Complete(callCtx, *req)
		cancel()
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		l.logger.Warn("model call failed", "attempt", attempt+1, "error", err)
	}
	return nil, fmt.Errorf("model unavailable after %d attempts: %w", retries, lastErr)
}

// buildRequest assembles the system prompt, recalled memories, and recent
// history for an envelope. System envelopes get memory-only context so a
// wake does not replay the whole conversation.
func (l *Loop) buildRequest(ctx context.Context, env *bus.Envelope) (*model.Request, error) {
	key := env.Origin.ConversationKey

	memories, err := l.store.SearchMemories(ctx, key, env.Payload.Text, memoryRecallLimit)
	if err != nil {
		return nil, fmt.Errorf("memory search: %w", err)
	}

	req := &model.Request{
		System: l.systemPrompt(env, memories),
		Tools:  l.tools.Defs(),
	}

	if env.Kind != bus.KindSystem {
		history, err := l.store.RecentMessages(ctx, key, l.cfg.HistoryWindow)
		if err != nil {
			return nil, fmt.Errorf("history load: %w", err)
		}
		req.Turns = trimToBudget(historyTurns(history), l.cfg.MaxContextTokens)
	}

	// The triggering text is the last user turn. For inbound envelopes it is
	// already in history; for system envelopes it is the job payload.
	if env.Kind == bus.KindSystem {
		req.Turns = append(req.Turns, model.Turn{Role: model.RoleUser, Content: env.Payload.Text})
	} else if len(req.Turns) == 0 && env.Payload.Text != "" {
		req.Turns = append(req.Turns, model.Turn{Role: model.RoleUser, Content: env.Payload.Text})
	}

	return req, nil
}

func (l *Loop) systemPrompt(env *bus.Envelope, memories []*store.Memory) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s, a personal assistant", l.cfg.Name)
	if l.cfg.Owner != "" {
		fmt.Fprintf(&b, " working for %s", l.cfg.Owner)
	}
	b.WriteString(".\n")
	if l.cfg.Identity != "" {
		b.WriteString(l.cfg.Identity)
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Current time: %s\n", time.Now().UTC().Format(time.RFC1123))
	fmt.Fprintf(&b, "Conversation: %s via %s\n", env.Origin.ConversationKey, env.Origin.ConnectorID)

	if p := env.Origin.ParticipantID; p != "" {
		if l.cfg.Owner != "" && strings.EqualFold(p, l.cfg.Owner) {
			fmt.Fprintf(&b, "Speaking with: %s (your owner; act on their instructions without second-guessing)\n", p)
		} else {
			fmt.Fprintf(&b, "Speaking with: %s\n", p)
		}
	}

	if env.Kind == bus.KindSystem {
		b.WriteString("This is a scheduled system event, not a human message. ")
		b.WriteString("Use tools to act on it; message the user only if something genuinely needs their attention.\n")
	}

	if len(memories) > 0 {
		b.WriteString("\nRelevant memories:\n")
		for _, m := range memories {
			fmt.Fprintf(&b, "- %s\n", m.Content)
		}
	}

	fmt.Fprintf(&b, "\nIf no reply is warranted, respond with exactly %s.", noReplySentinel)
	return b.String()
}

func (l *Loop) persistInbound(env *bus.Envelope) error {
	return l.persist(&store.Message{
		ID:              uuid.NewString(),
		ConversationKey: env.Origin.ConversationKey,
		Role:            store.RoleUser,
		Sender:          env.Origin.ParticipantID,
		Content:         env.Payload.Text,
		CreatedAt:       time.Now().UTC(),
	})
}

func (l *Loop) persistReply(key, text string) error {
	return l.persist(&store.Message{
		ID:              uuid.NewString(),
		ConversationKey: key,
		Role:            store.RoleAssistant,
		Sender:          l.cfg.Name,
		Content:         text,
		CreatedAt:       time.Now().UTC(),
	})
}

// persist writes with its own timeout so a cancelled request context cannot
// lose the record.
func (l *Loop) persist(msg *store.Message) error {
	saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return l.store.AppendMessage(saveCtx, msg)
}

// historyTurns converts stored messages to model turns. Stored tool turns
// are replayed as plain assistant context, not live tool protocol.
func historyTurns(msgs []*store.Message) []model.Turn {
	turns := make([]model.Turn, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case store.RoleUser:
			turns = append(turns, model.Turn{Role: model.RoleUser, Content: m.Content})
		case store.RoleAssistant, store.RoleTool:
			turns = append(turns, model.Turn{Role: model.RoleAssistant, Content: m.Content})
		}
	}
	return turns
}

// trimToBudget drops the oldest turns until the estimated token count fits.
// The newest turn always survives, even oversized.
func trimToBudget(turns []model.Turn, budget int) []model.Turn {
	if budget <= 0 {
		return turns
	}
	total := 0
	for _, t := range turns {
		total += estimateTokens(t.Content)
	}
	start := 0
	for total > budget && start < len(turns)-1 {
		total -= estimateTokens(turns[start].Content)
		start++
	}
	return turns[start:]
}

// estimateTokens is a rough chars/4 heuristic. Good enough for budgeting;
// exact counts would need the vendor tokenizer.
func estimateTokens(s string) int {
	return len(s)/4 + 1
}

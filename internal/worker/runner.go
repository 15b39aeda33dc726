// ABOUTME: Worker-side serve loop for the hearth-worker binary
// ABOUTME: Runs the model conversation per task and returns side effects as pending ops

package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/hearthd/hearth-gateway/internal/model"
	"github.com/hearthd/hearth-gateway/internal/tool"
)

// workerIterations caps the tool loop inside a worker.
const workerIterations = 10

// Runner is the worker side of the protocol. It owns its own model backend
// and a small tool set whose effects are collected rather than executed;
// the gateway applies them when the result comes back.
type Runner struct {
	backend model.Backend
	logger  *slog.Logger
}

// NewRunner creates a worker runner around a model backend.
func NewRunner(backend model.Backend, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		backend: backend,
		logger:  logger.With("component", "worker"),
	}
}

// Serve reads tasks from in and writes results to out until in closes.
// One task at a time; the pool never pipelines to a single worker.
func (r *Runner) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	reader := newTaskReader(in)
	enc := json.NewEncoder(out)

	for {
		task, err := reader.Read()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}

		var res *Result
		switch task.Type {
		case TypePing:
			res = &Result{Type: TypePing, RequestID: task.RequestID, ReplyText: "pong"}
		default:
			res = r.runTask(ctx, task)
		}

		if err := enc.Encode(res); err != nil {
			return fmt.Errorf("writing result: %w", err)
		}
	}
}

// runTask drives one conversation against the snapshot the task carries.
func (r *Runner) runTask(ctx context.Context, task *Task) *Result {
	res := &Result{Type: TypeTask, RequestID: task.RequestID}

	collect := &collector{result: res, conversationKey: task.ConversationKey, memories: task.Memories}
	reg := tool.NewRegistry(r.logger)
	if err := reg.RegisterAll(collect.tools()); err != nil {
		res.Error = err.Error()
		return res
	}

	req := model.Request{
		System: task.System,
		Turns:  append([]model.Turn(nil), task.Turns...),
		Tools:  reg.Defs(),
	}
	inv := &tool.Invocation{ConversationKey: task.ConversationKey}

	for iter := 0; iter < workerIterations; iter++ {
		resp, err := r.backend.Complete(ctx, req)
		if err != nil {
			res.Error = err.Error()
			return res
		}
		if len(resp.ToolCalls) == 0 {
			res.ReplyText = resp.Text
			return res
		}

		req.Turns = append(req.Turns, model.Turn{
			Role:      model.RoleAssistant,
			Content:   resp.Text,
			ToolCalls: resp.ToolCalls,
		})
		for _, call := range resp.ToolCalls {
			out, err := reg.Execute(ctx, call.Name, inv, json.RawMessage(call.Arguments))
			content := string(out)
			if err != nil {
				content = fmt.Sprintf(`{"error":%q}`, err.Error())
			}
			req.Turns = append(req.Turns, model.Turn{
				Role:       model.RoleTool,
				Content:    content,
				ToolCallID: call.ID,
			})
		}
	}

	res.Error = "tool loop exceeded iteration cap"
	return res
}

// collector implements the worker's tool handlers by recording intent.
// Recall runs against the memory snapshot the task carried in; mutations
// are queued for the gateway.
type collector struct {
	result          *Result
	conversationKey string
	memories        []MemorySnapshot
}

func (c *collector) tools() []*tool.Tool {
	return []*tool.Tool{
		{
			Name:        "send_message",
			Description: "Send a message to the user. Delivery happens after this task completes.",
			InputSchemaJSON: `{
				"type": "object",
				"properties": {
					"connector_id": {"type": "string", "description": "Connector to deliver through"},
					"conversation_key": {"type": "string", "description": "Target conversation; defaults to the current one"},
					"text": {"type": "string", "description": "Message text"}
				},
				"required": ["connector_id", "text"]
			}`,
			Handler: c.sendMessage,
		},
		{
			Name:        "schedule_reminder",
			Description: "Schedule a reminder to fire later. Registered after this task completes.",
			InputSchemaJSON: `{
				"type": "object",
				"properties": {
					"connector_id": {"type": "string", "description": "Connector to deliver through"},
					"text": {"type": "string", "description": "Reminder text"},
					"at": {"type": "string", "description": "Absolute fire time, RFC 3339"},
					"in": {"type": "string", "description": "Relative delay like 30m or 2h"},
					"every": {"type": "string", "description": "Repeat interval like 24h, optional"}
				},
				"required": ["connector_id", "text"]
			}`,
			Handler: c.scheduleReminder,
		},
		{
			Name:        "remember",
			Description: "Save a fact to long-term memory. Stored after this task completes.",
			InputSchemaJSON: `{
				"type": "object",
				"properties": {
					"content": {"type": "string", "description": "The fact to remember"},
					"global": {"type": "boolean", "description": "Visible in all conversations, not just this one"}
				},
				"required": ["content"]
			}`,
			Handler: c.remember,
		},
		{
			Name:            "recall",
			Description:     "Search long-term memory by keywords",
			InputSchemaJSON: `{"type":"object","properties":{"query":{"type":"string"},"limit":{"type":"integer"}},"required":["query"]}`,
			Handler:         c.recall,
		},
		{
			Name:            "forget",
			Description:     "Delete a memory by its id. Removed after this task completes.",
			InputSchemaJSON: `{"type":"object","properties":{"id":{"type":"string"}},"required":["id"]}`,
			Handler:         c.forget,
		},
	}
}

func (c *collector) sendMessage(ctx context.Context, inv *tool.Invocation, input json.RawMessage) (json.RawMessage, error) {
	var args struct {
		ConnectorID     string `json:"connector_id"`
		ConversationKey string `json:"conversation_key"`
		Text            string `json:"text"`
	}
	if err := json.Unmarshal(input, &args); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	if args.Text == "" {
		return nil, fmt.Errorf("text is required")
	}
	key := args.ConversationKey
	if key == "" {
		key = c.conversationKey
	}
	c.result.PendingPushes = append(c.result.PendingPushes, PendingPush{
		ConnectorID:     args.ConnectorID,
		ConversationKey: key,
		Text:            args.Text,
	})
	return json.RawMessage(`{"status":"queued"}`), nil
}

func (c *collector) scheduleReminder(ctx context.Context, inv *tool.Invocation, input json.RawMessage) (json.RawMessage, error) {
	var args struct {
		ConnectorID string `json:"connector_id"`
		Text        string `json:"text"`
		At          string `json:"at"`
		In          string `json:"in"`
		Every       string `json:"every"`
	}
	if err := json.Unmarshal(input, &args); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	if args.Text == "" {
		return nil, fmt.Errorf("text is required")
	}

	var fireAt time.Time
	switch {
	case args.At != "":
		t, err := time.Parse(time.RFC3339, args.At)
		if err != nil {
			return nil, fmt.Errorf("invalid at time: %w", err)
		}
		fireAt = t.UTC()
	case args.In != "":
		d, err := time.ParseDuration(args.In)
		if err != nil {
			return nil, fmt.Errorf("invalid in duration: %w", err)
		}
		fireAt = time.Now().UTC().Add(d)
	default:
		return nil, fmt.Errorf("either at or in is required")
	}

	var every time.Duration
	if args.Every != "" {
		d, err := time.ParseDuration(args.Every)
		if err != nil {
			return nil, fmt.Errorf("invalid every duration: %w", err)
		}
		every = d
	}

	c.result.PendingJobs = append(c.result.PendingJobs, PendingJob{
		Kind:            "reminder",
		ConversationKey: c.conversationKey,
		ConnectorID:     args.ConnectorID,
		Payload:         strings.TrimSpace(args.Text),
		FireAt:          fireAt,
		Every:           every,
	})
	return json.RawMessage(`{"status":"scheduled"}`), nil
}

func (c *collector) remember(ctx context.Context, inv *tool.Invocation, input json.RawMessage) (json.RawMessage, error) {
	var args struct {
		Content string `json:"content"`
		Global  bool   `json:"global"`
	}
	if err := json.Unmarshal(input, &args); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	if args.Content == "" {
		return nil, fmt.Errorf("content is required")
	}

	pm := PendingMemory{Op: "save", Content: args.Content}
	if !args.Global {
		pm.ConversationKey = c.conversationKey
	}
	c.result.PendingMemories = append(c.result.PendingMemories, pm)
	return json.RawMessage(`{"status":"queued"}`), nil
}

func (c *collector) recall(ctx context.Context, inv *tool.Invocation, input json.RawMessage) (json.RawMessage, error) {
	var args struct {
		Query string `json:"query"`
		Limit int    `json:"limit"`
	}
	if err := json.Unmarshal(input, &args); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	if args.Limit <= 0 {
		args.Limit = 10
	}

	var matches []MemorySnapshot
	q := strings.ToLower(args.Query)
	for _, m := range c.memories {
		if q == "" || strings.Contains(strings.ToLower(m.Content), q) {
			matches = append(matches, m)
			if len(matches) >= args.Limit {
				break
			}
		}
	}
	return json.Marshal(map[string]any{"memories": matches})
}

func (c *collector) forget(ctx context.Context, inv *tool.Invocation, input json.RawMessage) (json.RawMessage, error) {
	var args struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(input, &args); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	if args.ID == "" {
		return nil, fmt.Errorf("id is required")
	}

	c.result.PendingMemories = append(c.result.PendingMemories, PendingMemory{Op: "delete", ID: args.ID})
	return json.RawMessage(`{"status":"queued"}`), nil
}


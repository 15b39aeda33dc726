// ABOUTME: Built-in tools: proactive sends, memory save/search, reminders
// ABOUTME: Wired against the dispatcher, store, and scheduler at gateway startup

package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hearthd/hearth-gateway/internal/store"
)

// Sender delivers a message to a conversation outside the request/reply flow.
type Sender interface {
	SendProactive(ctx context.Context, connectorID, conversationKey, participantID, text string) error
}

// Scheduler manages durable reminder and wake jobs.
type Scheduler interface {
	Add(ctx context.Context, job *store.Job) error
	Remove(ctx context.Context, id string) error
	Jobs(ctx context.Context) ([]*store.Job, error)
}

// Builtins creates the default tool set.
func Builtins(s store.Store, sender Sender, sched Scheduler) []*Tool {
	b := &builtinHandlers{store: s, sender: sender, sched: sched}
	return []*Tool{
		{
			Name:            "send_message",
			Description:     "Send a message to a conversation without waiting for a user prompt",
			InputSchemaJSON: `{"type":"object","properties":{"text":{"type":"string"},"conversation_key":{"type":"string","description":"Target conversation; defaults to the current one"}},"required":["text"]}`,
			Handler:         b.SendMessage,
		},
		{
			Name:            "remember",
			Description:     "Save a fact to long-term memory",
			InputSchemaJSON: `{"type":"object","properties":{"content":{"type":"string"},"global":{"type":"boolean","description":"Visible in all conversations, not just this one"}},"required":["content"]}`,
			Handler:         b.Remember,
		},
		{
			Name:            "recall",
			Description:     "Search long-term memory by keywords",
			InputSchemaJSON: `{"type":"object","properties":{"query":{"type":"string"},"limit":{"type":"integer"}},"required":["query"]}`,
			Handler:         b.Recall,
		},
		{
			Name:            "forget",
			Description:     "Delete a memory by its id",
			InputSchemaJSON: `{"type":"object","properties":{"id":{"type":"string"}},"required":["id"]}`,
			Handler:         b.Forget,
		},
		{
			Name:            "schedule_reminder",
			Description:     "Schedule a reminder to deliver into this conversation",
			InputSchemaJSON: `{"type":"object","properties":{"text":{"type":"string"},"at":{"type":"string","format":"date-time","description":"Absolute fire time, RFC 3339"},"in":{"type":"string","description":"Relative delay like 90s or 2h"},"every":{"type":"string","description":"Repeat interval like 24h; omit for one-shot"}},"required":["text"]}`,
			Handler:         b.ScheduleReminder,
		},
		{
			Name:            "cancel_reminder",
			Description:     "Cancel a scheduled reminder by its id",
			InputSchemaJSON: `{"type":"object","properties":{"id":{"type":"string"}},"required":["id"]}`,
			Handler:         b.CancelReminder,
		},
		{
			Name:            "list_reminders",
			Description:     "List scheduled reminders",
			InputSchemaJSON: `{"type":"object","properties":{}}`,
			Handler:         b.ListReminders,
		},
	}
}

type builtinHandlers struct {
	store  store.Store
	sender Sender
	sched  Scheduler
}

type sendMessageInput struct {
	Text            string `json:"text"`
	ConversationKey string `json:"conversation_key"`
}

func (b *builtinHandlers) SendMessage(ctx context.Context, inv *Invocation, input json.RawMessage) (json.RawMessage, error) {
	var in sendMessageInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}
	if in.Text == "" {
		return nil, fmt.Errorf("text is required")
	}

	key := in.ConversationKey
	if key == "" {
		key = inv.ConversationKey
	}
	if err := b.sender.SendProactive(ctx, inv.ConnectorID, key, inv.ParticipantID, in.Text); err != nil {
		return nil, err
	}

	return json.Marshal(map[string]string{"status": "sent"})
}

type rememberInput struct {
	Content string `json:"content"`
	Global  bool   `json:"global"`
}

func (b *builtinHandlers) Remember(ctx context.Context, inv *Invocation, input json.RawMessage) (json.RawMessage, error) {
	var in rememberInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}
	if in.Content == "" {
		return nil, fmt.Errorf("content is required")
	}

	mem := &store.Memory{
		ID:        uuid.NewString(),
		Content:   in.Content,
		CreatedAt: time.Now().UTC(),
	}
	if !in.Global {
		mem.ConversationKey = inv.ConversationKey
	}
	if err := b.store.SaveMemory(ctx, mem); err != nil {
		return nil, err
	}

	return json.Marshal(map[string]string{"id": mem.ID, "status": "saved"})
}

type recallInput struct {
	Query string `json:"query"`
	Limit int    `json:"limit"`
}

func (b *builtinHandlers) Recall(ctx context.Context, inv *Invocation, input json.RawMessage) (json.RawMessage, error) {
	var in recallInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}
	if in.Limit <= 0 {
		in.Limit = 10
	}

	mems, err := b.store.SearchMemories(ctx, inv.ConversationKey, in.Query, in.Limit)
	if err != nil {
		return nil, err
	}

	type memOut struct {
		ID      string `json:"id"`
		Content string `json:"content"`
	}
	out := make([]memOut, len(mems))
	for i, mem := range mems {
		out[i] = memOut{ID: mem.ID, Content: mem.Content}
	}
	return json.Marshal(map[string]any{"memories": out, "count": len(out)})
}

type idInput struct {
	ID string `json:"id"`
}

func (b *builtinHandlers) Forget(ctx context.Context, inv *Invocation, input json.RawMessage) (json.RawMessage, error) {
	var in idInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}
	if err := b.store.DeleteMemory(ctx, in.ID); err != nil {
		return nil, err
	}
	return json.Marshal(map[string]string{"status": "deleted"})
}

type scheduleReminderInput struct {
	Text  string `json:"text"`
	At    string `json:"at"`
	In    string `json:"in"`
	Every string `json:"every"`
}

func (b *builtinHandlers) ScheduleReminder(ctx context.Context, inv *Invocation, input json.RawMessage) (json.RawMessage, error) {
	var in scheduleReminderInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}
	if in.Text == "" {
		return nil, fmt.Errorf("text is required")
	}

	now := time.Now().UTC()
	var fireAt time.Time
	switch {
	case in.At != "":
		t, err := time.Parse(time.RFC3339, in.At)
		if err != nil {
			return nil, fmt.Errorf("invalid at time: %w", err)
		}
		fireAt = t.UTC()
	case in.In != "":
		d, err := time.ParseDuration(in.In)
		if err != nil {
			return nil, fmt.Errorf("invalid delay: %w", err)
		}
		fireAt = now.Add(d)
	default:
		return nil, fmt.Errorf("either at or in is required")
	}

	var every time.Duration
	if in.Every != "" {
		d, err := time.ParseDuration(in.Every)
		if err != nil {
			return nil, fmt.Errorf("invalid repeat interval: %w", err)
		}
		every = d
	}

	job := &store.Job{
		ID:              uuid.NewString(),
		Kind:            store.JobKindReminder,
		ConversationKey: inv.ConversationKey,
		ConnectorID:     inv.ConnectorID,
		ParticipantID:   inv.ParticipantID,
		Payload:         in.Text,
		FireAt:          fireAt,
		Every:           every,
		CreatedAt:       now,
	}
	if err := b.sched.Add(ctx, job); err != nil {
		return nil, err
	}

	return json.Marshal(map[string]string{
		"id":      job.ID,
		"fire_at": job.FireAt.Format(time.RFC3339),
		"status":  "scheduled",
	})
}

func (b *builtinHandlers) CancelReminder(ctx context.Context, inv *Invocation, input json.RawMessage) (json.RawMessage, error) {
	var in idInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}
	if err := b.sched.Remove(ctx, in.ID); err != nil {
		return nil, err
	}
	return json.Marshal(map[string]string{"status": "cancelled"})
}

func (b *builtinHandlers) ListReminders(ctx context.Context, inv *Invocation, input json.RawMessage) (json.RawMessage, error) {
	jobs, err := b.sched.Jobs(ctx)
	if err != nil {
		return nil, err
	}

	type jobOut struct {
		ID     string `json:"id"`
		Text   string `json:"text"`
		FireAt string `json:"fire_at"`
		Every  string `json:"every,omitempty"`
	}
	var out []jobOut
	for _, job := range jobs {
		if job.Kind != store.JobKindReminder || job.ConversationKey != inv.ConversationKey {
			continue
		}
		jo := jobOut{ID: job.ID, Text: job.Payload, FireAt: job.FireAt.Format(time.RFC3339)}
		if job.Every > 0 {
			jo.Every = job.Every.String()
		}
		out = append(out, jo)
	}
	return json.Marshal(map[string]any{"reminders": out, "count": len(out)})
}

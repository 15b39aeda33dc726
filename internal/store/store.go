// ABOUTME: Store interface and data types for hearth-gateway persistence
// ABOUTME: Defines Message, Memory, Job structs and the Store interface

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateID is returned when inserting an entity whose ID already exists
var ErrDuplicateID = errors.New("duplicate id")

// Message roles
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is a single turn in a conversation, kept for model context and
// the history API.
type Message struct {
	ID              string
	ConversationKey string
	Role            string // "user", "assistant", "tool"
	Sender          string // participant ID for user turns, agent name otherwise
	Content         string
	ToolName        string // for tool turns: name of the tool that produced this
	ToolCallID      string // links a tool result to the call that requested it
	CreatedAt       time.Time
}

// Memory is a long-lived fact the agent has chosen to remember.
// ConversationKey is empty for global memories.
type Memory struct {
	ID              string
	ConversationKey string
	Content         string
	CreatedAt       time.Time
}

// Job kinds
const (
	JobKindReminder = "reminder"
	JobKindWake     = "wake"
)

// Job is a durable scheduled action: a reminder to deliver into a
// conversation, or a wake prompt for the agent itself.
type Job struct {
	ID              string
	Kind            string // "reminder" or "wake"
	ConversationKey string
	ConnectorID     string
	ParticipantID   string
	Payload         string
	FireAt          time.Time
	Every           time.Duration // zero for one-shot jobs
	CreatedAt       time.Time
}

// Store defines the interface for gateway persistence
type Store interface {
	// Conversation history
	AppendMessage(ctx context.Context, msg *Message) error
	RecentMessages(ctx context.Context, conversationKey string, limit int) ([]*Message, error)
	ListConversations(ctx context.Context, limit int) ([]string, error)
	ClearMessages(ctx context.Context, conversationKey string) error

	// Memories
	SaveMemory(ctx context.Context, mem *Memory) error
	SearchMemories(ctx context.Context, conversationKey, query string, limit int) ([]*Memory, error)
	ListMemories(ctx context.Context, conversationKey string, limit int) ([]*Memory, error)
	DeleteMemory(ctx context.Context, id string) error

	// Scheduled jobs
	CreateJob(ctx context.Context, job *Job) error
	GetJob(ctx context.Context, id string) (*Job, error)
	ListJobs(ctx context.Context) ([]*Job, error)
	DueJobs(ctx context.Context, now time.Time) ([]*Job, error)
	RescheduleJob(ctx context.Context, id string, fireAt time.Time) error
	DeleteJob(ctx context.Context, id string) error

	// Close releases any resources held by the store
	Close() error
}

// ABOUTME: Provider-neutral request/response types and the Backend interface
// ABOUTME: Adapters translate these into the OpenAI and Anthropic SDK formats

package model

import (
	"context"
	"fmt"

	"github.com/hearthd/hearth-gateway/internal/config"
)

// ToolCall is a tool invocation requested by the model.
// Arguments is the raw JSON argument object.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// Turn roles
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Turn is a single entry in the conversation sent to the model. A tool turn
// carries the result of the call identified by ToolCallID.
type Turn struct {
	Role       string
	Content    string
	ToolCalls  []ToolCall // assistant turns only
	ToolCallID string     // tool turns only
}

// ToolDef describes a callable tool in provider-neutral form.
// Parameters is a JSON Schema object.
type ToolDef struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Request is a single completion request.
type Request struct {
	System string
	Turns  []Turn
	Tools  []ToolDef
}

// Response is the model's reply: assistant text, requested tool calls, or both.
type Response struct {
	Text       string
	ToolCalls  []ToolCall
	StopReason string
}

// Backend is a chat completion provider.
type Backend interface {
	// Complete performs one model call. Implementations honor ctx cancellation.
	Complete(ctx context.Context, req Request) (*Response, error)
	// Name identifies the backend for logging.
	Name() string
}

// New builds the Backend selected by the LLM configuration.
func New(cfg *config.LLMConfig) (Backend, error) {
	switch cfg.Provider {
	case "openai":
		return NewOpenAI(cfg), nil
	case "anthropic":
		return NewAnthropic(cfg), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}

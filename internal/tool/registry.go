// ABOUTME: Tool registry mapping tool names to in-process handlers
// ABOUTME: Duplicate registration fails at startup; execution errors are returned to the caller

package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/hearthd/hearth-gateway/internal/model"
)

// Invocation carries the conversation context a tool call runs in.
type Invocation struct {
	ConversationKey string
	ConnectorID     string
	ParticipantID   string
}

// Handler is a function that executes a tool.
// It receives the invocation context and the tool input as JSON.
// Returns the result as JSON or an error.
type Handler func(ctx context.Context, inv *Invocation, input json.RawMessage) (json.RawMessage, error)

// Tool is a callable tool with its schema and handler.
type Tool struct {
	Name            string
	Description     string
	InputSchemaJSON string
	Handler         Handler
}

// Registry holds the tools available to the agent.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]*Tool
	logger *slog.Logger
}

// NewRegistry creates an empty tool registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:  make(map[string]*Tool),
		logger: logger.With("component", "tools"),
	}
}

// Register adds a tool. Registering a name twice is a startup error.
func (r *Registry) Register(t *Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if t.Name == "" {
		return fmt.Errorf("tool has no name")
	}
	if _, exists := r.tools[t.Name]; exists {
		return fmt.Errorf("tool %q already registered", t.Name)
	}
	if t.InputSchemaJSON != "" {
		var probe map[string]any
		if err := json.Unmarshal([]byte(t.InputSchemaJSON), &probe); err != nil {
			return fmt.Errorf("tool %q has invalid input schema: %w", t.Name, err)
		}
	}

	r.tools[t.Name] = t
	r.logger.Debug("registered tool", "name", t.Name)
	return nil
}

// RegisterAll registers a slice of tools, returning the first error.
func (r *Registry) RegisterAll(tools []*Tool) error {
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}

// Get returns a tool by name, or nil if not registered.
func (r *Registry) Get(name string) *Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Defs returns the registered tools as model tool definitions, sorted by name.
func (r *Registry) Defs() []model.ToolDef {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]model.ToolDef, 0, len(r.tools))
	for _, t := range r.tools {
		var params map[string]any
		if t.InputSchemaJSON != "" {
			// Validated at registration, cannot fail here
			_ = json.Unmarshal([]byte(t.InputSchemaJSON), &params)
		}
		defs = append(defs, model.ToolDef{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  params,
		})
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Execute runs a tool by name. Unknown tools and handler failures are
// returned as errors; the agent loop turns them into tool results so the
// model can react instead of the turn aborting.
func (r *Registry) Execute(ctx context.Context, name string, inv *Invocation, input json.RawMessage) (json.RawMessage, error) {
	t := r.Get(name)
	if t == nil {
		return nil, fmt.Errorf("unknown tool %q", name)
	}

	out, err := t.Handler(ctx, inv, input)
	if err != nil {
		r.logger.Warn("tool execution failed", "name", name, "error", err)
		return nil, err
	}
	return out, nil
}

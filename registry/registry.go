// Package registry holds the in-memory runtime tool registry: handler
// factories keyed by a handler "type" string, and instantiated tools keyed
// by name. It is process-local state, rebuilt at startup from handler
// packages and the persisted tool records.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/scitara-cto/dynamic-mcp-server/mcp"
	"github.com/scitara-cto/dynamic-mcp-server/store"
)

var (
	// ErrUnknownHandlerType is returned when a tool definition references a
	// handler type no factory was registered for.
	ErrUnknownHandlerType = errors.New("unknown handler type")
)

// CallContext carries per-call ambient data handed to handlers: who is
// calling, over which session, and any extra context values the transport
// attached. Extra participates in argument templating.
type CallContext struct {
	UserEmail      string
	SessionID      string
	ClientIdentity string
	Extra          map[string]string
}

// ProgressFunc pushes incremental progress toward the originating session.
// Total of zero means unknown. Implementations must be safe to call after
// the session is gone (they become no-ops).
type ProgressFunc func(ctx context.Context, progress, total float64, message string) error

// HandlerOutput is the structured result a handler produces before it is
// wrapped into the protocol's content envelope.
type HandlerOutput struct {
	Result    any      `json:"result"`
	Message   string   `json:"message,omitempty"`
	NextSteps []string `json:"nextSteps,omitempty"`
}

// Handler executes one tool call.
type Handler func(ctx context.Context, args map[string]any, call CallContext, progress ProgressFunc) (*HandlerOutput, error)

// HandlerFactory instantiates a Handler from the opaque config carried in a
// tool definition.
type HandlerFactory func(config map[string]any) (Handler, error)

// PromptHandler renders one prompt into its structured conversation.
type PromptHandler func(ctx context.Context, args map[string]string, call CallContext) (*mcp.GetPromptResult, error)

// PromptHandlerFactory instantiates a PromptHandler from the opaque config
// carried in a prompt definition.
type PromptHandlerFactory func(config map[string]any) (PromptHandler, error)

// RuntimeTool pairs a persisted definition with its bound handler.
type RuntimeTool struct {
	Def     *store.Tool
	Handler Handler
}

// Registry is safe for concurrent use.
type Registry struct {
	mu              sync.RWMutex
	factories       map[string]HandlerFactory
	promptFactories map[string]PromptHandlerFactory
	tools           map[string]*RuntimeTool
}

func New() *Registry {
	return &Registry{
		factories:       make(map[string]HandlerFactory),
		promptFactories: make(map[string]PromptHandlerFactory),
		tools:           make(map[string]*RuntimeTool),
	}
}

// RegisterHandlerFactory stores the factory under the given type,
// overwriting any previous registration.
func (r *Registry) RegisterHandlerFactory(handlerType string, factory HandlerFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[handlerType] = factory
}

// Factory returns the factory registered for the handler type.
func (r *Registry) Factory(handlerType string) (HandlerFactory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[handlerType]
	return f, ok
}

// RegisterPromptHandlerFactory stores the prompt factory under the given
// type, overwriting any previous registration.
func (r *Registry) RegisterPromptHandlerFactory(handlerType string, factory PromptHandlerFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.promptFactories[handlerType] = factory
}

// PromptFactory returns the prompt factory registered for the handler type.
func (r *Registry) PromptFactory(handlerType string) (PromptHandlerFactory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.promptFactories[handlerType]
	return f, ok
}

// RegisterTool instantiates the definition's handler via its factory and
// stores the runtime tool keyed by name. Re-registering a name overwrites
// silently; callers guard against duplicates where that matters.
func (r *Registry) RegisterTool(def *store.Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	factory, ok := r.factories[def.Handler.Type]
	if !ok {
		return fmt.Errorf("%w: %q for tool %q", ErrUnknownHandlerType, def.Handler.Type, def.Name)
	}
	h, err := factory(def.Handler.Config)
	if err != nil {
		return fmt.Errorf("instantiate handler %q for tool %q: %w", def.Handler.Type, def.Name, err)
	}
	r.tools[def.Name] = &RuntimeTool{Def: def, Handler: h}
	return nil
}

// GetTool returns the runtime tool registered under name.
func (r *Registry) GetTool(name string) (*RuntimeTool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// RemoveTool drops the runtime entry, reporting whether one existed.
func (r *Registry) RemoveTool(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.tools[name]
	delete(r.tools, name)
	return ok
}

// Names returns the registered tool names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tools))
	for name := range r.tools {
		out = append(out, name)
	}
	return out
}

// Snapshot returns the current runtime tools. The slice is a copy; entries
// reflect the registry at call time, not a live view.
func (r *Registry) Snapshot() []*RuntimeTool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*RuntimeTool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	return out
}

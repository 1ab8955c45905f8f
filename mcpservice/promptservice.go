package mcpservice

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/scitara-cto/dynamic-mcp-server/internal/logctx"
	"github.com/scitara-cto/dynamic-mcp-server/mcp"
	"github.com/scitara-cto/dynamic-mcp-server/registry"
	"github.com/scitara-cto/dynamic-mcp-server/store"
)

// PromptService lists and renders prompts. It shares the visibility model
// with tools but is deliberately simpler: prompts have no per-user hiding,
// no share grants, and no collision resolution beyond first match.
type PromptService struct {
	users    store.UserStore
	prompts  store.PromptStore
	reg      *registry.Registry
	notifier ListChangedNotifier
	log      *slog.Logger

	serverIdentity string
}

// PromptServiceOption configures a PromptService.
type PromptServiceOption func(*PromptService)

func WithPromptLogger(log *slog.Logger) PromptServiceOption {
	return func(s *PromptService) { s.log = log }
}

func WithPromptNotifier(n ListChangedNotifier) PromptServiceOption {
	return func(s *PromptService) { s.notifier = n }
}

func WithPromptServerIdentity(name string) PromptServiceOption {
	return func(s *PromptService) { s.serverIdentity = name }
}

func NewPromptService(users store.UserStore, prompts store.PromptStore, reg *registry.Registry, opts ...PromptServiceOption) *PromptService {
	s := &PromptService{
		users:          users,
		prompts:        prompts,
		reg:            reg,
		notifier:       NopNotifier{},
		log:            slog.New(slog.DiscardHandler),
		serverIdentity: store.SystemCreator,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ListPrompts returns the prompts visible to the user.
func (s *PromptService) ListPrompts(ctx context.Context, email string) ([]mcp.Prompt, error) {
	defs, err := store.GetUserPrompts(ctx, s.users, s.prompts, email, s.serverIdentity)
	if err != nil {
		return nil, err
	}
	out := make([]mcp.Prompt, 0, len(defs))
	for _, p := range defs {
		out = append(out, mcp.Prompt{
			Name:        p.Name,
			Description: p.Description,
			Arguments:   p.Arguments,
		})
	}
	return out, nil
}

// GetPrompt renders the named prompt for the user. Resolution is first
// match among the user's visible prompts.
func (s *PromptService) GetPrompt(ctx context.Context, email, name string, args map[string]string, call registry.CallContext) (*mcp.GetPromptResult, error) {
	defs, err := store.GetUserPrompts(ctx, s.users, s.prompts, email, s.serverIdentity)
	if err != nil {
		return nil, err
	}
	var def *store.Prompt
	for _, p := range defs {
		if p.Name == name {
			def = p
			break
		}
	}
	if def == nil {
		return nil, fmt.Errorf("%w: %s", ErrPromptNotFound, name)
	}
	ctx = logctx.WithToolCallData(ctx, &logctx.ToolCallData{ToolName: def.Name, Creator: def.Creator})

	factory, ok := s.reg.PromptFactory(def.Handler.Type)
	if !ok {
		return nil, fmt.Errorf("%w: %q for prompt %q", ErrHandlerNotFound, def.Handler.Type, def.Name)
	}
	handler, err := factory(def.Handler.Config)
	if err != nil {
		return nil, fmt.Errorf("instantiate handler for prompt %q: %w", def.Name, err)
	}
	res, err := handler(ctx, args, call)
	if err != nil {
		return nil, fmt.Errorf("render prompt %q: %w", def.Name, err)
	}
	return res, nil
}

// AddPrompt validates and upserts a definition.
func (s *PromptService) AddPrompt(ctx context.Context, def *store.Prompt, creator string) error {
	if def.Name == "" {
		return &ValidationError{Message: "prompt name is required"}
	}
	if strings.Contains(def.Name, store.NamespaceSeparator) {
		return &ValidationError{Message: fmt.Sprintf("prompt name must not contain %q", store.NamespaceSeparator)}
	}
	if def.Handler.Type == "" {
		return &ValidationError{Message: "prompt handler is required"}
	}

	if creator == "" {
		creator = def.Creator
	}
	if creator == "" {
		creator = s.serverIdentity
	}
	def.Creator = creator

	if err := s.prompts.UpsertPrompt(ctx, def); err != nil {
		return fmt.Errorf("upsert prompt %q: %w", def.ID(), err)
	}
	s.log.InfoContext(ctx, "promptservice.add_prompt.ok",
		slog.String("prompt", def.Name), slog.String("creator", def.Creator))
	s.notifyPromptsChanged(ctx, def.Creator)
	return nil
}

// RemovePrompt deletes the prompt resolved from nameOrID and creator,
// following the same resolution rules as tool removal.
func (s *PromptService) RemovePrompt(ctx context.Context, nameOrID, creator string) error {
	name := nameOrID
	if creator == "" {
		if c, n, ok := store.SplitNamespaced(nameOrID); ok {
			creator, name = c, n
		}
	}
	var def *store.Prompt
	var err error
	if creator != "" {
		def, err = s.prompts.FindPrompt(ctx, name, creator)
		if err != nil {
			return fmt.Errorf("%w: %s", ErrPromptNotFound, nameOrID)
		}
	} else {
		def, err = s.findPromptByBareName(ctx, name)
		if err != nil {
			return err
		}
	}

	if err := s.prompts.DeletePrompt(ctx, def.Name, def.Creator); err != nil {
		return fmt.Errorf("delete prompt %q: %w", def.ID(), err)
	}
	s.log.InfoContext(ctx, "promptservice.remove_prompt.ok",
		slog.String("prompt", def.Name), slog.String("creator", def.Creator))
	s.notifyPromptsChanged(ctx, def.Creator)
	return nil
}

// PromptUpdate describes a partial merge-update; nil fields keep their
// current values.
type PromptUpdate struct {
	Description    *string
	Arguments      *[]mcp.PromptArgument
	Handler        *store.HandlerRef
	RolesPermitted *[]string
	AlwaysVisible  *bool
}

// UpdatePrompt merges updates into the prompt found by bare name.
func (s *PromptService) UpdatePrompt(ctx context.Context, name string, updates PromptUpdate) (*store.Prompt, error) {
	def, err := s.findPromptByBareName(ctx, name)
	if err != nil {
		return nil, err
	}

	if updates.Description != nil {
		def.Description = *updates.Description
	}
	if updates.Arguments != nil {
		def.Arguments = *updates.Arguments
	}
	if updates.Handler != nil {
		def.Handler = *updates.Handler
	}
	if updates.RolesPermitted != nil {
		def.RolesPermitted = *updates.RolesPermitted
	}
	if updates.AlwaysVisible != nil {
		def.AlwaysVisible = *updates.AlwaysVisible
	}

	if err := s.prompts.UpsertPrompt(ctx, def); err != nil {
		return nil, fmt.Errorf("update prompt %q: %w", def.ID(), err)
	}
	s.notifyPromptsChanged(ctx, def.Creator)
	return def, nil
}

func (s *PromptService) findPromptByBareName(ctx context.Context, name string) (*store.Prompt, error) {
	all, err := s.prompts.ListPrompts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list prompts: %w", err)
	}
	for _, p := range all {
		if p.Name == name {
			return p, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrPromptNotFound, name)
}

func (s *PromptService) notifyPromptsChanged(ctx context.Context, creator string) {
	if creator == store.SystemCreator || creator == s.serverIdentity {
		s.notifier.PromptsChanged(ctx, "")
		return
	}
	s.notifier.PromptsChanged(ctx, creator)
}

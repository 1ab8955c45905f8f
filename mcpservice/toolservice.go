// Package mcpservice is the request-handling core of the gateway: tool
// discovery and invocation, prompt rendering, and the persistence operations
// behind both. Authorization and storage are injected interfaces; the
// package holds no global state.
package mcpservice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/scitara-cto/dynamic-mcp-server/authz"
	"github.com/scitara-cto/dynamic-mcp-server/internal/logctx"
	"github.com/scitara-cto/dynamic-mcp-server/mcp"
	"github.com/scitara-cto/dynamic-mcp-server/registry"
	"github.com/scitara-cto/dynamic-mcp-server/store"
)

var (
	// ErrToolNotFound covers both a missing tool and one the user cannot
	// see; callers get a single answer to avoid probing for hidden tools.
	ErrToolNotFound = errors.New("tool not found or not authorized")
	// ErrHandlerNotFound is a server-side configuration error: the tool
	// record references a handler type with no registered factory.
	ErrHandlerNotFound = errors.New("handler not found")
	// ErrPromptNotFound mirrors ErrToolNotFound for prompts.
	ErrPromptNotFound = errors.New("prompt not found or not authorized")
)

// AuthorizationError carries a denial message that must surface to the
// caller verbatim.
type AuthorizationError struct {
	Reason string
}

func (e *AuthorizationError) Error() string { return e.Reason }

// ValidationError rejects a malformed definition before any persistence
// write.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// ToolListing is the result of listing tools for one user.
type ToolListing struct {
	Tools []mcp.Tool
	// Hidden names the eligible tools the user has suppressed.
	Hidden []string
	// CollisionWarnings describe display names provided by more than one
	// owner; at call time one of them shadows the rest.
	CollisionWarnings []string
}

// ToolService resolves, authorizes and executes tool calls, and owns the
// tool persistence operations.
type ToolService struct {
	users    store.UserStore
	tools    store.ToolStore
	reg      *registry.Registry
	auth     *authz.Authorizer
	notifier ListChangedNotifier
	log      *slog.Logger
	// serverIdentity is the creator used when definitions omit one.
	serverIdentity string
	env            func(string) string
}

// ToolServiceOption configures a ToolService.
type ToolServiceOption func(*ToolService)

func WithToolLogger(log *slog.Logger) ToolServiceOption {
	return func(s *ToolService) { s.log = log }
}

func WithToolNotifier(n ListChangedNotifier) ToolServiceOption {
	return func(s *ToolService) { s.notifier = n }
}

// WithServerIdentity sets the creator identity used for definitions that
// omit one.
func WithServerIdentity(name string) ToolServiceOption {
	return func(s *ToolService) { s.serverIdentity = name }
}

// WithEnvLookup replaces the process-environment lookup used during
// argument templating. For tests.
func WithEnvLookup(fn func(string) string) ToolServiceOption {
	return func(s *ToolService) { s.env = fn }
}

func NewToolService(users store.UserStore, tools store.ToolStore, reg *registry.Registry, auth *authz.Authorizer, opts ...ToolServiceOption) *ToolService {
	s := &ToolService{
		users:          users,
		tools:          tools,
		reg:            reg,
		auth:           auth,
		notifier:       NopNotifier{},
		log:            slog.New(slog.DiscardHandler),
		serverIdentity: store.SystemCreator,
		env:            os.Getenv,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ListTools returns the tools visible to the user, the names the user has
// hidden, and warnings for display names that collide across owners.
func (s *ToolService) ListTools(ctx context.Context, email string) (*ToolListing, error) {
	uts, err := store.GetUserTools(ctx, s.users, s.tools, email, s.serverIdentity)
	if err != nil {
		return nil, err
	}

	listing := &ToolListing{}
	owners := make(map[string][]string)
	for _, ut := range uts {
		if ut.Hidden {
			listing.Hidden = append(listing.Hidden, ut.Tool.Name)
			continue
		}
		owners[ut.Tool.Name] = append(owners[ut.Tool.Name], ut.Tool.Creator)
		listing.Tools = append(listing.Tools, mcp.Tool{
			Name:        ut.Tool.Name,
			Description: ut.Tool.Description,
			InputSchema: ut.Tool.InputSchema,
			Annotations: ut.Tool.Annotations,
		})
	}

	var collided []string
	for name, creators := range owners {
		if len(creators) > 1 {
			collided = append(collided, name)
		}
	}
	sort.Strings(collided)
	for _, name := range collided {
		listing.CollisionWarnings = append(listing.CollisionWarnings, fmt.Sprintf(
			"tool name %q is provided by multiple owners (%s); calls resolve to one of them by precedence",
			name, strings.Join(owners[name], ", ")))
	}
	return listing, nil
}

// CallTool executes one tool call end to end. Authorization denials,
// missing tools and missing handlers return errors; a failure inside the
// handler itself is caught and wrapped into an error-flagged result so one
// broken tool call never tears the session down.
func (s *ToolService) CallTool(ctx context.Context, email, name string, args map[string]any, call registry.CallContext, progress registry.ProgressFunc) (*mcp.CallToolResult, error) {
	start := time.Now()
	ctx = logctx.WithToolCallData(ctx, &logctx.ToolCallData{ToolName: name})

	// Always a fresh read: authorization reflects the user's current
	// roles and grants, not the snapshot taken at session creation.
	uts, err := store.GetUserTools(ctx, s.users, s.tools, email, s.serverIdentity)
	if err != nil {
		return nil, err
	}

	tool := resolveByName(uts, name, email)
	if tool == nil {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	ctx = logctx.WithToolCallData(ctx, &logctx.ToolCallData{ToolName: tool.Name, Creator: tool.Creator})

	dec, err := s.auth.Authorize(ctx, email, tool)
	if err != nil {
		return nil, err
	}
	if !dec.Authorized {
		return nil, &AuthorizationError{Reason: dec.Reason}
	}

	factory, ok := s.reg.Factory(tool.Handler.Type)
	if !ok {
		return nil, fmt.Errorf("%w: %q for tool %q", ErrHandlerNotFound, tool.Handler.Type, tool.Name)
	}
	handler, err := factory(tool.Handler.Config)
	if err != nil {
		return nil, fmt.Errorf("instantiate handler for tool %q: %w", tool.Name, err)
	}

	resolved := resolveArgMappings(tool.ArgMappings, args, call.Extra, s.env)
	merged := mergeArgs(resolved, args)

	if progress == nil {
		progress = func(ctx context.Context, p, total float64, msg string) error { return nil }
	}

	out, err := invoke(ctx, handler, merged, call, progress)
	if err != nil {
		s.log.WarnContext(ctx, "toolservice.call_tool.handler_failed",
			slog.String("err", err.Error()),
			slog.Int64("dur_ms", time.Since(start).Milliseconds()),
		)
		return Errorf("Tool execution failed: %s", err.Error()), nil
	}

	s.log.InfoContext(ctx, "toolservice.call_tool.ok",
		slog.Int64("dur_ms", time.Since(start).Milliseconds()),
	)
	return wrapOutput(out)
}

// invoke runs the handler, converting a panic into an error so a broken
// handler cannot crash the server.
func invoke(ctx context.Context, handler registry.Handler, args map[string]any, call registry.CallContext, progress registry.ProgressFunc) (out *registry.HandlerOutput, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return handler(ctx, args, call, progress)
}

// resolveByName picks the concrete tool a display name refers to for this
// user. Precedence when owners collide: a tool owned by the caller, then
// any non-system tool (a shared tool beats a built-in), then the first
// match in enumeration order. The ordering is stable because it decides
// which implementation executes.
func resolveByName(uts []store.UserTool, name, email string) *store.Tool {
	var matches []*store.Tool
	for _, ut := range uts {
		if ut.Available && ut.Tool.Name == name {
			matches = append(matches, ut.Tool)
		}
	}
	switch len(matches) {
	case 0:
		return nil
	case 1:
		return matches[0]
	}
	for _, t := range matches {
		if t.Creator == email {
			return t
		}
	}
	for _, t := range matches {
		if t.Creator != store.SystemCreator {
			return t
		}
	}
	return matches[0]
}

// AddTool validates and upserts a definition. The creator defaults to the
// serving application's identity when omitted.
func (s *ToolService) AddTool(ctx context.Context, def *store.Tool, creator string) error {
	if def.Name == "" {
		return &ValidationError{Message: "tool name is required"}
	}
	if strings.Contains(def.Name, store.NamespaceSeparator) {
		return &ValidationError{Message: fmt.Sprintf("tool name must not contain %q", store.NamespaceSeparator)}
	}
	if def.Handler.Type == "" {
		return &ValidationError{Message: "tool handler is required"}
	}
	if def.InputSchema.Type == "" {
		return &ValidationError{Message: "tool inputSchema is required"}
	}

	if creator == "" {
		creator = def.Creator
	}
	if creator == "" {
		creator = s.serverIdentity
	}
	def.Creator = creator

	if err := s.tools.UpsertTool(ctx, def); err != nil {
		return fmt.Errorf("upsert tool %q: %w", def.ID(), err)
	}
	s.log.InfoContext(ctx, "toolservice.add_tool.ok",
		slog.String("tool", def.Name), slog.String("creator", def.Creator))
	s.notifyToolsChanged(ctx, def.Creator)
	return nil
}

// RemoveTool deletes the tool resolved from nameOrID and creator. The
// target resolves by explicit (name, creator) when a creator is given, then
// by a parsed "creator:name" identifier, then by legacy bare-name lookup.
// After deletion the tool's name is purged from the hidden-tool list of
// every user who could previously see it, and stale share grants are
// dropped.
func (s *ToolService) RemoveTool(ctx context.Context, nameOrID, creator string) error {
	name := nameOrID
	if creator == "" {
		if c, n, ok := store.SplitNamespaced(nameOrID); ok {
			creator, name = c, n
		}
	}
	var tool *store.Tool
	var err error
	if creator != "" {
		tool, err = s.tools.FindTool(ctx, name, creator)
		if err != nil {
			return fmt.Errorf("%w: %s", ErrToolNotFound, nameOrID)
		}
	} else {
		tool, err = s.findByBareName(ctx, name)
		if err != nil {
			return err
		}
	}

	if err := s.tools.DeleteTool(ctx, tool.Name, tool.Creator); err != nil {
		return fmt.Errorf("delete tool %q: %w", tool.ID(), err)
	}
	s.reg.RemoveTool(tool.Name)

	// Purge so a future tool reusing this name does not inherit a stale
	// hidden-state or dangling grants.
	if err := store.PurgeHiddenTool(ctx, s.users, tool.Name, tool.Creator, s.serverIdentity, tool.RolesPermitted); err != nil {
		return err
	}
	if err := store.PurgeShareGrants(ctx, s.users, tool.ID()); err != nil {
		return err
	}

	s.log.InfoContext(ctx, "toolservice.remove_tool.ok",
		slog.String("tool", tool.Name), slog.String("creator", tool.Creator))
	s.notifyToolsChanged(ctx, tool.Creator)
	return nil
}

// ToolUpdate describes a partial merge-update; nil fields keep their
// current values.
type ToolUpdate struct {
	Description    *string
	InputSchema    *mcp.ToolInputSchema
	Annotations    *mcp.ToolAnnotations
	Handler        *store.HandlerRef
	RolesPermitted *[]string
	AlwaysVisible  *bool
	ArgMappings    *map[string]any
}

// UpdateTool merges updates into the tool found by bare name and returns
// the updated record. A missing tool yields ErrToolNotFound.
func (s *ToolService) UpdateTool(ctx context.Context, name string, updates ToolUpdate) (*store.Tool, error) {
	tool, err := s.findByBareName(ctx, name)
	if err != nil {
		return nil, err
	}

	if updates.Description != nil {
		tool.Description = *updates.Description
	}
	if updates.InputSchema != nil {
		tool.InputSchema = *updates.InputSchema
	}
	if updates.Annotations != nil {
		tool.Annotations = updates.Annotations
	}
	if updates.Handler != nil {
		tool.Handler = *updates.Handler
	}
	if updates.RolesPermitted != nil {
		tool.RolesPermitted = *updates.RolesPermitted
	}
	if updates.AlwaysVisible != nil {
		tool.AlwaysVisible = *updates.AlwaysVisible
	}
	if updates.ArgMappings != nil {
		tool.ArgMappings = *updates.ArgMappings
	}

	if err := s.tools.UpsertTool(ctx, tool); err != nil {
		return nil, fmt.Errorf("update tool %q: %w", tool.ID(), err)
	}
	s.notifyToolsChanged(ctx, tool.Creator)
	return tool, nil
}

func (s *ToolService) findByBareName(ctx context.Context, name string) (*store.Tool, error) {
	all, err := s.tools.ListTools(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tools: %w", err)
	}
	for _, t := range all {
		if t.Name == name {
			return t, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
}

// notifyToolsChanged scopes the fan-out: mutations to system-owned tools
// are visible to everyone, so they broadcast; user-owned mutations notify
// that user's sessions.
func (s *ToolService) notifyToolsChanged(ctx context.Context, creator string) {
	if creator == store.SystemCreator || creator == s.serverIdentity {
		s.notifier.ToolsChanged(ctx, "")
		return
	}
	s.notifier.ToolsChanged(ctx, creator)
}

// --- Result wrapping ---

// wrapOutput marshals the handler's structured output into the protocol's
// textual content envelope.
func wrapOutput(out *registry.HandlerOutput) (*mcp.CallToolResult, error) {
	if out == nil {
		out = &registry.HandlerOutput{}
	}
	body, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("marshal tool output: %w", err)
	}
	return &mcp.CallToolResult{
		Content: []mcp.ContentBlock{{Type: "text", Text: string(body)}},
	}, nil
}

// TextResult builds a plain-text tool result.
func TextResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.ContentBlock{{Type: "text", Text: text}},
	}
}

// Errorf builds an error-flagged tool result from a format string.
func Errorf(format string, a ...any) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.ContentBlock{{Type: "text", Text: fmt.Sprintf(format, a...)}},
		IsError: true,
	}
}

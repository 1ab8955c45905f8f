// Package engine dispatches decoded JSON-RPC messages to the tool and
// prompt services. It is transport-agnostic: the HTTP layer decodes frames
// and owns the wire, the engine owns protocol semantics.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/scitara-cto/dynamic-mcp-server/internal/jsonrpc"
	"github.com/scitara-cto/dynamic-mcp-server/internal/logctx"
	"github.com/scitara-cto/dynamic-mcp-server/mcp"
	"github.com/scitara-cto/dynamic-mcp-server/mcpservice"
	"github.com/scitara-cto/dynamic-mcp-server/registry"
	"github.com/scitara-cto/dynamic-mcp-server/sessions"
)

// NotificationSender delivers a server-originated notification on the
// connection currently handling a request. Used for progress updates that
// must interleave with the eventual response.
type NotificationSender func(ctx context.Context, note *jsonrpc.Request) error

// Engine glues the protocol surface to the services.
type Engine struct {
	tools    *mcpservice.ToolService
	prompts  *mcpservice.PromptService
	sessions *sessions.Manager
	log      *slog.Logger

	serverInfo   mcp.ImplementationInfo
	instructions string
}

// Option configures an Engine.
type Option func(*Engine)

func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// WithInstructions sets the instructions text returned from initialize.
func WithInstructions(s string) Option {
	return func(e *Engine) { e.instructions = s }
}

func New(tools *mcpservice.ToolService, prompts *mcpservice.PromptService, sm *sessions.Manager, serverInfo mcp.ImplementationInfo, opts ...Option) *Engine {
	e := &Engine{
		tools:      tools,
		prompts:    prompts,
		sessions:   sm,
		log:        slog.New(slog.DiscardHandler),
		serverInfo: serverInfo,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Handle dispatches one decoded message for an established session. A nil
// response means the message was a notification. send, when non-nil, lets
// request handlers emit interleaved notifications (progress) on the same
// connection.
func (e *Engine) Handle(ctx context.Context, sess *sessions.Session, msg *jsonrpc.AnyMessage, send NotificationSender) (*jsonrpc.Response, error) {
	req := msg.AsRequest()
	if req == nil {
		// Responses from the client (e.g. to server-initiated pings) have
		// no routing here yet; acknowledge and move on.
		return nil, nil
	}

	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{
		Method: req.Method,
		ID:     req.ID.String(),
		Type:   msg.Type(),
	})
	start := time.Now()

	if req.ID == nil {
		e.handleNotification(ctx, sess, req)
		return nil, nil
	}

	resp := e.handleRequest(ctx, sess, req, send)
	e.log.InfoContext(ctx, "engine.handle.ok",
		slog.Int64("dur_ms", time.Since(start).Milliseconds()),
	)
	return resp, nil
}

func (e *Engine) handleNotification(ctx context.Context, sess *sessions.Session, req *jsonrpc.Request) {
	switch mcp.Method(req.Method) {
	case mcp.InitializedNotificationMethod:
		e.sessions.Touch(sess.ID)
	case mcp.CancelledNotificationMethod:
		// Tool handlers observe cancellation through their context; there
		// is no per-request bookkeeping to undo here.
	default:
		e.log.DebugContext(ctx, "engine.notification.ignored", slog.String("method", req.Method))
	}
}

func (e *Engine) handleRequest(ctx context.Context, sess *sessions.Session, req *jsonrpc.Request, send NotificationSender) *jsonrpc.Response {
	switch mcp.Method(req.Method) {
	case mcp.InitializeMethod:
		return e.handleInitialize(ctx, sess, req)
	case mcp.PingMethod:
		return mustResult(req.ID, mcp.EmptyResult{})
	case mcp.ToolsListMethod:
		return e.handleToolsList(ctx, sess, req)
	case mcp.ToolsCallMethod:
		return e.handleToolsCall(ctx, sess, req, send)
	case mcp.PromptsListMethod:
		return e.handlePromptsList(ctx, sess, req)
	case mcp.PromptsGetMethod:
		return e.handlePromptsGet(ctx, sess, req)
	default:
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound,
			fmt.Sprintf("method not supported: %s", req.Method), nil)
	}
}

// Initialize negotiates the protocol version: the client's version is
// echoed when we speak it, otherwise we answer with the latest we support
// and let the client decide.
func (e *Engine) handleInitialize(ctx context.Context, sess *sessions.Session, req *jsonrpc.Request) *jsonrpc.Response {
	var params mcp.InitializeRequest
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid initialize params", nil)
	}

	res := mcp.InitializeResult{
		// We speak exactly one protocol revision; clients on an older one
		// see our version and decide whether to proceed.
		ProtocolVersion: mcp.LatestProtocolVersion,
		Capabilities: mcp.ServerCapabilities{
			Logging: &struct{}{},
			Tools: &struct {
				ListChanged bool `json:"listChanged"`
			}{ListChanged: true},
			Prompts: &struct {
				ListChanged bool `json:"listChanged"`
			}{ListChanged: true},
		},
		ServerInfo:   e.serverInfo,
		Instructions: e.instructions,
	}
	return mustResult(req.ID, res)
}

func (e *Engine) handleToolsList(ctx context.Context, sess *sessions.Session, req *jsonrpc.Request) *jsonrpc.Response {
	listing, err := e.tools.ListTools(ctx, sess.UserEmail)
	if err != nil {
		e.log.ErrorContext(ctx, "engine.tools_list.failed", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "failed to list tools", nil)
	}
	res := mcp.ListToolsResult{Tools: listing.Tools}
	if res.Tools == nil {
		res.Tools = []mcp.Tool{}
	}
	// Hidden names and collision warnings travel as metadata so stock
	// clients render the plain list untouched.
	meta := map[string]any{}
	if len(listing.Hidden) > 0 {
		meta["hiddenTools"] = listing.Hidden
	}
	if len(listing.CollisionWarnings) > 0 {
		meta["warnings"] = listing.CollisionWarnings
	}
	if len(meta) > 0 {
		res.Meta = meta
	}
	return mustResult(req.ID, res)
}

func (e *Engine) handleToolsCall(ctx context.Context, sess *sessions.Session, req *jsonrpc.Request, send NotificationSender) *jsonrpc.Response {
	var params mcp.CallToolRequestReceived
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid tools/call params", nil)
	}
	if params.Name == "" {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "tool name is required", nil)
	}

	var args map[string]any
	if len(params.Arguments) > 0 {
		if err := json.Unmarshal(params.Arguments, &args); err != nil {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "tool arguments must be an object", nil)
		}
	}

	call := registry.CallContext{
		UserEmail:      sess.UserEmail,
		SessionID:      sess.ID,
		ClientIdentity: sess.ClientIdentity,
		Extra: map[string]string{
			"userEmail":      sess.UserEmail,
			"sessionId":      sess.ID,
			"clientIdentity": sess.ClientIdentity,
		},
	}

	result, err := e.tools.CallTool(ctx, sess.UserEmail, params.Name, args, call, e.progressFunc(params.Meta, send))
	if err != nil {
		var authErr *mcpservice.AuthorizationError
		switch {
		case errors.As(err, &authErr):
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, authErr.Reason, nil)
		case errors.Is(err, mcpservice.ErrToolNotFound):
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, err.Error(), nil)
		case errors.Is(err, mcpservice.ErrHandlerNotFound):
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, err.Error(), nil)
		default:
			e.log.ErrorContext(ctx, "engine.tools_call.failed", slog.String("err", err.Error()))
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "tool call failed", nil)
		}
	}
	return mustResult(req.ID, result)
}

// progressFunc builds the progress sink for one tool call. Nil when the
// client supplied no progress token or the transport cannot interleave
// notifications; the service substitutes a no-op.
func (e *Engine) progressFunc(rawMeta json.RawMessage, send NotificationSender) registry.ProgressFunc {
	if send == nil || len(rawMeta) == 0 {
		return nil
	}
	var meta struct {
		ProgressToken mcp.ProgressToken `json:"progressToken"`
	}
	if err := json.Unmarshal(rawMeta, &meta); err != nil || meta.ProgressToken == nil {
		return nil
	}
	return func(ctx context.Context, progress, total float64, message string) error {
		note, err := jsonrpc.NewNotification(string(mcp.ProgressNotificationMethod), mcp.ProgressNotificationParams{
			ProgressToken: meta.ProgressToken,
			Progress:      progress,
			Total:         total,
			Message:       message,
		})
		if err != nil {
			return err
		}
		return send(ctx, note)
	}
}

func (e *Engine) handlePromptsList(ctx context.Context, sess *sessions.Session, req *jsonrpc.Request) *jsonrpc.Response {
	prompts, err := e.prompts.ListPrompts(ctx, sess.UserEmail)
	if err != nil {
		e.log.ErrorContext(ctx, "engine.prompts_list.failed", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "failed to list prompts", nil)
	}
	if prompts == nil {
		prompts = []mcp.Prompt{}
	}
	return mustResult(req.ID, mcp.ListPromptsResult{Prompts: prompts})
}

func (e *Engine) handlePromptsGet(ctx context.Context, sess *sessions.Session, req *jsonrpc.Request) *jsonrpc.Response {
	var params mcp.GetPromptRequest
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid prompts/get params", nil)
	}
	call := registry.CallContext{
		UserEmail:      sess.UserEmail,
		SessionID:      sess.ID,
		ClientIdentity: sess.ClientIdentity,
	}
	res, err := e.prompts.GetPrompt(ctx, sess.UserEmail, params.Name, params.Arguments, call)
	if err != nil {
		if errors.Is(err, mcpservice.ErrPromptNotFound) {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, err.Error(), nil)
		}
		e.log.ErrorContext(ctx, "engine.prompts_get.failed", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "failed to render prompt", nil)
	}
	return mustResult(req.ID, res)
}

// mustResult marshals a result response. The payloads here are
// service-owned structs; a marshal failure is a programming error.
func mustResult(id *jsonrpc.RequestID, result any) *jsonrpc.Response {
	resp, err := jsonrpc.NewResultResponse(id, result)
	if err != nil {
		return jsonrpc.NewErrorResponse(id, jsonrpc.ErrorCodeInternalError, "failed to encode result", nil)
	}
	return resp
}

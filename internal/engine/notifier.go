package engine

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/scitara-cto/dynamic-mcp-server/internal/jsonrpc"
	"github.com/scitara-cto/dynamic-mcp-server/mcp"
	"github.com/scitara-cto/dynamic-mcp-server/mcpservice"
)

var _ mcpservice.ListChangedNotifier = (*Engine)(nil)

// ToolsChanged fans a tools/list_changed notification out to the affected
// sessions. An empty email broadcasts to every session.
func (e *Engine) ToolsChanged(ctx context.Context, userEmail string) {
	e.fanOut(ctx, userEmail, string(mcp.ToolsListChangedNotificationMethod), mcp.ToolListChangedNotification{})
}

// PromptsChanged mirrors ToolsChanged for prompts.
func (e *Engine) PromptsChanged(ctx context.Context, userEmail string) {
	e.fanOut(ctx, userEmail, string(mcp.PromptsListChangedNotificationMethod), mcp.PromptListChangedNotification{})
}

func (e *Engine) fanOut(ctx context.Context, userEmail, method string, params any) {
	note, err := jsonrpc.NewNotification(method, params)
	if err != nil {
		e.log.WarnContext(ctx, "engine.fanout.encode_failed", slog.String("err", err.Error()))
		return
	}
	data, err := json.Marshal(note)
	if err != nil {
		e.log.WarnContext(ctx, "engine.fanout.encode_failed", slog.String("err", err.Error()))
		return
	}
	if userEmail == "" {
		e.sessions.NotifyAll(ctx, data)
		return
	}
	e.sessions.NotifyForUser(ctx, userEmail, data)
}

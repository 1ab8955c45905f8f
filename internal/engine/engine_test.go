package engine

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/scitara-cto/dynamic-mcp-server/authz"
	"github.com/scitara-cto/dynamic-mcp-server/internal/jsonrpc"
	"github.com/scitara-cto/dynamic-mcp-server/mcp"
	"github.com/scitara-cto/dynamic-mcp-server/mcpservice"
	"github.com/scitara-cto/dynamic-mcp-server/registry"
	"github.com/scitara-cto/dynamic-mcp-server/sessions"
	"github.com/scitara-cto/dynamic-mcp-server/sessions/memoryhost"
	"github.com/scitara-cto/dynamic-mcp-server/store"
	"github.com/scitara-cto/dynamic-mcp-server/store/memorystore"
)

type engineFixture struct {
	st     *memorystore.Store
	reg    *registry.Registry
	sm     *sessions.Manager
	host   *memoryhost.Host
	engine *Engine
	sess   *sessions.Session
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	ctx := context.Background()
	st := memorystore.New()
	reg := registry.New()
	host := memoryhost.New()
	sm := sessions.NewManager(host)

	toolSvc := mcpservice.NewToolService(st, st, reg, authz.New(st))
	promptSvc := mcpservice.NewPromptService(st, st, reg)
	e := New(toolSvc, promptSvc, sm, mcp.ImplementationInfo{Name: "test-server", Version: "0.0.1"},
		WithInstructions("start with tools/list"))

	if err := st.UpsertUser(ctx, &store.User{Email: "alice@example.com"}); err != nil {
		t.Fatalf("upsert user: %v", err)
	}
	sess, err := sm.CreateSession(ctx, sessions.CreateParams{
		UserEmail:       "alice@example.com",
		ClientIdentity:  "test-client@1.0",
		ProtocolVersion: mcp.LatestProtocolVersion,
		Kind:            sessions.TransportStreamableHTTP,
	})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return &engineFixture{st: st, reg: reg, sm: sm, host: host, engine: e, sess: sess}
}

func (f *engineFixture) handle(t *testing.T, raw string, send NotificationSender) *jsonrpc.Response {
	t.Helper()
	var msg jsonrpc.AnyMessage
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		t.Fatalf("decode message: %v", err)
	}
	resp, err := f.engine.Handle(context.Background(), f.sess, &msg, send)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	return resp
}

func TestInitialize(t *testing.T) {
	f := newEngineFixture(t)

	resp := f.handle(t, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-06-18","capabilities":{},"clientInfo":{"name":"test-client","version":"1.0"}}}`, nil)
	if resp.Error != nil {
		t.Fatalf("error: %+v", resp.Error)
	}
	var res mcp.InitializeResult
	if err := json.Unmarshal(resp.Result, &res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if res.ProtocolVersion != mcp.LatestProtocolVersion {
		t.Errorf("protocolVersion = %q", res.ProtocolVersion)
	}
	if res.Capabilities.Tools == nil || !res.Capabilities.Tools.ListChanged {
		t.Errorf("tools capability = %+v", res.Capabilities.Tools)
	}
	if res.ServerInfo.Name != "test-server" {
		t.Errorf("serverInfo = %+v", res.ServerInfo)
	}
	if res.Instructions == "" {
		t.Errorf("instructions missing")
	}
}

func TestPing(t *testing.T) {
	f := newEngineFixture(t)
	resp := f.handle(t, `{"jsonrpc":"2.0","id":"p1","method":"ping"}`, nil)
	if resp == nil || resp.Error != nil {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestNotificationProducesNoResponse(t *testing.T) {
	f := newEngineFixture(t)
	resp := f.handle(t, `{"jsonrpc":"2.0","method":"notifications/initialized"}`, nil)
	if resp != nil {
		t.Fatalf("resp = %+v, want nil for a notification", resp)
	}
}

func TestMethodNotFound(t *testing.T) {
	f := newEngineFixture(t)
	resp := f.handle(t, `{"jsonrpc":"2.0","id":2,"method":"resources/list"}`, nil)
	if resp.Error == nil || resp.Error.Code != jsonrpc.ErrorCodeMethodNotFound {
		t.Fatalf("resp = %+v, want method-not-found error", resp)
	}
}

func TestToolsListIncludesMetadata(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t)

	u, err := f.st.FindByEmail(ctx, "alice@example.com")
	if err != nil {
		t.Fatalf("find user: %v", err)
	}
	u.HiddenTools = []string{"noisy"}
	if err := f.st.UpsertUser(ctx, u); err != nil {
		t.Fatalf("upsert user: %v", err)
	}
	for _, tool := range []*store.Tool{
		{Name: "noisy", Creator: store.SystemCreator, Handler: store.HandlerRef{Type: "t"}, InputSchema: mcp.ToolInputSchema{Type: "object"}},
		{Name: "ok", Creator: store.SystemCreator, Handler: store.HandlerRef{Type: "t"}, InputSchema: mcp.ToolInputSchema{Type: "object"}},
	} {
		if err := f.st.UpsertTool(ctx, tool); err != nil {
			t.Fatalf("upsert tool: %v", err)
		}
	}

	resp := f.handle(t, `{"jsonrpc":"2.0","id":3,"method":"tools/list"}`, nil)
	if resp.Error != nil {
		t.Fatalf("error: %+v", resp.Error)
	}
	var res struct {
		Tools []mcp.Tool     `json:"tools"`
		Meta  map[string]any `json:"_meta"`
	}
	if err := json.Unmarshal(resp.Result, &res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if len(res.Tools) != 1 || res.Tools[0].Name != "ok" {
		t.Fatalf("tools = %+v", res.Tools)
	}
	hidden, _ := res.Meta["hiddenTools"].([]any)
	if len(hidden) != 1 || hidden[0] != "noisy" {
		t.Fatalf("_meta = %+v", res.Meta)
	}
}

func TestToolsCallWithProgress(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t)

	f.reg.RegisterHandlerFactory("work", func(config map[string]any) (registry.Handler, error) {
		return func(ctx context.Context, args map[string]any, call registry.CallContext, progress registry.ProgressFunc) (*registry.HandlerOutput, error) {
			_ = progress(ctx, 1, 2, "halfway")
			_ = progress(ctx, 2, 2, "done")
			return &registry.HandlerOutput{Result: map[string]any{"session": call.SessionID}}, nil
		}, nil
	})
	if err := f.st.UpsertTool(ctx, &store.Tool{
		Name: "work", Creator: "alice@example.com",
		Handler:     store.HandlerRef{Type: "work"},
		InputSchema: mcp.ToolInputSchema{Type: "object"},
	}); err != nil {
		t.Fatalf("upsert tool: %v", err)
	}

	var notes []*jsonrpc.Request
	send := func(ctx context.Context, note *jsonrpc.Request) error {
		notes = append(notes, note)
		return nil
	}

	resp := f.handle(t, `{"jsonrpc":"2.0","id":4,"method":"tools/call","params":{"name":"work","arguments":{},"_meta":{"progressToken":"tok-1"}}}`, send)
	if resp.Error != nil {
		t.Fatalf("error: %+v", resp.Error)
	}
	if len(notes) != 2 {
		t.Fatalf("progress notifications = %d, want 2", len(notes))
	}
	if notes[0].Method != string(mcp.ProgressNotificationMethod) {
		t.Errorf("method = %q", notes[0].Method)
	}
	var params mcp.ProgressNotificationParams
	if err := json.Unmarshal(notes[1].Params, &params); err != nil {
		t.Fatalf("decode params: %v", err)
	}
	if params.ProgressToken != "tok-1" || params.Progress != 2 {
		t.Errorf("params = %+v", params)
	}

	var result mcp.CallToolResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.IsError || len(result.Content) != 1 {
		t.Fatalf("result = %+v", result)
	}
	if !strings.Contains(result.Content[0].Text, f.sess.ID) {
		t.Errorf("session id not threaded through call context: %s", result.Content[0].Text)
	}
}

func TestToolsCallWithoutProgressToken(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t)

	f.reg.RegisterHandlerFactory("quiet", func(config map[string]any) (registry.Handler, error) {
		return func(ctx context.Context, args map[string]any, call registry.CallContext, progress registry.ProgressFunc) (*registry.HandlerOutput, error) {
			// Safe even though the client asked for no progress.
			_ = progress(ctx, 1, 1, "")
			return &registry.HandlerOutput{Result: "ok"}, nil
		}, nil
	})
	if err := f.st.UpsertTool(ctx, &store.Tool{
		Name: "quiet", Creator: "alice@example.com",
		Handler:     store.HandlerRef{Type: "quiet"},
		InputSchema: mcp.ToolInputSchema{Type: "object"},
	}); err != nil {
		t.Fatalf("upsert tool: %v", err)
	}

	resp := f.handle(t, `{"jsonrpc":"2.0","id":5,"method":"tools/call","params":{"name":"quiet"}}`, nil)
	if resp.Error != nil {
		t.Fatalf("error: %+v", resp.Error)
	}
}

func TestToolsCallErrors(t *testing.T) {
	f := newEngineFixture(t)

	resp := f.handle(t, `{"jsonrpc":"2.0","id":6,"method":"tools/call","params":{"name":"ghost"}}`, nil)
	if resp.Error == nil || resp.Error.Code != jsonrpc.ErrorCodeInvalidParams {
		t.Fatalf("resp = %+v, want invalid-params for an unknown tool", resp)
	}
	if !strings.Contains(resp.Error.Message, "not found or not authorized") {
		t.Errorf("message = %q", resp.Error.Message)
	}

	resp = f.handle(t, `{"jsonrpc":"2.0","id":7,"method":"tools/call","params":{}}`, nil)
	if resp.Error == nil || resp.Error.Code != jsonrpc.ErrorCodeInvalidParams {
		t.Fatalf("resp = %+v, want invalid-params for a missing name", resp)
	}
}

func TestPromptsGet(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t)

	f.reg.RegisterPromptHandlerFactory("greet", func(config map[string]any) (registry.PromptHandler, error) {
		return func(ctx context.Context, args map[string]string, call registry.CallContext) (*mcp.GetPromptResult, error) {
			return &mcp.GetPromptResult{
				Messages: []mcp.PromptMessage{{
					Role:    mcp.RoleUser,
					Content: mcp.ContentBlock{Type: "text", Text: "hi " + args["name"]},
				}},
			}, nil
		}, nil
	})
	if err := f.st.UpsertPrompt(ctx, &store.Prompt{
		Name: "welcome", Creator: store.SystemCreator,
		Handler: store.HandlerRef{Type: "greet"},
	}); err != nil {
		t.Fatalf("upsert prompt: %v", err)
	}

	resp := f.handle(t, `{"jsonrpc":"2.0","id":8,"method":"prompts/list"}`, nil)
	if resp.Error != nil {
		t.Fatalf("prompts/list error: %+v", resp.Error)
	}

	resp = f.handle(t, `{"jsonrpc":"2.0","id":9,"method":"prompts/get","params":{"name":"welcome","arguments":{"name":"alice"}}}`, nil)
	if resp.Error != nil {
		t.Fatalf("prompts/get error: %+v", resp.Error)
	}
	var res mcp.GetPromptResult
	if err := json.Unmarshal(resp.Result, &res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if len(res.Messages) != 1 || res.Messages[0].Content.Text != "hi alice" {
		t.Fatalf("messages = %+v", res.Messages)
	}

	resp = f.handle(t, `{"jsonrpc":"2.0","id":10,"method":"prompts/get","params":{"name":"ghost"}}`, nil)
	if resp.Error == nil || resp.Error.Code != jsonrpc.ErrorCodeInvalidParams {
		t.Fatalf("resp = %+v, want invalid-params for an unknown prompt", resp)
	}
}

func TestFanOutScopes(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t)

	if err := f.st.UpsertUser(ctx, &store.User{Email: "bob@example.com"}); err != nil {
		t.Fatalf("upsert user: %v", err)
	}
	bobSess, err := f.sm.CreateSession(ctx, sessions.CreateParams{
		UserEmail:      "bob@example.com",
		ClientIdentity: "test-client@1.0",
		Kind:           sessions.TransportStreamableHTTP,
	})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	// Targeted: only alice's sessions see the event stream grow.
	f.engine.ToolsChanged(ctx, "alice@example.com")
	// Broadcast reaches both.
	f.engine.PromptsChanged(ctx, "")

	countEvents := func(sessionID string) int {
		subCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
		defer cancel()
		n := 0
		_ = f.host.SubscribeSession(subCtx, sessionID, "", func(ctx context.Context, eventID string, data []byte) error {
			var note jsonrpc.AnyMessage
			if err := json.Unmarshal(data, &note); err != nil {
				t.Errorf("fanned-out payload not a JSON-RPC message: %v", err)
			}
			n++
			return nil
		})
		return n
	}

	if got := countEvents(f.sess.ID); got != 2 {
		t.Errorf("alice events = %d, want 2", got)
	}
	if got := countEvents(bobSess.ID); got != 1 {
		t.Errorf("bob events = %d, want 1", got)
	}
}

package mcpservice

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/scitara-cto/dynamic-mcp-server/authz"
	"github.com/scitara-cto/dynamic-mcp-server/mcp"
	"github.com/scitara-cto/dynamic-mcp-server/registry"
	"github.com/scitara-cto/dynamic-mcp-server/store"
	"github.com/scitara-cto/dynamic-mcp-server/store/memorystore"
)

type recordingNotifier struct {
	mu      sync.Mutex
	tools   []string
	prompts []string
}

func (n *recordingNotifier) ToolsChanged(ctx context.Context, userEmail string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.tools = append(n.tools, userEmail)
}

func (n *recordingNotifier) PromptsChanged(ctx context.Context, userEmail string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.prompts = append(n.prompts, userEmail)
}

type capturedCall struct {
	args map[string]any
	call registry.CallContext
}

// echoFactory records the merged arguments each invocation received.
func echoFactory(captured *[]capturedCall) registry.HandlerFactory {
	return func(config map[string]any) (registry.Handler, error) {
		return func(ctx context.Context, args map[string]any, call registry.CallContext, progress registry.ProgressFunc) (*registry.HandlerOutput, error) {
			*captured = append(*captured, capturedCall{args: args, call: call})
			return &registry.HandlerOutput{Result: args}, nil
		}, nil
	}
}

func newFixture(t *testing.T) (*memorystore.Store, *registry.Registry, *ToolService, *recordingNotifier) {
	t.Helper()
	st := memorystore.New()
	reg := registry.New()
	notifier := &recordingNotifier{}
	svc := NewToolService(st, st, reg, authz.New(st),
		WithToolNotifier(notifier),
		WithEnvLookup(func(string) string { return "" }),
	)
	return st, reg, svc, notifier
}

func mustUpsertUser(t *testing.T, st *memorystore.Store, u *store.User) {
	t.Helper()
	if err := st.UpsertUser(context.Background(), u); err != nil {
		t.Fatalf("upsert user %s: %v", u.Email, err)
	}
}

func mustUpsertTool(t *testing.T, st *memorystore.Store, tool *store.Tool) {
	t.Helper()
	if tool.Handler.Type == "" {
		tool.Handler = store.HandlerRef{Type: "echo"}
	}
	if tool.InputSchema.Type == "" {
		tool.InputSchema = mcp.ToolInputSchema{Type: "object"}
	}
	if err := st.UpsertTool(context.Background(), tool); err != nil {
		t.Fatalf("upsert tool %s: %v", tool.Name, err)
	}
}

func TestServerIdentityToolsReachEveryone(t *testing.T) {
	ctx := context.Background()
	st := memorystore.New()
	reg := registry.New()
	var calls []capturedCall
	reg.RegisterHandlerFactory("echo", echoFactory(&calls))
	svc := NewToolService(st, st, reg, authz.New(st, authz.WithServerIdentity("gateway")),
		WithServerIdentity("gateway"),
		WithEnvLookup(func(string) string { return "" }),
	)
	mustUpsertUser(t, st, &store.User{Email: "bob@example.com"})

	// Creator omitted: the definition lands under the serving application's
	// identity and must behave like a system tool for every user.
	err := svc.AddTool(ctx, &store.Tool{
		Name:        "server-tool",
		Handler:     store.HandlerRef{Type: "echo"},
		InputSchema: mcp.ToolInputSchema{Type: "object"},
	}, "")
	if err != nil {
		t.Fatalf("AddTool: %v", err)
	}
	stored, err := st.FindTool(ctx, "server-tool", "gateway")
	if err != nil {
		t.Fatalf("tool not stored under the server identity: %v", err)
	}
	if stored.Creator != "gateway" {
		t.Fatalf("creator = %q", stored.Creator)
	}

	listing, err := svc.ListTools(ctx, "bob@example.com")
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	if len(listing.Tools) != 1 || listing.Tools[0].Name != "server-tool" {
		t.Fatalf("tools = %+v, want server-tool visible", listing.Tools)
	}

	res, err := svc.CallTool(ctx, "bob@example.com", "server-tool", nil,
		registry.CallContext{UserEmail: "bob@example.com"}, nil)
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if res.IsError {
		t.Fatalf("result = %+v, want success", res)
	}
	if len(calls) != 1 {
		t.Fatalf("handler invocations = %d, want 1", len(calls))
	}
}

func TestCallToolAppliesArgMappings(t *testing.T) {
	ctx := context.Background()
	st, reg, svc, _ := newFixture(t)

	var calls []capturedCall
	reg.RegisterHandlerFactory("echo", echoFactory(&calls))

	mustUpsertUser(t, st, &store.User{Email: "alice@example.com"})
	mustUpsertTool(t, st, &store.Tool{
		Name:    "weather",
		Creator: "alice@example.com",
		ArgMappings: map[string]any{
			"q":    "{{location}}",
			"unit": "celsius",
			"user": "{{userEmail}}",
		},
	})

	call := registry.CallContext{
		UserEmail: "alice@example.com",
		Extra:     map[string]string{"userEmail": "alice@example.com"},
	}
	res, err := svc.CallTool(ctx, "alice@example.com", "weather",
		map[string]any{"location": "Paris"}, call, nil)
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if res.IsError {
		t.Fatalf("unexpected error result: %+v", res)
	}
	if len(calls) != 1 {
		t.Fatalf("handler invoked %d times, want 1", len(calls))
	}
	got := calls[0].args
	if got["q"] != "Paris" {
		t.Errorf("q = %v, want Paris", got["q"])
	}
	if got["unit"] != "celsius" {
		t.Errorf("unit = %v, want celsius", got["unit"])
	}
	if got["user"] != "alice@example.com" {
		t.Errorf("user = %v, want alice@example.com", got["user"])
	}
	// Raw caller argument is still present after the merge.
	if got["location"] != "Paris" {
		t.Errorf("location = %v, want Paris", got["location"])
	}
}

func TestCallToolCallerArgsWinOverMappings(t *testing.T) {
	ctx := context.Background()
	st, reg, svc, _ := newFixture(t)

	var calls []capturedCall
	reg.RegisterHandlerFactory("echo", echoFactory(&calls))

	mustUpsertUser(t, st, &store.User{Email: "alice@example.com"})
	mustUpsertTool(t, st, &store.Tool{
		Name:        "search",
		Creator:     "alice@example.com",
		ArgMappings: map[string]any{"limit": "10"},
	})

	_, err := svc.CallTool(ctx, "alice@example.com", "search",
		map[string]any{"limit": "25"}, registry.CallContext{}, nil)
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if calls[0].args["limit"] != "25" {
		t.Errorf("limit = %v, want caller-supplied 25", calls[0].args["limit"])
	}
}

func TestCallToolNameResolutionPrecedence(t *testing.T) {
	ctx := context.Background()
	st, reg, svc, _ := newFixture(t)

	// Handler type per owner so the invoked implementation is observable.
	invoked := ""
	for _, owner := range []string{"system", "bob", "alice"} {
		owner := owner
		reg.RegisterHandlerFactory("h-"+owner, func(config map[string]any) (registry.Handler, error) {
			return func(ctx context.Context, args map[string]any, call registry.CallContext, progress registry.ProgressFunc) (*registry.HandlerOutput, error) {
				invoked = owner
				return &registry.HandlerOutput{Result: owner}, nil
			}, nil
		})
	}

	mustUpsertUser(t, st, &store.User{Email: "alice@example.com", Roles: []string{"user"}})
	mustUpsertTool(t, st, &store.Tool{
		Name: "lookup", Creator: store.SystemCreator,
		Handler: store.HandlerRef{Type: "h-system"},
	})
	mustUpsertTool(t, st, &store.Tool{
		Name: "lookup", Creator: "bob@example.com",
		RolesPermitted: []string{"user"},
		Handler:        store.HandlerRef{Type: "h-bob"},
	})
	mustUpsertTool(t, st, &store.Tool{
		Name: "lookup", Creator: "alice@example.com",
		Handler: store.HandlerRef{Type: "h-alice"},
	})

	if _, err := svc.CallTool(ctx, "alice@example.com", "lookup", nil, registry.CallContext{}, nil); err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if invoked != "alice" {
		t.Fatalf("invoked %q, want the caller-owned tool", invoked)
	}

	// With the owned copy gone, a non-system owner shadows the built-in.
	if err := st.DeleteTool(ctx, "lookup", "alice@example.com"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := svc.CallTool(ctx, "alice@example.com", "lookup", nil, registry.CallContext{}, nil); err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if invoked != "bob" {
		t.Fatalf("invoked %q, want the shared non-system tool", invoked)
	}

	if err := st.DeleteTool(ctx, "lookup", "bob@example.com"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := svc.CallTool(ctx, "alice@example.com", "lookup", nil, registry.CallContext{}, nil); err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if invoked != "system" {
		t.Fatalf("invoked %q, want the built-in", invoked)
	}
}

func TestCallToolNotVisible(t *testing.T) {
	ctx := context.Background()
	st, reg, svc, _ := newFixture(t)
	var calls []capturedCall
	reg.RegisterHandlerFactory("echo", echoFactory(&calls))

	mustUpsertUser(t, st, &store.User{Email: "alice@example.com"})
	mustUpsertTool(t, st, &store.Tool{
		Name: "private", Creator: "bob@example.com",
		RolesPermitted: []string{"admin"},
	})

	_, err := svc.CallTool(ctx, "alice@example.com", "private", nil, registry.CallContext{}, nil)
	if !errors.Is(err, ErrToolNotFound) {
		t.Fatalf("err = %v, want ErrToolNotFound", err)
	}
	if len(calls) != 0 {
		t.Fatalf("handler invoked for a tool the user cannot see")
	}
}

func TestCallToolHandlerNotFound(t *testing.T) {
	ctx := context.Background()
	st, _, svc, _ := newFixture(t)

	mustUpsertUser(t, st, &store.User{Email: "alice@example.com"})
	mustUpsertTool(t, st, &store.Tool{
		Name: "orphan", Creator: "alice@example.com",
		Handler: store.HandlerRef{Type: "no-such-handler"},
	})

	_, err := svc.CallTool(ctx, "alice@example.com", "orphan", nil, registry.CallContext{}, nil)
	if !errors.Is(err, ErrHandlerNotFound) {
		t.Fatalf("err = %v, want ErrHandlerNotFound", err)
	}
}

func TestCallToolHandlerFailureBecomesErrorResult(t *testing.T) {
	ctx := context.Background()
	st, reg, svc, _ := newFixture(t)

	reg.RegisterHandlerFactory("fail", func(config map[string]any) (registry.Handler, error) {
		return func(ctx context.Context, args map[string]any, call registry.CallContext, progress registry.ProgressFunc) (*registry.HandlerOutput, error) {
			return nil, errors.New("upstream exploded")
		}, nil
	})
	reg.RegisterHandlerFactory("panic", func(config map[string]any) (registry.Handler, error) {
		return func(ctx context.Context, args map[string]any, call registry.CallContext, progress registry.ProgressFunc) (*registry.HandlerOutput, error) {
			panic("boom")
		}, nil
	})

	mustUpsertUser(t, st, &store.User{Email: "alice@example.com"})
	mustUpsertTool(t, st, &store.Tool{
		Name: "flaky", Creator: "alice@example.com",
		Handler: store.HandlerRef{Type: "fail"},
	})
	mustUpsertTool(t, st, &store.Tool{
		Name: "crashy", Creator: "alice@example.com",
		Handler: store.HandlerRef{Type: "panic"},
	})

	for _, name := range []string{"flaky", "crashy"} {
		res, err := svc.CallTool(ctx, "alice@example.com", name, nil, registry.CallContext{}, nil)
		if err != nil {
			t.Fatalf("%s: err = %v, want nil (failure goes into the result)", name, err)
		}
		if !res.IsError {
			t.Fatalf("%s: IsError = false, want true", name)
		}
		if !strings.Contains(res.Content[0].Text, "Tool execution failed") {
			t.Fatalf("%s: message = %q", name, res.Content[0].Text)
		}
	}
}

func TestCallToolProgressReported(t *testing.T) {
	ctx := context.Background()
	st, reg, svc, _ := newFixture(t)

	reg.RegisterHandlerFactory("slow", func(config map[string]any) (registry.Handler, error) {
		return func(ctx context.Context, args map[string]any, call registry.CallContext, progress registry.ProgressFunc) (*registry.HandlerOutput, error) {
			for i := 1; i <= 3; i++ {
				if err := progress(ctx, float64(i), 3, "working"); err != nil {
					return nil, err
				}
			}
			return &registry.HandlerOutput{Result: "done"}, nil
		}, nil
	})

	mustUpsertUser(t, st, &store.User{Email: "alice@example.com"})
	mustUpsertTool(t, st, &store.Tool{
		Name: "slow", Creator: "alice@example.com",
		Handler: store.HandlerRef{Type: "slow"},
	})

	var seen []float64
	progress := func(ctx context.Context, p, total float64, msg string) error {
		seen = append(seen, p)
		return nil
	}
	if _, err := svc.CallTool(ctx, "alice@example.com", "slow", nil, registry.CallContext{}, progress); err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if len(seen) != 3 || seen[2] != 3 {
		t.Fatalf("progress updates = %v, want three of them", seen)
	}

	// A nil sink is replaced by a no-op; the handler must not notice.
	if _, err := svc.CallTool(ctx, "alice@example.com", "slow", nil, registry.CallContext{}, nil); err != nil {
		t.Fatalf("CallTool with nil progress: %v", err)
	}
}

func TestCallToolWrapsOutputEnvelope(t *testing.T) {
	ctx := context.Background()
	st, reg, svc, _ := newFixture(t)

	reg.RegisterHandlerFactory("guide", func(config map[string]any) (registry.Handler, error) {
		return func(ctx context.Context, args map[string]any, call registry.CallContext, progress registry.ProgressFunc) (*registry.HandlerOutput, error) {
			return &registry.HandlerOutput{
				Result:    map[string]any{"count": 2},
				Message:   "two items found",
				NextSteps: []string{"call 'search' to narrow down"},
			}, nil
		}, nil
	})
	mustUpsertUser(t, st, &store.User{Email: "alice@example.com"})
	mustUpsertTool(t, st, &store.Tool{
		Name: "guide", Creator: "alice@example.com",
		Handler: store.HandlerRef{Type: "guide"},
	})

	res, err := svc.CallTool(ctx, "alice@example.com", "guide", nil, registry.CallContext{}, nil)
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	var envelope struct {
		Result    map[string]any `json:"result"`
		Message   string         `json:"message"`
		NextSteps []string       `json:"nextSteps"`
	}
	if err := json.Unmarshal([]byte(res.Content[0].Text), &envelope); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if envelope.Message != "two items found" {
		t.Errorf("message = %q", envelope.Message)
	}
	if len(envelope.NextSteps) != 1 {
		t.Errorf("nextSteps = %v", envelope.NextSteps)
	}
}

func TestListToolsHiddenAndCollisions(t *testing.T) {
	ctx := context.Background()
	st, _, svc, _ := newFixture(t)

	mustUpsertUser(t, st, &store.User{
		Email:       "alice@example.com",
		HiddenTools: []string{"noisy"},
	})
	mustUpsertTool(t, st, &store.Tool{Name: "noisy", Creator: store.SystemCreator})
	mustUpsertTool(t, st, &store.Tool{Name: "lookup", Creator: store.SystemCreator})
	mustUpsertTool(t, st, &store.Tool{Name: "lookup", Creator: "alice@example.com"})

	listing, err := svc.ListTools(ctx, "alice@example.com")
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	if len(listing.Hidden) != 1 || listing.Hidden[0] != "noisy" {
		t.Errorf("hidden = %v, want [noisy]", listing.Hidden)
	}
	for _, tool := range listing.Tools {
		if tool.Name == "noisy" {
			t.Errorf("hidden tool leaked into the visible list")
		}
	}
	if len(listing.CollisionWarnings) != 1 || !strings.Contains(listing.CollisionWarnings[0], "lookup") {
		t.Errorf("collision warnings = %v", listing.CollisionWarnings)
	}
}

func TestAddToolValidation(t *testing.T) {
	ctx := context.Background()
	_, _, svc, _ := newFixture(t)

	cases := []struct {
		name string
		def  *store.Tool
	}{
		{"missing name", &store.Tool{Handler: store.HandlerRef{Type: "echo"}, InputSchema: mcp.ToolInputSchema{Type: "object"}}},
		{"namespaced name", &store.Tool{Name: "a:b", Handler: store.HandlerRef{Type: "echo"}, InputSchema: mcp.ToolInputSchema{Type: "object"}}},
		{"missing handler", &store.Tool{Name: "t", InputSchema: mcp.ToolInputSchema{Type: "object"}}},
		{"missing schema", &store.Tool{Name: "t", Handler: store.HandlerRef{Type: "echo"}}},
	}
	for _, tc := range cases {
		err := svc.AddTool(ctx, tc.def, "alice@example.com")
		var verr *ValidationError
		if !errors.As(err, &verr) {
			t.Errorf("%s: err = %v, want ValidationError", tc.name, err)
		}
	}
}

func TestAddToolDefaultsCreator(t *testing.T) {
	ctx := context.Background()
	st, _, svc, _ := newFixture(t)

	def := &store.Tool{
		Name:        "anon",
		Handler:     store.HandlerRef{Type: "echo"},
		InputSchema: mcp.ToolInputSchema{Type: "object"},
	}
	if err := svc.AddTool(ctx, def, ""); err != nil {
		t.Fatalf("AddTool: %v", err)
	}
	got, err := st.FindTool(ctx, "anon", store.SystemCreator)
	if err != nil {
		t.Fatalf("tool not stored under the server identity: %v", err)
	}
	if got.Creator != store.SystemCreator {
		t.Errorf("creator = %q", got.Creator)
	}
}

func TestAddToolUpsertIsIdempotent(t *testing.T) {
	ctx := context.Background()
	st, _, svc, _ := newFixture(t)

	def := func(desc string) *store.Tool {
		return &store.Tool{
			Name: "dup", Description: desc,
			Handler:     store.HandlerRef{Type: "echo"},
			InputSchema: mcp.ToolInputSchema{Type: "object"},
		}
	}
	if err := svc.AddTool(ctx, def("v1"), "alice@example.com"); err != nil {
		t.Fatalf("AddTool: %v", err)
	}
	if err := svc.AddTool(ctx, def("v2"), "alice@example.com"); err != nil {
		t.Fatalf("AddTool again: %v", err)
	}
	all, err := st.ListTools(ctx)
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("stored %d tools, want 1", len(all))
	}
	if all[0].Description != "v2" {
		t.Errorf("description = %q, want the later definition", all[0].Description)
	}
}

func TestRemoveToolPurgesHiddenState(t *testing.T) {
	ctx := context.Background()
	st, _, svc, _ := newFixture(t)

	mustUpsertUser(t, st, &store.User{
		Email:       "alice@example.com",
		HiddenTools: []string{"report"},
	})
	mustUpsertTool(t, st, &store.Tool{Name: "report", Creator: store.SystemCreator})

	if err := svc.RemoveTool(ctx, "report", store.SystemCreator); err != nil {
		t.Fatalf("RemoveTool: %v", err)
	}

	// A new tool under the same name must not come up pre-hidden.
	if err := svc.AddTool(ctx, &store.Tool{
		Name:        "report",
		Handler:     store.HandlerRef{Type: "echo"},
		InputSchema: mcp.ToolInputSchema{Type: "object"},
	}, store.SystemCreator); err != nil {
		t.Fatalf("AddTool: %v", err)
	}
	listing, err := svc.ListTools(ctx, "alice@example.com")
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	if len(listing.Hidden) != 0 {
		t.Fatalf("hidden = %v, want the stale entry purged", listing.Hidden)
	}
	found := false
	for _, tool := range listing.Tools {
		if tool.Name == "report" {
			found = true
		}
	}
	if !found {
		t.Fatalf("re-added tool not visible")
	}
}

func TestRemoveToolResolution(t *testing.T) {
	ctx := context.Background()
	st, _, svc, _ := newFixture(t)

	mustUpsertTool(t, st, &store.Tool{Name: "one", Creator: "alice@example.com"})
	mustUpsertTool(t, st, &store.Tool{Name: "two", Creator: "alice@example.com"})
	mustUpsertTool(t, st, &store.Tool{Name: "three", Creator: "alice@example.com"})

	// Explicit creator pair.
	if err := svc.RemoveTool(ctx, "one", "alice@example.com"); err != nil {
		t.Fatalf("remove by pair: %v", err)
	}
	// Namespaced identifier.
	if err := svc.RemoveTool(ctx, "alice@example.com:two", ""); err != nil {
		t.Fatalf("remove by namespaced id: %v", err)
	}
	// Legacy bare name.
	if err := svc.RemoveTool(ctx, "three", ""); err != nil {
		t.Fatalf("remove by bare name: %v", err)
	}

	all, err := st.ListTools(ctx)
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	if len(all) != 0 {
		t.Fatalf("%d tools remain, want 0", len(all))
	}

	if err := svc.RemoveTool(ctx, "gone", ""); !errors.Is(err, ErrToolNotFound) {
		t.Fatalf("remove missing: err = %v, want ErrToolNotFound", err)
	}
}

func TestUpdateToolPartialMerge(t *testing.T) {
	ctx := context.Background()
	st, _, svc, _ := newFixture(t)

	mustUpsertTool(t, st, &store.Tool{
		Name: "editable", Creator: "alice@example.com",
		Description:    "before",
		RolesPermitted: []string{"user"},
	})

	desc := "after"
	updated, err := svc.UpdateTool(ctx, "editable", ToolUpdate{Description: &desc})
	if err != nil {
		t.Fatalf("UpdateTool: %v", err)
	}
	if updated.Description != "after" {
		t.Errorf("description = %q", updated.Description)
	}
	// Untouched fields survive the merge.
	if len(updated.RolesPermitted) != 1 || updated.RolesPermitted[0] != "user" {
		t.Errorf("rolesPermitted = %v, want preserved", updated.RolesPermitted)
	}
	if updated.Handler.Type != "echo" {
		t.Errorf("handler = %q, want preserved", updated.Handler.Type)
	}

	if _, err := svc.UpdateTool(ctx, "missing", ToolUpdate{Description: &desc}); !errors.Is(err, ErrToolNotFound) {
		t.Fatalf("update missing: err = %v, want ErrToolNotFound", err)
	}
}

func TestToolMutationNotificationScope(t *testing.T) {
	ctx := context.Background()
	_, _, svc, notifier := newFixture(t)

	if err := svc.AddTool(ctx, &store.Tool{
		Name:        "mine",
		Handler:     store.HandlerRef{Type: "echo"},
		InputSchema: mcp.ToolInputSchema{Type: "object"},
	}, "alice@example.com"); err != nil {
		t.Fatalf("AddTool: %v", err)
	}
	if err := svc.AddTool(ctx, &store.Tool{
		Name:        "shared",
		Handler:     store.HandlerRef{Type: "echo"},
		InputSchema: mcp.ToolInputSchema{Type: "object"},
	}, store.SystemCreator); err != nil {
		t.Fatalf("AddTool: %v", err)
	}

	if len(notifier.tools) != 2 {
		t.Fatalf("notifications = %v, want 2", notifier.tools)
	}
	if notifier.tools[0] != "alice@example.com" {
		t.Errorf("user mutation notified %q, want the creator", notifier.tools[0])
	}
	if notifier.tools[1] != "" {
		t.Errorf("system mutation notified %q, want a broadcast", notifier.tools[1])
	}
}

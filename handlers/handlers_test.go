package handlers_test

import (
	"context"
	"testing"

	"github.com/scitara-cto/dynamic-mcp-server/authz"
	"github.com/scitara-cto/dynamic-mcp-server/handlers"
	"github.com/scitara-cto/dynamic-mcp-server/mcp"
	"github.com/scitara-cto/dynamic-mcp-server/mcpservice"
	"github.com/scitara-cto/dynamic-mcp-server/registry"
	"github.com/scitara-cto/dynamic-mcp-server/store"
	"github.com/scitara-cto/dynamic-mcp-server/store/memorystore"
)

func testPackage(name string) *handlers.Package {
	return &handlers.Package{
		Name: name,
		ToolFactories: map[string]registry.HandlerFactory{
			name + "/noop": func(config map[string]any) (registry.Handler, error) {
				return func(ctx context.Context, args map[string]any, call registry.CallContext, progress registry.ProgressFunc) (*registry.HandlerOutput, error) {
					return &registry.HandlerOutput{Result: "ok"}, nil
				}, nil
			},
		},
		Tools: []*store.Tool{{
			Name:        name + "-tool",
			InputSchema: mcp.ToolInputSchema{Type: "object"},
			Handler:     store.HandlerRef{Type: name + "/noop"},
		}},
	}
}

func TestInstallReplacesSystemDefinitions(t *testing.T) {
	ctx := context.Background()
	st := memorystore.New()
	reg := registry.New()
	toolSvc := mcpservice.NewToolService(st, st, reg, authz.New(st))
	promptSvc := mcpservice.NewPromptService(st, st, reg)

	// A definition left behind by an older build.
	if err := st.UpsertTool(ctx, &store.Tool{
		Name:        "stale",
		Creator:     store.SystemCreator,
		InputSchema: mcp.ToolInputSchema{Type: "object"},
		Handler:     store.HandlerRef{Type: "gone/handler"},
	}); err != nil {
		t.Fatalf("seed stale tool: %v", err)
	}
	// A user-owned tool must survive the reset.
	if err := st.UpsertTool(ctx, &store.Tool{
		Name:        "keeper",
		Creator:     "alice@example.com",
		InputSchema: mcp.ToolInputSchema{Type: "object"},
		Handler:     store.HandlerRef{Type: "pkg/noop"},
	}); err != nil {
		t.Fatalf("seed user tool: %v", err)
	}

	r := handlers.NewRegistrar(reg, toolSvc, promptSvc, st, st, nil)
	if err := r.Install(ctx, testPackage("pkg")); err != nil {
		t.Fatalf("Install: %v", err)
	}

	all, err := st.ListTools(ctx)
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	byID := make(map[string]bool, len(all))
	for _, tool := range all {
		byID[tool.ID()] = true
	}
	if byID["system:stale"] {
		t.Errorf("stale system tool survived install")
	}
	if !byID["system:pkg-tool"] {
		t.Errorf("package tool missing after install")
	}
	if !byID["alice@example.com:keeper"] {
		t.Errorf("user tool removed by install")
	}

	if _, ok := reg.Factory("pkg/noop"); !ok {
		t.Errorf("factory not registered")
	}
	if _, ok := reg.GetTool("pkg-tool"); !ok {
		t.Errorf("tool not registered in the runtime registry")
	}
}

func TestInstallFailsOnUnknownHandlerType(t *testing.T) {
	ctx := context.Background()
	st := memorystore.New()
	reg := registry.New()
	toolSvc := mcpservice.NewToolService(st, st, reg, authz.New(st))
	promptSvc := mcpservice.NewPromptService(st, st, reg)

	pkg := &handlers.Package{
		Name: "broken",
		Tools: []*store.Tool{{
			Name:        "dangling",
			InputSchema: mcp.ToolInputSchema{Type: "object"},
			Handler:     store.HandlerRef{Type: "broken/missing"},
		}},
	}
	r := handlers.NewRegistrar(reg, toolSvc, promptSvc, st, st, nil)
	if err := r.Install(ctx, pkg); err == nil {
		t.Fatalf("Install succeeded with a tool bound to no factory")
	}
}

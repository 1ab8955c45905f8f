// Package builtin provides the tools and prompts every deployment ships
// with: an echo tool for connectivity checks, a session-info tool exposing
// the caller's identity, and a getting-started prompt.
package builtin

import (
	"context"
	"fmt"

	"github.com/scitara-cto/dynamic-mcp-server/handlers"
	"github.com/scitara-cto/dynamic-mcp-server/mcp"
	"github.com/scitara-cto/dynamic-mcp-server/registry"
	"github.com/scitara-cto/dynamic-mcp-server/store"
)

const (
	HandlerEcho           = "builtin/echo"
	HandlerSessionInfo    = "builtin/session-info"
	HandlerGettingStarted = "builtin/getting-started"
)

type echoArgs struct {
	Message string `json:"message" jsonschema:"description=Text to echo back"`
}

// New returns the built-in handler package. serverName appears in the
// getting-started prompt.
func New(serverName string) *handlers.Package {
	return &handlers.Package{
		Name: "builtin",
		ToolFactories: map[string]registry.HandlerFactory{
			HandlerEcho:        echoFactory,
			HandlerSessionInfo: sessionInfoFactory,
		},
		PromptFactories: map[string]registry.PromptHandlerFactory{
			HandlerGettingStarted: gettingStartedFactory(serverName),
		},
		Tools: []*store.Tool{
			{
				Name:        "echo",
				Description: "Echo a message back. Useful for verifying connectivity.",
				InputSchema: schemaFor(echoArgs{}),
				Annotations: &mcp.ToolAnnotations{ReadOnlyHint: true, IdempotentHint: true},
				Handler:     store.HandlerRef{Type: HandlerEcho},
				// Connectivity checks should work even before a user
				// curates their tool list.
				AlwaysVisible: true,
			},
			{
				Name:        "session-info",
				Description: "Report the identity and client associated with the current session.",
				InputSchema: mcp.ToolInputSchema{Type: "object"},
				Annotations: &mcp.ToolAnnotations{ReadOnlyHint: true},
				Handler:     store.HandlerRef{Type: HandlerSessionInfo},
			},
		},
		Prompts: []*store.Prompt{
			{
				Name:          "getting-started",
				Description:   "Explains what this server offers and how to use its tools.",
				Handler:       store.HandlerRef{Type: HandlerGettingStarted},
				AlwaysVisible: true,
			},
		},
	}
}

func echoFactory(config map[string]any) (registry.Handler, error) {
	return func(ctx context.Context, args map[string]any, call registry.CallContext, progress registry.ProgressFunc) (*registry.HandlerOutput, error) {
		msg, _ := args["message"].(string)
		if msg == "" {
			return nil, fmt.Errorf("message is required")
		}
		return &registry.HandlerOutput{Result: map[string]any{"echo": msg}}, nil
	}, nil
}

func sessionInfoFactory(config map[string]any) (registry.Handler, error) {
	return func(ctx context.Context, args map[string]any, call registry.CallContext, progress registry.ProgressFunc) (*registry.HandlerOutput, error) {
		return &registry.HandlerOutput{
			Result: map[string]any{
				"user":    call.UserEmail,
				"session": call.SessionID,
				"client":  call.ClientIdentity,
			},
			Message:   "Session details for the current connection.",
			NextSteps: []string{"Use tools/list to see everything available to you."},
		}, nil
	}, nil
}

func gettingStartedFactory(serverName string) registry.PromptHandlerFactory {
	return func(config map[string]any) (registry.PromptHandler, error) {
		return func(ctx context.Context, args map[string]string, call registry.CallContext) (*mcp.GetPromptResult, error) {
			text := fmt.Sprintf(
				"Welcome to %s. This server exposes a dynamic set of tools scoped to "+
					"your identity (%s). Start with the 'echo' tool to verify connectivity, "+
					"then list tools to see what you can call. Tools shared with you by other "+
					"users appear alongside the built-ins.",
				serverName, call.UserEmail)
			return &mcp.GetPromptResult{
				Description: "Getting started with " + serverName,
				Messages: []mcp.PromptMessage{{
					Role:    mcp.RoleUser,
					Content: mcp.ContentBlock{Type: "text", Text: text},
				}},
			}, nil
		}, nil
	}
}

package mcpservice

import "context"

// ListChangedNotifier receives list-changed events after tool or prompt
// mutations. An empty userEmail means the change is global and every live
// session should hear about it. The engine implements this over the session
// manager; tests substitute a recorder. Implementations must be best-effort
// and non-blocking from the caller's point of view.
type ListChangedNotifier interface {
	ToolsChanged(ctx context.Context, userEmail string)
	PromptsChanged(ctx context.Context, userEmail string)
}

// NopNotifier discards all change events.
type NopNotifier struct{}

func (NopNotifier) ToolsChanged(ctx context.Context, userEmail string)   {}
func (NopNotifier) PromptsChanged(ctx context.Context, userEmail string) {}

package store

import (
	"context"
	"fmt"
)

// UserTool is a tool together with its computed visibility for one user.
type UserTool struct {
	Tool      *Tool
	Available bool // eligible and not suppressed by the user's hidden list
	Hidden    bool // eligible but suppressed (hidden entry, not AlwaysVisible)
}

// SystemEquivalent reports whether creator names the system itself or the
// serving application. Definitions registered under the server's own
// identity behave exactly like system definitions.
func SystemEquivalent(creator, serverIdentity string) bool {
	return creator == SystemCreator || (serverIdentity != "" && creator == serverIdentity)
}

// eligible reports whether the tool is part of the user's tool set at all:
// owned, shared, role-permitted, or a system built-in. Tools with an empty
// RolesPermitted list are internal and reach only their creator (or
// everyone, when the creator is the system).
func eligible(u *User, t *Tool, serverIdentity string) bool {
	if t.Creator == u.Email {
		return true
	}
	if SystemEquivalent(t.Creator, serverIdentity) {
		return true
	}
	if u.HasGrantFor(t.ID()) {
		return true
	}
	for _, role := range t.RolesPermitted {
		if u.HasRole(role) {
			return true
		}
	}
	return false
}

// GetUserTools computes the user's tool set with available/hidden flags.
// The result enumerates tools in the stable order returned by the tool
// store; callers depending on collision tie-breaks rely on that ordering.
// serverIdentity may be empty when the caller serves no application-owned
// definitions.
func GetUserTools(ctx context.Context, users UserStore, tools ToolStore, email, serverIdentity string) ([]UserTool, error) {
	u, err := users.FindByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("load user %q: %w", email, err)
	}
	all, err := tools.ListTools(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tools: %w", err)
	}

	var out []UserTool
	for _, t := range all {
		if !eligible(u, t, serverIdentity) {
			continue
		}
		hidden := u.HasHidden(t.Name) && !t.AlwaysVisible
		out = append(out, UserTool{Tool: t, Available: !hidden, Hidden: hidden})
	}
	return out, nil
}

// CheckToolAccess reports whether the user's persisted record makes the tool
// reachable (ownership, grant, role, or system creator).
func CheckToolAccess(ctx context.Context, users UserStore, email string, t *Tool, serverIdentity string) (bool, error) {
	u, err := users.FindByEmail(ctx, email)
	if err != nil {
		return false, err
	}
	return eligible(u, t, serverIdentity), nil
}

// GetUserPrompts computes the prompt set visible to the user: owned,
// role-permitted, or system-published. Prompts have no share grants and no
// hidden list; the filter is ownership, always-visible and roles only.
func GetUserPrompts(ctx context.Context, users UserStore, prompts PromptStore, email, serverIdentity string) ([]*Prompt, error) {
	u, err := users.FindByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("load user %q: %w", email, err)
	}
	all, err := prompts.ListPrompts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list prompts: %w", err)
	}

	var out []*Prompt
	for _, p := range all {
		if promptEligible(u, p, serverIdentity) {
			out = append(out, p)
		}
	}
	return out, nil
}

func promptEligible(u *User, p *Prompt, serverIdentity string) bool {
	if p.Creator == u.Email || SystemEquivalent(p.Creator, serverIdentity) || p.AlwaysVisible {
		return true
	}
	for _, role := range p.RolesPermitted {
		if u.HasRole(role) {
			return true
		}
	}
	return false
}

// PurgeHiddenTool removes toolName from the hidden-tool list of every user
// who could previously see the tool: its creator, any user holding one of
// rolesPermitted, and any user holding a share grant for it. Each removal is
// an atomic per-user set operation; the walk itself is best-effort over the
// current user enumeration.
func PurgeHiddenTool(ctx context.Context, users UserStore, toolName, creator, serverIdentity string, rolesPermitted []string) error {
	toolID := creator + NamespaceSeparator + toolName
	all, err := users.ListUsers(ctx)
	if err != nil {
		return fmt.Errorf("list users: %w", err)
	}

	roleSet := make(map[string]struct{}, len(rolesPermitted))
	for _, r := range rolesPermitted {
		roleSet[r] = struct{}{}
	}

	for _, u := range all {
		if !u.HasHidden(toolName) {
			continue
		}
		authorized := u.Email == creator || SystemEquivalent(creator, serverIdentity) || u.HasGrantFor(toolID)
		if !authorized {
			for _, r := range u.Roles {
				if _, ok := roleSet[r]; ok {
					authorized = true
					break
				}
			}
		}
		if !authorized {
			continue
		}
		if err := users.UnhideTool(ctx, u.Email, toolName); err != nil {
			return fmt.Errorf("unhide %q for %q: %w", toolName, u.Email, err)
		}
	}
	return nil
}

// PurgeShareGrants removes any share grant referencing the tool ID from all
// users. Used when a tool is deleted so stale grants do not linger.
func PurgeShareGrants(ctx context.Context, users UserStore, toolID string) error {
	all, err := users.ListUsers(ctx)
	if err != nil {
		return fmt.Errorf("list users: %w", err)
	}
	for _, u := range all {
		if !u.HasGrantFor(toolID) {
			continue
		}
		if err := users.RemoveShareGrant(ctx, u.Email, toolID); err != nil {
			return fmt.Errorf("remove grant %q for %q: %w", toolID, u.Email, err)
		}
	}
	return nil
}

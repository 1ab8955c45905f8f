// Package store defines the persisted data model of the gateway (users,
// tools, prompts) and the repository interfaces backends implement. Two
// implementations exist: memorystore for tests and single-node development,
// and redisstore for durable deployments.
//
// Multi-step mutations on a user's sets (roles, hidden tools, share grants)
// are expressed as dedicated operations so that backends can implement them
// as atomic set-add / set-remove at the storage layer rather than
// read-modify-write at the application layer.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/scitara-cto/dynamic-mcp-server/mcp"
)

// SystemCreator is the sentinel creator identity for built-in tools and
// prompts published by handler packages.
const SystemCreator = "system"

// NamespaceSeparator joins creator and name into a namespaced identifier.
// Tool and prompt names must not contain it.
const NamespaceSeparator = ":"

var (
	ErrUserNotFound   = errors.New("user not found")
	ErrToolNotFound   = errors.New("tool not found")
	ErrPromptNotFound = errors.New("prompt not found")
)

// AccessLevel is the level of access conveyed by a share grant.
type AccessLevel string

const (
	AccessRead  AccessLevel = "read"
	AccessWrite AccessLevel = "write"
)

// ShareGrant records that another user shared a tool with this user.
type ShareGrant struct {
	ToolID      string      `json:"toolId"`
	SharedBy    string      `json:"sharedBy"`
	AccessLevel AccessLevel `json:"accessLevel"`
	SharedAt    time.Time   `json:"sharedAt"`
}

// User is the persisted identity record. Email is the stable unique key.
type User struct {
	Email       string       `json:"email"`
	Name        string       `json:"name,omitempty"`
	Roles       []string     `json:"roles,omitempty"`
	ShareGrants []ShareGrant `json:"shareGrants,omitempty"`
	HiddenTools []string     `json:"hiddenTools,omitempty"`
	APIKey      string       `json:"apiKey,omitempty"`
	CreatedAt   time.Time    `json:"createdAt,omitzero"`
	UpdatedAt   time.Time    `json:"updatedAt,omitzero"`
}

// HasRole reports whether the user carries the given role.
func (u *User) HasRole(role string) bool {
	for _, r := range u.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// HasGrantFor reports whether the user holds a share grant for the tool ID.
func (u *User) HasGrantFor(toolID string) bool {
	for _, g := range u.ShareGrants {
		if g.ToolID == toolID {
			return true
		}
	}
	return false
}

// HasHidden reports whether the user has suppressed the tool name.
func (u *User) HasHidden(toolName string) bool {
	for _, h := range u.HiddenTools {
		if h == toolName {
			return true
		}
	}
	return false
}

// HandlerRef selects a registered handler factory and carries the opaque
// config that factory interprets.
type HandlerRef struct {
	Type   string         `json:"type"`
	Config map[string]any `json:"config,omitempty"`
}

// Tool is the persisted tool definition. Name is unique per creator; the
// namespaced identifier is Creator + ":" + Name.
type Tool struct {
	Name           string               `json:"name"`
	Description    string               `json:"description,omitempty"`
	InputSchema    mcp.ToolInputSchema  `json:"inputSchema"`
	Annotations    *mcp.ToolAnnotations `json:"annotations,omitempty"`
	Handler        HandlerRef           `json:"handler"`
	RolesPermitted []string             `json:"rolesPermitted,omitempty"`
	Creator        string               `json:"creator"`
	AlwaysVisible  bool                 `json:"alwaysVisible,omitempty"`
	// ArgMappings template additional handler arguments from call args,
	// call context and process environment. Leaf string values may contain
	// {{field}} placeholders.
	ArgMappings map[string]any `json:"argMappings,omitempty"`
	CreatedAt   time.Time      `json:"createdAt,omitzero"`
	UpdatedAt   time.Time      `json:"updatedAt,omitzero"`
}

// ID returns the namespaced identifier ("creator:name").
func (t *Tool) ID() string {
	return t.Creator + NamespaceSeparator + t.Name
}

// Prompt is the persisted prompt definition, the structural sibling of Tool.
type Prompt struct {
	Name           string               `json:"name"`
	Description    string               `json:"description,omitempty"`
	Arguments      []mcp.PromptArgument `json:"arguments,omitempty"`
	Handler        HandlerRef           `json:"handler"`
	RolesPermitted []string             `json:"rolesPermitted,omitempty"`
	Creator        string               `json:"creator"`
	AlwaysVisible  bool                 `json:"alwaysVisible,omitempty"`
	CreatedAt      time.Time            `json:"createdAt,omitzero"`
	UpdatedAt      time.Time            `json:"updatedAt,omitzero"`
}

// ID returns the namespaced identifier ("creator:name").
func (p *Prompt) ID() string {
	return p.Creator + NamespaceSeparator + p.Name
}

// SplitNamespaced splits a "creator:name" identifier. ok is false when the
// value carries no separator.
func SplitNamespaced(id string) (creator, name string, ok bool) {
	i := strings.Index(id, NamespaceSeparator)
	if i < 0 {
		return "", id, false
	}
	return id[:i], id[i+len(NamespaceSeparator):], true
}

// UserStore persists User records. Set mutations (roles, hidden tools,
// grants) are atomic per user document.
type UserStore interface {
	FindByEmail(ctx context.Context, email string) (*User, error)
	UpsertUser(ctx context.Context, u *User) error
	DeleteUser(ctx context.Context, email string) error
	ListUsers(ctx context.Context) ([]*User, error)

	AddRole(ctx context.Context, email, role string) error
	RemoveRole(ctx context.Context, email, role string) error
	AddShareGrant(ctx context.Context, email string, grant ShareGrant) error
	RemoveShareGrant(ctx context.Context, email, toolID string) error
	HideTool(ctx context.Context, email, toolName string) error
	UnhideTool(ctx context.Context, email, toolName string) error
}

// ToolStore persists Tool records keyed by (name, creator).
type ToolStore interface {
	FindTool(ctx context.Context, name, creator string) (*Tool, error)
	UpsertTool(ctx context.Context, t *Tool) error
	DeleteTool(ctx context.Context, name, creator string) error
	DeleteToolsByCreator(ctx context.Context, creator string) (int, error)
	ListTools(ctx context.Context) ([]*Tool, error)
}

// PromptStore persists Prompt records keyed by (name, creator).
type PromptStore interface {
	FindPrompt(ctx context.Context, name, creator string) (*Prompt, error)
	UpsertPrompt(ctx context.Context, p *Prompt) error
	DeletePrompt(ctx context.Context, name, creator string) error
	DeletePromptsByCreator(ctx context.Context, creator string) (int, error)
	ListPrompts(ctx context.Context) ([]*Prompt, error)
}

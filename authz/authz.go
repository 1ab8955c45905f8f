// Package authz decides whether a user may call a tool, and records every
// decision on an audit trail. The audit record is a required side effect:
// it is the only forensic record of authorization decisions.
package authz

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/scitara-cto/dynamic-mcp-server/store"
)

// Decision is the outcome of one authorization check. Reason is the
// user-facing denial message when Authorized is false; callers return it
// verbatim rather than raising.
type Decision struct {
	Authorized bool
	Reason     string
}

// Authorizer evaluates tool-call access against persisted user and tool
// records.
type Authorizer struct {
	users store.UserStore
	audit AuditSink
	log   *slog.Logger
	// serverIdentity is the serving application's own name. Tools created
	// under it are treated like system tools.
	serverIdentity string
}

// Option configures an Authorizer.
type Option func(*Authorizer)

func WithLogger(log *slog.Logger) Option {
	return func(a *Authorizer) { a.log = log }
}

func WithAuditSink(sink AuditSink) Option {
	return func(a *Authorizer) { a.audit = sink }
}

// WithServerIdentity sets the application identity treated equivalently to
// the system creator.
func WithServerIdentity(name string) Option {
	return func(a *Authorizer) { a.serverIdentity = name }
}

func New(users store.UserStore, opts ...Option) *Authorizer {
	a := &Authorizer{
		users: users,
		log:   slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.audit == nil {
		a.audit = NewSlogSink(a.log)
	}
	return a
}

// Authorize decides whether email may call the tool. The returned error is
// non-nil only for persistence failures; every allow/deny outcome, with its
// specific reason, is emitted to the audit trail before returning.
func (a *Authorizer) Authorize(ctx context.Context, email string, tool *store.Tool) (Decision, error) {
	if email == "" {
		return a.deny(ctx, email, tool, "Access denied: no session identity"), nil
	}

	u, err := a.users.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			return a.deny(ctx, email, tool, fmt.Sprintf("Access denied: user %s is not registered", email)), nil
		}
		return Decision{}, fmt.Errorf("load user %q: %w", email, err)
	}

	if a.permitted(u, tool) {
		a.audit.Record(ctx, Event{
			Type:        EventToolCallAuthorization,
			UserEmail:   email,
			ToolName:    tool.Name,
			ToolCreator: tool.Creator,
			Status:      StatusAllowed,
		})
		return Decision{Authorized: true}, nil
	}

	return a.deny(ctx, email, tool, fmt.Sprintf("Access denied: you are not authorized to use tool %q", tool.Name)), nil
}

// permitted applies the combined access check: share grant, role
// intersection, ownership, or a system-owned tool.
func (a *Authorizer) permitted(u *store.User, tool *store.Tool) bool {
	if tool.Creator == u.Email {
		return true
	}
	if tool.Creator == store.SystemCreator || (a.serverIdentity != "" && tool.Creator == a.serverIdentity) {
		return true
	}
	if u.HasGrantFor(tool.ID()) {
		return true
	}
	for _, role := range tool.RolesPermitted {
		if u.HasRole(role) {
			return true
		}
	}
	return false
}

func (a *Authorizer) deny(ctx context.Context, email string, tool *store.Tool, reason string) Decision {
	a.audit.Record(ctx, Event{
		Type:        EventToolCallAuthorization,
		UserEmail:   email,
		ToolName:    tool.Name,
		ToolCreator: tool.Creator,
		Status:      StatusDenied,
		Reason:      reason,
	})
	return Decision{Authorized: false, Reason: reason}
}

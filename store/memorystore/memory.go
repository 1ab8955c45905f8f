// Package memorystore provides in-memory implementations of the store
// repositories. Suitable for tests and single-node development; state does
// not survive a restart.
package memorystore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/scitara-cto/dynamic-mcp-server/store"
)

// Store implements store.UserStore, store.ToolStore and store.PromptStore
// over process memory. All mutations happen under one mutex, which gives the
// same atomicity the Redis backend gets from single-key set operations.
type Store struct {
	mu      sync.RWMutex
	users   map[string]*store.User   // email
	tools   map[string]*store.Tool   // creator:name
	prompts map[string]*store.Prompt // creator:name
}

func New() *Store {
	return &Store{
		users:   make(map[string]*store.User),
		tools:   make(map[string]*store.Tool),
		prompts: make(map[string]*store.Prompt),
	}
}

// --- Users ---

func (s *Store) FindByEmail(ctx context.Context, email string) (*store.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[email]
	if !ok {
		return nil, fmt.Errorf("%w: %s", store.ErrUserNotFound, email)
	}
	return copyUser(u), nil
}

func (s *Store) UpsertUser(ctx context.Context, u *store.User) error {
	if u.Email == "" {
		return fmt.Errorf("user email is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := copyUser(u)
	now := time.Now()
	if prev, ok := s.users[u.Email]; ok {
		cp.CreatedAt = prev.CreatedAt
	} else if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	s.users[u.Email] = cp
	return nil
}

func (s *Store) DeleteUser(ctx context.Context, email string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[email]; !ok {
		return fmt.Errorf("%w: %s", store.ErrUserNotFound, email)
	}
	delete(s.users, email)
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]*store.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*store.User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, copyUser(u))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Email < out[j].Email })
	return out, nil
}

func (s *Store) AddRole(ctx context.Context, email, role string) error {
	return s.mutateUser(email, func(u *store.User) {
		if !u.HasRole(role) {
			u.Roles = append(u.Roles, role)
		}
	})
}

func (s *Store) RemoveRole(ctx context.Context, email, role string) error {
	return s.mutateUser(email, func(u *store.User) {
		u.Roles = removeString(u.Roles, role)
	})
}

func (s *Store) AddShareGrant(ctx context.Context, email string, grant store.ShareGrant) error {
	return s.mutateUser(email, func(u *store.User) {
		for i, g := range u.ShareGrants {
			if g.ToolID == grant.ToolID {
				u.ShareGrants[i] = grant
				return
			}
		}
		u.ShareGrants = append(u.ShareGrants, grant)
	})
}

func (s *Store) RemoveShareGrant(ctx context.Context, email, toolID string) error {
	return s.mutateUser(email, func(u *store.User) {
		kept := u.ShareGrants[:0]
		for _, g := range u.ShareGrants {
			if g.ToolID != toolID {
				kept = append(kept, g)
			}
		}
		u.ShareGrants = kept
	})
}

func (s *Store) HideTool(ctx context.Context, email, toolName string) error {
	return s.mutateUser(email, func(u *store.User) {
		if !u.HasHidden(toolName) {
			u.HiddenTools = append(u.HiddenTools, toolName)
		}
	})
}

func (s *Store) UnhideTool(ctx context.Context, email, toolName string) error {
	return s.mutateUser(email, func(u *store.User) {
		u.HiddenTools = removeString(u.HiddenTools, toolName)
	})
}

func (s *Store) mutateUser(email string, fn func(*store.User)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[email]
	if !ok {
		return fmt.Errorf("%w: %s", store.ErrUserNotFound, email)
	}
	fn(u)
	u.UpdatedAt = time.Now()
	return nil
}

// --- Tools ---

func (s *Store) FindTool(ctx context.Context, name, creator string) (*store.Tool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tools[creator+store.NamespaceSeparator+name]
	if !ok {
		return nil, fmt.Errorf("%w: %s%s%s", store.ErrToolNotFound, creator, store.NamespaceSeparator, name)
	}
	return copyTool(t), nil
}

func (s *Store) UpsertTool(ctx context.Context, t *store.Tool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := copyTool(t)
	now := time.Now()
	if prev, ok := s.tools[cp.ID()]; ok {
		cp.CreatedAt = prev.CreatedAt
	} else if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	s.tools[cp.ID()] = cp
	return nil
}

func (s *Store) DeleteTool(ctx context.Context, name, creator string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := creator + store.NamespaceSeparator + name
	if _, ok := s.tools[id]; !ok {
		return fmt.Errorf("%w: %s", store.ErrToolNotFound, id)
	}
	delete(s.tools, id)
	return nil
}

func (s *Store) DeleteToolsByCreator(ctx context.Context, creator string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, t := range s.tools {
		if t.Creator == creator {
			delete(s.tools, id)
			n++
		}
	}
	return n, nil
}

func (s *Store) ListTools(ctx context.Context) ([]*store.Tool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*store.Tool, 0, len(s.tools))
	for _, t := range s.tools {
		out = append(out, copyTool(t))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID() < out[j].ID()
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// --- Prompts ---

func (s *Store) FindPrompt(ctx context.Context, name, creator string) (*store.Prompt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.prompts[creator+store.NamespaceSeparator+name]
	if !ok {
		return nil, fmt.Errorf("%w: %s%s%s", store.ErrPromptNotFound, creator, store.NamespaceSeparator, name)
	}
	return copyPrompt(p), nil
}

func (s *Store) UpsertPrompt(ctx context.Context, p *store.Prompt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := copyPrompt(p)
	now := time.Now()
	if prev, ok := s.prompts[cp.ID()]; ok {
		cp.CreatedAt = prev.CreatedAt
	} else if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	s.prompts[cp.ID()] = cp
	return nil
}

func (s *Store) DeletePrompt(ctx context.Context, name, creator string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := creator + store.NamespaceSeparator + name
	if _, ok := s.prompts[id]; !ok {
		return fmt.Errorf("%w: %s", store.ErrPromptNotFound, id)
	}
	delete(s.prompts, id)
	return nil
}

func (s *Store) DeletePromptsByCreator(ctx context.Context, creator string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, p := range s.prompts {
		if p.Creator == creator {
			delete(s.prompts, id)
			n++
		}
	}
	return n, nil
}

func (s *Store) ListPrompts(ctx context.Context) ([]*store.Prompt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*store.Prompt, 0, len(s.prompts))
	for _, p := range s.prompts {
		out = append(out, copyPrompt(p))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID() < out[j].ID()
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// --- Copy helpers ---

func copyUser(u *store.User) *store.User {
	cp := *u
	cp.Roles = append([]string(nil), u.Roles...)
	cp.ShareGrants = append([]store.ShareGrant(nil), u.ShareGrants...)
	cp.HiddenTools = append([]string(nil), u.HiddenTools...)
	return &cp
}

func copyTool(t *store.Tool) *store.Tool {
	cp := *t
	cp.RolesPermitted = append([]string(nil), t.RolesPermitted...)
	if t.Annotations != nil {
		ann := *t.Annotations
		cp.Annotations = &ann
	}
	if t.Handler.Config != nil {
		cp.Handler.Config = copyMap(t.Handler.Config)
	}
	if t.ArgMappings != nil {
		cp.ArgMappings = copyMap(t.ArgMappings)
	}
	return &cp
}

func copyPrompt(p *store.Prompt) *store.Prompt {
	cp := *p
	cp.RolesPermitted = append([]string(nil), p.RolesPermitted...)
	cp.Arguments = append(cp.Arguments[:0:0], p.Arguments...)
	if p.Handler.Config != nil {
		cp.Handler.Config = copyMap(p.Handler.Config)
	}
	return &cp
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if nested, ok := v.(map[string]any); ok {
			out[k] = copyMap(nested)
			continue
		}
		out[k] = v
	}
	return out
}

func removeString(list []string, v string) []string {
	kept := list[:0]
	for _, s := range list {
		if s != v {
			kept = append(kept, s)
		}
	}
	return kept
}

// Compile-time interface checks
var (
	_ store.UserStore   = (*Store)(nil)
	_ store.ToolStore   = (*Store)(nil)
	_ store.PromptStore = (*Store)(nil)
)

// Package redisstore implements the store repositories on Redis. Scalar
// fields live as JSON values; the per-user sets (roles, hidden tools, share
// grants) live as native Redis sets and hashes so that AddRole, HideTool,
// AddShareGrant and friends are single atomic commands rather than
// read-modify-write cycles.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/scitara-cto/dynamic-mcp-server/store"
)

// Config for the Redis-backed store. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: STORE_KEY_PREFIX
	KeyPrefix string `env:"STORE_KEY_PREFIX,default=dmcp:store:"`
}

type Store struct {
	client    *redis.Client
	keyPrefix string
}

func New(cfg Config) (*Store, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "dmcp:store:"
	}
	return &Store{client: cl, keyPrefix: prefix}, nil
}

// NewFromEnv builds a Store using envdecode to populate Config.
func NewFromEnv() (*Store, error) {
	var cfg Config
	_ = envdecode.Decode(&cfg)
	return New(cfg)
}

// NewWithClient wraps an existing client; used by tests.
func NewWithClient(cl *redis.Client, keyPrefix string) *Store {
	if keyPrefix == "" {
		keyPrefix = "dmcp:store:"
	}
	return &Store{client: cl, keyPrefix: keyPrefix}
}

// Close closes the Redis client.
func (s *Store) Close() error { return s.client.Close() }

// --- Key helpers ---

func (s *Store) userKey(email string) string   { return s.keyPrefix + "user:" + email }
func (s *Store) rolesKey(email string) string  { return s.keyPrefix + "user:" + email + ":roles" }
func (s *Store) hiddenKey(email string) string { return s.keyPrefix + "user:" + email + ":hidden" }
func (s *Store) grantsKey(email string) string { return s.keyPrefix + "user:" + email + ":grants" }
func (s *Store) usersIndexKey() string         { return s.keyPrefix + "users" }
func (s *Store) toolKey(id string) string      { return s.keyPrefix + "tool:" + id }
func (s *Store) toolsIndexKey() string         { return s.keyPrefix + "tools" }
func (s *Store) promptKey(id string) string    { return s.keyPrefix + "prompt:" + id }
func (s *Store) promptsIndexKey() string       { return s.keyPrefix + "prompts" }

// userDoc is the scalar portion of a User as stored in Redis. The set-typed
// fields live in their own keys.
type userDoc struct {
	Email     string    `json:"email"`
	Name      string    `json:"name,omitempty"`
	APIKey    string    `json:"apiKey,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// --- Users ---

func (s *Store) FindByEmail(ctx context.Context, email string) (*store.User, error) {
	raw, err := s.client.Get(ctx, s.userKey(email)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %s", store.ErrUserNotFound, email)
		}
		return nil, fmt.Errorf("get user %q: %w", email, err)
	}
	var doc userDoc
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("decode user %q: %w", email, err)
	}

	roles, err := s.client.SMembers(ctx, s.rolesKey(email)).Result()
	if err != nil {
		return nil, fmt.Errorf("roles for %q: %w", email, err)
	}
	hidden, err := s.client.SMembers(ctx, s.hiddenKey(email)).Result()
	if err != nil {
		return nil, fmt.Errorf("hidden tools for %q: %w", email, err)
	}
	rawGrants, err := s.client.HGetAll(ctx, s.grantsKey(email)).Result()
	if err != nil {
		return nil, fmt.Errorf("grants for %q: %w", email, err)
	}
	grants := make([]store.ShareGrant, 0, len(rawGrants))
	for _, v := range rawGrants {
		var g store.ShareGrant
		if err := json.Unmarshal([]byte(v), &g); err != nil {
			return nil, fmt.Errorf("decode grant for %q: %w", email, err)
		}
		grants = append(grants, g)
	}

	return &store.User{
		Email:       doc.Email,
		Name:        doc.Name,
		Roles:       roles,
		ShareGrants: grants,
		HiddenTools: hidden,
		APIKey:      doc.APIKey,
		CreatedAt:   doc.CreatedAt,
		UpdatedAt:   doc.UpdatedAt,
	}, nil
}

func (s *Store) UpsertUser(ctx context.Context, u *store.User) error {
	if u.Email == "" {
		return fmt.Errorf("user email is required")
	}
	now := time.Now()
	doc := userDoc{Email: u.Email, Name: u.Name, APIKey: u.APIKey, CreatedAt: u.CreatedAt, UpdatedAt: now}
	if prev, err := s.FindByEmail(ctx, u.Email); err == nil {
		doc.CreatedAt = prev.CreatedAt
	} else if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode user %q: %w", u.Email, err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.userKey(u.Email), body, 0)
	pipe.SAdd(ctx, s.usersIndexKey(), u.Email)
	pipe.Del(ctx, s.rolesKey(u.Email), s.hiddenKey(u.Email), s.grantsKey(u.Email))
	if len(u.Roles) > 0 {
		pipe.SAdd(ctx, s.rolesKey(u.Email), toAnySlice(u.Roles)...)
	}
	if len(u.HiddenTools) > 0 {
		pipe.SAdd(ctx, s.hiddenKey(u.Email), toAnySlice(u.HiddenTools)...)
	}
	for _, g := range u.ShareGrants {
		gb, err := json.Marshal(g)
		if err != nil {
			return fmt.Errorf("encode grant: %w", err)
		}
		pipe.HSet(ctx, s.grantsKey(u.Email), g.ToolID, gb)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("upsert user %q: %w", u.Email, err)
	}
	return nil
}

func (s *Store) DeleteUser(ctx context.Context, email string) error {
	n, err := s.client.Del(ctx, s.userKey(email), s.rolesKey(email), s.hiddenKey(email), s.grantsKey(email)).Result()
	if err != nil {
		return fmt.Errorf("delete user %q: %w", email, err)
	}
	_ = s.client.SRem(ctx, s.usersIndexKey(), email).Err()
	if n == 0 {
		return fmt.Errorf("%w: %s", store.ErrUserNotFound, email)
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]*store.User, error) {
	emails, err := s.client.SMembers(ctx, s.usersIndexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	out := make([]*store.User, 0, len(emails))
	for _, email := range emails {
		u, err := s.FindByEmail(ctx, email)
		if err != nil {
			if errors.Is(err, store.ErrUserNotFound) {
				// Index entry outlived the document; drop it.
				_ = s.client.SRem(ctx, s.usersIndexKey(), email).Err()
				continue
			}
			return nil, err
		}
		out = append(out, u)
	}
	return out, nil
}

func (s *Store) AddRole(ctx context.Context, email, role string) error {
	if err := s.requireUser(ctx, email); err != nil {
		return err
	}
	return s.client.SAdd(ctx, s.rolesKey(email), role).Err()
}

func (s *Store) RemoveRole(ctx context.Context, email, role string) error {
	if err := s.requireUser(ctx, email); err != nil {
		return err
	}
	return s.client.SRem(ctx, s.rolesKey(email), role).Err()
}

func (s *Store) AddShareGrant(ctx context.Context, email string, grant store.ShareGrant) error {
	if err := s.requireUser(ctx, email); err != nil {
		return err
	}
	gb, err := json.Marshal(grant)
	if err != nil {
		return fmt.Errorf("encode grant: %w", err)
	}
	return s.client.HSet(ctx, s.grantsKey(email), grant.ToolID, gb).Err()
}

func (s *Store) RemoveShareGrant(ctx context.Context, email, toolID string) error {
	if err := s.requireUser(ctx, email); err != nil {
		return err
	}
	return s.client.HDel(ctx, s.grantsKey(email), toolID).Err()
}

func (s *Store) HideTool(ctx context.Context, email, toolName string) error {
	if err := s.requireUser(ctx, email); err != nil {
		return err
	}
	return s.client.SAdd(ctx, s.hiddenKey(email), toolName).Err()
}

func (s *Store) UnhideTool(ctx context.Context, email, toolName string) error {
	if err := s.requireUser(ctx, email); err != nil {
		return err
	}
	return s.client.SRem(ctx, s.hiddenKey(email), toolName).Err()
}

func (s *Store) requireUser(ctx context.Context, email string) error {
	n, err := s.client.Exists(ctx, s.userKey(email)).Result()
	if err != nil {
		return fmt.Errorf("check user %q: %w", email, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", store.ErrUserNotFound, email)
	}
	return nil
}

// --- Tools ---

func (s *Store) FindTool(ctx context.Context, name, creator string) (*store.Tool, error) {
	id := creator + store.NamespaceSeparator + name
	raw, err := s.client.Get(ctx, s.toolKey(id)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %s", store.ErrToolNotFound, id)
		}
		return nil, fmt.Errorf("get tool %q: %w", id, err)
	}
	var t store.Tool
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		return nil, fmt.Errorf("decode tool %q: %w", id, err)
	}
	return &t, nil
}

func (s *Store) UpsertTool(ctx context.Context, t *store.Tool) error {
	cp := *t
	now := time.Now()
	if prev, err := s.FindTool(ctx, t.Name, t.Creator); err == nil {
		cp.CreatedAt = prev.CreatedAt
	} else if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	body, err := json.Marshal(&cp)
	if err != nil {
		return fmt.Errorf("encode tool %q: %w", cp.ID(), err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.toolKey(cp.ID()), body, 0)
	pipe.SAdd(ctx, s.toolsIndexKey(), cp.ID())
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("upsert tool %q: %w", cp.ID(), err)
	}
	return nil
}

func (s *Store) DeleteTool(ctx context.Context, name, creator string) error {
	id := creator + store.NamespaceSeparator + name
	n, err := s.client.Del(ctx, s.toolKey(id)).Result()
	if err != nil {
		return fmt.Errorf("delete tool %q: %w", id, err)
	}
	_ = s.client.SRem(ctx, s.toolsIndexKey(), id).Err()
	if n == 0 {
		return fmt.Errorf("%w: %s", store.ErrToolNotFound, id)
	}
	return nil
}

func (s *Store) DeleteToolsByCreator(ctx context.Context, creator string) (int, error) {
	ids, err := s.client.SMembers(ctx, s.toolsIndexKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("list tool ids: %w", err)
	}
	n := 0
	prefix := creator + store.NamespaceSeparator
	for _, id := range ids {
		if len(id) <= len(prefix) || id[:len(prefix)] != prefix {
			continue
		}
		if err := s.client.Del(ctx, s.toolKey(id)).Err(); err != nil {
			return n, fmt.Errorf("delete tool %q: %w", id, err)
		}
		_ = s.client.SRem(ctx, s.toolsIndexKey(), id).Err()
		n++
	}
	return n, nil
}

func (s *Store) ListTools(ctx context.Context) ([]*store.Tool, error) {
	ids, err := s.client.SMembers(ctx, s.toolsIndexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list tool ids: %w", err)
	}
	out := make([]*store.Tool, 0, len(ids))
	for _, id := range ids {
		raw, err := s.client.Get(ctx, s.toolKey(id)).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				_ = s.client.SRem(ctx, s.toolsIndexKey(), id).Err()
				continue
			}
			return nil, fmt.Errorf("get tool %q: %w", id, err)
		}
		var t store.Tool
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			return nil, fmt.Errorf("decode tool %q: %w", id, err)
		}
		out = append(out, &t)
	}
	sortToolsByCreation(out)
	return out, nil
}

// --- Prompts ---

func (s *Store) FindPrompt(ctx context.Context, name, creator string) (*store.Prompt, error) {
	id := creator + store.NamespaceSeparator + name
	raw, err := s.client.Get(ctx, s.promptKey(id)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %s", store.ErrPromptNotFound, id)
		}
		return nil, fmt.Errorf("get prompt %q: %w", id, err)
	}
	var p store.Prompt
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("decode prompt %q: %w", id, err)
	}
	return &p, nil
}

func (s *Store) UpsertPrompt(ctx context.Context, p *store.Prompt) error {
	cp := *p
	now := time.Now()
	if prev, err := s.FindPrompt(ctx, p.Name, p.Creator); err == nil {
		cp.CreatedAt = prev.CreatedAt
	} else if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	body, err := json.Marshal(&cp)
	if err != nil {
		return fmt.Errorf("encode prompt %q: %w", cp.ID(), err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.promptKey(cp.ID()), body, 0)
	pipe.SAdd(ctx, s.promptsIndexKey(), cp.ID())
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("upsert prompt %q: %w", cp.ID(), err)
	}
	return nil
}

func (s *Store) DeletePrompt(ctx context.Context, name, creator string) error {
	id := creator + store.NamespaceSeparator + name
	n, err := s.client.Del(ctx, s.promptKey(id)).Result()
	if err != nil {
		return fmt.Errorf("delete prompt %q: %w", id, err)
	}
	_ = s.client.SRem(ctx, s.promptsIndexKey(), id).Err()
	if n == 0 {
		return fmt.Errorf("%w: %s", store.ErrPromptNotFound, id)
	}
	return nil
}

func (s *Store) DeletePromptsByCreator(ctx context.Context, creator string) (int, error) {
	ids, err := s.client.SMembers(ctx, s.promptsIndexKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("list prompt ids: %w", err)
	}
	n := 0
	prefix := creator + store.NamespaceSeparator
	for _, id := range ids {
		if len(id) <= len(prefix) || id[:len(prefix)] != prefix {
			continue
		}
		if err := s.client.Del(ctx, s.promptKey(id)).Err(); err != nil {
			return n, fmt.Errorf("delete prompt %q: %w", id, err)
		}
		_ = s.client.SRem(ctx, s.promptsIndexKey(), id).Err()
		n++
	}
	return n, nil
}

func (s *Store) ListPrompts(ctx context.Context) ([]*store.Prompt, error) {
	ids, err := s.client.SMembers(ctx, s.promptsIndexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list prompt ids: %w", err)
	}
	out := make([]*store.Prompt, 0, len(ids))
	for _, id := range ids {
		raw, err := s.client.Get(ctx, s.promptKey(id)).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				_ = s.client.SRem(ctx, s.promptsIndexKey(), id).Err()
				continue
			}
			return nil, fmt.Errorf("get prompt %q: %w", id, err)
		}
		var p store.Prompt
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return nil, fmt.Errorf("decode prompt %q: %w", id, err)
		}
		out = append(out, &p)
	}
	sortPromptsByCreation(out)
	return out, nil
}

// --- Helpers ---

func toAnySlice(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func sortToolsByCreation(ts []*store.Tool) {
	sort.Slice(ts, func(i, j int) bool {
		if ts[i].CreatedAt.Equal(ts[j].CreatedAt) {
			return ts[i].ID() < ts[j].ID()
		}
		return ts[i].CreatedAt.Before(ts[j].CreatedAt)
	})
}

func sortPromptsByCreation(ps []*store.Prompt) {
	sort.Slice(ps, func(i, j int) bool {
		if ps[i].CreatedAt.Equal(ps[j].CreatedAt) {
			return ps[i].ID() < ps[j].ID()
		}
		return ps[i].CreatedAt.Before(ps[j].CreatedAt)
	})
}

// Compile-time interface checks
var (
	_ store.UserStore   = (*Store)(nil)
	_ store.ToolStore   = (*Store)(nil)
	_ store.PromptStore = (*Store)(nil)
)

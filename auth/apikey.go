package auth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"

	"github.com/scitara-cto/dynamic-mcp-server/store"
)

// APIKeyAuthenticator authenticates bearer credentials against the API keys
// stored on user records. Intended for service accounts and local
// development; production deployments should prefer a JWT authenticator.
type APIKeyAuthenticator struct {
	users store.UserStore
}

func NewAPIKeyAuthenticator(users store.UserStore) *APIKeyAuthenticator {
	return &APIKeyAuthenticator{users: users}
}

var _ Authenticator = (*APIKeyAuthenticator)(nil)

func (a *APIKeyAuthenticator) CheckAuthentication(ctx context.Context, tok string) (UserInfo, error) {
	if tok == "" {
		return nil, fmt.Errorf("%w: empty credential", ErrUnauthorized)
	}
	all, err := a.users.ListUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	for _, u := range all {
		if u.APIKey == "" {
			continue
		}
		if subtle.ConstantTimeCompare([]byte(u.APIKey), []byte(tok)) == 1 {
			return &apiKeyUser{user: u}, nil
		}
	}
	return nil, fmt.Errorf("%w: unknown api key", ErrUnauthorized)
}

type apiKeyUser struct {
	user *store.User
}

func (u *apiKeyUser) UserID() string { return u.user.Email }
func (u *apiKeyUser) Email() string  { return u.user.Email }

func (u *apiKeyUser) Claims(ref any) error {
	b, err := json.Marshal(map[string]any{
		"email": u.user.Email,
		"name":  u.user.Name,
		"roles": u.user.Roles,
	})
	if err != nil {
		return err
	}
	return json.Unmarshal(b, ref)
}

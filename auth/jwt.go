package auth

import (
	"context"
	"errors"
	"time"

	"github.com/scitara-cto/dynamic-mcp-server/internal/jwtauth"
)

// JWTOption configures optional aspects of the JWT authenticators.
type JWTOption func(*jwtauth.Config)

// WithAllowedAlgs restricts allowed JWS algorithms. "none" is never
// allowed. Defaults to ["RS256"].
func WithAllowedAlgs(algs ...string) JWTOption {
	return func(c *jwtauth.Config) {
		c.AllowedAlgs = append([]string(nil), algs...)
	}
}

// WithLeeway sets clock skew tolerance for time-based claims.
func WithLeeway(d time.Duration) JWTOption {
	return func(c *jwtauth.Config) { c.Leeway = d }
}

// WithEmailClaim overrides the claim the user's email is read from.
func WithEmailClaim(claim string) JWTOption {
	return func(c *jwtauth.Config) { c.EmailClaim = claim }
}

// NewJWTFromDiscovery returns an Authenticator that verifies JWT bearer
// tokens using metadata obtained via OpenID Connect discovery.
//
// Required:
//   - issuer:   authorization server issuer URL
//   - audience: expected "aud" claim, typically this deployment's public
//     endpoint URL
func NewJWTFromDiscovery(ctx context.Context, issuer, audience string, opts ...JWTOption) (Authenticator, error) {
	if audience == "" {
		return nil, errors.New("audience is required")
	}
	cfg := jwtauth.DefaultConfig()
	cfg.Issuer = issuer
	cfg.ExpectedAudiences = []string{audience}
	for _, opt := range opts {
		opt(cfg)
	}
	internal, err := jwtauth.NewFromDiscovery(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &jwtAdapter{a: internal}, nil
}

// NewStaticJWT returns an Authenticator that verifies JWT bearer tokens
// against an explicitly configured JWKS URI, with no discovery round trip.
func NewStaticJWT(ctx context.Context, issuer, audience, jwksURI string, opts ...JWTOption) (Authenticator, error) {
	if audience == "" {
		return nil, errors.New("audience is required")
	}
	cfg := jwtauth.DefaultConfig()
	cfg.Issuer = issuer
	cfg.ExpectedAudiences = []string{audience}
	for _, opt := range opts {
		opt(cfg)
	}
	internal, err := jwtauth.NewStatic(ctx, cfg, jwksURI)
	if err != nil {
		return nil, err
	}
	return &jwtAdapter{a: internal}, nil
}

// jwtAdapter maps the internal sentinel errors onto this package's public
// ones.
type jwtAdapter struct {
	a jwtauth.Authenticator
}

func (ad *jwtAdapter) CheckAuthentication(ctx context.Context, tok string) (UserInfo, error) {
	ui, err := ad.a.CheckAuthentication(ctx, tok)
	if err != nil {
		if errors.Is(err, jwtauth.ErrNoIdentity) {
			return nil, errors.Join(ErrNoIdentity, err)
		}
		return nil, errors.Join(ErrUnauthorized, err)
	}
	return jwtUser{ui: ui}, nil
}

type jwtUser struct{ ui jwtauth.UserInfo }

func (u jwtUser) UserID() string       { return u.ui.UserID() }
func (u jwtUser) Email() string        { return u.ui.Email() }
func (u jwtUser) Claims(ref any) error { return u.ui.Claims(ref) }

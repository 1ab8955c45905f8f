// Package jwtauth validates JWT bearer tokens against either a statically
// configured JWKS endpoint or one learned through OIDC discovery. Validated
// tokens yield the caller's email, which is the identity every downstream
// authorization decision keys on.
package jwtauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthorized indicates the token failed validation (signature, issuer,
// audience, expiry).
var ErrUnauthorized = errors.New("jwtauth: unauthorized")

// ErrNoIdentity indicates a valid token that carries no email claim; the
// gateway cannot attribute the session to a user without one.
var ErrNoIdentity = errors.New("jwtauth: token carries no email identity")

// Config controls validation behavior for bearer tokens.
type Config struct {
	Issuer string
	// ExpectedAudiences accepts a token when any of its audiences matches.
	// The first entry should be the public endpoint URL of this deployment.
	ExpectedAudiences []string
	AllowedAlgs       []string
	Leeway            time.Duration
	// EmailClaim names the claim carrying the user's email. Defaults to
	// "email".
	EmailClaim string
}

// DefaultConfig returns a Config with safe algorithm and leeway defaults.
func DefaultConfig() *Config {
	return &Config{
		AllowedAlgs: []string{"RS256"},
		Leeway:      60 * time.Second,
		EmailClaim:  "email",
	}
}

func (c *Config) fillDefaults() {
	if len(c.AllowedAlgs) == 0 {
		c.AllowedAlgs = []string{"RS256"}
	}
	if c.Leeway == 0 {
		c.Leeway = 60 * time.Second
	}
	if c.EmailClaim == "" {
		c.EmailClaim = "email"
	}
}

// UserInfo carries the identity extracted from a validated token.
type UserInfo interface {
	// UserID returns the token subject.
	UserID() string
	// Email returns the email identity the gateway keys on.
	Email() string
	// Claims unmarshals the token's claims into the provided struct.
	Claims(ref any) error
}

type userInfo struct {
	sub    string
	email  string
	claims map[string]any
}

func (u *userInfo) UserID() string { return u.sub }
func (u *userInfo) Email() string  { return u.email }
func (u *userInfo) Claims(ref any) error {
	b, err := json.Marshal(u.claims)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, ref)
}

// Authenticator validates bearer tokens. Implementations must perform
// signature, issuer, audience and time validation.
type Authenticator interface {
	CheckAuthentication(ctx context.Context, tok string) (UserInfo, error)
}

// validator is the shared verification core behind the static and
// discovery-based authenticators; they differ only in where the JWKS comes
// from.
type validator struct {
	cfg     *Config
	keyfunc jwt.Keyfunc
}

// restrictAlgs wraps a JWKS keyfunc so a token signed with an alg outside
// the allowlist is rejected before key lookup.
func restrictAlgs(cfg *Config, kf keyfunc.Keyfunc) jwt.Keyfunc {
	return func(t *jwt.Token) (any, error) {
		alg := t.Method.Alg()
		for _, a := range cfg.AllowedAlgs {
			if alg == a {
				return kf.Keyfunc(t)
			}
		}
		return nil, fmt.Errorf("disallowed alg: %s", alg)
	}
}

func (v *validator) CheckAuthentication(ctx context.Context, tok string) (UserInfo, error) {
	if tok == "" {
		return nil, fmt.Errorf("%w: empty token", ErrUnauthorized)
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods(v.cfg.AllowedAlgs),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(v.cfg.Issuer),
		jwt.WithLeeway(v.cfg.Leeway),
	)
	parsed, err := parser.Parse(tok, v.keyfunc)
	if err != nil {
		return nil, fmt.Errorf("%w: token parse/verify failed: %v", ErrUnauthorized, err)
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("%w: invalid claims type", ErrUnauthorized)
	}
	if !audIntersects(claims["aud"], v.cfg.ExpectedAudiences) {
		return nil, fmt.Errorf("%w: audience mismatch", ErrUnauthorized)
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, fmt.Errorf("%w: missing sub", ErrUnauthorized)
	}
	email, _ := claims[v.cfg.EmailClaim].(string)
	if email == "" {
		return nil, ErrNoIdentity
	}
	return &userInfo{sub: sub, email: email, claims: claims}, nil
}

// audIntersects reports whether any token audience (string or array form)
// matches an expected one.
func audIntersects(aud any, wants []string) bool {
	wantSet := make(map[string]struct{}, len(wants))
	for _, w := range wants {
		wantSet[w] = struct{}{}
	}
	switch v := aud.(type) {
	case string:
		_, ok := wantSet[v]
		return ok
	case []any:
		for _, e := range v {
			if s, ok := e.(string); ok {
				if _, ok := wantSet[s]; ok {
					return true
				}
			}
		}
	case []string:
		for _, s := range v {
			if _, ok := wantSet[s]; ok {
				return true
			}
		}
	}
	return false
}

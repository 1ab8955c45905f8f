package jwtauth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
)

const testIssuer = "https://issuer.test"

type tokenFixture struct {
	signer  jose.Signer
	jwksURL string
}

// newTokenFixture generates a signing key and serves its public half as a
// JWKS endpoint, so tokens minted here verify like production ones.
func newTokenFixture(t *testing.T) *tokenFixture {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signer, err := jose.NewSigner(jose.SigningKey{
		Algorithm: jose.RS256,
		Key:       jose.JSONWebKey{Key: key, KeyID: "test-key", Algorithm: "RS256"},
	}, nil)
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}

	jwks := jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
		Key: &key.PublicKey, KeyID: "test-key", Algorithm: "RS256", Use: "sig",
	}}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(jwks)
	}))
	t.Cleanup(srv.Close)

	return &tokenFixture{signer: signer, jwksURL: srv.URL}
}

func (f *tokenFixture) mint(t *testing.T, claims map[string]any) string {
	t.Helper()
	payload, err := json.Marshal(claims)
	if err != nil {
		t.Fatalf("marshal claims: %v", err)
	}
	jws, err := f.signer.Sign(payload)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	tok, err := jws.CompactSerialize()
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	return tok
}

func baseClaims() map[string]any {
	now := time.Now()
	return map[string]any{
		"iss":   testIssuer,
		"sub":   "user-123",
		"aud":   "https://gateway.test/mcp",
		"email": "alice@example.com",
		"iat":   now.Unix(),
		"exp":   now.Add(time.Hour).Unix(),
	}
}

func newStaticAuthenticator(t *testing.T, f *tokenFixture) Authenticator {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Issuer = testIssuer
	cfg.ExpectedAudiences = []string{"https://gateway.test/mcp"}
	a, err := NewStatic(context.Background(), cfg, f.jwksURL)
	if err != nil {
		t.Fatalf("NewStatic: %v", err)
	}
	return a
}

func TestStaticValidToken(t *testing.T) {
	f := newTokenFixture(t)
	a := newStaticAuthenticator(t, f)

	ui, err := a.CheckAuthentication(context.Background(), f.mint(t, baseClaims()))
	if err != nil {
		t.Fatalf("CheckAuthentication: %v", err)
	}
	if ui.Email() != "alice@example.com" {
		t.Errorf("email = %q", ui.Email())
	}
	if ui.UserID() != "user-123" {
		t.Errorf("sub = %q", ui.UserID())
	}
	var claims struct {
		Aud string `json:"aud"`
	}
	if err := ui.Claims(&claims); err != nil {
		t.Fatalf("Claims: %v", err)
	}
	if claims.Aud != "https://gateway.test/mcp" {
		t.Errorf("aud = %q", claims.Aud)
	}
}

func TestStaticRejections(t *testing.T) {
	f := newTokenFixture(t)
	a := newStaticAuthenticator(t, f)
	ctx := context.Background()

	cases := []struct {
		name    string
		mutate  func(map[string]any)
		wantErr error
	}{
		{"wrong audience", func(c map[string]any) { c["aud"] = "https://other.test" }, ErrUnauthorized},
		{"wrong issuer", func(c map[string]any) { c["iss"] = "https://rogue.test" }, ErrUnauthorized},
		{"expired", func(c map[string]any) { c["exp"] = time.Now().Add(-2 * time.Hour).Unix() }, ErrUnauthorized},
		{"missing sub", func(c map[string]any) { delete(c, "sub") }, ErrUnauthorized},
		{"no email identity", func(c map[string]any) { delete(c, "email") }, ErrNoIdentity},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			claims := baseClaims()
			tc.mutate(claims)
			_, err := a.CheckAuthentication(ctx, f.mint(t, claims))
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("err = %v, want %v", err, tc.wantErr)
			}
		})
	}

	if _, err := a.CheckAuthentication(ctx, ""); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("empty token: err = %v, want ErrUnauthorized", err)
	}
	if _, err := a.CheckAuthentication(ctx, "not-a-jwt"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("garbage token: err = %v, want ErrUnauthorized", err)
	}
}

func TestStaticAudienceListForm(t *testing.T) {
	f := newTokenFixture(t)
	a := newStaticAuthenticator(t, f)

	claims := baseClaims()
	claims["aud"] = []string{"https://other.test", "https://gateway.test/mcp"}
	if _, err := a.CheckAuthentication(context.Background(), f.mint(t, claims)); err != nil {
		t.Fatalf("audience list containing a match rejected: %v", err)
	}
}

func TestStaticConfigValidation(t *testing.T) {
	ctx := context.Background()
	f := newTokenFixture(t)

	if _, err := NewStatic(ctx, nil, f.jwksURL); err == nil {
		t.Errorf("nil config accepted")
	}
	if _, err := NewStatic(ctx, &Config{ExpectedAudiences: []string{"a"}}, f.jwksURL); err == nil {
		t.Errorf("missing issuer accepted")
	}
	if _, err := NewStatic(ctx, &Config{Issuer: testIssuer}, f.jwksURL); err == nil {
		t.Errorf("missing audience accepted")
	}
	if _, err := NewStatic(ctx, &Config{Issuer: testIssuer, ExpectedAudiences: []string{"a"}}, ""); err == nil {
		t.Errorf("missing jwks uri accepted")
	}
}

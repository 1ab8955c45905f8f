package jwtauth

import (
	"context"
	"errors"
	"fmt"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/coreos/go-oidc/v3/oidc"
)

// DiscoveryAuthenticator validates tokens using metadata learned through
// OIDC discovery. The authorization and token endpoints are retained for
// challenge construction and operator diagnostics.
type DiscoveryAuthenticator struct {
	validator

	authorizationEndpoint string
	tokenEndpoint         string
}

func (a *DiscoveryAuthenticator) AuthorizationEndpoint() string { return a.authorizationEndpoint }
func (a *DiscoveryAuthenticator) TokenEndpoint() string         { return a.tokenEndpoint }

// NewFromDiscovery performs OIDC discovery against cfg.Issuer to obtain the
// jwks_uri and constructs an authenticator that validates tokens using the
// configured policies. JWKS keys are auto-refreshed.
func NewFromDiscovery(ctx context.Context, cfg *Config) (*DiscoveryAuthenticator, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if cfg.Issuer == "" {
		return nil, errors.New("issuer is required")
	}
	if len(cfg.ExpectedAudiences) == 0 {
		return nil, errors.New("at least one expected audience is required")
	}
	cfg.fillDefaults()

	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery failed: %w", err)
	}
	var meta struct {
		JwksURI       string `json:"jwks_uri"`
		Authorization string `json:"authorization_endpoint"`
		Token         string `json:"token_endpoint"`
	}
	if err := provider.Claims(&meta); err != nil {
		return nil, fmt.Errorf("invalid discovery metadata: %w", err)
	}
	if meta.JwksURI == "" {
		return nil, errors.New("discovery incomplete: missing jwks_uri")
	}

	kf, err := keyfunc.NewDefaultCtx(ctx, []string{meta.JwksURI})
	if err != nil {
		return nil, fmt.Errorf("jwks init failed: %w", err)
	}

	return &DiscoveryAuthenticator{
		validator:             validator{cfg: cfg, keyfunc: restrictAlgs(cfg, kf)},
		authorizationEndpoint: meta.Authorization,
		tokenEndpoint:         meta.Token,
	}, nil
}

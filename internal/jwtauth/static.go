package jwtauth

import (
	"context"
	"errors"
	"fmt"

	keyfunc "github.com/MicahParks/keyfunc/v3"
)

// NewStatic constructs an authenticator that validates tokens against a
// statically configured issuer, audiences and JWKS URI, with no discovery
// round trip. JWKS keys are auto-refreshed in the background.
func NewStatic(ctx context.Context, cfg *Config, jwksURI string) (Authenticator, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if cfg.Issuer == "" {
		return nil, errors.New("issuer is required")
	}
	if len(cfg.ExpectedAudiences) == 0 {
		return nil, errors.New("at least one expected audience is required")
	}
	if jwksURI == "" {
		return nil, errors.New("jwks uri is required")
	}
	cfg.fillDefaults()

	kf, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURI})
	if err != nil {
		return nil, fmt.Errorf("jwks init failed: %w", err)
	}
	return &validator{cfg: cfg, keyfunc: restrictAlgs(cfg, kf)}, nil
}

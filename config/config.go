// Package config loads server configuration from the environment using
// envdecode struct tags. Defaults live in the tags; validation beyond
// presence happens in Validate.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
)

// Auth modes accepted in AUTH_MODE.
const (
	AuthModeAPIKey = "apikey"
	AuthModeJWT    = "jwt"
	AuthModeOIDC   = "oidc"
)

type Config struct {
	// ListenAddr is the address the HTTP server binds. ENV: LISTEN_ADDR
	ListenAddr string `env:"LISTEN_ADDR,default=:8080"`
	// PublicEndpoint is the externally visible URL of the MCP endpoint.
	// Its path decides where the transport mounts. ENV: PUBLIC_ENDPOINT
	PublicEndpoint string `env:"PUBLIC_ENDPOINT,default=http://localhost:8080/mcp"`

	// ServerName and ServerVersion are advertised in initialize responses.
	ServerName    string `env:"SERVER_NAME,default=dynamic-mcp-server"`
	ServerVersion string `env:"SERVER_VERSION,default=0.1.0"`

	// AdminEmail is the bootstrap administrator. Startup is fatal without
	// it: a gateway with no admin cannot be managed. ENV: ADMIN_EMAIL
	AdminEmail string `env:"ADMIN_EMAIL,required"`

	// AuthMode selects the bearer authenticator: apikey, jwt, or oidc.
	AuthMode string `env:"AUTH_MODE,default=apikey"`
	// JWTIssuer, JWTAudience, and JWKSURI configure token validation for
	// the jwt and oidc modes. oidc discovers the JWKS URI from the issuer.
	JWTIssuer   string `env:"JWT_ISSUER"`
	JWTAudience string `env:"JWT_AUDIENCE"`
	JWKSURI     string `env:"JWT_JWKS_URI"`

	// RedisAddr switches the store and session host to Redis when set.
	// Empty means in-memory backends (single node). ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR"`

	// Session lifecycle tunables. Defaults mirror the session manager's
	// own: 10 minutes idle, 12 hours total.
	SessionIdleTimeout time.Duration `env:"SESSION_IDLE_TIMEOUT,default=10m"`
	SessionMaxLifetime time.Duration `env:"SESSION_MAX_LIFETIME,default=12h"`
	SweepInterval      time.Duration `env:"SESSION_SWEEP_INTERVAL,default=30s"`

	// ToolFileDir enables declarative tool definitions loaded from JSON
	// files and hot-reloaded on change. Empty disables the watcher.
	ToolFileDir string `env:"TOOL_FILE_DIR"`

	LogLevel string `env:"LOG_LEVEL,default=info"`
}

// FromEnv loads and validates configuration from the process environment.
func FromEnv() (*Config, error) {
	var cfg Config
	if err := envdecode.StrictDecode(&cfg); err != nil {
		return nil, fmt.Errorf("decode environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.AdminEmail) == "" {
		return fmt.Errorf("ADMIN_EMAIL is required")
	}
	switch c.AuthMode {
	case AuthModeAPIKey:
	case AuthModeJWT:
		if c.JWTIssuer == "" || c.JWTAudience == "" || c.JWKSURI == "" {
			return fmt.Errorf("auth mode %q requires JWT_ISSUER, JWT_AUDIENCE, and JWT_JWKS_URI", c.AuthMode)
		}
	case AuthModeOIDC:
		if c.JWTIssuer == "" || c.JWTAudience == "" {
			return fmt.Errorf("auth mode %q requires JWT_ISSUER and JWT_AUDIENCE", c.AuthMode)
		}
	default:
		return fmt.Errorf("unknown auth mode %q", c.AuthMode)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("SESSION_SWEEP_INTERVAL must be positive")
	}
	return nil
}

// UseRedis reports whether Redis-backed store and session host are selected.
func (c *Config) UseRedis() bool { return c.RedisAddr != "" }

// SlogLevel maps LOG_LEVEL onto a slog.Level, defaulting to info for
// unrecognized values.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Command dynamic-mcp-server runs the MCP gateway: per-user tool and prompt
// catalogs served over the streamable HTTP transport, backed by in-memory or
// Redis storage.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/scitara-cto/dynamic-mcp-server/auth"
	"github.com/scitara-cto/dynamic-mcp-server/authz"
	"github.com/scitara-cto/dynamic-mcp-server/config"
	"github.com/scitara-cto/dynamic-mcp-server/handlers"
	"github.com/scitara-cto/dynamic-mcp-server/handlers/builtin"
	"github.com/scitara-cto/dynamic-mcp-server/internal/engine"
	"github.com/scitara-cto/dynamic-mcp-server/internal/logctx"
	"github.com/scitara-cto/dynamic-mcp-server/internal/toolfile"
	"github.com/scitara-cto/dynamic-mcp-server/mcp"
	"github.com/scitara-cto/dynamic-mcp-server/mcpservice"
	"github.com/scitara-cto/dynamic-mcp-server/registry"
	"github.com/scitara-cto/dynamic-mcp-server/sessions"
	"github.com/scitara-cto/dynamic-mcp-server/sessions/memoryhost"
	"github.com/scitara-cto/dynamic-mcp-server/sessions/redishost"
	"github.com/scitara-cto/dynamic-mcp-server/store"
	"github.com/scitara-cto/dynamic-mcp-server/store/memorystore"
	"github.com/scitara-cto/dynamic-mcp-server/store/redisstore"
	"github.com/scitara-cto/dynamic-mcp-server/streaminghttp"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server.exit", slog.String("err", err.Error()))
		os.Exit(1)
	}
}

// lateNotifier lets the services be constructed before the engine that
// delivers their list-changed notifications.
type lateNotifier struct {
	target mcpservice.ListChangedNotifier
}

func (n *lateNotifier) ToolsChanged(ctx context.Context, userEmail string) {
	if n.target != nil {
		n.target.ToolsChanged(ctx, userEmail)
	}
}

func (n *lateNotifier) PromptsChanged(ctx context.Context, userEmail string) {
	if n.target != nil {
		n.target.PromptsChanged(ctx, userEmail)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.FromEnv()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := slog.New(logctx.Handler{Handler: slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	})})
	slog.SetDefault(log)

	var (
		users   store.UserStore
		tools   store.ToolStore
		prompts store.PromptStore
		host    sessions.Host
	)
	if cfg.UseRedis() {
		st, err := redisstore.New(redisstore.Config{RedisAddr: cfg.RedisAddr})
		if err != nil {
			return fmt.Errorf("redis store: %w", err)
		}
		defer st.Close()
		rh, err := redishost.New(redishost.Config{RedisAddr: cfg.RedisAddr})
		if err != nil {
			return fmt.Errorf("redis session host: %w", err)
		}
		defer rh.Close()
		users, tools, prompts, host = st, st, st, rh
		log.Info("server.storage", slog.String("backend", "redis"), slog.String("addr", cfg.RedisAddr))
	} else {
		st := memorystore.New()
		users, tools, prompts, host = st, st, st, memoryhost.New()
		log.Info("server.storage", slog.String("backend", "memory"))
	}

	if err := ensureAdmin(ctx, users, cfg.AdminEmail); err != nil {
		return fmt.Errorf("bootstrap admin: %w", err)
	}

	reg := registry.New()
	authorizer := authz.New(users,
		authz.WithLogger(log),
		authz.WithServerIdentity(cfg.ServerName),
	)

	notifier := &lateNotifier{}
	toolSvc := mcpservice.NewToolService(users, tools, reg, authorizer,
		mcpservice.WithToolLogger(log),
		mcpservice.WithToolNotifier(notifier),
		mcpservice.WithServerIdentity(cfg.ServerName),
	)
	promptSvc := mcpservice.NewPromptService(users, prompts, reg,
		mcpservice.WithPromptLogger(log),
		mcpservice.WithPromptNotifier(notifier),
		mcpservice.WithPromptServerIdentity(cfg.ServerName),
	)

	sm := sessions.NewManager(host,
		sessions.WithLogger(log),
		sessions.WithSweepInterval(cfg.SweepInterval),
		sessions.WithIdleTimeout(cfg.SessionIdleTimeout),
		sessions.WithMaxLifetime(cfg.SessionMaxLifetime),
	)
	go func() {
		if err := sm.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("sessions.run.exit", slog.String("err", err.Error()))
		}
	}()

	eng := engine.New(toolSvc, promptSvc, sm,
		mcp.ImplementationInfo{Name: cfg.ServerName, Version: cfg.ServerVersion},
		engine.WithLogger(log),
	)
	notifier.target = eng

	registrar := handlers.NewRegistrar(reg, toolSvc, promptSvc, tools, prompts, log)
	if err := registrar.Install(ctx, builtin.New(cfg.ServerName)); err != nil {
		return fmt.Errorf("install built-in handlers: %w", err)
	}

	if cfg.ToolFileDir != "" {
		watcher := toolfile.NewWatcher(cfg.ToolFileDir, toolSvc, reg, log)
		if err := watcher.LoadAll(ctx); err != nil {
			return fmt.Errorf("load tool files: %w", err)
		}
		go func() {
			if err := watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("toolfile.run.exit", slog.String("err", err.Error()))
			}
		}()
	}

	authenticator, err := buildAuthenticator(ctx, cfg, users)
	if err != nil {
		return fmt.Errorf("build authenticator: %w", err)
	}

	handler, err := streaminghttp.New(cfg.PublicEndpoint, sm, host, eng, authenticator,
		streaminghttp.WithLogger(log),
		streaminghttp.WithRealm(cfg.ServerName),
	)
	if err != nil {
		return fmt.Errorf("build transport: %w", err)
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info("server.listen", slog.String("addr", cfg.ListenAddr), slog.String("endpoint", cfg.PublicEndpoint))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	log.Info("server.drain")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info("server.stopped")
	return nil
}

// ensureAdmin guarantees the configured administrator exists. An existing
// record is left untouched except for granting the admin role if missing.
func ensureAdmin(ctx context.Context, users store.UserStore, email string) error {
	u, err := users.FindByEmail(ctx, email)
	if errors.Is(err, store.ErrUserNotFound) {
		return users.UpsertUser(ctx, &store.User{Email: email, Roles: []string{"admin"}})
	}
	if err != nil {
		return err
	}
	for _, r := range u.Roles {
		if r == "admin" {
			return nil
		}
	}
	u.Roles = append(u.Roles, "admin")
	return users.UpsertUser(ctx, u)
}

func buildAuthenticator(ctx context.Context, cfg *config.Config, users store.UserStore) (auth.Authenticator, error) {
	switch cfg.AuthMode {
	case config.AuthModeAPIKey:
		return auth.NewAPIKeyAuthenticator(users), nil
	case config.AuthModeJWT:
		return auth.NewStaticJWT(ctx, cfg.JWTIssuer, cfg.JWTAudience, cfg.JWKSURI)
	case config.AuthModeOIDC:
		return auth.NewJWTFromDiscovery(ctx, cfg.JWTIssuer, cfg.JWTAudience)
	default:
		return nil, fmt.Errorf("unknown auth mode %q", cfg.AuthMode)
	}
}

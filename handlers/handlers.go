// Package handlers defines how executable capability is packaged and
// installed into a running server. A Package bundles handler factories with
// the system-owned tool and prompt definitions that use them; the Registrar
// installs packages at startup, replacing whatever system definitions a
// previous build left behind.
package handlers

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/scitara-cto/dynamic-mcp-server/mcpservice"
	"github.com/scitara-cto/dynamic-mcp-server/registry"
	"github.com/scitara-cto/dynamic-mcp-server/store"
)

// Package bundles handler factories with the definitions they serve.
type Package struct {
	Name            string
	ToolFactories   map[string]registry.HandlerFactory
	PromptFactories map[string]registry.PromptHandlerFactory
	Tools           []*store.Tool
	Prompts         []*store.Prompt
}

// Registrar installs packages into the registry and the stores.
type Registrar struct {
	reg     *registry.Registry
	tools   *mcpservice.ToolService
	prompts *mcpservice.PromptService

	toolStore   store.ToolStore
	promptStore store.PromptStore

	log *slog.Logger
}

func NewRegistrar(reg *registry.Registry, tools *mcpservice.ToolService, prompts *mcpservice.PromptService, toolStore store.ToolStore, promptStore store.PromptStore, log *slog.Logger) *Registrar {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Registrar{
		reg:         reg,
		tools:       tools,
		prompts:     prompts,
		toolStore:   toolStore,
		promptStore: promptStore,
		log:         log,
	}
}

// Install wipes the system-owned definitions and installs the given
// packages. System definitions are code, not data: the packages compiled
// into this binary are the single source of truth for them, so stale
// definitions from an older build must not survive a restart.
func (r *Registrar) Install(ctx context.Context, pkgs ...*Package) error {
	removedTools, err := r.toolStore.DeleteToolsByCreator(ctx, store.SystemCreator)
	if err != nil {
		return fmt.Errorf("reset system tools: %w", err)
	}
	removedPrompts, err := r.promptStore.DeletePromptsByCreator(ctx, store.SystemCreator)
	if err != nil {
		return fmt.Errorf("reset system prompts: %w", err)
	}
	if removedTools > 0 || removedPrompts > 0 {
		r.log.InfoContext(ctx, "handlers.install.reset",
			slog.Int("tools", removedTools),
			slog.Int("prompts", removedPrompts),
		)
	}

	for _, pkg := range pkgs {
		for handlerType, factory := range pkg.ToolFactories {
			r.reg.RegisterHandlerFactory(handlerType, factory)
		}
		for handlerType, factory := range pkg.PromptFactories {
			r.reg.RegisterPromptHandlerFactory(handlerType, factory)
		}
		for _, def := range pkg.Tools {
			if err := r.tools.AddTool(ctx, def, store.SystemCreator); err != nil {
				return fmt.Errorf("install tool %q from package %q: %w", def.Name, pkg.Name, err)
			}
			if err := r.reg.RegisterTool(def); err != nil {
				return fmt.Errorf("register tool %q from package %q: %w", def.Name, pkg.Name, err)
			}
		}
		for _, def := range pkg.Prompts {
			if err := r.prompts.AddPrompt(ctx, def, store.SystemCreator); err != nil {
				return fmt.Errorf("install prompt %q from package %q: %w", def.Name, pkg.Name, err)
			}
		}
		r.log.InfoContext(ctx, "handlers.install.ok",
			slog.String("package", pkg.Name),
			slog.Int("tools", len(pkg.Tools)),
			slog.Int("prompts", len(pkg.Prompts)),
		)
	}
	return nil
}

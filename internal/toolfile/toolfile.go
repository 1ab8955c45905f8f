// Package toolfile loads tool definitions from JSON files in a directory
// and keeps them in sync with the store while the server runs. Dropping a
// file into the directory registers the tool; editing it updates the
// definition; deleting it removes the tool. Operators get hot reload
// without touching the management API.
package toolfile

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/scitara-cto/dynamic-mcp-server/mcp"
	"github.com/scitara-cto/dynamic-mcp-server/mcpservice"
	"github.com/scitara-cto/dynamic-mcp-server/registry"
	"github.com/scitara-cto/dynamic-mcp-server/store"
)

// fileDef is the on-disk shape of a tool definition.
type fileDef struct {
	Name           string               `json:"name"`
	Description    string               `json:"description,omitempty"`
	InputSchema    mcp.ToolInputSchema  `json:"inputSchema"`
	Annotations    *mcp.ToolAnnotations `json:"annotations,omitempty"`
	Handler        store.HandlerRef     `json:"handler"`
	RolesPermitted []string             `json:"rolesPermitted,omitempty"`
	Creator        string               `json:"creator,omitempty"`
	AlwaysVisible  bool                 `json:"alwaysVisible,omitempty"`
	ArgMappings    map[string]any       `json:"argMappings,omitempty"`
}

// Watcher mirrors a directory of JSON tool definitions into the tool
// service.
type Watcher struct {
	dir   string
	tools *mcpservice.ToolService
	reg   *registry.Registry
	log   *slog.Logger

	mu sync.Mutex
	// byFile remembers which tool each file produced so a file deletion
	// removes the right definition even though the content is gone.
	byFile map[string]toolKey
}

type toolKey struct {
	name    string
	creator string
}

func NewWatcher(dir string, tools *mcpservice.ToolService, reg *registry.Registry, log *slog.Logger) *Watcher {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Watcher{
		dir:    dir,
		tools:  tools,
		reg:    reg,
		log:    log,
		byFile: make(map[string]toolKey),
	}
}

// LoadAll synchronizes every definition file currently in the directory.
// Malformed files are logged and skipped; one bad file must not block the
// rest.
func (w *Watcher) LoadAll(ctx context.Context) error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("read tool dir %q: %w", w.dir, err)
	}
	for _, e := range entries {
		if e.IsDir() || !isToolFile(e.Name()) {
			continue
		}
		w.loadFile(ctx, filepath.Join(w.dir, e.Name()))
	}
	return nil
}

// Run watches the directory until the context is canceled. Call LoadAll
// first; Run only reacts to changes.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("start watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(w.dir); err != nil {
		return fmt.Errorf("watch %q: %w", w.dir, err)
	}
	w.log.InfoContext(ctx, "toolfile.watch.start", slog.String("dir", w.dir))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !isToolFile(filepath.Base(ev.Name)) {
				continue
			}
			switch {
			case ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write):
				w.loadFile(ctx, ev.Name)
			case ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename):
				w.removeFile(ctx, ev.Name)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.WarnContext(ctx, "toolfile.watch.error", slog.String("err", err.Error()))
		}
	}
}

func (w *Watcher) loadFile(ctx context.Context, path string) {
	raw, err := os.ReadFile(path)
	if err != nil {
		w.log.WarnContext(ctx, "toolfile.load.read_failed",
			slog.String("file", path), slog.String("err", err.Error()))
		return
	}
	var def fileDef
	if err := json.Unmarshal(raw, &def); err != nil {
		w.log.WarnContext(ctx, "toolfile.load.malformed",
			slog.String("file", path), slog.String("err", err.Error()))
		return
	}

	tool := &store.Tool{
		Name:           def.Name,
		Description:    def.Description,
		InputSchema:    def.InputSchema,
		Annotations:    def.Annotations,
		Handler:        def.Handler,
		RolesPermitted: def.RolesPermitted,
		Creator:        def.Creator,
		AlwaysVisible:  def.AlwaysVisible,
		ArgMappings:    def.ArgMappings,
	}
	if err := w.tools.AddTool(ctx, tool, def.Creator); err != nil {
		w.log.WarnContext(ctx, "toolfile.load.rejected",
			slog.String("file", path), slog.String("err", err.Error()))
		return
	}
	if err := w.reg.RegisterTool(tool); err != nil {
		w.log.WarnContext(ctx, "toolfile.load.register_failed",
			slog.String("file", path), slog.String("err", err.Error()))
	}

	key := toolKey{name: tool.Name, creator: tool.Creator}
	w.mu.Lock()
	prev, had := w.byFile[path]
	w.byFile[path] = key
	w.mu.Unlock()

	// A rename inside the file orphans the old definition.
	if had && prev != key {
		if err := w.tools.RemoveTool(ctx, prev.name, prev.creator); err != nil {
			w.log.WarnContext(ctx, "toolfile.load.stale_remove_failed",
				slog.String("tool", prev.name), slog.String("err", err.Error()))
		}
	}

	w.log.InfoContext(ctx, "toolfile.load.ok",
		slog.String("file", path), slog.String("tool", tool.Name))
}

func (w *Watcher) removeFile(ctx context.Context, path string) {
	w.mu.Lock()
	key, ok := w.byFile[path]
	delete(w.byFile, path)
	w.mu.Unlock()
	if !ok {
		return
	}
	if err := w.tools.RemoveTool(ctx, key.name, key.creator); err != nil {
		w.log.WarnContext(ctx, "toolfile.remove.failed",
			slog.String("tool", key.name), slog.String("err", err.Error()))
		return
	}
	w.log.InfoContext(ctx, "toolfile.remove.ok",
		slog.String("file", path), slog.String("tool", key.name))
}

func isToolFile(name string) bool {
	return strings.HasSuffix(name, ".json") && !strings.HasPrefix(name, ".")
}

// Package plugin defines the contract every opswatch job body implements,
// and the registry that maps stable plugin names to implementations.
//
// # Design Principles
//
//  1. One entry point: the harness only ever calls Execute and observes the
//     injected logger and returned Result, never plugin internals.
//  2. Config is schema-less at the boundary; each plugin converts the map to
//     its own typed config struct at entry and owns validation.
//  3. Construction is compile-time checked: plugins are statically linked
//     and registered by name at startup, no reflection.
//
// # Adding New Plugins
//
//  1. Create a new file implementing the Plugin interface.
//  2. Register it in cmd/server alongside the built-ins.
package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/seaward-sec/opswatch/pkg/types"
)

// Plugin is the interface all job bodies implement.
type Plugin interface {
	// Name returns the unique registry key for this plugin.
	Name() string

	// Kind classifies the plugin's role.
	Kind() types.PluginKind

	// Execute runs the job body. Failure is reported through the error
	// return; the harness translates it into a failed execution. Execute
	// must honor ctx cancellation.
	Execute(ctx context.Context, config map[string]any, log *RunLogger) (*Result, error)
}

// Result is the outcome of a plugin run.
type Result struct {
	Success bool           `json:"success"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`

	// Assets are records for the reconciliation engine (data-import and
	// collector plugins).
	Assets []types.AssetRecord `json:"-"`

	// Events are observed events for the dedup dispatcher (alarm plugins).
	Events []types.EventRecord `json:"-"`
}

// =============================================================================
// RUN LOGGER
// =============================================================================

// RunLogger captures a plugin run's log lines in emission order. The
// captured sequence is the only externally visible trace of plugin
// behavior; lines are also mirrored to the server log at debug level.
// Safe for concurrent use.
type RunLogger struct {
	mu     sync.Mutex
	lines  []types.LogLine
	logger *slog.Logger
}

// NewRunLogger creates a run logger mirroring to the given slog logger.
func NewRunLogger(logger *slog.Logger) *RunLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &RunLogger{logger: logger}
}

// Logf appends a formatted line.
func (l *RunLogger) Logf(format string, args ...any) {
	l.Log(fmt.Sprintf(format, args...))
}

// Log appends one line.
func (l *RunLogger) Log(line string) {
	l.mu.Lock()
	l.lines = append(l.lines, types.LogLine{
		Seq:  len(l.lines),
		At:   time.Now(),
		Line: line,
	})
	l.mu.Unlock()
	l.logger.Debug("plugin log", "line", line)
}

// Lines returns a snapshot of the captured lines in emission order.
func (l *RunLogger) Lines() []types.LogLine {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]types.LogLine, len(l.lines))
	copy(out, l.lines)
	return out
}

// =============================================================================
// REGISTRY
// =============================================================================

// Registry manages available plugins.
type Registry struct {
	plugins map[string]Plugin
	mu      sync.RWMutex
}

// NewRegistry creates an empty plugin registry.
func NewRegistry() *Registry {
	return &Registry{plugins: make(map[string]Plugin)}
}

// Register adds a plugin to the registry. Duplicate names and unknown kinds
// are rejected at registration, not at run time.
func (r *Registry) Register(p Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := p.Name()
	if name == "" {
		return fmt.Errorf("plugin has empty name")
	}
	if !p.Kind().Valid() {
		return fmt.Errorf("plugin %s has unknown kind: %s", name, p.Kind())
	}
	if _, exists := r.plugins[name]; exists {
		return fmt.Errorf("plugin already registered: %s", name)
	}
	r.plugins[name] = p
	return nil
}

// Get returns a plugin by name.
func (r *Registry) Get(name string) (Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[name]
	return p, ok
}

// List returns all registered plugins ordered by registration map walk;
// callers needing stable order sort the result.
func (r *Registry) List() []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	plugins := make([]Plugin, 0, len(r.plugins))
	for _, p := range r.plugins {
		plugins = append(plugins, p)
	}
	return plugins
}

// =============================================================================
// CONFIG HELPERS
// =============================================================================

// StringConfig extracts a string value from a schema-less config map.
func StringConfig(config map[string]any, key string) string {
	if v, ok := config[key].(string); ok {
		return v
	}
	return ""
}

// IntConfig extracts an integer value from a schema-less config map,
// tolerating the float64 produced by JSON decoding.
func IntConfig(config map[string]any, key string, defaultVal int) int {
	switch v := config[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return defaultVal
}

// Package executor is the action capability agents use to touch the outside
// world (files, shell, git). The scheduler and the memory/cost subsystems
// never call it directly.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
)

// Executor performs one plugin action and returns its raw result.
type Executor interface {
	Execute(ctx context.Context, plugin, action string, payload map[string]any) (json.RawMessage, error)
}

// Handler implements the actions of one plugin.
type Handler func(ctx context.Context, action string, payload map[string]any) (json.RawMessage, error)

// PluginNotFoundError is returned for an unregistered plugin.
type PluginNotFoundError struct {
	Plugin string
}

func (e *PluginNotFoundError) Error() string {
	return fmt.Sprintf("plugin %s not registered", e.Plugin)
}

// Local dispatches actions to in-process plugin handlers.
type Local struct {
	plugins map[string]Handler
}

// NewLocal creates an empty local executor.
func NewLocal() *Local {
	return &Local{plugins: make(map[string]Handler)}
}

// Register installs a plugin handler, replacing any prior one.
func (l *Local) Register(plugin string, h Handler) {
	l.plugins[plugin] = h
}

// Execute dispatches to the plugin's handler.
func (l *Local) Execute(ctx context.Context, plugin, action string, payload map[string]any) (json.RawMessage, error) {
	h, ok := l.plugins[plugin]
	if !ok {
		return nil, &PluginNotFoundError{Plugin: plugin}
	}
	return h(ctx, action, payload)
}

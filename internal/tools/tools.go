// Package tools provides the capability registry the generation executor
// exposes to the model, and the built-in web-search capability.
package tools

import (
	"context"
	"sort"
	"sync"
)

// Tool is one named capability the model may invoke mid-conversation.
type Tool interface {
	Name() string
	Description() string

	// Invoke executes the tool with JSON-encoded arguments and returns the
	// text fed back to the model.
	Invoke(ctx context.Context, argsJSON string) (string, error)
}

// Registry is a fixed set of tools keyed by name.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates a registry with the given tools.
func NewRegistry(tools ...Tool) *Registry {
	r := &Registry{tools: make(map[string]Tool)}
	for _, t := range tools {
		r.tools[t.Name()] = t
	}
	return r
}

// Register adds or replaces a tool.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	r.tools[t.Name()] = t
	r.mu.Unlock()
}

// Lookup returns the tool with the given name, if registered.
func (r *Registry) Lookup(name string) (Tool, bool) {
	r.mu.RLock()
	t, ok := r.tools[name]
	r.mu.RUnlock()
	return t, ok
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

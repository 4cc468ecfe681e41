// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ServerHub Contributors

// Package tools is the shared registry of executable tools contributed by
// plugins. Keys are namespaced by owner and a reverse index owner -> keys makes
// teardown a single call.
package tools

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/samber/oops"

	"github.com/Zhang142857/serverhub-sub000/internal/plugin"
)

// Parameter describes one tool argument.
type Parameter struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
	Default     any    `json:"default,omitempty"`
}

// Handler executes a tool.
type Handler func(ctx context.Context, args map[string]any) (any, error)

// Definition is a registered tool.
type Definition struct {
	Name        string               `json:"name"`
	DisplayName string               `json:"displayName,omitempty"`
	Description string               `json:"description,omitempty"`
	Category    string               `json:"category,omitempty"`
	Dangerous   bool                 `json:"dangerous,omitempty"`
	Parameters  map[string]Parameter `json:"parameters,omitempty"`
	Owner       string               `json:"owner"`
	Handler     Handler              `json:"-"`
}

// Result is the outcome of Execute.
type Result struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Registry is safe for concurrent use. Registration is last-writer-wins per name.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Definition
	byOwner map[string]map[string]struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:   make(map[string]Definition),
		byOwner: make(map[string]map[string]struct{}),
	}
}

// Register adds or replaces a tool owned by owner.
func (r *Registry) Register(def Definition, owner string) error {
	if def.Name == "" {
		return oops.In("tools").Errorf("tool name is required")
	}
	if def.Handler == nil {
		return oops.In("tools").With("tool", def.Name).Errorf("tool handler is required")
	}
	def.Owner = owner

	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.tools[def.Name]; ok && prev.Owner != owner {
		r.unindex(prev.Owner, def.Name)
		slog.Warn("tool replaced by another owner", "tool", def.Name, "previous_owner", prev.Owner, "owner", owner)
	}
	r.tools[def.Name] = def
	keys, ok := r.byOwner[owner]
	if !ok {
		keys = make(map[string]struct{})
		r.byOwner[owner] = keys
	}
	keys[def.Name] = struct{}{}
	return nil
}

// Unregister removes a tool and reports whether it existed.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	def, ok := r.tools[name]
	if !ok {
		return false
	}
	delete(r.tools, name)
	r.unindex(def.Owner, name)
	return true
}

// UnregisterOwner removes every tool owned by owner and returns how many were removed.
func (r *Registry) UnregisterOwner(owner string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := r.byOwner[owner]
	for name := range keys {
		delete(r.tools, name)
	}
	delete(r.byOwner, owner)
	return len(keys)
}

func (r *Registry) unindex(owner, name string) {
	keys := r.byOwner[owner]
	delete(keys, name)
	if len(keys) == 0 {
		delete(r.byOwner, owner)
	}
}

// Get returns the tool registered under name.
func (r *Registry) Get(name string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.tools[name]
	return def, ok
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// List returns all tools sorted by name.
func (r *Registry) List() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Definition, 0, len(r.tools))
	for _, def := range r.tools {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Owned returns the names registered by owner, sorted.
func (r *Registry) Owned(owner string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byOwner[owner]))
	for name := range r.byOwner[owner] {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Execute runs a tool. Handler errors are reported in the Result; the returned
// error is only set when the tool does not exist.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (Result, error) {
	def, ok := r.Get(name)
	if !ok {
		return Result{}, oops.In("tools").Code(plugin.CodeToolNotFound).With("tool", name).
			Wrapf(plugin.ErrToolNotFound, "tool %s is not registered", name)
	}
	if args == nil {
		args = map[string]any{}
	}
	data, err := def.Handler(ctx, args)
	if err != nil {
		return Result{Success: false, Error: err.Error()}, nil
	}
	return Result{Success: true, Data: data}, nil
}

// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ServerHub Contributors

package bridge

import (
	"context"
	"strings"

	"github.com/samber/oops"

	"github.com/Zhang142857/serverhub-sub000/internal/plugin"
	"github.com/Zhang142857/serverhub-sub000/internal/tools"
)

// DefaultToolCategory is used for tools that do not name one.
const DefaultToolCategory = "plugin"

// ToolSpec is a tool as declared by plugin code.
type ToolSpec struct {
	Name        string
	DisplayName string
	Description string
	Category    string
	Dangerous   bool
	Parameters  map[string]tools.Parameter
	Handler     tools.Handler
}

// ToolSpecFromManifest converts a declared tool, binding it to handler.
func ToolSpecFromManifest(t plugin.Tool, handler tools.Handler) ToolSpec {
	params := make(map[string]tools.Parameter, len(t.Parameters))
	for name, p := range t.Parameters {
		params[name] = tools.Parameter{Type: p.Type, Description: p.Description, Required: p.Required, Default: p.Default}
	}
	return ToolSpec{
		Name:        t.Name,
		DisplayName: t.DisplayName,
		Description: t.Description,
		Category:    t.Category,
		Dangerous:   t.Dangerous,
		Parameters:  params,
		Handler:     handler,
	}
}

// Tools registers tools into the shared registry under "<pluginId>:<name>".
type Tools struct {
	b *Bridge
}

// Register requires tool:register and returns the namespaced name.
func (t *Tools) Register(spec ToolSpec) (string, error) {
	b := t.b
	if err := b.check(plugin.PermToolRegister, "tools.register"); err != nil {
		return "", b.audit("tools", "register", err, "tool", spec.Name)
	}
	if spec.Name == "" || strings.Contains(spec.Name, ":") || spec.Handler == nil {
		err := oops.In("bridge").With("plugin", b.id).With("tool", spec.Name).
			Errorf("tool needs a local name without ':' and a handler")
		return "", b.audit("tools", "register", err)
	}

	full := plugin.NamespacedID(b.id, spec.Name)
	category := spec.Category
	if category == "" {
		category = DefaultToolCategory
	}
	handler := spec.Handler
	metrics := b.deps.Metrics
	def := tools.Definition{
		Name:        full,
		DisplayName: spec.DisplayName,
		Description: spec.Description,
		Category:    category,
		Dangerous:   spec.Dangerous,
		Parameters:  spec.Parameters,
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			out, err := handler(ctx, args)
			metrics.RecordToolExecution(err)
			return out, err
		},
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.disposed {
		return "", b.audit("tools", "register", b.disposedErr("tools.register"))
	}
	if err := b.deps.Tools.Register(def, b.id); err != nil {
		return "", b.audit("tools", "register", err, "tool", full)
	}
	return full, b.audit("tools", "register", nil, "tool", full)
}

// Unregister removes a tool this plugin registered. Unknown names are ignored.
func (t *Tools) Unregister(name string) error {
	b := t.b
	if err := b.check(plugin.PermToolRegister, "tools.unregister"); err != nil {
		return b.audit("tools", "unregister", err, "tool", name)
	}
	full := plugin.NamespacedID(b.id, name)
	if def, ok := b.deps.Tools.Get(full); ok && def.Owner == b.id {
		b.deps.Tools.Unregister(full)
	}
	return b.audit("tools", "unregister", nil, "tool", full)
}

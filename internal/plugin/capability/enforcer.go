// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ServerHub Contributors

// Package capability provides runtime permission enforcement for plugins.
//
// Grants are plugin permissions such as "file:read". Pattern matching uses
// gobwas/glob with ':' as the segment separator, so a host-side grant of
// "file:*" covers both "file:read" and "file:write".
package capability

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gobwas/glob"

	"github.com/Zhang142857/serverhub-sub000/internal/plugin"
)

type compiledGrant struct {
	pattern plugin.Permission
	glob    glob.Glob
}

// Enforcer checks plugin permissions at runtime.
//
// Enforcer is safe for concurrent use. The zero value is ready to use
// without calling NewEnforcer.
type Enforcer struct {
	grants map[string][]compiledGrant
	mu     sync.RWMutex
}

// NewEnforcer creates a permission enforcer.
func NewEnforcer() *Enforcer {
	return &Enforcer{
		grants: make(map[string][]compiledGrant),
	}
}

// SetGrants replaces the permissions granted to a plugin.
// Validation is all-or-nothing: on error the previous grants stay in place.
func (e *Enforcer) SetGrants(pluginID string, perms []plugin.Permission) error {
	if pluginID == "" {
		return errors.New("plugin id cannot be empty")
	}

	compiled := make([]compiledGrant, len(perms))
	for i, p := range perms {
		if p == "" {
			return fmt.Errorf("permission %d: empty pattern", i)
		}
		g, err := glob.Compile(string(p), ':')
		if err != nil {
			return fmt.Errorf("permission %d (%q): %w", i, p, err)
		}
		compiled[i] = compiledGrant{pattern: p, glob: g}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.grants == nil {
		e.grants = make(map[string][]compiledGrant)
	}
	e.grants[pluginID] = compiled
	return nil
}

// RemoveGrants revokes every permission of a plugin.
// Safe to call for unknown plugins or on a zero-value Enforcer.
func (e *Enforcer) RemoveGrants(pluginID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.grants, pluginID)
}

// Grants returns a copy of the permissions granted to a plugin.
func (e *Enforcer) Grants(pluginID string) []plugin.Permission {
	e.mu.RLock()
	defer e.mu.RUnlock()
	grants, ok := e.grants[pluginID]
	if !ok {
		return nil
	}
	out := make([]plugin.Permission, len(grants))
	for i, g := range grants {
		out[i] = g.pattern
	}
	return out
}

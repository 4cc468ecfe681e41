// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ServerHub Contributors

package bridge

import (
	"context"

	"github.com/Zhang142857/serverhub-sub000/internal/agent"
	"github.com/Zhang142857/serverhub-sub000/internal/plugin"
)

// File accesses a remote target's filesystem under the path allowlists.
type File struct {
	b *Bridge
}

func (f *File) readable(action, p string) (string, error) {
	b := f.b
	if err := b.check(plugin.PermFileRead, "file."+action); err != nil {
		return "", err
	}
	return b.deps.Allowlist.CheckRead(b.id, p)
}

// List requires file:read and an allowed read path.
func (f *File) List(ctx context.Context, serverID, p string) ([]agent.FileEntry, error) {
	b := f.b
	clean, err := f.readable("list", p)
	if err != nil {
		return nil, b.audit("file", "list", err, "path", p)
	}
	entries, err := b.deps.Agent.ListDir(ctx, serverID, clean)
	if entries == nil && err == nil {
		entries = []agent.FileEntry{}
	}
	return entries, b.audit("file", "list", err, "path", clean)
}

// Read requires file:read and an allowed read path.
func (f *File) Read(ctx context.Context, serverID, p string) (string, error) {
	b := f.b
	clean, err := f.readable("read", p)
	if err != nil {
		return "", b.audit("file", "read", err, "path", p)
	}
	content, err := b.deps.Agent.ReadFile(ctx, serverID, clean)
	return content, b.audit("file", "read", err, "path", clean)
}

// Write requires file:write and an allowed write path.
func (f *File) Write(ctx context.Context, serverID, p, content string) error {
	b := f.b
	if err := b.check(plugin.PermFileWrite, "file.write"); err != nil {
		return b.audit("file", "write", err, "path", p)
	}
	clean, err := b.deps.Allowlist.CheckWrite(b.id, p)
	if err != nil {
		return b.audit("file", "write", err, "path", p)
	}
	err = b.deps.Agent.WriteFile(ctx, serverID, clean, content)
	return b.audit("file", "write", err, "path", clean, "bytes", len(content))
}

// Exists requires file:read and an allowed read path. Agent failures report
// false rather than an error.
func (f *File) Exists(ctx context.Context, serverID, p string) (bool, error) {
	b := f.b
	clean, err := f.readable("exists", p)
	if err != nil {
		return false, b.audit("file", "exists", err, "path", p)
	}
	ok, err := b.deps.Agent.Exists(ctx, serverID, clean)
	if err != nil {
		b.log.Debug("exists check failed", "path", clean, "error", err)
		ok = false
	}
	return ok, b.audit("file", "exists", nil, "path", clean)
}

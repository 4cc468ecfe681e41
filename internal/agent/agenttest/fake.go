// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ServerHub Contributors

// Package agenttest provides an in-memory agent.Client for tests.
package agenttest

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Zhang142857/serverhub-sub000/internal/agent"
)

// Fake records calls and serves files from memory.
type Fake struct {
	mu       sync.Mutex
	Servers  []agent.Server
	Files    map[string]string
	Commands []string
	Info     map[string]any
	// Latency delays each command round-trip; set it before use.
	Latency time.Duration
}

var _ agent.Client = (*Fake)(nil)

// New returns a Fake with one server "srv-1".
func New() *Fake {
	return &Fake{
		Servers: []agent.Server{{ID: "srv-1", Name: "primary", Host: "10.0.0.1"}},
		Files:   map[string]string{},
		Info:    map[string]any{"hostname": "primary", "cpus": 4},
	}
}

// ConnectedServers returns the configured servers.
func (f *Fake) ConnectedServers(context.Context) ([]agent.Server, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]agent.Server(nil), f.Servers...), nil
}

// CurrentServer returns the first server.
func (f *Fake) CurrentServer(context.Context) (*agent.Server, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.Servers) == 0 {
		return nil, nil
	}
	s := f.Servers[0]
	return &s, nil
}

// SystemInfo returns Info.
func (f *Fake) SystemInfo(context.Context, string) (map[string]any, error) {
	return f.Info, nil
}

// ExecuteCommand records the command line and echoes it.
func (f *Fake) ExecuteCommand(ctx context.Context, _ string, command string, args []string) (*agent.CommandResult, error) {
	if f.Latency > 0 {
		select {
		case <-time.After(f.Latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	line := strings.Join(append([]string{command}, args...), " ")
	f.mu.Lock()
	f.Commands = append(f.Commands, line)
	f.mu.Unlock()
	return &agent.CommandResult{Stdout: line}, nil
}

// ListDir lists files stored under path.
func (f *Fake) ListDir(_ context.Context, _ string, path string) ([]agent.FileEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	prefix := strings.TrimSuffix(path, "/") + "/"
	var out []agent.FileEntry
	for name, content := range f.Files {
		if rest, ok := strings.CutPrefix(name, prefix); ok && !strings.Contains(rest, "/") {
			out = append(out, agent.FileEntry{Name: rest, Size: int64(len(content))})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// ReadFile returns stored content.
func (f *Fake) ReadFile(_ context.Context, _ string, path string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Files[path], nil
}

// WriteFile stores content.
func (f *Fake) WriteFile(_ context.Context, _ string, path, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Files[path] = content
	return nil
}

// Exists reports whether path is stored.
func (f *Fake) Exists(_ context.Context, _ string, path string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.Files[path]
	return ok, nil
}

// CommandLog returns the recorded command lines.
func (f *Fake) CommandLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.Commands...)
}

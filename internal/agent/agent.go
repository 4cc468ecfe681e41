// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ServerHub Contributors

// Package agent declares the remote-agent operations the plugin bridge
// consumes. The wire protocol lives elsewhere; plugins only see this interface
// through permission-checked bridge calls.
package agent

import (
	"context"
	"errors"
	"time"
)

// Server is a connected remote target.
type Server struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Host string `json:"host"`
}

// CommandResult is the outcome of a remote command.
type CommandResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exitCode"`
}

// FileEntry is one directory entry on a remote target.
type FileEntry struct {
	Name    string    `json:"name"`
	IsDir   bool      `json:"isDir"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"modTime"`
}

// Client is the remote-agent surface used by plugins.
type Client interface {
	ConnectedServers(ctx context.Context) ([]Server, error)
	// CurrentServer returns nil when no server is selected.
	CurrentServer(ctx context.Context) (*Server, error)
	SystemInfo(ctx context.Context, serverID string) (map[string]any, error)
	ExecuteCommand(ctx context.Context, serverID, command string, args []string) (*CommandResult, error)
	ListDir(ctx context.Context, serverID, path string) ([]FileEntry, error)
	ReadFile(ctx context.Context, serverID, path string) (string, error)
	WriteFile(ctx context.Context, serverID, path, content string) error
	// Exists reports whether path exists on the server.
	Exists(ctx context.Context, serverID, path string) (bool, error)
}

// ErrUnavailable is returned by Unavailable for every call.
var ErrUnavailable = errors.New("remote agent not connected")

// Unavailable is the Client used when no agent connection is configured.
type Unavailable struct{}

var _ Client = Unavailable{}

// ConnectedServers returns no servers.
func (Unavailable) ConnectedServers(context.Context) ([]Server, error) { return []Server{}, nil }

// CurrentServer returns nil.
func (Unavailable) CurrentServer(context.Context) (*Server, error) { return nil, nil }

// SystemInfo fails with ErrUnavailable.
func (Unavailable) SystemInfo(context.Context, string) (map[string]any, error) {
	return nil, ErrUnavailable
}

// ExecuteCommand fails with ErrUnavailable.
func (Unavailable) ExecuteCommand(context.Context, string, string, []string) (*CommandResult, error) {
	return nil, ErrUnavailable
}

// ListDir fails with ErrUnavailable.
func (Unavailable) ListDir(context.Context, string, string) ([]FileEntry, error) {
	return nil, ErrUnavailable
}

// ReadFile fails with ErrUnavailable.
func (Unavailable) ReadFile(context.Context, string, string) (string, error) {
	return "", ErrUnavailable
}

// WriteFile fails with ErrUnavailable.
func (Unavailable) WriteFile(context.Context, string, string, string) error {
	return ErrUnavailable
}

// Exists fails with ErrUnavailable.
func (Unavailable) Exists(context.Context, string, string) (bool, error) {
	return false, ErrUnavailable
}

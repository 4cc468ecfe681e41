// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ServerHub Contributors

package bridge

import (
	"context"

	"github.com/Zhang142857/serverhub-sub000/internal/agent"
	"github.com/Zhang142857/serverhub-sub000/internal/plugin"
)

// Server exposes connected remote targets.
type Server struct {
	b *Bridge
}

// ConnectedServers requires server:read.
func (s *Server) ConnectedServers(ctx context.Context) ([]agent.Server, error) {
	b := s.b
	if err := b.check(plugin.PermServerRead, "server.getConnectedServers"); err != nil {
		return nil, b.audit("server", "getConnectedServers", err)
	}
	servers, err := b.deps.Agent.ConnectedServers(ctx)
	return servers, b.audit("server", "getConnectedServers", err)
}

// CurrentServer requires server:read. It returns nil when nothing is selected.
func (s *Server) CurrentServer(ctx context.Context) (*agent.Server, error) {
	b := s.b
	if err := b.check(plugin.PermServerRead, "server.getCurrentServer"); err != nil {
		return nil, b.audit("server", "getCurrentServer", err)
	}
	cur, err := b.deps.Agent.CurrentServer(ctx)
	return cur, b.audit("server", "getCurrentServer", err)
}

// SystemInfo requires server:read.
func (s *Server) SystemInfo(ctx context.Context, serverID string) (map[string]any, error) {
	b := s.b
	if err := b.check(plugin.PermServerRead, "server.getSystemInfo"); err != nil {
		return nil, b.audit("server", "getSystemInfo", err, "server", serverID)
	}
	info, err := b.deps.Agent.SystemInfo(ctx, serverID)
	return info, b.audit("server", "getSystemInfo", err, "server", serverID)
}

// ExecuteCommand requires command:execute and an allowlisted base command.
func (s *Server) ExecuteCommand(ctx context.Context, serverID, command string, args []string) (*agent.CommandResult, error) {
	b := s.b
	if err := b.check(plugin.PermCommandExecute, "server.executeCommand"); err != nil {
		return nil, b.audit("server", "executeCommand", err, "server", serverID, "command", command)
	}
	if err := b.deps.Allowlist.CheckCommand(b.id, command, args); err != nil {
		return nil, b.audit("server", "executeCommand", err, "server", serverID, "command", command)
	}
	res, err := b.deps.Agent.ExecuteCommand(ctx, serverID, command, args)
	return res, b.audit("server", "executeCommand", err, "server", serverID, "command", command)
}

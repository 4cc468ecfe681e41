// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ServerHub Contributors

// Package config loads ServerHub plugin host configuration from built-in
// defaults, an optional YAML file and command-line flags, in that order of
// precedence (flags win).
package config

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"

	"github.com/Zhang142857/serverhub-sub000/internal/logging"
	"github.com/Zhang142857/serverhub-sub000/internal/plugin"
	"github.com/Zhang142857/serverhub-sub000/internal/plugin/bridge"
	"github.com/Zhang142857/serverhub-sub000/internal/plugin/sandbox"
	"github.com/Zhang142857/serverhub-sub000/internal/xdg"
)

// Default values.
const (
	DefaultAppVersion  = "1.0.0"
	DefaultLogFormat   = logging.FormatJSON
	DefaultLogLevel    = "info"
	DefaultUIAddr      = "127.0.0.1:7420"
	DefaultMetricsAddr = "127.0.0.1:7421"
	DefaultRetries     = 2
)

// Config is the resolved host configuration.
type Config struct {
	PluginsDir  string          `koanf:"plugins_dir"`
	StorageDir  string          `koanf:"storage_dir"`
	AppVersion  string          `koanf:"app_version"`
	LogFormat   string          `koanf:"log_format"`
	LogLevel    string          `koanf:"log_level"`
	UIAddr      string          `koanf:"ui_addr"`
	UITLS       bool            `koanf:"ui_tls"`
	CertsDir    string          `koanf:"certs_dir"`
	MetricsAddr string          `koanf:"metrics_addr"`
	Sandbox     Sandbox         `koanf:"sandbox"`
	Network     Network         `koanf:"network"`
	Sources     []plugin.Source `koanf:"sources"`
}

// Sandbox bounds script execution.
type Sandbox struct {
	ExecTimeout time.Duration `koanf:"exec_timeout"`
	MaxDelay    time.Duration `koanf:"max_delay"`
	MinInterval time.Duration `koanf:"min_interval"`
}

// Network configures the plugin network surface.
type Network struct {
	Timeout time.Duration `koanf:"timeout"`
	Retries int           `koanf:"retries"`
}

func defaults() (map[string]any, error) {
	pluginsDir, err := xdg.PluginsDir()
	if err != nil {
		return nil, err
	}
	storageDir, err := xdg.StorageDir()
	if err != nil {
		return nil, err
	}
	certsDir, err := xdg.CertsDir()
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"plugins_dir":          pluginsDir,
		"storage_dir":          storageDir,
		"app_version":          DefaultAppVersion,
		"log_format":           DefaultLogFormat,
		"log_level":            DefaultLogLevel,
		"ui_addr":              DefaultUIAddr,
		"ui_tls":               false,
		"certs_dir":            certsDir,
		"metrics_addr":         DefaultMetricsAddr,
		"sandbox.exec_timeout": sandbox.DefaultExecTimeout,
		"sandbox.max_delay":    sandbox.DefaultMaxDelay,
		"sandbox.min_interval": sandbox.DefaultMinInterval,
		"network.timeout":      bridge.DefaultNetworkTimeout,
		"network.retries":      DefaultRetries,
	}, nil
}

// RegisterFlags adds the flags Load understands to fs.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("plugins-dir", "", "plugin install directory (default: XDG_DATA_HOME/serverhub/plugins)")
	fs.String("storage-dir", "", "plugin storage directory (default: XDG_DATA_HOME/serverhub/plugin-data)")
	fs.String("app-version", DefaultAppVersion, "host version checked against plugin minAppVersion")
	fs.String("log-format", DefaultLogFormat, "log format (json or text)")
	fs.String("log-level", DefaultLogLevel, "log level (debug, info, warn, error)")
	fs.String("ui-addr", DefaultUIAddr, "UI websocket listen address (empty = disabled)")
	fs.Bool("ui-tls", false, "serve the UI websocket over TLS with a generated certificate")
	fs.String("metrics-addr", DefaultMetricsAddr, "metrics/health HTTP address (empty = disabled)")
}

// flagKeys maps flag names to config keys. Other flags are ignored.
var flagKeys = map[string]string{
	"plugins-dir":  "plugins_dir",
	"storage-dir":  "storage_dir",
	"app-version":  "app_version",
	"log-format":   "log_format",
	"log-level":    "log_level",
	"ui-addr":      "ui_addr",
	"ui-tls":       "ui_tls",
	"metrics-addr": "metrics_addr",
}

// Load resolves the configuration. An empty path means the default
// config.yaml, which may be absent; an explicit path must exist. flags may
// be nil.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	def, err := defaults()
	if err != nil {
		return nil, err
	}
	for key, v := range def {
		if err := k.Set(key, v); err != nil {
			return nil, oops.In("config").With("key", key).Wrap(err)
		}
	}

	explicit := path != ""
	if !explicit {
		if path, err = xdg.ConfigFile(); err != nil {
			return nil, err
		}
	}
	if _, err := os.Stat(path); explicit || !errors.Is(err, fs.ErrNotExist) {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, oops.In("config").With("path", path).Wrapf(err, "load config file")
		}
	}

	if flags != nil {
		provider := posflag.ProviderWithFlag(flags, ".", k, func(f *pflag.Flag) (string, any) {
			key, ok := flagKeys[f.Name]
			if !ok || (!f.Changed && f.Value.String() == "") {
				return "", nil
			}
			return key, posflag.FlagVal(flags, f)
		})
		if err := k.Load(provider, nil); err != nil {
			return nil, oops.In("config").Wrapf(err, "load flags")
		}
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, oops.In("config").Wrapf(err, "decode config")
	}
	return &cfg, nil
}

// Validate checks the configuration for values the host cannot run with.
func (c *Config) Validate() error {
	var errs []error
	invalid := func(key, format string, args ...any) {
		errs = append(errs, oops.In("config").With("key", key).Errorf(format, args...))
	}

	if strings.TrimSpace(c.PluginsDir) == "" {
		invalid("plugins_dir", "plugins_dir is required")
	}
	if strings.TrimSpace(c.StorageDir) == "" {
		invalid("storage_dir", "storage_dir is required")
	}
	if _, err := semver.NewVersion(c.AppVersion); err != nil {
		invalid("app_version", "app_version %q is not a semantic version", c.AppVersion)
	}
	if c.LogFormat == "" || !logging.ValidFormat(c.LogFormat) {
		invalid("log_format", "log_format must be 'json' or 'text', got %q", c.LogFormat)
	}
	if _, err := c.Level(); err != nil {
		invalid("log_level", "log_level %q is not a level", c.LogLevel)
	}
	if c.UITLS && strings.TrimSpace(c.CertsDir) == "" {
		invalid("certs_dir", "certs_dir is required when ui_tls is enabled")
	}
	if c.Sandbox.ExecTimeout <= 0 {
		invalid("sandbox.exec_timeout", "sandbox.exec_timeout must be positive")
	}
	if c.Sandbox.MaxDelay <= 0 {
		invalid("sandbox.max_delay", "sandbox.max_delay must be positive")
	}
	if c.Sandbox.MinInterval <= 0 {
		invalid("sandbox.min_interval", "sandbox.min_interval must be positive")
	}
	if c.Sandbox.MinInterval > c.Sandbox.MaxDelay {
		invalid("sandbox.min_interval", "sandbox.min_interval %s exceeds sandbox.max_delay %s", c.Sandbox.MinInterval, c.Sandbox.MaxDelay)
	}
	if c.Network.Timeout <= 0 {
		invalid("network.timeout", "network.timeout must be positive")
	}
	if c.Network.Retries < 0 {
		invalid("network.retries", "network.retries must not be negative")
	}
	for i, s := range c.Sources {
		if s.ID == "" || s.URL == "" {
			invalid("sources", "source %d requires id and url", i)
		}
		if s.Type == plugin.SourceOfficial {
			invalid("sources", "source %q cannot be official", s.ID)
		}
	}
	return errors.Join(errs...)
}

// Limits returns the sandbox limits.
func (c *Config) Limits() sandbox.Limits {
	return sandbox.Limits{
		ExecTimeout: c.Sandbox.ExecTimeout,
		MaxDelay:    c.Sandbox.MaxDelay,
		MinInterval: c.Sandbox.MinInterval,
	}
}

// Version parses AppVersion. Call after Validate.
func (c *Config) Version() *semver.Version {
	v, err := semver.NewVersion(c.AppVersion)
	if err != nil {
		return nil
	}
	return v
}

// Level parses LogLevel.
func (c *Config) Level() (slog.Level, error) {
	var level slog.Level
	err := level.UnmarshalText([]byte(c.LogLevel))
	return level, err //nolint:wrapcheck // caller reports the key
}

// EnsureDirs creates the plugins and storage directories.
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{c.PluginsDir, c.StorageDir} {
		if err := xdg.EnsureDir(dir); err != nil {
			return err
		}
	}
	return nil
}

// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ServerHub Contributors

// Package xdg provides XDG Base Directory paths for ServerHub.
package xdg

import (
	"os"
	"path/filepath"

	"github.com/samber/oops"
)

const appName = "serverhub"

// resolve returns $env/serverhub, or $HOME/fallback/serverhub when env is unset.
func resolve(env string, fallback ...string) (string, error) {
	if base := os.Getenv(env); base != "" {
		return filepath.Join(base, appName), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", oops.In("xdg").With("env", env).Wrapf(err, "resolve home directory")
	}
	return filepath.Join(append(append([]string{home}, fallback...), appName)...), nil
}

// ConfigDir returns $XDG_CONFIG_HOME/serverhub, falling back to ~/.config.
func ConfigDir() (string, error) {
	return resolve("XDG_CONFIG_HOME", ".config")
}

// DataDir returns $XDG_DATA_HOME/serverhub, falling back to ~/.local/share.
func DataDir() (string, error) {
	return resolve("XDG_DATA_HOME", ".local", "share")
}

// StateDir returns $XDG_STATE_HOME/serverhub, falling back to ~/.local/state.
func StateDir() (string, error) {
	return resolve("XDG_STATE_HOME", ".local", "state")
}

// PluginsDir is where installed plugin packages live by default.
func PluginsDir() (string, error) {
	dir, err := DataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "plugins"), nil
}

// StorageDir holds the per-plugin key-value documents by default.
func StorageDir() (string, error) {
	dir, err := DataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "plugin-data"), nil
}

// ConfigFile is the default config.yaml location.
func ConfigFile() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// CertsDir holds the generated UI channel certificates.
func CertsDir() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "certs"), nil
}

// EnsureDir creates path and its parents with 0700 permissions.
func EnsureDir(path string) error {
	if err := os.MkdirAll(path, 0o700); err != nil {
		return oops.In("xdg").With("path", path).Wrapf(err, "create directory")
	}
	return nil
}

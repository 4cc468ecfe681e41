// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ServerHub Contributors

package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Zhang142857/serverhub-sub000/internal/plugin"
)

// writeYAML renders v as a YAML document.
func writeYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	return enc.Close() //nolint:wrapcheck // flush only
}

// parseValue reads a command-line value as YAML, so numbers, booleans,
// lists and JSON objects keep their type and anything else is a string.
func parseValue(raw string) (any, error) {
	var v any
	if err := yaml.Unmarshal([]byte(raw), &v); err != nil {
		return nil, fmt.Errorf("invalid value %q: %w", raw, err)
	}
	return v, nil
}

// formatPluginTable renders plugins as an aligned table.
func formatPluginTable(w io.Writer, plugins []*plugin.LoadedPlugin) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ID\tVERSION\tRUNTIME\tSTATUS\tNAME")
	for _, p := range plugins {
		status := string(p.Status)
		if p.Error != "" {
			status += " (" + p.Error + ")"
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			p.ID(), p.Manifest.Version, p.Manifest.RuntimeKind(), status, p.Manifest.Name)
	}
	return tw.Flush() //nolint:wrapcheck // writer errors are reported as-is
}

// pluginInfo is the YAML view of one plugin.
type pluginInfo struct {
	ID           string              `yaml:"id"`
	Name         string              `yaml:"name"`
	Version      string              `yaml:"version"`
	Description  string              `yaml:"description,omitempty"`
	Author       string              `yaml:"author,omitempty"`
	Runtime      plugin.RuntimeKind  `yaml:"runtime"`
	Entry        string              `yaml:"entry"`
	Status       plugin.Status       `yaml:"status"`
	Error        string              `yaml:"error,omitempty"`
	Path         string              `yaml:"path"`
	Permissions  []plugin.Permission `yaml:"permissions,flow"`
	Dependencies []string            `yaml:"dependencies,omitempty,flow"`
	Menus        []string            `yaml:"menus,omitempty"`
	Tools        []string            `yaml:"tools,omitempty"`
	Config       map[string]any      `yaml:"config,omitempty"`
	InstalledAt  string              `yaml:"installedAt,omitempty"`
	UpdatedAt    string              `yaml:"updatedAt,omitempty"`
}

func newPluginInfo(p *plugin.LoadedPlugin) pluginInfo {
	m := p.Manifest
	info := pluginInfo{
		ID:           m.ID,
		Name:         m.Name,
		Version:      m.Version,
		Description:  m.Description,
		Author:       m.Author,
		Runtime:      m.RuntimeKind(),
		Entry:        m.EntryPoint(),
		Status:       p.Status,
		Error:        p.Error,
		Path:         p.Path,
		Permissions:  m.Permissions,
		Dependencies: m.Dependencies,
		Config:       p.EffectiveConfig(),
		InstalledAt:  formatTime(p.InstalledAt),
		UpdatedAt:    formatTime(p.UpdatedAt),
	}
	for _, menu := range m.Capabilities.Menus {
		info.Menus = append(info.Menus, plugin.NamespacedID(m.ID, menu.ID))
	}
	for _, t := range m.Capabilities.Tools {
		info.Tools = append(info.Tools, plugin.NamespacedID(m.ID, t.Name))
	}
	return info
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// splitAssignment parses "key=value".
func splitAssignment(arg string) (string, string, error) {
	key, value, ok := strings.Cut(arg, "=")
	if !ok || key == "" {
		return "", "", fmt.Errorf("expected key=value, got %q", arg)
	}
	return key, value, nil
}

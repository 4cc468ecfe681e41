// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ServerHub Contributors

// Package plugin provides plugin discovery, installation and lifecycle control.
package plugin

import (
	"encoding/json"
	"path"
	"regexp"
	"slices"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/invopop/jsonschema"
	"github.com/samber/oops"
)

// ManifestFile is the well-known manifest name at the root of a plugin package.
const ManifestFile = "plugin.json"

// RuntimeKind identifies the scripting engine that runs a plugin's entry code.
type RuntimeKind string

// Supported runtimes.
const (
	RuntimeLua RuntimeKind = "lua"
	RuntimeJS  RuntimeKind = "js"
)

// Default entry scripts per runtime.
const (
	DefaultLuaEntry = "main.lua"
	DefaultJSEntry  = "index.js"
)

// Permission is a capability class a plugin may request in its manifest.
type Permission string

// The fixed permission enumeration.
const (
	PermMenuRegister   Permission = "menu:register"
	PermRouteRegister  Permission = "route:register"
	PermToolRegister   Permission = "tool:register"
	PermServerRead     Permission = "server:read"
	PermServerWrite    Permission = "server:write"
	PermFileRead       Permission = "file:read"
	PermFileWrite      Permission = "file:write"
	PermCommandExecute Permission = "command:execute"
	PermNetworkRequest Permission = "network:request"
)

// AllPermissions lists every permission in declaration order.
var AllPermissions = []Permission{
	PermMenuRegister,
	PermRouteRegister,
	PermToolRegister,
	PermServerRead,
	PermServerWrite,
	PermFileRead,
	PermFileWrite,
	PermCommandExecute,
	PermNetworkRequest,
}

// Valid reports whether p is part of the fixed enumeration.
func (p Permission) Valid() bool {
	return slices.Contains(AllPermissions, p)
}

// JSONSchema restricts permissions to the enumeration in the generated schema.
func (Permission) JSONSchema() *jsonschema.Schema {
	enum := make([]any, len(AllPermissions))
	for i, p := range AllPermissions {
		enum[i] = string(p)
	}
	return &jsonschema.Schema{Type: "string", Enum: enum}
}

// MenuPosition is where a plugin menu entry is rendered.
type MenuPosition string

// Menu positions.
const (
	MenuSidebar MenuPosition = "sidebar"
	MenuTopbar  MenuPosition = "topbar"
	MenuContext MenuPosition = "context"
)

// Menu is a declared menu entry.
type Menu struct {
	ID       string       `json:"id"`
	Label    string       `json:"label"`
	Icon     string       `json:"icon,omitempty"`
	Route    string       `json:"route,omitempty"`
	Position MenuPosition `json:"position,omitempty" jsonschema:"enum=sidebar,enum=topbar,enum=context"`
	Order    int          `json:"order,omitempty"`
	Parent   string       `json:"parent,omitempty"`
}

// Route is a declared UI route.
type Route struct {
	Path      string         `json:"path"`
	Name      string         `json:"name"`
	Component string         `json:"component,omitempty"`
	Meta      map[string]any `json:"meta,omitempty"`
}

// ToolParameter describes one tool argument.
type ToolParameter struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
	Default     any    `json:"default,omitempty"`
}

// Tool is a declared tool whose handler is a named export of the entry script.
type Tool struct {
	Name        string                   `json:"name"`
	DisplayName string                   `json:"displayName,omitempty"`
	Description string                   `json:"description,omitempty"`
	Category    string                   `json:"category,omitempty"`
	Dangerous   bool                     `json:"dangerous,omitempty"`
	Parameters  map[string]ToolParameter `json:"parameters,omitempty"`
	Handler     string                   `json:"handler"`
}

// Capabilities groups a plugin's declarative contributions.
type Capabilities struct {
	Menus  []Menu  `json:"menus,omitempty"`
	Routes []Route `json:"routes,omitempty"`
	Tools  []Tool  `json:"tools,omitempty"`
}

// ConfigField describes one user-configurable setting.
type ConfigField struct {
	Label       string `json:"label"`
	Type        string `json:"type" jsonschema:"enum=string,enum=number,enum=boolean,enum=password,enum=select"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
	Default     any    `json:"default,omitempty"`
}

// Manifest represents a plugin.json file.
type Manifest struct {
	ID            string                 `json:"id" jsonschema:"minLength=1,maxLength=64"`
	Name          string                 `json:"name" jsonschema:"minLength=1"`
	Version       string                 `json:"version" jsonschema:"minLength=1"`
	Description   string                 `json:"description,omitempty"`
	Author        string                 `json:"author,omitempty"`
	Icon          string                 `json:"icon,omitempty"`
	Homepage      string                 `json:"homepage,omitempty"`
	Repository    string                 `json:"repository,omitempty"`
	Runtime       RuntimeKind            `json:"runtime,omitempty" jsonschema:"enum=lua,enum=js"`
	Main          string                 `json:"main,omitempty"`
	Renderer      string                 `json:"renderer,omitempty"`
	Permissions   []Permission           `json:"permissions,omitempty"`
	Capabilities  Capabilities           `json:"capabilities,omitempty"`
	Config        map[string]ConfigField `json:"config,omitempty"`
	Dependencies  []string               `json:"dependencies,omitempty"`
	MinAppVersion string                 `json:"minAppVersion,omitempty"`
}

const maxIDLength = 64

// idPattern keeps ids usable as directory names and namespace prefixes.
var idPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)

// ParseManifest parses and validates plugin.json content.
// Unknown fields are ignored.
func ParseManifest(data []byte) (*Manifest, error) {
	if err := ValidateSchema(data); err != nil {
		return nil, oops.In("manifest").Code(CodeManifest).Wrapf(ErrManifest, "%s", FormatSchemaError(err))
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, oops.In("manifest").Code(CodeManifest).Wrapf(ErrManifest, "invalid JSON: %v", err)
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}

	if m.Permissions == nil {
		m.Permissions = []Permission{}
	}
	return &m, nil
}

// Validate checks manifest constraints beyond the schema.
func (m *Manifest) Validate() error {
	if m.ID == "" || m.Name == "" || m.Version == "" {
		return m.invalid("missing required fields (id, name, version)")
	}
	if len(m.ID) > maxIDLength || !idPattern.MatchString(m.ID) || strings.Contains(m.ID, "..") {
		return m.invalid("id %q must match %s and be at most %d characters", m.ID, idPattern, maxIDLength)
	}
	if _, err := semver.NewVersion(m.Version); err != nil {
		return m.invalid("version %q is not a semantic version", m.Version)
	}
	if m.MinAppVersion != "" {
		if _, err := semver.NewVersion(m.MinAppVersion); err != nil {
			return m.invalid("minAppVersion %q is not a semantic version", m.MinAppVersion)
		}
	}

	switch m.Runtime {
	case "", RuntimeLua, RuntimeJS:
	default:
		return m.invalid("runtime must be 'lua' or 'js', got %q", m.Runtime)
	}
	if m.Main != "" && !localPath(m.Main) {
		return m.invalid("main %q must be a relative path inside the plugin", m.Main)
	}

	for _, p := range m.Permissions {
		if !p.Valid() {
			return m.invalid("unknown permission %q", p)
		}
	}
	for _, dep := range m.Dependencies {
		if dep == m.ID {
			return m.invalid("plugin cannot depend on itself")
		}
	}

	return m.validateCapabilities()
}

func (m *Manifest) validateCapabilities() error {
	caps := m.Capabilities
	if len(caps.Menus) > 0 && !m.HasPermission(PermMenuRegister) {
		return m.invalid("declaring menus requires %s", PermMenuRegister)
	}
	if len(caps.Routes) > 0 && !m.HasPermission(PermRouteRegister) {
		return m.invalid("declaring routes requires %s", PermRouteRegister)
	}
	if len(caps.Tools) > 0 && !m.HasPermission(PermToolRegister) {
		return m.invalid("declaring tools requires %s", PermToolRegister)
	}

	seen := make(map[string]bool)
	for _, menu := range caps.Menus {
		if !localID(menu.ID) {
			return m.invalid("menu id %q must be non-empty and contain no ':'", menu.ID)
		}
		if seen["menu/"+menu.ID] {
			return m.invalid("duplicate menu id %q", menu.ID)
		}
		seen["menu/"+menu.ID] = true
	}
	for _, route := range caps.Routes {
		if route.Path == "" || route.Name == "" {
			return m.invalid("routes require path and name")
		}
	}
	for _, tool := range caps.Tools {
		if !localID(tool.Name) {
			return m.invalid("tool name %q must be non-empty and contain no ':'", tool.Name)
		}
		if tool.Handler == "" {
			return m.invalid("tool %q has no handler", tool.Name)
		}
		if seen["tool/"+tool.Name] {
			return m.invalid("duplicate tool name %q", tool.Name)
		}
		seen["tool/"+tool.Name] = true
	}
	return nil
}

func (m *Manifest) invalid(format string, args ...any) error {
	return oops.In("manifest").
		Code(CodeManifest).
		With("plugin", m.ID).
		Wrapf(ErrManifest, format, args...)
}

// RuntimeKind returns the declared runtime, inferring it from main when absent.
func (m *Manifest) RuntimeKind() RuntimeKind {
	if m.Runtime != "" {
		return m.Runtime
	}
	if strings.HasSuffix(m.Main, ".js") {
		return RuntimeJS
	}
	return RuntimeLua
}

// EntryPoint returns the entry script path relative to the plugin directory.
func (m *Manifest) EntryPoint() string {
	if m.Main != "" {
		return m.Main
	}
	if m.RuntimeKind() == RuntimeJS {
		return DefaultJSEntry
	}
	return DefaultLuaEntry
}

// HasPermission reports whether the manifest declares p.
func (m *Manifest) HasPermission(p Permission) bool {
	return slices.Contains(m.Permissions, p)
}

// DependsOn reports whether id is a declared dependency.
func (m *Manifest) DependsOn(id string) bool {
	return slices.Contains(m.Dependencies, id)
}

// Tool returns the declared tool with the given local name.
func (m *Manifest) Tool(name string) (Tool, bool) {
	for _, t := range m.Capabilities.Tools {
		if t.Name == name {
			return t, true
		}
	}
	return Tool{}, false
}

// ConfigDefaults returns the default values declared in the config schema.
func (m *Manifest) ConfigDefaults() map[string]any {
	defaults := make(map[string]any, len(m.Config))
	for key, field := range m.Config {
		if field.Default != nil {
			defaults[key] = field.Default
		}
	}
	return defaults
}

// CheckCompatible verifies minAppVersion against the host version.
// A nil host version accepts every plugin.
func (m *Manifest) CheckCompatible(appVersion *semver.Version) error {
	if appVersion == nil || m.MinAppVersion == "" {
		return nil
	}
	minVersion, err := semver.NewVersion(m.MinAppVersion)
	if err != nil {
		return m.invalid("minAppVersion %q is not a semantic version", m.MinAppVersion)
	}
	if appVersion.LessThan(minVersion) {
		return oops.In("manifest").
			Code(CodeIncompatible).
			With("plugin", m.ID).
			With("min_app_version", m.MinAppVersion).
			With("app_version", appVersion.String()).
			Wrapf(ErrIncompatible, "plugin %s requires host %s or newer", m.ID, m.MinAppVersion)
	}
	return nil
}

// NamespacedID prefixes a local contribution id with the owning plugin id.
func NamespacedID(pluginID, localID string) string {
	return pluginID + ":" + localID
}

func localID(id string) bool {
	return id != "" && !strings.Contains(id, ":")
}

func localPath(p string) bool {
	if p == "" || strings.HasPrefix(p, "/") || strings.Contains(p, "\\") {
		return false
	}
	clean := path.Clean(p)
	return clean != ".." && !strings.HasPrefix(clean, "../")
}

// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ServerHub Contributors

package plugin

import "sort"

// PluginMenu is a declared menu entry of an enabled plugin.
type PluginMenu struct {
	Menu
	PluginID string `json:"pluginId"`
}

// PluginRoute is a declared route of an enabled plugin.
type PluginRoute struct {
	Route
	PluginID string `json:"pluginId"`
}

// PluginTool is a declared tool of an enabled plugin.
type PluginTool struct {
	Tool
	PluginID string `json:"pluginId"`
}

// Menus returns declared menus of enabled plugins ordered by order, then id.
func (l *Loader) Menus() []PluginMenu {
	var out []PluginMenu
	for _, lp := range l.Enabled() {
		for _, m := range lp.Manifest.Capabilities.Menus {
			out = append(out, PluginMenu{Menu: m, PluginID: lp.ID()})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Order != out[j].Order {
			return out[i].Order < out[j].Order
		}
		return NamespacedID(out[i].PluginID, out[i].ID) < NamespacedID(out[j].PluginID, out[j].ID)
	})
	return out
}

// Routes returns declared routes of enabled plugins.
func (l *Loader) Routes() []PluginRoute {
	var out []PluginRoute
	for _, lp := range l.Enabled() {
		for _, r := range lp.Manifest.Capabilities.Routes {
			out = append(out, PluginRoute{Route: r, PluginID: lp.ID()})
		}
	}
	return out
}

// Tools returns declared tools of enabled plugins.
func (l *Loader) Tools() []PluginTool {
	var out []PluginTool
	for _, lp := range l.Enabled() {
		for _, t := range lp.Manifest.Capabilities.Tools {
			out = append(out, PluginTool{Tool: t, PluginID: lp.ID()})
		}
	}
	return out
}

// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ServerHub Contributors

package plugin

import "log/slog"

// EventType names a loader lifecycle event.
type EventType string

// Lifecycle events published to observers.
const (
	EventInstalled     EventType = "installed"
	EventUpdated       EventType = "updated"
	EventUninstalled   EventType = "uninstalled"
	EventEnabled       EventType = "enabled"
	EventDisabled      EventType = "disabled"
	EventError         EventType = "error"
	EventConfigChanged EventType = "config"
)

// Event describes one lifecycle transition.
type Event struct {
	Type     EventType `json:"type"`
	PluginID string    `json:"pluginId"`
	Status   Status    `json:"status,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// Observer receives lifecycle events. Observers run synchronously while the
// loader holds its lifecycle lock and must not call back into the Loader.
type Observer func(Event)

func (l *Loader) emit(e Event) {
	for _, o := range l.observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("plugin event observer panicked", "event", e.Type, "plugin", e.PluginID, "panic", r)
				}
			}()
			o(e)
		}()
	}
}

// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ServerHub Contributors

package bridge

import (
	"context"
	"strings"

	"github.com/samber/oops"

	"github.com/Zhang142857/serverhub-sub000/internal/plugin"
	"github.com/Zhang142857/serverhub-sub000/internal/ui"
)

// UI forwards notifications, dialogs and menus to the presentation layer.
type UI struct {
	b *Bridge
}

// ShowNotification is fire-and-forget.
func (u *UI) ShowNotification(n ui.Notification) error {
	b := u.b
	if err := b.check("", "ui.showNotification"); err != nil {
		return b.audit("ui", "showNotification", err)
	}
	if n.Type == "" {
		n.Type = "info"
	}
	b.deps.UI.Notify(b.id, n)
	return b.audit("ui", "showNotification", nil, "title", n.Title)
}

// ShowDialog blocks until the presentation layer answers and returns the
// chosen button index.
func (u *UI) ShowDialog(ctx context.Context, d ui.Dialog) (int, error) {
	b := u.b
	if err := b.check("", "ui.showDialog"); err != nil {
		return 0, b.audit("ui", "showDialog", err)
	}
	if len(d.Buttons) == 0 {
		d.Buttons = []string{"OK"}
	}
	choice, err := b.deps.UI.Dialog(ctx, b.id, d)
	return choice, b.audit("ui", "showDialog", err, "title", d.Title)
}

// RegisterMenu adds a menu entry namespaced as "<pluginId>:<id>" and returns
// the namespaced id.
func (u *UI) RegisterMenu(m plugin.Menu) (string, error) {
	b := u.b
	if err := b.check(plugin.PermMenuRegister, "ui.registerMenu"); err != nil {
		return "", b.audit("ui", "registerMenu", err, "menu", m.ID)
	}
	if m.ID == "" || strings.Contains(m.ID, ":") || m.Label == "" {
		err := oops.In("bridge").With("plugin", b.id).With("menu", m.ID).
			Errorf("menu needs a local id without ':' and a label")
		return "", b.audit("ui", "registerMenu", err)
	}

	full := plugin.NamespacedID(b.id, m.ID)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.disposed {
		return "", b.audit("ui", "registerMenu", b.disposedErr("ui.registerMenu"))
	}
	b.deps.UI.RegisterMenu(b.id, ui.Menu{
		ID:       full,
		Label:    m.Label,
		Icon:     m.Icon,
		Route:    m.Route,
		Position: string(m.Position),
		Order:    m.Order,
		Parent:   m.Parent,
	})
	return full, b.audit("ui", "registerMenu", nil, "menu", full)
}

// UnregisterMenu removes a menu this plugin registered. Unknown ids are ignored.
func (u *UI) UnregisterMenu(localID string) error {
	b := u.b
	if err := b.check(plugin.PermMenuRegister, "ui.unregisterMenu"); err != nil {
		return b.audit("ui", "unregisterMenu", err, "menu", localID)
	}
	full := plugin.NamespacedID(b.id, localID)
	b.deps.UI.UnregisterMenu(b.id, full)
	return b.audit("ui", "unregisterMenu", nil, "menu", full)
}

// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ServerHub Contributors

// Package ui is the one-way message channel from plugins to the presentation
// layer. The Capability Bridge writes; presentation clients read.
package ui

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/Zhang142857/serverhub-sub000/internal/plugin"
)

// MessageType identifies a presentation message.
type MessageType string

// Message types.
const (
	MessageNotification   MessageType = "notification"
	MessageDialog         MessageType = "dialog"
	MessageMenuRegister   MessageType = "menu.register"
	MessageMenuUnregister MessageType = "menu.unregister"
	MessageLifecycle      MessageType = "plugin.lifecycle"
)

// Notification is a fire-and-forget toast.
type Notification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Type  string `json:"type,omitempty"`
}

// Dialog is a modal that resolves to the index of the chosen button.
type Dialog struct {
	Type    string   `json:"type,omitempty"`
	Title   string   `json:"title"`
	Message string   `json:"message"`
	Buttons []string `json:"buttons,omitempty"`
}

// Menu is a registered menu entry. ID is namespaced by plugin id.
type Menu struct {
	ID       string `json:"id"`
	PluginID string `json:"pluginId"`
	Label    string `json:"label"`
	Icon     string `json:"icon,omitempty"`
	Route    string `json:"route,omitempty"`
	Position string `json:"position,omitempty"`
	Order    int    `json:"order,omitempty"`
	Parent   string `json:"parent,omitempty"`
}

// Message is one presentation-channel message.
type Message struct {
	ID           string        `json:"id"`
	Type         MessageType   `json:"type"`
	PluginID     string        `json:"pluginId,omitempty"`
	Time         time.Time     `json:"time"`
	Menu         *Menu         `json:"menu,omitempty"`
	MenuID       string        `json:"menuId,omitempty"`
	Notification *Notification `json:"notification,omitempty"`
	Dialog       *Dialog       `json:"dialog,omitempty"`
	Event        *plugin.Event `json:"event,omitempty"`
}

// ErrNoPresenter is returned by Dialog when no client is attached.
var ErrNoPresenter = errors.New("no presentation client attached")

// Hub fans messages out to subscribers and owns the shared menu list.
type Hub struct {
	mu       sync.RWMutex
	subs     map[uint64]chan Message
	nextSub  uint64
	menus    map[string]Menu
	byPlugin map[string]map[string]struct{}
	pending  map[string]chan int
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		subs:     make(map[uint64]chan Message),
		menus:    make(map[string]Menu),
		byPlugin: make(map[string]map[string]struct{}),
		pending:  make(map[string]chan int),
	}
}

// Subscribe returns a channel of messages and a cancel func.
// Slow subscribers drop messages rather than block writers.
func (h *Hub) Subscribe(buffer int) (<-chan Message, func()) {
	ch := make(chan Message, buffer)
	h.mu.Lock()
	id := h.nextSub
	h.nextSub++
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
}

func (h *Hub) publish(msg Message) {
	h.publishWithID(ulid.Make().String(), msg)
}

func (h *Hub) publishWithID(id string, msg Message) {
	msg.ID = id
	msg.Time = time.Now()

	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, ch := range h.subs {
		select {
		case ch <- msg:
		default:
			slog.Warn("dropping ui message for slow subscriber", "subscriber", id, "type", msg.Type, "plugin", msg.PluginID)
		}
	}
}

func (h *Hub) subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Notify publishes a notification.
func (h *Hub) Notify(pluginID string, n Notification) {
	h.publish(Message{Type: MessageNotification, PluginID: pluginID, Notification: &n})
}

// Dialog publishes a dialog and waits for Respond or ctx.
func (h *Hub) Dialog(ctx context.Context, pluginID string, d Dialog) (int, error) {
	if h.subscribers() == 0 {
		return -1, ErrNoPresenter
	}

	reqID := ulid.Make().String()
	ch := make(chan int, 1)
	h.mu.Lock()
	h.pending[reqID] = ch
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.pending, reqID)
		h.mu.Unlock()
	}()

	h.publishWithID(reqID, Message{Type: MessageDialog, PluginID: pluginID, Dialog: &d})

	select {
	case button := <-ch:
		return button, nil
	case <-ctx.Done():
		return -1, oops.In("ui").With("plugin", pluginID).Wrap(ctx.Err())
	}
}

// Respond resolves a pending dialog. It reports whether the request was pending.
func (h *Hub) Respond(requestID string, button int) bool {
	h.mu.RLock()
	ch, ok := h.pending[requestID]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	select {
	case ch <- button:
		return true
	default:
		return false
	}
}

// RegisterMenu adds or replaces a menu entry owned by pluginID.
func (h *Hub) RegisterMenu(pluginID string, m Menu) {
	m.PluginID = pluginID
	h.mu.Lock()
	h.menus[m.ID] = m
	keys, ok := h.byPlugin[pluginID]
	if !ok {
		keys = make(map[string]struct{})
		h.byPlugin[pluginID] = keys
	}
	keys[m.ID] = struct{}{}
	h.mu.Unlock()

	h.publish(Message{Type: MessageMenuRegister, PluginID: pluginID, Menu: &m})
}

// UnregisterMenu removes a menu entry owned by pluginID.
func (h *Hub) UnregisterMenu(pluginID, id string) bool {
	h.mu.Lock()
	m, ok := h.menus[id]
	if !ok || m.PluginID != pluginID {
		h.mu.Unlock()
		return false
	}
	delete(h.menus, id)
	keys := h.byPlugin[pluginID]
	delete(keys, id)
	if len(keys) == 0 {
		delete(h.byPlugin, pluginID)
	}
	h.mu.Unlock()

	h.publish(Message{Type: MessageMenuUnregister, PluginID: pluginID, MenuID: id})
	return true
}

// UnregisterPlugin removes every menu owned by pluginID.
func (h *Hub) UnregisterPlugin(pluginID string) int {
	h.mu.Lock()
	keys := h.byPlugin[pluginID]
	ids := make([]string, 0, len(keys))
	for id := range keys {
		delete(h.menus, id)
		ids = append(ids, id)
	}
	delete(h.byPlugin, pluginID)
	h.mu.Unlock()

	sort.Strings(ids)
	for _, id := range ids {
		h.publish(Message{Type: MessageMenuUnregister, PluginID: pluginID, MenuID: id})
	}
	return len(ids)
}

// Menus returns registered menus ordered by order, then id.
func (h *Hub) Menus() []Menu {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Menu, 0, len(h.menus))
	for _, m := range h.menus {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Order != out[j].Order {
			return out[i].Order < out[j].Order
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// PublishEvent forwards a loader lifecycle event. It matches plugin.Observer.
func (h *Hub) PublishEvent(e plugin.Event) {
	h.publish(Message{Type: MessageLifecycle, PluginID: e.PluginID, Event: &e})
}

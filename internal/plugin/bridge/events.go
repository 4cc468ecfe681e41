// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ServerHub Contributors

package bridge

import (
	"context"
	"errors"
	"fmt"
)

// Handler receives the arguments passed to Emit.
type Handler func(ctx context.Context, args []any) error

// ListenerID identifies one subscription.
type ListenerID uint64

type listener struct {
	id ListenerID
	fn Handler
}

// Events is a publish/subscribe channel local to one plugin. Event names are
// namespaced by plugin id, so two plugins using the same name never meet.
type Events struct {
	b *Bridge
}

func (e *Events) key(event string) string {
	return "plugin:" + e.b.id + ":" + event
}

// On subscribes fn to event.
func (e *Events) On(event string, fn Handler) (ListenerID, error) {
	b := e.b
	if event == "" || fn == nil {
		return 0, b.audit("events", "on", fmt.Errorf("event name and handler are required"))
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.disposed {
		return 0, b.disposedErr("events.on")
	}
	b.nextID++
	id := b.nextID
	k := e.key(event)
	b.listeners[k] = append(b.listeners[k], listener{id: id, fn: fn})
	return id, nil
}

// Off removes a subscription and reports whether it existed.
func (e *Events) Off(event string, id ListenerID) bool {
	b := e.b
	b.mu.Lock()
	defer b.mu.Unlock()
	k := e.key(event)
	ls := b.listeners[k]
	for i, l := range ls {
		if l.id == id {
			b.listeners[k] = append(ls[:i:i], ls[i+1:]...)
			if len(b.listeners[k]) == 0 {
				delete(b.listeners, k)
			}
			return true
		}
	}
	return false
}

// Emit calls every handler of event in subscription order. Handler errors are
// logged and joined; a failing handler does not stop the others.
func (e *Events) Emit(ctx context.Context, event string, args ...any) error {
	b := e.b
	b.mu.Lock()
	if b.disposed {
		b.mu.Unlock()
		return b.disposedErr("events.emit")
	}
	ls := append([]listener(nil), b.listeners[e.key(event)]...)
	b.mu.Unlock()

	var errs []error
	for _, l := range ls {
		if err := l.fn(ctx, args); err != nil {
			b.log.Warn("event handler failed", "event", event, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

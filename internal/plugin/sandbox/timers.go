// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ServerHub Contributors

package sandbox

import (
	"context"
	"sync"
	"time"
)

// TimerID identifies a scheduled timer. IDs start at 1.
type TimerID int64

// Timers schedules script callbacks on a Loop with clamped durations:
// one-shot delays are capped at MaxDelay and repeating intervals are raised
// to at least MinInterval.
type Timers struct {
	loop   *Loop
	limits Limits

	mu     sync.Mutex
	next   TimerID
	active map[TimerID]*time.Timer
	closed bool
}

// NewTimers binds a timer set to loop.
func NewTimers(loop *Loop, limits Limits) *Timers {
	return &Timers{loop: loop, limits: limits.WithDefaults(), active: make(map[TimerID]*time.Timer)}
}

// ClampDelay applies the one-shot bounds.
func (t *Timers) ClampDelay(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	if d > t.limits.MaxDelay {
		return t.limits.MaxDelay
	}
	return d
}

// ClampInterval applies the repeating bounds.
func (t *Timers) ClampInterval(d time.Duration) time.Duration {
	if d < t.limits.MinInterval {
		return t.limits.MinInterval
	}
	return d
}

// SetTimeout runs fn once after the clamped delay. It returns 0 when the
// timer set is closed.
func (t *Timers) SetTimeout(delay time.Duration, fn func(ctx context.Context) error) TimerID {
	return t.schedule(t.ClampDelay(delay), false, fn)
}

// SetInterval runs fn repeatedly every clamped interval until cleared.
func (t *Timers) SetInterval(interval time.Duration, fn func(ctx context.Context) error) TimerID {
	return t.schedule(t.ClampInterval(interval), true, fn)
}

func (t *Timers) schedule(d time.Duration, repeat bool, fn func(ctx context.Context) error) TimerID {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return 0
	}
	t.next++
	id := t.next

	var timer *time.Timer
	timer = time.AfterFunc(d, func() {
		if !t.fire(id, repeat) {
			return
		}
		_ = t.loop.Post(fn)
		if repeat {
			t.mu.Lock()
			if _, ok := t.active[id]; ok && !t.closed {
				timer.Reset(d)
			}
			t.mu.Unlock()
		}
	})
	t.active[id] = timer
	return id
}

// fire reports whether id is still live and forgets one-shot timers.
func (t *Timers) fire(id TimerID, repeat bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.active[id]; !ok || t.closed {
		return false
	}
	if !repeat {
		delete(t.active, id)
	}
	return true
}

// Clear cancels a timer and reports whether it was pending.
func (t *Timers) Clear(id TimerID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	timer, ok := t.active[id]
	if !ok {
		return false
	}
	timer.Stop()
	delete(t.active, id)
	return true
}

// Close cancels every timer. Later schedules are ignored.
func (t *Timers) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for id, timer := range t.active {
		timer.Stop()
		delete(t.active, id)
	}
}

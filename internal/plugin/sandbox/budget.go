// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ServerHub Contributors

package sandbox

import (
	"context"
	"sync"
	"time"
)

// Budget bounds synchronous script execution. Time spent paused, waiting on
// the host, is not charged. Its context ends with cause
// context.DeadlineExceeded when the budget runs out and with ErrClosed when
// the loop closes.
type Budget struct {
	ctx    context.Context
	cancel context.CancelCauseFunc
	unlink func() bool

	mu     sync.Mutex
	timer  *time.Timer
	left   time.Duration
	start  time.Time
	paused int
}

// NewBudget starts a budget of d under parent, also ended by the loop closing.
func (l *Loop) NewBudget(parent context.Context, d time.Duration) *Budget {
	ctx, cancel := context.WithCancelCause(parent)
	b := &Budget{ctx: ctx, cancel: cancel, left: d, start: time.Now()}
	b.unlink = context.AfterFunc(l.base, func() { cancel(ErrClosed) })
	b.timer = time.AfterFunc(d, func() { cancel(context.DeadlineExceeded) })
	return b
}

// Context is cancelled when the budget is spent.
func (b *Budget) Context() context.Context {
	return b.ctx
}

// Pause stops the clock until the returned resume func runs. Pauses nest.
func (b *Budget) Pause() (resume func()) {
	b.mu.Lock()
	if b.paused == 0 && b.timer.Stop() {
		b.left -= time.Since(b.start)
	}
	b.paused++
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			b.paused--
			if b.paused == 0 && b.ctx.Err() == nil {
				b.start = time.Now()
				b.timer.Reset(max(b.left, 0))
			}
		})
	}
}

// Stop releases the budget. The context's cause stays whatever ended it first.
func (b *Budget) Stop() {
	b.mu.Lock()
	b.timer.Stop()
	b.mu.Unlock()
	b.unlink()
	b.cancel(context.Canceled)
}

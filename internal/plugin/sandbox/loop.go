// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ServerHub Contributors

package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/samber/oops"
)

const defaultQueueSize = 64

type loopKey struct{}

type task struct {
	ctx    context.Context
	fn     func(ctx context.Context) error
	result chan error
}

// Loop serializes all interpreter access for one plugin instance onto a
// single goroutine. Interpreter states are not goroutine-safe; every
// operation that touches one must go through Do or Post.
type Loop struct {
	queue  chan task
	done   chan struct{}
	exited chan struct{}
	closed atomic.Bool
	once   sync.Once
	async  sync.WaitGroup
	base   context.Context
	cancel context.CancelFunc
	log    *slog.Logger
}

// NewLoop starts a loop goroutine.
func NewLoop(logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	base, cancel := context.WithCancel(context.Background())
	l := &Loop{
		queue:  make(chan task, defaultQueueSize),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
		base:   base,
		cancel: cancel,
		log:    logger,
	}
	go l.run()
	return l
}

func (l *Loop) run() {
	defer close(l.exited)
	for {
		select {
		case <-l.done:
			l.drain()
			return
		case t := <-l.queue:
			t.result <- l.exec(t)
		}
	}
}

func (l *Loop) exec(t task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("panic on plugin loop", "panic", r, "stack", string(debug.Stack()))
			err = oops.In("sandbox").With("panic", fmt.Sprint(r)).Errorf("panic on plugin loop: %v", r)
		}
	}()
	if err := t.ctx.Err(); err != nil {
		return err
	}
	return t.fn(context.WithValue(t.ctx, loopKey{}, l))
}

func (l *Loop) drain() {
	for {
		select {
		case t := <-l.queue:
			t.result <- ErrClosed
		default:
			return
		}
	}
}

// OnLoop reports whether ctx belongs to a task running on this loop.
func (l *Loop) OnLoop(ctx context.Context) bool {
	owner, _ := ctx.Value(loopKey{}).(*Loop)
	return owner == l
}

// Context returns a context cancelled when the loop closes.
func (l *Loop) Context() context.Context {
	return l.base
}

// Do runs fn on the loop and waits for it. Called from a task already on
// this loop, fn runs inline so scripts can re-enter the host and back.
func (l *Loop) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if l.OnLoop(ctx) {
		return fn(ctx)
	}
	if l.closed.Load() {
		return ErrClosed
	}

	t := task{ctx: ctx, fn: fn, result: make(chan error, 1)}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		return ErrClosed
	case l.queue <- t:
	}

	select {
	case <-ctx.Done():
		// The task still runs; interpreters observe ctx and stop early.
		return ctx.Err()
	case err := <-t.result:
		return err
	}
}

// Post queues fn without waiting. fn receives the loop's base context;
// errors are logged.
func (l *Loop) Post(fn func(ctx context.Context) error) error {
	if l.closed.Load() {
		return ErrClosed
	}
	t := task{ctx: l.base, fn: fn, result: make(chan error, 1)}
	select {
	case <-l.done:
		return ErrClosed
	case l.queue <- t:
	default:
		return oops.In("sandbox").Errorf("plugin loop queue is full")
	}
	go func() {
		if err := <-t.result; err != nil && !errors.Is(err, ErrClosed) {
			l.log.Warn("async plugin task failed", "error", err)
		}
	}()
	return nil
}

// Go runs work on its own goroutine, then settle on the loop with the
// outcome. work sees ctx's values but not its deadline, and is cancelled when
// the loop closes. Only loop tasks may call Go.
func (l *Loop) Go(ctx context.Context, work func(ctx context.Context) (any, error), settle func(ctx context.Context, v any, err error) error) error {
	if l.closed.Load() {
		return ErrClosed
	}
	// A nil owner keeps work from running inline on the loop through Do.
	wctx, cancel := context.WithCancel(context.WithValue(context.WithoutCancel(ctx), loopKey{}, (*Loop)(nil)))
	stop := context.AfterFunc(l.base, cancel)
	l.async.Add(1)
	go func() {
		defer l.async.Done()
		defer stop()
		defer cancel()
		v, err := work(wctx)
		serr := l.Do(l.base, func(ctx context.Context) error {
			return settle(ctx, v, err)
		})
		if serr != nil && !errors.Is(serr, ErrClosed) && !errors.Is(serr, context.Canceled) {
			l.log.Warn("settling host call failed", "error", serr)
		}
	}()
	return nil
}

// Close stops the loop after the running task finishes. Queued tasks fail
// with ErrClosed and in-flight Go work is cancelled and waited for. It must
// not be called from the loop itself.
func (l *Loop) Close() {
	l.once.Do(func() {
		l.closed.Store(true)
		l.cancel()
		close(l.done)
	})
	<-l.exited
	l.async.Wait()
}

// Closed reports whether Close was called.
func (l *Loop) Closed() bool {
	return l.closed.Load()
}

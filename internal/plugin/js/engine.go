// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ServerHub Contributors

// Package js runs JavaScript plugins on goja.
//
// Plugin files are CommonJS modules. Each instance owns one goja.Runtime that
// only runs on the instance's sandbox.Loop; promises returned to the host are
// awaited off the loop while timers keep settling them.
package js

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/samber/oops"

	"github.com/Zhang142857/serverhub-sub000/internal/plugin"
	"github.com/Zhang142857/serverhub-sub000/internal/plugin/sandbox"
)

// Script conventions.
const (
	Extension = ".js"
	IndexFile = "index.js"
)

const maxCallStackSize = 1024

const (
	moduleHead = "(function (exports, require, module, __filename, __dirname) {"
	moduleTail = "\n})"
)

// hardenScript removes string-to-code paths: eval and every reachable
// function constructor.
const hardenScript = `(function () {
	"use strict";
	var deny = function () { throw new TypeError("dynamic code evaluation is disabled"); };
	var protos = [Function.prototype];
	["(async function () {})", "(function* () {})", "(async function* () {})"].forEach(function (src) {
		try { protos.push(Object.getPrototypeOf((0, eval)(src))); } catch (e) {}
	});
	protos.forEach(function (p) {
		Object.defineProperty(p, "constructor", { value: deny, writable: false, configurable: false });
	});
	deny.prototype = Function.prototype;
	globalThis.Function = deny;
	delete globalThis.eval;
})();`

// Engine loads JavaScript plugins.
type Engine struct{}

// NewEngine creates a JavaScript engine.
func NewEngine() *Engine {
	return &Engine{}
}

// Kind implements sandbox.Engine.
func (e *Engine) Kind() plugin.RuntimeKind {
	return plugin.RuntimeJS
}

// Load implements sandbox.Engine. The entry module's module.exports become
// the instance's exports.
func (e *Engine) Load(ctx context.Context, spec sandbox.Spec) (sandbox.Instance, error) {
	spec.Limits = spec.Limits.WithDefaults()
	if spec.Logger == nil {
		spec.Logger = slog.Default()
	}
	resolver, err := sandbox.NewResolver(spec.Dir, Extension, IndexFile)
	if err != nil {
		return nil, err
	}

	in := &instance{
		spec:     spec,
		log:      spec.Logger.With("plugin", spec.PluginID, "runtime", "js"),
		resolver: resolver,
		modules:  make(map[string]*goja.Object),
		builtins: make(map[string]goja.Value),
		waiters:  make(map[*waiter]struct{}),
		loop:     sandbox.NewLoop(spec.Logger),
	}
	in.timers = sandbox.NewTimers(in.loop, spec.Limits)

	if err := in.loop.Do(ctx, func(context.Context) error {
		return in.setup()
	}); err != nil {
		in.Close()
		return nil, err
	}

	if _, err := in.invoke(ctx, "load", func() (goja.Value, error) {
		return goja.Undefined(), in.loadEntry()
	}); err != nil {
		in.Close()
		return nil, err
	}
	return in, nil
}

type instance struct {
	spec      sandbox.Spec
	log       *slog.Logger
	resolver  *sandbox.Resolver
	loop      *sandbox.Loop
	timers    *sandbox.Timers
	closeOnce sync.Once

	hostMu   sync.Mutex
	inflight int
	waiters  map[*waiter]struct{}

	// Loop-owned.
	vm       *goja.Runtime
	exports  *goja.Object
	modules  map[string]*goja.Object
	builtins map[string]goja.Value
	ctx      context.Context
	depth    int
}

func (in *instance) setup() error {
	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	vm.SetMaxCallStackSize(maxCallStackSize)
	if _, err := vm.RunString(hardenScript); err != nil {
		return oops.In("js").With("plugin", in.spec.PluginID).Wrapf(err, "harden runtime")
	}
	in.vm = vm

	for name, v := range in.spec.Globals {
		if err := vm.Set(name, in.toJS(v)); err != nil {
			return oops.In("js").With("plugin", in.spec.PluginID).With("global", name).Wrap(err)
		}
	}
	b64 := sandbox.Builtins()["base64"]
	set := map[string]any{
		"console":       in.toJS(sandbox.Console(in.spec.Logger, in.spec.PluginID)),
		"btoa":          in.toJS(b64["encode"]),
		"atob":          in.toJS(b64["decode"]),
		"setTimeout":    in.setTimer(false),
		"setInterval":   in.setTimer(true),
		"clearTimeout":  in.clearTimer,
		"clearInterval": in.clearTimer,
	}
	for name, v := range set {
		if err := vm.Set(name, v); err != nil {
			return oops.In("js").With("plugin", in.spec.PluginID).With("global", name).Wrap(err)
		}
	}
	return nil
}

type settled struct {
	value any
	err   error
}

// waiter is a host caller awaiting a promise returned by the script. Its
// budget is paused while host calls of the instance are in flight.
type waiter struct {
	budget *sandbox.Budget
	ch     chan settled
	once   sync.Once
	resume func()
}

func (w *waiter) deliver(s settled) {
	w.once.Do(func() { w.ch <- s })
}

// invoke runs fn on the loop under the execution budget and converts its
// result. A pending promise is awaited off the loop under the same budget;
// on the loop it yields nil since waiting there would block the timers and
// host calls that settle it.
func (in *instance) invoke(ctx context.Context, phase string, fn func() (goja.Value, error)) (any, error) {
	budget := in.loop.NewBudget(ctx, in.spec.Limits.ExecTimeout)
	defer budget.Stop()
	callCtx := budget.Context()

	var out any
	var w *waiter
	err := in.loop.Do(callCtx, func(loopCtx context.Context) error {
		if in.vm == nil {
			return sandbox.ErrClosed
		}
		if in.depth == 0 {
			vm := in.vm
			fired := make(chan struct{})
			stop := context.AfterFunc(loopCtx, func() {
				vm.Interrupt(context.Cause(loopCtx))
				close(fired)
			})
			in.ctx = loopCtx
			defer func() {
				if !stop() {
					<-fired
				}
				vm.ClearInterrupt()
				in.ctx = nil
			}()
		}
		in.depth++
		defer func() { in.depth-- }()

		v, err := fn()
		if err != nil {
			return err
		}
		p, ok := promiseOf(v)
		if !ok {
			out = in.fromJS(v)
			return nil
		}
		switch p.State() {
		case goja.PromiseStateFulfilled:
			out = in.fromJS(p.Result())
		case goja.PromiseStateRejected:
			return in.rejection(p.Result())
		default:
			if !in.loop.OnLoop(ctx) {
				w = in.await(v.(*goja.Object), budget) //nolint:forcetypeassert // promiseOf checked
			}
		}
		return nil
	})
	if err != nil {
		return nil, sandbox.Classify(callCtx, in.spec.PluginID, phase, in.scriptError(err))
	}
	if w == nil {
		return out, nil
	}

	defer in.unwait(w)
	select {
	case s := <-w.ch:
		return s.value, s.err
	case <-callCtx.Done():
		return nil, sandbox.Classify(callCtx, in.spec.PluginID, phase, context.Cause(callCtx))
	}
}

func promiseOf(v goja.Value) (*goja.Promise, bool) {
	obj, ok := v.(*goja.Object)
	if !ok {
		return nil, false
	}
	p, ok := obj.Export().(*goja.Promise)
	return p, ok
}

// await attaches settlement handlers; they run on the loop when the promise
// settles.
func (in *instance) await(p *goja.Object, budget *sandbox.Budget) *waiter {
	w := &waiter{budget: budget, ch: make(chan settled, 1)}
	in.hostMu.Lock()
	in.waiters[w] = struct{}{}
	if in.inflight > 0 {
		w.resume = budget.Pause()
	}
	in.hostMu.Unlock()

	then, ok := goja.AssertFunction(p.Get("then"))
	if !ok {
		w.deliver(settled{err: oops.In("js").Errorf("promise has no then method")})
		return w
	}
	onFulfilled := in.vm.ToValue(func(call goja.FunctionCall) goja.Value {
		w.deliver(settled{value: in.fromJS(call.Argument(0))})
		return goja.Undefined()
	})
	onRejected := in.vm.ToValue(func(call goja.FunctionCall) goja.Value {
		w.deliver(settled{err: in.rejection(call.Argument(0))})
		return goja.Undefined()
	})
	if _, err := then(p, onFulfilled, onRejected); err != nil {
		w.deliver(settled{err: err})
	}
	return w
}

func (in *instance) unwait(w *waiter) {
	in.hostMu.Lock()
	delete(in.waiters, w)
	resume := w.resume
	w.resume = nil
	in.hostMu.Unlock()
	if resume != nil {
		resume()
	}
}

// beginHostCall pauses every waiting budget while an async host call runs.
func (in *instance) beginHostCall() {
	in.hostMu.Lock()
	defer in.hostMu.Unlock()
	in.inflight++
	if in.inflight > 1 {
		return
	}
	for w := range in.waiters {
		if w.resume == nil {
			w.resume = w.budget.Pause()
		}
	}
}

// endHostCall resumes waiting budgets once no host call is in flight. A
// failed settlement drops the promise reactions it would have run, so it
// fails every waiter.
func (in *instance) endHostCall(err error) {
	in.hostMu.Lock()
	defer in.hostMu.Unlock()
	in.inflight--
	for w := range in.waiters {
		if err != nil {
			w.deliver(settled{err: err})
		}
		if in.inflight == 0 && w.resume != nil {
			w.resume()
			w.resume = nil
		}
	}
}

// wrapAsync exposes a host function that waits on I/O. The script gets a
// promise at once; the call runs off the loop and settles the promise back
// on it.
func (in *instance) wrapAsync(f sandbox.AsyncFunc) goja.Value {
	return in.vm.ToValue(func(call goja.FunctionCall) goja.Value {
		args := in.goArgs(call)
		p, resolve, reject := in.vm.NewPromise()
		ctx := in.ctx
		if ctx == nil {
			ctx = in.loop.Context()
		}
		in.beginHostCall()
		err := in.loop.Go(ctx, func(ctx context.Context) (any, error) {
			return f(ctx, args)
		}, func(ctx context.Context, v any, callErr error) error {
			_, err := in.invoke(ctx, "settle", func() (goja.Value, error) {
				if callErr != nil {
					return goja.Undefined(), reject(in.vm.NewGoError(callErr))
				}
				return goja.Undefined(), resolve(in.toJS(v))
			})
			in.endHostCall(err)
			return err
		})
		if err != nil {
			in.endHostCall(nil)
			panic(in.vm.NewGoError(err))
		}
		return in.vm.ToValue(p)
	})
}

// callback captures a script function for the host.
func (in *instance) callback(fn goja.Callable) sandbox.Callback {
	return func(ctx context.Context, args ...any) (any, error) {
		return in.invoke(ctx, "callback", func() (goja.Value, error) {
			return fn(goja.Undefined(), in.jsArgs(args)...)
		})
	}
}

func (in *instance) jsArgs(args []any) []goja.Value {
	out := make([]goja.Value, len(args))
	for i, a := range args {
		out[i] = in.toJS(a)
	}
	return out
}

func (in *instance) setTimer(repeat bool) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		fn, ok := goja.AssertFunction(call.Argument(0))
		if !ok {
			panic(in.vm.NewTypeError("timer callback must be a function"))
		}
		ms := call.Argument(1).ToFloat()
		if math.IsNaN(ms) {
			ms = 0
		}
		var extra []goja.Value
		if len(call.Arguments) > 2 {
			extra = append(extra, call.Arguments[2:]...)
		}
		fire := func(ctx context.Context) error {
			if _, err := in.invoke(ctx, "timer", func() (goja.Value, error) {
				return fn(goja.Undefined(), extra...)
			}); err != nil {
				in.log.Warn("timer callback failed", "error", err)
			}
			return nil
		}
		d := time.Duration(ms * float64(time.Millisecond))
		var id sandbox.TimerID
		if repeat {
			id = in.timers.SetInterval(d, fire)
		} else {
			id = in.timers.SetTimeout(d, fire)
		}
		return in.vm.ToValue(int64(id))
	}
}

func (in *instance) clearTimer(call goja.FunctionCall) goja.Value {
	return in.vm.ToValue(in.timers.Clear(sandbox.TimerID(call.Argument(0).ToInteger())))
}

func (in *instance) loadEntry() error {
	path, err := in.resolver.ResolveEntry(in.spec.Entry)
	if errors.Is(err, sandbox.ErrModuleNotFound) {
		in.log.Debug("no entry script, plugin exports nothing", "entry", in.spec.Entry)
		in.exports = in.vm.NewObject()
		return nil
	}
	if err != nil {
		return err
	}
	mod, err := in.loadModule(path)
	if err != nil {
		return err
	}
	in.exports = mod.Get("exports").ToObject(in.vm)
	return nil
}

// loadModule evaluates a CommonJS file once. The module is cached before
// evaluation so require cycles see partial exports.
func (in *instance) loadModule(path string) (*goja.Object, error) {
	if mod, ok := in.modules[path]; ok {
		return mod, nil
	}
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, oops.In("js").With("plugin", in.spec.PluginID).With("file", path).Wrap(err)
	}
	prog, err := goja.Compile(path, moduleHead+string(src)+moduleTail, false)
	if err != nil {
		return nil, oops.In("js").With("plugin", in.spec.PluginID).With("file", path).Wrap(err)
	}
	wrapper, err := in.vm.RunProgram(prog)
	if err != nil {
		return nil, err
	}
	fn, ok := goja.AssertFunction(wrapper)
	if !ok {
		return nil, oops.In("js").With("file", path).Errorf("module wrapper is not a function")
	}

	vm := in.vm
	mod := vm.NewObject()
	exports := vm.NewObject()
	_ = mod.Set("exports", exports)
	_ = mod.Set("id", path)
	in.modules[path] = mod

	if _, err := fn(goja.Undefined(),
		exports,
		vm.ToValue(in.requireFrom(path)),
		mod,
		vm.ToValue(path),
		vm.ToValue(filepath.Dir(path)),
	); err != nil {
		delete(in.modules, path)
		return nil, err
	}
	return mod, nil
}

// requireFrom returns the require function for the module at from: built-in
// modules by name, files by path relative to from.
func (in *instance) requireFrom(from string) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		v, err := in.require(from, call.Argument(0).String())
		if err != nil {
			var ex *goja.Exception
			if errors.As(err, &ex) {
				panic(ex.Value())
			}
			panic(in.vm.NewGoError(err))
		}
		return v
	}
}

func (in *instance) require(from, name string) (goja.Value, error) {
	if v, ok := in.builtins[name]; ok {
		return v, nil
	}
	if mod, ok := in.spec.Modules[name]; ok {
		v := in.toJS(mod)
		in.builtins[name] = v
		return v, nil
	}
	if !sandbox.IsRelative(name) {
		return nil, oops.In("js").
			With("plugin", in.spec.PluginID).
			With("module", name).
			Wrapf(sandbox.ErrModuleNotFound, "cannot find module %q", name)
	}
	path, err := in.resolver.Resolve(from, name)
	if err != nil {
		return nil, err
	}
	mod, err := in.loadModule(path)
	if err != nil {
		return nil, err
	}
	return mod.Get("exports"), nil
}

// Has implements sandbox.Instance.
func (in *instance) Has(name string) bool {
	found := false
	_ = in.loop.Do(context.Background(), func(context.Context) error {
		if in.exports != nil {
			_, found = goja.AssertFunction(in.exports.Get(name))
		}
		return nil
	})
	return found
}

// Call implements sandbox.Instance.
func (in *instance) Call(ctx context.Context, name string, args ...any) (any, error) {
	return in.invoke(ctx, name, func() (goja.Value, error) {
		fn, ok := goja.AssertFunction(in.exports.Get(name))
		if !ok {
			return nil, sandbox.FunctionNotFound(in.spec.PluginID, name)
		}
		return fn(in.exports, in.jsArgs(args)...)
	})
}

// Close implements sandbox.Instance. Closing the loop first cancels host
// calls in flight; the runtime is released once the loop has exited.
func (in *instance) Close() error {
	in.closeOnce.Do(func() {
		in.timers.Close()
		in.loop.Close()
		in.vm = nil
		in.exports = nil
	})
	return nil
}

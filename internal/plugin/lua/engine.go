// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ServerHub Contributors

package lua

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/samber/oops"
	lua "github.com/yuin/gopher-lua"

	"github.com/Zhang142857/serverhub-sub000/internal/plugin"
	"github.com/Zhang142857/serverhub-sub000/internal/plugin/sandbox"
)

// Script conventions.
const (
	Extension = ".lua"
	IndexFile = "init.lua"
)

// Engine loads Lua plugins.
type Engine struct {
	factory *StateFactory
}

// NewEngine creates a Lua engine.
func NewEngine() *Engine {
	return &Engine{factory: NewStateFactory()}
}

// Kind implements sandbox.Engine.
func (e *Engine) Kind() plugin.RuntimeKind {
	return plugin.RuntimeLua
}

// Load implements sandbox.Engine. The entry chunk may return its exports as
// a table, fill the predeclared exports table, or define globals.
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
		log:      spec.Logger.With("plugin", spec.PluginID, "runtime", "lua"),
		resolver: resolver,
		modules:  make(map[string]lua.LValue),
		loop:     sandbox.NewLoop(spec.Logger),
	}
	in.timers = sandbox.NewTimers(in.loop, spec.Limits)

	if err := in.loop.Do(ctx, func(ctx context.Context) error {
		L, err := e.factory.NewState(ctx)
		if err != nil {
			return err
		}
		in.L = L
		in.errMeta = in.newErrorMeta()
		in.install()
		return nil
	}); err != nil {
		in.Close()
		return nil, err
	}

	if err := in.run(ctx, "load", func(ctx context.Context) error {
		return in.loadEntry()
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

	// Loop-owned.
	L       *lua.LState
	budget  *sandbox.Budget
	errMeta *lua.LTable
	exports *lua.LTable
	modules map[string]lua.LValue
	loading []string
}

// run executes fn on the loop with the state bound to the context of an
// execution budget. Nested runs reuse the outer binding.
func (in *instance) run(ctx context.Context, phase string, fn func(ctx context.Context) error) error {
	budget := in.loop.NewBudget(ctx, in.spec.Limits.ExecTimeout)
	defer budget.Stop()
	callCtx := budget.Context()

	err := in.loop.Do(callCtx, func(ctx context.Context) error {
		if in.L == nil {
			return sandbox.ErrClosed
		}
		if in.L.Context() != nil {
			return fn(ctx)
		}
		in.L.SetContext(ctx)
		in.budget = budget
		defer func() {
			in.L.RemoveContext()
			in.budget = nil
		}()
		return fn(ctx)
	})
	return sandbox.Classify(callCtx, in.spec.PluginID, phase, in.scriptError(err))
}

func (in *instance) install() {
	L := in.L
	for name, v := range in.spec.Globals {
		L.SetGlobal(name, in.toLua(v))
	}
	L.SetGlobal("exports", L.NewTable())
	L.SetGlobal("require", L.NewFunction(in.require))
	L.SetGlobal("print", in.wrapFunc(sandbox.Printer(in.spec.Logger, in.spec.PluginID)))

	L.SetGlobal("set_timeout", L.NewFunction(in.setTimer(false)))
	L.SetGlobal("set_interval", L.NewFunction(in.setTimer(true)))
	clearTimer := L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LBool(in.timers.Clear(sandbox.TimerID(L.CheckInt64(1)))))
		return 1
	})
	L.SetGlobal("clear_timeout", clearTimer)
	L.SetGlobal("clear_interval", clearTimer)
}

func (in *instance) setTimer(repeat bool) lua.LGFunction {
	return func(L *lua.LState) int {
		cb := in.callback(L.CheckFunction(1))
		d := time.Duration(float64(L.OptNumber(2, 0)) * float64(time.Millisecond))
		fire := func(ctx context.Context) error {
			_, err := cb(ctx)
			if err != nil {
				in.log.Warn("timer callback failed", "error", err)
			}
			return nil
		}
		var id sandbox.TimerID
		if repeat {
			id = in.timers.SetInterval(d, fire)
		} else {
			id = in.timers.SetTimeout(d, fire)
		}
		L.Push(lua.LNumber(id))
		return 1
	}
}

// wrapFunc exposes a host function to scripts. Host errors are raised as
// error userdata.
func (in *instance) wrapFunc(f sandbox.Func) *lua.LFunction {
	return in.L.NewFunction(func(L *lua.LState) int {
		return in.callHost(L, f)
	})
}

// wrapAsync exposes a host function that waits on I/O. The script blocks on
// the call but the execution budget is paused until it returns.
func (in *instance) wrapAsync(f sandbox.AsyncFunc) *lua.LFunction {
	return in.L.NewFunction(func(L *lua.LState) int {
		if in.budget != nil {
			defer in.budget.Pause()()
		}
		return in.callHost(L, sandbox.Func(f))
	})
}

func (in *instance) callHost(L *lua.LState, f sandbox.Func) int {
	top := L.GetTop()
	args := make([]any, top)
	for i := 1; i <= top; i++ {
		args[i-1] = in.fromLua(L.Get(i))
	}
	ctx := L.Context()
	if ctx == nil {
		ctx = in.loop.Context()
	}
	out, err := f(ctx, args)
	if err != nil {
		in.raise(L, err)
		return 0
	}
	L.Push(in.toLua(out))
	return 1
}

// callback captures a script function for the host.
func (in *instance) callback(fn *lua.LFunction) sandbox.Callback {
	return func(ctx context.Context, args ...any) (any, error) {
		var out any
		err := in.run(ctx, "callback", func(context.Context) error {
			var err error
			out, err = in.call(fn, args)
			return err
		})
		return out, err
	}
}

// call invokes fn on the loop and converts its first result.
func (in *instance) call(fn *lua.LFunction, args []any) (any, error) {
	L := in.L
	largs := make([]lua.LValue, len(args))
	for i, a := range args {
		largs[i] = in.toLua(a)
	}
	if err := L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, largs...); err != nil {
		return nil, err
	}
	ret := L.Get(-1)
	L.Pop(1)
	return in.fromLua(ret), nil
}

func (in *instance) loadEntry() error {
	path, err := in.resolver.ResolveEntry(in.spec.Entry)
	if errors.Is(err, sandbox.ErrModuleNotFound) {
		in.log.Debug("no entry script, plugin exports nothing", "entry", in.spec.Entry)
		in.exports = in.L.NewTable()
		return nil
	}
	if err != nil {
		return err
	}

	host := make(map[lua.LValue]bool)
	in.L.G.Global.ForEach(func(k, _ lua.LValue) { host[k] = true })

	ret, err := in.evalFile(path)
	if err != nil {
		return err
	}
	switch {
	case ret.Type() == lua.LTTable:
		in.exports = ret.(*lua.LTable)
	case tableLen(in.L.GetGlobal("exports")) > 0:
		in.exports = in.L.GetGlobal("exports").(*lua.LTable)
	default:
		in.exports = scriptGlobals(in.L, host)
	}
	return nil
}

// scriptGlobals collects the globals the entry chunk defined, leaving out
// everything installed before it ran.
func scriptGlobals(L *lua.LState, host map[lua.LValue]bool) *lua.LTable {
	t := L.NewTable()
	L.G.Global.ForEach(func(k, v lua.LValue) {
		if !host[k] {
			t.RawSet(k, v)
		}
	})
	return t
}

func tableLen(v lua.LValue) int {
	t, ok := v.(*lua.LTable)
	if !ok {
		return 0
	}
	n := 0
	t.ForEach(func(lua.LValue, lua.LValue) { n++ })
	return n
}

// evalFile compiles and runs one module file with the loading stack set so
// relative requires resolve against it.
func (in *instance) evalFile(path string) (lua.LValue, error) {
	L := in.L
	fn, err := L.LoadFile(path)
	if err != nil {
		return lua.LNil, oops.In("lua").With("plugin", in.spec.PluginID).With("file", path).Wrap(err)
	}
	in.loading = append(in.loading, path)
	defer func() { in.loading = in.loading[:len(in.loading)-1] }()

	if err := L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}); err != nil {
		return lua.LNil, err
	}
	ret := L.Get(-1)
	L.Pop(1)
	return ret, nil
}

// require loads a built-in module by name, a file relative to the calling
// module ("./util", "../lib/x") or a dotted path from the plugin root
// ("lib.util"). Results are cached per resolved file.
func (in *instance) require(L *lua.LState) int {
	name := L.CheckString(1)

	if mod, ok := in.spec.Modules[name]; ok {
		key := "builtin:" + name
		if v, ok := in.modules[key]; ok {
			L.Push(v)
			return 1
		}
		v := in.toLua(mod)
		in.modules[key] = v
		L.Push(v)
		return 1
	}

	from := ""
	if sandbox.IsRelative(name) {
		if n := len(in.loading); n > 0 {
			from = in.loading[n-1]
		}
	} else {
		name = "./" + strings.ReplaceAll(name, ".", "/")
	}
	path, err := in.resolver.Resolve(from, name)
	if err != nil {
		in.raise(L, err)
		return 0
	}
	if v, ok := in.modules[path]; ok {
		L.Push(v)
		return 1
	}

	ret, err := in.evalFile(path)
	if err != nil {
		var apiErr *lua.ApiError
		if errors.As(err, &apiErr) && apiErr.Object != nil {
			L.Error(apiErr.Object, 0)
			return 0
		}
		in.raise(L, err)
		return 0
	}
	if ret == lua.LNil {
		ret = lua.LTrue
	}
	in.modules[path] = ret
	L.Push(ret)
	return 1
}

// Has implements sandbox.Instance.
func (in *instance) Has(name string) bool {
	found := false
	_ = in.loop.Do(context.Background(), func(context.Context) error {
		if in.exports != nil {
			_, found = in.exports.RawGetString(name).(*lua.LFunction)
		}
		return nil
	})
	return found
}

// Call implements sandbox.Instance.
func (in *instance) Call(ctx context.Context, name string, args ...any) (any, error) {
	var out any
	err := in.run(ctx, name, func(context.Context) error {
		fn, ok := in.exports.RawGetString(name).(*lua.LFunction)
		if !ok {
			return sandbox.FunctionNotFound(in.spec.PluginID, name)
		}
		var err error
		out, err = in.call(fn, args)
		return err
	})
	return out, err
}

// Close implements sandbox.Instance. Closing the loop first cancels a host
// call the script is blocked on; the state is released once the loop has
// exited.
func (in *instance) Close() error {
	in.closeOnce.Do(func() {
		in.timers.Close()
		in.loop.Close()
		if in.L != nil {
			in.L.Close()
			in.L = nil
		}
	})
	return nil
}

// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ServerHub Contributors

// Package sandbox holds the engine-neutral parts of plugin script execution:
// the per-plugin event loop, clamped timers, the path-confined module
// resolver, built-in modules and the "serverhub" binding table.
//
// Script engines (lua, js) implement Engine and expose host values to scripts
// by converting Func, Module and plain data values.
package sandbox

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/samber/oops"

	"github.com/Zhang142857/serverhub-sub000/internal/plugin"
)

// BindingName is the global under which the bridge is exposed to scripts.
const BindingName = "serverhub"

// Default limits.
const (
	DefaultExecTimeout = 10 * time.Second
	DefaultMaxDelay    = 60 * time.Second
	DefaultMinInterval = time.Second
)

// ErrClosed is returned when an instance or loop has been closed.
var ErrClosed = errors.New("sandbox closed")

// Func is a host function callable from scripts. Arguments arrive as plain
// values: nil, bool, int64, float64, string, []any, map[string]any or Callback.
type Func func(ctx context.Context, args []any) (any, error)

// AsyncFunc is a host function that waits on I/O: the remote agent, the
// network or a user answering a dialog. Engines never charge the wait to the
// execution timeout; the JS engine runs it off the loop behind a promise.
type AsyncFunc func(ctx context.Context, args []any) (any, error)

// Callback is a script function captured by the host. Calling it runs the
// function on the owning instance's loop under the execution timeout.
type Callback func(ctx context.Context, args ...any) (any, error)

// Module is a table of exported values: Func, nested Module, or plain data.
type Module map[string]any

// Limits bound script execution.
type Limits struct {
	ExecTimeout time.Duration
	MaxDelay    time.Duration
	MinInterval time.Duration
}

// DefaultLimits returns the standard limits.
func DefaultLimits() Limits {
	return Limits{ExecTimeout: DefaultExecTimeout, MaxDelay: DefaultMaxDelay, MinInterval: DefaultMinInterval}
}

// WithDefaults replaces non-positive limits by their defaults.
func (l Limits) WithDefaults() Limits {
	d := DefaultLimits()
	if l.ExecTimeout <= 0 {
		l.ExecTimeout = d.ExecTimeout
	}
	if l.MaxDelay <= 0 {
		l.MaxDelay = d.MaxDelay
	}
	if l.MinInterval <= 0 {
		l.MinInterval = d.MinInterval
	}
	return l
}

// Spec describes one plugin instance to load.
type Spec struct {
	PluginID string
	// Dir is the plugin install directory; module resolution is confined to it.
	Dir string
	// Entry is the entry script relative to Dir.
	Entry string
	// Globals are injected as script globals, typically {BindingName: Bind(...)}.
	Globals map[string]any
	// Modules are the built-in modules available through require.
	Modules map[string]Module
	Limits  Limits
	Logger  *slog.Logger
}

// Engine loads plugin scripts for one runtime kind.
type Engine interface {
	Kind() plugin.RuntimeKind
	// Load evaluates the entry script under the execution timeout and
	// returns the running instance.
	Load(ctx context.Context, spec Spec) (Instance, error)
}

// Instance is a loaded plugin script.
type Instance interface {
	// Has reports whether the script exports a function called name.
	Has(name string) bool
	// Call invokes an exported function. Missing exports fail with
	// plugin.ErrFunctionNotFound; overruns fail with plugin.ErrExecutionTimeout.
	Call(ctx context.Context, name string, args ...any) (any, error)
	// Close cancels timers, stops the loop and releases the interpreter.
	Close() error
}

// FunctionNotFound builds the error for a missing export.
func FunctionNotFound(pluginID, name string) error {
	return oops.In("sandbox").
		Code(plugin.CodeFunctionNotFound).
		With("plugin", pluginID).
		With("function", name).
		Wrapf(plugin.ErrFunctionNotFound, "plugin %s exports no function %q", pluginID, name)
}

// Classify turns a failure during a call bounded by callCtx into a timeout
// error when the deadline expired, and otherwise returns err unchanged.
func Classify(callCtx context.Context, pluginID, phase string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(context.Cause(callCtx), context.DeadlineExceeded) {
		return oops.In("sandbox").
			Code(plugin.CodeExecutionTimeout).
			With("plugin", pluginID).
			With("phase", phase).
			Wrapf(plugin.ErrExecutionTimeout, "plugin %s: %s exceeded execution timeout", pluginID, phase)
	}
	return err
}

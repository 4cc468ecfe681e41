// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ServerHub Contributors

// Package runtime owns running plugin instances. It implements
// plugin.Activator: each activation builds a capability bridge, loads the
// entry script in the engine for the manifest's runtime, runs the activate
// hook and registers the manifest's declared menus and tools through the
// bridge so one Dispose tears everything down.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/samber/oops"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Zhang142857/serverhub-sub000/internal/observability"
	"github.com/Zhang142857/serverhub-sub000/internal/plugin"
	"github.com/Zhang142857/serverhub-sub000/internal/plugin/bridge"
	"github.com/Zhang142857/serverhub-sub000/internal/plugin/js"
	"github.com/Zhang142857/serverhub-sub000/internal/plugin/lua"
	"github.com/Zhang142857/serverhub-sub000/internal/plugin/sandbox"
	"github.com/Zhang142857/serverhub-sub000/internal/tools"
)

var tracer = otel.Tracer("serverhub/plugin/runtime")

// Hook names looked up on a plugin's exports.
const (
	HookActivate     = "activate"
	HookDeactivate   = "deactivate"
	HookConfigChange = "onConfigChange"
)

// Options configures a Runtime.
type Options struct {
	// Bridges creates the capability bridge of each activation. Required.
	Bridges *bridge.Factory
	// Engines defaults to the Lua and JavaScript engines.
	Engines []sandbox.Engine
	// Modules defaults to sandbox.Builtins.
	Modules map[string]sandbox.Module
	Limits  sandbox.Limits
	Metrics *observability.Metrics
	Logger  *slog.Logger
}

// Runtime runs at most one instance per plugin id. Lifecycle transitions for
// the same id are exclusive: a second concurrent one fails with plugin.ErrBusy.
type Runtime struct {
	bridges *bridge.Factory
	engines map[plugin.RuntimeKind]sandbox.Engine
	modules map[string]sandbox.Module
	limits  sandbox.Limits
	metrics *observability.Metrics
	log     *slog.Logger

	mu        sync.RWMutex
	instances map[string]*instance
	pending   map[string]bool
}

type instance struct {
	manifest    *plugin.Manifest
	bridge      *bridge.Bridge
	script      sandbox.Instance
	activatedAt time.Time
}

var _ plugin.Activator = (*Runtime)(nil)

// New creates a runtime.
func New(opts Options) *Runtime {
	if opts.Bridges == nil {
		opts.Bridges = bridge.NewFactory(bridge.Deps{Metrics: opts.Metrics, Logger: opts.Logger})
	}
	if opts.Engines == nil {
		opts.Engines = []sandbox.Engine{lua.NewEngine(), js.NewEngine()}
	}
	if opts.Modules == nil {
		opts.Modules = sandbox.Builtins()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	engines := make(map[plugin.RuntimeKind]sandbox.Engine, len(opts.Engines))
	for _, e := range opts.Engines {
		engines[e.Kind()] = e
	}
	return &Runtime{
		bridges:   opts.Bridges,
		engines:   engines,
		modules:   opts.Modules,
		limits:    opts.Limits.WithDefaults(),
		metrics:   opts.Metrics,
		log:       opts.Logger,
		instances: make(map[string]*instance),
		pending:   make(map[string]bool),
	}
}

// begin marks a lifecycle transition for id as in flight.
func (r *Runtime) begin(id string) (func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending[id] {
		return nil, oops.In("runtime").
			Code(plugin.CodeBusy).
			With("plugin", id).
			Wrapf(plugin.ErrBusy, "plugin %s has a lifecycle transition in progress", id)
	}
	r.pending[id] = true
	return func() {
		r.mu.Lock()
		delete(r.pending, id)
		r.mu.Unlock()
	}, nil
}

func (r *Runtime) get(id string) (*instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instances[id]
	return inst, ok
}

func (r *Runtime) notActive(id string) error {
	return oops.In("runtime").
		Code(plugin.CodeNotActive).
		With("plugin", id).
		Wrapf(plugin.ErrNotActive, "plugin %s is not active", id)
}

// IsActive implements plugin.Activator.
func (r *Runtime) IsActive(id string) bool {
	_, ok := r.get(id)
	return ok
}

// Active returns the ids of running instances in sorted order.
func (r *Runtime) Active() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.instances))
	for id := range r.instances {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Activate implements plugin.Activator. Activating an active plugin logs a
// warning and succeeds. Any failure leaves no instance, registration or
// grant behind and wraps plugin.ErrActivation.
func (r *Runtime) Activate(ctx context.Context, p *plugin.LoadedPlugin) (err error) {
	id := p.ID()
	if r.IsActive(id) {
		r.log.Warn("plugin already active", "plugin", id)
		return nil
	}
	done, err := r.begin(id)
	if err != nil {
		return err
	}
	defer done()
	if r.IsActive(id) {
		return nil
	}

	kind := p.Manifest.RuntimeKind()
	ctx, span := tracer.Start(ctx, "plugin.activate",
		trace.WithAttributes(
			attribute.String("plugin.id", id),
			attribute.String("plugin.version", p.Manifest.Version),
			attribute.String("plugin.runtime", string(kind)),
		),
	)
	defer func() {
		r.metrics.RecordActivation(string(kind), err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	inst, err := r.start(ctx, p)
	if err != nil {
		r.log.Error("plugin activation failed", "plugin", id, "error", err)
		return err
	}

	r.mu.Lock()
	r.instances[id] = inst
	active := len(r.instances)
	r.mu.Unlock()
	r.metrics.SetActive(active)

	r.log.Info("plugin activated", "plugin", id, "version", p.Manifest.Version, "runtime", kind)
	return nil
}

func (r *Runtime) start(ctx context.Context, p *plugin.LoadedPlugin) (*instance, error) {
	m := p.Manifest
	engine, ok := r.engines[m.RuntimeKind()]
	if !ok {
		return nil, activationError(m.ID, oops.In("runtime").Errorf("no engine for runtime %q", m.RuntimeKind()))
	}

	b, err := r.bridges.New(m)
	if err != nil {
		return nil, activationError(m.ID, err)
	}

	logger := r.log.With("plugin", m.ID)
	script, err := engine.Load(ctx, sandbox.Spec{
		PluginID: m.ID,
		Dir:      p.Path,
		Entry:    m.EntryPoint(),
		Globals:  map[string]any{sandbox.BindingName: sandbox.Bind(b, p.EffectiveConfig(), r.log)},
		Modules:  r.modules,
		Limits:   r.limits,
		Logger:   logger,
	})
	if err != nil {
		b.Dispose()
		return nil, activationError(m.ID, err)
	}

	fail := func(err error) (*instance, error) {
		_ = script.Close()
		b.Dispose()
		return nil, activationError(m.ID, err)
	}

	if script.Has(HookActivate) {
		if _, err := script.Call(ctx, HookActivate); err != nil {
			return fail(err)
		}
	}
	if err := r.registerDeclared(b, m, script); err != nil {
		return fail(err)
	}

	return &instance{manifest: m, bridge: b, script: script, activatedAt: time.Now()}, nil
}

// registerDeclared registers manifest menus and tools through the bridge so
// they share its teardown.
func (r *Runtime) registerDeclared(b *bridge.Bridge, m *plugin.Manifest, script sandbox.Instance) error {
	for _, menu := range m.Capabilities.Menus {
		if _, err := b.UI().RegisterMenu(menu); err != nil {
			return err
		}
	}
	for _, t := range m.Capabilities.Tools {
		if !script.Has(t.Handler) {
			return sandbox.FunctionNotFound(m.ID, t.Handler)
		}
		if _, err := b.Tools().Register(bridge.ToolSpecFromManifest(t, exportHandler(script, t.Handler))); err != nil {
			return err
		}
	}
	return nil
}

func exportHandler(script sandbox.Instance, name string) tools.Handler {
	return func(ctx context.Context, args map[string]any) (any, error) {
		return script.Call(ctx, name, args)
	}
}

func activationError(id string, cause error) error {
	return oops.In("runtime").
		Code(plugin.CodeActivation).
		With("plugin", id).
		Wrap(fmt.Errorf("%w: %w", plugin.ErrActivation, cause))
}

// Deactivate implements plugin.Activator. The deactivate hook is best
// effort; the bridge is always disposed and the instance discarded.
func (r *Runtime) Deactivate(ctx context.Context, id string) error {
	if !r.IsActive(id) {
		return nil
	}
	done, err := r.begin(id)
	if err != nil {
		return err
	}
	defer done()

	r.mu.Lock()
	inst, ok := r.instances[id]
	delete(r.instances, id)
	active := len(r.instances)
	r.mu.Unlock()
	if !ok {
		return nil
	}

	ctx, span := tracer.Start(ctx, "plugin.deactivate", trace.WithAttributes(attribute.String("plugin.id", id)))
	defer span.End()

	if inst.script.Has(HookDeactivate) {
		if _, err := inst.script.Call(ctx, HookDeactivate); err != nil {
			span.RecordError(err)
			r.log.Warn("plugin deactivate hook failed", "plugin", id, "error", err)
		}
	}
	if err := inst.script.Close(); err != nil {
		r.log.Warn("failed to close plugin script", "plugin", id, "error", err)
	}
	inst.bridge.Dispose()
	r.metrics.SetActive(active)

	r.log.Info("plugin deactivated", "plugin", id, "uptime", time.Since(inst.activatedAt).Round(time.Millisecond))
	return nil
}

// Reload implements plugin.Activator.
func (r *Runtime) Reload(ctx context.Context, p *plugin.LoadedPlugin) error {
	if err := r.Deactivate(ctx, p.ID()); err != nil {
		return err
	}
	return r.Activate(ctx, p)
}

// NotifyConfigChange implements plugin.Activator. Inactive plugins and
// plugins without the hook are skipped.
func (r *Runtime) NotifyConfigChange(ctx context.Context, id string, config map[string]any) error {
	inst, ok := r.get(id)
	if !ok || !inst.script.Has(HookConfigChange) {
		return nil
	}
	_, err := inst.script.Call(ctx, HookConfigChange, maps.Clone(config))
	return err
}

// CallFunction invokes an exported function of an active plugin. Errors
// thrown by the plugin propagate unchanged.
func (r *Runtime) CallFunction(ctx context.Context, id, name string, args ...any) (any, error) {
	inst, ok := r.get(id)
	if !ok {
		return nil, r.notActive(id)
	}

	ctx, span := tracer.Start(ctx, "plugin.call",
		trace.WithAttributes(attribute.String("plugin.id", id), attribute.String("plugin.function", name)))
	defer span.End()

	out, err := inst.script.Call(ctx, name, args...)
	r.metrics.RecordCall(err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return out, err
}

// ExecuteTool runs a tool of an active plugin by its local name. Declared
// tools and tools registered by plugin code are both looked up in the shared
// registry and must be owned by the plugin.
func (r *Runtime) ExecuteTool(ctx context.Context, id, toolName string, args map[string]any) (any, error) {
	if !r.IsActive(id) {
		return nil, r.notActive(id)
	}
	if args == nil {
		args = map[string]any{}
	}

	def, ok := r.bridges.Deps().Tools.Get(plugin.NamespacedID(id, toolName))
	if !ok || def.Owner != id {
		return nil, oops.In("runtime").
			Code(plugin.CodeToolNotFound).
			With("plugin", id).
			With("tool", toolName).
			Wrap(fmt.Errorf("%w: %w: plugin %s has no tool %q", plugin.ErrToolNotFound, plugin.ErrFunctionNotFound, id, toolName))
	}

	ctx, span := tracer.Start(ctx, "plugin.tool",
		trace.WithAttributes(attribute.String("plugin.id", id), attribute.String("plugin.tool", toolName)))
	defer span.End()

	out, err := def.Handler(ctx, args)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return out, err
}

// DeactivateAll stops every running instance.
func (r *Runtime) DeactivateAll(ctx context.Context) {
	for _, id := range r.Active() {
		if err := r.Deactivate(ctx, id); err != nil {
			r.log.Warn("failed to deactivate plugin", "plugin", id, "error", err)
		}
	}
}

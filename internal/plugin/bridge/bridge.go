// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ServerHub Contributors

// Package bridge builds the capability bridge: the only surface through which
// plugin code reaches the host. Every call is checked against the plugin's
// granted permissions and the fixed allowlists before any side effect happens,
// and every registration is tracked so Dispose can tear it down.
package bridge

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/samber/oops"

	"github.com/Zhang142857/serverhub-sub000/internal/agent"
	"github.com/Zhang142857/serverhub-sub000/internal/observability"
	"github.com/Zhang142857/serverhub-sub000/internal/plugin"
	"github.com/Zhang142857/serverhub-sub000/internal/plugin/capability"
	"github.com/Zhang142857/serverhub-sub000/internal/tools"
	"github.com/Zhang142857/serverhub-sub000/internal/ui"
)

// Network defaults.
const (
	DefaultNetworkTimeout = 30 * time.Second
	DefaultNetworkRetries = 2
	DefaultRetryBase      = 200 * time.Millisecond
	MaxResponseBytes      = 10 << 20
)

// Deps are the host services shared by every bridge.
type Deps struct {
	Enforcer   *capability.Enforcer
	Allowlist  *capability.Allowlist
	Tools      *tools.Registry
	UI         *ui.Hub
	Agent      agent.Client
	StorageDir string

	// HTTPClient is used as a template for network requests; its
	// CheckRedirect is always replaced.
	HTTPClient     *http.Client
	NetworkTimeout time.Duration
	NetworkRetries int
	RetryBase      time.Duration

	Metrics *observability.Metrics
	Logger  *slog.Logger
}

// Factory creates one Bridge per activation.
type Factory struct {
	deps    Deps
	storage *storageLocks
}

// NewFactory fills defaults into deps.
func NewFactory(deps Deps) *Factory {
	if deps.Enforcer == nil {
		deps.Enforcer = capability.NewEnforcer()
	}
	if deps.Allowlist == nil {
		deps.Allowlist = capability.DefaultAllowlist()
	}
	if deps.Tools == nil {
		deps.Tools = tools.NewRegistry()
	}
	if deps.UI == nil {
		deps.UI = ui.NewHub()
	}
	if deps.Agent == nil {
		deps.Agent = agent.Unavailable{}
	}
	if deps.HTTPClient == nil {
		deps.HTTPClient = &http.Client{}
	}
	if deps.NetworkTimeout <= 0 {
		deps.NetworkTimeout = DefaultNetworkTimeout
	}
	if deps.NetworkRetries < 0 {
		deps.NetworkRetries = 0
	}
	if deps.RetryBase <= 0 {
		deps.RetryBase = DefaultRetryBase
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Factory{deps: deps, storage: &storageLocks{}}
}

// Deps returns the resolved dependencies.
func (f *Factory) Deps() Deps {
	return f.deps
}

// New grants the manifest's permissions and returns a bridge for it.
func (f *Factory) New(m *plugin.Manifest) (*Bridge, error) {
	if err := f.deps.Enforcer.SetGrants(m.ID, m.Permissions); err != nil {
		return nil, oops.In("bridge").With("plugin", m.ID).Wrap(err)
	}
	b := &Bridge{
		id:        m.ID,
		version:   m.Version,
		deps:      f.deps,
		log:       f.deps.Logger.With("plugin", m.ID),
		storage:   f.storage,
		listeners: make(map[string][]listener),
	}
	b.client = b.newHTTPClient()
	return b, nil
}

// Bridge is the permission-checked API of one plugin instance.
type Bridge struct {
	id      string
	version string
	deps    Deps
	log     *slog.Logger
	client  *http.Client
	storage *storageLocks

	mu        sync.Mutex
	disposed  bool
	listeners map[string][]listener
	nextID    ListenerID
}

// PluginID returns the owning plugin id.
func (b *Bridge) PluginID() string { return b.id }

// Version returns the owning plugin's version.
func (b *Bridge) Version() string { return b.version }

// Events returns the event surface.
func (b *Bridge) Events() *Events { return &Events{b: b} }

// UI returns the UI surface.
func (b *Bridge) UI() *UI { return &UI{b: b} }

// Server returns the remote server surface.
func (b *Bridge) Server() *Server { return &Server{b: b} }

// File returns the remote file surface.
func (b *Bridge) File() *File { return &File{b: b} }

// Network returns the network surface.
func (b *Bridge) Network() *Network { return &Network{b: b} }

// Storage returns the plugin-private storage surface.
func (b *Bridge) Storage() *Storage { return &Storage{b: b} }

// Tools returns the tool registration surface.
func (b *Bridge) Tools() *Tools { return &Tools{b: b} }

// Disposed reports whether Dispose has run.
func (b *Bridge) Disposed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.disposed
}

// Dispose removes every menu, tool and listener this bridge registered and
// revokes the plugin's grants. Later calls are no-ops.
func (b *Bridge) Dispose() {
	b.mu.Lock()
	if b.disposed {
		b.mu.Unlock()
		return
	}
	b.disposed = true
	listeners := 0
	for _, ls := range b.listeners {
		listeners += len(ls)
	}
	b.listeners = make(map[string][]listener)
	b.mu.Unlock()

	menus := b.deps.UI.UnregisterPlugin(b.id)
	toolCount := b.deps.Tools.UnregisterOwner(b.id)
	b.deps.Enforcer.RemoveGrants(b.id)

	b.log.Debug("bridge disposed", "menus", menus, "tools", toolCount, "listeners", listeners)
}

// check fails when the bridge is disposed or perm is not granted.
// An empty perm only checks disposal.
func (b *Bridge) check(perm plugin.Permission, action string) error {
	b.mu.Lock()
	disposed := b.disposed
	b.mu.Unlock()
	if disposed {
		return b.disposedErr(action)
	}
	if perm == "" {
		return nil
	}
	return b.deps.Enforcer.Require(b.id, perm, action)
}

func (b *Bridge) disposedErr(action string) error {
	return oops.In("bridge").
		Code(plugin.CodeDisposed).
		With("plugin", b.id).
		With("action", action).
		Wrapf(plugin.ErrDisposed, "bridge for %s is disposed", b.id)
}

// audit records the outcome of a bridge call and returns err unchanged.
func (b *Bridge) audit(surface, action string, err error, attrs ...any) error {
	b.deps.Metrics.RecordBridgeCall(surface, action, err)
	args := append([]any{"surface", surface, "action", action}, attrs...)
	switch observability.ResultOf(err) {
	case observability.ResultOK:
		b.log.Debug("bridge call", args...)
	case observability.ResultDenied:
		b.log.Warn("bridge call denied", append(args, "error", err)...)
	default:
		b.log.Debug("bridge call failed", append(args, "error", err)...)
	}
	return err
}

// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ServerHub Contributors

package plugin

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// LoadedPlugin is one installed plugin package.
type LoadedPlugin struct {
	Manifest    *Manifest
	Status      Status
	Path        string
	Error       string
	InstalledAt time.Time
	UpdatedAt   time.Time
	Config      map[string]any
}

// ID returns the manifest id.
func (p *LoadedPlugin) ID() string {
	return p.Manifest.ID
}

// EffectiveConfig returns persisted config merged over manifest defaults.
func (p *LoadedPlugin) EffectiveConfig() map[string]any {
	cfg := p.Manifest.ConfigDefaults()
	maps.Copy(cfg, p.Config)
	return cfg
}

func (p *LoadedPlugin) clone() *LoadedPlugin {
	c := *p
	c.Config = maps.Clone(p.Config)
	if c.Config == nil {
		c.Config = map[string]any{}
	}
	return &c
}

// Loader discovers installed plugins and owns their lifecycle state.
// It is the sole writer of plugin directories and status files.
type Loader struct {
	dir        string
	appVersion *semver.Version
	activator  Activator
	observers  []Observer
	now        func() time.Time

	// lifecycle serializes state-changing operations.
	lifecycle sync.Mutex

	mu      sync.RWMutex
	plugins map[string]*LoadedPlugin
	sources []Source
}

// LoaderOption configures the Loader.
type LoaderOption func(*Loader)

// WithActivator sets the runtime that executes plugin code.
// Without one, enable and disable only change persisted status.
func WithActivator(a Activator) LoaderOption {
	return func(l *Loader) {
		l.activator = a
	}
}

// WithAppVersion sets the host version checked against minAppVersion.
func WithAppVersion(v *semver.Version) LoaderOption {
	return func(l *Loader) {
		l.appVersion = v
	}
}

// WithObserver registers a lifecycle event observer.
func WithObserver(o Observer) LoaderOption {
	return func(l *Loader) {
		l.observers = append(l.observers, o)
	}
}

// WithSources adds plugin sources after the official one.
func WithSources(sources ...Source) LoaderOption {
	return func(l *Loader) {
		for _, s := range sources {
			if err := l.addSource(s); err != nil {
				slog.Warn("ignoring plugin source", "source", s.ID, "error", err)
			}
		}
	}
}

// WithClock overrides the time source for timestamps.
func WithClock(now func() time.Time) LoaderOption {
	return func(l *Loader) {
		l.now = now
	}
}

// NewLoader creates a loader rooted at the plugins directory.
func NewLoader(dir string, opts ...LoaderOption) *Loader {
	l := &Loader{
		dir:     dir,
		now:     time.Now,
		plugins: make(map[string]*LoadedPlugin),
		sources: []Source{OfficialSource},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Dir returns the plugins directory.
func (l *Loader) Dir() string {
	return l.dir
}

// Start discovers plugins and activates those persisted as enabled.
// A plugin that fails to activate moves to the error state; the others continue.
func (l *Loader) Start(ctx context.Context) error {
	if err := os.MkdirAll(l.dir, 0o750); err != nil {
		return oops.In("plugin").Code(CodePersistence).With("dir", l.dir).Wrap(err)
	}
	if err := l.Discover(ctx); err != nil {
		return err
	}

	l.lifecycle.Lock()
	defer l.lifecycle.Unlock()

	for _, id := range l.enabledInDependencyOrder() {
		lp := l.plugins[id]
		if err := l.checkDependencies(lp); err != nil {
			l.markError(lp, err)
			slog.Error("plugin dependency not satisfied", "plugin", id, "error", err)
			continue
		}
		if err := l.activateLocked(ctx, lp); err != nil {
			slog.Error("failed to activate plugin", "plugin", id, "error", err)
		}
	}

	slog.Info("plugin loader started", "dir", l.dir, "plugins", len(l.List()))
	return nil
}

// Stop deactivates running plugins, dependents first.
// Persisted status is left untouched so they start again next time.
func (l *Loader) Stop(ctx context.Context) {
	l.lifecycle.Lock()
	defer l.lifecycle.Unlock()

	if l.activator == nil {
		return
	}
	order := l.enabledInDependencyOrder()
	for i := len(order) - 1; i >= 0; i-- {
		id := order[i]
		if !l.activator.IsActive(id) {
			continue
		}
		if err := l.activator.Deactivate(ctx, id); err != nil {
			slog.Warn("failed to deactivate plugin on stop", "plugin", id, "error", err)
		}
	}
}

// Discover scans the plugins directory and registers every valid package.
// Invalid packages are logged and skipped; entries already known in memory win.
func (l *Loader) Discover(_ context.Context) error {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return oops.In("plugin").Code(CodePersistence).With("dir", l.dir).Wrapf(err, "read plugins directory")
	}

	found := make(map[string]*LoadedPlugin)
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}

		pluginDir := filepath.Join(l.dir, entry.Name())
		lp, err := l.readPlugin(pluginDir)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			slog.Warn("skipping plugin with invalid manifest", "dir", entry.Name(), "error", err)
			continue
		}
		if prev, dup := found[lp.ID()]; dup {
			slog.Warn("skipping plugin with duplicate id",
				"plugin", lp.ID(),
				"dir", entry.Name(),
				"first", filepath.Base(prev.Path))
			continue
		}
		found[lp.ID()] = lp
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for id, lp := range found {
		if _, known := l.plugins[id]; known {
			continue
		}
		l.plugins[id] = lp
	}
	for id, lp := range l.plugins {
		if _, ok := found[id]; !ok && !l.isActive(id) {
			if _, err := os.Stat(lp.Path); errors.Is(err, fs.ErrNotExist) {
				delete(l.plugins, id)
			}
		}
	}
	return nil
}

// readPlugin parses the manifest and status file in dir.
func (l *Loader) readPlugin(dir string) (*LoadedPlugin, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestFile)) //nolint:gosec // dir comes from ReadDir of the plugins root
	if err != nil {
		return nil, err
	}
	m, err := ParseManifest(data)
	if err != nil {
		return nil, err
	}

	now := l.now()
	lp := &LoadedPlugin{
		Manifest:    m,
		Status:      StatusDisabled,
		Path:        dir,
		InstalledAt: now,
		UpdatedAt:   now,
		Config:      map[string]any{},
	}

	rec, err := readStatus(dir)
	if err != nil {
		slog.Warn("ignoring unreadable status file", "plugin", m.ID, "error", err)
		return lp, nil
	}
	if rec != nil {
		switch {
		case rec.Enabled:
			lp.Status = StatusEnabled
		case rec.Error != "":
			lp.Status = StatusError
			lp.Error = rec.Error
		}
		lp.Config = rec.Config
		if !rec.InstalledAt.IsZero() {
			lp.InstalledAt = rec.InstalledAt
		}
		if !rec.UpdatedAt.IsZero() {
			lp.UpdatedAt = rec.UpdatedAt
		}
	}
	return lp, nil
}

// Get returns a snapshot of the plugin with the given id.
func (l *Loader) Get(id string) (*LoadedPlugin, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	lp, ok := l.plugins[id]
	if !ok {
		return nil, false
	}
	return lp.clone(), true
}

// List returns snapshots of all plugins sorted by id.
func (l *Loader) List() []*LoadedPlugin {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*LoadedPlugin, 0, len(l.plugins))
	for _, lp := range l.plugins {
		out = append(out, lp.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Enabled returns snapshots of enabled plugins sorted by id.
func (l *Loader) Enabled() []*LoadedPlugin {
	var out []*LoadedPlugin
	for _, lp := range l.List() {
		if lp.Status == StatusEnabled {
			out = append(out, lp)
		}
	}
	return out
}

// InstallOption configures an install.
type InstallOption func(*installOptions)

type installOptions struct {
	replace bool
}

// WithReplace allows an install to replace an existing plugin with the same id.
func WithReplace() InstallOption {
	return func(o *installOptions) {
		o.replace = true
	}
}

// InstallFromArchive installs a zip package whose root holds plugin.json.
// Nothing is left on disk when extraction or validation fails.
func (l *Loader) InstallFromArchive(ctx context.Context, data []byte, opts ...InstallOption) (*LoadedPlugin, error) {
	staging, err := l.stagingDir()
	if err != nil {
		return nil, err
	}
	defer removeAll(staging)

	if err := extractArchive(data, staging); err != nil {
		return nil, err
	}
	return l.commit(ctx, staging, opts)
}

// InstallFromPath installs a plugin by copying an unpacked package directory.
func (l *Loader) InstallFromPath(ctx context.Context, src string, opts ...InstallOption) (*LoadedPlugin, error) {
	data, err := os.ReadFile(filepath.Join(src, ManifestFile)) //nolint:gosec // src is an operator-supplied package path
	if err != nil {
		return nil, oops.In("plugin").Code(CodeManifest).With("path", src).Wrapf(ErrManifest, "read %s: %v", ManifestFile, err)
	}
	if _, err := ParseManifest(data); err != nil {
		return nil, err
	}

	staging, err := l.stagingDir()
	if err != nil {
		return nil, err
	}
	defer removeAll(staging)

	if err := copyDir(src, staging); err != nil {
		return nil, oops.In("plugin").Code(CodePersistence).With("path", src).Wrapf(err, "copy plugin")
	}
	return l.commit(ctx, staging, opts)
}

func (l *Loader) stagingDir() (string, error) {
	if err := os.MkdirAll(l.dir, 0o750); err != nil {
		return "", oops.In("plugin").Code(CodePersistence).With("dir", l.dir).Wrap(err)
	}
	return filepath.Join(l.dir, ".staging-"+ulid.Make().String()), nil
}

// commit validates a staged package and moves it into place.
func (l *Loader) commit(ctx context.Context, staging string, opts []InstallOption) (*LoadedPlugin, error) {
	var o installOptions
	for _, opt := range opts {
		opt(&o)
	}

	data, err := os.ReadFile(filepath.Join(staging, ManifestFile)) //nolint:gosec // staging is created by the loader
	if err != nil {
		return nil, oops.In("plugin").Code(CodeManifest).Wrapf(ErrManifest, "package has no %s at its root", ManifestFile)
	}
	m, err := ParseManifest(data)
	if err != nil {
		return nil, err
	}
	if err := m.CheckCompatible(l.appVersion); err != nil {
		return nil, err
	}
	if m.Main != "" {
		if err := checkEntry(staging, m.Main); err != nil {
			return nil, err
		}
	}

	l.lifecycle.Lock()
	defer l.lifecycle.Unlock()

	l.mu.RLock()
	existing := l.plugins[m.ID]
	l.mu.RUnlock()

	if existing != nil {
		if !o.replace {
			return nil, oops.In("plugin").Code(CodeAlreadyInstalled).With("plugin", m.ID).
				Wrapf(ErrAlreadyInstalled, "plugin %s is already installed", m.ID)
		}
		return l.replaceLocked(ctx, existing, staging, m)
	}

	target := filepath.Join(l.dir, m.ID)
	if _, err := os.Stat(target); err == nil {
		return nil, oops.In("plugin").Code(CodeAlreadyInstalled).With("plugin", m.ID).
			Wrapf(ErrAlreadyInstalled, "directory for %s already exists", m.ID)
	}
	if err := os.Rename(staging, target); err != nil {
		return nil, oops.In("plugin").Code(CodePersistence).With("plugin", m.ID).Wrapf(err, "move plugin into place")
	}

	now := l.now()
	lp := &LoadedPlugin{
		Manifest:    m,
		Status:      StatusInstalled,
		Path:        target,
		InstalledAt: now,
		UpdatedAt:   now,
		Config:      map[string]any{},
	}
	if err := l.persist(lp); err != nil {
		removeAll(target)
		return nil, err
	}

	l.mu.Lock()
	l.plugins[m.ID] = lp
	l.mu.Unlock()

	slog.Info("installed plugin", "plugin", m.ID, "version", m.Version)
	l.emit(Event{Type: EventInstalled, PluginID: m.ID, Status: lp.Status})
	return lp.clone(), nil
}

// replaceLocked swaps an installed plugin's files for a staged update.
func (l *Loader) replaceLocked(ctx context.Context, existing *LoadedPlugin, staging string, m *Manifest) (*LoadedPlugin, error) {
	id := m.ID
	wasEnabled := existing.Status == StatusEnabled
	prevStatus := existing.Status

	l.setStatus(existing, StatusUpdating, "")
	if l.isActive(id) {
		if err := l.activator.Deactivate(ctx, id); err != nil {
			slog.Warn("deactivate before update failed", "plugin", id, "error", err)
		}
	}

	backup := filepath.Join(l.dir, ".replaced-"+ulid.Make().String())
	if err := os.Rename(existing.Path, backup); err != nil {
		l.setStatus(existing, prevStatus, "")
		return nil, oops.In("plugin").Code(CodePersistence).With("plugin", id).Wrapf(err, "move old version aside")
	}
	target := filepath.Join(l.dir, id)
	if err := os.Rename(staging, target); err != nil {
		if restoreErr := os.Rename(backup, existing.Path); restoreErr != nil {
			slog.Error("failed to restore plugin after update failure", "plugin", id, "error", restoreErr)
		}
		l.setStatus(existing, prevStatus, "")
		return nil, oops.In("plugin").Code(CodePersistence).With("plugin", id).Wrapf(err, "move new version into place")
	}
	removeAll(backup)

	l.mu.Lock()
	existing.Manifest = m
	existing.Path = target
	existing.Status = StatusDisabled
	if prevStatus == StatusInstalled {
		existing.Status = StatusInstalled
	}
	l.mu.Unlock()

	slog.Info("updated plugin", "plugin", id, "version", m.Version)
	l.emit(Event{Type: EventUpdated, PluginID: id, Status: existing.Status})

	if wasEnabled {
		if err := l.checkDependencies(existing); err != nil {
			l.markError(existing, err)
			return existing.clone(), err
		}
		if err := l.activateLocked(ctx, existing); err != nil {
			return existing.clone(), err
		}
		return existing.clone(), nil
	}
	if err := l.persist(existing); err != nil {
		return nil, err
	}
	return existing.clone(), nil
}

// EnablePlugin checks dependencies and activates the plugin.
// A dependency that is not enabled fails with ErrMissingDependency and leaves status unchanged.
func (l *Loader) EnablePlugin(ctx context.Context, id string) error {
	l.lifecycle.Lock()
	defer l.lifecycle.Unlock()

	lp, err := l.lookup(id)
	if err != nil {
		return err
	}
	if lp.Status == StatusEnabled && (l.activator == nil || l.activator.IsActive(id)) {
		return nil
	}
	if err := lp.Manifest.CheckCompatible(l.appVersion); err != nil {
		return err
	}
	if err := l.checkDependencies(lp); err != nil {
		return err
	}
	return l.activateLocked(ctx, lp)
}

func (l *Loader) activateLocked(ctx context.Context, lp *LoadedPlugin) error {
	id := lp.ID()
	prevStatus, prevErr := lp.Status, lp.Error

	if l.activator != nil {
		if err := l.activator.Activate(ctx, lp.clone()); err != nil {
			l.markError(lp, err)
			return oops.In("plugin").With("plugin", id).Wrap(err)
		}
	}

	l.setStatus(lp, StatusEnabled, "")
	if err := l.persist(lp); err != nil {
		if l.activator != nil {
			if derr := l.activator.Deactivate(ctx, id); derr != nil {
				slog.Warn("rollback deactivate failed", "plugin", id, "error", derr)
			}
		}
		l.setStatus(lp, prevStatus, prevErr)
		return err
	}

	slog.Info("enabled plugin", "plugin", id)
	l.emit(Event{Type: EventEnabled, PluginID: id, Status: StatusEnabled})
	return nil
}

// markError records a failed activation. Persisted status becomes not-enabled
// with the error message, so a restart reports the failure without retrying;
// only a fresh EnablePlugin does.
func (l *Loader) markError(lp *LoadedPlugin, cause error) {
	l.setStatus(lp, StatusError, cause.Error())
	if err := l.persist(lp); err != nil {
		slog.Error("failed to persist plugin error state", "plugin", lp.ID(), "error", err)
	}
	l.emit(Event{Type: EventError, PluginID: lp.ID(), Status: StatusError, Error: cause.Error()})
}

// DisableOption configures DisablePlugin.
type DisableOption func(*disableOptions)

type disableOptions struct {
	cascade bool
}

// WithCascade disables enabled dependents first instead of refusing.
func WithCascade() DisableOption {
	return func(o *disableOptions) {
		o.cascade = true
	}
}

// DisablePlugin deactivates the plugin and persists it as disabled.
// Enabled dependents cause ErrDependencyConflict unless WithCascade is given.
func (l *Loader) DisablePlugin(ctx context.Context, id string, opts ...DisableOption) error {
	var o disableOptions
	for _, opt := range opts {
		opt(&o)
	}

	l.lifecycle.Lock()
	defer l.lifecycle.Unlock()

	lp, err := l.lookup(id)
	if err != nil {
		return err
	}
	if dependents := l.enabledDependents(id); len(dependents) > 0 && !o.cascade {
		return l.conflict(id, dependents)
	}
	return l.disableLocked(ctx, lp, o.cascade)
}

func (l *Loader) disableLocked(ctx context.Context, lp *LoadedPlugin, cascade bool) error {
	id := lp.ID()
	if cascade {
		for _, depID := range l.enabledDependents(id) {
			if err := l.disableLocked(ctx, l.plugins[depID], true); err != nil {
				return err
			}
		}
	}

	active := l.isActive(id)
	if !active && lp.Status != StatusEnabled && lp.Status != StatusError {
		return nil
	}
	if active {
		if err := l.activator.Deactivate(ctx, id); err != nil {
			slog.Warn("plugin deactivation reported an error", "plugin", id, "error", err)
		}
	}

	l.setStatus(lp, StatusDisabled, "")
	if err := l.persist(lp); err != nil {
		return err
	}

	slog.Info("disabled plugin", "plugin", id)
	l.emit(Event{Type: EventDisabled, PluginID: id, Status: StatusDisabled})
	return nil
}

// UninstallPlugin deactivates the plugin and deletes its directory.
func (l *Loader) UninstallPlugin(ctx context.Context, id string) error {
	l.lifecycle.Lock()
	defer l.lifecycle.Unlock()

	lp, err := l.lookup(id)
	if err != nil {
		return err
	}
	if dependents := l.enabledDependents(id); len(dependents) > 0 {
		return l.conflict(id, dependents)
	}

	if l.isActive(id) {
		if err := l.activator.Deactivate(ctx, id); err != nil {
			slog.Warn("plugin deactivation reported an error", "plugin", id, "error", err)
		}
	}
	if err := os.RemoveAll(lp.Path); err != nil {
		return oops.In("plugin").Code(CodePersistence).With("plugin", id).Wrapf(err, "remove plugin directory")
	}

	l.mu.Lock()
	delete(l.plugins, id)
	l.mu.Unlock()

	slog.Info("uninstalled plugin", "plugin", id)
	l.emit(Event{Type: EventUninstalled, PluginID: id})
	return nil
}

// UpdatePluginConfig merges partial into the persisted config and returns the result.
// A nil value removes the key. Active instances receive the merged config;
// their hook failures are logged, never returned.
func (l *Loader) UpdatePluginConfig(ctx context.Context, id string, partial map[string]any) (map[string]any, error) {
	l.lifecycle.Lock()
	defer l.lifecycle.Unlock()

	lp, err := l.lookup(id)
	if err != nil {
		return nil, err
	}

	merged := maps.Clone(lp.Config)
	if merged == nil {
		merged = map[string]any{}
	}
	for k, v := range partial {
		if v == nil {
			delete(merged, k)
			continue
		}
		merged[k] = v
	}

	next := lp.clone()
	next.Config = merged
	if err := l.persist(next); err != nil {
		return nil, err
	}
	l.mu.Lock()
	lp.Config = merged
	lp.UpdatedAt = next.UpdatedAt
	l.mu.Unlock()

	if l.isActive(id) {
		if err := l.activator.NotifyConfigChange(ctx, id, next.EffectiveConfig()); err != nil {
			slog.Warn("plugin config change hook failed", "plugin", id, "error", err)
		}
	}

	l.emit(Event{Type: EventConfigChanged, PluginID: id, Status: lp.Status})
	return maps.Clone(merged), nil
}

// ReloadPlugin re-reads the manifest from disk and restarts an active plugin.
func (l *Loader) ReloadPlugin(ctx context.Context, id string) error {
	l.lifecycle.Lock()
	defer l.lifecycle.Unlock()

	lp, err := l.lookup(id)
	if err != nil {
		return err
	}
	if !l.isActive(id) {
		return oops.In("plugin").Code(CodeNotActive).With("plugin", id).Wrapf(ErrNotActive, "plugin %s is not active", id)
	}

	fresh, err := l.readPlugin(lp.Path)
	if err != nil {
		return err
	}
	l.mu.Lock()
	lp.Manifest = fresh.Manifest
	l.mu.Unlock()

	if err := l.activator.Reload(ctx, lp.clone()); err != nil {
		l.markError(lp, err)
		return oops.In("plugin").With("plugin", id).Wrap(err)
	}
	slog.Info("reloaded plugin", "plugin", id)
	return nil
}

func (l *Loader) lookup(id string) (*LoadedPlugin, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	lp, ok := l.plugins[id]
	if !ok {
		return nil, oops.In("plugin").Code(CodeNotFound).With("plugin", id).Wrapf(ErrNotFound, "plugin %s not found", id)
	}
	return lp, nil
}

func (l *Loader) checkDependencies(lp *LoadedPlugin) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, dep := range lp.Manifest.Dependencies {
		d, ok := l.plugins[dep]
		if !ok || d.Status != StatusEnabled {
			return oops.In("plugin").
				Code(CodeMissingDependency).
				With("plugin", lp.ID()).
				With("dependency", dep).
				Wrapf(ErrMissingDependency, "plugin %s requires %s to be enabled", lp.ID(), dep)
		}
	}
	return nil
}

// enabledDependents returns ids of enabled plugins that declare id as a dependency.
func (l *Loader) enabledDependents(id string) []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []string
	for other, lp := range l.plugins {
		if other != id && lp.Status == StatusEnabled && lp.Manifest.DependsOn(id) {
			out = append(out, other)
		}
	}
	sort.Strings(out)
	return out
}

func (l *Loader) conflict(id string, dependents []string) error {
	return oops.In("plugin").
		Code(CodeDependencyConflict).
		With("plugin", id).
		With("dependents", dependents).
		Wrapf(ErrDependencyConflict, "plugins %s depend on %s", strings.Join(dependents, ", "), id)
}

// enabledInDependencyOrder returns enabled ids with dependencies before dependents.
func (l *Loader) enabledInDependencyOrder() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	ids := make([]string, 0, len(l.plugins))
	for id, lp := range l.plugins {
		if lp.Status == StatusEnabled {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	visited := make(map[string]bool, len(ids))
	order := make([]string, 0, len(ids))
	var visit func(id string)
	visit = func(id string) {
		if visited[id] {
			return
		}
		visited[id] = true
		lp, ok := l.plugins[id]
		if !ok || lp.Status != StatusEnabled {
			return
		}
		for _, dep := range lp.Manifest.Dependencies {
			visit(dep)
		}
		order = append(order, id)
	}
	for _, id := range ids {
		visit(id)
	}
	return order
}

func (l *Loader) setStatus(lp *LoadedPlugin, status Status, errMsg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lp.Status = status
	lp.Error = errMsg
}

// persist rewrites the status file of lp and stamps UpdatedAt.
func (l *Loader) persist(lp *LoadedPlugin) error {
	now := l.now()
	rec := &statusRecord{
		Enabled:     lp.Status == StatusEnabled,
		Config:      lp.Config,
		InstalledAt: lp.InstalledAt,
		UpdatedAt:   now,
	}
	if lp.Status == StatusError {
		rec.Error = lp.Error
	}
	if rec.Config == nil {
		rec.Config = map[string]any{}
	}
	if err := writeStatus(lp.Path, rec); err != nil {
		return oops.With("plugin", lp.ID()).Wrap(err)
	}
	l.mu.Lock()
	lp.UpdatedAt = now
	l.mu.Unlock()
	return nil
}

func (l *Loader) isActive(id string) bool {
	return l.activator != nil && l.activator.IsActive(id)
}

// checkEntry requires an explicitly declared entry to be a regular file inside dir.
func checkEntry(dir, entry string) error {
	info, err := os.Lstat(filepath.Join(dir, filepath.FromSlash(entry)))
	if err != nil || !info.Mode().IsRegular() {
		return oops.In("manifest").Code(CodeManifest).With("main", entry).
			Wrapf(ErrManifest, "main %q is not a regular file in the package", entry)
	}
	return nil
}

func removeAll(path string) {
	if err := os.RemoveAll(path); err != nil {
		slog.Warn("failed to remove directory", "path", path, "error", err)
	}
}

// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ServerHub Contributors

package runtime_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/samber/oops"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/Zhang142857/serverhub-sub000/internal/agent/agenttest"
	"github.com/Zhang142857/serverhub-sub000/internal/observability"
	"github.com/Zhang142857/serverhub-sub000/internal/plugin"
	"github.com/Zhang142857/serverhub-sub000/internal/plugin/bridge"
	"github.com/Zhang142857/serverhub-sub000/internal/plugin/runtime"
	"github.com/Zhang142857/serverhub-sub000/internal/plugin/sandbox"
	"github.com/Zhang142857/serverhub-sub000/internal/tools"
	"github.com/Zhang142857/serverhub-sub000/internal/ui"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type env struct {
	rt      *runtime.Runtime
	bridges *bridge.Factory
	tools   *tools.Registry
	hub     *ui.Hub
	metrics *observability.Metrics

	storageDir string
}

func newEnv(t *testing.T, limits sandbox.Limits) *env {
	t.Helper()
	e := &env{
		tools:   tools.NewRegistry(),
		hub:     ui.NewHub(),
		metrics: observability.NewMetrics(prometheus.NewRegistry()),

		storageDir: t.TempDir(),
	}
	e.bridges = bridge.NewFactory(bridge.Deps{
		Tools:      e.tools,
		UI:         e.hub,
		Agent:      agenttest.New(),
		StorageDir: e.storageDir,
		Metrics:    e.metrics,
	})
	e.rt = runtime.New(runtime.Options{Bridges: e.bridges, Limits: limits, Metrics: e.metrics})
	t.Cleanup(func() { e.rt.DeactivateAll(context.Background()) })
	return e
}

// writePlugin lays out a plugin directory and returns it as the loader would.
func writePlugin(t *testing.T, m plugin.Manifest, files map[string]string) *plugin.LoadedPlugin {
	t.Helper()
	dir := t.TempDir()
	data, err := json.Marshal(m)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, plugin.ManifestFile), data, 0o600))
	for name, body := range files {
		p := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	}
	parsed, err := plugin.ParseManifest(data)
	require.NoError(t, err)
	return &plugin.LoadedPlugin{Manifest: parsed, Status: plugin.StatusEnabled, Path: dir}
}

func luaManifest(perms ...plugin.Permission) plugin.Manifest {
	return plugin.Manifest{ID: "demo", Name: "Demo", Version: "1.0.0", Runtime: plugin.RuntimeLua, Permissions: perms}
}

const luaPlugin = `
	local M = {}
	function M.activate() serverhub.storage.set("state", "active") end
	function M.deactivate() serverhub.storage.set("state", "stopped") end
	function M.disk(args) return { mount = args.mount, used = 42 } end
	function M.add(a, b) return a + b end
	function M.fail() error("bad input") end
	function M.onConfigChange(cfg) serverhub.storage.set("level", cfg.level) end
	return M
`

func declaredTools() plugin.Capabilities {
	return plugin.Capabilities{
		Menus: []plugin.Menu{{ID: "overview", Label: "Overview", Route: "/demo"}},
		Tools: []plugin.Tool{{Name: "disk", Description: "Disk usage", Handler: "disk"}},
	}
}

// stored reads a key from the plugin's storage document.
func stored(t *testing.T, e *env, id, key string) any {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(e.storageDir, id+".json"))
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	return doc[key]
}

func TestRuntime_ActivateRegistersContributions(t *testing.T) {
	e := newEnv(t, sandbox.Limits{})
	m := luaManifest(plugin.PermMenuRegister, plugin.PermToolRegister)
	m.Capabilities = declaredTools()
	p := writePlugin(t, m, map[string]string{"main.lua": luaPlugin})
	ctx := context.Background()

	require.NoError(t, e.rt.Activate(ctx, p))
	assert.True(t, e.rt.IsActive("demo"))
	assert.Equal(t, []string{"demo"}, e.rt.Active())
	assert.Equal(t, "active", stored(t, e, "demo", "state"))

	assert.True(t, e.tools.Has("demo:disk"))
	menus := e.hub.Menus()
	require.Len(t, menus, 1)
	assert.Equal(t, "demo:overview", menus[0].ID)
	assert.Equal(t, float64(1), testutil.ToFloat64(e.metrics.ActivePlugins))

	require.NoError(t, e.rt.Deactivate(ctx, "demo"))
	assert.False(t, e.rt.IsActive("demo"))
	assert.Equal(t, "stopped", stored(t, e, "demo", "state"))
	assert.False(t, e.tools.Has("demo:disk"))
	assert.Empty(t, e.hub.Menus())
	assert.Nil(t, e.bridges.Deps().Enforcer.Grants("demo"))
	assert.Equal(t, float64(0), testutil.ToFloat64(e.metrics.ActivePlugins))
}

func TestRuntime_ActivateIsIdempotent(t *testing.T) {
	e := newEnv(t, sandbox.Limits{})
	p := writePlugin(t, luaManifest(), map[string]string{"main.lua": luaPlugin})
	ctx := context.Background()

	require.NoError(t, e.rt.Activate(ctx, p))
	require.NoError(t, e.rt.Activate(ctx, p))
	assert.Equal(t, float64(1), testutil.ToFloat64(e.metrics.ActivationsTotal.WithLabelValues("lua", observability.ResultOK)))

	require.NoError(t, e.rt.Deactivate(ctx, "demo"))
	require.NoError(t, e.rt.Deactivate(ctx, "demo"))
	require.NoError(t, e.rt.Deactivate(ctx, "never-activated"))
}

func TestRuntime_ActivationFailureLeavesNothingBehind(t *testing.T) {
	tests := []struct {
		name   string
		script string
		limits sandbox.Limits
		want   error
	}{
		{
			name:   "activate hook throws",
			script: `function exports.activate() error("cannot start") end; function exports.disk() end`,
		},
		{
			name:   "entry does not compile",
			script: `function exports.activate(`,
		},
		{
			name:   "declared tool handler missing",
			script: `function exports.activate() end`,
			want:   plugin.ErrFunctionNotFound,
		},
		{
			name:   "activate hook times out",
			script: `function exports.activate() while true do end end; function exports.disk() end`,
			limits: sandbox.Limits{ExecTimeout: 50 * time.Millisecond},
			want:   plugin.ErrExecutionTimeout,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t, tt.limits)
			m := luaManifest(plugin.PermMenuRegister, plugin.PermToolRegister)
			m.Capabilities = declaredTools()
			p := writePlugin(t, m, map[string]string{"main.lua": tt.script})

			err := e.rt.Activate(context.Background(), p)
			require.ErrorIs(t, err, plugin.ErrActivation)
			if tt.want != nil {
				require.ErrorIs(t, err, tt.want)
			}

			assert.False(t, e.rt.IsActive("demo"))
			assert.Empty(t, e.tools.List())
			assert.Empty(t, e.hub.Menus())
			assert.Nil(t, e.bridges.Deps().Enforcer.Grants("demo"))
			assert.Equal(t, float64(1), testutil.ToFloat64(e.metrics.ActivationsTotal.WithLabelValues("lua", observability.ResultOf(err))))
		})
	}
}

func TestRuntime_UnknownRuntime(t *testing.T) {
	e := newEnv(t, sandbox.Limits{})
	rt := runtime.New(runtime.Options{Bridges: e.bridges, Engines: []sandbox.Engine{}})
	p := writePlugin(t, luaManifest(), map[string]string{"main.lua": luaPlugin})

	err := rt.Activate(context.Background(), p)
	require.ErrorIs(t, err, plugin.ErrActivation)
	assert.Contains(t, err.Error(), `no engine for runtime "lua"`)
}

func TestRuntime_CallFunction(t *testing.T) {
	e := newEnv(t, sandbox.Limits{})
	p := writePlugin(t, luaManifest(), map[string]string{"main.lua": luaPlugin})
	ctx := context.Background()

	_, err := e.rt.CallFunction(ctx, "demo", "add", 1, 2)
	require.ErrorIs(t, err, plugin.ErrNotActive)

	require.NoError(t, e.rt.Activate(ctx, p))

	got, err := e.rt.CallFunction(ctx, "demo", "add", 40, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(42), got)

	_, err = e.rt.CallFunction(ctx, "demo", "missing")
	require.ErrorIs(t, err, plugin.ErrFunctionNotFound)

	_, err = e.rt.CallFunction(ctx, "demo", "fail")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad input")
}

func TestRuntime_ExecuteTool(t *testing.T) {
	e := newEnv(t, sandbox.Limits{})
	m := plugin.Manifest{
		ID: "disk", Name: "Disk", Version: "1.0.0", Runtime: plugin.RuntimeJS,
		Permissions: []plugin.Permission{plugin.PermToolRegister},
		Capabilities: plugin.Capabilities{
			Tools: []plugin.Tool{{Name: "usage", Handler: "usage"}},
		},
	}
	p := writePlugin(t, m, map[string]string{"index.js": `
		exports.usage = ({ mount }) => ({ mount, used: 42 });
		exports.activate = () => {
			serverhub.tools.register({ name: "triple", handler: async ({ n }) => n * 3 });
		};
	`})
	ctx := context.Background()

	_, err := e.rt.ExecuteTool(ctx, "disk", "usage", nil)
	require.ErrorIs(t, err, plugin.ErrNotActive)

	require.NoError(t, e.rt.Activate(ctx, p))

	got, err := e.rt.ExecuteTool(ctx, "disk", "usage", map[string]any{"mount": "/"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"mount": "/", "used": int64(42)}, got)

	got, err = e.rt.ExecuteTool(ctx, "disk", "triple", map[string]any{"n": 5})
	require.NoError(t, err)
	assert.Equal(t, int64(15), got)

	_, err = e.rt.ExecuteTool(ctx, "disk", "unknown", nil)
	require.ErrorIs(t, err, plugin.ErrToolNotFound)
	require.ErrorIs(t, err, plugin.ErrFunctionNotFound)
	code, ok := oops.AsOops(err)
	require.True(t, ok)
	assert.Equal(t, plugin.CodeToolNotFound, code.Code())

	assert.Equal(t, float64(2), testutil.ToFloat64(e.metrics.ToolExecutionsTotal.WithLabelValues(observability.ResultOK)))

	require.NoError(t, e.rt.Deactivate(ctx, "disk"))
	assert.Empty(t, e.tools.Owned("disk"))
}

func TestRuntime_ExecuteToolIgnoresOtherOwners(t *testing.T) {
	e := newEnv(t, sandbox.Limits{})
	p := writePlugin(t, luaManifest(), map[string]string{"main.lua": luaPlugin})
	ctx := context.Background()
	require.NoError(t, e.rt.Activate(ctx, p))

	require.NoError(t, e.tools.Register(tools.Definition{
		Name:    "demo:spoof",
		Handler: func(context.Context, map[string]any) (any, error) { return "spoofed", nil },
	}, "other"))

	_, err := e.rt.ExecuteTool(ctx, "demo", "spoof", nil)
	require.ErrorIs(t, err, plugin.ErrToolNotFound)
	require.ErrorIs(t, err, plugin.ErrFunctionNotFound)
}

func TestRuntime_NotifyConfigChange(t *testing.T) {
	e := newEnv(t, sandbox.Limits{})
	p := writePlugin(t, luaManifest(), map[string]string{"main.lua": luaPlugin})
	ctx := context.Background()

	require.NoError(t, e.rt.NotifyConfigChange(ctx, "demo", map[string]any{"level": "debug"}))

	require.NoError(t, e.rt.Activate(ctx, p))
	require.NoError(t, e.rt.NotifyConfigChange(ctx, "demo", map[string]any{"level": "debug"}))
	assert.Equal(t, "debug", stored(t, e, "demo", "level"))
}

func TestRuntime_NotifyConfigChangeWithoutHook(t *testing.T) {
	e := newEnv(t, sandbox.Limits{})
	p := writePlugin(t, luaManifest(), map[string]string{"main.lua": `return {}`})
	ctx := context.Background()

	require.NoError(t, e.rt.Activate(ctx, p))
	require.NoError(t, e.rt.NotifyConfigChange(ctx, "demo", map[string]any{"level": "debug"}))
}

func TestRuntime_ReloadPicksUpNewCode(t *testing.T) {
	e := newEnv(t, sandbox.Limits{})
	p := writePlugin(t, luaManifest(), map[string]string{"main.lua": `function exports.version() return 1 end`})
	ctx := context.Background()

	require.NoError(t, e.rt.Activate(ctx, p))
	got, err := e.rt.CallFunction(ctx, "demo", "version")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got)

	require.NoError(t, os.WriteFile(filepath.Join(p.Path, "main.lua"), []byte(`function exports.version() return 2 end`), 0o600))
	require.NoError(t, e.rt.Reload(ctx, p))

	got, err = e.rt.CallFunction(ctx, "demo", "version")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got)
}

func TestRuntime_DeactivateHookFailureStillTearsDown(t *testing.T) {
	e := newEnv(t, sandbox.Limits{})
	m := luaManifest(plugin.PermToolRegister)
	m.Capabilities = plugin.Capabilities{Tools: []plugin.Tool{{Name: "disk", Handler: "disk"}}}
	p := writePlugin(t, m, map[string]string{"main.lua": `
		function exports.disk() return 1 end
		function exports.deactivate() error("cleanup failed") end
	`})
	ctx := context.Background()

	require.NoError(t, e.rt.Activate(ctx, p))
	require.NoError(t, e.rt.Deactivate(ctx, "demo"))

	assert.False(t, e.rt.IsActive("demo"))
	assert.False(t, e.tools.Has("demo:disk"))
	assert.Nil(t, e.bridges.Deps().Enforcer.Grants("demo"))
}

func TestRuntime_CallTimeoutIsCounted(t *testing.T) {
	e := newEnv(t, sandbox.Limits{ExecTimeout: 50 * time.Millisecond})
	p := writePlugin(t, luaManifest(), map[string]string{"main.lua": `function exports.spin() while true do end end`})
	ctx := context.Background()
	require.NoError(t, e.rt.Activate(ctx, p))

	_, err := e.rt.CallFunction(ctx, "demo", "spin")
	require.ErrorIs(t, err, plugin.ErrExecutionTimeout)
	assert.Equal(t, float64(1), testutil.ToFloat64(e.metrics.ScriptTimeoutsTotal.WithLabelValues("call")))

	// The instance survives a timed out call.
	assert.True(t, e.rt.IsActive("demo"))
}

func TestRuntime_ActivatesWithPersistedConfig(t *testing.T) {
	e := newEnv(t, sandbox.Limits{})
	m := luaManifest()
	m.Config = map[string]plugin.ConfigField{"interval": {Label: "Interval", Type: "number", Default: 30}}
	p := writePlugin(t, m, map[string]string{"main.lua": `
		function exports.interval() return serverhub.config.interval end
	`})
	ctx := context.Background()

	require.NoError(t, e.rt.Activate(ctx, p))
	got, err := e.rt.CallFunction(ctx, "demo", "interval")
	require.NoError(t, err)
	assert.Equal(t, int64(30), got)
	require.NoError(t, e.rt.Deactivate(ctx, "demo"))

	p.Config = map[string]any{"interval": 5}
	require.NoError(t, e.rt.Activate(ctx, p))
	got, err = e.rt.CallFunction(ctx, "demo", "interval")
	require.NoError(t, err)
	assert.Equal(t, int64(5), got)
}

// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ServerHub Contributors

package lua_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/Zhang142857/serverhub-sub000/internal/agent/agenttest"
	"github.com/Zhang142857/serverhub-sub000/internal/plugin"
	"github.com/Zhang142857/serverhub-sub000/internal/plugin/bridge"
	pluginlua "github.com/Zhang142857/serverhub-sub000/internal/plugin/lua"
	"github.com/Zhang142857/serverhub-sub000/internal/plugin/sandbox"
	"github.com/Zhang142857/serverhub-sub000/internal/tools"
	"github.com/Zhang142857/serverhub-sub000/internal/ui"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fixture struct {
	dir    string
	bridge *bridge.Bridge
	hub    *ui.Hub
	agent  *agenttest.Fake
	limits sandbox.Limits
}

func newFixture(t *testing.T, files map[string]string, perms ...plugin.Permission) *fixture {
	t.Helper()
	dir := t.TempDir()
	for name, body := range files {
		p := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	}
	hub := ui.NewHub()
	fake := agenttest.New()
	f := bridge.NewFactory(bridge.Deps{
		Tools:      tools.NewRegistry(),
		UI:         hub,
		Agent:      fake,
		StorageDir: t.TempDir(),
	})
	if perms == nil {
		perms = []plugin.Permission{}
	}
	b, err := f.New(&plugin.Manifest{ID: "demo", Name: "Demo", Version: "0.1.0", Permissions: perms})
	require.NoError(t, err)
	t.Cleanup(b.Dispose)
	return &fixture{dir: dir, bridge: b, hub: hub, agent: fake}
}

func (f *fixture) load(t *testing.T) (sandbox.Instance, error) {
	t.Helper()
	inst, err := pluginlua.NewEngine().Load(context.Background(), sandbox.Spec{
		PluginID: "demo",
		Dir:      f.dir,
		Entry:    "main.lua",
		Globals:  map[string]any{sandbox.BindingName: sandbox.Bind(f.bridge, map[string]any{"level": 3}, nil)},
		Modules:  sandbox.Builtins(),
		Limits:   f.limits,
	})
	if inst != nil {
		t.Cleanup(func() { _ = inst.Close() })
	}
	return inst, err
}

func (f *fixture) mustLoad(t *testing.T) sandbox.Instance {
	t.Helper()
	inst, err := f.load(t)
	require.NoError(t, err)
	return inst
}

func TestEngine_Kind(t *testing.T) {
	assert.Equal(t, plugin.RuntimeLua, pluginlua.NewEngine().Kind())
}

func TestEngine_ExportStyles(t *testing.T) {
	tests := []struct {
		name   string
		script string
	}{
		{"returned table", `local M = {}; function M.answer() return 42 end; return M`},
		{"exports table", `function exports.answer() return 42 end`},
		{"globals", `function answer() return 42 end`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inst := newFixture(t, map[string]string{"main.lua": tt.script}).mustLoad(t)
			assert.True(t, inst.Has("answer"))
			assert.False(t, inst.Has("missing"))

			got, err := inst.Call(context.Background(), "answer")
			require.NoError(t, err)
			assert.Equal(t, int64(42), got)
		})
	}
}

func TestEngine_ValueConversion(t *testing.T) {
	inst := newFixture(t, map[string]string{"main.lua": `
		function exports.echo(v) return v end
		function exports.mixed() return { list = {1, 2.5, "x"}, flag = true, none = nil } end
	`}).mustLoad(t)
	ctx := context.Background()

	got, err := inst.Call(ctx, "echo", map[string]any{"name": "web", "ports": []any{80, 443}})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"name": "web", "ports": []any{int64(80), int64(443)}}, got)

	got, err = inst.Call(ctx, "mixed")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"list": []any{int64(1), 2.5, "x"}, "flag": true}, got)
}

func TestEngine_MissingEntryExportsNothing(t *testing.T) {
	inst := newFixture(t, map[string]string{"README.md": "docs"}).mustLoad(t)
	assert.False(t, inst.Has("activate"))

	_, err := inst.Call(context.Background(), "activate")
	require.ErrorIs(t, err, plugin.ErrFunctionNotFound)
}

func TestEngine_ScriptErrors(t *testing.T) {
	inst := newFixture(t, map[string]string{"main.lua": `
		function exports.boom() error("boom") end
	`}).mustLoad(t)

	_, err := inst.Call(context.Background(), "boom")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestEngine_LoadErrors(t *testing.T) {
	tests := []struct {
		name   string
		script string
	}{
		{"syntax", `function (`},
		{"runtime", `error("init failed")`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newFixture(t, map[string]string{"main.lua": tt.script}).load(t)
			require.Error(t, err)
		})
	}
}

func TestEngine_Timeout(t *testing.T) {
	t.Run("call", func(t *testing.T) {
		f := newFixture(t, map[string]string{"main.lua": `function exports.spin() while true do end end`})
		f.limits = sandbox.Limits{ExecTimeout: 50 * time.Millisecond}
		inst := f.mustLoad(t)

		_, err := inst.Call(context.Background(), "spin")
		require.ErrorIs(t, err, plugin.ErrExecutionTimeout)
	})

	t.Run("load", func(t *testing.T) {
		f := newFixture(t, map[string]string{"main.lua": `while true do end`})
		f.limits = sandbox.Limits{ExecTimeout: 50 * time.Millisecond}
		_, err := f.load(t)
		require.ErrorIs(t, err, plugin.ErrExecutionTimeout)
	})
}

func TestEngine_SandboxedGlobals(t *testing.T) {
	inst := newFixture(t, map[string]string{"main.lua": `
		function exports.kinds()
			return { os = type(os), io = type(io), load = type(load), dofile = type(dofile),
				debug = type(debug), timer = type(set_timeout), binding = type(serverhub) }
		end
	`}).mustLoad(t)

	got, err := inst.Call(context.Background(), "kinds")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"os": "nil", "io": "nil", "load": "nil", "dofile": "nil", "debug": "nil",
		"timer": "function", "binding": "table",
	}, got)
}

func TestEngine_Require(t *testing.T) {
	files := map[string]string{
		"main.lua": `
			local util = require("./lib/util")
			local dotted = require("lib.util")
			local json = require("json")
			function exports.run()
				return { util.double(21), util == dotted, json.encode({ ok = true }) }
			end
			function exports.escape() return require("../outside") end
			function exports.missing() return require("./nope") end
		`,
		"lib/util.lua": `
			local helper = require("./helper")
			return { double = function(n) return helper.mul(n, 2) end }
		`,
		"lib/helper.lua": `return { mul = function(a, b) return a * b end }`,
	}
	inst := newFixture(t, files).mustLoad(t)
	ctx := context.Background()

	got, err := inst.Call(ctx, "run")
	require.NoError(t, err)
	assert.Equal(t, []any{int64(42), true, `{"ok":true}`}, got)

	_, err = inst.Call(ctx, "escape")
	require.ErrorIs(t, err, plugin.ErrPathNotAllowed)

	_, err = inst.Call(ctx, "missing")
	require.ErrorIs(t, err, sandbox.ErrModuleNotFound)
}

func TestEngine_HostErrorsKeepIdentity(t *testing.T) {
	inst := newFixture(t, map[string]string{"main.lua": `
		function exports.read() return serverhub.file.read("srv-1", "/etc/hosts") end
		function exports.guarded()
			local ok, err = pcall(serverhub.file.read, "srv-1", "/etc/hosts")
			return { ok = ok, code = err.code, text = "failed: " .. err }
		end
	`}).mustLoad(t)
	ctx := context.Background()

	_, err := inst.Call(ctx, "read")
	require.ErrorIs(t, err, plugin.ErrPermissionDenied)

	got, err := inst.Call(ctx, "guarded")
	require.NoError(t, err)
	m := got.(map[string]any)
	assert.Equal(t, false, m["ok"])
	assert.Equal(t, plugin.CodePermissionDenied, m["code"])
	assert.Contains(t, m["text"], "lacks permission file:read")
}

// answerDialog replies to the next dialog on hub after delay.
func answerDialog(t *testing.T, hub *ui.Hub, button int, delay time.Duration) <-chan bool {
	t.Helper()
	msgs, cancel := hub.Subscribe(8)
	answered := make(chan bool, 1)
	go func() {
		defer cancel()
		for msg := range msgs {
			if msg.Type == ui.MessageDialog {
				time.Sleep(delay)
				answered <- hub.Respond(msg.ID, button)
				return
			}
		}
	}()
	return answered
}

func TestEngine_HostCallsDoNotSpendBudget(t *testing.T) {
	f := newFixture(t, map[string]string{"main.lua": `
		function exports.df()
			local a = serverhub.server.executeCommand("srv-1", "df", { "-P" })
			local b = serverhub.server.executeCommand("srv-1", "df", { "-h" })
			return a.stdout .. "," .. b.stdout
		end
		function exports.spin() while true do end end
	`}, plugin.PermCommandExecute)
	f.agent.Latency = 100 * time.Millisecond
	f.limits = sandbox.Limits{ExecTimeout: 50 * time.Millisecond}
	inst := f.mustLoad(t)
	ctx := context.Background()

	got, err := inst.Call(ctx, "df")
	require.NoError(t, err)
	assert.Equal(t, "df -P,df -h", got)

	_, err = inst.Call(ctx, "spin")
	require.ErrorIs(t, err, plugin.ErrExecutionTimeout, "script time is still bounded")
}

func TestEngine_LateDialogAnswer(t *testing.T) {
	f := newFixture(t, map[string]string{"main.lua": `
		function exports.ask()
			local choice = serverhub.ui.showDialog({ title = "Restart", message = "Restart nginx?", buttons = { "No", "Yes" } })
			if choice == 1 then return "restart" end
			return "keep"
		end
	`})
	f.limits = sandbox.Limits{ExecTimeout: 50 * time.Millisecond}
	inst := f.mustLoad(t)
	answered := answerDialog(t, f.hub, 1, 200*time.Millisecond)

	got, err := inst.Call(context.Background(), "ask")
	require.NoError(t, err)
	assert.Equal(t, "restart", got)
	assert.True(t, <-answered)
}

func TestEngine_CloseCancelsBlockedHostCall(t *testing.T) {
	f := newFixture(t, map[string]string{"main.lua": `
		function exports.ask() return serverhub.ui.showDialog({ title = "Wait", message = "never answered" }) end
	`})
	inst := f.mustLoad(t)
	msgs, cancel := f.hub.Subscribe(8)
	defer cancel()

	errs := make(chan error, 1)
	go func() {
		_, err := inst.Call(context.Background(), "ask")
		errs <- err
	}()
	for msg := range msgs {
		if msg.Type == ui.MessageDialog {
			break
		}
	}
	require.NoError(t, inst.Close())

	select {
	case err := <-errs:
		require.Error(t, err)
		assert.NotErrorIs(t, err, plugin.ErrExecutionTimeout)
	case <-time.After(2 * time.Second):
		t.Fatal("call still blocked after Close")
	}
}

func TestEngine_GlobalExportsLeaveOutHostGlobals(t *testing.T) {
	inst := newFixture(t, map[string]string{"main.lua": `
		function hello() return "hi" end
		greeting = "hello"
	`}).mustLoad(t)

	assert.True(t, inst.Has("hello"))
	for _, name := range []string{"require", "set_timeout", "print", "setmetatable", "pcall"} {
		assert.False(t, inst.Has(name), name)
	}
	_, err := inst.Call(context.Background(), "require", "json")
	require.ErrorIs(t, err, plugin.ErrFunctionNotFound)
}

func TestEngine_Binding(t *testing.T) {
	f := newFixture(t, map[string]string{"main.lua": `
		local count = 0
		function exports.activate()
			serverhub.events.on("ping", function(n) count = count + n end)
			serverhub.storage.set("level", serverhub.config.level)
		end
		function exports.count() return count end
		function exports.stored() return serverhub.storage.get("level") end
	`})
	inst := f.mustLoad(t)
	ctx := context.Background()

	_, err := inst.Call(ctx, "activate")
	require.NoError(t, err)

	require.NoError(t, f.bridge.Events().Emit(ctx, "ping", 2))
	require.NoError(t, f.bridge.Events().Emit(ctx, "ping", 3))

	got, err := inst.Call(ctx, "count")
	require.NoError(t, err)
	assert.Equal(t, int64(5), got)

	got, err = inst.Call(ctx, "stored")
	require.NoError(t, err)
	assert.Equal(t, int64(3), got)
}

func TestEngine_Timers(t *testing.T) {
	f := newFixture(t, map[string]string{"main.lua": `
		local fired, ticks = false, 0
		local interval
		function exports.start()
			set_timeout(function() fired = true end, 5)
			interval = set_interval(function()
				ticks = ticks + 1
				if ticks >= 2 then clear_interval(interval) end
			end, 1)
		end
		function exports.state() return { fired = fired, ticked = ticks >= 2 } end
	`})
	f.limits = sandbox.Limits{MinInterval: 10 * time.Millisecond}
	loaded := f.mustLoad(t)
	ctx := context.Background()

	_, err := loaded.Call(ctx, "start")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := loaded.Call(ctx, "state")
		return err == nil && assert.ObjectsAreEqual(map[string]any{"fired": true, "ticked": true}, got)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEngine_Close(t *testing.T) {
	inst := newFixture(t, map[string]string{"main.lua": `function exports.ping() return "pong" end`}).mustLoad(t)

	require.NoError(t, inst.Close())
	require.NoError(t, inst.Close())

	assert.False(t, inst.Has("ping"))
	_, err := inst.Call(context.Background(), "ping")
	require.ErrorIs(t, err, sandbox.ErrClosed)
}

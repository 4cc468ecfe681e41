// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ServerHub Contributors

//go:build integration

package integration

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/gorilla/websocket"
	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/Zhang142857/serverhub-sub000/internal/agent/agenttest"
	"github.com/Zhang142857/serverhub-sub000/internal/observability"
	"github.com/Zhang142857/serverhub-sub000/internal/plugin"
	"github.com/Zhang142857/serverhub-sub000/internal/plugin/bridge"
	"github.com/Zhang142857/serverhub-sub000/internal/plugin/runtime"
	"github.com/Zhang142857/serverhub-sub000/internal/plugin/sandbox"
	"github.com/Zhang142857/serverhub-sub000/internal/tools"
	"github.com/Zhang142857/serverhub-sub000/internal/ui"
)

// hostEnv is a loader, runtime and bridge factory sharing one tool
// registry and UI hub, rooted in temporary directories.
type hostEnv struct {
	ctx        context.Context
	cancel     context.CancelFunc
	root       string
	pluginsDir string
	registry   *tools.Registry
	hub        *ui.Hub
	agent      *agenttest.Fake
	metrics    *observability.Metrics
	runtime    *runtime.Runtime
	loader     *plugin.Loader

	mu     sync.Mutex
	events []plugin.Event
}

func newHostEnv() *hostEnv {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	root, err := os.MkdirTemp("", "serverhub-plugins-*")
	Expect(err).NotTo(HaveOccurred())

	env := &hostEnv{
		ctx:        ctx,
		cancel:     cancel,
		root:       root,
		pluginsDir: filepath.Join(root, "plugins"),
		registry:   tools.NewRegistry(),
		hub:        ui.NewHub(),
		agent:      agenttest.New(),
		metrics:    observability.NewMetrics(prometheus.NewRegistry()),
	}
	bridges := bridge.NewFactory(bridge.Deps{
		Tools:      env.registry,
		UI:         env.hub,
		Agent:      env.agent,
		StorageDir: filepath.Join(root, "storage"),
		Metrics:    env.metrics,
	})
	env.runtime = runtime.New(runtime.Options{
		Bridges: bridges,
		Limits:  sandbox.Limits{ExecTimeout: 2 * time.Second},
		Metrics: env.metrics,
	})
	env.loader = plugin.NewLoader(env.pluginsDir,
		plugin.WithActivator(env.runtime),
		plugin.WithAppVersion(semver.MustParse("1.0.0")),
		plugin.WithObserver(env.hub.PublishEvent),
		plugin.WithObserver(func(e plugin.Event) {
			env.mu.Lock()
			env.events = append(env.events, e)
			env.mu.Unlock()
		}),
	)
	Expect(env.loader.Start(ctx)).To(Succeed())
	return env
}

func (e *hostEnv) close() {
	e.loader.Stop(e.ctx)
	e.cancel()
	Expect(os.RemoveAll(e.root)).To(Succeed())
}

func (e *hostEnv) eventTypes(id string) []plugin.EventType {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []plugin.EventType
	for _, ev := range e.events {
		if ev.PluginID == id {
			out = append(out, ev.Type)
		}
	}
	return out
}

// pkg writes a plugin package directory outside the plugins directory.
func (e *hostEnv) pkg(m plugin.Manifest, files map[string]string) string {
	dir, err := os.MkdirTemp(e.root, "pkg-*")
	Expect(err).NotTo(HaveOccurred())
	data, err := json.Marshal(m)
	Expect(err).NotTo(HaveOccurred())
	Expect(os.WriteFile(filepath.Join(dir, plugin.ManifestFile), data, 0o600)).To(Succeed())
	for name, body := range files {
		Expect(os.WriteFile(filepath.Join(dir, name), []byte(body), 0o600)).To(Succeed())
	}
	return dir
}

// archive zips the same layout into .shplugin bytes.
func archive(m plugin.Manifest, files map[string]string) []byte {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	data, err := json.Marshal(m)
	Expect(err).NotTo(HaveOccurred())
	files[plugin.ManifestFile] = string(data)
	for name, body := range files {
		w, err := zw.Create(name)
		Expect(err).NotTo(HaveOccurred())
		_, err = w.Write([]byte(body))
		Expect(err).NotTo(HaveOccurred())
	}
	Expect(zw.Close()).To(Succeed())
	return buf.Bytes()
}

func helloManifest() plugin.Manifest {
	return plugin.Manifest{
		ID:          "greeter",
		Name:        "Greeter",
		Version:     "1.0.0",
		Permissions: []plugin.Permission{plugin.PermToolRegister, plugin.PermMenuRegister},
		Capabilities: plugin.Capabilities{
			Menus: []plugin.Menu{{ID: "home", Label: "Greeter", Route: "/greeter"}},
			Tools: []plugin.Tool{{Name: "hello", Description: "Says hello", Handler: "hello"}},
		},
	}
}

const helloScript = `
	function exports.hello(args) return "hello " .. (args.name or "world") end
`

var _ = Describe("Plugin lifecycle", func() {
	var env *hostEnv

	BeforeEach(func() {
		env = newHostEnv()
	})

	AfterEach(func() {
		env.close()
	})

	Describe("Scenario A: tools follow enable and disable", func() {
		It("registers the declared tool on enable and removes it on disable", func() {
			p, err := env.loader.InstallFromPath(env.ctx, env.pkg(helloManifest(), map[string]string{"main.lua": helloScript}))
			Expect(err).NotTo(HaveOccurred())
			Expect(p.Status).To(Equal(plugin.StatusInstalled))
			Expect(env.registry.Has("greeter:hello")).To(BeFalse())

			Expect(env.loader.EnablePlugin(env.ctx, "greeter")).To(Succeed())
			Expect(env.registry.Has("greeter:hello")).To(BeTrue())
			Expect(env.hub.Menus()).To(HaveLen(1))

			res, err := env.registry.Execute(env.ctx, "greeter:hello", map[string]any{"name": "ops"})
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Success).To(BeTrue())
			Expect(res.Data).To(Equal("hello ops"))

			Expect(env.loader.DisablePlugin(env.ctx, "greeter")).To(Succeed())
			Expect(env.registry.Has("greeter:hello")).To(BeFalse())
			Expect(env.hub.Menus()).To(BeEmpty())
			Expect(env.runtime.IsActive("greeter")).To(BeFalse())

			Expect(env.eventTypes("greeter")).To(Equal([]plugin.EventType{
				plugin.EventInstalled, plugin.EventEnabled, plugin.EventDisabled,
			}))
		})

		It("installs from a .shplugin archive", func() {
			data := archive(helloManifest(), map[string]string{"main.lua": helloScript})
			_, err := env.loader.InstallFromArchive(env.ctx, data)
			Expect(err).NotTo(HaveOccurred())
			Expect(env.loader.EnablePlugin(env.ctx, "greeter")).To(Succeed())

			out, err := env.runtime.ExecuteTool(env.ctx, "greeter", "hello", nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(out).To(Equal("hello world"))
		})
	})

	Describe("Scenario B: missing dependency", func() {
		It("rejects enabling and leaves the status unchanged", func() {
			_, err := env.loader.InstallFromPath(env.ctx, env.pkg(plugin.Manifest{
				ID: "b", Name: "B", Version: "1.0.0", Dependencies: []string{"a"},
			}, nil))
			Expect(err).NotTo(HaveOccurred())

			err = env.loader.EnablePlugin(env.ctx, "b")
			Expect(err).To(MatchError(plugin.ErrMissingDependency))

			p, ok := env.loader.Get("b")
			Expect(ok).To(BeTrue())
			Expect(p.Status).To(Equal(plugin.StatusInstalled))
			Expect(env.runtime.IsActive("b")).To(BeFalse())
		})

		It("enables once the dependency is enabled and survives a restart", func() {
			_, err := env.loader.InstallFromPath(env.ctx, env.pkg(plugin.Manifest{ID: "a", Name: "A", Version: "1.0.0"}, nil))
			Expect(err).NotTo(HaveOccurred())
			_, err = env.loader.InstallFromPath(env.ctx, env.pkg(plugin.Manifest{
				ID: "b", Name: "B", Version: "1.0.0", Dependencies: []string{"a"},
			}, nil))
			Expect(err).NotTo(HaveOccurred())

			Expect(env.loader.EnablePlugin(env.ctx, "a")).To(Succeed())
			Expect(env.loader.EnablePlugin(env.ctx, "b")).To(Succeed())
			env.loader.Stop(env.ctx)
			Expect(env.runtime.Active()).To(BeEmpty())

			restarted := plugin.NewLoader(env.pluginsDir, plugin.WithActivator(env.runtime))
			Expect(restarted.Start(env.ctx)).To(Succeed())
			Expect(env.runtime.Active()).To(Equal([]string{"a", "b"}))
			restarted.Stop(env.ctx)
		})
	})

	Describe("Scenario C: activate hook throws", func() {
		It("moves the plugin to error and recovers after the code is fixed", func() {
			pkgDir := env.pkg(helloManifest(), map[string]string{"main.lua": helloScript + `
				function exports.activate() error("database unreachable") end
			`})
			p, err := env.loader.InstallFromPath(env.ctx, pkgDir)
			Expect(err).NotTo(HaveOccurred())

			err = env.loader.EnablePlugin(env.ctx, "greeter")
			Expect(err).To(MatchError(plugin.ErrActivation))
			Expect(err.Error()).To(ContainSubstring("database unreachable"))

			got, _ := env.loader.Get("greeter")
			Expect(got.Status).To(Equal(plugin.StatusError))
			Expect(got.Error).To(ContainSubstring("database unreachable"))
			Expect(env.registry.Owned("greeter")).To(BeEmpty())
			Expect(env.hub.Menus()).To(BeEmpty())
			Expect(env.loader.Menus()).To(BeEmpty())

			Expect(os.WriteFile(filepath.Join(p.Path, "main.lua"), []byte(helloScript), 0o600)).To(Succeed())
			Expect(env.loader.EnablePlugin(env.ctx, "greeter")).To(Succeed())

			got, _ = env.loader.Get("greeter")
			Expect(got.Status).To(Equal(plugin.StatusEnabled))
			Expect(got.Error).To(BeEmpty())
			Expect(env.registry.Has("greeter:hello")).To(BeTrue())
			Expect(testutil.ToFloat64(env.metrics.ActivationsTotal.WithLabelValues("lua", observability.ResultError))).To(Equal(1.0))
		})
	})

	Describe("JavaScript plugins", func() {
		It("runs config hooks and dynamic tools", func() {
			m := plugin.Manifest{
				ID: "js-demo", Name: "JS Demo", Version: "1.0.0", Runtime: plugin.RuntimeJS,
				Permissions: []plugin.Permission{plugin.PermToolRegister},
				Config:      map[string]plugin.ConfigField{"factor": {Label: "Factor", Type: "number", Default: 2}},
			}
			_, err := env.loader.InstallFromPath(env.ctx, env.pkg(m, map[string]string{"index.js": `
				let factor = serverhub.config.factor;
				exports.activate = () => {
					serverhub.tools.register({ name: "scale", handler: ({ n }) => n * factor });
				};
				exports.onConfigChange = (cfg) => { factor = cfg.factor; };
			`}))
			Expect(err).NotTo(HaveOccurred())
			Expect(env.loader.EnablePlugin(env.ctx, "js-demo")).To(Succeed())

			out, err := env.runtime.ExecuteTool(env.ctx, "js-demo", "scale", map[string]any{"n": 21})
			Expect(err).NotTo(HaveOccurred())
			Expect(out).To(Equal(int64(42)))

			_, err = env.loader.UpdatePluginConfig(env.ctx, "js-demo", map[string]any{"factor": 3})
			Expect(err).NotTo(HaveOccurred())
			out, err = env.runtime.ExecuteTool(env.ctx, "js-demo", "scale", map[string]any{"n": 21})
			Expect(err).NotTo(HaveOccurred())
			Expect(out).To(Equal(int64(63)))

			Expect(env.loader.UninstallPlugin(env.ctx, "js-demo")).To(Succeed())
			Expect(env.registry.Owned("js-demo")).To(BeEmpty())
		})
	})

	Describe("UI channel", func() {
		It("streams menus and lifecycle events to websocket clients", func() {
			srv := httptest.NewServer(ui.NewHandler(env.hub, nil))
			defer srv.Close()

			// A replayed menu proves the subscription is live before the plugin changes.
			env.hub.RegisterMenu("probe", ui.Menu{ID: "probe:ready", Label: "Ready"})
			conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
			Expect(err).NotTo(HaveOccurred())
			defer func() { _ = conn.Close() }()
			Expect(conn.SetReadDeadline(time.Now().Add(5 * time.Second))).To(Succeed())

			var msg ui.Message
			Expect(conn.ReadJSON(&msg)).To(Succeed())
			Expect(msg.Menu.ID).To(Equal("probe:ready"))

			_, err = env.loader.InstallFromPath(env.ctx, env.pkg(helloManifest(), map[string]string{"main.lua": helloScript}))
			Expect(err).NotTo(HaveOccurred())
			Expect(env.loader.EnablePlugin(env.ctx, "greeter")).To(Succeed())

			var menus []string
			var events []plugin.EventType
			for len(events) < 2 || len(menus) < 1 {
				var msg ui.Message
				Expect(conn.ReadJSON(&msg)).To(Succeed())
				switch msg.Type {
				case ui.MessageMenuRegister:
					menus = append(menus, msg.Menu.ID)
				case ui.MessageLifecycle:
					events = append(events, msg.Event.Type)
				}
			}
			Expect(menus).To(ConsistOf("greeter:home"))
			Expect(events).To(Equal([]plugin.EventType{plugin.EventInstalled, plugin.EventEnabled}))
		})
	})

	Describe("Bundled example plugins", func() {
		bundled := func(name string) string {
			dir, err := filepath.Abs(filepath.Join("..", "..", "plugins", name))
			Expect(err).NotTo(HaveOccurred())
			return dir
		}

		It("runs disk-monitor and docker-status together", func() {
			_, err := env.loader.InstallFromPath(env.ctx, bundled("disk-monitor"))
			Expect(err).NotTo(HaveOccurred())
			_, err = env.loader.InstallFromPath(env.ctx, bundled("docker-status"))
			Expect(err).NotTo(HaveOccurred())

			Expect(env.loader.EnablePlugin(env.ctx, "docker-status")).To(MatchError(plugin.ErrMissingDependency))
			Expect(env.loader.EnablePlugin(env.ctx, "disk-monitor")).To(Succeed())
			Expect(env.loader.EnablePlugin(env.ctx, "docker-status")).To(Succeed())

			out, err := env.runtime.ExecuteTool(env.ctx, "disk-monitor", "disk_usage", map[string]any{"mount": "/var"})
			Expect(err).NotTo(HaveOccurred())
			Expect(out).To(HaveKeyWithValue("server", "srv-1"))
			Expect(out).To(HaveKeyWithValue("mount", "/var"))

			last, err := env.runtime.CallFunction(env.ctx, "disk-monitor", "lastCheck")
			Expect(err).NotTo(HaveOccurred())
			Expect(last).To(HaveKeyWithValue("mount", "/var"))

			out, err = env.runtime.ExecuteTool(env.ctx, "docker-status", "containers", nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(out).To(HaveKeyWithValue("containers", ConsistOf("docker ps --format {{.Names}}")))

			stats, err := env.registry.Execute(env.ctx, "docker-status:stats", nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(stats.Data).To(HaveKeyWithValue("calls", int64(1)))

			Expect(env.agent.CommandLog()).To(Equal([]string{"df -P /var", "docker ps --format {{.Names}}"}))
			Expect(env.loader.DisablePlugin(env.ctx, "disk-monitor")).To(MatchError(plugin.ErrDependencyConflict))
		})
	})
})

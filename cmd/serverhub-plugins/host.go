// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ServerHub Contributors

package main

import (
	"context"
	"log/slog"

	"github.com/Zhang142857/serverhub-sub000/internal/agent"
	"github.com/Zhang142857/serverhub-sub000/internal/config"
	"github.com/Zhang142857/serverhub-sub000/internal/observability"
	"github.com/Zhang142857/serverhub-sub000/internal/plugin"
	"github.com/Zhang142857/serverhub-sub000/internal/plugin/bridge"
	"github.com/Zhang142857/serverhub-sub000/internal/plugin/runtime"
	"github.com/Zhang142857/serverhub-sub000/internal/tools"
	"github.com/Zhang142857/serverhub-sub000/internal/ui"
)

// host wires the loader to a runtime and the shared host services.
type host struct {
	cfg     *config.Config
	loader  *plugin.Loader
	runtime *runtime.Runtime
	tools   *tools.Registry
	hub     *ui.Hub
}

// hostOptions carries the pieces serve supplies; other commands use defaults.
type hostOptions struct {
	metrics  *observability.Metrics
	observer plugin.Observer
	agent    agent.Client
	hub      *ui.Hub
}

func newHost(cfg *config.Config, opts hostOptions) (*host, error) {
	if err := cfg.EnsureDirs(); err != nil {
		return nil, err
	}
	h := &host{cfg: cfg, tools: tools.NewRegistry(), hub: opts.hub}
	if h.hub == nil {
		h.hub = ui.NewHub()
	}

	bridges := bridge.NewFactory(bridge.Deps{
		Tools:          h.tools,
		UI:             h.hub,
		Agent:          opts.agent,
		StorageDir:     cfg.StorageDir,
		NetworkTimeout: cfg.Network.Timeout,
		NetworkRetries: cfg.Network.Retries,
		Metrics:        opts.metrics,
		Logger:         slog.Default(),
	})
	h.runtime = runtime.New(runtime.Options{
		Bridges: bridges,
		Limits:  cfg.Limits(),
		Metrics: opts.metrics,
		Logger:  slog.Default(),
	})

	loaderOpts := []plugin.LoaderOption{
		plugin.WithActivator(h.runtime),
		plugin.WithAppVersion(cfg.Version()),
		plugin.WithSources(cfg.Sources...),
	}
	if opts.observer != nil {
		loaderOpts = append(loaderOpts, plugin.WithObserver(opts.observer))
	}
	h.loader = plugin.NewLoader(cfg.PluginsDir, loaderOpts...)
	return h, nil
}

// discover loads installed plugins without activating them.
func (h *host) discover(ctx context.Context) error {
	return h.loader.Discover(ctx)
}

// start discovers and activates enabled plugins. Callers must call stop.
func (h *host) start(ctx context.Context) error {
	return h.loader.Start(ctx)
}

func (h *host) stop(ctx context.Context) {
	h.loader.Stop(ctx)
	h.runtime.DeactivateAll(ctx)
}

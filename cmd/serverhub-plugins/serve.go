// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ServerHub Contributors

package main

import (
	"context"
	cryptotls "crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Zhang142857/serverhub-sub000/internal/config"
	"github.com/Zhang142857/serverhub-sub000/internal/observability"
	"github.com/Zhang142857/serverhub-sub000/internal/tls"
	"github.com/Zhang142857/serverhub-sub000/internal/ui"
)

const shutdownTimeout = 5 * time.Second

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run enabled plugins until interrupted",
		Long: `Start the plugin host: activate enabled plugins, serve the UI websocket
channel and the metrics/health endpoints, and run until SIGINT or SIGTERM.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), cmd, opts.cfg)
		},
	}
}

// uiServer serves the presentation websocket on its own listener.
type uiServer struct {
	srv      *http.Server
	listener net.Listener
}

func startUIServer(addr string, hub *ui.Hub, tlsConfig *cryptotls.Config) (*uiServer, <-chan error, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	if tlsConfig != nil {
		listener = cryptotls.NewListener(listener, tlsConfig)
	}
	mux := http.NewServeMux()
	mux.Handle("/ws", ui.NewHandler(hub, nil))
	s := &uiServer{
		srv:      &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second},
		listener: listener,
	}

	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := s.srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	return s, errCh, nil
}

func runServe(ctx context.Context, cmd *cobra.Command, cfg *config.Config) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var ready atomic.Bool
	var obsServer *observability.Server
	var metrics *observability.Metrics
	if cfg.MetricsAddr != "" {
		obsServer = observability.NewServer(cfg.MetricsAddr, ready.Load)
		metrics = obsServer.Metrics()
	}

	hub := ui.NewHub()
	h, err := newHost(cfg, hostOptions{metrics: metrics, observer: hub.PublishEvent, hub: hub})
	if err != nil {
		return err
	}

	if obsServer != nil {
		obsErr, err := obsServer.Start()
		if err != nil {
			return fmt.Errorf("failed to start observability server: %w", err)
		}
		go monitorServerErrors(ctx, cancel, obsErr, "observability")
		slog.Info("metrics listening", "addr", obsServer.Addr())
	}

	var uiSrv *uiServer
	if cfg.UIAddr != "" {
		tlsConfig, err := uiTLSConfig(cfg)
		if err != nil {
			stopObservability(obsServer)
			return err
		}
		var uiErr <-chan error
		uiSrv, uiErr, err = startUIServer(cfg.UIAddr, hub, tlsConfig)
		if err != nil {
			stopObservability(obsServer)
			return err
		}
		go monitorServerErrors(ctx, cancel, uiErr, "ui")
		slog.Info("ui websocket listening", "addr", uiSrv.listener.Addr().String(), "tls", tlsConfig != nil)
	}

	if err := h.start(ctx); err != nil {
		shutdown(uiSrv, obsServer)
		return err
	}
	ready.Store(true)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	cmd.Println("Plugin host started")
	slog.Info("plugin host ready", "plugins_dir", cfg.PluginsDir, "active", h.runtime.Active())

	select {
	case sig := <-sigChan:
		slog.Info("received shutdown signal", "signal", sig)
	case <-ctx.Done():
		slog.Info("context cancelled, shutting down")
	}

	ready.Store(false)
	stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stopCancel()
	h.stop(stopCtx)
	shutdown(uiSrv, obsServer)

	slog.Info("shutdown complete")
	return nil
}

// uiTLSConfig returns nil when TLS is off. The generated CA lives in
// certs_dir so UI clients can be told to trust it.
func uiTLSConfig(cfg *config.Config) (*cryptotls.Config, error) {
	if !cfg.UITLS {
		return nil, nil
	}
	host, _, err := net.SplitHostPort(cfg.UIAddr)
	if err != nil {
		return nil, fmt.Errorf("invalid ui_addr %q: %w", cfg.UIAddr, err)
	}
	tlsConfig, err := tls.EnsureServerTLS(cfg.CertsDir, []string{host})
	if err != nil {
		return nil, fmt.Errorf("failed to prepare ui certificates: %w", err)
	}
	slog.Info("ui channel uses TLS", "ca", filepath.Join(cfg.CertsDir, tls.CACertFile))
	return tlsConfig, nil
}

// monitorServerErrors cancels the serve context when a server fails.
func monitorServerErrors(ctx context.Context, cancel context.CancelFunc, errCh <-chan error, name string) {
	select {
	case err, ok := <-errCh:
		if ok && err != nil {
			slog.Error("server failed", "server", name, "error", err)
			cancel()
		}
	case <-ctx.Done():
	}
}

func shutdown(uiSrv *uiServer, obsServer *observability.Server) {
	if uiSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := uiSrv.srv.Shutdown(ctx); err != nil {
			slog.Warn("error stopping ui server", "error", err)
		}
	}
	stopObservability(obsServer)
}

func stopObservability(obsServer *observability.Server) {
	if obsServer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := obsServer.Stop(ctx); err != nil {
		slog.Warn("error stopping observability server", "error", err)
	}
}

// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ServerHub Contributors

// Package observability exposes plugin host metrics and health endpoints.
package observability

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/samber/oops"
)

// ReadinessChecker reports whether the host has finished starting plugins.
type ReadinessChecker func() bool

// Server serves /metrics, /healthz and /readyz.
type Server struct {
	addr    string
	handler http.Handler
	metrics *Metrics

	mu       sync.Mutex
	srv      *http.Server
	listener net.Listener
}

// NewServer builds a server on its own registry. A nil ready func always
// reports ready.
func NewServer(addr string, ready ReadinessChecker) *Server {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeStatus(w, http.StatusOK, "ok")
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if ready != nil && !ready() {
			writeStatus(w, http.StatusServiceUnavailable, "plugins starting")
			return
		}
		writeStatus(w, http.StatusOK, "ok")
	})

	return &Server{addr: addr, handler: mux, metrics: NewMetrics(reg)}
}

func writeStatus(w http.ResponseWriter, code int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(code)
	_, _ = io.WriteString(w, body+"\n")
}

// Metrics returns the plugin metrics registered on this server.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// Start listens and serves in the background. The returned channel receives
// a serve failure and is closed once serving ends.
func (s *Server) Start() (<-chan error, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return nil, oops.In("observability").Errorf("metrics server already started")
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return nil, oops.In("observability").With("addr", s.addr).Wrap(err)
	}
	srv := &http.Server{Handler: s.handler, ReadHeaderTimeout: 10 * time.Second}
	s.srv, s.listener = srv, listener

	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	return errCh, nil
}

// Addr is the bound address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop shuts the server down. Stopping an unstarted server is a no-op.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	if err := srv.Shutdown(ctx); err != nil {
		return oops.In("observability").Wrap(err)
	}
	return nil
}

// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ServerHub Contributors

// Package logging provides structured logging with OpenTelemetry trace context.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"slices"

	"go.opentelemetry.io/otel/trace"
)

// Supported output formats.
const (
	FormatJSON = "json"
	FormatText = "text"
)

// ValidFormat reports whether format is accepted by Setup. Empty means JSON.
func ValidFormat(format string) bool {
	return format == "" || slices.Contains([]string{FormatJSON, FormatText}, format)
}

// traceHandler stamps every record with the service identity and, when the
// context carries a span, its trace and span ids.
type traceHandler struct {
	handler slog.Handler
	service string
	version string
}

// Handle adds trace context to the log record.
func (h *traceHandler) Handle(ctx context.Context, r slog.Record) error {
	r.AddAttrs(
		slog.String("service", h.service),
		slog.String("version", h.version),
	)

	spanCtx := trace.SpanContextFromContext(ctx)
	if spanCtx.HasTraceID() {
		r.AddAttrs(slog.String("trace_id", spanCtx.TraceID().String()))
	}
	if spanCtx.HasSpanID() {
		r.AddAttrs(slog.String("span_id", spanCtx.SpanID().String()))
	}

	//nolint:wrapcheck // Handler interface requires unwrapped error passthrough
	return h.handler.Handle(ctx, r)
}

func (h *traceHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.handler.Enabled(ctx, level)
}

func (h *traceHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &traceHandler{handler: h.handler.WithAttrs(attrs), service: h.service, version: h.version}
}

func (h *traceHandler) WithGroup(name string) slog.Handler {
	return &traceHandler{handler: h.handler.WithGroup(name), service: h.service, version: h.version}
}

// Option adjusts Setup.
type Option func(*slog.HandlerOptions)

// WithLevel sets the minimum level. The default is Info.
func WithLevel(level slog.Leveler) Option {
	return func(o *slog.HandlerOptions) {
		o.Level = level
	}
}

// Setup creates a logger writing format ("json" or "text", default "json")
// to w, or to os.Stderr when w is nil.
func Setup(service, version, format string, w io.Writer, opts ...Option) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	hopts := &slog.HandlerOptions{Level: slog.LevelInfo}
	for _, opt := range opts {
		opt(hopts)
	}

	var base slog.Handler
	if format == FormatText {
		base = slog.NewTextHandler(w, hopts)
	} else {
		base = slog.NewJSONHandler(w, hopts)
	}
	return slog.New(&traceHandler{handler: base, service: service, version: version})
}

// SetDefault installs a Setup logger writing to stderr as the slog default.
func SetDefault(service, version, format string, opts ...Option) *slog.Logger {
	logger := Setup(service, version, format, nil, opts...)
	slog.SetDefault(logger)
	return logger
}

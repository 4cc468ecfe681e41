// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ServerHub Contributors

package observability

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Zhang142857/serverhub-sub000/internal/plugin"
)

// Result label values.
const (
	ResultOK      = "ok"
	ResultDenied  = "denied"
	ResultError   = "error"
	ResultTimeout = "timeout"
)

// Metrics contains the plugin subsystem's Prometheus metrics.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	ActivationsTotal    *prometheus.CounterVec
	ActivePlugins       prometheus.Gauge
	BridgeCallsTotal    *prometheus.CounterVec
	ScriptTimeoutsTotal *prometheus.CounterVec
	ToolExecutionsTotal *prometheus.CounterVec
}

// NewMetrics creates and registers the plugin metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ActivationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "serverhub_plugin_activations_total",
				Help: "Total number of plugin activations by runtime and result",
			},
			[]string{"runtime", "result"},
		),
		ActivePlugins: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "serverhub_plugins_active",
			Help: "Number of currently active plugin instances",
		}),
		BridgeCallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "serverhub_bridge_calls_total",
				Help: "Total number of capability bridge calls by surface, action and result",
			},
			[]string{"surface", "action", "result"},
		),
		ScriptTimeoutsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "serverhub_script_timeouts_total",
				Help: "Total number of sandboxed calls that exceeded the execution timeout",
			},
			[]string{"phase"},
		),
		ToolExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "serverhub_tool_executions_total",
				Help: "Total number of plugin tool executions by result",
			},
			[]string{"result"},
		),
	}

	reg.MustRegister(m.ActivationsTotal, m.ActivePlugins, m.BridgeCallsTotal, m.ScriptTimeoutsTotal, m.ToolExecutionsTotal)
	return m
}

// ResultOf maps an error to a result label.
func ResultOf(err error) string {
	switch {
	case err == nil:
		return ResultOK
	case errors.Is(err, plugin.ErrExecutionTimeout):
		return ResultTimeout
	case errors.Is(err, plugin.ErrPermissionDenied),
		errors.Is(err, plugin.ErrPathNotAllowed),
		errors.Is(err, plugin.ErrHostNotAllowed),
		errors.Is(err, plugin.ErrCommandNotAllowed):
		return ResultDenied
	default:
		return ResultError
	}
}

// RecordActivation counts one activation attempt.
func (m *Metrics) RecordActivation(runtime string, err error) {
	if m == nil {
		return
	}
	m.ActivationsTotal.WithLabelValues(runtime, ResultOf(err)).Inc()
	if errors.Is(err, plugin.ErrExecutionTimeout) {
		m.ScriptTimeoutsTotal.WithLabelValues("activate").Inc()
	}
}

// SetActive sets the active instance gauge.
func (m *Metrics) SetActive(n int) {
	if m == nil {
		return
	}
	m.ActivePlugins.Set(float64(n))
}

// RecordBridgeCall counts one bridge call.
func (m *Metrics) RecordBridgeCall(surface, action string, err error) {
	if m == nil {
		return
	}
	m.BridgeCallsTotal.WithLabelValues(surface, action, ResultOf(err)).Inc()
}

// RecordCall counts a plugin function call outcome; only timeouts are tracked.
func (m *Metrics) RecordCall(err error) {
	if m == nil {
		return
	}
	if errors.Is(err, plugin.ErrExecutionTimeout) {
		m.ScriptTimeoutsTotal.WithLabelValues("call").Inc()
	}
}

// RecordToolExecution counts one tool execution.
func (m *Metrics) RecordToolExecution(err error) {
	if m == nil {
		return
	}
	m.ToolExecutionsTotal.WithLabelValues(ResultOf(err)).Inc()
}

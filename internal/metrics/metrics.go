// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package metrics defines the Prometheus collectors exported on /metrics.
//
// Collectors are grouped in a Metrics value bound to its own registry so
// tests can create independent instances. All methods are safe on a nil
// *Metrics, which records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Flush kinds.
const (
	FlushSend  = "send"
	FlushEdit  = "edit"
	FlushFinal = "final"
)

// Relay outcomes.
const (
	OutcomeDone    = "done"
	OutcomeErrored = "errored"
	OutcomeEmpty   = "empty"
)

// Metrics holds every collector the orchestrator updates.
type Metrics struct {
	registry *prometheus.Registry

	RelayFlushes     *prometheus.CounterVec
	RelayRuns        *prometheus.CounterVec
	StreamDuration   prometheus.Histogram
	Commands         *prometheus.CounterVec
	WebhookUpdates   *prometheus.CounterVec
	CatalogRefreshes *prometheus.CounterVec
	FreeModels       prometheus.Gauge
	DispatchInflight prometheus.Gauge
}

// New registers all collectors, plus the Go and process collectors, on a
// fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		RelayFlushes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_flushes_total",
			Help: "Outbound send/edit operations issued by the relay engine",
		}, []string{"kind"}),
		RelayRuns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_runs_total",
			Help: "Relay runs by final outcome",
		}, []string{"outcome"}),
		StreamDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_stream_duration_seconds",
			Help:    "Time from completion request to final outbound operation",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 40, 80, 160, 300},
		}),
		Commands: f.NewCounterVec(prometheus.CounterOpts{
			Name: "commands_total",
			Help: "Directives handled, by command name",
		}, []string{"command"}),
		WebhookUpdates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "webhook_updates_total",
			Help: "Inbound updates by handling status",
		}, []string{"status"}),
		CatalogRefreshes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "catalog_refresh_total",
			Help: "Free-availability refreshes by outcome",
		}, []string{"outcome"}),
		FreeModels: f.NewGauge(prometheus.GaugeOpts{
			Name: "free_models_available",
			Help: "Models currently marked available in the free-availability table",
		}),
		DispatchInflight: f.NewGauge(prometheus.GaugeOpts{
			Name: "dispatch_inflight",
			Help: "Inbound events currently being handled",
		}),
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Flush counts one outbound relay operation.
func (m *Metrics) Flush(kind string) {
	if m != nil {
		m.RelayFlushes.WithLabelValues(kind).Inc()
	}
}

// RelayRun records a finished relay run.
func (m *Metrics) RelayRun(outcome string, seconds float64) {
	if m != nil {
		m.RelayRuns.WithLabelValues(outcome).Inc()
		m.StreamDuration.Observe(seconds)
	}
}

// Command counts one handled directive.
func (m *Metrics) Command(name string) {
	if m != nil {
		m.Commands.WithLabelValues(name).Inc()
	}
}

// WebhookUpdate counts one inbound update.
func (m *Metrics) WebhookUpdate(status string) {
	if m != nil {
		m.WebhookUpdates.WithLabelValues(status).Inc()
	}
}

// CatalogRefresh records a refresh outcome and, on success, the new count.
func (m *Metrics) CatalogRefresh(outcome string, available int) {
	if m == nil {
		return
	}
	m.CatalogRefreshes.WithLabelValues(outcome).Inc()
	if outcome == "ok" {
		m.FreeModels.Set(float64(available))
	}
}

// InflightAdd adjusts the in-flight event gauge.
func (m *Metrics) InflightAdd(delta float64) {
	if m != nil {
		m.DispatchInflight.Add(delta)
	}
}

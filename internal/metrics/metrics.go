// Package metrics exposes Prometheus instrumentation for the options-flow
// service: ingestion throughput, discard reasons, store occupancy, vendor
// call outcomes, and live-subscriber counts. Served at /metrics in the
// Prometheus text exposition format.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every collector the service updates. A single instance is
// created at bootstrap and shared through the service container.
type Metrics struct {
	registry *prometheus.Registry

	FlowsIngested   *prometheus.CounterVec // source: ws|rest
	FlowsDiscarded  *prometheus.CounterVec // reason: malformed_symbol|bad_price|min_premium|expired
	StoreSize       prometheus.Gauge
	StoreEvictions  *prometheus.CounterVec // reason: capacity|age
	VendorCalls     *prometheus.CounterVec // endpoint, outcome: ok|rate_limited|unauthorized|error
	Subscribers     prometheus.Gauge
	BroadcastErrors prometheus.Counter
	BackfillRuns    prometheus.Counter
	WSReconnects    prometheus.Counter
}

// New builds and registers the service collectors on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		FlowsIngested: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "optionsflow_flows_ingested_total",
				Help: "Enriched flow records accepted into the store",
			},
			[]string{"source"},
		),
		FlowsDiscarded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "optionsflow_flows_discarded_total",
				Help: "Raw records dropped during enrichment",
			},
			[]string{"reason"},
		),
		StoreSize: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "optionsflow_store_size",
				Help: "Current trade store occupancy",
			},
		),
		StoreEvictions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "optionsflow_store_evictions_total",
				Help: "Records evicted from the trade store",
			},
			[]string{"reason"},
		),
		VendorCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "optionsflow_vendor_calls_total",
				Help: "Upstream vendor REST calls by outcome",
			},
			[]string{"endpoint", "outcome"},
		),
		Subscribers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "optionsflow_live_subscribers",
				Help: "Connected live-stream subscribers",
			},
		),
		BroadcastErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "optionsflow_broadcast_errors_total",
				Help: "Failed sends to live subscribers",
			},
		),
		BackfillRuns: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "optionsflow_backfill_runs_total",
				Help: "Completed REST backfill sweeps",
			},
		),
		WSReconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "optionsflow_ws_reconnects_total",
				Help: "Vendor WebSocket reconnect attempts",
			},
		),
	}

	m.registry.MustRegister(
		m.FlowsIngested,
		m.FlowsDiscarded,
		m.StoreSize,
		m.StoreEvictions,
		m.VendorCalls,
		m.Subscribers,
		m.BroadcastErrors,
		m.BackfillRuns,
		m.WSReconnects,
	)
	return m
}

// Registry returns the backing registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Discard reasons used across the enrichment pipeline.
const (
	ReasonMalformedSymbol = "malformed_symbol"
	ReasonBadPrice        = "bad_price"
	ReasonMinPremium      = "min_premium"
	ReasonExpired         = "expired"
)

// Vendor call outcomes.
const (
	OutcomeOK           = "ok"
	OutcomeRateLimited  = "rate_limited"
	OutcomeUnauthorized = "unauthorized"
	OutcomeError        = "error"
)

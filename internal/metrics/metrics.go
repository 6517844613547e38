// Package metrics exposes the edge server's prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Relay outcomes recorded by [Edge.ObserveRelay].
const (
	OutcomeOK           = "ok"
	OutcomeNotFound     = "not_found"
	OutcomeNotConnected = "not_connected"
	OutcomeQuota        = "quota_exceeded"
	OutcomeTimeout      = "timeout"
	OutcomeAbandoned    = "abandoned"
	OutcomeCancelled    = "cancelled"
	OutcomeError        = "error"
)

// Edge groups the collectors of one edge server on a private registry.
type Edge struct {
	registry *prometheus.Registry

	AgentConnections prometheus.Gauge
	InflightRequests prometheus.Gauge
	WSTunnels        prometheus.Gauge
	relayed          *prometheus.CounterVec
	relayDuration    prometheus.Histogram
	wsFrames         *prometheus.CounterVec
}

// NewEdge builds and registers the edge collectors.
func NewEdge() *Edge {
	reg := prometheus.NewRegistry()
	m := &Edge{
		registry: reg,
		AgentConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "a2rok",
			Name:      "agent_connections",
			Help:      "Live agent control connections.",
		}),
		InflightRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "a2rok",
			Name:      "inflight_requests",
			Help:      "Public requests waiting for an agent reply.",
		}),
		WSTunnels: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "a2rok",
			Name:      "ws_tunnels",
			Help:      "Public websocket tunnels pending or relaying.",
		}),
		relayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "a2rok",
			Name:      "relayed_requests_total",
			Help:      "Public HTTP requests handled by the ingress bridge.",
		}, []string{"outcome"}),
		relayDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "a2rok",
			Name:      "relay_duration_seconds",
			Help:      "Time from dispatch to agent reply.",
			Buckets:   prometheus.DefBuckets,
		}),
		wsFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "a2rok",
			Name:      "ws_frames_total",
			Help:      "Websocket frames relayed through tunnels.",
		}, []string{"direction"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.AgentConnections,
		m.InflightRequests,
		m.WSTunnels,
		m.relayed,
		m.relayDuration,
		m.wsFrames,
	)
	return m
}

// ObserveRelay counts one ingress outcome; a non-zero elapsed is also
// recorded as relay latency.
func (m *Edge) ObserveRelay(outcome string, elapsed time.Duration) {
	m.relayed.WithLabelValues(outcome).Inc()
	if elapsed > 0 {
		m.relayDuration.Observe(elapsed.Seconds())
	}
}

// ObserveFrame counts a relayed websocket frame; direction is "in" for
// public to agent and "out" for agent to public.
func (m *Edge) ObserveFrame(direction string) {
	m.wsFrames.WithLabelValues(direction).Inc()
}

// RelayCount returns the counter value for outcome.
func (m *Edge) RelayCount(outcome string) float64 {
	return counterValue(m.relayed.WithLabelValues(outcome))
}

// Handler serves the registry in the prometheus exposition format.
func (m *Edge) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying prometheus registry.
func (m *Edge) Registry() *prometheus.Registry {
	return m.registry
}

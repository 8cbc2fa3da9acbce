// Package metrics provides Prometheus instrumentation for the gateway.
//
// All methods are safe on a nil *Metrics, so components can be built without
// instrumentation in tests and tools.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "nexus"
	subsystem = "gateway"
)

// Stream outcomes recorded by StreamOutcome.
const (
	OutcomeDone             = "done"
	OutcomeStepBudget       = "step_budget_exhausted"
	OutcomeModelError       = "model_error"
	OutcomeClientDisconnect = "client_disconnect"
)

// Metrics holds the gateway collectors.
type Metrics struct {
	// RequestsTotal counts requests by route and HTTP status.
	RequestsTotal *prometheus.CounterVec
	// StepsPerRequest observes the number of loop steps run per chat request.
	StepsPerRequest prometheus.Histogram
	// ToolCallsTotal counts tool invocations by tool and outcome (ok, error).
	ToolCallsTotal *prometheus.CounterVec
	// ToolSessionsActive is the number of tool provider subprocesses alive.
	ToolSessionsActive prometheus.Gauge
	// ToolSessionOpenSeconds measures spawn plus handshake latency.
	ToolSessionOpenSeconds prometheus.Histogram
	// StreamOutcomesTotal counts how chat streams ended.
	StreamOutcomesTotal *prometheus.CounterVec
}

// New registers the collectors with reg. Use prometheus.NewRegistry() in
// tests to avoid duplicate registration.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "requests_total",
			Help:      "Total HTTP requests by route and status code.",
		}, []string{"route", "code"}),
		StepsPerRequest: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "steps_per_request",
			Help:      "Agent loop steps run per chat request.",
			Buckets:   []float64{1, 2, 3, 4, 5, 7, 10, 15, 20},
		}),
		ToolCallsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "tool_calls_total",
			Help:      "Tool invocations by tool name and outcome.",
		}, []string{"tool", "outcome"}),
		ToolSessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "tool_sessions_active",
			Help:      "Tool provider subprocesses currently open.",
		}),
		ToolSessionOpenSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "tool_session_open_seconds",
			Help:      "Time to spawn a tool provider and discover its tools.",
			Buckets:   prometheus.DefBuckets,
		}),
		StreamOutcomesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "stream_outcomes_total",
			Help:      "Chat streams by terminal outcome.",
		}, []string{"outcome"}),
	}
}

func (m *Metrics) Request(route string, code int) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(route, strconv.Itoa(code)).Inc()
}

func (m *Metrics) Steps(n int) {
	if m == nil {
		return
	}
	m.StepsPerRequest.Observe(float64(n))
}

func (m *Metrics) ToolCall(tool string, failed bool) {
	if m == nil {
		return
	}
	outcome := "ok"
	if failed {
		outcome = "error"
	}
	m.ToolCallsTotal.WithLabelValues(tool, outcome).Inc()
}

// ToolSessionOpened records a successful open that took d.
func (m *Metrics) ToolSessionOpened(d time.Duration) {
	if m == nil {
		return
	}
	m.ToolSessionOpenSeconds.Observe(d.Seconds())
	m.ToolSessionsActive.Inc()
}

func (m *Metrics) ToolSessionClosed() {
	if m == nil {
		return
	}
	m.ToolSessionsActive.Dec()
}

func (m *Metrics) StreamOutcome(outcome string) {
	if m == nil {
		return
	}
	m.StreamOutcomesTotal.WithLabelValues(outcome).Inc()
}

package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for lore. All methods are safe
// on a nil receiver so components can run without instrumentation.
type Metrics struct {
	// Learning metrics
	CapturesTotal   *prometheus.CounterVec
	VectorFallbacks prometheus.Counter
	SearchesTotal   *prometheus.CounterVec
	SearchDuration  *prometheus.HistogramVec
	VectorAvailable prometheus.Gauge

	// Chat metrics
	ChatTurnsTotal *prometheus.CounterVec
	ChatDuration   prometheus.Histogram
	ChatInFlight   prometheus.Gauge
	ToolCallsTotal *prometheus.CounterVec

	// History metrics
	HistoryPruned prometheus.Counter

	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

var (
	metricsOnce   sync.Once
	sharedMetrics *Metrics
)

// NewMetrics creates and registers all collectors with the default
// registry. Repeated calls return the same instance.
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		sharedMetrics = &Metrics{
			CapturesTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "lore_learning_captures_total",
					Help: "Learning capture attempts by outcome",
				},
				[]string{"outcome"},
			),
			VectorFallbacks: promauto.NewCounter(prometheus.CounterOpts{
				Name: "lore_learning_vector_fallbacks_total",
				Help: "Captures that fell back to SQLite after a vector store error",
			}),
			SearchesTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "lore_learning_searches_total",
					Help: "Learning searches by backend",
				},
				[]string{"backend"},
			),
			SearchDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "lore_learning_search_duration_seconds",
					Help:    "Learning search latency",
					Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
				},
				[]string{"backend"},
			),
			VectorAvailable: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "lore_vector_available",
				Help: "1 when the vector knowledge store is in use",
			}),
			ChatTurnsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "lore_chat_turns_total",
					Help: "Completed chat turns by status",
				},
				[]string{"status"},
			),
			ChatDuration: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "lore_chat_turn_duration_seconds",
				Help:    "Wall time of a chat turn from submit to complete",
				Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
			}),
			ChatInFlight: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "lore_chat_in_flight",
				Help: "Chat turns currently running",
			}),
			ToolCallsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "lore_agent_tool_calls_total",
					Help: "Agent tool invocations by tool name",
				},
				[]string{"tool"},
			),
			HistoryPruned: promauto.NewCounter(prometheus.CounterOpts{
				Name: "lore_history_pruned_total",
				Help: "Chat messages removed by retention",
			}),
			HTTPRequestsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "lore_http_requests_total",
					Help: "HTTP requests by method, route and status",
				},
				[]string{"method", "route", "status"},
			),
			HTTPRequestDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "lore_http_request_duration_seconds",
					Help:    "HTTP request latency",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"method", "route"},
			),
		}
	})
	return sharedMetrics
}

func (m *Metrics) RecordCapture(outcome string) {
	if m == nil {
		return
	}
	m.CapturesTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordVectorFallback() {
	if m == nil {
		return
	}
	m.VectorFallbacks.Inc()
}

func (m *Metrics) RecordSearch(backend string, d time.Duration) {
	if m == nil {
		return
	}
	m.SearchesTotal.WithLabelValues(backend).Inc()
	m.SearchDuration.WithLabelValues(backend).Observe(d.Seconds())
}

func (m *Metrics) SetVectorAvailable(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.VectorAvailable.Set(1)
	} else {
		m.VectorAvailable.Set(0)
	}
}

// TurnStarted marks a chat turn in flight and returns a func that records
// its completion with the given status.
func (m *Metrics) TurnStarted() func(status string) {
	if m == nil {
		return func(string) {}
	}
	start := time.Now()
	m.ChatInFlight.Inc()
	return func(status string) {
		m.ChatInFlight.Dec()
		m.ChatTurnsTotal.WithLabelValues(status).Inc()
		m.ChatDuration.Observe(time.Since(start).Seconds())
	}
}

func (m *Metrics) RecordToolCall(tool string) {
	if m == nil {
		return
	}
	m.ToolCallsTotal.WithLabelValues(tool).Inc()
}

func (m *Metrics) RecordPruned(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.HistoryPruned.Add(float64(n))
}

func (m *Metrics) RecordHTTPRequest(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, route, statusClass(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

func statusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}

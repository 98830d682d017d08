// Package metrics provides sync-layer metrics collection.
// It wraps Prometheus collectors to expose channel state, push traffic,
// fallback reconstructions and persistence health per domain.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/R3E-Network/ledgersync/internal/state"
)

// Recorder is the interface the sync components report through.
type Recorder interface {
	RecordState(domain string, s state.ConnectionState)
	RecordTransition(domain string, from, to state.ConnectionState)
	RecordPushEvent(domain, event string, known bool)
	RecordRefresh(domain string, suppressed bool)
	RecordReducerFault(domain, event string)
	RecordHandshake(domain string, duration time.Duration, err error)
	RecordFallback(domain, trigger string, duration time.Duration, defaulted int)
	RecordFallbackOp(domain, op string, err error)
	RecordFallbackDiscarded(domain string)
	RecordPersistence(domain, op string, err error)
	RecordPull(namespace, request string, duration time.Duration, err error)
	RecordSession(action string, duration time.Duration, err error)
}

// Collector provides sync metrics collection.
type Collector struct {
	registry *prometheus.Registry

	// Channel metrics
	connectionState *prometheus.GaugeVec
	transitions     *prometheus.CounterVec
	pushEvents      *prometheus.CounterVec
	refreshBursts   *prometheus.CounterVec
	reducerFaults   *prometheus.CounterVec
	handshake       *prometheus.HistogramVec

	// Fallback metrics
	fallbackRuns      *prometheus.CounterVec
	fallbackLatency   *prometheus.HistogramVec
	fallbackDefaults  *prometheus.CounterVec
	fallbackDiscarded *prometheus.CounterVec

	// Pull channel metrics
	pullTotal   *prometheus.CounterVec
	pullLatency *prometheus.HistogramVec

	// Persistence and session metrics
	persistOps      *prometheus.CounterVec
	persistFailures *prometheus.CounterVec
	sessionLatency  *prometheus.HistogramVec

	// Local API metrics
	httpRequests *prometheus.CounterVec
	httpLatency  *prometheus.HistogramVec

	uptime    prometheus.GaugeFunc
	startTime time.Time
}

var _ Recorder = (*Collector)(nil)

// NewCollector creates a new sync metrics collector.
func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = "ledgersync"
	}

	c := &Collector{
		registry:  prometheus.NewRegistry(),
		startTime: time.Now(),
	}

	c.connectionState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "channel",
			Name:      "state",
			Help:      "Current connection state of a domain (0=disconnected, 1=connecting, 2=connected, 3=degraded)",
		},
		[]string{"domain"},
	)

	c.transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "channel",
			Name:      "transitions_total",
			Help:      "Total number of connection state transitions",
		},
		[]string{"domain", "from", "to"},
	)

	c.pushEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "channel",
			Name:      "push_events_total",
			Help:      "Total number of push events received",
		},
		[]string{"domain", "event", "known"},
	)

	c.refreshBursts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "channel",
			Name:      "refresh_bursts_total",
			Help:      "Total number of refresh bursts emitted or suppressed",
		},
		[]string{"domain", "result"},
	)

	c.reducerFaults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "reducer_faults_total",
			Help:      "Total number of recovered reducer faults",
		},
		[]string{"domain", "event"},
	)

	c.handshake = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "channel",
			Name:      "handshake_duration_seconds",
			Help:      "Time taken to obtain a credential and open a channel",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
		},
		[]string{"domain", "result"},
	)

	c.fallbackRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fallback",
			Name:      "runs_total",
			Help:      "Total number of fallback reconstructions",
		},
		[]string{"domain", "trigger"},
	)

	c.fallbackLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "fallback",
			Name:      "duration_seconds",
			Help:      "Time taken by a fallback reconstruction",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		},
		[]string{"domain"},
	)

	c.fallbackDefaults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fallback",
			Name:      "op_results_total",
			Help:      "Fallback operation outcomes (fresh or defaulted)",
		},
		[]string{"domain", "op", "result"},
	)

	c.fallbackDiscarded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fallback",
			Name:      "discarded_total",
			Help:      "Fallback results dropped because the store was torn down",
		},
		[]string{"domain"},
	)

	c.pullTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pull",
			Name:      "requests_total",
			Help:      "Total number of pull channel requests",
		},
		[]string{"namespace", "request", "result"},
	)

	c.pullLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pull",
			Name:      "request_duration_seconds",
			Help:      "Pull channel request latency",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"namespace", "request"},
	)

	c.persistOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "persist",
			Name:      "operations_total",
			Help:      "Total number of snapshot persistence operations",
		},
		[]string{"domain", "op"},
	)

	c.persistFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "persist",
			Name:      "failures_total",
			Help:      "Total number of snapshot persistence failures",
		},
		[]string{"domain", "op"},
	)

	c.sessionLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "duration_seconds",
			Help:      "Time taken by session login, logout and reconcile",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
		},
		[]string{"action", "result"},
	)

	c.httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "requests_total",
			Help:      "Total number of local API requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "request_duration_seconds",
			Help:      "Local API request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.uptime = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Time since the collector was created",
		},
		func() float64 { return time.Since(c.startTime).Seconds() },
	)

	c.registry.MustRegister(
		c.connectionState,
		c.transitions,
		c.pushEvents,
		c.refreshBursts,
		c.reducerFaults,
		c.handshake,
		c.fallbackRuns,
		c.fallbackLatency,
		c.fallbackDefaults,
		c.fallbackDiscarded,
		c.pullTotal,
		c.pullLatency,
		c.persistOps,
		c.persistFailures,
		c.sessionLatency,
		c.httpRequests,
		c.httpLatency,
		c.uptime,
	)

	return c
}

// Registry returns the Prometheus registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler returns an HTTP handler serving the collector's registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// RecordState records the current connection state of a domain.
func (c *Collector) RecordState(domain string, s state.ConnectionState) {
	c.connectionState.WithLabelValues(domain).Set(float64(s))
}

// RecordTransition counts a state change and updates the state gauge.
func (c *Collector) RecordTransition(domain string, from, to state.ConnectionState) {
	c.transitions.WithLabelValues(domain, from.String(), to.String()).Inc()
	c.connectionState.WithLabelValues(domain).Set(float64(to))
}

// RecordPushEvent counts an inbound push event.
func (c *Collector) RecordPushEvent(domain, event string, known bool) {
	k := "true"
	if !known {
		k = "false"
		// unknown names are collapsed to keep label cardinality bounded
		event = "unknown"
	}
	c.pushEvents.WithLabelValues(domain, event, k).Inc()
}

// RecordRefresh counts a refresh burst.
func (c *Collector) RecordRefresh(domain string, suppressed bool) {
	result := "emitted"
	if suppressed {
		result = "suppressed"
	}
	c.refreshBursts.WithLabelValues(domain, result).Inc()
}

// RecordReducerFault counts a recovered reducer panic.
func (c *Collector) RecordReducerFault(domain, event string) {
	c.reducerFaults.WithLabelValues(domain, event).Inc()
}

// RecordHandshake records credential plus dial latency.
func (c *Collector) RecordHandshake(domain string, duration time.Duration, err error) {
	c.handshake.WithLabelValues(domain, result(err)).Observe(duration.Seconds())
}

// RecordFallback records one completed fallback run.
func (c *Collector) RecordFallback(domain, trigger string, duration time.Duration, defaulted int) {
	c.fallbackRuns.WithLabelValues(domain, trigger).Inc()
	c.fallbackLatency.WithLabelValues(domain).Observe(duration.Seconds())
}

// RecordFallbackOp records a single fallback operation outcome.
func (c *Collector) RecordFallbackOp(domain, op string, err error) {
	r := "fresh"
	if err != nil {
		r = "defaulted"
	}
	c.fallbackDefaults.WithLabelValues(domain, op, r).Inc()
}

// RecordFallbackDiscarded counts a fallback result dropped after teardown.
func (c *Collector) RecordFallbackDiscarded(domain string) {
	c.fallbackDiscarded.WithLabelValues(domain).Inc()
}

// RecordPersistence records a snapshot persistence operation.
func (c *Collector) RecordPersistence(domain, op string, err error) {
	c.persistOps.WithLabelValues(domain, op).Inc()
	if err != nil {
		c.persistFailures.WithLabelValues(domain, op).Inc()
	}
}

// RecordPull records a pull channel request.
func (c *Collector) RecordPull(namespace, request string, duration time.Duration, err error) {
	c.pullTotal.WithLabelValues(namespace, request, result(err)).Inc()
	c.pullLatency.WithLabelValues(namespace, request).Observe(duration.Seconds())
}

// RecordSession records a coordinator lifecycle action.
func (c *Collector) RecordSession(action string, duration time.Duration, err error) {
	c.sessionLatency.WithLabelValues(action, result(err)).Observe(duration.Seconds())
}

// RecordHTTPRequest records one local API request.
func (c *Collector) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	c.httpRequests.WithLabelValues(method, path, status).Inc()
	c.httpLatency.WithLabelValues(method, path).Observe(duration.Seconds())
}

// Reset resets gauge metrics.
func (c *Collector) Reset() {
	c.connectionState.Reset()
	c.startTime = time.Now()
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// NoOpCollector is a metrics recorder that discards all metrics.
type NoOpCollector struct{}

var _ Recorder = NoOpCollector{}

func (NoOpCollector) RecordState(string, state.ConnectionState)                             {}
func (NoOpCollector) RecordTransition(string, state.ConnectionState, state.ConnectionState) {}
func (NoOpCollector) RecordPushEvent(string, string, bool)                                  {}
func (NoOpCollector) RecordRefresh(string, bool)                                            {}
func (NoOpCollector) RecordReducerFault(string, string)                                     {}
func (NoOpCollector) RecordHandshake(string, time.Duration, error)                          {}
func (NoOpCollector) RecordFallback(string, string, time.Duration, int)                     {}
func (NoOpCollector) RecordFallbackOp(string, string, error)                                {}
func (NoOpCollector) RecordFallbackDiscarded(string)                                        {}
func (NoOpCollector) RecordPersistence(string, string, error)                               {}
func (NoOpCollector) RecordPull(string, string, time.Duration, error)                       {}
func (NoOpCollector) RecordSession(string, time.Duration, error)                            {}

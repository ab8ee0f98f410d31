package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "healing_proxy"

type promMetrics struct {
	registry *prometheus.Registry

	requests        *prometheus.CounterVec
	requestDuration prometheus.Histogram
	forwardFailures prometheus.Counter

	spawns          prometheus.Counter
	stops           prometheus.Counter
	probes          *prometheus.CounterVec
	startupDuration prometheus.Histogram
	startupFailures *prometheus.CounterVec
	ready           prometheus.Gauge
}

func newPromMetrics() *promMetrics {
	m := &promMetrics{
		registry: prometheus.NewRegistry(),

		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Proxied requests by response status class.",
		}, []string{"code"}),
		requestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Time from receiving a request to finishing its response.",
			Buckets:   prometheus.DefBuckets,
		}),
		forwardFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "forward_failures_total",
			Help:      "Requests that could not be forwarded to the backend.",
		}),

		spawns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "spawns_total",
			Help:      "Backend processes started.",
		}),
		stops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "stops_total",
			Help:      "Backend processes terminated by the proxy.",
		}),
		probes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "health_probes_total",
			Help:      "Health-check probes by result.",
		}, []string{"result"}),
		startupDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "startup_duration_seconds",
			Help:      "Time from spawn to the first healthy probe.",
			Buckets:   []float64{0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		startupFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "startup_failures_total",
			Help:      "Failed startup attempts by failure kind.",
		}, []string{"kind"}),
		ready: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "ready",
			Help:      "1 while the backend is ready to receive traffic.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.requests,
		m.requestDuration,
		m.forwardFailures,
		m.spawns,
		m.stops,
		m.probes,
		m.startupDuration,
		m.startupFailures,
		m.ready,
	)

	return m
}

func (m *promMetrics) observeRequest(status int, d time.Duration) {
	m.requests.WithLabelValues(statusClass(status)).Inc()
	m.requestDuration.Observe(d.Seconds())
}

func (m *promMetrics) observeProbe(healthy bool) {
	result := "unhealthy"
	if healthy {
		result = "healthy"
	}
	m.probes.WithLabelValues(result).Inc()
}

func (m *promMetrics) setReady(ready bool) {
	if ready {
		m.ready.Set(1)
		return
	}
	m.ready.Set(0)
}

// statusClass keeps label cardinality fixed: 200 -> "2xx".
func statusClass(status int) string {
	if status < 100 || status > 599 {
		return "unknown"
	}
	return strconv.Itoa(status/100) + "xx"
}

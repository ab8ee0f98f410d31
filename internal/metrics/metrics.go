package metrics

import (
	"maps"
	"slices"
	"sync"
	"time"
)

const maxResponseSamples = 1000

type Metrics struct {
	mutex           sync.RWMutex
	requests        int64
	forwardFailures int64
	responseTimes   []time.Duration
	statusCodes     map[int]int64

	spawns          int64
	stops           int64
	lastPid         int
	probes          int64
	failedProbes    int64
	lastStartup     time.Duration
	startupFailures map[string]int64
	ready           bool

	startTime time.Time
}

type Snapshot struct {
	TotalRequests   int64          `json:"total_requests"`
	ForwardFailures int64          `json:"forward_failures"`
	Uptime          time.Duration  `json:"uptime"`
	AvgResponse     time.Duration  `json:"avg_response"`
	P50Response     time.Duration  `json:"p50_response"`
	P95Response     time.Duration  `json:"p95_response"`
	P99Response     time.Duration  `json:"p99_response"`
	StatusCodes     map[int]int64  `json:"status_codes"`
	Backend         BackendMetrics `json:"backend"`
}

type BackendMetrics struct {
	Ready           bool             `json:"ready"`
	Spawns          int64            `json:"spawns"`
	Stops           int64            `json:"stops"`
	LastPid         int              `json:"last_pid,omitempty"`
	HealthProbes    int64            `json:"health_probes"`
	FailedProbes    int64            `json:"failed_probes"`
	LastStartup     time.Duration    `json:"last_startup"`
	StartupFailures map[string]int64 `json:"startup_failures"`
}

func NewMetrics() *Metrics {
	return &Metrics{
		statusCodes:     make(map[int]int64),
		startupFailures: make(map[string]int64),
		startTime:       time.Now(),
	}
}

func (m *Metrics) RecordResponse(duration time.Duration, statusCode int) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.requests++
	m.responseTimes = append(m.responseTimes, duration)
	if len(m.responseTimes) > maxResponseSamples {
		m.responseTimes = m.responseTimes[1:]
	}
	m.statusCodes[statusCode]++
}

func (m *Metrics) IncrementForwardFailures() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.forwardFailures++
}

func (m *Metrics) RecordSpawn(pid int) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.spawns++
	m.lastPid = pid
}

func (m *Metrics) RecordStop() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.stops++
}

func (m *Metrics) RecordProbe(healthy bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.probes++
	if !healthy {
		m.failedProbes++
	}
}

func (m *Metrics) RecordStartup(elapsed time.Duration) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.lastStartup = elapsed
}

func (m *Metrics) RecordStartupFailure(kind string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.startupFailures[kind]++
}

func (m *Metrics) UpdateReadiness(ready bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.ready = ready
}

func (m *Metrics) Snapshot() Snapshot {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	snap := Snapshot{
		TotalRequests:   m.requests,
		ForwardFailures: m.forwardFailures,
		Uptime:          time.Since(m.startTime),
		StatusCodes:     maps.Clone(m.statusCodes),
		Backend: BackendMetrics{
			Ready:           m.ready,
			Spawns:          m.spawns,
			Stops:           m.stops,
			LastPid:         m.lastPid,
			HealthProbes:    m.probes,
			FailedProbes:    m.failedProbes,
			LastStartup:     m.lastStartup,
			StartupFailures: maps.Clone(m.startupFailures),
		},
	}

	if len(m.responseTimes) > 0 {
		sorted := slices.Clone(m.responseTimes)
		slices.Sort(sorted)

		snap.AvgResponse = average(sorted)
		snap.P50Response = percentile(sorted, 0.50)
		snap.P95Response = percentile(sorted, 0.95)
		snap.P99Response = percentile(sorted, 0.99)
	}

	return snap
}

func average(durations []time.Duration) time.Duration {
	if len(durations) == 0 {
		return 0
	}

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return sum / time.Duration(len(durations))
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}

	index := int(float64(len(sorted)) * p)
	if index >= len(sorted) {
		index = len(sorted) - 1
	}

	return sorted[index]
}

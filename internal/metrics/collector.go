package metrics

import (
	"context"
	"log/slog"
	"time"
)

type EventType string

const (
	EventRequestCompleted EventType = "request_completed"
	EventForwardFailed    EventType = "forward_failed"
	EventBackendSpawned   EventType = "backend_spawned"
	EventBackendStopped   EventType = "backend_stopped"
	EventHealthProbe      EventType = "health_probe"
	EventStartupSucceeded EventType = "startup_succeeded"
	EventStartupFailed    EventType = "startup_failed"
	EventReadinessChanged EventType = "readiness_changed"
)

type MetricEvent struct {
	Type       EventType
	Timestamp  time.Time
	Duration   time.Duration
	StatusCode int
	Pid        int
	Kind       string
	Healthy    bool
}

// Collector consumes lifecycle and request events on a buffered channel and
// folds them into the in-memory snapshot and the Prometheus series. Emitting
// never blocks: events are dropped when the buffer is full.
type Collector struct {
	eventCh chan MetricEvent
	metrics *Metrics
	prom    *promMetrics
	logger  *slog.Logger
}

func NewCollector(bufferSize int, logger *slog.Logger) *Collector {
	return &Collector{
		eventCh: make(chan MetricEvent, bufferSize),
		metrics: NewMetrics(),
		prom:    newPromMetrics(),
		logger:  logger,
	}
}

func (c *Collector) EventChannel() chan<- MetricEvent {
	return c.eventCh
}

func (c *Collector) Start(ctx context.Context) {
	go c.run(ctx)
}

func (c *Collector) run(ctx context.Context) {
	c.logger.Info("Metrics collector started")
	defer c.logger.Info("Metrics collector stopped")

	for {
		select {
		case event := <-c.eventCh:
			c.processEvent(event)
		case <-ctx.Done():
			c.drain()
			return
		}
	}
}

func (c *Collector) processEvent(event MetricEvent) {
	switch event.Type {
	case EventRequestCompleted:
		c.metrics.RecordResponse(event.Duration, event.StatusCode)
		c.prom.observeRequest(event.StatusCode, event.Duration)

	case EventForwardFailed:
		c.metrics.IncrementForwardFailures()
		c.prom.forwardFailures.Inc()

	case EventBackendSpawned:
		c.metrics.RecordSpawn(event.Pid)
		c.prom.spawns.Inc()

	case EventBackendStopped:
		c.metrics.RecordStop()
		c.prom.stops.Inc()

	case EventHealthProbe:
		c.metrics.RecordProbe(event.Healthy)
		c.prom.observeProbe(event.Healthy)

	case EventStartupSucceeded:
		c.metrics.RecordStartup(event.Duration)
		c.prom.startupDuration.Observe(event.Duration.Seconds())

	case EventStartupFailed:
		c.metrics.RecordStartupFailure(event.Kind)
		c.prom.startupFailures.WithLabelValues(event.Kind).Inc()

	case EventReadinessChanged:
		c.metrics.UpdateReadiness(event.Healthy)
		c.prom.setReady(event.Healthy)
	}
}

func (c *Collector) drain() {
	for {
		select {
		case event := <-c.eventCh:
			c.processEvent(event)
		default:
			return
		}
	}
}

func (c *Collector) emit(event MetricEvent) {
	event.Timestamp = time.Now()

	select {
	case c.eventCh <- event:
	default:
		c.logger.Debug("Metrics event dropped", slog.String("type", string(event.Type)))
	}
}

func (c *Collector) Snapshot() Snapshot {
	return c.metrics.Snapshot()
}

// The methods below let the collector serve as the recorder of the
// supervisor, the forwarder and the request handler.

func (c *Collector) RequestCompleted(status int, d time.Duration) {
	c.emit(MetricEvent{Type: EventRequestCompleted, StatusCode: status, Duration: d})
}

func (c *Collector) ForwardFailed() {
	c.emit(MetricEvent{Type: EventForwardFailed})
}

func (c *Collector) BackendSpawned(pid int) {
	c.emit(MetricEvent{Type: EventBackendSpawned, Pid: pid})
}

func (c *Collector) BackendStopped() {
	c.emit(MetricEvent{Type: EventBackendStopped})
}

func (c *Collector) HealthProbe(healthy bool) {
	c.emit(MetricEvent{Type: EventHealthProbe, Healthy: healthy})
}

func (c *Collector) StartupSucceeded(d time.Duration) {
	c.emit(MetricEvent{Type: EventStartupSucceeded, Duration: d})
}

func (c *Collector) StartupFailed(kind string) {
	c.emit(MetricEvent{Type: EventStartupFailed, Kind: kind})
}

func (c *Collector) ReadinessChanged(ready bool) {
	c.emit(MetricEvent{Type: EventReadinessChanged, Healthy: ready})
}

// Package metrics records what the proxy and its backend are doing.
//
// Components report through a Collector, which implements the recorder
// interfaces of the supervisor, the forwarder and the request handler.
// Reports become events on a buffered channel and are folded, in a single
// goroutine, into two views:
//   - an in-memory Snapshot (request counts, latency percentiles, status
//     codes, spawn/stop counts, startup failures by kind, readiness)
//     served as JSON by Handler
//   - Prometheus series on a private registry served by PrometheusHandler
//
// Reporting never blocks the request path; events are dropped when the
// buffer is full.
//
//	collector := metrics.NewCollector(1000, logger)
//	collector.Start(ctx)
//	collector.RequestCompleted(http.StatusOK, 12*time.Millisecond)
//	snap := collector.Snapshot()
package metrics

// Package healthcheck implements HTTP health probing for the supervised
// backend: a single probe, a poll-until-healthy loop bounded by a deadline,
// and a liveness monitor that reports a backend that stopped answering.
package healthcheck

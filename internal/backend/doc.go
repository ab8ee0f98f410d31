// Package backend owns a single spawned backend process: launching the
// executable with its environment, observing its exit, and terminating it.
package backend

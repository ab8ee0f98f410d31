// Package pool provides the outbound HTTP client pools: a streaming client
// for proxied traffic that never follows redirects or rewrites encodings, and
// a small client for health probes.
package pool

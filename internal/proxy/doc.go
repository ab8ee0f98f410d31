// Package proxy forwards requests to the local backend.
//
// Requests are rewritten to the fixed backend address, keep their method,
// path, raw query and body, and lose the hop-by-hop headers in Denylist.
// Responses are streamed back through a pooled buffer and flushed after every
// write, so neither direction is held in memory.
package proxy

// Package handler implements the catch-all HTTP handler of the proxy: make
// sure the backend is ready, answer 503 if it cannot be, otherwise forward.
package handler

// Package httpserver wraps net/http.Server for the proxy and admin listeners.
package httpserver

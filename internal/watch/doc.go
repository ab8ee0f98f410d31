// Package watch notices when the backend executable is rebuilt so the proxy
// can restart it on the next request.
package watch

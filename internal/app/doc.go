// Package app assembles the proxy from its parts.
//
// All process-wide state lives in an explicitly constructed App rather than
// in package variables, so tests can build as many independent instances as
// they need.
package app

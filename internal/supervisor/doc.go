// Package supervisor keeps exactly one backend process alive and healthy.
//
// EnsureReady is the only entry point request handlers need. Once the backend
// is ready it returns after a single atomic load. Otherwise one caller takes
// the initialization lock and runs the startup sequence:
//
//  1. stop any previously tracked process
//  2. resolve the manifest and check that the executable exists
//  3. spawn it with the listen port in its environment
//  4. poll the health-check endpoint until it answers 2xx or the deadline passes
//
// while every other caller waits on the lock and then sees the result.
//
// Readiness is cleared by MarkUnready (the forwarder lost the backend), when
// the process exits on its own, when the optional liveness monitor gives up,
// and by Stop. The next EnsureReady then replaces the process.
package supervisor

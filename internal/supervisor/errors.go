package supervisor

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies why a startup attempt failed.
type Kind string

const (
	KindManifestInvalid    Kind = "manifest_invalid"
	KindBackendMissing     Kind = "backend_missing"
	KindSpawnFailed        Kind = "spawn_failed"
	KindHealthcheckTimeout Kind = "healthcheck_timeout"
	KindBackendExited      Kind = "backend_exited"
	KindBreakerOpen        Kind = "breaker_open"
)

var (
	ErrManifestInvalid    = errors.New("backend manifest unavailable")
	ErrBackendMissing     = errors.New("backend executable not found")
	ErrSpawnFailed        = errors.New("spawn failed")
	ErrHealthcheckTimeout = errors.New("health check timed out")
	ErrBackendExited      = errors.New("backend exited before becoming healthy")
	ErrBreakerOpen        = errors.New("backend startup suspended")

	// ErrClosed is returned by EnsureReady after Shutdown.
	ErrClosed = errors.New("supervisor is shut down")
)

var sentinels = map[Kind]error{
	KindManifestInvalid:    ErrManifestInvalid,
	KindBackendMissing:     ErrBackendMissing,
	KindSpawnFailed:        ErrSpawnFailed,
	KindHealthcheckTimeout: ErrHealthcheckTimeout,
	KindBackendExited:      ErrBackendExited,
	KindBreakerOpen:        ErrBreakerOpen,
}

// StartupError describes a failed EnsureReady. It matches the sentinel of
// its Kind through errors.Is and unwraps to the underlying cause.
type StartupError struct {
	Kind Kind
	// Path is the executable for missing/spawn errors and the probed URL
	// for health-check timeouts.
	Path       string
	Err        error
	Timeout    time.Duration
	Failures   int
	RetryAfter time.Duration
}

func (e *StartupError) Error() string {
	switch e.Kind {
	case KindBackendMissing:
		return fmt.Sprintf("backend executable not found at %s", e.Path)
	case KindSpawnFailed:
		return fmt.Sprintf("spawn failed: %v", e.Err)
	case KindHealthcheckTimeout:
		return fmt.Sprintf("health check timed out after %s waiting for %s", e.Timeout, e.Path)
	case KindBackendExited:
		if e.Err != nil {
			return fmt.Sprintf("backend exited before becoming healthy: %v", e.Err)
		}
		return ErrBackendExited.Error()
	case KindBreakerOpen:
		return fmt.Sprintf("backend startup suspended after %d consecutive failures, retry in %s",
			e.Failures, e.RetryAfter.Round(time.Second))
	case KindManifestInvalid:
		return fmt.Sprintf("backend manifest unavailable: %v", e.Err)
	default:
		return fmt.Sprintf("backend startup failed: %v", e.Err)
	}
}

func (e *StartupError) Is(target error) bool {
	return sentinels[e.Kind] == target
}

func (e *StartupError) Unwrap() error {
	return e.Err
}

package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"go.uber.org/atomic"
	"golang.org/x/sync/semaphore"

	"github.com/angeloszaimis/healing-proxy/config"
	"github.com/angeloszaimis/healing-proxy/internal/backend"
	"github.com/angeloszaimis/healing-proxy/internal/circuitbreaker"
	"github.com/angeloszaimis/healing-proxy/internal/healthcheck"
)

// Recorder receives lifecycle events. Implementations must be safe for
// concurrent use.
type Recorder interface {
	BackendSpawned(pid int)
	BackendStopped()
	HealthProbe(healthy bool)
	StartupSucceeded(elapsed time.Duration)
	StartupFailed(kind string)
	ReadinessChanged(ready bool)
}

type nopRecorder struct{}

func (nopRecorder) BackendSpawned(int)             {}
func (nopRecorder) BackendStopped()                {}
func (nopRecorder) HealthProbe(bool)               {}
func (nopRecorder) StartupSucceeded(time.Duration) {}
func (nopRecorder) StartupFailed(string)           {}
func (nopRecorder) ReadinessChanged(bool)          {}

// IdleCloser drops pooled connections to a backend that is being replaced.
type IdleCloser interface {
	CloseIdleConnections()
}

type Options struct {
	// Manifest resolves the executable and health-check path. It is called
	// on every startup attempt; callers cache the result.
	Manifest func() (*config.Manifest, error)

	Health *http.Client
	Conns  IdleCloser

	Host    string
	Port    int
	PortEnv string

	StartupTimeout time.Duration
	PollInterval   time.Duration
	StopGrace      time.Duration

	// MonitorInterval enables the liveness monitor when positive.
	MonitorInterval time.Duration
	MonitorFailures int

	// Breaker is optional; a nil or disabled breaker never refuses a start.
	Breaker *circuitbreaker.CircuitBreaker

	Stdout io.Writer
	Stderr io.Writer

	Recorder Recorder
	Logger   *slog.Logger
}

// Status is a point-in-time view for the admin endpoints.
type Status struct {
	Ready   bool          `json:"ready"`
	Pid     int           `json:"pid,omitempty"`
	Uptime  time.Duration `json:"uptime,omitempty"`
	Breaker string        `json:"breaker"`
}

// Supervisor owns the backend process slot and the readiness flag.
type Supervisor struct {
	opts    Options
	log     *slog.Logger
	rec     Recorder
	breaker *circuitbreaker.CircuitBreaker

	// ready is true only while the tracked process has passed a health check
	// and nothing has reported it lost since.
	ready    atomic.Bool
	initLock *semaphore.Weighted

	mu     sync.Mutex
	proc   *backend.Process
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
}

func New(opts Options) *Supervisor {
	if opts.Host == "" {
		opts.Host = "127.0.0.1"
	}
	if opts.Port == 0 {
		opts.Port = 8080
	}
	if opts.PortEnv == "" {
		opts.PortEnv = "PORT"
	}
	if opts.StartupTimeout <= 0 {
		opts.StartupTimeout = 10 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 25 * time.Millisecond
	}
	if opts.MonitorFailures <= 0 {
		opts.MonitorFailures = 3
	}
	if opts.Health == nil {
		opts.Health = &http.Client{}
	}

	s := &Supervisor{
		opts:     opts,
		log:      opts.Logger,
		rec:      opts.Recorder,
		breaker:  opts.Breaker,
		initLock: semaphore.NewWeighted(1),
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.rec == nil {
		s.rec = nopRecorder{}
	}
	if s.breaker == nil {
		s.breaker = circuitbreaker.NewCircuitBreaker(0, 0)
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	return s
}

// EnsureReady returns nil once a healthy backend is running, starting one if
// needed. Concurrent callers share a single startup attempt. ctx bounds only
// the wait for the initialization lock. The startup itself is bounded by
// StartupTimeout and Shutdown only.
func (s *Supervisor) EnsureReady(ctx context.Context) error {
	if s.ready.Load() {
		return nil
	}

	if err := s.initLock.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("waiting for backend startup: %w", err)
	}
	defer s.initLock.Release(1)

	// another caller may have finished the startup while we waited
	if s.ready.Load() {
		return nil
	}

	if s.isClosed() {
		return ErrClosed
	}

	if !s.breaker.Allow() {
		err := &StartupError{
			Kind:       KindBreakerOpen,
			Failures:   s.breaker.Failures(),
			RetryAfter: s.breaker.RetryAfter(),
		}
		s.rec.StartupFailed(string(err.Kind))
		s.log.Warn("Backend startup refused", slog.String("error", err.Error()))
		return err
	}

	err := s.start()
	if err == nil {
		s.breaker.RecordSuccess()
		return nil
	}

	var se *StartupError
	if errors.As(err, &se) {
		s.breaker.RecordFailure()
		s.rec.StartupFailed(string(se.Kind))
		s.log.Error("Backend startup failed",
			slog.String("kind", string(se.Kind)),
			slog.String("error", err.Error()),
			slog.String("breaker", s.breaker.State().String()))
	}

	return err
}

func (s *Supervisor) start() error {
	began := time.Now()

	s.terminate()

	m, err := s.resolveManifest()
	if err != nil {
		return &StartupError{Kind: KindManifestInvalid, Err: err}
	}

	info, err := os.Stat(m.ExecutablePath)
	if err != nil || info.IsDir() {
		return &StartupError{Kind: KindBackendMissing, Path: m.ExecutablePath, Err: err}
	}

	proc, err := backend.Start(backend.Options{
		Path:   m.ExecutablePath,
		Env:    []string{fmt.Sprintf("%s=%d", s.opts.PortEnv, s.opts.Port)},
		Stdout: s.opts.Stdout,
		Stderr: s.opts.Stderr,
	})
	if err != nil {
		return &StartupError{Kind: KindSpawnFailed, Path: m.ExecutablePath, Err: err}
	}

	if !s.adopt(proc) {
		proc.Stop(0)
		return ErrClosed
	}

	s.rec.BackendSpawned(proc.Pid())
	s.log.Info("Spawned backend",
		slog.Int("pid", proc.Pid()),
		slog.String("path", m.ExecutablePath),
		slog.Int("port", s.opts.Port))

	go s.watchExit(proc)

	prober := healthcheck.NewProber(s.opts.Health, s.healthURL(m.HealthcheckPath))

	ctx, cancel := s.processContext(proc)
	defer cancel()
	ctx, cancelTimeout := context.WithTimeout(ctx, s.opts.StartupTimeout)
	defer cancelTimeout()

	if err := healthcheck.WaitHealthy(ctx, prober, s.opts.PollInterval, s.rec.HealthProbe); err != nil {
		switch {
		case s.isClosed():
			s.terminate()
			return ErrClosed
		case proc.Exited():
			s.terminate()
			return &StartupError{Kind: KindBackendExited, Path: m.ExecutablePath, Err: proc.Err()}
		default:
			s.terminate()
			return &StartupError{
				Kind:    KindHealthcheckTimeout,
				Path:    prober.URL(),
				Err:     err,
				Timeout: s.opts.StartupTimeout,
			}
		}
	}

	if !s.markReady(proc) {
		s.terminate()
		return &StartupError{Kind: KindBackendExited, Path: m.ExecutablePath, Err: proc.Err()}
	}

	elapsed := time.Since(began)
	s.rec.ReadinessChanged(true)
	s.rec.StartupSucceeded(elapsed)
	s.log.Info("Backend ready",
		slog.Int("pid", proc.Pid()),
		slog.Duration("elapsed", elapsed))

	if s.opts.MonitorInterval > 0 {
		go s.monitor(proc, prober)
	}

	return nil
}

// markReady sets the flag unless proc was replaced or died after its last
// successful probe. Exit detection in watchExit takes the same lock, so a
// death after this point still clears the flag.
func (s *Supervisor) markReady(proc *backend.Process) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.proc != proc || proc.Exited() {
		return false
	}
	s.ready.Store(true)
	return true
}

// MarkUnready clears readiness so the next EnsureReady replaces the backend.
// It is safe to call from any goroutine and without the initialization lock.
func (s *Supervisor) MarkUnready() {
	if s.ready.CompareAndSwap(true, false) {
		s.log.Warn("Backend marked unready")
		s.rec.ReadinessChanged(false)
	}
}

// Stop terminates the tracked process, if any, and clears readiness.
// Stopping with nothing running is a no-op.
func (s *Supervisor) Stop() {
	s.terminate()
}

// Shutdown stops the backend and makes every later EnsureReady fail with
// ErrClosed. An in-flight startup is abandoned.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.terminate()
}

// Ready reports the readiness flag without side effects.
func (s *Supervisor) Ready() bool {
	return s.ready.Load()
}

// HasProcess reports whether a process is tracked, healthy or not.
func (s *Supervisor) HasProcess() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proc != nil
}

// Pid returns the tracked process id, or 0.
func (s *Supervisor) Pid() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc == nil {
		return 0
	}
	return s.proc.Pid()
}

func (s *Supervisor) Status() Status {
	st := Status{
		Ready:   s.ready.Load(),
		Breaker: s.breaker.State().String(),
	}

	s.mu.Lock()
	if s.proc != nil {
		st.Pid = s.proc.Pid()
		st.Uptime = s.proc.Uptime()
	}
	s.mu.Unlock()

	return st
}

func (s *Supervisor) resolveManifest() (*config.Manifest, error) {
	if s.opts.Manifest == nil {
		return nil, errors.New("no manifest loader configured")
	}
	return s.opts.Manifest()
}

func (s *Supervisor) healthURL(path string) string {
	return "http://" + net.JoinHostPort(s.opts.Host, strconv.Itoa(s.opts.Port)) + path
}

func (s *Supervisor) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Supervisor) adopt(proc *backend.Process) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	s.proc = proc
	return true
}

// terminate empties the slot and stops whatever was in it.
func (s *Supervisor) terminate() {
	s.mu.Lock()
	proc := s.proc
	s.proc = nil
	wasReady := s.ready.CompareAndSwap(true, false)
	s.mu.Unlock()

	if wasReady {
		s.rec.ReadinessChanged(false)
	}
	if proc == nil {
		return
	}

	uptime := proc.Uptime()
	if err := proc.Stop(s.opts.StopGrace); err != nil {
		s.log.Error("Failed to stop backend",
			slog.Int("pid", proc.Pid()),
			slog.String("error", err.Error()))
	}

	if s.opts.Conns != nil {
		s.opts.Conns.CloseIdleConnections()
	}

	s.rec.BackendStopped()
	s.log.Info("Stopped backend",
		slog.Int("pid", proc.Pid()),
		slog.Duration("uptime", uptime))
}

// watchExit clears readiness when proc exits while still tracked. The slot is
// left in place; the next startup terminates and replaces it.
func (s *Supervisor) watchExit(proc *backend.Process) {
	<-proc.Done()

	s.mu.Lock()
	current := s.proc == proc
	wasReady := current && s.ready.CompareAndSwap(true, false)
	s.mu.Unlock()

	if !wasReady {
		return
	}

	s.rec.ReadinessChanged(false)

	attrs := []any{slog.Int("pid", proc.Pid())}
	if err := proc.Err(); err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	s.log.Warn("Backend exited unexpectedly", attrs...)
}

func (s *Supervisor) monitor(proc *backend.Process, prober *healthcheck.Prober) {
	ctx, cancel := s.processContext(proc)
	defer cancel()

	healthcheck.Monitor(ctx, prober, s.opts.MonitorInterval, s.opts.MonitorFailures, func() {
		s.mu.Lock()
		current := s.proc == proc
		s.mu.Unlock()

		if current {
			s.MarkUnready()
		}
	}, s.log)
}

// processContext is cancelled when proc exits or the supervisor shuts down.
func (s *Supervisor) processContext(proc *backend.Process) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(s.ctx)

	go func() {
		select {
		case <-proc.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, cancel
}

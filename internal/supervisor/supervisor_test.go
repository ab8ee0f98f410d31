package supervisor_test

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"syscall"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/healing-proxy/config"
	"github.com/angeloszaimis/healing-proxy/internal/circuitbreaker"
	"github.com/angeloszaimis/healing-proxy/internal/supervisor"
)

type fakeRecorder struct {
	mu       sync.Mutex
	spawns   int
	stops    int
	probes   int
	failures []string
	ready    []bool
}

func (f *fakeRecorder) BackendSpawned(int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.spawns++
}

func (f *fakeRecorder) BackendStopped() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
}

func (f *fakeRecorder) HealthProbe(bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probes++
}

func (f *fakeRecorder) StartupSucceeded(time.Duration) {}

func (f *fakeRecorder) StartupFailed(kind string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = append(f.failures, kind)
}

func (f *fakeRecorder) ReadinessChanged(ready bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ready = append(f.ready, ready)
}

func (f *fakeRecorder) Spawns() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.spawns
}

func (f *fakeRecorder) Stops() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stops
}

func (f *fakeRecorder) Probes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.probes
}

func (f *fakeRecorder) Failures() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.failures...)
}

type idleCounter struct {
	mu sync.Mutex
	n  int
}

func (c *idleCounter) CloseIdleConnections() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
}

func (c *idleCounter) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

func freePort() int {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	Expect(err).NotTo(HaveOccurred())
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func processAlive(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}

var _ = Describe("Supervisor", func() {
	var (
		dir     string
		exePath string
		marker  string
		rec     *fakeRecorder
		conns   *idleCounter
		opts    supervisor.Options
	)

	writeBackend := func(mode string) {
		self, err := os.Executable()
		Expect(err).NotTo(HaveOccurred())

		script := fmt.Sprintf("#!/bin/sh\nexport %s=%s\nexport %s=%q\nexec %q\n",
			helperModeEnv, mode, helperMarkerEnv, marker, self)
		Expect(os.MkdirAll(filepath.Dir(exePath), 0755)).To(Succeed())
		Expect(os.WriteFile(exePath, []byte(script), 0755)).To(Succeed())
	}

	newSupervisor := func() *supervisor.Supervisor {
		s := supervisor.New(opts)
		DeferCleanup(s.Shutdown)
		return s
	}

	BeforeEach(func() {
		if runtime.GOOS == "windows" {
			Skip("supervisor tests launch /bin/sh scripts")
		}

		dir = GinkgoT().TempDir()
		exePath = filepath.Join(dir, "dist", "main")
		marker = filepath.Join(dir, "unhealthy")
		rec = &fakeRecorder{}
		conns = &idleCounter{}

		opts = supervisor.Options{
			Manifest: func() (*config.Manifest, error) {
				return &config.Manifest{ExecutablePath: exePath, HealthcheckPath: "/health"}, nil
			},
			Conns:          conns,
			Port:           freePort(),
			StartupTimeout: 5 * time.Second,
			PollInterval:   10 * time.Millisecond,
			Stdout:         GinkgoWriter,
			Stderr:         GinkgoWriter,
			Recorder:       rec,
			Logger:         slogDiscard(),
		}
	})

	Describe("EnsureReady", func() {
		It("should start the backend and report ready", func() {
			writeBackend("healthy")
			s := newSupervisor()

			Expect(s.EnsureReady(context.Background())).To(Succeed())
			Expect(s.Ready()).To(BeTrue())
			Expect(s.HasProcess()).To(BeTrue())
			Expect(s.Pid()).To(BeNumerically(">", 0))
			Expect(rec.Spawns()).To(Equal(1))
			Expect(rec.Probes()).To(BeNumerically(">=", 1))
		})

		It("should keep polling until a slow backend answers", func() {
			writeBackend("slow")
			s := newSupervisor()

			Expect(s.EnsureReady(context.Background())).To(Succeed())
			Expect(rec.Probes()).To(BeNumerically(">", 1))
		})

		It("should not probe again once ready", func() {
			writeBackend("healthy")
			s := newSupervisor()

			Expect(s.EnsureReady(context.Background())).To(Succeed())
			probes := rec.Probes()

			Expect(s.EnsureReady(context.Background())).To(Succeed())
			Expect(rec.Probes()).To(Equal(probes))
			Expect(rec.Spawns()).To(Equal(1))
		})

		It("should spawn once for many concurrent callers", func() {
			writeBackend("slow")
			s := newSupervisor()

			const callers = 20
			errs := make(chan error, callers)
			var wg sync.WaitGroup
			for range callers {
				wg.Add(1)
				go func() {
					defer wg.Done()
					errs <- s.EnsureReady(context.Background())
				}()
			}
			wg.Wait()
			close(errs)

			for err := range errs {
				Expect(err).NotTo(HaveOccurred())
			}
			Expect(rec.Spawns()).To(Equal(1))
		})

		It("should fail without spawning when the executable is missing", func() {
			s := newSupervisor()

			err := s.EnsureReady(context.Background())
			Expect(err).To(MatchError(supervisor.ErrBackendMissing))
			Expect(err.Error()).To(Equal("backend executable not found at " + exePath))
			Expect(rec.Spawns()).To(BeZero())
			Expect(s.Ready()).To(BeFalse())
			Expect(s.HasProcess()).To(BeFalse())
			Expect(rec.Failures()).To(ConsistOf("backend_missing"))
		})

		It("should treat a directory as a missing executable", func() {
			Expect(os.MkdirAll(exePath, 0755)).To(Succeed())
			s := newSupervisor()

			Expect(s.EnsureReady(context.Background())).To(MatchError(supervisor.ErrBackendMissing))
			Expect(rec.Spawns()).To(BeZero())
		})

		It("should report a spawn failure for a file that cannot be executed", func() {
			Expect(os.MkdirAll(filepath.Dir(exePath), 0755)).To(Succeed())
			Expect(os.WriteFile(exePath, []byte("not a program"), 0644)).To(Succeed())
			s := newSupervisor()

			err := s.EnsureReady(context.Background())
			Expect(err).To(MatchError(supervisor.ErrSpawnFailed))
			Expect(err.Error()).To(HavePrefix("spawn failed: "))
			Expect(s.HasProcess()).To(BeFalse())
		})

		It("should give up and kill the backend after the startup timeout", func() {
			writeBackend("unhealthy")
			opts.StartupTimeout = 300 * time.Millisecond
			s := newSupervisor()

			start := time.Now()
			err := s.EnsureReady(context.Background())
			Expect(time.Since(start)).To(BeNumerically(">=", 300*time.Millisecond))

			Expect(err).To(MatchError(supervisor.ErrHealthcheckTimeout))
			Expect(err.Error()).To(ContainSubstring("/health"))
			Expect(s.Ready()).To(BeFalse())
			Expect(s.HasProcess()).To(BeFalse())
			Expect(rec.Stops()).To(Equal(1))
		})

		It("should fail fast when the backend exits during startup", func() {
			writeBackend("crash")
			s := newSupervisor()

			start := time.Now()
			err := s.EnsureReady(context.Background())
			Expect(err).To(MatchError(supervisor.ErrBackendExited))
			Expect(time.Since(start)).To(BeNumerically("<", opts.StartupTimeout))
			Expect(s.HasProcess()).To(BeFalse())
		})

		It("should wrap manifest errors", func() {
			opts.Manifest = func() (*config.Manifest, error) {
				return nil, errors.New("no such file")
			}
			s := newSupervisor()

			err := s.EnsureReady(context.Background())
			Expect(err).To(MatchError(supervisor.ErrManifestInvalid))
			Expect(err).To(MatchError(ContainSubstring("no such file")))
		})

		It("should stop waiting for the lock when the caller gives up", func() {
			writeBackend("unhealthy")
			opts.StartupTimeout = time.Second
			s := newSupervisor()

			go s.EnsureReady(context.Background())
			Eventually(rec.Spawns).Should(Equal(1))

			ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
			defer cancel()
			Expect(s.EnsureReady(ctx)).To(MatchError(context.DeadlineExceeded))
		})
	})

	Describe("recovery", func() {
		It("should replace the backend after MarkUnready", func() {
			writeBackend("healthy")
			s := newSupervisor()

			Expect(s.EnsureReady(context.Background())).To(Succeed())
			first := s.Pid()

			s.MarkUnready()
			Expect(s.Ready()).To(BeFalse())
			Expect(s.HasProcess()).To(BeTrue())

			Expect(s.EnsureReady(context.Background())).To(Succeed())
			Expect(s.Pid()).NotTo(Equal(first))
			Expect(processAlive(first)).To(BeFalse())
			Expect(rec.Spawns()).To(Equal(2))
			Expect(conns.Count()).To(BeNumerically(">=", 1))
		})

		It("should notice a backend that was killed externally", func() {
			writeBackend("healthy")
			s := newSupervisor()

			Expect(s.EnsureReady(context.Background())).To(Succeed())
			first := s.Pid()

			Expect(syscall.Kill(first, syscall.SIGKILL)).To(Succeed())
			Eventually(s.Ready).Should(BeFalse())

			Expect(s.EnsureReady(context.Background())).To(Succeed())
			Expect(s.Pid()).NotTo(Equal(first))
		})

		It("should mark the backend unready when the monitor sees it fail", func() {
			writeBackend("healthy")
			opts.MonitorInterval = 20 * time.Millisecond
			opts.MonitorFailures = 2
			s := newSupervisor()

			Expect(s.EnsureReady(context.Background())).To(Succeed())
			Consistently(s.Ready, 100*time.Millisecond).Should(BeTrue())

			Expect(os.WriteFile(marker, nil, 0644)).To(Succeed())
			Eventually(s.Ready).Should(BeFalse())
		})
	})

	Describe("breaker", func() {
		It("should refuse startups after repeated failures", func() {
			opts.Breaker = circuitbreaker.NewCircuitBreaker(1, time.Minute)
			s := newSupervisor()

			Expect(s.EnsureReady(context.Background())).To(MatchError(supervisor.ErrBackendMissing))

			writeBackend("healthy")
			err := s.EnsureReady(context.Background())
			Expect(err).To(MatchError(supervisor.ErrBreakerOpen))
			Expect(err.Error()).To(ContainSubstring("after 1 consecutive failures"))
			Expect(rec.Spawns()).To(BeZero())
			Expect(s.Status().Breaker).To(Equal("OPEN"))
		})

		It("should allow a trial start once the reset period passes", func() {
			now := time.Now()
			opts.Breaker = circuitbreaker.NewCircuitBreaker(1, time.Minute).
				WithClock(func() time.Time { return now })
			s := newSupervisor()

			Expect(s.EnsureReady(context.Background())).To(MatchError(supervisor.ErrBackendMissing))

			writeBackend("healthy")
			now = now.Add(2 * time.Minute)
			Expect(s.EnsureReady(context.Background())).To(Succeed())
			Expect(s.Status().Breaker).To(Equal("CLOSED"))
		})
	})

	Describe("Stop", func() {
		It("should be a no-op without a process", func() {
			s := newSupervisor()
			s.Stop()
			Expect(s.HasProcess()).To(BeFalse())
			Expect(rec.Stops()).To(BeZero())
		})

		It("should kill the backend and clear readiness", func() {
			writeBackend("healthy")
			s := newSupervisor()

			Expect(s.EnsureReady(context.Background())).To(Succeed())
			pid := s.Pid()

			s.Stop()
			Expect(s.Ready()).To(BeFalse())
			Expect(s.HasProcess()).To(BeFalse())
			Expect(s.Pid()).To(BeZero())
			Expect(processAlive(pid)).To(BeFalse())

			s.Stop()
			Expect(rec.Stops()).To(Equal(1))
		})

		It("should allow a fresh start afterwards", func() {
			writeBackend("healthy")
			s := newSupervisor()

			Expect(s.EnsureReady(context.Background())).To(Succeed())
			s.Stop()
			Expect(s.EnsureReady(context.Background())).To(Succeed())
			Expect(rec.Spawns()).To(Equal(2))
		})
	})

	Describe("Shutdown", func() {
		It("should stop the backend and refuse later starts", func() {
			writeBackend("healthy")
			s := newSupervisor()

			Expect(s.EnsureReady(context.Background())).To(Succeed())
			pid := s.Pid()

			s.Shutdown()
			Expect(processAlive(pid)).To(BeFalse())
			Expect(s.EnsureReady(context.Background())).To(MatchError(supervisor.ErrClosed))
		})

		It("should abandon a startup in progress", func() {
			writeBackend("unhealthy")
			opts.StartupTimeout = 10 * time.Second
			s := newSupervisor()

			result := make(chan error, 1)
			go func() { result <- s.EnsureReady(context.Background()) }()
			Eventually(rec.Spawns).Should(Equal(1))

			s.Shutdown()
			Eventually(result, 2*time.Second).Should(Receive(MatchError(supervisor.ErrClosed)))
			Expect(s.HasProcess()).To(BeFalse())
		})
	})

	Describe("StartupError", func() {
		It("should match only its own sentinel", func() {
			err := &supervisor.StartupError{Kind: supervisor.KindHealthcheckTimeout, Path: "http://x/health", Timeout: time.Second}
			Expect(errors.Is(err, supervisor.ErrHealthcheckTimeout)).To(BeTrue())
			Expect(errors.Is(err, supervisor.ErrBackendMissing)).To(BeFalse())
			Expect(err.Error()).To(Equal("health check timed out after 1s waiting for http://x/health"))
		})
	})
})

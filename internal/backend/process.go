package backend

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// Options describes how to launch the backend executable.
type Options struct {
	Path   string
	Env    []string  // appended to the proxy's own environment
	Stdout io.Writer // defaults to os.Stdout
	Stderr io.Writer // defaults to os.Stderr
}

// Process is a running backend. Its exit is observed by a dedicated
// goroutine, so Done and Err never block on the OS.
type Process struct {
	cmd     *exec.Cmd
	started time.Time
	done    chan struct{}
	err     error
}

// Start spawns the executable and returns once the OS has created the process.
func Start(opts Options) (*Process, error) {
	cmd := exec.Command(opts.Path)
	cmd.Env = append(os.Environ(), opts.Env...)

	cmd.Stdout = opts.Stdout
	if cmd.Stdout == nil {
		cmd.Stdout = os.Stdout
	}
	cmd.Stderr = opts.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn %s: %w", opts.Path, err)
	}

	p := &Process{
		cmd:     cmd,
		started: time.Now(),
		done:    make(chan struct{}),
	}

	go func() {
		p.err = cmd.Wait()
		close(p.done)
	}()

	return p, nil
}

// Pid returns the OS process id.
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Uptime returns how long ago the process was spawned.
func (p *Process) Uptime() time.Duration {
	return time.Since(p.started)
}

// Done is closed once the process has exited and been reaped.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Exited reports whether the process has exited.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Err returns the exit error once the process has exited, nil before that
// or after a clean exit.
func (p *Process) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

// Stop terminates the process and waits for it to be reaped. With a positive
// grace period it first sends SIGTERM and only kills if the process is still
// running when the grace period ends. Stopping an exited process is a no-op.
func (p *Process) Stop(grace time.Duration) error {
	if p.Exited() {
		return nil
	}

	if grace > 0 {
		if err := p.cmd.Process.Signal(syscall.SIGTERM); err == nil {
			timer := time.NewTimer(grace)
			defer timer.Stop()

			select {
			case <-p.done:
				return nil
			case <-timer.C:
			}
		}
	}

	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill backend pid %d: %w", p.Pid(), err)
	}

	<-p.done
	return nil
}

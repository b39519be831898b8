// Package supervisor owns the hypervisor child process: spawning it with the
// control socket wired up, observing its exit, and tearing it down without
// leaking the process or its socket file.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/containerd/log"
	"golang.org/x/sys/unix"
)

const (
	// DefaultSocketTimeout bounds the wait for the API socket file after
	// spawn. Process startup and socket creation are not synchronized by
	// the OS, so the supervisor polls.
	DefaultSocketTimeout = 10 * time.Second

	socketPollInterval = 10 * time.Millisecond
)

// ErrNotStarted is returned by Wait/Terminate before a successful Start.
var ErrNotStarted = errors.New("supervisor: process not started")

// ExitClass classifies how the child process ended.
type ExitClass int

const (
	// CleanExit: the process exited with status 0.
	CleanExit ExitClass = iota
	// UserSignal: the process was ended by a signal (including our own
	// SIGTERM/SIGKILL during Terminate).
	UserSignal
	// CrashExit: the process exited with a nonzero status.
	CrashExit
)

func (c ExitClass) String() string {
	switch c {
	case CleanExit:
		return "clean exit"
	case UserSignal:
		return "signaled"
	default:
		return "crash exit"
	}
}

// ExitStatus is the classified result of the child process.
type ExitStatus struct {
	Class  ExitClass
	Code   int           // exit code, -1 when signaled
	Signal syscall.Signal // signal that ended the process, 0 otherwise
}

func (s ExitStatus) String() string {
	if s.Class == UserSignal {
		return fmt.Sprintf("%s (%s)", s.Class, s.Signal)
	}
	return fmt.Sprintf("%s (code %d)", s.Class, s.Code)
}

// Supervisor spawns and owns exactly one hypervisor process. For every
// successful Start, the caller must let Wait return naturally or call
// Terminate before discarding the handle; a live child is never abandoned.
type Supervisor struct {
	binaryPath string
	socketPath string
	extraArgs  []string
	stdout     io.Writer
	stderr     io.Writer

	mu  sync.Mutex
	cmd *exec.Cmd

	// exit status is published exactly once; all waiters share it.
	waitOnce sync.Once
	exitCh   chan struct{}
	exit     ExitStatus
	exitErr  error

	cleanupOnce sync.Once
}

// Opt customizes a Supervisor.
type Opt func(*Supervisor)

// WithArgs appends extra command-line arguments after --api-sock.
func WithArgs(args ...string) Opt {
	return func(s *Supervisor) {
		s.extraArgs = append(s.extraArgs, args...)
	}
}

// WithStdout captures the process stdout for diagnostics.
func WithStdout(w io.Writer) Opt {
	return func(s *Supervisor) {
		s.stdout = w
	}
}

// WithStderr captures the process stderr for diagnostics.
func WithStderr(w io.Writer) Opt {
	return func(s *Supervisor) {
		s.stderr = w
	}
}

// New creates a supervisor for one hypervisor process. Nothing is spawned
// until Start.
func New(binaryPath, socketPath string, opts ...Opt) *Supervisor {
	s := &Supervisor{
		binaryPath: binaryPath,
		socketPath: socketPath,
		exitCh:     make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// SocketPath returns the control socket path handed to the process.
func (s *Supervisor) SocketPath() string {
	return s.socketPath
}

// Pid returns the child pid, or -1 before Start.
func (s *Supervisor) Pid() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd == nil || s.cmd.Process == nil {
		return -1
	}
	return s.cmd.Process.Pid
}

// Start spawns the hypervisor. The stale socket file is removed first so a
// leftover from a previous instance cannot be connected to by mistake.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cmd != nil {
		return errors.New("supervisor: process already started")
	}

	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale socket %s: %w", s.socketPath, err)
	}

	args := append([]string{"--api-sock", s.socketPath}, s.extraArgs...)
	cmd := exec.Command(s.binaryPath, args...)
	cmd.Stdout = s.stdout
	cmd.Stderr = s.stderr
	// Own process group so Terminate does not signal the parent's group.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	log.G(ctx).WithFields(log.Fields{
		"binary": s.binaryPath,
		"socket": s.socketPath,
		"args":   args,
	}).Debug("supervisor: spawning hypervisor")

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn %s: %w", s.binaryPath, err)
	}
	s.cmd = cmd

	go s.reap(cmd)

	log.G(ctx).WithField("pid", cmd.Process.Pid).Info("supervisor: hypervisor started")
	return nil
}

// reap waits on the child and publishes the classified exit status.
func (s *Supervisor) reap(cmd *exec.Cmd) {
	err := cmd.Wait()
	s.waitOnce.Do(func() {
		s.exit, s.exitErr = classifyExit(cmd, err)
		close(s.exitCh)
	})
}

func classifyExit(cmd *exec.Cmd, waitErr error) (ExitStatus, error) {
	ws, ok := cmd.ProcessState.Sys().(syscall.WaitStatus)
	if !ok {
		if waitErr != nil {
			return ExitStatus{Class: CrashExit, Code: -1}, waitErr
		}
		return ExitStatus{Class: CleanExit}, nil
	}

	switch {
	case ws.Signaled():
		return ExitStatus{Class: UserSignal, Code: -1, Signal: ws.Signal()}, nil
	case ws.ExitStatus() == 0:
		return ExitStatus{Class: CleanExit}, nil
	default:
		return ExitStatus{Class: CrashExit, Code: ws.ExitStatus()}, nil
	}
}

// Wait blocks until the child exits and returns its classified status. It is
// safe to call from multiple goroutines; all observe the same status.
func (s *Supervisor) Wait(ctx context.Context) (ExitStatus, error) {
	s.mu.Lock()
	started := s.cmd != nil
	s.mu.Unlock()
	if !started {
		return ExitStatus{}, ErrNotStarted
	}

	select {
	case <-s.exitCh:
		return s.exit, s.exitErr
	case <-ctx.Done():
		return ExitStatus{}, ctx.Err()
	}
}

// Exited reports, without blocking, whether the child has exited.
func (s *Supervisor) Exited() bool {
	select {
	case <-s.exitCh:
		return true
	default:
		return false
	}
}

// ExitCh is closed when the child exits; the status is then available via
// Wait without blocking.
func (s *Supervisor) ExitCh() <-chan struct{} {
	return s.exitCh
}

// WaitSocket polls for the control socket file to appear. Firecracker
// creates it shortly after startup; retries here are transient and bounded,
// never a protocol error.
func (s *Supervisor) WaitSocket(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultSocketTimeout
	}

	deadline := time.After(timeout)
	ticker := time.NewTicker(socketPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-deadline:
			return fmt.Errorf("timeout waiting for control socket %s", s.socketPath)
		case <-s.exitCh:
			return fmt.Errorf("hypervisor exited before creating control socket: %s", s.exit)
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := os.Stat(s.socketPath); err == nil {
				return nil
			}
		}
	}
}

// Terminate sends SIGTERM, waits up to grace for the process to exit, then
// force-kills. It is a no-op if the process already exited.
func (s *Supervisor) Terminate(ctx context.Context, grace time.Duration) (ExitStatus, error) {
	s.mu.Lock()
	cmd := s.cmd
	s.mu.Unlock()
	if cmd == nil {
		return ExitStatus{}, ErrNotStarted
	}

	if s.Exited() {
		return s.exit, s.exitErr
	}

	log.G(ctx).WithFields(log.Fields{
		"pid":   cmd.Process.Pid,
		"grace": grace,
	}).Debug("supervisor: terminating hypervisor")

	if err := cmd.Process.Signal(unix.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		log.G(ctx).WithError(err).Warn("supervisor: SIGTERM failed, escalating to SIGKILL")
	}

	if grace > 0 {
		select {
		case <-s.exitCh:
			return s.exit, s.exitErr
		case <-time.After(grace):
		case <-ctx.Done():
			// Even on cancellation the child must not be left alive.
		}
	}

	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return ExitStatus{}, fmt.Errorf("kill pid %d: %w", cmd.Process.Pid, err)
	}

	<-s.exitCh
	return s.exit, s.exitErr
}

// Cleanup removes the socket file. Missing files are not errors: cleanup
// must succeed even when the process never created the socket or something
// already removed it. Safe to call more than once; only the first call does
// work.
func (s *Supervisor) Cleanup(ctx context.Context) error {
	var err error
	s.cleanupOnce.Do(func() {
		if rmErr := os.Remove(s.socketPath); rmErr != nil && !os.IsNotExist(rmErr) {
			err = fmt.Errorf("remove socket %s: %w", s.socketPath, rmErr)
			return
		}
		log.G(ctx).WithField("socket", s.socketPath).Debug("supervisor: cleaned up control socket")
	})
	return err
}

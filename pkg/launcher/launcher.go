// Package launcher starts the worker process for a run and terminates it
// when cooperative cancellation is not enough.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"syscall"
	"time"

	"taskrun/pkg/broker"
	"taskrun/pkg/protocol"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Spec describes the worker executable. The port is appended after Args.
type Spec struct {
	Path string
	Args []string
	Dir  string
	// Env is appended to the controller's environment.
	Env []string
}

// Process is a running worker. Its stdout and stderr are pipes the caller
// must drain; the reaper goroutine never reads them.
type Process struct {
	cmd    *exec.Cmd
	pid    int
	stdout *os.File
	stderr *os.File
	logger *zap.Logger

	done     chan struct{}
	exitCode int
}

// Spawn starts spec with port as its last argument and writes the token
// line to the child's stdin, which is then closed. The token never appears
// in the argument list or the environment. The child leads its own process
// group so Escalate reaches its descendants. Start failures are
// *protocol.SpawnError.
func Spawn(ctx context.Context, spec Spec, port int, token broker.Token, logger *zap.Logger) (*Process, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := ctx.Err(); err != nil {
		return nil, protocol.ErrAborted
	}
	if spec.Path == "" {
		return nil, &protocol.SpawnError{Path: spec.Path, Err: errors.New("no worker executable configured")}
	}

	args := append(append([]string(nil), spec.Args...), strconv.Itoa(port))
	//nolint:gosec // the worker path is operator configuration
	cmd := exec.Command(spec.Path, args...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var fds pipes
	if err := fds.open(); err != nil {
		return nil, &protocol.SpawnError{Path: spec.Path, Err: err}
	}
	cmd.Stdin = fds.inR
	cmd.Stdout = fds.outW
	cmd.Stderr = fds.errW

	if err := cmd.Start(); err != nil {
		fds.closeAll()
		return nil, &protocol.SpawnError{Path: spec.Path, Err: err}
	}
	// The child holds its own copies; the parent keeps only the far ends.
	fds.closeChildEnds()

	p := &Process{
		cmd:      cmd,
		pid:      cmd.Process.Pid,
		stdout:   fds.outR,
		stderr:   fds.errR,
		logger:   logger,
		done:     make(chan struct{}),
		exitCode: -1,
	}
	go p.reap()

	line := token.Line()
	_, werr := fds.inW.Write(line)
	clear(line)
	_ = fds.inW.Close()
	if werr != nil {
		// The worker died before reading stdin; its exit code tells the story.
		logger.Warn("token delivery failed", zap.Int("pid", p.pid), zap.Error(werr))
	}

	logger.Debug("worker started", zap.Int("pid", p.pid), zap.String("path", spec.Path), zap.Int("port", port))
	return p, nil
}

type pipes struct {
	inR, inW   *os.File
	outR, outW *os.File
	errR, errW *os.File
}

func (p *pipes) open() error {
	var err error
	if p.inR, p.inW, err = os.Pipe(); err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	if p.outR, p.outW, err = os.Pipe(); err != nil {
		p.closeAll()
		return fmt.Errorf("stdout pipe: %w", err)
	}
	if p.errR, p.errW, err = os.Pipe(); err != nil {
		p.closeAll()
		return fmt.Errorf("stderr pipe: %w", err)
	}
	return nil
}

func (p *pipes) closeChildEnds() {
	for _, f := range []*os.File{p.inR, p.outW, p.errW} {
		_ = f.Close()
	}
}

func (p *pipes) closeAll() {
	for _, f := range []*os.File{p.inR, p.inW, p.outR, p.outW, p.errR, p.errW} {
		if f != nil {
			_ = f.Close()
		}
	}
}

func (p *Process) reap() {
	defer close(p.done)
	_ = p.cmd.Wait()
	p.exitCode = exitCode(p.cmd.ProcessState)
}

// exitCode reports a signal death as 128+signal, like a shell.
func exitCode(ps *os.ProcessState) int {
	if ps == nil {
		return -1
	}
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return ps.ExitCode()
}

// Pid returns the worker's process ID, which is also its process group ID.
func (p *Process) Pid() int { return p.pid }

// Stdout returns the read end of the worker's stdout.
func (p *Process) Stdout() *os.File { return p.stdout }

// Stderr returns the read end of the worker's stderr.
func (p *Process) Stderr() *os.File { return p.stderr }

// Done is closed once the process has exited and been reaped.
func (p *Process) Done() <-chan struct{} { return p.done }

// Running reports whether the process has not yet been reaped.
func (p *Process) Running() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// ExitCode returns the exit code, or -1 while the process is running.
func (p *Process) ExitCode() int {
	select {
	case <-p.done:
		return p.exitCode
	default:
		return -1
	}
}

// Wait blocks until the process exits or d elapses, and reports whether it
// exited.
func (p *Process) Wait(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-p.done:
		return true
	case <-t.C:
		return false
	}
}

// Escalate terminates the process group: SIGTERM, a grace period, SIGKILL,
// another grace period. A process still alive after that is reported as
// *protocol.UnkillableError.
func (p *Process) Escalate(grace time.Duration) error {
	if !p.Running() {
		return nil
	}

	p.logger.Info("terminating worker", zap.Int("pid", p.pid))
	p.signalGroup(unix.SIGTERM)
	if p.Wait(grace) {
		return nil
	}

	p.logger.Warn("worker ignored SIGTERM, killing", zap.Int("pid", p.pid))
	p.signalGroup(unix.SIGKILL)
	if p.Wait(grace) {
		return nil
	}

	p.logger.Error("worker survived SIGKILL", zap.Int("pid", p.pid))
	return &protocol.UnkillableError{PID: p.pid}
}

// signalGroup signals the whole process group. ESRCH means it is already
// gone.
func (p *Process) signalGroup(sig unix.Signal) {
	err := unix.Kill(-p.pid, sig)
	if err == nil || errors.Is(err, unix.ESRCH) {
		return
	}
	p.logger.Warn("signal process group", zap.Int("pgid", p.pid), zap.Stringer("signal", sig), zap.Error(err))
	// Fall back to the leader alone.
	_ = p.cmd.Process.Signal(sig)
}

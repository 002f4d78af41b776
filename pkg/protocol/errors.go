package protocol

import (
	"errors"
	"fmt"
)

// ErrAborted reports that the operator aborted the run. It is not a failure.
var ErrAborted = errors.New("run aborted")

// ErrRunInProgress is returned when a second run is requested on an
// orchestrator whose previous run has not reached a terminal state.
var ErrRunInProgress = errors.New("a run is already in progress")

// ErrTaskAlreadySent is returned by a channel asked to carry a second task.
var ErrTaskAlreadySent = errors.New("task payload already sent on this channel")

// BindError is a listener bind failure other than a port collision.
type BindError struct {
	Port int
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("bind %s:%d: %v", LoopbackHost, e.Port, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

// SpawnError is a failure to start the worker process.
type SpawnError struct {
	Path string
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn worker %s: %v", e.Path, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// AuthError is a failed token handshake. The controller never sees it: the
// broker drops the peer. The worker sees it when dialing.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	return "authentication failed: " + e.Reason
}

// FrameError is malformed or out-of-protocol data on the task channel.
type FrameError struct {
	Reason string
}

func (e *FrameError) Error() string {
	return "malformed channel data: " + e.Reason
}

// WorkerCrashError is a transport failure after the task was sent. The worker
// is presumed dead.
type WorkerCrashError struct {
	Err error
}

func (e *WorkerCrashError) Error() string {
	return fmt.Sprintf("worker connection lost: %v", e.Err)
}

func (e *WorkerCrashError) Unwrap() error { return e.Err }

// ExitError is a worker process that exited with a non-zero code.
type ExitError struct {
	PID  int
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("worker process %d exited with code %d", e.PID, e.Code)
}

// UnkillableError is a worker process that survived SIGKILL. It needs manual
// intervention.
type UnkillableError struct {
	PID int
}

func (e *UnkillableError) Error() string {
	return fmt.Sprintf("worker process %d could not be terminated; kill it manually", e.PID)
}

package protocol

import "fmt"

// Kind identifies the meaning of a frame on the task channel.
type Kind byte

// Frame kinds. KindNone doubles as the "no result" marker and the closing
// handshake echo.
const (
	KindTask   Kind = 1
	KindResult Kind = 2
	KindNone   Kind = 3
	KindAbort  Kind = 4
)

// Valid reports whether k is one of the known frame kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindTask, KindResult, KindNone, KindAbort:
		return true
	default:
		return false
	}
}

func (k Kind) String() string {
	switch k {
	case KindTask:
		return "task"
	case KindResult:
		return "result"
	case KindNone:
		return "none"
	case KindAbort:
		return "abort"
	default:
		return fmt.Sprintf("kind(%d)", byte(k))
	}
}

// State is a position in the per-run protocol state machine.
type State string

// Run states, in the order a successful run visits them.
const (
	StateInit           State = "init"
	StateListening      State = "listening"
	StateSpawned        State = "spawned"
	StateConnected      State = "connected"
	StateTaskSent       State = "task_sent"
	StateAwaitingResult State = "awaiting_result"
	StateClosing        State = "closing"
	StateCompleted      State = "completed"
	StateFailed         State = "failed"
	StateAborted        State = "aborted"
)

// Terminal reports whether no further transition can leave s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateAborted
}

// Worker process exit codes. A domain result code r > 0 exits as
// ExitConnectFailed+r.
const (
	ExitOK            = 0
	ExitInteractive   = 1
	ExitInitFailed    = 2
	ExitConnectFailed = 3
)

// WorkerExitCode maps the result code returned by domain work to the worker's
// process exit code. Negative codes are treated by magnitude; the value is
// clamped to 255.
func WorkerExitCode(result int) int {
	if result == 0 {
		return ExitOK
	}
	if result < 0 {
		result = -result
	}
	code := ExitConnectFailed + result
	if code > 255 {
		code = 255
	}
	return code
}

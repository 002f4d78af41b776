package orchestrator

import (
	"time"

	"taskrun/pkg/codec"
	"taskrun/pkg/forward"
	"taskrun/pkg/protocol"
)

// Observer receives run events. Methods are called from several goroutines
// (the driver, both output forwarders and the elapsed-time ticker) and must
// be safe for concurrent use.
type Observer interface {
	RunStarted(runID string)
	RunFinished(out Outcome)
	ElapsedTime(text string)
	MessageReceived(msg forward.Message)
	ResultReceived(res Result)
}

// ObserverFuncs adapts optional callbacks to Observer. Nil fields are
// skipped.
type ObserverFuncs struct {
	OnRunStarted  func(runID string)
	OnRunFinished func(out Outcome)
	OnElapsedTime func(text string)
	OnMessage     func(msg forward.Message)
	OnResult      func(res Result)
}

func (f ObserverFuncs) RunStarted(runID string) {
	if f.OnRunStarted != nil {
		f.OnRunStarted(runID)
	}
}

func (f ObserverFuncs) RunFinished(out Outcome) {
	if f.OnRunFinished != nil {
		f.OnRunFinished(out)
	}
}

func (f ObserverFuncs) ElapsedTime(text string) {
	if f.OnElapsedTime != nil {
		f.OnElapsedTime(text)
	}
}

func (f ObserverFuncs) MessageReceived(msg forward.Message) {
	if f.OnMessage != nil {
		f.OnMessage(msg)
	}
}

func (f ObserverFuncs) ResultReceived(res Result) {
	if f.OnResult != nil {
		f.OnResult(res)
	}
}

// Result is the worker's encoded result payload.
type Result struct {
	Data  []byte
	codec codec.Codec
}

// NewResult wraps data encoded with c.
func NewResult(data []byte, c codec.Codec) Result {
	return Result{Data: data, codec: c}
}

// Decode unmarshals the payload into v. It may be called any number of
// times.
func (r Result) Decode(v any) error {
	return r.codec.Unmarshal(r.Data, v)
}

// CodecName names the codec the payload is encoded with.
func (r Result) CodecName() string { return r.codec.Name() }

// Outcome is how a run ended.
type Outcome struct {
	RunID string
	State protocol.State
	// ExitCode is the worker's exit status, 128+N for a signal death, or -1
	// when no process was started or it could not be reaped.
	ExitCode int
	// Err is nil on success and protocol.ErrAborted for an operator abort.
	Err error
	// CleanupErr reports a failure to terminate the worker, typically
	// *protocol.UnkillableError.
	CleanupErr error
	Port       int
	Elapsed    time.Duration
	// Result is nil when the worker reported no result.
	Result *Result
}

// Success reports whether the run completed with exit code 0.
func (o Outcome) Success() bool { return o.State == protocol.StateCompleted }

// Aborted reports whether the operator aborted the run.
func (o Outcome) Aborted() bool { return o.State == protocol.StateAborted }

package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"taskrun/pkg/broker"
	"taskrun/pkg/channel"
	"taskrun/pkg/endpoint"
	"taskrun/pkg/forward"
	"taskrun/pkg/launcher"
	"taskrun/pkg/protocol"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var errExitedBeforeConnect = errors.New("worker exited before connecting")

// runState is everything one run owns. It is never shared between runs.
type runState struct {
	id    string
	cfg   Config
	obs   Observer
	log   *zap.Logger
	start time.Time

	aborted atomic.Bool
	abortCh chan struct{}

	broker     *broker.Broker
	proc       *launcher.Process
	forwarders []*forward.Forwarder
	ticker     *ticker
	result     *Result

	readerStop chan struct{}

	mu          sync.Mutex
	state       protocol.State
	ch          *channel.Channel
	tier1At     time.Time
	tier1Failed bool
}

type readResult struct {
	frame channel.Frame
	err   error
}

func newRunState(cfg Config, obs Observer) *runState {
	id := uuid.NewString()
	return &runState{
		id:         id,
		cfg:        cfg,
		obs:        obs,
		log:        cfg.Logger.With(zap.String("run_id", id)),
		start:      time.Now(),
		abortCh:    make(chan struct{}),
		readerStop: make(chan struct{}),
		state:      protocol.StateInit,
	}
}

func (rs *runState) isAborted() bool { return rs.aborted.Load() }

func (rs *runState) currentState() protocol.State {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.state
}

func (rs *runState) setState(s protocol.State) {
	rs.mu.Lock()
	prev := rs.state
	rs.state = s
	rs.mu.Unlock()
	if s.Terminal() {
		rs.log.Info("run finished", zap.String("from", string(prev)), zap.String("state", string(s)))
		return
	}
	rs.log.Debug("state", zap.String("from", string(prev)), zap.String("to", string(s)))
}

// abort is Tier 1: set the flag once and, if the channel is up, send the
// abort sentinel.
func (rs *runState) abort(reason string) bool {
	if !rs.aborted.CompareAndSwap(false, true) {
		return false
	}
	rs.log.Info("aborting run", zap.String("reason", reason))
	close(rs.abortCh)
	rs.sendTier1()
	return true
}

func (rs *runState) setChannel(ch *channel.Channel) {
	rs.mu.Lock()
	rs.ch = ch
	rs.mu.Unlock()
	if rs.isAborted() {
		rs.sendTier1()
	}
}

func (rs *runState) channel() *channel.Channel {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.ch
}

// sendTier1 sends the abort sentinel at most once per run.
func (rs *runState) sendTier1() {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.ch == nil || !rs.tier1At.IsZero() {
		return
	}
	rs.tier1At = time.Now()
	if err := rs.ch.SendAbort(); err != nil {
		rs.tier1Failed = true
		rs.log.Warn("abort frame not delivered", zap.Error(err))
	}
}

// execute runs the state machine and always cleans up before returning.
func (rs *runState) execute(ctx context.Context, task any) (out Outcome) {
	out = Outcome{RunID: rs.id, ExitCode: -1}

	stopWatch := context.AfterFunc(ctx, func() { rs.abort("context cancelled") })
	defer stopWatch()

	err := rs.drive(ctx, task)

	out.CleanupErr = rs.cleanup()
	out.Elapsed = time.Since(rs.start)
	out.Result = rs.result
	if rs.broker != nil {
		out.Port = rs.broker.Port()
	}
	if rs.proc != nil {
		out.ExitCode = rs.proc.ExitCode()
	}

	switch {
	case rs.isAborted():
		out.State, out.Err = protocol.StateAborted, protocol.ErrAborted
	case err != nil:
		out.State, out.Err = protocol.StateFailed, err
	case out.ExitCode != protocol.ExitOK:
		out.State, out.Err = protocol.StateFailed, &protocol.ExitError{PID: rs.proc.Pid(), Code: out.ExitCode}
	default:
		out.State = protocol.StateCompleted
	}
	rs.setState(out.State)

	if out.State == protocol.StateFailed {
		rs.log.Error("run failed", zap.Int("exit_code", out.ExitCode), zap.Error(out.Err))
	}
	if out.CleanupErr != nil {
		rs.log.Error("worker cleanup failed", zap.Error(out.CleanupErr))
	}
	return out
}

// drive walks the states up to the worker's exit. A nil error means the
// closing handshake finished and the process exited; its exit code decides
// the outcome.
func (rs *runState) drive(ctx context.Context, task any) error {
	rs.setState(protocol.StateListening)
	b, err := broker.Open(ctx, rs.cfg.StartPort, rs.isAborted, broker.Options{
		MaxAttempts:      rs.cfg.MaxPortAttempts,
		PollInterval:     rs.cfg.PollInterval,
		HandshakeTimeout: rs.cfg.HandshakeTimeout,
		Logger:           rs.log,
	})
	if err != nil {
		return err
	}
	rs.broker = b

	spec := rs.cfg.Worker
	spec.Env = append(append([]string(nil), spec.Env...), endpoint.CodecEnv+"="+rs.cfg.Codec.Name())
	proc, err := launcher.Spawn(ctx, spec, b.Port(), b.Token(), rs.log)
	if err != nil {
		return err
	}
	rs.proc = proc
	rs.setState(protocol.StateSpawned)
	rs.startForwarders()
	rs.ticker = startTicker(rs.start, rs.cfg.TickInterval, rs.obs.ElapsedTime)

	conn, err := b.Accept(ctx, func() bool { return rs.isAborted() || !proc.Running() })
	if err != nil {
		if errors.Is(err, protocol.ErrAborted) && !rs.isAborted() && !proc.Running() {
			if code := proc.ExitCode(); code != protocol.ExitOK {
				return &protocol.ExitError{PID: proc.Pid(), Code: code}
			}
			return &protocol.WorkerCrashError{Err: errExitedBeforeConnect}
		}
		return err
	}
	ch := channel.New(conn, rs.cfg.Codec)
	rs.setChannel(ch)
	rs.setState(protocol.StateConnected)
	if rs.isAborted() {
		return protocol.ErrAborted
	}

	if err := ch.SendTask(task); err != nil {
		var fe *protocol.FrameError
		if errors.As(err, &fe) {
			return err
		}
		return &protocol.WorkerCrashError{Err: err}
	}
	rs.setState(protocol.StateTaskSent)

	frames := rs.startReader(ch)
	rs.setState(protocol.StateAwaitingResult)
	return rs.await(ch, frames)
}

func (rs *runState) startForwarders() {
	emit := rs.obs.MessageReceived
	for _, f := range []*forward.Forwarder{
		forward.New(rs.proc.Stdout(), forward.Stdout, emit),
		forward.New(rs.proc.Stderr(), forward.Stderr, emit),
	} {
		f.SetDrainWindow(rs.cfg.DrainWindow)
		f.Start()
		rs.forwarders = append(rs.forwarders, f)
	}
}

// startReader moves frames off the channel so the driver can select on
// them alongside the abort signal.
func (rs *runState) startReader(ch *channel.Channel) <-chan readResult {
	out := make(chan readResult)
	go func() {
		for {
			f, err := ch.Recv()
			select {
			case out <- readResult{frame: f, err: err}:
			case <-rs.readerStop:
				return
			}
			if err != nil {
				return
			}
		}
	}()
	return out
}

// await handles frames until the worker's closing frame, then waits for the
// process to exit. After an abort the worker gets one grace period to wind
// down on its own.
func (rs *runState) await(ch *channel.Channel, frames <-chan readResult) error {
	abortCh := rs.abortCh
	var escalate <-chan time.Time
	for {
		select {
		case <-abortCh:
			abortCh = nil
			escalate = rs.graceTimer()
		case <-escalate:
			return protocol.ErrAborted
		case r := <-frames:
			if r.err != nil {
				if rs.isAborted() {
					return protocol.ErrAborted
				}
				var fe *protocol.FrameError
				if errors.As(r.err, &fe) {
					return r.err
				}
				return &protocol.WorkerCrashError{Err: r.err}
			}
			switch r.frame.Kind {
			case protocol.KindResult:
				res := NewResult(r.frame.Body, rs.cfg.Codec)
				rs.result = &res
				rs.obs.ResultReceived(res)
			case protocol.KindNone:
				rs.setState(protocol.StateClosing)
				if err := ch.SendAck(); err != nil {
					rs.log.Warn("closing echo not delivered", zap.Error(err))
				}
				return rs.awaitExit(abortCh, escalate)
			default:
				return &protocol.FrameError{Reason: "worker sent a " + r.frame.Kind.String() + " frame"}
			}
		}
	}
}

func (rs *runState) awaitExit(abortCh <-chan struct{}, escalate <-chan time.Time) error {
	for {
		select {
		case <-rs.proc.Done():
			return nil
		case <-abortCh:
			abortCh = nil
			escalate = rs.graceTimer()
		case <-escalate:
			return protocol.ErrAborted
		}
	}
}

func (rs *runState) graceTimer() <-chan time.Time {
	return time.After(rs.cfg.GracePeriod)
}

// cleanup releases everything the run acquired, in reverse order. A worker
// still running gets Tier 1 (if not already sent), one grace period from
// when it was sent, and then Tier 2.
func (rs *runState) cleanup() error {
	close(rs.readerStop)

	var cleanupErr error
	if rs.proc != nil && rs.proc.Running() {
		rs.sendTier1()
		rs.mu.Lock()
		ch, at, failed := rs.ch, rs.tier1At, rs.tier1Failed
		rs.mu.Unlock()
		if ch != nil {
			_ = ch.Close()
		}
		if ch != nil && !failed {
			rs.proc.Wait(time.Until(at.Add(rs.cfg.GracePeriod)))
		}
		if rs.proc.Running() {
			cleanupErr = rs.proc.Escalate(rs.cfg.GracePeriod)
		}
	}

	if ch := rs.channel(); ch != nil {
		if err := ch.Close(); err != nil {
			rs.log.Debug("close channel", zap.Error(err))
		}
	}
	if rs.broker != nil {
		if err := rs.broker.Close(); err != nil {
			rs.log.Debug("close broker", zap.Error(err))
		}
		token := rs.broker.Token()
		token.Wipe()
	}
	rs.ticker.Stop()
	for _, f := range rs.forwarders {
		f.Stop()
	}
	return cleanupErr
}

// Package orchestrator drives one task through a worker process: it binds
// the broker, launches the worker, relays its output, exchanges the task and
// result over the authenticated channel and tears everything down, escalating
// from a cooperative abort to process-group signals when it has to.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"taskrun/pkg/codec"
	"taskrun/pkg/config"
	"taskrun/pkg/launcher"
	"taskrun/pkg/protocol"

	"go.uber.org/zap"
)

// Config is the controller side of a run. Zero durations and counts take
// protocol defaults.
type Config struct {
	Worker           launcher.Spec
	StartPort        int
	MaxPortAttempts  int
	GracePeriod      time.Duration
	PollInterval     time.Duration
	TickInterval     time.Duration
	HandshakeTimeout time.Duration
	DrainWindow      time.Duration
	Codec            codec.Codec
	Logger           *zap.Logger
}

// FromConfig builds a Config from resolved settings.
func FromConfig(c config.Config, logger *zap.Logger) (Config, error) {
	cd, err := codec.ByName(c.Codec)
	if err != nil {
		return Config{}, err
	}
	return Config{
		Worker: launcher.Spec{
			Path: c.Worker.Path,
			Args: c.Worker.Args,
			Dir:  c.Worker.Dir,
			Env:  c.Worker.Env,
		},
		StartPort:        c.StartPort,
		MaxPortAttempts:  c.MaxPortAttempts,
		GracePeriod:      c.GracePeriod.Std(),
		PollInterval:     c.PollInterval.Std(),
		TickInterval:     c.TickInterval.Std(),
		HandshakeTimeout: c.HandshakeTimeout.Std(),
		DrainWindow:      c.DrainWindow.Std(),
		Codec:            cd,
		Logger:           logger,
	}, nil
}

func (c Config) withDefaults() Config {
	if c.StartPort <= 0 {
		c.StartPort = protocol.DefaultStartPort
	}
	if c.MaxPortAttempts <= 0 {
		c.MaxPortAttempts = protocol.DefaultMaxPortAttempts
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = protocol.DefaultGracePeriod
	}
	if c.PollInterval <= 0 {
		c.PollInterval = protocol.DefaultPollInterval
	}
	if c.TickInterval <= 0 {
		c.TickInterval = protocol.DefaultTickInterval
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = protocol.DefaultHandshakeTimeout
	}
	if c.DrainWindow <= 0 {
		c.DrainWindow = protocol.DefaultDrainWindow
	}
	if c.Codec == nil {
		c.Codec = codec.JSON()
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// Orchestrator runs tasks one at a time.
type Orchestrator struct {
	cfg Config
	obs Observer

	mu     sync.Mutex
	active *runState
}

// New creates an Orchestrator. A nil observer discards events.
func New(cfg Config, obs Observer) *Orchestrator {
	if obs == nil {
		obs = ObserverFuncs{}
	}
	return &Orchestrator{cfg: cfg.withDefaults(), obs: obs}
}

// Run executes task on a fresh worker and blocks until the run is over and
// cleaned up. Cancelling ctx aborts the run. While a run is active, further
// calls fail immediately with protocol.ErrRunInProgress and emit no events.
func (o *Orchestrator) Run(ctx context.Context, task any) Outcome {
	o.mu.Lock()
	if o.active != nil {
		o.mu.Unlock()
		return Outcome{State: protocol.StateFailed, ExitCode: -1, Err: protocol.ErrRunInProgress}
	}
	rs := newRunState(o.cfg, o.obs)
	o.active = rs
	o.mu.Unlock()

	o.obs.RunStarted(rs.id)
	out := rs.execute(ctx, task)

	o.mu.Lock()
	o.active = nil
	o.mu.Unlock()

	o.obs.RunFinished(out)
	return out
}

// Abort requests cancellation of the active run. It reports whether this
// call started an abort; repeated calls and calls with no active run are
// no-ops.
func (o *Orchestrator) Abort() bool {
	o.mu.Lock()
	rs := o.active
	o.mu.Unlock()
	if rs == nil {
		return false
	}
	return rs.abort("operator request")
}

// State returns the protocol state of the active run, or StateInit when
// idle.
func (o *Orchestrator) State() protocol.State {
	o.mu.Lock()
	rs := o.active
	o.mu.Unlock()
	if rs == nil {
		return protocol.StateInit
	}
	return rs.currentState()
}

// Package endpoint is the worker half of a run. A worker binary implements
// Handler and calls Main from its main function:
//
//	func main() { os.Exit(endpoint.Main(squarer{}, os.Args[1:])) }
//
// Main authenticates back to the controller, receives the task, runs the
// handler and returns the process exit code.
package endpoint

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"taskrun/pkg/broker"
	"taskrun/pkg/channel"
	"taskrun/pkg/codec"
	"taskrun/pkg/config"
	"taskrun/pkg/observability"
	"taskrun/pkg/protocol"

	"github.com/mattn/go-isatty"
	"go.uber.org/zap"
)

// CodecEnv names the environment variable carrying the payload codec the
// controller chose. Unset means codec.Default.
const CodecEnv = config.EnvCodec

// Handler is the domain side of a worker.
type Handler interface {
	// Initialize prepares the worker before it connects. False exits with
	// protocol.ExitInitFailed.
	Initialize() bool
	// DoWork runs the task. ctx is cancelled when the controller aborts or
	// the process receives SIGINT, SIGTERM or SIGQUIT. Zero means success;
	// any other value becomes exit code protocol.ExitConnectFailed+code.
	DoWork(ctx context.Context, s *Session) int
}

// Session is one task as seen by DoWork.
type Session struct {
	ch   *channel.Channel
	task channel.Frame

	mu        sync.Mutex
	result    any
	hasResult bool

	aborted atomic.Bool
}

// Task decodes the task payload into v.
func (s *Session) Task(v any) error { return s.ch.Decode(s.task, v) }

// SetResult records the result sent back when DoWork returns. A worker that
// never calls it reports "no result".
func (s *Session) SetResult(v any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.result, s.hasResult = v, true
}

// Aborted reports whether an abort has been requested.
func (s *Session) Aborted() bool { return s.aborted.Load() }

func (s *Session) takeResult() (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result, s.hasResult
}

// Options tunes Run. Zero fields take defaults.
type Options struct {
	// Stdin supplies the token line. Defaults to os.Stdin, which must not
	// be a terminal.
	Stdin io.Reader
	Codec codec.Codec
	// HandleSignals turns SIGINT, SIGTERM and SIGQUIT into an abort.
	HandleSignals    bool
	HandshakeTimeout time.Duration
	AckTimeout       time.Duration
	Logger           *zap.Logger
}

// Main runs h with the process's standard streams and the codec named by
// CodecEnv, logging diagnostics to stderr.
func Main(h Handler, args []string) int {
	logger, err := observability.SetupLogger(config.LogConfig{Level: "info", Outputs: []string{"stderr"}})
	if err != nil {
		logger = zap.NewNop()
	}
	defer func() { _ = logger.Sync() }()

	c, err := codec.ByName(os.Getenv(CodecEnv))
	if err != nil {
		logger.Error("select codec", zap.Error(err))
		return protocol.ExitInitFailed
	}

	return Run(context.Background(), h, args, Options{
		Codec:         c,
		HandleSignals: true,
		Logger:        logger,
	})
}

// Run is Main with explicit options.
func Run(ctx context.Context, h Handler, args []string, opts Options) int {
	opts = opts.withDefaults()
	log := opts.Logger

	if f, ok := opts.Stdin.(*os.File); ok && isTerminal(f) {
		fmt.Fprintln(os.Stderr, "this program is a taskrun worker and cannot be run interactively")
		return protocol.ExitInteractive
	}

	if !h.Initialize() {
		log.Error("worker initialization failed")
		return protocol.ExitInitFailed
	}

	port, err := parsePort(args)
	if err != nil {
		log.Error("bad arguments", zap.Error(err))
		return protocol.ExitConnectFailed
	}

	token, err := readToken(opts.Stdin)
	if err != nil {
		log.Error("read auth token", zap.Error(err))
		return protocol.ExitConnectFailed
	}
	conn, err := broker.Dial(ctx, port, token, opts.HandshakeTimeout)
	token.Wipe()
	if err != nil {
		log.Error("connect to controller", zap.Int("port", port), zap.Error(err))
		return protocol.ExitConnectFailed
	}

	ch := channel.New(conn, opts.Codec)
	defer func() { _ = ch.Close() }()

	task, err := ch.Recv()
	if err != nil || task.Kind != protocol.KindTask {
		log.Error("no task received", zap.Stringer("kind", task.Kind), zap.Error(err))
		return protocol.ExitConnectFailed
	}

	workCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s := &Session{ch: ch, task: task}
	abort := func(reason string) {
		if s.aborted.CompareAndSwap(false, true) {
			log.Info("abort requested", zap.String("reason", reason))
		}
		cancel()
	}

	acked := make(chan struct{})
	var finished atomic.Bool
	go listen(ch, abort, &finished, acked)

	if opts.HandleSignals {
		stop := notifySignals(abort)
		defer stop()
	}

	code := h.DoWork(workCtx, s)
	finished.Store(true)

	if v, ok := s.takeResult(); ok {
		if err := ch.SendResult(v); err != nil {
			log.Error("send result", zap.Error(err))
		}
	}
	if err := ch.SendNone(); err != nil {
		log.Warn("send closing frame", zap.Error(err))
	} else {
		waitAck(acked, opts.AckTimeout, log)
	}

	return protocol.WorkerExitCode(code)
}

// listen consumes everything the controller sends after the task. An abort
// sentinel or a lost connection during work aborts the session. The closing
// echo closes acked.
func listen(ch *channel.Channel, abort func(string), finished *atomic.Bool, acked chan<- struct{}) {
	defer close(acked)
	for {
		f, err := ch.Recv()
		if err != nil {
			if !finished.Load() {
				abort("controller connection lost")
			}
			return
		}
		switch f.Kind {
		case protocol.KindAbort:
			abort("controller sent abort")
		case protocol.KindNone:
			return
		default:
			abort("unexpected " + f.Kind.String() + " frame")
			return
		}
	}
}

func waitAck(acked <-chan struct{}, timeout time.Duration, log *zap.Logger) {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-acked:
	case <-t.C:
		log.Warn("controller did not acknowledge closing frame", zap.Duration("timeout", timeout))
	}
}

func notifySignals(abort func(string)) (stop func()) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case sig := <-sigCh:
				abort("received " + sig.String())
			case <-done:
				return
			}
		}
	}()
	return func() {
		signal.Stop(sigCh)
		close(done)
	}
}

func parsePort(args []string) (int, error) {
	if len(args) != 1 {
		return 0, fmt.Errorf("want exactly one port argument, got %d", len(args))
	}
	port, err := strconv.Atoi(args[0])
	if err != nil {
		return 0, fmt.Errorf("port %q: %w", args[0], err)
	}
	if port < 1 || port > protocol.MaxPort {
		return 0, fmt.Errorf("port %d out of range", port)
	}
	return port, nil
}

func readToken(r io.Reader) (broker.Token, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return broker.Token{}, err
	}
	return broker.ParseToken(line)
}

func isTerminal(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func (o Options) withDefaults() Options {
	if o.Stdin == nil {
		o.Stdin = os.Stdin
	}
	if o.Codec == nil {
		o.Codec = codec.JSON()
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = protocol.DefaultHandshakeTimeout
	}
	if o.AckTimeout <= 0 {
		o.AckTimeout = protocol.DefaultAckTimeout
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// Package broker binds the loopback listener a worker calls back to,
// authenticates the worker with a one-time token, and hands the single
// accepted connection to the orchestrator.
package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"taskrun/pkg/protocol"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// AbortFunc reports whether the run has been aborted. Retry loops call it
// between attempts.
type AbortFunc func() bool

// Options tunes a Broker. Zero fields take protocol defaults.
type Options struct {
	MaxAttempts      int
	PollInterval     time.Duration
	HandshakeTimeout time.Duration
	Logger           *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = protocol.DefaultMaxPortAttempts
	}
	if o.PollInterval <= 0 {
		o.PollInterval = protocol.DefaultPollInterval
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = protocol.DefaultHandshakeTimeout
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// Broker owns one bound listener and its token for a single run.
type Broker struct {
	opts  Options
	ln    *net.TCPListener
	port  int
	token Token

	closeOnce sync.Once
}

// Open binds 127.0.0.1 starting at startPort. On EADDRINUSE or EACCES it
// tries the next port, up to opts.MaxAttempts ports. Any other bind error is
// a *protocol.BindError. An abort observed between attempts returns
// protocol.ErrAborted.
func Open(ctx context.Context, startPort int, aborted AbortFunc, opts Options) (*Broker, error) {
	opts = opts.withDefaults()
	if aborted == nil {
		aborted = func() bool { return false }
	}

	token, err := NewToken()
	if err != nil {
		return nil, err
	}

	port := startPort
	var lc net.ListenConfig
	for attempt := 0; attempt < opts.MaxAttempts; attempt++ {
		if aborted() || ctx.Err() != nil {
			return nil, protocol.ErrAborted
		}
		if port > protocol.MaxPort {
			break
		}

		addr := net.JoinHostPort(protocol.LoopbackHost, strconv.Itoa(port))
		ln, err := lc.Listen(ctx, "tcp", addr)
		if err == nil {
			// Port 0 asks the kernel for one; report what it chose.
			port = ln.Addr().(*net.TCPAddr).Port
			opts.Logger.Debug("listener bound", zap.Int("port", port), zap.Int("attempts", attempt+1))
			return &Broker{
				opts:  opts,
				ln:    ln.(*net.TCPListener),
				port:  port,
				token: token,
			}, nil
		}
		if !isPortConflict(err) {
			return nil, &protocol.BindError{Port: port, Err: err}
		}
		opts.Logger.Debug("port unavailable, trying next", zap.Int("port", port), zap.Error(err))
		port++
	}

	return nil, &protocol.BindError{
		Port: port,
		Err:  fmt.Errorf("no bindable port in %d attempts from %d", opts.MaxAttempts, startPort),
	}
}

// isPortConflict reports whether err means "this port is taken, try another".
func isPortConflict(err error) bool {
	return errors.Is(err, unix.EADDRINUSE) || errors.Is(err, unix.EACCES)
}

// Port returns the bound port.
func (b *Broker) Port() int { return b.port }

// Token returns the token a worker must present.
func (b *Broker) Token() Token { return b.token }

// Close releases the listener. It is idempotent.
func (b *Broker) Close() error {
	var err error
	b.closeOnce.Do(func() {
		err = b.ln.Close()
	})
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("close listener: %w", err)
	}
	return nil
}

// Accept waits for the first peer that completes the token handshake.
// Peers presenting a wrong token are dropped and waiting continues. The
// listener is closed when Accept returns, whatever the outcome, so no later
// connection can be accepted. Abort, context cancellation or an externally
// closed listener return protocol.ErrAborted.
func (b *Broker) Accept(ctx context.Context, aborted AbortFunc) (net.Conn, error) {
	if aborted == nil {
		aborted = func() bool { return false }
	}

	hsCtx, cancel := context.WithCancel(ctx)
	authed := make(chan net.Conn, 1)
	var wg sync.WaitGroup

	defer func() {
		_ = b.Close()
		cancel()
		wg.Wait()
		// Late winners lose; nothing else may use the run's channel.
		for {
			select {
			case c := <-authed:
				_ = c.Close()
			default:
				return
			}
		}
	}()

	for {
		if aborted() || ctx.Err() != nil {
			return nil, protocol.ErrAborted
		}
		select {
		case c := <-authed:
			return c, nil
		default:
		}

		if err := b.ln.SetDeadline(time.Now().Add(b.opts.PollInterval)); err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil, protocol.ErrAborted
			}
			return nil, fmt.Errorf("set accept deadline: %w", err)
		}
		conn, err := b.ln.Accept()
		if err != nil {
			var ne net.Error
			switch {
			case errors.As(err, &ne) && ne.Timeout():
				continue
			case errors.Is(err, unix.EINTR):
				continue
			case errors.Is(err, net.ErrClosed):
				return nil, protocol.ErrAborted
			default:
				return nil, fmt.Errorf("accept: %w", err)
			}
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			b.authenticate(hsCtx, conn, authed)
		}()
	}
}

// authenticate runs the server handshake on conn and offers it to authed on
// success. Cancelling ctx closes conn mid-handshake.
func (b *Broker) authenticate(ctx context.Context, conn net.Conn, authed chan<- net.Conn) {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	err := serverHandshake(conn, b.token, b.opts.HandshakeTimeout)
	if !stop() {
		return
	}
	if err != nil {
		b.opts.Logger.Warn("dropped unauthenticated connection",
			zap.String("remote", conn.RemoteAddr().String()), zap.Error(err))
		_ = conn.Close()
		return
	}
	select {
	case authed <- conn:
	default:
		_ = conn.Close()
	}
}

// Dial connects to a broker on the loopback port and proves possession of
// token. A rejected token yields a *protocol.AuthError.
func Dial(ctx context.Context, port int, token Token, timeout time.Duration) (net.Conn, error) {
	if timeout <= 0 {
		timeout = protocol.DefaultHandshakeTimeout
	}
	d := net.Dialer{Timeout: timeout}
	addr := net.JoinHostPort(protocol.LoopbackHost, strconv.Itoa(port))
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", addr, err)
	}
	if err := clientHandshake(conn, token, timeout); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}

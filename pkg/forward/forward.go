// Package forward relays a worker's text output streams line by line to the
// controller while the worker runs.
package forward

import (
	"bufio"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"taskrun/pkg/protocol"
)

// Origin names the output stream a message came from.
type Origin string

// Stream origins.
const (
	Stdout Origin = "stdout"
	Stderr Origin = "stderr"
)

// Message is one line of worker output.
type Message struct {
	Text   string
	Origin Origin
}

// deadliner is implemented by *os.File pipes and net.Conn.
type deadliner interface {
	SetReadDeadline(t time.Time) error
}

// Forwarder drains one stream on its own goroutine and emits a Message for
// every non-empty line, in order.
type Forwarder struct {
	r      io.ReadCloser
	origin Origin
	emit   func(Message)
	drain  time.Duration

	started   atomic.Bool
	stopOnce  sync.Once
	closeOnce sync.Once
	done      chan struct{}
}

// New creates a Forwarder for r. emit is called from the forwarder's
// goroutine; it must not block for long.
func New(r io.ReadCloser, origin Origin, emit func(Message)) *Forwarder {
	return &Forwarder{
		r:      r,
		origin: origin,
		emit:   emit,
		drain:  protocol.DefaultDrainWindow,
		done:   make(chan struct{}),
	}
}

// SetDrainWindow sets how long Stop keeps reading output that is already
// buffered in the stream. Call before Start.
func (f *Forwarder) SetDrainWindow(d time.Duration) {
	if d > 0 {
		f.drain = d
	}
}

// Start launches the read loop. Subsequent calls are no-ops.
func (f *Forwarder) Start() {
	if !f.started.CompareAndSwap(false, true) {
		return
	}
	go f.loop()
}

// Done is closed when the read loop has exited.
func (f *Forwarder) Done() <-chan struct{} { return f.done }

// Stop asks the loop to finish and blocks until it has. Lines already
// written to the stream are still emitted. Stop is idempotent and safe to
// call on a forwarder that was never started.
func (f *Forwarder) Stop() {
	f.stopOnce.Do(func() {
		if f.started.CompareAndSwap(false, true) {
			// Never started; keep a later Start from launching the loop.
			f.closeReader()
			close(f.done)
			return
		}
		if d, ok := f.r.(deadliner); ok && d.SetReadDeadline(time.Now().Add(f.drain)) == nil {
			<-f.done
			f.closeReader()
			return
		}
		// No deadline support: give the loop the drain window, then unblock
		// it by closing the stream.
		select {
		case <-f.done:
		case <-time.After(f.drain):
		}
		f.closeReader()
		<-f.done
	})
}

func (f *Forwarder) closeReader() {
	f.closeOnce.Do(func() { _ = f.r.Close() })
}

func (f *Forwarder) loop() {
	defer close(f.done)

	br := bufio.NewReader(f.r)
	for {
		line, err := br.ReadString('\n')
		// On EOF, a closed pipe or an expired drain deadline, a partial
		// trailing line is still output.
		f.send(line)
		if err != nil {
			return
		}
	}
}

func (f *Forwarder) send(line string) {
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return
	}
	f.emit(Message{Text: line, Origin: f.origin})
}

// Package channel implements the framed task channel between controller and
// worker. A frame is a 4-byte big-endian length, one kind byte and a
// codec-encoded body. Exactly one task travels out and at most one result
// travels back on a channel's lifetime.
package channel

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"taskrun/pkg/codec"
	"taskrun/pkg/protocol"
)

const headerSize = 4

// Frame is one decoded unit from the wire.
type Frame struct {
	Kind protocol.Kind
	Body []byte
}

// Channel wraps an authenticated connection. Writes are serialized, so an
// abort may be sent while another goroutine is blocked in Recv. Recv itself
// must be called from one goroutine at a time.
type Channel struct {
	conn  net.Conn
	codec codec.Codec
	r     *bufio.Reader

	wmu        sync.Mutex
	taskSent   atomic.Bool
	resultSent atomic.Bool

	// Inbound counters, touched only by the reading goroutine.
	gotTask   bool
	gotResult bool

	closeOnce sync.Once
	closeErr  error
}

// New wraps conn. The codec must match the peer's.
func New(conn net.Conn, c codec.Codec) *Channel {
	return &Channel{
		conn:  conn,
		codec: c,
		r:     bufio.NewReader(conn),
	}
}

// SendTask writes the task payload. It may succeed only once per channel;
// later calls return protocol.ErrTaskAlreadySent without writing.
func (ch *Channel) SendTask(v any) error {
	if !ch.taskSent.CompareAndSwap(false, true) {
		return protocol.ErrTaskAlreadySent
	}
	return ch.sendValue(protocol.KindTask, v)
}

// SendResult writes the result payload. Only one result may be sent.
func (ch *Channel) SendResult(v any) error {
	if !ch.resultSent.CompareAndSwap(false, true) {
		return &protocol.FrameError{Reason: "result already sent"}
	}
	return ch.sendValue(protocol.KindResult, v)
}

// SendNone writes the "no result" marker, which is also the closing echo.
func (ch *Channel) SendNone() error {
	return ch.writeFrame(protocol.KindNone, nil)
}

// SendAck echoes the peer's closing frame, completing the closing handshake.
func (ch *Channel) SendAck() error { return ch.SendNone() }

// SendAbort writes the cooperative abort sentinel.
func (ch *Channel) SendAbort() error {
	return ch.sendValue(protocol.KindAbort, protocol.AbortSentinel)
}

func (ch *Channel) sendValue(kind protocol.Kind, v any) error {
	body, err := ch.codec.Marshal(v)
	if err != nil {
		return &protocol.FrameError{Reason: fmt.Sprintf("encode %s payload: %v", kind, err)}
	}
	return ch.writeFrame(kind, body)
}

func (ch *Channel) writeFrame(kind protocol.Kind, body []byte) error {
	size := 1 + len(body)
	if size > protocol.MaxFrameSize {
		return &protocol.FrameError{Reason: fmt.Sprintf("%s frame of %d bytes exceeds limit", kind, size)}
	}
	buf := make([]byte, headerSize+size)
	binary.BigEndian.PutUint32(buf, uint32(size)) //nolint:gosec // bounded by MaxFrameSize
	buf[headerSize] = byte(kind)
	copy(buf[headerSize+1:], body)

	ch.wmu.Lock()
	defer ch.wmu.Unlock()
	if _, err := ch.conn.Write(buf); err != nil {
		return fmt.Errorf("write %s frame: %w", kind, err)
	}
	return nil
}

// Recv reads the next frame. A clean end of stream before any header byte
// returns io.EOF; truncation returns io.ErrUnexpectedEOF. Unknown kinds,
// oversized frames, a second task or result, and abort frames without the
// sentinel body are *protocol.FrameError.
func (ch *Channel) Recv() (Frame, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(ch.r, hdr[:]); err != nil {
		return Frame{}, err
	}
	size := binary.BigEndian.Uint32(hdr[:])
	if size == 0 || size > protocol.MaxFrameSize {
		return Frame{}, &protocol.FrameError{Reason: fmt.Sprintf("frame size %d out of range", size)}
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(ch.r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return Frame{}, err
	}

	f := Frame{Kind: protocol.Kind(payload[0]), Body: payload[1:]}
	if err := ch.check(f); err != nil {
		return Frame{}, err
	}
	return f, nil
}

func (ch *Channel) check(f Frame) error {
	if !f.Kind.Valid() {
		return &protocol.FrameError{Reason: fmt.Sprintf("unknown frame %s", f.Kind)}
	}
	switch f.Kind {
	case protocol.KindTask:
		if ch.gotTask {
			return &protocol.FrameError{Reason: "second task payload"}
		}
		ch.gotTask = true
	case protocol.KindResult:
		if ch.gotResult {
			return &protocol.FrameError{Reason: "second result payload"}
		}
		ch.gotResult = true
	case protocol.KindNone:
		if len(f.Body) != 0 {
			return &protocol.FrameError{Reason: "none frame with a body"}
		}
	case protocol.KindAbort:
		var s string
		if err := ch.codec.Unmarshal(f.Body, &s); err != nil || s != protocol.AbortSentinel {
			return &protocol.FrameError{Reason: "abort frame without sentinel"}
		}
	}
	return nil
}

// Decode unmarshals a frame body into v.
func (ch *Channel) Decode(f Frame, v any) error {
	if err := ch.codec.Unmarshal(f.Body, v); err != nil {
		return &protocol.FrameError{Reason: fmt.Sprintf("decode %s payload: %v", f.Kind, err)}
	}
	return nil
}

// Close closes the connection. It is idempotent.
func (ch *Channel) Close() error {
	ch.closeOnce.Do(func() {
		if err := ch.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			ch.closeErr = fmt.Errorf("close channel: %w", err)
		}
	})
	return ch.closeErr
}

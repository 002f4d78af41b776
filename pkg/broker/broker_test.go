package broker_test

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"taskrun/pkg/broker"
	"taskrun/pkg/protocol"
)

// freePort returns a loopback port that was free a moment ago.
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()
	return port
}

func openBroker(t *testing.T, port int, aborted broker.AbortFunc) *broker.Broker {
	t.Helper()
	b, err := broker.Open(context.Background(), port, aborted, broker.Options{
		PollInterval:     20 * time.Millisecond,
		HandshakeTimeout: time.Second,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

type acceptResult struct {
	conn net.Conn
	err  error
}

func acceptAsync(b *broker.Broker, aborted broker.AbortFunc) <-chan acceptResult {
	ch := make(chan acceptResult, 1)
	go func() {
		c, err := b.Accept(context.Background(), aborted)
		ch <- acceptResult{c, err}
	}()
	return ch
}

// TestOpen_SkipsOccupiedPort binds P elsewhere and expects the broker to
// land on some port above P.
func TestOpen_SkipsOccupiedPort(t *testing.T) {
	occupied, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = occupied.Close() })
	p := occupied.Addr().(*net.TCPAddr).Port

	b := openBroker(t, p, nil)
	if b.Port() <= p {
		t.Fatalf("expected port > %d, got %d", p, b.Port())
	}
}

func TestOpen_AbortedBeforeBind(t *testing.T) {
	_, err := broker.Open(context.Background(), freePort(t), func() bool { return true }, broker.Options{})
	if !errors.Is(err, protocol.ErrAborted) {
		t.Fatalf("expected ErrAborted, got %v", err)
	}
}

func TestOpen_ExhaustedAttempts(t *testing.T) {
	occupied, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = occupied.Close() })
	p := occupied.Addr().(*net.TCPAddr).Port

	_, err = broker.Open(context.Background(), p, nil, broker.Options{MaxAttempts: 1})
	var bindErr *protocol.BindError
	if !errors.As(err, &bindErr) {
		t.Fatalf("expected BindError, got %v", err)
	}
}

func TestAccept_RejectsWrongTokenThenAcceptsRightOne(t *testing.T) {
	b := openBroker(t, freePort(t), nil)
	results := acceptAsync(b, nil)

	wrong, err := broker.NewToken()
	if err != nil {
		t.Fatalf("NewToken: %v", err)
	}
	_, err = broker.Dial(context.Background(), b.Port(), wrong, time.Second)
	var authErr *protocol.AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected AuthError for wrong token, got %v", err)
	}

	select {
	case r := <-results:
		t.Fatalf("Accept returned after a wrong token: conn=%v err=%v", r.conn, r.err)
	case <-time.After(100 * time.Millisecond):
	}

	client, err := broker.Dial(context.Background(), b.Port(), b.Token(), time.Second)
	if err != nil {
		t.Fatalf("Dial with right token: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	var r acceptResult
	select {
	case r = <-results:
	case <-time.After(3 * time.Second):
		t.Fatal("Accept did not return for the authenticated peer")
	}
	if r.err != nil {
		t.Fatalf("Accept: %v", r.err)
	}
	t.Cleanup(func() { _ = r.conn.Close() })

	if _, err := client.Write([]byte("x")); err != nil {
		t.Fatalf("client write: %v", err)
	}
	buf := make([]byte, 1)
	_ = r.conn.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := r.conn.Read(buf); err != nil || buf[0] != 'x' {
		t.Fatalf("accepted conn is not the authenticated peer: %v %q", err, buf)
	}
}

func TestAccept_ClosesListenerAfterwards(t *testing.T) {
	b := openBroker(t, freePort(t), nil)
	results := acceptAsync(b, nil)

	client, err := broker.Dial(context.Background(), b.Port(), b.Token(), time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	r := <-results
	if r.err != nil {
		t.Fatalf("Accept: %v", r.err)
	}
	t.Cleanup(func() { _ = r.conn.Close() })

	if _, err := broker.Dial(context.Background(), b.Port(), b.Token(), 200*time.Millisecond); err == nil {
		t.Fatal("expected second dial to fail after the listener closed")
	}
}

func TestAccept_AbortFlag(t *testing.T) {
	var aborted atomic.Bool
	flag := func() bool { return aborted.Load() }
	b := openBroker(t, freePort(t), flag)
	results := acceptAsync(b, flag)

	time.Sleep(50 * time.Millisecond)
	aborted.Store(true)

	select {
	case r := <-results:
		if !errors.Is(r.err, protocol.ErrAborted) {
			t.Fatalf("expected ErrAborted, got %v", r.err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Accept did not observe the abort flag")
	}
}

func TestAccept_ExternallyClosedListenerIsAbort(t *testing.T) {
	b := openBroker(t, freePort(t), nil)
	results := acceptAsync(b, nil)

	time.Sleep(50 * time.Millisecond)
	_ = b.Close()

	select {
	case r := <-results:
		if !errors.Is(r.err, protocol.ErrAborted) {
			t.Fatalf("expected ErrAborted, got %v", r.err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Accept did not return after Close")
	}
}

func TestAccept_SilentPeerDoesNotBlockLegitimateOne(t *testing.T) {
	b := openBroker(t, freePort(t), nil)
	results := acceptAsync(b, nil)

	// A rogue connection that never speaks.
	rogue, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", b.Port()))
	if err != nil {
		t.Fatalf("rogue dial: %v", err)
	}
	t.Cleanup(func() { _ = rogue.Close() })

	client, err := broker.Dial(context.Background(), b.Port(), b.Token(), time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	select {
	case r := <-results:
		if r.err != nil {
			t.Fatalf("Accept: %v", r.err)
		}
		_ = r.conn.Close()
	case <-time.After(3 * time.Second):
		t.Fatal("silent peer blocked the legitimate worker")
	}
}

func TestToken_NeverPrintsSecret(t *testing.T) {
	tok, err := broker.NewToken()
	if err != nil {
		t.Fatalf("NewToken: %v", err)
	}
	secret := strings.TrimSpace(string(tok.Line()))
	if len(secret) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(secret))
	}
	for _, s := range []string{fmt.Sprint(tok), fmt.Sprintf("%v %s %+v %#v", tok, tok, tok, tok)} {
		if strings.Contains(s, secret) {
			t.Fatalf("token secret leaked through formatting: %q", s)
		}
	}
}

func TestToken_ParseRoundTripAndWipe(t *testing.T) {
	tok, err := broker.NewToken()
	if err != nil {
		t.Fatalf("NewToken: %v", err)
	}
	parsed, err := broker.ParseToken(string(tok.Line()))
	if err != nil {
		t.Fatalf("ParseToken: %v", err)
	}
	if string(parsed.Line()) != string(tok.Line()) {
		t.Fatal("parsed token differs from original")
	}
	parsed.Wipe()
	if !parsed.Empty() {
		t.Fatal("expected wiped token to be empty")
	}
	if _, err := broker.ParseToken("\n"); err == nil {
		t.Fatal("expected error for empty token line")
	}
}

func TestDial_WipedTokenIsRejected(t *testing.T) {
	b := openBroker(t, freePort(t), nil)
	results := acceptAsync(b, nil)

	tok, _ := broker.ParseToken(string(b.Token().Line()))
	tok.Wipe()
	if _, err := broker.Dial(context.Background(), b.Port(), tok, time.Second); err == nil {
		t.Fatal("expected wiped token to fail authentication")
	}
	_ = b.Close()
	<-results
}

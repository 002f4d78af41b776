package broker

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"net"
	"time"

	"taskrun/pkg/protocol"
)

// Mutual challenge/response. Each side sends a random challenge and checks
// the peer's HMAC of it, then reports the verdict with one status byte.
const (
	challengeSize = 32
	digestSize    = sha256.Size

	statusReject byte = 0
	statusAccept byte = 1
)

// serverHandshake authenticates an inbound worker connection.
func serverHandshake(conn net.Conn, token Token, timeout time.Duration) error {
	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return fmt.Errorf("set handshake deadline: %w", err)
	}

	if err := challenge(conn, token); err != nil {
		return err
	}
	if err := respond(conn, token); err != nil {
		return err
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		return fmt.Errorf("clear handshake deadline: %w", err)
	}
	return nil
}

// clientHandshake authenticates to the broker. The order mirrors
// serverHandshake.
func clientHandshake(conn net.Conn, token Token, timeout time.Duration) error {
	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return fmt.Errorf("set handshake deadline: %w", err)
	}

	if err := respond(conn, token); err != nil {
		return err
	}
	if err := challenge(conn, token); err != nil {
		return err
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		return fmt.Errorf("clear handshake deadline: %w", err)
	}
	return nil
}

// challenge sends a nonce, verifies the peer's digest and sends the verdict.
func challenge(conn net.Conn, token Token) error {
	nonce := make([]byte, challengeSize)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("generate challenge: %w", err)
	}
	if _, err := conn.Write(nonce); err != nil {
		return fmt.Errorf("send challenge: %w", err)
	}

	digest := make([]byte, digestSize)
	if _, err := io.ReadFull(conn, digest); err != nil {
		return fmt.Errorf("read challenge response: %w", err)
	}

	if !token.verify(nonce, digest) {
		_, _ = conn.Write([]byte{statusReject})
		return &protocol.AuthError{Reason: "peer presented a wrong token"}
	}
	if _, err := conn.Write([]byte{statusAccept}); err != nil {
		return fmt.Errorf("send verdict: %w", err)
	}
	return nil
}

// respond answers the peer's nonce and reads its verdict.
func respond(conn net.Conn, token Token) error {
	nonce := make([]byte, challengeSize)
	if _, err := io.ReadFull(conn, nonce); err != nil {
		return fmt.Errorf("read challenge: %w", err)
	}
	if _, err := conn.Write(token.sign(nonce)); err != nil {
		return fmt.Errorf("send challenge response: %w", err)
	}

	verdict := make([]byte, 1)
	if _, err := io.ReadFull(conn, verdict); err != nil {
		return &protocol.AuthError{Reason: fmt.Sprintf("no verdict from peer: %v", err)}
	}
	if verdict[0] != statusAccept {
		return &protocol.AuthError{Reason: "peer rejected our token"}
	}
	return nil
}

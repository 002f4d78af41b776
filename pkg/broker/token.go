package broker

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

const tokenBytes = 32

// redacted is what a Token prints as.
const redacted = "[REDACTED]"

// Token is the single-use secret a worker must prove it holds before its
// connection is accepted. It never prints its value.
type Token struct {
	secret []byte
}

// NewToken returns a fresh random token.
func NewToken() (Token, error) {
	raw := make([]byte, tokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return Token{}, fmt.Errorf("generate auth token: %w", err)
	}
	secret := make([]byte, hex.EncodedLen(len(raw)))
	hex.Encode(secret, raw)
	return Token{secret: secret}, nil
}

// ParseToken reads a token line as written to a worker's stdin.
func ParseToken(line string) (Token, error) {
	s := strings.TrimRight(line, "\r\n")
	if s == "" {
		return Token{}, fmt.Errorf("empty auth token")
	}
	return Token{secret: []byte(s)}, nil
}

// Line returns the token followed by a newline, for the worker's stdin.
func (t Token) Line() []byte {
	out := make([]byte, 0, len(t.secret)+1)
	out = append(out, t.secret...)
	return append(out, '\n')
}

// Empty reports whether t holds no secret.
func (t Token) Empty() bool { return len(t.secret) == 0 }

// Wipe zeroes the secret. A wiped token authenticates nothing.
func (t *Token) Wipe() {
	for i := range t.secret {
		t.secret[i] = 0
	}
	t.secret = nil
}

func (t Token) String() string   { return redacted }
func (t Token) GoString() string { return redacted }

// sign returns HMAC-SHA256(secret, challenge).
func (t Token) sign(challenge []byte) []byte {
	mac := hmac.New(sha256.New, t.secret)
	mac.Write(challenge)
	return mac.Sum(nil)
}

func (t Token) verify(challenge, digest []byte) bool {
	if t.Empty() {
		return false
	}
	return hmac.Equal(t.sign(challenge), digest)
}

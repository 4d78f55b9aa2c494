package crypto

import (
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
)

// Role tags the nonce prefix so the two directions of a session never collide.
type Role uint32

const (
	RoleInitiator Role = 0
	RoleAcceptor  Role = 1
)

var (
	// ErrNonceExhausted indicates the 64-bit send counter wrapped.
	ErrNonceExhausted = errors.New("crypto: nonce counter exhausted")
	// ErrOpenFailed indicates AEAD authentication failed.
	ErrOpenFailed = errors.New("crypto: ciphertext authentication failed")
)

// SessionCipher seals and opens chat payloads with ChaCha20-Poly1305.
//
// Nonces are 4-byte role tag || 8-byte monotonic counter, both big-endian.
// The counter is incremented before use, so a given nonce is never reused
// within a session.
type SessionCipher struct {
	aead cipher.AEAD
	role Role

	mu      sync.Mutex
	counter uint64
}

// NewSessionCipher builds a cipher from a 32-byte session key.
func NewSessionCipher(sessionKey []byte, role Role) (*SessionCipher, error) {
	aead, err := chacha20poly1305.New(sessionKey)
	if err != nil {
		return nil, fmt.Errorf("create ChaCha20-Poly1305: %w", err)
	}
	return &SessionCipher{aead: aead, role: role}, nil
}

// Seal encrypts plaintext under a fresh nonce and returns both.
func (c *SessionCipher) Seal(plaintext []byte) (nonce [12]byte, sealed []byte, err error) {
	c.mu.Lock()
	if c.counter == ^uint64(0) {
		c.mu.Unlock()
		return nonce, nil, ErrNonceExhausted
	}
	c.counter++
	counter := c.counter
	c.mu.Unlock()

	binary.BigEndian.PutUint32(nonce[:4], uint32(c.role))
	binary.BigEndian.PutUint64(nonce[4:], counter)

	sealed = c.aead.Seal(nil, nonce[:], plaintext, nil)
	return nonce, sealed, nil
}

// Open decrypts a sealed payload under the peer's nonce.
func (c *SessionCipher) Open(nonce [12]byte, sealed []byte) ([]byte, error) {
	plaintext, err := c.aead.Open(nil, nonce[:], sealed, nil)
	if err != nil {
		return nil, ErrOpenFailed
	}
	return plaintext, nil
}

// Counter reports the number of nonces consumed so far.
func (c *SessionCipher) Counter() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counter
}

// ReplayGuard tracks the peer's nonce counter and rejects duplicates.
// A repeated or rewound counter means nonce reuse on the sender side, which
// tears the session down.
type ReplayGuard struct {
	mu       sync.Mutex
	expected Role
	lastSeen uint64
	seenAny  bool
}

// ErrNonceReplay indicates a duplicate or non-monotonic peer nonce.
var ErrNonceReplay = errors.New("crypto: duplicate nonce detected")

// NewReplayGuard builds a guard for nonces tagged with the peer's role.
func NewReplayGuard(peerRole Role) *ReplayGuard {
	return &ReplayGuard{expected: peerRole}
}

// Check validates one incoming nonce.
func (g *ReplayGuard) Check(nonce [12]byte) error {
	role := binary.BigEndian.Uint32(nonce[:4])
	counter := binary.BigEndian.Uint64(nonce[4:])

	g.mu.Lock()
	defer g.mu.Unlock()

	if Role(role) != g.expected {
		return ErrNonceReplay
	}
	if g.seenAny && counter <= g.lastSeen {
		return ErrNonceReplay
	}
	g.lastSeen = counter
	g.seenAny = true
	return nil
}

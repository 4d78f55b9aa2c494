// Package crypto implements the dezap key agreement and the authenticated
// chat cipher layered on top of the QUIC/TLS transport.
package crypto

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// sessionKeyLabel is the HKDF domain-separation label for chat keys.
const sessionKeyLabel = "dezap-chat-v1"

var x25519Curve = ecdh.X25519()

// GenerateEphemeralKeyPair creates a fresh X25519 key pair for one session.
func GenerateEphemeralKeyPair() (*ecdh.PrivateKey, [32]byte, error) {
	privateKey, err := x25519Curve.GenerateKey(rand.Reader)
	if err != nil {
		return nil, [32]byte{}, fmt.Errorf("generate X25519 key pair: %w", err)
	}

	var publicKey [32]byte
	copy(publicKey[:], privateKey.PublicKey().Bytes())
	return privateKey, publicKey, nil
}

// DeriveSessionKey computes the shared X25519 secret against the remote public
// key and expands it into a 32-byte AEAD key under the dezap chat label.
func DeriveSessionKey(localPrivate *ecdh.PrivateKey, remotePublic [32]byte) ([]byte, error) {
	remoteKey, err := x25519Curve.NewPublicKey(remotePublic[:])
	if err != nil {
		return nil, fmt.Errorf("parse remote X25519 public key: %w", err)
	}

	sharedSecret, err := localPrivate.ECDH(remoteKey)
	if err != nil {
		return nil, fmt.Errorf("compute X25519 shared secret: %w", err)
	}

	expand := hkdf.New(sha256.New, sharedSecret, nil, []byte(sessionKeyLabel))
	sessionKey := make([]byte, 32)
	if _, err := io.ReadFull(expand, sessionKey); err != nil {
		return nil, fmt.Errorf("expand session key: %w", err)
	}

	return sessionKey, nil
}

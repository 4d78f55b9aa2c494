package crypto

import (
	"bytes"
	"crypto/rand"
	"errors"
	"testing"
)

func TestSessionKeyDerivationMatchesAcrossPeers(t *testing.T) {
	alicePrivate, alicePublic, err := GenerateEphemeralKeyPair()
	if err != nil {
		t.Fatalf("generate alice key pair: %v", err)
	}
	bobPrivate, bobPublic, err := GenerateEphemeralKeyPair()
	if err != nil {
		t.Fatalf("generate bob key pair: %v", err)
	}

	aliceKey, err := DeriveSessionKey(alicePrivate, bobPublic)
	if err != nil {
		t.Fatalf("derive alice session key: %v", err)
	}
	bobKey, err := DeriveSessionKey(bobPrivate, alicePublic)
	if err != nil {
		t.Fatalf("derive bob session key: %v", err)
	}

	if len(aliceKey) != 32 {
		t.Fatalf("expected 32-byte session key, got %d", len(aliceKey))
	}
	if !bytes.Equal(aliceKey, bobKey) {
		t.Fatalf("expected matching session keys")
	}
}

func TestSealOpenRoundTrip(t *testing.T) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("generate key: %v", err)
	}

	sender, err := NewSessionCipher(key, RoleInitiator)
	if err != nil {
		t.Fatalf("NewSessionCipher failed: %v", err)
	}
	receiver, err := NewSessionCipher(key, RoleAcceptor)
	if err != nil {
		t.Fatalf("NewSessionCipher failed: %v", err)
	}

	plaintext := []byte("hello over the wire")
	nonce1, sealed1, err := sender.Seal(plaintext)
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	nonce2, sealed2, err := sender.Seal(plaintext)
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}

	if nonce1 == nonce2 {
		t.Fatalf("expected distinct nonces for consecutive seals")
	}
	if bytes.Equal(sealed1, sealed2) {
		t.Fatalf("expected distinct ciphertexts under distinct nonces")
	}

	for _, tc := range []struct {
		nonce  [12]byte
		sealed []byte
	}{{nonce1, sealed1}, {nonce2, sealed2}} {
		opened, err := receiver.Open(tc.nonce, tc.sealed)
		if err != nil {
			t.Fatalf("Open failed: %v", err)
		}
		if !bytes.Equal(opened, plaintext) {
			t.Fatalf("opened plaintext does not match original")
		}
	}
}

func TestOpenRejectsTamperedCiphertext(t *testing.T) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("generate key: %v", err)
	}
	cipher, err := NewSessionCipher(key, RoleInitiator)
	if err != nil {
		t.Fatalf("NewSessionCipher failed: %v", err)
	}

	nonce, sealed, err := cipher.Seal([]byte("payload"))
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	sealed[0] ^= 0x01

	if _, err := cipher.Open(nonce, sealed); !errors.Is(err, ErrOpenFailed) {
		t.Fatalf("expected ErrOpenFailed, got %v", err)
	}
}

func TestNonceCounterIsStrictlyMonotonic(t *testing.T) {
	key := make([]byte, 32)
	cipher, err := NewSessionCipher(key, RoleAcceptor)
	if err != nil {
		t.Fatalf("NewSessionCipher failed: %v", err)
	}

	seen := make(map[[12]byte]bool)
	var last uint64
	for i := 0; i < 1000; i++ {
		nonce, _, err := cipher.Seal([]byte("x"))
		if err != nil {
			t.Fatalf("Seal failed: %v", err)
		}
		if seen[nonce] {
			t.Fatalf("nonce repeated at iteration %d", i)
		}
		seen[nonce] = true

		counter := cipher.Counter()
		if counter <= last && i > 0 {
			t.Fatalf("counter not strictly increasing: %d after %d", counter, last)
		}
		last = counter
	}
}

func TestReplayGuardRejectsDuplicateNonce(t *testing.T) {
	key := make([]byte, 32)
	sender, err := NewSessionCipher(key, RoleInitiator)
	if err != nil {
		t.Fatalf("NewSessionCipher failed: %v", err)
	}
	guard := NewReplayGuard(RoleInitiator)

	nonce, _, err := sender.Seal([]byte("x"))
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	if err := guard.Check(nonce); err != nil {
		t.Fatalf("first nonce should pass: %v", err)
	}
	if err := guard.Check(nonce); !errors.Is(err, ErrNonceReplay) {
		t.Fatalf("expected ErrNonceReplay for duplicate, got %v", err)
	}

	// Wrong role tag is also rejected.
	wrongRole := NewReplayGuard(RoleAcceptor)
	if err := wrongRole.Check(nonce); !errors.Is(err, ErrNonceReplay) {
		t.Fatalf("expected ErrNonceReplay for wrong role, got %v", err)
	}
}

func TestPasswordProofVerification(t *testing.T) {
	salt, err := NewChallengeSalt()
	if err != nil {
		t.Fatalf("NewChallengeSalt failed: %v", err)
	}
	if len(salt) != ChallengeSaltSize {
		t.Fatalf("expected %d-byte salt, got %d", ChallengeSaltSize, len(salt))
	}

	var pub [32]byte
	pub[0] = 7

	proof := PasswordProof("s3cret", salt, pub)
	if !VerifyPasswordProof("s3cret", salt, pub, proof) {
		t.Fatalf("expected valid proof to verify")
	}
	if VerifyPasswordProof("wrong", salt, pub, proof) {
		t.Fatalf("expected wrong password to fail")
	}

	var otherPub [32]byte
	otherPub[0] = 8
	if VerifyPasswordProof("s3cret", salt, otherPub, proof) {
		t.Fatalf("expected proof bound to public key")
	}
}

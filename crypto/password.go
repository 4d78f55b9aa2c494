package crypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
)

// ChallengeSaltSize is the password challenge salt length.
const ChallengeSaltSize = 16

// NewChallengeSalt returns a fresh random password challenge salt.
func NewChallengeSalt() ([]byte, error) {
	salt := make([]byte, ChallengeSaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate challenge salt: %w", err)
	}
	return salt, nil
}

// PasswordProof computes HMAC-SHA256(password, salt || initiatorPub), binding
// the proof to both the challenge and the initiator's ephemeral key.
func PasswordProof(password string, salt []byte, initiatorPub [32]byte) []byte {
	mac := hmac.New(sha256.New, []byte(password))
	mac.Write(salt)
	mac.Write(initiatorPub[:])
	return mac.Sum(nil)
}

// VerifyPasswordProof checks a Hello proof in constant time.
func VerifyPasswordProof(password string, salt []byte, initiatorPub [32]byte, proof []byte) bool {
	expected := PasswordProof(password, salt, initiatorPub)
	return hmac.Equal(expected, proof)
}

package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

const secretBytes = 32

var (
	dummyOnce sync.Once
	dummyHash []byte
)

// HashSecret hashes a client secret using bcrypt.
func HashSecret(secret string) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("secret is empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifySecret compares a plaintext secret with its stored hash.
func VerifySecret(hash, secret string) error {
	if hash == "" {
		return errors.New("secret hash is empty")
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret))
}

// burnComparison performs a comparison against a fixed hash so unknown client
// ids cost the same as wrong secrets.
func burnComparison(secret string) {
	dummyOnce.Do(func() {
		dummyHash, _ = bcrypt.GenerateFromPassword([]byte("facegate-unknown-client"), bcrypt.DefaultCost)
	})
	_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(secret))
}

func generateSecret() (string, error) {
	buf := make([]byte, secretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

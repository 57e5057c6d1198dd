// Package auth implements the optional password handshake of the API
// protocol and the encrypted framing used once it succeeds.
package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"

	"golang.org/x/crypto/pbkdf2"
)

const (
	GeneratedKeyLength = 16
	KeySize            = 32

	base62          = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"
	kdfIterations   = 100000
	kdfSalt         = "ehcid-key-v1"
	sessionKeyLabel = "ehcid-session-v1"
)

// ErrEmptyPassword is returned by DeriveKey for an empty password.
var ErrEmptyPassword = errors.New("auth: password cannot be empty")

// GenerateKey returns a random base62 password of GeneratedKeyLength
// characters. Bytes that would bias the alphabet are redrawn.
func GenerateKey() (string, error) {
	out := make([]byte, 0, GeneratedKeyLength)
	buf := make([]byte, GeneratedKeyLength)
	for len(out) < GeneratedKeyLength {
		if _, err := rand.Read(buf); err != nil {
			return "", err
		}
		for _, b := range buf {
			if int(b) >= 256-256%len(base62) {
				continue
			}
			out = append(out, base62[int(b)%len(base62)])
			if len(out) == GeneratedKeyLength {
				break
			}
		}
	}
	return string(out), nil
}

// DeriveKey stretches password into a KeySize key with PBKDF2-SHA256.
func DeriveKey(password string) ([]byte, error) {
	if password == "" {
		return nil, ErrEmptyPassword
	}
	return pbkdf2.Key([]byte(password), []byte(kdfSalt), kdfIterations, KeySize, sha256.New), nil
}

// DeriveSessionKey binds key to both handshake nonces.
func DeriveSessionKey(key, serverNonce, clientNonce []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(sessionKeyLabel))
	mac.Write(serverNonce)
	mac.Write(clientNonce)
	return mac.Sum(nil)
}

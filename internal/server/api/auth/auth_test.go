package auth_test

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sharpie7/tinyusb/internal/server/api/auth"
)

func TestGenKey(t *testing.T) {
	seen := map[string]bool{}
	for range 8 {
		key, err := auth.GenerateKey()
		assert.NoError(t, err)
		assert.Regexp(t, "^[0-9A-Za-z]{16}$", key)
		seen[key] = true
	}
	assert.Len(t, seen, 8)
}

func TestDeriveKey(t *testing.T) {
	tests := []struct {
		name        string
		password    string
		expectedKey []byte
		expectedErr error
	}{
		{
			name:        "normal password",
			password:    "password123",
			expectedKey: []byte{0x7c, 0x7b, 0x5e, 0x45, 0xe5, 0xb5, 0x30, 0x46, 0xb6, 0xb8, 0x87, 0x41, 0xbf, 0x50, 0x58, 0x22, 0x42, 0xe1, 0xf1, 0x22, 0x3f, 0xfc, 0x99, 0xab, 0x80, 0xd9, 0xb9, 0x00, 0xae, 0x03, 0x49, 0x95},
		},
		{
			name:        "single character",
			password:    "1",
			expectedKey: []byte{0x44, 0x0d, 0x33, 0x2f, 0x5d, 0x42, 0xb0, 0x4d, 0x6d, 0xf2, 0x75, 0x03, 0x99, 0x1b, 0x60, 0x33, 0x6c, 0x17, 0x33, 0xa6, 0xd5, 0x55, 0x42, 0x4c, 0x65, 0x2b, 0x89, 0x12, 0x5e, 0x77, 0xa0, 0x97},
		},
		{
			name:        "empty password",
			password:    "",
			expectedErr: auth.ErrEmptyPassword,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key, err := auth.DeriveKey(tt.password)
			if tt.expectedErr != nil {
				assert.ErrorIs(t, err, tt.expectedErr)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.expectedKey, key)
		})
	}
}

func TestDeriveSessionKey(t *testing.T) {
	key := make([]byte, 32)
	serverNonce := make([]byte, 32)
	clientNonce := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
		serverNonce[i] = byte(i + 10)
		clientNonce[i] = byte(i + 20)
	}

	sessionKey := auth.DeriveSessionKey(key, serverNonce, clientNonce)
	assert.Equal(t, "e9a7c70a13ca103d153ff7796b1431cf2822d3f3e5cb474d3a65b5db1d440ac5", hex.EncodeToString(sessionKey))

	clientNonce[0] = 99
	assert.NotEqual(t, sessionKey, auth.DeriveSessionKey(key, serverNonce, clientNonce))
}


package auth

import (
	"bufio"
	"bytes"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"

	"github.com/sharpie7/tinyusb/apitypes"
	apierror "github.com/sharpie7/tinyusb/internal/server/api/error"
)

// Handshake layout:
//
//	client: HandshakeMagic | client nonce | HMAC(key, label | client nonce)
//	server: "OK\x00" | server nonce
//
// A server that rejects the client writes a problem+json line instead of the
// acknowledgement and closes the connection.
const (
	HandshakeMagic = "eHC1\x00"
	NonceSize      = 32

	proofLabel = "ehcid-auth-v1"
)

var handshakeAck = []byte("OK\x00")

func proof(key, clientNonce []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(proofLabel))
	mac.Write(clientNonce)
	return mac.Sum(nil)
}

func newNonce() ([]byte, error) {
	n := make([]byte, NonceSize)
	if _, err := rand.Read(n); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return n, nil
}

// IsAuthHandshake reports whether the buffered stream starts with the
// handshake magic. Nothing is consumed.
func IsAuthHandshake(r *bufio.Reader) (bool, error) {
	b, err := r.Peek(len(HandshakeMagic))
	if err != nil {
		return false, err
	}
	return string(b) == HandshakeMagic, nil
}

// ClientHandshake authenticates against a server and returns the session key.
// A rejection from the server is returned as apitypes.ApiError.
func ClientHandshake(r io.Reader, w io.Writer, key []byte) ([]byte, error) {
	if len(key) == 0 {
		return nil, fmt.Errorf("handshake: missing key")
	}
	clientNonce, err := newNonce()
	if err != nil {
		return nil, err
	}
	msg := make([]byte, 0, len(HandshakeMagic)+NonceSize+sha256.Size)
	msg = append(msg, HandshakeMagic...)
	msg = append(msg, clientNonce...)
	msg = append(msg, proof(key, clientNonce)...)
	if _, err := w.Write(msg); err != nil {
		return nil, fmt.Errorf("write handshake: %w", err)
	}

	ack := make([]byte, len(handshakeAck))
	if _, err := io.ReadFull(r, ack); err != nil {
		return nil, fmt.Errorf("read handshake response: %w", err)
	}
	if !bytes.Equal(ack, handshakeAck) {
		rest, _ := io.ReadAll(r)
		line := bytes.TrimSuffix(append(ack, rest...), []byte("\n"))
		var apiErr apitypes.ApiError
		if err := json.Unmarshal(line, &apiErr); err == nil && (apiErr.Status != 0 || apiErr.Title != "") {
			return nil, apiErr
		}
		return nil, fmt.Errorf("invalid handshake response from server: %q", line)
	}

	serverNonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(r, serverNonce); err != nil {
		return nil, fmt.Errorf("read server nonce: %w", err)
	}
	return DeriveSessionKey(key, serverNonce, clientNonce), nil
}

// ServerHandshake verifies a client's proof and returns the session key. It
// expects the magic to still be unread. A wrong password yields a 401
// apitypes.ApiError, which the caller reports to the client.
func ServerHandshake(r io.Reader, w io.Writer, key []byte) ([]byte, error) {
	if len(key) == 0 {
		return nil, fmt.Errorf("handshake: missing key")
	}
	hdr := make([]byte, len(HandshakeMagic)+NonceSize+sha256.Size)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, fmt.Errorf("read handshake: %w", err)
	}
	if string(hdr[:len(HandshakeMagic)]) != HandshakeMagic {
		return nil, apierror.ErrUnauthorized("authentication required")
	}
	clientNonce := hdr[len(HandshakeMagic) : len(HandshakeMagic)+NonceSize]
	clientProof := hdr[len(HandshakeMagic)+NonceSize:]
	if !hmac.Equal(clientProof, proof(key, clientNonce)) {
		return nil, apierror.ErrUnauthorized("invalid password")
	}

	serverNonce, err := newNonce()
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(append(append([]byte{}, handshakeAck...), serverNonce...)); err != nil {
		return nil, fmt.Errorf("write handshake response: %w", err)
	}
	return DeriveSessionKey(key, serverNonce, clientNonce), nil
}

package auth

import (
	"bytes"
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
)

// Role selects the nonce space a Conn seals with. The two directions of a
// session never share a nonce.
type Role uint32

const (
	RoleClient Role = iota
	RoleServer
)

// Frame: u32 length (big endian) | u64 sequence | ciphertext. The AEAD nonce
// is the sender's role followed by the sequence number.
const (
	maxFrameSize = 2 * 1024 * 1024
	seqSize      = 8
)

// ErrOutOfSequence is returned when a frame arrives with an unexpected
// sequence number.
var ErrOutOfSequence = errors.New("auth: frame out of sequence")

// Conn seals every Write into one frame and opens frames on Read.
type Conn struct {
	net.Conn
	src  io.Reader
	aead cipher.AEAD
	role Role

	wmu     sync.Mutex
	sendSeq uint64

	rmu     sync.Mutex
	recvSeq uint64
	recvBuf bytes.Buffer
}

// WrapConn returns an encrypted view of conn. Frames are read from src,
// which lets a caller hand over a buffered reader that already consumed the
// handshake; nil reads straight from conn.
func WrapConn(conn net.Conn, src io.Reader, sessionKey []byte, role Role) (*Conn, error) {
	aead, err := chacha20poly1305.New(sessionKey)
	if err != nil {
		return nil, err
	}
	if src == nil {
		src = conn
	}
	return &Conn{Conn: conn, src: src, aead: aead, role: role}, nil
}

func nonceFor(role Role, seq uint64) []byte {
	n := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint32(n[:4], uint32(role))
	binary.BigEndian.PutUint64(n[4:], seq)
	return n
}

func (c *Conn) peer() Role {
	if c.role == RoleClient {
		return RoleServer
	}
	return RoleClient
}

func (c *Conn) Write(p []byte) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	seq := c.sendSeq
	c.sendSeq++
	frame := make([]byte, 4+seqSize, 4+seqSize+len(p)+c.aead.Overhead())
	binary.BigEndian.PutUint64(frame[4:], seq)
	frame = c.aead.Seal(frame, nonceFor(c.role, seq), p, nil)
	binary.BigEndian.PutUint32(frame[:4], uint32(len(frame)-4))

	if _, err := c.Conn.Write(frame); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *Conn) Read(p []byte) (int, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()

	for c.recvBuf.Len() == 0 {
		var hdr [4]byte
		if _, err := io.ReadFull(c.src, hdr[:]); err != nil {
			return 0, err
		}
		length := binary.BigEndian.Uint32(hdr[:])
		if length > maxFrameSize || length < seqSize+uint32(c.aead.Overhead()) {
			return 0, io.ErrUnexpectedEOF
		}
		frame := make([]byte, length)
		if _, err := io.ReadFull(c.src, frame); err != nil {
			return 0, err
		}
		seq := binary.BigEndian.Uint64(frame[:seqSize])
		if seq != c.recvSeq {
			return 0, ErrOutOfSequence
		}
		pt, err := c.aead.Open(nil, nonceFor(c.peer(), seq), frame[seqSize:], nil)
		if err != nil {
			return 0, err
		}
		c.recvSeq++
		c.recvBuf.Write(pt)
	}
	return c.recvBuf.Read(p)
}

package apiclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/sharpie7/tinyusb/internal/server/api/auth"
	apierror "github.com/sharpie7/tinyusb/internal/server/api/error"
)

// Config holds the transport timeouts and the API password. An empty
// password skips the handshake.
type Config struct {
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Password     string
}

func defaultConfig() Config {
	return Config{
		DialTimeout:  3 * time.Second,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
}

// Transport speaks the ehcid line protocol, one request per connection:
//
//	request:  path [SP payload] NUL
//	response: one line, then the server closes
//
// With a password the connection is authenticated first and everything
// after the handshake travels in sealed frames.
type Transport struct {
	addr string
	mock func(path string, payload any, pathParams map[string]string) (string, error)
	cfg  Config
}

func NewTransport(addr string) *Transport { return NewTransportWithConfig(addr, nil) }

func NewTransportWithPassword(addr, password string) *Transport {
	cfg := defaultConfig()
	cfg.Password = password
	return NewTransportWithConfig(addr, &cfg)
}

// NewTransportWithConfig uses cfg, or the defaults when cfg is nil.
func NewTransportWithConfig(addr string, cfg *Config) *Transport {
	c := defaultConfig()
	if cfg != nil {
		c = *cfg
	}
	return &Transport{addr: addr, cfg: c}
}

// NewMockTransport answers every request with responder instead of dialing.
func NewMockTransport(responder func(path string, payload any, pathParams map[string]string) (string, error)) *Transport {
	return &Transport{addr: "mock", mock: responder, cfg: defaultConfig()}
}

// Addr returns the server address the transport dials.
func (t *Transport) Addr() string { return t.addr }

// Do sends one request and returns the response line without its newline.
// A nil payload sends the bare path; []byte and string go out verbatim and
// anything else is JSON encoded.
func (t *Transport) Do(path string, payload any, pathParams map[string]string) (string, error) {
	return t.DoCtx(context.Background(), path, payload, pathParams)
}

// DoCtx is Do bounded by ctx. Cancelling ctx tears down the connection.
func (t *Transport) DoCtx(ctx context.Context, path string, payload any, pathParams map[string]string) (string, error) {
	if t.mock != nil {
		return t.mock(path, payload, pathParams)
	}
	req, err := encodeRequest(path, payload, pathParams)
	if err != nil {
		return "", err
	}
	conn, err := t.dial(ctx)
	if err != nil {
		return "", err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	rw, err := t.secure(conn)
	if err == nil {
		var line string
		line, err = t.exchange(rw, req)
		if err == nil {
			return line, nil
		}
	}
	if ctx.Err() != nil {
		return "", fmt.Errorf("%s: %w", path, ctx.Err())
	}
	return "", err
}

// encodeRequest builds the NUL terminated request. Pattern parameters are
// path-escaped and the path is lower-cased to match the router.
func encodeRequest(pattern string, payload any, params map[string]string) ([]byte, error) {
	path := pattern
	for k, v := range params {
		path = strings.ReplaceAll(path, "{"+k+"}", url.PathEscape(v))
	}
	body, err := encodePayload(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", pattern, err)
	}
	if bytes.IndexByte(body, 0) >= 0 {
		return nil, fmt.Errorf("%s payload contains a NUL byte", pattern)
	}
	req := []byte(strings.ToLower(path))
	if len(body) > 0 {
		req = append(append(req, ' '), body...)
	}
	return append(req, 0), nil
}

func encodePayload(v any) ([]byte, error) {
	switch p := v.(type) {
	case nil:
		return nil, nil
	case []byte:
		return p, nil
	case string:
		return []byte(p), nil
	}
	return json.Marshal(v)
}

func (t *Transport) dial(ctx context.Context) (net.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("dial %s: %w", t.addr, err)
	}
	d := net.Dialer{Timeout: t.cfg.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", t.addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", t.addr, err)
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}
	return conn, nil
}

// secure authenticates conn when a password is configured. A server that
// hangs up during the handshake is reported as a rejection.
func (t *Transport) secure(conn net.Conn) (net.Conn, error) {
	if t.cfg.Password == "" {
		return conn, nil
	}
	key, err := auth.DeriveKey(t.cfg.Password)
	if err != nil {
		return nil, err
	}
	if d := max(t.cfg.ReadTimeout, t.cfg.WriteTimeout); d > 0 {
		_ = conn.SetDeadline(time.Now().Add(d))
	}
	r := bufio.NewReader(conn)
	sessionKey, err := auth.ClientHandshake(r, conn, key)
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return nil, apierror.ErrUnauthorized("server closed the connection during the handshake")
	case err != nil:
		return nil, err
	}
	sc, err := auth.WrapConn(conn, r, sessionKey, auth.RoleClient)
	if err != nil {
		return nil, err
	}
	return sc, nil
}

// exchange writes req and reads until the server closes. A read error is
// tolerated once a complete line has arrived.
func (t *Transport) exchange(conn net.Conn, req []byte) (string, error) {
	if t.cfg.WriteTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout))
	}
	if _, err := conn.Write(req); err != nil {
		return "", fmt.Errorf("write request: %w", err)
	}
	if t.cfg.ReadTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(t.cfg.ReadTimeout))
	}
	resp, err := io.ReadAll(conn)
	if err != nil && !bytes.HasSuffix(resp, []byte("\n")) {
		return "", fmt.Errorf("read response: %w", err)
	}
	return strings.TrimSuffix(string(resp), "\n"), nil
}

package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sharpie7/tinyusb/apitypes"
	"github.com/sharpie7/tinyusb/usb"
)

// Client provides a high-level interface to the ehcid API, handling request
// formatting, response parsing, and error handling.
type Client struct{ transport *Transport }

// New constructs a high-level API client using the internal low-level Transport.
// The addr parameter specifies the TCP address (host:port) of the API server.
func New(addr string) *Client { return &Client{transport: NewTransport(addr)} }

// NewWithPassword constructs a client that authenticates with the given password.
func NewWithPassword(addr, password string) *Client {
	return &Client{transport: NewTransportWithPassword(addr, password)}
}

// NewWithConfig constructs a client with custom transport timeouts.
func NewWithConfig(addr string, cfg *Config) *Client {
	return &Client{transport: NewTransportWithConfig(addr, cfg)}
}

// WithTransport constructs a Client using a custom Transport implementation.
// This is primarily useful for testing or when advanced transport configuration is needed.
func WithTransport(t *Transport) *Client { return &Client{transport: t} }

// Ping returns the version and identity of the server.
func (c *Client) Ping() (*apitypes.PingResponse, error) {
	return c.PingCtx(context.Background())
}

// PingCtx is the context-aware version of Ping.
func (c *Client) PingCtx(ctx context.Context) (*apitypes.PingResponse, error) {
	return do[apitypes.PingResponse](ctx, c, "ping", nil, nil)
}

// ControllerInfo returns a snapshot of the host controller.
func (c *Client) ControllerInfo() (*apitypes.ControllerInfoResponse, error) {
	return c.ControllerInfoCtx(context.Background())
}

func (c *Client) ControllerInfoCtx(ctx context.Context) (*apitypes.ControllerInfoResponse, error) {
	return do[apitypes.ControllerInfoResponse](ctx, c, "controller/info", nil, nil)
}

// AsyncList returns the queue heads on the asynchronous list, anchor first.
func (c *Client) AsyncList() (*apitypes.AsyncListResponse, error) {
	return c.AsyncListCtx(context.Background())
}

func (c *Client) AsyncListCtx(ctx context.Context) (*apitypes.AsyncListResponse, error) {
	return do[apitypes.AsyncListResponse](ctx, c, "async/list", nil, nil)
}

// DevicesList returns the functions attached to the virtual bus.
func (c *Client) DevicesList() (*apitypes.DevicesListResponse, error) {
	return c.DevicesListCtx(context.Background())
}

func (c *Client) DevicesListCtx(ctx context.Context) (*apitypes.DevicesListResponse, error) {
	return do[apitypes.DevicesListResponse](ctx, c, "device/list", nil, nil)
}

// OpenControlPipe opens (or reopens) the control pipe of addr with the given
// endpoint 0 max packet size.
func (c *Client) OpenControlPipe(addr uint8, maxPacket uint16) (*apitypes.PipeResponse, error) {
	return c.OpenControlPipeCtx(context.Background(), addr, maxPacket)
}

func (c *Client) OpenControlPipeCtx(ctx context.Context, addr uint8, maxPacket uint16) (*apitypes.PipeResponse, error) {
	return do[apitypes.PipeResponse](ctx, c, "device/{addr}/control/open", fmt.Sprintf("%d", maxPacket), addrParam(addr))
}

// OpenPipe opens a bulk pipe for the endpoint described by ep.
func (c *Client) OpenPipe(addr uint8, ep usb.EndpointDescriptor) (*apitypes.PipeResponse, error) {
	return c.OpenPipeCtx(context.Background(), addr, ep)
}

func (c *Client) OpenPipeCtx(ctx context.Context, addr uint8, ep usb.EndpointDescriptor) (*apitypes.PipeResponse, error) {
	req := apitypes.PipeOpenRequest{
		EndpointAddress: ep.BEndpointAddress,
		Attributes:      ep.BMAttributes,
		MaxPacketSize:   ep.WMaxPacketSize,
		Interval:        ep.BInterval,
	}
	return do[apitypes.PipeResponse](ctx, c, "device/{addr}/pipe/open", req, addrParam(addr))
}

// ClosePipe closes the pipe with the given handle ("3:bulk0").
func (c *Client) ClosePipe(pipe string) (*apitypes.PipeCloseResponse, error) {
	return c.ClosePipeCtx(context.Background(), pipe)
}

func (c *Client) ClosePipeCtx(ctx context.Context, pipe string) (*apitypes.PipeCloseResponse, error) {
	return do[apitypes.PipeCloseResponse](ctx, c, "pipe/close", pipe, nil)
}

// ControlTransfer runs req on the control pipe of addr. For OUT requests data
// is the data stage and must be req.Length bytes long.
func (c *Client) ControlTransfer(addr uint8, req usb.ControlRequest, data []byte) (*apitypes.TransferResponse, error) {
	return c.ControlTransferCtx(context.Background(), addr, req, data)
}

func (c *Client) ControlTransferCtx(ctx context.Context, addr uint8, req usb.ControlRequest, data []byte) (*apitypes.TransferResponse, error) {
	body := apitypes.ControlTransferRequest{
		RequestType: req.RequestTypeByte(),
		Request:     req.Request,
		Value:       req.Value,
		Index:       req.Index,
		Length:      req.Length,
		Data:        data,
	}
	return do[apitypes.TransferResponse](ctx, c, "device/{addr}/control", body, addrParam(addr))
}

// BulkIn reads up to length bytes from an IN pipe.
func (c *Client) BulkIn(pipe string, length int) (*apitypes.TransferResponse, error) {
	return c.BulkInCtx(context.Background(), pipe, length)
}

func (c *Client) BulkInCtx(ctx context.Context, pipe string, length int) (*apitypes.TransferResponse, error) {
	return do[apitypes.TransferResponse](ctx, c, "pipe/bulk", apitypes.BulkTransferRequest{Pipe: pipe, Length: length}, nil)
}

// BulkOut sends data on an OUT pipe.
func (c *Client) BulkOut(pipe string, data []byte) (*apitypes.TransferResponse, error) {
	return c.BulkOutCtx(context.Background(), pipe, data)
}

func (c *Client) BulkOutCtx(ctx context.Context, pipe string, data []byte) (*apitypes.TransferResponse, error) {
	return do[apitypes.TransferResponse](ctx, c, "pipe/bulk", apitypes.BulkTransferRequest{Pipe: pipe, Data: data}, nil)
}

func addrParam(addr uint8) map[string]string {
	return map[string]string{"addr": fmt.Sprintf("%d", addr)}
}

func do[T any](ctx context.Context, c *Client, path string, payload any, params map[string]string) (*T, error) {
	raw, err := c.transport.DoCtx(ctx, path, payload, params)
	if err != nil {
		return nil, err
	}
	return parse[T](raw)
}

func parse[T any](data string) (*T, error) {
	if data == "" {
		return nil, errors.New("empty response")
	}
	var problem apitypes.ApiError
	if err := json.Unmarshal([]byte(data), &problem); err == nil && (problem.Status != 0 || problem.Title != "") {
		return nil, &problem
	}
	var out T
	dec := json.NewDecoder(bytes.NewReader([]byte(data)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return &out, nil
}

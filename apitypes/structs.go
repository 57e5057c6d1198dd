package apitypes

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// ApiError represents an RFC 7807 (problem+json) error response.
type ApiError struct {
	// Status is the HTTP-style status code (e.g., 400, 404, 500)
	Status int `json:"status"`
	// Title is a short, human-readable summary of the problem type
	Title string `json:"title"`
	// Detail is a human-readable explanation specific to this occurrence
	Detail string `json:"detail"`
}

func (e ApiError) Error() string {
	if e.Status == 0 && e.Title == "" {
		return "unknown error"
	}
	if e.Status == 0 {
		return fmt.Sprintf("%s: %s", e.Title, e.Detail)
	}
	return fmt.Sprintf("%d %s: %s", e.Status, e.Title, e.Detail)
}

// --

type PingResponse struct {
	Server  string `json:"server"`
	Version string `json:"version"`
}

type ControllerInfoResponse struct {
	ID              string   `json:"id"`
	AnchorPhys      string   `json:"anchorPhys"`
	MaxDevices      int      `json:"maxDevices"`
	PipesPerDevice  int      `json:"pipesPerDevice"`
	OpenPipes       []string `json:"openPipes"`
	FreeBufferPages int      `json:"freeBufferPages"`
	Wedged          bool     `json:"wedged"`
}

// QueueHead is the decoded view of one queue head on the asynchronous list.
type QueueHead struct {
	Phys          string `json:"phys"`
	Pipe          string `json:"pipe"`
	Next          string `json:"next"`
	DeviceAddress uint8  `json:"deviceAddress"`
	Endpoint      uint8  `json:"endpoint"`
	Speed         string `json:"speed"`
	MaxPacketSize uint16 `json:"maxPacketSize"`
	Head          bool   `json:"head"`
	HubAddress    uint8  `json:"hubAddress"`
	HubPort       uint8  `json:"hubPort"`
	Status        string `json:"status"`
	Toggle        bool   `json:"toggle"`
	ChainHead     string `json:"chainHead,omitempty"`
	State         string `json:"state"`
}

type AsyncListResponse struct {
	QueueHeads []QueueHead `json:"queueHeads"`
}

type Device struct {
	Address       uint8  `json:"address"`
	Speed         string `json:"speed"`
	HubAddress    uint8  `json:"hubAddress"`
	HubPort       uint8  `json:"hubPort"`
	Configuration uint8  `json:"configuration"`
	Vid           string `json:"vid"`
	Pid           string `json:"pid"`
	Type          string `json:"type"`
}

type DevicesListResponse struct {
	Devices []Device `json:"devices"`
}

// PipeOpenRequest carries the endpoint descriptor fields for a bulk pipe.
// Numbers may be given as JSON numbers or hex strings ("0x81").
type PipeOpenRequest struct {
	EndpointAddress uint8  `json:"endpointAddress"`
	Attributes      uint8  `json:"attributes"`
	MaxPacketSize   uint16 `json:"maxPacketSize"`
	Interval        uint8  `json:"interval,omitempty"`
}

type PipeResponse struct {
	Pipe string `json:"pipe"`
	Phys string `json:"phys"`
}

type PipeCloseResponse struct {
	Pipe         string `json:"pipe"`
	SafeToRemove bool   `json:"safeToRemove"`
}

// ControlTransferRequest is a SETUP packet plus the OUT data stage, if any.
type ControlTransferRequest struct {
	RequestType uint8  `json:"bmRequestType"`
	Request     uint8  `json:"bRequest"`
	Value       uint16 `json:"wValue"`
	Index       uint16 `json:"wIndex"`
	Length      uint16 `json:"wLength"`
	Data        []byte `json:"data,omitempty"`
}

// BulkTransferRequest moves Data out, or reads up to Length bytes in,
// depending on the pipe direction.
type BulkTransferRequest struct {
	Pipe   string `json:"pipe"`
	Length int    `json:"length,omitempty"`
	Data   []byte `json:"data,omitempty"`
}

type TransferResponse struct {
	Pipe  string `json:"pipe"`
	Bytes int    `json:"bytes"`
	Data  []byte `json:"data,omitempty"`
}

// UnmarshalJSON accepts numbers or hex strings for the descriptor fields.
func (p *PipeOpenRequest) UnmarshalJSON(data []byte) error {
	var raw struct {
		EndpointAddress any `json:"endpointAddress"`
		Attributes      any `json:"attributes"`
		MaxPacketSize   any `json:"maxPacketSize"`
		Interval        any `json:"interval"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	fields := []struct {
		name string
		v    any
		bits int
		set  func(uint64)
	}{
		{"endpointAddress", raw.EndpointAddress, 8, func(v uint64) { p.EndpointAddress = uint8(v) }},
		{"attributes", raw.Attributes, 8, func(v uint64) { p.Attributes = uint8(v) }},
		{"maxPacketSize", raw.MaxPacketSize, 16, func(v uint64) { p.MaxPacketSize = uint16(v) }},
		{"interval", raw.Interval, 8, func(v uint64) { p.Interval = uint8(v) }},
	}
	for _, f := range fields {
		if f.v == nil {
			continue
		}
		v, err := parseUintOrHex(f.v, f.bits)
		if err != nil {
			return fmt.Errorf("%s: %w", f.name, err)
		}
		f.set(v)
	}
	return nil
}

// parseUintOrHex accepts either a JSON number or a hex string like "0x81"
func parseUintOrHex(v any, bits int) (uint64, error) {
	limit := uint64(1)<<bits - 1
	switch val := v.(type) {
	case float64:
		if val < 0 || val > float64(limit) || val != float64(uint64(val)) {
			return 0, fmt.Errorf("value %v out of range", val)
		}
		return uint64(val), nil
	case string:
		s := strings.TrimSpace(val)
		base := 10
		if strings.HasPrefix(strings.ToLower(s), "0x") {
			s = s[2:]
			base = 16
		} else if strings.ContainsAny(s, "abcdefABCDEF") {
			base = 16
		}
		parsed, err := strconv.ParseUint(s, base, bits)
		if err != nil {
			return 0, fmt.Errorf("invalid hex/numeric string %q: %w", val, err)
		}
		return parsed, nil
	default:
		return 0, fmt.Errorf("expected number or hex string, got %T", v)
	}
}

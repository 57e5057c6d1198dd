package handler

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/sharpie7/tinyusb/apitypes"
	"github.com/sharpie7/tinyusb/hcd"
	"github.com/sharpie7/tinyusb/internal/server/api"
	"github.com/sharpie7/tinyusb/usb"
)

// defaultControlMaxPacket is used until the device descriptor says otherwise.
const defaultControlMaxPacket = 64

// ControlPipeOpen returns a handler that opens or reopens the control pipe of
// a device. The optional payload is the endpoint 0 max packet size.
func ControlPipeOpen(c *hcd.Controller) api.HandlerFunc {
	return func(req *api.Request, res *api.Response, logger *slog.Logger) error {
		addr, err := parseAddr(req.Params)
		if err != nil {
			return err
		}
		mps := uint64(defaultControlMaxPacket)
		if p := strings.TrimSpace(req.Payload); p != "" {
			mps, err = strconv.ParseUint(p, 10, 11)
			if err != nil || mps == 0 {
				return api.ErrBadRequest(fmt.Sprintf("invalid max packet size %q", p))
			}
		}
		h, err := c.OpenControlPipe(addr, uint16(mps))
		if err != nil {
			return controllerError(err)
		}
		return writePipe(c, h, res)
	}
}

// PipeOpen returns a handler that opens a bulk pipe from an endpoint
// descriptor given as JSON.
func PipeOpen(c *hcd.Controller) api.HandlerFunc {
	return func(req *api.Request, res *api.Response, logger *slog.Logger) error {
		addr, err := parseAddr(req.Params)
		if err != nil {
			return err
		}
		if req.Payload == "" {
			return api.ErrBadRequest("missing endpoint descriptor payload")
		}
		var r apitypes.PipeOpenRequest
		if err := json.Unmarshal([]byte(req.Payload), &r); err != nil {
			return api.ErrBadRequest(fmt.Sprintf("invalid JSON payload: %v", err))
		}
		h, err := c.OpenPipe(addr, usb.EndpointDescriptor{
			BEndpointAddress: r.EndpointAddress,
			BMAttributes:     r.Attributes,
			WMaxPacketSize:   r.MaxPacketSize,
			BInterval:        r.Interval,
		})
		if err != nil {
			return controllerError(err)
		}
		logger.Info("opened pipe", "pipe", h.String(), "endpoint", fmt.Sprintf("0x%02x", r.EndpointAddress))
		return writePipe(c, h, res)
	}
}

func writePipe(c *hcd.Controller, h hcd.PipeHandle, res *api.Response) error {
	phys, err := c.QueueHeadPhys(h)
	if err != nil {
		return controllerError(err)
	}
	out, err := json.Marshal(apitypes.PipeResponse{Pipe: h.String(), Phys: hex32(phys)})
	if err != nil {
		return api.ErrInternal(fmt.Sprintf("failed to marshal response: %v", err))
	}
	res.JSON = string(out)
	return nil
}

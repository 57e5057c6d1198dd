package handler

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/sharpie7/tinyusb/apitypes"
	"github.com/sharpie7/tinyusb/hcd"
	"github.com/sharpie7/tinyusb/internal/server/api"
	"github.com/sharpie7/tinyusb/usb"
)

// maxBulkLength bounds IN transfers requested through the API.
const maxBulkLength = 64 * 1024

// ControlTransfer returns a handler that runs one control transfer on a
// device's control pipe and waits for it.
func ControlTransfer(c *hcd.Controller) api.HandlerFunc {
	return func(req *api.Request, res *api.Response, logger *slog.Logger) error {
		addr, err := parseAddr(req.Params)
		if err != nil {
			return err
		}
		var r apitypes.ControlTransferRequest
		if err := json.Unmarshal([]byte(req.Payload), &r); err != nil {
			return api.ErrBadRequest(fmt.Sprintf("invalid JSON payload: %v", err))
		}
		setup := [usb.SetupPacketLen]byte{
			r.RequestType, r.Request,
			byte(r.Value), byte(r.Value >> 8),
			byte(r.Index), byte(r.Index >> 8),
			byte(r.Length), byte(r.Length >> 8),
		}
		cr, err := usb.ParseControlRequest(setup[:])
		if err != nil {
			return api.ErrBadRequest(err.Error())
		}

		buf := make([]byte, r.Length)
		if cr.Direction == usb.DirHostToDevice {
			if len(r.Data) != int(r.Length) {
				return api.ErrBadRequest(fmt.Sprintf("wLength is %d but %d data bytes were given", r.Length, len(r.Data)))
			}
			copy(buf, r.Data)
		}
		n, err := c.ControlTransfer(req.Ctx, addr, cr, buf)
		if err != nil {
			return controllerError(err)
		}
		out := apitypes.TransferResponse{Pipe: hcd.PipeHandle{DevAddr: addr, Kind: hcd.PipeControl}.String(), Bytes: n}
		if cr.Direction == usb.DirDeviceToHost {
			out.Data = buf[:n]
		}
		return writeTransfer(out, res)
	}
}

// BulkTransfer returns a handler that runs one bulk transfer on an open
// pipe. IN pipes read up to length bytes; OUT pipes send data.
func BulkTransfer(c *hcd.Controller) api.HandlerFunc {
	return func(req *api.Request, res *api.Response, logger *slog.Logger) error {
		var r apitypes.BulkTransferRequest
		if err := json.Unmarshal([]byte(req.Payload), &r); err != nil {
			return api.ErrBadRequest(fmt.Sprintf("invalid JSON payload: %v", err))
		}
		h, err := hcd.ParsePipeHandle(r.Pipe)
		if err != nil {
			return api.ErrBadRequest(err.Error())
		}
		if h.Kind != hcd.PipeBulk {
			return api.ErrBadRequest(fmt.Sprintf("pipe %s is not a bulk pipe", h))
		}
		var buf []byte
		if r.Data != nil {
			buf = r.Data
		} else {
			if r.Length < 0 || r.Length > maxBulkLength {
				return api.ErrBadRequest(fmt.Sprintf("length %d out of range", r.Length))
			}
			buf = make([]byte, r.Length)
		}
		n, err := c.BulkTransfer(req.Ctx, h, buf)
		if err != nil {
			return controllerError(err)
		}
		out := apitypes.TransferResponse{Pipe: h.String(), Bytes: n}
		if r.Data == nil {
			out.Data = buf[:n]
		}
		return writeTransfer(out, res)
	}
}

func writeTransfer(out apitypes.TransferResponse, res *api.Response) error {
	payload, err := json.Marshal(out)
	if err != nil {
		return api.ErrInternal(fmt.Sprintf("failed to marshal response: %v", err))
	}
	res.JSON = string(payload)
	return nil
}

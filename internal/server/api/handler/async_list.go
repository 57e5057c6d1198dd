package handler

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/sharpie7/tinyusb/apitypes"
	"github.com/sharpie7/tinyusb/hcd"
	"github.com/sharpie7/tinyusb/internal/server/api"
)

// AsyncList returns a handler that walks the asynchronous list from the
// anchor and decodes every queue head on it.
func AsyncList(c *hcd.Controller) api.HandlerFunc {
	return func(req *api.Request, res *api.Response, logger *slog.Logger) error {
		entries, err := c.AsyncList()
		if err != nil {
			logger.Warn("async list is inconsistent", "error", err, "entries", len(entries))
			return api.ErrInternal(err.Error())
		}
		out := make([]apitypes.QueueHead, 0, len(entries))
		for _, e := range entries {
			qh := e.QueueHead
			state := "idle"
			if st, err := c.PipeState(e.Handle); err == nil {
				state = st.String()
			}
			var chain string
			if qh.ChainHead != 0 {
				chain = hex32(qh.ChainHead)
			}
			out = append(out, apitypes.QueueHead{
				Phys:          hex32(e.Phys),
				Pipe:          e.Handle.String(),
				Next:          hex32(qh.Horizontal.Addr),
				DeviceAddress: qh.DeviceAddress,
				Endpoint:      qh.Endpoint,
				Speed:         qh.Speed.String(),
				MaxPacketSize: qh.MaxPacketSize,
				Head:          qh.HeadOfList,
				HubAddress:    qh.HubAddress,
				HubPort:       qh.HubPort,
				Status:        qh.Overlay.Token.Status.String(),
				Toggle:        qh.Overlay.Token.Toggle,
				ChainHead:     chain,
				State:         state,
			})
		}
		payload, err := json.Marshal(apitypes.AsyncListResponse{QueueHeads: out})
		if err != nil {
			return api.ErrInternal(fmt.Sprintf("failed to marshal response: %v", err))
		}
		res.JSON = string(payload)
		return nil
	}
}

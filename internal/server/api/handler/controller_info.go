package handler

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/sharpie7/tinyusb/apitypes"
	"github.com/sharpie7/tinyusb/hcd"
	"github.com/sharpie7/tinyusb/internal/server/api"
)

// ControllerInfo returns a handler that snapshots controller-wide state.
func ControllerInfo(c *hcd.Controller) api.HandlerFunc {
	return func(req *api.Request, res *api.Response, logger *slog.Logger) error {
		info := c.Info()
		pipes := make([]string, 0, len(info.OpenPipes))
		for _, h := range info.OpenPipes {
			pipes = append(pipes, h.String())
		}
		out, err := json.Marshal(apitypes.ControllerInfoResponse{
			ID:              info.ID.String(),
			AnchorPhys:      hex32(info.AnchorPhys),
			MaxDevices:      info.MaxDevices,
			PipesPerDevice:  info.PipesPerDevice,
			OpenPipes:       pipes,
			FreeBufferPages: info.FreeBufferPages,
			Wedged:          info.Wedged,
		})
		if err != nil {
			return api.ErrInternal(fmt.Sprintf("failed to marshal response: %v", err))
		}
		res.JSON = string(out)
		return nil
	}
}

package handler

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/sharpie7/tinyusb/apitypes"
	"github.com/sharpie7/tinyusb/hcd"
	"github.com/sharpie7/tinyusb/internal/server/api"
)

// PipeClose returns a handler that closes the pipe named in the payload
// ("3:bulk0") and reports whether its memory may be reused.
func PipeClose(c *hcd.Controller) api.HandlerFunc {
	return func(req *api.Request, res *api.Response, logger *slog.Logger) error {
		p := strings.TrimSpace(req.Payload)
		if p == "" {
			return api.ErrBadRequest("missing pipe handle")
		}
		h, err := hcd.ParsePipeHandle(p)
		if err != nil {
			return api.ErrBadRequest(err.Error())
		}
		if err := c.ClosePipe(req.Ctx, h); err != nil {
			return controllerError(err)
		}
		safe, err := c.IsSafeToRemove(h)
		if err != nil {
			return controllerError(err)
		}
		out, err := json.Marshal(apitypes.PipeCloseResponse{Pipe: h.String(), SafeToRemove: safe})
		if err != nil {
			return api.ErrInternal(fmt.Sprintf("failed to marshal response: %v", err))
		}
		res.JSON = string(out)
		return nil
	}
}

package handler

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/sharpie7/tinyusb/apitypes"
	"github.com/sharpie7/tinyusb/internal/server/api"
)

// Ping returns a handler that reports the server name and version.
func Ping(version string) api.HandlerFunc {
	return func(req *api.Request, res *api.Response, logger *slog.Logger) error {
		out, err := json.Marshal(apitypes.PingResponse{Server: "ehcid", Version: version})
		if err != nil {
			return api.ErrInternal(fmt.Sprintf("failed to marshal response: %v", err))
		}
		res.JSON = string(out)
		return nil
	}
}

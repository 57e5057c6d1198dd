package handler

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"
	"strings"

	"github.com/sharpie7/tinyusb/apitypes"
	"github.com/sharpie7/tinyusb/internal/server/api"
	"github.com/sharpie7/tinyusb/virtualbus"
)

// DeviceList returns a handler that lists the functions attached to the bus.
func DeviceList(bus *virtualbus.VirtualBus) api.HandlerFunc {
	return func(req *api.Request, res *api.Response, logger *slog.Logger) error {
		metas := bus.Devices()
		out := make([]apitypes.Device, 0, len(metas))
		for _, m := range metas {
			desc := m.Function.GetDescriptor()
			out = append(out, apitypes.Device{
				Address:       m.Address,
				Speed:         m.Speed.String(),
				HubAddress:    m.Port.HubAddress,
				HubPort:       m.Port.HubPort,
				Configuration: m.Configuration,
				Vid:           fmt.Sprintf("0x%04x", desc.Device.IDVendor),
				Pid:           fmt.Sprintf("0x%04x", desc.Device.IDProduct),
				Type:          inferDeviceType(m.Function),
			})
		}
		payload, err := json.Marshal(apitypes.DevicesListResponse{Devices: out})
		if err != nil {
			return api.ErrInternal(fmt.Sprintf("failed to marshal response: %v", err))
		}
		res.JSON = string(payload)
		return nil
	}
}

// inferDeviceType derives a friendly type name from the function's package,
// e.g. "loopback" for device/loopback.
func inferDeviceType(fn any) string {
	if fn == nil {
		return ""
	}
	t := reflect.TypeOf(fn)
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if pkg := t.PkgPath(); pkg != "" {
		return strings.ToLower(pkg[strings.LastIndex(pkg, "/")+1:])
	}
	return strings.ToLower(t.Name())
}

package usb

import "fmt"

// Speed is the bus speed of a device. The numeric values match the EHCI
// endpoint speed (EPS) field.
type Speed uint8

const (
	SpeedFull Speed = 0
	SpeedLow  Speed = 1
	SpeedHigh Speed = 2
)

func (s Speed) String() string {
	switch s {
	case SpeedFull:
		return "full"
	case SpeedLow:
		return "low"
	case SpeedHigh:
		return "high"
	default:
		return fmt.Sprintf("speed(%d)", uint8(s))
	}
}

// ParseSpeed accepts "low", "full" or "high".
func ParseSpeed(s string) (Speed, error) {
	switch s {
	case "low":
		return SpeedLow, nil
	case "full", "":
		return SpeedFull, nil
	case "high":
		return SpeedHigh, nil
	}
	return 0, fmt.Errorf("unknown speed %q", s)
}

// TransferType is bmAttributes bits 1:0 of an endpoint descriptor.
type TransferType uint8

const (
	TransferControl     TransferType = 0
	TransferIsochronous TransferType = 1
	TransferBulk        TransferType = 2
	TransferInterrupt   TransferType = 3
)

func (t TransferType) String() string {
	switch t {
	case TransferControl:
		return "control"
	case TransferIsochronous:
		return "isochronous"
	case TransferBulk:
		return "bulk"
	case TransferInterrupt:
		return "interrupt"
	default:
		return fmt.Sprintf("transfer(%d)", uint8(t))
	}
}

// Endpoint address helpers.
const (
	EndpointDirIn      = 0x80
	EndpointNumberMask = 0x0f
)

// Number returns the endpoint number (bits 3:0 of bEndpointAddress).
func (e EndpointDescriptor) Number() uint8 { return e.BEndpointAddress & EndpointNumberMask }

// Direction returns the data direction (bit 7 of bEndpointAddress).
func (e EndpointDescriptor) Direction() Direction {
	if e.BEndpointAddress&EndpointDirIn != 0 {
		return DirDeviceToHost
	}
	return DirHostToDevice
}

// TransferType returns the transfer type (bits 1:0 of bmAttributes).
func (e EndpointDescriptor) TransferType() TransferType {
	return TransferType(e.BMAttributes & 0x3)
}

// MaxPacketSize returns wMaxPacketSize bits 10:0.
func (e EndpointDescriptor) MaxPacketSize() uint16 { return e.WMaxPacketSize & 0x7ff }

// ParseEndpointDescriptor decodes a 7-byte endpoint descriptor.
func ParseEndpointDescriptor(b []byte) (EndpointDescriptor, error) {
	if len(b) < EndpointDescLen {
		return EndpointDescriptor{}, fmt.Errorf("endpoint descriptor too short: %d bytes", len(b))
	}
	if b[1] != EndpointDescType {
		return EndpointDescriptor{}, fmt.Errorf("descriptor type 0x%02x is not an endpoint", b[1])
	}
	return EndpointDescriptor{
		BEndpointAddress: b[2],
		BMAttributes:     b[3],
		WMaxPacketSize:   uint16(b[4]) | uint16(b[5])<<8,
		BInterval:        b[6],
	}, nil
}

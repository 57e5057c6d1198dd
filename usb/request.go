package usb

import (
	"encoding/binary"
	"fmt"
)

// Standard request codes (USB 2.0 table 9-4).
const (
	ReqGetStatus        = 0x00
	ReqClearFeature     = 0x01
	ReqSetFeature       = 0x03
	ReqSetAddress       = 0x05
	ReqGetDescriptor    = 0x06
	ReqSetDescriptor    = 0x07
	ReqGetConfiguration = 0x08
	ReqSetConfiguration = 0x09
	ReqGetInterface     = 0x0a
	ReqSetInterface     = 0x0b
)

// Direction of the data stage as encoded in bmRequestType bit 7.
type Direction uint8

const (
	DirHostToDevice Direction = 0
	DirDeviceToHost Direction = 1
)

func (d Direction) String() string {
	if d == DirDeviceToHost {
		return "in"
	}
	return "out"
}

// RequestType is bmRequestType bits 6:5.
type RequestType uint8

const (
	RequestTypeStandard RequestType = 0
	RequestTypeClass    RequestType = 1
	RequestTypeVendor   RequestType = 2
)

// Recipient is bmRequestType bits 4:0.
type Recipient uint8

const (
	RecipientDevice    Recipient = 0
	RecipientInterface Recipient = 1
	RecipientEndpoint  Recipient = 2
	RecipientOther     Recipient = 3
)

// SetupPacketLen is the fixed size of a SETUP stage payload.
const SetupPacketLen = 8

// ControlRequest is the decoded form of an 8-byte SETUP packet.
type ControlRequest struct {
	Direction Direction
	Type      RequestType
	Recipient Recipient
	Request   uint8
	Value     uint16
	Index     uint16
	Length    uint16
}

// RequestTypeByte packs direction, type and recipient into bmRequestType.
func (r ControlRequest) RequestTypeByte() uint8 {
	return uint8(r.Direction&1)<<7 | uint8(r.Type&0x3)<<5 | uint8(r.Recipient&0x1f)
}

// Bytes returns the little-endian wire form of the request.
func (r ControlRequest) Bytes() [SetupPacketLen]byte {
	var b [SetupPacketLen]byte
	b[0] = r.RequestTypeByte()
	b[1] = r.Request
	binary.LittleEndian.PutUint16(b[2:4], r.Value)
	binary.LittleEndian.PutUint16(b[4:6], r.Index)
	binary.LittleEndian.PutUint16(b[6:8], r.Length)
	return b
}

// ParseControlRequest decodes an 8-byte SETUP packet.
func ParseControlRequest(b []byte) (ControlRequest, error) {
	if len(b) < SetupPacketLen {
		return ControlRequest{}, fmt.Errorf("setup packet too short: %d bytes", len(b))
	}
	return ControlRequest{
		Direction: Direction(b[0] >> 7),
		Type:      RequestType((b[0] >> 5) & 0x3),
		Recipient: Recipient(b[0] & 0x1f),
		Request:   b[1],
		Value:     binary.LittleEndian.Uint16(b[2:4]),
		Index:     binary.LittleEndian.Uint16(b[4:6]),
		Length:    binary.LittleEndian.Uint16(b[6:8]),
	}, nil
}

// GetDescriptorRequest builds a standard GET_DESCRIPTOR request.
func GetDescriptorRequest(descType, index uint8, length uint16) ControlRequest {
	return ControlRequest{
		Direction: DirDeviceToHost,
		Type:      RequestTypeStandard,
		Recipient: RecipientDevice,
		Request:   ReqGetDescriptor,
		Value:     uint16(descType)<<8 | uint16(index),
		Length:    length,
	}
}

// SetAddressRequest builds a standard SET_ADDRESS request.
func SetAddressRequest(addr uint8) ControlRequest {
	return ControlRequest{
		Direction: DirHostToDevice,
		Type:      RequestTypeStandard,
		Recipient: RecipientDevice,
		Request:   ReqSetAddress,
		Value:     uint16(addr),
	}
}

// SetConfigurationRequest builds a standard SET_CONFIGURATION request.
func SetConfigurationRequest(value uint8) ControlRequest {
	return ControlRequest{
		Direction: DirHostToDevice,
		Type:      RequestTypeStandard,
		Recipient: RecipientDevice,
		Request:   ReqSetConfiguration,
		Value:     uint16(value),
	}
}

package device_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sharpie7/tinyusb/device"
	"github.com/sharpie7/tinyusb/usb"
)

type stubFunction struct {
	desc usb.Descriptor
}

func (s *stubFunction) GetDescriptor() *usb.Descriptor      { return &s.desc }
func (s *stubFunction) HandleIn(uint8, int) ([]byte, error) { return nil, device.ErrNAK }
func (s *stubFunction) HandleOut(uint8, []byte) error       { return nil }

type vendorFunction struct {
	stubFunction
	last []byte
}

func (v *vendorFunction) HandleControl(req usb.ControlRequest, out []byte) ([]byte, bool, error) {
	if req.Type != usb.RequestTypeVendor {
		return nil, false, nil
	}
	v.last = out
	return []byte("vendor-reply"), true, nil
}

func newStub() *stubFunction {
	return &stubFunction{desc: usb.Descriptor{
		Device: usb.DeviceDescriptor{
			BcdUSB:             0x0200,
			BMaxPacketSize0:    64,
			IDVendor:           0x1234,
			IDProduct:          0x5678,
			IProduct:           1,
			BNumConfigurations: 1,
		},
		Interfaces: []usb.InterfaceConfig{{
			Descriptor:    usb.InterfaceDescriptor{BNumEndpoints: 1, BInterfaceClass: 0x03},
			Endpoints:     []usb.EndpointDescriptor{{BEndpointAddress: 0x81, BMAttributes: 0x03, WMaxPacketSize: 8, BInterval: 10}},
			HIDDescriptor: []byte{9, usb.HIDDescType, 0x11, 0x01, 0, 1, usb.ReportDescType, 2, 0},
			HIDReport:     []byte{0x05, 0x01},
		}},
		Strings: map[uint8]string{1: "Pad"},
	}}
}

func TestStandardGetDescriptor(t *testing.T) {
	fn := newStub()
	std := device.NewStandard(fn)

	tests := []struct {
		name string
		req  usb.ControlRequest
		want []byte
	}{
		{"device", usb.GetDescriptorRequest(usb.DeviceDescType, 0, 18), fn.desc.Bytes()},
		{"device truncated", usb.GetDescriptorRequest(usb.DeviceDescType, 0, 8), fn.desc.Bytes()[:8]},
		{"config header", usb.GetDescriptorRequest(usb.ConfigDescType, 0, 9), fn.desc.ConfigBytes()[:9]},
		{"config full", usb.GetDescriptorRequest(usb.ConfigDescType, 0, 255), fn.desc.ConfigBytes()},
		{"language ids", usb.GetDescriptorRequest(usb.StringDescType, 0, 255), []byte{4, usb.StringDescType, 0x09, 0x04}},
		{"product string", usb.GetDescriptorRequest(usb.StringDescType, 1, 255), usb.EncodeStringDescriptor("Pad")},
		{"hid report", usb.ControlRequest{
			Direction: usb.DirDeviceToHost,
			Recipient: usb.RecipientInterface,
			Request:   usb.ReqGetDescriptor,
			Value:     usb.ReportDescType << 8,
			Length:    64,
		}, []byte{0x05, 0x01}},
		{"status", usb.ControlRequest{Direction: usb.DirDeviceToHost, Request: usb.ReqGetStatus, Length: 2}, []byte{0, 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := std.Control(tt.req, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStandardStalls(t *testing.T) {
	std := device.NewStandard(newStub())
	tests := []struct {
		name string
		req  usb.ControlRequest
	}{
		{"missing string", usb.GetDescriptorRequest(usb.StringDescType, 7, 255)},
		{"unknown descriptor", usb.GetDescriptorRequest(0x0f, 0, 255)},
		{"class request", usb.ControlRequest{Type: usb.RequestTypeClass, Request: 0x0a}},
		{"bad configuration", usb.SetConfigurationRequest(3)},
		{"address out of range", usb.SetAddressRequest(200)},
		{"set descriptor", usb.ControlRequest{Request: usb.ReqSetDescriptor}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := std.Control(tt.req, nil)
			assert.ErrorIs(t, err, device.ErrStall)
		})
	}
}

func TestStandardState(t *testing.T) {
	std := device.NewStandard(newStub())

	_, err := std.Control(usb.SetAddressRequest(9), nil)
	require.NoError(t, err)
	assert.Equal(t, uint8(9), std.Address())

	_, err = std.Control(usb.SetConfigurationRequest(1), nil)
	require.NoError(t, err)
	assert.Equal(t, uint8(1), std.Configuration())

	got, err := std.Control(usb.ControlRequest{Direction: usb.DirDeviceToHost, Request: usb.ReqGetConfiguration, Length: 1}, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{1}, got)

	std.Reset()
	assert.Zero(t, std.Address())
	assert.Zero(t, std.Configuration())
}

func TestStandardDefersToControlHandler(t *testing.T) {
	fn := &vendorFunction{stubFunction: *newStub()}
	std := device.NewStandard(fn)

	got, err := std.Control(usb.ControlRequest{Direction: usb.DirDeviceToHost, Type: usb.RequestTypeVendor, Length: 6}, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("vendor"), got)

	_, err = std.Control(usb.ControlRequest{Type: usb.RequestTypeVendor, Length: 2}, []byte{1, 2})
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2}, fn.last)

	got, err = std.Control(usb.GetDescriptorRequest(usb.DeviceDescType, 0, 18), nil)
	require.NoError(t, err)
	assert.Len(t, got, 18)
}

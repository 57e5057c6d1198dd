// Package loopback provides a vendor-class bulk echo function: whatever the
// host writes to EP1 OUT is read back from EP1 IN.
package loopback

import (
	"sync"

	"github.com/sharpie7/tinyusb/device"
	"github.com/sharpie7/tinyusb/usb"
)

const (
	EndpointOut = 0x01
	EndpointIn  = 0x81

	// Capacity bounds the buffered bytes; OUT transfers beyond it NAK.
	Capacity = 64 * 1024
)

// Loopback implements device.Function.
type Loopback struct {
	descriptor usb.Descriptor

	mu  sync.Mutex
	buf []byte
}

// New returns a loopback function attaching at speed with the given bulk max
// packet size.
func New(speed usb.Speed, maxPacket uint16) *Loopback {
	d := &Loopback{descriptor: defaultDescriptor(speed, maxPacket)}
	return d
}

func (l *Loopback) GetDescriptor() *usb.Descriptor { return &l.descriptor }

func (l *Loopback) HandleOut(ep uint8, data []byte) error {
	if ep != EndpointOut&usb.EndpointNumberMask {
		return device.ErrStall
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.buf)+len(data) > Capacity {
		return device.ErrNAK
	}
	l.buf = append(l.buf, data...)
	return nil
}

func (l *Loopback) HandleIn(ep uint8, max int) ([]byte, error) {
	if ep != EndpointIn&usb.EndpointNumberMask {
		return nil, device.ErrStall
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.buf) == 0 {
		return nil, device.ErrNAK
	}
	n := min(max, len(l.buf))
	out := make([]byte, n)
	copy(out, l.buf)
	l.buf = l.buf[n:]
	return out, nil
}

// Pending returns the number of buffered bytes.
func (l *Loopback) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buf)
}

func defaultDescriptor(speed usb.Speed, maxPacket uint16) usb.Descriptor {
	return usb.Descriptor{
		Device: usb.DeviceDescriptor{
			BcdUSB:             0x0200,
			BDeviceClass:       0xff,
			BMaxPacketSize0:    0x40,
			IDVendor:           0xcafe,
			IDProduct:          0x4010,
			BcdDevice:          0x0100,
			IManufacturer:      0x01,
			IProduct:           0x02,
			ISerialNumber:      0x03,
			BNumConfigurations: 0x01,
			Speed:              speed,
		},
		Interfaces: []usb.InterfaceConfig{
			{
				Descriptor: usb.InterfaceDescriptor{
					BNumEndpoints:   0x02,
					BInterfaceClass: 0xff, // vendor
				},
				Endpoints: []usb.EndpointDescriptor{
					{BEndpointAddress: EndpointOut, BMAttributes: uint8(usb.TransferBulk), WMaxPacketSize: maxPacket},
					{BEndpointAddress: EndpointIn, BMAttributes: uint8(usb.TransferBulk), WMaxPacketSize: maxPacket},
				},
			},
		},
		Strings: map[uint8]string{
			1: "sharpie7",
			2: "Bulk Loopback",
			3: "0001",
		},
	}
}

// Package virtualbus manages the topology of emulated devices below a host
// controller and auto-assigns device addresses. It is the enumeration record
// source for the scheduler and the transaction target for the simulated
// controller.
package virtualbus

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/sharpie7/tinyusb/device"
	"github.com/sharpie7/tinyusb/hcd"
	"github.com/sharpie7/tinyusb/usb"
)

var (
	ErrNoDevice     = errors.New("virtualbus: no device at address")
	ErrAddressInUse = errors.New("virtualbus: address in use")
	ErrBusFull      = errors.New("virtualbus: no free address")
)

// Port locates a device behind a hub. The zero Port is a root port.
type Port struct {
	HubAddress uint8
	HubPort    uint8
}

// VirtualBus holds the attached functions by device address.
type VirtualBus struct {
	mutex   sync.Mutex
	maxAddr uint8
	devices map[uint8]*busDevice
}

type busDevice struct {
	std   *device.Standard
	speed usb.Speed
	port  Port
}

// DeviceMeta exposes a registered device and its metadata for external queries.
type DeviceMeta struct {
	Address       uint8
	Speed         usb.Speed
	Port          Port
	Configuration uint8
	Function      device.Function
}

// New creates a bus that hands out addresses 1..maxAddr.
func New(maxAddr int) *VirtualBus {
	if maxAddr < 1 || maxAddr > 127 {
		maxAddr = 127
	}
	return &VirtualBus{
		maxAddr: uint8(maxAddr),
		devices: make(map[uint8]*busDevice),
	}
}

func newBusDevice(fn device.Function, port Port) *busDevice {
	return &busDevice{
		std:   device.NewStandard(fn),
		speed: fn.GetDescriptor().Device.Speed,
		port:  port,
	}
}

// Add attaches fn at the lowest free address, as if it had already been
// enumerated.
func (vb *VirtualBus) Add(fn device.Function, port Port) (uint8, error) {
	vb.mutex.Lock()
	defer vb.mutex.Unlock()
	for _, d := range vb.devices {
		if d.std.Function() == fn {
			return 0, fmt.Errorf("device already registered on this bus")
		}
	}
	for a := uint8(1); a <= vb.maxAddr; a++ {
		if _, used := vb.devices[a]; !used {
			vb.devices[a] = newBusDevice(fn, port)
			return a, nil
		}
	}
	return 0, ErrBusFull
}

// AddAt attaches fn at a fixed address. Address 0 models a freshly connected
// device waiting for SET_ADDRESS.
func (vb *VirtualBus) AddAt(addr uint8, fn device.Function, port Port) error {
	if addr > vb.maxAddr {
		return fmt.Errorf("address %d outside 0..%d", addr, vb.maxAddr)
	}
	vb.mutex.Lock()
	defer vb.mutex.Unlock()
	if _, used := vb.devices[addr]; used {
		return fmt.Errorf("%w: %d", ErrAddressInUse, addr)
	}
	vb.devices[addr] = newBusDevice(fn, port)
	return nil
}

// Remove detaches the device at addr.
func (vb *VirtualBus) Remove(addr uint8) error {
	vb.mutex.Lock()
	defer vb.mutex.Unlock()
	if _, ok := vb.devices[addr]; !ok {
		return fmt.Errorf("%w: %d", ErrNoDevice, addr)
	}
	delete(vb.devices, addr)
	return nil
}

// Readdress moves the device at from to address to.
func (vb *VirtualBus) Readdress(from, to uint8) error {
	if from == to {
		return nil
	}
	if to > vb.maxAddr {
		return fmt.Errorf("address %d outside 0..%d", to, vb.maxAddr)
	}
	vb.mutex.Lock()
	defer vb.mutex.Unlock()
	d, ok := vb.devices[from]
	if !ok {
		return fmt.Errorf("%w: %d", ErrNoDevice, from)
	}
	if _, used := vb.devices[to]; used {
		return fmt.Errorf("%w: %d", ErrAddressInUse, to)
	}
	delete(vb.devices, from)
	vb.devices[to] = d
	return nil
}

// Devices returns all devices currently attached, ordered by address.
func (vb *VirtualBus) Devices() []DeviceMeta {
	vb.mutex.Lock()
	defer vb.mutex.Unlock()
	out := make([]DeviceMeta, 0, len(vb.devices))
	for a, d := range vb.devices {
		out = append(out, DeviceMeta{
			Address:       a,
			Speed:         d.speed,
			Port:          d.port,
			Configuration: d.std.Configuration(),
			Function:      d.std.Function(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

func (vb *VirtualBus) lookup(addr uint8) (*busDevice, error) {
	vb.mutex.Lock()
	defer vb.mutex.Unlock()
	d, ok := vb.devices[addr]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNoDevice, addr)
	}
	return d, nil
}

// DeviceRecord implements hcd.DeviceInfo.
func (vb *VirtualBus) DeviceRecord(addr uint8) (hcd.DeviceRecord, error) {
	d, err := vb.lookup(addr)
	if err != nil {
		return hcd.DeviceRecord{}, err
	}
	return hcd.DeviceRecord{Speed: d.speed, HubAddress: d.port.HubAddress, HubPort: d.port.HubPort}, nil
}

// Control runs a control request against the device at addr. A successful
// SET_ADDRESS moves the device to its new address.
func (vb *VirtualBus) Control(addr uint8, req usb.ControlRequest, out []byte) ([]byte, error) {
	d, err := vb.lookup(addr)
	if err != nil {
		return nil, err
	}
	in, err := d.std.Control(req, out)
	if err != nil {
		return nil, err
	}
	if req.Type == usb.RequestTypeStandard && req.Request == usb.ReqSetAddress {
		if err := vb.Readdress(addr, uint8(req.Value)); err != nil {
			return nil, fmt.Errorf("%w: %v", device.ErrStall, err)
		}
	}
	return in, nil
}

// In delivers an IN token on a non-control endpoint.
func (vb *VirtualBus) In(addr, ep uint8, max int) ([]byte, error) {
	d, err := vb.lookup(addr)
	if err != nil {
		return nil, err
	}
	return d.std.Function().HandleIn(ep, max)
}

// Out delivers OUT data on a non-control endpoint.
func (vb *VirtualBus) Out(addr, ep uint8, data []byte) error {
	d, err := vb.lookup(addr)
	if err != nil {
		return err
	}
	return d.std.Function().HandleOut(ep, data)
}

package device

import (
	"sync"

	"github.com/sharpie7/tinyusb/usb"
)

// Standard answers the standard requests of a function's default control
// pipe from its descriptor and tracks the address and configuration the
// host assigned.
type Standard struct {
	fn Function

	mu     sync.Mutex
	addr   uint8
	config uint8
}

func NewStandard(fn Function) *Standard {
	return &Standard{fn: fn}
}

// Function returns the wrapped function.
func (s *Standard) Function() Function { return s.fn }

// Address returns the address set by the last SET_ADDRESS.
func (s *Standard) Address() uint8 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Configuration returns the value set by the last SET_CONFIGURATION.
func (s *Standard) Configuration() uint8 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.config
}

// Reset returns the function to the default state (address 0, unconfigured).
func (s *Standard) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addr = 0
	s.config = 0
}

// Control handles one control request. IN data is truncated to wLength.
func (s *Standard) Control(req usb.ControlRequest, out []byte) ([]byte, error) {
	if ch, ok := s.fn.(ControlHandler); ok {
		in, handled, err := ch.HandleControl(req, out)
		if handled {
			return truncate(in, req.Length), err
		}
	}
	if req.Type != usb.RequestTypeStandard {
		return nil, ErrStall
	}
	desc := s.fn.GetDescriptor()

	switch req.Request {
	case usb.ReqSetAddress:
		if req.Direction != usb.DirHostToDevice || req.Value > 127 {
			return nil, ErrStall
		}
		s.mu.Lock()
		s.addr = uint8(req.Value)
		s.mu.Unlock()
		return nil, nil

	case usb.ReqSetConfiguration:
		v := uint8(req.Value)
		if v != 0 && v != usb.ConfigValueDefault {
			return nil, ErrStall
		}
		s.mu.Lock()
		s.config = v
		s.mu.Unlock()
		return nil, nil

	case usb.ReqGetConfiguration:
		return []byte{s.Configuration()}, nil

	case usb.ReqGetStatus:
		// Bus powered, no remote wakeup, endpoints never halted.
		return truncate([]byte{0x00, 0x00}, req.Length), nil

	case usb.ReqSetInterface, usb.ReqClearFeature, usb.ReqSetFeature:
		return nil, nil

	case usb.ReqGetDescriptor:
		dtype := uint8(req.Value >> 8)
		dindex := uint8(req.Value & 0xff)
		var data []byte
		switch {
		case req.Recipient == usb.RecipientDevice && dtype == usb.DeviceDescType:
			data = desc.Bytes()
		case req.Recipient == usb.RecipientDevice && dtype == usb.ConfigDescType:
			data = desc.ConfigBytes()
		case req.Recipient == usb.RecipientDevice && dtype == usb.StringDescType:
			data = stringDescriptor(desc, dindex)
		case req.Recipient == usb.RecipientInterface:
			iface := uint8(req.Index & 0xff)
			if int(iface) < len(desc.Interfaces) {
				switch dtype {
				case usb.HIDDescType:
					data = desc.Interfaces[iface].HIDDescriptor
				case usb.ReportDescType:
					data = desc.Interfaces[iface].HIDReport
				}
			}
		}
		if len(data) == 0 {
			return nil, ErrStall
		}
		return truncate(data, req.Length), nil
	}
	return nil, ErrStall
}

// langIDEnglishUS is the only language the string table reports.
const langIDEnglishUS = 0x0409

func stringDescriptor(desc *usb.Descriptor, index uint8) []byte {
	if index == 0 {
		if len(desc.Strings) == 0 {
			return nil
		}
		return []byte{4, usb.StringDescType, langIDEnglishUS & 0xff, langIDEnglishUS >> 8}
	}
	s, ok := desc.Strings[index]
	if !ok {
		return nil
	}
	return usb.EncodeStringDescriptor(s)
}

func truncate(b []byte, n uint16) []byte {
	if int(n) < len(b) {
		return b[:n]
	}
	return b
}

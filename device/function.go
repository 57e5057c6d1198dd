// Package device defines the interface emulated USB functions implement and
// the chapter 9 responder that sits in front of them on endpoint 0.
package device

import (
	"errors"

	"github.com/sharpie7/tinyusb/usb"
)

var (
	// ErrStall makes the endpoint answer with a STALL handshake.
	ErrStall = errors.New("device: stall")
	// ErrNAK makes the endpoint answer with NAK; the host retries later.
	ErrNAK = errors.New("device: nak")
)

// Function is an emulated USB function.
type Function interface {
	GetDescriptor() *usb.Descriptor
	// HandleIn produces at most max bytes for an IN token on ep.
	HandleIn(ep uint8, max int) ([]byte, error)
	// HandleOut consumes the data of an OUT transaction on ep.
	HandleOut(ep uint8, data []byte) error
}

// ControlHandler is implemented by functions that answer class or vendor
// requests on endpoint 0. handled=false falls through to the standard
// responder.
type ControlHandler interface {
	HandleControl(req usb.ControlRequest, out []byte) (in []byte, handled bool, err error)
}

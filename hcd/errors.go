package hcd

import (
	"errors"
	"fmt"

	"github.com/sharpie7/tinyusb/ehci"
)

var (
	// ErrNoFreeSlot is returned when a device has no free pipe or segment slot.
	ErrNoFreeSlot = errors.New("hcd: no free slot")
	// ErrPipeBusy is returned when a pipe already has a pending chain.
	ErrPipeBusy = errors.New("hcd: pipe busy")
	// ErrInvalidPipe is returned for handles that are out of range or not open.
	ErrInvalidPipe = errors.New("hcd: invalid pipe")
	// ErrInvalidAddress is returned for device addresses outside the pool or
	// without an enumeration record.
	ErrInvalidAddress = errors.New("hcd: invalid device address")
	// ErrUnsupportedTransferType is returned by OpenPipe for anything but bulk.
	ErrUnsupportedTransferType = errors.New("hcd: unsupported transfer type")
	// ErrHardwareTimeout is returned when the controller does not acknowledge
	// an async advance. The controller is unusable afterwards.
	ErrHardwareTimeout = errors.New("hcd: hardware timeout")
	// ErrInvalidMaxPacketSize is returned for an endpoint 0 max packet size
	// other than 8, 16, 32 or 64.
	ErrInvalidMaxPacketSize = errors.New("hcd: invalid max packet size")
	// ErrBufferTooSmall is returned when a caller buffer cannot hold wLength.
	ErrBufferTooSmall = errors.New("hcd: buffer too small")
	// ErrTransferFailed is matched by every *TransferError.
	ErrTransferFailed = errors.New("hcd: transfer failed")
	// ErrPipeClosed completes transfers still pending when their pipe closes.
	ErrPipeClosed = errors.New("hcd: pipe closed")
)

// TransferError reports a chain that ended with error bits set in a qTD
// token. Bytes is the count transferred before the error.
type TransferError struct {
	Status ehci.Status
	Bytes  int
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("hcd: transfer failed after %d bytes: %s", e.Bytes, e.Status)
}

func (e *TransferError) Unwrap() error { return ErrTransferFailed }

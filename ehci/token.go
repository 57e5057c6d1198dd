package ehci

import (
	"fmt"
	"strings"
)

// PID is the qTD PID code (token bits 9:8).
type PID uint8

const (
	PIDOut   PID = 0
	PIDIn    PID = 1
	PIDSetup PID = 2
)

func (p PID) String() string {
	switch p {
	case PIDOut:
		return "OUT"
	case PIDIn:
		return "IN"
	case PIDSetup:
		return "SETUP"
	}
	return fmt.Sprintf("PID(%d)", uint8(p))
}

// Status is the qTD status byte (token bits 7:0).
type Status uint8

const (
	StatusPingErr          Status = 1 << 0
	StatusSplitState       Status = 1 << 1
	StatusMissedMicroFrame Status = 1 << 2
	StatusXactErr          Status = 1 << 3
	StatusBabble           Status = 1 << 4
	StatusDataBufferErr    Status = 1 << 5
	StatusHalted           Status = 1 << 6
	StatusActive           Status = 1 << 7

	// StatusErrorMask covers the bits that end a transfer in error.
	StatusErrorMask = StatusHalted | StatusDataBufferErr | StatusBabble | StatusXactErr
)

func (s Status) Active() bool { return s&StatusActive != 0 }
func (s Status) Halted() bool { return s&StatusHalted != 0 }
func (s Status) Failed() bool { return s&StatusErrorMask != 0 }

var statusNames = []struct {
	bit  Status
	name string
}{
	{StatusActive, "active"},
	{StatusHalted, "halted"},
	{StatusDataBufferErr, "buffer"},
	{StatusBabble, "babble"},
	{StatusXactErr, "xact"},
	{StatusMissedMicroFrame, "missed"},
	{StatusSplitState, "split"},
	{StatusPingErr, "ping"},
}

func (s Status) String() string {
	if s == 0 {
		return "idle"
	}
	var parts []string
	for _, n := range statusNames {
		if s&n.bit != 0 {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}

// Token field layout.
const (
	tokenStatusMask  uint32 = 0xff
	tokenPIDShift           = 8
	tokenPIDMask     uint32 = 0x3
	tokenCerrShift          = 10
	tokenCerrMask    uint32 = 0x3
	tokenCPageShift         = 12
	tokenCPageMask   uint32 = 0x7
	tokenIOC         uint32 = 1 << 15
	tokenBytesShift         = 16
	tokenBytesMask   uint32 = 0x7fff
	tokenToggle      uint32 = 1 << 31
)

// MaxTransferBytes is the largest byte count one qTD can describe: five
// 4 KiB pages when the buffer starts on a page boundary.
const MaxTransferBytes = 5 * PageSize

// PageSize is the granularity of qTD buffer page pointers.
const PageSize = 4096

// Token is the decoded qTD token word (DW2).
type Token struct {
	Status      Status
	PID         PID
	ErrCount    uint8
	CurrentPage uint8
	IOC         bool
	TotalBytes  uint16
	Toggle      bool
}

// Raw packs the token.
func (t Token) Raw() uint32 {
	v := uint32(t.Status) & tokenStatusMask
	v |= (uint32(t.PID) & tokenPIDMask) << tokenPIDShift
	v |= (uint32(t.ErrCount) & tokenCerrMask) << tokenCerrShift
	v |= (uint32(t.CurrentPage) & tokenCPageMask) << tokenCPageShift
	if t.IOC {
		v |= tokenIOC
	}
	v |= (uint32(t.TotalBytes) & tokenBytesMask) << tokenBytesShift
	if t.Toggle {
		v |= tokenToggle
	}
	return v
}

// DecodeToken unpacks a token word.
func DecodeToken(raw uint32) Token {
	return Token{
		Status:      Status(raw & tokenStatusMask),
		PID:         PID((raw >> tokenPIDShift) & tokenPIDMask),
		ErrCount:    uint8((raw >> tokenCerrShift) & tokenCerrMask),
		CurrentPage: uint8((raw >> tokenCPageShift) & tokenCPageMask),
		IOC:         raw&tokenIOC != 0,
		TotalBytes:  uint16((raw >> tokenBytesShift) & tokenBytesMask),
		Toggle:      raw&tokenToggle != 0,
	}
}

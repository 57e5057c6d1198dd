// Package ehci encodes and decodes the EHCI 1.0 asynchronous schedule data
// structures (queue heads and queue element transfer descriptors) to and from
// the 32-bit little-endian words the host controller reads by DMA.
//
// Everything above this package works on decoded structs; bit packing lives
// only here.
package ehci

import "fmt"

// Align is the required alignment of every QH and qTD in controller memory.
// The low five bits of a link word carry flags instead of address bits.
const Align = 32

// LinkAddrMask selects the address bits (31:5) of a link word.
const LinkAddrMask uint32 = 0xffffffe0

const (
	linkTerminate uint32 = 1 << 0
	linkTypeShift        = 1
	linkTypeMask  uint32 = 0x3
)

// LinkType is the Typ field (bits 2:1) of a horizontal link pointer.
type LinkType uint8

const (
	LinkITD  LinkType = 0
	LinkQH   LinkType = 1
	LinkSITD LinkType = 2
	LinkFSTN LinkType = 3

	// LinkQTD is used for qTD next/alternate pointers, whose type bits are
	// reserved and must read as zero.
	LinkQTD LinkType = 0
)

func (t LinkType) String() string {
	switch t {
	case LinkITD:
		return "itd"
	case LinkQH:
		return "qh"
	case LinkSITD:
		return "sitd"
	case LinkFSTN:
		return "fstn"
	}
	return fmt.Sprintf("type(%d)", uint8(t))
}

// Link is a decoded link pointer: a 32-byte aligned physical address, a type
// tag and the terminate bit.
type Link struct {
	Addr      uint32
	Type      LinkType
	Terminate bool
}

// Terminated is the list-end link.
var Terminated = Link{Terminate: true}

// LinkTo returns a live (non-terminated) link to addr.
func LinkTo(addr uint32, t LinkType) Link {
	return Link{Addr: addr, Type: t}
}

// Raw packs the link into its hardware word.
func (l Link) Raw() uint32 {
	v := l.Addr&LinkAddrMask | (uint32(l.Type)&linkTypeMask)<<linkTypeShift
	if l.Terminate {
		v |= linkTerminate
	}
	return v
}

// DecodeLink unpacks a hardware link word.
func DecodeLink(raw uint32) Link {
	return Link{
		Addr:      raw & LinkAddrMask,
		Type:      LinkType((raw >> linkTypeShift) & linkTypeMask),
		Terminate: raw&linkTerminate != 0,
	}
}

// Valid reports whether the link points somewhere.
func (l Link) Valid() bool { return !l.Terminate }

func (l Link) String() string {
	if l.Terminate {
		return "T"
	}
	return fmt.Sprintf("%s@%#08x", l.Type, l.Addr)
}

// Aligned reports whether addr satisfies the descriptor alignment rule.
func Aligned(addr uint32) bool { return addr&^LinkAddrMask == 0 }

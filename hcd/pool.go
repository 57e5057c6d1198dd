package hcd

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/sharpie7/tinyusb/ehci"
)

// PipeKind distinguishes a device's control pipe from its bulk pipes.
type PipeKind uint8

const (
	PipeControl PipeKind = iota
	PipeBulk
)

func (k PipeKind) String() string {
	switch k {
	case PipeControl:
		return "ctrl"
	case PipeBulk:
		return "bulk"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// PipeHandle names a queue head slot. Index is only meaningful for bulk
// pipes and selects the slot inside the device's pipe array.
type PipeHandle struct {
	DevAddr uint8
	Kind    PipeKind
	Index   uint8
}

// AnchorHandle is the handle of the address-0 control pipe, which is served
// by the asynchronous list anchor.
func AnchorHandle() PipeHandle { return PipeHandle{Kind: PipeControl} }

// IsAnchor reports whether h refers to the asynchronous list anchor.
func (h PipeHandle) IsAnchor() bool { return h.DevAddr == 0 && h.Kind == PipeControl }

func (h PipeHandle) String() string {
	if h.Kind == PipeControl {
		return fmt.Sprintf("%d:ctrl", h.DevAddr)
	}
	return fmt.Sprintf("%d:bulk%d", h.DevAddr, h.Index)
}

// ParsePipeHandle parses the String form ("3:ctrl", "3:bulk0").
func ParsePipeHandle(s string) (PipeHandle, error) {
	addr, rest, ok := strings.Cut(s, ":")
	if !ok {
		return PipeHandle{}, fmt.Errorf("%w: %q", ErrInvalidPipe, s)
	}
	a, err := strconv.ParseUint(addr, 10, 7)
	if err != nil {
		return PipeHandle{}, fmt.Errorf("%w: address %q", ErrInvalidPipe, addr)
	}
	switch {
	case rest == "ctrl":
		return PipeHandle{DevAddr: uint8(a), Kind: PipeControl}, nil
	case strings.HasPrefix(rest, "bulk"):
		i, err := strconv.ParseUint(strings.TrimPrefix(rest, "bulk"), 10, 8)
		if err != nil {
			return PipeHandle{}, fmt.Errorf("%w: index in %q", ErrInvalidPipe, rest)
		}
		return PipeHandle{DevAddr: uint8(a), Kind: PipeBulk, Index: uint8(i)}, nil
	}
	return PipeHandle{}, fmt.Errorf("%w: kind %q", ErrInvalidPipe, rest)
}

// qhSlot maps a handle onto its queue head slot index. Slot 0 is the anchor.
func (c *Controller) qhSlot(h PipeHandle) (int, error) {
	if h.IsAnchor() {
		return 0, nil
	}
	if h.DevAddr == 0 || int(h.DevAddr) > c.cfg.MaxDevices {
		return 0, fmt.Errorf("%w: %d", ErrInvalidAddress, h.DevAddr)
	}
	base := 1 + int(h.DevAddr-1)*(1+c.cfg.PipesPerDevice)
	switch h.Kind {
	case PipeControl:
		return base, nil
	case PipeBulk:
		if int(h.Index) >= c.cfg.PipesPerDevice {
			return 0, fmt.Errorf("%w: %s", ErrInvalidPipe, h)
		}
		return base + 1 + int(h.Index), nil
	}
	return 0, fmt.Errorf("%w: %s", ErrInvalidPipe, h)
}

func (c *Controller) qhPhys(slot int) uint32 {
	return c.qhBase + uint32(slot)*ehci.QHSize
}

// SegmentPool is a fixed array of qTD slots in DMA memory.
type SegmentPool struct {
	base uint32
	// stop is an inactive qTD shared by every pool. Short packets are
	// redirected to it.
	stop uint32

	mu   sync.Mutex
	used []bool
}

func newSegmentPool(base uint32, n int, stop uint32) *SegmentPool {
	return &SegmentPool{base: base, stop: stop, used: make([]bool, n)}
}

// Stop returns the physical address of the short packet stop qTD.
func (p *SegmentPool) Stop() uint32 { return p.stop }

// Len returns the number of slots.
func (p *SegmentPool) Len() int { return len(p.used) }

// Slot returns the physical address of slot i.
func (p *SegmentPool) Slot(i int) uint32 { return p.base + uint32(i)*ehci.QTDSize }

// Free returns the number of unallocated slots.
func (p *SegmentPool) Free() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, u := range p.used {
		if !u {
			n++
		}
	}
	return n
}

// alloc reserves n slots. The slots need not be contiguous.
func (p *SegmentPool) alloc(n int) ([]uint32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]uint32, 0, n)
	for i, u := range p.used {
		if len(out) == n {
			break
		}
		if !u {
			out = append(out, p.Slot(i))
		}
	}
	if len(out) < n {
		return nil, fmt.Errorf("%w: need %d qTDs, %d free", ErrNoFreeSlot, n, len(out))
	}
	for _, phys := range out {
		p.used[(phys-p.base)/ehci.QTDSize] = true
	}
	return out, nil
}

func (p *SegmentPool) owns(phys uint32) bool {
	return phys >= p.base && phys < p.base+uint32(len(p.used))*ehci.QTDSize
}

func (p *SegmentPool) release(slots []uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, phys := range slots {
		if p.owns(phys) {
			p.used[(phys-p.base)/ehci.QTDSize] = false
		}
	}
}

// ControlSlots are the fixed qTD slots and SETUP buffer of one control pipe.
type ControlSlots struct {
	Setup       uint32
	Data        uint32
	Status      uint32
	SetupBuffer uint32
}

func (c *Controller) controlSlots(devAddr uint8) ControlSlots {
	first := 0
	if devAddr != 0 {
		first = controlSegments + int(devAddr-1)*(controlSegments+c.cfg.SegmentsPerDevice)
	}
	base := c.qtdBase + uint32(first)*ehci.QTDSize
	return ControlSlots{
		Setup:       base,
		Data:        base + ehci.QTDSize,
		Status:      base + 2*ehci.QTDSize,
		SetupBuffer: c.setupBase + uint32(devAddr)*8,
	}
}

// bulkPool returns the device's bulk segment pool.
func (c *Controller) bulkPool(devAddr uint8) *SegmentPool {
	return c.segPools[devAddr-1]
}

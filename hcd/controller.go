// Package hcd schedules control and bulk transfers on an EHCI asynchronous
// list. It owns the queue head and qTD pools in DMA memory, keeps the
// circular list anchored at a head-of-list queue head, builds qTD chains and
// reclaims them when the controller reports completion.
package hcd

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/sharpie7/tinyusb/dma"
	"github.com/sharpie7/tinyusb/ehci"
	"github.com/sharpie7/tinyusb/internal/log"
	"github.com/sharpie7/tinyusb/usb"
)

// DeviceRecord is what enumeration knows about an addressed device.
type DeviceRecord struct {
	Speed      usb.Speed
	HubAddress uint8
	HubPort    uint8
}

// DeviceInfo resolves enumeration records by device address.
type DeviceInfo interface {
	DeviceRecord(addr uint8) (DeviceRecord, error)
}

// RegisterDriver is the register-level side of the controller.
type RegisterDriver interface {
	// ProgramAsyncListHead writes ASYNCLISTADDR.
	ProgramAsyncListHead(phys uint32) error
	// SignalAsyncAdvance rings the async advance doorbell and waits for the
	// controller to acknowledge it. It returns false when ctx expires first.
	SignalAsyncAdvance(ctx context.Context) (bool, error)
}

// Completion reports the end of a submitted transfer.
type Completion struct {
	Handle PipeHandle
	Bytes  int
	Err    error
}

// Controller is one host controller instance.
type Controller struct {
	id      uuid.UUID
	cfg     Config
	arena   *dma.Arena
	devices DeviceInfo
	driver  RegisterDriver
	logger  *slog.Logger
	raw     log.RawLogger
	builder *SegmentBuilder
	buffers *dma.BufferPool

	qhBase    uint32
	qtdBase   uint32
	setupBase uint32
	segPools  []*SegmentPool

	// mu guards pipes and every transfer hanging off them. Lock order is
	// mu, then listMu.
	mu    sync.Mutex
	pipes []pipe

	listMu    sync.Mutex
	advanceMu sync.Mutex

	completions chan Completion
	// backlog holds completions that found the channel full. Guarded by mu.
	backlog []Completion
	wedged  atomic.Bool
}

type pipe struct {
	handle    PipeHandle
	open      bool
	linked    bool
	retiring  bool
	closing   bool
	in        bool
	maxPacket uint16
	xfer      *transfer
}

// New lays out the descriptor pools in arena, initialises the list anchor
// and programs it as the asynchronous list head.
func New(cfg Config, arena *dma.Arena, devices DeviceInfo, driver RegisterDriver, logger *slog.Logger, raw log.RawLogger) (*Controller, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid controller config: %w", err)
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if raw == nil {
		raw = log.NewRaw(nil)
	}
	id := uuid.New()
	c := &Controller{
		id:          id,
		cfg:         cfg,
		arena:       arena,
		devices:     devices,
		driver:      driver,
		logger:      logger.With("controller", id.String()),
		raw:         raw,
		builder:     NewSegmentBuilder(arena, raw),
		pipes:       make([]pipe, cfg.queueHeads()),
		completions: make(chan Completion, cfg.CompletionQueueDepth),
	}

	qh, err := arena.Alloc(cfg.queueHeads()*ehci.QHSize, ehci.Align)
	if err != nil {
		return nil, fmt.Errorf("allocate queue heads: %w", err)
	}
	qtd, err := arena.Alloc(cfg.segments()*ehci.QTDSize, ehci.Align)
	if err != nil {
		return nil, fmt.Errorf("allocate qTDs: %w", err)
	}
	setup, err := arena.Alloc(cfg.setupBuffers()*usb.SetupPacketLen, ehci.Align)
	if err != nil {
		return nil, fmt.Errorf("allocate setup buffers: %w", err)
	}
	stop, err := arena.Alloc(ehci.QTDSize, ehci.Align)
	if err != nil {
		return nil, fmt.Errorf("allocate stop qTD: %w", err)
	}
	c.buffers, err = dma.NewBufferPool(arena, cfg.BufferPages)
	if err != nil {
		return nil, err
	}
	c.qhBase, c.qtdBase, c.setupBase = qh.Phys, qtd.Phys, setup.Phys

	// Never active: a queue head redirected here by a short packet goes idle.
	c.builder.write(stop.Phys, &ehci.TransferDescriptor{Next: ehci.Terminated, Alternate: ehci.Terminated})
	for d := 1; d <= cfg.MaxDevices; d++ {
		first := controlSegments + (d-1)*(controlSegments+cfg.SegmentsPerDevice) + controlSegments
		c.segPools = append(c.segPools, newSegmentPool(c.qtdBase+uint32(first)*ehci.QTDSize, cfg.SegmentsPerDevice, stop.Phys))
	}

	anchor := c.anchorPhys()
	idle := idleAnchor(anchor)
	c.writeQueueHead(anchor, &idle, true)
	c.pipes[0].handle = AnchorHandle()
	c.pipes[0].linked = true

	if err := driver.ProgramAsyncListHead(anchor); err != nil {
		return nil, fmt.Errorf("program async list head: %w", err)
	}
	c.logger.Info("Controller initialised",
		"anchor", fmt.Sprintf("%#08x", anchor),
		"queueHeads", cfg.queueHeads(),
		"qtds", cfg.segments(),
		"bufferPages", cfg.BufferPages)
	return c, nil
}

// idleAnchor is the anchor while no address-0 pipe is open: self linked,
// head of list, halted so the controller never executes it.
func idleAnchor(phys uint32) ehci.QueueHead {
	qh := ehci.QueueHead{
		Horizontal: ehci.LinkTo(phys, ehci.LinkQH),
		HeadOfList: true,
	}
	qh.Overlay.Next = ehci.Terminated
	qh.Overlay.Alternate = ehci.Terminated
	qh.Overlay.Token.Status = ehci.StatusHalted
	return qh
}

// ID identifies this controller instance.
func (c *Controller) ID() uuid.UUID { return c.id }

// Config returns the configuration the controller was built with.
func (c *Controller) Config() Config { return c.cfg }

// Arena returns the DMA memory the controller's descriptors live in.
func (c *Controller) Arena() *dma.Arena { return c.arena }

func (c *Controller) anchorPhys() uint32 { return c.qhPhys(0) }

// Completions delivers the results of transfers submitted with
// SubmitControlTransfer and SubmitBulkTransfer. Results that found the
// channel full are delivered by the next HandleInterrupt.
func (c *Controller) Completions() <-chan Completion { return c.completions }

// Wedged reports whether an async advance handshake has timed out.
func (c *Controller) Wedged() bool { return c.wedged.Load() }

func (c *Controller) usable() error {
	if c.wedged.Load() {
		return fmt.Errorf("controller %s is wedged: %w", c.id, ErrHardwareTimeout)
	}
	return nil
}

// writeQueueHead publishes qh at phys. The horizontal link word is written
// last, or not at all when withLink is false.
func (c *Controller) writeQueueHead(phys uint32, qh *ehci.QueueHead, withLink bool) {
	w := qh.Encode()
	c.arena.StoreWords(phys+4, w[1:])
	if withLink {
		c.arena.Store(phys, w[ehci.QHLinkWord])
	}
	c.raw.Log(true, phys, w[:])
}

// QueueHead decodes the queue head at phys.
func (c *Controller) QueueHead(phys uint32) ehci.QueueHead {
	var w [ehci.QHWords]uint32
	c.arena.LoadWords(phys, w[:])
	return ehci.DecodeQueueHead(w[:])
}

// Info is a snapshot of controller-wide state.
type Info struct {
	ID              uuid.UUID
	AnchorPhys      uint32
	MaxDevices      int
	PipesPerDevice  int
	OpenPipes       []PipeHandle
	FreeBufferPages int
	Wedged          bool
}

// Info returns a snapshot of the controller.
func (c *Controller) Info() Info {
	return Info{
		ID:              c.id,
		AnchorPhys:      c.anchorPhys(),
		MaxDevices:      c.cfg.MaxDevices,
		PipesPerDevice:  c.cfg.PipesPerDevice,
		OpenPipes:       c.OpenPipes(),
		FreeBufferPages: c.buffers.Free(),
		Wedged:          c.Wedged(),
	}
}

// OpenPipes lists the handles of every open pipe in slot order.
func (c *Controller) OpenPipes() []PipeHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []PipeHandle
	for i := range c.pipes {
		if c.pipes[i].open {
			out = append(out, c.pipes[i].handle)
		}
	}
	return out
}

// QueueHeadPhys returns the physical address of the queue head backing h.
func (c *Controller) QueueHeadPhys(h PipeHandle) (uint32, error) {
	slot, err := c.qhSlot(h)
	if err != nil {
		return 0, err
	}
	return c.qhPhys(slot), nil
}

// handleForSlot is the inverse of qhSlot.
func (c *Controller) handleForSlot(slot int) PipeHandle {
	if slot == 0 {
		return AnchorHandle()
	}
	per := 1 + c.cfg.PipesPerDevice
	dev := uint8((slot-1)/per + 1)
	off := (slot - 1) % per
	if off == 0 {
		return PipeHandle{DevAddr: dev, Kind: PipeControl}
	}
	return PipeHandle{DevAddr: dev, Kind: PipeBulk, Index: uint8(off - 1)}
}

func (c *Controller) slotForPhys(phys uint32) (int, bool) {
	if phys < c.qhBase || (phys-c.qhBase)%ehci.QHSize != 0 {
		return 0, false
	}
	slot := int((phys - c.qhBase) / ehci.QHSize)
	return slot, slot < len(c.pipes)
}

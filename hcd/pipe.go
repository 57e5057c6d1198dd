package hcd

import (
	"context"
	"fmt"

	"github.com/sharpie7/tinyusb/ehci"
	"github.com/sharpie7/tinyusb/usb"
)

func (c *Controller) deviceRecord(addr uint8) (DeviceRecord, error) {
	rec, err := c.devices.DeviceRecord(addr)
	if err != nil {
		return DeviceRecord{}, fmt.Errorf("%w: %d: %v", ErrInvalidAddress, addr, err)
	}
	return rec, nil
}

// newQueueHead returns the common part of every pipe's queue head.
func (c *Controller) newQueueHead(devAddr uint8, rec DeviceRecord) ehci.QueueHead {
	qh := ehci.QueueHead{
		Horizontal:    ehci.Terminated,
		DeviceAddress: devAddr,
		Speed:         rec.Speed,
		NakReload:     c.cfg.NakReload,
		HubAddress:    rec.HubAddress,
		HubPort:       rec.HubPort,
		Mult:          1,
		Used:          true,
	}
	qh.Overlay.Next = ehci.Terminated
	qh.Overlay.Alternate = ehci.Terminated
	return qh
}

// OpenControlPipe opens (or re-opens) the default control pipe of devAddr.
// Address 0 is served by the asynchronous list anchor.
func (c *Controller) OpenControlPipe(devAddr uint8, maxPacket uint16) (PipeHandle, error) {
	if err := c.usable(); err != nil {
		return PipeHandle{}, err
	}
	switch maxPacket {
	case 8, 16, 32, 64:
	default:
		return PipeHandle{}, fmt.Errorf("open control pipe on device %d: %w: %d", devAddr, ErrInvalidMaxPacketSize, maxPacket)
	}
	h := PipeHandle{DevAddr: devAddr, Kind: PipeControl}
	slot, err := c.qhSlot(h)
	if err != nil {
		return PipeHandle{}, err
	}
	rec, err := c.deviceRecord(devAddr)
	if err != nil {
		return PipeHandle{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	p := &c.pipes[slot]
	if p.retiring || p.xfer != nil {
		return PipeHandle{}, fmt.Errorf("open control pipe %s: %w", h, ErrPipeBusy)
	}

	phys := c.qhPhys(slot)
	qh := c.newQueueHead(devAddr, rec)
	qh.DataToggleControl = true
	qh.MaxPacketSize = maxPacket
	qh.ControlEndpoint = rec.Speed != usb.SpeedHigh

	reopen := p.open
	switch {
	case h.IsAnchor():
		qh.HeadOfList = true
		qh.Horizontal = ehci.DecodeLink(c.arena.Load(phys))
		c.writeQueueHead(phys, &qh, false)
	case p.linked:
		qh.Horizontal = ehci.DecodeLink(c.arena.Load(phys))
		c.writeQueueHead(phys, &qh, false)
	default:
		c.writeQueueHead(phys, &qh, true)
		c.link(phys)
		p.linked = true
	}
	p.handle = h
	p.open = true
	p.maxPacket = maxPacket

	c.logger.Info("Opened control pipe",
		"handle", h,
		"phys", fmt.Sprintf("%#08x", phys),
		"speed", rec.Speed,
		"hub", rec.HubAddress,
		"port", rec.HubPort,
		"maxPacket", maxPacket,
		"reopen", reopen)
	return h, nil
}

// OpenPipe opens a bulk pipe on the next free slot of devAddr's pipe array.
func (c *Controller) OpenPipe(devAddr uint8, ep usb.EndpointDescriptor) (PipeHandle, error) {
	if err := c.usable(); err != nil {
		return PipeHandle{}, err
	}
	if tt := ep.TransferType(); tt != usb.TransferBulk {
		return PipeHandle{}, fmt.Errorf("open pipe on endpoint %#02x: %w: %s", ep.BEndpointAddress, ErrUnsupportedTransferType, tt)
	}
	if devAddr == 0 {
		return PipeHandle{}, fmt.Errorf("%w: address 0 only has a control pipe", ErrInvalidAddress)
	}
	if _, err := c.qhSlot(PipeHandle{DevAddr: devAddr, Kind: PipeControl}); err != nil {
		return PipeHandle{}, err
	}
	rec, err := c.deviceRecord(devAddr)
	if err != nil {
		return PipeHandle{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	h := PipeHandle{DevAddr: devAddr, Kind: PipeBulk}
	slot := -1
	for i := 0; i < c.cfg.PipesPerDevice; i++ {
		h.Index = uint8(i)
		s, _ := c.qhSlot(h)
		if !c.pipes[s].open && !c.pipes[s].retiring {
			slot = s
			break
		}
	}
	if slot < 0 {
		return PipeHandle{}, fmt.Errorf("open pipe on device %d: %w", devAddr, ErrNoFreeSlot)
	}

	in := ep.Direction() == usb.DirDeviceToHost
	qh := c.newQueueHead(devAddr, rec)
	qh.Endpoint = ep.Number()
	qh.MaxPacketSize = ep.MaxPacketSize()
	qh.PIDNonControl = ehci.PIDOut
	if in {
		qh.PIDNonControl = ehci.PIDIn
	}

	phys := c.qhPhys(slot)
	c.writeQueueHead(phys, &qh, true)
	c.link(phys)

	p := &c.pipes[slot]
	p.handle = h
	p.open = true
	p.linked = true
	p.in = in
	p.maxPacket = qh.MaxPacketSize

	c.logger.Info("Opened bulk pipe",
		"handle", h,
		"phys", fmt.Sprintf("%#08x", phys),
		"endpoint", fmt.Sprintf("%#02x", ep.BEndpointAddress),
		"maxPacket", qh.MaxPacketSize)
	return h, nil
}

// ClosePipe unlinks the pipe, waits for the controller to drop any cached
// reference to it and frees the slot. A transfer still pending completes
// with ErrPipeClosed. Closing the address-0 pipe returns the anchor to its
// idle state. If ctx ends before the async advance is acknowledged the pipe
// stays retiring; calling ClosePipe again finishes the teardown.
func (c *Controller) ClosePipe(ctx context.Context, h PipeHandle) error {
	if err := c.usable(); err != nil {
		return err
	}
	slot, err := c.qhSlot(h)
	if err != nil {
		return err
	}

	c.mu.Lock()
	p := &c.pipes[slot]
	switch {
	case p.closing:
		c.mu.Unlock()
		return fmt.Errorf("close pipe %s: %w", h, ErrPipeBusy)
	case !p.open:
		c.mu.Unlock()
		return fmt.Errorf("close pipe %s: %w", h, ErrInvalidPipe)
	}
	resumed := p.retiring
	p.retiring = true
	p.closing = true
	unlinked := !p.linked
	c.mu.Unlock()

	phys := c.qhPhys(slot)
	switch {
	case h.IsAnchor():
		c.haltOverlay(phys)
	case !unlinked:
		if err := c.unlink(phys); err != nil {
			c.mu.Lock()
			p.closing = false
			c.mu.Unlock()
			return fmt.Errorf("close pipe %s: %w", h, err)
		}
		c.mu.Lock()
		p.linked = false
		c.mu.Unlock()
	}
	if err := c.asyncAdvance(ctx); err != nil {
		// The controller may still hold the queue head: the slot stays
		// reserved until a later close sees the handshake through.
		c.mu.Lock()
		p.closing = false
		c.mu.Unlock()
		return fmt.Errorf("close pipe %s: %w", h, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// A transfer still being built is failed by publish.
	if x := p.xfer; x != nil && x.attached {
		c.release(x)
		c.deliver(x, Completion{Handle: h, Err: ErrPipeClosed})
	}
	if h.IsAnchor() {
		idle := idleAnchor(phys)
		idle.Horizontal = ehci.DecodeLink(c.arena.Load(phys))
		c.writeQueueHead(phys, &idle, false)
	} else {
		c.arena.Zero(phys, ehci.QHSize)
	}
	*p = pipe{handle: p.handle, linked: p.linked}

	c.logger.Info("Closed pipe", "handle", h, "phys", fmt.Sprintf("%#08x", phys), "resumed", resumed)
	return nil
}

// haltOverlay stops the controller from advancing a queue head's chain.
func (c *Controller) haltOverlay(phys uint32) {
	ov := phys + ehci.QHOverlayWord*4
	tok := ehci.DecodeToken(c.arena.Load(ov + ehci.QTDTokenWord*4))
	c.arena.Store(ov+ehci.QTDNextWord*4, ehci.Terminated.Raw())
	c.arena.Store(ov+ehci.QTDTokenWord*4, ehci.Token{Status: ehci.StatusHalted, Toggle: tok.Toggle}.Raw())
}

// attach hands a built chain to the controller. The chain pointer is
// published before the overlay next link loses its terminate bit.
func (c *Controller) attach(phys, head uint32) error {
	if c.arena.Load(phys+ehci.QHChainWord*4) != 0 {
		return ErrPipeBusy
	}
	ov := phys + ehci.QHOverlayWord*4
	tok := ehci.DecodeToken(c.arena.Load(ov + ehci.QTDTokenWord*4))

	c.arena.Store(phys+ehci.QHChainWord*4, head)
	c.arena.Store(ov+ehci.QTDAlternateWord*4, ehci.Terminated.Raw())
	c.arena.Store(ov+ehci.QTDTokenWord*4, ehci.Token{Toggle: tok.Toggle}.Raw())
	c.arena.Store(ov+ehci.QTDNextWord*4, ehci.LinkTo(head, ehci.LinkQTD).Raw())
	return nil
}

// detach undoes attach once the chain is finished or abandoned. The data
// toggle the controller left in the overlay is preserved.
func (c *Controller) detach(phys uint32) {
	ov := phys + ehci.QHOverlayWord*4
	tok := ehci.DecodeToken(c.arena.Load(ov + ehci.QTDTokenWord*4))

	c.arena.Store(ov+ehci.QTDNextWord*4, ehci.Terminated.Raw())
	c.arena.Store(ov+ehci.QTDAlternateWord*4, ehci.Terminated.Raw())
	c.arena.Store(ov+ehci.QTDTokenWord*4, ehci.Token{Toggle: tok.Toggle}.Raw())
	c.arena.Store(phys+ehci.QHChainWord*4, 0)
}

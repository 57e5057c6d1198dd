package hcd

import (
	"fmt"

	"github.com/sharpie7/tinyusb/ehci"
)

// PipeState is where a pipe's current transfer is.
type PipeState uint8

const (
	// Idle: no chain attached.
	Idle PipeState = iota
	// Pending: chain attached, not yet fetched by the controller.
	Pending
	// Active: the controller has started on the chain.
	Active
	// Complete: the chain finished and awaits reclaim.
	Complete
	// Error: the chain halted and awaits reclaim.
	Error
)

func (s PipeState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Pending:
		return "pending"
	case Active:
		return "active"
	case Complete:
		return "complete"
	case Error:
		return "error"
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// PipeState reports the transfer state of h from the descriptors in memory.
func (c *Controller) PipeState(h PipeHandle) (PipeState, error) {
	slot, err := c.qhSlot(h)
	if err != nil {
		return Idle, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	p := &c.pipes[slot]
	if !p.open {
		return Idle, fmt.Errorf("pipe %s: %w", h, ErrInvalidPipe)
	}
	x := p.xfer
	if x == nil || !x.attached {
		return Idle, nil
	}
	r := c.inspect(x)
	switch {
	case r.finished && r.err != nil:
		return Error, nil
	case r.finished:
		return Complete, nil
	case r.started:
		return Active, nil
	}
	ov := ehci.DecodeToken(c.arena.Load(x.qh + (ehci.QHOverlayWord+ehci.QTDTokenWord)*4))
	if ov.Status.Active() {
		return Active, nil
	}
	return Pending, nil
}

package hcd

import (
	"context"
	"errors"
	"fmt"

	"github.com/sharpie7/tinyusb/ehci"
)

// link inserts the queue head at phys right after the anchor. The new queue
// head's own link is written before the anchor is pointed at it.
func (c *Controller) link(phys uint32) {
	c.listMu.Lock()
	defer c.listMu.Unlock()
	anchor := c.anchorPhys()
	c.arena.Store(phys, c.arena.Load(anchor))
	c.arena.Store(anchor, ehci.LinkTo(phys, ehci.LinkQH).Raw())
	c.logger.Debug("Linked queue head", "phys", fmt.Sprintf("%#08x", phys))
}

// unlink removes the queue head at phys from the list. The removed queue
// head keeps pointing at its old successor so a controller parked on it can
// move on. It is not free until an async advance has been acknowledged.
func (c *Controller) unlink(phys uint32) error {
	c.listMu.Lock()
	prev, err := c.predecessor(phys)
	if err != nil {
		c.listMu.Unlock()
		return err
	}
	c.arena.Store(prev, c.arena.Load(phys))
	c.listMu.Unlock()

	c.logger.Debug("Unlinked queue head",
		"phys", fmt.Sprintf("%#08x", phys),
		"prev", fmt.Sprintf("%#08x", prev))
	return nil
}

// predecessor walks the list from the anchor. Callers hold listMu.
func (c *Controller) predecessor(phys uint32) (uint32, error) {
	anchor := c.anchorPhys()
	cur := anchor
	for range c.pipes {
		next := ehci.DecodeLink(c.arena.Load(cur))
		if next.Terminate {
			return 0, fmt.Errorf("async list terminated at %#08x", cur)
		}
		if next.Addr == phys {
			return cur, nil
		}
		if next.Addr == anchor {
			break
		}
		cur = next.Addr
	}
	return 0, fmt.Errorf("queue head %#08x not on the async list: %w", phys, ErrInvalidPipe)
}

// asyncAdvance rings the doorbell until the controller acknowledges or the
// retry budget runs out, in which case the controller is marked wedged.
func (c *Controller) asyncAdvance(ctx context.Context) error {
	c.advanceMu.Lock()
	defer c.advanceMu.Unlock()
	for attempt := 1; attempt <= c.cfg.AdvanceRetries; attempt++ {
		actx, cancel := context.WithTimeout(ctx, c.cfg.AdvanceTimeout)
		ok, err := c.driver.SignalAsyncAdvance(actx)
		cancel()
		if ok {
			return nil
		}
		if ctx.Err() != nil {
			return fmt.Errorf("async advance: %w", ctx.Err())
		}
		if err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("async advance: %w", err)
		}
		c.logger.Warn("Async advance not acknowledged", "attempt", attempt, "of", c.cfg.AdvanceRetries)
	}
	c.wedged.Store(true)
	c.logger.Error("Controller wedged", "retries", c.cfg.AdvanceRetries, "timeout", c.cfg.AdvanceTimeout)
	return fmt.Errorf("async advance not acknowledged after %d attempts: %w", c.cfg.AdvanceRetries, ErrHardwareTimeout)
}

// IsSafeToRemove reports whether the controller can no longer reach the
// queue head behind h: it is off the list and the async advance that
// followed its removal has been acknowledged. The anchor is never removable.
func (c *Controller) IsSafeToRemove(h PipeHandle) (bool, error) {
	slot, err := c.qhSlot(h)
	if err != nil {
		return false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	p := &c.pipes[slot]
	return !p.linked && !p.retiring, nil
}

// ListEntry is one queue head on the asynchronous list.
type ListEntry struct {
	Phys      uint32
	Handle    PipeHandle
	QueueHead ehci.QueueHead
}

// AsyncList walks the list from the anchor and returns every queue head in
// the order the controller visits them, anchor first.
func (c *Controller) AsyncList() ([]ListEntry, error) {
	c.listMu.Lock()
	defer c.listMu.Unlock()
	anchor := c.anchorPhys()
	seen := make(map[uint32]bool)
	var out []ListEntry
	for phys := anchor; ; {
		slot, ok := c.slotForPhys(phys)
		if !ok {
			return out, fmt.Errorf("async list points outside the queue head pool at %#08x", phys)
		}
		seen[phys] = true
		qh := c.QueueHead(phys)
		out = append(out, ListEntry{Phys: phys, Handle: c.handleForSlot(slot), QueueHead: qh})

		next := qh.Horizontal
		switch {
		case next.Terminate:
			return out, fmt.Errorf("async list terminated at %#08x", phys)
		case next.Type != ehci.LinkQH:
			return out, fmt.Errorf("async list link at %#08x has type %s", phys, next.Type)
		case next.Addr == anchor:
			return out, nil
		case seen[next.Addr]:
			return out, fmt.Errorf("async list cycle at %#08x does not return to the anchor", next.Addr)
		}
		phys = next.Addr
	}
}

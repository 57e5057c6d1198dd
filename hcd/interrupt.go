package hcd

import (
	"github.com/sharpie7/tinyusb/ehci"
)

// result is what a chain's qTD tokens say about it.
type result struct {
	finished bool
	started  bool
	bytes    int
	err      error
}

// inspect reads every qTD token of x. The controller executes a chain in
// order, so the first active qTD means the chain is still running unless an
// earlier one failed. Data qTDs after a short one are never executed: the
// alternate link took the controller off the chain.
func (c *Controller) inspect(x *transfer) result {
	var r result
	short := false
	for i, seg := range x.chain.Segments {
		tok := ehci.DecodeToken(c.arena.Load(seg.Phys + ehci.QTDTokenWord*4))
		moved := 0
		if seg.Data && !tok.Status.Active() {
			moved = seg.Length - int(tok.TotalBytes)
		}
		if tok.Status.Failed() {
			r.bytes += moved
			r.finished = true
			r.started = true
			r.err = &TransferError{Status: tok.Status, Bytes: r.bytes}
			return r
		}
		if tok.Status.Active() {
			if short && seg.Data {
				break
			}
			r.started = i > 0
			return r
		}
		if seg.Data && !short {
			r.bytes += moved
			short = moved < seg.Length
		}
	}
	r.finished = true
	r.started = true
	return r
}

// HandleInterrupt reclaims every finished chain and reports it. It runs in
// interrupt context and never blocks: when the completion channel is full
// the chain is left in place and picked up by a later interrupt.
func (c *Controller) HandleInterrupt() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flushBacklog()
	for i := range c.pipes {
		p := &c.pipes[i]
		x := p.xfer
		if x == nil || !x.attached || p.retiring {
			continue
		}
		r := c.inspect(x)
		if !r.finished {
			continue
		}
		if x.done == nil && c.queueFull() {
			c.logger.Warn("Completion queue full, deferring reclaim", "handle", x.handle)
			continue
		}

		c.detach(x.qh)
		if x.in && !x.abandoned && r.bytes > 0 {
			c.arena.ReadBytes(x.bounce.Phys, x.buf[:r.bytes])
		}
		c.release(x)
		p.xfer = nil

		if r.err != nil {
			c.logger.Warn("Transfer failed", "handle", x.handle, "error", r.err)
		} else {
			c.logger.Debug("Transfer complete", "handle", x.handle, "bytes", r.bytes)
		}
		c.deliver(x, Completion{Handle: x.handle, Bytes: r.bytes, Err: r.err})
	}
}

// deliver hands a completion to the waiter or the completion channel. A
// completion that finds the channel full waits in the backlog, which is
// drained in order ahead of anything newer. Callers hold mu.
func (c *Controller) deliver(x *transfer, cpl Completion) {
	if x.done != nil {
		x.done <- cpl
		return
	}
	c.flushBacklog()
	if len(c.backlog) == 0 {
		select {
		case c.completions <- cpl:
			return
		default:
		}
	}
	c.logger.Warn("Completion queue full, deferring completion", "handle", cpl.Handle, "error", cpl.Err)
	c.backlog = append(c.backlog, cpl)
}

// flushBacklog moves deferred completions onto the channel while it has
// room. Callers hold mu.
func (c *Controller) flushBacklog() {
	for len(c.backlog) > 0 {
		select {
		case c.completions <- c.backlog[0]:
			c.backlog[0] = Completion{}
			c.backlog = c.backlog[1:]
		default:
			return
		}
	}
}

// queueFull reports whether a new completion would have to be deferred.
// Callers hold mu.
func (c *Controller) queueFull() bool {
	return len(c.backlog) > 0 || len(c.completions) == cap(c.completions)
}

package hcd

import (
	"context"
	"fmt"

	"github.com/sharpie7/tinyusb/dma"
	"github.com/sharpie7/tinyusb/ehci"
	"github.com/sharpie7/tinyusb/usb"
)

// transfer is the software side of a chain handed to the controller.
type transfer struct {
	handle    PipeHandle
	qh        uint32
	chain     Chain
	pool      *SegmentPool // nil for control chains, which use fixed slots
	bounce    dma.Buffer
	buf       []byte
	in        bool
	attached  bool
	abandoned bool
	done      chan Completion
}

// claim reserves the pipe behind h for one transfer.
func (c *Controller) claim(h PipeHandle, x *transfer) (*pipe, error) {
	if err := c.usable(); err != nil {
		return nil, err
	}
	slot, err := c.qhSlot(h)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	p := &c.pipes[slot]
	if !p.open || p.retiring {
		return nil, fmt.Errorf("pipe %s: %w", h, ErrInvalidPipe)
	}
	if p.xfer != nil {
		return nil, fmt.Errorf("pipe %s: %w", h, ErrPipeBusy)
	}
	x.handle = h
	x.qh = c.qhPhys(slot)
	p.xfer = x
	return p, nil
}

// publish attaches a privately built chain unless the pipe started closing
// while it was being built. Until publish runs the submitter alone owns x.
func (c *Controller) publish(p *pipe, x *transfer) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p.xfer != x || p.retiring {
		if p.xfer == x {
			p.xfer = nil
		}
		c.release(x)
		return fmt.Errorf("pipe %s: %w", x.handle, ErrPipeClosed)
	}
	if err := c.attach(x.qh, x.chain.Head()); err != nil {
		p.xfer = nil
		c.release(x)
		return fmt.Errorf("attach to pipe %s: %w", x.handle, err)
	}
	x.attached = true
	c.logger.Debug("Attached chain",
		"handle", x.handle,
		"head", fmt.Sprintf("%#08x", x.chain.Head()),
		"qtds", x.chain.Len(),
		"bytes", len(x.buf))
	return nil
}

// abort drops a claimed transfer that never got attached.
func (c *Controller) abort(p *pipe, x *transfer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p.xfer == x {
		p.xfer = nil
	}
	c.release(x)
}

// release returns the transfer's qTDs and bounce buffer. Callers hold mu.
func (c *Controller) release(x *transfer) {
	if x.pool != nil && x.chain.Len() > 0 {
		x.pool.release(x.chain.addrs())
	}
	c.buffers.Put(x.bounce)
	x.bounce = dma.Buffer{}
	x.chain = Chain{}
}

func (c *Controller) bounce(x *transfer, length int) error {
	b, err := c.buffers.Get(length)
	if err != nil {
		return fmt.Errorf("bounce buffer for %d bytes: %w", length, err)
	}
	x.bounce = b
	if !x.in && length > 0 {
		c.arena.WriteBytes(b.Phys, x.buf[:length])
	}
	return nil
}

func (c *Controller) submitControl(devAddr uint8, req usb.ControlRequest, buf []byte, done chan Completion) (*transfer, error) {
	length := int(req.Length)
	if len(buf) < length {
		return nil, fmt.Errorf("control request wants %d bytes, buffer holds %d: %w", length, len(buf), ErrBufferTooSmall)
	}
	x := &transfer{
		buf:  buf[:length],
		in:   req.Direction == usb.DirDeviceToHost,
		done: done,
	}
	h := PipeHandle{DevAddr: devAddr, Kind: PipeControl}
	p, err := c.claim(h, x)
	if err != nil {
		return nil, err
	}
	if length > 0 {
		if err := c.bounce(x, length); err != nil {
			c.abort(p, x)
			return nil, err
		}
	}
	x.chain, err = c.builder.BuildControlTransfer(c.controlSlots(devAddr), req.Bytes(), req.Direction, x.bounce.Phys, length)
	if err != nil {
		c.abort(p, x)
		return nil, fmt.Errorf("build control transfer: %w", err)
	}
	if err := c.publish(p, x); err != nil {
		return nil, err
	}
	return x, nil
}

// SubmitControlTransfer queues req on devAddr's control pipe. For IN
// requests buf receives the data stage; it must hold req.Length bytes. The
// result is delivered on Completions.
func (c *Controller) SubmitControlTransfer(ctx context.Context, devAddr uint8, req usb.ControlRequest, buf []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := c.submitControl(devAddr, req, buf, nil)
	return err
}

// ControlTransfer runs req on devAddr's control pipe and waits for it. It
// returns the number of data stage bytes moved. If ctx ends first the
// transfer keeps running and buf is no longer written.
func (c *Controller) ControlTransfer(ctx context.Context, devAddr uint8, req usb.ControlRequest, buf []byte) (int, error) {
	done := make(chan Completion, 1)
	x, err := c.submitControl(devAddr, req, buf, done)
	if err != nil {
		return 0, err
	}
	return c.wait(ctx, x)
}

func (c *Controller) submitBulk(h PipeHandle, buf []byte, done chan Completion) (*transfer, error) {
	if h.Kind != PipeBulk {
		return nil, fmt.Errorf("bulk transfer on %s: %w", h, ErrInvalidPipe)
	}
	x := &transfer{buf: buf, done: done}
	p, err := c.claim(h, x)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	x.in = p.in
	mps := p.maxPacket
	c.mu.Unlock()

	if err := c.bounce(x, len(buf)); err != nil {
		c.abort(p, x)
		return nil, err
	}
	pid := ehci.PIDOut
	if x.in {
		pid = ehci.PIDIn
	}
	x.pool = c.bulkPool(h.DevAddr)
	x.chain, err = c.builder.BuildBulkTransfer(x.pool, pid, x.bounce.Phys, len(buf), mps)
	if err != nil {
		c.abort(p, x)
		return nil, fmt.Errorf("build bulk transfer: %w", err)
	}
	if err := c.publish(p, x); err != nil {
		return nil, err
	}
	return x, nil
}

// SubmitBulkTransfer queues a bulk transfer of len(buf) bytes on h. The
// direction is the pipe's. The result is delivered on Completions.
func (c *Controller) SubmitBulkTransfer(ctx context.Context, h PipeHandle, buf []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := c.submitBulk(h, buf, nil)
	return err
}

// BulkTransfer runs a bulk transfer on h and waits for it.
func (c *Controller) BulkTransfer(ctx context.Context, h PipeHandle, buf []byte) (int, error) {
	done := make(chan Completion, 1)
	x, err := c.submitBulk(h, buf, done)
	if err != nil {
		return 0, err
	}
	return c.wait(ctx, x)
}

func (c *Controller) wait(ctx context.Context, x *transfer) (int, error) {
	select {
	case cpl := <-x.done:
		return cpl.Bytes, cpl.Err
	case <-ctx.Done():
	}
	c.mu.Lock()
	x.abandoned = true
	c.mu.Unlock()
	select {
	case cpl := <-x.done:
		return cpl.Bytes, cpl.Err
	default:
	}
	return 0, ctx.Err()
}

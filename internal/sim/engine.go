// Package sim is a register-level model of an EHCI host controller's
// asynchronous schedule. It walks queue heads and qTDs in DMA memory the way
// the silicon does and executes transactions against emulated functions.
package sim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sharpie7/tinyusb/device"
	"github.com/sharpie7/tinyusb/dma"
	"github.com/sharpie7/tinyusb/ehci"
	"github.com/sharpie7/tinyusb/internal/log"
	"github.com/sharpie7/tinyusb/usb"
)

// maxVisits bounds one schedule pass so a corrupt list cannot spin forever.
const maxVisits = 4096

// Target receives the transactions the engine executes.
type Target interface {
	Control(addr uint8, req usb.ControlRequest, out []byte) ([]byte, error)
	In(addr, ep uint8, max int) ([]byte, error)
	Out(addr, ep uint8, data []byte) error
}

// Config tunes the simulated controller.
type Config struct {
	Interval   time.Duration `help:"Time between asynchronous schedule passes" default:"1ms" env:"EHCID_SIM_INTERVAL"`
	AckLatency time.Duration `help:"Delay before the async advance doorbell is acknowledged" default:"0s" env:"EHCID_SIM_ACK_LATENCY"`
	Wedged     bool          `help:"Never acknowledge the async advance doorbell" default:"false" env:"EHCID_SIM_WEDGED"`
}

// Stats counts engine activity.
type Stats struct {
	Passes     uint64
	QTDs       uint64
	Interrupts uint64
	Advances   uint64
}

type controlState struct {
	req usb.ControlRequest
	in  []byte
	out []byte
	err error
}

// Engine implements the register driver side of the scheduler.
type Engine struct {
	cfg    Config
	arena  *dma.Arena
	target Target
	logger *slog.Logger
	raw    log.RawLogger
	wedged atomic.Bool

	mu      sync.Mutex
	regs    [regCount]uint32
	control map[uint8]*controlState
	irq     func()
	stats   Stats
}

func New(cfg Config, arena *dma.Arena, target Target, logger *slog.Logger, raw log.RawLogger) *Engine {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if raw == nil {
		raw = log.NewRaw(nil)
	}
	e := &Engine{
		cfg:     cfg,
		arena:   arena,
		target:  target,
		logger:  logger,
		raw:     raw,
		control: make(map[uint8]*controlState),
	}
	e.regs[RegUSBSTS/4] = StsHalted
	e.wedged.Store(cfg.Wedged)
	return e
}

// OnInterrupt installs the interrupt line. fn runs after a pass that
// completed an IOC qTD or halted on an error, outside the engine lock.
func (e *Engine) OnInterrupt(fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.irq = fn
}

// SetWedged makes the doorbell stop (or resume) acknowledging.
func (e *Engine) SetWedged(w bool) { e.wedged.Store(w) }

// Stats returns a snapshot of the activity counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// ReadRegister returns the operational register at off.
func (e *Engine) ReadRegister(off int) uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.regs[off/4]
}

// WriteRegister writes the operational register at off with hardware
// semantics: USBSTS status bits are write-one-to-clear, USBCMD run/stop is
// mirrored into USBSTS.HCHalted.
func (e *Engine) WriteRegister(off int, v uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch off {
	case RegUSBSTS:
		e.regs[RegUSBSTS/4] &^= v & stsWriteClear
	case RegUSBCMD:
		if v&CmdHCReset != 0 {
			e.regs = [regCount]uint32{}
			e.regs[RegUSBSTS/4] = StsHalted
			e.control = make(map[uint8]*controlState)
			return
		}
		e.regs[RegUSBCMD/4] = v
		e.syncStatus()
	case RegASYNCLISTADDR:
		e.regs[off/4] = v & ehci.LinkAddrMask
	default:
		e.regs[off/4] = v
	}
}

func (e *Engine) syncStatus() {
	cmd := e.regs[RegUSBCMD/4]
	sts := &e.regs[RegUSBSTS/4]
	if cmd&CmdRun != 0 {
		*sts &^= StsHalted
	} else {
		*sts |= StsHalted
	}
	if cmd&CmdRun != 0 && cmd&CmdAsyncEnable != 0 {
		*sts |= StsAsyncActive
	} else {
		*sts &^= StsAsyncActive
	}
}

// ProgramAsyncListHead sets ASYNCLISTADDR and starts the asynchronous
// schedule.
func (e *Engine) ProgramAsyncListHead(phys uint32) error {
	if !ehci.Aligned(phys) || !e.arena.Contains(phys, ehci.QHSize) {
		return fmt.Errorf("async list head %#08x is not an aligned queue head in controller memory", phys)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.regs[RegASYNCLISTADDR/4] = phys
	e.regs[RegUSBCMD/4] |= CmdRun | CmdAsyncEnable
	e.syncStatus()
	e.logger.Debug("Async list head programmed", "phys", fmt.Sprintf("%#08x", phys))
	return nil
}

// SignalAsyncAdvance rings the doorbell. A pass never runs while the engine
// lock is held, so taking it is enough to know no queue head is cached.
func (e *Engine) SignalAsyncAdvance(ctx context.Context) (bool, error) {
	if e.wedged.Load() {
		<-ctx.Done()
		return false, ctx.Err()
	}
	if d := e.cfg.AckLatency; d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.regs[RegUSBCMD/4] &^= CmdAsyncAdvanceDoorbell
	e.regs[RegUSBSTS/4] |= StsAsyncAdvance
	e.stats.Advances++
	return true, nil
}

// Run steps the schedule every cfg.Interval until ctx ends.
func (e *Engine) Run(ctx context.Context) error {
	interval := e.cfg.Interval
	if interval <= 0 {
		interval = time.Millisecond
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	e.logger.Info("Simulated controller running", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			e.Step()
		}
	}
}

// Step runs one pass over the asynchronous list and returns the number of
// qTDs executed.
func (e *Engine) Step() int {
	e.mu.Lock()
	n, raise := e.pass()
	irq := e.irq
	if raise {
		e.stats.Interrupts++
	}
	e.mu.Unlock()
	if raise && irq != nil {
		irq()
	}
	return n
}

func (e *Engine) pass() (int, bool) {
	cmd := e.regs[RegUSBCMD/4]
	if cmd&CmdRun == 0 || cmd&CmdAsyncEnable == 0 {
		return 0, false
	}
	e.stats.Passes++
	head := e.regs[RegASYNCLISTADDR/4]
	executed, irq := 0, false
	phys := head
	for visits := 0; visits < maxVisits; visits++ {
		if !ehci.Aligned(phys) || !e.arena.Contains(phys, ehci.QHSize) {
			e.fault("queue head pointer %#08x outside controller memory", phys)
			return executed, true
		}
		n, raise, err := e.service(phys)
		if err != nil {
			e.fault("%v", err)
			return executed, true
		}
		executed += n
		irq = irq || raise

		next := ehci.DecodeLink(e.arena.Load(phys))
		if next.Terminate || next.Type != ehci.LinkQH {
			e.logger.Warn("Async list broken", "at", fmt.Sprintf("%#08x", phys), "link", next)
			break
		}
		phys = next.Addr
		if phys == head {
			break
		}
	}
	if e.regs[RegUSBCMD/4]&CmdAsyncAdvanceDoorbell != 0 {
		e.regs[RegUSBCMD/4] &^= CmdAsyncAdvanceDoorbell
		e.regs[RegUSBSTS/4] |= StsAsyncAdvance
		e.stats.Advances++
	}
	if irq {
		e.regs[RegUSBSTS/4] |= StsInt
	}
	return executed, irq
}

// fault stops the controller the way a host system error does.
func (e *Engine) fault(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	e.logger.Error("Host system error", "error", msg)
	e.regs[RegUSBCMD/4] &^= CmdRun
	e.regs[RegUSBSTS/4] |= StsSystemError
	e.syncStatus()
}

func (e *Engine) loadQH(phys uint32) ehci.QueueHead {
	var w [ehci.QHWords]uint32
	e.arena.LoadWords(phys, w[:])
	return ehci.DecodeQueueHead(w[:])
}

// storeOverlay writes back DW3..DW11 of a queue head.
func (e *Engine) storeOverlay(phys uint32, qh *ehci.QueueHead) {
	w := qh.Encode()
	e.arena.StoreWords(phys+ehci.QHCurrentWord*4, w[ehci.QHCurrentWord:ehci.QHHardwareWords])
}

// service advances and executes one queue head. At most one qTD runs per
// visit.
func (e *Engine) service(phys uint32) (int, bool, error) {
	qh := e.loadQH(phys)
	ov := &qh.Overlay
	if ov.Token.Status.Halted() {
		return 0, false, nil
	}
	if !ov.Token.Status.Active() {
		next := ov.Next
		if next.Terminate {
			return 0, false, nil
		}
		if !ehci.Aligned(next.Addr) || !e.arena.Contains(next.Addr, ehci.QTDSize) {
			return 0, false, fmt.Errorf("qTD pointer %#08x in queue head %#08x outside controller memory", next.Addr, phys)
		}
		var w [ehci.QTDWords]uint32
		e.arena.LoadWords(next.Addr, w[:])
		td := ehci.DecodeTransferDescriptor(w[:])
		if !td.Token.Status.Active() {
			return 0, false, nil
		}
		e.raw.Log(false, next.Addr, w[:])
		toggle := ov.Token.Toggle
		ov.TransferDescriptor = td
		if !qh.DataToggleControl {
			ov.Token.Toggle = toggle
		}
		ov.NakCount = qh.NakReload
		qh.Current = next.Addr
	}
	return e.execute(phys, &qh)
}

func (e *Engine) execute(phys uint32, qh *ehci.QueueHead) (int, bool, error) {
	ov := &qh.Overlay
	tok := ov.Token
	want := int(tok.TotalBytes)
	buf := ov.Buffer[0]

	var moved int
	var err error
	switch {
	case qh.Endpoint == 0:
		moved, err = e.controlStage(qh.DeviceAddress, tok.PID, buf, want)
	case tok.PID == ehci.PIDIn:
		var data []byte
		data, err = e.target.In(qh.DeviceAddress, qh.Endpoint, want)
		if err == nil && len(data) > want {
			e.arena.WriteBytes(buf, data[:want])
			moved = want
			err = errBabble
		} else if err == nil {
			e.arena.WriteBytes(buf, data)
			moved = len(data)
		}
	case tok.PID == ehci.PIDOut:
		data := make([]byte, want)
		e.arena.ReadBytes(buf, data)
		if err = e.target.Out(qh.DeviceAddress, qh.Endpoint, data); err == nil {
			moved = want
		}
	default:
		err = fmt.Errorf("%w: PID %s on endpoint %d", device.ErrStall, tok.PID, qh.Endpoint)
	}

	if errors.Is(err, device.ErrNAK) {
		if qh.NakReload != 0 && ov.NakCount > 0 {
			ov.NakCount--
		}
		ov.Token.Status |= ehci.StatusActive
		e.storeOverlay(phys, qh)
		return 0, false, nil
	}

	tok.Status = statusFor(err)
	if tok.Status&ehci.StatusXactErr != 0 {
		tok.ErrCount = 0
	}
	tok.TotalBytes = uint16(want - moved)
	mps := int(qh.MaxPacketSize)
	if mps == 0 {
		mps = 1
	}
	packets := max(1, (moved+mps-1)/mps)
	if packets%2 == 1 {
		tok.Toggle = !tok.Toggle
	}
	ov.Token = tok
	ov.Buffer[0] = buf + uint32(moved)
	short := tok.PID == ehci.PIDIn && moved < want && tok.Status == 0
	if short && ov.Alternate.Valid() {
		ov.Next = ov.Alternate
	}
	e.storeOverlay(phys, qh)

	// Write the qTD back with its token last.
	e.arena.Store(qh.Current+ehci.QTDBufferWord*4, ov.Buffer[0])
	e.arena.Store(qh.Current+ehci.QTDTokenWord*4, tok.Raw())
	e.stats.QTDs++

	if err != nil {
		e.logger.Debug("qTD halted",
			"qh", fmt.Sprintf("%#08x", phys),
			"qtd", fmt.Sprintf("%#08x", qh.Current),
			"status", tok.Status,
			"error", err)
	}
	// USBINT is raised for IOC and for any short packet.
	return 1, tok.IOC || short || tok.Status.Failed(), nil
}

var errBabble = errors.New("sim: babble")

// statusFor maps a transaction outcome onto qTD status bits.
func statusFor(err error) ehci.Status {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, errBabble):
		return ehci.StatusHalted | ehci.StatusBabble
	case errors.Is(err, device.ErrStall):
		return ehci.StatusHalted
	default:
		// No handshake at all: the error counter runs out.
		return ehci.StatusHalted | ehci.StatusXactErr
	}
}

// controlStage emulates one stage of a control transfer on endpoint 0. IN
// requests are answered when their SETUP arrives; OUT and no-data requests
// are delivered at the status stage, after all OUT data is in.
func (e *Engine) controlStage(addr uint8, pid ehci.PID, buf uint32, want int) (int, error) {
	if pid == ehci.PIDSetup {
		raw := make([]byte, usb.SetupPacketLen)
		e.arena.ReadBytes(buf, raw)
		req, err := usb.ParseControlRequest(raw)
		if err != nil {
			return 0, err
		}
		cs := &controlState{req: req}
		if req.Direction == usb.DirDeviceToHost && req.Length > 0 {
			cs.in, cs.err = e.target.Control(addr, req, nil)
		}
		e.control[addr] = cs
		return usb.SetupPacketLen, nil
	}

	cs := e.control[addr]
	if cs == nil {
		return 0, fmt.Errorf("%w: %s without SETUP", device.ErrStall, pid)
	}
	req := cs.req
	dataIn := req.Direction == usb.DirDeviceToHost
	if req.Length > 0 && (pid == ehci.PIDIn) == dataIn {
		if pid == ehci.PIDIn {
			if cs.err != nil {
				return 0, cs.err
			}
			n := min(want, len(cs.in))
			e.arena.WriteBytes(buf, cs.in[:n])
			cs.in = cs.in[n:]
			return n, nil
		}
		data := make([]byte, want)
		e.arena.ReadBytes(buf, data)
		cs.out = append(cs.out, data...)
		return want, nil
	}

	delete(e.control, addr)
	if dataIn && req.Length > 0 {
		return 0, cs.err
	}
	_, err := e.target.Control(addr, req, cs.out)
	return 0, err
}

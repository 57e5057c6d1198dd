package hcd_test

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sharpie7/tinyusb/device/loopback"
	"github.com/sharpie7/tinyusb/hcd"
	"github.com/sharpie7/tinyusb/internal/sim"
	"github.com/sharpie7/tinyusb/usb"
	"github.com/sharpie7/tinyusb/virtualbus"
)

type simBench struct {
	ctrl   *hcd.Controller
	bus    *virtualbus.VirtualBus
	engine *sim.Engine
}

// newSimBench wires a controller to the simulated schedule engine. With run
// set the engine steps on its own; otherwise tests call Step.
func newSimBench(t *testing.T, cfg hcd.Config, run bool) *simBench {
	t.Helper()
	return newSimBenchWith(t, cfg, sim.Config{Interval: 100 * time.Microsecond}, run)
}

func newSimBenchWith(t *testing.T, cfg hcd.Config, simCfg sim.Config, run bool) *simBench {
	t.Helper()
	arena, err := hcd.NewArena(cfg)
	require.NoError(t, err)
	bus := virtualbus.New(cfg.MaxDevices)
	engine := sim.New(simCfg, arena, bus, nil, nil)
	ctrl, err := hcd.New(cfg, arena, bus, engine, nil, nil)
	require.NoError(t, err)
	if run {
		engine.OnInterrupt(ctrl.HandleInterrupt)
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			defer close(done)
			_ = engine.Run(ctx)
		}()
		t.Cleanup(func() {
			cancel()
			<-done
		})
	}
	return &simBench{ctrl: ctrl, bus: bus, engine: engine}
}

func withTimeout(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestEnumerateAndLoopback(t *testing.T) {
	cfg := hcd.DefaultConfig()
	cfg.BufferPages = 16
	b := newSimBench(t, cfg, true)
	ctx := withTimeout(t)

	lb := loopback.New(usb.SpeedHigh, 512)
	require.NoError(t, b.bus.AddAt(0, lb, virtualbus.Port{HubAddress: 2, HubPort: 2}))

	_, err := b.ctrl.OpenControlPipe(0, 64)
	require.NoError(t, err)

	buf := make([]byte, 18)
	n, err := b.ctrl.ControlTransfer(ctx, 0, usb.GetDescriptorRequest(usb.DeviceDescType, 0, 18), buf)
	require.NoError(t, err)
	assert.Equal(t, 18, n)
	assert.Equal(t, lb.GetDescriptor().Bytes(), buf)

	n, err = b.ctrl.ControlTransfer(ctx, 0, usb.SetAddressRequest(5), nil)
	require.NoError(t, err)
	assert.Zero(t, n)
	devs := b.bus.Devices()
	require.Len(t, devs, 1)
	assert.Equal(t, uint8(5), devs[0].Address)

	require.NoError(t, b.ctrl.ClosePipe(ctx, hcd.AnchorHandle()))
	_, err = b.ctrl.OpenControlPipe(5, 64)
	require.NoError(t, err)

	cfgDesc := make([]byte, 9)
	n, err = b.ctrl.ControlTransfer(ctx, 5, usb.GetDescriptorRequest(usb.ConfigDescType, 0, 9), cfgDesc)
	require.NoError(t, err)
	assert.Equal(t, 9, n)
	assert.Equal(t, lb.GetDescriptor().ConfigBytes()[:9], cfgDesc)

	_, err = b.ctrl.ControlTransfer(ctx, 5, usb.SetConfigurationRequest(1), nil)
	require.NoError(t, err)
	assert.Equal(t, uint8(1), b.bus.Devices()[0].Configuration)

	eps := lb.GetDescriptor().Interfaces[0].Endpoints
	out, err := b.ctrl.OpenPipe(5, eps[0])
	require.NoError(t, err)
	in, err := b.ctrl.OpenPipe(5, eps[1])
	require.NoError(t, err)

	payload := bytes.Repeat([]byte("ehci"), 250)
	n, err = b.ctrl.BulkTransfer(ctx, out, payload)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)
	assert.Equal(t, len(payload), lb.Pending())

	echo := make([]byte, len(payload))
	n, err = b.ctrl.BulkTransfer(ctx, in, echo)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)
	assert.Equal(t, payload, echo)
	assert.Zero(t, lb.Pending())
}

func TestStallIsReportedAndPipeRecovers(t *testing.T) {
	b := newSimBench(t, hcd.DefaultConfig(), true)
	ctx := withTimeout(t)
	addr, err := b.bus.Add(loopback.New(usb.SpeedFull, 64), virtualbus.Port{})
	require.NoError(t, err)
	h, err := b.ctrl.OpenControlPipe(addr, 64)
	require.NoError(t, err)

	_, err = b.ctrl.ControlTransfer(ctx, addr, usb.GetDescriptorRequest(usb.StringDescType, 9, 255), make([]byte, 255))
	require.ErrorIs(t, err, hcd.ErrTransferFailed)
	var te *hcd.TransferError
	require.True(t, errors.As(err, &te))
	assert.True(t, te.Status.Halted())

	state, err := b.ctrl.PipeState(h)
	require.NoError(t, err)
	assert.Equal(t, hcd.Idle, state)

	buf := make([]byte, 4)
	n, err := b.ctrl.ControlTransfer(ctx, addr, usb.GetDescriptorRequest(usb.StringDescType, 0, 4), buf)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, []byte{4, usb.StringDescType, 0x09, 0x04}, buf)
}

func TestShortControlRead(t *testing.T) {
	b := newSimBench(t, hcd.DefaultConfig(), true)
	ctx := withTimeout(t)
	addr, err := b.bus.Add(loopback.New(usb.SpeedHigh, 512), virtualbus.Port{})
	require.NoError(t, err)
	_, err = b.ctrl.OpenControlPipe(addr, 64)
	require.NoError(t, err)

	buf := make([]byte, 255)
	n, err := b.ctrl.ControlTransfer(ctx, addr, usb.GetDescriptorRequest(usb.DeviceDescType, 0, 255), buf)
	require.NoError(t, err)
	assert.Equal(t, 18, n)
}

func TestPipeStateFollowsExecution(t *testing.T) {
	b := newSimBench(t, hcd.DefaultConfig(), false)
	addr, err := b.bus.Add(loopback.New(usb.SpeedHigh, 512), virtualbus.Port{})
	require.NoError(t, err)
	h, err := b.ctrl.OpenControlPipe(addr, 64)
	require.NoError(t, err)

	buf := make([]byte, 18)
	require.NoError(t, b.ctrl.SubmitControlTransfer(context.Background(), addr, usb.GetDescriptorRequest(usb.DeviceDescType, 0, 18), buf))

	want := []hcd.PipeState{hcd.Active, hcd.Active, hcd.Complete}
	state, err := b.ctrl.PipeState(h)
	require.NoError(t, err)
	assert.Equal(t, hcd.Pending, state)
	for i, w := range want {
		assert.Equal(t, 1, b.engine.Step(), "pass %d", i)
		state, err = b.ctrl.PipeState(h)
		require.NoError(t, err)
		assert.Equal(t, w, state, "after pass %d", i)
	}

	b.ctrl.HandleInterrupt()
	cpl := <-b.ctrl.Completions()
	assert.NoError(t, cpl.Err)
	assert.Equal(t, 18, cpl.Bytes)
	assert.Equal(t, uint8(18), buf[0])

	state, err = b.ctrl.PipeState(h)
	require.NoError(t, err)
	assert.Equal(t, hcd.Idle, state)
	assert.Zero(t, b.engine.Step(), "nothing left to execute")
}

func TestBulkToggleCarriesAcrossTransfers(t *testing.T) {
	b := newSimBench(t, hcd.DefaultConfig(), true)
	ctx := withTimeout(t)
	lb := loopback.New(usb.SpeedHigh, 512)
	addr, err := b.bus.Add(lb, virtualbus.Port{})
	require.NoError(t, err)
	h, err := b.ctrl.OpenPipe(addr, lb.GetDescriptor().Interfaces[0].Endpoints[0])
	require.NoError(t, err)

	tests := []struct {
		name       string
		length     int
		wantToggle bool
	}{
		{"one packet", 512, true},
		{"two packets", 1024, true},
		{"one more packet", 100, false},
		{"zero length packet", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := b.ctrl.BulkTransfer(ctx, h, make([]byte, tt.length))
			require.NoError(t, err)
			_, qh := qhAt(t, b.ctrl, h)
			assert.Equal(t, tt.wantToggle, qh.Overlay.Token.Toggle)
		})
	}
}

func TestNakKeepsTransferPending(t *testing.T) {
	b := newSimBench(t, hcd.DefaultConfig(), false)
	lb := loopback.New(usb.SpeedHigh, 512)
	addr, err := b.bus.Add(lb, virtualbus.Port{})
	require.NoError(t, err)
	in, err := b.ctrl.OpenPipe(addr, lb.GetDescriptor().Interfaces[0].Endpoints[1])
	require.NoError(t, err)

	require.NoError(t, b.ctrl.SubmitBulkTransfer(context.Background(), in, make([]byte, 64)))
	for i := 0; i < 3; i++ {
		assert.Zero(t, b.engine.Step())
	}
	state, err := b.ctrl.PipeState(in)
	require.NoError(t, err)
	assert.Equal(t, hcd.Active, state)

	require.NoError(t, lb.HandleOut(loopback.EndpointOut, []byte("hi")))
	assert.Equal(t, 1, b.engine.Step())
	b.ctrl.HandleInterrupt()
	cpl := <-b.ctrl.Completions()
	assert.NoError(t, cpl.Err)
	assert.Equal(t, 2, cpl.Bytes)
}

func TestCloseWithEngineRunning(t *testing.T) {
	b := newSimBench(t, hcd.DefaultConfig(), true)
	ctx := withTimeout(t)
	lb := loopback.New(usb.SpeedHigh, 512)
	addr, err := b.bus.Add(lb, virtualbus.Port{})
	require.NoError(t, err)
	in, err := b.ctrl.OpenPipe(addr, lb.GetDescriptor().Interfaces[0].Endpoints[1])
	require.NoError(t, err)

	require.NoError(t, b.ctrl.SubmitBulkTransfer(ctx, in, make([]byte, 64)))
	require.NoError(t, b.ctrl.ClosePipe(ctx, in))
	cpl := <-b.ctrl.Completions()
	assert.ErrorIs(t, cpl.Err, hcd.ErrPipeClosed)

	safe, err := b.ctrl.IsSafeToRemove(in)
	require.NoError(t, err)
	assert.True(t, safe)
	assert.GreaterOrEqual(t, b.engine.Stats().Advances, uint64(1))

	list, err := b.ctrl.AsyncList()
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestWedgedEngineTimesOut(t *testing.T) {
	cfg := hcd.DefaultConfig()
	cfg.AdvanceTimeout = time.Millisecond
	b := newSimBench(t, cfg, true)
	addr, err := b.bus.Add(loopback.New(usb.SpeedHigh, 512), virtualbus.Port{})
	require.NoError(t, err)
	h, err := b.ctrl.OpenControlPipe(addr, 64)
	require.NoError(t, err)

	b.engine.SetWedged(true)
	err = b.ctrl.ClosePipe(withTimeout(t), h)
	assert.ErrorIs(t, err, hcd.ErrHardwareTimeout)
	assert.True(t, b.ctrl.Wedged())
}

func TestShortBulkReadEndsChain(t *testing.T) {
	b := newSimBench(t, hcd.DefaultConfig(), true)
	ctx := withTimeout(t)
	lb := loopback.New(usb.SpeedHigh, 512)
	addr, err := b.bus.Add(lb, virtualbus.Port{})
	require.NoError(t, err)
	eps := lb.GetDescriptor().Interfaces[0].Endpoints
	out, err := b.ctrl.OpenPipe(addr, eps[0])
	require.NoError(t, err)
	in, err := b.ctrl.OpenPipe(addr, eps[1])
	require.NoError(t, err)

	tests := []struct {
		name    string
		payload []byte
	}{
		{"hundred bytes", bytes.Repeat([]byte{0x5a}, 100)},
		{"one packet", bytes.Repeat([]byte{0xa5}, 512)},
		{"first qTD plus a few", bytes.Repeat([]byte{0x33}, 20480+7)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := b.ctrl.BulkTransfer(ctx, out, tt.payload)
			require.NoError(t, err)

			// 30000 bytes spans two qTDs; the device has less to give.
			buf := make([]byte, 30000)
			n, err := b.ctrl.BulkTransfer(ctx, in, buf)
			require.NoError(t, err)
			assert.Equal(t, len(tt.payload), n)
			assert.Equal(t, tt.payload, buf[:n])

			state, err := b.ctrl.PipeState(in)
			require.NoError(t, err)
			assert.Equal(t, hcd.Idle, state)
		})
	}
}

func TestCloseFinishesAfterCancelledAdvance(t *testing.T) {
	cfg := hcd.DefaultConfig()
	cfg.AdvanceTimeout = time.Second
	b := newSimBenchWith(t, cfg, sim.Config{Interval: 100 * time.Microsecond, AckLatency: 50 * time.Millisecond}, true)
	ctx := withTimeout(t)
	addr, err := b.bus.Add(loopback.New(usb.SpeedHigh, 512), virtualbus.Port{})
	require.NoError(t, err)
	h, err := b.ctrl.OpenControlPipe(addr, 64)
	require.NoError(t, err)

	short, cancel := context.WithTimeout(ctx, time.Millisecond)
	defer cancel()
	err = b.ctrl.ClosePipe(short, h)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, b.ctrl.Wedged())

	safe, err := b.ctrl.IsSafeToRemove(h)
	require.NoError(t, err)
	assert.False(t, safe)
	_, err = b.ctrl.OpenControlPipe(addr, 64)
	assert.ErrorIs(t, err, hcd.ErrPipeBusy)

	require.NoError(t, b.ctrl.ClosePipe(ctx, h))
	safe, err = b.ctrl.IsSafeToRemove(h)
	require.NoError(t, err)
	assert.True(t, safe)
	list, err := b.ctrl.AsyncList()
	require.NoError(t, err)
	assert.Len(t, list, 1)

	_, err = b.ctrl.OpenControlPipe(addr, 64)
	require.NoError(t, err)
	buf := make([]byte, 18)
	n, err := b.ctrl.ControlTransfer(ctx, addr, usb.GetDescriptorRequest(usb.DeviceDescType, 0, 18), buf)
	require.NoError(t, err)
	assert.Equal(t, 18, n)
}

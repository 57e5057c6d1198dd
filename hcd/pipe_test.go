package hcd_test

import (
	"context"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sharpie7/tinyusb/ehci"
	"github.com/sharpie7/tinyusb/hcd"
	"github.com/sharpie7/tinyusb/usb"
)

func TestNewInitialisesAnchor(t *testing.T) {
	c, drv, _ := newController(t, testConfig(), fakeDevices{})

	anchor := c.Info().AnchorPhys
	assert.Equal(t, anchor, drv.head)
	assert.True(t, ehci.Aligned(anchor))

	list, err := c.AsyncList()
	require.NoError(t, err)
	require.Len(t, list, 1)
	qh := list[0].QueueHead
	assert.Equal(t, hcd.AnchorHandle(), list[0].Handle)
	assert.True(t, qh.HeadOfList)
	assert.False(t, qh.Used)
	assert.Equal(t, ehci.LinkTo(anchor, ehci.LinkQH), qh.Horizontal)
	assert.True(t, qh.Overlay.Next.Terminate)
	assert.True(t, qh.Overlay.Alternate.Terminate)
	assert.True(t, qh.Overlay.Token.Status.Halted())
}

func TestOpenControlPipeBehindHub(t *testing.T) {
	c, _, _ := newController(t, testConfig(), fakeDevices{
		1: {Speed: usb.SpeedHigh, HubAddress: 2, HubPort: 2},
	})

	h, err := c.OpenControlPipe(1, 64)
	require.NoError(t, err)
	assert.Equal(t, hcd.PipeHandle{DevAddr: 1, Kind: hcd.PipeControl}, h)

	phys, qh := qhAt(t, c, h)
	assert.True(t, ehci.Aligned(phys))
	assert.Equal(t, uint8(1), qh.DeviceAddress)
	assert.Equal(t, uint8(0), qh.Endpoint)
	assert.Equal(t, usb.SpeedHigh, qh.Speed)
	assert.Equal(t, uint8(2), qh.HubAddress)
	assert.Equal(t, uint8(2), qh.HubPort)
	assert.False(t, qh.ControlEndpoint)
	assert.True(t, qh.DataToggleControl)
	assert.False(t, qh.HeadOfList)
	assert.Equal(t, uint16(64), qh.MaxPacketSize)
	assert.Equal(t, uint8(1), qh.Mult)
	assert.Equal(t, uint8(0), qh.NakReload)
	assert.Zero(t, qh.SMask)
	assert.Zero(t, qh.CMask)
	assert.True(t, qh.Used)
	assert.True(t, qh.Overlay.Next.Terminate)
	assert.True(t, qh.Overlay.Alternate.Terminate)
	assert.Zero(t, qh.ChainHead)

	list, err := c.AsyncList()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, ehci.LinkTo(phys, ehci.LinkQH), list[0].QueueHead.Horizontal)
	assert.Equal(t, phys, list[1].Phys)
	assert.Equal(t, ehci.LinkTo(list[0].Phys, ehci.LinkQH), list[1].QueueHead.Horizontal)
}

func TestOpenControlPipeSpeedFlag(t *testing.T) {
	tests := []struct {
		speed       usb.Speed
		wantControl bool
	}{
		{usb.SpeedLow, true},
		{usb.SpeedFull, true},
		{usb.SpeedHigh, false},
	}
	for _, tt := range tests {
		t.Run(tt.speed.String(), func(t *testing.T) {
			c, _, _ := newController(t, testConfig(), fakeDevices{3: {Speed: tt.speed}})
			h, err := c.OpenControlPipe(3, 8)
			require.NoError(t, err)
			_, qh := qhAt(t, c, h)
			assert.Equal(t, tt.wantControl, qh.ControlEndpoint)
			assert.Equal(t, tt.speed, qh.Speed)
		})
	}
}

func TestOpenControlPipeInvalidAddress(t *testing.T) {
	c, _, _ := newController(t, testConfig(), fakeDevices{1: {}})

	_, err := c.OpenControlPipe(2, 64)
	assert.ErrorIs(t, err, hcd.ErrInvalidAddress)

	_, err = c.OpenControlPipe(100, 64)
	assert.ErrorIs(t, err, hcd.ErrInvalidAddress)
}

func TestAddressZeroUsesAnchor(t *testing.T) {
	c, _, _ := newController(t, testConfig(), fakeDevices{
		0: {Speed: usb.SpeedFull},
		1: {Speed: usb.SpeedFull},
	})

	h, err := c.OpenControlPipe(0, 8)
	require.NoError(t, err)
	assert.Equal(t, hcd.AnchorHandle(), h)
	assert.True(t, h.IsAnchor())

	phys, qh := qhAt(t, c, h)
	assert.Equal(t, c.Info().AnchorPhys, phys)
	assert.True(t, qh.HeadOfList)
	assert.True(t, qh.Used)
	assert.True(t, qh.ControlEndpoint)
	assert.Equal(t, uint16(8), qh.MaxPacketSize)
	assert.False(t, qh.Overlay.Token.Status.Halted())
	assert.Equal(t, ehci.LinkTo(phys, ehci.LinkQH), qh.Horizontal)

	list, err := c.AsyncList()
	require.NoError(t, err)
	assert.Len(t, list, 1, "address 0 must not add a queue head")

	_, err = c.OpenControlPipe(1, 64)
	require.NoError(t, err)

	ctx := context.Background()
	req := usb.GetDescriptorRequest(usb.DeviceDescType, 0, 8)
	require.NoError(t, c.SubmitControlTransfer(ctx, 0, req, make([]byte, 8)))
	require.NoError(t, c.SubmitControlTransfer(ctx, 1, req, make([]byte, 8)))

	zero, _ := chainOf(t, c, h)
	one, _ := chainOf(t, c, hcd.PipeHandle{DevAddr: 1})
	for _, a := range zero {
		assert.NotContains(t, one, a)
		assert.Less(t, a, one[0], "address 0 chain must come from the controller pool")
	}
}

func TestReopenControlPipeKeepsLink(t *testing.T) {
	c, _, _ := newController(t, testConfig(), fakeDevices{1: {Speed: usb.SpeedFull}, 2: {Speed: usb.SpeedHigh}})
	_, err := c.OpenControlPipe(1, 8)
	require.NoError(t, err)
	_, err = c.OpenControlPipe(2, 64)
	require.NoError(t, err)

	h, err := c.OpenControlPipe(1, 64)
	require.NoError(t, err)
	_, qh := qhAt(t, c, h)
	assert.Equal(t, uint16(64), qh.MaxPacketSize)

	list, err := c.AsyncList()
	require.NoError(t, err)
	assert.Len(t, list, 3)
}

func TestInsertionOrder(t *testing.T) {
	c, _, _ := newController(t, testConfig(), fakeDevices{1: {Speed: usb.SpeedHigh}, 2: {Speed: usb.SpeedHigh}})

	c1, err := c.OpenControlPipe(1, 64)
	require.NoError(t, err)
	c2, err := c.OpenControlPipe(2, 64)
	require.NoError(t, err)
	b1, err := c.OpenPipe(1, bulkEndpoint(0x81, 512))
	require.NoError(t, err)

	list, err := c.AsyncList()
	require.NoError(t, err)
	var got []hcd.PipeHandle
	for _, e := range list {
		got = append(got, e.Handle)
	}
	assert.Equal(t, []hcd.PipeHandle{hcd.AnchorHandle(), b1, c2, c1}, got)
}

func TestClosePipeUnlinks(t *testing.T) {
	c, drv, arena := newController(t, testConfig(), fakeDevices{1: {Speed: usb.SpeedHigh}, 2: {Speed: usb.SpeedHigh}})
	ctx := context.Background()

	a, err := c.OpenControlPipe(1, 64)
	require.NoError(t, err)
	b, err := c.OpenControlPipe(2, 64)
	require.NoError(t, err)

	safe, err := c.IsSafeToRemove(a)
	require.NoError(t, err)
	assert.False(t, safe)

	require.NoError(t, c.ClosePipe(ctx, a))
	assert.Equal(t, 1, drv.Advances())

	list, err := c.AsyncList()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, b, list[1].Handle)

	phys, err := c.QueueHeadPhys(a)
	require.NoError(t, err)
	for i := 0; i < ehci.QHWords; i++ {
		assert.Zero(t, arena.Load(phys+uint32(i)*4), "word %d", i)
	}

	safe, err = c.IsSafeToRemove(a)
	require.NoError(t, err)
	assert.True(t, safe)
	safe, err = c.IsSafeToRemove(hcd.AnchorHandle())
	require.NoError(t, err)
	assert.False(t, safe)

	assert.ErrorIs(t, c.ClosePipe(ctx, a), hcd.ErrInvalidPipe)
}

func TestCloseAddressZeroRestoresAnchor(t *testing.T) {
	c, _, _ := newController(t, testConfig(), fakeDevices{0: {Speed: usb.SpeedFull}, 1: {Speed: usb.SpeedFull}})
	ctx := context.Background()

	_, err := c.OpenControlPipe(1, 64)
	require.NoError(t, err)
	h, err := c.OpenControlPipe(0, 8)
	require.NoError(t, err)
	require.NoError(t, c.ClosePipe(ctx, h))

	list, err := c.AsyncList()
	require.NoError(t, err)
	require.Len(t, list, 2)
	qh := list[0].QueueHead
	assert.True(t, qh.HeadOfList)
	assert.False(t, qh.Used)
	assert.True(t, qh.Overlay.Token.Status.Halted())
	assert.Equal(t, list[1].Phys, qh.Horizontal.Addr)
}

func TestCloseHardwareTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.AdvanceRetries = 2
	c, drv, _ := newController(t, cfg, fakeDevices{1: {Speed: usb.SpeedHigh}})
	h, err := c.OpenControlPipe(1, 64)
	require.NoError(t, err)

	drv.wedged = true
	err = c.ClosePipe(context.Background(), h)
	assert.ErrorIs(t, err, hcd.ErrHardwareTimeout)
	assert.Equal(t, 2, drv.Advances())
	assert.True(t, c.Wedged())

	safe, err := c.IsSafeToRemove(h)
	require.NoError(t, err)
	assert.False(t, safe)

	_, err = c.OpenControlPipe(1, 64)
	assert.ErrorIs(t, err, hcd.ErrHardwareTimeout)
}

func TestOpenPipeFields(t *testing.T) {
	c, _, _ := newController(t, testConfig(), fakeDevices{1: {Speed: usb.SpeedFull, HubAddress: 4, HubPort: 1}})

	in, err := c.OpenPipe(1, bulkEndpoint(0x81, 64))
	require.NoError(t, err)
	out, err := c.OpenPipe(1, bulkEndpoint(0x02, 64))
	require.NoError(t, err)
	assert.Equal(t, hcd.PipeHandle{DevAddr: 1, Kind: hcd.PipeBulk, Index: 0}, in)
	assert.Equal(t, hcd.PipeHandle{DevAddr: 1, Kind: hcd.PipeBulk, Index: 1}, out)

	_, qh := qhAt(t, c, in)
	assert.Equal(t, uint8(1), qh.Endpoint)
	assert.Equal(t, ehci.PIDIn, qh.PIDNonControl)
	assert.Equal(t, uint16(64), qh.MaxPacketSize)
	assert.False(t, qh.DataToggleControl)
	assert.False(t, qh.ControlEndpoint)
	assert.Equal(t, uint8(4), qh.HubAddress)
	assert.Equal(t, uint8(1), qh.HubPort)
	assert.Equal(t, uint8(1), qh.Mult)

	_, qh = qhAt(t, c, out)
	assert.Equal(t, uint8(2), qh.Endpoint)
	assert.Equal(t, ehci.PIDOut, qh.PIDNonControl)
}

func TestOpenPipeErrors(t *testing.T) {
	tests := []struct {
		name    string
		addr    uint8
		ep      usb.EndpointDescriptor
		wantErr error
	}{
		{"control", 1, usb.EndpointDescriptor{BEndpointAddress: 0x00, BMAttributes: uint8(usb.TransferControl)}, hcd.ErrUnsupportedTransferType},
		{"isochronous", 1, usb.EndpointDescriptor{BEndpointAddress: 0x81, BMAttributes: uint8(usb.TransferIsochronous)}, hcd.ErrUnsupportedTransferType},
		{"interrupt", 1, usb.EndpointDescriptor{BEndpointAddress: 0x81, BMAttributes: uint8(usb.TransferInterrupt)}, hcd.ErrUnsupportedTransferType},
		{"address zero", 0, bulkEndpoint(0x81, 64), hcd.ErrInvalidAddress},
		{"not enumerated", 2, bulkEndpoint(0x81, 64), hcd.ErrInvalidAddress},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _, _ := newController(t, testConfig(), fakeDevices{0: {}, 1: {}})
			_, err := c.OpenPipe(tt.addr, tt.ep)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestOpenPipeExhaustion(t *testing.T) {
	cfg := testConfig()
	c, _, _ := newController(t, cfg, fakeDevices{1: {}})
	for i := 0; i < cfg.PipesPerDevice; i++ {
		_, err := c.OpenPipe(1, bulkEndpoint(0x81, 64))
		require.NoError(t, err)
	}
	_, err := c.OpenPipe(1, bulkEndpoint(0x02, 64))
	assert.ErrorIs(t, err, hcd.ErrNoFreeSlot)

	require.NoError(t, c.ClosePipe(context.Background(), hcd.PipeHandle{DevAddr: 1, Kind: hcd.PipeBulk, Index: 0}))
	h, err := c.OpenPipe(1, bulkEndpoint(0x02, 64))
	require.NoError(t, err)
	assert.Equal(t, uint8(0), h.Index)
}

func TestOpenCloseOpenIsBitIdentical(t *testing.T) {
	c, _, arena := newController(t, testConfig(), fakeDevices{1: {Speed: usb.SpeedHigh}})
	ep := bulkEndpoint(0x81, 512)

	h, err := c.OpenPipe(1, ep)
	require.NoError(t, err)
	phys, err := c.QueueHeadPhys(h)
	require.NoError(t, err)
	var first [ehci.QHWords]uint32
	arena.LoadWords(phys, first[:])

	require.NoError(t, c.ClosePipe(context.Background(), h))
	h2, err := c.OpenPipe(1, ep)
	require.NoError(t, err)
	assert.Equal(t, h, h2)
	var second [ehci.QHWords]uint32
	arena.LoadWords(phys, second[:])
	assert.Equal(t, first, second)
}

func TestListIntegrityUnderRandomOpenClose(t *testing.T) {
	cfg := testConfig()
	devs := fakeDevices{}
	for a := uint8(1); a <= uint8(cfg.MaxDevices); a++ {
		devs[a] = hcd.DeviceRecord{Speed: usb.SpeedHigh}
	}
	c, _, _ := newController(t, cfg, devs)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(42))
	open := map[hcd.PipeHandle]bool{}

	for step := 0; step < 300; step++ {
		addr := uint8(rng.Intn(cfg.MaxDevices) + 1)
		switch rng.Intn(3) {
		case 0:
			h, err := c.OpenControlPipe(addr, 64)
			require.NoError(t, err)
			open[h] = true
		case 1:
			h, err := c.OpenPipe(addr, bulkEndpoint(0x81, 512))
			if err == nil {
				open[h] = true
			} else {
				require.ErrorIs(t, err, hcd.ErrNoFreeSlot)
			}
		case 2:
			for h := range open {
				require.NoError(t, c.ClosePipe(ctx, h))
				delete(open, h)
				break
			}
		}

		list, err := c.AsyncList()
		require.NoError(t, err, "step %d", step)
		require.Len(t, list, len(open)+1, "step %d", step)
		assert.True(t, list[0].QueueHead.HeadOfList)
		seen := map[uint32]bool{}
		for i, e := range list {
			require.False(t, seen[e.Phys], "queue head %#x reached twice", e.Phys)
			seen[e.Phys] = true
			if i > 0 {
				assert.False(t, e.QueueHead.HeadOfList)
				assert.True(t, open[e.Handle], "%s on the list but not open", e.Handle)
			}
		}
	}
}

func TestPipeHandleString(t *testing.T) {
	tests := []struct {
		h    hcd.PipeHandle
		want string
	}{
		{hcd.AnchorHandle(), "0:ctrl"},
		{hcd.PipeHandle{DevAddr: 5, Kind: hcd.PipeControl}, "5:ctrl"},
		{hcd.PipeHandle{DevAddr: 5, Kind: hcd.PipeBulk, Index: 3}, "5:bulk3"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.h.String())
			got, err := hcd.ParsePipeHandle(tt.want)
			require.NoError(t, err)
			assert.Equal(t, tt.h, got)
		})
	}

	for _, bad := range []string{"", "5", "x:ctrl", "5:intr", "5:bulkx", "200:ctrl"} {
		_, err := hcd.ParsePipeHandle(bad)
		assert.ErrorIs(t, err, hcd.ErrInvalidPipe, bad)
	}
}

func TestOpenControlPipeMaxPacket(t *testing.T) {
	tests := []struct {
		maxPacket uint16
		wantErr   bool
	}{
		{8, false},
		{16, false},
		{32, false},
		{64, false},
		{0, true},
		{7, true},
		{65, true},
		{512, true},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d", tt.maxPacket), func(t *testing.T) {
			c, _, _ := newController(t, testConfig(), fakeDevices{1: {Speed: usb.SpeedFull}})
			h, err := c.OpenControlPipe(1, tt.maxPacket)
			if tt.wantErr {
				assert.ErrorIs(t, err, hcd.ErrInvalidMaxPacketSize)
				assert.Empty(t, c.OpenPipes())
				return
			}
			require.NoError(t, err)
			_, qh := qhAt(t, c, h)
			assert.Equal(t, tt.maxPacket, qh.MaxPacketSize)
		})
	}
}

func TestRetriedCloseFinishesTeardown(t *testing.T) {
	cfg := testConfig()
	cfg.AdvanceTimeout = time.Second
	c, drv, _ := newController(t, cfg, fakeDevices{1: {Speed: usb.SpeedHigh}})
	h, err := c.OpenPipe(1, bulkEndpoint(0x81, 512))
	require.NoError(t, err)
	require.NoError(t, c.SubmitBulkTransfer(context.Background(), h, make([]byte, 512)))

	drv.mu.Lock()
	drv.wedged = true
	drv.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, c.ClosePipe(ctx, h), context.DeadlineExceeded)
	assert.False(t, c.Wedged())
	assert.Empty(t, c.Completions(), "the transfer stays put until the handshake finishes")

	list, err := c.AsyncList()
	require.NoError(t, err)
	assert.Len(t, list, 1, "already off the list")
	safe, err := c.IsSafeToRemove(h)
	require.NoError(t, err)
	assert.False(t, safe)
	err = c.SubmitBulkTransfer(context.Background(), h, make([]byte, 512))
	assert.ErrorIs(t, err, hcd.ErrInvalidPipe)

	drv.mu.Lock()
	drv.wedged = false
	drv.mu.Unlock()
	advances := drv.Advances()
	require.NoError(t, c.ClosePipe(context.Background(), h))
	assert.Equal(t, advances+1, drv.Advances(), "only the handshake is repeated")
	cpl := expectCompletion(t, c)
	assert.ErrorIs(t, cpl.Err, hcd.ErrPipeClosed)
	assert.Equal(t, cfg.BufferPages, c.Info().FreeBufferPages)

	safe, err = c.IsSafeToRemove(h)
	require.NoError(t, err)
	assert.True(t, safe)
	assert.ErrorIs(t, c.ClosePipe(context.Background(), h), hcd.ErrInvalidPipe)

	again, err := c.OpenPipe(1, bulkEndpoint(0x81, 512))
	require.NoError(t, err)
	assert.Equal(t, h, again)
}

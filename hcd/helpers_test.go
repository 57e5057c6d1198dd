package hcd_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sharpie7/tinyusb/dma"
	"github.com/sharpie7/tinyusb/ehci"
	"github.com/sharpie7/tinyusb/hcd"
	"github.com/sharpie7/tinyusb/usb"
)

type fakeDriver struct {
	mu       sync.Mutex
	head     uint32
	advances int
	wedged   bool
}

func (f *fakeDriver) ProgramAsyncListHead(phys uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.head = phys
	return nil
}

func (f *fakeDriver) SignalAsyncAdvance(ctx context.Context) (bool, error) {
	f.mu.Lock()
	f.advances++
	wedged := f.wedged
	f.mu.Unlock()
	if wedged {
		<-ctx.Done()
		return false, ctx.Err()
	}
	return true, nil
}

func (f *fakeDriver) Advances() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.advances
}

type fakeDevices map[uint8]hcd.DeviceRecord

func (d fakeDevices) DeviceRecord(addr uint8) (hcd.DeviceRecord, error) {
	r, ok := d[addr]
	if !ok {
		return hcd.DeviceRecord{}, errors.New("not enumerated")
	}
	return r, nil
}

func testConfig() hcd.Config {
	cfg := hcd.DefaultConfig()
	cfg.MaxDevices = 4
	cfg.PipesPerDevice = 2
	cfg.SegmentsPerDevice = 8
	cfg.BufferPages = 16
	cfg.AdvanceTimeout = time.Millisecond
	return cfg
}

func newController(t *testing.T, cfg hcd.Config, devs fakeDevices) (*hcd.Controller, *fakeDriver, *dma.Arena) {
	t.Helper()
	arena, err := hcd.NewArena(cfg)
	require.NoError(t, err)
	drv := &fakeDriver{}
	c, err := hcd.New(cfg, arena, devs, drv, nil, nil)
	require.NoError(t, err)
	return c, drv, arena
}

func qhAt(t *testing.T, c *hcd.Controller, h hcd.PipeHandle) (uint32, ehci.QueueHead) {
	t.Helper()
	phys, err := c.QueueHeadPhys(h)
	require.NoError(t, err)
	return phys, c.QueueHead(phys)
}

// chainOf decodes the qTD chain attached to the queue head at h.
func chainOf(t *testing.T, c *hcd.Controller, h hcd.PipeHandle) ([]uint32, []ehci.TransferDescriptor) {
	t.Helper()
	_, qh := qhAt(t, c, h)
	require.NotZero(t, qh.ChainHead, "no chain attached to %s", h)
	var addrs []uint32
	var tds []ehci.TransferDescriptor
	for phys := qh.ChainHead; ; {
		var w [ehci.QTDWords]uint32
		c.Arena().LoadWords(phys, w[:])
		td := ehci.DecodeTransferDescriptor(w[:])
		addrs = append(addrs, phys)
		tds = append(tds, td)
		if td.Next.Terminate {
			return addrs, tds
		}
		require.Less(t, len(tds), 64, "chain does not terminate")
		phys = td.Next.Addr
	}
}

func bulkEndpoint(addr uint8, maxPacket uint16) usb.EndpointDescriptor {
	return usb.EndpointDescriptor{
		BEndpointAddress: addr,
		BMAttributes:     uint8(usb.TransferBulk),
		WMaxPacketSize:   maxPacket,
	}
}

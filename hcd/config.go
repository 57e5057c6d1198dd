package hcd

import (
	"fmt"
	"time"

	"github.com/sharpie7/tinyusb/dma"
	"github.com/sharpie7/tinyusb/ehci"
	"github.com/sharpie7/tinyusb/usb"
)

// Control pipes always own three qTD slots: setup, data and status.
const controlSegments = 3

// Config sizes the descriptor pools and sets scheduling policy.
type Config struct {
	MaxDevices           int           `help:"Number of device address slots (addresses 1..N)" default:"8" env:"EHCID_HCD_MAX_DEVICES"`
	PipesPerDevice       int           `help:"Bulk pipe slots per device" default:"4" env:"EHCID_HCD_PIPES_PER_DEVICE"`
	SegmentsPerDevice    int           `help:"Bulk qTD slots per device" default:"16" env:"EHCID_HCD_SEGMENTS_PER_DEVICE"`
	BufferPages          int           `help:"4 KiB pages reserved for transfer bounce buffers" default:"64" env:"EHCID_HCD_BUFFER_PAGES"`
	DMABase              uint32        `help:"Physical base address of descriptor memory" default:"268435456" env:"EHCID_HCD_DMA_BASE"`
	DMABacking           string        `help:"Backing store for descriptor memory" enum:"heap,mmap" default:"heap" env:"EHCID_HCD_DMA_BACKING"`
	NakReload            uint8         `help:"NAK counter reload value written to every queue head (0 disables throttling)" default:"0" env:"EHCID_HCD_NAK_RELOAD"`
	AdvanceRetries       int           `help:"Async advance doorbell attempts before the controller is declared wedged" default:"3" env:"EHCID_HCD_ADVANCE_RETRIES"`
	AdvanceTimeout       time.Duration `help:"Time to wait for each async advance acknowledgement" default:"10ms" env:"EHCID_HCD_ADVANCE_TIMEOUT"`
	CompletionQueueDepth int           `help:"Capacity of the completion channel" default:"16" env:"EHCID_HCD_COMPLETION_QUEUE_DEPTH"`
}

// DefaultConfig mirrors the CLI defaults.
func DefaultConfig() Config {
	return Config{
		MaxDevices:           8,
		PipesPerDevice:       4,
		SegmentsPerDevice:    16,
		BufferPages:          64,
		DMABase:              0x10000000,
		DMABacking:           "heap",
		NakReload:            0,
		AdvanceRetries:       3,
		AdvanceTimeout:       10 * time.Millisecond,
		CompletionQueueDepth: 16,
	}
}

func (c Config) validate() error {
	switch {
	case c.MaxDevices < 1 || c.MaxDevices > 127:
		return fmt.Errorf("max devices must be in 1..127, got %d", c.MaxDevices)
	case c.PipesPerDevice < 0 || c.PipesPerDevice > 255:
		return fmt.Errorf("pipes per device must be in 0..255, got %d", c.PipesPerDevice)
	case c.SegmentsPerDevice < 1:
		return fmt.Errorf("segments per device must be positive, got %d", c.SegmentsPerDevice)
	case c.BufferPages < 1:
		return fmt.Errorf("buffer pages must be positive, got %d", c.BufferPages)
	case c.NakReload > 15:
		return fmt.Errorf("nak reload must be in 0..15, got %d", c.NakReload)
	case c.AdvanceRetries < 1:
		return fmt.Errorf("advance retries must be positive, got %d", c.AdvanceRetries)
	case c.AdvanceTimeout <= 0:
		return fmt.Errorf("advance timeout must be positive, got %s", c.AdvanceTimeout)
	case c.CompletionQueueDepth < 1:
		return fmt.Errorf("completion queue depth must be positive, got %d", c.CompletionQueueDepth)
	}
	return nil
}

func (c Config) queueHeads() int { return 1 + c.MaxDevices*(1+c.PipesPerDevice) }

func (c Config) segments() int {
	return controlSegments + c.MaxDevices*(controlSegments+c.SegmentsPerDevice)
}

func (c Config) setupBuffers() int { return 1 + c.MaxDevices }

// ArenaSize is the number of bytes of DMA memory a controller with this
// configuration carves up.
func (c Config) ArenaSize() int {
	n := c.queueHeads()*ehci.QHSize + ehci.Align
	n += c.segments()*ehci.QTDSize + ehci.Align
	n += c.setupBuffers()*usb.SetupPacketLen + ehci.Align
	n += ehci.QTDSize + ehci.Align
	n = (n + dma.PageSize - 1) &^ (dma.PageSize - 1)
	return n + c.BufferPages*dma.PageSize
}

// NewArena allocates DMA memory for cfg using the configured backing.
func NewArena(cfg Config) (*dma.Arena, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	switch cfg.DMABacking {
	case "", "heap":
		return dma.New(cfg.DMABase, cfg.ArenaSize())
	case "mmap":
		return dma.NewMapped(cfg.DMABase, cfg.ArenaSize())
	}
	return nil, fmt.Errorf("unknown dma backing %q", cfg.DMABacking)
}

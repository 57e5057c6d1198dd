package ehci_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sharpie7/tinyusb/ehci"
	"github.com/sharpie7/tinyusb/usb"
)

func TestLinkRaw(t *testing.T) {
	tests := []struct {
		name string
		link ehci.Link
		raw  uint32
	}{
		{"terminated", ehci.Terminated, 0x00000001},
		{"queue head", ehci.LinkTo(0x10000040, ehci.LinkQH), 0x10000042},
		{"qtd", ehci.LinkTo(0x10001020, ehci.LinkQTD), 0x10001020},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.raw, tt.link.Raw())
			assert.Equal(t, tt.link, ehci.DecodeLink(tt.raw))
		})
	}

	assert.Equal(t, uint32(0x10000040), ehci.LinkTo(0x1000005f, ehci.LinkQH).Raw()&ehci.LinkAddrMask,
		"low address bits never leak into the flags")
	assert.True(t, ehci.Aligned(0x10000020))
	assert.False(t, ehci.Aligned(0x10000010))
}

func TestTokenRaw(t *testing.T) {
	tests := []struct {
		name  string
		token ehci.Token
		raw   uint32
	}{
		{
			name:  "data in",
			token: ehci.Token{Status: ehci.StatusActive, PID: ehci.PIDIn, ErrCount: 3, TotalBytes: 18, Toggle: true},
			raw:   0x80120d80,
		},
		{
			name:  "status out",
			token: ehci.Token{Status: ehci.StatusActive, PID: ehci.PIDOut, ErrCount: 3, IOC: true, Toggle: true},
			raw:   0x80008c80,
		},
		{
			name:  "setup",
			token: ehci.Token{Status: ehci.StatusActive, PID: ehci.PIDSetup, ErrCount: 3, TotalBytes: 8},
			raw:   0x00080e80,
		},
		{
			name:  "halted with babble",
			token: ehci.Token{Status: ehci.StatusHalted | ehci.StatusBabble, PID: ehci.PIDIn, TotalBytes: 0x7fff, CurrentPage: 4},
			raw:   0x7fff4150,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.raw, tt.token.Raw())
			assert.Equal(t, tt.token, ehci.DecodeToken(tt.raw))
		})
	}
}

func TestStatus(t *testing.T) {
	assert.Equal(t, "idle", ehci.Status(0).String())
	assert.Equal(t, "active", ehci.StatusActive.String())
	assert.Equal(t, "halted|babble", (ehci.StatusHalted | ehci.StatusBabble).String())

	assert.True(t, ehci.StatusHalted.Failed())
	assert.True(t, ehci.StatusXactErr.Failed())
	assert.False(t, ehci.StatusPingErr.Failed())
	assert.False(t, ehci.StatusActive.Failed())
}

func TestTransferDescriptorBuffer(t *testing.T) {
	var td ehci.TransferDescriptor
	td.SetBuffer(0x10001100)
	assert.Equal(t, [ehci.BufferPages]uint32{0x10001100, 0x10002000, 0x10003000, 0x10004000, 0x10005000}, td.Buffer)
	assert.Equal(t, uint32(0x10001100), td.BufferAddr())

	td.Next = ehci.LinkTo(0x10000020, ehci.LinkQTD)
	td.Alternate = ehci.Terminated
	td.Token = ehci.Token{Status: ehci.StatusActive, PID: ehci.PIDOut, TotalBytes: 100}
	w := td.Encode()
	assert.Equal(t, uint32(0x10000020), w[ehci.QTDNextWord])
	assert.Equal(t, uint32(1), w[ehci.QTDAlternateWord])
	assert.Equal(t, td, ehci.DecodeTransferDescriptor(w[:]))
}

func TestQueueHeadEncode(t *testing.T) {
	tests := []struct {
		name     string
		qh       ehci.QueueHead
		wantChar uint32
		wantCap  uint32
	}{
		{
			name: "high speed control behind hub",
			qh: ehci.QueueHead{
				DeviceAddress:     1,
				Speed:             usb.SpeedHigh,
				DataToggleControl: true,
				MaxPacketSize:     64,
				HubAddress:        2,
				HubPort:           2,
				Mult:              1,
			},
			wantChar: 0x00406001,
			wantCap:  0x41020000,
		},
		{
			name: "full speed control head of list",
			qh: ehci.QueueHead{
				DeviceAddress:     3,
				Speed:             usb.SpeedFull,
				DataToggleControl: true,
				HeadOfList:        true,
				MaxPacketSize:     8,
				ControlEndpoint:   true,
				NakReload:         4,
				Mult:              1,
			},
			wantChar: 0x4808c003,
			wantCap:  0x40000000,
		},
		{
			name: "bulk endpoint 2",
			qh: ehci.QueueHead{
				DeviceAddress: 127,
				Endpoint:      2,
				Speed:         usb.SpeedHigh,
				MaxPacketSize: 512,
				Mult:          1,
			},
			wantChar: 0x0200227f,
			wantCap:  0x40000000,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := tt.qh.Encode()
			assert.Equal(t, tt.wantChar, w[ehci.QHCharWord])
			assert.Equal(t, tt.wantCap, w[ehci.QHCapWord])
		})
	}
}

func TestQueueHeadRoundTrip(t *testing.T) {
	qh := ehci.QueueHead{
		Horizontal:        ehci.LinkTo(0x10000080, ehci.LinkQH),
		DeviceAddress:     9,
		Endpoint:          3,
		Speed:             usb.SpeedLow,
		DataToggleControl: true,
		MaxPacketSize:     8,
		ControlEndpoint:   true,
		NakReload:         15,
		SMask:             0x01,
		CMask:             0x1c,
		HubAddress:        4,
		HubPort:           7,
		Mult:              1,
		Current:           0x10002000,
		Used:              true,
		PIDNonControl:     ehci.PIDIn,
		ChainHead:         0x10002000,
	}
	qh.Overlay.Next = ehci.LinkTo(0x10002020, ehci.LinkQTD)
	qh.Overlay.Alternate = ehci.Terminated
	qh.Overlay.Token = ehci.Token{Status: ehci.StatusActive, PID: ehci.PIDIn, ErrCount: 2, TotalBytes: 64, Toggle: true}
	qh.Overlay.SetBuffer(0x10005010)
	qh.Overlay.NakCount = 5
	qh.Overlay.CProgMask = 0x3
	qh.Overlay.FrameTag = 0x11
	qh.Overlay.SBytes = 0x45

	w := qh.Encode()
	assert.Equal(t, qh, ehci.DecodeQueueHead(w[:]))
	assert.Equal(t, uint32(0x10000082), w[ehci.QHLinkWord])
	assert.Equal(t, uint32(0x10002000), w[ehci.QHChainWord])
}

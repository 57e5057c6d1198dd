package ehci

import "github.com/sharpie7/tinyusb/usb"

// QHSize is the size of a queue head slot. The hardware uses the first 48
// bytes; the remainder holds software state and keeps slots 32-byte aligned.
const QHSize = 64

// QHWords is the number of 32-bit words in a queue head slot.
const QHWords = QHSize / 4

// QHHardwareWords is the number of words the controller reads or writes.
const QHHardwareWords = 12

// Word offsets inside a queue head.
const (
	QHLinkWord     = 0
	QHCharWord     = 1
	QHCapWord      = 2
	QHCurrentWord  = 3
	QHOverlayWord  = 4
	QHSoftwareWord = 12
	QHChainWord    = 13
)

// Endpoint characteristics (DW1).
const (
	charAddrMask      uint32 = 0x7f
	charInactivate    uint32 = 1 << 7
	charEndpointShift        = 8
	charEndpointMask  uint32 = 0xf
	charSpeedShift           = 12
	charSpeedMask     uint32 = 0x3
	charDTC           uint32 = 1 << 14
	charHead          uint32 = 1 << 15
	charMaxPktShift          = 16
	charMaxPktMask    uint32 = 0x7ff
	charControl       uint32 = 1 << 27
	charNakShift             = 28
	charNakMask       uint32 = 0xf
)

// Endpoint capabilities (DW2).
const (
	capSMaskMask    uint32 = 0xff
	capCMaskShift          = 8
	capCMaskMask    uint32 = 0xff
	capHubAddrShift        = 16
	capHubAddrMask  uint32 = 0x7f
	capHubPortShift        = 23
	capHubPortMask  uint32 = 0x7f
	capMultShift           = 30
	capMultMask     uint32 = 0x3
)

// Overlay-only fields packed into the low bits of qTD-shaped words.
const (
	ovlNakCntShift         = 1
	ovlNakCntMask   uint32 = 0xf
	ovlCProgMask    uint32 = 0xff
	ovlFrameTagMask uint32 = 0x1f
	ovlSBytesShift         = 5
	ovlSBytesMask   uint32 = 0x7f
)

// Software word (DW12).
const (
	swUsed     uint32 = 1 << 0
	swPIDShift        = 1
	swPIDMask  uint32 = 0x3
)

// Overlay is the transfer overlay area of a queue head: a live copy of the
// qTD currently being executed plus split/NAK bookkeeping.
type Overlay struct {
	TransferDescriptor
	NakCount  uint8
	CProgMask uint8
	FrameTag  uint8
	SBytes    uint8
}

// QueueHead is a decoded queue head slot.
type QueueHead struct {
	Horizontal Link

	DeviceAddress     uint8
	InactivateOnNext  bool
	Endpoint          uint8
	Speed             usb.Speed
	DataToggleControl bool
	HeadOfList        bool
	MaxPacketSize     uint16
	ControlEndpoint   bool // non high-speed control endpoint flag (C)
	NakReload         uint8

	SMask      uint8
	CMask      uint8
	HubAddress uint8
	HubPort    uint8
	Mult       uint8

	Current uint32
	Overlay Overlay

	// Software-only state, ignored by the controller.
	Used          bool
	PIDNonControl PID
	ChainHead     uint32
}

// Encode packs the queue head into its sixteen words.
func (q *QueueHead) Encode() [QHWords]uint32 {
	var w [QHWords]uint32
	w[QHLinkWord] = q.Horizontal.Raw()

	c := uint32(q.DeviceAddress) & charAddrMask
	if q.InactivateOnNext {
		c |= charInactivate
	}
	c |= (uint32(q.Endpoint) & charEndpointMask) << charEndpointShift
	c |= (uint32(q.Speed) & charSpeedMask) << charSpeedShift
	if q.DataToggleControl {
		c |= charDTC
	}
	if q.HeadOfList {
		c |= charHead
	}
	c |= (uint32(q.MaxPacketSize) & charMaxPktMask) << charMaxPktShift
	if q.ControlEndpoint {
		c |= charControl
	}
	c |= (uint32(q.NakReload) & charNakMask) << charNakShift
	w[QHCharWord] = c

	p := uint32(q.SMask) & capSMaskMask
	p |= (uint32(q.CMask) & capCMaskMask) << capCMaskShift
	p |= (uint32(q.HubAddress) & capHubAddrMask) << capHubAddrShift
	p |= (uint32(q.HubPort) & capHubPortMask) << capHubPortShift
	p |= (uint32(q.Mult) & capMultMask) << capMultShift
	w[QHCapWord] = p

	w[QHCurrentWord] = q.Current & LinkAddrMask

	o := q.Overlay.Encode()
	o[QTDAlternateWord] |= (uint32(q.Overlay.NakCount) & ovlNakCntMask) << ovlNakCntShift
	o[QTDBufferWord+1] |= uint32(q.Overlay.CProgMask) & ovlCProgMask
	o[QTDBufferWord+2] |= uint32(q.Overlay.FrameTag)&ovlFrameTagMask |
		(uint32(q.Overlay.SBytes)&ovlSBytesMask)<<ovlSBytesShift
	copy(w[QHOverlayWord:QHOverlayWord+QTDWords], o[:])

	var sw uint32
	if q.Used {
		sw |= swUsed
	}
	sw |= (uint32(q.PIDNonControl) & swPIDMask) << swPIDShift
	w[QHSoftwareWord] = sw
	w[QHChainWord] = q.ChainHead
	return w
}

// DecodeQueueHead unpacks sixteen words.
func DecodeQueueHead(w []uint32) QueueHead {
	_ = w[QHWords-1]
	c := w[QHCharWord]
	p := w[QHCapWord]
	ov := w[QHOverlayWord : QHOverlayWord+QTDWords]
	q := QueueHead{
		Horizontal: DecodeLink(w[QHLinkWord]),

		DeviceAddress:     uint8(c & charAddrMask),
		InactivateOnNext:  c&charInactivate != 0,
		Endpoint:          uint8((c >> charEndpointShift) & charEndpointMask),
		Speed:             usb.Speed((c >> charSpeedShift) & charSpeedMask),
		DataToggleControl: c&charDTC != 0,
		HeadOfList:        c&charHead != 0,
		MaxPacketSize:     uint16((c >> charMaxPktShift) & charMaxPktMask),
		ControlEndpoint:   c&charControl != 0,
		NakReload:         uint8((c >> charNakShift) & charNakMask),

		SMask:      uint8(p & capSMaskMask),
		CMask:      uint8((p >> capCMaskShift) & capCMaskMask),
		HubAddress: uint8((p >> capHubAddrShift) & capHubAddrMask),
		HubPort:    uint8((p >> capHubPortShift) & capHubPortMask),
		Mult:       uint8((p >> capMultShift) & capMultMask),

		Current: w[QHCurrentWord] & LinkAddrMask,

		Used:          w[QHSoftwareWord]&swUsed != 0,
		PIDNonControl: PID((w[QHSoftwareWord] >> swPIDShift) & swPIDMask),
		ChainHead:     w[QHChainWord],
	}
	q.Overlay.TransferDescriptor = DecodeTransferDescriptor(ov)
	q.Overlay.NakCount = uint8((ov[QTDAlternateWord] >> ovlNakCntShift) & ovlNakCntMask)
	q.Overlay.CProgMask = uint8(ov[QTDBufferWord+1] & ovlCProgMask)
	q.Overlay.FrameTag = uint8(ov[QTDBufferWord+2] & ovlFrameTagMask)
	q.Overlay.SBytes = uint8((ov[QTDBufferWord+2] >> ovlSBytesShift) & ovlSBytesMask)
	return q
}

package hcd

import (
	"fmt"

	"github.com/sharpie7/tinyusb/dma"
	"github.com/sharpie7/tinyusb/ehci"
	"github.com/sharpie7/tinyusb/internal/log"
	"github.com/sharpie7/tinyusb/usb"
)

// errorRetries is the CERR value every qTD starts with.
const errorRetries = 3

// Segment describes one qTD of a built chain.
type Segment struct {
	Phys   uint32
	PID    ehci.PID
	Length int
	// Data is false for the SETUP and STATUS stages of a control transfer.
	Data bool
}

// Chain is a qTD chain in execution order. The last segment is terminated.
type Chain struct {
	Segments []Segment
}

// Head returns the physical address of the first qTD.
func (ch Chain) Head() uint32 {
	if len(ch.Segments) == 0 {
		return 0
	}
	return ch.Segments[0].Phys
}

// Len returns the number of qTDs.
func (ch Chain) Len() int { return len(ch.Segments) }

func (ch Chain) addrs() []uint32 {
	out := make([]uint32, len(ch.Segments))
	for i, s := range ch.Segments {
		out[i] = s.Phys
	}
	return out
}

// SegmentBuilder writes qTD chains into DMA memory. Chains are built back to
// front so every next link already points at a complete qTD.
type SegmentBuilder struct {
	arena *dma.Arena
	raw   log.RawLogger
}

func NewSegmentBuilder(arena *dma.Arena, raw log.RawLogger) *SegmentBuilder {
	if raw == nil {
		raw = log.NewRaw(nil)
	}
	return &SegmentBuilder{arena: arena, raw: raw}
}

// write stores a qTD with its token word last.
func (b *SegmentBuilder) write(phys uint32, td *ehci.TransferDescriptor) {
	w := td.Encode()
	for i, v := range w {
		if i != ehci.QTDTokenWord {
			b.arena.Store(phys+uint32(i)*4, v)
		}
	}
	b.arena.Store(phys+ehci.QTDTokenWord*4, w[ehci.QTDTokenWord])
	b.raw.Log(true, phys, w[:])
}

func stageToken(pid ehci.PID, length int, toggle bool) ehci.Token {
	return ehci.Token{
		Status:     ehci.StatusActive,
		PID:        pid,
		ErrCount:   errorRetries,
		TotalBytes: uint16(length),
		Toggle:     toggle,
	}
}

// maxSegmentBytes is how much one qTD can move starting at phys.
func maxSegmentBytes(phys uint32) int {
	return ehci.MaxTransferBytes - int(phys&(ehci.PageSize-1))
}

// BuildControlTransfer writes a SETUP, optional DATA and STATUS chain into
// the pipe's fixed control slots. A zero length leaves the data slot unused
// and links SETUP straight to STATUS.
func (b *SegmentBuilder) BuildControlTransfer(slots ControlSlots, setup [usb.SetupPacketLen]byte, dir usb.Direction, buf uint32, length int) (Chain, error) {
	if length < 0 {
		return Chain{}, fmt.Errorf("negative control transfer length %d", length)
	}
	if length > 0 && length > maxSegmentBytes(buf) {
		return Chain{}, fmt.Errorf("control data stage of %d bytes exceeds one qTD (%d): %w", length, maxSegmentBytes(buf), ErrBufferTooSmall)
	}
	b.arena.WriteBytes(slots.SetupBuffer, setup[:])

	statusPID := ehci.PIDOut
	if length > 0 && dir == usb.DirHostToDevice {
		statusPID = ehci.PIDIn
	}
	status := ehci.TransferDescriptor{
		Next:      ehci.Terminated,
		Alternate: ehci.Terminated,
		Token:     stageToken(statusPID, 0, true),
	}
	status.Token.IOC = true
	b.write(slots.Status, &status)

	segs := []Segment{{Phys: slots.Status, PID: statusPID}}
	next := slots.Status
	if length > 0 {
		pid := ehci.PIDOut
		if dir == usb.DirDeviceToHost {
			pid = ehci.PIDIn
		}
		data := ehci.TransferDescriptor{
			Next:      ehci.LinkTo(slots.Status, ehci.LinkQTD),
			Alternate: ehci.Terminated,
			Token:     stageToken(pid, length, true),
		}
		data.SetBuffer(buf)
		b.write(slots.Data, &data)
		segs = append([]Segment{{Phys: slots.Data, PID: pid, Length: length, Data: true}}, segs...)
		next = slots.Data
	}

	st := ehci.TransferDescriptor{
		Next:      ehci.LinkTo(next, ehci.LinkQTD),
		Alternate: ehci.Terminated,
		Token:     stageToken(ehci.PIDSetup, usb.SetupPacketLen, false),
	}
	st.SetBuffer(slots.SetupBuffer)
	b.write(slots.Setup, &st)
	segs = append([]Segment{{Phys: slots.Setup, PID: ehci.PIDSetup, Length: usb.SetupPacketLen}}, segs...)
	return Chain{Segments: segs}, nil
}

// bulkPieces splits length bytes at buf into qTD sized pieces. Every piece
// but the last is a whole number of max packets.
func bulkPieces(buf uint32, length int, maxPacket int) []int {
	if length == 0 {
		return []int{0}
	}
	var out []int
	for off := 0; off < length; {
		room := maxSegmentBytes(buf + uint32(off))
		piece := room / maxPacket * maxPacket
		if piece > length-off {
			piece = length - off
		}
		out = append(out, piece)
		off += piece
	}
	return out
}

// BuildBulkTransfer takes qTDs from pool and chains them over length bytes
// at buf. Only the last qTD interrupts on completion. Every other qTD has
// the pool's stop qTD as its alternate, so a short packet ends the chain
// instead of running into the qTDs after it.
func (b *SegmentBuilder) BuildBulkTransfer(pool *SegmentPool, pid ehci.PID, buf uint32, length int, maxPacket uint16) (Chain, error) {
	if maxPacket == 0 {
		return Chain{}, fmt.Errorf("bulk transfer with zero max packet size")
	}
	if length < 0 {
		return Chain{}, fmt.Errorf("negative bulk transfer length %d", length)
	}
	pieces := bulkPieces(buf, length, int(maxPacket))
	slots, err := pool.alloc(len(pieces))
	if err != nil {
		return Chain{}, err
	}

	offsets := make([]uint32, len(pieces))
	for i := 1; i < len(pieces); i++ {
		offsets[i] = offsets[i-1] + uint32(pieces[i-1])
	}
	segs := make([]Segment, len(pieces))
	next := ehci.Terminated
	for i := len(pieces) - 1; i >= 0; i-- {
		last := i == len(pieces)-1
		td := ehci.TransferDescriptor{
			Next:      next,
			Alternate: ehci.Terminated,
			Token:     stageToken(pid, pieces[i], false),
		}
		if !last && pool.stop != 0 {
			td.Alternate = ehci.LinkTo(pool.stop, ehci.LinkQTD)
		}
		td.Token.IOC = last
		td.SetBuffer(buf + offsets[i])
		b.write(slots[i], &td)
		segs[i] = Segment{Phys: slots[i], PID: pid, Length: pieces[i], Data: true}
		next = ehci.LinkTo(slots[i], ehci.LinkQTD)
	}
	return Chain{Segments: segs}, nil
}

package ehci

// QTDSize is the size of a queue element transfer descriptor in bytes.
const QTDSize = 32

// QTDWords is the number of 32-bit words in a qTD.
const QTDWords = QTDSize / 4

// Word offsets inside a qTD (and inside a QH overlay).
const (
	QTDNextWord      = 0
	QTDAlternateWord = 1
	QTDTokenWord     = 2
	QTDBufferWord    = 3
)

// BufferPages is the number of buffer page pointers in a qTD.
const BufferPages = 5

const pageOffsetMask uint32 = PageSize - 1

// TransferDescriptor is a decoded qTD.
type TransferDescriptor struct {
	Next      Link
	Alternate Link
	Token     Token
	// Buffer holds the five page pointers. Buffer[0] carries the current
	// byte offset in its low 12 bits; the others are page aligned.
	Buffer [BufferPages]uint32
}

// SetBuffer points the descriptor at phys, filling every page pointer the
// transfer could touch.
func (d *TransferDescriptor) SetBuffer(phys uint32) {
	d.Buffer[0] = phys
	page := phys &^ pageOffsetMask
	for i := 1; i < BufferPages; i++ {
		d.Buffer[i] = page + uint32(i)*PageSize
	}
}

// BufferAddr returns the physical address of the first data byte.
func (d *TransferDescriptor) BufferAddr() uint32 { return d.Buffer[0] }

// Encode packs the descriptor into its eight hardware words.
func (d *TransferDescriptor) Encode() [QTDWords]uint32 {
	var w [QTDWords]uint32
	w[QTDNextWord] = qtdLinkRaw(d.Next)
	w[QTDAlternateWord] = qtdLinkRaw(d.Alternate)
	w[QTDTokenWord] = d.Token.Raw()
	w[QTDBufferWord] = d.Buffer[0]
	for i := 1; i < BufferPages; i++ {
		w[QTDBufferWord+i] = d.Buffer[i] &^ pageOffsetMask
	}
	return w
}

// DecodeTransferDescriptor unpacks eight hardware words.
func DecodeTransferDescriptor(w []uint32) TransferDescriptor {
	_ = w[QTDWords-1]
	d := TransferDescriptor{
		Next:      qtdLink(w[QTDNextWord]),
		Alternate: qtdLink(w[QTDAlternateWord]),
		Token:     DecodeToken(w[QTDTokenWord]),
	}
	d.Buffer[0] = w[QTDBufferWord]
	for i := 1; i < BufferPages; i++ {
		d.Buffer[i] = w[QTDBufferWord+i] &^ pageOffsetMask
	}
	return d
}

// qTD pointers have no type field; the bits are reserved zero.
func qtdLinkRaw(l Link) uint32 {
	l.Type = LinkQTD
	return l.Raw()
}

func qtdLink(raw uint32) Link {
	l := DecodeLink(raw)
	l.Type = LinkQTD
	return l
}

//go:build !linux

package dma

// NewMapped is only available on Linux.
func NewMapped(base uint32, size int) (*Arena, error) {
	return nil, ErrUnsupported
}

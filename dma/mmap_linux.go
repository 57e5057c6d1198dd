//go:build linux

package dma

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// NewMapped returns an arena backed by an anonymous shared mapping. The pages
// are locked into memory when the process is allowed to; failure to lock is
// not an error.
func NewMapped(base uint32, size int) (*Arena, error) {
	size, err := checkGeometry(base, size)
	if err != nil {
		return nil, err
	}
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("dma: mmap %d bytes: %w", size, err)
	}
	locked := unix.Mlock(mem) == nil
	words := unsafe.Slice((*uint32)(unsafe.Pointer(&mem[0])), size/4)
	return &Arena{
		base:  base,
		words: words,
		close: func() error {
			if locked {
				_ = unix.Munlock(mem)
			}
			return unix.Munmap(mem)
		},
	}, nil
}

// Package dma models the controller-addressable memory that descriptors and
// transfer buffers live in. Memory is word addressed by physical address and
// every word access is atomic, so values written by the DMA engine are never
// cached by the driver side.
package dma

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// PageSize is the alignment of the arena base and of buffer pool chunks.
const PageSize = 4096

var (
	// ErrOutOfMemory is returned when the arena cannot satisfy an allocation.
	ErrOutOfMemory = errors.New("dma: arena exhausted")
	// ErrExhausted is returned when a buffer pool has no free chunks.
	ErrExhausted = errors.New("dma: buffer pool exhausted")
	// ErrUnsupported is returned for backings the platform cannot provide.
	ErrUnsupported = errors.New("dma: backing not supported on this platform")
)

// Region is a contiguous allocation inside an arena.
type Region struct {
	Phys uint32
	Size int
}

// End returns the first physical address past the region.
func (r Region) End() uint32 { return r.Phys + uint32(r.Size) }

// Arena is a bump-allocated block of controller-addressable memory.
type Arena struct {
	base  uint32
	words []uint32
	close func() error

	mu   sync.Mutex
	next int
}

// New returns a heap-backed arena of size bytes starting at physical address
// base. base must be page aligned; size is rounded up to a whole page.
func New(base uint32, size int) (*Arena, error) {
	size, err := checkGeometry(base, size)
	if err != nil {
		return nil, err
	}
	return &Arena{base: base, words: make([]uint32, size/4)}, nil
}

func checkGeometry(base uint32, size int) (int, error) {
	if base%PageSize != 0 {
		return 0, fmt.Errorf("dma: base %#x is not page aligned", base)
	}
	if size <= 0 {
		return 0, fmt.Errorf("dma: invalid arena size %d", size)
	}
	size = (size + PageSize - 1) &^ (PageSize - 1)
	if uint64(base)+uint64(size) > 1<<32 {
		return 0, fmt.Errorf("dma: arena [%#x, +%#x) exceeds 32-bit address space", base, size)
	}
	return size, nil
}

// Base returns the physical address of the first byte.
func (a *Arena) Base() uint32 { return a.base }

// Size returns the arena size in bytes.
func (a *Arena) Size() int { return len(a.words) * 4 }

// Alloc carves size bytes aligned to align (a power of two) out of the arena.
// Allocated memory is zeroed.
func (a *Arena) Alloc(size, align int) (Region, error) {
	if align <= 0 || align&(align-1) != 0 || align%4 != 0 {
		return Region{}, fmt.Errorf("dma: invalid alignment %d", align)
	}
	size = (size + 3) &^ 3
	a.mu.Lock()
	defer a.mu.Unlock()
	off := (a.next + align - 1) &^ (align - 1)
	if off+size > a.Size() {
		return Region{}, fmt.Errorf("%w: need %d bytes at offset %d of %d", ErrOutOfMemory, size, off, a.Size())
	}
	a.next = off + size
	r := Region{Phys: a.base + uint32(off), Size: size}
	a.Zero(r.Phys, size)
	return r, nil
}

// Contains reports whether [phys, phys+n) lies inside the arena.
func (a *Arena) Contains(phys uint32, n int) bool {
	if phys < a.base {
		return false
	}
	off := uint64(phys - a.base)
	return off+uint64(n) <= uint64(a.Size())
}

func (a *Arena) index(phys uint32) int {
	if phys%4 != 0 || !a.Contains(phys, 4) {
		panic(fmt.Sprintf("dma: word access at %#x outside arena [%#x, +%#x)", phys, a.base, a.Size()))
	}
	return int(phys-a.base) / 4
}

// Load atomically reads the word at phys.
func (a *Arena) Load(phys uint32) uint32 {
	return atomic.LoadUint32(&a.words[a.index(phys)])
}

// Store atomically writes the word at phys.
func (a *Arena) Store(phys uint32, v uint32) {
	atomic.StoreUint32(&a.words[a.index(phys)], v)
}

// LoadWords reads len(dst) consecutive words starting at phys.
func (a *Arena) LoadWords(phys uint32, dst []uint32) {
	for i := range dst {
		dst[i] = a.Load(phys + uint32(i)*4)
	}
}

// StoreWords writes src to consecutive words starting at phys, in order.
func (a *Arena) StoreWords(phys uint32, src []uint32) {
	for i, v := range src {
		a.Store(phys+uint32(i)*4, v)
	}
}

// Zero clears n bytes (rounded up to words) starting at phys.
func (a *Arena) Zero(phys uint32, n int) {
	for off := 0; off < n; off += 4 {
		a.Store(phys+uint32(off), 0)
	}
}

// ReadBytes copies len(dst) bytes starting at phys. Words are little endian.
func (a *Arena) ReadBytes(phys uint32, dst []byte) {
	for i := range dst {
		p := phys + uint32(i)
		w := a.Load(p &^ 3)
		dst[i] = byte(w >> ((p & 3) * 8))
	}
}

// WriteBytes copies src into memory starting at phys.
func (a *Arena) WriteBytes(phys uint32, src []byte) {
	for i, b := range src {
		p := phys + uint32(i)
		idx := a.index(p &^ 3)
		shift := (p & 3) * 8
		for {
			old := atomic.LoadUint32(&a.words[idx])
			nw := old&^(0xff<<shift) | uint32(b)<<shift
			if atomic.CompareAndSwapUint32(&a.words[idx], old, nw) {
				break
			}
		}
	}
}

// Close releases the backing memory.
func (a *Arena) Close() error {
	if a.close == nil {
		return nil
	}
	err := a.close()
	a.close = nil
	a.words = nil
	return err
}

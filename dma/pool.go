package dma

import (
	"fmt"
	"sync"
)

// Buffer is a run of pool chunks handed out for one transfer stage.
type Buffer struct {
	Phys  uint32
	Size  int
	first int
	count int
}

// BufferPool hands out page-aligned bounce buffers from an arena region.
type BufferPool struct {
	arena  *Arena
	region Region

	mu   sync.Mutex
	used []bool
}

// NewBufferPool reserves pages*PageSize bytes from a.
func NewBufferPool(a *Arena, pages int) (*BufferPool, error) {
	if pages <= 0 {
		return nil, fmt.Errorf("dma: invalid buffer page count %d", pages)
	}
	r, err := a.Alloc(pages*PageSize, PageSize)
	if err != nil {
		return nil, fmt.Errorf("reserve buffer pool: %w", err)
	}
	return &BufferPool{arena: a, region: r, used: make([]bool, pages)}, nil
}

// Get returns a buffer of at least n bytes made of contiguous pages.
// A zero-length request still returns one page so the buffer has an address.
func (p *BufferPool) Get(n int) (Buffer, error) {
	pages := (n + PageSize - 1) / PageSize
	if pages == 0 {
		pages = 1
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	run := 0
	for i := range p.used {
		if p.used[i] {
			run = 0
			continue
		}
		run++
		if run == pages {
			first := i - pages + 1
			for j := first; j <= i; j++ {
				p.used[j] = true
			}
			b := Buffer{
				Phys:  p.region.Phys + uint32(first*PageSize),
				Size:  pages * PageSize,
				first: first,
				count: pages,
			}
			p.arena.Zero(b.Phys, b.Size)
			return b, nil
		}
	}
	return Buffer{}, fmt.Errorf("%w: no run of %d free pages", ErrExhausted, pages)
}

// Put returns a buffer to the pool. Putting the zero Buffer is a no-op.
func (p *BufferPool) Put(b Buffer) {
	if b.count == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for j := b.first; j < b.first+b.count; j++ {
		p.used[j] = false
	}
}

// Free returns the number of unused pages.
func (p *BufferPool) Free() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, u := range p.used {
		if !u {
			n++
		}
	}
	return n
}

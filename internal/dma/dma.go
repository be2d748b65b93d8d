// Package dma allocates buffers that are visible to bus-mastering hardware
// and reports the physical address the hardware must use to reach them.
package dma

// Buffer is a span of DMA-visible memory. The hardware addresses it through
// Phys; software addresses it through Bytes. A Buffer stays valid until
// Free is called on the allocator that produced it.
type Buffer struct {
	b    []byte
	phys uint64
	free func() error
}

// NewBuffer builds a Buffer from an existing mapping. free may be nil.
func NewBuffer(b []byte, phys uint64, free func() error) *Buffer {
	return &Buffer{b: b, phys: phys, free: free}
}

// Bytes returns the software view of the buffer.
func (b *Buffer) Bytes() []byte {
	return b.b
}

// Phys returns the bus address of the first byte.
func (b *Buffer) Phys() uint64 {
	return b.phys
}

// Len returns the buffer size in bytes.
func (b *Buffer) Len() int {
	return len(b.b)
}

// Free releases the buffer. The caller must guarantee the hardware holds no
// outstanding reference to the buffer before freeing it.
func (b *Buffer) Free() error {
	if b.free == nil {
		return nil
	}
	err := b.free()
	b.free = nil
	b.b = nil
	return err
}

// Allocator hands out zeroed DMA-visible buffers.
type Allocator interface {
	// Alloc returns a zeroed buffer of at least size bytes, aligned to at
	// least 64 bytes as required by xHCI ring segments.
	Alloc(size int) (*Buffer, error)
}

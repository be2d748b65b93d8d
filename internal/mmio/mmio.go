// Package mmio provides little-endian register access over a memory-mapped
// region, typically a PCI BAR obtained with unix.Mmap.
package mmio

import (
	"encoding/binary"
	"fmt"
)

// Region is a window into a memory-mapped register file. All accessors use
// little-endian byte order, matching the xHCI register layout.
type Region struct {
	b []byte
}

// NewRegion wraps a mapped byte slice.
func NewRegion(b []byte) *Region {
	return &Region{b: b}
}

// Len returns the size of the region in bytes.
func (r *Region) Len() int {
	return len(r.b)
}

// Slice returns a sub-region starting at off with the given size.
func (r *Region) Slice(off, size uint64) (*Region, error) {
	if off+size > uint64(len(r.b)) {
		return nil, fmt.Errorf("mmio: slice [%#x, %#x) outside region of %#x bytes", off, off+size, len(r.b))
	}
	return &Region{b: r.b[off : off+size]}, nil
}

func (r *Region) Read8(off uint64) uint8 {
	return r.b[off]
}

func (r *Region) Read16(off uint64) uint16 {
	return binary.LittleEndian.Uint16(r.b[off:])
}

func (r *Region) Read32(off uint64) uint32 {
	return binary.LittleEndian.Uint32(r.b[off:])
}

func (r *Region) Write32(off uint64, val uint32) {
	binary.LittleEndian.PutUint32(r.b[off:], val)
}

// Read64 reads a 64-bit register as two 32-bit accesses, low half first.
// Some controllers fault on 64-bit wide accesses to 32-bit register pairs.
func (r *Region) Read64(off uint64) uint64 {
	lo := r.Read32(off)
	hi := r.Read32(off + 4)
	return uint64(lo) | uint64(hi)<<32
}

// Write64 writes a 64-bit register as two 32-bit accesses, low half first.
func (r *Region) Write64(off uint64, val uint64) {
	r.Write32(off, uint32(val))
	r.Write32(off+4, uint32(val>>32))
}

// ReadFlag reports whether all bits of mask are set in the 32-bit register
// at off.
func (r *Region) ReadFlag(off uint64, mask uint32) bool {
	return r.Read32(off)&mask == mask
}

// WriteFlag sets or clears the bits of mask in the 32-bit register at off.
func (r *Region) WriteFlag(off uint64, mask uint32, set bool) {
	v := r.Read32(off)
	if set {
		v |= mask
	} else {
		v &^= mask
	}
	r.Write32(off, v)
}

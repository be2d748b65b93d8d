package dma

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	pagemapEntrySize = 8
	pagemapPresent   = uint64(1) << 63
	pagemapPFNMask   = (uint64(1) << 55) - 1
)

// ContiguousAllocator allocates page-locked, physically contiguous memory
// and resolves physical addresses through /proc/self/pagemap. Translation
// requires CAP_SYS_ADMIN, which a hardware driver has anyway.
type ContiguousAllocator struct {
	pagemap  *os.File
	pageSize int
}

// NewContiguousAllocator opens the pagemap interface for this process.
func NewContiguousAllocator() (*ContiguousAllocator, error) {
	f, err := os.Open("/proc/self/pagemap")
	if err != nil {
		return nil, fmt.Errorf("dma: open pagemap: %w", err)
	}
	return &ContiguousAllocator{pagemap: f, pageSize: os.Getpagesize()}, nil
}

// Close releases the pagemap handle. Buffers already allocated stay valid.
func (a *ContiguousAllocator) Close() error {
	return a.pagemap.Close()
}

// Alloc implements Allocator. The returned buffer is mlocked so the kernel
// cannot migrate its pages while the controller holds their addresses.
func (a *ContiguousAllocator) Alloc(size int) (*Buffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("dma: invalid allocation size %d", size)
	}
	size = roundUp(size, a.pageSize)

	b, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_POPULATE)
	if err != nil {
		return nil, fmt.Errorf("dma: mmap %d bytes: %w", size, err)
	}
	if err := unix.Mlock(b); err != nil {
		_ = unix.Munmap(b)
		return nil, fmt.Errorf("dma: mlock: %w", err)
	}
	// Touch every page so the pagemap entries are populated before
	// translation.
	for i := 0; i < size; i += a.pageSize {
		b[i] = 0
	}

	virt := uintptr(unsafe.Pointer(&b[0]))
	phys, err := physForRange(a.pagemap, a.pageSize, virt, size)
	if err != nil {
		_ = unix.Munmap(b)
		return nil, err
	}

	return NewBuffer(b, phys, func() error {
		return unix.Munmap(b)
	}), nil
}

// physForRange translates virt to a physical address and verifies the whole
// range [virt, virt+size) is physically contiguous.
func physForRange(pagemap io.ReaderAt, pageSize int, virt uintptr, size int) (uint64, error) {
	base, err := physForPage(pagemap, pageSize, virt)
	if err != nil {
		return 0, err
	}
	for off := pageSize; off < size; off += pageSize {
		p, err := physForPage(pagemap, pageSize, virt+uintptr(off))
		if err != nil {
			return 0, err
		}
		if p != base+uint64(off) {
			return 0, fmt.Errorf("dma: allocation not physically contiguous at offset %#x (got %#x, want %#x)",
				off, p, base+uint64(off))
		}
	}
	return base + uint64(virt)%uint64(pageSize), nil
}

// physForPage reads one pagemap entry and returns the physical address of
// the page containing virt.
func physForPage(pagemap io.ReaderAt, pageSize int, virt uintptr) (uint64, error) {
	var raw [pagemapEntrySize]byte
	off := int64(uint64(virt) / uint64(pageSize) * pagemapEntrySize)
	if _, err := pagemap.ReadAt(raw[:], off); err != nil {
		return 0, fmt.Errorf("dma: read pagemap entry: %w", err)
	}
	entry := binary.LittleEndian.Uint64(raw[:])
	if entry&pagemapPresent == 0 {
		return 0, fmt.Errorf("dma: page at %#x not present", virt)
	}
	pfn := entry & pagemapPFNMask
	if pfn == 0 {
		return 0, fmt.Errorf("dma: pagemap hides PFN for %#x (need CAP_SYS_ADMIN)", virt)
	}
	return pfn * uint64(pageSize), nil
}

func roundUp(n, align int) int {
	return (n + align - 1) / align * align
}

package dma

import (
	"encoding/binary"
	"testing"
)

// fakePagemap serves pagemap entries for a flat fake address space where
// physical pages are listed in order starting at basePFN.
type fakePagemap struct {
	pageSize int
	entries  map[int64]uint64 // pagemap file offset -> raw entry
}

func newFakePagemap(pageSize int) *fakePagemap {
	return &fakePagemap{pageSize: pageSize, entries: make(map[int64]uint64)}
}

func (f *fakePagemap) mapPage(virt uintptr, pfn uint64, present bool) {
	entry := pfn & pagemapPFNMask
	if present {
		entry |= pagemapPresent
	}
	f.entries[int64(uint64(virt)/uint64(f.pageSize)*pagemapEntrySize)] = entry
}

func (f *fakePagemap) ReadAt(p []byte, off int64) (int, error) {
	var raw [pagemapEntrySize]byte
	binary.LittleEndian.PutUint64(raw[:], f.entries[off])
	return copy(p, raw[:]), nil
}

func TestPhysForPage(t *testing.T) {
	const pageSize = 4096
	pm := newFakePagemap(pageSize)
	pm.mapPage(0x10000, 5, true)

	phys, err := physForPage(pm, pageSize, 0x10000)
	if err != nil {
		t.Fatalf("physForPage failed: %v", err)
	}
	if want := uint64(5 * pageSize); phys != want {
		t.Errorf("phys = %#x, want %#x", phys, want)
	}
}

func TestPhysForPageNotPresent(t *testing.T) {
	const pageSize = 4096
	pm := newFakePagemap(pageSize)
	pm.mapPage(0x10000, 5, false)

	if _, err := physForPage(pm, pageSize, 0x10000); err == nil {
		t.Fatal("expected error for non-present page")
	}
}

func TestPhysForRangeContiguous(t *testing.T) {
	const pageSize = 4096
	pm := newFakePagemap(pageSize)
	pm.mapPage(0x10000, 8, true)
	pm.mapPage(0x11000, 9, true)
	pm.mapPage(0x12000, 10, true)

	phys, err := physForRange(pm, pageSize, 0x10000, 3*pageSize)
	if err != nil {
		t.Fatalf("physForRange failed: %v", err)
	}
	if want := uint64(8 * pageSize); phys != want {
		t.Errorf("phys = %#x, want %#x", phys, want)
	}
}

func TestPhysForRangeNotContiguous(t *testing.T) {
	const pageSize = 4096
	pm := newFakePagemap(pageSize)
	pm.mapPage(0x10000, 8, true)
	pm.mapPage(0x11000, 12, true)

	if _, err := physForRange(pm, pageSize, 0x10000, 2*pageSize); err == nil {
		t.Fatal("expected error for non-contiguous range")
	}
}

func TestRoundUp(t *testing.T) {
	cases := []struct{ n, align, want int }{
		{1, 4096, 4096},
		{4096, 4096, 4096},
		{4097, 4096, 8192},
	}
	for _, c := range cases {
		if got := roundUp(c.n, c.align); got != c.want {
			t.Errorf("roundUp(%d, %d) = %d, want %d", c.n, c.align, got, c.want)
		}
	}
}

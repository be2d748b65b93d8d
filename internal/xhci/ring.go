package xhci

import (
	"fmt"

	"github.com/tinyrange/xhcid/internal/dma"
)

// Ring is a producer ring shared with the controller: the command ring or a
// per-endpoint transfer ring. Software writes TRBs with the current cycle
// bit, the hardware consumes entries whose cycle bit matches its own state.
//
// Rings created with a link reserve their final slot for a link TRB that
// redirects the hardware to index 0 and toggles the cycle state.
//
// Ring is not internally synchronized; the owner serializes access (the
// controller's command mutex, or the endpoint state's mutex).
type Ring struct {
	buf     *dma.Buffer
	entries int
	link    bool

	enqueue int  // next slot to write
	cycle   bool // producer cycle state

	// hwDequeue is the last known hardware dequeue slot, published by the
	// reactor as completions arrive. One slot is always kept empty so the
	// enqueue index can never catch an unconsumed entry.
	hwDequeue int
}

// NewRing allocates a zeroed ring with the given number of TRB slots. With
// link set, the last slot is reserved for the wrap link TRB.
func NewRing(alloc dma.Allocator, entries int, link bool) (*Ring, error) {
	if entries < 2 {
		return nil, fmt.Errorf("xhci: ring needs at least 2 entries, got %d", entries)
	}
	buf, err := alloc.Alloc(entries * TrbSize)
	if err != nil {
		return nil, fmt.Errorf("xhci: allocate ring of %d entries: %w", entries, err)
	}
	return &Ring{
		buf:     buf,
		entries: entries,
		link:    link,
		cycle:   true,
	}, nil
}

// Entries returns the total slot count, including the reserved link slot.
func (r *Ring) Entries() int {
	return r.entries
}

// PhysBase returns the bus address of slot 0.
func (r *Ring) PhysBase() uint64 {
	return r.buf.Phys()
}

// PhysAt returns the bus address of the given slot.
func (r *Ring) PhysAt(index int) uint64 {
	return r.buf.Phys() + uint64(index)*TrbSize
}

// TrbAt returns a decoded copy of the TRB in the given slot.
func (r *Ring) TrbAt(index int) Trb {
	off := index * TrbSize
	return DecodeTrb(r.buf.Bytes()[off : off+TrbSize])
}

func (r *Ring) setTrbAt(index int, t Trb) {
	off := index * TrbSize
	t.Encode(r.buf.Bytes()[off : off+TrbSize])
}

// IndexForPhys maps a physical TRB pointer reported by the hardware back to
// a slot index. Returns false if the pointer is outside the ring.
func (r *Ring) IndexForPhys(paddr uint64) (int, bool) {
	base := r.buf.Phys()
	if paddr < base || paddr >= base+uint64(r.entries)*TrbSize {
		return 0, false
	}
	off := paddr - base
	if off%TrbSize != 0 {
		return 0, false
	}
	return int(off / TrbSize), true
}

// Register returns the value to program into a ring pointer register such
// as CRCR or an endpoint context dequeue pointer: the address of the next
// slot with the current cycle state in bit 0.
func (r *Ring) Register() uint64 {
	var cycle uint64
	if r.cycle {
		cycle = 1
	}
	return r.PhysAt(r.enqueue) | cycle
}

// Cycle returns the producer cycle state.
func (r *Ring) Cycle() bool {
	return r.cycle
}

// nextDataSlot returns the data slot following i, skipping the reserved
// link slot for link rings.
func (r *Ring) nextDataSlot(i int) int {
	i++
	if r.link && i == r.entries-1 {
		return 0
	}
	if i == r.entries {
		return 0
	}
	return i
}

// FreeSlots returns the number of TRBs that can be enqueued before the
// ring reports full.
func (r *Ring) FreeSlots() int {
	n := 0
	for i := r.enqueue; r.nextDataSlot(i) != r.hwDequeue; i = r.nextDataSlot(i) {
		n++
	}
	return n
}

// Enqueue writes the next slot through build and advances the write index.
// The cycle bit is stamped after build runs, so every published TRB carries
// the cycle state in effect at the moment it was written. When the write
// index reaches the reserved wrap slot, a link TRB is written first and the
// cycle state toggles.
//
// Enqueue never blocks. A full ring is reported as ErrRingFull; silently
// overwriting an entry the hardware has not consumed would corrupt the
// protocol.
func (r *Ring) Enqueue(build func(*Trb)) (index int, cycle bool, err error) {
	if r.nextDataSlot(r.enqueue) == r.hwDequeue {
		return 0, false, ErrRingFull
	}

	index = r.enqueue
	var t Trb
	build(&t)
	t.SetCycle(r.cycle)
	r.setTrbAt(index, t)

	r.enqueue++
	if r.link && r.enqueue == r.entries-1 {
		var link Trb
		link.SetLink(r.PhysBase(), true)
		link.SetCycle(r.cycle)
		r.setTrbAt(r.enqueue, link)
		r.enqueue = 0
		r.cycle = !r.cycle
	} else if r.enqueue == r.entries {
		r.enqueue = 0
	}

	return index, t.Cycle(), nil
}

// PublishDequeue records that the hardware has consumed the TRB at index.
// Called by the reactor with the source index of each completion event.
func (r *Ring) PublishDequeue(index int) {
	r.hwDequeue = r.nextDataSlot(index)
}

// Close frees the ring's DMA memory. The owner must confirm the hardware
// holds no outstanding reference first (endpoint stopped or slot disabled).
func (r *Ring) Close() error {
	return r.buf.Free()
}

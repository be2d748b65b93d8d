package xhci

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/xhcid/internal/dma"
)

// erstEntrySize is the size of one Event Ring Segment Table entry: a 64-bit
// segment base, a 16-bit segment size and reserved space.
const erstEntrySize = 16

// erdpEHB is the Event Handler Busy bit in the ERDP register. Writing it as
// part of an ERDP update acknowledges that interrupt handling finished; it
// must be written after the dequeue pointer has advanced, never before.
const erdpEHB = uint64(1) << 3

// EventRing is a consumer ring the controller is the sole writer of. It is
// described to the hardware through a segment table (ERST); the software
// cursor walks segments in table order and wraps to segment 0, toggling the
// consumer cycle state.
//
// An entry is ready when its cycle bit matches the consumer cycle state and
// its completion code is not Invalid. Consuming an entry scrubs it back to
// a reserved TRB so double processing shows up as a missing event instead
// of a stale one.
type EventRing struct {
	alloc dma.Allocator

	erst       *dma.Buffer // segment table, sized for maxSegments entries
	segments   []*dma.Buffer
	segEntries int // TRB slots per segment

	seg   int // cursor: segment
	index int // cursor: slot within segment
	cycle bool
}

// maxEventSegments bounds Grow. The ERST allocation is sized for this many
// entries up front so growth never moves the table the hardware points at.
const maxEventSegments = 16

// NewEventRing allocates an event ring with a single segment of the given
// number of TRB slots.
func NewEventRing(alloc dma.Allocator, segEntries int) (*EventRing, error) {
	if segEntries < 16 {
		return nil, fmt.Errorf("xhci: event ring segment needs at least 16 entries, got %d", segEntries)
	}
	erst, err := alloc.Alloc(maxEventSegments * erstEntrySize)
	if err != nil {
		return nil, fmt.Errorf("xhci: allocate event ring segment table: %w", err)
	}
	er := &EventRing{
		alloc:      alloc,
		erst:       erst,
		segEntries: segEntries,
		cycle:      true,
	}
	if err := er.addSegment(); err != nil {
		erst.Free()
		return nil, err
	}
	return er, nil
}

// addSegment allocates one segment and publishes it in the segment table.
func (er *EventRing) addSegment() error {
	if len(er.segments) == maxEventSegments {
		return fmt.Errorf("xhci: event ring already at %d segments", maxEventSegments)
	}
	seg, err := er.alloc.Alloc(er.segEntries * TrbSize)
	if err != nil {
		return fmt.Errorf("xhci: allocate event ring segment: %w", err)
	}

	ste := er.erst.Bytes()[len(er.segments)*erstEntrySize:]
	binary.LittleEndian.PutUint64(ste[0:8], seg.Phys())
	binary.LittleEndian.PutUint16(ste[8:10], uint16(er.segEntries))

	er.segments = append(er.segments, seg)
	return nil
}

// Grow appends a segment to the ring. Called by the reactor when the
// controller reports Event Ring Full; the caller reprograms ERSTSZ
// afterwards so the hardware picks up the new segment.
func (er *EventRing) Grow() error {
	return er.addSegment()
}

// SegmentCount returns the number of live segments, i.e. the ERSTSZ value.
func (er *EventRing) SegmentCount() int {
	return len(er.segments)
}

// Erstba returns the physical base of the segment table for the ERSTBA
// register.
func (er *EventRing) Erstba() uint64 {
	return er.erst.Phys()
}

// CyclesMatch reports whether the consumer cycle state equals cycle.
func (er *EventRing) CyclesMatch(cycle bool) bool {
	return er.cycle == cycle
}

func (er *EventRing) trbBytes(seg, index int) []byte {
	off := index * TrbSize
	return er.segments[seg].Bytes()[off : off+TrbSize]
}

// Peek returns the TRB under the cursor if the controller has published it:
// cycle bit matching the consumer cycle state and a completion code other
// than Invalid. The cursor does not advance.
func (er *EventRing) Peek() (Trb, bool) {
	t := DecodeTrb(er.trbBytes(er.seg, er.index))
	if t.Cycle() != er.cycle || t.CompletionCode() == CompletionInvalid {
		return Trb{}, false
	}
	return t, true
}

// Consume scrubs the entry under the cursor and advances it, wrapping from
// the last segment back to segment 0 and toggling the consumer cycle state.
func (er *EventRing) Consume() {
	var scrub Trb
	scrub.SetReserved(!er.cycle)
	scrub.Encode(er.trbBytes(er.seg, er.index))

	er.index++
	if er.index == er.segEntries {
		er.index = 0
		er.seg++
		if er.seg == len(er.segments) {
			er.seg = 0
			er.cycle = !er.cycle
		}
	}
}

// Erdp returns the value for the Event Ring Dequeue Pointer register: the
// physical address of the cursor entry with the Event Handler Busy
// acknowledge bit set. ERDP only ever moves forward past consumed entries.
func (er *EventRing) Erdp() uint64 {
	addr := er.segments[er.seg].Phys() + uint64(er.index)*TrbSize
	return (addr &^ 0xF) | erdpEHB
}

// Close frees all segments and the segment table. The interrupter must be
// disabled first.
func (er *EventRing) Close() error {
	var firstErr error
	for _, seg := range er.segments {
		if err := seg.Free(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := er.erst.Free(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

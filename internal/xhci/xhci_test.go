package xhci

import (
	"encoding/binary"
	"testing"

	"github.com/tinyrange/xhcid/internal/dma"
	"github.com/tinyrange/xhcid/internal/mmio"
)

// fakeAllocator hands out plain byte slices with deterministic fake
// physical addresses, so pointer matching can be tested without hardware.
type fakeAllocator struct {
	next uint64
}

func newFakeAllocator() *fakeAllocator {
	return &fakeAllocator{next: 0x10_0000}
}

func (a *fakeAllocator) Alloc(size int) (*dma.Buffer, error) {
	phys := a.next
	a.next += uint64((size + 0xFFF) &^ 0xFFF)
	return dma.NewBuffer(make([]byte, size), phys, nil), nil
}

// Fake BAR layout for tests.
const (
	testCapLength = 0x20
	testDbOffset  = 0x2000
	testRtsOffset = 0x3000
	testBarSize   = 0x4000
	testMaxSlots  = 32
	testMaxPorts  = 8
)

func newTestBar() *mmio.Region {
	b := make([]byte, testBarSize)
	b[capCAPLENGTH] = testCapLength
	binary.LittleEndian.PutUint16(b[capHCIVERSION:], 0x0110)
	binary.LittleEndian.PutUint32(b[capHCSPARAMS1:], testMaxSlots|1<<8|testMaxPorts<<24)
	binary.LittleEndian.PutUint32(b[capHCCPARAMS1:], hccAC64)
	binary.LittleEndian.PutUint32(b[capDBOFF:], testDbOffset)
	binary.LittleEndian.PutUint32(b[capRTSOFF:], testRtsOffset)
	return mmio.NewRegion(b)
}

func newTestController(t *testing.T, opts *Options) *Controller {
	t.Helper()
	c, err := NewController(newTestBar(), newFakeAllocator(), opts)
	if err != nil {
		t.Fatalf("NewController failed: %v", err)
	}
	return c
}

// eventInjector plays the controller's role on the event ring: it writes
// event TRBs with the hardware producer cycle state, wrapping and toggling
// like the real device.
type eventInjector struct {
	er    *EventRing
	seg   int
	index int
	cycle bool
}

func newEventInjector(er *EventRing) *eventInjector {
	return &eventInjector{er: er, cycle: true}
}

func (inj *eventInjector) inject(t Trb) {
	t.SetCycle(inj.cycle)
	t.Encode(inj.er.trbBytes(inj.seg, inj.index))

	inj.index++
	if inj.index == inj.er.segEntries {
		inj.index = 0
		inj.seg++
		if inj.seg == len(inj.er.segments) {
			inj.seg = 0
			inj.cycle = !inj.cycle
		}
	}
}

// commandCompletionEvent builds a command completion event TRB pointing at
// the command TRB with the given physical address.
func commandCompletionEvent(srcPtr uint64, code CompletionCode) Trb {
	var t Trb
	t.setData(srcPtr)
	t.Status = uint32(code) << trbCompletionCodeShift
	t.Control = control(TrbTypeCommandCompletion, 0)
	return t
}

// transferEvent builds a transfer event TRB pointing at the transfer TRB
// with the given physical address.
func transferEvent(srcPtr uint64, code CompletionCode, slot, endpointID uint8) Trb {
	var t Trb
	t.setData(srcPtr)
	t.Status = uint32(code) << trbCompletionCodeShift
	t.Control = control(TrbTypeTransfer,
		uint32(slot)<<24|uint32(endpointID)<<trbEndpointIDShift)
	return t
}

// hostControllerEvent builds a host controller event with the given code.
func hostControllerEvent(code CompletionCode) Trb {
	var t Trb
	t.Status = uint32(code) << trbCompletionCodeShift
	t.Control = control(TrbTypeHostController, 0)
	return t
}

func TestControllerMapsRegisterBlocks(t *testing.T) {
	c := newTestController(t, nil)

	if got := c.cap.MaxSlots(); got != testMaxSlots {
		t.Errorf("MaxSlots = %d, want %d", got, testMaxSlots)
	}
	if got := c.cap.MaxPorts(); got != testMaxPorts {
		t.Errorf("MaxPorts = %d, want %d", got, testMaxPorts)
	}
	if !c.cap.AC64() {
		t.Error("AC64 = false, want true")
	}

	// The doorbell array must land at DBOFF: ring slot 3 and check the
	// raw BAR bytes.
	c.dbs.Ring(3, DoorbellValue(2, 7))
	want := uint32(2) | 7<<16
	if got := c.bar.Read32(testDbOffset + 3*4); got != want {
		t.Errorf("doorbell 3 = %#x, want %#x", got, want)
	}
}

func TestInterruptPendingAndClear(t *testing.T) {
	c := newTestController(t, nil)

	if c.InterruptPending() {
		t.Fatal("no interrupt expected after construction")
	}

	// Raise EINT and IMAN.IP the way the hardware would.
	c.bar.WriteFlag(testCapLength+opUSBSTS, UsbStsEventInterrupt, true)
	c.bar.WriteFlag(testRtsOffset+runInterrupterBase+intIMAN, ImanInterruptPending, true)
	if !c.InterruptPending() {
		t.Fatal("interrupt should be pending")
	}

	c.ClearInterrupt()
	// USBSTS is write-1-to-clear; the fake BAR does not model that, but
	// IMAN.IP must have been written back as 1 (the clearing value).
	if got := c.bar.Read32(testRtsOffset + runInterrupterBase + intIMAN); got&ImanInterruptPending == 0 {
		t.Error("ClearInterrupt must write IMAN.IP as 1 to acknowledge")
	}
}

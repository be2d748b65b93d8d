package xhci

import (
	"encoding/binary"
	"testing"

	"github.com/tinyrange/xhcid/internal/mmio"
)

// newExtCapBar builds a BAR with an extended capability chain at 0x500: a
// legacy support capability followed by USB2 and USB3 protocol ranges.
func newExtCapBar() *mmio.Region {
	b := make([]byte, testBarSize)
	b[capCAPLENGTH] = testCapLength
	binary.LittleEndian.PutUint32(b[capHCSPARAMS1:], testMaxSlots|1<<8|testMaxPorts<<24)
	binary.LittleEndian.PutUint32(b[capHCCPARAMS1:], hccAC64|(0x500>>2)<<16)
	binary.LittleEndian.PutUint32(b[capDBOFF:], testDbOffset)
	binary.LittleEndian.PutUint32(b[capRTSOFF:], testRtsOffset)

	// Legacy support at 0x500, BIOS-owned; next at +0x10.
	binary.LittleEndian.PutUint32(b[0x500:], uint32(extCapLegacySupport)|4<<8|legacyBiosOwned)
	// USB2 protocol at 0x510, ports 1..4; next at +0x10.
	binary.LittleEndian.PutUint32(b[0x510:], uint32(extCapSupportedProtocol)|4<<8|0x10<<16|2<<24)
	binary.LittleEndian.PutUint32(b[0x518:], 1|4<<8)
	// USB3 protocol at 0x520, ports 5..8; end of chain.
	binary.LittleEndian.PutUint32(b[0x520:], uint32(extCapSupportedProtocol)|3<<24)
	binary.LittleEndian.PutUint32(b[0x528:], 5|4<<8)

	return mmio.NewRegion(b)
}

func TestWalkExtendedCapabilities(t *testing.T) {
	bar := newExtCapBar()

	var ids []uint8
	walkExtendedCapabilities(bar, 0x500, func(id uint8, off uint64) {
		ids = append(ids, id)
	})
	want := []uint8{extCapLegacySupport, extCapSupportedProtocol, extCapSupportedProtocol}
	if len(ids) != len(want) {
		t.Fatalf("visited %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("visited %v, want %v", ids, want)
		}
	}
}

func TestSupportedProtocols(t *testing.T) {
	c, err := NewController(newExtCapBar(), newFakeAllocator(), nil)
	if err != nil {
		t.Fatal(err)
	}

	if len(c.protocols) != 2 {
		t.Fatalf("protocols = %v, want 2 entries", c.protocols)
	}

	p, ok := c.ProtocolForPort(3)
	if !ok || p.Major != 2 {
		t.Errorf("port 3 protocol = %+v, %v, want USB2", p, ok)
	}
	p, ok = c.ProtocolForPort(5)
	if !ok || p.Major != 3 {
		t.Errorf("port 5 protocol = %+v, %v, want USB3", p, ok)
	}
	if _, ok := c.ProtocolForPort(9); ok {
		t.Error("port 9 is outside every range")
	}
}

func TestClaimLegacyOwnership(t *testing.T) {
	bar := newExtCapBar()

	// The fake BIOS never clears its semaphore, so the claim is forced.
	if err := claimLegacyOwnership(bar, 0x500); err != nil {
		t.Fatalf("claimLegacyOwnership failed: %v", err)
	}
	if bar.ReadFlag(0x500, legacyBiosOwned) {
		t.Error("BIOS semaphore must be cleared after a forced claim")
	}
	if !bar.ReadFlag(0x500, legacyOsOwned) {
		t.Error("OS semaphore must be set")
	}
}

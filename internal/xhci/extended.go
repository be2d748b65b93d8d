package xhci

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/tinyrange/xhcid/internal/mmio"
)

// Extended capability IDs (xHCI section 7).
const (
	extCapLegacySupport     = 1
	extCapSupportedProtocol = 2
)

// USBLEGSUP semaphore bits.
const (
	legacyBiosOwned = uint32(1) << 16
	legacyOsOwned   = uint32(1) << 24
)

// SupportedProtocol describes one supported-protocol extended capability:
// a contiguous range of root hub ports speaking one USB major version.
type SupportedProtocol struct {
	Major      uint8
	Minor      uint8
	PortOffset uint8 // 1-based first port of the range
	PortCount  uint8
}

// Contains reports whether the 1-based port number falls in this range.
func (p SupportedProtocol) Contains(port uint8) bool {
	return port >= p.PortOffset && port < p.PortOffset+p.PortCount
}

// walkExtendedCapabilities visits each extended capability header. visit
// receives the capability ID and the BAR offset of its first dword.
func walkExtendedCapabilities(bar *mmio.Region, start uint32, visit func(id uint8, off uint64)) {
	off := uint64(start)
	for off != 0 && off+4 <= uint64(bar.Len()) {
		header := bar.Read32(off)
		visit(uint8(header), off)
		next := header >> 8 & 0xFF
		if next == 0 {
			return
		}
		off += uint64(next) << 2
	}
}

// claimLegacyOwnership performs the BIOS/OS handoff for controllers that
// expose a USB legacy support capability. A firmware that never releases
// the controller is logged and overridden, matching what other OS drivers
// do in practice.
func claimLegacyOwnership(bar *mmio.Region, legsupOff uint64) error {
	bar.WriteFlag(legsupOff, legacyOsOwned, true)

	deadline := time.Now().Add(time.Second)
	for bar.ReadFlag(legsupOff, legacyBiosOwned) {
		if time.Now().After(deadline) {
			slog.Warn("xhci: firmware refused legacy handoff, forcing ownership")
			bar.WriteFlag(legsupOff, legacyBiosOwned, false)
			break
		}
		time.Sleep(time.Millisecond)
	}
	if !bar.ReadFlag(legsupOff, legacyOsOwned) {
		return fmt.Errorf("xhci: legacy handoff failed: %w", ErrControllerTimeout)
	}
	return nil
}

// readSupportedProtocols collects the port ranges of every supported
// protocol capability.
func readSupportedProtocols(bar *mmio.Region, start uint32) []SupportedProtocol {
	var protos []SupportedProtocol
	walkExtendedCapabilities(bar, start, func(id uint8, off uint64) {
		if id != extCapSupportedProtocol || off+12 > uint64(bar.Len()) {
			return
		}
		d0 := bar.Read32(off)
		d2 := bar.Read32(off + 8)
		protos = append(protos, SupportedProtocol{
			Major:      uint8(d0 >> 24),
			Minor:      uint8(d0 >> 16),
			PortOffset: uint8(d2),
			PortCount:  uint8(d2 >> 8),
		})
	})
	return protos
}

// ProtocolForPort returns the protocol range covering a 1-based port.
func (c *Controller) ProtocolForPort(port uint8) (SupportedProtocol, bool) {
	for _, p := range c.protocols {
		if p.Contains(port) {
			return p, true
		}
	}
	return SupportedProtocol{}, false
}

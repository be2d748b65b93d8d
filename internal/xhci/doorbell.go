package xhci

import "github.com/tinyrange/xhcid/internal/mmio"

// doorbellCount is the size of the doorbell register array: one register
// for the host controller plus one per device slot.
const doorbellCount = 256

// DoorbellArray is the controller's doorbell register file. Slot 0 is the
// host controller doorbell (command ring); slots 1..MaxSlots belong to
// device slots, where the target selects an endpoint and the upper half a
// stream.
//
// A doorbell write is a fire-and-forget 32-bit store and needs no locking
// of its own. The one ordering rule the rest of the system depends on: the
// pending-completion record for a request must reach the reactor before the
// doorbell for that request is rung, or the completion can race ahead of
// the registration and be dropped.
type DoorbellArray struct {
	regs *mmio.Region
}

// NewDoorbellArray wraps the doorbell registers found at DBOFF.
func NewDoorbellArray(regs *mmio.Region) *DoorbellArray {
	return &DoorbellArray{regs: regs}
}

// DoorbellValue encodes a doorbell register write: the DB target in the low
// byte and the stream ID in the upper half.
func DoorbellValue(target uint8, streamID uint16) uint32 {
	return uint32(target) | uint32(streamID)<<16
}

// Ring writes the doorbell register for the given slot.
func (d *DoorbellArray) Ring(slot uint8, value uint32) {
	d.regs.Write32(uint64(slot)*4, value)
}

// RingCommand notifies the controller that new command TRBs are available.
func (d *DoorbellArray) RingCommand() {
	d.Ring(0, 0)
}

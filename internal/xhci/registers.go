package xhci

import (
	"fmt"

	"github.com/tinyrange/xhcid/internal/mmio"
)

// Capability register offsets (xHCI section 5.3).
const (
	capCAPLENGTH  = 0x00
	capHCIVERSION = 0x02
	capHCSPARAMS1 = 0x04
	capHCSPARAMS2 = 0x08
	capHCSPARAMS3 = 0x0C
	capHCCPARAMS1 = 0x10
	capDBOFF      = 0x14
	capRTSOFF     = 0x18
	capHCCPARAMS2 = 0x1C
)

// HCCPARAMS1 bits.
const (
	hccAC64 = uint32(1) << 0 // 64-bit addressing capability
	hccCSZ  = uint32(1) << 2 // 64-byte context size
)

// CapabilityRegs reads the read-only capability block at the start of the
// BAR.
type CapabilityRegs struct {
	regs *mmio.Region
}

func NewCapabilityRegs(regs *mmio.Region) *CapabilityRegs {
	return &CapabilityRegs{regs: regs}
}

// Length returns CAPLENGTH: the offset of the operational registers.
func (c *CapabilityRegs) Length() uint8 {
	return c.regs.Read8(capCAPLENGTH)
}

// Version returns the BCD interface version (HCIVERSION).
func (c *CapabilityRegs) Version() uint16 {
	return c.regs.Read16(capHCIVERSION)
}

// MaxSlots returns the number of device slots the controller supports.
func (c *CapabilityRegs) MaxSlots() uint8 {
	return uint8(c.regs.Read32(capHCSPARAMS1))
}

// MaxInterrupters returns the number of interrupters.
func (c *CapabilityRegs) MaxInterrupters() uint16 {
	return uint16(c.regs.Read32(capHCSPARAMS1) >> 8 & 0x7FF)
}

// MaxPorts returns the number of root hub ports.
func (c *CapabilityRegs) MaxPorts() uint8 {
	return uint8(c.regs.Read32(capHCSPARAMS1) >> 24)
}

// ErstMax returns the maximum event ring segment table size as a power of
// two exponent (HCSPARAMS2 bits 4..7).
func (c *CapabilityRegs) ErstMax() uint8 {
	return uint8(c.regs.Read32(capHCSPARAMS2) >> 4 & 0xF)
}

// MaxScratchpadBuffers returns the number of scratchpad pages the
// controller demands in the device context base array.
func (c *CapabilityRegs) MaxScratchpadBuffers() uint32 {
	p2 := c.regs.Read32(capHCSPARAMS2)
	hi := p2 >> 21 & 0x1F
	lo := p2 >> 27 & 0x1F
	return hi<<5 | lo
}

// AC64 reports 64-bit addressing capability. Without it, all physical
// pointers handed to the controller are truncated to 32 bits.
func (c *CapabilityRegs) AC64() bool {
	return c.regs.ReadFlag(capHCCPARAMS1, hccAC64)
}

// ContextSize64 reports whether device contexts are 64 bytes instead of 32.
func (c *CapabilityRegs) ContextSize64() bool {
	return c.regs.ReadFlag(capHCCPARAMS1, hccCSZ)
}

// DoorbellOffset returns DBOFF: the BAR offset of the doorbell array.
func (c *CapabilityRegs) DoorbellOffset() uint32 {
	return c.regs.Read32(capDBOFF) &^ 0x3
}

// RuntimeOffset returns RTSOFF: the BAR offset of the runtime registers.
func (c *CapabilityRegs) RuntimeOffset() uint32 {
	return c.regs.Read32(capRTSOFF) &^ 0x1F
}

// ExtendedCapabilitiesOffset returns the BAR offset of the first extended
// capability, or 0 if the controller has none.
func (c *CapabilityRegs) ExtendedCapabilitiesOffset() uint32 {
	xecp := c.regs.Read32(capHCCPARAMS1) >> 16
	return xecp << 2
}

// PhysMask returns the mask to apply to physical addresses before handing
// them to the controller.
func (c *CapabilityRegs) PhysMask() uint64 {
	if c.AC64() {
		return ^uint64(0)
	}
	return 0xFFFF_FFFF
}

// Operational register offsets, relative to CAPLENGTH (xHCI section 5.4).
const (
	opUSBCMD   = 0x00
	opUSBSTS   = 0x04
	opPAGESIZE = 0x08
	opDNCTRL   = 0x14
	opCRCR     = 0x18
	opDCBAAP   = 0x30
	opCONFIG   = 0x38

	opPortBase   = 0x400
	opPortStride = 0x10
)

// USBCMD bits.
const (
	UsbCmdRunStop         = uint32(1) << 0
	UsbCmdReset           = uint32(1) << 1
	UsbCmdInterrupterEnbl = uint32(1) << 2
)

// USBSTS bits.
const (
	UsbStsHalted         = uint32(1) << 0
	UsbStsEventInterrupt = uint32(1) << 3
	UsbStsPortChange     = uint32(1) << 4
	UsbStsNotReady       = uint32(1) << 11
)

// OperationalRegs is the run/stop, reset and pointer-programming block.
type OperationalRegs struct {
	regs *mmio.Region
}

func NewOperationalRegs(regs *mmio.Region) *OperationalRegs {
	return &OperationalRegs{regs: regs}
}

func (o *OperationalRegs) Command() uint32 {
	return o.regs.Read32(opUSBCMD)
}

func (o *OperationalRegs) SetCommandFlag(mask uint32, set bool) {
	o.regs.WriteFlag(opUSBCMD, mask, set)
}

func (o *OperationalRegs) Status() uint32 {
	return o.regs.Read32(opUSBSTS)
}

// ClearStatus acknowledges write-1-to-clear status bits.
func (o *OperationalRegs) ClearStatus(mask uint32) {
	o.regs.Write32(opUSBSTS, mask)
}

func (o *OperationalRegs) PageSize() uint32 {
	return o.regs.Read32(opPAGESIZE)
}

// SetCommandRing programs CRCR with a Ring.Register() value: the command
// ring base with the ring cycle state in bit 0.
func (o *OperationalRegs) SetCommandRing(crcr uint64) {
	o.regs.Write64(opCRCR, crcr)
}

// SetDeviceContextBase programs DCBAAP.
func (o *OperationalRegs) SetDeviceContextBase(dcbaap uint64) {
	o.regs.Write64(opDCBAAP, dcbaap)
}

// SetEnabledSlots programs the MaxSlotsEn field of CONFIG.
func (o *OperationalRegs) SetEnabledSlots(slots uint8) {
	v := o.regs.Read32(opCONFIG)
	o.regs.Write32(opCONFIG, v&^0xFF|uint32(slots))
}

// PortStatus reads PORTSC for a 1-based port number.
func (o *OperationalRegs) PortStatus(port uint8) (uint32, error) {
	off, err := o.portOffset(port)
	if err != nil {
		return 0, err
	}
	return o.regs.Read32(off), nil
}

// WritePortStatus writes PORTSC for a 1-based port number. PORTSC mixes
// write-1-to-clear change bits with plain control bits; callers must mask
// accordingly.
func (o *OperationalRegs) WritePortStatus(port uint8, value uint32) error {
	off, err := o.portOffset(port)
	if err != nil {
		return err
	}
	o.regs.Write32(off, value)
	return nil
}

func (o *OperationalRegs) portOffset(port uint8) (uint64, error) {
	if port == 0 {
		return 0, fmt.Errorf("xhci: port numbers are 1-based")
	}
	return opPortBase + uint64(port-1)*opPortStride, nil
}

// Runtime register offsets (xHCI section 5.5). Interrupter register sets
// start at 0x20 and are 0x20 bytes each.
const (
	runMFINDEX           = 0x00
	runInterrupterBase   = 0x20
	runInterrupterStride = 0x20

	intIMAN   = 0x00
	intIMOD   = 0x04
	intERSTSZ = 0x08
	intERSTBA = 0x10
	intERDP   = 0x18
)

// IMAN bits.
const (
	ImanInterruptPending = uint32(1) << 0 // write 1 to clear
	ImanInterruptEnable  = uint32(1) << 1
)

// RuntimeRegs is the interrupter register block.
type RuntimeRegs struct {
	regs *mmio.Region
}

func NewRuntimeRegs(regs *mmio.Region) *RuntimeRegs {
	return &RuntimeRegs{regs: regs}
}

// Mfindex returns the microframe index counter.
func (r *RuntimeRegs) Mfindex() uint32 {
	return r.regs.Read32(runMFINDEX) & 0x3FFF
}

func interrupterOffset(interrupter uint16, reg uint64) uint64 {
	return runInterrupterBase + uint64(interrupter)*runInterrupterStride + reg
}

// InterruptPending reports the IP bit of the interrupter's IMAN register.
func (r *RuntimeRegs) InterruptPending(interrupter uint16) bool {
	return r.regs.ReadFlag(interrupterOffset(interrupter, intIMAN), ImanInterruptPending)
}

// ClearInterruptPending acknowledges the IP bit (write-1-to-clear) while
// preserving the enable bit.
func (r *RuntimeRegs) ClearInterruptPending(interrupter uint16) {
	off := interrupterOffset(interrupter, intIMAN)
	v := r.regs.Read32(off)
	r.regs.Write32(off, v|ImanInterruptPending)
}

// SetInterruptEnable sets or clears the IE bit without acknowledging IP.
func (r *RuntimeRegs) SetInterruptEnable(interrupter uint16, enable bool) {
	off := interrupterOffset(interrupter, intIMAN)
	v := r.regs.Read32(off) &^ ImanInterruptPending
	if enable {
		v |= ImanInterruptEnable
	} else {
		v &^= ImanInterruptEnable
	}
	r.regs.Write32(off, v)
}

// SetModeration programs IMOD with the interrupt moderation interval in
// 250ns units.
func (r *RuntimeRegs) SetModeration(interrupter uint16, interval uint16) {
	r.regs.Write32(interrupterOffset(interrupter, intIMOD), uint32(interval))
}

// ProgramEventRing points the interrupter at an event ring: segment table
// size, segment table base, then the initial dequeue pointer.
func (r *RuntimeRegs) ProgramEventRing(interrupter uint16, er *EventRing) {
	r.regs.Write32(interrupterOffset(interrupter, intERSTSZ), uint32(er.SegmentCount()))
	r.regs.Write64(interrupterOffset(interrupter, intERSTBA), er.Erstba())
	r.regs.Write64(interrupterOffset(interrupter, intERDP), er.Erdp())
}

// SetErdp advances the interrupter's dequeue pointer. The value comes from
// EventRing.Erdp and carries the EHB acknowledge bit.
func (r *RuntimeRegs) SetErdp(interrupter uint16, erdp uint64) {
	r.regs.Write64(interrupterOffset(interrupter, intERDP), erdp)
}

// SetErstSize reprograms the segment table size after event ring growth.
func (r *RuntimeRegs) SetErstSize(interrupter uint16, size int) {
	r.regs.Write32(interrupterOffset(interrupter, intERSTSZ), uint32(size))
}

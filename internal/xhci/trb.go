// Package xhci implements the xHCI command/transfer/event ring engine: TRB
// rings shared with the host controller, the doorbell array, and the IRQ
// reactor that matches asynchronous completion events to pending requests.
package xhci

import (
	"encoding/binary"
	"fmt"
)

// TrbSize is the fixed size of a Transfer Request Block in bytes.
const TrbSize = 16

// TrbType identifies the kind of a TRB, stored in control word bits 10..15.
type TrbType uint8

const (
	TrbTypeReserved TrbType = iota
	// Transfer TRBs
	TrbTypeNormal
	TrbTypeSetupStage
	TrbTypeDataStage
	TrbTypeStatusStage
	TrbTypeIsoch
	TrbTypeLink
	TrbTypeEventData
	TrbTypeNoOp
	// Command TRBs
	TrbTypeEnableSlot
	TrbTypeDisableSlot
	TrbTypeAddressDevice
	TrbTypeConfigureEndpoint
	TrbTypeEvaluateContext
	TrbTypeResetEndpoint
	TrbTypeStopEndpoint
	TrbTypeSetTrDequeuePointer
	TrbTypeResetDevice
	TrbTypeForceEvent
	TrbTypeNegotiateBandwidth
	TrbTypeSetLatencyTolerance
	TrbTypeGetPortBandwidth
	TrbTypeForceHeader
	TrbTypeNoOpCmd
	TrbTypeGetExtendedProperty
	TrbTypeSetExtendedProperty
	_ // 26..31 reserved
	_
	_
	_
	_
	_
	// Event TRBs
	TrbTypeTransfer
	TrbTypeCommandCompletion
	TrbTypePortStatusChange
	TrbTypeBandwidthRequest
	TrbTypeDoorbell
	TrbTypeHostController
	TrbTypeDeviceNotification
	TrbTypeMfindexWrap
	// 40..47 reserved, 48..63 vendor defined
)

// CompletionCode is the hardware-reported outcome in event TRB status bits
// 24..31.
type CompletionCode uint8

const (
	CompletionInvalid CompletionCode = iota
	CompletionSuccess
	CompletionDataBuffer
	CompletionBabbleDetected
	CompletionUSBTransaction
	CompletionTrb
	CompletionStall
	CompletionResource
	CompletionBandwidth
	CompletionNoSlotsAvailable
	CompletionInvalidStreamType
	CompletionSlotNotEnabled
	CompletionEndpointNotEnabled
	CompletionShortPacket
	CompletionRingUnderrun
	CompletionRingOverrun
	CompletionVfEventRingFull
	CompletionParameter
	CompletionBandwidthOverrun
	CompletionContextState
	CompletionNoPingResponse
	CompletionEventRingFull
	CompletionIncompatibleDevice
	CompletionMissedService
	CompletionCommandRingStopped
	CompletionCommandAborted
	CompletionStopped
	CompletionStoppedLengthInvalid
	CompletionStoppedShortPacket
	CompletionMaxExitLatencyTooLarge
	_
	CompletionIsochBuffer
	CompletionEventLost
	CompletionUndefined
	CompletionInvalidStreamID
	CompletionSecondaryBandwidth
	CompletionSplitTransaction
	// 37..191 reserved, 192..223 vendor errors, 224..255 vendor info
)

// Ok reports whether the code signals a fully successful completion. Short
// packets are a successful outcome with reduced length.
func (c CompletionCode) Ok() bool {
	return c == CompletionSuccess || c == CompletionShortPacket
}

var completionCodeNames = map[CompletionCode]string{
	CompletionInvalid:            "invalid",
	CompletionSuccess:            "success",
	CompletionDataBuffer:         "data buffer error",
	CompletionBabbleDetected:     "babble detected",
	CompletionUSBTransaction:     "usb transaction error",
	CompletionTrb:                "trb error",
	CompletionStall:              "stall",
	CompletionResource:           "resource error",
	CompletionBandwidth:          "bandwidth error",
	CompletionNoSlotsAvailable:   "no slots available",
	CompletionSlotNotEnabled:     "slot not enabled",
	CompletionEndpointNotEnabled: "endpoint not enabled",
	CompletionShortPacket:        "short packet",
	CompletionRingUnderrun:       "ring underrun",
	CompletionRingOverrun:        "ring overrun",
	CompletionVfEventRingFull:    "vf event ring full",
	CompletionParameter:          "parameter error",
	CompletionEventRingFull:      "event ring full",
	CompletionCommandRingStopped: "command ring stopped",
	CompletionCommandAborted:     "command aborted",
	CompletionStopped:            "stopped",
	CompletionMissedService:      "missed service",
}

func (c CompletionCode) String() string {
	if s, ok := completionCodeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("completion code %d", uint8(c))
}

// TransferKind is the TRT field of a setup stage TRB.
type TransferKind uint8

const (
	TransferNoData TransferKind = 0
	TransferOut    TransferKind = 2
	TransferIn     TransferKind = 3
)

// Control word fields.
const (
	trbCycleBit = uint32(1) << 0

	trbTypeShift = 10
	trbTypeMask  = uint32(0xFC00)

	trbLinkToggleBit = uint32(1) << 1
	trbEventDataBit  = uint32(1) << 2

	trbEndpointIDShift = 16
	trbEndpointIDMask  = uint32(0x001F_0000)
)

// Status word fields.
const (
	trbCompletionCodeShift = 24
	trbCompletionParamMask = uint32(0x00FF_FFFF)
	trbTransferLenMask     = uint32(0x00FF_FFFF)
)

// Trb is one Transfer Request Block as exchanged with the controller. It is
// a decoded value; ring storage keeps the wire form in DMA memory.
type Trb struct {
	DataLow  uint32
	DataHigh uint32
	Status   uint32
	Control  uint32
}

// DecodeTrb reads a TRB from its 16-byte wire form.
func DecodeTrb(b []byte) Trb {
	return Trb{
		DataLow:  binary.LittleEndian.Uint32(b[0:4]),
		DataHigh: binary.LittleEndian.Uint32(b[4:8]),
		Status:   binary.LittleEndian.Uint32(b[8:12]),
		Control:  binary.LittleEndian.Uint32(b[12:16]),
	}
}

// Encode writes the TRB into its 16-byte wire form.
func (t Trb) Encode(b []byte) {
	binary.LittleEndian.PutUint32(b[0:4], t.DataLow)
	binary.LittleEndian.PutUint32(b[4:8], t.DataHigh)
	binary.LittleEndian.PutUint32(b[8:12], t.Status)
	binary.LittleEndian.PutUint32(b[12:16], t.Control)
}

// Data returns the 64-bit parameter word.
func (t Trb) Data() uint64 {
	return uint64(t.DataLow) | uint64(t.DataHigh)<<32
}

func (t *Trb) setData(v uint64) {
	t.DataLow = uint32(v)
	t.DataHigh = uint32(v >> 32)
}

// Type returns the TRB type field.
func (t Trb) Type() TrbType {
	return TrbType((t.Control & trbTypeMask) >> trbTypeShift)
}

// Cycle returns the cycle bit.
func (t Trb) Cycle() bool {
	return t.Control&trbCycleBit != 0
}

// SetCycle sets or clears the cycle bit. Rings stamp this at enqueue time;
// builders never touch it.
func (t *Trb) SetCycle(cycle bool) {
	if cycle {
		t.Control |= trbCycleBit
	} else {
		t.Control &^= trbCycleBit
	}
}

// CompletionCode returns the completion code of an event TRB.
func (t Trb) CompletionCode() CompletionCode {
	return CompletionCode(t.Status >> trbCompletionCodeShift)
}

// CompletionParam returns the completion parameter of a command completion
// event TRB.
func (t Trb) CompletionParam() uint32 {
	return t.Status & trbCompletionParamMask
}

// TransferLength returns the residual transfer length of a transfer event
// TRB: the number of bytes that should have been transferred but were not.
func (t Trb) TransferLength() uint32 {
	return t.Status & trbTransferLenMask
}

// EventSlot returns the slot ID field of an event TRB.
func (t Trb) EventSlot() uint8 {
	return uint8(t.Control >> 24)
}

// EndpointID returns the endpoint ID (DCI) field of a transfer event TRB.
func (t Trb) EndpointID() uint8 {
	return uint8((t.Control & trbEndpointIDMask) >> trbEndpointIDShift)
}

// EventData reports whether the event data bit is set and, if so, the
// software-defined value carried in the parameter word.
func (t Trb) EventData() (uint64, bool) {
	if t.Control&trbEventDataBit == 0 {
		return 0, false
	}
	return t.Data(), true
}

// hasSourcePointer reports whether the parameter word of an event TRB holds
// a valid pointer to the TRB that caused it. Ring Underrun, Ring Overrun and
// VF Event Ring Full carry no pointer: the transfers causing them simply
// remain pending and no information is lost.
func (t Trb) hasSourcePointer() bool {
	switch t.CompletionCode() {
	case CompletionRingUnderrun, CompletionRingOverrun, CompletionVfEventRingFull:
		return false
	}
	return true
}

// CompletionTrbPointer returns the physical address of the command TRB a
// command completion event refers to.
func (t Trb) CompletionTrbPointer() (uint64, bool) {
	if t.Type() != TrbTypeCommandCompletion || !t.hasSourcePointer() {
		return 0, false
	}
	return t.Data(), true
}

// TransferEventTrbPointer returns the physical address of the transfer TRB
// a transfer event refers to.
func (t Trb) TransferEventTrbPointer() (uint64, bool) {
	if t.Type() != TrbTypeTransfer || !t.hasSourcePointer() {
		return 0, false
	}
	return t.Data(), true
}

// PortStatusChangePortID returns the port ID carried by a port status
// change event.
func (t Trb) PortStatusChangePortID() (uint8, bool) {
	if t.Type() != TrbTypePortStatusChange {
		return 0, false
	}
	return uint8(t.Data() >> 24), true
}

// IsCommand reports whether the TRB is one of the command TRB types.
func (t Trb) IsCommand() bool {
	switch t.Type() {
	case TrbTypeNoOpCmd, TrbTypeEnableSlot, TrbTypeDisableSlot,
		TrbTypeAddressDevice, TrbTypeConfigureEndpoint, TrbTypeEvaluateContext,
		TrbTypeResetEndpoint, TrbTypeStopEndpoint, TrbTypeSetTrDequeuePointer,
		TrbTypeResetDevice, TrbTypeForceEvent, TrbTypeNegotiateBandwidth,
		TrbTypeSetLatencyTolerance, TrbTypeGetPortBandwidth, TrbTypeForceHeader,
		TrbTypeGetExtendedProperty, TrbTypeSetExtendedProperty:
		return true
	}
	return false
}

// IsTransfer reports whether the TRB is one of the transfer TRB types.
func (t Trb) IsTransfer() bool {
	switch t.Type() {
	case TrbTypeNormal, TrbTypeSetupStage, TrbTypeDataStage,
		TrbTypeStatusStage, TrbTypeIsoch, TrbTypeNoOp:
		return true
	}
	return false
}

func (t Trb) String() string {
	return fmt.Sprintf("(%016X, %08X, %08X)", t.Data(), t.Status, t.Control)
}

// control assembles a control word with the type field. The cycle bit is
// stamped by the ring at enqueue time.
func control(ty TrbType, flags uint32) uint32 {
	return flags | uint32(ty)<<trbTypeShift
}

// SetReserved clears the TRB to the reserved type with the given cycle bit.
// Used to scrub consumed event TRBs so double processing is detectable.
func (t *Trb) SetReserved(cycle bool) {
	*t = Trb{Control: control(TrbTypeReserved, 0)}
	t.SetCycle(cycle)
}

// SetLink turns the TRB into a link TRB pointing at base, optionally
// toggling the consumer cycle state.
func (t *Trb) SetLink(base uint64, toggle bool) {
	var flags uint32
	if toggle {
		flags |= trbLinkToggleBit
	}
	*t = Trb{Control: control(TrbTypeLink, flags)}
	t.setData(base)
}

// SetNoOpCmd builds a no-op command TRB.
func (t *Trb) SetNoOpCmd() {
	*t = Trb{Control: control(TrbTypeNoOpCmd, 0)}
}

// SetEnableSlot builds an enable slot command for the given slot type.
func (t *Trb) SetEnableSlot(slotType uint8) {
	*t = Trb{Control: control(TrbTypeEnableSlot, uint32(slotType&0x1F)<<16)}
}

// SetDisableSlot builds a disable slot command.
func (t *Trb) SetDisableSlot(slot uint8) {
	*t = Trb{Control: control(TrbTypeDisableSlot, uint32(slot)<<24)}
}

// SetAddressDevice builds an address device command. bsr suppresses the
// SET_ADDRESS request to the device.
func (t *Trb) SetAddressDevice(slot uint8, inputCtx uint64, bsr bool) error {
	if inputCtx&0xF != 0 {
		return fmt.Errorf("xhci: unaligned input context pointer %#x: %w", inputCtx, ErrUnalignedPointer)
	}
	var flags uint32
	if bsr {
		flags |= 1 << 9
	}
	*t = Trb{Control: control(TrbTypeAddressDevice, flags|uint32(slot)<<24)}
	t.setData(inputCtx)
	return nil
}

// SetConfigureEndpoint builds a configure endpoint command.
func (t *Trb) SetConfigureEndpoint(slot uint8, inputCtx uint64) error {
	if inputCtx&0xF != 0 {
		return fmt.Errorf("xhci: unaligned input context pointer %#x: %w", inputCtx, ErrUnalignedPointer)
	}
	*t = Trb{Control: control(TrbTypeConfigureEndpoint, uint32(slot)<<24)}
	t.setData(inputCtx)
	return nil
}

// SetEvaluateContext builds an evaluate context command.
func (t *Trb) SetEvaluateContext(slot uint8, inputCtx uint64) error {
	if inputCtx&0xF != 0 {
		return fmt.Errorf("xhci: unaligned input context pointer %#x: %w", inputCtx, ErrUnalignedPointer)
	}
	*t = Trb{Control: control(TrbTypeEvaluateContext, uint32(slot)<<24)}
	t.setData(inputCtx)
	return nil
}

// SetResetEndpoint builds a reset endpoint command. tsp preserves the
// transfer state of the endpoint.
func (t *Trb) SetResetEndpoint(slot, endpointID uint8, tsp bool) {
	var flags uint32
	if tsp {
		flags |= 1 << 9
	}
	*t = Trb{Control: control(TrbTypeResetEndpoint,
		flags|uint32(slot)<<24|uint32(endpointID&0x1F)<<16)}
}

// SetStopEndpoint builds a stop endpoint command.
func (t *Trb) SetStopEndpoint(slot, endpointID uint8, suspend bool) {
	var flags uint32
	if suspend {
		flags |= 1 << 23
	}
	*t = Trb{Control: control(TrbTypeStopEndpoint,
		flags|uint32(slot)<<24|uint32(endpointID&0x1F)<<16)}
}

// SetTrDequeuePointer builds a set TR dequeue pointer command. dequeue must
// carry the DCS bit in bit 0.
func (t *Trb) SetTrDequeuePointer(slot, endpointID uint8, streamID uint16, dequeue uint64) error {
	if dequeue&0xE != 0 {
		return fmt.Errorf("xhci: unaligned dequeue pointer %#x: %w", dequeue, ErrUnalignedPointer)
	}
	*t = Trb{
		Status: uint32(streamID) << 16,
		Control: control(TrbTypeSetTrDequeuePointer,
			uint32(slot)<<24|uint32(endpointID&0x1F)<<16),
	}
	t.setData(dequeue)
	return nil
}

// SetResetDevice builds a reset device command.
func (t *Trb) SetResetDevice(slot uint8) {
	*t = Trb{Control: control(TrbTypeResetDevice, uint32(slot)<<24)}
}

// SetSetupStage builds the setup stage TRB of a control transfer. setup is
// the raw 8-byte USB setup packet; it rides in the TRB itself (IDT).
func (t *Trb) SetSetupStage(setup [8]byte, kind TransferKind) {
	*t = Trb{
		Status:  8,
		Control: control(TrbTypeSetupStage, uint32(kind)<<16|1<<6),
	}
	t.setData(binary.LittleEndian.Uint64(setup[:]))
}

// SetDataStage builds the data stage TRB of a control transfer.
func (t *Trb) SetDataStage(buffer uint64, length uint16, in bool) {
	var flags uint32
	if in {
		flags |= 1 << 16
	}
	*t = Trb{
		Status:  uint32(length),
		Control: control(TrbTypeDataStage, flags),
	}
	t.setData(buffer)
}

// SetStatusStage builds the status stage TRB of a control transfer.
func (t *Trb) SetStatusStage(interrupter uint16, in, ioc, chain bool) {
	var flags uint32
	if in {
		flags |= 1 << 16
	}
	if ioc {
		flags |= 1 << 5
	}
	if chain {
		flags |= 1 << 4
	}
	*t = Trb{
		Status:  uint32(interrupter) << 22,
		Control: control(TrbTypeStatusStage, flags),
	}
}

// NormalFlags carries the optional flag bits of a normal transfer TRB.
type NormalFlags struct {
	EvaluateNext     bool // ENT
	InterruptOnShort bool // ISP
	Chain            bool // CH
	InterruptOnDone  bool // IOC
	ImmediateData    bool // IDT
	BlockEvent       bool // BEI
}

// SetNormal builds a normal transfer TRB.
func (t *Trb) SetNormal(buffer uint64, length uint32, tdSize uint8, interrupter uint16, f NormalFlags) {
	var flags uint32
	if f.EvaluateNext {
		flags |= 1 << 1
	}
	if f.InterruptOnShort {
		flags |= 1 << 2
	}
	if f.Chain {
		flags |= 1 << 4
	}
	if f.InterruptOnDone {
		flags |= 1 << 5
	}
	if f.ImmediateData {
		flags |= 1 << 6
	}
	if f.BlockEvent {
		flags |= 1 << 9
	}
	*t = Trb{
		Status:  length&trbTransferLenMask | uint32(tdSize&0x1F)<<17 | uint32(interrupter)<<22,
		Control: control(TrbTypeNormal, flags),
	}
	t.setData(buffer)
}

// SetIsoch builds an isochronous transfer TRB scheduled as soon as
// possible (SIA).
func (t *Trb) SetIsoch(buffer uint64, length uint32, tdSize uint8, interrupter uint16, f NormalFlags) {
	var flags uint32
	if f.InterruptOnShort {
		flags |= 1 << 2
	}
	if f.Chain {
		flags |= 1 << 4
	}
	if f.InterruptOnDone {
		flags |= 1 << 5
	}
	if f.ImmediateData {
		flags |= 1 << 6
	}
	if f.BlockEvent {
		flags |= 1 << 9
	}
	flags |= 1 << 31 // SIA
	*t = Trb{
		Status:  length&trbTransferLenMask | uint32(tdSize&0x1F)<<17 | uint32(interrupter)<<22,
		Control: control(TrbTypeIsoch, flags),
	}
	t.setData(buffer)
}

// SetTransferNoOp builds a no-op transfer TRB.
func (t *Trb) SetTransferNoOp(interrupter uint16, ioc bool) {
	var flags uint32
	if ioc {
		flags |= 1 << 5
	}
	*t = Trb{
		Status:  uint32(interrupter) << 22,
		Control: control(TrbTypeNoOp, flags),
	}
}

package xhci

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinyrange/xhcid/internal/dma"
	"github.com/tinyrange/xhcid/internal/mmio"
)

// Options tunes controller construction.
type Options struct {
	// CommandRingEntries is the command ring slot count (including the
	// link slot). Defaults to 256, one page of TRBs.
	CommandRingEntries int

	// EventRingEntries is the primary event ring segment slot count.
	// Defaults to 256.
	EventRingEntries int

	// PortChange, if set, is invoked by the reactor for every port status
	// change event, on the reactor goroutine. Implementations must hand
	// off to their own goroutine; enumeration work would stall event
	// handling.
	PortChange func(port uint8)
}

func (o *Options) withDefaults() Options {
	out := Options{CommandRingEntries: 256, EventRingEntries: 256}
	if o == nil {
		return out
	}
	if o.CommandRingEntries != 0 {
		out.CommandRingEntries = o.CommandRingEntries
	}
	if o.EventRingEntries != 0 {
		out.EventRingEntries = o.EventRingEntries
	}
	out.PortChange = o.PortChange
	return out
}

// Controller owns the register mappings, the command ring, the primary
// event ring, the doorbell array and the per-port transfer ring state, and
// feeds pending-completion records to the IrqReactor.
type Controller struct {
	bar *mmio.Region

	cap *CapabilityRegs
	op  *OperationalRegs
	run *RuntimeRegs
	dbs *DoorbellArray

	alloc dma.Allocator
	opts  Options

	protocols []SupportedProtocol

	cmdMu sync.Mutex
	cmd   *Ring

	eventMu sync.Mutex
	events  *EventRing

	dcbaa *dma.Buffer

	mu    sync.RWMutex
	ports map[uint8]*PortState

	submit      chan *pending
	kick        chan struct{}
	reactorDone chan struct{}
	seq         atomic.Uint64
}

// PortState tracks the slot assignment and endpoint rings of one root hub
// port.
type PortState struct {
	Slot uint8

	mu        sync.Mutex
	endpoints map[uint8]*EndpointState
}

// EndpointState is either a single transfer ring or a set of stream rings.
type EndpointState struct {
	ring    *Ring
	streams map[uint16]*Ring
}

// NewController maps the register blocks out of the BAR and allocates the
// command ring, primary event ring and device context base array. It does
// not touch the run state; call Reset and Start for bring-up.
func NewController(bar *mmio.Region, alloc dma.Allocator, opts *Options) (*Controller, error) {
	c := &Controller{
		bar:         bar,
		cap:         NewCapabilityRegs(bar),
		alloc:       alloc,
		opts:        opts.withDefaults(),
		ports:       make(map[uint8]*PortState),
		submit:      make(chan *pending, 64),
		kick:        make(chan struct{}, 1),
		reactorDone: make(chan struct{}),
	}

	capLen := uint64(c.cap.Length())
	opRegion, err := bar.Slice(capLen, uint64(bar.Len())-capLen)
	if err != nil {
		return nil, fmt.Errorf("xhci: map operational registers: %w", err)
	}
	c.op = NewOperationalRegs(opRegion)

	runOff := uint64(c.cap.RuntimeOffset())
	runRegion, err := bar.Slice(runOff, uint64(bar.Len())-runOff)
	if err != nil {
		return nil, fmt.Errorf("xhci: map runtime registers: %w", err)
	}
	c.run = NewRuntimeRegs(runRegion)

	dbOff := uint64(c.cap.DoorbellOffset())
	dbRegion, err := bar.Slice(dbOff, doorbellCount*4)
	if err != nil {
		return nil, fmt.Errorf("xhci: map doorbell array: %w", err)
	}
	c.dbs = NewDoorbellArray(dbRegion)

	if xecp := c.cap.ExtendedCapabilitiesOffset(); xecp != 0 {
		c.protocols = readSupportedProtocols(bar, xecp)
	}

	c.cmd, err = NewRing(alloc, c.opts.CommandRingEntries, true)
	if err != nil {
		return nil, err
	}
	c.events, err = NewEventRing(alloc, c.opts.EventRingEntries)
	if err != nil {
		c.cmd.Close()
		return nil, err
	}

	// One 64-bit pointer per slot plus the scratchpad entry at index 0.
	c.dcbaa, err = alloc.Alloc((int(c.cap.MaxSlots()) + 1) * 8)
	if err != nil {
		c.cmd.Close()
		c.events.Close()
		return nil, fmt.Errorf("xhci: allocate device context base array: %w", err)
	}

	slog.Debug("xhci: controller mapped",
		"version", fmt.Sprintf("%x", c.cap.Version()),
		"slots", c.cap.MaxSlots(),
		"ports", c.cap.MaxPorts(),
		"ac64", c.cap.AC64())

	return c, nil
}

// waitStatus polls USBSTS until mask reads as want.
func (c *Controller) waitStatus(mask uint32, want bool, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for (c.op.Status()&mask == mask) != want {
		if time.Now().After(deadline) {
			return fmt.Errorf("xhci: waiting for status %#x=%v: %w", mask, want, ErrControllerTimeout)
		}
		time.Sleep(time.Millisecond)
	}
	return nil
}

// Reset performs the handoff and reset sequence: claim ownership from the
// firmware, wait for controller ready, stop it, then reset it.
func (c *Controller) Reset() error {
	if xecp := c.cap.ExtendedCapabilitiesOffset(); xecp != 0 {
		var legsup uint64
		walkExtendedCapabilities(c.bar, xecp, func(id uint8, off uint64) {
			if id == extCapLegacySupport && legsup == 0 {
				legsup = off
			}
		})
		if legsup != 0 {
			if err := claimLegacyOwnership(c.bar, legsup); err != nil {
				return err
			}
		}
	}

	slog.Debug("xhci: waiting for controller ready")
	if err := c.waitStatus(UsbStsNotReady, false, time.Second); err != nil {
		return err
	}

	slog.Debug("xhci: stopping controller")
	c.op.SetCommandFlag(UsbCmdRunStop, false)
	if err := c.waitStatus(UsbStsHalted, true, time.Second); err != nil {
		return err
	}

	slog.Debug("xhci: resetting controller")
	c.op.SetCommandFlag(UsbCmdReset, true)
	deadline := time.Now().Add(time.Second)
	for c.op.Command()&UsbCmdReset != 0 {
		if time.Now().After(deadline) {
			return fmt.Errorf("xhci: reset did not complete: %w", ErrControllerTimeout)
		}
		time.Sleep(time.Millisecond)
	}
	return c.waitStatus(UsbStsNotReady, false, time.Second)
}

// Start programs the ring pointers and interrupter 0, then sets the
// controller running with interrupts enabled.
func (c *Controller) Start() error {
	mask := c.cap.PhysMask()

	c.op.SetEnabledSlots(c.cap.MaxSlots())
	c.op.SetDeviceContextBase(c.dcbaa.Phys() & mask)

	c.cmdMu.Lock()
	c.op.SetCommandRing(c.cmd.Register() & (mask | 1))
	c.cmdMu.Unlock()

	c.eventMu.Lock()
	c.run.ProgramEventRing(0, c.events)
	c.eventMu.Unlock()
	c.run.SetModeration(0, 4000)
	c.run.SetInterruptEnable(0, true)

	c.op.SetCommandFlag(UsbCmdInterrupterEnbl, true)
	c.op.SetCommandFlag(UsbCmdRunStop, true)
	if err := c.waitStatus(UsbStsHalted, false, time.Second); err != nil {
		return err
	}
	slog.Info("xhci: controller running",
		"ports", c.cap.MaxPorts(), "slots", c.cap.MaxSlots())
	return nil
}

// InterruptPending reports whether this controller raised the interrupt
// currently being serviced. Needed on shared IRQ lines, where the line may
// belong to another device entirely.
func (c *Controller) InterruptPending() bool {
	return c.op.Status()&UsbStsEventInterrupt != 0 || c.run.InterruptPending(0)
}

// ClearInterrupt acknowledges the interrupt at both the controller status
// register and the interrupter.
func (c *Controller) ClearInterrupt() {
	c.op.ClearStatus(UsbStsEventInterrupt)
	c.run.ClearInterruptPending(0)
}

// SubmitCommand enqueues one command TRB built by build, registers the
// pending-completion record with the reactor and rings the command
// doorbell, strictly in that order. The returned Completion resolves to
// the event TRB and the originally enqueued command TRB.
func (c *Controller) SubmitCommand(build func(*Trb)) (*Completion, error) {
	c.cmdMu.Lock()
	index, _, err := c.cmd.Enqueue(func(t *Trb) {
		build(t)
		if !t.IsCommand() {
			panic(fmt.Sprintf("xhci: SubmitCommand used with non-command TRB type %d", t.Type()))
		}
	})
	if err != nil {
		c.cmdMu.Unlock()
		return nil, err
	}
	srcPtr := c.cmd.PhysAt(index) & c.cap.PhysMask()
	c.cmdMu.Unlock()

	p := &pending{
		kind:   kindCommandCompletion,
		srcPtr: srcPtr,
		seq:    c.seq.Add(1),
		ch:     make(chan outcome, 1),
	}
	if err := c.register(p); err != nil {
		return nil, err
	}
	c.dbs.RingCommand()
	return &Completion{ch: p.ch}, nil
}

// SubmitTransfer enqueues count TRBs built by build onto the named
// transfer ring, registers the pending record covering the whole TD, and
// rings the endpoint doorbell. The record matches any event whose pointer
// falls in the circular range [first TRB, last TRB]. A TD that does not
// fit in the ring's free space is rejected whole with ErrRingFull; nothing
// is written, so the caller can retry once completions drain.
func (c *Controller) SubmitTransfer(id RingId, count int, build func(i int, t *Trb)) (*Completion, error) {
	if count < 1 {
		return nil, fmt.Errorf("xhci: transfer needs at least one TRB")
	}

	var firstPtr, lastPtr uint64
	var slot uint8
	var lastType TrbType
	err := c.withRing(id, func(ps *PortState, ring *Ring) error {
		// All or nothing: a partially written TD would be executed by
		// the controller once completions drain, so never publish the
		// first TRB unless the whole TD fits.
		if ring.FreeSlots() < count {
			return fmt.Errorf("xhci: %d-TRB transfer on %v: %w", count, id, ErrRingFull)
		}
		var firstIdx, lastIdx int
		for i := 0; i < count; i++ {
			idx, _, err := ring.Enqueue(func(t *Trb) {
				build(i, t)
				if !t.IsTransfer() {
					panic(fmt.Sprintf("xhci: SubmitTransfer used with non-transfer TRB type %d", t.Type()))
				}
				lastType = t.Type()
			})
			if err != nil {
				return err
			}
			if i == 0 {
				firstIdx = idx
			}
			lastIdx = idx
		}
		mask := c.cap.PhysMask()
		firstPtr = ring.PhysAt(firstIdx) & mask
		lastPtr = ring.PhysAt(lastIdx) & mask
		slot = ps.Slot
		return nil
	})
	if err != nil {
		return nil, err
	}

	p := &pending{
		kind:      kindTransfer,
		firstPtr:  firstPtr,
		lastPtr:   lastPtr,
		ringID:    id,
		isochOrVF: lastType == TrbTypeIsoch,
		seq:       c.seq.Add(1),
		ch:        make(chan outcome, 1),
	}
	if err := c.register(p); err != nil {
		return nil, err
	}
	c.dbs.Ring(slot, DoorbellValue(id.Endpoint, id.Stream))
	return &Completion{ch: p.ch}, nil
}

// SubmitMiscWait registers interest in the next event of a type that is
// neither a transfer event nor a command completion (port status change,
// host controller event, ...). No doorbell is rung.
func (c *Controller) SubmitMiscWait(trbType TrbType) (*Completion, error) {
	switch trbType {
	case TrbTypePortStatusChange, TrbTypeBandwidthRequest, TrbTypeDoorbell,
		TrbTypeHostController, TrbTypeDeviceNotification, TrbTypeMfindexWrap:
	default:
		return nil, fmt.Errorf("xhci: type %d is not a miscellaneous event TRB type", trbType)
	}
	p := &pending{
		kind:    kindOther,
		trbType: trbType,
		seq:     c.seq.Add(1),
		ch:      make(chan outcome, 1),
	}
	if err := c.register(p); err != nil {
		return nil, err
	}
	return &Completion{ch: p.ch}, nil
}

// register places a pending record on the reactor's inbound channel and
// nudges the reactor. This must complete before the doorbell write for the
// same request.
func (c *Controller) register(p *pending) error {
	select {
	case <-c.reactorDone:
		return ErrReactorStopped
	default:
	}
	select {
	case c.submit <- p:
	case <-c.reactorDone:
		return ErrReactorStopped
	}
	c.kickReactor()
	return nil
}

func (c *Controller) kickReactor() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// AttachPort associates a slot with a root hub port. Called by the
// enumeration collaborator after an Enable Slot command succeeds.
func (c *Controller) AttachPort(port, slot uint8) *PortState {
	c.mu.Lock()
	defer c.mu.Unlock()
	ps := &PortState{Slot: slot, endpoints: make(map[uint8]*EndpointState)}
	c.ports[port] = ps
	return ps
}

// AttachRing creates a transfer ring for the given RingId. Stream 0 means
// the endpoint uses a plain ring; nonzero streams attach to the endpoint's
// stream map.
func (c *Controller) AttachRing(id RingId, entries int) (*Ring, error) {
	ring, err := NewRing(c.alloc, entries, true)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	ps, ok := c.ports[id.Port]
	if !ok {
		ring.Close()
		return nil, fmt.Errorf("xhci: port %d has no slot: %w", id.Port, ErrNoSuchRing)
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	es, ok := ps.endpoints[id.Endpoint]
	if !ok {
		es = &EndpointState{}
		ps.endpoints[id.Endpoint] = es
	}
	if id.Stream == 0 {
		es.ring = ring
	} else {
		if es.streams == nil {
			es.streams = make(map[uint16]*Ring)
		}
		es.streams[id.Stream] = ring
	}
	return ring, nil
}

// withRing runs fn with the locks covering a RingId held, so the ring
// cannot be torn down underneath fn. The doorbell write happens after fn
// returns, outside the locks.
func (c *Controller) withRing(id RingId, fn func(ps *PortState, ring *Ring) error) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ps, ok := c.ports[id.Port]
	if !ok {
		return fmt.Errorf("xhci: %v: %w", id, ErrNoSuchRing)
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	es, ok := ps.endpoints[id.Endpoint]
	if !ok {
		return fmt.Errorf("xhci: %v: %w", id, ErrNoSuchRing)
	}
	ring := es.ring
	if id.Stream != 0 {
		ring = es.streams[id.Stream]
	}
	if ring == nil {
		return fmt.Errorf("xhci: %v: %w", id, ErrNoSuchRing)
	}
	return fn(ps, ring)
}

// ringExists reports whether a RingId still names a live ring.
func (c *Controller) ringExists(id RingId) bool {
	return c.withRing(id, func(*PortState, *Ring) error { return nil }) == nil
}

// transferTrb fetches the source TRB a transfer event points at, so the
// resumed caller can inspect what it originally asked for.
func (c *Controller) transferTrb(paddr uint64, id RingId) (Trb, bool) {
	var t Trb
	err := c.withRing(id, func(_ *PortState, ring *Ring) error {
		index, ok := ring.IndexForPhys(paddr)
		if !ok {
			return ErrNoSuchRing
		}
		t = ring.TrbAt(index)
		ring.PublishDequeue(index)
		return nil
	})
	return t, err == nil
}

// commandTrb fetches and scrubs the source command TRB a command
// completion event points at.
func (c *Controller) commandTrb(paddr uint64) (Trb, bool) {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()
	index, ok := c.cmd.IndexForPhys(paddr)
	if !ok {
		return Trb{}, false
	}
	t := c.cmd.TrbAt(index)
	c.cmd.PublishDequeue(index)
	return t, true
}

// TeardownRing detaches a transfer ring and frees its memory. Any pending
// records registered against it are resolved as cancelled by the reactor
// on its next pass; the kick makes that pass happen promptly even when no
// hardware events arrive. The caller must have stopped the endpoint (or
// disabled the slot) first so the hardware holds no reference to the ring.
func (c *Controller) TeardownRing(id RingId) error {
	c.mu.Lock()
	ps, ok := c.ports[id.Port]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("xhci: %v: %w", id, ErrNoSuchRing)
	}
	ps.mu.Lock()
	es, ok := ps.endpoints[id.Endpoint]
	var ring *Ring
	if ok {
		if id.Stream == 0 {
			ring = es.ring
			es.ring = nil
		} else {
			ring = es.streams[id.Stream]
			delete(es.streams, id.Stream)
		}
		if es.ring == nil && len(es.streams) == 0 {
			delete(ps.endpoints, id.Endpoint)
		}
	}
	ps.mu.Unlock()
	c.mu.Unlock()

	if ring == nil {
		return fmt.Errorf("xhci: %v: %w", id, ErrNoSuchRing)
	}
	err := ring.Close()
	c.kickReactor()
	return err
}

// Close frees the controller's DMA allocations. The reactor must have
// stopped and the controller must be halted.
func (c *Controller) Close() error {
	c.mu.Lock()
	for _, ps := range c.ports {
		ps.mu.Lock()
		for _, es := range ps.endpoints {
			if es.ring != nil {
				es.ring.Close()
			}
			for _, r := range es.streams {
				r.Close()
			}
		}
		ps.mu.Unlock()
	}
	c.ports = make(map[uint8]*PortState)
	c.mu.Unlock()

	var firstErr error
	for _, close := range []func() error{c.cmd.Close, c.events.Close, c.dcbaa.Free} {
		if err := close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

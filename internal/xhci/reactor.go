package xhci

import (
	"context"
	"log/slog"
	"os"
	"time"
)

// IrqReactor is the single consumer of the primary event ring. On each
// interrupt (or poll tick) it drains newly registered pending-completion
// records, scans the event ring for published entries, matches each event
// to a pending record and resumes the matched caller, then advances ERDP
// and acknowledges the interrupter.
//
// Exactly one reactor runs per interrupter. Any number of callers may
// register records concurrently through the controller's submit channel.
type IrqReactor struct {
	hci *Controller

	// irqFile, when set, is the interrupt notification file; reads block
	// until the IRQ line fires. When nil the reactor polls.
	irqFile      *os.File
	pollInterval time.Duration

	states []*pending
}

// NewIrqReactor builds the reactor for a controller. irqFile selects
// interrupt-driven mode; nil selects polling at pollInterval.
func NewIrqReactor(hci *Controller, irqFile *os.File, pollInterval time.Duration) *IrqReactor {
	if pollInterval <= 0 {
		pollInterval = 100 * time.Microsecond
	}
	return &IrqReactor{
		hci:          hci,
		irqFile:      irqFile,
		pollInterval: pollInterval,
	}
}

// Run drives the reactor until ctx is cancelled. On exit every registered
// record is resolved as cancelled so no caller stays suspended forever.
func (r *IrqReactor) Run(ctx context.Context) error {
	defer close(r.hci.reactorDone)
	defer r.failAll()

	if r.irqFile != nil {
		slog.Debug("xhci: irq reactor running in interrupt mode")
		return r.runWithIrqFile(ctx)
	}
	slog.Debug("xhci: irq reactor running in polling mode", "interval", r.pollInterval)
	return r.runPolling(ctx)
}

func (r *IrqReactor) runPolling(ctx context.Context) error {
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-r.hci.kick:
		case p := <-r.hci.submit:
			r.states = append(r.states, p)
		}
		r.pass()
	}
}

func (r *IrqReactor) runWithIrqFile(ctx context.Context) error {
	// The blocking read lives on its own goroutine so the loop can also
	// wake for teardown kicks and shutdown.
	irq := make(chan error, 1)
	go func() {
		defer close(irq)
		buf := make([]byte, 8)
		for {
			if _, err := r.irqFile.Read(buf); err != nil {
				irq <- err
				return
			}
			irq <- nil
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err, ok := <-irq:
			if !ok || err != nil {
				slog.Error("xhci: interrupt file read failed", "err", err)
				return err
			}
			if !r.hci.InterruptPending() {
				// Shared line; this interrupt belongs to another device.
				slog.Debug("xhci: interrupt without pending indication, ignoring")
				continue
			}
			r.hci.ClearInterrupt()
		case <-r.hci.kick:
		case p := <-r.hci.submit:
			r.states = append(r.states, p)
		}
		r.pass()
	}
}

// pass is one reactor iteration: drain registrations, resolve records
// whose ring disappeared, then consume every published event.
func (r *IrqReactor) pass() {
	r.drainRegistrations()
	r.sweepCancelled()

	for {
		r.hci.eventMu.Lock()
		trb, ok := r.hci.events.Peek()
		if !ok {
			r.hci.eventMu.Unlock()
			return
		}

		if r.checkEventRingFull(trb) {
			r.hci.events.Consume()
			r.hci.run.SetErdp(0, r.hci.events.Erdp())
			r.hci.eventMu.Unlock()
			continue
		}

		// New registrations may have raced ahead of this event; drain
		// again so a record sent before its doorbell is always visible.
		r.drainRegistrations()
		r.acknowledge(trb)

		r.hci.events.Consume()
		r.hci.run.SetErdp(0, r.hci.events.Erdp())
		r.hci.eventMu.Unlock()
	}
}

func (r *IrqReactor) drainRegistrations() {
	for {
		select {
		case p := <-r.hci.submit:
			r.states = append(r.states, p)
		default:
			return
		}
	}
}

// sweepCancelled resolves transfer records whose ring was torn down
// concurrently. No hardware event will ever arrive for them.
func (r *IrqReactor) sweepCancelled() {
	kept := r.states[:0]
	for _, p := range r.states {
		if p.kind == kindTransfer && !r.hci.ringExists(p.ringID) {
			slog.Debug("xhci: cancelling pending transfer, ring torn down", "ring", p.ringID)
			p.resolve(Result{}, ErrCancelled)
			continue
		}
		kept = append(kept, p)
	}
	r.states = kept
}

// checkEventRingFull handles Host Controller events with the Event Ring
// Full completion code by growing the event ring. Reports whether the
// event was such an error. Growth failure is logged loudly and the event
// consumed anyway; the condition is retryable, never fatal.
func (r *IrqReactor) checkEventRingFull(trb Trb) bool {
	if trb.Type() != TrbTypeHostController || trb.CompletionCode() != CompletionEventRingFull {
		return false
	}
	if err := r.hci.events.Grow(); err != nil {
		slog.Error("xhci: event ring full and growth failed, events may be lost", "err", err)
		return true
	}
	r.hci.run.SetErstSize(0, r.hci.events.SegmentCount())
	slog.Info("xhci: event ring grown", "segments", r.hci.events.SegmentCount())
	return true
}

// acknowledge matches one event TRB against the pending records and
// resumes the matching caller. Unmatched events are logged and dropped;
// spurious and duplicate controller events are expected hardware behavior
// and must never take the reactor down.
func (r *IrqReactor) acknowledge(trb Trb) {
	dispatched := false
	if port, ok := trb.PortStatusChangePortID(); ok {
		if hook := r.hci.opts.PortChange; hook != nil {
			hook(port)
			dispatched = true
		}
	}

	if trb.Type() == TrbTypeTransfer {
		if _, ok := trb.TransferEventTrbPointer(); !ok {
			// Ring Underrun, Ring Overrun or VF Event Ring Full: these
			// only ever apply to isochronous or virtual-function
			// transfers and carry no source pointer.
			r.resolveOldestIsochOrVF(trb)
			return
		}
	}

	for i, p := range r.states {
		switch p.kind {
		case kindCommandCompletion:
			if trb.Type() != TrbTypeCommandCompletion {
				continue
			}
			ptr, ok := trb.CompletionTrbPointer()
			if !ok {
				// An error class only transfers can produce cannot
				// belong to any command record.
				slog.Warn("xhci: command completion event without pointer", "event", trb)
				return
			}
			if ptr != p.srcPtr {
				continue
			}
			r.removeState(i)
			if src, found := r.hci.commandTrb(ptr); found {
				p.resolve(Result{Event: trb, Source: &src}, nil)
			} else {
				slog.Warn("xhci: completion pointer outside command ring bounds", "event", trb)
				p.resolve(Result{Event: trb}, ErrNoSuchRing)
			}
			return

		case kindTransfer:
			if trb.Type() != TrbTypeTransfer {
				continue
			}
			ptr, _ := trb.TransferEventTrbPointer()
			if !inCircularRange(ptr, p.firstPtr, p.lastPtr) {
				continue
			}
			r.removeState(i)
			if src, ok := r.hci.transferTrb(ptr, p.ringID); ok {
				p.resolve(Result{Event: trb, Source: &src}, nil)
			} else {
				// Pointer matched the record's range but not a live
				// ring slot; surface it to the caller, not the reactor.
				p.resolve(Result{Event: trb}, ErrNoSuchRing)
			}
			return

		case kindOther:
			if p.trbType != trb.Type() {
				continue
			}
			r.removeState(i)
			p.resolve(Result{Event: trb}, nil)
			return
		}
	}

	if dispatched {
		// The port change hook already handled it; no record needed.
		return
	}
	slog.Warn("xhci: lost event with no matching record",
		"type", trb.Type(), "code", trb.CompletionCode(), "event", trb)
}

// resolveOldestIsochOrVF resolves exactly one pending record flagged as
// isochronous/VF, picking the oldest since the event names no ring. The
// event is delivered with no source TRB.
func (r *IrqReactor) resolveOldestIsochOrVF(trb Trb) {
	oldest := -1
	for i, p := range r.states {
		if !p.isochOrVF {
			continue
		}
		if oldest == -1 || p.seq < r.states[oldest].seq {
			oldest = i
		}
	}
	if oldest == -1 {
		slog.Warn("xhci: pointer-less transfer error with no isoch/vf record pending",
			"code", trb.CompletionCode())
		return
	}
	p := r.states[oldest]
	r.removeState(oldest)
	p.resolve(Result{Event: trb}, nil)
}

func (r *IrqReactor) removeState(i int) {
	r.states = append(r.states[:i], r.states[i+1:]...)
}

// failAll resolves everything still pending when the reactor exits.
func (r *IrqReactor) failAll() {
	r.drainRegistrations()
	for _, p := range r.states {
		p.resolve(Result{}, ErrReactorStopped)
	}
	r.states = nil
}

// inCircularRange reports whether ptr lies in the inclusive interval
// [first, last] on a ring, where first may be numerically greater than
// last if the interval wrapped around the ring's end.
func inCircularRange(ptr, first, last uint64) bool {
	if first <= last {
		return ptr >= first && ptr <= last
	}
	return ptr >= first || ptr <= last
}

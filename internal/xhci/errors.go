package xhci

import "errors"

var (
	// ErrRingFull is returned by Ring.Enqueue when the next slot has not
	// been consumed by the hardware yet. Overwriting it would hand the
	// controller stale work, so the caller must back off and retry.
	ErrRingFull = errors.New("xhci: ring full")

	// ErrCancelled resolves a pending completion whose ring was torn down
	// before the hardware delivered an event for it.
	ErrCancelled = errors.New("xhci: request cancelled by ring teardown")

	// ErrNoSuchRing is returned when a RingId does not name a live
	// transfer ring, or when an event pointer falls outside the ring it
	// should belong to.
	ErrNoSuchRing = errors.New("xhci: no such transfer ring")

	// ErrUnalignedPointer is returned by TRB builders handed a physical
	// pointer that violates the 16-byte alignment the controller requires.
	ErrUnalignedPointer = errors.New("xhci: unaligned physical pointer")

	// ErrControllerTimeout is returned when the controller does not reach
	// an expected state (ready, halted, reset done) in time.
	ErrControllerTimeout = errors.New("xhci: controller state timeout")

	// ErrReactorStopped is returned when a request is submitted after the
	// IRQ reactor shut down.
	ErrReactorStopped = errors.New("xhci: irq reactor stopped")
)

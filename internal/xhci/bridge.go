package xhci

import (
	"context"
	"fmt"
)

// RingId names a transfer ring: the root hub port, the endpoint's device
// context index, and (for streaming endpoints) the stream. It is the join
// key between a completion event and the ring it belongs to when several
// rings are active at once.
type RingId struct {
	Port     uint8
	Endpoint uint8
	Stream   uint16
}

// DefaultControlPipe names the default control endpoint ring of a port.
func DefaultControlPipe(port uint8) RingId {
	return RingId{Port: port, Endpoint: 1}
}

func (id RingId) String() string {
	return fmt.Sprintf("port %d endpoint %d stream %d", id.Port, id.Endpoint, id.Stream)
}

// Result is what a resolved completion delivers: the event TRB the
// controller wrote, and the source TRB the request enqueued. Source is nil
// for events that carry no source pointer (isochronous ring underrun and
// friends) and for misc event waits.
type Result struct {
	Event  Trb
	Source *Trb
}

// stateKind discriminates pending-completion records. The controller
// reports physical pointers, not logical handles, so each variant carries
// exactly the pointers needed to recognize its event.
type stateKind uint8

const (
	kindCommandCompletion stateKind = iota
	kindTransfer
	kindOther
)

// pending is a registration record placed into the reactor's inbound
// channel before the doorbell for the request is rung. It is consumed
// exactly once: matched by the reactor, or resolved as cancelled when its
// ring is torn down.
type pending struct {
	kind stateKind

	srcPtr            uint64 // command: physical pointer of the command TRB
	firstPtr, lastPtr uint64 // transfer: physical range of the TD, circular
	ringID            RingId // transfer: owning ring
	trbType           TrbType

	// isochOrVF marks records that may legitimately be resolved by an
	// error-only event lacking a source pointer.
	isochOrVF bool

	// seq orders records for the oldest-first tie-break on pointer-less
	// isochronous errors.
	seq uint64

	ch chan outcome
}

type outcome struct {
	res Result
	err error
}

// resolve delivers the outcome. The reactor is the only resolver and
// removes the record in the same step, so a record resolves at most once.
func (p *pending) resolve(res Result, err error) {
	p.ch <- outcome{res: res, err: err}
}

// Completion is the caller's handle on a pending record. The caller
// suspends in Wait until the reactor resolves the record.
type Completion struct {
	ch <-chan outcome
}

// Wait blocks until the reactor delivers the result or ctx is done. A
// context timeout does not withdraw the registration: the record stays
// pending until an event matches it or its ring is torn down, as the
// record may already be in flight inside the reactor.
func (c *Completion) Wait(ctx context.Context) (Result, error) {
	select {
	case out := <-c.ch:
		return out.res, out.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

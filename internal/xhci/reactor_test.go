package xhci

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

// newTestReactor builds a controller plus a reactor whose passes the test
// drives by hand. Nothing reads the submit channel between passes; it is
// buffered, so Submit* calls complete without a running reactor goroutine.
func newTestReactor(t *testing.T) (*Controller, *IrqReactor, *eventInjector) {
	t.Helper()
	c := newTestController(t, nil)
	r := NewIrqReactor(c, nil, time.Millisecond)
	return c, r, newEventInjector(c.events)
}

// waitNow resolves a completion that must already have been delivered.
func waitNow(t *testing.T, comp *Completion) (Result, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	res, err := comp.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatal("completion was never resolved")
	}
	return res, err
}

// stillPending asserts a completion has not been resolved.
func stillPending(t *testing.T, comp *Completion) {
	t.Helper()
	select {
	case out := <-comp.ch:
		t.Fatalf("completion resolved early: %+v, %v", out.res, out.err)
	default:
	}
}

func TestReactorCommandRoundTrip(t *testing.T) {
	c, r, inj := newTestReactor(t)

	comp, err := c.SubmitCommand((*Trb).SetNoOpCmd)
	if err != nil {
		t.Fatalf("SubmitCommand failed: %v", err)
	}

	// The doorbell must have been rung for slot 0.
	if got := c.bar.Read32(testDbOffset); got != 0 {
		t.Errorf("command doorbell value = %#x, want 0", got)
	}

	inj.inject(commandCompletionEvent(c.cmd.PhysAt(0), CompletionSuccess))
	r.pass()

	res, err := waitNow(t, comp)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if res.Event.CompletionCode() != CompletionSuccess {
		t.Errorf("event code = %v", res.Event.CompletionCode())
	}
	if res.Source == nil {
		t.Fatal("command completion must deliver the source TRB")
	}
	if res.Source.Type() != TrbTypeNoOpCmd {
		t.Errorf("source type = %v, want no-op command", res.Source.Type())
	}
	want := c.cmd.TrbAt(0)
	if *res.Source != want {
		t.Errorf("source = %v, want the enqueued TRB %v", res.Source, want)
	}

	// ERDP must have advanced past the consumed event, with EHB set.
	erdp := c.bar.Read32(testRtsOffset + runInterrupterBase + intERDP)
	wantErdp := uint32(c.events.segments[0].Phys()+TrbSize) | uint32(erdpEHB)
	if erdp != wantErdp {
		t.Errorf("ERDP = %#x, want %#x", erdp, wantErdp)
	}
}

func TestReactorDuplicateEventResolvesOnce(t *testing.T) {
	c, r, inj := newTestReactor(t)

	comp, err := c.SubmitCommand((*Trb).SetNoOpCmd)
	if err != nil {
		t.Fatal(err)
	}
	other, err := c.SubmitCommand(func(trb *Trb) { trb.SetEnableSlot(0) })
	if err != nil {
		t.Fatal(err)
	}

	// The controller repeats the completion for the first command. Only
	// the first copy may resolve anything; the duplicate is dropped.
	ev := commandCompletionEvent(c.cmd.PhysAt(0), CompletionSuccess)
	inj.inject(ev)
	inj.inject(ev)
	r.pass()

	res, err := waitNow(t, comp)
	if err != nil {
		t.Fatal(err)
	}
	if res.Source == nil || res.Source.Type() != TrbTypeNoOpCmd {
		t.Errorf("first command resolved with %v", res.Source)
	}
	stillPending(t, other)
}

func TestReactorRegistrationBeforeEventVisible(t *testing.T) {
	c, r, inj := newTestReactor(t)

	// The event is already on the ring when the registration is drained:
	// the in-pass re-drain must still match it.
	inj.inject(commandCompletionEvent(c.cmd.PhysAt(0), CompletionSuccess))
	comp, err := c.SubmitCommand((*Trb).SetNoOpCmd)
	if err != nil {
		t.Fatal(err)
	}
	r.pass()

	if _, err := waitNow(t, comp); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
}

func TestReactorControlTransfer(t *testing.T) {
	c, r, inj := newTestReactor(t)

	c.AttachPort(1, 5)
	id := DefaultControlPipe(1)
	ring, err := c.AttachRing(id, 32)
	if err != nil {
		t.Fatal(err)
	}

	setup := [8]byte{0x80, 0x06, 0x00, 0x01, 0x00, 0x00, 0x12, 0x00}
	comp, err := c.SubmitTransfer(id, 3, func(i int, trb *Trb) {
		switch i {
		case 0:
			trb.SetSetupStage(setup, TransferIn)
		case 1:
			trb.SetDataStage(0x8000, 0x12, true)
		case 2:
			trb.SetStatusStage(0, false, true, false)
		}
	})
	if err != nil {
		t.Fatalf("SubmitTransfer failed: %v", err)
	}

	// Endpoint doorbell for slot 5, target 1.
	if got := c.bar.Read32(testDbOffset + 5*4); got != DoorbellValue(1, 0) {
		t.Errorf("doorbell = %#x, want %#x", got, DoorbellValue(1, 0))
	}

	// One event for the whole TD, pointing at the status stage.
	inj.inject(transferEvent(ring.PhysAt(2), CompletionSuccess, 5, 1))
	r.pass()

	res, err := waitNow(t, comp)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if res.Source == nil || res.Source.Type() != TrbTypeStatusStage {
		t.Errorf("source = %v, want the status stage TRB", res.Source)
	}

	// Exactly one event was consumed: ERDP sits one slot in.
	erdp := c.bar.Read32(testRtsOffset + runInterrupterBase + intERDP)
	wantErdp := uint32(c.events.segments[0].Phys()+TrbSize) | uint32(erdpEHB)
	if erdp != wantErdp {
		t.Errorf("ERDP = %#x, want %#x", erdp, wantErdp)
	}
}

func TestSubmitTransferRejectsOversizedTD(t *testing.T) {
	c, _, _ := newTestReactor(t)

	c.AttachPort(1, 5)
	id := DefaultControlPipe(1)
	// 4 slots: 2 usable before the full detector trips. A 3-TRB control
	// TD can never fit, and none of its TRBs may reach the ring.
	ring, err := c.AttachRing(id, 4)
	if err != nil {
		t.Fatal(err)
	}

	_, err = c.SubmitTransfer(id, 3, func(i int, trb *Trb) {
		switch i {
		case 0:
			trb.SetSetupStage([8]byte{0x80, 0x06}, TransferIn)
		case 1:
			trb.SetDataStage(0x8000, 0x12, true)
		case 2:
			trb.SetStatusStage(0, false, true, false)
		}
	})
	if !errors.Is(err, ErrRingFull) {
		t.Fatalf("oversized TD err = %v, want ErrRingFull", err)
	}

	// The controller would execute a dangling setup+data pair once a
	// doorbell rings, so the failed TD must leave no live TRB behind.
	for i := 0; i < 2; i++ {
		if got := ring.TrbAt(i); got.Type() != TrbTypeReserved || got.Cycle() {
			t.Errorf("slot %d holds a live TRB %v after failed TD", i, got)
		}
	}
	if got := ring.Register(); got != ring.PhysBase()|1 {
		t.Errorf("write index moved: Register = %#x, want %#x", got, ring.PhysBase()|1)
	}

	// A TD that fits still goes through.
	if _, err := c.SubmitTransfer(id, 2, func(i int, trb *Trb) {
		trb.SetNormal(0x8000, 64, 0, 0, NormalFlags{Chain: i == 0, InterruptOnDone: i == 1})
	}); err != nil {
		t.Fatalf("fitting TD failed: %v", err)
	}
}

func TestSubmitTransferRetryAfterDrain(t *testing.T) {
	c, r, inj := newTestReactor(t)

	c.AttachPort(1, 5)
	id := DefaultControlPipe(1)
	ring, err := c.AttachRing(id, 6) // 5 data slots, 4 usable
	if err != nil {
		t.Fatal(err)
	}

	td := func(i int, trb *Trb) {
		switch i {
		case 0:
			trb.SetSetupStage([8]byte{0x80, 0x06}, TransferIn)
		case 1:
			trb.SetDataStage(0x8000, 0x12, true)
		case 2:
			trb.SetStatusStage(0, false, true, false)
		}
	}

	first, err := c.SubmitTransfer(id, 3, td)
	if err != nil {
		t.Fatal(err)
	}
	// Only one usable slot left; the next TD must be rejected whole.
	if _, err := c.SubmitTransfer(id, 3, td); !errors.Is(err, ErrRingFull) {
		t.Fatalf("second TD err = %v, want ErrRingFull", err)
	}

	// Completing the first TD frees its slots; the retry now fits.
	inj.inject(transferEvent(ring.PhysAt(2), CompletionSuccess, 5, 1))
	r.pass()
	if _, err := waitNow(t, first); err != nil {
		t.Fatalf("first TD failed: %v", err)
	}
	retry, err := c.SubmitTransfer(id, 3, td)
	if err != nil {
		t.Fatalf("retry after drain failed: %v", err)
	}

	// The retried TD wrapped past the link slot; its completion still
	// resolves it.
	inj.inject(transferEvent(ring.PhysAt(0), CompletionSuccess, 5, 1))
	r.pass()
	res, err := waitNow(t, retry)
	if err != nil {
		t.Fatalf("retried TD failed: %v", err)
	}
	if res.Source == nil || res.Source.Type() != TrbTypeStatusStage {
		t.Errorf("source = %v, want the status stage TRB", res.Source)
	}
}

func TestReactorCircularRangeMatch(t *testing.T) {
	cases := []struct {
		name             string
		ptr, first, last uint64
		want             bool
	}{
		{"inside", 0x1010, 0x1000, 0x1020, true},
		{"at first", 0x1000, 0x1000, 0x1020, true},
		{"at last", 0x1020, 0x1000, 0x1020, true},
		{"before", 0x0FF0, 0x1000, 0x1020, false},
		{"after", 0x1030, 0x1000, 0x1020, false},
		{"wrapped high", 0x10F0, 0x10E0, 0x1010, true},
		{"wrapped low", 0x1000, 0x10E0, 0x1010, true},
		{"wrapped outside", 0x1050, 0x10E0, 0x1010, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := inCircularRange(tc.ptr, tc.first, tc.last); got != tc.want {
				t.Errorf("inCircularRange(%#x, %#x, %#x) = %v, want %v",
					tc.ptr, tc.first, tc.last, got, tc.want)
			}
		})
	}
}

func TestReactorTransferMatchAcrossWrap(t *testing.T) {
	c, r, inj := newTestReactor(t)

	c.AttachPort(1, 5)
	id := DefaultControlPipe(1)
	// 4 slots: 3 data slots. First fill two slots so the next TD wraps.
	ring, err := c.AttachRing(id, 4)
	if err != nil {
		t.Fatal(err)
	}
	warmup, err := c.SubmitTransfer(id, 2, func(i int, trb *Trb) {
		trb.SetTransferNoOp(0, i == 1)
	})
	if err != nil {
		t.Fatal(err)
	}
	inj.inject(transferEvent(ring.PhysAt(1), CompletionSuccess, 5, 1))
	r.pass()
	if _, err := waitNow(t, warmup); err != nil {
		t.Fatalf("warmup transfer failed: %v", err)
	}

	// This TD occupies slot 2 and wraps to slot 0: firstPtr > lastPtr.
	comp, err := c.SubmitTransfer(id, 2, func(i int, trb *Trb) {
		trb.SetNormal(0x8000, 64, 0, 0, NormalFlags{Chain: i == 0, InterruptOnDone: i == 1})
	})
	if err != nil {
		t.Fatalf("wrapping SubmitTransfer failed: %v", err)
	}

	inj.inject(transferEvent(ring.PhysAt(0), CompletionSuccess, 5, 1))
	r.pass()

	res, err := waitNow(t, comp)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if res.Source == nil || res.Source.Type() != TrbTypeNormal {
		t.Errorf("source = %v, want the wrapped normal TRB", res.Source)
	}
}

func TestReactorEventRingFullGrows(t *testing.T) {
	c, r, inj := newTestReactor(t)

	inj.inject(hostControllerEvent(CompletionEventRingFull))
	inj.inject(hostControllerEvent(CompletionEventRingFull))
	r.pass()

	if got := c.events.SegmentCount(); got != 3 {
		t.Errorf("SegmentCount = %d, want 3 after two full events", got)
	}
	erstsz := c.bar.Read32(testRtsOffset + runInterrupterBase + intERSTSZ)
	if erstsz != 3 {
		t.Errorf("ERSTSZ = %d, want 3", erstsz)
	}
}

func TestReactorPointerlessErrorResolvesOldestIsoch(t *testing.T) {
	c, r, inj := newTestReactor(t)

	c.AttachPort(1, 5)
	id := RingId{Port: 1, Endpoint: 3}
	if _, err := c.AttachRing(id, 32); err != nil {
		t.Fatal(err)
	}

	isoch := func(i int, trb *Trb) {
		trb.SetIsoch(0x8000, 192, 0, 0, NormalFlags{InterruptOnDone: true})
	}
	older, err := c.SubmitTransfer(id, 1, isoch)
	if err != nil {
		t.Fatal(err)
	}
	newer, err := c.SubmitTransfer(id, 1, isoch)
	if err != nil {
		t.Fatal(err)
	}

	inj.inject(transferEvent(0, CompletionRingUnderrun, 5, 3))
	r.pass()

	res, err := waitNow(t, older)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if res.Event.CompletionCode() != CompletionRingUnderrun {
		t.Errorf("event code = %v", res.Event.CompletionCode())
	}
	if res.Source != nil {
		t.Error("pointer-less error must deliver no source TRB")
	}
	stillPending(t, newer)
}

func TestReactorLostEventTolerated(t *testing.T) {
	c, r, inj := newTestReactor(t)

	// No record matches this event; the reactor logs and keeps going.
	inj.inject(commandCompletionEvent(0xDEAD_0000, CompletionSuccess))
	r.pass()

	comp, err := c.SubmitCommand((*Trb).SetNoOpCmd)
	if err != nil {
		t.Fatal(err)
	}
	inj.inject(commandCompletionEvent(c.cmd.PhysAt(0), CompletionSuccess))
	r.pass()
	if _, err := waitNow(t, comp); err != nil {
		t.Fatalf("Wait after lost event failed: %v", err)
	}
}

// recordingHandler captures log records so tests can assert on what the
// reactor reported.
type recordingHandler struct {
	mu      sync.Mutex
	records []slog.Record
}

func (h *recordingHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *recordingHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, r)
	return nil
}

func (h *recordingHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *recordingHandler) WithGroup(string) slog.Handler      { return h }

func (h *recordingHandler) warnings() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var msgs []string
	for _, r := range h.records {
		if r.Level >= slog.LevelWarn {
			msgs = append(msgs, r.Message)
		}
	}
	return msgs
}

func TestReactorHookedPortChangeNotLost(t *testing.T) {
	rec := &recordingHandler{}
	prev := slog.Default()
	slog.SetDefault(slog.New(rec))
	defer slog.SetDefault(prev)

	var got []uint8
	c, err := NewController(newTestBar(), newFakeAllocator(), &Options{
		PortChange: func(port uint8) { got = append(got, port) },
	})
	if err != nil {
		t.Fatal(err)
	}
	r := NewIrqReactor(c, nil, time.Millisecond)
	inj := newEventInjector(c.events)

	// A hot-plug with no misc record pending: the hook handles it and no
	// lost-event warning may appear.
	var ev Trb
	ev.setData(uint64(4) << 24)
	ev.Status = uint32(CompletionSuccess) << trbCompletionCodeShift
	ev.Control = control(TrbTypePortStatusChange, 0)
	inj.inject(ev)
	r.pass()

	if len(got) != 1 || got[0] != 4 {
		t.Fatalf("port change hook calls = %v, want [4]", got)
	}
	for _, msg := range rec.warnings() {
		if strings.Contains(msg, "lost event") {
			t.Errorf("hook-handled port change logged as lost: %q", msg)
		}
	}

	// With a misc record pending, the same event resolves it and still
	// reaches the hook.
	comp, err := c.SubmitMiscWait(TrbTypePortStatusChange)
	if err != nil {
		t.Fatal(err)
	}
	inj.inject(ev)
	r.pass()
	if _, err := waitNow(t, comp); err != nil {
		t.Fatalf("misc wait failed: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("hook calls = %v, want two", got)
	}
}

func TestReactorPortChangeHook(t *testing.T) {
	var got []uint8
	c, err := NewController(newTestBar(), newFakeAllocator(), &Options{
		PortChange: func(port uint8) { got = append(got, port) },
	})
	if err != nil {
		t.Fatal(err)
	}
	r := NewIrqReactor(c, nil, time.Millisecond)
	inj := newEventInjector(c.events)

	var ev Trb
	ev.setData(uint64(4) << 24)
	ev.Status = uint32(CompletionSuccess) << trbCompletionCodeShift
	ev.Control = control(TrbTypePortStatusChange, 0)
	inj.inject(ev)
	r.pass()

	if len(got) != 1 || got[0] != 4 {
		t.Errorf("port change hook calls = %v, want [4]", got)
	}
}

func TestReactorMiscWait(t *testing.T) {
	c, r, inj := newTestReactor(t)

	if _, err := c.SubmitMiscWait(TrbTypeNoOpCmd); err == nil {
		t.Error("SubmitMiscWait must reject non-event TRB types")
	}

	comp, err := c.SubmitMiscWait(TrbTypePortStatusChange)
	if err != nil {
		t.Fatal(err)
	}

	var ev Trb
	ev.setData(uint64(2) << 24)
	ev.Status = uint32(CompletionSuccess) << trbCompletionCodeShift
	ev.Control = control(TrbTypePortStatusChange, 0)
	inj.inject(ev)
	r.pass()

	res, err := waitNow(t, comp)
	if err != nil {
		t.Fatal(err)
	}
	port, ok := res.Event.PortStatusChangePortID()
	if !ok || port != 2 {
		t.Errorf("event port = %d, %v, want 2", port, ok)
	}
}

func TestReactorTeardownCancelsPending(t *testing.T) {
	c, _, _ := newTestReactor(t)
	r := NewIrqReactor(c, nil, 50*time.Microsecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	c.AttachPort(1, 5)
	id := RingId{Port: 1, Endpoint: 2}
	if _, err := c.AttachRing(id, 32); err != nil {
		t.Fatal(err)
	}
	comp, err := c.SubmitTransfer(id, 1, func(i int, trb *Trb) {
		trb.SetNormal(0x8000, 64, 0, 0, NormalFlags{InterruptOnDone: true})
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := c.TeardownRing(id); err != nil {
		t.Fatalf("TeardownRing failed: %v", err)
	}

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()
	if _, err := comp.Wait(waitCtx); !errors.Is(err, ErrCancelled) {
		t.Fatalf("Wait after teardown err = %v, want ErrCancelled", err)
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Run returned %v, want context.Canceled", err)
	}
}

func TestReactorStopResolvesEverything(t *testing.T) {
	c, _, _ := newTestReactor(t)
	r := NewIrqReactor(c, nil, 50*time.Microsecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	comp, err := c.SubmitCommand((*Trb).SetNoOpCmd)
	if err != nil {
		t.Fatal(err)
	}

	cancel()
	<-done

	waitCtx, waitCancel := context.WithTimeout(context.Background(), time.Second)
	defer waitCancel()
	if _, err := comp.Wait(waitCtx); !errors.Is(err, ErrReactorStopped) {
		t.Fatalf("Wait after stop err = %v, want ErrReactorStopped", err)
	}

	// New submissions must fail fast instead of blocking forever.
	if _, err := c.SubmitCommand((*Trb).SetNoOpCmd); !errors.Is(err, ErrReactorStopped) {
		t.Fatalf("SubmitCommand after stop err = %v, want ErrReactorStopped", err)
	}
}

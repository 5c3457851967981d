package hvaccel

import (
	"testing"

	"github.com/blacktop/go-hvaccel/arm64"
	"github.com/blacktop/go-hvaccel/hv"
)

type fakeLine struct {
	raised map[hv.InterruptKind]bool
}

func (l *fakeLine) SetPendingInterrupt(k hv.InterruptKind, pending bool) error {
	l.raised[k] = pending
	return nil
}

func kinds(es []Exception) []arm64.ExceptionKind {
	out := make([]arm64.ExceptionKind, len(es))
	for i, e := range es {
		out[i] = e.Kind
	}
	return out
}

func TestInjectQueueOrder(t *testing.T) {
	var q injectQueue
	q.push(IRQ())
	q.push(DataAbort(0x10, false, arm64.ResetPSTATE))
	q.push(FIQ())
	q.push(SError())
	q.push(Undefined())
	q.push(Reset(0x4000_0000))

	want := []arm64.ExceptionKind{
		arm64.ExceptionReset,
		arm64.ExceptionSync,
		arm64.ExceptionSync,
		arm64.ExceptionSError,
		arm64.ExceptionFIQ,
		arm64.ExceptionIRQ,
	}
	got := q.pending()
	for i, k := range kinds(got) {
		if k != want[i] {
			t.Fatalf("queue order = %v, want %v", kinds(got), want)
		}
	}
	// Synchronous exceptions keep their arrival order.
	if !got[1].HasFAR || got[2].Syndrome != arm64.UndefinedSyndrome() {
		t.Errorf("sync order = %s, %s", got[1], got[2])
	}
}

func TestInjectDeliver(t *testing.T) {
	f := RegisterFrame{}
	arm64.Reset(&f, 0x4000_0000)
	f.Set(arm64.RegVBAREL1, 0x4000_8000)

	var q injectQueue
	q.push(Undefined())
	q.push(Undefined())
	q.push(IRQ())

	// PSTATE masks IRQ after reset, so without a line it stays queued.
	var held [2]bool
	n, err := q.deliver(&f, nil, &held)
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if n != 1 {
		t.Errorf("delivered %d, want one synchronous exception", n)
	}
	if f.Get(arm64.RegPC) != 0x4000_8200 || f.Get(arm64.RegELREL1) != 0x4000_0000 {
		t.Errorf("PC = 0x%x ELR = 0x%x, want the current EL sync vector", f.Get(arm64.RegPC), f.Get(arm64.RegELREL1))
	}
	if got := kinds(q.pending()); len(got) != 2 || got[0] != arm64.ExceptionSync || got[1] != arm64.ExceptionIRQ {
		t.Errorf("left queued %v, want the second sync and the IRQ", got)
	}

	line := &fakeLine{raised: map[hv.InterruptKind]bool{}}
	q.clear()
	q.push(IRQ())
	if n, err := q.deliver(&f, line, &held); err != nil || n != 1 {
		t.Fatalf("deliver = %d, %v", n, err)
	}
	if !line.raised[hv.InterruptIRQ] || !held[hv.InterruptIRQ] {
		t.Error("masked IRQ was not handed to the interrupt line")
	}
	if q.len() != 0 {
		t.Errorf("queue length %d after handing off the IRQ", q.len())
	}
}

func TestInjectReset(t *testing.T) {
	f := RegisterFrame{}
	f.Set(arm64.RegX3, 7)
	var q injectQueue
	q.push(Reset(0x8_0000))
	var held [2]bool
	if _, err := q.deliver(&f, nil, &held); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if f.Get(arm64.RegPC) != 0x8_0000 || f.Get(arm64.RegCPSR) != arm64.ResetPSTATE {
		t.Errorf("PC = 0x%x CPSR = 0x%x after reset", f.Get(arm64.RegPC), f.Get(arm64.RegCPSR))
	}
}

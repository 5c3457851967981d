package hvaccel

import (
	"fmt"
	"sync"

	"github.com/blacktop/go-hvaccel/arm64"
	"github.com/blacktop/go-hvaccel/hv"
)

// Exception is an event queued for delivery into a guest vCPU.
type Exception struct {
	Kind     arm64.ExceptionKind
	Syndrome arm64.Syndrome
	FAR      uint64
	HasFAR   bool
	// Entry is the PC a Reset restarts at.
	Entry uint64
}

func (e Exception) String() string {
	switch {
	case e.Kind == arm64.ExceptionReset:
		return fmt.Sprintf("Reset(0x%x)", e.Entry)
	case e.Kind.IsInterrupt() && e.Kind != arm64.ExceptionSError:
		return e.Kind.String()
	case e.HasFAR:
		return fmt.Sprintf("%s %s far=0x%x", e.Kind, e.Syndrome, e.FAR)
	default:
		return fmt.Sprintf("%s %s", e.Kind, e.Syndrome)
	}
}

// Undefined is the exception for an UNDEFINED instruction.
func Undefined() Exception {
	return Exception{Kind: arm64.ExceptionSync, Syndrome: arm64.UndefinedSyndrome()}
}

// DataAbort is a synchronous external abort on a data access at far, taken
// from the state in pstate.
func DataAbort(far uint64, write bool, pstate uint64) Exception {
	return Exception{
		Kind:     arm64.ExceptionSync,
		Syndrome: arm64.ExternalDataAbort(!arm64.FromEL0(pstate), write),
		FAR:      far,
		HasFAR:   true,
	}
}

// InstructionAbort is a synchronous external abort on an instruction fetch.
func InstructionAbort(far uint64, pstate uint64) Exception {
	return Exception{
		Kind:     arm64.ExceptionSync,
		Syndrome: arm64.ExternalInstructionAbort(!arm64.FromEL0(pstate)),
		FAR:      far,
		HasFAR:   true,
	}
}

// Reflect re-delivers a guest exception the host trapped.
func Reflect(syn arm64.Syndrome) Exception {
	return Exception{Kind: arm64.ExceptionSync, Syndrome: syn}
}

func IRQ() Exception { return Exception{Kind: arm64.ExceptionIRQ} }
func FIQ() Exception { return Exception{Kind: arm64.ExceptionFIQ} }

// SError is an asynchronous external abort.
func SError() Exception {
	return Exception{Kind: arm64.ExceptionSError, Syndrome: arm64.NewSyndrome(arm64.ECSError, 0)}
}

// Reset restarts the vCPU at entry.
func Reset(entry uint64) Exception {
	return Exception{Kind: arm64.ExceptionReset, Entry: entry}
}

func lineFor(k arm64.ExceptionKind) (hv.InterruptKind, bool) {
	switch k {
	case arm64.ExceptionIRQ:
		return hv.InterruptIRQ, true
	case arm64.ExceptionFIQ:
		return hv.InterruptFIQ, true
	}
	return 0, false
}

// injectQueue holds exceptions in delivery priority order, FIFO within a
// kind.
type injectQueue struct {
	mu sync.Mutex
	q  []Exception
}

func (q *injectQueue) push(e Exception) {
	q.mu.Lock()
	defer q.mu.Unlock()
	i := len(q.q)
	for i > 0 && q.q[i-1].Kind > e.Kind {
		i--
	}
	q.q = append(q.q, Exception{})
	copy(q.q[i+1:], q.q[i:])
	q.q[i] = e
}

func (q *injectQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.q)
}

func (q *injectQueue) pending() []Exception {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Exception(nil), q.q...)
}

func (q *injectQueue) clear() {
	q.mu.Lock()
	q.q = nil
	q.mu.Unlock()
}

// deliver applies what may be taken now to f. At most one synchronous
// exception is taken per resume. Masked IRQ and FIQ are handed to the
// backend's interrupt line when it has one, and held records which lines
// were raised. It returns the number of exceptions consumed.
func (q *injectQueue) deliver(f *RegisterFrame, line hv.InterruptLine, held *[2]bool) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.q) == 0 {
		return 0, nil
	}
	var (
		keep     []Exception
		n        int
		tookSync bool
	)
	for i, e := range q.q {
		switch {
		case e.Kind == arm64.ExceptionReset:
			arm64.Reset(f, e.Entry)
			n++
			continue
		case e.Kind == arm64.ExceptionSync:
			if tookSync {
				keep = append(keep, e)
				continue
			}
			tookSync = true
		case e.Kind.Masked(f.Get(arm64.RegCPSR)):
			if ik, ok := lineFor(e.Kind); ok && line != nil {
				if err := line.SetPendingInterrupt(ik, true); err != nil {
					q.q = append(keep, q.q[i:]...)
					return n, err
				}
				held[ik] = true
				n++
				continue
			}
			keep = append(keep, e)
			continue
		}
		if err := arm64.EnterException(f, arm64.Entry{Kind: e.Kind, Syndrome: e.Syndrome, FAR: e.FAR, HasFAR: e.HasFAR}); err != nil {
			q.q = append(keep, q.q[i:]...)
			return n, err
		}
		n++
	}
	q.q = keep
	return n, nil
}

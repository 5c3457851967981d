package hv

import (
	"fmt"

	"github.com/blacktop/go-hvaccel/arm64"
)

// ExitReason categorizes vCPU exits across host primitives.
type ExitReason int

const (
	ExitUnknown ExitReason = iota
	// ExitException carries an ESR syndrome (HVF, software backend, KVM
	// debug and NISV exits).
	ExitException
	// ExitVTimer reports virtual timer expiry (HVF).
	ExitVTimer
	// ExitMMIO is an MMIO access already decoded by the primitive (KVM).
	ExitMMIO
	// ExitSystemEvent is a PSCI power event handled in the host kernel (KVM).
	ExitSystemEvent
	// ExitCanceled is returned after Cancel.
	ExitCanceled
	// ExitKilled is synthesized by the core when Run returns after a kill.
	ExitKilled
	ExitFailEntry
	ExitInternalError

	numExitReasons
)

var exitReasonNames = [...]string{
	ExitUnknown:       "Unknown",
	ExitException:     "Exception",
	ExitVTimer:        "VTimer",
	ExitMMIO:          "MMIO",
	ExitSystemEvent:   "SystemEvent",
	ExitCanceled:      "Canceled",
	ExitKilled:        "Killed",
	ExitFailEntry:     "FailEntry",
	ExitInternalError: "InternalError",
}

func (r ExitReason) String() string {
	if r >= 0 && r < numExitReasons {
		return exitReasonNames[r]
	}
	return fmt.Sprintf("ExitReason(%d)", int(r))
}

// ExitReasons returns every defined reason.
func ExitReasons() []ExitReason {
	rs := make([]ExitReason, numExitReasons)
	for i := range rs {
		rs[i] = ExitReason(i)
	}
	return rs
}

// System event types reported with ExitSystemEvent.
const (
	SystemEventShutdown = 1
	SystemEventReset    = 2
	SystemEventCrash    = 3
)

// MMIOData is the access described by an ExitMMIO exit.
type MMIOData struct {
	Len   int
	Write bool
	Data  uint64
}

// Exit is one exit reported by a VCPU.
type Exit struct {
	Reason   ExitReason
	Syndrome arm64.Syndrome
	// VirtAddr is the faulting virtual address (FAR) when the syndrome has one.
	VirtAddr uint64
	// PhysAddr is the faulting intermediate physical address.
	PhysAddr uint64
	MMIO     MMIOData
	// Event is the system event type for ExitSystemEvent.
	Event uint32
	// Code is a primitive specific detail (KVM suberror, HVF raw reason).
	Code uint64
	// HostLatched is set when the primitive already delivered the fault to
	// the guest and the exit is informational.
	HostLatched bool
}

func (e Exit) String() string {
	switch e.Reason {
	case ExitException:
		return fmt.Sprintf("%s %s ipa=0x%x far=0x%x", e.Reason, e.Syndrome, e.PhysAddr, e.VirtAddr)
	case ExitMMIO:
		return fmt.Sprintf("%s ipa=0x%x len=%d write=%v", e.Reason, e.PhysAddr, e.MMIO.Len, e.MMIO.Write)
	case ExitSystemEvent:
		return fmt.Sprintf("%s type=%d", e.Reason, e.Event)
	default:
		return e.Reason.String()
	}
}

package arm64

import (
	"errors"
	"fmt"
)

// PSTATE bits as they appear in CPSR/SPSR for AArch64.
const (
	PSTATEModeMask = 0xf
	PSTATEModeEL0t = 0x0
	PSTATEModeEL1t = 0x4
	PSTATEModeEL1h = 0x5
	PSTATEnRW      = 1 << 4
	PSTATEF        = 1 << 6
	PSTATEI        = 1 << 7
	PSTATEA        = 1 << 8
	PSTATED        = 1 << 9
	PSTATEDAIF     = PSTATED | PSTATEA | PSTATEI | PSTATEF

	PSTATEV = 1 << 28
	PSTATEC = 1 << 29
	PSTATEZ = 1 << 30
	PSTATEN = 1 << 31
)

// ResetPSTATE is the state a vCPU starts in: EL1h with all interrupts masked.
const ResetPSTATE = PSTATEModeEL1h | PSTATEDAIF

// ExceptionKind orders the classes of exception the core can deliver. Lower
// values have higher delivery priority.
type ExceptionKind int

const (
	ExceptionReset ExceptionKind = iota
	ExceptionSync
	ExceptionSError
	ExceptionFIQ
	ExceptionIRQ
)

func (k ExceptionKind) String() string {
	switch k {
	case ExceptionReset:
		return "Reset"
	case ExceptionSync:
		return "Sync"
	case ExceptionSError:
		return "SError"
	case ExceptionFIQ:
		return "FIQ"
	case ExceptionIRQ:
		return "IRQ"
	default:
		return fmt.Sprintf("ExceptionKind(%d)", int(k))
	}
}

// IsInterrupt reports whether k is an asynchronous exception that PSTATE can
// mask.
func (k ExceptionKind) IsInterrupt() bool {
	return k == ExceptionSError || k == ExceptionFIQ || k == ExceptionIRQ
}

// Masked reports whether an exception of kind k is masked by pstate.
func (k ExceptionKind) Masked(pstate uint64) bool {
	switch k {
	case ExceptionSError:
		return pstate&PSTATEA != 0
	case ExceptionFIQ:
		return pstate&PSTATEF != 0
	case ExceptionIRQ:
		return pstate&PSTATEI != 0
	default:
		return false
	}
}

// Vector table layout relative to VBAR_EL1.
const (
	VectorCurrentSP0  = 0x000
	VectorCurrentSPx  = 0x200
	VectorLowerA64    = 0x400
	VectorLowerA32    = 0x600
	VectorOffsetSync  = 0x000
	VectorOffsetIRQ   = 0x080
	VectorOffsetFIQ   = 0x100
	VectorOffsetError = 0x180
)

// ErrAArch32 is returned when exception entry is attempted from AArch32 state,
// which the core does not model.
var ErrAArch32 = errors.New("arm64: exception entry from AArch32 state")

// VectorOffset returns the offset from VBAR_EL1 at which an exception of kind
// k taken from pstate begins execution.
func VectorOffset(k ExceptionKind, pstate uint64) (uint64, error) {
	if pstate&PSTATEnRW != 0 {
		return 0, ErrAArch32
	}
	var base uint64
	switch pstate & PSTATEModeMask {
	case PSTATEModeEL0t:
		base = VectorLowerA64
	case PSTATEModeEL1t:
		base = VectorCurrentSP0
	default:
		base = VectorCurrentSPx
	}
	switch k {
	case ExceptionIRQ:
		return base + VectorOffsetIRQ, nil
	case ExceptionFIQ:
		return base + VectorOffsetFIQ, nil
	case ExceptionSError:
		return base + VectorOffsetError, nil
	default:
		return base + VectorOffsetSync, nil
	}
}

// FromEL0 reports whether pstate describes execution at EL0.
func FromEL0(pstate uint64) bool { return pstate&PSTATEModeMask == PSTATEModeEL0t }

// Entry describes one exception being taken to EL1.
type Entry struct {
	Kind     ExceptionKind
	Syndrome Syndrome
	// FAR is written to FAR_EL1 when HasFAR is set (aborts, alignment faults).
	FAR    uint64
	HasFAR bool
}

// EnterException performs AArch64 exception entry to EL1h on rf: it saves
// the current PC and PSTATE into ELR_EL1/SPSR_EL1, records the syndrome,
// masks DAIF and branches to the vector. The PC must already hold the
// preferred return address. Reset is not an entry and must be handled by the
// caller.
func EnterException(rf RegisterFile, e Entry) error {
	if e.Kind == ExceptionReset {
		return fmt.Errorf("arm64: reset is not delivered through the vector table")
	}
	pstate := rf.Get(RegCPSR)
	off, err := VectorOffset(e.Kind, pstate)
	if err != nil {
		return err
	}
	rf.Set(RegELREL1, rf.Get(RegPC))
	rf.Set(RegSPSREL1, pstate)
	if e.Kind == ExceptionSync || e.Kind == ExceptionSError {
		rf.Set(RegESREL1, uint64(e.Syndrome))
	}
	if e.HasFAR {
		rf.Set(RegFAREL1, e.FAR)
	}
	rf.Set(RegCPSR, (pstate&^(PSTATEModeMask|PSTATEnRW))|PSTATEModeEL1h|PSTATEDAIF)
	rf.Set(RegPC, rf.Get(RegVBAREL1)+off)
	return nil
}

// ReturnFromException performs ERET from EL1.
func ReturnFromException(rf RegisterFile) {
	rf.Set(RegPC, rf.Get(RegELREL1))
	rf.Set(RegCPSR, rf.Get(RegSPSREL1))
}

// Reset puts rf into the architectural reset state at entry.
func Reset(rf RegisterFile, entry uint64) {
	for r := RegX0; r <= RegLR; r++ {
		rf.Set(r, 0)
	}
	rf.Set(RegSP, 0)
	rf.Set(RegSPEL1, 0)
	rf.Set(RegCPSR, ResetPSTATE)
	rf.Set(RegPC, entry)
}

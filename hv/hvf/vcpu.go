//go:build darwin && arm64

package hvf

/*
#cgo darwin LDFLAGS: -framework Hypervisor
#include <Hypervisor/hv_vcpu.h>
#include <Hypervisor/hv_vcpu_types.h>

static hv_return_t go_hv_vcpu_kick(hv_vcpu_t vcpu) {
	return hv_vcpus_exit(&vcpu, 1);
}
*/
import "C"

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/blacktop/go-hvaccel/arm64"
	"github.com/blacktop/go-hvaccel/hv"
)

// VCPU is a Hypervisor.framework vCPU. It is bound to the OS thread that
// created it; only Cancel may be called from elsewhere.
type VCPU struct {
	id    C.hv_vcpu_t
	exit  *C.hv_vcpu_exit_t
	index int
	log   *zap.Logger

	closed  atomic.Bool
	closeMu sync.Mutex
}

var (
	_ hv.VCPU          = (*VCPU)(nil)
	_ hv.InterruptLine = (*VCPU)(nil)
	_ hv.TimerMasker   = (*VCPU)(nil)
)

// Register identifier spaces. HVF numbers general registers (hv_reg_t) and
// system registers (hv_sys_reg_t) separately.
const (
	idGPR uint64 = 1 << 32
	idSys uint64 = 2 << 32
)

type regEntry struct {
	id  uint64
	reg arm64.Reg // RegXZR when opaque
	ro  bool
}

var regTable = []regEntry{
	{idGPR | uint64(C.HV_REG_X0), arm64.RegX0, false},
	{idGPR | uint64(C.HV_REG_X1), arm64.RegX1, false},
	{idGPR | uint64(C.HV_REG_X2), arm64.RegX2, false},
	{idGPR | uint64(C.HV_REG_X3), arm64.RegX3, false},
	{idGPR | uint64(C.HV_REG_X4), arm64.RegX4, false},
	{idGPR | uint64(C.HV_REG_X5), arm64.RegX5, false},
	{idGPR | uint64(C.HV_REG_X6), arm64.RegX6, false},
	{idGPR | uint64(C.HV_REG_X7), arm64.RegX7, false},
	{idGPR | uint64(C.HV_REG_X8), arm64.RegX8, false},
	{idGPR | uint64(C.HV_REG_X9), arm64.RegX9, false},
	{idGPR | uint64(C.HV_REG_X10), arm64.RegX10, false},
	{idGPR | uint64(C.HV_REG_X11), arm64.RegX11, false},
	{idGPR | uint64(C.HV_REG_X12), arm64.RegX12, false},
	{idGPR | uint64(C.HV_REG_X13), arm64.RegX13, false},
	{idGPR | uint64(C.HV_REG_X14), arm64.RegX14, false},
	{idGPR | uint64(C.HV_REG_X15), arm64.RegX15, false},
	{idGPR | uint64(C.HV_REG_X16), arm64.RegX16, false},
	{idGPR | uint64(C.HV_REG_X17), arm64.RegX17, false},
	{idGPR | uint64(C.HV_REG_X18), arm64.RegX18, false},
	{idGPR | uint64(C.HV_REG_X19), arm64.RegX19, false},
	{idGPR | uint64(C.HV_REG_X20), arm64.RegX20, false},
	{idGPR | uint64(C.HV_REG_X21), arm64.RegX21, false},
	{idGPR | uint64(C.HV_REG_X22), arm64.RegX22, false},
	{idGPR | uint64(C.HV_REG_X23), arm64.RegX23, false},
	{idGPR | uint64(C.HV_REG_X24), arm64.RegX24, false},
	{idGPR | uint64(C.HV_REG_X25), arm64.RegX25, false},
	{idGPR | uint64(C.HV_REG_X26), arm64.RegX26, false},
	{idGPR | uint64(C.HV_REG_X27), arm64.RegX27, false},
	{idGPR | uint64(C.HV_REG_X28), arm64.RegX28, false},
	{idGPR | uint64(C.HV_REG_FP), arm64.RegFP, false},
	{idGPR | uint64(C.HV_REG_LR), arm64.RegLR, false},
	{idGPR | uint64(C.HV_REG_PC), arm64.RegPC, false},
	{idGPR | uint64(C.HV_REG_CPSR), arm64.RegCPSR, false},
	{idGPR | uint64(C.HV_REG_FPCR), arm64.RegXZR, false},
	{idGPR | uint64(C.HV_REG_FPSR), arm64.RegXZR, false},

	{idSys | uint64(C.HV_SYS_REG_SP_EL0), arm64.RegSP, false},
	{idSys | uint64(C.HV_SYS_REG_SP_EL1), arm64.RegSPEL1, false},
	{idSys | uint64(C.HV_SYS_REG_ELR_EL1), arm64.RegELREL1, false},
	{idSys | uint64(C.HV_SYS_REG_SPSR_EL1), arm64.RegSPSREL1, false},
	{idSys | uint64(C.HV_SYS_REG_ESR_EL1), arm64.RegESREL1, false},
	{idSys | uint64(C.HV_SYS_REG_FAR_EL1), arm64.RegFAREL1, false},
	{idSys | uint64(C.HV_SYS_REG_VBAR_EL1), arm64.RegVBAREL1, false},
	{idSys | uint64(C.HV_SYS_REG_SCTLR_EL1), arm64.RegSCTLREL1, false},
	{idSys | uint64(C.HV_SYS_REG_TTBR0_EL1), arm64.RegTTBR0EL1, false},
	{idSys | uint64(C.HV_SYS_REG_TTBR1_EL1), arm64.RegTTBR1EL1, false},
	{idSys | uint64(C.HV_SYS_REG_TCR_EL1), arm64.RegTCREL1, false},
	{idSys | uint64(C.HV_SYS_REG_MAIR_EL1), arm64.RegMAIREL1, false},
	{idSys | uint64(C.HV_SYS_REG_CPACR_EL1), arm64.RegCPACREL1, false},
	{idSys | uint64(C.HV_SYS_REG_TPIDR_EL0), arm64.RegTPIDREL0, false},
	{idSys | uint64(C.HV_SYS_REG_TPIDR_EL1), arm64.RegTPIDREL1, false},
	{idSys | uint64(C.HV_SYS_REG_MPIDR_EL1), arm64.RegMPIDREL1, false},

	{idSys | uint64(C.HV_SYS_REG_TPIDRRO_EL0), arm64.RegXZR, false},
	{idSys | uint64(C.HV_SYS_REG_CONTEXTIDR_EL1), arm64.RegXZR, false},
	{idSys | uint64(C.HV_SYS_REG_AFSR0_EL1), arm64.RegXZR, false},
	{idSys | uint64(C.HV_SYS_REG_AFSR1_EL1), arm64.RegXZR, false},
	{idSys | uint64(C.HV_SYS_REG_AMAIR_EL1), arm64.RegXZR, false},
	{idSys | uint64(C.HV_SYS_REG_PAR_EL1), arm64.RegXZR, false},
	{idSys | uint64(C.HV_SYS_REG_CNTKCTL_EL1), arm64.RegXZR, false},
	{idSys | uint64(C.HV_SYS_REG_CNTV_CTL_EL0), arm64.RegXZR, false},
	{idSys | uint64(C.HV_SYS_REG_CNTV_CVAL_EL0), arm64.RegXZR, false},
	{idSys | uint64(C.HV_SYS_REG_MDSCR_EL1), arm64.RegXZR, false},
	{idSys | uint64(C.HV_SYS_REG_MIDR_EL1), arm64.RegXZR, true},
}

var regDescs = func() []hv.RegDesc {
	descs := make([]hv.RegDesc, len(regTable))
	for i, e := range regTable {
		descs[i] = hv.RegDesc{ID: e.id, Reg: e.reg, Logical: e.reg != arm64.RegXZR, ReadOnly: e.ro}
		if descs[i].Logical {
			descs[i].Name = e.reg.String()
		} else {
			descs[i].Name = fmt.Sprintf("hvf:%#x", e.id)
		}
	}
	return descs
}()

func (c *VCPU) configure(cfg hv.VCPUConfig) error {
	if err := c.SetRaw(idSys|uint64(C.HV_SYS_REG_MPIDR_EL1), cfg.MPIDR); err != nil {
		return fmt.Errorf("hvf: set MPIDR_EL1: %w", err)
	}
	if cfg.TrapDebug {
		if err := hvErr(uint32(C.hv_vcpu_set_trap_debug_exceptions(c.id, true))); err != nil {
			return fmt.Errorf("hvf: trap debug exceptions: %w", err)
		}
	}
	return nil
}

func (c *VCPU) Index() int { return c.index }

// Registers describes what HVF exposes. SIMD&FP Q registers are 128 bits
// wide and are not carried through the 64-bit register contract.
func (c *VCPU) Registers() []hv.RegDesc { return regDescs }

func (c *VCPU) GetRaw(id uint64) (uint64, error) {
	if c.closed.Load() {
		return 0, ErrVCPUClosed
	}
	var val C.uint64_t
	var ret C.hv_return_t
	switch id &^ 0xffffffff {
	case idGPR:
		ret = C.hv_vcpu_get_reg(c.id, C.hv_reg_t(id&0xffffffff), &val)
	case idSys:
		ret = C.hv_vcpu_get_sys_reg(c.id, C.hv_sys_reg_t(id&0xffff), &val)
	default:
		return 0, fmt.Errorf("hvf: register 0x%x: %w", id, hv.ErrNoRegister)
	}
	if err := hvErr(uint32(ret)); err != nil {
		return 0, fmt.Errorf("hvf: get register 0x%x: %w", id, err)
	}
	return uint64(val), nil
}

func (c *VCPU) SetRaw(id uint64, v uint64) error {
	if c.closed.Load() {
		return ErrVCPUClosed
	}
	var ret C.hv_return_t
	switch id &^ 0xffffffff {
	case idGPR:
		ret = C.hv_vcpu_set_reg(c.id, C.hv_reg_t(id&0xffffffff), C.uint64_t(v))
	case idSys:
		ret = C.hv_vcpu_set_sys_reg(c.id, C.hv_sys_reg_t(id&0xffff), C.uint64_t(v))
	default:
		return fmt.Errorf("hvf: register 0x%x: %w", id, hv.ErrNoRegister)
	}
	if err := hvErr(uint32(ret)); err != nil {
		return fmt.Errorf("hvf: set register 0x%x: %w", id, err)
	}
	return nil
}

// Run enters the guest until the next exit.
func (c *VCPU) Run() (hv.Exit, error) {
	if c.closed.Load() {
		return hv.Exit{}, ErrVCPUClosed
	}
	if err := hvErr(uint32(C.hv_vcpu_run(c.id))); err != nil {
		return hv.Exit{}, fmt.Errorf("hvf: run vcpu %d: %w", c.index, err)
	}
	switch c.exit.reason {
	case C.HV_EXIT_REASON_CANCELED:
		return hv.Exit{Reason: hv.ExitCanceled}, nil
	case C.HV_EXIT_REASON_EXCEPTION:
		return hv.Exit{
			Reason:   hv.ExitException,
			Syndrome: arm64.Syndrome(c.exit.exception.syndrome),
			VirtAddr: uint64(c.exit.exception.virtual_address),
			PhysAddr: uint64(c.exit.exception.physical_address),
		}, nil
	case C.HV_EXIT_REASON_VTIMER_ACTIVATED:
		return hv.Exit{Reason: hv.ExitVTimer}, nil
	default:
		return hv.Exit{Reason: hv.ExitUnknown, Code: uint64(c.exit.reason)}, nil
	}
}

// Cancel forces the vCPU out of hv_vcpu_run. hv_vcpus_exit may be called
// from any thread; a cancel that races ahead of hv_vcpu_run makes the next
// run return immediately.
func (c *VCPU) Cancel() error {
	if c.closed.Load() {
		return nil
	}
	return hvErr(uint32(C.go_hv_vcpu_kick(c.id)))
}

// SetPendingInterrupt asserts or clears the virtual IRQ/FIQ line. HVF
// delivers it on the next entry once PSTATE unmasks it.
func (c *VCPU) SetPendingInterrupt(kind hv.InterruptKind, pending bool) error {
	typ := C.hv_interrupt_type_t(C.HV_INTERRUPT_TYPE_IRQ)
	if kind == hv.InterruptFIQ {
		typ = C.HV_INTERRUPT_TYPE_FIQ
	}
	return hvErr(uint32(C.hv_vcpu_set_pending_interrupt(c.id, typ, C.bool(pending))))
}

// SetVTimerMask masks the virtual timer after a VTIMER_ACTIVATED exit until
// the guest has serviced it.
func (c *VCPU) SetVTimerMask(masked bool) error {
	return hvErr(uint32(C.hv_vcpu_set_vtimer_mask(c.id, C.bool(masked))))
}

// Close destroys this vCPU. It must run on the owning thread.
func (c *VCPU) Close() error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closed.Load() {
		return nil
	}
	if err := hvErr(uint32(C.hv_vcpu_destroy(c.id))); err != nil {
		return fmt.Errorf("hvf: destroy vcpu %d: %w", c.index, err)
	}
	c.closed.Store(true)
	runtime.SetFinalizer(c, nil)
	return nil
}

// finalize only reports the leak: hv_vcpu_destroy is thread affine and the
// finalizer goroutine does not own the vCPU.
func (c *VCPU) finalize() {
	if !c.closed.Load() {
		c.log.Warn("vcpu garbage collected without Close")
	}
}

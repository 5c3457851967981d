package soft

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/arch/arm64/arm64asm"

	"github.com/blacktop/go-hvaccel/arm64"
	"github.com/blacktop/go-hvaccel/hv"
)

// CPU is one interpreted vCPU.
type CPU struct {
	vm       *VM
	index    int
	features arm64.FeatureSet
	idRegs   arm64.IDRegs
	log      *zap.Logger
	trace    bool

	// trapDebug exits to the host on BRK instead of taking the exception
	// in the guest.
	trapDebug bool

	regs [arm64.NumRegs]uint64
	fpcr uint64
	fpsr uint64

	pendingIRQ atomic.Bool
	pendingFIQ atomic.Bool
	cancel     atomic.Bool
	closed     bool

	steps uint64
}

var (
	_ hv.VCPU          = (*CPU)(nil)
	_ hv.InterruptLine = (*CPU)(nil)
)

func (c *CPU) Index() int { return c.index }

// Get implements arm64.RegisterFile.
func (c *CPU) Get(r arm64.Reg) uint64 {
	if r == arm64.RegXZR {
		return 0
	}
	return c.regs[r]
}

// Set implements arm64.RegisterFile.
func (c *CPU) Set(r arm64.Reg, v uint64) {
	if r == arm64.RegXZR {
		return
	}
	c.regs[r] = v
}

// Registers describes the logical register file plus FPCR/FPSR as opaque
// registers.
func (c *CPU) Registers() []hv.RegDesc {
	descs := make([]hv.RegDesc, 0, arm64.NumRegs+2)
	for r := arm64.RegX0; r < arm64.NumRegs; r++ {
		descs = append(descs, hv.RegDesc{
			ID:       uint64(r),
			Reg:      r,
			Logical:  true,
			ReadOnly: r == arm64.RegMPIDREL1,
			Name:     r.String(),
		})
	}
	descs = append(descs,
		hv.RegDesc{ID: RegFPCR, Name: "FPCR"},
		hv.RegDesc{ID: RegFPSR, Name: "FPSR"},
	)
	return descs
}

func (c *CPU) GetRaw(id uint64) (uint64, error) {
	switch {
	case id < uint64(arm64.NumRegs):
		return c.regs[id], nil
	case id == RegFPCR:
		return c.fpcr, nil
	case id == RegFPSR:
		return c.fpsr, nil
	}
	return 0, fmt.Errorf("soft: register 0x%x: %w", id, hv.ErrNoRegister)
}

func (c *CPU) SetRaw(id uint64, v uint64) error {
	switch {
	case id == uint64(arm64.RegMPIDREL1):
		return fmt.Errorf("soft: MPIDR_EL1 is read-only: %w", hv.ErrBadArgument)
	case id < uint64(arm64.NumRegs):
		c.regs[id] = v
	case id == RegFPCR:
		c.fpcr = v
	case id == RegFPSR:
		c.fpsr = v
	default:
		return fmt.Errorf("soft: register 0x%x: %w", id, hv.ErrNoRegister)
	}
	return nil
}

// SetPendingInterrupt holds an interrupt pending until the guest unmasks it.
// A delivered interrupt clears its line.
func (c *CPU) SetPendingInterrupt(kind hv.InterruptKind, pending bool) error {
	if kind == hv.InterruptFIQ {
		c.pendingFIQ.Store(pending)
	} else {
		c.pendingIRQ.Store(pending)
	}
	return nil
}

// Cancel makes the current or next Run return ExitCanceled.
func (c *CPU) Cancel() error {
	c.cancel.Store(true)
	return nil
}

func (c *CPU) Close() error {
	if c.closed {
		return hv.ErrClosed
	}
	c.closed = true
	c.vm.mu.Lock()
	c.vm.vcpus--
	c.vm.mu.Unlock()
	return nil
}

// Steps returns the number of instructions retired so far.
func (c *CPU) Steps() uint64 { return c.steps }

// Run interprets guest code until an instruction needs the host.
func (c *CPU) Run() (hv.Exit, error) {
	if c.closed {
		return hv.Exit{}, hv.ErrClosed
	}
	for {
		if c.cancel.Swap(false) {
			return hv.Exit{Reason: hv.ExitCanceled}, nil
		}
		if err := c.deliverInterrupts(); err != nil {
			return hv.Exit{Reason: hv.ExitInternalError}, err
		}
		pc := c.regs[arm64.RegPC]
		if pc&3 != 0 {
			c.takeSync(arm64.NewSyndrome(arm64.ECPCAlign, 0), pc, true)
			continue
		}
		insn, exit, ok := c.fetch(pc)
		if !ok {
			return exit, nil
		}
		if c.trace {
			c.traceInsn(pc, insn)
		}
		exit, stop, err := c.step(pc, insn)
		if err != nil {
			return hv.Exit{Reason: hv.ExitInternalError}, err
		}
		c.steps++
		if stop {
			return exit, nil
		}
	}
}

func (c *CPU) traceInsn(pc uint64, insn uint32) {
	var raw [4]byte
	binary.LittleEndian.PutUint32(raw[:], insn)
	text := "?"
	if inst, err := arm64asm.Decode(raw[:]); err == nil {
		text = arm64asm.GNUSyntax(inst)
	}
	c.log.Debug("step", zap.String("pc", fmt.Sprintf("%#x", pc)), zap.String("insn", fmt.Sprintf("%08x", insn)), zap.String("asm", text))
}

func (c *CPU) deliverInterrupts() error {
	pstate := c.regs[arm64.RegCPSR]
	for _, line := range []struct {
		kind    arm64.ExceptionKind
		pending *atomic.Bool
	}{
		{arm64.ExceptionFIQ, &c.pendingFIQ},
		{arm64.ExceptionIRQ, &c.pendingIRQ},
	} {
		if line.kind.Masked(pstate) || !line.pending.Load() {
			continue
		}
		line.pending.Store(false)
		return arm64.EnterException(c, arm64.Entry{Kind: line.kind})
	}
	return nil
}

func (c *CPU) fetch(pc uint64) (uint32, hv.Exit, bool) {
	r := c.vm.find(pc)
	if r == nil || r.perm&hv.MemExec == 0 {
		fsc := uint32(arm64.FSCTranslationL3)
		if r != nil {
			fsc = arm64.FSCPermissionL3
		}
		return 0, hv.Exit{
			Reason:   hv.ExitException,
			Syndrome: arm64.NewSyndrome(arm64.ECInstAbortLowerEL, fsc),
			VirtAddr: pc,
			PhysAddr: pc,
		}, false
	}
	off := pc - r.gpa
	return binary.LittleEndian.Uint32(r.mem[off : off+4]), hv.Exit{}, true
}

// takeSync enters a synchronous exception inside the guest.
func (c *CPU) takeSync(syn arm64.Syndrome, far uint64, hasFAR bool) {
	// Entry only fails from AArch32 state, which eret never returns to.
	_ = arm64.EnterException(c, arm64.Entry{Kind: arm64.ExceptionSync, Syndrome: syn, FAR: far, HasFAR: hasFAR})
}

// dataAbort builds the exit for a load or store the interpreter cannot
// complete from guest RAM.
func dataAbort(addr uint64, fsc uint8, size int, rt arm64.Reg, signExtend, wide, write bool) hv.Exit {
	da := arm64.DataAbort{
		Valid:      true,
		Size:       size,
		SignExtend: signExtend,
		Reg:        rt,
		Wide:       wide,
		Write:      write,
		FSC:        fsc,
	}
	return hv.Exit{
		Reason:   hv.ExitException,
		Syndrome: arm64.NewSyndrome(arm64.ECDataAbortLowerEL, da.Encode()),
		VirtAddr: addr,
		PhysAddr: addr,
	}
}

// access resolves a guest RAM access of size bytes at addr. It returns the
// backing slice or the fault status code to report.
func (c *CPU) access(addr uint64, size int, write bool) ([]byte, uint8) {
	r := c.vm.find(addr)
	if r == nil || addr+uint64(size) > r.end() {
		return nil, arm64.FSCTranslationL3
	}
	if (write && r.perm&hv.MemWrite == 0) || (!write && r.perm&hv.MemRead == 0) {
		return nil, arm64.FSCPermissionL3
	}
	off := addr - r.gpa
	return r.mem[off : off+uint64(size)], 0
}

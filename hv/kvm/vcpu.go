//go:build linux && arm64

package kvm

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/blacktop/go-hvaccel/arm64"
	"github.com/blacktop/go-hvaccel/hv"
)

// VCPU is a KVM vCPU file descriptor with its mapped kvm_run page.
type VCPU struct {
	vm    *VM
	fd    int
	index int
	tid   int
	run   []byte
	log   *zap.Logger

	running atomic.Bool
	closed  atomic.Bool
	closeMu sync.Mutex
}

var (
	_ hv.VCPU          = (*VCPU)(nil)
	_ hv.InterruptLine = (*VCPU)(nil)
	_ hv.MMIOCompleter = (*VCPU)(nil)
)

type regEntry struct {
	id  uint64
	reg arm64.Reg // RegXZR when opaque
	ro  bool
}

var regTable = func() []regEntry {
	t := make([]regEntry, 0, 64)
	for r := arm64.RegX0; r <= arm64.RegLR; r++ {
		t = append(t, regEntry{coreReg(coreXBase + 2*uint64(r)), r, false})
	}
	t = append(t,
		regEntry{coreReg(coreSP), arm64.RegSP, false},
		regEntry{coreReg(corePC), arm64.RegPC, false},
		regEntry{coreReg(corePSTATE), arm64.RegCPSR, false},
		regEntry{coreReg(coreSPEL1), arm64.RegSPEL1, false},
		regEntry{coreReg(coreELREL1), arm64.RegELREL1, false},
		regEntry{coreReg(coreSPSREL1), arm64.RegSPSREL1, false},
	)
	for r := arm64.RegESREL1; r < arm64.NumRegs; r++ {
		s, _ := arm64.SysRegOf(r)
		t = append(t, regEntry{sysReg(s), r, false})
	}
	t = append(t,
		regEntry{coreReg32(coreFPSR), arm64.RegXZR, false},
		regEntry{coreReg32(coreFPCR), arm64.RegXZR, false},
		regEntry{sysReg(arm64.SysReg{Op0: 3, Op1: 3, CRn: 13, CRm: 0, Op2: 3}), arm64.RegXZR, false}, // TPIDRRO_EL0
		regEntry{sysReg(arm64.SysReg{Op0: 3, Op1: 0, CRn: 13, CRm: 0, Op2: 1}), arm64.RegXZR, false}, // CONTEXTIDR_EL1
		regEntry{sysReg(arm64.SysReg{Op0: 3, Op1: 0, CRn: 5, CRm: 1, Op2: 0}), arm64.RegXZR, false},  // AFSR0_EL1
		regEntry{sysReg(arm64.SysReg{Op0: 3, Op1: 0, CRn: 5, CRm: 1, Op2: 1}), arm64.RegXZR, false},  // AFSR1_EL1
		regEntry{sysReg(arm64.SysReg{Op0: 3, Op1: 0, CRn: 10, CRm: 3, Op2: 0}), arm64.RegXZR, false}, // AMAIR_EL1
		regEntry{sysReg(arm64.SysReg{Op0: 3, Op1: 0, CRn: 7, CRm: 4, Op2: 0}), arm64.RegXZR, false},  // PAR_EL1
		regEntry{sysReg(arm64.SysReg{Op0: 3, Op1: 0, CRn: 14, CRm: 1, Op2: 0}), arm64.RegXZR, false}, // CNTKCTL_EL1
		regEntry{sysReg(arm64.SysMDSCREL1), arm64.RegXZR, false},
		// KVM_REG_ARM_TIMER_CTL and KVM_REG_ARM_TIMER_CVAL.
		regEntry{sysReg(arm64.SysReg{Op0: 3, Op1: 3, CRn: 14, CRm: 3, Op2: 1}), arm64.RegXZR, false},
		regEntry{sysReg(arm64.SysReg{Op0: 3, Op1: 3, CRn: 14, CRm: 0, Op2: 2}), arm64.RegXZR, false},
		regEntry{sysReg(arm64.SysMIDREL1), arm64.RegXZR, true},
	)
	return t
}()

var regDescs = func() []hv.RegDesc {
	descs := make([]hv.RegDesc, len(regTable))
	for i, e := range regTable {
		descs[i] = hv.RegDesc{ID: e.id, Reg: e.reg, Logical: e.reg != arm64.RegXZR, ReadOnly: e.ro}
		if descs[i].Logical {
			descs[i].Name = e.reg.String()
		} else {
			descs[i].Name = fmt.Sprintf("kvm:%#x", e.id)
		}
	}
	return descs
}()

func newVCPU(vm *VM, cfg hv.VCPUConfig) (*VCPU, error) {
	fd, err := ioctl(vm.fd, kvmCreateVCPU, uintptr(cfg.Index))
	if err != nil {
		return nil, kvmErr(fmt.Sprintf("create vcpu %d", cfg.Index), err)
	}
	run, err := unix.Mmap(int(fd), 0, vm.runSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(int(fd))
		return nil, kvmErr("mmap kvm_run", err)
	}
	c := &VCPU{
		vm:    vm,
		fd:    int(fd),
		index: cfg.Index,
		tid:   unix.Gettid(),
		run:   run,
		log:   vm.log.With(zap.Int("cpu", cfg.Index)),
	}
	if err := c.configure(cfg); err != nil {
		c.release()
		return nil, err
	}
	return c, nil
}

func (c *VCPU) configure(cfg hv.VCPUConfig) error {
	vi := c.vm.target
	vi.Features[0] |= 1 << vcpuFeaturePSCI02
	if cfg.PoweredOff {
		vi.Features[0] |= 1 << vcpuFeaturePowerOff
	}
	if _, err := ioctl(c.fd, kvmArmVCPUInit, uintptr(unsafe.Pointer(&vi))); err != nil {
		return kvmErr("vcpu init", err)
	}
	if cfg.MPIDR != 0 {
		if err := c.SetRaw(sysReg(arm64.SysMPIDREL1), cfg.MPIDR); err != nil {
			// Older kernels derive MPIDR from the vCPU id and refuse writes.
			c.log.Debug("kernel kept its MPIDR_EL1", zap.Error(err))
		}
	}
	// Writable ID registers let the guest see the masked feature set. The
	// kernel rejects fields it cannot honour; those stay at the host value.
	for i := arm64.IDReg(0); i < arm64.NumIDRegs; i++ {
		if cfg.IDRegs[i] == 0 {
			continue
		}
		id := sysReg(i.SysReg())
		if cur, err := c.GetRaw(id); err == nil && cur != cfg.IDRegs[i] {
			if err := c.SetRaw(id, cfg.IDRegs[i]); err != nil {
				c.log.Debug("ID register not writable", zap.Stringer("reg", i), zap.Error(err))
			}
		}
	}
	if cfg.TrapDebug {
		dbg := guestDebug{Control: guestDebugEnable | guestDebugUseSWBP}
		if _, err := ioctl(c.fd, kvmSetGuestDebug, uintptr(unsafe.Pointer(&dbg))); err != nil {
			return kvmErr("set guest debug", err)
		}
	}
	return nil
}

func (c *VCPU) Index() int { return c.index }

// Registers describes the ONE_REG ids this backend moves. SIMD Q registers
// are 128 bits wide and are not carried.
func (c *VCPU) Registers() []hv.RegDesc { return regDescs }

func (c *VCPU) GetRaw(id uint64) (uint64, error) {
	if c.closed.Load() {
		return 0, ErrVCPUClosed
	}
	var v uint64
	r := oneReg{ID: id, Addr: uint64(uintptr(unsafe.Pointer(&v)))}
	if _, err := ioctl(c.fd, kvmGetOneReg, uintptr(unsafe.Pointer(&r))); err != nil {
		return 0, kvmErr(fmt.Sprintf("get register %#x", id), err)
	}
	return v, nil
}

func (c *VCPU) SetRaw(id uint64, v uint64) error {
	if c.closed.Load() {
		return ErrVCPUClosed
	}
	r := oneReg{ID: id, Addr: uint64(uintptr(unsafe.Pointer(&v)))}
	if _, err := ioctl(c.fd, kvmSetOneReg, uintptr(unsafe.Pointer(&r))); err != nil {
		return kvmErr(fmt.Sprintf("set register %#x", id), err)
	}
	return nil
}

func (c *VCPU) data() *runData { return (*runData)(unsafe.Pointer(&c.run[0])) }

// immediateExit addresses the first word of kvm_run so the flag byte can be
// set atomically from another goroutine.
func (c *VCPU) immediateExit() *uint32 { return (*uint32)(unsafe.Pointer(&c.run[0])) }

const immediateExitBit = 1 << 8

// Run issues KVM_RUN and translates kvm_run into an hv.Exit.
func (c *VCPU) Run() (hv.Exit, error) {
	if c.closed.Load() {
		return hv.Exit{}, ErrVCPUClosed
	}
	c.running.Store(true)
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(c.fd), kvmRun, 0)
	c.running.Store(false)
	if errno == unix.EINTR {
		atomic.AndUint32(c.immediateExit(), ^uint32(immediateExitBit))
		return hv.Exit{Reason: hv.ExitCanceled}, nil
	}
	if errno != 0 {
		return hv.Exit{}, kvmErr(fmt.Sprintf("run vcpu %d", c.index), errno)
	}

	d := c.data()
	switch d.exitReason {
	case exitMMIO:
		addr, data, size, write := d.mmio()
		return hv.Exit{
			Reason:   hv.ExitMMIO,
			PhysAddr: addr,
			MMIO:     hv.MMIOData{Len: size, Write: write, Data: data},
		}, nil
	case exitSystemEvent:
		return hv.Exit{Reason: hv.ExitSystemEvent, Event: d.u32(0)}, nil
	case exitDebug:
		return hv.Exit{
			Reason:   hv.ExitException,
			Syndrome: arm64.Syndrome(d.u32(0)),
			VirtAddr: d.u64(8),
		}, nil
	case exitARMNISV:
		// Data abort outside any memslot whose syndrome lacks ISV.
		return hv.Exit{
			Reason:   hv.ExitException,
			Syndrome: arm64.NewSyndrome(arm64.ECDataAbortLowerEL, uint32(d.u64(0))),
			PhysAddr: d.u64(8),
		}, nil
	case exitIntr:
		return hv.Exit{Reason: hv.ExitCanceled}, nil
	case exitFailEntry:
		return hv.Exit{Reason: hv.ExitFailEntry, Code: d.u64(0)}, nil
	case exitInternalError:
		sub := internalErrorSubReason(d.u32(0))
		c.log.Debug("internal error", zap.Stringer("suberror", sub))
		return hv.Exit{Reason: hv.ExitInternalError, Code: uint64(sub)}, nil
	default:
		return hv.Exit{Reason: hv.ExitUnknown, Code: uint64(d.exitReason)}, nil
	}
}

// CompleteMMIO supplies the value of an MMIO read. KVM writes it to the
// destination register and advances PC on the next Run.
func (c *VCPU) CompleteMMIO(data uint64) error {
	if c.closed.Load() {
		return ErrVCPUClosed
	}
	d := c.data()
	if d.exitReason != exitMMIO {
		return fmt.Errorf("kvm: no MMIO exit pending on vcpu %d: %w", c.index, hv.ErrBadArgument)
	}
	d.setMMIOData(data)
	return nil
}

// Cancel sets immediate_exit so a run that has not started returns at once,
// then signals the owning thread to interrupt one in progress.
func (c *VCPU) Cancel() error {
	if c.closed.Load() {
		return nil
	}
	atomic.OrUint32(c.immediateExit(), immediateExitBit)
	if !c.running.Load() {
		return nil
	}
	if err := unix.Tgkill(unix.Getpid(), c.tid, unix.SIGURG); err != nil && !errors.Is(err, unix.ESRCH) {
		return kvmErr("kick vcpu", err)
	}
	return nil
}

// SetPendingInterrupt drives the vCPU's IRQ or FIQ input. It needs no
// in-kernel interrupt controller.
func (c *VCPU) SetPendingInterrupt(kind hv.InterruptKind, pending bool) error {
	line := irqLevel{IRQ: irqTypeCPU<<irqTypeShift | uint32(c.index&0xff)<<irqVCPUShift}
	if kind == hv.InterruptFIQ {
		line.IRQ |= 1
	}
	if pending {
		line.Level = 1
	}
	if _, err := ioctl(c.vm.fd, kvmIRQLine, uintptr(unsafe.Pointer(&line))); err != nil {
		return kvmErr(fmt.Sprintf("%s line", kind), err)
	}
	return nil
}

// Close unmaps kvm_run and closes the vCPU descriptor.
func (c *VCPU) Close() error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closed.Load() {
		return nil
	}
	c.closed.Store(true)
	err := c.release()
	c.vm.mu.Lock()
	c.vm.vcpus--
	c.vm.mu.Unlock()
	return err
}

func (c *VCPU) release() error {
	var errs []error
	if err := unix.Munmap(c.run); err != nil {
		errs = append(errs, kvmErr("munmap kvm_run", err))
	}
	if err := unix.Close(c.fd); err != nil {
		errs = append(errs, kvmErr("close vcpu", err))
	}
	return errors.Join(errs...)
}

package hvaccel

import (
	"fmt"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/blacktop/go-hvaccel/arm64"
	"github.com/blacktop/go-hvaccel/hv"
)

// ActionKind is what the engine does with a classified exit.
type ActionKind int

const (
	ActionResume ActionKind = iota
	ActionResumeWithInjection
	ActionDelegateToDevice
	ActionHalt
	ActionFatalShutdown
)

var actionKindNames = [...]string{"Resume", "ResumeWithInjection", "DelegateToDevice", "Halt", "FatalShutdown"}

func (k ActionKind) String() string {
	if k >= 0 && int(k) < len(actionKindNames) {
		return actionKindNames[k]
	}
	return fmt.Sprintf("ActionKind(%d)", int(k))
}

// HaltReason says why a vCPU stopped executing guest code.
type HaltReason int

const (
	HaltPowerOff HaltReason = iota
	HaltReset
	HaltCrash
	HaltBreakpoint
	// HaltCPUOff powers down only the calling vCPU.
	HaltCPUOff
)

var haltReasonNames = [...]string{"PowerOff", "Reset", "Crash", "Breakpoint", "CPUOff"}

func (r HaltReason) String() string {
	if r >= 0 && int(r) < len(haltReasonNames) {
		return haltReasonNames[r]
	}
	return fmt.Sprintf("HaltReason(%d)", int(r))
}

// WaitKind selects how a vCPU parks before resuming.
type WaitKind int

const (
	WaitNone WaitKind = iota
	WaitWFI
	WaitWFE
	// WaitPowerOff parks a vCPU until PSCI CPU_ON.
	WaitPowerOff
)

// MMIOAccess describes one guest access to a device region.
type MMIOAccess struct {
	Kind   AccessKind
	Offset uint64
	Size   int
	// Data is the value stored for writes.
	Data uint64
	// Reg receives the loaded value for reads.
	Reg        arm64.Reg
	SignExtend bool
	Wide       bool
	// HostCompleted is set when the primitive decoded the access and
	// finishes the guest instruction itself.
	HostCompleted bool
}

// RegWrite is a register update applied before resuming.
type RegWrite struct {
	Reg   arm64.Reg
	Value uint64
}

// CPUOnRequest carries the arguments of a PSCI CPU_ON call.
type CPUOnRequest struct {
	Target  uint64
	Entry   uint64
	Context uint64
}

// Action is the outcome of dispatching one exit.
type Action struct {
	Kind  ActionKind
	Class ExitClass

	Exception Exception     // ResumeWithInjection
	Region    *MemoryRegion // DelegateToDevice
	Access    MMIOAccess    // DelegateToDevice
	Halt      HaltReason    // Halt
	Err       error         // FatalShutdown

	// Inline effects, applied in this order before resuming.
	Writes    []RegWrite
	AdvancePC bool
	Wait      WaitKind
	CPUOn     *CPUOnRequest
	MaskTimer bool
	// CompleteMMIO finishes a host decoded access that no device claimed:
	// reads return zero and writes are dropped.
	CompleteMMIO bool
}

func (a Action) String() string {
	switch a.Kind {
	case ActionResumeWithInjection:
		return fmt.Sprintf("%s(%s)", a.Kind, a.Exception)
	case ActionDelegateToDevice:
		return fmt.Sprintf("%s(%s %s +0x%x/%d)", a.Kind, a.Region.Name, a.Access.Kind, a.Access.Offset, a.Access.Size)
	case ActionHalt:
		return fmt.Sprintf("%s(%s)", a.Kind, a.Halt)
	case ActionFatalShutdown:
		return fmt.Sprintf("%s(%v)", a.Kind, a.Err)
	}
	return a.Kind.String()
}

// cpuTable resolves PSCI target affinities.
type cpuTable interface {
	cpuByMPIDR(mpidr uint64) (*VCPU, bool)
}

// Dispatcher classifies exits. It never touches host state: every effect is
// described by the returned Action and carried out by the engine.
type Dispatcher struct {
	as              *AddressSpace
	cpus            cpuTable
	trapBreakpoints bool
	log             *zap.Logger
}

// NewDispatcher returns a dispatcher resolving guest addresses in as.
func NewDispatcher(as *AddressSpace, cpus cpuTable, trapBreakpoints bool, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = Logger()
	}
	return &Dispatcher{as: as, cpus: cpus, trapBreakpoints: trapBreakpoints, log: log}
}

func fatal(v *VCPU, rec ExitRecord, err error) Action {
	return Action{
		Kind:  ActionFatalShutdown,
		Class: ClassUnhandled,
		Err:   &ExitClassificationError{CPU: v.Index(), Exit: rec, Err: err},
	}
}

func inject(c ExitClass, e Exception) Action {
	return Action{Kind: ActionResumeWithInjection, Class: c, Exception: e}
}

// Dispatch classifies rec, taken on v, into exactly one Action. Power
// events win over device accesses, which win over locally modeled
// instructions, which win over guest faults. Anything else is fatal.
func (d *Dispatcher) Dispatch(v *VCPU, rec ExitRecord) Action {
	f := v.Frame()
	var act Action
	switch rec.Reason {
	case hv.ExitCanceled, hv.ExitKilled:
		act = Action{Kind: ActionResume, Class: ClassCanceled}
	case hv.ExitSystemEvent:
		act = d.systemEvent(v, rec)
	case hv.ExitVTimer:
		act = inject(ClassVTimer, IRQ())
		act.MaskTimer = true
	case hv.ExitMMIO:
		act = d.hostMMIO(v, rec)
	case hv.ExitException:
		act = d.exception(v, rec, &f)
	default:
		act = fatal(v, rec, ErrUnhandledExit)
	}
	d.log.Debug("exit", zap.Int("cpu", v.Index()), zap.Stringer("exit", rec), zap.Stringer("action", act))
	return act
}

func (d *Dispatcher) systemEvent(v *VCPU, rec ExitRecord) Action {
	a := Action{Kind: ActionHalt, Class: ClassSystemEvent}
	switch rec.Event {
	case hv.SystemEventShutdown:
		a.Halt = HaltPowerOff
	case hv.SystemEventReset:
		a.Halt = HaltReset
	case hv.SystemEventCrash:
		a.Halt = HaltCrash
	default:
		return fatal(v, rec, errors.Wrapf(ErrUnhandledExit, "system event %d", rec.Event))
	}
	return a
}

// hostMMIO handles an access the primitive decoded itself.
func (d *Dispatcher) hostMMIO(v *VCPU, rec ExitRecord) Action {
	r, ok := d.as.Lookup(rec.PhysAddr)
	if !ok || r.Kind != RegionMMIO {
		// The primitive owns completion of the load, so no abort can be
		// taken here without corrupting it.
		d.log.Warn("host mmio outside any device region",
			zap.Int("cpu", v.Index()), zap.String("ipa", fmt.Sprintf("%#x", rec.PhysAddr)), zap.Bool("write", rec.MMIO.Write))
		return Action{Kind: ActionResume, Class: ClassAbort, CompleteMMIO: true}
	}
	acc := MMIOAccess{
		Kind:          AccessRead,
		Offset:        rec.PhysAddr - r.Base,
		Size:          rec.MMIO.Len,
		Reg:           arm64.RegXZR,
		HostCompleted: true,
	}
	if rec.MMIO.Write {
		acc.Kind = AccessWrite
		acc.Data = truncate(rec.MMIO.Data, rec.MMIO.Len)
	}
	return Action{Kind: ActionDelegateToDevice, Class: ClassMMIO, Region: r, Access: acc}
}

func (d *Dispatcher) exception(v *VCPU, rec ExitRecord, f *RegisterFrame) Action {
	syn := rec.Syndrome
	switch ec := syn.EC(); ec {
	case arm64.ECHVC64, arm64.ECSMC64:
		return d.psci(v, ec == arm64.ECSMC64, f)
	case arm64.ECDataAbortLowerEL, arm64.ECDataAbortSameEL:
		return d.dataAbort(v, rec, f)
	case arm64.ECInstAbortLowerEL, arm64.ECInstAbortSameEL:
		if rec.HostLatched {
			return Action{Kind: ActionResume, Class: ClassAbort}
		}
		return inject(ClassAbort, InstructionAbort(rec.VirtAddr, f.Get(arm64.RegCPSR)))
	case arm64.ECWFx:
		w := WaitWFI
		if arm64.IsWFE(syn) {
			w = WaitWFE
		}
		return Action{Kind: ActionResume, Class: ClassWFx, Wait: w, AdvancePC: true}
	case arm64.ECSysReg:
		return d.sysReg(syn)
	case arm64.ECBRK64, arm64.ECBreakpointLowerEL, arm64.ECSoftStepLowerEL, arm64.ECWatchpointLowerEL:
		if d.trapBreakpoints {
			return Action{Kind: ActionHalt, Class: ClassDebug, Halt: HaltBreakpoint}
		}
		return inject(ClassDebug, Reflect(syn))
	case arm64.ECUnknown:
		return inject(ClassUndefined, Undefined())
	}
	return fatal(v, rec, ErrUnhandledExit)
}

func (d *Dispatcher) dataAbort(v *VCPU, rec ExitRecord, f *RegisterFrame) Action {
	da := arm64.DecodeDataAbort(rec.Syndrome)
	r, ok := d.as.Lookup(rec.PhysAddr)
	if ok && r.Kind == RegionMMIO {
		if !da.Valid {
			return fatal(v, rec, errors.Wrap(ErrUnhandledExit, "mmio abort without a valid instruction syndrome"))
		}
		acc := MMIOAccess{
			Kind:       AccessRead,
			Offset:     rec.PhysAddr - r.Base,
			Size:       da.Size,
			Reg:        da.Reg,
			SignExtend: da.SignExtend,
			Wide:       da.Wide,
		}
		if da.Write {
			acc.Kind = AccessWrite
			acc.Data = truncate(f.Get(da.Reg), da.Size)
		}
		return Action{Kind: ActionDelegateToDevice, Class: ClassMMIO, Region: r, Access: acc}
	}
	if rec.HostLatched {
		return Action{Kind: ActionResume, Class: ClassAbort}
	}
	return inject(ClassAbort, DataAbort(rec.VirtAddr, da.Write, f.Get(arm64.RegCPSR)))
}

// psciFunctions is what PSCI_FEATURES reports as implemented.
var psciFunctions = map[uint32]bool{
	arm64.PSCIVersion:         true,
	arm64.PSCICPUSuspend32:    true,
	arm64.PSCICPUSuspend64:    true,
	arm64.PSCICPUOff:          true,
	arm64.PSCICPUOn32:         true,
	arm64.PSCICPUOn64:         true,
	arm64.PSCIAffinityInfo32:  true,
	arm64.PSCIAffinityInfo64:  true,
	arm64.PSCIMigrateInfoType: true,
	arm64.PSCISystemOff:       true,
	arm64.PSCISystemReset:     true,
	arm64.PSCIFeatures:        true,
}

// psci serves SMCCC calls. HVC exits report the PC past the instruction;
// SMC traps at it and is advanced here.
func (d *Dispatcher) psci(v *VCPU, smc bool, f *RegisterFrame) Action {
	fid := uint32(f.Get(arm64.RegX0))
	a := Action{Kind: ActionResume, Class: ClassPSCI, AdvancePC: smc}
	ret := func(code int64) Action {
		a.Writes = []RegWrite{{arm64.RegX0, arm64.PSCIReturn(code)}}
		return a
	}
	// SMC32 arguments live in the low words.
	arg := func(r arm64.Reg) uint64 {
		if fid&0x40000000 == 0 {
			return uint64(uint32(f.Get(r)))
		}
		return f.Get(r)
	}

	switch fid {
	case arm64.PSCISystemOff:
		return Action{Kind: ActionHalt, Class: ClassPSCI, Halt: HaltPowerOff}
	case arm64.PSCISystemReset:
		return Action{Kind: ActionHalt, Class: ClassPSCI, Halt: HaltReset}
	case arm64.PSCICPUOff:
		return Action{Kind: ActionHalt, Class: ClassPSCI, Halt: HaltCPUOff}
	case arm64.PSCIVersion, arm64.SMCCCVersion:
		return ret(arm64.PSCIVersion1_1)
	case arm64.PSCIFeatures:
		if psciFunctions[uint32(f.Get(arm64.RegX1))] {
			return ret(arm64.PSCISuccess)
		}
		return ret(arm64.PSCINotSupported)
	case arm64.PSCIMigrateInfoType:
		return ret(arm64.PSCIMigrateNotNeeded)
	case arm64.PSCICPUSuspend32, arm64.PSCICPUSuspend64:
		a.Wait = WaitWFI
		return ret(arm64.PSCISuccess)
	case arm64.PSCIAffinityInfo32, arm64.PSCIAffinityInfo64:
		if arg(arm64.RegX2) != 0 {
			return ret(arm64.PSCIInvalidParams)
		}
		t, ok := d.cpu(arg(arm64.RegX1))
		if !ok {
			return ret(arm64.PSCIInvalidParams)
		}
		switch t.powerState() {
		case powerOn:
			return ret(arm64.PSCIAffinityOn)
		case powerOnPending:
			return ret(arm64.PSCIAffinityOnPending)
		}
		return ret(arm64.PSCIAffinityOff)
	case arm64.PSCICPUOn32, arm64.PSCICPUOn64:
		a.CPUOn = &CPUOnRequest{Target: arg(arm64.RegX1), Entry: arg(arm64.RegX2), Context: arg(arm64.RegX3)}
		return a
	}
	return ret(arm64.PSCINotSupported)
}

func (d *Dispatcher) cpu(mpidr uint64) (*VCPU, bool) {
	if d.cpus == nil {
		return nil, false
	}
	return d.cpus.cpuByMPIDR(mpidr)
}

// razWI lists trapped debug and OS lock registers served as read-as-zero,
// write-ignored.
var razWI = map[uint16]bool{
	arm64.SysOSLAREL1.Key():   true,
	arm64.SysOSLSREL1.Key():   true,
	arm64.SysOSDLREL1.Key():   true,
	arm64.SysMDSCREL1.Key():   true,
	arm64.SysMDCCINTEL1.Key(): true,
}

func (d *Dispatcher) sysReg(syn arm64.Syndrome) Action {
	acc := arm64.DecodeSysRegAccess(syn)
	if !razWI[acc.Reg.Key()] {
		return inject(ClassSysReg, Undefined())
	}
	a := Action{Kind: ActionResume, Class: ClassSysReg, AdvancePC: true}
	if acc.Read && acc.Rt != arm64.RegXZR {
		a.Writes = []RegWrite{{acc.Rt, 0}}
	}
	return a
}

// truncate keeps the low size bytes of v.
func truncate(v uint64, size int) uint64 {
	if size <= 0 || size >= 8 {
		return v
	}
	return v & (1<<(uint(size)*8) - 1)
}

// extend converts a device result into the value the load instruction
// leaves in its destination register.
func extend(v uint64, acc MMIOAccess) uint64 {
	v = truncate(v, acc.Size)
	if acc.SignExtend && acc.Size < 8 {
		shift := 64 - uint(acc.Size)*8
		v = uint64(int64(v<<shift) >> shift)
	}
	if !acc.Wide {
		v = uint64(uint32(v))
	}
	return v
}

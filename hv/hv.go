// Package hv defines the contract between the acceleration core and a host
// execution primitive: Apple Hypervisor.framework, Linux KVM, or the software
// interpreter used when neither is available.
//
// A Host is probed once, creates at most one VM, and the VM creates one VCPU
// per logical CPU. Every VCPU method except Cancel must be called from the
// OS thread that created the VCPU.
package hv

import (
	"errors"
	"fmt"

	"github.com/blacktop/go-hvaccel/arm64"
)

// Sentinel errors shared by all backends. Backends wrap them so callers can
// use errors.Is regardless of the host primitive.
var (
	ErrHostUnsupported   = errors.New("hv: host acceleration primitive unavailable")
	ErrResourceExhausted = errors.New("hv: host execution context limit reached")
	ErrClosed            = errors.New("hv: object is closed")
	ErrBadArgument       = errors.New("hv: invalid argument")
	ErrNoRegister        = errors.New("hv: register not exposed by this host")
)

// MemPerm represents guest memory permissions.
type MemPerm uint

const (
	MemRead  MemPerm = 1 << 0
	MemWrite MemPerm = 1 << 1
	MemExec  MemPerm = 1 << 2
)

// ValidPerms is the set of defined permission bits.
const ValidPerms = MemRead | MemWrite | MemExec

func (p MemPerm) String() string {
	b := []byte("---")
	if p&MemRead != 0 {
		b[0] = 'r'
	}
	if p&MemWrite != 0 {
		b[1] = 'w'
	}
	if p&MemExec != 0 {
		b[2] = 'x'
	}
	return string(b)
}

// HostInfo is what a host primitive reports about itself when probed.
type HostInfo struct {
	Name     string
	Hardware bool
	// IDRegs holds the ID register values a guest vCPU would observe before
	// any masking by the core.
	IDRegs      arm64.IDRegs
	IPABits     int
	MaxVCPUs    int
	Granule     uint64
	Breakpoints int
	Watchpoints int
	// KernelPSCI is set when the primitive implements PSCI itself and only
	// reports system power events.
	KernelPSCI bool
	// Extras carries backend specific capabilities (e.g. KVM extension
	// numbers) for diagnostics.
	Extras map[string]int
}

// Host is a host execution primitive.
type Host interface {
	Name() string
	// Probe queries the host. It returns an error wrapping ErrHostUnsupported
	// when the primitive cannot be used at all.
	Probe() (HostInfo, error)
	NewVM(cfg VMConfig) (VM, error)
}

// VMConfig parameterizes VM creation.
type VMConfig struct {
	IPABits int
	VCPUs   int
}

// VM is a guest physical address space plus its vCPUs.
type VM interface {
	// Map installs host memory at gpa. host must stay valid until Unmap.
	Map(host []byte, gpa uint64, perm MemPerm) error
	Unmap(gpa, size uint64) error
	// NewVCPU creates a vCPU bound to the calling OS thread.
	NewVCPU(cfg VCPUConfig) (VCPU, error)
	Close() error
}

// VCPUConfig parameterizes vCPU creation.
type VCPUConfig struct {
	Index    int
	MPIDR    uint64
	Features arm64.FeatureSet
	IDRegs   arm64.IDRegs
	// TrapDebug routes guest debug exceptions (BRK, breakpoints) to the host.
	TrapDebug bool
	// PoweredOff creates the vCPU waiting for a PSCI CPU_ON. Only honored
	// when the host reports KernelPSCI.
	PoweredOff bool
}

// RegDesc describes one register a VCPU exposes in its native numbering.
type RegDesc struct {
	// ID is the host native identifier (HVF register enum, KVM ONE_REG id,
	// interpreter index).
	ID uint64
	// Reg is the logical register when Logical is set.
	Reg      arm64.Reg
	Logical  bool
	ReadOnly bool
	Name     string
}

// VCPU is one host execution context.
type VCPU interface {
	Index() int
	Registers() []RegDesc
	GetRaw(id uint64) (uint64, error)
	SetRaw(id uint64, v uint64) error
	// Run enters the guest and blocks until an exit.
	Run() (Exit, error)
	// Cancel forces a running or about-to-run Run to return ExitCanceled.
	// It is the only method that may be called from any goroutine.
	Cancel() error
	Close() error
}

// InterruptKind selects an interrupt line.
type InterruptKind int

const (
	InterruptIRQ InterruptKind = iota
	InterruptFIQ
)

func (k InterruptKind) String() string {
	if k == InterruptFIQ {
		return "FIQ"
	}
	return "IRQ"
}

// InterruptLine is implemented by VCPUs that can hold a virtual interrupt
// pending in the primitive, which then delivers it once PSTATE unmasks it.
type InterruptLine interface {
	SetPendingInterrupt(kind InterruptKind, pending bool) error
}

// MMIOCompleter is implemented by VCPUs whose primitive decodes MMIO exits
// itself and completes the guest load on the next Run.
type MMIOCompleter interface {
	CompleteMMIO(data uint64) error
}

// TimerMasker is implemented by VCPUs that report virtual timer expiry as an
// exit and need the timer masked until the guest handles it.
type TimerMasker interface {
	SetVTimerMask(masked bool) error
}

// Error is returned by backends for host primitive failures.
type Error struct {
	Backend string
	Op      string
	Err     error
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s: %v", e.Backend, e.Op, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// Package soft is a portable interpreter for a subset of A64 that implements
// the hv backend contract. It is the fallback used when no hardware
// primitive is available and the deterministic backend used by tests.
package soft

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/blacktop/go-hvaccel/arm64"
	"github.com/blacktop/go-hvaccel/hv"
)

const (
	// Name is the backend name reported by Probe.
	Name = "soft"

	pageSize = 4096
	ipaBits  = 40
	maxVCPUs = 64

	midr = 0x00000000410fd083 // Cortex-A72 r0p3
)

// Opaque register identifiers. They have no logical counterpart and are
// carried through the core unchanged.
const (
	RegFPCR uint64 = 0x1000
	RegFPSR uint64 = 0x1001
)

// DefaultIDRegs is what the interpreter advertises: AArch64 only at EL0/EL1,
// no FP/AdvSIMD, CRC32 instructions, 40-bit IPA, 4K/16K/64K granules and no
// hardware debug resources beyond the architectural minimum.
var DefaultIDRegs = arm64.IDRegs{
	arm64.IDAA64PFR0:  0x0000_0000_00ff_0011,
	arm64.IDAA64ISAR0: 0x0000_0000_0001_0000,
	arm64.IDAA64MMFR0: 0x0000_0000_0010_0002,
	arm64.IDAA64DFR0:  0x0000_0000_0000_1006,
}

// Host is the interpreter host.
type Host struct {
	log    *zap.Logger
	trace  bool
	idRegs arm64.IDRegs
}

// Option configures a Host.
type Option func(*Host)

// WithLogger sets the logger used for instruction tracing and diagnostics.
func WithLogger(l *zap.Logger) Option {
	return func(h *Host) { h.log = l }
}

// WithTrace logs every executed instruction at debug level.
func WithTrace(on bool) Option {
	return func(h *Host) { h.trace = on }
}

// WithIDRegs overrides the advertised ID registers.
func WithIDRegs(ids arm64.IDRegs) Option {
	return func(h *Host) { h.idRegs = ids }
}

// New returns an interpreter host.
func New(opts ...Option) *Host {
	h := &Host{log: zap.NewNop(), idRegs: DefaultIDRegs}
	for _, o := range opts {
		o(h)
	}
	return h
}

func (h *Host) Name() string { return Name }

// Probe always succeeds.
func (h *Host) Probe() (hv.HostInfo, error) {
	brps, wrps := arm64.DebugResources(h.idRegs[arm64.IDAA64DFR0])
	return hv.HostInfo{
		Name:        Name,
		Hardware:    false,
		IDRegs:      h.idRegs,
		IPABits:     ipaBits,
		MaxVCPUs:    maxVCPUs,
		Granule:     pageSize,
		Breakpoints: brps,
		Watchpoints: wrps,
	}, nil
}

// NewVM creates an empty guest physical address space.
func (h *Host) NewVM(cfg hv.VMConfig) (hv.VM, error) {
	if cfg.VCPUs > maxVCPUs {
		return nil, fmt.Errorf("soft: %d vcpus: %w", cfg.VCPUs, hv.ErrResourceExhausted)
	}
	bits := cfg.IPABits
	if bits == 0 {
		bits = ipaBits
	}
	if bits > ipaBits {
		return nil, fmt.Errorf("soft: %d-bit IPA space: %w", bits, hv.ErrBadArgument)
	}
	return &VM{host: h, limit: 1 << uint(bits)}, nil
}

type region struct {
	gpa  uint64
	mem  []byte
	perm hv.MemPerm
}

func (r *region) end() uint64 { return r.gpa + uint64(len(r.mem)) }

// VM is the interpreter's guest physical address space.
type VM struct {
	host  *Host
	limit uint64

	mu      sync.RWMutex
	regions []*region
	vcpus   int
	closed  bool
}

// Map installs host memory at gpa.
func (vm *VM) Map(host []byte, gpa uint64, perm hv.MemPerm) error {
	size := uint64(len(host))
	if size == 0 || gpa%pageSize != 0 || size%pageSize != 0 || perm&^hv.ValidPerms != 0 {
		return fmt.Errorf("soft: map 0x%x+0x%x: %w", gpa, size, hv.ErrBadArgument)
	}
	if gpa+size < gpa || gpa+size > vm.limit {
		return fmt.Errorf("soft: map 0x%x+0x%x beyond IPA limit: %w", gpa, size, hv.ErrBadArgument)
	}
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if vm.closed {
		return hv.ErrClosed
	}
	for _, r := range vm.regions {
		if gpa < r.end() && r.gpa < gpa+size {
			return fmt.Errorf("soft: map 0x%x+0x%x overlaps 0x%x: %w", gpa, size, r.gpa, hv.ErrBadArgument)
		}
	}
	vm.regions = append(vm.regions, &region{gpa: gpa, mem: host, perm: perm})
	sort.Slice(vm.regions, func(i, j int) bool { return vm.regions[i].gpa < vm.regions[j].gpa })
	return nil
}

// Unmap removes the mapping that starts at gpa and has exactly size bytes.
func (vm *VM) Unmap(gpa, size uint64) error {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	for i, r := range vm.regions {
		if r.gpa == gpa && uint64(len(r.mem)) == size {
			vm.regions = append(vm.regions[:i], vm.regions[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("soft: unmap 0x%x+0x%x: %w", gpa, size, hv.ErrBadArgument)
}

func (vm *VM) find(gpa uint64) *region {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	i := sort.Search(len(vm.regions), func(i int) bool { return vm.regions[i].end() > gpa })
	if i < len(vm.regions) && vm.regions[i].gpa <= gpa {
		return vm.regions[i]
	}
	return nil
}

// NewVCPU creates an interpreter vCPU. The interpreter has no thread
// affinity but follows the same contract as the hardware backends.
func (vm *VM) NewVCPU(cfg hv.VCPUConfig) (hv.VCPU, error) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if vm.closed {
		return nil, hv.ErrClosed
	}
	if vm.vcpus >= maxVCPUs {
		return nil, fmt.Errorf("soft: vcpu %d: %w", cfg.Index, hv.ErrResourceExhausted)
	}
	vm.vcpus++
	c := &CPU{
		vm:       vm,
		index:    cfg.Index,
		features: cfg.Features,
		idRegs:   cfg.IDRegs,
		log:      vm.host.log.With(zap.String("backend", Name), zap.Int("cpu", cfg.Index)),
		trace:    vm.host.trace,

		trapDebug: cfg.TrapDebug,
	}
	c.regs[arm64.RegMPIDREL1] = cfg.MPIDR
	c.regs[arm64.RegCPSR] = arm64.ResetPSTATE
	return c, nil
}

// Close releases the VM. Guest memory belongs to the caller.
func (vm *VM) Close() error {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if vm.closed {
		return hv.ErrClosed
	}
	vm.closed = true
	vm.regions = nil
	return nil
}

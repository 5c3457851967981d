//go:build linux && arm64

package kvm

import (
	"fmt"
	"math"
	"runtime"
	"sort"
	"sync"
	"unsafe"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/blacktop/go-hvaccel/arm64"
	"github.com/blacktop/go-hvaccel/hv"
)

// Host is the Linux KVM control device.
type Host struct {
	log  *zap.Logger
	path string
}

// New returns the KVM host backed by DevicePath.
func New(log *zap.Logger) *Host {
	if log == nil {
		log = zap.NewNop()
	}
	return &Host{log: log.With(zap.String("backend", Name)), path: DevicePath}
}

func (h *Host) Name() string { return Name }

// ioctl retries on EINTR. KVM_RUN is issued directly by the vCPU since an
// interrupted run is how cancellation is reported.
func ioctl(fd int, req, arg uintptr) (uintptr, error) {
	for {
		r, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, arg)
		switch errno {
		case 0:
			return r, nil
		case unix.EINTR:
			continue
		default:
			return r, errno
		}
	}
}

func (h *Host) open() (int, error) {
	fd, err := unix.Open(h.path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return -1, kvmErr("open "+h.path, err)
	}
	v, err := ioctl(fd, kvmGetAPIVersion, 0)
	if err != nil {
		unix.Close(fd)
		return -1, kvmErr("get api version", err)
	}
	if v != kvmAPIVersion {
		unix.Close(fd)
		return -1, fmt.Errorf("%w: got %d, want %d", ErrAPIVersion, v, kvmAPIVersion)
	}
	return fd, nil
}

func checkExtension(fd int, c uintptr) int {
	r, err := ioctl(fd, kvmCheckExtension, c)
	if err != nil {
		return 0
	}
	return int(r)
}

// Probe opens the device and inspects a scratch VM and vCPU to learn the
// ID registers a guest will observe. Everything it creates is released
// before returning.
func (h *Host) Probe() (hv.HostInfo, error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	sys, err := h.open()
	if err != nil {
		return hv.HostInfo{}, err
	}
	defer unix.Close(sys)

	info := hv.HostInfo{
		Name:       Name,
		Hardware:   true,
		Granule:    uint64(unix.Getpagesize()),
		KernelPSCI: checkExtension(sys, capARMPSCI02) > 0,
		Extras:     map[string]int{},
	}
	for c, name := range capNames {
		info.Extras[name] = checkExtension(sys, c)
	}
	info.IPABits = checkExtension(sys, capARMVMIPASize)
	if info.IPABits == 0 {
		// Kernels without the capability fix the IPA space at 40 bits.
		info.IPABits = 40
	}
	if info.MaxVCPUs = checkExtension(sys, capMaxVCPUs); info.MaxVCPUs == 0 {
		if info.MaxVCPUs = checkExtension(sys, capNrVCPUs); info.MaxVCPUs == 0 {
			info.MaxVCPUs = 4
		}
	}
	if info.Extras["immediate_exit"] == 0 {
		return hv.HostInfo{}, fmt.Errorf("kvm: KVM_CAP_IMMEDIATE_EXIT missing: %w", hv.ErrHostUnsupported)
	}

	vm, err := h.newVM(sys, hv.VMConfig{})
	if err != nil {
		return hv.HostInfo{}, err
	}
	defer vm.Close()
	vc, err := vm.NewVCPU(hv.VCPUConfig{})
	if err != nil {
		return hv.HostInfo{}, err
	}
	defer vc.Close()
	for i := arm64.IDReg(0); i < arm64.NumIDRegs; i++ {
		v, err := vc.GetRaw(sysReg(i.SysReg()))
		if err != nil {
			return hv.HostInfo{}, fmt.Errorf("kvm: read %s: %w", i, err)
		}
		info.IDRegs[i] = v
	}
	info.Breakpoints, info.Watchpoints = arm64.DebugResources(info.IDRegs[arm64.IDAA64DFR0])
	return info, nil
}

type slot struct {
	id   uint32
	gpa  uint64
	size uint64
	host []byte
}

// VM is a KVM virtual machine file descriptor and its memory slots.
type VM struct {
	log     *zap.Logger
	sys     int
	fd      int
	runSize int
	target  vcpuInit

	mu     sync.Mutex
	slots  []slot // sorted by gpa
	free   []uint32
	next   uint32
	vcpus  int
	closed bool
}

// NewVM creates a VM. cfg.IPABits selects the stage-2 size when the
// kernel supports it.
func (h *Host) NewVM(cfg hv.VMConfig) (hv.VM, error) {
	sys, err := h.open()
	if err != nil {
		return nil, err
	}
	vm, err := h.newVM(sys, cfg)
	if err != nil {
		unix.Close(sys)
		return nil, err
	}
	vm.sys = sys
	return vm, nil
}

func (h *Host) newVM(sys int, cfg hv.VMConfig) (*VM, error) {
	var typ uintptr
	if cfg.IPABits > 0 && checkExtension(sys, capARMVMIPASize) > 0 {
		typ = uintptr(cfg.IPABits) & 0xff
	}
	fd, err := ioctl(sys, kvmCreateVM, typ)
	if err != nil {
		return nil, kvmErr(fmt.Sprintf("create VM (type %#x)", typ), err)
	}
	vm := &VM{log: h.log, sys: -1, fd: int(fd)}
	size, err := ioctl(sys, kvmGetVCPUMmapSize, 0)
	if err != nil {
		unix.Close(vm.fd)
		return nil, kvmErr("get vcpu mmap size", err)
	}
	vm.runSize = int(size)
	if _, err := ioctl(vm.fd, kvmArmPreferredTarget, uintptr(unsafe.Pointer(&vm.target))); err != nil {
		unix.Close(vm.fd)
		return nil, kvmErr("preferred target", err)
	}
	if checkExtension(vm.fd, capARMNISVToUser) > 0 {
		c := enableCap{Cap: capARMNISVToUser}
		if _, err := ioctl(vm.fd, kvmEnableCap, uintptr(unsafe.Pointer(&c))); err != nil {
			vm.log.Debug("cannot forward NISV aborts", zap.Error(err))
		}
	}
	return vm, nil
}

// Map installs host memory as a user memory slot. KVM has no execute-only
// or write-only slots: regions without MemWrite become read-only slots and
// MemExec is not enforced.
func (vm *VM) Map(host []byte, gpa uint64, perm hv.MemPerm) error {
	page := uint64(unix.Getpagesize())
	switch {
	case len(host) == 0:
		return fmt.Errorf("kvm: map requires non-empty host buffer: %w", hv.ErrBadArgument)
	case gpa > math.MaxUint64-uint64(len(host)):
		return fmt.Errorf("kvm: guest address range would overflow: %w", hv.ErrBadArgument)
	case perm == 0 || perm&^hv.ValidPerms != 0:
		return fmt.Errorf("kvm: invalid permission bits 0x%x: %w", perm, hv.ErrBadArgument)
	case gpa%page != 0 || uint64(len(host))%page != 0 || uint64(uintptr(unsafe.Pointer(&host[0])))%page != 0:
		return fmt.Errorf("kvm: map 0x%x+0x%x not page-aligned (page size: %d): %w", gpa, len(host), page, hv.ErrBadArgument)
	}

	vm.mu.Lock()
	defer vm.mu.Unlock()
	if vm.closed {
		return ErrVMClosed
	}
	end := gpa + uint64(len(host))
	i := sort.Search(len(vm.slots), func(i int) bool { return vm.slots[i].gpa+vm.slots[i].size > gpa })
	if i < len(vm.slots) && vm.slots[i].gpa < end {
		return fmt.Errorf("kvm: 0x%x+0x%x overlaps slot at 0x%x: %w", gpa, len(host), vm.slots[i].gpa, hv.ErrBadArgument)
	}

	s := slot{gpa: gpa, size: uint64(len(host)), host: host}
	if n := len(vm.free); n > 0 {
		s.id, vm.free = vm.free[n-1], vm.free[:n-1]
	} else {
		s.id = vm.next
		vm.next++
	}
	r := userspaceMemoryRegion{
		Slot:          s.id,
		GuestPhysAddr: gpa,
		MemorySize:    s.size,
		UserspaceAddr: uint64(uintptr(unsafe.Pointer(&host[0]))),
	}
	if perm&hv.MemWrite == 0 {
		r.Flags |= memReadonly
	}
	if _, err := ioctl(vm.fd, kvmSetUserMemoryRegion, uintptr(unsafe.Pointer(&r))); err != nil {
		vm.free = append(vm.free, s.id)
		return kvmErr(fmt.Sprintf("map 0x%x+0x%x %s", gpa, len(host), perm), err)
	}
	vm.slots = append(vm.slots, slot{})
	copy(vm.slots[i+1:], vm.slots[i:])
	vm.slots[i] = s
	return nil
}

// Unmap deletes the slot that starts at gpa with exactly size bytes.
func (vm *VM) Unmap(gpa, size uint64) error {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if vm.closed {
		return ErrVMClosed
	}
	for i, s := range vm.slots {
		if s.gpa != gpa || s.size != size {
			continue
		}
		r := userspaceMemoryRegion{Slot: s.id, GuestPhysAddr: gpa}
		if _, err := ioctl(vm.fd, kvmSetUserMemoryRegion, uintptr(unsafe.Pointer(&r))); err != nil {
			return kvmErr(fmt.Sprintf("unmap 0x%x+0x%x", gpa, size), err)
		}
		vm.slots = append(vm.slots[:i], vm.slots[i+1:]...)
		vm.free = append(vm.free, s.id)
		return nil
	}
	return fmt.Errorf("kvm: no slot at 0x%x+0x%x: %w", gpa, size, hv.ErrBadArgument)
}

// NewVCPU creates vCPU cfg.Index on the calling thread, which must be locked.
func (vm *VM) NewVCPU(cfg hv.VCPUConfig) (hv.VCPU, error) {
	vm.mu.Lock()
	if vm.closed {
		vm.mu.Unlock()
		return nil, ErrVMClosed
	}
	vm.vcpus++
	vm.mu.Unlock()

	c, err := newVCPU(vm, cfg)
	if err != nil {
		vm.mu.Lock()
		vm.vcpus--
		vm.mu.Unlock()
		return nil, err
	}
	return c, nil
}

// Close releases the VM. Slots vanish with the file descriptor; the host
// buffers remain owned by the caller.
func (vm *VM) Close() error {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if vm.closed {
		return nil
	}
	vm.closed = true
	vm.slots = nil
	if vm.vcpus > 0 {
		vm.log.Warn("closing VM with live vCPUs", zap.Int("vcpus", vm.vcpus))
	}
	err := unix.Close(vm.fd)
	if vm.sys >= 0 {
		unix.Close(vm.sys)
	}
	return kvmErr("close VM", err)
}

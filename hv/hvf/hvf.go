//go:build darwin && arm64

package hvf

/*
#cgo darwin LDFLAGS: -framework Hypervisor
#include <Hypervisor/hv.h>
#include <Hypervisor/hv_error.h>
#include <Hypervisor/hv_vm.h>
#include <Hypervisor/hv_vm_config.h>
#include <Hypervisor/hv_base.h>
#include <Hypervisor/hv_vcpu.h>
#include <Hypervisor/hv_vcpu_config.h>
#include <os/object.h>

// Create the process VM with the requested IPA width, or the framework
// default when ipa_bits is zero.
static hv_return_t go_hv_vm_create_with_cfg(uint32_t ipa_bits) {
	hv_vm_config_t config = hv_vm_config_create();
	if (!config) {
		return HV_ERROR;
	}
	hv_return_t ret = HV_SUCCESS;
	if (ipa_bits == 0) {
		ret = hv_vm_config_get_default_ipa_size(&ipa_bits);
	}
	if (ret == HV_SUCCESS) {
		ret = hv_vm_config_set_ipa_size(config, ipa_bits);
	}
	if (ret != HV_SUCCESS) {
		os_release(config);
		return ret;
	}
	ret = hv_vm_create(config);
	os_release(config);
	return ret;
}

// Read the ID registers a default vCPU configuration exposes, in the order
// PFR0, PFR1, DFR0, ISAR0, ISAR1, MMFR0, MMFR1, MMFR2.
static hv_return_t go_hv_feature_regs(uint64_t *out) {
	static const hv_feature_reg_t regs[8] = {
		HV_FEATURE_REG_ID_AA64PFR0_EL1,
		HV_FEATURE_REG_ID_AA64PFR1_EL1,
		HV_FEATURE_REG_ID_AA64DFR0_EL1,
		HV_FEATURE_REG_ID_AA64ISAR0_EL1,
		HV_FEATURE_REG_ID_AA64ISAR1_EL1,
		HV_FEATURE_REG_ID_AA64MMFR0_EL1,
		HV_FEATURE_REG_ID_AA64MMFR1_EL1,
		HV_FEATURE_REG_ID_AA64MMFR2_EL1,
	};
	hv_vcpu_config_t config = hv_vcpu_config_create();
	if (!config) {
		return HV_ERROR;
	}
	for (int i = 0; i < 8; i++) {
		hv_return_t ret = hv_vcpu_config_get_feature_reg(config, regs[i], &out[i]);
		if (ret != HV_SUCCESS) {
			os_release(config);
			return ret;
		}
	}
	os_release(config);
	return HV_SUCCESS;
}

static uint32_t go_hv_max_ipa_bits(void) {
	uint32_t ipa = 36;
	if (__builtin_available(macOS 13.0, *)) {
		hv_vm_config_get_max_ipa_size(&ipa);
	}
	return ipa;
}

static hv_return_t go_hv_vcpu_create(hv_vcpu_t *vcpu, hv_vcpu_exit_t **exit) {
	return hv_vcpu_create(vcpu, exit, NULL);
}
*/
import "C"

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/blacktop/go-hvaccel/arm64"
	"github.com/blacktop/go-hvaccel/hv"
)

// Host is Apple Hypervisor.framework.
type Host struct {
	log *zap.Logger
}

// New returns the Hypervisor.framework host.
func New(log *zap.Logger) *Host {
	if log == nil {
		log = zap.NewNop()
	}
	return &Host{log: log.With(zap.String("backend", Name))}
}

func (h *Host) Name() string { return Name }

// Probe reports the host's virtualization capabilities. A missing
// kern.hv_support or entitlement maps to hv.ErrHostUnsupported.
func (h *Host) Probe() (hv.HostInfo, error) {
	ok, err := Supported()
	if err != nil {
		return hv.HostInfo{}, fmt.Errorf("hvf: kern.hv_support: %v: %w", err, hv.ErrHostUnsupported)
	}
	if !ok {
		return hv.HostInfo{}, fmt.Errorf("hvf: kern.hv_support is 0: %w", hv.ErrHostUnsupported)
	}
	var regs [arm64.NumIDRegs]C.uint64_t
	if err := hvErr(uint32(C.go_hv_feature_regs(&regs[0]))); err != nil {
		return hv.HostInfo{}, fmt.Errorf("hvf: read feature registers: %w", err)
	}
	info := hv.HostInfo{
		Name:     Name,
		Hardware: true,
		IPABits:  int(C.go_hv_max_ipa_bits()),
		Granule:  uint64(pageSize()),
		Extras:   map[string]int{},
	}
	for i := range regs {
		info.IDRegs[i] = uint64(regs[i])
	}
	var maxVCPUs C.uint32_t
	if err := hvErr(uint32(C.hv_vm_get_max_vcpu_count(&maxVCPUs))); err != nil {
		return hv.HostInfo{}, fmt.Errorf("hvf: max vcpu count: %w", err)
	}
	info.MaxVCPUs = int(maxVCPUs)
	info.Breakpoints, info.Watchpoints = arm64.DebugResources(info.IDRegs[arm64.IDAA64DFR0])
	if v, err := unix.SysctlUint32("kern.hv_max_address_spaces"); err == nil {
		info.Extras["max_address_spaces"] = int(v)
	}
	return info, nil
}

var (
	vmMu     sync.Mutex
	vmActive bool
	vmCount  int32 // Atomic counter for debugging
)

// VM is the process wide Hypervisor.framework VM. Only one may exist.
type VM struct {
	log     *zap.Logger
	closed  bool
	closeMu sync.Mutex // Protect against concurrent Close() and finalizer
}

// NewVM creates the process VM.
func (h *Host) NewVM(cfg hv.VMConfig) (hv.VM, error) {
	vmMu.Lock()
	defer vmMu.Unlock()

	if vmActive {
		return nil, ErrVMAlreadyActive
	}
	if err := hvErr(uint32(C.go_hv_vm_create_with_cfg(C.uint32_t(cfg.IPABits)))); err != nil {
		return nil, fmt.Errorf("hvf: create VM (%d-bit IPA): %w", cfg.IPABits, err)
	}
	vmActive = true
	atomic.AddInt32(&vmCount, 1)
	vm := &VM{log: h.log}

	// Set finalizer as safety net in case Close() is not called
	runtime.SetFinalizer(vm, (*VM).finalize)
	return vm, nil
}

// Close destroys the Hypervisor VM. Idempotent.
func (vm *VM) Close() error {
	if vm == nil {
		return nil
	}
	vm.closeMu.Lock()
	defer vm.closeMu.Unlock()
	if vm.closed {
		return nil
	}

	vmMu.Lock()
	defer vmMu.Unlock()
	if !vmActive {
		return nil
	}
	if err := hvErr(uint32(C.hv_vm_destroy())); err != nil {
		return fmt.Errorf("hvf: destroy VM: %w", err)
	}
	vm.closed = true
	vmActive = false
	atomic.AddInt32(&vmCount, -1)
	runtime.SetFinalizer(vm, nil)
	return nil
}

// finalize is called by the garbage collector as a safety net
func (vm *VM) finalize() {
	if vm == nil {
		return
	}
	// Use non-blocking lock to prevent deadlock in finalizers
	if vm.closeMu.TryLock() {
		defer vm.closeMu.Unlock()
		if !vm.closed {
			vm.closed = true
			if vmActive {
				C.hv_vm_destroy()
				vmActive = false
				atomic.AddInt32(&vmCount, -1)
			}
		}
	}
}

// NewVCPU creates a vCPU owned by the calling OS thread. The caller must
// have locked the goroutine to its thread.
func (vm *VM) NewVCPU(cfg hv.VCPUConfig) (hv.VCPU, error) {
	if vm == nil || vm.closed {
		return nil, ErrVMClosed
	}
	var id C.hv_vcpu_t
	var exit *C.hv_vcpu_exit_t
	if err := hvErr(uint32(C.go_hv_vcpu_create(&id, &exit))); err != nil {
		return nil, fmt.Errorf("hvf: create vcpu %d: %w", cfg.Index, err)
	}
	c := &VCPU{id: id, exit: exit, index: cfg.Index, log: vm.log.With(zap.Int("cpu", cfg.Index))}
	if err := c.configure(cfg); err != nil {
		C.hv_vcpu_destroy(id)
		return nil, err
	}
	runtime.SetFinalizer(c, (*VCPU).finalize)
	return c, nil
}

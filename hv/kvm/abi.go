//go:build linux && arm64

package kvm

import (
	"encoding/binary"
	"fmt"

	"github.com/blacktop/go-hvaccel/arm64"
)

// ioctl numbers for the arm64 KVM ABI.
const (
	kvmGetAPIVersion       = 0xAE00
	kvmCreateVM            = 0xAE01
	kvmCheckExtension      = 0xAE03
	kvmGetVCPUMmapSize     = 0xAE04
	kvmCreateVCPU          = 0xAE41
	kvmSetUserMemoryRegion = 0x4020AE46
	kvmIRQLine             = 0x4008AE61
	kvmRun                 = 0xAE80
	kvmSetGuestDebug       = 0x4208AE9B
	kvmEnableCap           = 0x4068AEA3
	kvmGetOneReg           = 0x4010AEAB
	kvmSetOneReg           = 0x4010AEAC
	kvmArmVCPUInit         = 0x4020AEAE
	kvmArmPreferredTarget  = 0x8020AEAF
)

const kvmAPIVersion = 12

// Extensions queried with KVM_CHECK_EXTENSION.
const (
	capNrVCPUs         = 9
	capMaxVCPUs        = 66
	capARMPSCI02       = 102
	capImmediateExit   = 136
	capARMVMIPASize    = 165
	capARMNISVToUser   = 177
	capARMInjectExtAbt = 178
)

var capNames = map[uintptr]string{
	capMaxVCPUs:        "max_vcpus",
	capARMPSCI02:       "arm_psci_0_2",
	capImmediateExit:   "immediate_exit",
	capARMVMIPASize:    "arm_vm_ipa_size",
	capARMNISVToUser:   "arm_nisv_to_user",
	capARMInjectExtAbt: "arm_inject_ext_dabt",
}

// Exit reasons written to kvm_run.exit_reason.
const (
	exitUnknown       = 0
	exitDebug         = 4
	exitMMIO          = 6
	exitFailEntry     = 9
	exitIntr          = 10
	exitInternalError = 17
	exitSystemEvent   = 24
	exitARMNISV       = 28
)

const (
	memReadonly = 1 << 1

	vcpuFeaturePowerOff = 0
	vcpuFeaturePSCI02   = 2

	guestDebugEnable   = 1 << 0
	guestDebugUseSWBP  = 1 << 16
	irqTypeCPU         = 0
	irqTypeShift       = 24
	irqVCPUShift       = 16
	vcpuInitFeatureLen = 7
)

type userspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

type vcpuInit struct {
	Target   uint32
	Features [vcpuInitFeatureLen]uint32
}

type oneReg struct {
	ID   uint64
	Addr uint64
}

type irqLevel struct {
	IRQ   uint32
	Level uint32
}

type enableCap struct {
	Cap   uint32
	Flags uint32
	Args  [4]uint64
	_     [64]uint8
}

type guestDebug struct {
	Control uint32
	_       uint32
	BCR     [16]uint64
	BVR     [16]uint64
	WCR     [16]uint64
	WVR     [16]uint64
}

// runData is the head of the shared kvm_run page. exit holds the union
// selected by exitReason.
type runData struct {
	requestInterruptWindow uint8
	immediateExit          uint8
	_                      [6]uint8
	exitReason             uint32
	readyForInjection      uint8
	ifFlag                 uint8
	flags                  uint16
	cr8                    uint64
	apicBase               uint64
	exit                   [256]byte
}

func (r *runData) u32(off int) uint32 { return binary.LittleEndian.Uint32(r.exit[off:]) }
func (r *runData) u64(off int) uint64 { return binary.LittleEndian.Uint64(r.exit[off:]) }

// mmio decodes kvm_run.mmio: phys_addr, data[8], len, is_write.
func (r *runData) mmio() (addr uint64, data uint64, size int, write bool) {
	return r.u64(0), r.u64(8), int(r.u32(16)), r.exit[20] != 0
}

func (r *runData) setMMIOData(v uint64) { binary.LittleEndian.PutUint64(r.exit[8:], v) }

type internalErrorSubReason uint32

const (
	internalErrorEmulation            internalErrorSubReason = 1
	internalErrorSimulEx              internalErrorSubReason = 2
	internalErrorDeliveryEv           internalErrorSubReason = 3
	internalErrorUnexpectedExitReason internalErrorSubReason = 4
)

func (k internalErrorSubReason) String() string {
	switch k {
	case internalErrorEmulation:
		return "KVM_INTERNAL_ERROR_EMULATION"
	case internalErrorSimulEx:
		return "KVM_INTERNAL_ERROR_SIMUL_EX"
	case internalErrorDeliveryEv:
		return "KVM_INTERNAL_ERROR_DELIVERY_EV"
	case internalErrorUnexpectedExitReason:
		return "KVM_INTERNAL_ERROR_UNEXPECTED_EXIT_REASON"
	default:
		return fmt.Sprintf("KVMInternalErrorSubreason(%d)", uint32(k))
	}
}

// ONE_REG identifiers.
const (
	regARM64    = 0x6000000000000000
	regSizeU32  = 0x0020000000000000
	regSizeU64  = 0x0030000000000000
	regARMCore  = 0x0010 << 16
	regARMSys   = 0x0013 << 16
	coreXBase   = 0  // regs.regs[n], 8 bytes each
	coreSP      = 62 // regs.sp
	corePC      = 64
	corePSTATE  = 66
	coreSPEL1   = 68
	coreELREL1  = 70
	coreSPSREL1 = 72  // spsr[KVM_SPSR_EL1]
	coreFPSR    = 212 // fp_regs.fpsr
	coreFPCR    = 213
)

func coreReg(idx uint64) uint64   { return regARM64 | regSizeU64 | regARMCore | idx }
func coreReg32(idx uint64) uint64 { return regARM64 | regSizeU32 | regARMCore | idx }

// sysReg converts an MRS encoding to its ONE_REG id.
func sysReg(s arm64.SysReg) uint64 {
	return regARM64 | regSizeU64 | regARMSys | uint64(s.Key())
}

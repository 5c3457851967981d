package arm64

// PSCI 0.2+ function identifiers (SMC32 and SMC64 calling conventions).
const (
	PSCIVersion          = 0x84000000
	PSCICPUSuspend32     = 0x84000001
	PSCICPUSuspend64     = 0xC4000001
	PSCICPUOff           = 0x84000002
	PSCICPUOn32          = 0x84000003
	PSCICPUOn64          = 0xC4000003
	PSCIAffinityInfo32   = 0x84000004
	PSCIAffinityInfo64   = 0xC4000004
	PSCIMigrateInfoType  = 0x84000006
	PSCISystemOff        = 0x84000008
	PSCISystemReset      = 0x84000009
	PSCIFeatures         = 0x8400000A
	SMCCCVersion         = 0x80000000
	SMCCCArchFeatures    = 0x80000001
	PSCIVersion1_1       = 0x00010001
	PSCIMigrateNotNeeded = 2
)

// PSCI return codes.
const (
	PSCISuccess           = 0
	PSCINotSupported      = -1
	PSCIInvalidParams     = -2
	PSCIDenied            = -3
	PSCIAlreadyOn         = -4
	PSCIOnPending         = -5
	PSCIInternalFailure   = -6
	PSCIAffinityOn        = 0
	PSCIAffinityOff       = 1
	PSCIAffinityOnPending = 2
)

// PSCIReturn converts a signed PSCI status into the X0 register value.
func PSCIReturn(code int64) uint64 { return uint64(code) }

// MPIDRAff0 extracts affinity level 0 from an MPIDR value.
func MPIDRAff0(mpidr uint64) int { return int(mpidr & 0xff) }

// MPIDRForIndex builds the MPIDR_EL1 value for a logical CPU index: RES1 bit
// 31 set and the index in Aff0/Aff1.
func MPIDRForIndex(i int) uint64 {
	return 1<<31 | uint64(i&0xff) | uint64((i>>8)&0xff)<<8
}

// MPIDRIndex is the inverse of MPIDRForIndex.
func MPIDRIndex(mpidr uint64) int {
	return int(mpidr&0xff) | int((mpidr>>8)&0xff)<<8
}

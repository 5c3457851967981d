package hvaccel

import (
	"sync/atomic"
	"time"
)

// ExitClass groups exits by the handler that consumed them.
type ExitClass int

const (
	ClassMMIO ExitClass = iota
	ClassWFx
	ClassPSCI
	ClassSysReg
	ClassDebug
	ClassAbort
	ClassUndefined
	ClassVTimer
	ClassSystemEvent
	ClassCanceled
	ClassUnhandled

	numExitClasses
)

var exitClassNames = [numExitClasses]string{
	ClassMMIO:        "mmio",
	ClassWFx:         "wfx",
	ClassPSCI:        "psci",
	ClassSysReg:      "sysreg",
	ClassDebug:       "debug",
	ClassAbort:       "abort",
	ClassUndefined:   "undefined",
	ClassVTimer:      "vtimer",
	ClassSystemEvent: "system_event",
	ClassCanceled:    "canceled",
	ClassUnhandled:   "unhandled",
}

func (c ExitClass) String() string {
	if c >= 0 && c < numExitClasses {
		return exitClassNames[c]
	}
	return "unknown"
}

// Performance metrics for monitoring the acceleration core
var (
	// Operation counters
	vmCreateCount    uint64
	vmDestroyCount   uint64
	vcpuCreateCount  uint64
	vcpuDestroyCount uint64
	mapOperations    uint64
	unmapOperations  uint64
	registerSyncs    uint64
	runOperations    uint64
	injections       uint64
	delegations      uint64
	exitCounts       [numExitClasses]uint64

	// Timing metrics (nanoseconds)
	totalVMCreateTime uint64
	totalRunTime      uint64

	// Error counters
	resourceErrors uint64
	fatalShutdowns uint64
	deviceFailures uint64
	partialProbes  uint64
	fallbackProbes uint64
)

// Metrics provides access to performance metrics
type Metrics struct {
	VMCreated         uint64            `json:"vm_created"`
	VMDestroyed       uint64            `json:"vm_destroyed"`
	VCPUCreated       uint64            `json:"vcpu_created"`
	VCPUDestroyed     uint64            `json:"vcpu_destroyed"`
	MapOperations     uint64            `json:"map_operations"`
	UnmapOperations   uint64            `json:"unmap_operations"`
	RegisterSyncs     uint64            `json:"register_syncs"`
	RunOperations     uint64            `json:"run_operations"`
	Injections        uint64            `json:"injections"`
	Delegations       uint64            `json:"device_delegations"`
	Exits             map[string]uint64 `json:"exits"`
	AvgVMCreateTimeNs uint64            `json:"avg_vm_create_time_ns"`
	AvgRunTimeNs      uint64            `json:"avg_run_time_ns"`
	ResourceErrors    uint64            `json:"resource_errors"`
	FatalShutdowns    uint64            `json:"fatal_shutdowns"`
	DeviceFailures    uint64            `json:"device_failures"`
	PartialProbes     uint64            `json:"partial_probes"`
	BackendFallbacks  uint64            `json:"backend_fallbacks"`
}

// GetMetrics returns current performance metrics
func GetMetrics() Metrics {
	vmCreated := atomic.LoadUint64(&vmCreateCount)
	runOps := atomic.LoadUint64(&runOperations)

	var avgVMCreate, avgRun uint64
	if vmCreated > 0 {
		avgVMCreate = atomic.LoadUint64(&totalVMCreateTime) / vmCreated
	}
	if runOps > 0 {
		avgRun = atomic.LoadUint64(&totalRunTime) / runOps
	}
	exits := make(map[string]uint64, numExitClasses)
	for c := ExitClass(0); c < numExitClasses; c++ {
		if n := atomic.LoadUint64(&exitCounts[c]); n > 0 {
			exits[c.String()] = n
		}
	}

	return Metrics{
		VMCreated:         vmCreated,
		VMDestroyed:       atomic.LoadUint64(&vmDestroyCount),
		VCPUCreated:       atomic.LoadUint64(&vcpuCreateCount),
		VCPUDestroyed:     atomic.LoadUint64(&vcpuDestroyCount),
		MapOperations:     atomic.LoadUint64(&mapOperations),
		UnmapOperations:   atomic.LoadUint64(&unmapOperations),
		RegisterSyncs:     atomic.LoadUint64(&registerSyncs),
		RunOperations:     runOps,
		Injections:        atomic.LoadUint64(&injections),
		Delegations:       atomic.LoadUint64(&delegations),
		Exits:             exits,
		AvgVMCreateTimeNs: avgVMCreate,
		AvgRunTimeNs:      avgRun,
		ResourceErrors:    atomic.LoadUint64(&resourceErrors),
		FatalShutdowns:    atomic.LoadUint64(&fatalShutdowns),
		DeviceFailures:    atomic.LoadUint64(&deviceFailures),
		PartialProbes:     atomic.LoadUint64(&partialProbes),
		BackendFallbacks:  atomic.LoadUint64(&fallbackProbes),
	}
}

// ResetMetrics clears all performance metrics
func ResetMetrics() {
	atomic.StoreUint64(&vmCreateCount, 0)
	atomic.StoreUint64(&vmDestroyCount, 0)
	atomic.StoreUint64(&vcpuCreateCount, 0)
	atomic.StoreUint64(&vcpuDestroyCount, 0)
	atomic.StoreUint64(&mapOperations, 0)
	atomic.StoreUint64(&unmapOperations, 0)
	atomic.StoreUint64(&registerSyncs, 0)
	atomic.StoreUint64(&runOperations, 0)
	atomic.StoreUint64(&injections, 0)
	atomic.StoreUint64(&delegations, 0)
	for i := range exitCounts {
		atomic.StoreUint64(&exitCounts[i], 0)
	}
	atomic.StoreUint64(&totalVMCreateTime, 0)
	atomic.StoreUint64(&totalRunTime, 0)
	atomic.StoreUint64(&resourceErrors, 0)
	atomic.StoreUint64(&fatalShutdowns, 0)
	atomic.StoreUint64(&deviceFailures, 0)
	atomic.StoreUint64(&partialProbes, 0)
	atomic.StoreUint64(&fallbackProbes, 0)
}

// Internal metric recording functions
func recordVMCreate(duration time.Duration) {
	atomic.AddUint64(&vmCreateCount, 1)
	atomic.AddUint64(&totalVMCreateTime, uint64(duration.Nanoseconds()))
}

func recordVMDestroy() {
	atomic.AddUint64(&vmDestroyCount, 1)
}

func recordVCPUCreate() {
	atomic.AddUint64(&vcpuCreateCount, 1)
}

func recordVCPUDestroy() {
	atomic.AddUint64(&vcpuDestroyCount, 1)
}

func recordMapOperation() {
	atomic.AddUint64(&mapOperations, 1)
}

func recordUnmapOperation() {
	atomic.AddUint64(&unmapOperations, 1)
}

func recordRegisterSync() {
	atomic.AddUint64(&registerSyncs, 1)
}

func recordRun(duration time.Duration) {
	atomic.AddUint64(&runOperations, 1)
	atomic.AddUint64(&totalRunTime, uint64(duration.Nanoseconds()))
}

func recordInjection() {
	atomic.AddUint64(&injections, 1)
}

func recordDelegation() {
	atomic.AddUint64(&delegations, 1)
}

func recordExit(c ExitClass) {
	if c >= 0 && c < numExitClasses {
		atomic.AddUint64(&exitCounts[c], 1)
	}
}

func recordResourceError() {
	atomic.AddUint64(&resourceErrors, 1)
}

func recordFatalShutdown() {
	atomic.AddUint64(&fatalShutdowns, 1)
}

func recordDeviceFailure() {
	atomic.AddUint64(&deviceFailures, 1)
}

func recordPartialProbe() {
	atomic.AddUint64(&partialProbes, 1)
}

func recordFallback() {
	atomic.AddUint64(&fallbackProbes, 1)
}

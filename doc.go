// Package hvaccel runs AArch64 guests on a host hardware virtualization
// primitive.
//
// A Machine owns one guest: the capability set negotiated with the host, the
// guest physical address space, one VCPU per guest CPU and the exit
// dispatcher that turns every guest exit into exactly one Action. Host
// primitives live under hv/: Apple Hypervisor.framework (hv/hvf), Linux KVM
// (hv/kvm) and a portable interpreter (hv/soft) used when neither is
// available.
//
// # Requirements
//
//   - macOS on Apple Silicon with the com.apple.security.hypervisor
//     entitlement, or
//   - Linux on arm64 with read/write access to /dev/kvm, or
//   - any platform, through the interpreter
//
// # Basic Usage
//
// Describe the machine, register its devices and run it until it halts:
//
//	cfg, err := hvaccel.LoadConfig("machine.json")
//	if err != nil {
//		log.Fatal(err)
//	}
//	uart := pl011.New(os.Stdout)
//	m, err := hvaccel.Initialize(cfg, hvaccel.WithDevice("pl011", uart))
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer m.Teardown()
//
//	reason := m.RunUntilHalt(ctx)
//	fmt.Println("guest stopped:", reason)
//
// A machine description names the accelerator ("auto", "hvf", "kvm" or
// "soft"), the CPU count and features, the guest memory map and the boot
// register state:
//
//	{
//		"accelerator": "auto",
//		"cpu": {"count": 2, "psci_boot": true},
//		"memory": [
//			{"name": "ram", "base": "0x40000000", "size": "0x8000000", "kind": "ram", "image": "Image"},
//			{"name": "uart", "base": "0x09000000", "size": "0x1000", "kind": "mmio", "device": "pl011"}
//		],
//		"boot": {"entry": "0x40000000", "registers": {"x0": "0x48000000"}}
//	}
//
// # Exits
//
// Every exit is classified by the Dispatcher without touching host state.
// PSCI calls over HVC or SMC are served locally (CPU_ON, CPU_OFF,
// AFFINITY_INFO, SYSTEM_OFF, SYSTEM_RESET, FEATURES). Data aborts inside an
// MMIO region are decoded from the syndrome and delegated to the region's
// Device; the loaded value is written back to the destination register with
// the access's sign and width. Aborts outside any region, undefined
// instructions and unmodeled system registers become exceptions injected
// into the guest. Exits nothing accepts stop the machine with a
// ShutdownFatal reason carrying an *ExitClassificationError.
//
// # Changing the memory map
//
// Regions can only be mapped or unmapped while no vCPU executes guest code:
// before RunUntilHalt, or between Pause and Resume.
//
//	if err := m.Pause(ctx); err != nil {
//		return err
//	}
//	err := m.MapRegion(hvaccel.MemoryRegion{Name: "hotplug", Base: 0x8000_0000, Size: 1 << 20, Kind: hvaccel.RegionRAM, Perm: hv.ValidPerms})
//	m.Resume()
//
// # Error Handling
//
// Errors wrap the sentinels in errors.go (ErrMissingFeature, ErrOverlap,
// ErrNotMapped, ErrInvalidState and so on) and carry context in typed
// errors: *CapabilityError, *MappingError, *StateError,
// *ExitClassificationError and *DeviceDelegationError. Match them with
// errors.Is and errors.As.
//
// # Logging and Metrics
//
// The package logs through go.uber.org/zap. Pass a logger with WithLogger or
// set the package default with SetLogger; nothing is logged otherwise.
// GetMetrics returns process wide counters for VM and vCPU lifecycles, exits
// per class, injections, device delegations and failures.
package hvaccel

package hvaccel

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/blacktop/go-hvaccel/arm64"
	"github.com/blacktop/go-hvaccel/hv"
	"github.com/blacktop/go-hvaccel/hv/soft"
	"github.com/blacktop/go-hvaccel/internal/asm"
)

// guestPowerOff is the guest sequence for PSCI SYSTEM_OFF.
func guestPowerOff() []uint32 {
	return append(asm.MOV64(asm.X0, arm64.PSCISystemOff), asm.HVC(0))
}

func TestMissingCapabilityFaults(t *testing.T) {
	cfg := testConfig(1)
	cfg.CPU.Disable = []string{"crc32"}
	cfg.Boot.Registers["x1"] = 0xffff_ffff_ffff_ffff

	code := asm.Program(
		asm.MOVZ(true, asm.X2, 1, 0),
		asm.MOVZ(true, asm.X3, 2, 0),
		asm.CRC32(false, 4, asm.X4, asm.X2, asm.X3),
		guestPowerOff(),
	)
	// Synchronous exception from the current EL with SP_ELx.
	vectors := map[uint64][]byte{
		0x200: asm.Program(asm.MRS(asm.X1, arm64.SysESREL1), guestPowerOff()),
	}
	m := newTestMachine(t, cfg, code, vectors)
	if m.Capabilities().Has(arm64.FeatCRC32) {
		t.Fatal("crc32 still advertised after disabling it")
	}

	r := run(t, m)
	if r.Kind != ShutdownPowerOff {
		t.Fatalf("shutdown = %v, want PowerOff", r)
	}
	f := m.CPUs()[0].Frame()
	if syn := arm64.Syndrome(f.Get(arm64.RegX1)); syn != arm64.UndefinedSyndrome() {
		t.Errorf("guest saw ESR %s, want %s", syn, arm64.UndefinedSyndrome())
	}
	if got := f.Get(arm64.RegELREL1); got != ramBase+8 {
		t.Errorf("ELR_EL1 = 0x%x, want the CRC32 at 0x%x", got, ramBase+8)
	}
	if got := f.Get(arm64.RegX4); got != 0 {
		t.Errorf("X4 = 0x%x, CRC32 should not have executed", got)
	}
}

func TestOverlappingRegionsMapNothing(t *testing.T) {
	cfg := testConfig(1)
	cfg.Memory = []RegionConfig{
		{Name: "a", Base: 0x1000, Size: 0x1000, Kind: RegionRAM},
		{Name: "b", Base: 0x1800, Size: 0x1000, Kind: RegionRAM},
	}
	h := &countingHost{Host: soft.New()}
	m, err := Initialize(cfg, WithHosts(h))
	if err == nil {
		_ = m.Teardown()
		t.Fatal("Initialize succeeded with overlapping regions")
	}
	if !errors.Is(err, ErrOverlap) {
		t.Errorf("error = %v, want ErrOverlap", err)
	}
	var me *MappingError
	if !errors.As(err, &me) || me.Region != "b" {
		t.Errorf("error = %#v, want a *MappingError for region b", err)
	}
	if n := h.maps.Load(); n != 0 {
		t.Errorf("host saw %d Map calls, want 0", n)
	}
}

type mmioWrite struct {
	off  uint64
	size int
	data uint64
}

func TestMMIOReadLandsInDestination(t *testing.T) {
	var (
		mu     sync.Mutex
		writes []mmioWrite
	)
	dev := DeviceFunc(func(_ RegionID, off uint64, kind AccessKind, size int, data uint64) (uint64, error) {
		if kind == AccessWrite {
			mu.Lock()
			writes = append(writes, mmioWrite{off, size, data})
			mu.Unlock()
			return 0, nil
		}
		switch off {
		case 0x10:
			return 0xfedcba98, nil
		case 0x20:
			return 0x8001, nil
		}
		return 0, nil
	})

	cfg := testConfig(1)
	cfg.Memory = append(cfg.Memory, RegionConfig{Name: "dev", Base: mmioBase, Size: mmioSize, Kind: RegionMMIO, Device: "dev"})
	code := asm.Program(
		asm.MOV64(asm.X1, mmioBase),
		asm.LDR(4, asm.X2, asm.X1, 0x10),
		asm.LDRS(2, asm.X3, asm.X1, 0x20),
		asm.STR(8, asm.X2, asm.X1, 0x30),
		guestPowerOff(),
	)
	m := newTestMachine(t, cfg, code, nil, WithDevice("dev", dev))
	if r := run(t, m); r.Kind != ShutdownPowerOff {
		t.Fatalf("shutdown = %v, want PowerOff", r)
	}

	f := m.CPUs()[0].Frame()
	if got := f.Get(arm64.RegX2); got != 0xfedcba98 {
		t.Errorf("LDR W2 = 0x%x, want 0xfedcba98", got)
	}
	if got := f.Get(arm64.RegX3); got != 0xffff_ffff_ffff_8001 {
		t.Errorf("LDRSH X3 = 0x%x, want sign extended 0xffffffffffff8001", got)
	}
	want := mmioWrite{0x30, 8, 0xfedcba98}
	if len(writes) != 1 || writes[0] != want {
		t.Errorf("device writes = %+v, want [%+v]", writes, want)
	}
}

func TestDeviceFailureRaisesAbort(t *testing.T) {
	dev := DeviceFunc(func(RegionID, uint64, AccessKind, int, uint64) (uint64, error) {
		return 0, errors.New("wedged")
	})
	cfg := testConfig(1)
	cfg.Memory = append(cfg.Memory, RegionConfig{Name: "dev", Base: mmioBase, Size: mmioSize, Kind: RegionMMIO, Device: "dev"})
	code := asm.Program(
		asm.MOV64(asm.X9, mmioBase),
		asm.LDR(4, asm.X2, asm.X9, 0x10),
		guestPowerOff(),
	)
	vectors := map[uint64][]byte{
		0x200: asm.Program(
			asm.MRS(asm.X1, arm64.SysESREL1),
			asm.MRS(asm.X2, arm64.SysFAREL1),
			guestPowerOff(),
		),
	}
	m := newTestMachine(t, cfg, code, vectors, WithDevice("dev", dev))
	if r := run(t, m); r.Kind != ShutdownPowerOff {
		t.Fatalf("shutdown = %v, want PowerOff", r)
	}
	f := m.CPUs()[0].Frame()
	if ec := arm64.Syndrome(f.Get(arm64.RegX1)).EC(); ec != arm64.ECDataAbortSameEL {
		t.Errorf("guest saw EC %s, want %s", ec, arm64.ECDataAbortSameEL)
	}
	if got := f.Get(arm64.RegX2); got != mmioBase+0x10 {
		t.Errorf("FAR_EL1 = 0x%x, want 0x%x", got, mmioBase+0x10)
	}
}

func TestPSCICalls(t *testing.T) {
	call := func(fid, arg uint64, smc bool, dst uint32) []uint32 {
		seq := asm.MOV64(asm.X0, fid)
		seq = append(seq, asm.MOV64(asm.X1, arg)...)
		if smc {
			seq = append(seq, asm.SMC(0))
		} else {
			seq = append(seq, asm.HVC(0))
		}
		return append(seq, asm.ADD(true, dst, asm.X0, asm.ZR))
	}
	code := asm.Program(
		call(arm64.PSCIVersion, 0, true, asm.X5),
		call(arm64.PSCIFeatures, arm64.PSCICPUOn64, false, asm.X6),
		call(arm64.PSCIFeatures, 0x12345, false, asm.X7),
		call(arm64.PSCIAffinityInfo64, arm64.MPIDRForIndex(0), false, asm.X8),
		call(arm64.PSCIAffinityInfo64, arm64.MPIDRForIndex(7), false, asm.X9),
		call(0x8400_00ff, 0, false, asm.X10),
		guestPowerOff(),
	)
	m := newTestMachine(t, testConfig(1), code, nil)
	if r := run(t, m); r.Kind != ShutdownPowerOff {
		t.Fatalf("shutdown = %v, want PowerOff", r)
	}
	f := m.CPUs()[0].Frame()
	tests := []struct {
		name string
		reg  arm64.Reg
		want uint64
	}{
		{"version over smc", arm64.RegX5, arm64.PSCIVersion1_1},
		{"features cpu_on", arm64.RegX6, arm64.PSCIReturn(arm64.PSCISuccess)},
		{"features unknown", arm64.RegX7, arm64.PSCIReturn(arm64.PSCINotSupported)},
		{"affinity self", arm64.RegX8, arm64.PSCIReturn(arm64.PSCIAffinityOn)},
		{"affinity missing cpu", arm64.RegX9, arm64.PSCIReturn(arm64.PSCIInvalidParams)},
		{"unknown function", arm64.RegX10, arm64.PSCIReturn(arm64.PSCINotSupported)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := f.Get(tt.reg); got != tt.want {
				t.Errorf("%s = 0x%x, want 0x%x", tt.reg, got, tt.want)
			}
		})
	}
}

func TestPSCIBootSecondary(t *testing.T) {
	const (
		secondary = ramBase + 0x1000
		mailbox   = ramBase + 0x2000
	)
	cfg := testConfig(2)
	cfg.CPU.PSCIBoot = true

	primary := asm.Program(
		asm.MOV64(asm.X0, arm64.PSCICPUOn64),
		asm.MOV64(asm.X1, arm64.MPIDRForIndex(1)),
		asm.MOV64(asm.X2, secondary),
		asm.MOV64(asm.X3, 0x77),
		asm.HVC(0),
		asm.MOV64(asm.X9, mailbox),
		asm.STR(8, asm.X0, asm.X9, 8),
		asm.MOV64(asm.X0, arm64.PSCICPUOff),
		asm.HVC(0),
	)
	m := newTestMachine(t, cfg, primary, nil)
	code2 := asm.Program(
		asm.MOV64(asm.X9, mailbox),
		asm.STR(8, asm.X0, asm.X9, 0),
		guestPowerOff(),
	)
	if _, err := m.AddressSpace().WriteAt(code2, secondary); err != nil {
		t.Fatalf("load secondary: %v", err)
	}

	r := run(t, m)
	if r.Kind != ShutdownPowerOff || r.CPU != 1 {
		t.Fatalf("shutdown = %v, want PowerOff from cpu1", r)
	}
	var box [16]byte
	if _, err := m.AddressSpace().ReadAt(box[:], mailbox); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if ctx := binary.LittleEndian.Uint64(box[0:]); ctx != 0x77 {
		t.Errorf("secondary context id = 0x%x, want 0x77", ctx)
	}
	if st := binary.LittleEndian.Uint64(box[8:]); st != arm64.PSCIReturn(arm64.PSCISuccess) {
		t.Errorf("CPU_ON status = 0x%x, want success", st)
	}
}

func TestAllCPUsOff(t *testing.T) {
	code := asm.Program(asm.MOV64(asm.X0, arm64.PSCICPUOff), asm.HVC(0))
	m := newTestMachine(t, testConfig(1), code, nil)
	if r := run(t, m); r.Kind != ShutdownAllCPUsOff {
		t.Fatalf("shutdown = %v, want AllCPUsOff", r)
	}
}

func TestBreakpointHalts(t *testing.T) {
	cfg := testConfig(1)
	cfg.Debug.TrapBreakpoints = true
	m := newTestMachine(t, cfg, asm.Program(asm.NOP, asm.BRK(0)), nil)
	r := run(t, m)
	if r.Kind != ShutdownBreakpoint || r.CPU != 0 {
		t.Fatalf("shutdown = %v, want Breakpoint from cpu0", r)
	}
	f := m.CPUs()[0].Frame()
	if pc := f.Get(arm64.RegPC); pc != ramBase+4 {
		t.Errorf("PC = 0x%x, want the BRK at 0x%x", pc, ramBase+4)
	}
}

func TestExternalShutdown(t *testing.T) {
	m := newTestMachine(t, testConfig(2), asm.Program(asm.B(0)), nil)
	go func() {
		time.Sleep(20 * time.Millisecond)
		m.RequestShutdown(ShutdownReason{Kind: ShutdownExternal, CPU: -1})
	}()
	r := run(t, m)
	if r.Kind != ShutdownExternal {
		t.Fatalf("shutdown = %v, want External", r)
	}
	if m.State() != MachineTerminated {
		t.Errorf("machine state = %s, want Terminated", m.State())
	}
	for _, v := range m.CPUs() {
		if v.State() != VCPUDestroyed {
			t.Errorf("cpu%d state = %s, want Destroyed", v.Index(), v.State())
		}
	}
}

func TestContextCancelStopsMachine(t *testing.T) {
	m := newTestMachine(t, testConfig(1), asm.Program(asm.B(0)), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	r := m.RunUntilHalt(ctx)
	if r.Kind != ShutdownContextDone || !errors.Is(r.Err, context.DeadlineExceeded) {
		t.Fatalf("shutdown = %v, want ContextDone", r)
	}
	if r := m.RunUntilHalt(context.Background()); r.Kind != ShutdownFatal || !errors.Is(r.Err, ErrInvalidState) {
		t.Errorf("second RunUntilHalt = %v, want a state error", r)
	}
}

func TestPauseAllowsRegionChanges(t *testing.T) {
	m := newTestMachine(t, testConfig(2), asm.Program(asm.B(0)), nil)
	extra := MemoryRegion{Name: "hotplug", Base: 0x6000_0000, Size: 0x10000, Perm: hv.ValidPerms, Kind: RegionRAM}

	done := make(chan ShutdownReason, 1)
	go func() { done <- m.RunUntilHalt(context.Background()) }()
	deadline := time.Now().Add(5 * time.Second)
	for m.State() != MachineRunning {
		if time.Now().After(deadline) {
			t.Fatal("machine never started")
		}
		time.Sleep(time.Millisecond)
	}

	if err := m.MapRegion(extra); !errors.Is(err, ErrInvalidState) {
		t.Errorf("MapRegion while running = %v, want ErrInvalidState", err)
	}
	if err := m.Teardown(); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Teardown while running = %v, want ErrInvalidState", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.Pause(ctx); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	for _, v := range m.CPUs() {
		if v.State() == VCPURunning {
			t.Errorf("cpu%d still in the guest while paused", v.Index())
		}
	}
	if err := m.MapRegion(extra); err != nil {
		t.Fatalf("MapRegion while paused: %v", err)
	}
	if _, ok := m.AddressSpace().Translate(extra.Base + 0x100); !ok {
		t.Error("hot-plugged region does not translate")
	}
	if err := m.UnmapRegion(extra.Base, extra.Size); err != nil {
		t.Errorf("UnmapRegion while paused: %v", err)
	}
	if err := m.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if err := m.Resume(); !errors.Is(err, ErrInvalidState) {
		t.Errorf("second Resume = %v, want ErrInvalidState", err)
	}

	m.RequestShutdown(ShutdownReason{Kind: ShutdownExternal, CPU: -1})
	select {
	case r := <-done:
		if r.Kind != ShutdownExternal {
			t.Errorf("shutdown = %v, want External", r)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("machine did not stop")
	}
}

func TestPauseWaitsForEveryVCPU(t *testing.T) {
	var hold atomic.Bool
	hold.Store(true)
	m := newTestMachine(t, testConfig(1), asm.Program(asm.B(0)), nil,
		WithHosts(stubbornHost{Host: soft.New(), hold: &hold}))
	extra := MemoryRegion{Name: "hotplug", Base: 0x6000_0000, Size: 0x10000, Perm: hv.ValidPerms, Kind: RegionRAM}

	done := make(chan ShutdownReason, 1)
	go func() { done <- m.RunUntilHalt(context.Background()) }()
	deadline := time.Now().Add(5 * time.Second)
	for m.CPUs()[0].State() != VCPURunning {
		if time.Now().After(deadline) {
			t.Fatal("vcpu never entered the guest")
		}
		time.Sleep(time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	paused := make(chan error, 1)
	go func() { paused <- m.Pause(ctx) }()

	time.Sleep(10 * DefaultKickInterval)
	select {
	case err := <-paused:
		t.Fatalf("Pause returned %v while a vcpu was still in the guest", err)
	default:
	}
	if s := m.State(); s != MachineRunning {
		t.Errorf("state = %s before every vcpu stopped, want Running", s)
	}
	if err := m.MapRegion(extra); !errors.Is(err, ErrInvalidState) {
		t.Errorf("MapRegion while pausing = %v, want ErrInvalidState", err)
	}

	hold.Store(false)
	if err := <-paused; err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if s := m.State(); s != MachinePaused {
		t.Errorf("state = %s, want Paused", s)
	}
	if err := m.MapRegion(extra); err != nil {
		t.Errorf("MapRegion while paused: %v", err)
	}
	if err := m.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}

	m.RequestShutdown(ShutdownReason{Kind: ShutdownExternal, CPU: -1})
	select {
	case r := <-done:
		if r.Kind != ShutdownExternal {
			t.Errorf("shutdown = %v, want External", r)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("machine did not stop")
	}
}

func TestFallbackToInterpreter(t *testing.T) {
	m, err := Initialize(testConfig(1), WithHosts(unsupportedHost{}, soft.New()))
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	defer m.Teardown()
	if b := m.Capabilities().Backend(); b != soft.Name {
		t.Errorf("backend = %s, want %s", b, soft.Name)
	}

	if _, err := Initialize(testConfig(1), WithHosts(unsupportedHost{})); !errors.Is(err, ErrHostUnsupported) {
		t.Errorf("Initialize with no usable host = %v, want ErrHostUnsupported", err)
	}
}

func TestInitializeRejectsMissingFeature(t *testing.T) {
	cfg := testConfig(1)
	cfg.CPU.Require = []string{"sve"}
	_, err := Initialize(cfg, WithHosts(soft.New()))
	var ce *CapabilityError
	if !errors.As(err, &ce) || !errors.Is(err, ErrMissingFeature) {
		t.Fatalf("Initialize = %v, want a missing feature error", err)
	}
}

func TestTeardownIdempotent(t *testing.T) {
	m, err := Initialize(testConfig(1), WithHosts(soft.New()))
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	for i := range 2 {
		if err := m.Teardown(); err != nil {
			t.Errorf("Teardown #%d: %v", i+1, err)
		}
	}
	if m.State() != MachineTerminated {
		t.Errorf("state = %s, want Terminated", m.State())
	}
}

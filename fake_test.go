package hvaccel

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/blacktop/go-hvaccel/arm64"
	"github.com/blacktop/go-hvaccel/hv"
	"github.com/blacktop/go-hvaccel/hv/soft"
)

const (
	ramBase  = 0x4000_0000
	ramSize  = 0x10000
	vbarOff  = 0x8000
	mmioBase = 0x5000_0000
	mmioSize = 0x1000
)

// countingHost wraps a host and counts Map calls on its VMs.
type countingHost struct {
	hv.Host
	maps atomic.Int32
}

func (h *countingHost) NewVM(cfg hv.VMConfig) (hv.VM, error) {
	vm, err := h.Host.NewVM(cfg)
	if err != nil {
		return nil, err
	}
	return &countingVM{VM: vm, maps: &h.maps}, nil
}

type countingVM struct {
	hv.VM
	maps *atomic.Int32
}

func (v *countingVM) Map(host []byte, gpa uint64, perm hv.MemPerm) error {
	v.maps.Add(1)
	return v.VM.Map(host, gpa, perm)
}

// stubbornHost runs guests on the interpreter but drops vCPU cancels
// while hold is set, so a vCPU stays in the guest until released.
type stubbornHost struct {
	hv.Host
	hold *atomic.Bool
}

func (h stubbornHost) NewVM(cfg hv.VMConfig) (hv.VM, error) {
	vm, err := h.Host.NewVM(cfg)
	if err != nil {
		return nil, err
	}
	return stubbornVM{VM: vm, hold: h.hold}, nil
}

type stubbornVM struct {
	hv.VM
	hold *atomic.Bool
}

func (v stubbornVM) NewVCPU(cfg hv.VCPUConfig) (hv.VCPU, error) {
	c, err := v.VM.NewVCPU(cfg)
	if err != nil {
		return nil, err
	}
	return &stubbornVCPU{VCPU: c, hold: v.hold}, nil
}

type stubbornVCPU struct {
	hv.VCPU
	hold *atomic.Bool
}

func (c *stubbornVCPU) Cancel() error {
	if c.hold.Load() {
		return nil
	}
	return c.VCPU.Cancel()
}

// unsupportedHost is a primitive that is never usable.
type unsupportedHost struct{}

func (unsupportedHost) Name() string { return "none" }

func (unsupportedHost) Probe() (hv.HostInfo, error) {
	return hv.HostInfo{}, fmt.Errorf("none: not here: %w", hv.ErrHostUnsupported)
}

func (unsupportedHost) NewVM(hv.VMConfig) (hv.VM, error) {
	return nil, hv.ErrHostUnsupported
}

// infoHost reports a fixed HostInfo and runs guests on the interpreter.
type infoHost struct {
	info hv.HostInfo
}

func (h infoHost) Name() string                { return h.info.Name }
func (h infoHost) Probe() (hv.HostInfo, error) { return h.info, nil }

func (h infoHost) NewVM(cfg hv.VMConfig) (hv.VM, error) { return soft.New().NewVM(cfg) }

// testConfig is one CPU with a RAM region at ramBase and VBAR_EL1 pointing
// into it.
func testConfig(cpus int) Config {
	return Config{
		Accelerator: "soft",
		CPU:         CPUConfig{Count: cpus},
		Memory: []RegionConfig{
			{Name: "ram", Base: ramBase, Size: ramSize, Kind: RegionRAM},
		},
		Boot: BootConfig{
			Entry:     ramBase,
			Registers: map[string]HexUint64{"vbar_el1": ramBase + vbarOff},
		},
	}
}

// newTestMachine initializes cfg on the interpreter and loads code at the
// entry point and each vector program at VBAR+offset.
func newTestMachine(t *testing.T, cfg Config, code []byte, vectors map[uint64][]byte, opts ...Option) *Machine {
	t.Helper()
	opts = append([]Option{WithHosts(soft.New())}, opts...)
	m, err := Initialize(cfg, opts...)
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	t.Cleanup(func() {
		if err := m.Teardown(); err != nil {
			t.Errorf("Teardown: %v", err)
		}
	})
	if _, err := m.AddressSpace().WriteAt(code, ramBase); err != nil {
		t.Fatalf("load code: %v", err)
	}
	for off, prog := range vectors {
		if _, err := m.AddressSpace().WriteAt(prog, ramBase+vbarOff+off); err != nil {
			t.Fatalf("load vector 0x%x: %v", off, err)
		}
	}
	return m
}

// run runs m with a deadline so a wedged guest fails instead of hanging.
func run(t *testing.T, m *Machine) ShutdownReason {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	r := m.RunUntilHalt(ctx)
	if r.Kind == ShutdownContextDone {
		t.Fatalf("guest did not halt: %v", r)
	}
	return r
}

// newTestVCPU creates a standalone vCPU on an interpreter VM with one RAM
// page holding code.
func newTestVCPU(t *testing.T, code []byte) (*VCPU, *AddressSpace) {
	t.Helper()
	h := soft.New()
	caps, err := Probe(h, CPUConfig{})
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	vm, err := h.NewVM(hv.VMConfig{IPABits: caps.IPABits(), VCPUs: 1})
	if err != nil {
		t.Fatalf("NewVM: %v", err)
	}
	as := NewAddressSpace(vm, caps, nil)
	if err := as.Map(MemoryRegion{Name: "ram", Base: ramBase, Size: ramSize, Perm: hv.ValidPerms, Kind: RegionRAM}); err != nil {
		t.Fatalf("Map: %v", err)
	}
	if _, err := as.WriteAt(code, ramBase); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	v, err := newVCPU(vm, hv.VCPUConfig{Index: 0, MPIDR: arm64.MPIDRForIndex(0), Features: caps.Features(), IDRegs: caps.IDRegs()}, caps, nil)
	if err != nil {
		t.Fatalf("newVCPU: %v", err)
	}
	f := v.Frame()
	arm64.Reset(&f, ramBase)
	f.Set(arm64.RegVBAREL1, ramBase+vbarOff)
	if err := v.SetFrame(f); err != nil {
		t.Fatalf("SetFrame: %v", err)
	}
	t.Cleanup(func() {
		if v.State() != VCPUDestroyed {
			v.Kill()
			_ = v.Destroy()
		}
		_ = as.Close()
		_ = vm.Close()
	})
	return v, as
}

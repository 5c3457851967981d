package hvaccel

import (
	"bytes"
	"errors"
	"testing"

	"github.com/blacktop/go-hvaccel/hv"
)

// refusingVM accepts the first ok Map calls and then runs out of slots.
type refusingVM struct {
	hv.VM
	ok     int
	mapped map[uint64]bool
}

func (v *refusingVM) Map(host []byte, gpa uint64, perm hv.MemPerm) error {
	if v.ok == 0 {
		return hv.ErrResourceExhausted
	}
	v.ok--
	v.mapped[gpa] = true
	return nil
}

func (v *refusingVM) Unmap(gpa, size uint64) error {
	delete(v.mapped, gpa)
	return nil
}

func newTestAddressSpace(t *testing.T, vm hv.VM) *AddressSpace {
	t.Helper()
	as := NewAddressSpace(vm, CapabilitySet{granule: 0x1000, ipaBits: 36}, nil)
	t.Cleanup(func() { _ = as.Close() })
	return as
}

func TestTranslate(t *testing.T) {
	as := newTestAddressSpace(t, nil)
	if err := as.MapAll([]MemoryRegion{
		{Name: "ram", Base: 0x8000, Size: 0x4000, Perm: hv.ValidPerms, Kind: RegionRAM},
		{Name: "rom", Base: 0x1000, Size: 0x1000, Perm: hv.MemRead | hv.MemExec, Kind: RegionROM},
		{Name: "hole", Base: 0x2000, Size: 0x1000, Kind: RegionUnmapped},
	}); err != nil {
		t.Fatalf("MapAll: %v", err)
	}

	a, ok := as.Translate(0x9004)
	if !ok || a.Region.Name != "ram" || a.Offset != 0x1004 {
		t.Fatalf("Translate(0x9004) = %+v, %v", a, ok)
	}
	b, _ := as.Translate(0x9004)
	if a.Addr != b.Addr {
		t.Errorf("translation moved: 0x%x then 0x%x", a.Addr, b.Addr)
	}

	for _, gpa := range []uint64{0, 0x2000, 0x2fff, 0x7fff, 0xc000, 1 << 40} {
		if _, ok := as.Translate(gpa); ok {
			t.Errorf("Translate(0x%x) succeeded outside RAM and ROM", gpa)
		}
	}
	if r, ok := as.Lookup(0x2800); !ok || r.Kind != RegionUnmapped {
		t.Errorf("Lookup(0x2800) = %v, %v; want the reserved hole", r, ok)
	}

	regs := as.Regions()
	if len(regs) != 3 || regs[0].Name != "rom" || regs[2].Name != "ram" {
		t.Errorf("regions not sorted by base: %v", regs)
	}

	rom, _ := as.Lookup(0x1000)
	if rom.Allows(true, false) || !rom.Allows(false, true) {
		t.Errorf("rom permissions = %s", rom.Perm)
	}
}

func TestReadWrite(t *testing.T) {
	as := newTestAddressSpace(t, nil)
	if err := as.Map(MemoryRegion{Name: "ram", Base: 0x4000, Size: 0x1000, Perm: hv.ValidPerms, Kind: RegionRAM}); err != nil {
		t.Fatalf("Map: %v", err)
	}
	want := []byte("guest memory")
	if _, err := as.WriteAt(want, 0x4ff0); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	got := make([]byte, len(want))
	if _, err := as.ReadAt(got, 0x4ff0); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("ReadAt = %q, want %q", got, want)
	}
	if _, err := as.WriteAt(make([]byte, 0x20), 0x4ff0); !errors.Is(err, ErrNotMapped) {
		t.Errorf("write across the region end = %v, want ErrNotMapped", err)
	}
	if _, err := as.ReadAt(got, 0x100); !errors.Is(err, ErrNotMapped) {
		t.Errorf("read of unmapped memory = %v, want ErrNotMapped", err)
	}
}

func TestMapErrorsLeaveStateUnchanged(t *testing.T) {
	dev := DeviceFunc(func(RegionID, uint64, AccessKind, int, uint64) (uint64, error) { return 0, nil })
	tests := []struct {
		name string
		r    MemoryRegion
		want error
	}{
		{"overlap", MemoryRegion{Name: "x", Base: 0x1800, Size: 0x1000, Kind: RegionRAM}, ErrOverlap},
		{"misaligned base", MemoryRegion{Name: "x", Base: 0x4800, Size: 0x1000, Kind: RegionRAM}, ErrMisaligned},
		{"misaligned size", MemoryRegion{Name: "x", Base: 0x4000, Size: 0x800, Kind: RegionRAM}, ErrMisaligned},
		{"empty", MemoryRegion{Name: "x", Base: 0x4000, Kind: RegionRAM}, ErrBadRegion},
		{"wraps", MemoryRegion{Name: "x", Base: ^uint64(0) &^ 0xfff, Size: 0x2000, Kind: RegionRAM}, ErrBadRegion},
		{"beyond ipa", MemoryRegion{Name: "x", Base: 1 << 36, Size: 0x1000, Kind: RegionRAM}, ErrBadRegion},
		{"bad perms", MemoryRegion{Name: "x", Base: 0x4000, Size: 0x1000, Perm: 0x80, Kind: RegionRAM}, ErrBadRegion},
		{"mmio without device", MemoryRegion{Name: "x", Base: 0x4000, Size: 0x100, Kind: RegionMMIO}, ErrBadRegion},
		{"mmio overlapping ram", MemoryRegion{Name: "x", Base: 0x1f00, Size: 0x100, Kind: RegionMMIO, Device: dev}, ErrOverlap},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			as := newTestAddressSpace(t, nil)
			if err := as.Map(MemoryRegion{Name: "ram", Base: 0x1000, Size: 0x1000, Perm: hv.ValidPerms, Kind: RegionRAM}); err != nil {
				t.Fatalf("Map: %v", err)
			}
			before := as.Regions()
			err := as.Map(tt.r)
			if !errors.Is(err, tt.want) {
				t.Fatalf("Map = %v, want %v", err, tt.want)
			}
			var me *MappingError
			if !errors.As(err, &me) || me.Region != "x" {
				t.Errorf("error = %v, want a MappingError for x", err)
			}
			if after := as.Regions(); len(after) != len(before) {
				t.Errorf("regions changed on failure: %v", after)
			}
		})
	}
}

func TestMapAllRollsBack(t *testing.T) {
	vm := &refusingVM{ok: 1, mapped: map[uint64]bool{}}
	as := newTestAddressSpace(t, vm)
	err := as.MapAll([]MemoryRegion{
		{Name: "a", Base: 0x1000, Size: 0x1000, Perm: hv.ValidPerms, Kind: RegionRAM},
		{Name: "b", Base: 0x3000, Size: 0x1000, Perm: hv.ValidPerms, Kind: RegionRAM},
	})
	if !errors.Is(err, hv.ErrResourceExhausted) {
		t.Fatalf("MapAll = %v, want ErrResourceExhausted", err)
	}
	if len(vm.mapped) != 0 {
		t.Errorf("host mappings left behind: %v", vm.mapped)
	}
	if n := len(as.Regions()); n != 0 {
		t.Errorf("%d regions recorded after a failed MapAll", n)
	}
}

func TestUnmap(t *testing.T) {
	as := newTestAddressSpace(t, nil)
	if err := as.Map(MemoryRegion{Name: "ram", Base: 0x1000, Size: 0x2000, Perm: hv.ValidPerms, Kind: RegionRAM}); err != nil {
		t.Fatalf("Map: %v", err)
	}
	if err := as.Unmap(0x1000, 0x1000); !errors.Is(err, ErrNotMapped) {
		t.Errorf("Unmap of a partial range = %v, want ErrNotMapped", err)
	}
	if err := as.Unmap(0x1000, 0x2000); err != nil {
		t.Fatalf("Unmap: %v", err)
	}
	if _, ok := as.Translate(0x1000); ok {
		t.Error("address still translates after Unmap")
	}
	if err := as.Unmap(0x1000, 0x2000); !errors.Is(err, ErrNotMapped) {
		t.Errorf("second Unmap = %v, want ErrNotMapped", err)
	}
	if err := as.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := as.Map(MemoryRegion{Name: "late", Base: 0x1000, Size: 0x1000, Kind: RegionRAM}); !errors.Is(err, hv.ErrClosed) {
		t.Errorf("Map after Close = %v, want ErrClosed", err)
	}
}

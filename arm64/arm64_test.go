package arm64

import (
	"testing"
)

type mapFile map[Reg]uint64

func (m mapFile) Get(r Reg) uint64    { return m[r] }
func (m mapFile) Set(r Reg, v uint64) { m[r] = v }

func TestRegNames(t *testing.T) {
	tests := []struct {
		name string
		want Reg
	}{
		{"x0", RegX0},
		{"X17", RegX17},
		{"x29", RegFP},
		{"fp", RegFP},
		{"LR", RegLR},
		{"sp", RegSP},
		{"pc", RegPC},
		{"pstate", RegCPSR},
		{"vbar_el1", RegVBAREL1},
		{"xzr", RegXZR},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseReg(tt.name)
			if err != nil {
				t.Fatalf("ParseReg(%q) error: %v", tt.name, err)
			}
			if got != tt.want {
				t.Errorf("ParseReg(%q) = %v, want %v", tt.name, got, tt.want)
			}
		})
	}
	if _, err := ParseReg("q0"); err == nil {
		t.Error("ParseReg(q0) should fail")
	}
	if RegX3.String() != "X3" || RegSPEL1.String() != "SP_EL1" || RegXZR.String() != "XZR" {
		t.Errorf("unexpected names: %v %v %v", RegX3, RegSPEL1, RegXZR)
	}
}

func TestSysRegKeyRoundTrip(t *testing.T) {
	for r := RegX0; r < NumRegs; r++ {
		s, ok := SysRegOf(r)
		if !ok {
			continue
		}
		if got := SysRegFromKey(s.Key()); got != s {
			t.Errorf("%v: SysRegFromKey(Key()) = %v, want %v", r, got, s)
		}
		back, ok := RegOfSysReg(s)
		if !ok || back != r {
			t.Errorf("RegOfSysReg(%v) = %v,%v want %v", s, back, ok, r)
		}
	}
}

func TestDecodeDataAbort(t *testing.T) {
	// ldr w1, [x0] trapped at stage 2: ISV, SAS=2, SRT=1, SF=0, read, DFSC=translation L3
	esr := Syndrome(0x93810007)
	if esr.EC() != ECDataAbortLowerEL {
		t.Fatalf("EC = %v, want DataAbortLowerEL", esr.EC())
	}
	d := DecodeDataAbort(esr)
	if !d.Valid || d.Size != 4 || d.Reg != RegX1 || d.Write || d.Wide || d.FSC != FSCTranslationL3 {
		t.Errorf("DecodeDataAbort = %+v", d)
	}

	tests := []DataAbort{
		{Valid: true, Size: 8, Reg: RegX5, Wide: true, Write: true, FSC: FSCTranslationL3},
		{Valid: true, Size: 1, Reg: RegXZR, FSC: FSCTranslationL0},
		{Valid: true, Size: 2, SignExtend: true, Reg: RegLR, Wide: true, FSC: FSCPermissionL3},
		{Valid: false, Write: true, FSC: FSCSyncExternalAbort},
	}
	for _, want := range tests {
		got := DecodeDataAbort(NewSyndrome(ECDataAbortLowerEL, want.Encode()))
		if got != want {
			t.Errorf("round trip: got %+v, want %+v", got, want)
		}
	}
}

func TestDecodeSysRegAccess(t *testing.T) {
	want := SysRegAccess{Reg: SysOSLAREL1, Rt: RegX3, Read: false}
	got := DecodeSysRegAccess(NewSyndrome(ECSysReg, want.Encode()))
	if got != want {
		t.Errorf("DecodeSysRegAccess = %+v, want %+v", got, want)
	}
	want = SysRegAccess{Reg: SysMIDREL1, Rt: RegXZR, Read: true}
	if got := DecodeSysRegAccess(NewSyndrome(ECSysReg, want.Encode())); got != want {
		t.Errorf("DecodeSysRegAccess = %+v, want %+v", got, want)
	}
}

func TestVectorOffset(t *testing.T) {
	tests := []struct {
		name   string
		kind   ExceptionKind
		pstate uint64
		want   uint64
	}{
		{"sync from EL1h", ExceptionSync, PSTATEModeEL1h, 0x200},
		{"irq from EL1h", ExceptionIRQ, PSTATEModeEL1h, 0x280},
		{"fiq from EL1t", ExceptionFIQ, PSTATEModeEL1t, 0x100},
		{"serror from EL0", ExceptionSError, PSTATEModeEL0t, 0x580},
		{"sync from EL0", ExceptionSync, PSTATEModeEL0t, 0x400},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := VectorOffset(tt.kind, tt.pstate)
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("VectorOffset = 0x%x, want 0x%x", got, tt.want)
			}
		})
	}
	if _, err := VectorOffset(ExceptionSync, PSTATEnRW); err != ErrAArch32 {
		t.Errorf("AArch32 entry err = %v, want ErrAArch32", err)
	}
}

func TestEnterException(t *testing.T) {
	rf := mapFile{
		RegPC:      0x1004,
		RegCPSR:    PSTATEModeEL1h | PSTATEZ,
		RegVBAREL1: 0x8000,
	}
	syn := UndefinedSyndrome()
	if err := EnterException(rf, Entry{Kind: ExceptionSync, Syndrome: syn}); err != nil {
		t.Fatal(err)
	}
	if rf[RegPC] != 0x8200 {
		t.Errorf("PC = 0x%x, want 0x8200", rf[RegPC])
	}
	if rf[RegELREL1] != 0x1004 {
		t.Errorf("ELR_EL1 = 0x%x, want 0x1004", rf[RegELREL1])
	}
	if rf[RegSPSREL1] != PSTATEModeEL1h|PSTATEZ {
		t.Errorf("SPSR_EL1 = 0x%x", rf[RegSPSREL1])
	}
	if Syndrome(rf[RegESREL1]).EC() != ECUnknown {
		t.Errorf("ESR_EL1 = 0x%x", rf[RegESREL1])
	}
	if rf[RegCPSR]&PSTATEDAIF != PSTATEDAIF || rf[RegCPSR]&PSTATEModeMask != PSTATEModeEL1h {
		t.Errorf("CPSR = 0x%x, want EL1h with DAIF masked", rf[RegCPSR])
	}

	ReturnFromException(rf)
	if rf[RegPC] != 0x1004 || rf[RegCPSR] != PSTATEModeEL1h|PSTATEZ {
		t.Errorf("after ERET PC=0x%x CPSR=0x%x", rf[RegPC], rf[RegCPSR])
	}

	if err := EnterException(rf, Entry{Kind: ExceptionReset}); err == nil {
		t.Error("reset entry should be rejected")
	}
}

func TestExceptionMasking(t *testing.T) {
	if !ExceptionIRQ.Masked(PSTATEI) || ExceptionIRQ.Masked(PSTATEF) {
		t.Error("IRQ masking follows PSTATE.I")
	}
	if !ExceptionFIQ.Masked(PSTATEF) || !ExceptionSError.Masked(PSTATEA) {
		t.Error("FIQ/SError masking follows PSTATE.F/A")
	}
	if ExceptionSync.Masked(PSTATEDAIF) {
		t.Error("synchronous exceptions are never masked")
	}
}

func TestFeaturesFromIDRegs(t *testing.T) {
	var ids IDRegs
	ids[IDAA64PFR0] = 0x11 // EL0/EL1 AArch64 only, FP and ASIMD without FP16
	ids[IDAA64ISAR0] = 0x0000000000210000 | 0x2<<4 | 0x1<<8 | 0x1<<12
	s := FeaturesFromIDRegs(ids)

	for _, f := range []Feature{FeatFP, FeatAdvSIMD, FeatCRC32, FeatAtomics, FeatAES, FeatPMULL, FeatSHA1, FeatSHA2} {
		if !s.Has(f) {
			t.Errorf("missing %v in %v", f, s)
		}
	}
	for _, f := range []Feature{FeatFP16, FeatSVE, FeatSHA512, FeatEL1AArch32} {
		if s.Has(f) {
			t.Errorf("unexpected %v in %v", f, s)
		}
	}

	masked := MaskIDRegs(ids, s.Without(FeatCRC32).Without(FeatPMULL).Without(FeatFP))
	m := FeaturesFromIDRegs(masked)
	if m.Has(FeatCRC32) || m.Has(FeatPMULL) || m.Has(FeatFP) {
		t.Errorf("masked set still advertises cleared features: %v", m)
	}
	if !m.Has(FeatAES) || !m.Has(FeatAtomics) || !m.Has(FeatAdvSIMD) {
		t.Errorf("masking removed too much: %v", m)
	}
	if !m.SubsetOf(s) {
		t.Errorf("masked %v is not a subset of %v", m, s)
	}
}

func TestParseFeature(t *testing.T) {
	for _, f := range AllFeatures() {
		got, err := ParseFeature(f.String())
		if err != nil || got != f {
			t.Errorf("ParseFeature(%q) = %v, %v", f.String(), got, err)
		}
	}
	if _, err := ParseFeature("warp-drive"); err == nil {
		t.Error("unknown feature should fail")
	}
}

func TestMPIDR(t *testing.T) {
	for _, i := range []int{0, 1, 7, 255, 300} {
		if got := MPIDRIndex(MPIDRForIndex(i)); got != i {
			t.Errorf("MPIDRIndex(MPIDRForIndex(%d)) = %d", i, got)
		}
	}
}

package arm64

import "fmt"

// SysReg is the (op0, op1, CRn, CRm, op2) encoding of a system register as
// used by MRS/MSR and by trapped system instruction syndromes.
type SysReg struct {
	Op0, Op1, CRn, CRm, Op2 uint8
}

func (s SysReg) String() string {
	return fmt.Sprintf("S%d_%d_C%d_C%d_%d", s.Op0, s.Op1, s.CRn, s.CRm, s.Op2)
}

// Key packs the encoding into the 16-bit layout used by MRS/MSR bits [20:5].
func (s SysReg) Key() uint16 {
	return uint16(s.Op0&3)<<14 | uint16(s.Op1&7)<<11 | uint16(s.CRn&0xf)<<7 | uint16(s.CRm&0xf)<<3 | uint16(s.Op2&7)
}

// SysRegFromKey is the inverse of Key.
func SysRegFromKey(k uint16) SysReg {
	return SysReg{
		Op0: uint8(k>>14) & 3,
		Op1: uint8(k>>11) & 7,
		CRn: uint8(k>>7) & 0xf,
		CRm: uint8(k>>3) & 0xf,
		Op2: uint8(k) & 7,
	}
}

var (
	SysSPEL0       = SysReg{3, 0, 4, 1, 0}
	SysSPEL1       = SysReg{3, 4, 4, 1, 0}
	SysELREL1      = SysReg{3, 0, 4, 0, 1}
	SysSPSREL1     = SysReg{3, 0, 4, 0, 0}
	SysESREL1      = SysReg{3, 0, 5, 2, 0}
	SysFAREL1      = SysReg{3, 0, 6, 0, 0}
	SysVBAREL1     = SysReg{3, 0, 12, 0, 0}
	SysSCTLREL1    = SysReg{3, 0, 1, 0, 0}
	SysTTBR0EL1    = SysReg{3, 0, 2, 0, 0}
	SysTTBR1EL1    = SysReg{3, 0, 2, 0, 1}
	SysTCREL1      = SysReg{3, 0, 2, 0, 2}
	SysMAIREL1     = SysReg{3, 0, 10, 2, 0}
	SysCPACREL1    = SysReg{3, 0, 1, 0, 2}
	SysTPIDREL0    = SysReg{3, 3, 13, 0, 2}
	SysTPIDREL1    = SysReg{3, 0, 13, 0, 4}
	SysMPIDREL1    = SysReg{3, 0, 0, 0, 5}
	SysMIDREL1     = SysReg{3, 0, 0, 0, 0}
	SysNZCV        = SysReg{3, 3, 4, 2, 0}
	SysDAIF        = SysReg{3, 3, 4, 2, 1}
	SysCurrentEL   = SysReg{3, 0, 4, 2, 2}
	SysCNTFRQEL0   = SysReg{3, 3, 14, 0, 0}
	SysCNTVCTEL0   = SysReg{3, 3, 14, 0, 2}
	SysFPCR        = SysReg{3, 3, 4, 4, 0}
	SysFPSR        = SysReg{3, 3, 4, 4, 1}
	SysOSLAREL1    = SysReg{2, 0, 1, 0, 4}
	SysOSLSREL1    = SysReg{2, 0, 1, 1, 4}
	SysOSDLREL1    = SysReg{2, 0, 1, 3, 4}
	SysMDSCREL1    = SysReg{2, 0, 0, 2, 2}
	SysMDCCINTEL1  = SysReg{2, 0, 0, 2, 0}
	SysIDAA64PFR0  = SysReg{3, 0, 0, 4, 0}
	SysIDAA64PFR1  = SysReg{3, 0, 0, 4, 1}
	SysIDAA64DFR0  = SysReg{3, 0, 0, 5, 0}
	SysIDAA64ISAR0 = SysReg{3, 0, 0, 6, 0}
	SysIDAA64ISAR1 = SysReg{3, 0, 0, 6, 1}
	SysIDAA64MMFR0 = SysReg{3, 0, 0, 7, 0}
	SysIDAA64MMFR1 = SysReg{3, 0, 0, 7, 1}
	SysIDAA64MMFR2 = SysReg{3, 0, 0, 7, 2}
)

var sysRegOf = map[Reg]SysReg{
	RegSP:       SysSPEL0,
	RegSPEL1:    SysSPEL1,
	RegELREL1:   SysELREL1,
	RegSPSREL1:  SysSPSREL1,
	RegESREL1:   SysESREL1,
	RegFAREL1:   SysFAREL1,
	RegVBAREL1:  SysVBAREL1,
	RegSCTLREL1: SysSCTLREL1,
	RegTTBR0EL1: SysTTBR0EL1,
	RegTTBR1EL1: SysTTBR1EL1,
	RegTCREL1:   SysTCREL1,
	RegMAIREL1:  SysMAIREL1,
	RegCPACREL1: SysCPACREL1,
	RegTPIDREL0: SysTPIDREL0,
	RegTPIDREL1: SysTPIDREL1,
	RegMPIDREL1: SysMPIDREL1,
}

var regOfSysKey = func() map[uint16]Reg {
	m := make(map[uint16]Reg, len(sysRegOf))
	for r, s := range sysRegOf {
		m[s.Key()] = r
	}
	return m
}()

// SysRegOf returns the system register encoding of r.
func SysRegOf(r Reg) (SysReg, bool) {
	s, ok := sysRegOf[r]
	return s, ok
}

// RegOfSysReg maps a system register encoding back to the logical model.
func RegOfSysReg(s SysReg) (Reg, bool) {
	r, ok := regOfSysKey[s.Key()]
	return r, ok
}

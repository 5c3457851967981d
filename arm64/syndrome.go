package arm64

import "fmt"

// ExceptionClass is the ESR_ELx.EC field.
type ExceptionClass uint8

const (
	ECUnknown           ExceptionClass = 0x00
	ECWFx               ExceptionClass = 0x01
	ECFPAccess          ExceptionClass = 0x07
	ECIllegalState      ExceptionClass = 0x0e
	ECSVC64             ExceptionClass = 0x15
	ECHVC64             ExceptionClass = 0x16
	ECSMC64             ExceptionClass = 0x17
	ECSysReg            ExceptionClass = 0x18
	ECSVE               ExceptionClass = 0x19
	ECInstAbortLowerEL  ExceptionClass = 0x20
	ECInstAbortSameEL   ExceptionClass = 0x21
	ECPCAlign           ExceptionClass = 0x22
	ECDataAbortLowerEL  ExceptionClass = 0x24
	ECDataAbortSameEL   ExceptionClass = 0x25
	ECSPAlign           ExceptionClass = 0x26
	ECSError            ExceptionClass = 0x2f
	ECBreakpointLowerEL ExceptionClass = 0x30
	ECSoftStepLowerEL   ExceptionClass = 0x32
	ECWatchpointLowerEL ExceptionClass = 0x34
	ECBRK64             ExceptionClass = 0x3c
)

var ecNames = map[ExceptionClass]string{
	ECUnknown:           "Unknown",
	ECWFx:               "WFx",
	ECFPAccess:          "FPAccess",
	ECIllegalState:      "IllegalState",
	ECSVC64:             "SVC64",
	ECHVC64:             "HVC64",
	ECSMC64:             "SMC64",
	ECSysReg:            "SysReg",
	ECSVE:               "SVE",
	ECInstAbortLowerEL:  "InstAbortLowerEL",
	ECInstAbortSameEL:   "InstAbortSameEL",
	ECPCAlign:           "PCAlign",
	ECDataAbortLowerEL:  "DataAbortLowerEL",
	ECDataAbortSameEL:   "DataAbortSameEL",
	ECSPAlign:           "SPAlign",
	ECSError:            "SError",
	ECBreakpointLowerEL: "BreakpointLowerEL",
	ECSoftStepLowerEL:   "SoftStepLowerEL",
	ECWatchpointLowerEL: "WatchpointLowerEL",
	ECBRK64:             "BRK64",
}

func (ec ExceptionClass) String() string {
	if s, ok := ecNames[ec]; ok {
		return s
	}
	return fmt.Sprintf("EC(0x%02x)", uint8(ec))
}

const (
	esrECShift = 26
	esrIL      = 1 << 25
	esrISSMask = esrIL - 1
)

// Syndrome is a raw ESR_ELx value.
type Syndrome uint64

// NewSyndrome assembles a 32-bit instruction syndrome.
func NewSyndrome(ec ExceptionClass, iss uint32) Syndrome {
	return Syndrome(uint64(ec)<<esrECShift | esrIL | uint64(iss)&esrISSMask)
}

func (s Syndrome) EC() ExceptionClass { return ExceptionClass((s >> esrECShift) & 0x3f) }
func (s Syndrome) IL() bool           { return s&esrIL != 0 }
func (s Syndrome) ISS() uint32        { return uint32(s & esrISSMask) }

func (s Syndrome) String() string {
	return fmt.Sprintf("ESR=0x%08x(%s iss=0x%07x)", uint64(s), s.EC(), s.ISS())
}

// Fault status codes used in DFSC/IFSC.
const (
	FSCTranslationL0     = 0x04
	FSCTranslationL3     = 0x07
	FSCPermissionL3      = 0x0f
	FSCSyncExternalAbort = 0x10
)

// DataAbort is the decoded ISS of a data abort.
type DataAbort struct {
	Valid      bool // ISV: the fields below are meaningful
	Size       int  // access size in bytes
	SignExtend bool
	Reg        Reg  // SRT, RegXZR for register 31
	Wide       bool // SF: 64-bit destination register
	AcqRel     bool
	Write      bool
	S1PTW      bool
	FSC        uint8
}

// DecodeDataAbort decodes the ISS of an EC 0x24/0x25 syndrome.
func DecodeDataAbort(s Syndrome) DataAbort {
	iss := s.ISS()
	d := DataAbort{
		Valid:  iss&(1<<24) != 0,
		S1PTW:  iss&(1<<7) != 0,
		Write:  iss&(1<<6) != 0,
		FSC:    uint8(iss & 0x3f),
		AcqRel: iss&(1<<14) != 0,
	}
	if d.Valid {
		d.Size = 1 << ((iss >> 22) & 3)
		d.SignExtend = iss&(1<<21) != 0
		d.Reg = GPR((iss >> 16) & 0x1f)
		d.Wide = iss&(1<<15) != 0
	}
	return d
}

// Encode builds the ISS for d.
func (d DataAbort) Encode() uint32 {
	iss := uint32(d.FSC & 0x3f)
	if d.Write {
		iss |= 1 << 6
	}
	if d.S1PTW {
		iss |= 1 << 7
	}
	if !d.Valid {
		return iss
	}
	iss |= 1 << 24
	switch d.Size {
	case 2:
		iss |= 1 << 22
	case 4:
		iss |= 2 << 22
	case 8:
		iss |= 3 << 22
	}
	if d.SignExtend {
		iss |= 1 << 21
	}
	rt := uint32(31)
	if d.Reg != RegXZR {
		rt = uint32(d.Reg)
	}
	iss |= rt << 16
	if d.Wide {
		iss |= 1 << 15
	}
	if d.AcqRel {
		iss |= 1 << 14
	}
	return iss
}

// SysRegAccess is the decoded ISS of a trapped MSR/MRS (EC 0x18).
type SysRegAccess struct {
	Reg  SysReg
	Rt   Reg
	Read bool // MRS
}

// DecodeSysRegAccess decodes the ISS of an EC 0x18 syndrome.
func DecodeSysRegAccess(s Syndrome) SysRegAccess {
	iss := s.ISS()
	return SysRegAccess{
		Reg: SysReg{
			Op0: uint8(iss>>20) & 3,
			Op2: uint8(iss>>17) & 7,
			Op1: uint8(iss>>14) & 7,
			CRn: uint8(iss>>10) & 0xf,
			CRm: uint8(iss>>1) & 0xf,
		},
		Rt:   GPR((iss >> 5) & 0x1f),
		Read: iss&1 != 0,
	}
}

// Encode builds the ISS for a.
func (a SysRegAccess) Encode() uint32 {
	rt := uint32(31)
	if a.Rt != RegXZR {
		rt = uint32(a.Rt)
	}
	iss := uint32(a.Reg.Op0&3)<<20 | uint32(a.Reg.Op2&7)<<17 | uint32(a.Reg.Op1&7)<<14 |
		uint32(a.Reg.CRn&0xf)<<10 | rt<<5 | uint32(a.Reg.CRm&0xf)<<1
	if a.Read {
		iss |= 1
	}
	return iss
}

// IsWFE reports whether a WFx syndrome was raised by WFE rather than WFI.
func IsWFE(s Syndrome) bool { return s.ISS()&1 != 0 }

// Immediate16 returns the imm16 of an HVC/SMC/SVC/BRK syndrome.
func Immediate16(s Syndrome) uint16 { return uint16(s.ISS()) }

// UndefinedSyndrome is reported for an UNDEFINED instruction.
func UndefinedSyndrome() Syndrome { return NewSyndrome(ECUnknown, 0) }

// ExternalDataAbort is the syndrome of a synchronous external abort on a data
// access taken to EL1. sameEL selects the current-EL class.
func ExternalDataAbort(sameEL, write bool) Syndrome {
	ec := ECDataAbortLowerEL
	if sameEL {
		ec = ECDataAbortSameEL
	}
	return NewSyndrome(ec, DataAbort{Write: write, FSC: FSCSyncExternalAbort}.Encode())
}

// ExternalInstructionAbort is the syndrome of a synchronous external abort on
// an instruction fetch taken to EL1.
func ExternalInstructionAbort(sameEL bool) Syndrome {
	ec := ECInstAbortLowerEL
	if sameEL {
		ec = ECInstAbortSameEL
	}
	return NewSyndrome(ec, FSCSyncExternalAbort)
}

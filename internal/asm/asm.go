// Package asm encodes the handful of A64 instructions the tests and the
// CLI demo programs are written in.
package asm

import (
	"encoding/binary"

	"github.com/blacktop/go-hvaccel/arm64"
)

// Register numbers. SP and ZR share encoding 31.
const (
	X0 uint32 = iota
	X1
	X2
	X3
	X4
	X5
	X6
	X7
	X8
	X9
	X10
	LR uint32 = 30
	SP uint32 = 31
	ZR uint32 = 31
)

// Condition codes.
const (
	EQ uint32 = iota
	NE
	CS
	CC
	MI
	PL
	VS
	VC
	HI
	LS
	GE
	LT
	GT
	LE
	AL
)

const (
	NOP  uint32 = 0xd503201f
	WFE  uint32 = 0xd503205f
	WFI  uint32 = 0xd503207f
	ISB  uint32 = 0xd5033fdf
	ERET uint32 = 0xd69f03e0
	RET  uint32 = 0xd65f03c0
)

func sf(wide bool) uint32 {
	if wide {
		return 1 << 31
	}
	return 0
}

// MOVZ Xd/Wd, #imm, LSL #(hw*16)
func MOVZ(wide bool, rd uint32, imm uint16, hw uint32) uint32 {
	return 0x52800000 | sf(wide) | hw<<21 | uint32(imm)<<5 | rd
}

// MOVK Xd/Wd, #imm, LSL #(hw*16)
func MOVK(wide bool, rd uint32, imm uint16, hw uint32) uint32 {
	return 0x72800000 | sf(wide) | hw<<21 | uint32(imm)<<5 | rd
}

// MOVN Xd/Wd, #imm, LSL #(hw*16)
func MOVN(wide bool, rd uint32, imm uint16, hw uint32) uint32 {
	return 0x12800000 | sf(wide) | hw<<21 | uint32(imm)<<5 | rd
}

// MOV64 loads a 64-bit constant with MOVZ followed by MOVKs.
func MOV64(rd uint32, v uint64) []uint32 {
	out := []uint32{MOVZ(true, rd, uint16(v), 0)}
	for hw := uint32(1); hw < 4; hw++ {
		if part := uint16(v >> (16 * hw)); part != 0 {
			out = append(out, MOVK(true, rd, part, hw))
		}
	}
	return out
}

func ADDi(wide bool, rd, rn, imm uint32) uint32 {
	return 0x11000000 | sf(wide) | (imm&0xfff)<<10 | rn<<5 | rd
}

func SUBi(wide bool, rd, rn, imm uint32) uint32 {
	return 0x51000000 | sf(wide) | (imm&0xfff)<<10 | rn<<5 | rd
}

func SUBSi(wide bool, rd, rn, imm uint32) uint32 {
	return 0x71000000 | sf(wide) | (imm&0xfff)<<10 | rn<<5 | rd
}

// CMPi is SUBS ZR, Rn, #imm.
func CMPi(wide bool, rn, imm uint32) uint32 { return SUBSi(wide, ZR, rn, imm) }

func ADD(wide bool, rd, rn, rm uint32) uint32 {
	return 0x0b000000 | sf(wide) | rm<<16 | rn<<5 | rd
}

func SUBS(wide bool, rd, rn, rm uint32) uint32 {
	return 0x6b000000 | sf(wide) | rm<<16 | rn<<5 | rd
}

// LDR loads size bytes (1, 2, 4 or 8) zero extended from [Rn, #off].
func LDR(size int, rt, rn, off uint32) uint32 {
	s := sizeBits(size)
	return 0x39400000 | s<<30 | (off>>s)<<10 | rn<<5 | rt
}

// LDRS loads size bytes (1, 2 or 4) sign extended to 64 bits.
func LDRS(size int, rt, rn, off uint32) uint32 {
	s := sizeBits(size)
	return 0x39800000 | s<<30 | (off>>s)<<10 | rn<<5 | rt
}

// STR stores the low size bytes of Rt to [Rn, #off].
func STR(size int, rt, rn, off uint32) uint32 {
	s := sizeBits(size)
	return 0x39000000 | s<<30 | (off>>s)<<10 | rn<<5 | rt
}

func sizeBits(size int) uint32 {
	switch size {
	case 2:
		return 1
	case 4:
		return 2
	case 8:
		return 3
	default:
		return 0
	}
}

// B branches by off bytes relative to the instruction.
func B(off int32) uint32  { return 0x14000000 | uint32(off>>2)&0x3ffffff }
func BL(off int32) uint32 { return 0x94000000 | uint32(off>>2)&0x3ffffff }

func Bcond(cond uint32, off int32) uint32 {
	return 0x54000000 | (uint32(off>>2)&0x7ffff)<<5 | cond
}

func CBZ(wide bool, rt uint32, off int32) uint32 {
	return 0x34000000 | sf(wide) | (uint32(off>>2)&0x7ffff)<<5 | rt
}

func CBNZ(wide bool, rt uint32, off int32) uint32 {
	return 0x35000000 | sf(wide) | (uint32(off>>2)&0x7ffff)<<5 | rt
}

func BR(rn uint32) uint32  { return 0xd61f0000 | rn<<5 }
func BLR(rn uint32) uint32 { return 0xd63f0000 | rn<<5 }

func SVC(imm uint16) uint32 { return 0xd4000001 | uint32(imm)<<5 }
func HVC(imm uint16) uint32 { return 0xd4000002 | uint32(imm)<<5 }
func SMC(imm uint16) uint32 { return 0xd4000003 | uint32(imm)<<5 }
func BRK(imm uint16) uint32 { return 0xd4200000 | uint32(imm)<<5 }

func sysFields(r arm64.SysReg) uint32 {
	return uint32(r.Op0-2)<<19 | uint32(r.Op1)<<16 | uint32(r.CRn)<<12 | uint32(r.CRm)<<8 | uint32(r.Op2)<<5
}

// MRS Xt, <sysreg>
func MRS(rt uint32, r arm64.SysReg) uint32 { return 0xd5300000 | sysFields(r) | rt }

// MSR <sysreg>, Xt
func MSR(r arm64.SysReg, rt uint32) uint32 { return 0xd5100000 | sysFields(r) | rt }

// DAIFSet and DAIFClr take the 4-bit D:A:I:F mask.
func DAIFSet(mask uint32) uint32 { return 0xd50340df | (mask&0xf)<<8 }
func DAIFClr(mask uint32) uint32 { return 0xd50340ff | (mask&0xf)<<8 }

// CRC32 encodes CRC32{B,H,W,X} (castagnoli selects CRC32C) over size bytes of Rm.
func CRC32(castagnoli bool, size int, rd, rn, rm uint32) uint32 {
	s := sizeBits(size)
	insn := 0x1ac04000 | s<<10 | rm<<16 | rn<<5 | rd
	if s == 3 {
		insn |= 1 << 31
	}
	if castagnoli {
		insn |= 1 << 12
	}
	return insn
}

// Program flattens instructions and instruction sequences into little-endian
// machine code.
func Program(parts ...any) []byte {
	var out []byte
	for _, p := range parts {
		switch v := p.(type) {
		case uint32:
			out = binary.LittleEndian.AppendUint32(out, v)
		case []uint32:
			for _, w := range v {
				out = binary.LittleEndian.AppendUint32(out, w)
			}
		default:
			panic("asm: unsupported program part")
		}
	}
	return out
}

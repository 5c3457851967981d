// Package arm64 holds the AArch64 architectural definitions shared by the
// acceleration core and its backends: register names, system register
// encodings, exception syndromes, exception entry and ID register fields.
package arm64

import (
	"fmt"
	"strings"
)

// Reg represents an AArch64 general or system register in the logical model.
type Reg int

const (
	RegX0 Reg = iota
	RegX1
	RegX2
	RegX3
	RegX4
	RegX5
	RegX6
	RegX7
	RegX8
	RegX9
	RegX10
	RegX11
	RegX12
	RegX13
	RegX14
	RegX15
	RegX16
	RegX17
	RegX18
	RegX19
	RegX20
	RegX21
	RegX22
	RegX23
	RegX24
	RegX25
	RegX26
	RegX27
	RegX28
	RegFP // X29
	RegLR // X30
	RegSP // Stack pointer (SP_EL0)
	RegPC
	RegCPSR

	RegSPEL1
	RegELREL1
	RegSPSREL1
	RegESREL1
	RegFAREL1
	RegVBAREL1
	RegSCTLREL1
	RegTTBR0EL1
	RegTTBR1EL1
	RegTCREL1
	RegMAIREL1
	RegCPACREL1
	RegTPIDREL0
	RegTPIDREL1
	RegMPIDREL1

	NumRegs
)

// RegXZR is the zero register selected by register number 31 in load/store
// and system instruction encodings. Reads return zero, writes are discarded.
const RegXZR Reg = -1

var regNames = [NumRegs]string{
	RegFP:       "FP",
	RegLR:       "LR",
	RegSP:       "SP",
	RegPC:       "PC",
	RegCPSR:     "CPSR",
	RegSPEL1:    "SP_EL1",
	RegELREL1:   "ELR_EL1",
	RegSPSREL1:  "SPSR_EL1",
	RegESREL1:   "ESR_EL1",
	RegFAREL1:   "FAR_EL1",
	RegVBAREL1:  "VBAR_EL1",
	RegSCTLREL1: "SCTLR_EL1",
	RegTTBR0EL1: "TTBR0_EL1",
	RegTTBR1EL1: "TTBR1_EL1",
	RegTCREL1:   "TCR_EL1",
	RegMAIREL1:  "MAIR_EL1",
	RegCPACREL1: "CPACR_EL1",
	RegTPIDREL0: "TPIDR_EL0",
	RegTPIDREL1: "TPIDR_EL1",
	RegMPIDREL1: "MPIDR_EL1",
}

func init() {
	for r := RegX0; r <= RegX28; r++ {
		regNames[r] = fmt.Sprintf("X%d", int(r))
	}
}

func (r Reg) String() string {
	if r == RegXZR {
		return "XZR"
	}
	if r < 0 || r >= NumRegs {
		return fmt.Sprintf("Reg(%d)", int(r))
	}
	return regNames[r]
}

// Valid reports whether r names a register of the logical model.
func (r Reg) Valid() bool { return r >= RegX0 && r < NumRegs }

// IsSystem reports whether r is a system register rather than part of the
// general purpose file, PC or CPSR.
func (r Reg) IsSystem() bool { return r >= RegSPEL1 && r < NumRegs }

// GPR returns the register selected by a 5-bit register field where 31
// encodes the zero register.
func GPR(n uint32) Reg {
	n &= 0x1f
	if n == 31 {
		return RegXZR
	}
	return Reg(n)
}

// GPROrSP returns the register selected by a 5-bit register field where 31
// encodes the stack pointer, as in base registers of loads and stores.
func GPROrSP(n uint32) Reg {
	n &= 0x1f
	if n == 31 {
		return RegSP
	}
	return Reg(n)
}

// ParseReg resolves a register name such as "x3", "lr", "sp" or "vbar_el1".
func ParseReg(name string) (Reg, error) {
	up := strings.ToUpper(strings.TrimSpace(name))
	switch up {
	case "X29":
		return RegFP, nil
	case "X30":
		return RegLR, nil
	case "SP_EL0":
		return RegSP, nil
	case "PSTATE":
		return RegCPSR, nil
	case "XZR":
		return RegXZR, nil
	}
	for r := RegX0; r < NumRegs; r++ {
		if regNames[r] == up {
			return r, nil
		}
	}
	return 0, fmt.Errorf("arm64: unknown register %q", name)
}

// RequiredRegs lists the registers every backend must expose: the general
// purpose file, PC, CPSR and the EL1 state exception entry depends on.
var RequiredRegs = func() []Reg {
	regs := make([]Reg, 0, RegVBAREL1+1)
	for r := RegX0; r <= RegVBAREL1; r++ {
		regs = append(regs, r)
	}
	return regs
}()

// RegisterFile is read/write access to an architectural register file.
type RegisterFile interface {
	Get(r Reg) uint64
	Set(r Reg, v uint64)
}

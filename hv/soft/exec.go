package soft

import (
	"encoding/binary"
	"hash/crc32"
	"math/bits"

	"github.com/blacktop/go-hvaccel/arm64"
	"github.com/blacktop/go-hvaccel/hv"
)

const cntfrq = 24_000_000

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// step executes insn at pc. It reports stop when the instruction needs the
// host; the returned exit then leaves PC at the preferred return address the
// hardware backends would report.
func (c *CPU) step(pc uint64, insn uint32) (hv.Exit, bool, error) {
	c.regs[arm64.RegPC] = pc + 4
	switch {
	case insn&0x1f800000 == 0x12800000:
		return c.moveWide(pc, insn)
	case insn&0x1f800000 == 0x11000000:
		c.addSubImm(insn)
	case insn&0x1f200000 == 0x0b000000:
		return c.addSubReg(pc, insn)
	case insn&0x3b000000 == 0x39000000:
		return c.loadStore(pc, insn)
	case insn&0x7c000000 == 0x14000000:
		if insn&(1<<31) != 0 {
			c.regs[arm64.RegLR] = pc + 4
		}
		c.regs[arm64.RegPC] = pc + uint64(sext(insn&0x3ffffff, 26)<<2)
	case insn&0xff000010 == 0x54000000:
		if condHolds(insn&0xf, c.regs[arm64.RegCPSR]) {
			c.regs[arm64.RegPC] = pc + uint64(sext((insn>>5)&0x7ffff, 19)<<2)
		}
	case insn&0x7e000000 == 0x34000000:
		c.compareBranch(pc, insn)
	case insn&0xfffffc1f == 0xd61f0000, insn&0xfffffc1f == 0xd65f0000:
		c.regs[arm64.RegPC] = c.x(insn >> 5)
	case insn&0xfffffc1f == 0xd63f0000:
		target := c.x(insn >> 5)
		c.regs[arm64.RegLR] = pc + 4
		c.regs[arm64.RegPC] = target
	case insn == 0xd69f03e0:
		return c.eret(pc)
	case insn&0xff000000 == 0xd4000000:
		return c.exceptionGen(pc, insn)
	case insn&0xfffff01f == 0xd503201f:
		return c.hint(pc, insn)
	case insn&0xfffff01f == 0xd503301f:
		// DSB, DMB, ISB, CLREX: a single interpreted vCPU is always coherent.
	case insn&0xfff8f01f == 0xd500401f:
		return c.msrImm(pc, insn)
	case insn&0xffd00000 == 0xd5100000:
		return c.sysReg(pc, insn)
	case insn&0x7fe0e000 == 0x1ac04000:
		return c.crc32(pc, insn)
	default:
		return c.undefined(pc)
	}
	return hv.Exit{}, false, nil
}

// undefined reports an UNDEFINED instruction to the host with PC left at the
// instruction.
func (c *CPU) undefined(pc uint64) (hv.Exit, bool, error) {
	c.regs[arm64.RegPC] = pc
	return hv.Exit{Reason: hv.ExitException, Syndrome: arm64.UndefinedSyndrome()}, true, nil
}

func (c *CPU) trap(pc uint64, syn arm64.Syndrome) (hv.Exit, bool, error) {
	c.regs[arm64.RegPC] = pc
	return hv.Exit{Reason: hv.ExitException, Syndrome: syn}, true, nil
}

func (c *CPU) el0() bool { return arm64.FromEL0(c.regs[arm64.RegCPSR]) }

// spReg is the stack pointer selected by PSTATE.SP.
func (c *CPU) spReg() arm64.Reg {
	if c.regs[arm64.RegCPSR]&arm64.PSTATEModeMask == arm64.PSTATEModeEL1h {
		return arm64.RegSPEL1
	}
	return arm64.RegSP
}

// x reads a register operand where 31 is the zero register.
func (c *CPU) x(n uint32) uint64 {
	return c.Get(arm64.GPR(n))
}

// xsp reads a register operand where 31 is the stack pointer.
func (c *CPU) xsp(n uint32) uint64 {
	if n&0x1f == 31 {
		return c.regs[c.spReg()]
	}
	return c.regs[n&0x1f]
}

func (c *CPU) setX(n uint32, v uint64, sf bool) {
	if !sf {
		v = uint64(uint32(v))
	}
	c.Set(arm64.GPR(n), v)
}

func (c *CPU) setXSP(n uint32, v uint64, sf bool) {
	if !sf {
		v = uint64(uint32(v))
	}
	if n&0x1f == 31 {
		c.regs[c.spReg()] = v
		return
	}
	c.regs[n&0x1f] = v
}

func sext(v uint32, width uint) int64 {
	shift := 64 - width
	return int64(uint64(v)<<shift) >> shift
}

func condHolds(cond uint32, pstate uint64) bool {
	n := pstate&arm64.PSTATEN != 0
	z := pstate&arm64.PSTATEZ != 0
	cf := pstate&arm64.PSTATEC != 0
	v := pstate&arm64.PSTATEV != 0
	var r bool
	switch cond >> 1 {
	case 0:
		r = z
	case 1:
		r = cf
	case 2:
		r = n
	case 3:
		r = v
	case 4:
		r = cf && !z
	case 5:
		r = n == v
	case 6:
		r = n == v && !z
	default:
		return true
	}
	if cond&1 != 0 {
		return !r
	}
	return r
}

// addWithCarry returns x+y+carry truncated to the operand width and the NZCV
// flags it produces.
func addWithCarry(x, y uint64, carry, sf bool) (uint64, uint64) {
	var cin uint64
	if carry {
		cin = 1
	}
	var res, flags uint64
	if sf {
		sum, cout := bits.Add64(x, y, cin)
		res = sum
		if sum>>63 != 0 {
			flags |= arm64.PSTATEN
		}
		if cout != 0 {
			flags |= arm64.PSTATEC
		}
		if ((x^sum)&(y^sum))>>63 != 0 {
			flags |= arm64.PSTATEV
		}
	} else {
		x32, y32 := uint64(uint32(x)), uint64(uint32(y))
		sum := x32 + y32 + cin
		res = uint64(uint32(sum))
		if res>>31 != 0 {
			flags |= arm64.PSTATEN
		}
		if sum>>32 != 0 {
			flags |= arm64.PSTATEC
		}
		if ((x32^res)&(y32^res))>>31&1 != 0 {
			flags |= arm64.PSTATEV
		}
	}
	if res == 0 {
		flags |= arm64.PSTATEZ
	}
	return res, flags
}

func (c *CPU) setNZCV(flags uint64) {
	const mask = arm64.PSTATEN | arm64.PSTATEZ | arm64.PSTATEC | arm64.PSTATEV
	c.regs[arm64.RegCPSR] = c.regs[arm64.RegCPSR]&^mask | flags
}

func (c *CPU) moveWide(pc uint64, insn uint32) (hv.Exit, bool, error) {
	sf := insn&(1<<31) != 0
	opc := (insn >> 29) & 3
	hw := (insn >> 21) & 3
	imm := uint64((insn >> 5) & 0xffff)
	rd := insn & 0x1f
	if opc == 1 || (!sf && hw >= 2) {
		return c.undefined(pc)
	}
	shift := hw * 16
	var v uint64
	switch opc {
	case 0: // MOVN
		v = ^(imm << shift)
	case 2: // MOVZ
		v = imm << shift
	case 3: // MOVK
		v = c.x(rd)&^(0xffff<<shift) | imm<<shift
	}
	c.setX(rd, v, sf)
	return hv.Exit{}, false, nil
}

func (c *CPU) addSubImm(insn uint32) {
	sf := insn&(1<<31) != 0
	sub := insn&(1<<30) != 0
	setFlags := insn&(1<<29) != 0
	imm := uint64((insn >> 10) & 0xfff)
	if insn&(1<<22) != 0 {
		imm <<= 12
	}
	rn, rd := (insn>>5)&0x1f, insn&0x1f
	a := c.xsp(rn)
	if sub {
		imm = ^imm
	}
	res, flags := addWithCarry(a, imm, sub, sf)
	if setFlags {
		c.setNZCV(flags)
		c.setX(rd, res, sf)
		return
	}
	c.setXSP(rd, res, sf)
}

func (c *CPU) addSubReg(pc uint64, insn uint32) (hv.Exit, bool, error) {
	sf := insn&(1<<31) != 0
	sub := insn&(1<<30) != 0
	setFlags := insn&(1<<29) != 0
	shiftType := (insn >> 22) & 3
	amount := (insn >> 10) & 0x3f
	rm, rn, rd := (insn>>16)&0x1f, (insn>>5)&0x1f, insn&0x1f
	if shiftType == 3 || (!sf && amount >= 32) {
		return c.undefined(pc)
	}
	b := c.x(rm)
	width := uint32(64)
	if !sf {
		b = uint64(uint32(b))
		width = 32
	}
	switch shiftType {
	case 0:
		b <<= amount
	case 1:
		b >>= amount
	case 2:
		if sf {
			b = uint64(int64(b) >> amount)
		} else {
			b = uint64(uint32(int32(uint32(b)) >> amount))
		}
	}
	if width == 32 {
		b = uint64(uint32(b))
	}
	if sub {
		b = ^b
	}
	res, flags := addWithCarry(c.x(rn), b, sub, sf)
	if setFlags {
		c.setNZCV(flags)
	}
	c.setX(rd, res, sf)
	return hv.Exit{}, false, nil
}

// loadStore handles LDR/STR (unsigned immediate) for the general purpose
// registers. Accesses outside guest RAM exit with a fully decoded syndrome so
// the host can emulate them.
func (c *CPU) loadStore(pc uint64, insn uint32) (hv.Exit, bool, error) {
	if insn&(1<<26) != 0 {
		return c.undefined(pc) // SIMD&FP
	}
	size := (insn >> 30) & 3
	opc := (insn >> 22) & 3
	rn, rt := (insn>>5)&0x1f, insn&0x1f
	n := 1 << size
	addr := c.xsp(rn) + uint64((insn>>10)&0xfff)<<size

	var write, signed, wide bool
	switch opc {
	case 0:
		write, wide = true, size == 3
	case 1:
		wide = size == 3
	case 2:
		if size == 3 {
			return hv.Exit{}, false, nil // PRFM
		}
		signed, wide = true, true
	case 3:
		if size >= 2 {
			return c.undefined(pc)
		}
		signed = true
	}

	mem, fsc := c.access(addr, n, write)
	if mem == nil {
		c.regs[arm64.RegPC] = pc
		return dataAbort(addr, fsc, n, arm64.GPR(rt), signed, wide, write), true, nil
	}
	if write {
		v := c.x(rt)
		switch n {
		case 1:
			mem[0] = byte(v)
		case 2:
			binary.LittleEndian.PutUint16(mem, uint16(v))
		case 4:
			binary.LittleEndian.PutUint32(mem, uint32(v))
		case 8:
			binary.LittleEndian.PutUint64(mem, v)
		}
		return hv.Exit{}, false, nil
	}
	var v uint64
	switch n {
	case 1:
		v = uint64(mem[0])
	case 2:
		v = uint64(binary.LittleEndian.Uint16(mem))
	case 4:
		v = uint64(binary.LittleEndian.Uint32(mem))
	case 8:
		v = binary.LittleEndian.Uint64(mem)
	}
	if signed {
		v = uint64(sext(uint32(v), uint(n*8)))
	}
	c.setX(rt, v, wide)
	return hv.Exit{}, false, nil
}

func (c *CPU) compareBranch(pc uint64, insn uint32) {
	v := c.x(insn & 0x1f)
	if insn&(1<<31) == 0 {
		v = uint64(uint32(v))
	}
	nonZero := insn&(1<<24) != 0
	if (v != 0) == nonZero {
		c.regs[arm64.RegPC] = pc + uint64(sext((insn>>5)&0x7ffff, 19)<<2)
	}
}

// eret returns from an exception taken to EL1. Returns to AArch32 or to an
// exception level above EL1 are reported as UNDEFINED.
func (c *CPU) eret(pc uint64) (hv.Exit, bool, error) {
	if c.el0() {
		return c.undefined(pc)
	}
	spsr := c.regs[arm64.RegSPSREL1]
	switch spsr & (arm64.PSTATEModeMask | arm64.PSTATEnRW) {
	case arm64.PSTATEModeEL0t, arm64.PSTATEModeEL1t, arm64.PSTATEModeEL1h:
	default:
		return c.undefined(pc)
	}
	arm64.ReturnFromException(c)
	return hv.Exit{}, false, nil
}

func (c *CPU) exceptionGen(pc uint64, insn uint32) (hv.Exit, bool, error) {
	opc := (insn >> 21) & 7
	ll := insn & 3
	imm := (insn >> 5) & 0xffff
	switch {
	case opc == 0 && ll == 1: // SVC
		c.takeSync(arm64.NewSyndrome(arm64.ECSVC64, imm), 0, false)
		return hv.Exit{}, false, nil
	case opc == 0 && ll == 2: // HVC returns past the instruction
		if c.el0() {
			return c.undefined(pc)
		}
		return hv.Exit{Reason: hv.ExitException, Syndrome: arm64.NewSyndrome(arm64.ECHVC64, imm)}, true, nil
	case opc == 0 && ll == 3: // SMC traps at the instruction
		if c.el0() {
			return c.undefined(pc)
		}
		return c.trap(pc, arm64.NewSyndrome(arm64.ECSMC64, imm))
	case opc == 1 && ll == 0: // BRK
		syn := arm64.NewSyndrome(arm64.ECBRK64, imm)
		if c.trapDebug {
			return c.trap(pc, syn)
		}
		c.regs[arm64.RegPC] = pc
		c.takeSync(syn, 0, false)
		return hv.Exit{}, false, nil
	}
	return c.undefined(pc)
}

func (c *CPU) hint(pc uint64, insn uint32) (hv.Exit, bool, error) {
	switch (insn >> 5) & 0x7f {
	case 2: // WFE
		return c.trap(pc, arm64.NewSyndrome(arm64.ECWFx, 1))
	case 3: // WFI
		return c.trap(pc, arm64.NewSyndrome(arm64.ECWFx, 0))
	}
	return hv.Exit{}, false, nil
}

// msrImm handles MSR (immediate) for DAIFSet, DAIFClr and SPSel.
func (c *CPU) msrImm(pc uint64, insn uint32) (hv.Exit, bool, error) {
	if c.el0() {
		return c.undefined(pc)
	}
	op1 := (insn >> 16) & 7
	crm := uint64((insn >> 8) & 0xf)
	op2 := (insn >> 5) & 7
	cpsr := c.regs[arm64.RegCPSR]
	switch {
	case op1 == 3 && op2 == 6:
		cpsr |= crm << 6
	case op1 == 3 && op2 == 7:
		cpsr &^= crm << 6
	case op1 == 0 && op2 == 5:
		cpsr = cpsr&^1 | crm&1
	default:
		return c.undefined(pc)
	}
	c.regs[arm64.RegCPSR] = cpsr
	return hv.Exit{}, false, nil
}

// el0Accessible lists the system registers EL0 may use.
var el0Accessible = map[uint16]bool{
	arm64.SysNZCV.Key():      true,
	arm64.SysTPIDREL0.Key():  true,
	arm64.SysCNTFRQEL0.Key(): true,
	arm64.SysCNTVCTEL0.Key(): true,
	arm64.SysFPCR.Key():      true,
	arm64.SysFPSR.Key():      true,
}

// sysReg handles MRS and MSR (register). Registers the interpreter does not
// model exit to the host with an EC 0x18 syndrome.
func (c *CPU) sysReg(pc uint64, insn uint32) (hv.Exit, bool, error) {
	read := insn&(1<<21) != 0
	sr := arm64.SysReg{
		Op0: 2 + uint8((insn>>19)&1),
		Op1: uint8((insn >> 16) & 7),
		CRn: uint8((insn >> 12) & 0xf),
		CRm: uint8((insn >> 8) & 0xf),
		Op2: uint8((insn >> 5) & 7),
	}
	rt := insn & 0x1f
	if c.el0() && !el0Accessible[sr.Key()] {
		return c.undefined(pc)
	}

	if r, ok := arm64.RegOfSysReg(sr); ok {
		if r == arm64.RegSP && c.spReg() == arm64.RegSP {
			return c.undefined(pc) // SP_EL0 is only reachable by name from SP_ELx
		}
		if !read {
			if r == arm64.RegMPIDREL1 {
				return c.undefined(pc)
			}
			c.regs[r] = c.x(rt)
			return hv.Exit{}, false, nil
		}
		c.setX(rt, c.regs[r], true)
		return hv.Exit{}, false, nil
	}

	cpsr := c.regs[arm64.RegCPSR]
	const nzcv = arm64.PSTATEN | arm64.PSTATEZ | arm64.PSTATEC | arm64.PSTATEV
	switch sr {
	case arm64.SysNZCV:
		if read {
			c.setX(rt, cpsr&nzcv, true)
		} else {
			c.regs[arm64.RegCPSR] = cpsr&^nzcv | c.x(rt)&nzcv
		}
		return hv.Exit{}, false, nil
	case arm64.SysDAIF:
		if read {
			c.setX(rt, cpsr&arm64.PSTATEDAIF, true)
		} else {
			c.regs[arm64.RegCPSR] = cpsr&^arm64.PSTATEDAIF | c.x(rt)&arm64.PSTATEDAIF
		}
		return hv.Exit{}, false, nil
	case arm64.SysFPCR, arm64.SysFPSR:
		if !c.features.Has(arm64.FeatFP) {
			return c.undefined(pc)
		}
		p := &c.fpcr
		if sr == arm64.SysFPSR {
			p = &c.fpsr
		}
		if read {
			c.setX(rt, *p, true)
		} else {
			*p = c.x(rt)
		}
		return hv.Exit{}, false, nil
	}

	if read {
		if v, ok := c.readOnlySysReg(sr); ok {
			c.setX(rt, v, true)
			return hv.Exit{}, false, nil
		}
	}
	return c.trap(pc, arm64.NewSyndrome(arm64.ECSysReg, arm64.SysRegAccess{Reg: sr, Rt: arm64.GPR(rt), Read: read}.Encode()))
}

// readOnlySysReg serves identification and counter registers.
func (c *CPU) readOnlySysReg(sr arm64.SysReg) (uint64, bool) {
	for id := arm64.IDReg(0); id < arm64.NumIDRegs; id++ {
		if id.SysReg() == sr {
			return c.idRegs[id], true
		}
	}
	switch sr {
	case arm64.SysMIDREL1:
		return midr, true
	case arm64.SysCurrentEL:
		return c.regs[arm64.RegCPSR] & 0xc, true
	case arm64.SysCNTFRQEL0:
		return cntfrq, true
	case arm64.SysCNTVCTEL0:
		return c.steps, true
	}
	// Remaining ID space (op0=3, op1=0, CRn=0, CRm=1..7) is RAZ.
	if sr.Op0 == 3 && sr.Op1 == 0 && sr.CRn == 0 && sr.CRm >= 1 && sr.CRm <= 7 {
		return 0, true
	}
	return 0, false
}

// crc32 implements CRC32{B,H,W,X} and CRC32C{B,H,W,X}. The architecture
// defines them without the pre and post inversion hash/crc32 applies.
func (c *CPU) crc32(pc uint64, insn uint32) (hv.Exit, bool, error) {
	if !c.features.Has(arm64.FeatCRC32) {
		return c.undefined(pc)
	}
	sf := insn&(1<<31) != 0
	sz := (insn >> 10) & 3
	if (sz == 3) != sf {
		return c.undefined(pc)
	}
	tab := crc32.IEEETable
	if insn&(1<<12) != 0 {
		tab = castagnoli
	}
	rm, rn, rd := (insn>>16)&0x1f, (insn>>5)&0x1f, insn&0x1f
	var data [8]byte
	binary.LittleEndian.PutUint64(data[:], c.x(rm))
	acc := uint32(c.x(rn))
	acc = ^crc32.Update(^acc, tab, data[:1<<sz])
	c.setX(rd, uint64(acc), false)
	return hv.Exit{}, false, nil
}

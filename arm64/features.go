package arm64

import (
	"fmt"
	"math/bits"
	"sort"
	"strings"
)

// Feature is one optional architectural extension.
type Feature uint

const (
	FeatFP Feature = iota
	FeatAdvSIMD
	FeatAES
	FeatPMULL
	FeatSHA1
	FeatSHA2
	FeatSHA512
	FeatSHA3
	FeatSM3
	FeatSM4
	FeatCRC32
	FeatAtomics
	FeatRDM
	FeatDotProd
	FeatFHM
	FeatFP16
	FeatJSCVT
	FeatFCMA
	FeatLRCPC
	FeatDCPOP
	FeatSVE
	FeatPAuth
	FeatEL0AArch32
	FeatEL1AArch32
	FeatPMU
	FeatGIC

	numFeatures
)

var featureNames = [numFeatures]string{
	FeatFP:         "fp",
	FeatAdvSIMD:    "asimd",
	FeatAES:        "aes",
	FeatPMULL:      "pmull",
	FeatSHA1:       "sha1",
	FeatSHA2:       "sha2",
	FeatSHA512:     "sha512",
	FeatSHA3:       "sha3",
	FeatSM3:        "sm3",
	FeatSM4:        "sm4",
	FeatCRC32:      "crc32",
	FeatAtomics:    "atomics",
	FeatRDM:        "rdm",
	FeatDotProd:    "dotprod",
	FeatFHM:        "fhm",
	FeatFP16:       "fp16",
	FeatJSCVT:      "jscvt",
	FeatFCMA:       "fcma",
	FeatLRCPC:      "lrcpc",
	FeatDCPOP:      "dcpop",
	FeatSVE:        "sve",
	FeatPAuth:      "pauth",
	FeatEL0AArch32: "el0_aarch32",
	FeatEL1AArch32: "el1_aarch32",
	FeatPMU:        "pmu",
	FeatGIC:        "gic",
}

func (f Feature) String() string {
	if f < numFeatures {
		return featureNames[f]
	}
	return fmt.Sprintf("Feature(%d)", uint(f))
}

// AllFeatures returns every known feature in declaration order.
func AllFeatures() []Feature {
	fs := make([]Feature, numFeatures)
	for i := range fs {
		fs[i] = Feature(i)
	}
	return fs
}

// ParseFeature resolves a feature by its lower-case name.
func ParseFeature(name string) (Feature, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	for f, s := range featureNames {
		if s == n {
			return Feature(f), nil
		}
	}
	return 0, fmt.Errorf("arm64: unknown feature %q", name)
}

// FeatureSet is an immutable bitset of features.
type FeatureSet uint64

func (s FeatureSet) Has(f Feature) bool                { return s&(1<<f) != 0 }
func (s FeatureSet) With(f Feature) FeatureSet         { return s | 1<<f }
func (s FeatureSet) Without(f Feature) FeatureSet      { return s &^ (1 << f) }
func (s FeatureSet) Intersect(o FeatureSet) FeatureSet { return s & o }
func (s FeatureSet) SubsetOf(o FeatureSet) bool        { return s&^o == 0 }
func (s FeatureSet) Len() int                          { return bits.OnesCount64(uint64(s)) }

// List returns the members of s in declaration order.
func (s FeatureSet) List() []Feature {
	var out []Feature
	for f := Feature(0); f < numFeatures; f++ {
		if s.Has(f) {
			out = append(out, f)
		}
	}
	return out
}

func (s FeatureSet) String() string {
	names := make([]string, 0, s.Len())
	for _, f := range s.List() {
		names = append(names, f.String())
	}
	sort.Strings(names)
	return strings.Join(names, ",")
}

// IDReg names one of the AArch64 ID registers the prober reads.
type IDReg int

const (
	IDAA64PFR0 IDReg = iota
	IDAA64PFR1
	IDAA64DFR0
	IDAA64ISAR0
	IDAA64ISAR1
	IDAA64MMFR0
	IDAA64MMFR1
	IDAA64MMFR2
	NumIDRegs
)

var idRegNames = [NumIDRegs]string{
	"ID_AA64PFR0_EL1", "ID_AA64PFR1_EL1", "ID_AA64DFR0_EL1", "ID_AA64ISAR0_EL1",
	"ID_AA64ISAR1_EL1", "ID_AA64MMFR0_EL1", "ID_AA64MMFR1_EL1", "ID_AA64MMFR2_EL1",
}

func (r IDReg) String() string {
	if r >= 0 && r < NumIDRegs {
		return idRegNames[r]
	}
	return fmt.Sprintf("IDReg(%d)", int(r))
}

// SysReg returns the system register encoding of r.
func (r IDReg) SysReg() SysReg {
	return [NumIDRegs]SysReg{
		SysIDAA64PFR0, SysIDAA64PFR1, SysIDAA64DFR0, SysIDAA64ISAR0,
		SysIDAA64ISAR1, SysIDAA64MMFR0, SysIDAA64MMFR1, SysIDAA64MMFR2,
	}[r]
}

// IDRegs holds raw ID register values.
type IDRegs [NumIDRegs]uint64

// Field extracts the 4-bit field at shift.
func Field(v uint64, shift uint) uint64 { return (v >> shift) & 0xf }

// SetField replaces the 4-bit field at shift.
func SetField(v uint64, shift uint, f uint64) uint64 {
	return v&^(0xf<<shift) | (f&0xf)<<shift
}

// signedField reads a field whose 0xf value means "not implemented".
func signedField(v uint64, shift uint) int {
	f := Field(v, shift)
	if f == 0xf {
		return -1
	}
	return int(f)
}

type featureField struct {
	feat  Feature
	reg   IDReg
	shift uint
	min   uint64 // minimum field value meaning present
	neg   bool   // 0xf encodes not implemented and 0 implemented
}

var featureFields = []featureField{
	{FeatFP, IDAA64PFR0, 16, 0, true},
	{FeatAdvSIMD, IDAA64PFR0, 20, 0, true},
	{FeatFP16, IDAA64PFR0, 16, 1, true},
	{FeatGIC, IDAA64PFR0, 24, 1, false},
	{FeatSVE, IDAA64PFR0, 32, 1, false},
	{FeatEL0AArch32, IDAA64PFR0, 0, 2, false},
	{FeatEL1AArch32, IDAA64PFR0, 4, 2, false},
	{FeatAES, IDAA64ISAR0, 4, 1, false},
	{FeatPMULL, IDAA64ISAR0, 4, 2, false},
	{FeatSHA1, IDAA64ISAR0, 8, 1, false},
	{FeatSHA2, IDAA64ISAR0, 12, 1, false},
	{FeatSHA512, IDAA64ISAR0, 12, 2, false},
	{FeatCRC32, IDAA64ISAR0, 16, 1, false},
	{FeatAtomics, IDAA64ISAR0, 20, 2, false},
	{FeatRDM, IDAA64ISAR0, 28, 1, false},
	{FeatSHA3, IDAA64ISAR0, 32, 1, false},
	{FeatSM3, IDAA64ISAR0, 36, 1, false},
	{FeatSM4, IDAA64ISAR0, 40, 1, false},
	{FeatDotProd, IDAA64ISAR0, 44, 1, false},
	{FeatFHM, IDAA64ISAR0, 48, 1, false},
	{FeatDCPOP, IDAA64ISAR1, 0, 1, false},
	{FeatPAuth, IDAA64ISAR1, 4, 1, false},
	{FeatJSCVT, IDAA64ISAR1, 12, 1, false},
	{FeatFCMA, IDAA64ISAR1, 16, 1, false},
	{FeatLRCPC, IDAA64ISAR1, 20, 1, false},
	{FeatPMU, IDAA64DFR0, 8, 1, false},
}

// FeaturesFromIDRegs derives the feature set advertised by ids.
func FeaturesFromIDRegs(ids IDRegs) FeatureSet {
	var s FeatureSet
	for _, ff := range featureFields {
		v := ids[ff.reg]
		if ff.neg {
			f := signedField(v, ff.shift)
			if f >= int(ff.min) {
				s = s.With(ff.feat)
			}
			continue
		}
		f := Field(v, ff.shift)
		if ff.feat == FeatPMU && f == 0xf {
			continue
		}
		if f >= ff.min {
			s = s.With(ff.feat)
		}
	}
	return s
}

// MaskIDRegs rewrites ids so every feature outside s reads as not implemented.
// A field shared by several features is lowered just below the threshold of
// the masked one.
func MaskIDRegs(ids IDRegs, s FeatureSet) IDRegs {
	out := ids
	for _, ff := range featureFields {
		if s.Has(ff.feat) {
			continue
		}
		v := out[ff.reg]
		cur := Field(v, ff.shift)
		if ff.neg {
			if cur == 0xf {
				continue
			}
			if ff.min == 0 {
				out[ff.reg] = SetField(v, ff.shift, 0xf)
			} else if cur >= ff.min {
				out[ff.reg] = SetField(v, ff.shift, ff.min-1)
			}
			continue
		}
		if cur >= ff.min && cur != 0xf {
			out[ff.reg] = SetField(v, ff.shift, ff.min-1)
		}
	}
	return out
}

// PARangeBits decodes ID_AA64MMFR0_EL1.PARange into a physical address width.
func PARangeBits(mmfr0 uint64) int {
	switch Field(mmfr0, 0) {
	case 0:
		return 32
	case 1:
		return 36
	case 2:
		return 40
	case 3:
		return 42
	case 4:
		return 44
	case 5:
		return 48
	case 6:
		return 52
	default:
		return 0
	}
}

// Granules reports the translation granules ID_AA64MMFR0_EL1 supports.
func Granules(mmfr0 uint64) (g4k, g16k, g64k bool) {
	return Field(mmfr0, 28) != 0xf, Field(mmfr0, 20) != 0, Field(mmfr0, 24) != 0xf
}

// DebugResources decodes the number of hardware breakpoints and watchpoints
// from ID_AA64DFR0_EL1.
func DebugResources(dfr0 uint64) (breakpoints, watchpoints int) {
	return int(Field(dfr0, 12)) + 1, int(Field(dfr0, 20)) + 1
}

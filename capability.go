package hvaccel

import (
	"fmt"
	"runtime"
	"strings"

	"golang.org/x/sys/cpu"

	"github.com/blacktop/go-hvaccel/arm64"
	"github.com/blacktop/go-hvaccel/hv"
)

// CapabilitySet is what a backend can offer a guest after masking. It is a
// value and never changes once probed.
type CapabilitySet struct {
	backend     string
	hardware    bool
	features    arm64.FeatureSet
	idRegs      arm64.IDRegs
	ipaBits     int
	granule     uint64
	maxVCPUs    int
	breakpoints int
	watchpoints int
	kernelPSCI  bool
}

func (c CapabilitySet) Backend() string            { return c.backend }
func (c CapabilitySet) Hardware() bool             { return c.hardware }
func (c CapabilitySet) Features() arm64.FeatureSet { return c.features }
func (c CapabilitySet) Has(f arm64.Feature) bool   { return c.features.Has(f) }
func (c CapabilitySet) IDRegs() arm64.IDRegs       { return c.idRegs }
func (c CapabilitySet) IPABits() int               { return c.ipaBits }
func (c CapabilitySet) Granule() uint64            { return c.granule }
func (c CapabilitySet) MaxVCPUs() int              { return c.maxVCPUs }
func (c CapabilitySet) Breakpoints() int           { return c.breakpoints }
func (c CapabilitySet) Watchpoints() int           { return c.watchpoints }

// KernelPSCI reports whether the backend answers PSCI calls itself.
func (c CapabilitySet) KernelPSCI() bool { return c.kernelPSCI }

// Equal reports whether two probes produced the same result.
func (c CapabilitySet) Equal(o CapabilitySet) bool { return c == o }

func (c CapabilitySet) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: ipa=%d granule=%d vcpus=%d brps=%d wrps=%d", c.backend, c.ipaBits, c.granule, c.maxVCPUs, c.breakpoints, c.watchpoints)
	if c.kernelPSCI {
		b.WriteString(" kernel-psci")
	}
	fmt.Fprintf(&b, " features=[%s]", c.features)
	return b.String()
}

// Probe queries host and derives the guest capability set for req.
//
// The result is always a subset of what the host advertises. Optional
// features that could not be granted, or that req disables, are reported by
// a *PartialCapabilityError returned together with a usable set. Missing
// required features and unusable hosts return a *CapabilityError.
func Probe(host hv.Host, req CPUConfig) (CapabilitySet, error) {
	info, err := host.Probe()
	if err != nil {
		return CapabilitySet{}, &CapabilityError{Backend: host.Name(), Err: err}
	}
	want, err := parseFeatures(req.Features)
	if err != nil {
		return CapabilitySet{}, &CapabilityError{Backend: info.Name, Err: err}
	}
	require, err := parseFeatures(req.Require)
	if err != nil {
		return CapabilitySet{}, &CapabilityError{Backend: info.Name, Err: err}
	}
	disable, err := parseFeatures(req.Disable)
	if err != nil {
		return CapabilitySet{}, &CapabilityError{Backend: info.Name, Err: err}
	}

	avail := arm64.FeaturesFromIDRegs(info.IDRegs)
	if info.Hardware {
		avail = avail.Intersect(hostCPUFeatures(avail))
	}
	if missing := require &^ avail; missing != 0 {
		return CapabilitySet{}, &CapabilityError{Backend: info.Name, Features: missing.List(), Err: ErrMissingFeature}
	}
	if require&disable != 0 {
		return CapabilitySet{}, &CapabilityError{Backend: info.Name, Features: (require & disable).List(), Err: ErrBadConfig}
	}

	set := avail
	var unavailable arm64.FeatureSet
	if want != 0 {
		want |= require
		unavailable = want &^ avail
		set = avail & want
	}
	disabled := set & disable
	set &^= disable

	// Masking a shared ID field can take dependent features with it.
	ids := arm64.MaskIDRegs(info.IDRegs, set)
	masked := arm64.FeaturesFromIDRegs(ids).Intersect(set)
	if lost := set &^ masked; lost != 0 {
		if lost&require != 0 {
			return CapabilitySet{}, &CapabilityError{Backend: info.Name, Features: (lost & require).List(), Err: ErrMissingFeature}
		}
		disabled |= lost
	}

	ipa := info.IPABits
	if pa := arm64.PARangeBits(ids[arm64.IDAA64MMFR0]); pa > 0 && (ipa == 0 || pa < ipa) {
		ipa = pa
	}
	granule := info.Granule
	if granule == 0 {
		granule = uint64(pageSize())
	}
	caps := CapabilitySet{
		backend:     info.Name,
		hardware:    info.Hardware,
		features:    masked,
		idRegs:      ids,
		ipaBits:     ipa,
		granule:     granule,
		maxVCPUs:    info.MaxVCPUs,
		breakpoints: info.Breakpoints,
		watchpoints: info.Watchpoints,
		kernelPSCI:  info.KernelPSCI,
	}
	if unavailable != 0 || disabled != 0 {
		return caps, &PartialCapabilityError{
			Backend:     info.Name,
			Unavailable: unavailable.List(),
			Disabled:    disabled.List(),
		}
	}
	return caps, nil
}

// hostCPUFeatures is the set of features the Go runtime detected on the
// host CPU. Features it has no bit for, and hosts where detection did not
// run, pass through unchanged.
func hostCPUFeatures(all arm64.FeatureSet) arm64.FeatureSet {
	if runtime.GOARCH != "arm64" || !(cpu.ARM64.HasFP || cpu.ARM64.HasASIMD) {
		return all
	}
	out := all
	for f, has := range map[arm64.Feature]bool{
		arm64.FeatFP:      cpu.ARM64.HasFP,
		arm64.FeatAdvSIMD: cpu.ARM64.HasASIMD,
		arm64.FeatAES:     cpu.ARM64.HasAES,
		arm64.FeatPMULL:   cpu.ARM64.HasPMULL,
		arm64.FeatSHA1:    cpu.ARM64.HasSHA1,
		arm64.FeatSHA2:    cpu.ARM64.HasSHA2,
		arm64.FeatSHA512:  cpu.ARM64.HasSHA512,
		arm64.FeatSHA3:    cpu.ARM64.HasSHA3,
		arm64.FeatSM3:     cpu.ARM64.HasSM3,
		arm64.FeatSM4:     cpu.ARM64.HasSM4,
		arm64.FeatCRC32:   cpu.ARM64.HasCRC32,
		arm64.FeatAtomics: cpu.ARM64.HasATOMICS,
		arm64.FeatRDM:     cpu.ARM64.HasASIMDRDM,
		arm64.FeatDotProd: cpu.ARM64.HasASIMDDP,
		arm64.FeatFHM:     cpu.ARM64.HasASIMDFHM,
		arm64.FeatFP16:    cpu.ARM64.HasFPHP,
		arm64.FeatJSCVT:   cpu.ARM64.HasJSCVT,
		arm64.FeatFCMA:    cpu.ARM64.HasFCMA,
		arm64.FeatLRCPC:   cpu.ARM64.HasLRCPC,
		arm64.FeatDCPOP:   cpu.ARM64.HasDCPOP,
		arm64.FeatSVE:     cpu.ARM64.HasSVE,
	} {
		if !has {
			out = out.Without(f)
		}
	}
	return out
}

package hvaccel

import (
	"errors"
	"reflect"
	"testing"

	"github.com/blacktop/go-hvaccel/arm64"
	"github.com/blacktop/go-hvaccel/hv"
)

// testHostInfo advertises fp, asimd, aes, pmull, sha1, sha2 and crc32 with a
// 40-bit physical range.
func testHostInfo() hv.HostInfo {
	return hv.HostInfo{
		Name: "test",
		IDRegs: arm64.IDRegs{
			arm64.IDAA64PFR0:  0x11,
			arm64.IDAA64ISAR0: 0x1_1120,
			arm64.IDAA64MMFR0: 0x2,
		},
		IPABits:  44,
		MaxVCPUs: 8,
		Granule:  0x4000,
	}
}

func TestProbeSubsetAndStable(t *testing.T) {
	h := infoHost{testHostInfo()}
	a, err := Probe(h, CPUConfig{})
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	b, err := Probe(h, CPUConfig{})
	if err != nil {
		t.Fatalf("second Probe: %v", err)
	}
	if !a.Equal(b) {
		t.Errorf("probes differ:\n%s\n%s", a, b)
	}
	if !a.Features().SubsetOf(arm64.FeaturesFromIDRegs(testHostInfo().IDRegs)) {
		t.Errorf("features %s exceed the host", a.Features())
	}
	for _, f := range []arm64.Feature{arm64.FeatFP, arm64.FeatAES, arm64.FeatPMULL, arm64.FeatCRC32} {
		if !a.Has(f) {
			t.Errorf("missing %s", f)
		}
	}
	if a.IPABits() != 40 {
		t.Errorf("IPABits = %d, want 40 from PARange", a.IPABits())
	}
	if a.Granule() != 0x4000 || a.MaxVCPUs() != 8 || a.Backend() != "test" {
		t.Errorf("caps = %s", a)
	}
}

func TestProbePartial(t *testing.T) {
	h := infoHost{testHostInfo()}

	caps, err := Probe(h, CPUConfig{Disable: []string{"aes"}})
	var pe *PartialCapabilityError
	if !errors.As(err, &pe) {
		t.Fatalf("Probe = %v, want a PartialCapabilityError", err)
	}
	// AES and PMULL share an ID field, so masking one clears both.
	if want := []arm64.Feature{arm64.FeatAES, arm64.FeatPMULL}; !reflect.DeepEqual(pe.Disabled, want) {
		t.Errorf("disabled = %v, want %v", pe.Disabled, want)
	}
	if caps.Has(arm64.FeatAES) || caps.Has(arm64.FeatPMULL) {
		t.Errorf("features = %s, want aes and pmull cleared", caps.Features())
	}
	if got := arm64.FeaturesFromIDRegs(caps.IDRegs()); got != caps.Features() {
		t.Errorf("guest ID registers advertise %s, want %s", got, caps.Features())
	}
	if !caps.Has(arm64.FeatCRC32) {
		t.Error("crc32 lost")
	}

	caps, err = Probe(h, CPUConfig{Features: []string{"crc32", "sve"}})
	if !errors.As(err, &pe) || !reflect.DeepEqual(pe.Unavailable, []arm64.Feature{arm64.FeatSVE}) {
		t.Fatalf("Probe = %v, want sve unavailable", err)
	}
	if caps.Features() != arm64.FeatureSet(0).With(arm64.FeatCRC32) {
		t.Errorf("features = %s, want only crc32", caps.Features())
	}
}

func TestProbeErrors(t *testing.T) {
	tests := []struct {
		name string
		host hv.Host
		req  CPUConfig
		want error
	}{
		{"unsupported host", unsupportedHost{}, CPUConfig{}, ErrHostUnsupported},
		{"missing required", infoHost{testHostInfo()}, CPUConfig{Require: []string{"sve"}}, ErrMissingFeature},
		{"required and disabled", infoHost{testHostInfo()}, CPUConfig{Require: []string{"crc32"}, Disable: []string{"crc32"}}, ErrBadConfig},
		{"unknown feature", infoHost{testHostInfo()}, CPUConfig{Features: []string{"warp"}}, ErrBadConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Probe(tt.host, tt.req)
			if !errors.Is(err, tt.want) {
				t.Fatalf("Probe = %v, want %v", err, tt.want)
			}
			var ce *CapabilityError
			if !errors.As(err, &ce) {
				t.Errorf("error %T is not a CapabilityError", err)
			}
		})
	}
}

func TestHostCPUFeaturesKeepsUndetectable(t *testing.T) {
	// The runtime has no pointer authentication bit, so it is never clamped.
	all := arm64.FeatureSet(0).With(arm64.FeatPAuth).With(arm64.FeatFP)
	got := hostCPUFeatures(all)
	if !got.Has(arm64.FeatPAuth) {
		t.Errorf("hostCPUFeatures dropped pauth: %s", got)
	}
	if !got.SubsetOf(all) {
		t.Errorf("hostCPUFeatures(%s) = %s, added features", all, got)
	}
}

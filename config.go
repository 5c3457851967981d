package hvaccel

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/blacktop/go-hvaccel/arm64"
	"github.com/blacktop/go-hvaccel/hv"
	"github.com/blacktop/go-hvaccel/hv/factory"
)

// HexUint64 is a uint64 that reads from JSON as either a number or a string
// ("0x4000", "16384") and writes as a hex string.
type HexUint64 uint64

func (h HexUint64) MarshalJSON() ([]byte, error) {
	return json.Marshal(fmt.Sprintf("0x%x", uint64(h)))
}

func (h *HexUint64) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		var n uint64
		if err := json.Unmarshal(b, &n); err != nil {
			return fmt.Errorf("hex value %s: %w", b, err)
		}
		*h = HexUint64(n)
		return nil
	}
	v, err := strconv.ParseUint(strings.ReplaceAll(s, "_", ""), 0, 64)
	if err != nil {
		return fmt.Errorf("hex value %q: %w", s, err)
	}
	*h = HexUint64(v)
	return nil
}

// CPUConfig selects the vCPU count and the guest feature set.
type CPUConfig struct {
	Count int `json:"count"`
	// Features is the optional feature list. Empty means everything the
	// host offers.
	Features []string `json:"features,omitempty"`
	Require  []string `json:"require,omitempty"`
	Disable  []string `json:"disable,omitempty"`
	// PSCIBoot keeps secondary CPUs off until the guest issues PSCI CPU_ON.
	PSCIBoot bool `json:"psci_boot,omitempty"`
}

// RegionConfig describes one guest physical region.
type RegionConfig struct {
	Name string     `json:"name"`
	Base HexUint64  `json:"base"`
	Size HexUint64  `json:"size"`
	Kind RegionKind `json:"kind"`
	// Perm is a subset of "rwx". Defaults to "rwx" for RAM and "rx" for ROM.
	Perm string `json:"perm,omitempty"`
	// Device names the MMIO handler registered with WithDevice.
	Device      string    `json:"device,omitempty"`
	Image       string    `json:"image,omitempty"`
	ImageOffset HexUint64 `json:"image_offset,omitempty"`
}

// BootConfig sets the initial register state of every powered-on CPU.
type BootConfig struct {
	Entry     HexUint64            `json:"entry"`
	Registers map[string]HexUint64 `json:"registers,omitempty"`
}

// DebugConfig controls guest debug handling.
type DebugConfig struct {
	TrapBreakpoints bool `json:"trap_breakpoints,omitempty"`
	Trace           bool `json:"trace,omitempty"`
}

// Config is the machine description owned by the front end.
type Config struct {
	Accelerator string         `json:"accelerator,omitempty"`
	CPU         CPUConfig      `json:"cpu"`
	Memory      []RegionConfig `json:"memory"`
	Boot        BootConfig     `json:"boot"`
	Debug       DebugConfig    `json:"debug"`
}

// LoadConfig reads a JSON machine description.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrap(err, "failed to read config")
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrapf(ErrBadConfig, "%s: %v", path, err)
	}
	return cfg, nil
}

// ParsePerm parses an "rwx" style permission string. "-" is ignored.
func ParsePerm(s string) (hv.MemPerm, error) {
	var p hv.MemPerm
	for _, c := range strings.ToLower(s) {
		switch c {
		case 'r':
			p |= hv.MemRead
		case 'w':
			p |= hv.MemWrite
		case 'x':
			p |= hv.MemExec
		case '-':
		default:
			return 0, errors.Wrapf(ErrBadConfig, "permission %q", s)
		}
	}
	return p, nil
}

func parseFeatures(names []string) (arm64.FeatureSet, error) {
	var s arm64.FeatureSet
	for _, n := range names {
		f, err := arm64.ParseFeature(n)
		if err != nil {
			return 0, errors.Wrap(ErrBadConfig, err.Error())
		}
		s = s.With(f)
	}
	return s, nil
}

func (c CPUConfig) count() int {
	if c.Count <= 0 {
		return 1
	}
	return c.Count
}

// Validate checks cfg without touching the host.
func (c *Config) Validate() error {
	if c.Accelerator != "" && !strings.EqualFold(c.Accelerator, factory.Auto) {
		known := false
		for _, n := range factory.Names() {
			if strings.EqualFold(c.Accelerator, n) {
				known = true
			}
		}
		if !known {
			return errors.Wrapf(ErrBadConfig, "unknown accelerator %q", c.Accelerator)
		}
	}
	if c.CPU.Count < 0 {
		return errors.Wrapf(ErrBadConfig, "cpu count %d", c.CPU.Count)
	}
	req, err := parseFeatures(c.CPU.Require)
	if err != nil {
		return err
	}
	if _, err := parseFeatures(c.CPU.Features); err != nil {
		return err
	}
	dis, err := parseFeatures(c.CPU.Disable)
	if err != nil {
		return err
	}
	if both := req & dis; both != 0 {
		return errors.Wrapf(ErrBadConfig, "features both required and disabled: %s", both)
	}
	if len(c.Memory) == 0 {
		return errors.Wrap(ErrBadConfig, "no memory regions")
	}
	names := make(map[string]bool, len(c.Memory))
	for _, r := range c.Memory {
		if r.Name == "" {
			return errors.Wrapf(ErrBadConfig, "region at 0x%x has no name", uint64(r.Base))
		}
		if names[r.Name] {
			return errors.Wrapf(ErrBadConfig, "duplicate region %q", r.Name)
		}
		names[r.Name] = true
		if _, err := ParsePerm(r.Perm); err != nil {
			return err
		}
		if r.Kind == RegionMMIO && r.Device == "" {
			return errors.Wrapf(ErrBadConfig, "mmio region %q has no device", r.Name)
		}
		if r.Image != "" && r.Kind != RegionRAM && r.Kind != RegionROM {
			return errors.Wrapf(ErrBadConfig, "region %q: images load into RAM or ROM only", r.Name)
		}
		if r.ImageOffset >= r.Size && r.Image != "" {
			return errors.Wrapf(ErrBadConfig, "region %q: image offset 0x%x beyond size", r.Name, uint64(r.ImageOffset))
		}
	}
	for name := range c.Boot.Registers {
		if _, err := arm64.ParseReg(name); err != nil {
			return errors.Wrapf(ErrBadConfig, "boot register %q", name)
		}
	}
	return nil
}

// regions converts the config into MemoryRegions. Device lookup happens in
// the machine.
func (c *Config) regions(devices map[string]Device) ([]MemoryRegion, error) {
	out := make([]MemoryRegion, 0, len(c.Memory))
	for i, rc := range c.Memory {
		perm, err := ParsePerm(rc.Perm)
		if err != nil {
			return nil, err
		}
		if rc.Perm == "" {
			switch rc.Kind {
			case RegionRAM:
				perm = hv.MemRead | hv.MemWrite | hv.MemExec
			case RegionROM:
				perm = hv.MemRead | hv.MemExec
			case RegionMMIO:
				perm = hv.MemRead | hv.MemWrite
			}
		}
		r := MemoryRegion{
			ID:   RegionID(i),
			Name: rc.Name,
			Base: uint64(rc.Base),
			Size: uint64(rc.Size),
			Perm: perm,
			Kind: rc.Kind,
		}
		if rc.Kind == RegionMMIO {
			d, ok := devices[rc.Device]
			if !ok {
				return nil, errors.Wrapf(ErrBadConfig, "region %q: no device named %q", rc.Name, rc.Device)
			}
			r.Device = d
		}
		out = append(out, r)
	}
	return out, nil
}

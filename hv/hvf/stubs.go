//go:build !darwin || !arm64

package hvf

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/blacktop/go-hvaccel/hv"
)

// Host is unavailable on this platform.
type Host struct{}

// New returns a host whose Probe always fails with hv.ErrHostUnsupported.
func New(*zap.Logger) *Host { return &Host{} }

func (h *Host) Name() string { return Name }

func (h *Host) Probe() (hv.HostInfo, error) {
	return hv.HostInfo{}, fmt.Errorf("hvf: %w", ErrNotSupported)
}

func (h *Host) NewVM(hv.VMConfig) (hv.VM, error) {
	return nil, fmt.Errorf("hvf: %w", ErrNotSupported)
}

// Supported returns false on non-Darwin platforms.
func Supported() (bool, error) {
	return false, ErrNotSupported
}

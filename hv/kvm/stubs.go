//go:build !linux || !arm64

package kvm

import (
	"go.uber.org/zap"

	"github.com/blacktop/go-hvaccel/hv"
)

// Host is unavailable on this platform.
type Host struct{}

// New returns a host whose Probe always fails with hv.ErrHostUnsupported.
func New(*zap.Logger) *Host { return &Host{} }

func (h *Host) Name() string { return Name }

func (h *Host) Probe() (hv.HostInfo, error) { return hv.HostInfo{}, ErrNotSupported }

func (h *Host) NewVM(hv.VMConfig) (hv.VM, error) { return nil, ErrNotSupported }

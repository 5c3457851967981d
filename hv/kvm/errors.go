package kvm

import (
	"errors"
	"fmt"
	"syscall"

	"github.com/blacktop/go-hvaccel/hv"
)

// Name identifies this backend.
const Name = "kvm"

// DevicePath is the KVM control device.
const DevicePath = "/dev/kvm"

var (
	// ErrNotSupported is returned on hosts that are not linux/arm64.
	ErrNotSupported = fmt.Errorf("kvm: requires linux/arm64: %w", hv.ErrHostUnsupported)
	// ErrAPIVersion is returned when /dev/kvm speaks an unexpected API.
	ErrAPIVersion = fmt.Errorf("kvm: unexpected API version: %w", hv.ErrHostUnsupported)
	ErrVMClosed   = fmt.Errorf("kvm: VM is closed: %w", hv.ErrClosed)
	ErrVCPUClosed = fmt.Errorf("kvm: vCPU is closed: %w", hv.ErrClosed)
)

// sentinelFor maps an errno from the KVM ioctl interface onto the backend
// independent sentinels.
func sentinelFor(errno syscall.Errno) error {
	switch errno {
	case syscall.EMFILE, syscall.ENFILE, syscall.ENOSPC, syscall.ENOMEM:
		return hv.ErrResourceExhausted
	case syscall.ENOENT, syscall.ENODEV, syscall.ENXIO, syscall.EACCES, syscall.EPERM:
		return hv.ErrHostUnsupported
	case syscall.EINVAL, syscall.EEXIST, syscall.EFAULT:
		return hv.ErrBadArgument
	case syscall.ENOEXEC:
		return hv.ErrNoRegister
	}
	return nil
}

// kvmErr wraps a failed KVM operation. Both the errno and the matching hv
// sentinel stay reachable through errors.Is.
func kvmErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		if s := sentinelFor(errno); s != nil {
			err = fmt.Errorf("%w (%w)", errno, s)
		}
	}
	return &hv.Error{Backend: Name, Op: op, Err: err}
}

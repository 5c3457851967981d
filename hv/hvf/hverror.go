package hvf

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/blacktop/go-hvaccel/hv"
)

// Hypervisor Framework hv_return_t constants for ARM64
const (
	HV_SUCCESS             uint32 = 0x00000000
	HV_ERROR               uint32 = 0xFAE94001
	HV_BUSY                uint32 = 0xFAE94002
	HV_BAD_ARGUMENT        uint32 = 0xFAE94003
	HV_ILLEGAL_GUEST_STATE uint32 = 0xFAE94004
	HV_NO_RESOURCES        uint32 = 0xFAE94005
	HV_NO_DEVICE           uint32 = 0xFAE94006
	HV_DENIED              uint32 = 0xFAE94007
	HV_EXISTS              uint32 = 0xFAE94008
	HV_UNSUPPORTED         uint32 = 0xFAE9400F
)

// HVError wraps an hv_return_t error code.
// Code stores the raw 32-bit hv_return_t value (often 0xFAE940xx).
type HVError struct {
	Code    uint32
	message string // Optional custom message for specific errors
}

func (e HVError) Error() string {
	if e.message != "" {
		return e.message
	}
	if isProductionEnv() {
		return e.sanitizedError()
	}
	return e.detailedError()
}

// Is maps framework codes onto the backend neutral sentinels so callers can
// test errors.Is(err, hv.ErrResourceExhausted) without knowing the host.
func (e HVError) Is(target error) bool {
	switch target {
	case hv.ErrResourceExhausted:
		return e.Code == HV_NO_RESOURCES
	case hv.ErrHostUnsupported:
		return e.Code == HV_UNSUPPORTED || e.Code == HV_DENIED || e.Code == HV_NO_DEVICE
	case hv.ErrBadArgument:
		return e.Code == HV_BAD_ARGUMENT
	}
	if t, ok := target.(HVError); ok {
		return t.Code == e.Code
	}
	return false
}

// detailedError provides full error context for development
func (e HVError) detailedError() string {
	switch e.Code {
	case HV_SUCCESS:
		return "hv: success"
	case HV_ERROR:
		return "hv: general error (HV_ERROR) - check system requirements and API usage"
	case HV_BUSY:
		return "hv: resource busy (HV_BUSY) - another operation is in progress"
	case HV_BAD_ARGUMENT:
		return "hv: invalid argument (HV_BAD_ARGUMENT) - check parameter values and alignment"
	case HV_ILLEGAL_GUEST_STATE:
		return "hv: illegal guest state (HV_ILLEGAL_GUEST_STATE) - guest CPU state is invalid"
	case HV_NO_RESOURCES:
		return "hv: insufficient resources (HV_NO_RESOURCES) - vCPU or memory limit exceeded"
	case HV_NO_DEVICE:
		return "hv: device not found (HV_NO_DEVICE) - hardware virtualization unavailable"
	case HV_DENIED:
		return "hv: access denied (HV_DENIED) - missing entitlement 'com.apple.security.hypervisor' or insufficient privileges"
	case HV_EXISTS:
		return "hv: resource exists (HV_EXISTS) - VM or vCPU already created"
	case HV_UNSUPPORTED:
		return "hv: operation unsupported (HV_UNSUPPORTED) - feature not available on this hardware/OS"
	default:
		return fmt.Sprintf("hv: unknown error code 0x%08x - consult Apple Hypervisor.framework documentation", e.Code)
	}
}

// sanitizedError provides minimal error information for production
func (e HVError) sanitizedError() string {
	switch e.Code {
	case HV_SUCCESS:
		return "hv: success"
	case HV_ERROR:
		return "hv: general error"
	case HV_BUSY:
		return "hv: resource busy"
	case HV_BAD_ARGUMENT:
		return "hv: invalid argument"
	case HV_ILLEGAL_GUEST_STATE:
		return "hv: illegal guest state"
	case HV_NO_RESOURCES:
		return "hv: insufficient resources"
	case HV_NO_DEVICE:
		return "hv: device not found"
	case HV_DENIED:
		return "hv: access denied"
	case HV_EXISTS:
		return "hv: resource exists"
	case HV_UNSUPPORTED:
		return "hv: operation unsupported"
	default:
		return "hv: hypervisor error"
	}
}

// isProductionEnv checks if we're running in production environment
func isProductionEnv() bool {
	env := os.Getenv("HV_ENV")
	if env == "production" || env == "prod" {
		return true
	}
	if debug := os.Getenv("HV_DEBUG"); debug != "" {
		if val, err := strconv.ParseBool(debug); err == nil && !val {
			return true
		}
	}
	return false
}

func hvErr(code uint32) error {
	if code == HV_SUCCESS {
		return nil
	}
	return HVError{Code: code}
}

// Common specific errors for API consumers
var (
	ErrVMClosed        = HVError{Code: HV_ERROR, message: "hv: VM is closed"}
	ErrVCPUClosed      = HVError{Code: HV_ERROR, message: "hv: VCPU is closed"}
	ErrVMAlreadyActive = HVError{Code: HV_BUSY, message: "hv: VM already active in this process"}
	ErrNotSupported    = HVError{Code: HV_UNSUPPORTED, message: "hv: Hypervisor.framework requires darwin/arm64"}
)

// IsEntitlementError reports whether err means the binary lacks the
// com.apple.security.hypervisor entitlement.
func IsEntitlementError(err error) bool {
	var he HVError
	return errors.As(err, &he) && he.Code == HV_DENIED
}

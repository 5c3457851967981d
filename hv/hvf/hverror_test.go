package hvf

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/blacktop/go-hvaccel/hv"
)

func TestHVError(t *testing.T) {
	tests := []struct {
		name     string
		code     uint32
		expected string
	}{
		{
			name:     "HV_SUCCESS",
			code:     HV_SUCCESS,
			expected: "hv: success",
		},
		{
			name:     "HV_BUSY",
			code:     HV_BUSY,
			expected: "hv: resource busy (HV_BUSY) - another operation is in progress",
		},
		{
			name:     "HV_NO_RESOURCES",
			code:     HV_NO_RESOURCES,
			expected: "hv: insufficient resources (HV_NO_RESOURCES) - vCPU or memory limit exceeded",
		},
		{
			name:     "HV_DENIED",
			code:     HV_DENIED,
			expected: "hv: access denied (HV_DENIED) - missing entitlement 'com.apple.security.hypervisor' or insufficient privileges",
		},
		{
			name:     "Unknown error code",
			code:     0x12345678,
			expected: "hv: unknown error code 0x12345678 - consult Apple Hypervisor.framework documentation",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("HV_ENV", "")
			t.Setenv("HV_DEBUG", "")
			err := HVError{Code: tt.code}
			if got := err.Error(); got != tt.expected {
				t.Errorf("HVError{Code: 0x%08x}.Error() = %q, want %q", tt.code, got, tt.expected)
			}
		})
	}
}

func TestSanitizedErrors(t *testing.T) {
	t.Setenv("HV_ENV", "production")
	if got := (HVError{Code: HV_DENIED}).Error(); got != "hv: access denied" {
		t.Errorf("sanitized HV_DENIED = %q", got)
	}
	t.Setenv("HV_ENV", "")
	t.Setenv("HV_DEBUG", "false")
	if got := (HVError{Code: HV_ERROR}).Error(); strings.Contains(got, "HV_ERROR") {
		t.Errorf("HV_DEBUG=false should sanitize, got %q", got)
	}
}

func TestHVErrorSentinels(t *testing.T) {
	tests := []struct {
		code   uint32
		target error
		want   bool
	}{
		{HV_NO_RESOURCES, hv.ErrResourceExhausted, true},
		{HV_DENIED, hv.ErrHostUnsupported, true},
		{HV_UNSUPPORTED, hv.ErrHostUnsupported, true},
		{HV_NO_DEVICE, hv.ErrHostUnsupported, true},
		{HV_BAD_ARGUMENT, hv.ErrBadArgument, true},
		{HV_BUSY, hv.ErrResourceExhausted, false},
		{HV_ERROR, hv.ErrHostUnsupported, false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("0x%08x/%v", tt.code, tt.target), func(t *testing.T) {
			err := fmt.Errorf("failed to create vCPU: %w", hvErr(tt.code))
			if got := errors.Is(err, tt.target); got != tt.want {
				t.Errorf("errors.Is(%v, %v) = %v, want %v", err, tt.target, got, tt.want)
			}
		})
	}
	if hvErr(HV_SUCCESS) != nil {
		t.Error("HV_SUCCESS should map to nil")
	}
	if !IsEntitlementError(fmt.Errorf("create: %w", hvErr(HV_DENIED))) {
		t.Error("HV_DENIED should be reported as an entitlement error")
	}
}

func TestErrorConstants(t *testing.T) {
	expectedCodes := map[string]uint32{
		"HV_SUCCESS":             0x00000000,
		"HV_ERROR":               0xFAE94001,
		"HV_BUSY":                0xFAE94002,
		"HV_BAD_ARGUMENT":        0xFAE94003,
		"HV_ILLEGAL_GUEST_STATE": 0xFAE94004,
		"HV_NO_RESOURCES":        0xFAE94005,
		"HV_NO_DEVICE":           0xFAE94006,
		"HV_DENIED":              0xFAE94007,
		"HV_EXISTS":              0xFAE94008,
		"HV_UNSUPPORTED":         0xFAE9400F,
	}

	actualCodes := map[string]uint32{
		"HV_SUCCESS":             HV_SUCCESS,
		"HV_ERROR":               HV_ERROR,
		"HV_BUSY":                HV_BUSY,
		"HV_BAD_ARGUMENT":        HV_BAD_ARGUMENT,
		"HV_ILLEGAL_GUEST_STATE": HV_ILLEGAL_GUEST_STATE,
		"HV_NO_RESOURCES":        HV_NO_RESOURCES,
		"HV_NO_DEVICE":           HV_NO_DEVICE,
		"HV_DENIED":              HV_DENIED,
		"HV_EXISTS":              HV_EXISTS,
		"HV_UNSUPPORTED":         HV_UNSUPPORTED,
	}

	for name, expected := range expectedCodes {
		actual, exists := actualCodes[name]
		if !exists {
			t.Errorf("Missing constant %s", name)
			continue
		}
		if actual != expected {
			t.Errorf("Constant %s = 0x%08x, want 0x%08x", name, actual, expected)
		}
	}
}

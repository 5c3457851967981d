package hvaccel

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/blacktop/go-hvaccel/arm64"
	"github.com/blacktop/go-hvaccel/hv"
)

// Sentinel errors. Match them with errors.Is; the typed errors below carry
// the context.
var (
	ErrHostUnsupported   = hv.ErrHostUnsupported
	ErrResourceExhausted = hv.ErrResourceExhausted

	ErrMissingFeature      = errors.New("hvaccel: required CPU feature unavailable")
	ErrOverlap             = errors.New("hvaccel: region overlaps an existing region")
	ErrMisaligned          = errors.New("hvaccel: region not aligned to the host granule")
	ErrOutOfHostMemory     = errors.New("hvaccel: out of host memory")
	ErrNotMapped           = errors.New("hvaccel: no region at address")
	ErrBadRegion           = errors.New("hvaccel: invalid region")
	ErrInvalidState        = errors.New("hvaccel: operation invalid in current state")
	ErrStillRunning        = errors.New("hvaccel: vcpu still running")
	ErrUnsupportedRegister = errors.New("hvaccel: required register not exposed by host")
	ErrReadOnlyRegister    = errors.New("hvaccel: register is read-only")
	ErrUnhandledExit       = errors.New("hvaccel: unhandled exit")
	ErrBadConfig           = errors.New("hvaccel: invalid configuration")
)

// CapabilityError reports that the host cannot provide what was asked for.
type CapabilityError struct {
	Backend  string
	Features []arm64.Feature
	Err      error
}

func (e *CapabilityError) Error() string {
	var b strings.Builder
	b.WriteString("capability")
	if e.Backend != "" {
		fmt.Fprintf(&b, " (%s)", e.Backend)
	}
	if len(e.Features) > 0 {
		fmt.Fprintf(&b, " %v", e.Features)
	}
	fmt.Fprintf(&b, ": %v", e.Err)
	return b.String()
}

func (e *CapabilityError) Unwrap() error { return e.Err }

// PartialCapabilityError is returned alongside a usable CapabilitySet when
// optional features were cleared. It is not fatal.
type PartialCapabilityError struct {
	Backend     string
	Unavailable []arm64.Feature
	Disabled    []arm64.Feature
}

func (e *PartialCapabilityError) Error() string {
	var parts []string
	if len(e.Unavailable) > 0 {
		parts = append(parts, fmt.Sprintf("unavailable %v", e.Unavailable))
	}
	if len(e.Disabled) > 0 {
		parts = append(parts, fmt.Sprintf("disabled %v", e.Disabled))
	}
	return fmt.Sprintf("capability (%s): features cleared: %s", e.Backend, strings.Join(parts, ", "))
}

// MappingError reports a guest address space failure.
type MappingError struct {
	Region string
	Base   uint64
	Size   uint64
	Err    error
}

func (e *MappingError) Error() string {
	return fmt.Sprintf("mapping %q [0x%x-0x%x): %v", e.Region, e.Base, e.Base+e.Size, e.Err)
}

func (e *MappingError) Unwrap() error { return e.Err }

// StateError reports an operation attempted in the wrong lifecycle state or
// a host execution context failure.
type StateError struct {
	CPU   int
	Op    string
	State string
	Err   error
}

func (e *StateError) Error() string {
	if e.State != "" {
		return fmt.Sprintf("cpu%d: %s in state %s: %v", e.CPU, e.Op, e.State, e.Err)
	}
	return fmt.Sprintf("cpu%d: %s: %v", e.CPU, e.Op, e.Err)
}

func (e *StateError) Unwrap() error { return e.Err }

// ExitClassificationError reports an exit no handler accepts.
type ExitClassificationError struct {
	CPU  int
	Exit hv.Exit
	Err  error
}

func (e *ExitClassificationError) Error() string {
	return fmt.Sprintf("cpu%d: %v: %s", e.CPU, e.Err, e.Exit)
}

func (e *ExitClassificationError) Unwrap() error { return e.Err }

// DeviceDelegationError wraps a failure returned by a Device.
type DeviceDelegationError struct {
	Region string
	Offset uint64
	Kind   AccessKind
	Size   int
	Err    error
}

func (e *DeviceDelegationError) Error() string {
	return fmt.Sprintf("device %q: %s of %d bytes at +0x%x: %v", e.Region, e.Kind, e.Size, e.Offset, e.Err)
}

func (e *DeviceDelegationError) Unwrap() error { return e.Err }

func stateErr(cpu int, op string, state VCPUState, err error) error {
	return &StateError{CPU: cpu, Op: op, State: state.String(), Err: err}
}

func mappingErr(r *MemoryRegion, err error) error {
	return &MappingError{Region: r.Name, Base: r.Base, Size: r.Size, Err: err}
}

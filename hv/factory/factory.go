// Package factory turns an accelerator name into the ordered list of host
// primitives to try.
package factory

import (
	"fmt"
	"runtime"
	"strings"

	"go.uber.org/zap"

	"github.com/blacktop/go-hvaccel/hv"
	"github.com/blacktop/go-hvaccel/hv/hvf"
	"github.com/blacktop/go-hvaccel/hv/kvm"
	"github.com/blacktop/go-hvaccel/hv/soft"
)

// Auto selects the platform's hardware primitive with the interpreter as
// fallback.
const Auto = "auto"

// Names lists every accepted accelerator name.
func Names() []string { return []string{Auto, hvf.Name, kvm.Name, soft.Name} }

// Options tunes the hosts the factory builds.
type Options struct {
	Logger *zap.Logger
	// Trace enables per-instruction tracing in the interpreter.
	Trace bool
}

// Native returns the hardware primitive for the running platform, or nil.
func Native(log *zap.Logger) hv.Host {
	switch runtime.GOOS + "/" + runtime.GOARCH {
	case "darwin/arm64":
		return hvf.New(log)
	case "linux/arm64":
		return kvm.New(log)
	}
	return nil
}

// Open returns the candidates for name in probe order. "auto" (or the empty
// string) yields the native primitive followed by the interpreter.
func Open(name string, o Options) ([]hv.Host, error) {
	log := o.Logger
	if log == nil {
		log = zap.NewNop()
	}
	interp := soft.New(soft.WithLogger(log.With(zap.String("backend", soft.Name))), soft.WithTrace(o.Trace))

	switch strings.ToLower(name) {
	case "", Auto:
		if h := Native(log); h != nil {
			return []hv.Host{h, interp}, nil
		}
		return []hv.Host{interp}, nil
	case hvf.Name:
		return []hv.Host{hvf.New(log)}, nil
	case kvm.Name:
		return []hv.Host{kvm.New(log)}, nil
	case soft.Name:
		return []hv.Host{interp}, nil
	}
	return nil, fmt.Errorf("factory: unknown accelerator %q (want one of %s): %w",
		name, strings.Join(Names(), ", "), hv.ErrBadArgument)
}

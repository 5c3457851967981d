package hvaccel

import (
	"maps"

	"github.com/pkg/errors"

	"github.com/blacktop/go-hvaccel/arm64"
	"github.com/blacktop/go-hvaccel/hv"
)

// RegisterFrame is a vCPU's architectural state as the core sees it.
type RegisterFrame struct {
	Regs [arm64.NumRegs]uint64
	// Opaque holds host registers the core does not interpret, keyed by
	// their host native id. They round-trip unchanged.
	Opaque map[uint64]uint64
}

var _ arm64.RegisterFile = (*RegisterFrame)(nil)

// Get implements arm64.RegisterFile. XZR reads as zero.
func (f *RegisterFrame) Get(r arm64.Reg) uint64 {
	if !r.Valid() {
		return 0
	}
	return f.Regs[r]
}

// Set implements arm64.RegisterFile. Writes to XZR are discarded.
func (f *RegisterFrame) Set(r arm64.Reg, v uint64) {
	if r.Valid() {
		f.Regs[r] = v
	}
}

// Clone returns a deep copy of f.
func (f RegisterFrame) Clone() RegisterFrame {
	f.Opaque = maps.Clone(f.Opaque)
	return f
}

// Equal compares logical and opaque state.
func (f RegisterFrame) Equal(o RegisterFrame) bool {
	return f.Regs == o.Regs && maps.Equal(f.Opaque, o.Opaque)
}

// regSync moves a RegisterFrame across the host boundary.
type regSync struct {
	hw     hv.VCPU
	descs  []hv.RegDesc
	opaque map[uint64]bool
	shadow RegisterFrame
	pushed bool
}

func newRegSync(hw hv.VCPU) (*regSync, error) {
	descs := hw.Registers()
	have := make(map[arm64.Reg]bool, len(descs))
	opaque := make(map[uint64]bool)
	for _, d := range descs {
		if d.Logical {
			have[d.Reg] = true
		} else {
			opaque[d.ID] = true
		}
	}
	for _, r := range arm64.RequiredRegs {
		if !have[r] {
			return nil, errors.Wrapf(ErrUnsupportedRegister, "%s", r)
		}
	}
	return &regSync{hw: hw, descs: descs, opaque: opaque}, nil
}

// pull reads every described register.
func (s *regSync) pull() (RegisterFrame, error) {
	f := RegisterFrame{Opaque: make(map[uint64]uint64)}
	for _, d := range s.descs {
		v, err := s.hw.GetRaw(d.ID)
		if err != nil {
			if errors.Is(err, hv.ErrNoRegister) {
				err = errors.Wrap(ErrUnsupportedRegister, err.Error())
			}
			return RegisterFrame{}, errors.Wrapf(err, "read %s", d.Name)
		}
		if d.Logical {
			f.Regs[d.Reg] = v
		} else {
			f.Opaque[d.ID] = v
		}
	}
	s.shadow = f.Clone()
	recordRegisterSync()
	return f, nil
}

// check rejects frames the host could not hold: opaque ids it never
// described and changes to read-only registers.
func (s *regSync) check(f RegisterFrame) error {
	for id := range f.Opaque {
		if !s.opaque[id] {
			return errors.Wrapf(ErrUnsupportedRegister, "opaque register %#x", id)
		}
	}
	for _, d := range s.descs {
		if !d.ReadOnly {
			continue
		}
		if d.Logical && f.Regs[d.Reg] != s.shadow.Regs[d.Reg] {
			return errors.Wrapf(ErrReadOnlyRegister, "%s", d.Name)
		}
		if v, ok := f.Opaque[d.ID]; !d.Logical && ok && v != s.shadow.Opaque[d.ID] {
			return errors.Wrapf(ErrReadOnlyRegister, "%s", d.Name)
		}
	}
	return nil
}

// push writes registers that differ from the last value seen on the host.
// The first push writes everything. Nothing is written when f is rejected.
func (s *regSync) push(f RegisterFrame) error {
	if err := s.check(f); err != nil {
		return err
	}
	for _, d := range s.descs {
		if d.ReadOnly {
			continue
		}
		var v, old uint64
		if d.Logical {
			v, old = f.Regs[d.Reg], s.shadow.Regs[d.Reg]
		} else {
			var ok bool
			if v, ok = f.Opaque[d.ID]; !ok {
				continue
			}
			old = s.shadow.Opaque[d.ID]
		}
		if s.pushed && v == old {
			continue
		}
		if err := s.hw.SetRaw(d.ID, v); err != nil {
			return errors.Wrapf(err, "write %s", d.Name)
		}
		if d.Logical {
			s.shadow.Regs[d.Reg] = v
		} else {
			if s.shadow.Opaque == nil {
				s.shadow.Opaque = make(map[uint64]uint64)
			}
			s.shadow.Opaque[d.ID] = v
		}
	}
	s.pushed = true
	recordRegisterSync()
	return nil
}

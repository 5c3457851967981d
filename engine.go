package hvaccel

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/blacktop/go-hvaccel/arm64"
	"github.com/blacktop/go-hvaccel/hv"
)

// loop is the per-vCPU engine: run, dispatch, perform, until the vCPU is
// killed or its exit stops the machine.
func (m *Machine) loop(v *VCPU) {
	defer m.wg.Done()
	for {
		if !m.safePoint() || v.Killed() {
			return
		}
		switch v.powerState() {
		case powerOff:
			v.wait(WaitPowerOff)
			continue
		case powerOnPending:
			v.powerUp()
		}

		rec, err := v.Run()
		if err != nil {
			if !v.Killed() {
				m.report(ShutdownReason{Kind: ShutdownFatal, CPU: v.Index(), Err: err})
			}
			return
		}
		if rec.Reason == hv.ExitKilled {
			return
		}
		if !m.perform(v, rec, m.dispatch.Dispatch(v, rec)) {
			return
		}
	}
}

// perform carries out act for the exit rec on v. It returns false when the
// vCPU must stop running.
func (m *Machine) perform(v *VCPU, rec ExitRecord, act Action) bool {
	recordExit(act.Class)
	switch act.Kind {
	case ActionResume:
		return m.resume(v, act)

	case ActionResumeWithInjection:
		v.inject.push(act.Exception)
		if act.MaskTimer {
			if err := v.maskTimer(); err != nil {
				v.log.Warn("failed to mask vtimer", zap.Error(err))
			}
		}
		return true

	case ActionDelegateToDevice:
		return m.delegate(v, rec, act)

	case ActionHalt:
		if act.Halt == HaltCPUOff {
			v.powerDown()
			v.log.Info("cpu off")
			if m.allOff() {
				m.report(ShutdownReason{Kind: ShutdownAllCPUsOff, CPU: v.Index()})
				return false
			}
			return true
		}
		m.report(ShutdownReason{Kind: haltShutdown(act.Halt), CPU: v.Index()})
		return false

	case ActionFatalShutdown:
		m.report(ShutdownReason{Kind: ShutdownFatal, CPU: v.Index(), Err: act.Err})
		return false
	}
	m.report(ShutdownReason{Kind: ShutdownFatal, CPU: v.Index(),
		Err: errors.Wrapf(ErrUnhandledExit, "action %s", act.Kind)})
	return false
}

func (m *Machine) resume(v *VCPU, act Action) bool {
	var onStatus int64
	if act.CPUOn != nil {
		onStatus = arm64.PSCIInvalidParams
		if t, ok := m.cpuByMPIDR(act.CPUOn.Target); ok {
			onStatus = t.requestOn(act.CPUOn.Entry, act.CPUOn.Context)
		}
	}
	v.withFrame(func(f *RegisterFrame) {
		for _, w := range act.Writes {
			f.Set(w.Reg, w.Value)
		}
		if act.AdvancePC {
			f.Set(arm64.RegPC, f.Get(arm64.RegPC)+4)
		}
		if act.CPUOn != nil {
			f.Set(arm64.RegX0, arm64.PSCIReturn(onStatus))
		}
	})
	if act.CompleteMMIO {
		if err := v.completeMMIO(0); err != nil {
			m.report(ShutdownReason{Kind: ShutdownFatal, CPU: v.Index(), Err: err})
			return false
		}
	}
	v.wait(act.Wait)
	return true
}

// delegate hands an MMIO access to the region's device and applies the
// result.
func (m *Machine) delegate(v *VCPU, rec ExitRecord, act Action) bool {
	acc := act.Access
	recordDelegation()
	val, err := act.Region.Device.HandleMMIO(act.Region.ID, acc.Offset, acc.Kind, acc.Size, acc.Data)
	if err != nil {
		recordDeviceFailure()
		derr := &DeviceDelegationError{Region: act.Region.Name, Offset: acc.Offset, Kind: acc.Kind, Size: acc.Size, Err: err}
		if acc.HostCompleted {
			m.report(ShutdownReason{Kind: ShutdownFatal, CPU: v.Index(), Err: derr})
			return false
		}
		v.log.Warn("device failed, raising external abort", zap.Error(derr))
		f := v.Frame()
		v.inject.push(DataAbort(rec.VirtAddr, acc.Kind == AccessWrite, f.Get(arm64.RegCPSR)))
		return true
	}

	if acc.HostCompleted {
		if acc.Kind == AccessWrite {
			val = 0
		}
		if err := v.completeMMIO(truncate(val, acc.Size)); err != nil {
			m.report(ShutdownReason{Kind: ShutdownFatal, CPU: v.Index(), Err: err})
			return false
		}
		return true
	}
	v.withFrame(func(f *RegisterFrame) {
		if acc.Kind == AccessRead && acc.Reg != arm64.RegXZR {
			f.Set(acc.Reg, extend(val, acc))
		}
		f.Set(arm64.RegPC, f.Get(arm64.RegPC)+4)
	})
	return true
}

// allOff reports whether no vCPU is powered on or about to be.
func (m *Machine) allOff() bool {
	for _, c := range m.cpus {
		if c.powerState() != powerOff {
			return false
		}
	}
	return true
}

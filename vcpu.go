package hvaccel

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/blacktop/go-hvaccel/arm64"
	"github.com/blacktop/go-hvaccel/hv"
)

// ExitRecord is one exit reported by the host primitive.
type ExitRecord = hv.Exit

// VCPUState is the lifecycle state of a VCPU.
type VCPUState int32

const (
	VCPUCreated VCPUState = iota
	VCPURunning
	VCPUExited
	VCPUDestroyed
	VCPUKilled
)

var vcpuStateNames = [...]string{"Created", "Running", "Exited", "Destroyed", "Killed"}

func (s VCPUState) String() string {
	if s >= 0 && int(s) < len(vcpuStateNames) {
		return vcpuStateNames[s]
	}
	return "Unknown"
}

type powerState int32

const (
	powerOff powerState = iota
	powerOnPending
	powerOn
)

// wfeTimeout bounds a WFE park; an event from another CPU is never
// signalled explicitly.
const wfeTimeout = time.Millisecond

// wfiTimeout bounds a WFI park on hardware backends so an armed virtual
// timer is observed on the next entry.
const wfiTimeout = 10 * time.Millisecond

// VCPU is one guest CPU bound to a host execution context. Every call into
// the host primitive runs on a dedicated goroutine locked to the OS thread
// that created the context. Kill, Inject, State and Frame are safe from any
// goroutine.
type VCPU struct {
	index int
	mpidr uint64
	caps  CapabilitySet
	log   *zap.Logger

	tid    atomic.Int64
	state  atomic.Int32
	killed atomic.Bool

	cmds      chan func()
	cmdMu     sync.Mutex
	cmdClosed bool
	done      chan struct{}

	// Owned by the thread goroutine.
	hw          hv.VCPU
	sync        *regSync
	lastExit    hv.Exit
	held        [2]bool
	timerMasked bool

	frameMu sync.Mutex
	frame   RegisterFrame

	inject injectQueue
	wake   chan struct{}

	power     atomic.Int32
	bootMu    sync.Mutex
	bootEntry uint64
	bootCtx   uint64
}

// newVCPU creates the host context for cfg on a new locked OS thread and
// returns once the initial register state has been pulled.
func newVCPU(vm hv.VM, cfg hv.VCPUConfig, caps CapabilitySet, log *zap.Logger) (*VCPU, error) {
	if max := caps.MaxVCPUs(); max > 0 && cfg.Index >= max {
		recordResourceError()
		return nil, &StateError{CPU: cfg.Index, Op: "create", Err: errors.Wrapf(ErrResourceExhausted, "host allows %d vcpus", max)}
	}
	if log == nil {
		log = Logger()
	}
	v := &VCPU{
		index: cfg.Index,
		mpidr: cfg.MPIDR,
		caps:  caps,
		log:   log.With(zap.Int("cpu", cfg.Index)),
		cmds:  make(chan func()),
		done:  make(chan struct{}),
		wake:  make(chan struct{}, 1),
	}
	v.state.Store(int32(VCPUCreated))
	if !cfg.PoweredOff {
		v.power.Store(int32(powerOn))
	}
	ready := make(chan error, 1)
	go v.serve(vm, cfg, ready)
	if err := <-ready; err != nil {
		if errors.Is(err, hv.ErrResourceExhausted) {
			recordResourceError()
		}
		return nil, &StateError{CPU: cfg.Index, Op: "create", Err: err}
	}
	recordVCPUCreate()
	v.log.Debug("vcpu created", zap.Int64("tid", v.tid.Load()))
	return v, nil
}

func (v *VCPU) serve(vm hv.VM, cfg hv.VCPUConfig, ready chan<- error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(v.done)

	hw, err := vm.NewVCPU(cfg)
	if err != nil {
		ready <- err
		return
	}
	v.tid.Store(int64(threadID()))
	s, err := newRegSync(hw)
	if err == nil {
		v.frame, err = s.pull()
	}
	if err != nil {
		_ = hw.Close()
		ready <- err
		return
	}
	v.hw, v.sync = hw, s
	ready <- nil

	for fn := range v.cmds {
		fn()
	}
}

// do runs fn on the owning thread and waits for it.
func (v *VCPU) do(fn func()) error {
	done := make(chan struct{})
	v.cmdMu.Lock()
	if v.cmdClosed {
		v.cmdMu.Unlock()
		return stateErr(v.index, "call", v.State(), ErrInvalidState)
	}
	v.cmds <- func() {
		defer close(done)
		fn()
	}
	v.cmdMu.Unlock()
	<-done
	return nil
}

// Index is the logical CPU number.
func (v *VCPU) Index() int { return v.index }

// MPIDR is the affinity value the guest reads from MPIDR_EL1.
func (v *VCPU) MPIDR() uint64 { return v.mpidr }

// ThreadID is the host thread the context is bound to.
func (v *VCPU) ThreadID() int64 { return v.tid.Load() }

func (v *VCPU) State() VCPUState { return VCPUState(v.state.Load()) }

// Frame returns a copy of the last synchronized register state.
func (v *VCPU) Frame() RegisterFrame {
	v.frameMu.Lock()
	defer v.frameMu.Unlock()
	return v.frame.Clone()
}

// SetFrame replaces the register state pushed on the next Run.
func (v *VCPU) SetFrame(f RegisterFrame) error {
	if s := v.State(); s == VCPURunning || s == VCPUDestroyed {
		return stateErr(v.index, "set frame", s, ErrInvalidState)
	}
	v.frameMu.Lock()
	v.frame = f.Clone()
	v.frameMu.Unlock()
	return nil
}

func (v *VCPU) withFrame(fn func(f *RegisterFrame)) {
	v.frameMu.Lock()
	defer v.frameMu.Unlock()
	fn(&v.frame)
}

// Pull refreshes the frame from the host and returns it.
func (v *VCPU) Pull() (RegisterFrame, error) {
	if s := v.State(); s == VCPURunning || s == VCPUDestroyed {
		return RegisterFrame{}, stateErr(v.index, "pull", s, ErrInvalidState)
	}
	var (
		f   RegisterFrame
		err error
	)
	if derr := v.do(func() { f, err = v.sync.pull() }); derr != nil {
		return RegisterFrame{}, derr
	}
	if err != nil {
		return RegisterFrame{}, stateErr(v.index, "pull", v.State(), err)
	}
	v.frameMu.Lock()
	v.frame = f.Clone()
	v.frameMu.Unlock()
	return f, nil
}

// Push writes f to the host and makes it the current frame.
func (v *VCPU) Push(f RegisterFrame) error {
	if s := v.State(); s == VCPURunning || s == VCPUDestroyed {
		return stateErr(v.index, "push", s, ErrInvalidState)
	}
	var err error
	if derr := v.do(func() { err = v.sync.push(f) }); derr != nil {
		return derr
	}
	if err != nil {
		return stateErr(v.index, "push", v.State(), err)
	}
	v.frameMu.Lock()
	v.frame = f.Clone()
	v.frameMu.Unlock()
	return nil
}

// Run delivers pending injections, enters the guest and returns at the next
// exit. It is only valid in Created or Exited. A kill makes Run return an
// ExitKilled record and leaves the vCPU in Killed.
func (v *VCPU) Run() (ExitRecord, error) {
	if !v.state.CompareAndSwap(int32(VCPUCreated), int32(VCPURunning)) &&
		!v.state.CompareAndSwap(int32(VCPUExited), int32(VCPURunning)) {
		return ExitRecord{}, stateErr(v.index, "run", v.State(), ErrInvalidState)
	}
	var (
		exit ExitRecord
		err  error
	)
	if derr := v.do(func() { exit, err = v.runOnce() }); derr != nil {
		v.state.Store(int32(VCPUExited))
		return ExitRecord{}, derr
	}
	return exit, err
}

func (v *VCPU) killedExit() (ExitRecord, error) {
	v.state.Store(int32(VCPUKilled))
	return ExitRecord{Reason: hv.ExitKilled}, nil
}

// runOnce is the owning thread half of Run.
func (v *VCPU) runOnce() (ExitRecord, error) {
	if v.killed.Load() {
		return v.killedExit()
	}
	var err error
	v.frameMu.Lock()
	if !v.lastExit.HostLatched {
		err = v.deliver(&v.frame)
	}
	if err == nil {
		err = v.sync.push(v.frame)
	}
	v.frameMu.Unlock()
	if err != nil {
		v.state.Store(int32(VCPUExited))
		return ExitRecord{}, stateErr(v.index, "push", VCPURunning, err)
	}

	start := time.Now()
	exit, runErr := v.hw.Run()
	recordRun(time.Since(start))

	f, pullErr := v.sync.pull()
	if pullErr == nil {
		v.frameMu.Lock()
		v.frame = f
		v.frameMu.Unlock()
		v.settleLines(f.Get(arm64.RegCPSR))
	}
	v.lastExit = exit

	if v.killed.Load() {
		return v.killedExit()
	}
	v.state.Store(int32(VCPUExited))
	switch {
	case runErr != nil:
		return exit, stateErr(v.index, "run", VCPURunning, runErr)
	case pullErr != nil:
		return exit, stateErr(v.index, "pull", VCPURunning, pullErr)
	}
	return exit, nil
}

// deliver applies pending injections to f. Called with frameMu held on the
// owning thread.
func (v *VCPU) deliver(f *RegisterFrame) error {
	var line hv.InterruptLine
	if l, ok := v.hw.(hv.InterruptLine); ok {
		line = l
	}
	n, err := v.inject.deliver(f, line, &v.held)
	for range n {
		recordInjection()
	}
	return err
}

// settleLines lowers interrupt lines the guest has had the chance to take
// and unmasks the virtual timer once its IRQ is out of the way.
func (v *VCPU) settleLines(cpsr uint64) {
	line, _ := v.hw.(hv.InterruptLine)
	for ik, kind := range [2]arm64.ExceptionKind{arm64.ExceptionIRQ, arm64.ExceptionFIQ} {
		if !v.held[ik] || kind.Masked(cpsr) || line == nil {
			continue
		}
		if err := line.SetPendingInterrupt(hv.InterruptKind(ik), false); err != nil {
			v.log.Warn("failed to lower interrupt line", zap.Stringer("line", hv.InterruptKind(ik)), zap.Error(err))
			continue
		}
		v.held[ik] = false
	}
	if v.timerMasked && !v.held[hv.InterruptIRQ] && !arm64.ExceptionIRQ.Masked(cpsr) && !v.hasPending(arm64.ExceptionIRQ) {
		v.setTimerMask(false)
	}
}

func (v *VCPU) hasPending(k arm64.ExceptionKind) bool {
	for _, e := range v.inject.pending() {
		if e.Kind == k {
			return true
		}
	}
	return false
}

// setTimerMask runs on the owning thread.
func (v *VCPU) setTimerMask(masked bool) {
	tm, ok := v.hw.(hv.TimerMasker)
	if !ok {
		return
	}
	if err := tm.SetVTimerMask(masked); err != nil {
		v.log.Warn("failed to set vtimer mask", zap.Bool("masked", masked), zap.Error(err))
		return
	}
	v.timerMasked = masked
}

// maskTimer masks the virtual timer from outside the owning thread.
func (v *VCPU) maskTimer() error {
	return v.do(func() { v.setTimerMask(true) })
}

// completeMMIO hands a device result to a primitive that completes the
// guest load itself.
func (v *VCPU) completeMMIO(data uint64) error {
	var err error
	if derr := v.do(func() {
		mc, ok := v.hw.(hv.MMIOCompleter)
		if !ok {
			err = errors.Wrap(ErrUnhandledExit, "host completed mmio on a backend without completion")
			return
		}
		err = mc.CompleteMMIO(data)
	}); derr != nil {
		return derr
	}
	return err
}

// Inject queues e for delivery at the next resume point and kicks the
// vCPU out of the guest or out of a WFI park.
func (v *VCPU) Inject(e Exception) error {
	s := v.State()
	if s == VCPUDestroyed || s == VCPUKilled {
		return stateErr(v.index, "inject", s, ErrInvalidState)
	}
	v.inject.push(e)
	if s == VCPURunning {
		v.kick()
	}
	v.signal()
	return nil
}

// Pending returns the queued, undelivered exceptions.
func (v *VCPU) Pending() []Exception { return v.inject.pending() }

// Kill stops the vCPU. A Created or Exited vCPU moves to Killed at once; a
// running one is cancelled and moves to Killed when Run returns.
func (v *VCPU) Kill() {
	v.killed.Store(true)
	defer v.signal()
	for {
		switch s := v.State(); s {
		case VCPUCreated, VCPUExited:
			if v.state.CompareAndSwap(int32(s), int32(VCPUKilled)) {
				return
			}
		case VCPURunning:
			v.kick()
			return
		default:
			return
		}
	}
}

// Killed reports whether Kill has been called.
func (v *VCPU) Killed() bool { return v.killed.Load() }

func (v *VCPU) kick() {
	if v.hw == nil {
		return
	}
	if err := v.hw.Cancel(); err != nil {
		v.log.Debug("cancel failed", zap.Error(err))
	}
}

func (v *VCPU) signal() {
	select {
	case v.wake <- struct{}{}:
	default:
	}
}

// wait parks the caller until an injection, kick, kill or the wait's
// timeout. A powered-off vCPU only wakes on a signal.
func (v *VCPU) wait(kind WaitKind) {
	if kind == WaitNone || v.killed.Load() {
		return
	}
	if kind != WaitPowerOff && v.inject.len() > 0 {
		return
	}
	var timeout time.Duration
	switch {
	case kind == WaitWFE:
		timeout = wfeTimeout
	case kind == WaitWFI && v.caps.Hardware():
		timeout = wfiTimeout
	}
	if timeout == 0 {
		<-v.wake
		return
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-v.wake:
	case <-t.C:
	}
}

// Destroy releases the host context. It is valid in Exited and Killed; a
// vCPU that never ran must be killed first.
func (v *VCPU) Destroy() error {
	for {
		s := v.State()
		switch s {
		case VCPUCreated, VCPURunning:
			return stateErr(v.index, "destroy", s, ErrStillRunning)
		case VCPUDestroyed:
			return stateErr(v.index, "destroy", s, ErrInvalidState)
		}
		if v.state.CompareAndSwap(int32(s), int32(VCPUDestroyed)) {
			break
		}
	}
	var err error
	_ = v.do(func() { err = v.hw.Close() })
	v.cmdMu.Lock()
	v.cmdClosed = true
	close(v.cmds)
	v.cmdMu.Unlock()
	<-v.done
	v.inject.clear()
	recordVCPUDestroy()
	v.log.Debug("vcpu destroyed")
	if err != nil {
		return &StateError{CPU: v.index, Op: "destroy", Err: err}
	}
	return nil
}

func (v *VCPU) powerState() powerState { return powerState(v.power.Load()) }

// requestOn moves a powered-off vCPU to on-pending with the PSCI CPU_ON
// arguments. It returns the PSCI status.
func (v *VCPU) requestOn(entry, ctx uint64) int64 {
	v.bootMu.Lock()
	defer v.bootMu.Unlock()
	switch v.powerState() {
	case powerOn:
		return arm64.PSCIAlreadyOn
	case powerOnPending:
		return arm64.PSCIOnPending
	}
	v.bootEntry, v.bootCtx = entry, ctx
	v.power.Store(int32(powerOnPending))
	v.signal()
	return arm64.PSCISuccess
}

// powerUp completes a pending CPU_ON: reset at the entry point with the
// context id in X0.
func (v *VCPU) powerUp() {
	v.bootMu.Lock()
	entry, ctx := v.bootEntry, v.bootCtx
	v.power.Store(int32(powerOn))
	v.bootMu.Unlock()
	v.withFrame(func(f *RegisterFrame) {
		arm64.Reset(f, entry)
		f.Set(arm64.RegX0, ctx)
	})
	v.log.Debug("cpu on", zap.Uint64("entry", entry))
}

func (v *VCPU) powerDown() {
	v.bootMu.Lock()
	v.power.Store(int32(powerOff))
	v.bootMu.Unlock()
}

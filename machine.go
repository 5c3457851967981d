package hvaccel

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/blacktop/go-hvaccel/arm64"
	"github.com/blacktop/go-hvaccel/hv"
	"github.com/blacktop/go-hvaccel/hv/factory"
)

// MachineState is the lifecycle of a Machine. Only the Machine writes it.
type MachineState int32

const (
	MachineInitializing MachineState = iota
	MachineRunning
	MachinePaused
	MachineShuttingDown
	MachineTerminated
)

var machineStateNames = [...]string{"Initializing", "Running", "Paused", "ShuttingDown", "Terminated"}

func (s MachineState) String() string {
	if s >= 0 && int(s) < len(machineStateNames) {
		return machineStateNames[s]
	}
	return fmt.Sprintf("MachineState(%d)", int(s))
}

// ShutdownKind classifies why a machine stopped.
type ShutdownKind int

const (
	ShutdownPowerOff ShutdownKind = iota
	ShutdownReset
	ShutdownCrash
	ShutdownBreakpoint
	ShutdownAllCPUsOff
	ShutdownExternal
	ShutdownContextDone
	ShutdownParentExited
	ShutdownFatal
)

var shutdownKindNames = [...]string{
	"PowerOff", "Reset", "Crash", "Breakpoint", "AllCPUsOff",
	"External", "ContextDone", "ParentExited", "Fatal",
}

func (k ShutdownKind) String() string {
	if k >= 0 && int(k) < len(shutdownKindNames) {
		return shutdownKindNames[k]
	}
	return fmt.Sprintf("ShutdownKind(%d)", int(k))
}

// ShutdownReason is the first event that stopped the machine.
type ShutdownReason struct {
	Kind ShutdownKind
	// CPU is the vCPU that triggered the shutdown, or -1.
	CPU int
	Err error
}

func (r ShutdownReason) String() string {
	s := r.Kind.String()
	if r.CPU >= 0 {
		s = fmt.Sprintf("%s (cpu%d)", s, r.CPU)
	}
	if r.Err != nil {
		s = fmt.Sprintf("%s: %v", s, r.Err)
	}
	return s
}

func haltShutdown(h HaltReason) ShutdownKind {
	switch h {
	case HaltReset:
		return ShutdownReset
	case HaltCrash:
		return ShutdownCrash
	case HaltBreakpoint:
		return ShutdownBreakpoint
	case HaltCPUOff:
		return ShutdownAllCPUsOff
	}
	return ShutdownPowerOff
}

// DefaultKickInterval is how often shutdown re-cancels vCPUs that have not
// left the guest yet.
const DefaultKickInterval = 10 * time.Millisecond

// Option configures a Machine.
type Option func(*Machine) error

// WithHosts sets the host primitives to probe, in order, instead of the
// factory's choice for Config.Accelerator.
func WithHosts(hosts ...hv.Host) Option {
	return func(m *Machine) error {
		if len(hosts) == 0 {
			return errors.Wrap(ErrBadConfig, "no hosts")
		}
		m.hosts = hosts
		return nil
	}
}

// WithLogger sets the machine logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Machine) error {
		if l == nil {
			return errors.Wrap(ErrBadConfig, "nil logger")
		}
		m.log = l
		return nil
	}
}

// WithDevice registers the handler MMIO regions refer to by name.
func WithDevice(name string, d Device) Option {
	return func(m *Machine) error {
		if d == nil {
			return errors.Wrapf(ErrBadConfig, "device %q is nil", name)
		}
		if _, dup := m.devices[name]; dup {
			return errors.Wrapf(ErrBadConfig, "device %q registered twice", name)
		}
		m.devices[name] = d
		return nil
	}
}

// WithKickInterval sets how often shutdown and pause re-cancel vCPUs.
func WithKickInterval(d time.Duration) Option {
	return func(m *Machine) error {
		if d <= 0 {
			return errors.Wrapf(ErrBadConfig, "kick interval %s", d)
		}
		m.kick = d
		return nil
	}
}

// Machine is one guest: its capability set, address space and vCPUs.
type Machine struct {
	cfg     Config
	log     *zap.Logger
	hosts   []hv.Host
	devices map[string]Device
	kick    time.Duration

	host     hv.Host
	caps     CapabilitySet
	vm       hv.VM
	as       *AddressSpace
	cpus     []*VCPU
	dispatch *Dispatcher

	state    atomic.Int32
	events   chan ShutdownReason
	stopping chan struct{}
	wg       sync.WaitGroup

	pauseMu sync.Mutex
	gate    chan struct{}
	acks    chan struct{}

	reason       ShutdownReason
	teardownOnce sync.Once
	teardownErr  error
}

// Initialize probes a host, binds the guest address space and creates one
// vCPU per configured CPU. Hosts reporting ErrHostUnsupported are skipped,
// so the interpreter takes over when no hardware primitive is usable.
// Nothing is left allocated when it fails.
func Initialize(cfg Config, opts ...Option) (*Machine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Machine{
		cfg:      cfg,
		log:      Logger(),
		devices:  make(map[string]Device),
		kick:     DefaultKickInterval,
		events:   make(chan ShutdownReason, 1),
		stopping: make(chan struct{}),
	}
	for _, o := range opts {
		if err := o(m); err != nil {
			return nil, err
		}
	}
	m.state.Store(int32(MachineInitializing))

	if len(m.hosts) == 0 {
		hosts, err := factory.Open(cfg.Accelerator, factory.Options{Logger: m.log, Trace: cfg.Debug.Trace})
		if err != nil {
			return nil, errors.Wrap(ErrBadConfig, err.Error())
		}
		m.hosts = hosts
	}
	if err := m.probe(); err != nil {
		return nil, err
	}
	if err := m.build(); err != nil {
		m.release()
		return nil, err
	}
	m.log.Info("machine initialized",
		zap.String("backend", m.caps.Backend()),
		zap.Int("cpus", len(m.cpus)),
		zap.Stringer("features", m.caps.Features()))
	return m, nil
}

// probe picks the first usable host.
func (m *Machine) probe() error {
	var last error
	for _, h := range m.hosts {
		caps, err := Probe(h, m.cfg.CPU)
		var partial *PartialCapabilityError
		switch {
		case err == nil:
		case errors.As(err, &partial):
			recordPartialProbe()
			m.log.Warn("optional CPU features cleared", zap.String("backend", h.Name()), zap.Error(err))
		case errors.Is(err, ErrHostUnsupported):
			recordFallback()
			m.log.Warn("host primitive unavailable, trying next", zap.String("backend", h.Name()), zap.Error(err))
			last = err
			continue
		default:
			return err
		}
		m.host, m.caps = h, caps
		m.log.Debug("capabilities", zap.Stringer("caps", caps))
		return nil
	}
	if last == nil {
		last = &CapabilityError{Err: ErrHostUnsupported}
	}
	return last
}

func (m *Machine) build() error {
	n := m.cfg.CPU.count()
	start := time.Now()
	vm, err := m.host.NewVM(hv.VMConfig{IPABits: m.caps.IPABits(), VCPUs: n})
	if err != nil {
		if errors.Is(err, hv.ErrResourceExhausted) {
			recordResourceError()
		}
		return &CapabilityError{Backend: m.caps.Backend(), Err: err}
	}
	recordVMCreate(time.Since(start))
	m.vm = vm

	regions, err := m.cfg.regions(m.devices)
	if err != nil {
		return err
	}
	m.as = NewAddressSpace(vm, m.caps, m.log)
	if err := m.as.MapAll(regions); err != nil {
		return err
	}
	if err := m.loadImages(); err != nil {
		return err
	}
	m.dispatch = NewDispatcher(m.as, m, m.cfg.Debug.TrapBreakpoints, m.log)

	kernelPSCI := m.caps.KernelPSCI()
	for i := range n {
		off := m.cfg.CPU.PSCIBoot && i > 0
		v, err := newVCPU(vm, hv.VCPUConfig{
			Index:      i,
			MPIDR:      arm64.MPIDRForIndex(i),
			Features:   m.caps.Features(),
			IDRegs:     m.caps.IDRegs(),
			TrapDebug:  m.cfg.Debug.TrapBreakpoints,
			PoweredOff: off && kernelPSCI,
		}, m.caps, m.log)
		if err != nil {
			return err
		}
		m.cpus = append(m.cpus, v)
		if off && !kernelPSCI {
			v.powerDown()
			continue
		}
		if err := m.boot(v); err != nil {
			return err
		}
	}
	return nil
}

// boot puts v at the configured entry point with the configured registers.
func (m *Machine) boot(v *VCPU) error {
	f := v.Frame()
	arm64.Reset(&f, uint64(m.cfg.Boot.Entry))
	for name, val := range m.cfg.Boot.Registers {
		r, err := arm64.ParseReg(name)
		if err != nil {
			return errors.Wrap(ErrBadConfig, err.Error())
		}
		f.Set(r, uint64(val))
	}
	return v.SetFrame(f)
}

func (m *Machine) loadImages() error {
	for _, rc := range m.cfg.Memory {
		if rc.Image == "" {
			continue
		}
		data, err := os.ReadFile(rc.Image)
		if err != nil {
			return errors.Wrapf(err, "failed to read image for %q", rc.Name)
		}
		if uint64(len(data)) > uint64(rc.Size-rc.ImageOffset) {
			return &MappingError{Region: rc.Name, Base: uint64(rc.Base), Size: uint64(rc.Size),
				Err: errors.Wrapf(ErrBadRegion, "image %s is %d bytes", rc.Image, len(data))}
		}
		if _, err := m.as.WriteAt(data, uint64(rc.Base+rc.ImageOffset)); err != nil {
			return err
		}
		m.log.Debug("loaded image", zap.String("region", rc.Name), zap.String("path", rc.Image), zap.Int("bytes", len(data)))
	}
	return nil
}

// release frees what Initialize allocated.
func (m *Machine) release() {
	for _, v := range m.cpus {
		v.Kill()
		if err := v.Destroy(); err != nil {
			m.log.Warn("failed to destroy vcpu", zap.Error(err))
		}
	}
	if m.as != nil {
		_ = m.as.Close()
	}
	if m.vm != nil {
		if err := m.vm.Close(); err != nil {
			m.log.Warn("failed to close vm", zap.Error(err))
		}
		recordVMDestroy()
	}
}

// State returns the current machine state.
func (m *Machine) State() MachineState { return MachineState(m.state.Load()) }

func (m *Machine) setState(s MachineState) {
	old := MachineState(m.state.Swap(int32(s)))
	if old != s {
		m.log.Info("machine state", zap.Stringer("from", old), zap.Stringer("to", s))
	}
}

// Capabilities returns the probed capability set.
func (m *Machine) Capabilities() CapabilitySet { return m.caps }

// AddressSpace returns the guest physical address space.
func (m *Machine) AddressSpace() *AddressSpace { return m.as }

// CPUs returns the machine's vCPUs. The handles are for supervision only.
func (m *Machine) CPUs() []*VCPU { return m.cpus }

// Reason returns the shutdown reason. It is only meaningful once
// RunUntilHalt has returned.
func (m *Machine) Reason() ShutdownReason { return m.reason }

func (m *Machine) cpuByMPIDR(mpidr uint64) (*VCPU, bool) {
	i := arm64.MPIDRIndex(mpidr)
	if i < 0 || i >= len(m.cpus) || m.cpus[i].MPIDR()&0xffffff != mpidr&0xffffff {
		return nil, false
	}
	return m.cpus[i], true
}

// report records the first shutdown event; later ones are dropped.
func (m *Machine) report(r ShutdownReason) {
	select {
	case m.events <- r:
	default:
	}
}

// RequestShutdown asks a running machine to stop. It is safe from any
// goroutine, including signal handlers and the parent watchdog.
func (m *Machine) RequestShutdown(r ShutdownReason) {
	m.report(r)
}

// RunUntilHalt starts every vCPU and blocks until the first halt, fatal
// error, external request or ctx cancellation, then tears the vCPUs down.
func (m *Machine) RunUntilHalt(ctx context.Context) ShutdownReason {
	if !m.state.CompareAndSwap(int32(MachineInitializing), int32(MachineRunning)) {
		return ShutdownReason{Kind: ShutdownFatal, CPU: -1,
			Err: &StateError{CPU: -1, Op: "run machine", State: m.State().String(), Err: ErrInvalidState}}
	}
	m.log.Info("machine state", zap.Stringer("from", MachineInitializing), zap.Stringer("to", MachineRunning))
	for _, v := range m.cpus {
		m.wg.Add(1)
		go m.loop(v)
	}

	var r ShutdownReason
	select {
	case r = <-m.events:
	case <-ctx.Done():
		r = ShutdownReason{Kind: ShutdownContextDone, CPU: -1, Err: ctx.Err()}
	}
	m.shutdown(r)
	return r
}

// shutdown is the only teardown path for vCPUs: kill every engine, keep
// kicking until all have left the guest, then destroy the handles.
func (m *Machine) shutdown(r ShutdownReason) {
	m.reason = r
	m.setState(MachineShuttingDown)
	if r.Kind == ShutdownFatal {
		recordFatalShutdown()
		m.log.Error("fatal shutdown", zap.Int("cpu", r.CPU), zap.Error(r.Err))
	} else {
		m.log.Info("shutdown", zap.Stringer("reason", r.Kind), zap.Int("cpu", r.CPU))
	}
	close(m.stopping)
	m.pauseMu.Lock()
	if m.gate != nil {
		close(m.gate)
		m.gate = nil
	}
	m.pauseMu.Unlock()

	for _, v := range m.cpus {
		v.Kill()
	}
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	t := time.NewTicker(m.kick)
	defer t.Stop()
wait:
	for {
		select {
		case <-done:
			break wait
		case <-t.C:
			for _, v := range m.cpus {
				if v.State() == VCPURunning {
					v.kick()
				}
			}
		}
	}

	for _, v := range m.cpus {
		v.Kill()
		if err := v.Destroy(); err != nil {
			m.log.Warn("failed to destroy vcpu", zap.Int("cpu", v.Index()), zap.Error(err))
		}
	}
	m.setState(MachineTerminated)
}

// Pause stops every vCPU at a safe point outside the guest. The machine
// enters Paused only once all of them have stopped; the address space may
// then be changed until Resume.
func (m *Machine) Pause(ctx context.Context) error {
	m.pauseMu.Lock()
	if m.State() != MachineRunning || m.gate != nil {
		m.pauseMu.Unlock()
		return &StateError{CPU: -1, Op: "pause", State: m.State().String(), Err: ErrInvalidState}
	}
	m.gate = make(chan struct{})
	m.acks = make(chan struct{}, len(m.cpus))
	acks := m.acks
	m.pauseMu.Unlock()

	t := time.NewTicker(m.kick)
	defer t.Stop()
	for n := 0; n < len(m.cpus); {
		for _, v := range m.cpus {
			if v.State() == VCPURunning {
				v.kick()
			}
			v.signal()
		}
		select {
		case <-acks:
			n++
		case <-t.C:
		case <-m.stopping:
			return &StateError{CPU: -1, Op: "pause", State: m.State().String(), Err: ErrInvalidState}
		case <-ctx.Done():
			m.pauseMu.Lock()
			m.openGate()
			m.pauseMu.Unlock()
			return errors.Wrap(ctx.Err(), "pause")
		}
	}

	m.pauseMu.Lock()
	defer m.pauseMu.Unlock()
	if !m.state.CompareAndSwap(int32(MachineRunning), int32(MachinePaused)) {
		m.openGate()
		return &StateError{CPU: -1, Op: "pause", State: m.State().String(), Err: ErrInvalidState}
	}
	m.log.Info("machine state", zap.Stringer("from", MachineRunning), zap.Stringer("to", MachinePaused))
	return nil
}

// Resume releases the vCPUs held by Pause.
func (m *Machine) Resume() error {
	m.pauseMu.Lock()
	defer m.pauseMu.Unlock()
	if m.State() != MachinePaused || m.gate == nil {
		return &StateError{CPU: -1, Op: "resume", State: m.State().String(), Err: ErrInvalidState}
	}
	m.openGate()
	m.setState(MachineRunning)
	return nil
}

// openGate releases parked vCPUs. The caller holds pauseMu.
func (m *Machine) openGate() {
	if m.gate != nil {
		close(m.gate)
	}
	m.gate, m.acks = nil, nil
}

// safePoint parks the calling vCPU while the machine is paused. It
// returns false when the machine is shutting down.
func (m *Machine) safePoint() bool {
	m.pauseMu.Lock()
	gate, acks := m.gate, m.acks
	m.pauseMu.Unlock()
	if gate == nil {
		return true
	}
	acks <- struct{}{}
	select {
	case <-gate:
		return m.State() < MachineShuttingDown
	case <-m.stopping:
		return false
	}
}

func (m *Machine) mutable(op string) error {
	switch s := m.State(); s {
	case MachineInitializing, MachinePaused:
		return nil
	default:
		return &StateError{CPU: -1, Op: op, State: s.String(), Err: ErrInvalidState}
	}
}

// MapRegion adds a region. It is only allowed before RunUntilHalt or while
// paused.
func (m *Machine) MapRegion(r MemoryRegion) error {
	if err := m.mutable("map region"); err != nil {
		return err
	}
	return m.as.Map(r)
}

// UnmapRegion removes a region under the same rules as MapRegion.
func (m *Machine) UnmapRegion(base, size uint64) error {
	if err := m.mutable("unmap region"); err != nil {
		return err
	}
	return m.as.Unmap(base, size)
}

// Teardown releases guest memory and the VM. It is valid after
// RunUntilHalt returns, or after Initialize when the machine never ran,
// and is idempotent.
func (m *Machine) Teardown() error {
	switch s := m.State(); s {
	case MachineRunning, MachinePaused, MachineShuttingDown:
		return &StateError{CPU: -1, Op: "teardown", State: s.String(), Err: ErrInvalidState}
	}
	m.teardownOnce.Do(func() {
		if m.State() == MachineInitializing {
			for _, v := range m.cpus {
				v.Kill()
				if err := v.Destroy(); err != nil {
					m.teardownErr = err
				}
			}
			m.setState(MachineTerminated)
		}
		if err := m.as.Close(); err != nil && m.teardownErr == nil {
			m.teardownErr = err
		}
		if err := m.vm.Close(); err != nil && m.teardownErr == nil {
			m.teardownErr = errors.Wrap(err, "close vm")
		}
		recordVMDestroy()
	})
	return m.teardownErr
}

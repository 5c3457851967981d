package hvaccel

import (
	"errors"
	"testing"
	"time"

	"github.com/blacktop/go-hvaccel/arm64"
	"github.com/blacktop/go-hvaccel/hv"
	"github.com/blacktop/go-hvaccel/internal/asm"
)

func TestVCPURunExit(t *testing.T) {
	v, _ := newTestVCPU(t, asm.Program(asm.MOVZ(true, 3, 0x42, 0), asm.HVC(0)))

	if v.State() != VCPUCreated {
		t.Fatalf("state = %s, want Created", v.State())
	}
	if v.ThreadID() == 0 {
		t.Error("thread id not recorded")
	}
	rec, err := v.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rec.Reason != hv.ExitException || rec.Syndrome.EC() != arm64.ECHVC64 {
		t.Fatalf("exit = %s, want HVC", rec)
	}
	if v.State() != VCPUExited {
		t.Errorf("state = %s, want Exited", v.State())
	}
	f := v.Frame()
	if f.Get(arm64.RegX3) != 0x42 {
		t.Errorf("X3 = 0x%x, want 0x42", f.Get(arm64.RegX3))
	}
	if f.Get(arm64.RegPC) != ramBase+8 {
		t.Errorf("PC = 0x%x, want 0x%x", f.Get(arm64.RegPC), ramBase+8)
	}
}

func TestVCPUKillWhileRunning(t *testing.T) {
	v, _ := newTestVCPU(t, asm.Program(asm.B(0)))

	type result struct {
		rec ExitRecord
		err error
	}
	done := make(chan result, 1)
	go func() {
		rec, err := v.Run()
		done <- result{rec, err}
	}()

	deadline := time.Now().Add(5 * time.Second)
	for v.State() != VCPURunning {
		if time.Now().After(deadline) {
			t.Fatal("vcpu never entered Running")
		}
		time.Sleep(time.Millisecond)
	}
	if err := v.Destroy(); !errors.Is(err, ErrStillRunning) {
		t.Errorf("Destroy while running = %v, want ErrStillRunning", err)
	}

	v.Kill()
	select {
	case r := <-done:
		if r.err != nil || r.rec.Reason != hv.ExitKilled {
			t.Fatalf("Run = %s, %v; want a Killed exit", r.rec, r.err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Kill")
	}
	if v.State() != VCPUKilled {
		t.Errorf("state = %s, want Killed", v.State())
	}
	if _, err := v.Run(); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Run after kill = %v, want ErrInvalidState", err)
	}
	if err := v.Destroy(); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if v.State() != VCPUDestroyed {
		t.Errorf("state = %s, want Destroyed", v.State())
	}
	if err := v.Destroy(); !errors.Is(err, ErrInvalidState) {
		t.Errorf("second Destroy = %v, want ErrInvalidState", err)
	}
}

func TestVCPUKillIdle(t *testing.T) {
	v, _ := newTestVCPU(t, asm.Program(asm.HVC(0)))
	v.Kill()
	if v.State() != VCPUKilled {
		t.Fatalf("state = %s, want Killed", v.State())
	}
	if err := v.Inject(IRQ()); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Inject after kill = %v, want ErrInvalidState", err)
	}
}

func TestVCPUDestroyRequiresKill(t *testing.T) {
	v, _ := newTestVCPU(t, asm.Program(asm.HVC(0)))
	if err := v.Destroy(); !errors.Is(err, ErrStillRunning) {
		t.Fatalf("Destroy of a created vcpu = %v, want ErrStillRunning", err)
	}
	if v.State() != VCPUCreated {
		t.Errorf("state = %s after a refused Destroy, want Created", v.State())
	}
	v.Kill()
	if err := v.Destroy(); err != nil {
		t.Fatalf("Destroy after Kill: %v", err)
	}
}

func TestVCPUInjectUndefined(t *testing.T) {
	// The vector at 0x200 (current EL, SPx, synchronous) reports ESR_EL1.
	v, as := newTestVCPU(t, asm.Program(asm.NOP, asm.HVC(0)))
	if _, err := as.WriteAt(asm.Program(asm.MRS(4, arm64.SysESREL1), asm.MRS(5, arm64.SysELREL1), asm.HVC(1)), ramBase+vbarOff+0x200); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	if err := v.Inject(Undefined()); err != nil {
		t.Fatalf("Inject: %v", err)
	}
	if n := len(v.Pending()); n != 1 {
		t.Fatalf("pending = %d, want 1", n)
	}
	rec, err := v.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if arm64.Immediate16(rec.Syndrome) != 1 {
		t.Fatalf("exit = %s, want the handler's HVC #1", rec)
	}
	f := v.Frame()
	if arm64.Syndrome(f.Get(arm64.RegX4)) != arm64.UndefinedSyndrome() {
		t.Errorf("ESR_EL1 = 0x%x, want UNDEFINED", f.Get(arm64.RegX4))
	}
	if f.Get(arm64.RegX5) != ramBase {
		t.Errorf("ELR_EL1 = 0x%x, want 0x%x", f.Get(arm64.RegX5), ramBase)
	}
	if n := len(v.Pending()); n != 0 {
		t.Errorf("pending after delivery = %d, want 0", n)
	}
}

func TestVCPUFrameWhileRunning(t *testing.T) {
	v, _ := newTestVCPU(t, asm.Program(asm.B(0)))
	go func() { _, _ = v.Run() }()
	for v.State() != VCPURunning {
		time.Sleep(time.Millisecond)
	}
	if err := v.SetFrame(v.Frame()); !errors.Is(err, ErrInvalidState) {
		t.Errorf("SetFrame while running = %v, want ErrInvalidState", err)
	}
	if _, err := v.Pull(); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Pull while running = %v, want ErrInvalidState", err)
	}
	v.Kill()
	for v.State() != VCPUKilled {
		time.Sleep(time.Millisecond)
	}
}

func TestVCPUResourceLimit(t *testing.T) {
	caps := CapabilitySet{maxVCPUs: 1}
	_, err := newVCPU(nil, hv.VCPUConfig{Index: 1}, caps, nil)
	if !errors.Is(err, ErrResourceExhausted) {
		t.Fatalf("newVCPU beyond the host limit = %v, want ErrResourceExhausted", err)
	}
	var se *StateError
	if !errors.As(err, &se) || se.CPU != 1 {
		t.Errorf("error = %v, want a StateError for cpu1", err)
	}
}

package cmd

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/blacktop/go-hvaccel"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		kind hvaccel.ShutdownKind
		want int
	}{
		{hvaccel.ShutdownPowerOff, 0},
		{hvaccel.ShutdownBreakpoint, 0},
		{hvaccel.ShutdownAllCPUsOff, 0},
		{hvaccel.ShutdownFatal, 1},
		{hvaccel.ShutdownReset, 2},
		{hvaccel.ShutdownCrash, 2},
		{hvaccel.ShutdownExternal, 130},
		{hvaccel.ShutdownContextDone, 130},
		{hvaccel.ShutdownParentExited, 143},
	}
	for _, tt := range tests {
		if got := exitCode(hvaccel.ShutdownReason{Kind: tt.kind, CPU: -1}); got != tt.want {
			t.Errorf("exitCode(%s) = %d, want %d", tt.kind, got, tt.want)
		}
	}
}

func TestExecuteCodeSoft(t *testing.T) {
	// MOVZ X0, #42; BRK #0
	code := []byte{0x40, 0x05, 0x80, 0xd2, 0x00, 0x00, 0x20, 0xd4}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := executeCode(ctx, code, &CPUState{X1: 7}, "soft")
	if err != nil {
		t.Fatalf("executeCode: %v", err)
	}
	if result.Backend != "soft" {
		t.Errorf("backend = %q, want soft", result.Backend)
	}
	if result.ExitInfo.Reason != hvaccel.ShutdownBreakpoint.String() {
		t.Errorf("exit = %+v, want Breakpoint", result.ExitInfo)
	}
	if result.State.X0 != 42 || result.State.X1 != 7 {
		t.Errorf("X0 = %d X1 = %d, want 42 and 7", result.State.X0, result.State.X1)
	}
	if mem := result.Memory["0x4000"]; !bytes.Equal(mem, code) {
		t.Errorf("memory = % x, want the loaded code", mem)
	}
}

func TestExecuteCodeTooLarge(t *testing.T) {
	_, err := executeCode(context.Background(), make([]byte, memSize+4), &CPUState{}, "soft")
	if err == nil || !strings.Contains(err.Error(), "exceeds memory size") {
		t.Errorf("executeCode = %v, want a size error", err)
	}
}

func TestExitError(t *testing.T) {
	var err error = &ExitError{Code: 2, Reason: hvaccel.ShutdownReason{Kind: hvaccel.ShutdownReset, CPU: 0}}
	var ee *ExitError
	if !errors.As(err, &ee) || ee.Code != 2 {
		t.Fatalf("errors.As(%v) failed", err)
	}
	if !strings.Contains(err.Error(), "Reset (cpu0)") {
		t.Errorf("Error() = %q", err.Error())
	}
}

func TestFeedConsole(t *testing.T) {
	var uart bytes.Buffer
	escaped := false
	feedConsole(strings.NewReader("ls\r\x1dignored"), &uart, func() { escaped = true })
	if !escaped {
		t.Error("escape key not seen")
	}
	if uart.String() != "ls\r" {
		t.Errorf("uart got %q, want the input before the escape key", uart.String())
	}

	uart.Reset()
	escaped = false
	feedConsole(strings.NewReader("echo"), &uart, func() { escaped = true })
	if escaped || uart.String() != "echo" {
		t.Errorf("escaped = %v uart = %q", escaped, uart.String())
	}
}

/*
Copyright © 2025 blacktop

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in
all copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
THE SOFTWARE.
*/
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/blacktop/go-hvaccel"
	"github.com/blacktop/go-hvaccel/arm64"
)

// CPUState represents the CPU register state. Fields follow the
// architectural register order X0 through CPSR.
type CPUState struct {
	// General-purpose registers
	X0  uint64 `json:"x0"`
	X1  uint64 `json:"x1"`
	X2  uint64 `json:"x2"`
	X3  uint64 `json:"x3"`
	X4  uint64 `json:"x4"`
	X5  uint64 `json:"x5"`
	X6  uint64 `json:"x6"`
	X7  uint64 `json:"x7"`
	X8  uint64 `json:"x8"`
	X9  uint64 `json:"x9"`
	X10 uint64 `json:"x10"`
	X11 uint64 `json:"x11"`
	X12 uint64 `json:"x12"`
	X13 uint64 `json:"x13"`
	X14 uint64 `json:"x14"`
	X15 uint64 `json:"x15"`
	X16 uint64 `json:"x16"`
	X17 uint64 `json:"x17"`
	X18 uint64 `json:"x18"`
	X19 uint64 `json:"x19"`
	X20 uint64 `json:"x20"`
	X21 uint64 `json:"x21"`
	X22 uint64 `json:"x22"`
	X23 uint64 `json:"x23"`
	X24 uint64 `json:"x24"`
	X25 uint64 `json:"x25"`
	X26 uint64 `json:"x26"`
	X27 uint64 `json:"x27"`
	X28 uint64 `json:"x28"`

	// Special registers
	FP   uint64 `json:"fp"`   // Frame pointer (x29)
	LR   uint64 `json:"lr"`   // Link register (x30)
	SP   uint64 `json:"sp"`   // Stack pointer
	PC   uint64 `json:"pc"`   // Program counter
	CPSR uint64 `json:"cpsr"` // Current program status register
}

// regs pairs every field with its register.
func (s *CPUState) regs() map[arm64.Reg]*uint64 {
	m := map[arm64.Reg]*uint64{
		arm64.RegFP: &s.FP, arm64.RegLR: &s.LR, arm64.RegSP: &s.SP,
		arm64.RegPC: &s.PC, arm64.RegCPSR: &s.CPSR,
	}
	xs := []*uint64{
		&s.X0, &s.X1, &s.X2, &s.X3, &s.X4, &s.X5, &s.X6, &s.X7, &s.X8, &s.X9,
		&s.X10, &s.X11, &s.X12, &s.X13, &s.X14, &s.X15, &s.X16, &s.X17, &s.X18, &s.X19,
		&s.X20, &s.X21, &s.X22, &s.X23, &s.X24, &s.X25, &s.X26, &s.X27, &s.X28,
	}
	for i, p := range xs {
		m[arm64.RegX0+arm64.Reg(i)] = p
	}
	return m
}

// bootRegisters returns the non-zero registers as boot configuration.
func (s *CPUState) bootRegisters() map[string]hvaccel.HexUint64 {
	out := make(map[string]hvaccel.HexUint64)
	for r, p := range s.regs() {
		if *p != 0 { // Only set non-zero values
			out[strings.ToLower(r.String())] = hvaccel.HexUint64(*p)
		}
	}
	return out
}

func stateFromFrame(f hvaccel.RegisterFrame) CPUState {
	var s CPUState
	for r, p := range s.regs() {
		*p = f.Get(r)
	}
	return s
}

// ExitInfo says why the guest stopped.
type ExitInfo struct {
	Reason string `json:"reason"`
	CPU    int    `json:"cpu"`
	Error  string `json:"error,omitempty"`
}

// ExecuteResult represents the execution result
type ExecuteResult struct {
	Backend  string            `json:"backend,omitempty"`
	State    CPUState          `json:"state"`
	ExitInfo ExitInfo          `json:"exit_info"`
	Memory   map[string][]byte `json:"memory,omitempty"` // hex address -> data
	Error    string            `json:"error,omitempty"`
}

var (
	stateFile string
	memSize   int
	baseAddr  uint64
	accel     string
	timeout   time.Duration
)

func init() {
	rootCmd.AddCommand(executeCmd)
	executeCmd.Flags().StringVarP(&stateFile, "state", "s", "", "JSON file with initial CPU state")
	executeCmd.Flags().IntVar(&memSize, "mem-size", 16384, "Memory size to allocate (bytes)")
	executeCmd.Flags().Uint64VarP(&baseAddr, "base-addr", "a", 0x4000, "Base address for code execution")
	executeCmd.Flags().StringVar(&accel, "accel", "auto", "Accelerator: auto, hvf, kvm or soft")
	executeCmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "Stop the guest after this long")
}

var executeCmd = &cobra.Command{
	Use:   "execute [code-file]",
	Short: "Execute ARM64 code and return CPU state as JSON",
	Long: `Execute ARM64 machine code and return the resulting CPU state as JSON.

Code can be provided as:
  - A binary file argument
  - Stdin (if no file argument provided)

The guest runs until it executes BRK, calls PSCI SYSTEM_OFF, or the
timeout expires. Initial CPU state can be provided via --state flag pointing
to a JSON file. Results are output as JSON to stdout.`,
	RunE: runExecute,
}

func runExecute(cmd *cobra.Command, args []string) error {
	// Read initial state if provided
	var initialState CPUState
	if stateFile != "" {
		stateData, err := os.ReadFile(stateFile)
		if err != nil {
			return fmt.Errorf("failed to read state file: %w", err)
		}
		if err := json.Unmarshal(stateData, &initialState); err != nil {
			return fmt.Errorf("failed to parse state JSON: %w", err)
		}
	}

	// Read code input
	var (
		codeData []byte
		err      error
	)
	if len(args) > 0 {
		codeData, err = os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read code file: %w", err)
		}
	} else {
		codeData, err = io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("failed to read from stdin: %w", err)
		}
	}

	if len(codeData) == 0 {
		return fmt.Errorf("no code provided")
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()
	result, err := executeCode(ctx, codeData, &initialState, accel)
	if err != nil {
		result = &ExecuteResult{Error: err.Error()}
	}

	// Output JSON result
	output, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	fmt.Println(string(output))
	return nil
}

// guestConfig is a single CPU machine with one RAM region at base.
func guestConfig(accelerator string, base uint64, size int, entry uint64, regs map[string]hvaccel.HexUint64) hvaccel.Config {
	return hvaccel.Config{
		Accelerator: accelerator,
		CPU:         hvaccel.CPUConfig{Count: 1},
		Memory: []hvaccel.RegionConfig{
			{Name: "ram", Base: hvaccel.HexUint64(base), Size: hvaccel.HexUint64(size), Kind: hvaccel.RegionRAM},
		},
		Boot:  hvaccel.BootConfig{Entry: hvaccel.HexUint64(entry), Registers: regs},
		Debug: hvaccel.DebugConfig{TrapBreakpoints: true},
	}
}

func executeCode(ctx context.Context, code []byte, initialState *CPUState, accelerator string) (*ExecuteResult, error) {
	// Validate memory size is page-aligned
	page := unix.Getpagesize()
	if memSize%page != 0 {
		return nil, fmt.Errorf("mem-size must be a multiple of page size (%d bytes)", page)
	}
	if len(code) > memSize {
		return nil, fmt.Errorf("code size (%d) exceeds memory size (%d)", len(code), memSize)
	}

	// Set PC to base address if not set in initial state
	entry := initialState.PC
	if entry == 0 {
		entry = baseAddr
	}
	m, err := hvaccel.Initialize(guestConfig(accelerator, baseAddr, memSize, entry, initialState.bootRegisters()), hvaccel.WithLogger(log))
	if err != nil {
		return nil, fmt.Errorf("failed to create machine: %w", err)
	}
	defer m.Teardown()

	if _, err := m.AddressSpace().WriteAt(code, baseAddr); err != nil {
		return nil, fmt.Errorf("failed to load code: %w", err)
	}

	reason := m.RunUntilHalt(ctx)

	// Copy the executed memory out before the address space goes away
	memCopy := make([]byte, len(code))
	if _, err := m.AddressSpace().ReadAt(memCopy, baseAddr); err != nil {
		return nil, fmt.Errorf("failed to read memory: %w", err)
	}

	return &ExecuteResult{
		Backend:  m.Capabilities().Backend(),
		State:    stateFromFrame(m.CPUs()[0].Frame()),
		ExitInfo: exitInfo(reason),
		Memory:   map[string][]byte{fmt.Sprintf("0x%x", baseAddr): memCopy},
	}, nil
}

func exitInfo(r hvaccel.ShutdownReason) ExitInfo {
	info := ExitInfo{Reason: r.Kind.String(), CPU: r.CPU}
	if r.Err != nil {
		info.Error = r.Err.Error()
	}
	return info
}

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
	"fmt"

	"github.com/blacktop/go-macho"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/blacktop/go-hvaccel"
	"github.com/blacktop/go-hvaccel/cmd/hv/cmd/utils"
)

func init() {
	rootCmd.AddCommand(emulateCmd)
	emulateCmd.Flags().Uint64P("addr", "a", 0, "Address to emulate (0 = use entry point)")
	emulateCmd.Flags().IntP("mem-size", "m", 0x10000, "Memory size to allocate (bytes)")
	emulateCmd.Flags().Uint64P("stack", "s", 0x8000, "Stack pointer address (within allocated memory)")
	emulateCmd.Flags().String("accel", "auto", "Accelerator: auto, hvf, kvm or soft")
	emulateCmd.Flags().Bool("disasm", false, "Print the function's disassembly before running it")
}

var emulateCmd = &cobra.Command{
	Use:     "emulate [FILE]",
	Aliases: []string{"emu"},
	Short:   "Emulate a function from a Mach-O binary and show stack contents",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		// Get flags
		addr, err := cmd.Flags().GetUint64("addr")
		if err != nil {
			return err
		}

		memSize, err := cmd.Flags().GetInt("mem-size")
		if err != nil {
			return err
		}

		// Validate memory size is page-aligned
		page := unix.Getpagesize()
		if memSize%page != 0 {
			return fmt.Errorf("mem-size must be a multiple of page size (%d bytes)", page)
		}

		stackPtr, err := cmd.Flags().GetUint64("stack")
		if err != nil {
			return err
		}
		accelerator, _ := cmd.Flags().GetString("accel")
		showDisasm, _ := cmd.Flags().GetBool("disasm")

		// Validate stack pointer is within memory range
		baseAddr := uint64(0x4000) // Base address from execute command
		if stackPtr < baseAddr || stackPtr >= baseAddr+uint64(memSize) {
			return fmt.Errorf("stack pointer 0x%x must be within memory range 0x%x-0x%x",
				stackPtr, baseAddr, baseAddr+uint64(memSize))
		}

		// Open Mach-O file
		m, err := macho.Open(args[0])
		if err != nil {
			return fmt.Errorf("failed to open Mach-O file: %w", err)
		}
		defer m.Close()

		// Determine address to emulate
		if addr == 0 {
			if main := m.GetLoadsByName("LC_MAIN"); len(main) == 0 {
				return fmt.Errorf("failed to find LC_MAIN in target - use --addr to specify function address")
			} else {
				addr = main[0].(*macho.EntryPoint).EntryOffset + m.GetBaseAddress()
			}
		}

		fmt.Printf("Emulating function at address: 0x%x\n", addr)

		// Get function boundaries
		fn, err := m.GetFunctionForVMAddr(addr)
		if err != nil {
			return fmt.Errorf("failed to find function at address 0x%x: %w", addr, err)
		}

		fmt.Printf("Function: %s (0x%x - 0x%x, %d bytes)\n",
			fn.Name, fn.StartAddr, fn.EndAddr, fn.EndAddr-fn.StartAddr)

		// Extract function bytes
		instrs := make([]byte, fn.EndAddr-fn.StartAddr)
		if _, err := m.ReadAtAddr(instrs, fn.StartAddr); err != nil {
			return fmt.Errorf("failed to read function bytes: %w", err)
		}
		if showDisasm {
			fmt.Println()
			printDisassembly(instrs, fn.StartAddr)
		}

		// Add brk instruction at the end to ensure proper exit
		instrs = append(instrs, 0x00, 0x00, 0x20, 0xd4) // brk #0

		// Execute the function
		result, err := emulateFunction(cmd.Context(), instrs, baseAddr, stackPtr, memSize, accelerator)
		if err != nil {
			return fmt.Errorf("emulation failed: %w", err)
		}

		// Print results
		fmt.Printf("\n=== Execution Results ===\n")
		fmt.Printf("Backend: %s\n", result.Backend)
		fmt.Printf("Exit Reason: %v\n", result.ExitInfo.Reason)
		if result.ExitInfo.Error != "" {
			fmt.Printf("Exit Error: %s\n", failColor(result.ExitInfo.Error))
		}
		fmt.Printf("Final SP: 0x%x (moved %d bytes)\n",
			result.State.SP, int64(result.State.SP)-int64(stackPtr))

		fmt.Printf("\nRegisters:\n")
		fmt.Printf("  X0=0x%x  X1=0x%x  X2=0x%x  X3=0x%x\n",
			result.State.X0, result.State.X1, result.State.X2, result.State.X3)
		fmt.Printf("  PC=0x%x  SP=0x%x  FP=0x%x  LR=0x%x\n",
			result.State.PC, result.State.SP, result.State.FP, result.State.LR)

		// Print stack contents
		printStackContents(result.Memory, stackPtr, result.State.SP)

		return nil
	},
}

// stackContext is how many bytes either side of the initial SP are shown.
const stackContext = 64

// emulateFunction runs the function bytes at baseAddr and returns the final
// state together with the memory around the initial stack pointer.
func emulateFunction(ctx context.Context, code []byte, baseAddr, stackPtr uint64, memSize int, accelerator string) (*ExecuteResult, error) {
	if len(code) > memSize {
		return nil, fmt.Errorf("code size (%d) exceeds memory size (%d)", len(code), memSize)
	}
	regs := map[string]hvaccel.HexUint64{"sp": hvaccel.HexUint64(stackPtr)}
	m, err := hvaccel.Initialize(guestConfig(accelerator, baseAddr, memSize, baseAddr, regs), hvaccel.WithLogger(log))
	if err != nil {
		return nil, fmt.Errorf("failed to create machine: %w", err)
	}
	defer m.Teardown()

	if _, err := m.AddressSpace().WriteAt(code, baseAddr); err != nil {
		return nil, fmt.Errorf("failed to load code: %w", err)
	}

	reason := m.RunUntilHalt(ctx)

	lo := max(stackPtr-stackContext, baseAddr) &^ 0xf
	hi := min(stackPtr+stackContext, baseAddr+uint64(memSize))
	window := make([]byte, hi-lo)
	if _, err := m.AddressSpace().ReadAt(window, lo); err != nil {
		return nil, fmt.Errorf("failed to read stack: %w", err)
	}

	return &ExecuteResult{
		Backend:  m.Capabilities().Backend(),
		State:    stateFromFrame(m.CPUs()[0].Frame()),
		ExitInfo: exitInfo(reason),
		Memory:   map[string][]byte{fmt.Sprintf("0x%x", lo): window},
	}, nil
}

// stackMarker labels a 16 byte row of the stack dump.
func stackMarker(row, initialSP, finalSP uint64) string {
	in := func(sp uint64) bool { return sp >= row && sp < row+16 }
	switch {
	case in(initialSP):
		return "ISP>"
	case in(finalSP):
		return "FSP>"
	case finalSP < initialSP && row >= finalSP && row < initialSP:
		return "STK>"
	}
	return ""
}

// printStackContents dumps the stack window returned by emulateFunction,
// marking the initial and final stack pointers.
func printStackContents(memory map[string][]byte, initialSP, finalSP uint64) {
	fmt.Printf("\n=== Stack Analysis ===\n")
	if len(memory) != 1 {
		fmt.Println("No memory data available")
		return
	}
	var (
		base   uint64
		window []byte
	)
	for k, v := range memory {
		if _, err := fmt.Sscanf(k, "0x%x", &base); err != nil {
			fmt.Printf("Bad stack window address %q\n", k)
			return
		}
		window = v
	}

	fmt.Printf("Stack region: 0x%x - 0x%x (Initial SP: 0x%x, Final SP: 0x%x)\n",
		base, base+uint64(len(window)), initialSP, finalSP)
	fmt.Printf("Stack change: %d bytes\n\n", int64(finalSP)-int64(initialSP))
	fmt.Printf("Annotations: ISP=Initial SP, FSP=Final SP, STK=Stack Area\n")

	for off := 0; off < len(window); off += 16 {
		row := base + uint64(off)
		fmt.Printf("%-5s%s", stackMarker(row, initialSP, finalSP), utils.HexDump(window[off:min(off+16, len(window))], row))
	}
}

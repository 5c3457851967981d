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
	"encoding/binary"
	"fmt"
	"os"

	"github.com/blacktop/go-macho"
	"github.com/spf13/cobra"
	"golang.org/x/arch/arm64/arm64asm"
)

func init() {
	rootCmd.AddCommand(disasmCmd)
	disasmCmd.Flags().Uint64P("addr", "a", 0, "Disassemble the Mach-O function containing this address")
	disasmCmd.Flags().IntP("count", "c", 0, "Maximum number of instructions (0 = all)")
	disasmCmd.Flags().Uint64P("base", "b", 0x4000, "Load address of a raw binary")
}

var disasmCmd = &cobra.Command{
	Use:     "disasm [FILE]",
	Aliases: []string{"dis"},
	Short:   "Disassemble raw ARM64 code or a Mach-O function",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetUint64("addr")
		count, _ := cmd.Flags().GetInt("count")
		base, _ := cmd.Flags().GetUint64("base")

		var code []byte
		if addr != 0 {
			m, err := macho.Open(args[0])
			if err != nil {
				return fmt.Errorf("failed to open Mach-O file: %w", err)
			}
			defer m.Close()
			fn, err := m.GetFunctionForVMAddr(addr)
			if err != nil {
				return fmt.Errorf("failed to find function at address 0x%x: %w", addr, err)
			}
			code = make([]byte, fn.EndAddr-fn.StartAddr)
			if _, err := m.ReadAtAddr(code, fn.StartAddr); err != nil {
				return fmt.Errorf("failed to read function bytes: %w", err)
			}
			base = fn.StartAddr
			fmt.Printf("%s:\n", fn.Name)
		} else {
			var err error
			if code, err = os.ReadFile(args[0]); err != nil {
				return fmt.Errorf("failed to read code file: %w", err)
			}
		}
		if count > 0 && count*4 < len(code) {
			code = code[:count*4]
		}
		printDisassembly(code, base)
		return nil
	},
}

// printDisassembly prints one line per instruction word. Words that do not
// decode are shown as .word directives.
func printDisassembly(code []byte, addr uint64) {
	for i := 0; i+4 <= len(code); i += 4 {
		word := binary.LittleEndian.Uint32(code[i:])
		text := fmt.Sprintf(".word %#08x", word)
		if inst, err := arm64asm.Decode(code[i : i+4]); err == nil {
			text = arm64asm.GNUSyntax(inst)
		}
		fmt.Printf("%s  %08x  %s\n", dimColor(fmt.Sprintf("0x%08x", addr+uint64(i))), word, text)
	}
}

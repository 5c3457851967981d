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
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/blacktop/go-hvaccel"
	"github.com/blacktop/go-hvaccel/hv"
	"github.com/blacktop/go-hvaccel/hv/factory"
	"github.com/blacktop/go-hvaccel/hv/hvf"
)

var (
	okColor   = color.New(color.FgGreen, color.Bold).SprintFunc()
	warnColor = color.New(color.FgYellow).SprintFunc()
	failColor = color.New(color.FgRed).SprintFunc()
	dimColor  = color.New(color.Faint).SprintFunc()
)

func init() {
	rootCmd.AddCommand(checkCmd)
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Probe every accelerator and report what a guest would get",
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, name := range factory.Names() {
			if name == factory.Auto {
				continue
			}
			hosts, err := factory.Open(name, factory.Options{Logger: log})
			if err != nil {
				return err
			}
			for _, h := range hosts {
				printProbe(h.Name(), probe(h))
			}
		}
		if runtime.GOOS == "darwin" {
			checkEntitlement()
		}
		return nil
	},
}

type probeResult struct {
	caps hvaccel.CapabilitySet
	err  error
}

func probe(h hv.Host) probeResult {
	caps, err := hvaccel.Probe(h, hvaccel.CPUConfig{})
	return probeResult{caps: caps, err: err}
}

func printProbe(name string, r probeResult) {
	var partial *hvaccel.PartialCapabilityError
	switch {
	case r.err == nil, errors.As(r.err, &partial):
		kind := "interpreter"
		if r.caps.Hardware() {
			kind = "hardware"
		}
		fmt.Printf("%-5s %s  %s ipa=%d granule=%#x vcpus=%d brps=%d wrps=%d\n",
			name, okColor("available"), kind, r.caps.IPABits(), r.caps.Granule(),
			r.caps.MaxVCPUs(), r.caps.Breakpoints(), r.caps.Watchpoints())
		fmt.Printf("      %s %s\n", dimColor("features:"), r.caps.Features())
		if r.caps.KernelPSCI() {
			fmt.Printf("      %s\n", dimColor("psci: served by the host kernel"))
		}
		if partial != nil {
			fmt.Printf("      %s %v\n", warnColor("partial:"), partial)
		}
	case errors.Is(r.err, hvaccel.ErrHostUnsupported):
		fmt.Printf("%-5s %s  %v\n", name, warnColor("unavailable"), r.err)
	default:
		fmt.Printf("%-5s %s  %v\n", name, failColor("error"), r.err)
	}
}

// checkEntitlement reports whether this binary carries the hypervisor
// entitlement Hypervisor.framework requires.
func checkEntitlement() {
	ok, err := hvf.Supported()
	if err != nil {
		fmt.Printf("hv support: %s\n", failColor(err))
	} else {
		fmt.Printf("hv support: %v\n", ok)
	}

	exe, _ := os.Executable()
	if exe == "" {
		fmt.Println("entitlements: unknown (executable path not found)")
		return
	}
	out, _ := exec.Command("codesign", "-dv", "--entitlements", "-", exe).CombinedOutput()
	if strings.Contains(string(out), "com.apple.security.hypervisor") {
		fmt.Printf("entitlements: hypervisor=%s\n", okColor("true"))
	} else {
		fmt.Printf("entitlements: hypervisor=%s\n", failColor("false"))
	}
}

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
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/go-echarts/statsview"
	"github.com/go-echarts/statsview/viewer"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/blacktop/go-hvaccel"
)

const statsAddr = "localhost:12600"

var (
	verbose     bool
	showMetrics bool
	statsServer bool

	log = zap.NewNop()
)

// ExitError carries the process exit status for a guest that stopped for a
// reason other than a clean power off.
type ExitError struct {
	Code   int
	Reason hvaccel.ShutdownReason
}

func (e *ExitError) Error() string { return fmt.Sprintf("guest stopped: %s", e.Reason) }

var rootCmd = &cobra.Command{
	Use:           "hv",
	Short:         "Run AArch64 guests on Hypervisor.framework, KVM or the interpreter",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if verbose {
			log, err = zap.NewDevelopment()
		} else {
			log, err = zap.NewProduction()
		}
		if err != nil {
			return fmt.Errorf("failed to create logger: %w", err)
		}
		hvaccel.SetLogger(log)
		if statsServer {
			go func() {
				viewer.SetConfiguration(viewer.WithAddr(statsAddr))
				statsview.New().Start()
			}()
			log.Info("stats server started", zap.String("url", "http://"+statsAddr+"/debug/statsview"))
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if showMetrics {
			printMetrics()
		}
		_ = log.Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "V", false, "Enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&showMetrics, "metrics", false, "Print core metrics as JSON on exit")
	rootCmd.PersistentFlags().BoolVar(&statsServer, "statsview", false, "Serve runtime statistics on "+statsAddr)
}

func printMetrics() {
	out, err := json.MarshalIndent(hvaccel.GetMetrics(), "", "  ")
	if err != nil {
		return
	}
	fmt.Fprintln(os.Stderr, string(out))
}

// Execute runs the root command and exits with the guest's status.
func Execute() {
	err := rootCmd.Execute()
	if err == nil {
		return
	}
	var ee *ExitError
	if errors.As(err, &ee) {
		if showMetrics {
			printMetrics()
		}
		os.Exit(ee.Code)
	}
	fmt.Fprintln(os.Stderr, "hv:", err)
	os.Exit(1)
}

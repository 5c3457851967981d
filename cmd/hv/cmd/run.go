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
	"io"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/bradleyjkemp/memviz"
	"github.com/mattn/go-isatty"
	"github.com/pkg/term/termios"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/blacktop/go-hvaccel"
	"github.com/blacktop/go-hvaccel/devices/pl011"
	"github.com/blacktop/go-hvaccel/internal/watchdog"
)

// escapeKey (Ctrl-]) stops the guest from an interactive console.
const escapeKey = 0x1d

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().String("accel", "", "Override the config's accelerator: auto, hvf, kvm or soft")
	runCmd.Flags().Bool("trace", false, "Trace guest execution (interpreter only)")
	runCmd.Flags().String("uart", "pl011", "Device name MMIO regions use for the console UART")
	runCmd.Flags().Bool("console", false, "Feed stdin to the UART (Ctrl-] quits)")
	runCmd.Flags().Bool("watch-parent", false, "Stop the guest when the parent process exits")
	runCmd.Flags().String("memviz", "", "Write a graphviz dot file of the final machine layout")
	runCmd.Flags().Duration("timeout", 0, "Stop the guest after this long (0 = never)")
}

var runCmd = &cobra.Command{
	Use:   "run [CONFIG]",
	Short: "Boot a guest described by a JSON machine config",
	Args:  cobra.ExactArgs(1),
	RunE:  runMachine,
}

func runMachine(cmd *cobra.Command, args []string) error {
	accel, _ := cmd.Flags().GetString("accel")
	trace, _ := cmd.Flags().GetBool("trace")
	uartName, _ := cmd.Flags().GetString("uart")
	console, _ := cmd.Flags().GetBool("console")
	watchParent, _ := cmd.Flags().GetBool("watch-parent")
	vizPath, _ := cmd.Flags().GetString("memviz")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	cfg, err := hvaccel.LoadConfig(args[0])
	if err != nil {
		return err
	}
	if accel != "" {
		cfg.Accelerator = accel
	}
	cfg.Debug.Trace = cfg.Debug.Trace || trace

	var machine atomic.Pointer[hvaccel.Machine]
	uart := pl011.New(os.Stdout,
		pl011.WithLogger(log.Named("pl011")),
		pl011.WithIRQ(func(level bool) {
			m := machine.Load()
			if !level || m == nil {
				return
			}
			if err := m.CPUs()[0].Inject(hvaccel.IRQ()); err != nil {
				log.Debug("uart interrupt dropped", zap.Error(err))
			}
		}))

	m, err := hvaccel.Initialize(cfg, hvaccel.WithLogger(log), hvaccel.WithDevice(uartName, uart))
	if err != nil {
		return fmt.Errorf("failed to create machine: %w", err)
	}
	defer m.Teardown()
	machine.Store(m)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)
	go func() {
		select {
		case s := <-sigs:
			log.Info("signal received", zap.Stringer("signal", s))
			m.RequestShutdown(hvaccel.ShutdownReason{Kind: hvaccel.ShutdownExternal, CPU: -1})
		case <-ctx.Done():
		}
	}()

	if watchParent {
		go func() {
			_ = watchdog.Watch(ctx, watchdog.DefaultInterval, log.Named("watchdog"), func() {
				m.RequestShutdown(hvaccel.ShutdownReason{Kind: hvaccel.ShutdownParentExited, CPU: -1})
			})
		}()
	}

	if console {
		restore, err := rawConsole(os.Stdin)
		if err != nil {
			return fmt.Errorf("failed to set up console: %w", err)
		}
		defer restore()
		go feedConsole(os.Stdin, uart, func() {
			m.RequestShutdown(hvaccel.ShutdownReason{Kind: hvaccel.ShutdownExternal, CPU: -1})
		})
	}

	start := time.Now()
	reason := m.RunUntilHalt(ctx)
	log.Info("guest stopped",
		zap.Stringer("reason", reason),
		zap.Duration("elapsed", time.Since(start)))

	if vizPath != "" {
		if err := writeMemviz(vizPath, m, reason); err != nil {
			log.Warn("failed to write memviz graph", zap.Error(err))
		}
	}

	if code := exitCode(reason); code != 0 {
		return &ExitError{Code: code, Reason: reason}
	}
	return nil
}

// exitCode maps a shutdown reason to the process exit status.
func exitCode(r hvaccel.ShutdownReason) int {
	switch r.Kind {
	case hvaccel.ShutdownPowerOff, hvaccel.ShutdownBreakpoint, hvaccel.ShutdownAllCPUsOff:
		return 0
	case hvaccel.ShutdownReset, hvaccel.ShutdownCrash:
		return 2
	case hvaccel.ShutdownExternal, hvaccel.ShutdownContextDone:
		return 130
	case hvaccel.ShutdownParentExited:
		return 143
	}
	return 1
}

// rawConsole switches a terminal to raw mode and returns the restore
// function. It does nothing for pipes and files.
func rawConsole(f *os.File) (func(), error) {
	if !isatty.IsTerminal(f.Fd()) {
		return func() {}, nil
	}
	var saved unix.Termios
	if err := termios.Tcgetattr(f.Fd(), &saved); err != nil {
		return nil, err
	}
	raw := saved
	termios.Cfmakeraw(&raw)
	if err := termios.Tcsetattr(f.Fd(), termios.TCSANOW, &raw); err != nil {
		termios.Tcsetattr(f.Fd(), termios.TCSANOW, &saved)
		return nil, err
	}
	return func() {
		termios.Tcsetattr(f.Fd(), termios.TCSANOW, &saved)
	}, nil
}

// feedConsole copies r into the UART until EOF or the escape key.
func feedConsole(r io.Reader, uart io.Writer, onEscape func()) {
	buf := make([]byte, 256)
	for {
		n, err := r.Read(buf)
		for i := 0; i < n; i++ {
			if buf[i] == escapeKey {
				uart.Write(buf[:i])
				onEscape()
				return
			}
		}
		if n > 0 {
			uart.Write(buf[:n])
		}
		if err != nil {
			return
		}
	}
}

type regionSnapshot struct {
	Name string
	Base string
	Size uint64
	Kind string
	Perm string
}

type machineSnapshot struct {
	Backend  string
	Features string
	Reason   string
	Regions  []regionSnapshot
	Metrics  hvaccel.Metrics
}

func writeMemviz(path string, m *hvaccel.Machine, reason hvaccel.ShutdownReason) error {
	snap := &machineSnapshot{
		Backend:  m.Capabilities().Backend(),
		Features: m.Capabilities().Features().String(),
		Reason:   reason.String(),
		Metrics:  hvaccel.GetMetrics(),
	}
	for _, r := range m.AddressSpace().Regions() {
		snap.Regions = append(snap.Regions, regionSnapshot{
			Name: r.Name,
			Base: fmt.Sprintf("%#x", r.Base),
			Size: r.Size,
			Kind: r.Kind.String(),
			Perm: r.Perm.String(),
		})
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	memviz.Map(f, snap)
	return f.Close()
}

// Package pl011 emulates the data path of an ARM PrimeCell PL011 UART:
// transmit to an io.Writer, receive from a fed buffer, and the ID registers
// guests probe for.
package pl011

import (
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/blacktop/go-hvaccel"
)

// Size is the MMIO window the UART decodes.
const Size = 0x1000

// Register offsets.
const (
	DR   = 0x000
	RSR  = 0x004
	FR   = 0x018
	IBRD = 0x024
	FBRD = 0x028
	LCRH = 0x02c
	CR   = 0x030
	IFLS = 0x034
	IMSC = 0x038
	RIS  = 0x03c
	MIS  = 0x040
	ICR  = 0x044
)

// Flag register bits.
const (
	FlagBusy = 1 << 3
	FlagRXFE = 1 << 4
	FlagTXFF = 1 << 5
	FlagRXFF = 1 << 6
	FlagTXFE = 1 << 7
)

// Interrupt bits in RIS, MIS, IMSC and ICR.
const (
	IntRX = 1 << 4
	IntTX = 1 << 5
)

const fifoDepth = 16

// peripheral and PrimeCell identification, 0xfe0 through 0xffc.
var ids = [8]uint32{0x11, 0x10, 0x14, 0x00, 0x0d, 0xf0, 0x05, 0xb1}

// UART is one PL011. It is safe for concurrent use.
type UART struct {
	mu  sync.Mutex
	out io.Writer
	log *zap.Logger

	rx   []byte
	cr   uint32
	lcr  uint32
	ibrd uint32
	fbrd uint32
	ifls uint32
	imsc uint32
	ris  uint32

	// irq is called when the masked interrupt status may have changed.
	irq func(level bool)
}

// Option configures a UART.
type Option func(*UART)

// WithLogger sets the logger for unexpected register accesses.
func WithLogger(l *zap.Logger) Option {
	return func(u *UART) { u.log = l }
}

// WithIRQ sets the interrupt line callback.
func WithIRQ(fn func(level bool)) Option {
	return func(u *UART) { u.irq = fn }
}

// New returns a UART transmitting to out. A nil out discards output.
func New(out io.Writer, opts ...Option) *UART {
	if out == nil {
		out = io.Discard
	}
	u := &UART{
		out:  out,
		log:  zap.NewNop(),
		cr:   0x300, // TXE | RXE
		ifls: 0x12,
	}
	for _, o := range opts {
		o(u)
	}
	return u
}

// Write queues p as received input. It implements io.Writer so a host
// terminal can be copied into the UART.
func (u *UART) Write(p []byte) (int, error) {
	u.mu.Lock()
	u.rx = append(u.rx, p...)
	u.ris |= IntRX
	fn := u.update()
	u.mu.Unlock()
	fn()
	return len(p), nil
}

// Pending reports how many received bytes the guest has not read.
func (u *UART) Pending() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.rx)
}

// update returns the interrupt callback to run once the lock is released.
func (u *UART) update() func() {
	if u.irq == nil {
		return func() {}
	}
	level := u.ris&u.imsc != 0
	return func() { u.irq(level) }
}

func (u *UART) flags() uint32 {
	f := uint32(FlagTXFE)
	switch {
	case len(u.rx) == 0:
		f |= FlagRXFE
	case len(u.rx) >= fifoDepth:
		f |= FlagRXFF
	}
	return f
}

// HandleMMIO implements hvaccel.Device.
func (u *UART) HandleMMIO(_ hvaccel.RegionID, off uint64, kind hvaccel.AccessKind, size int, data uint64) (uint64, error) {
	if off >= Size || off&3 != 0 || size > 4 {
		return 0, fmt.Errorf("pl011: %s of %d bytes at +0x%x", kind, size, off)
	}
	u.mu.Lock()
	var (
		val uint64
		err error
	)
	if kind == hvaccel.AccessWrite {
		err = u.write(off, uint32(data))
	} else {
		val = uint64(u.read(off))
	}
	fn := u.update()
	u.mu.Unlock()
	fn()
	return val, err
}

func (u *UART) read(off uint64) uint32 {
	switch off {
	case DR:
		if len(u.rx) == 0 {
			return 0
		}
		b := u.rx[0]
		u.rx = u.rx[1:]
		if len(u.rx) == 0 {
			u.ris &^= IntRX
		}
		return uint32(b)
	case RSR:
		return 0
	case FR:
		return u.flags()
	case IBRD:
		return u.ibrd
	case FBRD:
		return u.fbrd
	case LCRH:
		return u.lcr
	case CR:
		return u.cr
	case IFLS:
		return u.ifls
	case IMSC:
		return u.imsc
	case RIS:
		return u.ris
	case MIS:
		return u.ris & u.imsc
	}
	if off >= 0xfe0 {
		return ids[(off-0xfe0)/4]
	}
	u.log.Debug("read of unimplemented register", zap.Uint64("offset", off))
	return 0
}

func (u *UART) write(off uint64, v uint32) error {
	switch off {
	case DR:
		if _, err := u.out.Write([]byte{byte(v)}); err != nil {
			return fmt.Errorf("pl011: transmit: %w", err)
		}
		u.ris |= IntTX
	case RSR:
	case IBRD:
		u.ibrd = v & 0xffff
	case FBRD:
		u.fbrd = v & 0x3f
	case LCRH:
		u.lcr = v & 0xff
	case CR:
		u.cr = v & 0xffff
	case IFLS:
		u.ifls = v & 0x3f
	case IMSC:
		u.imsc = v & 0x7ff
	case ICR:
		u.ris &^= v
	default:
		u.log.Debug("write to read-only or unimplemented register", zap.Uint64("offset", off), zap.Uint32("value", v))
	}
	return nil
}

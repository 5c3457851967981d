package pl011

import (
	"bytes"
	"errors"
	"testing"

	"github.com/blacktop/go-hvaccel"
)

func TestTransmit(t *testing.T) {
	var out bytes.Buffer
	u := New(&out)
	for _, c := range []byte("ok\n") {
		if _, err := u.HandleMMIO(0, DR, hvaccel.AccessWrite, 1, uint64(c)); err != nil {
			t.Fatalf("write DR: %v", err)
		}
	}
	if out.String() != "ok\n" {
		t.Errorf("output = %q, want %q", out.String(), "ok\n")
	}
}

func TestReceive(t *testing.T) {
	var levels []bool
	u := New(nil, WithIRQ(func(level bool) { levels = append(levels, level) }))

	fr, _ := u.HandleMMIO(0, FR, hvaccel.AccessRead, 4, 0)
	if fr&FlagRXFE == 0 || fr&FlagTXFE == 0 {
		t.Fatalf("idle FR = %#x, want RXFE|TXFE", fr)
	}
	if _, err := u.HandleMMIO(0, IMSC, hvaccel.AccessWrite, 4, IntRX); err != nil {
		t.Fatalf("write IMSC: %v", err)
	}
	u.Write([]byte("hi"))
	if !levels[len(levels)-1] {
		t.Errorf("rx interrupt not raised: %v", levels)
	}
	if mis, _ := u.HandleMMIO(0, MIS, hvaccel.AccessRead, 4, 0); mis != IntRX {
		t.Errorf("MIS = %#x, want %#x", mis, IntRX)
	}

	var got []byte
	for range 2 {
		v, err := u.HandleMMIO(0, DR, hvaccel.AccessRead, 4, 0)
		if err != nil {
			t.Fatalf("read DR: %v", err)
		}
		got = append(got, byte(v))
	}
	if string(got) != "hi" {
		t.Errorf("received %q, want %q", got, "hi")
	}
	if u.Pending() != 0 {
		t.Errorf("Pending = %d after draining", u.Pending())
	}
	if levels[len(levels)-1] {
		t.Errorf("rx interrupt still raised after draining: %v", levels)
	}
}

func TestIDRegisters(t *testing.T) {
	u := New(nil)
	want := []uint64{0x11, 0x10, 0x14, 0x00, 0x0d, 0xf0, 0x05, 0xb1}
	for i, w := range want {
		off := uint64(0xfe0 + 4*i)
		got, err := u.HandleMMIO(0, off, hvaccel.AccessRead, 4, 0)
		if err != nil {
			t.Fatalf("read +%#x: %v", off, err)
		}
		if got != w {
			t.Errorf("+%#x = %#x, want %#x", off, got, w)
		}
	}
}

type failWriter struct{}

func (failWriter) Write([]byte) (int, error) { return 0, errors.New("closed") }

func TestBadAccess(t *testing.T) {
	tests := []struct {
		name string
		u    *UART
		off  uint64
		kind hvaccel.AccessKind
		size int
	}{
		{"unaligned", New(nil), 0x19, hvaccel.AccessRead, 1},
		{"wide", New(nil), DR, hvaccel.AccessRead, 8},
		{"outside window", New(nil), Size, hvaccel.AccessRead, 4},
		{"sink failure", New(failWriter{}), DR, hvaccel.AccessWrite, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.u.HandleMMIO(0, tt.off, tt.kind, tt.size, 'x'); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

package utils

import "testing"

func TestHexDump(t *testing.T) {
	got := HexDump([]byte("hello, guest!\x00\x01"), 0x4000)
	want := "0x00004000: 68 65 6c 6c 6f 2c 20 67  75 65 73 74 21 00 01     |hello, guest!..|\n"
	if got != want {
		t.Errorf("HexDump =\n%q\nwant\n%q", got, want)
	}
	if HexDump(nil, 0) != "" {
		t.Error("empty input produced output")
	}
}

package factory

import (
	"errors"
	"runtime"
	"testing"

	"github.com/blacktop/go-hvaccel/hv"
)

func TestOpen(t *testing.T) {
	native := 0
	if runtime.GOARCH == "arm64" && (runtime.GOOS == "darwin" || runtime.GOOS == "linux") {
		native = 1
	}
	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{"explicit soft", "soft", []string{"soft"}},
		{"explicit hvf", "hvf", []string{"hvf"}},
		{"explicit kvm", "KVM", []string{"kvm"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hosts, err := Open(tt.input, Options{})
			if err != nil {
				t.Fatalf("Open(%q) error: %v", tt.input, err)
			}
			if len(hosts) != len(tt.want) {
				t.Fatalf("Open(%q) = %d hosts, want %d", tt.input, len(hosts), len(tt.want))
			}
			for i, h := range hosts {
				if h.Name() != tt.want[i] {
					t.Errorf("host[%d] = %s, want %s", i, h.Name(), tt.want[i])
				}
			}
		})
	}

	t.Run("auto ends with interpreter", func(t *testing.T) {
		hosts, err := Open(Auto, Options{})
		if err != nil {
			t.Fatalf("Open(auto) error: %v", err)
		}
		if len(hosts) != native+1 {
			t.Fatalf("Open(auto) = %d hosts, want %d", len(hosts), native+1)
		}
		if hosts[len(hosts)-1].Name() != "soft" {
			t.Errorf("last candidate = %s, want soft", hosts[len(hosts)-1].Name())
		}
	})

	t.Run("unknown", func(t *testing.T) {
		if _, err := Open("tcg", Options{}); !errors.Is(err, hv.ErrBadArgument) {
			t.Errorf("Open(tcg) error = %v, want ErrBadArgument", err)
		}
	})
}

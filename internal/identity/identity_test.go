package identity

import (
	"context"
	"errors"
	"testing"
)

func testResolver(opts Options, host, hw string, hwErr error) *Resolver {
	r := NewResolver(opts, nil)
	r.hostName = func() (string, error) { return host, nil }
	r.hardwareID = func(context.Context) (string, error) { return hw, hwErr }
	r.osVersion = func(context.Context) (string, error) { return "testos 1.0 (linux)", nil }
	return r
}

func TestSlug(t *testing.T) {
	tests := []struct {
		name string
		id   Identity
		want string
	}{
		{"host only", Identity{HostName: "PC1"}, "PC1"},
		{"with hardware", Identity{HostName: "PC1", HardwareID: "CPU123"}, "CPU123_PC1"},
		{"underscore host only", Identity{HostName: "my_pc"}, "my-pc-60ab1e79"},
		{"dotted host", Identity{HostName: "desk.lan"}, "desk-lan-d3eb1ea8"},
		{"uuid hardware", Identity{HostName: "pc", HardwareID: "4c4c4544-0042"}, "4c4c4544-0042_pc"},
		{"wildcards", Identity{HostName: "a+b#c/d"}, "a-b-c-d-4187defd"},
		{"unicode", Identity{HostName: "büro"}, "b-ro-9062418a"},
		{"underscore host with hardware", Identity{HostName: "my_pc", HardwareID: "X1"}, "X1_my_pc"},
		{"underscore hardware", Identity{HostName: "PC1", HardwareID: "AB_CD"}, "AB-CD-0142ae92_PC1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.id.Slug(); got != tt.want {
				t.Errorf("Slug() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSlug_SameHostDifferentHardware(t *testing.T) {
	a := Identity{HostName: "PC1", HardwareID: "AAA"}
	b := Identity{HostName: "PC1", HardwareID: "BBB"}
	if a.Slug() == b.Slug() {
		t.Fatalf("slugs collide: %q", a.Slug())
	}
}

func TestSlug_Distinct(t *testing.T) {
	pairs := [][2]Identity{
		{{HostName: "PC1", HardwareID: "AB_CD"}, {HostName: "CD_PC1", HardwareID: "AB"}},
		{{HostName: "PC.1", HardwareID: "X"}, {HostName: "PC_1", HardwareID: "X"}},
		{{HostName: "PC.1"}, {HostName: "PC_1"}},
		{{HostName: "PC.1"}, {HostName: "PC/1"}},
		{{HostName: "b_PC1"}, {HostName: "PC1", HardwareID: "b"}},
	}
	for _, p := range pairs {
		if a, b := p[0].Slug(), p[1].Slug(); a == b {
			t.Errorf("%+v and %+v share slug %q", p[0], p[1], a)
		}
	}
}

func TestResolve_WithHardwareID(t *testing.T) {
	r := testResolver(Options{UseHardwareID: true}, "PC1", "CPU123", nil)

	id := r.Resolve(context.Background())
	if id.HostName != "PC1" || id.HardwareID != "CPU123" {
		t.Errorf("Resolve() = %+v, want PC1/CPU123", id)
	}
	if id.OSVersion != "testos 1.0 (linux)" {
		t.Errorf("OSVersion = %q", id.OSVersion)
	}
}

func TestResolve_HardwareIDFailsSoft(t *testing.T) {
	r := testResolver(Options{UseHardwareID: true}, "PC1", "", errors.New("permission denied"))

	id := r.Resolve(context.Background())
	if id.HardwareID != "" {
		t.Errorf("HardwareID = %q, want empty", id.HardwareID)
	}
	if id.Slug() != "PC1" {
		t.Errorf("Slug() = %q, want PC1", id.Slug())
	}
}

func TestResolve_HardwareIDDisabled(t *testing.T) {
	r := testResolver(Options{UseHardwareID: false}, "PC1", "CPU123", nil)

	if id := r.Resolve(context.Background()); id.HardwareID != "" {
		t.Errorf("HardwareID = %q, want empty when disabled", id.HardwareID)
	}
}

func TestResolve_Overrides(t *testing.T) {
	r := testResolver(Options{HostName: "office", HardwareID: "fixed", UseHardwareID: true}, "PC1", "CPU123", nil)

	id := r.Resolve(context.Background())
	if id.HostName != "office" || id.HardwareID != "fixed" {
		t.Errorf("Resolve() = %+v, want office/fixed", id)
	}
}

func TestResolve_HostNameFallback(t *testing.T) {
	r := testResolver(Options{}, "", "", nil)
	r.hostName = func() (string, error) { return "", errors.New("uname failed") }

	if id := r.Resolve(context.Background()); id.HostName != fallbackHostName {
		t.Errorf("HostName = %q, want %q", id.HostName, fallbackHostName)
	}
}

func TestResolve_Cached(t *testing.T) {
	calls := 0
	r := testResolver(Options{UseHardwareID: true}, "PC1", "", nil)
	r.hardwareID = func(context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", errors.New("not yet")
		}
		return "CPU123", nil
	}

	first := r.Resolve(context.Background())
	second := r.Resolve(context.Background())
	if first != second {
		t.Errorf("identity changed between calls: %+v vs %+v", first, second)
	}
	if calls != 1 {
		t.Errorf("hardware id source called %d times, want 1", calls)
	}
}

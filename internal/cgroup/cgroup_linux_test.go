//go:build linux

package cgroup

import "testing"

func TestParseCgroupV2Path(t *testing.T) {
	cases := []struct {
		name    string
		content string
		want    string
		wantErr bool
	}{
		{"simple", "0::/user.slice/user-1000.slice\n", "/user.slice/user-1000.slice", false},
		{"with other lines", "1:cpu:/foo\n0::/bar\n", "/bar", false},
		{"missing", "1:cpu:/foo\n", "", true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, err := parseCgroupV2Path(c.content)
			if c.wantErr {
				if err == nil {
					t.Fatalf("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != c.want {
				t.Fatalf("got %q, want %q", got, c.want)
			}
		})
	}
}

func TestNewNoLimitsReturnsNil(t *testing.T) {
	m, err := New("wld_test", 0, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m != nil {
		t.Fatalf("expected nil manager when no limits requested")
	}
}

func TestNilManagerMethodsAreNoops(t *testing.T) {
	var m *Manager
	if err := m.AddPID(123); err != nil {
		t.Fatalf("AddPID on nil manager should be a no-op: %v", err)
	}
	if err := m.SetCPU(1000, 100000); err != nil {
		t.Fatalf("SetCPU on nil manager should be a no-op: %v", err)
	}
	if err := m.RemoveIfIdle(); err != nil {
		t.Fatalf("RemoveIfIdle on nil manager should be a no-op: %v", err)
	}
	if m.Path() != "" {
		t.Fatalf("expected empty path on nil manager")
	}
}

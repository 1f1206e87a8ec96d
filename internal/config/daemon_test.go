package config

import (
	"os"
	"path/filepath"
	"testing"

	"gopkg.in/yaml.v3"
)

func TestProfileListUnmarshalMixed(t *testing.T) {
	input := `
profiles:
  - default
  - name: net-isolated
    isolate_network: true
    allowed_domains: [pypi.org, files.pythonhosted.org]
    mem_limit_mb: 512
`
	var cfg DaemonConfig
	if err := yaml.Unmarshal([]byte(input), &cfg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(cfg.Profiles) != 2 {
		t.Fatalf("expected 2 profiles, got %d", len(cfg.Profiles))
	}
	if cfg.Profiles[0].Name != "default" || cfg.Profiles[0].IsolateNetwork {
		t.Errorf("profile[0] = %+v", cfg.Profiles[0])
	}
	if cfg.Profiles[1].Name != "net-isolated" || !cfg.Profiles[1].IsolateNetwork || len(cfg.Profiles[1].AllowedDomains) != 2 {
		t.Errorf("profile[1] = %+v", cfg.Profiles[1])
	}
}

func TestProfileListMarshalRoundtrip(t *testing.T) {
	pl := ProfileList{
		{Name: "default"},
		{Name: "net-isolated", IsolateNetwork: true, AllowedDomains: []string{"pypi.org"}},
	}
	data, err := yaml.Marshal(struct {
		Profiles ProfileList `yaml:"profiles"`
	}{Profiles: pl})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	out := string(data)
	if !contains(out, "- default") {
		t.Errorf("expected plain string for default profile, got:\n%s", out)
	}
	if !contains(out, "name: net-isolated") {
		t.Errorf("expected mapping for net-isolated profile, got:\n%s", out)
	}
}

func TestProfileListByName(t *testing.T) {
	pl := ProfileList{{Name: "a"}, {Name: "b", IsolateNetwork: true}}
	p, ok := pl.ByName("b")
	if !ok || !p.IsolateNetwork {
		t.Fatalf("ByName(b) = %+v, %v", p, ok)
	}
	if _, ok := pl.ByName("missing"); ok {
		t.Fatalf("expected ByName(missing) to report not found")
	}
}

func TestLoadDaemonConfigMissingFileAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadDaemonConfig(dir)
	if err != nil {
		t.Fatalf("LoadDaemonConfig: %v", err)
	}
	if cfg.SocketPath != filepath.Join(dir, "substrated.sock") {
		t.Errorf("SocketPath = %q", cfg.SocketPath)
	}
	if cfg.GCIntervalMin != 15 {
		t.Errorf("GCIntervalMin = %d, want 15", cfg.GCIntervalMin)
	}
}

func TestSaveAndLoadDaemonConfigRoundtrip(t *testing.T) {
	dir := t.TempDir()
	cfg := &DaemonConfig{
		PolicyPath: "/custom/policy.yaml",
		Profiles:   ProfileList{{Name: "default"}},
	}
	if err := SaveDaemonConfig(dir, cfg); err != nil {
		t.Fatalf("SaveDaemonConfig: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "daemon.yaml")); err != nil {
		t.Fatalf("expected daemon.yaml to exist: %v", err)
	}

	loaded, err := LoadDaemonConfig(dir)
	if err != nil {
		t.Fatalf("LoadDaemonConfig: %v", err)
	}
	if loaded.PolicyPath != "/custom/policy.yaml" {
		t.Errorf("PolicyPath = %q", loaded.PolicyPath)
	}
	if len(loaded.Profiles) != 1 || loaded.Profiles[0].Name != "default" {
		t.Errorf("Profiles = %+v", loaded.Profiles)
	}
}

func contains(s, sub string) bool {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return true
		}
	}
	return false
}

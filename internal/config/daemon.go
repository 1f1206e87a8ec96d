package config

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DaemonConfig holds the settings read from ~/.substrate/daemon.yaml: where
// the daemon listens, which policy file governs command approval, and a
// set of named world profiles CLI callers can select by name.
type DaemonConfig struct {
	SocketPath      string      `yaml:"socket_path,omitempty"`
	PolicyPath      string      `yaml:"policy_path,omitempty"`
	ManifestBaseDir string      `yaml:"manifest_base_dir,omitempty"`
	GCIntervalMin   int         `yaml:"gc_interval_minutes,omitempty"`
	Profiles        ProfileList `yaml:"profiles,omitempty"`
}

// Profile is a named bundle of world defaults. A profile given in the
// plain-string form carries only its Name (every other field is zero); a
// mapping form sets individual fields.
type Profile struct {
	Name           string   `yaml:"name" json:"name"`
	IsolateNetwork bool     `yaml:"isolate_network,omitempty" json:"isolate_network,omitempty"`
	AllowedDomains []string `yaml:"allowed_domains,omitempty" json:"allowed_domains,omitempty"`
	MemLimitMB     uint64   `yaml:"mem_limit_mb,omitempty" json:"mem_limit_mb,omitempty"`
	PidLimit       uint32   `yaml:"pid_limit,omitempty" json:"pid_limit,omitempty"`
}

// ProfileList supports the same mixed scalar-or-mapping YAML shape as the
// teacher's path-list config: a bare name yields a Profile with just that
// Name set, a mapping lets the caller set any field.
type ProfileList []Profile

// UnmarshalYAML handles both scalar strings and mapping nodes in a
// sequence of profiles.
func (pl *ProfileList) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.SequenceNode {
		return &yaml.TypeError{Errors: []string{"expected sequence"}}
	}
	var result ProfileList
	for _, item := range value.Content {
		switch item.Kind {
		case yaml.ScalarNode:
			result = append(result, Profile{Name: item.Value})
		case yaml.MappingNode:
			var entry Profile
			if err := item.Decode(&entry); err != nil {
				return err
			}
			result = append(result, entry)
		}
	}
	*pl = result
	return nil
}

// MarshalYAML serializes a ProfileList: entries with no overrides beyond a
// name become plain strings, matching the teacher's PathList convention.
func (pl ProfileList) MarshalYAML() (any, error) {
	var nodes []*yaml.Node
	for _, p := range pl {
		if !p.IsolateNetwork && len(p.AllowedDomains) == 0 && p.MemLimitMB == 0 && p.PidLimit == 0 {
			nodes = append(nodes, &yaml.Node{Kind: yaml.ScalarNode, Value: p.Name})
			continue
		}
		var n yaml.Node
		if err := n.Encode(p); err != nil {
			return nil, err
		}
		nodes = append(nodes, &n)
	}
	return &yaml.Node{Kind: yaml.SequenceNode, Content: nodes}, nil
}

// ByName returns the profile with the given name, if present.
func (pl ProfileList) ByName(name string) (Profile, bool) {
	for _, p := range pl {
		if p.Name == name {
			return p, true
		}
	}
	return Profile{}, false
}

// LoadDaemonConfig reads daemon.yaml from dir. A missing file returns a
// zero-value config with sensible field-level defaults applied, not an
// error — the daemon should start with reasonable behavior unconfigured.
func LoadDaemonConfig(dir string) (*DaemonConfig, error) {
	cfg := &DaemonConfig{}
	path := filepath.Join(dir, "daemon.yaml")

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyDaemonDefaults(cfg, dir)
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	applyDaemonDefaults(cfg, dir)
	return cfg, nil
}

func applyDaemonDefaults(cfg *DaemonConfig, dir string) {
	if cfg.SocketPath == "" {
		cfg.SocketPath = filepath.Join(dir, "substrated.sock")
	}
	if cfg.PolicyPath == "" {
		cfg.PolicyPath = filepath.Join(dir, "policy.yaml")
	}
	if cfg.ManifestBaseDir == "" {
		cfg.ManifestBaseDir = BasesDir(dir)
	}
	if cfg.GCIntervalMin == 0 {
		cfg.GCIntervalMin = 15
	}
}

// SaveDaemonConfig writes daemon.yaml to dir.
func SaveDaemonConfig(dir string, cfg *DaemonConfig) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "daemon.yaml"), data, 0644)
}

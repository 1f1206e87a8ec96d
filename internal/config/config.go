// Package config loads substrate's layered settings: a JSON user/project
// settings pair (merged project-over-user, following the teacher's own
// config layering) plus a YAML daemon config for world defaults and
// profiles.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// Config holds settings that apply uniformly to CLI and daemon behavior.
type Config struct {
	// Execution defaults
	DefaultFsMode  string `json:"default_fs_mode,omitempty"`
	IsolateNetwork bool   `json:"isolate_network,omitempty"`
	CommandTimeout int    `json:"command_timeout,omitempty"` // seconds

	// Policy
	PolicyPath string `json:"policy_path,omitempty"`
	ObserveOnly bool  `json:"observe_only,omitempty"`

	// Replay
	ReplayTimeout int `json:"replay_timeout,omitempty"` // seconds

	// GC
	GCTTLMinutes int `json:"gc_ttl_minutes,omitempty"`
}

// Manager layers a project config over a user config, same precedence rule
// as the original per-project/per-user settings split.
type Manager struct {
	userConfig    *Config
	projectConfig *Config
	merged        *Config
}

func NewManager() *Manager {
	return &Manager{
		userConfig:    &Config{},
		projectConfig: &Config{},
		merged:        &Config{},
	}
}

func (m *Manager) Load(userConfigDir, projectDir string) error {
	userConfigPath := filepath.Join(userConfigDir, "settings.json")
	if err := m.loadConfig(userConfigPath, m.userConfig); err != nil {
		return err
	}

	projectConfigPath := filepath.Join(projectDir, ".substrate", "settings.json")
	if err := m.loadConfig(projectConfigPath, m.projectConfig); err != nil {
		return err
	}

	m.mergeConfigs()
	return nil
}

func (m *Manager) loadConfig(path string, config *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return json.Unmarshal(data, config)
}

func (m *Manager) mergeConfigs() {
	m.merged = &Config{
		DefaultFsMode:  m.getStringValue(m.userConfig.DefaultFsMode, m.projectConfig.DefaultFsMode, "writable"),
		IsolateNetwork: m.getBoolValue(m.userConfig.IsolateNetwork, m.projectConfig.IsolateNetwork, false),
		CommandTimeout: m.getIntValue(m.userConfig.CommandTimeout, m.projectConfig.CommandTimeout, 300),
		PolicyPath:     m.getStringValue(m.userConfig.PolicyPath, m.projectConfig.PolicyPath, ""),
		ObserveOnly:    m.getBoolValue(m.userConfig.ObserveOnly, m.projectConfig.ObserveOnly, true),
		ReplayTimeout:  m.getIntValue(m.userConfig.ReplayTimeout, m.projectConfig.ReplayTimeout, 30),
		GCTTLMinutes:   m.getIntValue(m.userConfig.GCTTLMinutes, m.projectConfig.GCTTLMinutes, 60),
	}
}

func (m *Manager) getStringValue(user, project, defaultValue string) string {
	if project != "" {
		return project
	}
	if user != "" {
		return user
	}
	return defaultValue
}

func (m *Manager) getBoolValue(user, project, defaultValue bool) bool {
	if project {
		return project
	}
	if user {
		return user
	}
	return defaultValue
}

func (m *Manager) getIntValue(user, project, defaultValue int) int {
	if project != 0 {
		return project
	}
	if user != 0 {
		return user
	}
	return defaultValue
}

func (m *Manager) Get() *Config {
	return m.merged
}

func (m *Manager) SaveUserConfig(userConfigDir string) error {
	configPath := filepath.Join(userConfigDir, "settings.json")
	if err := os.MkdirAll(userConfigDir, 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(m.userConfig, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(configPath, data, 0644)
}

func (m *Manager) SaveProjectConfig(projectDir string) error {
	substrateDir := filepath.Join(projectDir, ".substrate")
	configPath := filepath.Join(substrateDir, "settings.json")
	if err := os.MkdirAll(substrateDir, 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(m.projectConfig, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(configPath, data, 0644)
}

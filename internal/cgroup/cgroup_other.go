//go:build !linux

package cgroup

// Manager is a no-op on non-Linux platforms; cgroups v2 is Linux-only.
type Manager struct{}

func New(worldID string, memLimitBytes uint64, pidLimit uint32) (*Manager, error) {
	return nil, nil
}

func (m *Manager) AddPID(pid int) error                  { return nil }
func (m *Manager) SetCPU(quotaUs, periodUs int64) error  { return nil }
func (m *Manager) RemoveIfIdle() error                   { return nil }
func (m *Manager) Path() string                          { return "" }

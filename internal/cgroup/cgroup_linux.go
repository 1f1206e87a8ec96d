//go:build linux

// Package cgroup manages a cgroups v2 sub-cgroup per world, providing real
// memory and process-count limits beyond what prlimit can offer (prlimit's
// RLIMIT_AS only bounds one process's virtual address space; RLIMIT_NPROC is
// per-user, not per-tree).
package cgroup

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/atomize-hq/substrate/internal/logger"
)

// Manager owns a single cgroup v2 directory for a world.
type Manager struct {
	path string
}

// New creates a cgroup v2 sub-cgroup named wld_<worldID> under the caller's
// own cgroup, with the given limits applied. It returns (nil, nil) rather
// than an error when cgroups v2 is unavailable, permissions are insufficient,
// or both limits are zero — callers fall back to prlimit-only enforcement
// in that case.
func New(worldID string, memLimitBytes uint64, pidLimit uint32) (*Manager, error) {
	if memLimitBytes == 0 && pidLimit == 0 {
		return nil, nil
	}

	if _, err := os.Stat("/sys/fs/cgroup/cgroup.controllers"); err != nil {
		logger.Warn("cgroups v2 not available, falling back to prlimit-only")
		return nil, nil
	}

	ownPath, err := readOwnCgroup()
	if err != nil {
		logger.Warn("cannot read own cgroup, falling back to prlimit-only", "error", err)
		return nil, nil
	}

	parentPath := filepath.Join("/sys/fs/cgroup", ownPath)
	cgroupPath := filepath.Join(parentPath, "wld_"+worldID)

	if err := os.MkdirAll(cgroupPath, 0o755); err != nil {
		logger.Warn("cannot create cgroup, falling back to prlimit-only", "path", cgroupPath, "error", err)
		return nil, nil
	}

	var controllers []string
	if memLimitBytes > 0 {
		controllers = append(controllers, "+memory")
	}
	if pidLimit > 0 {
		controllers = append(controllers, "+pids")
	}
	controllers = append(controllers, "+cpu")

	if err := enableControllers(parentPath, controllers); err != nil {
		os.Remove(cgroupPath)
		logger.Warn("cannot enable cgroup controllers, falling back to prlimit-only", "error", err)
		return nil, nil
	}

	if memLimitBytes > 0 {
		if err := writeLimit(cgroupPath, "memory.max", strconv.FormatUint(memLimitBytes, 10)); err != nil {
			os.Remove(cgroupPath)
			logger.Warn("cannot set memory.max, falling back to prlimit-only", "error", err)
			return nil, nil
		}
	}
	if pidLimit > 0 {
		if err := writeLimit(cgroupPath, "pids.max", strconv.FormatUint(uint64(pidLimit), 10)); err != nil {
			os.Remove(cgroupPath)
			logger.Warn("cannot set pids.max, falling back to prlimit-only", "error", err)
			return nil, nil
		}
	}

	logger.Info("cgroup created", "world_id", worldID, "path", cgroupPath, "mem_bytes", memLimitBytes, "pids", pidLimit)
	return &Manager{path: cgroupPath}, nil
}

func writeLimit(cgroupPath, file, value string) error {
	return os.WriteFile(filepath.Join(cgroupPath, file), []byte(value), 0o644)
}

// AddPID moves pid into this cgroup. A nil Manager is a valid no-op so
// callers don't need to special-case the "cgroups unavailable" path.
func (m *Manager) AddPID(pid int) error {
	if m == nil {
		return nil
	}
	return os.WriteFile(filepath.Join(m.path, "cgroup.procs"), []byte(strconv.Itoa(pid)), 0o644)
}

// SetCPU writes a cpu.max quota/period pair (microseconds). quota<=0 means
// "max" (no limit).
func (m *Manager) SetCPU(quotaUs, periodUs int64) error {
	if m == nil {
		return nil
	}
	val := "max"
	if quotaUs > 0 {
		val = strconv.FormatInt(quotaUs, 10)
	}
	if periodUs <= 0 {
		periodUs = 100000
	}
	return os.WriteFile(filepath.Join(m.path, "cpu.max"), []byte(fmt.Sprintf("%s %d", val, periodUs)), 0o644)
}

// RemoveIfIdle removes the cgroup directory once its cgroup.procs is empty,
// and is a no-op while any process is still listed there. An error from the
// rmdir itself (e.g. EBUSY from a process that attached after the check) is
// returned unwrapped.
func (m *Manager) RemoveIfIdle() error {
	if m == nil {
		return nil
	}
	if procs, err := os.ReadFile(filepath.Join(m.path, "cgroup.procs")); err == nil && strings.TrimSpace(string(procs)) != "" {
		return nil
	}
	return os.Remove(m.path)
}

// Path returns the cgroup's filesystem path, empty if Manager is nil.
func (m *Manager) Path() string {
	if m == nil {
		return ""
	}
	return m.path
}

func parseCgroupV2Path(content string) (string, error) {
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "0::") {
			return line[3:], nil
		}
	}
	return "", fmt.Errorf("cgroup: no cgroup v2 entry found in /proc/self/cgroup")
}

func readOwnCgroup() (string, error) {
	data, err := os.ReadFile("/proc/self/cgroup")
	if err != nil {
		return "", fmt.Errorf("cgroup: read /proc/self/cgroup: %w", err)
	}
	return parseCgroupV2Path(string(data))
}

// enableControllers writes to cgroup.subtree_control to enable controllers
// on parentPath. If the parent has direct member processes, cgroups v2's
// "no internal processes" rule returns EBUSY; in that case the caller's own
// process is moved into a leaf cgroup (substrate-daemon) first, then the
// write is retried.
func enableControllers(parentPath string, controllers []string) error {
	if len(controllers) == 0 {
		return nil
	}
	payload := strings.Join(controllers, " ")
	controlPath := filepath.Join(parentPath, "cgroup.subtree_control")

	if err := os.WriteFile(controlPath, []byte(payload), 0o644); err == nil {
		return nil
	} else if !strings.Contains(err.Error(), "device or resource busy") {
		return err
	}

	leafPath := filepath.Join(parentPath, "substrate-daemon")
	if err := os.MkdirAll(leafPath, 0o755); err != nil {
		return fmt.Errorf("cgroup: create leaf cgroup: %w", err)
	}
	if err := os.WriteFile(filepath.Join(leafPath, "cgroup.procs"), []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		return fmt.Errorf("cgroup: move self into leaf cgroup: %w", err)
	}

	return os.WriteFile(controlPath, []byte(payload), 0o644)
}

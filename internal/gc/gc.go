// Package gc sweeps orphaned world state: network namespaces, nftables
// tables, and cgroups left behind by worlds whose owning process died
// without a clean Release.
package gc

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/atomize-hq/substrate/internal/logger"
)

const (
	netnsPrefix   = "substrate-"
	worldIDPrefix = "wld_"
	cgroupRoot    = "/sys/fs/cgroup/substrate"
)

// Kept records a namespace that GC decided not to remove, and why.
type Kept struct {
	Name   string
	Reason string
}

// Error records a namespace GC failed to inspect or remove.
type Error struct {
	Name    string
	Message string
}

// Report summarizes one sweep.
type Report struct {
	Removed []string
	Kept    []Kept
	Errors  []Error
}

// extractWorldID returns the world ID embedded in a netns name, or "" if the
// name doesn't match the substrate-wld_* convention.
func extractWorldID(nsName string) string {
	if !strings.HasPrefix(nsName, netnsPrefix) {
		return ""
	}
	rest := nsName[len(netnsPrefix):]
	if !strings.HasPrefix(rest, worldIDPrefix) {
		return ""
	}
	return rest
}

// listNetns lists substrate-owned network namespaces via `ip netns list`.
func listNetns() ([]string, error) {
	out, err := exec.Command("ip", "netns", "list").Output()
	if err != nil {
		return nil, fmt.Errorf("gc: list network namespaces: %w", err)
	}
	var names []string
	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		name := fields[0]
		if extractWorldID(name) != "" {
			names = append(names, name)
		}
	}
	return names, nil
}

func netnsPids(ns string) ([]int, error) {
	out, err := exec.Command("ip", "netns", "pids", ns).Output()
	if err != nil {
		return nil, fmt.Errorf("gc: pids for netns %s: %w", ns, err)
	}
	return parseIntLines(string(out)), nil
}

func cgroupProcs(worldID string) ([]int, error) {
	path := fmt.Sprintf("%s/%s/cgroup.procs", cgroupRoot, worldID)
	contents, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("gc: read cgroup.procs for %s: %w", worldID, err)
	}
	return parseIntLines(string(contents)), nil
}

func parseIntLines(s string) []int {
	var out []int
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if n, err := strconv.Atoi(line); err == nil {
			out = append(out, n)
		}
	}
	return out
}

func deleteNftTable(ns, worldID string) {
	tableName := "substrate_" + worldID
	out, err := exec.Command("timeout", "2", "ip", "netns", "exec", ns,
		"nft", "delete", "table", "inet", tableName).CombinedOutput()
	if err != nil {
		msg := string(out)
		if strings.Contains(msg, "No such file or directory") || strings.Contains(msg, "does not exist") {
			logger.Debug("gc: nft table already gone", "table", tableName, "netns", ns)
		} else {
			logger.Debug("gc: nft table delete failed", "netns", ns, "error", msg)
		}
		return
	}
	logger.Debug("gc: deleted nft table", "table", tableName, "netns", ns)
}

func deleteNetns(ns string) error {
	out, err := exec.Command("ip", "netns", "delete", ns).CombinedOutput()
	if err != nil {
		return fmt.Errorf("gc: delete netns %s: %s", ns, strings.TrimSpace(string(out)))
	}
	logger.Info("gc: deleted netns", "netns", ns)
	return nil
}

func tryRmdirCgroup(worldID string) {
	path := fmt.Sprintf("%s/%s", cgroupRoot, worldID)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return
	}
	procs, err := cgroupProcs(worldID)
	if err != nil {
		logger.Debug("gc: cgroup proc check failed", "world_id", worldID, "error", err)
		return
	}
	if len(procs) > 0 {
		logger.Debug("gc: cgroup has active processes, skipping", "world_id", worldID)
		return
	}
	if err := os.RemoveAll(path); err != nil {
		logger.Debug("gc: cgroup removal failed", "world_id", worldID, "error", err)
	}
}

func netnsMtime(ns string) (time.Time, error) {
	path := "/var/run/netns/" + ns
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}, fmt.Errorf("gc: stat %s: %w", path, err)
	}
	return info.ModTime(), nil
}

func cgroupMtime(worldID string) (time.Time, error) {
	path := fmt.Sprintf("%s/%s", cgroupRoot, worldID)
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}, fmt.Errorf("gc: stat %s: %w", path, err)
	}
	return info.ModTime(), nil
}

// listCgroupWorldIDs lists world IDs with a leftover cgroup directory under
// cgroupRoot. A world created with a memory or pid limit but no network
// isolation gets a cgroup and no matching netns, so this is the only source
// that finds it if its owner died before Release.
func listCgroupWorldIDs() ([]string, error) {
	entries, err := os.ReadDir(cgroupRoot)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("gc: list cgroup root %s: %w", cgroupRoot, err)
	}
	var ids []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if strings.HasPrefix(e.Name(), worldIDPrefix) {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

// listNftWorldIDs lists world IDs with a leftover "substrate_<world_id>"
// nftables table, independent of whether a netns or cgroup for that world
// still exists. `nft list tables` enumerates the host table namespace, which
// is where netscope.Scope installs rules (see internal/netscope).
func listNftWorldIDs() ([]string, error) {
	if _, err := exec.LookPath("nft"); err != nil {
		return nil, nil
	}
	out, err := exec.Command("nft", "list", "tables").Output()
	if err != nil {
		return nil, fmt.Errorf("gc: list nft tables: %w", err)
	}
	const tablePrefix = "substrate_"
	var ids []string
	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Fields(line)
		// "table inet substrate_wld_xxx"
		if len(fields) < 3 || fields[0] != "table" {
			continue
		}
		name := fields[2]
		if strings.HasPrefix(name, tablePrefix) {
			ids = append(ids, strings.TrimPrefix(name, tablePrefix))
		}
	}
	return ids, nil
}

func deleteNftTableDirect(worldID string) {
	tableName := "substrate_" + worldID
	out, err := exec.Command("nft", "delete", "table", "inet", tableName).CombinedOutput()
	if err != nil {
		msg := string(out)
		if strings.Contains(msg, "No such file or directory") || strings.Contains(msg, "does not exist") {
			logger.Debug("gc: nft table already gone", "table", tableName)
		} else {
			logger.Debug("gc: nft table delete failed", "table", tableName, "error", msg)
		}
		return
	}
	logger.Debug("gc: deleted nft table", "table", tableName)
}

// Sweep unions candidate world IDs from three independent sources — live
// network namespaces, leftover cgroup directories, and leftover nftables
// tables — since a world's resources can outlive each other independently
// (a world with a memory/pid limit but IsolateNetwork=false gets a cgroup
// with no netns; a world can lose its cgroup to an unrelated cleanup and
// keep its nft table). A candidate is removed only once every resource kind
// it actually has is confirmed to have no live processes, and whose age
// exceeds ttl, if ttl is nonzero. A zero ttl sweeps regardless of age.
func Sweep(ttl time.Duration) (Report, error) {
	report := Report{}
	logger.Info("gc: starting sweep")

	netnsByWorld := map[string]string{}
	if namespaces, err := listNetns(); err != nil {
		logger.Warn("gc: failed to list network namespaces, continuing with other sources", "error", err)
	} else {
		for _, ns := range namespaces {
			if worldID := extractWorldID(ns); worldID != "" {
				netnsByWorld[worldID] = ns
			}
		}
	}

	cgroupIDs, err := listCgroupWorldIDs()
	if err != nil {
		logger.Warn("gc: failed to list cgroups, continuing with other sources", "error", err)
	}
	hasCgroup := map[string]bool{}
	for _, id := range cgroupIDs {
		hasCgroup[id] = true
	}

	nftIDs, err := listNftWorldIDs()
	if err != nil {
		logger.Warn("gc: failed to list nft tables, continuing with other sources", "error", err)
	}
	hasNft := map[string]bool{}
	for _, id := range nftIDs {
		hasNft[id] = true
	}

	candidates := map[string]bool{}
	for id := range netnsByWorld {
		candidates[id] = true
	}
	for id := range hasCgroup {
		candidates[id] = true
	}
	for id := range hasNft {
		candidates[id] = true
	}
	logger.Debug("gc: found candidate worlds", "count", len(candidates), "netns", len(netnsByWorld), "cgroups", len(cgroupIDs), "nft_tables", len(nftIDs))

	for worldID := range candidates {
		ns, hasNS := netnsByWorld[worldID]
		label := worldID
		if hasNS {
			label = ns
		}

		if ttl > 0 {
			var mtime time.Time
			var mtimeErr error
			if hasNS {
				mtime, mtimeErr = netnsMtime(ns)
			} else {
				mtimeErr = fmt.Errorf("no netns")
			}
			if mtimeErr != nil {
				mtime, mtimeErr = cgroupMtime(worldID)
			}
			if mtimeErr == nil {
				age := time.Since(mtime)
				if age < ttl {
					report.Kept = append(report.Kept, Kept{
						Name:   label,
						Reason: fmt.Sprintf("too recent (age: %ds)", int(age.Seconds())),
					})
					continue
				}
			} else {
				logger.Debug("gc: mtime check failed, sweeping regardless of ttl", "world_id", worldID, "error", mtimeErr)
			}
		}

		if hasNS {
			pids, err := netnsPids(ns)
			if err != nil {
				report.Errors = append(report.Errors, Error{Name: label, Message: fmt.Sprintf("pid check failed: %v", err)})
				continue
			}
			if len(pids) > 0 {
				report.Kept = append(report.Kept, Kept{Name: label, Reason: fmt.Sprintf("active pids: %v", pids)})
				continue
			}
		}

		procs, err := cgroupProcs(worldID)
		if err == nil && len(procs) > 0 {
			report.Kept = append(report.Kept, Kept{Name: label, Reason: fmt.Sprintf("active cgroup procs: %v", procs)})
			continue
		}

		if hasNS {
			deleteNftTable(ns, worldID)
			if err := deleteNetns(ns); err != nil {
				report.Errors = append(report.Errors, Error{Name: label, Message: err.Error()})
				continue
			}
		} else if hasNft[worldID] {
			deleteNftTableDirect(worldID)
		}
		report.Removed = append(report.Removed, label)
		if hasCgroup[worldID] {
			tryRmdirCgroup(worldID)
		}
	}

	logger.Info("gc: sweep complete", "removed", len(report.Removed), "kept", len(report.Kept), "errors", len(report.Errors))
	return report, nil
}

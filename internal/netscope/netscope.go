// Package netscope provides per-world network isolation: a dedicated
// network namespace plus an nftables allowlist that only permits loopback,
// established connections, DNS, and traffic to resolved allowed domains —
// everything else is rate-limit logged and dropped.
package netscope

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"github.com/atomize-hq/substrate/internal/logger"
)

// ErrToolUnavailable is returned when a required external tool (ip, nft) is
// not on PATH. Callers should treat this as "network isolation unavailable"
// rather than a hard failure.
var ErrToolUnavailable = errors.New("netscope: required tool not found on PATH")

var warnOnce sync.Once

func warnToolMissing(tool string) {
	warnOnce.Do(func() {
		logger.Warn("netscope: tool not found, network isolation degraded", "tool", tool)
	})
}

// Scope owns the namespace and nftables state for one world.
type Scope struct {
	WorldID   string
	Namespace string

	tableName string
	chainName string

	mu          sync.Mutex
	allowedIPv4 map[string]bool
	allowedIPv6 map[string]bool
	scopesUsed  []string

	installed bool
	limiter   *rate.Limiter
}

// New allocates a Scope for worldID. It does not create the namespace or
// install any rules yet.
func New(worldID string) *Scope {
	return &Scope{
		WorldID:     worldID,
		Namespace:   "substrate-" + worldID,
		tableName:   "substrate_" + worldID,
		chainName:   "filter_" + worldID,
		allowedIPv4: map[string]bool{},
		allowedIPv6: map[string]bool{},
		limiter:     rate.NewLimiter(rate.Limit(10), 20),
	}
}

// CreateNamespace creates a network namespace and brings up loopback inside
// it via `ip`. Missing `ip` returns ErrToolUnavailable.
func (s *Scope) CreateNamespace() error {
	if _, err := exec.LookPath("ip"); err != nil {
		warnToolMissing("ip")
		return ErrToolUnavailable
	}
	if out, err := exec.Command("ip", "netns", "add", s.Namespace).CombinedOutput(); err != nil {
		return fmt.Errorf("netscope: create namespace: %w: %s", err, out)
	}
	if out, err := exec.Command("ip", "-n", s.Namespace, "link", "set", "lo", "up").CombinedOutput(); err != nil {
		return fmt.Errorf("netscope: bring up loopback: %w: %s", err, out)
	}
	return nil
}

// RemoveNamespace deletes the network namespace. Idempotent: "not found"
// errors from `ip` are swallowed since Release may be called more than once.
func (s *Scope) RemoveNamespace() error {
	if _, err := exec.LookPath("ip"); err != nil {
		return nil
	}
	out, err := exec.Command("ip", "netns", "delete", s.Namespace).CombinedOutput()
	if err != nil && !strings.Contains(strings.ToLower(string(out)), "no such file") {
		return fmt.Errorf("netscope: remove namespace: %w: %s", err, out)
	}
	return nil
}

// InstallRules resolves domains to IPs and installs the full nftables
// allowlist: loopback, established/related, DNS, the resolved allow-sets,
// then a rate-limited logged drop for everything else. Order matters — each
// rule is appended, and nftables evaluates a chain's rules in order.
func (s *Scope) InstallRules(ctx context.Context, domains []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.installed {
		return nil
	}
	if _, err := exec.LookPath("nft"); err != nil {
		warnToolMissing("nft")
		return ErrToolUnavailable
	}

	s.resolveDomains(ctx, domains)

	steps := [][]string{
		{"add", "table", "inet", s.tableName},
		{"add", "chain", "inet", s.tableName, s.chainName, "{", "type", "filter", "hook", "output", "priority", "0", ";", "policy", "drop", ";", "}"},
		{"add", "set", "inet", s.tableName, "allowed4", "{", "type", "ipv4_addr", ";", "flags", "interval", ";", "}"},
		{"add", "set", "inet", s.tableName, "allowed6", "{", "type", "ipv6_addr", ";", "flags", "interval", ";", "}"},
		{"add", "rule", "inet", s.tableName, s.chainName, "oif", "lo", "accept"},
		{"add", "rule", "inet", s.tableName, s.chainName, "ct", "state", "established,related", "accept"},
		{"add", "rule", "inet", s.tableName, s.chainName, "udp", "dport", "53", "accept"},
	}
	for _, args := range steps {
		if err := s.runNft(args...); err != nil {
			return err
		}
	}

	for ip := range s.allowedIPv4 {
		_ = s.runNft("add", "element", "inet", s.tableName, "allowed4", "{", ip, "}")
	}
	for ip := range s.allowedIPv6 {
		_ = s.runNft("add", "element", "inet", s.tableName, "allowed6", "{", ip, "}")
	}

	if err := s.runNft("add", "rule", "inet", s.tableName, s.chainName, "ip", "daddr", "@allowed4", "accept"); err != nil {
		return err
	}
	if err := s.runNft("add", "rule", "inet", s.tableName, s.chainName, "ip6", "daddr", "@allowed6", "accept"); err != nil {
		return err
	}

	logPrefix := fmt.Sprintf("substrate-dropped-%s:", s.WorldID)
	if err := s.runNft("add", "rule", "inet", s.tableName, s.chainName, "limit", "rate", "10/second", "log", "prefix", strconv.Quote(logPrefix)); err != nil {
		return err
	}
	if err := s.runNft("add", "rule", "inet", s.tableName, s.chainName, "counter", "drop"); err != nil {
		return err
	}

	s.installed = true
	return nil
}

func (s *Scope) resolveDomains(ctx context.Context, domains []string) {
	resolver := net.DefaultResolver
	for _, domain := range domains {
		addrs, err := resolver.LookupIPAddr(ctx, domain)
		if err != nil {
			logger.Warn("netscope: domain resolution failed", "domain", domain, "error", err)
			continue
		}
		for _, a := range addrs {
			if v4 := a.IP.To4(); v4 != nil {
				s.allowedIPv4[v4.String()] = true
			} else {
				s.allowedIPv6[a.IP.String()] = true
			}
		}
	}
}

func (s *Scope) runNft(args ...string) error {
	out, err := exec.Command("nft", args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("netscope: nft %s: %w: %s", strings.Join(args, " "), err, out)
	}
	return nil
}

// RemoveRules deletes the world's nftables table, which implicitly removes
// its chains, sets, and rules. Idempotent.
func (s *Scope) RemoveRules() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.installed {
		return nil
	}
	if _, err := exec.LookPath("nft"); err == nil {
		_ = s.runNft("delete", "table", "inet", s.tableName)
	}
	s.installed = false
	return nil
}

// MonitorScopes samples dmesg for rate-limited dropped-packet log lines
// carrying this world's prefix, and conntrack for established connections
// to addresses in the allowlist. Dropped-packet lines are reported as
// "blocked:<ip>" and conntrack rows as "protocol:ip[:port]"; no reverse
// mapping to domain names is done. Parsing is throttled by an internal
// limiter (10 scans a second, burst 20); a throttled call returns the
// entries seen so far.
func (s *Scope) MonitorScopes() ([]string, error) {
	if !s.limiter.Allow() {
		return s.snapshot(), nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if out, err := exec.Command("dmesg", "-t").Output(); err == nil {
		prefix := fmt.Sprintf("substrate-dropped-%s:", s.WorldID)
		sc := bufio.NewScanner(strings.NewReader(string(out)))
		for sc.Scan() {
			line := sc.Text()
			if !strings.Contains(line, prefix) {
				continue
			}
			if idx := strings.Index(line, "DST="); idx >= 0 {
				rest := line[idx+4:]
				if sp := strings.IndexByte(rest, ' '); sp >= 0 {
					rest = rest[:sp]
				}
				s.track("blocked:" + rest)
			}
		}
	}

	if out, err := exec.Command("conntrack", "-L", "-n").Output(); err == nil {
		sc := bufio.NewScanner(strings.NewReader(string(out)))
		for sc.Scan() {
			line := sc.Text()
			if !strings.Contains(line, "ESTABLISHED") {
				continue
			}
			fields := strings.Fields(line)
			if len(fields) == 0 {
				continue
			}
			protocol := fields[0]
			var dstIP, dstPort string
			for _, f := range fields {
				switch {
				case strings.HasPrefix(f, "dst="):
					dstIP = strings.TrimPrefix(f, "dst=")
				case strings.HasPrefix(f, "dport="):
					dstPort = strings.TrimPrefix(f, "dport=")
				}
			}
			if dstIP == "" || !(s.allowedIPv4[dstIP] || s.allowedIPv6[dstIP]) {
				continue
			}
			if dstPort != "" {
				s.track(fmt.Sprintf("%s:%s:%s", protocol, dstIP, dstPort))
			} else {
				s.track(fmt.Sprintf("%s:%s", protocol, dstIP))
			}
		}
	}

	return s.snapshot(), nil
}

func (s *Scope) track(entry string) {
	for _, existing := range s.scopesUsed {
		if existing == entry {
			return
		}
	}
	s.scopesUsed = append(s.scopesUsed, entry)
}

func (s *Scope) snapshot() []string {
	out := make([]string, len(s.scopesUsed))
	copy(out, s.scopesUsed)
	return out
}

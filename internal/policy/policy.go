// Package policy evaluates commands against a layered allow/deny/isolate
// policy before they reach a world. Evaluation order is fixed: deny beats
// allowlist beats isolate beats approval — the first matching rule wins.
package policy

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/atomize-hq/substrate/internal/logger"
)

// DecisionKind is the outcome of evaluating a command.
type DecisionKind string

const (
	DecisionAllow    DecisionKind = "allow"
	DecisionDeny     DecisionKind = "deny"
	DecisionIsolate  DecisionKind = "isolate"
	DecisionApproval DecisionKind = "approval_required"
)

// RestrictionType names an additional constraint layered onto an Allow decision.
type RestrictionType string

const (
	RestrictionIsolatedWorld RestrictionType = "isolated_world"
)

// Restriction is a single constraint attached to a Decision.
type Restriction struct {
	Type  RestrictionType
	Value string
}

// Decision is the result of Evaluate or QuickCheck.
type Decision struct {
	Kind         DecisionKind
	Restrictions []Restriction
	Reason       string
}

// Policy is the YAML-loaded rule set. Patterns may be plain substrings or
// glob patterns (containing '*'); see matches.
type Policy struct {
	CmdDenied       []string `yaml:"cmd_denied"`
	CmdAllowed      []string `yaml:"cmd_allowed"`
	CmdIsolated     []string `yaml:"cmd_isolated"`
	NetAllowed      []string `yaml:"net_allowed"`
	RequireApproval bool     `yaml:"require_approval"`
}

// Load parses a Policy from YAML bytes.
func Load(data []byte) (*Policy, error) {
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("policy: parse: %w", err)
	}
	return &p, nil
}

// Prompter requests interactive approval for a command. The real interactive
// implementation (terminal prompt, daemon round-trip) lives above this
// package; Broker only needs the interface.
type Prompter interface {
	RequestApproval(cmd, cwd string) (bool, error)
}

// ApprovalCache remembers prior approval/denial decisions for a command so
// Prompter is only consulted once per distinct command string.
type ApprovalCache struct {
	mu       sync.RWMutex
	statuses map[string]bool
}

// NewApprovalCache returns an empty cache.
func NewApprovalCache() *ApprovalCache {
	return &ApprovalCache{statuses: make(map[string]bool)}
}

// Check returns the cached decision and whether one exists.
func (c *ApprovalCache) Check(cmd string) (approved bool, known bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.statuses[cmd]
	return v, ok
}

// Remember stores a decision for future Check calls.
func (c *ApprovalCache) Remember(cmd string, approved bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statuses[cmd] = approved
}

// Broker wraps a Policy behind a RWMutex, so reload (write) never races with
// the many concurrent Evaluate calls (read) from worlds executing commands.
type Broker struct {
	mu           sync.RWMutex
	policy       *Policy
	observeOnly  bool
	approvals    *ApprovalCache
	prompter     Prompter
	patternCache sync.Map // pattern string -> *regexp.Regexp
}

// NewBroker returns a Broker with an empty policy, starting in observe mode.
// No environment variable is read here; the mode changes only through
// SetObserveOnly.
func NewBroker(prompter Prompter) *Broker {
	return &Broker{
		policy:      &Policy{},
		observeOnly: true,
		approvals:   NewApprovalCache(),
		prompter:    prompter,
	}
}

// LoadPolicy replaces the active policy.
func (b *Broker) LoadPolicy(p *Policy) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.policy = p
	b.patternCache = sync.Map{}
}

// SetObserveOnly toggles enforcement. In observe mode, Evaluate never
// returns DecisionDeny — it logs what it would have denied and returns
// DecisionAllow instead.
func (b *Broker) SetObserveOnly(observe bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.observeOnly = observe
	mode := "ENFORCE"
	if observe {
		mode = "OBSERVE"
	}
	logger.Info("policy enforcement mode changed", "mode", mode)
}

// IsObserveOnly reports the current enforcement mode.
func (b *Broker) IsObserveOnly() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.observeOnly
}

// AllowedDomains returns the policy's net_allowed list.
func (b *Broker) AllowedDomains() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, len(b.policy.NetAllowed))
	copy(out, b.policy.NetAllowed)
	return out
}

// Evaluate runs the full deny -> allowlist -> isolate -> approval chain for
// a command about to execute in worldID's context.
func (b *Broker) Evaluate(cmd, cwd, worldID string) (Decision, error) {
	b.mu.RLock()
	p := b.policy
	observeOnly := b.observeOnly
	b.mu.RUnlock()

	for _, pattern := range p.CmdDenied {
		if b.matches(cmd, pattern) {
			if !observeOnly {
				logger.Warn("policy: command denied", "cmd", cmd, "pattern", pattern)
				return Decision{Kind: DecisionDeny, Reason: "command explicitly denied"}, nil
			}
			logger.Warn("[observe] would deny command", "cmd", cmd, "pattern", pattern)
		}
	}

	if len(p.CmdAllowed) > 0 {
		allowed := false
		for _, pattern := range p.CmdAllowed {
			if b.matches(cmd, pattern) {
				allowed = true
				break
			}
		}
		if !allowed {
			if !observeOnly {
				logger.Warn("policy: command not allowlisted", "cmd", cmd)
				return Decision{Kind: DecisionDeny, Reason: "command not explicitly allowed"}, nil
			}
			logger.Warn("[observe] would deny command (not in allowlist)", "cmd", cmd)
		}
	}

	for _, pattern := range p.CmdIsolated {
		if b.matches(cmd, pattern) {
			logger.Info("policy: command requires isolation", "cmd", cmd, "pattern", pattern)
			return Decision{
				Kind:         DecisionIsolate,
				Restrictions: []Restriction{{Type: RestrictionIsolatedWorld, Value: "ephemeral"}},
			}, nil
		}
	}

	if p.RequireApproval && !observeOnly {
		approved, known := b.approvals.Check(cmd)
		if known && !approved {
			return Decision{Kind: DecisionDeny, Reason: "user denied approval"}, nil
		}
		if !known {
			if b.prompter == nil {
				return Decision{Kind: DecisionApproval, Reason: "approval required, no prompter configured"}, nil
			}
			ok, err := b.prompter.RequestApproval(cmd, cwd)
			if err != nil {
				return Decision{}, fmt.Errorf("policy: approval request: %w", err)
			}
			b.approvals.Remember(cmd, ok)
			if !ok {
				return Decision{Kind: DecisionDeny, Reason: "user denied approval"}, nil
			}
		}
	}

	return Decision{Kind: DecisionAllow}, nil
}

// QuickCheck is the fast path used by shims: it only checks the deny list,
// skipping allowlist/isolate/approval evaluation.
func (b *Broker) QuickCheck(argv []string, cwd string) (Decision, error) {
	cmd := strings.Join(argv, " ")
	b.mu.RLock()
	p := b.policy
	observeOnly := b.observeOnly
	b.mu.RUnlock()

	for _, pattern := range p.CmdDenied {
		if b.matches(cmd, pattern) {
			if !observeOnly {
				return Decision{Kind: DecisionDeny, Reason: "command denied by policy"}, nil
			}
			logger.Warn("[observe] would deny in quick check", "cmd", cmd, "pattern", pattern)
		}
	}
	return Decision{Kind: DecisionAllow}, nil
}

// matches applies a substring match, or for patterns containing '*' a
// compiled glob regexp cached across calls.
func (b *Broker) matches(cmd, pattern string) bool {
	if !strings.Contains(pattern, "*") {
		return strings.Contains(cmd, pattern)
	}
	if cached, ok := b.patternCache.Load(pattern); ok {
		re, _ := cached.(*regexp.Regexp)
		if re == nil {
			return false
		}
		return re.MatchString(cmd)
	}
	re, err := compileGlob(pattern)
	if err != nil {
		logger.Warn("policy: invalid glob pattern, skipping", "pattern", pattern, "error", err)
		b.patternCache.Store(pattern, (*regexp.Regexp)(nil))
		return false
	}
	b.patternCache.Store(pattern, re)
	return re.MatchString(cmd)
}

// compileGlob turns a shell-style glob (only '*' is special) into an
// anchored regexp.
func compileGlob(pattern string) (*regexp.Regexp, error) {
	var sb strings.Builder
	sb.WriteByte('^')
	for _, r := range pattern {
		if r == '*' {
			sb.WriteString(".*")
			continue
		}
		sb.WriteString(regexp.QuoteMeta(string(r)))
	}
	sb.WriteByte('$')
	return regexp.Compile(sb.String())
}

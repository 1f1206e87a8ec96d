package policy

import "testing"

type fakePrompter struct {
	approve bool
	calls   int
}

func (f *fakePrompter) RequestApproval(cmd, cwd string) (bool, error) {
	f.calls++
	return f.approve, nil
}

func TestEvaluateDenyWinsOverAllow(t *testing.T) {
	b := NewBroker(nil)
	b.SetObserveOnly(false)
	b.LoadPolicy(&Policy{
		CmdDenied:  []string{"rm -rf"},
		CmdAllowed: []string{"*"},
	})

	d, err := b.Evaluate("rm -rf /", "/tmp", "wld_1")
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if d.Kind != DecisionDeny {
		t.Fatalf("expected deny, got %+v", d)
	}
}

func TestEvaluateAllowlistRejectsUnlisted(t *testing.T) {
	b := NewBroker(nil)
	b.SetObserveOnly(false)
	b.LoadPolicy(&Policy{CmdAllowed: []string{"git *"}})

	d, err := b.Evaluate("curl http://evil", "/tmp", "wld_1")
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if d.Kind != DecisionDeny {
		t.Fatalf("expected deny for unlisted command, got %+v", d)
	}

	d2, err := b.Evaluate("git status", "/tmp", "wld_1")
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if d2.Kind != DecisionAllow {
		t.Fatalf("expected allow for allowlisted command, got %+v", d2)
	}
}

func TestObserveModeNeverDenies(t *testing.T) {
	b := NewBroker(nil)
	b.LoadPolicy(&Policy{CmdDenied: []string{"rm -rf"}})

	d, err := b.Evaluate("rm -rf /", "/tmp", "wld_1")
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if d.Kind != DecisionAllow {
		t.Fatalf("observe mode must never deny, got %+v", d)
	}
}

func TestIsolatePattern(t *testing.T) {
	b := NewBroker(nil)
	b.SetObserveOnly(false)
	b.LoadPolicy(&Policy{CmdIsolated: []string{"pip install *", "npm install *"}})

	d, err := b.Evaluate("pip install requests", "/tmp", "wld_1")
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if d.Kind != DecisionIsolate {
		t.Fatalf("expected isolate decision, got %+v", d)
	}
	if len(d.Restrictions) != 1 || d.Restrictions[0].Type != RestrictionIsolatedWorld {
		t.Fatalf("expected isolated_world restriction, got %+v", d.Restrictions)
	}
}

func TestApprovalFlow(t *testing.T) {
	fp := &fakePrompter{approve: true}
	b := NewBroker(fp)
	b.SetObserveOnly(false)
	b.LoadPolicy(&Policy{RequireApproval: true})

	d, err := b.Evaluate("curl http://example.com", "/tmp", "wld_1")
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if d.Kind != DecisionAllow {
		t.Fatalf("expected allow after approval, got %+v", d)
	}
	if fp.calls != 1 {
		t.Fatalf("expected exactly one prompt, got %d", fp.calls)
	}

	// Second call for the same command should hit the cache, not re-prompt.
	d2, err := b.Evaluate("curl http://example.com", "/tmp", "wld_1")
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if d2.Kind != DecisionAllow {
		t.Fatalf("expected cached allow, got %+v", d2)
	}
	if fp.calls != 1 {
		t.Fatalf("expected prompt to be cached, got %d calls", fp.calls)
	}
}

func TestApprovalDenied(t *testing.T) {
	fp := &fakePrompter{approve: false}
	b := NewBroker(fp)
	b.SetObserveOnly(false)
	b.LoadPolicy(&Policy{RequireApproval: true})

	d, err := b.Evaluate("curl http://example.com", "/tmp", "wld_1")
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if d.Kind != DecisionDeny {
		t.Fatalf("expected deny after user denies approval, got %+v", d)
	}
}

func TestQuickCheckOnlyChecksDenylist(t *testing.T) {
	b := NewBroker(nil)
	b.SetObserveOnly(false)
	b.LoadPolicy(&Policy{
		CmdDenied:  []string{"curl *"},
		CmdAllowed: []string{"git *"}, // quick check should ignore this
	})

	d, err := b.QuickCheck([]string{"wget", "http://x"}, "/tmp")
	if err != nil {
		t.Fatalf("QuickCheck: %v", err)
	}
	if d.Kind != DecisionAllow {
		t.Fatalf("expected allow (not denylisted, allowlist ignored), got %+v", d)
	}

	d2, err := b.QuickCheck([]string{"curl", "http://x"}, "/tmp")
	if err != nil {
		t.Fatalf("QuickCheck: %v", err)
	}
	if d2.Kind != DecisionDeny {
		t.Fatalf("expected deny for denylisted command, got %+v", d2)
	}
}

func TestGlobPatternDoesNotMatchUnrelatedCommand(t *testing.T) {
	b := NewBroker(nil)
	b.SetObserveOnly(false)
	b.LoadPolicy(&Policy{CmdDenied: []string{"rm -rf *"}})

	d, err := b.Evaluate("git push", "/tmp", "wld_1")
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if d.Kind != DecisionAllow {
		t.Fatalf("unrelated command should not match the glob, got %+v", d)
	}
}

func TestLoadPolicyYAML(t *testing.T) {
	data := []byte(`
cmd_denied:
  - "rm -rf /"
cmd_allowed:
  - "git *"
  - "npm *"
require_approval: true
net_allowed:
  - example.com
`)
	p, err := Load(data)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(p.CmdDenied) != 1 || len(p.CmdAllowed) != 2 {
		t.Fatalf("unexpected parse result: %+v", p)
	}
	if !p.RequireApproval {
		t.Fatalf("expected require_approval true")
	}
}

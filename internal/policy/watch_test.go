package policy

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWatchReloadsPolicyOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	if err := os.WriteFile(path, []byte("cmd_denied: []\n"), 0644); err != nil {
		t.Fatalf("write initial policy: %v", err)
	}

	broker := NewBroker(nil)
	broker.SetObserveOnly(false)
	p, err := Load([]byte("cmd_denied: []\n"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	broker.LoadPolicy(p)

	w, err := Watch(broker, path)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer w.Close()

	if err := os.WriteFile(path, []byte("cmd_denied: [\"curl\"]\n"), 0644); err != nil {
		t.Fatalf("rewrite policy: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		decision, err := broker.Evaluate("curl example.com", "/tmp", "")
		if err != nil {
			t.Fatalf("evaluate: %v", err)
		}
		if decision.Kind == DecisionDeny {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("policy reload did not pick up new deny rule in time")
}

package daemonrpc

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/atomize-hq/substrate/internal/policy"
)

func setup(t *testing.T, broker *policy.Broker) (*Client, context.CancelFunc) {
	t.Helper()

	sock := filepath.Join(t.TempDir(), "substrated.sock")
	srv := NewServer(sock, broker)

	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan struct{})
	go func() {
		go func() {
			for {
				if _, err := os.Stat(sock); err == nil {
					close(ready)
					return
				}
				time.Sleep(5 * time.Millisecond)
			}
		}()
		srv.ListenAndServe(ctx)
	}()

	select {
	case <-ready:
	case <-time.After(2 * time.Second):
		cancel()
		t.Fatal("server did not start in time")
	}

	return NewClient(sock), cancel
}

func TestStatusReflectsObserveOnly(t *testing.T) {
	broker := policy.NewBroker(nil)
	broker.SetObserveOnly(true)
	client, cancel := setup(t, broker)
	defer cancel()

	status, err := client.Status(context.Background())
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if observe, ok := status["observe_only"].(bool); !ok || !observe {
		t.Errorf("want observe_only=true, got %v", status["observe_only"])
	}
}

func TestEvaluatePolicyDeniesExplicitDeny(t *testing.T) {
	p, err := policy.Load([]byte(`
cmd_denied:
  - "rm -rf /"
`))
	if err != nil {
		t.Fatalf("load policy: %v", err)
	}
	broker := policy.NewBroker(nil)
	broker.LoadPolicy(p)
	broker.SetObserveOnly(false)

	client, cancel := setup(t, broker)
	defer cancel()

	decision, err := client.EvaluatePolicy(context.Background(), []string{"rm", "-rf", "/"}, "/tmp", "")
	if err != nil {
		t.Fatalf("evaluate policy: %v", err)
	}
	if decision.Kind != string(policy.DecisionDeny) {
		t.Errorf("want deny, got %s", decision.Kind)
	}
}

func TestEvaluatePolicyWithoutBrokerReportsUnavailable(t *testing.T) {
	client, cancel := setup(t, nil)
	defer cancel()

	_, err := client.EvaluatePolicy(context.Background(), []string{"echo", "hi"}, "/tmp", "")
	if err == nil {
		t.Fatal("expected error when no broker is configured")
	}
}

func TestEnsureWorldRejectsMissingProjectDir(t *testing.T) {
	client, cancel := setup(t, nil)
	defer cancel()

	_, err := client.EnsureWorld(context.Background(), EnsureWorldInput{})
	if err == nil {
		t.Fatal("expected error for missing project_dir")
	}
}

func TestGCSweepReturnsSummary(t *testing.T) {
	client, cancel := setup(t, nil)
	defer cancel()

	summary, err := client.GCSweep(context.Background(), time.Hour)
	if err != nil {
		t.Fatalf("gc sweep: %v", err)
	}
	if summary.Removed == nil {
		summary.Removed = []string{}
	}
}

func TestReplayWithNoRecordsReturnsEmpty(t *testing.T) {
	client, cancel := setup(t, nil)
	defer cancel()

	outcomes, err := client.Replay(context.Background(), nil, false)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(outcomes) != 0 {
		t.Errorf("want 0 outcomes, got %d", len(outcomes))
	}
}

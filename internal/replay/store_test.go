package replay

import (
	"context"
	"testing"

	"github.com/atomize-hq/substrate/internal/trace"
)

func TestStoreRecordAndAggregate(t *testing.T) {
	store, err := OpenStore(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	matched := Result{SpanID: "span-1", Command: "echo hi", Matched: true, DurationMs: 5}
	diverged := Result{
		SpanID:     "span-2",
		Command:    "echo bye",
		Matched:    false,
		Divergence: &Divergence{Type: DivergenceExitCode, Severity: SeverityCritical, Description: "exit code differs"},
		DurationMs: 7,
	}

	if err := store.Record(matched); err != nil {
		t.Fatalf("record matched: %v", err)
	}
	if err := store.Record(diverged); err != nil {
		t.Fatalf("record diverged: %v", err)
	}

	stats, err := store.Aggregate()
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if stats.Total != 2 || stats.Matched != 1 || stats.Diverged != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	// The only divergence is exit_code, which is not a non-deterministic kind.
	if stats.NonDeterministic != 0 {
		t.Errorf("want non_deterministic=0, got %f", stats.NonDeterministic)
	}
}

func TestSequenceAndStoreSkipsNonCommandRecords(t *testing.T) {
	store, err := OpenStore(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	records := []trace.Record{
		{EventType: trace.EventWorldCreated, SpanID: "world-1"},
		{EventType: trace.EventCommandStart, SpanID: "span-1", Cmd: []string{"echo", "hi"}},
	}

	results, err := SequenceAndStore(context.Background(), store, records, Options{})
	if err != nil {
		t.Fatalf("sequence and store: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("want 1 result, got %d", len(results))
	}

	stats, err := store.Aggregate()
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if stats.Total != 1 {
		t.Errorf("want 1 stored span, got %d", stats.Total)
	}
}

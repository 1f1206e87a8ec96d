// Package trace defines the append-only JSONL record shared by the world,
// replay, and gc packages, and the helpers to read and write it.
package trace

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"

	"github.com/atomize-hq/substrate/internal/diffmodel"
)

// EventType enumerates the kinds of events that appear in a trace file.
type EventType string

const (
	EventCommandStart    EventType = "command_start"
	EventCommandComplete EventType = "command_complete"
	EventScopeObserved   EventType = "scope_observed"
	EventPolicyDecision  EventType = "policy_decision"
	EventWorldCreated    EventType = "world_created"
	EventWorldReleased   EventType = "world_released"
)

// Record is one line of a trace JSONL file. Fields are optional depending on
// EventType: a command_start record has no exit_code/duration_ms/fs_diff; a
// command_complete record has them.
type Record struct {
	Timestamp  string          `json:"ts"`
	EventType  EventType       `json:"event_type"`
	Component  string          `json:"component"`
	SessionID  string          `json:"session_id,omitempty"`
	SpanID     string          `json:"span_id"`
	ParentSpan string          `json:"parent_span_id,omitempty"`
	Cmd        []string        `json:"cmd,omitempty"`
	Cwd        string          `json:"cwd,omitempty"`
	ExitCode   *int            `json:"exit_code,omitempty"`
	DurationMs *int64          `json:"duration_ms,omitempty"`
	FsDiff     *diffmodel.FsDiff `json:"fs_diff,omitempty"`

	Strategy       string `json:"strategy,omitempty"`
	FallbackReason string `json:"fallback_reason,omitempty"`

	CopydiffRoot       string `json:"copydiff_root,omitempty"`
	CopydiffRootSource string `json:"copydiff_root_source,omitempty"`

	ScopedHosts []string `json:"scoped_hosts,omitempty"`

	Env map[string]string `json:"env,omitempty"`
}

// AppendRecord marshals r as a single JSON line terminated with \n.
func AppendRecord(w io.Writer, r Record) error {
	b, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("trace: marshal record: %w", err)
	}
	b = append(b, '\n')
	_, err = w.Write(b)
	return err
}

// ParseAll reads every well-formed JSON line in r. Malformed lines are
// skipped rather than aborting the whole scan — a trace file is
// append-only and may be read mid-write by a concurrent tailer.
func ParseAll(r io.Reader) ([]Record, error) {
	var out []Record
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	if err := sc.Err(); err != nil {
		return out, fmt.Errorf("trace: scan: %w", err)
	}
	return out, nil
}

// FindSpan returns the most recent record matching spanID, preferring a
// command_complete event if one exists (it carries the final exit code and
// diff), falling back to command_start otherwise.
func FindSpan(records []Record, spanID string) (Record, bool) {
	var start Record
	haveStart := false
	for i := len(records) - 1; i >= 0; i-- {
		rec := records[i]
		if rec.SpanID != spanID {
			continue
		}
		if rec.EventType == EventCommandComplete {
			return rec, true
		}
		if !haveStart && rec.EventType == EventCommandStart {
			start = rec
			haveStart = true
		}
	}
	return start, haveStart
}

package daemonrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/atomize-hq/substrate/internal/trace"
)

// Client talks to a running Server over its unix socket.
type Client struct {
	http *http.Client
}

// NewClient dials socketPath lazily; connections are established per
// request by the custom DialContext below.
func NewClient(socketPath string) *Client {
	return &Client{
		http: &http.Client{
			Timeout: 60 * time.Second,
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", socketPath)
				},
			},
		},
	}
}

const baseURL = "http://substrated"

// EnsureWorld asks the daemon to provision or reuse a world matching spec.
func (c *Client) EnsureWorld(ctx context.Context, req EnsureWorldInput) (WorldHandle, error) {
	var resp worldResponse
	if err := c.post(ctx, "/worlds", ensureWorldRequest(req), &resp); err != nil {
		return WorldHandle{}, err
	}
	return WorldHandle{ID: resp.ID, ProjectDir: resp.ProjectDir}, nil
}

// ReleaseWorld tears down a previously ensured world.
func (c *Client) ReleaseWorld(ctx context.Context, worldID string) error {
	return c.do(ctx, http.MethodDelete, "/worlds/"+worldID, nil, nil)
}

// EvaluatePolicy asks the daemon's policy broker to classify a command.
func (c *Client) EvaluatePolicy(ctx context.Context, cmd []string, cwd, worldID string) (PolicyDecision, error) {
	var resp policyEvaluateResponse
	req := policyEvaluateRequest{Cmd: cmd, Cwd: cwd, WorldID: worldID}
	if err := c.post(ctx, "/policy/evaluate", req, &resp); err != nil {
		return PolicyDecision{}, err
	}
	return PolicyDecision{Kind: resp.Kind, Reason: resp.Reason}, nil
}

// Replay drives the daemon's replay.Sequence over recorded trace records.
func (c *Client) Replay(ctx context.Context, records []trace.Record, useWorld bool) ([]ReplayOutcome, error) {
	req := replayRequest{Records: records, UseWorld: useWorld}
	var resp []replayResultResponse
	if err := c.post(ctx, "/replay", req, &resp); err != nil {
		return nil, err
	}
	out := make([]ReplayOutcome, 0, len(resp))
	for _, r := range resp {
		out = append(out, ReplayOutcome{SpanID: r.SpanID, Command: r.Command, Matched: r.Matched, Reason: r.Reason})
	}
	return out, nil
}

// GCSweep triggers an on-demand garbage collection sweep with the given TTL.
func (c *Client) GCSweep(ctx context.Context, ttl time.Duration) (GCSummary, error) {
	req := gcSweepRequest{TTLSeconds: int(ttl.Seconds())}
	var resp gcSweepResponse
	if err := c.post(ctx, "/gc/sweep", req, &resp); err != nil {
		return GCSummary{}, err
	}
	return GCSummary{Removed: resp.Removed, Kept: resp.Kept, Errors: resp.Errors}, nil
}

// Status reports whether the daemon's policy broker is in observe-only mode.
func (c *Client) Status(ctx context.Context) (map[string]any, error) {
	var resp map[string]any
	if err := c.do(ctx, http.MethodGet, "/status", nil, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Exported shapes used by CLI/daemon callers, decoupled from the wire types.

type EnsureWorldInput struct {
	ProjectDir     string
	FsMode         string
	IsolateNetwork bool
	AlwaysIsolate  bool
	AllowedDomains []string
	ReuseSession   bool
	MemLimitBytes  uint64
	PidLimit       uint32
}

type WorldHandle struct {
	ID         string
	ProjectDir string
}

type PolicyDecision struct {
	Kind   string
	Reason string
}

type ReplayOutcome struct {
	SpanID  string
	Command string
	Matched bool
	Reason  string
}

type GCSummary struct {
	Removed []string
	Kept    int
	Errors  int
}

// Transport helpers

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	return c.do(ctx, http.MethodPost, path, body, out)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("daemonrpc: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return err
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	var body struct {
		Error string `json:"error"`
	}
	data, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(data, &body); err == nil && body.Error != "" {
		return fmt.Errorf("daemonrpc: %s: %s", resp.Status, body.Error)
	}
	return fmt.Errorf("daemonrpc: unexpected status %s", resp.Status)
}

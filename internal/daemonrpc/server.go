// Package daemonrpc is the unix-socket HTTP surface between the substrate
// CLI and the long-lived daemon: world lifecycle, command execution,
// replay, policy decisions, and GC sweeps.
package daemonrpc

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/atomize-hq/substrate/internal/gc"
	"github.com/atomize-hq/substrate/internal/policy"
	"github.com/atomize-hq/substrate/internal/replay"
	"github.com/atomize-hq/substrate/internal/trace"
	"github.com/atomize-hq/substrate/internal/wexec"
	"github.com/atomize-hq/substrate/internal/world"
)

// Server exposes world/policy/replay/gc operations over a unix socket.
type Server struct {
	socketPath string
	broker     *policy.Broker

	mu     sync.Mutex
	worlds map[string]*world.World
}

// NewServer builds a Server bound to socketPath, evaluating policy through
// broker for every ExecuteRequest.
func NewServer(socketPath string, broker *policy.Broker) *Server {
	return &Server{socketPath: socketPath, broker: broker, worlds: map[string]*world.World{}}
}

func (s *Server) trackWorld(wd *world.World) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.worlds[wd.ID] = wd
}

func (s *Server) lookupWorld(id string) (*world.World, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wd, ok := s.worlds[id]
	return wd, ok
}

func (s *Server) forgetWorld(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.worlds, id)
}

// ListenAndServe runs the server until ctx is canceled, cleaning up the
// socket file on both entry and exit.
func (s *Server) ListenAndServe(ctx context.Context) error {
	os.Remove(s.socketPath)

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("daemonrpc: listen unix %s: %w", s.socketPath, err)
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)
	srv := &http.Server{Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
		os.Remove(s.socketPath)
		return nil
	case err := <-errCh:
		os.Remove(s.socketPath)
		return err
	}
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /worlds", s.handleEnsureWorld)
	mux.HandleFunc("POST /worlds/{id}/exec", s.handleExecute)
	mux.HandleFunc("DELETE /worlds/{id}", s.handleRelease)
	mux.HandleFunc("POST /policy/evaluate", s.handlePolicyEvaluate)
	mux.HandleFunc("POST /replay", s.handleReplay)
	mux.HandleFunc("POST /gc/sweep", s.handleGCSweep)
	mux.HandleFunc("GET /status", s.handleStatus)
}

// Request/response types

type ensureWorldRequest struct {
	ProjectDir     string   `json:"project_dir"`
	FsMode         string   `json:"fs_mode,omitempty"`
	IsolateNetwork bool     `json:"isolate_network,omitempty"`
	AlwaysIsolate  bool     `json:"always_isolate,omitempty"`
	AllowedDomains []string `json:"allowed_domains,omitempty"`
	ReuseSession   bool     `json:"reuse_session,omitempty"`
	MemLimitBytes  uint64   `json:"mem_limit_bytes,omitempty"`
	PidLimit       uint32   `json:"pid_limit,omitempty"`
}

type worldResponse struct {
	ID         string `json:"id"`
	ProjectDir string `json:"project_dir"`
}

type execRequest struct {
	Cmd          []string          `json:"cmd"`
	Cwd          string            `json:"cwd"`
	Env          map[string]string `json:"env,omitempty"`
	PtyRequested bool              `json:"pty_requested,omitempty"`
	SpanID       string            `json:"span_id,omitempty"`
}

type execResponse struct {
	ExitCode       int      `json:"exit_code"`
	Stdout         string   `json:"stdout"`
	Stderr         string   `json:"stderr"`
	ScopesUsed     []string `json:"scoped_hosts,omitempty"`
	Strategy       string   `json:"strategy,omitempty"`
	FallbackReason string   `json:"fallback_reason,omitempty"`
}

type policyEvaluateRequest struct {
	Cmd     []string `json:"cmd"`
	Cwd     string   `json:"cwd"`
	WorldID string   `json:"world_id,omitempty"`
}

type policyEvaluateResponse struct {
	Kind   string `json:"kind"`
	Reason string `json:"reason,omitempty"`
}

type replayRequest struct {
	Records        []trace.Record `json:"records"`
	UseWorld       bool           `json:"use_world,omitempty"`
	IsolateNetwork bool           `json:"isolate_network,omitempty"`
	AllowedDomains []string       `json:"allowed_domains,omitempty"`
}

type replayResultResponse struct {
	SpanID  string `json:"span_id"`
	Command string `json:"command"`
	Matched bool   `json:"matched"`
	Reason  string `json:"reason,omitempty"`
}

type gcSweepRequest struct {
	TTLSeconds int `json:"ttl_seconds,omitempty"`
}

type gcSweepResponse struct {
	Removed []string `json:"removed"`
	Kept    int      `json:"kept"`
	Errors  int      `json:"errors"`
}

// Handlers

func (s *Server) handleEnsureWorld(w http.ResponseWriter, r *http.Request) {
	var req ensureWorldRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.ProjectDir == "" {
		writeError(w, http.StatusBadRequest, "project_dir is required")
		return
	}

	fsMode := wexec.FsModeWritable
	if req.FsMode != "" {
		fsMode = wexec.FsMode(req.FsMode)
	}

	wd, err := world.Ensure(world.Spec{
		ProjectDir:     req.ProjectDir,
		FsMode:         fsMode,
		IsolateNetwork: req.IsolateNetwork,
		AlwaysIsolate:  req.AlwaysIsolate,
		AllowedDomains: req.AllowedDomains,
		ReuseSession:   req.ReuseSession,
		MemLimitBytes:  req.MemLimitBytes,
		PidLimit:       req.PidLimit,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.trackWorld(wd)
	writeJSON(w, http.StatusCreated, worldResponse{ID: wd.ID, ProjectDir: wd.ProjectDir})
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req execRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if len(req.Cmd) == 0 {
		writeError(w, http.StatusBadRequest, "cmd is required")
		return
	}

	id := r.PathValue("id")
	wd, ok := s.lookupWorld(id)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown world "+id)
		return
	}

	if s.broker != nil {
		decision, err := s.broker.Evaluate(joinArgv(req.Cmd), req.Cwd, id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "policy evaluation: "+err.Error())
			return
		}
		if decision.Kind == policy.DecisionDeny {
			writeError(w, http.StatusForbidden, "denied by policy: "+decision.Reason)
			return
		}
	}

	env := make([]string, 0, len(req.Env))
	for k, v := range req.Env {
		env = append(env, k+"="+v)
	}

	res, err := wd.Execute(r.Context(), req.Cmd, req.Cwd, env, req.PtyRequested, req.SpanID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, execResponse{
		ExitCode:       res.ExitCode,
		Stdout:         string(res.Stdout),
		Stderr:         string(res.Stderr),
		ScopesUsed:     res.ScopesUsed,
		Strategy:       string(res.Strategy),
		FallbackReason: res.FallbackReason,
	})
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	wd, ok := s.lookupWorld(id)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown world "+id)
		return
	}
	if err := wd.Release(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.forgetWorld(id)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handlePolicyEvaluate(w http.ResponseWriter, r *http.Request) {
	var req policyEvaluateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if s.broker == nil {
		writeError(w, http.StatusServiceUnavailable, "no policy broker configured")
		return
	}
	decision, err := s.broker.Evaluate(joinArgv(req.Cmd), req.Cwd, req.WorldID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, policyEvaluateResponse{Kind: string(decision.Kind), Reason: decision.Reason})
}

func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	var req replayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	results, err := replay.Sequence(r.Context(), req.Records, replay.Options{
		UseWorld:       req.UseWorld,
		IsolateNetwork: req.IsolateNetwork,
		AllowedDomains: req.AllowedDomains,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]replayResultResponse, 0, len(results))
	for _, res := range results {
		rr := replayResultResponse{SpanID: res.SpanID, Command: res.Command, Matched: res.Matched}
		if res.Divergence != nil {
			rr.Reason = res.Divergence.Description
		}
		out = append(out, rr)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGCSweep(w http.ResponseWriter, r *http.Request) {
	var req gcSweepRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	report, err := gc.Sweep(time.Duration(req.TTLSeconds) * time.Second)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, gcSweepResponse{
		Removed: report.Removed,
		Kept:    len(report.Kept),
		Errors:  len(report.Errors),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	observeOnly := false
	if s.broker != nil {
		observeOnly = s.broker.IsObserveOnly()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"observe_only": observeOnly,
	})
}

// Helpers

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func joinArgv(argv []string) string {
	out := ""
	for i, a := range argv {
		if i > 0 {
			out += " "
		}
		out += a
	}
	return out
}

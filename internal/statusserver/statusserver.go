// Package statusserver implements the minimal read-only HTTP status
// surface described in SPEC_FULL.md's supplemental ambient stack: GET
// /health, GET /agents, GET /tasks/{id}. It is modeled on the teacher's
// pipeline-management HTTP server (plain net/http.ServeMux, no router
// dependency, JSON responses written with json.NewEncoder), trimmed to a
// read-only subset since the message bus already durable-persists state
// an operator can tail instead of an SSE stream.
package statusserver

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/danshapiro/poppobuilder/internal/coordinator"
	"github.com/danshapiro/poppobuilder/internal/lockmgr"
	"github.com/danshapiro/poppobuilder/internal/stats"
)

// Dependencies are the components the status surface reports on. Every
// field is a reference to the Pipeline's own instance; the server never
// owns a second copy of anything.
type Dependencies struct {
	Coordinator *coordinator.Coordinator
	Locks       *lockmgr.Manager
	Stats       *stats.Store
}

// Server is a thin wrapper around http.Server with the status routes
// registered.
type Server struct {
	deps Dependencies
	http *http.Server
}

// New builds a Server listening on addr. Call ListenAndServe to start it.
func New(addr string, deps Dependencies) *Server {
	s := &Server{deps: deps}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /agents", s.handleAgents)
	mux.HandleFunc("GET /tasks/{id}", s.handleTask)
	s.http = &http.Server{Addr: addr, Handler: mux}
	return s
}

// ListenAndServe blocks serving the status routes until the server is shut
// down or it fails to bind. It returns http.ErrServerClosed on a clean
// Shutdown, matching the net/http contract callers expect.
func (s *Server) ListenAndServe() error {
	return s.http.ListenAndServe()
}

// Shutdown gracefully stops the server, per the same graceful-shutdown
// posture the coordinator uses for its children.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

type healthResponse struct {
	Status        string    `json:"status"`
	Time          time.Time `json:"time"`
	AgentCount    int       `json:"agentCount"`
	HeldLockCount int       `json:"heldLockCount"`
	WaiterCount   int       `json:"waiterCount"`
	ProcessedTotal int      `json:"processedTotal"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{Status: "ok", Time: time.Now()}
	if s.deps.Coordinator != nil {
		resp.AgentCount = len(s.deps.Coordinator.Snapshot())
	}
	if s.deps.Locks != nil {
		for _, snap := range s.deps.Locks.Snapshot() {
			resp.HeldLockCount++
			resp.WaiterCount += len(snap.Waiters)
		}
	}
	if s.deps.Stats != nil {
		resp.ProcessedTotal = s.deps.Stats.Snapshot().Total
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAgents(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Coordinator == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Coordinator.Snapshot())
}

func (s *Server) handleTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if s.deps.Coordinator == nil {
		http.NotFound(w, r)
		return
	}
	task, ok := s.deps.Coordinator.Task(id)
	if !ok {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Package server exposes the orchestrator's admission HTTP surface: task
// submission, inspection, cancellation, health, and metrics. Every /tasks
// route is authenticated with the dispatch HMAC scheme.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coderelay/coderelay/pkg/dispatchauth"
	"github.com/coderelay/coderelay/pkg/dispatcher"
	"github.com/coderelay/coderelay/pkg/log"
	"github.com/coderelay/coderelay/pkg/metrics"
	"github.com/coderelay/coderelay/pkg/state"
)

const (
	// maxSkew is how far a request timestamp may drift from our clock.
	maxSkew = 5 * time.Minute

	// nonceTTL is how long seen nonces are retained for replay suppression.
	// Anything older is outside the timestamp window anyway.
	nonceTTL = 10 * time.Minute

	maxBodyBytes = 1 << 20
)

// Dispatcher is the subset of the task dispatcher the server drives.
type Dispatcher interface {
	Submit(ctx context.Context, req dispatcher.SubmitRequest) error
	Cancel(ctx context.Context, taskID string) error
	Get(taskID string) *state.Task
	RunningCount() int
	Capacity() int
}

// Health augments /health with credential status. Optional.
type Health interface {
	IsAuthDegraded() bool
}

// Server is the admission HTTP server.
type Server struct {
	secret     string
	dispatcher Dispatcher
	health     Health
	now        func() time.Time

	mu       sync.Mutex
	seen     map[string]time.Time
	draining bool

	httpServer *http.Server
}

// New creates a server authenticating with the given dispatch secret.
// health may be nil.
func New(secret string, d Dispatcher, health Health) *Server {
	return &Server{
		secret:     secret,
		dispatcher: d,
		health:     health,
		now:        time.Now,
		seen:       make(map[string]time.Time),
	}
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /tasks", s.authenticated(s.handleSubmit))
	mux.HandleFunc("GET /tasks/{id}", s.authenticated(s.handleGet))
	mux.HandleFunc("POST /tasks/{id}/cancel", s.authenticated(s.handleCancel))
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())
	return mux
}

// ListenAndServe blocks serving on addr until Shutdown.
func (s *Server) ListenAndServe(addr string) error {
	s.httpServer = &http.Server{Addr: addr, Handler: s.Handler()}
	log.Info("admission server listening", "addr", addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("admission server failed: %w", err)
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// SetDraining makes subsequent admissions answer 503.
func (s *Server) SetDraining(draining bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.draining = draining
}

// authenticated wraps a handler with HMAC verification and nonce replay
// suppression. The verified body is handed to the handler.
func (s *Server) authenticated(next func(w http.ResponseWriter, r *http.Request, body []byte)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			http.Error(w, "failed to read body", http.StatusBadRequest)
			return
		}

		if !s.verify(r, body) {
			metrics.IncAdmission(metrics.AdmissionRejected)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		next(w, r, body)
	}
}

func (s *Server) verify(r *http.Request, body []byte) bool {
	tsHeader := r.Header.Get(dispatchauth.HeaderTimestamp)
	sig := r.Header.Get(dispatchauth.HeaderSignature)
	nonce := r.Header.Get(dispatchauth.HeaderNonce)
	if tsHeader == "" || sig == "" || nonce == "" {
		return false
	}

	ts, err := strconv.ParseInt(tsHeader, 10, 64)
	if err != nil {
		return false
	}
	now := s.now()
	drift := now.Sub(time.UnixMilli(ts))
	if drift > maxSkew || drift < -maxSkew {
		log.Warn("request timestamp outside window", "timestamp", ts, "drift", drift)
		return false
	}

	if !dispatchauth.Verify(sig, body, ts, s.secret) {
		return false
	}

	// A repeated nonce inside the window is a replay.
	s.mu.Lock()
	defer s.mu.Unlock()
	for n, seenAt := range s.seen {
		if now.Sub(seenAt) > nonceTTL {
			delete(s.seen, n)
		}
	}
	if _, replayed := s.seen[nonce]; replayed {
		log.Warn("replayed nonce rejected", "nonce", nonce)
		return false
	}
	s.seen[nonce] = now
	return true
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request, body []byte) {
	s.mu.Lock()
	draining := s.draining
	s.mu.Unlock()
	if draining {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	var req dispatcher.SubmitRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(w, http.StatusOK, map[string]string{
			"status": "rejected",
			"reason": "malformed request body",
		})
		return
	}

	err := s.dispatcher.Submit(r.Context(), req)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
	case errors.Is(err, dispatcher.ErrAtCapacity):
		writeJSON(w, http.StatusOK, map[string]string{
			"status": "rejected",
			"reason": "at_capacity",
		})
	case errors.Is(err, dispatcher.ErrDraining):
		w.WriteHeader(http.StatusServiceUnavailable)
	default:
		log.Warn("admission failed", "task_id", req.TaskID, "error", err)
		writeJSON(w, http.StatusOK, map[string]string{
			"status": "rejected",
			"reason": err.Error(),
		})
	}
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request, _ []byte) {
	task := s.dispatcher.Get(r.PathValue("id"))
	if task == nil {
		http.Error(w, "task not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request, _ []byte) {
	err := s.dispatcher.Cancel(r.Context(), r.PathValue("id"))
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
	case errors.Is(err, dispatcher.ErrNotFound):
		http.Error(w, "task not found", http.StatusNotFound)
	case errors.Is(err, dispatcher.ErrAlreadyCompleted):
		http.Error(w, "task already completed", http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"status":   "ok",
		"running":  s.dispatcher.RunningCount(),
		"capacity": s.dispatcher.Capacity(),
	}
	if s.health != nil {
		resp["authDegraded"] = s.health.IsAuthDegraded()
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn("failed to write response", "error", err)
	}
}

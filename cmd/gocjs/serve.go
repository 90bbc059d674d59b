package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/caffeineduck/gocjs/executor"
	"github.com/caffeineduck/gocjs/hostfunc"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var errNoMounts = errors.New("serve requires at least one --mount")

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start HTTP server for running modules",
	Long: `Start an HTTP server that runs entry modules from the configured mounts.

At least one --mount is required; entries and required modules are only
read from mounted directories.

Endpoints:
  POST   /run                  Run an entry in a fresh session
  POST   /sessions             Create session, optionally running an entry
  POST   /sessions/{id}/run    Run an entry in the session
  POST   /sessions/{id}/send   Deliver a message to the session's $recv
                               ($recvSync with "sync": true)
  DELETE /sessions/{id}        Close session
  GET    /health               Health check
  GET    /metrics              Prometheus metrics`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntP("port", "p", 8080, "Port to listen on")
	serveCmd.Flags().Duration("session-ttl", 15*time.Minute, "Close sessions idle for this long")
	addSessionFlags(serveCmd)
	rootCmd.AddCommand(serveCmd)
}

type sessionManager struct {
	sessions map[string]*serverSession
	mu       sync.RWMutex
	ttl      time.Duration
	stop     chan struct{}
	once     sync.Once
}

type serverSession struct {
	session  *executor.Session
	lastUsed time.Time
}

func newSessionManager(ttl time.Duration) *sessionManager {
	sm := &sessionManager{
		sessions: make(map[string]*serverSession),
		ttl:      ttl,
		stop:     make(chan struct{}),
	}
	go sm.cleanup()
	return sm
}

func (sm *sessionManager) create(exec *executor.Executor, opts ...executor.SessionOption) (*executor.Session, error) {
	session, err := exec.NewSession(opts...)
	if err != nil {
		return nil, err
	}

	sm.mu.Lock()
	sm.sessions[session.ID()] = &serverSession{
		session:  session,
		lastUsed: time.Now(),
	}
	sm.mu.Unlock()
	return session, nil
}

func (sm *sessionManager) get(id string) (*executor.Session, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	ss, ok := sm.sessions[id]
	if !ok {
		return nil, false
	}
	ss.lastUsed = time.Now()
	return ss.session, true
}

func (sm *sessionManager) close(id string) bool {
	sm.mu.Lock()
	ss, ok := sm.sessions[id]
	if ok {
		delete(sm.sessions, id)
	}
	sm.mu.Unlock()
	if ok {
		ss.session.Close()
	}
	return ok
}

func (sm *sessionManager) len() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sessions)
}

func (sm *sessionManager) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-sm.stop:
			return
		case <-ticker.C:
			sm.expire(time.Now())
		}
	}
}

func (sm *sessionManager) expire(now time.Time) {
	sm.mu.Lock()
	var expired []*executor.Session
	for id, ss := range sm.sessions {
		if now.Sub(ss.lastUsed) > sm.ttl {
			expired = append(expired, ss.session)
			delete(sm.sessions, id)
		}
	}
	sm.mu.Unlock()

	for _, s := range expired {
		s.Close()
	}
}

func (sm *sessionManager) closeAll() {
	sm.once.Do(func() { close(sm.stop) })

	sm.mu.Lock()
	all := sm.sessions
	sm.sessions = make(map[string]*serverSession)
	sm.mu.Unlock()

	for _, ss := range all {
		ss.session.Close()
	}
}

type runRequest struct {
	Entry   string `json:"entry"`
	Timeout string `json:"timeout,omitempty"`
}

type runResponse struct {
	SessionID  string   `json:"session_id,omitempty"`
	Messages   []string `json:"messages"`
	TaskErrors []string `json:"task_errors,omitempty"`
	Reply      string   `json:"reply,omitempty"`
	DurationMs int64    `json:"duration_ms"`
	Error      string   `json:"error,omitempty"`
}

type sendRequest struct {
	Message string `json:"message"`
	Sync    bool   `json:"sync,omitempty"`
	Timeout string `json:"timeout,omitempty"`
}

type server struct {
	exec     *executor.Executor
	sessions *sessionManager
	opts     []executor.SessionOption
	logger   *zap.Logger
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /run", s.handleRun)
	mux.HandleFunc("POST /sessions", s.handleCreateSession)
	mux.HandleFunc("POST /sessions/{id}/run", s.handleSessionRun)
	mux.HandleFunc("POST /sessions/{id}/send", s.handleSessionSend)
	mux.HandleFunc("DELETE /sessions/{id}", s.handleCloseSession)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("GET /metrics", s.exec.Metrics().Handler())
	return mux
}

func (s *server) handleRun(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Entry == "" {
		http.Error(w, "entry required", http.StatusBadRequest)
		return
	}

	ctx, cancel := withTimeout(r.Context(), req.Timeout)
	defer cancel()

	result := s.exec.Run(ctx, req.Entry, s.opts...)
	writeJSON(w, toResponse("", result))
}

func (s *server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	session, err := s.sessions.create(s.exec, s.opts...)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to create session: %v", err), http.StatusInternalServerError)
		return
	}
	s.logger.Info("session created", zap.String("session", session.ID()))

	resp := runResponse{SessionID: session.ID(), Messages: []string{}}
	if req.Entry != "" {
		ctx, cancel := withTimeout(r.Context(), req.Timeout)
		defer cancel()
		resp = toResponse(session.ID(), session.Run(ctx, req.Entry))
	}
	writeJSON(w, resp)
}

func (s *server) handleSessionRun(w http.ResponseWriter, r *http.Request) {
	session, ok := s.sessions.get(r.PathValue("id"))
	if !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Entry == "" {
		http.Error(w, "entry required", http.StatusBadRequest)
		return
	}

	ctx, cancel := withTimeout(r.Context(), req.Timeout)
	defer cancel()
	writeJSON(w, toResponse(session.ID(), session.Run(ctx, req.Entry)))
}

func (s *server) handleSessionSend(w http.ResponseWriter, r *http.Request) {
	session, ok := s.sessions.get(r.PathValue("id"))
	if !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	ctx, cancel := withTimeout(r.Context(), req.Timeout)
	defer cancel()

	if req.Sync {
		start := time.Now()
		reply, err := session.SendSync(ctx, req.Message)
		resp := runResponse{
			SessionID:  session.ID(),
			Messages:   []string{},
			Reply:      reply,
			DurationMs: time.Since(start).Milliseconds(),
		}
		if err != nil {
			resp.Error = err.Error()
		}
		writeJSON(w, resp)
		return
	}

	writeJSON(w, toResponse(session.ID(), session.Send(ctx, req.Message)))
}

func (s *server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.sessions.close(id) {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	s.logger.Info("session closed", zap.String("session", id))
	w.WriteHeader(http.StatusNoContent)
}

func withTimeout(ctx context.Context, timeout string) (context.Context, context.CancelFunc) {
	if timeout != "" {
		if d, err := time.ParseDuration(timeout); err == nil {
			return context.WithTimeout(ctx, d)
		}
	}
	return context.WithCancel(ctx)
}

func toResponse(sessionID string, result executor.Result) runResponse {
	resp := runResponse{
		SessionID:  sessionID,
		Messages:   result.Messages,
		DurationMs: result.Duration.Milliseconds(),
	}
	if resp.Messages == nil {
		resp.Messages = []string{}
	}
	for _, err := range result.TaskErrors {
		resp.TaskErrors = append(resp.TaskErrors, err.Error())
	}
	if result.Error != nil {
		resp.Error = result.Error.Error()
	}
	return resp
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func runServe(cmd *cobra.Command, args []string) error {
	port, _ := cmd.Flags().GetInt("port")
	ttl, _ := cmd.Flags().GetDuration("session-ttl")

	if mounts, _ := cmd.Flags().GetStringSlice("mount"); len(mounts) == 0 {
		return errNoMounts
	}
	opts, err := buildSessionOpts(cmd)
	if err != nil {
		return err
	}

	exec, err := newExecutor(hostfunc.NewRegistry())
	if err != nil {
		return err
	}
	defer exec.Close()

	sessions := newSessionManager(ttl)
	defer sessions.closeAll()

	srv := &server{
		exec:     exec,
		sessions: sessions,
		opts:     opts,
		logger:   logger.Named("server"),
	}

	addr := fmt.Sprintf(":%d", port)
	logger.Info("gocjs server listening", zap.String("addr", addr))
	return http.ListenAndServe(addr, srv.routes())
}

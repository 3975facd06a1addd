// Package server is the small operational HTTP surface: health, group
// cache reset, and optional pprof. It is not the operator interface;
// that lives on the chat transport.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/http/pprof"
	"sync"
	"time"

	"wappsender/internal/gateway"
	"wappsender/internal/session"
)

type Config struct {
	// Addr is the listen address; empty disables the server.
	Addr  string
	Pprof bool
}

type Server struct {
	cfg    Config
	groups *gateway.GroupCache
	sess   *session.Session
	log    *slog.Logger

	started time.Time

	mu   sync.Mutex
	srv  *http.Server
	ln   net.Listener
	addr string
}

func New(cfg Config, groups *gateway.GroupCache, sess *session.Session, log *slog.Logger) *Server {
	return &Server{cfg: cfg, groups: groups, sess: sess, log: log, started: time.Now()}
}

func (s *Server) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg.Addr == "" || s.srv != nil {
		return
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /cache/clear", s.handleCacheClear)
	if s.cfg.Pprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}

	srv := &http.Server{Addr: s.cfg.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		s.log.Warn("ops listen failed", slog.String("addr", s.cfg.Addr), slog.Any("err", err))
		return
	}
	s.srv = srv
	s.ln = ln
	s.addr = ln.Addr().String()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("ops server error", slog.String("addr", s.addr), slog.Any("err", err))
		}
	}()
	s.log.Info("ops server listening", slog.String("addr", s.addr))
}

func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	srv := s.srv
	ln := s.ln
	s.srv = nil
	s.ln = nil
	s.mu.Unlock()

	if srv == nil {
		return
	}
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.log.Warn("ops shutdown error", slog.Any("err", err))
	}
	if ln != nil {
		_ = ln.Close()
	}
}

// Addr reports the actual listen address if running.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	p := s.sess.Progress()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"uptime":    time.Since(s.started).Round(time.Second).String(),
		"in_flight": p.InFlight,
		"terminate": p.Terminate,
		"sent":      p.Sent,
		"total":     p.Total,
	})
}

// handleCacheClear drops the group listing cache and refetches it, an
// operational recovery hook when the gateway's group set changed.
func (s *Server) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	s.groups.Invalidate()
	groups, err := s.groups.Get(r.Context())
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"groups":   groups,
		"excluded": s.sess.Excluded(),
	})
	s.log.Info("group cache reset", slog.Int("groups", len(groups)))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

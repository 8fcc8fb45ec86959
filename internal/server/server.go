// Package server wires the relay's HTTP surface (spec.md §6 route table).
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"log/slog"

	"github.com/cc-relay/cc-relay-server/internal/auth"
	"github.com/cc-relay/cc-relay-server/internal/config"
	"github.com/cc-relay/cc-relay-server/internal/dispatcher"
	"github.com/cc-relay/cc-relay-server/internal/obs"
	"github.com/cc-relay/cc-relay-server/internal/registry"
	"github.com/cc-relay/cc-relay-server/internal/relayerr"
	"github.com/cc-relay/cc-relay-server/internal/scheduler"
	"github.com/cc-relay/cc-relay-server/internal/session"
	"github.com/cc-relay/cc-relay-server/internal/store"
	"github.com/cc-relay/cc-relay-server/internal/tokenrefresh"
	"github.com/cc-relay/cc-relay-server/internal/transport"
	"github.com/cc-relay/cc-relay-server/internal/translate"
)

// Server is the relay's HTTP server.
type Server struct {
	cfg          *config.Config
	db           *store.DB
	reg          *registry.Registry
	sessions     *session.Store
	transportMgr *transport.Manager
	dispatcher   *dispatcher.Dispatcher
	authn        *auth.Authenticator
	logs         *obs.RingHandler
	httpServer   *http.Server
	startTime    time.Time
}

// New wires every collaborator package into one HTTP server. logs is the
// slog handler installed as the process default, reused here to back
// /debug/logs so an operator can inspect recent activity without tailing
// stderr directly.
func New(cfg *config.Config, db *store.DB, reg *registry.Registry, logs *obs.RingHandler) *Server {
	sessions := session.New(db)
	tm := transport.NewManager(30 * time.Second)
	refresher := tokenrefresh.New(reg, tm)
	sched := scheduler.New(reg, sessions, cfg.StickyTTL(), cfg.RenewalThreshold())
	authn := auth.New(cfg.APIKeys)

	disp := dispatcher.New(reg, sched, refresher, tm, sessions, db, authn, cfg.StickyTTL(), cfg.UnavailableCooldown())

	srv := &Server{
		cfg:          cfg,
		db:           db,
		reg:          reg,
		sessions:     sessions,
		transportMgr: tm,
		dispatcher:   disp,
		authn:        authn,
		logs:         logs,
		startTime:    time.Now(),
	}

	mux := http.NewServeMux()
	srv.registerRoutes(mux)

	srv.httpServer = &http.Server{
		Addr:           fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:        requestLogger(mux),
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   0, // streaming responses set their own pace; bounded by client disconnect
		MaxHeaderBytes: 1 << 20,
	}

	return srv
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	dispatch := func(profile dispatcher.RouteProfile) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			s.dispatcher.Handle(w, r, profile)
		}
	}

	claude := claudeProfile()
	mux.HandleFunc("POST /api/v1/messages", dispatch(claude))
	mux.HandleFunc("POST /claude/v1/messages", dispatch(claude))
	mux.HandleFunc("GET /api/v1/models", staticModelsHandler([]string{
		"claude-opus-4-6", "claude-sonnet-4-6", "claude-haiku-4-6",
	}))

	mux.HandleFunc("POST /gemini/v1/models/{modelVerb}", s.handleGemini)
	mux.HandleFunc("GET /gemini/v1/models", staticModelsHandler([]string{
		"gemini-2.5-pro", "gemini-2.5-flash",
	}))

	mux.HandleFunc("POST /openai/v1/chat/completions", dispatch(openaiChatProfile(translate.OpenAIChatToClaude{})))
	mux.HandleFunc("POST /openai/v1/responses", dispatch(openaiResponsesProfile()))
	mux.HandleFunc("GET /openai/v1/models", staticModelsHandler([]string{
		"gpt-5", "gpt-5-mini",
	}))

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /metrics", s.handleMetrics)
	mux.HandleFunc("GET /debug/logs", s.handleDebugLogs)
}

// handleGemini splits the "{model}:verb" path segment into streaming vs
// non-streaming before dispatching, since the verb determines the
// streaming disposition, not the request body (spec.md §6).
func (s *Server) handleGemini(w http.ResponseWriter, r *http.Request) {
	modelVerb := r.PathValue("modelVerb")
	streaming := len(modelVerb) > len("streamGenerateContent") &&
		modelVerb[len(modelVerb)-len("streamGenerateContent"):] == "streamGenerateContent"
	s.dispatcher.Handle(w, r, geminiProfile(streaming))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(r.Context()); err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprintf(w, `{"status":"error","store":%q}`, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","uptime_seconds":%d}`, int(time.Since(s.startTime).Seconds()))
}

// handleMetrics reports a minimal per-account eligibility snapshot; full
// Prometheus exposition is out of scope (spec.md §1 Non-goals).
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	for _, id := range s.reg.IDs() {
		snap, ok := s.reg.Get(id)
		if !ok {
			continue
		}
		cooled := 0
		if snap.IsCooledDown(time.Now()) {
			cooled = 1
		}
		fmt.Fprintf(w, "cc_relay_account_cooled_down{account_id=%q,kind=%q} %d\n", id, snap.Kind, cooled)
	}
}

// handleDebugLogs serves the last N captured log lines as JSON, gated by the
// same API-key allowlist that protects the relay routes (an empty allowlist
// leaves this open, same as every other route).
func (s *Server) handleDebugLogs(w http.ResponseWriter, r *http.Request) {
	if _, err := s.authn.Authenticate(r); err != nil {
		if re, ok := err.(*relayerr.Error); ok {
			relayerr.WriteJSON(w, re)
			return
		}
		relayerr.WriteJSON(w, relayerr.New(relayerr.KindClientAuthRejected, http.StatusUnauthorized, err.Error()))
		return
	}
	if s.logs == nil {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"lines":[]}`))
		return
	}

	n := 200
	if raw := r.URL.Query().Get("n"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			n = parsed
		}
	}

	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	_ = enc.Encode(map[string]any{"lines": s.logs.Recent(n)})
}

// Run starts the server and blocks until shutdown.
func (s *Server) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go s.transportMgr.RunCleanup(ctx, 5*time.Minute)
	go s.sessions.RunSweeper(ctx, 10*time.Minute)
	go s.runLogPurge(ctx, 6*time.Hour)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server starting", "addr", s.httpServer.Addr)
		errCh <- s.httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	case sig := <-sigCh:
		slog.Info("shutdown signal received", "signal", sig)
		s.transportMgr.Close()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

// runLogPurge deletes request_log rows older than 30 days on a fixed tick.
func (s *Server) runLogPurge(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.db.PurgeOldLogs(ctx, time.Now().Add(-30*24*time.Hour))
			if err != nil {
				slog.Warn("log purge failed", "err", err)
				continue
			}
			if n > 0 {
				slog.Debug("purged request log rows", "count", n)
			}
		}
	}
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		slog.Debug("request", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr)
		next.ServeHTTP(w, r)
	})
}

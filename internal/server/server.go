// Package server exposes the HTTP surface of billscan: the scan trigger,
// the OAuth callback, health probes, and Prometheus metrics.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/paperbill/billscan/internal/logging"
	"github.com/paperbill/billscan/internal/pipeline"
)

// Server timeouts.
const (
	DefaultReadTimeout     = 10 * time.Second
	DefaultWriteTimeout    = 30 * time.Second
	DefaultIdleTimeout     = 60 * time.Second
	DefaultShutdownTimeout = 15 * time.Second
)

// Starter schedules a scan run in the background.
type Starter interface {
	Start(req pipeline.Request)
}

// Authorizer handles the OAuth authorization exchange for a user.
type Authorizer interface {
	AuthURL(userID string) string
	HandleCallback(ctx context.Context, state, code string) error
}

// Server is the billscan HTTP server.
type Server struct {
	httpServer *http.Server
	runner     Starter
	auth       Authorizer
	registry   *prometheus.Registry
	logger     *slog.Logger
	ready      atomic.Bool
}

// New builds the server and its router.
func New(addr string, runner Starter, auth Authorizer, registry *prometheus.Registry, logger *slog.Logger) *Server {
	s := &Server{
		runner:   runner,
		auth:     auth,
		registry: registry,
		logger:   logger,
	}
	s.ready.Store(true)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(DefaultWriteTimeout))

	r.Get("/healthz", s.handleLiveness)
	r.Get("/readyz", s.handleReadiness)
	if registry != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	}
	r.Post("/commands/scan", s.handleScan)
	if auth != nil {
		r.Get("/oauth/start", s.handleOAuthStart)
		r.Get("/oauth/callback", s.handleOAuthCallback)
	}

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  DefaultReadTimeout,
		WriteTimeout: DefaultWriteTimeout,
		IdleTimeout:  DefaultIdleTimeout,
	}
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// ListenAndServe blocks until the server stops.
func (s *Server) ListenAndServe() error {
	s.logger.Info("http server listening", slog.String("addr", s.httpServer.Addr))
	return s.httpServer.ListenAndServe()
}

// Shutdown drains in-flight requests and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.ready.Store(false)
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleLiveness(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadiness(w http.ResponseWriter, _ *http.Request) {
	if !s.ready.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "shutting down"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// scanResponse acknowledges a scan trigger before the run completes. The
// result arrives over the notifier channel, not this response.
type scanResponse struct {
	Status string `json:"status"`
}

// handleScan accepts a slash-command style form post and acknowledges
// immediately; chat platforms time out slow webhook responses.
func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "malformed form body", http.StatusBadRequest)
		return
	}

	userID := r.PostFormValue("user_id")
	channelID := r.PostFormValue("channel_id")
	if userID == "" || channelID == "" {
		http.Error(w, "user_id and channel_id are required", http.StatusBadRequest)
		return
	}

	daysBack := 0
	if v := r.PostFormValue("days_back"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "days_back must be a positive integer", http.StatusBadRequest)
			return
		}
		daysBack = n
	}

	s.logger.Info("scan triggered",
		logging.UserHash(userID),
		logging.Channel(channelID))

	s.runner.Start(pipeline.Request{
		UserID:    userID,
		ChannelID: channelID,
		DaysBack:  daysBack,
	})

	writeJSON(w, http.StatusAccepted, scanResponse{Status: "scanning"})
}

func (s *Server) handleOAuthStart(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}
	http.Redirect(w, r, s.auth.AuthURL(userID), http.StatusFound)
}

func (s *Server) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	state := q.Get("state")
	code := q.Get("code")
	if state == "" || code == "" {
		http.Error(w, "state and code are required", http.StatusBadRequest)
		return
	}

	if err := s.auth.HandleCallback(r.Context(), state, code); err != nil {
		s.logger.Error("oauth callback failed", logging.Err(err))
		http.Error(w, "authorization failed", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("Authorization complete. You can close this window."))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

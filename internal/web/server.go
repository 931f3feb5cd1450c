// Package web serves the control plane over HTTP: a command endpoint, event
// and audit queries, and live event taps over SSE and WebSocket.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/asheshgoplani/lanedeck/internal/bus"
	"github.com/asheshgoplani/lanedeck/internal/control"
	"github.com/asheshgoplani/lanedeck/internal/logging"
	"github.com/asheshgoplani/lanedeck/internal/pty"
)

var webLog = logging.ForComponent(logging.CompWeb)

// DefaultListenAddr is used when Config.ListenAddr is empty.
const DefaultListenAddr = "127.0.0.1:7420"

// Runtime is what the server needs from the control plane.
type Runtime interface {
	Bus() *bus.Bus
	State() control.State
	PTYs() *pty.Manager
}

// Config defines runtime options for the web server.
type Config struct {
	ListenAddr string
	// Token is required as ?token= or a bearer token when set.
	Token string
	// ReadOnly rejects POST /api/request.
	ReadOnly bool
	// RequestTimeout bounds one command dispatch. Default: 30s
	RequestTimeout time.Duration
	Runtime        Runtime
	// Metrics backs /api/metrics; nil disables it.
	Metrics MetricsReader
	// Watchdog backs /api/drift; nil disables it.
	Watchdog DriftChecker
}

// Server wraps an HTTP server for the control plane.
type Server struct {
	cfg        Config
	rt         Runtime
	bus        *bus.Bus
	httpServer *http.Server
	baseCtx    context.Context
	cancelBase context.CancelFunc
	started    time.Time
}

// NewServer creates a server with every route and the recover middleware.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Runtime == nil {
		return nil, errors.New("web: runtime is required")
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = DefaultListenAddr
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}

	s := &Server{
		cfg:     cfg,
		rt:      cfg.Runtime,
		bus:     cfg.Runtime.Bus(),
		started: time.Now().UTC(),
	}
	s.baseCtx, s.cancelBase = context.WithCancel(context.Background())

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/api/request", s.authorized(http.MethodPost, s.handleRequest))
	mux.HandleFunc("/api/events", s.authorized(http.MethodGet, s.handleEvents))
	mux.HandleFunc("/api/audit", s.authorized(http.MethodGet, s.handleAudit))
	mux.HandleFunc("/api/state", s.authorized(http.MethodGet, s.handleState))
	mux.HandleFunc("/api/metrics", s.authorized(http.MethodGet, s.handleMetrics))
	mux.HandleFunc("/api/orphans", s.authorized(http.MethodPost, s.handleOrphans))
	mux.HandleFunc("/api/drift", s.authorized(http.MethodGet, s.handleDrift))
	mux.HandleFunc("/events/stream", s.authorized(http.MethodGet, s.handleEventStream))
	mux.HandleFunc("/ws/events", s.authorized(http.MethodGet, s.handleEventsWS))

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           withRecover(mux),
		BaseContext:       func(_ net.Listener) context.Context { return s.baseCtx },
		ErrorLog:          logging.NewStdLogger(logging.CompWeb),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s, nil
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Handler returns the configured HTTP handler (used by tests).
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start starts the HTTP server and blocks until shutdown or error.
// Returns nil on graceful shutdown.
func (s *Server) Start() error {
	webLog.Info("web_listening", slog.String("addr", s.cfg.ListenAddr), slog.Bool("read_only", s.cfg.ReadOnly))
	err := s.httpServer.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	// long-lived taps watch the base context
	s.cancelBase()

	err := s.httpServer.Shutdown(ctx)
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		if closeErr := s.httpServer.Close(); closeErr != nil {
			return fmt.Errorf("graceful shutdown timed out and force close failed: %w", closeErr)
		}
		return nil
	}
	return err
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":            true,
		"readOnly":      s.cfg.ReadOnly,
		"last_sequence": s.bus.LastSequence(),
		"started":       s.started.Format(time.RFC3339),
		"time":          time.Now().UTC().Format(time.RFC3339),
	})
}

func withRecover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				webLog.Error("panic",
					slog.String("recover", fmt.Sprintf("%v", rec)),
					slog.String("path", r.URL.Path))
				http.Error(w, "internal server error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) String() string {
	return fmt.Sprintf("web-server(addr=%s, readOnly=%t)", s.cfg.ListenAddr, s.cfg.ReadOnly)
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type apiErrorResponse struct {
	Error apiError `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeAPIError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, apiErrorResponse{
		Error: apiError{
			Code:    code,
			Message: message,
		},
	})
}

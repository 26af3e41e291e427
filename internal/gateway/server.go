// Package gateway serves the bridge's HTTP surface: outbound call placement,
// scheduled calls, health, metrics and the audio stream endpoint.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/voicebridge/internal/callstore"
	"github.com/haasonsaas/voicebridge/internal/observability"
	"github.com/haasonsaas/voicebridge/internal/ratelimit"
	"github.com/haasonsaas/voicebridge/internal/schedule"
	"github.com/haasonsaas/voicebridge/internal/sessions"
	"github.com/haasonsaas/voicebridge/internal/voice"
)

const maxBodyBytes = 64 << 10

// CallPlacer places outbound calls.
type CallPlacer interface {
	PlaceCall(ctx context.Context, req voice.PlaceCallRequest) (voice.PlaceCallResult, error)
}

// StateReporter reports the control connection state.
type StateReporter interface {
	State() voice.ConnState
}

// Config wires the gateway to the rest of the bridge.
type Config struct {
	Placer    CallPlacer
	Registry  *sessions.Registry
	Scheduler *schedule.Timer
	// Approver gates scheduled calls. Nil approves everything.
	Approver *schedule.HTTPApprover
	// Calls backs GET /calls. Optional.
	Calls callstore.Store
	// Stream handles /stream/{callId}.
	Stream  http.Handler
	Control StateReporter
	Limiter *ratelimit.Limiter
	// MetricsHandler serves /metrics. Defaults to promhttp.Handler().
	MetricsHandler http.Handler

	ServiceToken      string
	AllowedIPPrefixes []string
	Version           string

	Logger  *slog.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
}

// Server is the HTTP gateway.
type Server struct {
	placer    CallPlacer
	registry  *sessions.Registry
	scheduler *schedule.Timer
	approver  *schedule.HTTPApprover
	calls     callstore.Store
	control   StateReporter
	limiter   *ratelimit.Limiter

	serviceToken string
	version      string
	started      time.Time

	prefixMu sync.RWMutex
	prefixes []string

	mux     *http.ServeMux
	handler http.Handler

	logger  *slog.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer
}

// New builds the gateway and its routes.
func New(cfg Config) (*Server, error) {
	if cfg.Placer == nil {
		return nil, errors.New("gateway: call placer is required")
	}
	if cfg.Registry == nil {
		return nil, errors.New("gateway: registry is required")
	}
	if cfg.Scheduler == nil {
		return nil, errors.New("gateway: scheduler is required")
	}
	if cfg.Stream == nil {
		return nil, errors.New("gateway: stream handler is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metricsHandler := cfg.MetricsHandler
	if metricsHandler == nil {
		metricsHandler = promhttp.Handler()
	}

	s := &Server{
		placer:       cfg.Placer,
		registry:     cfg.Registry,
		scheduler:    cfg.Scheduler,
		approver:     cfg.Approver,
		calls:        cfg.Calls,
		control:      cfg.Control,
		limiter:      cfg.Limiter,
		serviceToken: cfg.ServiceToken,
		version:      cfg.Version,
		started:      time.Now(),
		mux:          http.NewServeMux(),
		logger:       logger.With("component", "gateway"),
		metrics:      cfg.Metrics,
		tracer:       cfg.Tracer,
	}
	s.SetAllowedPrefixes(cfg.AllowedIPPrefixes)

	s.mux.HandleFunc("POST /outbound/call", s.requireToken(s.handlePlaceCall))
	s.mux.HandleFunc("POST /outbound/schedule", s.requireToken(s.handleSchedule))
	s.mux.HandleFunc("DELETE /outbound/schedule/{callId}", s.requireToken(s.handleCancelSchedule))
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.Handle("GET /metrics", metricsHandler)
	s.mux.Handle("GET /stream/{callId}", s.allowStream(cfg.Stream))
	if s.calls != nil {
		s.mux.HandleFunc("GET /calls", s.requireToken(s.handleListCalls))
		s.mux.HandleFunc("GET /calls/{callId}", s.requireToken(s.handleGetCall))
	}

	s.handler = requestID(s.instrument(s.rateLimit(s.mux)))
	return s, nil
}

// Handler returns the root handler with middleware applied.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// SetAllowedPrefixes replaces the stream allow-list. An empty list admits
// every address.
func (s *Server) SetAllowedPrefixes(prefixes []string) {
	cleaned := make([]string, 0, len(prefixes))
	for _, p := range prefixes {
		if p = strings.TrimSpace(p); p != "" {
			cleaned = append(cleaned, p)
		}
	}
	s.prefixMu.Lock()
	s.prefixes = cleaned
	s.prefixMu.Unlock()
}

func (s *Server) allowed(ip string) bool {
	s.prefixMu.RLock()
	defer s.prefixMu.RUnlock()
	if len(s.prefixes) == 0 {
		return true
	}
	for _, prefix := range s.prefixes {
		if strings.HasPrefix(ip, prefix) {
			return true
		}
	}
	return false
}

// ServeConfig configures the listening HTTP server.
type ServeConfig struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, cfg ServeConfig) error {
	listener, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	return s.Serve(ctx, listener, cfg)
}

// Serve is ListenAndServe on an existing listener.
func (s *Server) Serve(ctx context.Context, listener net.Listener, cfg ServeConfig) error {
	server := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(listener)
	}()
	s.logger.Info("starting http server", "addr", listener.Addr().String())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http serve: %w", err)
	case <-ctx.Done():
	}

	timeout := cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("http server shutdown error", "error", err)
		return err
	}
	s.logger.Info("http server stopped")
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// Best-effort: the client may already be gone.
	_ = json.NewEncoder(w).Encode(payload)
}

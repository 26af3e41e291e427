package gateway

import (
	"bufio"
	"crypto/subtle"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/voicebridge/internal/observability"
)

const requestIDHeader = "X-Request-ID"

// statusWriter records the response status. It keeps Hijack reachable so
// websocket upgrades pass through.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("gateway: response writer does not support hijacking")
	}
	if w.status == 0 {
		w.status = http.StatusSwitchingProtocols
	}
	return hj.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

func (w *statusWriter) code() int {
	if w.status == 0 {
		return http.StatusOK
	}
	return w.status
}

func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(observability.WithRequestID(r.Context(), id)))
	})
}

// instrument records a span and request metrics labelled by route pattern.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		route := s.route(r)
		ctx, span := s.tracer.TraceHTTPRequest(r.Context(), r.Method, route)
		defer span.End()

		sw := &statusWriter{ResponseWriter: w}
		next.ServeHTTP(sw, r.WithContext(ctx))

		code := sw.code()
		s.metrics.RecordHTTPRequest(r.Method, route, strconv.Itoa(code), time.Since(start).Seconds())
		if code >= http.StatusInternalServerError {
			s.logger.Warn("request failed",
				"method", r.Method,
				"route", route,
				"status", code,
				"trace_id", observability.GetTraceID(ctx))
		}
	})
}

func (s *Server) route(r *http.Request) string {
	if _, pattern := s.mux.Handler(r); pattern != "" {
		return pattern
	}
	return "unmatched"
}

// rateLimit refuses clients over the per-IP budget. Stream connections come
// from the switch and metrics scrapes from the collector, so both bypass it.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	if s.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/stream/") || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		ip := clientIP(r)
		if !s.limiter.Allow(ip) {
			s.metrics.RateLimitHit()
			s.logger.Warn("rate limited request", "ip", ip, "method", r.Method, "path", r.URL.Path)
			writeJSON(w, http.StatusTooManyRequests, map[string]any{"error": "too many requests"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireToken checks the bearer service token when one is configured.
func (s *Server) requireToken(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.serviceToken == "" {
			next(w, r)
			return
		}
		token, ok := bearerToken(r)
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.serviceToken)) != 1 {
			s.logger.Warn("unauthorized request", "ip", clientIP(r), "path", r.URL.Path)
			writeJSON(w, http.StatusUnauthorized, map[string]any{"success": false, "error": "unauthorized"})
			return
		}
		next(w, r)
	}
}

// allowStream rejects stream connections from addresses outside the
// allow-list.
func (s *Server) allowStream(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := remoteHost(r)
		if !s.allowed(raw) && !s.allowed(normalizeIP(raw)) {
			s.logger.Warn("rejected stream from unauthorized address", "ip", normalizeIP(raw))
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(strings.ToLower(header), "bearer ") {
		return "", false
	}
	token := strings.TrimSpace(header[7:])
	return token, token != ""
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func clientIP(r *http.Request) string {
	return normalizeIP(remoteHost(r))
}

// normalizeIP strips the IPv4-mapped IPv6 prefix.
func normalizeIP(ip string) string {
	return strings.TrimPrefix(ip, "::ffff:")
}

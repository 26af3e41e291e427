package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects the bridge's Prometheus metrics.
//
// The metrics cover:
//   - Session admission, lifetime and the active-session gauge
//   - Park-to-stream latency on the control channel
//   - Frames relayed and dropped per direction
//   - Outbound originate and scheduled-action outcomes
//   - HTTP request latency and rate-limit rejections
//
// Every helper method is safe to call on a nil *Metrics so components can be
// constructed without metrics in tests.
//
// Usage:
//
//	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
//	metrics.SessionRegistered("inbound", registry.Active())
type Metrics struct {
	// ActiveSessions tracks pending plus streaming sessions.
	ActiveSessions prometheus.Gauge

	// SessionCounter counts admitted sessions.
	// Labels: direction (inbound|outbound)
	SessionCounter *prometheus.CounterVec

	// SessionRejections counts registrations refused by the registry.
	// Labels: reason (capacity)
	SessionRejections *prometheus.CounterVec

	// SessionTimeouts counts sessions force-released by the sweep.
	SessionTimeouts prometheus.Counter

	// SessionDuration measures session lifetime in seconds.
	// Labels: reason (hangup|timeout|stream_closed|cloud_closed|originate_error|shutdown)
	SessionDuration *prometheus.HistogramVec

	// ParkToStreamLatency measures the time from a park event to the
	// acknowledged stream-start command.
	// Buckets: 10ms, 25ms, 50ms, 100ms, 250ms, 500ms, 1s, 2.5s, 5s
	ParkToStreamLatency prometheus.Histogram

	// StreamStartFailures counts stream-start commands that did not reply +OK.
	StreamStartFailures prometheus.Counter

	// ESLEvents counts control events by kind.
	// Labels: kind (park|hangup|other)
	ESLEvents *prometheus.CounterVec

	// ESLReconnects counts reconnection attempts to the switch.
	ESLReconnects prometheus.Counter

	// OriginateCounter counts outbound call placements.
	// Labels: status (success|invalid|capacity|error)
	OriginateCounter *prometheus.CounterVec

	// FramesRelayed counts audio frames written to either leg.
	// Labels: direction (to_cloud|to_telephony)
	FramesRelayed *prometheus.CounterVec

	// FramesDropped counts frames evicted from a full queue.
	// Labels: direction (to_cloud|to_telephony)
	FramesDropped *prometheus.CounterVec

	// AudioBytes counts raw bytes relayed.
	// Labels: direction (in|out)
	AudioBytes *prometheus.CounterVec

	// ScheduledActions counts scheduled action outcomes.
	// Labels: outcome (executed|rejected|failed|cancelled)
	ScheduledActions *prometheus.CounterVec

	// HTTPRequestDuration measures HTTP API request latency.
	// Labels: method, path, status_code
	HTTPRequestDuration *prometheus.HistogramVec

	// HTTPRequestCounter counts HTTP requests.
	// Labels: method, path, status_code
	HTTPRequestCounter *prometheus.CounterVec

	// RateLimited counts requests refused by the per-IP limiter.
	RateLimited prometheus.Counter

	// DatabaseQueryDuration measures call-record store latency.
	// Labels: operation, status (success|error)
	DatabaseQueryDuration *prometheus.HistogramVec
}

// NewMetrics creates all metrics and registers them with reg. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "voicebridge_active_sessions",
			Help: "Number of pending and streaming call sessions",
		}),

		SessionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voicebridge_sessions_total",
				Help: "Total number of admitted call sessions by direction",
			},
			[]string{"direction"},
		),

		SessionRejections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voicebridge_session_rejections_total",
				Help: "Total number of call sessions refused by the registry",
			},
			[]string{"reason"},
		),

		SessionTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicebridge_session_timeouts_total",
			Help: "Total number of sessions force-released after the session timeout",
		}),

		SessionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "voicebridge_session_duration_seconds",
				Help:    "Call session lifetime in seconds",
				Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1800},
			},
			[]string{"reason"},
		),

		ParkToStreamLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "voicebridge_park_to_stream_seconds",
			Help:    "Latency from a park event to the acknowledged stream start",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),

		StreamStartFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicebridge_stream_start_failures_total",
			Help: "Total number of stream-start commands rejected by the switch",
		}),

		ESLEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voicebridge_esl_events_total",
				Help: "Total number of control events received by kind",
			},
			[]string{"kind"},
		),

		ESLReconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicebridge_esl_reconnects_total",
			Help: "Total number of event socket reconnection attempts",
		}),

		OriginateCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voicebridge_originate_total",
				Help: "Total number of outbound call placements by status",
			},
			[]string{"status"},
		),

		FramesRelayed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voicebridge_frames_relayed_total",
				Help: "Total number of audio frames relayed by direction",
			},
			[]string{"direction"},
		),

		FramesDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voicebridge_frames_dropped_total",
				Help: "Total number of audio frames dropped from full queues",
			},
			[]string{"direction"},
		),

		AudioBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voicebridge_audio_bytes_total",
				Help: "Total number of raw telephony audio bytes relayed",
			},
			[]string{"direction"},
		),

		ScheduledActions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voicebridge_scheduled_actions_total",
				Help: "Total number of scheduled actions by outcome",
			},
			[]string{"outcome"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "voicebridge_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "path", "status_code"},
		),

		HTTPRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voicebridge_http_requests_total",
				Help: "Total number of HTTP requests by method, path, and status code",
			},
			[]string{"method", "path", "status_code"},
		),

		RateLimited: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicebridge_rate_limited_total",
			Help: "Total number of requests refused by the per-IP rate limiter",
		}),

		DatabaseQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "voicebridge_callstore_query_duration_seconds",
				Help:    "Duration of call-record store queries in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"operation", "status"},
		),
	}
}

// SessionRegistered counts an admitted session and updates the gauge.
func (m *Metrics) SessionRegistered(direction string, active int) {
	if m == nil {
		return
	}
	m.SessionCounter.WithLabelValues(direction).Inc()
	m.ActiveSessions.Set(float64(active))
}

// SessionRejected counts a refused registration.
func (m *Metrics) SessionRejected(reason string) {
	if m == nil {
		return
	}
	m.SessionRejections.WithLabelValues(reason).Inc()
}

// SetActiveSessions sets the active-session gauge.
func (m *Metrics) SetActiveSessions(active int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(active))
}

// SessionReleased records the lifetime of a released session.
func (m *Metrics) SessionReleased(reason string, durationSeconds float64, active int) {
	if m == nil {
		return
	}
	m.SessionDuration.WithLabelValues(reason).Observe(durationSeconds)
	m.ActiveSessions.Set(float64(active))
}

// SessionTimedOut counts a sweep release.
func (m *Metrics) SessionTimedOut() {
	if m == nil {
		return
	}
	m.SessionTimeouts.Inc()
}

// ParkToStream observes the park-to-stream latency.
//
// Example:
//
//	metrics.ParkToStream(time.Since(parkedAt).Seconds())
func (m *Metrics) ParkToStream(seconds float64) {
	if m == nil {
		return
	}
	m.ParkToStreamLatency.Observe(seconds)
}

// StreamStartFailed counts a rejected stream-start command.
func (m *Metrics) StreamStartFailed() {
	if m == nil {
		return
	}
	m.StreamStartFailures.Inc()
}

// ESLEvent counts a received control event.
func (m *Metrics) ESLEvent(kind string) {
	if m == nil {
		return
	}
	m.ESLEvents.WithLabelValues(kind).Inc()
}

// ESLReconnect counts a reconnection attempt.
func (m *Metrics) ESLReconnect() {
	if m == nil {
		return
	}
	m.ESLReconnects.Inc()
}

// Originate counts an outbound placement outcome.
func (m *Metrics) Originate(status string) {
	if m == nil {
		return
	}
	m.OriginateCounter.WithLabelValues(status).Inc()
}

// FrameRelayed counts a frame written to one leg.
func (m *Metrics) FrameRelayed(direction string) {
	if m == nil {
		return
	}
	m.FramesRelayed.WithLabelValues(direction).Inc()
}

// FrameDropped counts a frame evicted from a full queue.
func (m *Metrics) FrameDropped(direction string) {
	if m == nil {
		return
	}
	m.FramesDropped.WithLabelValues(direction).Inc()
}

// AudioRelayed adds n raw bytes to the per-direction byte counter.
func (m *Metrics) AudioRelayed(direction string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.AudioBytes.WithLabelValues(direction).Add(float64(n))
}

// ScheduledAction counts a scheduled action outcome.
func (m *Metrics) ScheduledAction(outcome string) {
	if m == nil {
		return
	}
	m.ScheduledActions.WithLabelValues(outcome).Inc()
}

// RecordHTTPRequest records metrics for an HTTP request.
//
// Example:
//
//	start := time.Now()
//	// ... handle HTTP request ...
//	metrics.RecordHTTPRequest("POST", "/outbound/call", "200", time.Since(start).Seconds())
func (m *Metrics) RecordHTTPRequest(method, path, statusCode string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequestCounter.WithLabelValues(method, path, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, statusCode).Observe(durationSeconds)
}

// RateLimitHit counts a request refused by the limiter.
func (m *Metrics) RateLimitHit() {
	if m == nil {
		return
	}
	m.RateLimited.Inc()
}

// RecordDatabaseQuery records metrics for a call-record store query.
func (m *Metrics) RecordDatabaseQuery(operation, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.DatabaseQueryDuration.WithLabelValues(operation, status).Observe(durationSeconds)
}

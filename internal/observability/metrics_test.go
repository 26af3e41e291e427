package observability

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetricsIsolatedRegistries(t *testing.T) {
	// Each registry gets its own collectors; building twice must not panic.
	_ = NewMetrics(prometheus.NewRegistry())
	_ = NewMetrics(prometheus.NewRegistry())
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.SessionRegistered("inbound", 1)
	m.SessionRejected("capacity")
	m.SetActiveSessions(2)
	m.SessionReleased("hangup", 1.5, 0)
	m.SessionTimedOut()
	m.ParkToStream(0.1)
	m.StreamStartFailed()
	m.ESLEvent("park")
	m.ESLReconnect()
	m.Originate("success")
	m.FrameRelayed("to_cloud")
	m.FrameDropped("to_telephony")
	m.AudioRelayed("in", 160)
	m.ScheduledAction("executed")
	m.RecordHTTPRequest("GET", "/health", "200", 0.01)
	m.RateLimitHit()
	m.RecordDatabaseQuery("insert", "success", 0.01)
}

func TestSessionMetrics(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.SessionRegistered("inbound", 1)
	m.SessionRegistered("outbound", 2)
	m.SessionRegistered("inbound", 3)
	m.SessionRejected("capacity")
	m.SessionReleased("hangup", 12, 2)

	expected := `
		# HELP voicebridge_sessions_total Total number of admitted call sessions by direction
		# TYPE voicebridge_sessions_total counter
		voicebridge_sessions_total{direction="inbound"} 2
		voicebridge_sessions_total{direction="outbound"} 1
	`
	if err := testutil.CollectAndCompare(m.SessionCounter, strings.NewReader(expected)); err != nil {
		t.Errorf("Unexpected metric value: %v", err)
	}
	if got := testutil.ToFloat64(m.ActiveSessions); got != 2 {
		t.Errorf("ActiveSessions = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.SessionRejections.WithLabelValues("capacity")); got != 1 {
		t.Errorf("SessionRejections = %v, want 1", got)
	}
	if count := testutil.CollectAndCount(m.SessionDuration); count != 1 {
		t.Errorf("Expected 1 duration series, got %d", count)
	}
}

func TestRelayMetrics(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.FrameRelayed("to_cloud")
	m.FrameRelayed("to_cloud")
	m.FrameDropped("to_telephony")
	m.AudioRelayed("in", 320)
	m.AudioRelayed("in", 0)

	if got := testutil.ToFloat64(m.FramesRelayed.WithLabelValues("to_cloud")); got != 2 {
		t.Errorf("FramesRelayed = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.FramesDropped.WithLabelValues("to_telephony")); got != 1 {
		t.Errorf("FramesDropped = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.AudioBytes.WithLabelValues("in")); got != 320 {
		t.Errorf("AudioBytes = %v, want 320", got)
	}
}

func TestControlChannelMetrics(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.ParkToStream(0.02)
	m.StreamStartFailed()
	m.ESLReconnect()
	m.ESLReconnect()
	m.ESLEvent("park")
	m.Originate("error")

	if got := testutil.ToFloat64(m.StreamStartFailures); got != 1 {
		t.Errorf("StreamStartFailures = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ESLReconnects); got != 2 {
		t.Errorf("ESLReconnects = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.OriginateCounter.WithLabelValues("error")); got != 1 {
		t.Errorf("OriginateCounter = %v, want 1", got)
	}
	if count := testutil.CollectAndCount(m.ParkToStreamLatency); count != 1 {
		t.Errorf("Expected 1 latency series, got %d", count)
	}
}

func TestHTTPMetrics(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.RecordHTTPRequest("POST", "/outbound/call", "200", 0.05)
	m.RecordHTTPRequest("POST", "/outbound/call", "400", 0.01)
	m.RateLimitHit()

	if count := testutil.CollectAndCount(m.HTTPRequestCounter); count != 2 {
		t.Errorf("Expected 2 label combinations, got %d", count)
	}
	if got := testutil.ToFloat64(m.RateLimited); got != 1 {
		t.Errorf("RateLimited = %v, want 1", got)
	}
}

// Package observability provides the bridge's metrics, structured logging and
// tracing.
//
// Metrics are Prometheus collectors registered on a caller-supplied
// registerer and exposed by the gateway at /metrics. Logging builds a
// log/slog logger that redacts secrets and can write to a rotating file.
// Tracing wraps OpenTelemetry with an OTLP gRPC exporter; with no endpoint
// configured every span is a no-op.
//
// Example usage:
//
//	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
//	logger, closeLog := observability.NewLogger(observability.LogConfig{Level: "info"})
//	defer closeLog()
//	slog.SetDefault(logger)
package observability

package config

import (
	"fmt"
	"net/url"
	"strings"
)

// ValidationError lists every problem found in a configuration.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	if e == nil || len(e.Issues) == 0 {
		return "invalid config"
	}
	return "invalid config: " + strings.Join(e.Issues, "; ")
}

// Validate checks cross-field constraints after defaults are applied.
func (c *Config) Validate() error {
	var issues []string

	if err := checkVersion(c.Version); err != nil {
		issues = append(issues, err.Error())
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		issues = append(issues, fmt.Sprintf("server.port %d out of range", c.Server.Port))
	}
	if strings.TrimSpace(c.ESL.Addr) == "" {
		issues = append(issues, "esl.addr is required")
	}
	if c.ESL.ReconnectDelay < 0 || c.ESL.CommandTimeout < 0 {
		issues = append(issues, "esl durations must not be negative")
	}

	if !isWebsocketURL(c.Relay.PublicURL) {
		issues = append(issues, fmt.Sprintf("relay.public_url %q must be a ws:// or wss:// url", c.Relay.PublicURL))
	}
	switch c.Relay.Codec {
	case "L16", "PCMU":
	default:
		issues = append(issues, fmt.Sprintf("relay.codec %q must be L16 or PCMU", c.Relay.Codec))
	}
	switch c.Relay.SampleRate {
	case 8000, 16000:
	default:
		issues = append(issues, fmt.Sprintf("relay.sample_rate %d must be 8000 or 16000", c.Relay.SampleRate))
	}
	if c.Relay.QueueSize < 1 {
		issues = append(issues, "relay.queue_size must be positive")
	}
	if c.Relay.CloudQueueSize < 1 {
		issues = append(issues, "relay.cloud_queue_size must be positive")
	}
	if c.Relay.PrefillFrames() < 0 || c.Relay.MaxCatchUp < 1 {
		issues = append(issues, "relay.prefill must not be negative and relay.max_catch_up must be positive")
	}

	if c.Cloud.URL == "" {
		issues = append(issues, "cloud.url is required")
	} else if !isWebsocketURL(c.Cloud.URL) {
		issues = append(issues, fmt.Sprintf("cloud.url %q must be a ws:// or wss:// url", c.Cloud.URL))
	}

	if c.Limits.MaxConcurrent < 1 {
		issues = append(issues, "limits.max_concurrent must be at least 1")
	}
	if c.Limits.SessionTimeout <= 0 || c.Limits.SweepInterval <= 0 {
		issues = append(issues, "limits.session_timeout and limits.sweep_interval must be positive")
	}

	if strings.TrimSpace(c.Outbound.Gateway) == "" {
		issues = append(issues, "outbound.gateway is required")
	}

	if c.Schedule.ApprovalURL != "" {
		u, err := url.Parse(c.Schedule.ApprovalURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			issues = append(issues, fmt.Sprintf("schedule.approval_url %q must be an http(s) url", c.Schedule.ApprovalURL))
		}
	}

	if c.Security.RateLimit.RequestsPerMinute < 0 {
		issues = append(issues, "security.rate_limit.requests_per_minute must not be negative")
	}
	if c.Database.Retention < 0 {
		issues = append(issues, "database.retention must not be negative")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		issues = append(issues, fmt.Sprintf("logging.level %q is not a known level", c.Logging.Level))
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		issues = append(issues, fmt.Sprintf("logging.format %q must be json or text", c.Logging.Format))
	}
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		issues = append(issues, "tracing.sampling_rate must be between 0 and 1")
	}

	if len(issues) > 0 {
		return &ValidationError{Issues: issues}
	}
	return nil
}

func isWebsocketURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "ws" || u.Scheme == "wss") && u.Host != ""
}

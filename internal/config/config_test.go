package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const minimalConfig = `
cloud:
  url: wss://voice.example.com/ws
outbound:
  gateway: carrier
`

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "voicebridge.yaml")
	if err := os.WriteFile(path, []byte(strings.TrimSpace(contents)), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	checks := []struct {
		name string
		got  any
		want any
	}{
		{"server.port", cfg.Server.Port, 8080},
		{"esl.addr", cfg.ESL.Addr, "127.0.0.1:8021"},
		{"esl.reconnect_delay", cfg.ESL.ReconnectDelay, 5 * time.Second},
		{"esl.bridge_extension", cfg.ESL.BridgeExtension, "9999"},
		{"relay.public_url", cfg.Relay.PublicURL, "ws://127.0.0.1:8080"},
		{"relay.codec", cfg.Relay.Codec, "PCMU"},
		{"relay.queue_size", cfg.Relay.QueueSize, 2500},
		{"relay.cloud_queue_size", cfg.Relay.CloudQueueSize, 10},
		{"relay.frame_interval", cfg.Relay.FrameInterval, 20 * time.Millisecond},
		{"relay.max_catch_up", cfg.Relay.MaxCatchUp, 3},
		{"relay.prefill", cfg.Relay.PrefillFrames(), 4},
		{"limits.max_concurrent", cfg.Limits.MaxConcurrent, 10},
		{"limits.session_timeout", cfg.Limits.SessionTimeout, 30 * time.Minute},
		{"outbound.extension", cfg.Outbound.Extension, "9999"},
		{"outbound.originate_timeout", cfg.Outbound.OriginateTimeout, 60 * time.Second},
		{"rate_limit.requests_per_minute", cfg.Security.RateLimit.RequestsPerMinute, 60},
		{"rate_limit.block_duration", cfg.Security.RateLimit.BlockDuration, 10 * time.Minute},
		{"rate_limit.enabled", cfg.Security.RateLimit.IsEnabled(), true},
		{"logging.format", cfg.Logging.Format, "json"},
		{"version", cfg.Version, CurrentVersion},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, minimalConfig+`
server:
  extra: true
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name    string
		config  string
		wantErr string
	}{
		{
			name:    "missing cloud url",
			config:  "outbound:\n  gateway: carrier\n",
			wantErr: "cloud.url",
		},
		{
			name:    "http cloud url",
			config:  "cloud:\n  url: http://x\noutbound:\n  gateway: carrier\n",
			wantErr: "cloud.url",
		},
		{
			name:    "missing gateway",
			config:  "cloud:\n  url: ws://x\n",
			wantErr: "outbound.gateway",
		},
		{
			name:    "bad codec",
			config:  minimalConfig + "relay:\n  codec: opus\n",
			wantErr: "relay.codec",
		},
		{
			name:    "negative prefill",
			config:  minimalConfig + "relay:\n  prefill: -1\n",
			wantErr: "relay.prefill",
		},
		{
			name:    "bad log level",
			config:  minimalConfig + "logging:\n  level: loud\n",
			wantErr: "logging.level",
		},
		{
			name:    "bad approval url",
			config:  minimalConfig + "schedule:\n  approval_url: ftp://x\n",
			wantErr: "schedule.approval_url",
		},
		{
			name:    "future version",
			config:  minimalConfig + "version: 2\n",
			wantErr: "newer than this build",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.config))
			if err == nil {
				t.Fatal("expected validation error")
			}
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("expected *ValidationError, got %T: %v", err, err)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected %s error, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestLoadExpandsEnvAndOverrides(t *testing.T) {
	t.Setenv("VB_TEST_GATEWAY", "from-env")
	t.Setenv(EnvServiceToken, "svc-token")
	t.Setenv(EnvESLPassword, "esl-secret")

	cfg, err := Load(writeConfig(t, `
cloud:
  url: wss://voice.example.com/ws
outbound:
  gateway: ${VB_TEST_GATEWAY}
security:
  service_token: from-file
`))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Outbound.Gateway != "from-env" {
		t.Errorf("gateway = %q, want from-env", cfg.Outbound.Gateway)
	}
	if cfg.Security.ServiceToken != "svc-token" {
		t.Errorf("service token = %q, want env override", cfg.Security.ServiceToken)
	}
	if cfg.ESL.Password != "esl-secret" {
		t.Errorf("esl password = %q, want env override", cfg.ESL.Password)
	}
}

func TestRateLimitExplicitlyDisabled(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig+"security:\n  rate_limit:\n    enabled: false\n"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Security.RateLimit.IsEnabled() {
		t.Fatal("rate limit should be disabled")
	}
}

func TestRelayPrefill(t *testing.T) {
	tests := []struct {
		name   string
		config string
		want   int
	}{
		{"unset", minimalConfig, 4},
		{"disabled", minimalConfig + "relay:\n  prefill: 0\n", 0},
		{"explicit", minimalConfig + "relay:\n  prefill: 2\n", 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, tt.config))
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			if got := cfg.Relay.PrefillFrames(); got != tt.want {
				t.Fatalf("PrefillFrames() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestWatchReloads(t *testing.T) {
	path := writeConfig(t, minimalConfig)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan *Config, 4)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, nil, func(cfg *Config) { changes <- cfg })
	}()

	// Give the watcher time to register before editing.
	time.Sleep(100 * time.Millisecond)

	// An invalid edit is skipped.
	if err := os.WriteFile(path, []byte("cloud:\n  url: nope\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	time.Sleep(400 * time.Millisecond)
	select {
	case cfg := <-changes:
		t.Fatalf("invalid config delivered: %+v", cfg)
	default:
	}

	if err := os.WriteFile(path, []byte(strings.TrimSpace(minimalConfig)+"\nlimits:\n  max_concurrent: 3\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	select {
	case cfg := <-changes:
		if cfg.Limits.MaxConcurrent != 3 {
			t.Fatalf("max_concurrent = %d, want 3", cfg.Limits.MaxConcurrent)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no reload after valid edit")
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Watch() error = %v", err)
	}
}

// Package config loads the voicebridge YAML configuration.
package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the main configuration structure for voicebridge.
type Config struct {
	Version  int            `yaml:"version"`
	Server   ServerConfig   `yaml:"server"`
	ESL      ESLConfig      `yaml:"esl"`
	Relay    RelayConfig    `yaml:"relay"`
	Cloud    CloudConfig    `yaml:"cloud"`
	Limits   LimitsConfig   `yaml:"limits"`
	Outbound OutboundConfig `yaml:"outbound"`
	Schedule ScheduleConfig `yaml:"schedule"`
	Security SecurityConfig `yaml:"security"`
	Database DatabaseConfig `yaml:"database"`
	Logging  LoggingConfig  `yaml:"logging"`
	Tracing  TracingConfig  `yaml:"tracing"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// ESLConfig configures the FreeSWITCH event socket connection.
type ESLConfig struct {
	Addr            string        `yaml:"addr"`
	Password        string        `yaml:"password"`
	ReconnectDelay  time.Duration `yaml:"reconnect_delay"`
	CommandTimeout  time.Duration `yaml:"command_timeout"`
	BridgeExtension string        `yaml:"bridge_extension"`
	JitterBuffer    string        `yaml:"jitter_buffer"`
}

// RelayConfig configures the per-call audio relay.
type RelayConfig struct {
	// PublicURL is the ws:// base the switch dials for /stream/<callId>.
	PublicURL  string `yaml:"public_url"`
	Codec      string `yaml:"codec"`
	SampleRate int    `yaml:"sample_rate"`
	QueueSize  int    `yaml:"queue_size"`
	// CloudQueueSize caps caller audio waiting for a slow cloud leg.
	CloudQueueSize int           `yaml:"cloud_queue_size"`
	FrameInterval  time.Duration `yaml:"frame_interval"`
	MaxCatchUp     int           `yaml:"max_catch_up"`
	// Prefill is unset for the default of 4 frames; 0 disables it.
	Prefill *int `yaml:"prefill"`
}

// PrefillFrames resolves Prefill.
func (r RelayConfig) PrefillFrames() int {
	if r.Prefill == nil {
		return 4
	}
	return *r.Prefill
}

// CloudConfig configures the cloud voice endpoint.
type CloudConfig struct {
	URL              string        `yaml:"url"`
	Token            string        `yaml:"token"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
}

// LimitsConfig bounds concurrent calls. MaxConcurrent is reloadable.
type LimitsConfig struct {
	MaxConcurrent  int           `yaml:"max_concurrent"`
	SessionTimeout time.Duration `yaml:"session_timeout"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`
}

// OutboundConfig configures call placement.
type OutboundConfig struct {
	Gateway          string        `yaml:"gateway"`
	CallerID         string        `yaml:"caller_id"`
	Extension        string        `yaml:"extension"`
	Context          string        `yaml:"context"`
	OriginateTimeout time.Duration `yaml:"originate_timeout"`
}

// ScheduleConfig configures scheduled outbound calls.
type ScheduleConfig struct {
	// ApprovalURL, when set, is asked {"callId"} -> {"approved"} before a
	// scheduled call is placed.
	ApprovalURL     string        `yaml:"approval_url"`
	ApprovalToken   string        `yaml:"approval_token"`
	ApprovalTimeout time.Duration `yaml:"approval_timeout"`
}

// SecurityConfig configures HTTP access control.
type SecurityConfig struct {
	ServiceToken string `yaml:"service_token"`
	// AllowedIPPrefixes limits who may open stream connections. Empty allows
	// everyone. Reloadable.
	AllowedIPPrefixes []string        `yaml:"allowed_ip_prefixes"`
	RateLimit         RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig configures the per-IP HTTP rate limit.
type RateLimitConfig struct {
	Enabled           *bool         `yaml:"enabled"`
	RequestsPerMinute int           `yaml:"requests_per_minute"`
	BlockDuration     time.Duration `yaml:"block_duration"`
}

// IsEnabled defaults to true when unset.
func (r RateLimitConfig) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// DatabaseConfig configures the call-record store. An empty URL keeps
// records in memory.
type DatabaseConfig struct {
	URL             string        `yaml:"url"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	// Retention prunes records older than this. Zero keeps everything.
	Retention     time.Duration `yaml:"retention"`
	PruneSchedule string        `yaml:"prune_schedule"`
}

type LoggingConfig struct {
	Level     string        `yaml:"level"`
	Format    string        `yaml:"format"`
	AddSource bool          `yaml:"add_source"`
	File      LogFileConfig `yaml:"file"`
}

// LogFileConfig enables a rotating log file.
type LogFileConfig struct {
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// TracingConfig controls OpenTelemetry tracing. An empty endpoint disables it.
type TracingConfig struct {
	Endpoint     string  `yaml:"endpoint"`
	ServiceName  string  `yaml:"service_name"`
	Environment  string  `yaml:"environment"`
	SamplingRate float64 `yaml:"sampling_rate"`
	Insecure     bool    `yaml:"insecure"`
}

// Environment variables that override file values.
const (
	EnvESLPassword  = "VOICEBRIDGE_ESL_PASSWORD"
	EnvServiceToken = "VOICEBRIDGE_SERVICE_TOKEN"
	EnvCloudToken   = "VOICEBRIDGE_CLOUD_TOKEN"
	EnvDatabaseURL  = "VOICEBRIDGE_DATABASE_URL"
)

// Load reads, parses and validates the configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML, expands ${ENV} references, applies environment
// overrides and defaults, then validates.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	decoder := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("failed to parse config: expected single document")
	}

	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv(EnvESLPassword); v != "" {
		cfg.ESL.Password = v
	}
	if v := os.Getenv(EnvServiceToken); v != "" {
		cfg.Security.ServiceToken = v
	}
	if v := os.Getenv(EnvCloudToken); v != "" {
		cfg.Cloud.Token = v
	}
	if v := os.Getenv(EnvDatabaseURL); v != "" {
		cfg.Database.URL = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Version == 0 {
		cfg.Version = CurrentVersion
	}

	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 15 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 90 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 15 * time.Second
	}

	if cfg.ESL.Addr == "" {
		cfg.ESL.Addr = "127.0.0.1:8021"
	}
	if cfg.ESL.Password == "" {
		cfg.ESL.Password = "ClueCon"
	}
	if cfg.ESL.ReconnectDelay == 0 {
		cfg.ESL.ReconnectDelay = 5 * time.Second
	}
	if cfg.ESL.CommandTimeout == 0 {
		cfg.ESL.CommandTimeout = 10 * time.Second
	}
	if cfg.ESL.BridgeExtension == "" {
		cfg.ESL.BridgeExtension = "9999"
	}
	if cfg.ESL.JitterBuffer == "" {
		cfg.ESL.JitterBuffer = "60:120"
	}

	if cfg.Relay.PublicURL == "" {
		cfg.Relay.PublicURL = fmt.Sprintf("ws://127.0.0.1:%d", cfg.Server.Port)
	}
	if cfg.Relay.Codec == "" {
		cfg.Relay.Codec = "PCMU"
	}
	if cfg.Relay.SampleRate == 0 {
		cfg.Relay.SampleRate = 8000
	}
	if cfg.Relay.QueueSize == 0 {
		cfg.Relay.QueueSize = 2500
	}
	if cfg.Relay.FrameInterval == 0 {
		cfg.Relay.FrameInterval = 20 * time.Millisecond
	}
	if cfg.Relay.MaxCatchUp == 0 {
		cfg.Relay.MaxCatchUp = 3
	}
	if cfg.Relay.CloudQueueSize == 0 {
		cfg.Relay.CloudQueueSize = 10
	}

	if cfg.Cloud.HandshakeTimeout == 0 {
		cfg.Cloud.HandshakeTimeout = 10 * time.Second
	}
	if cfg.Cloud.WriteTimeout == 0 {
		cfg.Cloud.WriteTimeout = 5 * time.Second
	}

	if cfg.Limits.MaxConcurrent == 0 {
		cfg.Limits.MaxConcurrent = 10
	}
	if cfg.Limits.SessionTimeout == 0 {
		cfg.Limits.SessionTimeout = 30 * time.Minute
	}
	if cfg.Limits.SweepInterval == 0 {
		cfg.Limits.SweepInterval = 30 * time.Second
	}

	if cfg.Outbound.Extension == "" {
		cfg.Outbound.Extension = cfg.ESL.BridgeExtension
	}
	if cfg.Outbound.Context == "" {
		cfg.Outbound.Context = "default"
	}
	if cfg.Outbound.OriginateTimeout == 0 {
		cfg.Outbound.OriginateTimeout = 60 * time.Second
	}

	if cfg.Schedule.ApprovalTimeout == 0 {
		cfg.Schedule.ApprovalTimeout = 10 * time.Second
	}

	if cfg.Security.RateLimit.RequestsPerMinute == 0 {
		cfg.Security.RateLimit.RequestsPerMinute = 60
	}
	if cfg.Security.RateLimit.BlockDuration == 0 {
		cfg.Security.RateLimit.BlockDuration = 10 * time.Minute
	}

	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 10
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.Database.PruneSchedule == "" {
		cfg.Database.PruneSchedule = "@daily"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Logging.File.Path != "" {
		if cfg.Logging.File.MaxSizeMB == 0 {
			cfg.Logging.File.MaxSizeMB = 100
		}
		if cfg.Logging.File.MaxBackups == 0 {
			cfg.Logging.File.MaxBackups = 5
		}
		if cfg.Logging.File.MaxAgeDays == 0 {
			cfg.Logging.File.MaxAgeDays = 28
		}
	}

	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = "voicebridge"
	}
	if cfg.Tracing.SamplingRate == 0 {
		cfg.Tracing.SamplingRate = 1.0
	}
}

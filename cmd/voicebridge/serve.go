package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"

	"github.com/haasonsaas/voicebridge/internal/audio"
	"github.com/haasonsaas/voicebridge/internal/callstore"
	"github.com/haasonsaas/voicebridge/internal/cloudvoice"
	"github.com/haasonsaas/voicebridge/internal/config"
	"github.com/haasonsaas/voicebridge/internal/esl"
	"github.com/haasonsaas/voicebridge/internal/gateway"
	"github.com/haasonsaas/voicebridge/internal/observability"
	"github.com/haasonsaas/voicebridge/internal/ratelimit"
	"github.com/haasonsaas/voicebridge/internal/relay"
	"github.com/haasonsaas/voicebridge/internal/schedule"
	"github.com/haasonsaas/voicebridge/internal/sessions"
	"github.com/haasonsaas/voicebridge/internal/voice"
)

// runServe loads the configuration, wires every component and blocks until
// a shutdown signal arrives.
func runServe(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, closeLog := observability.NewLogger(observability.LogConfig{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		AddSource: cfg.Logging.AddSource,
		File: observability.FileConfig{
			Path:       cfg.Logging.File.Path,
			MaxSizeMB:  cfg.Logging.File.MaxSizeMB,
			MaxBackups: cfg.Logging.File.MaxBackups,
			MaxAgeDays: cfg.Logging.File.MaxAgeDays,
			Compress:   cfg.Logging.File.Compress,
		},
	})
	defer func() { _ = closeLog() }()
	slog.SetDefault(logger)

	logger.Info("starting voicebridge",
		"version", version,
		"commit", commit,
		"config", configPath)

	tracer, shutdownTracer := observability.NewTracer(observability.TraceConfig{
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: version,
		Environment:    cfg.Tracing.Environment,
		Endpoint:       cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		EnableInsecure: cfg.Tracing.Insecure,
	})
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			logger.Warn("tracer shutdown error", "error", err)
		}
	}()

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(promRegistry)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	registry := sessions.New(sessions.Config{
		MaxConcurrent:  cfg.Limits.MaxConcurrent,
		SessionTimeout: cfg.Limits.SessionTimeout,
		SweepInterval:  cfg.Limits.SweepInterval,
		Logger:         logger,
		Metrics:        metrics,
	})
	if err := registry.Open(ctx); err != nil {
		return fmt.Errorf("failed to start session sweep: %w", err)
	}
	defer registry.Close()

	store, err := openCallStore(cfg.Database, metrics)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	eslDialer := esl.ClientDialer{
		Addr:           cfg.ESL.Addr,
		Password:       cfg.ESL.Password,
		CommandTimeout: cfg.ESL.CommandTimeout,
	}
	listener, err := voice.NewListener(voice.ListenerConfig{
		Dialer:          eslDialer,
		Registry:        registry,
		StreamBaseURL:   cfg.Relay.PublicURL,
		BridgeExtension: cfg.ESL.BridgeExtension,
		ReconnectDelay:  cfg.ESL.ReconnectDelay,
		JitterBuffer:    cfg.ESL.JitterBuffer,
		Logger:          logger,
		Metrics:         metrics,
		Tracer:          tracer,
	})
	if err != nil {
		return fmt.Errorf("failed to create event listener: %w", err)
	}

	initiator, err := voice.NewInitiator(voice.InitiatorConfig{
		Commander:        esl.Dedicated{Dialer: eslDialer},
		Registry:         registry,
		Gateway:          cfg.Outbound.Gateway,
		CallerIDNumber:   cfg.Outbound.CallerID,
		Extension:        cfg.Outbound.Extension,
		Context:          cfg.Outbound.Context,
		OriginateTimeout: cfg.Outbound.OriginateTimeout,
		Logger:           logger,
		Metrics:          metrics,
		Tracer:           tracer,
	})
	if err != nil {
		return fmt.Errorf("failed to create call initiator: %w", err)
	}

	cloud, err := cloudvoice.NewDialer(cloudvoice.Config{
		URL:              cfg.Cloud.URL,
		Token:            cfg.Cloud.Token,
		HandshakeTimeout: cfg.Cloud.HandshakeTimeout,
		WriteTimeout:     cfg.Cloud.WriteTimeout,
		Logger:           logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create cloud dialer: %w", err)
	}

	streamRelay, err := relay.New(relay.Config{
		Registry:       registry,
		Cloud:          cloud,
		Store:          store,
		Metadata:       listener,
		Codec:          audio.Codec(cfg.Relay.Codec),
		SampleRate:     cfg.Relay.SampleRate,
		QueueSize:      cfg.Relay.QueueSize,
		CloudQueueSize: cfg.Relay.CloudQueueSize,
		FrameInterval:  cfg.Relay.FrameInterval,
		MaxCatchUp:     cfg.Relay.MaxCatchUp,
		Prefill:        cfg.Relay.PrefillFrames(),
		Logger:         logger,
		Metrics:        metrics,
		Tracer:         tracer,
	})
	if err != nil {
		return fmt.Errorf("failed to create audio relay: %w", err)
	}

	timer := schedule.New(logger, schedule.WithMetrics(metrics))
	defer timer.Close()

	var limiter *ratelimit.Limiter
	if cfg.Security.RateLimit.IsEnabled() {
		limiter = ratelimit.NewLimiter(ratelimit.Config{
			RequestsPerMinute: cfg.Security.RateLimit.RequestsPerMinute,
			BlockDuration:     cfg.Security.RateLimit.BlockDuration,
			Enabled:           true,
		})
	}

	server, err := gateway.New(gateway.Config{
		Placer:    initiator,
		Registry:  registry,
		Scheduler: timer,
		Approver: &schedule.HTTPApprover{
			URL:     cfg.Schedule.ApprovalURL,
			Token:   cfg.Schedule.ApprovalToken,
			Timeout: cfg.Schedule.ApprovalTimeout,
		},
		Calls:             store,
		Stream:            streamRelay,
		Control:           listener,
		Limiter:           limiter,
		MetricsHandler:    promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{Registry: promRegistry}),
		ServiceToken:      cfg.Security.ServiceToken,
		AllowedIPPrefixes: cfg.Security.AllowedIPPrefixes,
		Version:           version,
		Logger:            logger,
		Metrics:           metrics,
		Tracer:            tracer,
	})
	if err != nil {
		return fmt.Errorf("failed to create gateway: %w", err)
	}

	housekeeping, err := startHousekeeping(cfg.Database, store, limiter, logger)
	if err != nil {
		return err
	}
	defer func() { <-housekeeping.Stop().Done() }()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = listener.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		err := config.Watch(ctx, configPath, logger, func(next *config.Config) {
			registry.SetCeiling(next.Limits.MaxConcurrent)
			server.SetAllowedPrefixes(next.Security.AllowedIPPrefixes)
		})
		if err != nil {
			logger.Warn("config hot reload disabled", "error", err)
		}
	}()

	logger.Info("voicebridge started",
		"http_addr", cfg.Server.Addr(),
		"esl_addr", cfg.ESL.Addr,
		"stream_url", cfg.Relay.PublicURL)

	serveErr := server.ListenAndServe(ctx, gateway.ServeConfig{
		Addr:            cfg.Server.Addr(),
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	})
	cancel()
	wg.Wait()

	if serveErr != nil {
		return serveErr
	}
	logger.Info("voicebridge stopped gracefully")
	return nil
}

func openCallStore(cfg config.DatabaseConfig, metrics *observability.Metrics) (callstore.Store, error) {
	if cfg.URL == "" {
		return callstore.NewMemoryStore(), nil
	}
	pgConfig := callstore.DefaultPostgresConfig()
	pgConfig.MaxOpenConns = cfg.MaxOpenConns
	pgConfig.MaxIdleConns = cfg.MaxIdleConns
	pgConfig.ConnMaxLifetime = cfg.ConnMaxLifetime
	store, err := callstore.NewPostgresStoreFromDSN(cfg.URL, pgConfig, metrics)
	if err != nil {
		return nil, fmt.Errorf("failed to open call store: %w", err)
	}
	return store, nil
}

// startHousekeeping schedules call-record pruning and rate limiter cleanup.
func startHousekeeping(cfg config.DatabaseConfig, store callstore.Store, limiter *ratelimit.Limiter, logger *slog.Logger) (*cron.Cron, error) {
	c := cron.New()
	if cfg.Retention > 0 {
		_, err := c.AddFunc(cfg.PruneSchedule, func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			removed, err := store.Prune(ctx, cfg.Retention)
			if err != nil {
				logger.Warn("pruning call records failed", "error", err)
				return
			}
			logger.Info("pruned call records", "removed", removed, "retention", cfg.Retention)
		})
		if err != nil {
			return nil, fmt.Errorf("invalid database.prune_schedule %q: %w", cfg.PruneSchedule, err)
		}
	}
	if limiter != nil {
		if _, err := c.AddFunc("@every 1m", limiter.Sweep); err != nil {
			return nil, fmt.Errorf("schedule rate limit sweep: %w", err)
		}
	}
	c.Start()
	return c, nil
}
